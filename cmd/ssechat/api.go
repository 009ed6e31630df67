package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mroth/ssebackplane"
	"github.com/mroth/ssebackplane/admin"
	"github.com/mroth/ssebackplane/internal/logger"
)

// routerConfig carries what the HTTP layer needs besides the backplane.
type routerConfig struct {
	Node            string
	CORSAllowOrigin string
	Retry           time.Duration
	KeepAlive       time.Duration
	AdminEnabled    bool
	Status          admin.StatusSource
	Gatherer        prometheus.Gatherer
	Metrics         *ssebackplane.Metrics
}

type api struct {
	bp   ssebackplane.Backplane
	conf routerConfig
	log  *slog.Logger
}

func newRouter(bp ssebackplane.Backplane, conf routerConfig, log *slog.Logger) chi.Router {
	a := &api{bp: bp, conf: conf, log: log.With(logger.Component("api"))}

	streamOpts := []ssebackplane.HandlerOption{
		ssebackplane.WithCORSAllowOrigin(conf.CORSAllowOrigin),
		ssebackplane.WithConnectEvent("connected"),
		ssebackplane.WithStreamRetry(conf.Retry),
		ssebackplane.WithStreamKeepAlive(conf.KeepAlive),
		ssebackplane.WithHandlerMetrics(conf.Metrics),
		ssebackplane.WithHandlerLogger(log),
	}
	events := ssebackplane.NewHandler(bp, streamOpts...)
	rooms := ssebackplane.NewHandler(bp, append(streamOpts, ssebackplane.WithGroupParam("room"))...)

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		requestLogger(a.log),
		cors(conf.CORSAllowOrigin),
	)

	r.Get("/health", a.handleHealth)
	r.Method(http.MethodGet, "/events", events)
	r.Get("/chat/connect", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("room") == "" {
			writeError(w, http.StatusBadRequest, "room parameter is required")
			return
		}
		rooms.ServeHTTP(w, r)
	})

	r.Post("/chat/send", a.handleChatSend)
	r.Post("/messages", a.handleSend)
	r.Get("/connections/{id}/groups", a.handleClientGroups)
	r.Put("/connections/{id}/groups/{group}", a.handleJoin)
	r.Delete("/connections/{id}/groups/{group}", a.handleLeave)
	r.Get("/groups/{group}/members", a.handleMembers)

	if conf.Status != nil {
		r.Mount("/admin", admin.Handler(conf.Status,
			admin.WithDisabled(!conf.AdminEnabled),
			admin.WithMetrics(conf.Gatherer),
			admin.WithLogger(log),
		))
	}
	return r
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"node":   a.conf.Node,
	})
}

// chatMessage is what room members receive from /chat/send.
type chatMessage struct {
	Room    string    `json:"room"`
	From    string    `json:"from,omitempty"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sentAt"`
}

type chatRequest struct {
	Room    string `json:"room"`
	From    string `json:"from"`
	Content string `json:"content"`
}

func (a *api) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Room == "" {
		writeError(w, http.StatusBadRequest, "room is required")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content cannot be empty")
		return
	}

	env, err := ssebackplane.NewJSONEnvelope(chatMessage{
		Room:    req.Room,
		From:    req.From,
		Content: req.Content,
		SentAt:  time.Now().UTC(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, deliveryResponse(a.bp.SendToGroup(req.Room, env)))
}

// sendRequest addresses one send. Exactly one of the target fields must be
// set. Group sends are tagged with the group name, so Event only applies to
// client and broadcast sends.
type sendRequest struct {
	ClientID  string          `json:"clientId"`
	ClientIDs []string        `json:"clientIds"`
	Group     string          `json:"group"`
	Groups    []string        `json:"groups"`
	All       bool            `json:"all"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
}

var (
	errNoTarget       = errors.New("one of clientId, clientIds, group, groups or all is required")
	errTooManyTargets = errors.New("only one of clientId, clientIds, group, groups or all may be set")
	errNoData         = errors.New("data is required")
	errGroupEvent     = errors.New("event cannot be set for group sends, the group name is the event type")
)

func (s sendRequest) validate() error {
	n := 0
	for _, set := range []bool{s.ClientID != "", len(s.ClientIDs) > 0, s.Group != "", len(s.Groups) > 0, s.All} {
		if set {
			n++
		}
	}
	switch {
	case n == 0:
		return errNoTarget
	case n > 1:
		return errTooManyTargets
	case len(s.Data) == 0 || string(s.Data) == "null":
		return errNoData
	case s.Event != "" && (s.Group != "" || len(s.Groups) > 0):
		return errGroupEvent
	}
	return nil
}

func (s sendRequest) envelope() (*ssebackplane.Envelope, error) {
	if s.Event != "" {
		return ssebackplane.NewGroupEnvelope(s.Event, s.Data)
	}
	return ssebackplane.NewEnvelope(s.Data)
}

func (a *api) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	env, err := req.envelope()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var d ssebackplane.Delivery
	switch {
	case req.ClientID != "":
		d = a.bp.SendToClient(ssebackplane.ConnectionID(req.ClientID), env)
	case len(req.ClientIDs) > 0:
		ids := make([]ssebackplane.ConnectionID, len(req.ClientIDs))
		for i, id := range req.ClientIDs {
			ids[i] = ssebackplane.ConnectionID(id)
		}
		d = a.bp.SendToClients(ids, env)
	case req.Group != "":
		d = a.bp.SendToGroup(req.Group, env)
	case len(req.Groups) > 0:
		d = a.bp.SendToGroups(req.Groups, env)
	default:
		d = a.bp.SendToAll(env)
	}
	writeJSON(w, http.StatusAccepted, deliveryResponse(d))
}

func (a *api) handleClientGroups(w http.ResponseWriter, r *http.Request) {
	id := ssebackplane.ConnectionID(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]any{
		"connectionId": id,
		"groups":       a.bp.ClientGroups(id),
	})
}

func (a *api) handleJoin(w http.ResponseWriter, r *http.Request) {
	id := ssebackplane.ConnectionID(chi.URLParam(r, "id"))
	a.bp.JoinGroup(id, chi.URLParam(r, "group"))
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleLeave(w http.ResponseWriter, r *http.Request) {
	id := ssebackplane.ConnectionID(chi.URLParam(r, "id"))
	a.bp.LeaveGroup(id, chi.URLParam(r, "group"))
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleMembers(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	members := a.bp.GroupMembers(group)
	if members == nil {
		members = []ssebackplane.ConnectionID{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"group":   group,
		"count":   len(members),
		"members": members,
	})
}

type deliveryBody struct {
	Targeted  int `json:"targeted"`
	Delivered int `json:"delivered"`
	Dropped   int `json:"dropped"`
	Evicted   int `json:"evicted"`
}

func deliveryResponse(d ssebackplane.Delivery) deliveryBody {
	return deliveryBody{
		Targeted:  d.Targeted,
		Delivered: d.Delivered,
		Dropped:   d.Dropped,
		Evicted:   d.Evicted,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// cors allows cross-origin calls from origin and answers preflights.
func cors(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if origin == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs one line per finished request. Event streams log when
// the client goes away.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("request",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", ww.Status()),
					slog.Int("bytes", ww.BytesWritten()),
					slog.Duration("duration", time.Since(start)),
					slog.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
