package ssebackplane

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/mroth/ssebackplane/internal/logger"
)

// Handler is an http.Handler that turns each request into a backplane
// connection and streams its events until the client goes away.
//
// Every value of the "group" query parameter is joined on connect, so
//
//	GET /events?group=chat:room1&group=chat:room1:typing
//
// subscribes the client to both groups. The connection is always
// disconnected when the request ends, including after write errors.
type Handler struct {
	bp   Backplane
	conf handlerConfig
	log  *slog.Logger
}

type handlerConfig struct {
	CORSAllowOrigin string        // Access-Control-Allow-Origin header value (dont send header if blank)
	GroupParam      string        // query parameter holding groups to join
	ConnectEvent    string        // event type announcing the connection id, "" to disable
	Retry           time.Duration // reconnection delay sent at open
	KeepAlive       time.Duration // keepalive comment interval
	Metrics         *Metrics
}

// HandlerOption customizes a Handler.
type HandlerOption func(h *Handler)

// WithCORSAllowOrigin sets the Access-Control-Allow-Origin header value to origin.
// If set to the zero value (""), the header will not be sent.
//
// If you want to allow connections from browsers at any origin, set to "*".
func WithCORSAllowOrigin(origin string) HandlerOption {
	return func(h *Handler) { h.conf.CORSAllowOrigin = origin }
}

// WithGroupParam changes the query parameter read for groups to join.
func WithGroupParam(name string) HandlerOption {
	return func(h *Handler) { h.conf.GroupParam = name }
}

// WithConnectEvent makes the handler send the new connection id to the client
// as its first event, with the given event type and a JSON payload of the
// form {"connectionId":"..."}. Clients need the id to join or leave groups
// later.
func WithConnectEvent(eventType string) HandlerOption {
	return func(h *Handler) { h.conf.ConnectEvent = eventType }
}

// WithStreamRetry sets the reconnection delay advertised to clients.
func WithStreamRetry(d time.Duration) HandlerOption {
	return func(h *Handler) { h.conf.Retry = d }
}

// WithStreamKeepAlive sets the keepalive interval. Zero disables keepalives.
func WithStreamKeepAlive(d time.Duration) HandlerOption {
	return func(h *Handler) { h.conf.KeepAlive = d }
}

// WithHandlerMetrics counts stream frames on m.
func WithHandlerMetrics(m *Metrics) HandlerOption {
	return func(h *Handler) { h.conf.Metrics = m }
}

// WithHandlerLogger sets the logger used for connect/disconnect lines.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// NewHandler returns a Handler streaming connections of bp.
func NewHandler(bp Backplane, opts ...HandlerOption) *Handler {
	h := &Handler{
		bp:  bp,
		log: logger.Discard(),
		conf: handlerConfig{
			GroupParam: "group",
			Retry:      DefaultRetry,
			KeepAlive:  DefaultKeepAlive,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With(logger.Component("stream"))
	return h
}

type connectPayload struct {
	ConnectionID string `json:"connectionId"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// trust proxy IP headers for logging if they exist
	ip := r.Header.Get("X-Real-IP")
	if ip == "" {
		ip = r.Header.Get("X-Forwarded-For")
	}
	if ip == "" {
		ip = r.RemoteAddr
	}

	if h.conf.CORSAllowOrigin != "" {
		w.Header().Set("Access-Control-Allow-Origin", h.conf.CORSAllowOrigin)
	}

	stream := NewStream(w,
		WithRetry(h.conf.Retry),
		WithKeepAlive(h.conf.KeepAlive),
		WithStreamMetrics(h.conf.Metrics),
	)

	conn := CreateConnection(h.bp)
	defer func() {
		conn.Close()
		stream.Close()
		h.log.Info("DISCONNECT", logger.ConnID(conn.ID().String()), slog.String("client_ip", ip))
	}()

	if err := stream.Open(); err != nil {
		h.log.Warn("stream open failed", logger.ConnID(conn.ID().String()), logger.Error(err))
		return
	}

	groups := r.URL.Query()[h.conf.GroupParam]
	conn.JoinGroups(groups...)
	h.log.Info("CONNECT", logger.ConnID(conn.ID().String()), logger.Groups(groups), slog.String("client_ip", ip))

	if h.conf.ConnectEvent != "" {
		b, _ := json.Marshal(connectPayload{ConnectionID: conn.ID().String()})
		if env, err := NewGroupEnvelope(h.conf.ConnectEvent, b); err == nil {
			h.bp.SendToClient(conn.ID(), env)
		}
	}

	if err := stream.Run(r.Context(), conn.Reader()); err != nil {
		h.log.Debug("stream ended with error", logger.ConnID(conn.ID().String()), logger.Error(err))
	}
}
