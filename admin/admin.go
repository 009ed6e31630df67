// Package admin provides HTML, JSON and Prometheus monitoring endpoints for a
// backplane, all mounted under /admin/.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"

	rice "github.com/GeertJohan/go.rice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mroth/ssebackplane"
	"github.com/mroth/ssebackplane/internal/logger"
)

// StatusSource reports a backplane's status. Both ssebackplane.Memory and
// distributed.Distributed implement it.
type StatusSource interface {
	Status() ssebackplane.ReportingStatus
}

type config struct {
	Disabled bool
	Gatherer prometheus.Gatherer
	Log      *slog.Logger
}

// Option configures the admin handler.
type Option func(c *config)

// WithDisabled makes every admin endpoint answer 403.
func WithDisabled(disabled bool) Option {
	return func(c *config) { c.Disabled = disabled }
}

// WithMetrics serves metrics gathered from g at /admin/metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(c *config) { c.Gatherer = g }
}

// WithLogger sets the logger for failures serving the page.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.Log = l
		}
	}
}

// Handler serves:
//
//	/admin/             HTML status page
//	/admin/status.json  status of s as JSON
//	/admin/metrics      Prometheus metrics, with WithMetrics
func Handler(s StatusSource, opts ...Option) http.Handler {
	conf := config{Log: logger.Discard()}
	for _, opt := range opts {
		opt(&conf)
	}
	log := conf.Log.With(logger.Component("admin"))

	if conf.Disabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "403 admin endpoint disabled", http.StatusForbidden)
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/admin/", func(w http.ResponseWriter, r *http.Request) {
		statusHTMLHandler(w, r, log)
	})
	mux.HandleFunc("/admin/status.json", func(w http.ResponseWriter, r *http.Request) {
		statusDataHandler(w, r, s)
	})
	if conf.Gatherer != nil {
		mux.Handle("/admin/metrics", promhttp.HandlerFor(conf.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Handles serving the static HTML page
func statusHTMLHandler(w http.ResponseWriter, r *http.Request, log *slog.Logger) {
	// kinda ridiculous workaround for serving a single static file, sigh.
	box, err := rice.FindBox("views")
	if err != nil {
		log.Error("error opening rice.Box", logger.Error(err))
		http.Error(w, "500 admin page unavailable", http.StatusInternalServerError)
		return
	}

	file, err := box.Open("admin.html")
	if err != nil {
		log.Error("could not open admin page", logger.Error(err))
		http.Error(w, "500 admin page unavailable", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	fstat, err := file.Stat()
	if err != nil {
		log.Error("could not stat admin page", logger.Error(err))
		http.Error(w, "500 admin page unavailable", http.StatusInternalServerError)
		return
	}

	http.ServeContent(w, r, fstat.Name(), fstat.ModTime(), file)
}

// Handles serving the JSON status data, effectively the admin API endpoint
func statusDataHandler(w http.ResponseWriter, r *http.Request, s StatusSource) {
	b, err := json.MarshalIndent(s.Status(), "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}
