// Command ssechat is a chat server built on ssebackplane.
//
// Clients open an event stream at /events (or /chat/connect?room=...) and
// post messages over plain HTTP. With BACKPLANE=redis or BACKPLANE=nats any
// number of ssechat processes can run behind a load balancer and clients see
// each other's messages regardless of the process they are connected to.
//
// Settings come from the environment, see package config.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/mroth/ssebackplane"
	"github.com/mroth/ssebackplane/config"
	"github.com/mroth/ssebackplane/distributed"
	"github.com/mroth/ssebackplane/internal/logger"
	"github.com/mroth/ssebackplane/transport/natstransport"
	"github.com/mroth/ssebackplane/transport/redistransport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := newLogger(cfg)
	if err := run(ctx, cfg, log); err != nil {
		log.Error("server failed", logger.Error(err))
		os.Exit(1)
	}
	log.Info("server stopped")
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := []logger.Option{logger.WithLevelName(cfg.LogLevel)}
	if cfg.LogFormat == "json" {
		opts = append(opts, logger.WithJSONFormatter())
	}
	return logger.New(opts...)
}

// node is a running backplane plus what it takes to stop it.
type node struct {
	bp     ssebackplane.Backplane
	status interface {
		Status() ssebackplane.ReportingStatus
	}
	run   func(context.Context) error // nil for the in-memory backplane
	close func() error
}

func newNode(ctx context.Context, cfg config.Config, local *ssebackplane.Memory, log *slog.Logger) (*node, error) {
	if cfg.Backplane == config.BackplaneMemory {
		return &node{
			bp:     local,
			status: local,
			close:  func() error { local.Close(); return nil },
		}, nil
	}

	var t distributed.Transport
	switch cfg.Backplane {
	case config.BackplaneRedis:
		rt, err := redistransport.Dial(ctx, cfg.RedisURL,
			redistransport.WithPrefix(cfg.ChannelPrefix),
			redistransport.WithLogger(log),
		)
		if err != nil {
			return nil, err
		}
		t = rt
	case config.BackplaneNATS:
		name := "ssechat"
		if cfg.NodeName != "" {
			name += "-" + cfg.NodeName
		}
		nt, err := natstransport.Dial(cfg.NATSURL, name,
			natstransport.WithSubject(cfg.ChannelPrefix+".events"),
			natstransport.WithLogger(log),
		)
		if err != nil {
			return nil, err
		}
		t = nt
	default:
		return nil, fmt.Errorf("unknown backplane %q", cfg.Backplane)
	}

	d, err := distributed.New(local, t, distributed.WithNodeID(cfg.NodeName))
	if err != nil {
		t.Close()
		return nil, err
	}
	return &node{bp: d, status: d, run: d.Run, close: d.Close}, nil
}

// announceDepartures tells every group a client was in that it left.
func announceDepartures(bp ssebackplane.Backplane, log *slog.Logger) ssebackplane.Subscription {
	return bp.OnDisconnect(func(n ssebackplane.DisconnectNotice) {
		if len(n.Groups) == 0 {
			return
		}
		env, err := ssebackplane.NewJSONEnvelope(map[string]string{
			"message": fmt.Sprintf("User %s has disconnected.", n.ConnectionID),
		})
		if err != nil {
			log.Warn("cannot build departure notice", logger.Error(err))
			return
		}
		bp.SendToGroups(n.Groups, env)
	})
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := ssebackplane.NewMetrics(reg)
	if err != nil {
		return err
	}

	opts := []ssebackplane.Option{
		ssebackplane.WithLogger(log),
		ssebackplane.WithQueueLimit(cfg.QueueLimit),
		ssebackplane.WithMetrics(metrics),
	}
	if cfg.NodeName != "" {
		opts = append(opts, ssebackplane.WithNodeName(cfg.NodeName))
	}
	local, err := ssebackplane.NewMemory(opts...)
	if err != nil {
		return err
	}

	n, err := newNode(ctx, cfg, local, log)
	if err != nil {
		return fmt.Errorf("backplane %s: %w", cfg.Backplane, err)
	}
	announceDepartures(n.bp, log)

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: newRouter(n.bp, routerConfig{
			Node:            n.status.Status().Node,
			CORSAllowOrigin: cfg.CORSAllowOrigin,
			Retry:           cfg.Retry(),
			KeepAlive:       cfg.KeepAlive,
			AdminEnabled:    cfg.AdminEnabled,
			Status:          n.status,
			Gatherer:        reg,
			Metrics:         metrics,
		}, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info("listening", slog.String("addr", cfg.HTTPAddr), slog.String("backplane", cfg.Backplane))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if n.run != nil {
		eg.Go(func() error { return n.run(ctx) })
	}
	closed := closeOnShutdown(srv, n.close, log)
	eg.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		<-closed
		return err
	})
	return eg.Wait()
}

// closeOnShutdown closes the backplane once srv has stopped accepting
// connections. Closing it ends every open stream, so Shutdown does not wait
// on long-lived requests. The returned channel is closed when closeFn has
// returned.
func closeOnShutdown(srv *http.Server, closeFn func() error, log *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	srv.RegisterOnShutdown(func() {
		defer close(done)
		if err := closeFn(); err != nil {
			log.Warn("backplane close", logger.Error(err))
		}
	})
	return done
}
