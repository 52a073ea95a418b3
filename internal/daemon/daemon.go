// Package daemon composes the host process: single-instance lock, topic
// announcement, the streaming relay and its supervisor, the debug HTTP
// endpoint, and signal-driven shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/thedanheller/remote-brain/internal/config"
	"github.com/thedanheller/remote-brain/internal/logging"
	"github.com/thedanheller/remote-brain/internal/observability"
	"github.com/thedanheller/remote-brain/internal/provider/ollama"
	"github.com/thedanheller/remote-brain/internal/relay"
	"github.com/thedanheller/remote-brain/internal/transport"
)

// ErrAlreadyRunning signals that another host instance holds the lock.
// The CLI maps it to exit code 2.
var ErrAlreadyRunning = errors.New("daemon: another instance is running")

// healthProbeTimeout bounds the startup reachability check.
const healthProbeTimeout = 3 * time.Second

// Host is the composed host process.
type Host struct {
	cfg          *config.Config
	logger       *zap.Logger
	level        zap.AtomicLevel
	restoreLevel zapcore.Level

	metrics    *observability.Metrics
	provider   *ollama.Provider
	relay      *relay.Relay
	supervisor *relay.Supervisor
	topic      transport.Topic
}

// NewHost wires a host from configuration. The model must be selected
// before starting; select-model persists one.
func NewHost(cfg *config.Config, logger *zap.Logger, level zap.AtomicLevel) (*Host, error) {
	if strings.TrimSpace(cfg.Host.Model) == "" {
		return nil, errors.New("no model selected; run select-model first or set host.model")
	}

	topic, err := loadOrCreateTopic(cfg.Transport.TopicFile)
	if err != nil {
		return nil, err
	}

	metrics := observability.NewMetrics()
	prov := ollama.NewProvider(cfg.Ollama.BaseURL, cfg.Ollama.Timeout, logger.Named("ollama"))

	r := relay.New(relay.Config{
		HostName: cfg.Host.Name,
		Model:    cfg.Host.Model,
		Provider: prov,
		Logger:   logger.Named("relay"),
		Metrics:  metrics,
		Observer: func(st relay.Status) {
			if st.ProviderUnreachable {
				logger.Warn("provider unreachable", zap.String("detail", st.Detail))
				return
			}
			logger.Debug("relay status",
				zap.Bool("busy", st.Busy),
				zap.String("active_request", st.ActiveRequestID),
				zap.Int("peers", st.Peers))
		},
	})

	return &Host{
		cfg:          cfg,
		logger:       logger,
		level:        level,
		restoreLevel: level.Level(),
		metrics:      metrics,
		provider:     prov,
		relay:        r,
		supervisor:   relay.NewSupervisor(r, cfg.Relay.MaxPeers, logger.Named("supervisor"), metrics),
		topic:        topic,
	}, nil
}

// ServerID returns the base58 rendering of the announced topic.
func (h *Host) ServerID() string {
	return h.topic.ServerID()
}

// Run starts the host and blocks until context cancellation or fatal
// error.
func (h *Host) Run(ctx context.Context) error {
	if err := os.MkdirAll(h.cfg.Runtime.Dir, 0o700); err != nil {
		return fmt.Errorf("runtime dir: %w", err)
	}

	lock := flock.New(h.cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	defer lock.Unlock() //nolint:errcheck // best-effort

	if err := os.WriteFile(h.cfg.PidPath(), []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(h.cfg.PidPath())

	probeCtx, cancelProbe := context.WithTimeout(ctx, healthProbeTimeout)
	if err := h.provider.Health(probeCtx); err != nil {
		h.logger.Warn("ollama not reachable yet; generations will fail until it is", zap.Error(err))
	}
	cancelProbe()

	tr := &transport.TCP{ListenAddr: h.cfg.Transport.ListenAddr, Logger: h.logger.Named("transport")}
	listener, err := tr.Announce(ctx, h.topic)
	if err != nil {
		return fmt.Errorf("announce: %w", err)
	}

	h.logger.Info("host announced",
		zap.String("server_id", h.ServerID()),
		zap.String("listen_addr", listener.Addr().String()),
		zap.String("model", h.cfg.Host.Model))
	fmt.Printf("Server ID: %s\n", h.ServerID())

	debugSrv := h.debugServer()

	g, runCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := h.supervisor.Serve(listener); err != nil {
			return fmt.Errorf("supervisor: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		h.logger.Info("debug server listening", zap.String("addr", h.cfg.Server.Addr))
		if err := debugSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("debug server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		h.watchDebugToggle(runCtx)
		return nil
	})

	g.Go(func() error {
		<-runCtx.Done()
		h.logger.Info("shutting down host")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := h.supervisor.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("supervisor shutdown", zap.Error(err))
		}
		_ = debugSrv.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// debugServer exposes /health and /metrics over h2c.
func (h *Host) debugServer() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if !h.cfg.Server.MetricsEnabled {
			http.NotFound(w, r)
			return
		}
		promhttp.HandlerFor(h.metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})

	return &http.Server{
		Addr:              h.cfg.Server.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// watchDebugToggle flips the log level between debug and the configured
// level on SIGUSR1.
func (h *Host) watchDebugToggle(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			now := logging.ToggleDebug(h.level, h.restoreLevel)
			h.logger.Info("log level toggled", zap.String("level", now.String()))
		}
	}
}

// loadOrCreateTopic reads a persisted topic or generates a fresh one. An
// empty path means an ephemeral topic per run.
func loadOrCreateTopic(path string) (transport.Topic, error) {
	if path == "" {
		return transport.NewTopic()
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		topic, perr := transport.ParseServerID(strings.TrimSpace(string(raw)))
		if perr != nil {
			return transport.Topic{}, fmt.Errorf("topic file %s: %w", path, perr)
		}
		return topic, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return transport.Topic{}, fmt.Errorf("read topic file: %w", err)
	}

	topic, err := transport.NewTopic()
	if err != nil {
		return transport.Topic{}, err
	}
	if err := os.WriteFile(path, []byte(topic.ServerID()+"\n"), 0o600); err != nil {
		return transport.Topic{}, fmt.Errorf("write topic file: %w", err)
	}
	return topic, nil
}
