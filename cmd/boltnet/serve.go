package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/boltnet"
	"github.com/luciancaetano/boltnet/ext/genericauth"
	"github.com/luciancaetano/boltnet/ext/tokenauth"
	"github.com/luciancaetano/boltnet/logging"
	"github.com/luciancaetano/boltnet/wire"
	"github.com/luciancaetano/boltnet/ws"
)

type serveConfig struct {
	addr            string
	path            string
	tick            time.Duration
	maxMessageSize  int
	allowPartial    bool
	maxPartialCount int
	maxClients      int
	perWorker       int
	noCache         bool
	encoding        string
	identHeader     string
	pingTimeout     time.Duration
	shutdownTimeout time.Duration
	rateLimit       float64
	rateBurst       int
	redisAddr       string
	tokenCacheTTL   time.Duration
	tokenRecheck    time.Duration
	allOrigins      bool
}

func serveCmd() *cobra.Command {
	def := ws.DefaultServerOptions()
	cfg := serveConfig{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an echo server",
		Long: `Run a boltnet server that echoes every message back to its sender.

Routes:
  <path>     WebSocket endpoint
  /metrics   Prometheus metrics
  /healthz   liveness
  /sessions  connected sessions as JSON

Without --redis, every connection gets a generic identifier. With
--redis, connections must carry a token issued in Redis.

Examples:
  boltnet serve
  boltnet serve --addr=:9000 --partial --max-message-size=1024
  boltnet serve --redis=localhost:6379 --token-recheck=30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(cmd, "boltnet")
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, log)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&cfg.addr, "addr", "a", ":8080", "Address to listen on")
	f.StringVar(&cfg.path, "path", "/ws", "WebSocket route")
	f.DurationVar(&cfg.tick, "tick", 16*time.Millisecond, "Interval between event processing passes")
	f.IntVar(&cfg.maxMessageSize, "max-message-size", def.MaxMessageSize, "Largest frame in bytes")
	f.BoolVar(&cfg.allowPartial, "partial", def.AllowPartialMessages, "Fragment messages larger than a frame")
	f.IntVar(&cfg.maxPartialCount, "max-partial", def.MaxPartialMessageCount, "Most fragments per message")
	f.IntVar(&cfg.maxClients, "max-clients", def.MaxClients, "Most concurrent sessions")
	f.IntVar(&cfg.perWorker, "clients-per-worker", def.MaxClientsPerWriteWorker, "Sessions flushed by one write worker")
	f.BoolVar(&cfg.noCache, "no-string-cache", !def.StringCachingEnabled, "Send message tags literally")
	f.StringVar(&cfg.encoding, "encoding", def.CharacterEncoding.String(), "String encoding on the wire")
	f.StringVar(&cfg.identHeader, "ident-header", def.IdentificationHeader, "Header every handshake must carry")
	f.DurationVar(&cfg.pingTimeout, "ping-timeout", def.PingTimeout, "Time a client has to answer a ping")
	f.DurationVar(&cfg.shutdownTimeout, "shutdown-timeout", def.ShutdownTimeout, "Final flush budget per session")
	f.Float64Var(&cfg.rateLimit, "rate", 100, "Messages per second per session, 0 disables")
	f.IntVar(&cfg.rateBurst, "burst", 200, "Rate limit burst")
	f.StringVar(&cfg.redisAddr, "redis", "", "Redis address holding access tokens")
	f.DurationVar(&cfg.tokenCacheTTL, "token-cache", 30*time.Second, "How long resolved tokens are cached")
	f.DurationVar(&cfg.tokenRecheck, "token-recheck", 0, "Interval for checking tokens of connected sessions")
	f.BoolVar(&cfg.allOrigins, "all-origins", false, "Accept any Origin (development only)")

	return cmd
}

func (c serveConfig) options(log logging.Logger, reg prometheus.Registerer) (*ws.ServerOptions, func(), error) {
	enc, err := wire.ParseEncoding(c.encoding)
	if err != nil {
		return nil, nil, err
	}

	opts := ws.DefaultServerOptions()
	opts.MaxMessageSize = c.maxMessageSize
	opts.AllowPartialMessages = c.allowPartial
	opts.MaxPartialMessageCount = c.maxPartialCount
	opts.MaxClients = c.maxClients
	opts.MaxClientsPerWriteWorker = c.perWorker
	opts.StringCachingEnabled = !c.noCache
	opts.CharacterEncoding = enc
	opts.IdentificationHeader = c.identHeader
	opts.PingTimeout = c.pingTimeout
	opts.ShutdownTimeout = c.shutdownTimeout
	opts.Logger = log
	opts.Registry = newRegistry()
	opts.Metrics = ws.NewMetrics(reg, "boltnet")

	cleanup := func() {}
	if c.redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: c.redisAddr})
		cleanup = func() { _ = rdb.Close() }

		var store tokenauth.TokenStore = tokenauth.NewRedisStore(rdb, "")
		if c.tokenCacheTTL > 0 {
			store = tokenauth.NewCachedStore(store, c.tokenCacheTTL)
		}
		authOpts := tokenauth.DefaultOptions()
		authOpts.CheckInterval = c.tokenRecheck
		authOpts.Logger = log.With(logging.F("extension", tokenauth.Name))
		opts.Extensions = append(opts.Extensions, tokenauth.New(store, authOpts))
	} else {
		opts.Extensions = append(opts.Extensions, genericauth.New())
	}

	if c.rateLimit > 0 {
		opts.Extensions = append(opts.Extensions, ws.RateLimit(&ws.RateLimitConfig{
			MessagesPerSecond: rate.Limit(c.rateLimit),
			Burst:             c.rateBurst,
			Enabled:           true,
			DisconnectAfter:   c.rateBurst,
		}, log.With(logging.F("extension", "rate-limit"))))
	}

	if err := opts.Validate(); err != nil {
		cleanup()
		return nil, nil, err
	}
	return opts, cleanup, nil
}

func runServe(ctx context.Context, cfg serveConfig, log logging.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, cleanup, err := cfg.options(log, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer cleanup()

	var checkOrigin ws.CheckOriginFn
	if cfg.allOrigins {
		checkOrigin = ws.AllOrigins()
	}
	listener := ws.Listen(cfg.addr, opts, checkOrigin)

	srv, err := ws.NewServer(listener, opts, ws.Handlers{
		OnConnect: func(s boltnet.Session) {
			_ = s.QueueMessage(&textMessage{Text: "welcome " + s.Identifier().String()})
		},
		OnMessage: func(s boltnet.Session, m boltnet.Message) {
			if err := s.QueueMessage(m); err != nil {
				log.Debug("echo", logging.F("session_id", s.ID()), logging.Err(err))
			}
		},
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Handle(cfg.path, listener)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/sessions", sessionsHandler(srv))

	httpSrv := &http.Server{
		Addr:              cfg.addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
		close(httpErr)
	}()

	log.Info("serving",
		logging.F("addr", cfg.addr),
		logging.F("path", cfg.path),
		logging.F("max_clients", opts.MaxClients),
	)

	ticker := time.NewTicker(cfg.tick)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err, ok := <-httpErr:
			if ok {
				log.Error("http server failed", logging.Err(err))
			}
			break loop
		case <-ticker.C:
			if err := srv.ProcessAllEvents(); err != nil {
				log.Error("process events", logging.Err(err))
			}
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout+5*time.Second)
	defer cancel()

	var errs []error
	if err := srv.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop server: %w", err))
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop http: %w", err))
	}
	return errors.Join(errs...)
}

type sessionInfo struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	RemoteAddr string `json:"remote_addr"`
	State      string `json:"state"`
	PingMillis int64  `json:"ping_ms"`
}

func sessionsHandler(srv *ws.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		sessions := srv.Sessions()
		out := make([]sessionInfo, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, sessionInfo{
				ID:         s.ID(),
				Identifier: s.Identifier().String(),
				RemoteAddr: s.RemoteAddr(),
				State:      s.State().String(),
				PingMillis: s.Ping().Milliseconds(),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}
