// Package ws wires boltnet's WebSocket transport, server and client
// together. It is the entry point for applications; the packages it
// re-exports are internal.
package ws

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luciancaetano/boltnet"
	"github.com/luciancaetano/boltnet/ext/ratelimit"
	"github.com/luciancaetano/boltnet/internal/client"
	"github.com/luciancaetano/boltnet/internal/protocol"
	"github.com/luciancaetano/boltnet/internal/server"
	"github.com/luciancaetano/boltnet/internal/websocket"
	"github.com/luciancaetano/boltnet/logging"
)

type (
	Server         = server.Server
	ServerOptions  = server.Options
	Handlers       = server.Handlers
	Metrics        = server.Metrics
	Client         = client.Client
	ClientOptions  = client.Options
	ClientHandlers = client.Handlers
	Listener       = websocket.Listener
	ListenerConfig = websocket.ListenerConfig
	CheckOriginFn  = websocket.CheckOriginFn
	HandshakeError = websocket.HandshakeError
	Registry       = protocol.Registry
)

type RateLimitConfig = ratelimit.RateLimitConfig

// WebSocket close codes used by boltnet.
const (
	CloseNormal    = websocket.CloseNormal
	CloseGoingAway = websocket.CloseGoingAway
)

// DefaultServerOptions returns the default server configuration.
func DefaultServerOptions() *ServerOptions {
	return server.DefaultOptions()
}

// DefaultClientOptions returns the default client configuration.
func DefaultClientOptions() *ClientOptions {
	return client.DefaultOptions()
}

// NewRegistry returns a registry holding boltnet's control messages.
// Register application messages on it before creating servers or clients.
func NewRegistry() *Registry {
	return protocol.NewRegistry()
}

// NewMetrics registers server metrics with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	return server.NewMetrics(reg, namespace)
}

// Listen creates a listener whose frame limit and ping timeout match opts.
// Mount it on a router, or call Start to serve it on addr.
//
// Example:
//
//	opts := ws.DefaultServerOptions()
//	l := ws.Listen(":8080", opts, ws.AllOrigins())
//	srv, err := ws.NewServer(l, opts, ws.Handlers{...})
//	go l.Start(ctx)
func Listen(addr string, opts *ServerOptions, checkOrigin CheckOriginFn) *Listener {
	if opts == nil {
		opts = DefaultServerOptions()
	}
	var log logging.Logger
	if opts.Logger != nil {
		log = opts.Logger.With(logging.F("component", "listener"))
	}
	return websocket.NewListener(&websocket.ListenerConfig{
		Addr:        addr,
		CheckOrigin: checkOrigin,
		ReadLimit:   int64(opts.MaxMessageSize),
		PingTimeout: opts.PingTimeout,
		Logger:      log,
	})
}

// NewServer creates a server admitting connections from l.
func NewServer(l boltnet.Listener, opts *ServerOptions, handlers Handlers) (*Server, error) {
	return server.New(l, opts, handlers)
}

// NewClient creates a disconnected client.
func NewClient(opts *ClientOptions, handlers ClientHandlers) (*Client, error) {
	return client.New(opts, handlers)
}

// AllOrigins returns a checkOrigin function that allows all origins.
// Use it in development only.
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return ratelimit.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return ratelimit.NoRateLimit()
}

// RateLimit returns an extension limiting the messages each session sends.
func RateLimit(cfg *RateLimitConfig, log logging.Logger) boltnet.Extension {
	return ratelimit.New(cfg, log)
}
