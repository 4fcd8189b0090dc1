package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/boltnet/ext/genericauth"
	"github.com/luciancaetano/boltnet/ext/ratelimit"
	"github.com/luciancaetano/boltnet/ext/tokenauth"
	"github.com/luciancaetano/boltnet/logging"
	"github.com/luciancaetano/boltnet/wire"
	"github.com/luciancaetano/boltnet/ws"
)

func defaultServeConfig() serveConfig {
	def := ws.DefaultServerOptions()
	return serveConfig{
		maxMessageSize:  def.MaxMessageSize,
		maxPartialCount: def.MaxPartialMessageCount,
		maxClients:      def.MaxClients,
		perWorker:       def.MaxClientsPerWriteWorker,
		encoding:        "utf-16",
		identHeader:     def.IdentificationHeader,
		pingTimeout:     def.PingTimeout,
		shutdownTimeout: def.ShutdownTimeout,
		rateLimit:       50,
		rateBurst:       10,
	}
}

func TestServeOptions(t *testing.T) {
	t.Parallel()

	opts, cleanup, err := defaultServeConfig().options(logging.Nop(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, wire.UTF16LE, opts.CharacterEncoding)
	require.Len(t, opts.Extensions, 2)
	assert.Equal(t, genericauth.Name, opts.Extensions[0].Name())
	assert.Equal(t, ratelimit.Name, opts.Extensions[1].Name())

	_, ok := opts.Registry.New("boltnet.Text")
	assert.True(t, ok)
}

func TestServeOptionsWithRedis(t *testing.T) {
	t.Parallel()

	cfg := defaultServeConfig()
	cfg.redisAddr = "127.0.0.1:1"
	cfg.rateLimit = 0
	cfg.tokenCacheTTL = time.Second

	opts, cleanup, err := cfg.options(logging.Nop(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer cleanup()

	require.Len(t, opts.Extensions, 1)
	assert.Equal(t, tokenauth.Name, opts.Extensions[0].Name())
}

func TestServeOptionsRejectsBadValues(t *testing.T) {
	t.Parallel()

	cfg := defaultServeConfig()
	cfg.encoding = "ebcdic"
	_, _, err := cfg.options(logging.Nop(), prometheus.NewRegistry())
	assert.Error(t, err)

	cfg = defaultServeConfig()
	cfg.maxClients = 0
	_, _, err = cfg.options(logging.Nop(), prometheus.NewRegistry())
	assert.Error(t, err)
}

func TestSessionsHandlerEmpty(t *testing.T) {
	t.Parallel()

	opts, cleanup, err := defaultServeConfig().options(logging.Nop(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer cleanup()

	srv, err := ws.NewServer(ws.Listen("", opts, nil), opts, ws.Handlers{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	sessionsHandler(srv)(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}
