// Package boltnet provides a real-time WebSocket transport for game servers
// and other applications that exchange many small typed messages.
//
// # Architecture
//
// A Server admits connections through a Listener. Each connection is
// negotiated by the registered extensions, one of which stamps the
// ClientIdentifier the session will carry. Admitted sessions join the active
// set on the next call to ProcessAllEvents, which the host calls from its own
// loop (a game tick, for example). Every connect, disconnect and received
// message is delivered from that call, so handlers never race each other.
//
// Writes do not happen on the tick goroutine. Queued messages are flushed by
// write workers, each serving a bounded number of sessions.
//
// A Client is the other end: it dials a server, queues messages and
// dispatches what it received when the host calls ProcessIncomingMessages.
//
// # Quick Start
//
//	import "github.com/luciancaetano/boltnet/ws"
//
//	reg := ws.NewRegistry()
//	reg.MustRegister("game.Chat", func() boltnet.Message { return &Chat{} })
//
//	opts := ws.DefaultServerOptions()
//	opts.Registry = reg
//	opts.Extensions = []boltnet.Extension{
//	    genericauth.New(),
//	    ws.RateLimit(ws.DefaultRateLimitConfig(), nil),
//	}
//
//	listener := ws.Listen(":8080", opts, nil)
//	server, err := ws.NewServer(listener, opts, ws.Handlers{
//	    OnMessage: func(s boltnet.Session, m boltnet.Message) {
//	        server.Broadcast(m)
//	    },
//	})
//
//	server.Start(ctx)
//	go listener.Start(ctx)
//	for range time.Tick(16 * time.Millisecond) {
//	    server.ProcessAllEvents()
//	}
//
// # Protocol Format
//
// Every WebSocket binary frame carries one message:
//
//	[1 byte: cache flag][tag][payload]
//
// With the flag set the tag is a 4-byte little-endian string cache id;
// otherwise it is a length-prefixed string in the configured character
// encoding. The server owns the string cache and sends a full snapshot of it
// to each client before anything else, and again whenever it changes.
//
// Messages larger than MaxMessageSize are split into partial messages when
// AllowPartialMessages is set, and dropped otherwise.
//
// # Disconnects
//
// A session that leaves always carries a DisconnectReason. Graceful
// disconnects send the reason to the peer in a disconnect message after
// everything already queued, then close the transport.
//
// # Extensions
//
// Extensions implement the hook interfaces in this package (Negotiator,
// ConnectHook, MessageHook, Ticker and so on). Hook failures and panics are
// logged and isolated; the other extensions still run. The ext directory
// holds ready-made ones: generic identifiers, token authentication and
// per-session rate limiting.
//
// # Important
//
//   - Configure CheckOrigin in production (never use ws.AllOrigins() in production)
//   - ProcessAllEvents must not be called concurrently with itself
//   - Client and server must agree on MaxMessageSize, partial message
//     settings and character encoding
package boltnet
