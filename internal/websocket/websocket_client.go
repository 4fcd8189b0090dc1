package websocket

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/boltnet"
)

const (
	writeTimeout   = 10 * time.Second
	closeGrace     = time.Second
	pingPayloadLen = 8

	// oversizeSlack bounds how far past the read limit a frame may run
	// before the connection itself is failed.
	oversizeSlack = 16
)

// Close codes used by boltnet.
const (
	CloseNormal          = websocket.CloseNormalClosure
	CloseGoingAway       = websocket.CloseGoingAway
	ClosePolicyViolation = websocket.ClosePolicyViolation
	CloseMessageTooBig   = websocket.CloseMessageTooBig
)

// ErrReadLimit is wrapped into the error for a frame too large to skip. The
// connection is unusable afterwards.
var ErrReadLimit = websocket.ErrReadLimit

// Conn is a boltnet.Conn over a gorilla websocket connection. Reads and
// writes may run concurrently with each other; a background pinger measures
// latency.
type Conn struct {
	ws          *websocket.Conn
	remoteAddr  string
	readLimit   int64
	pingTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	latency   atomic.Int64
}

func newConn(ws *websocket.Conn, remoteAddr string, readLimit int64, pingTimeout time.Duration) *Conn {
	c := &Conn{
		ws:          ws,
		remoteAddr:  remoteAddr,
		readLimit:   readLimit,
		pingTimeout: pingTimeout,
		closed:      make(chan struct{}),
	}

	if readLimit > 0 {
		ws.SetReadLimit(readLimit * oversizeSlack)
	}
	ws.SetReadDeadline(time.Now().Add(c.pongWait()))
	ws.SetPongHandler(c.handlePong)

	go c.pingLoop()
	return c
}

// DialConfig configures Dial.
type DialConfig struct {
	ReadLimit        int64
	PingTimeout      time.Duration
	HandshakeTimeout time.Duration
}

// Dial connects to a boltnet server at url.
func Dial(ctx context.Context, url string, header http.Header, cfg DialConfig) (*Conn, error) {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultListenerConfig().PingTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultListenerConfig().HandshakeTimeout
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{Status: resp.StatusCode, err: err}
		}
		return nil, fmt.Errorf("websocket: dial %s: %w", url, err)
	}
	return newConn(ws, ws.RemoteAddr().String(), cfg.ReadLimit, cfg.PingTimeout), nil
}

// HandshakeError reports that the server answered the upgrade request with
// a non-upgrade HTTP status.
type HandshakeError struct {
	Status int
	err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket: handshake rejected with status %d: %v", e.Status, e.err)
}

func (e *HandshakeError) Unwrap() error {
	return e.err
}

// ReadFrame returns the next binary frame. Text frames are skipped.
//
// A frame larger than the read limit is discarded and reported as
// boltnet.ErrMessageTooLarge; the connection stays usable. Past
// oversizeSlack times the limit the peer is cut off with 1009 and the
// error wraps both ErrMessageTooLarge and websocket.ErrReadLimit.
func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		mt, r, err := c.ws.NextReader()
		if err != nil {
			return nil, c.readError(ctx, err)
		}

		if mt != websocket.BinaryMessage {
			if _, err := io.Copy(io.Discard, r); err != nil {
				return nil, c.readError(ctx, err)
			}
			c.ws.SetReadDeadline(time.Now().Add(c.pongWait()))
			continue
		}

		src := r
		if c.readLimit > 0 {
			src = io.LimitReader(r, c.readLimit+1)
		}
		data, err := io.ReadAll(src)
		if err != nil {
			return nil, c.readError(ctx, err)
		}

		if c.readLimit > 0 && int64(len(data)) > c.readLimit {
			n, err := io.Copy(io.Discard, r)
			if err != nil {
				return nil, c.readError(ctx, err)
			}
			c.ws.SetReadDeadline(time.Now().Add(c.pongWait()))
			return nil, fmt.Errorf("websocket: frame of %d bytes exceeds %d: %w",
				int64(len(data))+n, c.readLimit, boltnet.ErrMessageTooLarge)
		}

		c.ws.SetReadDeadline(time.Now().Add(c.pongWait()))
		return data, nil
	}
}

func (c *Conn) readError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		return fmt.Errorf("websocket: %w: %w", boltnet.ErrMessageTooLarge, err)
	}
	return err
}

// WriteFrame writes frame as one binary message.
func (c *Conn) WriteFrame(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	c.ws.SetWriteDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		c.ws.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// Close sends a close frame with code and reason, then closes the socket.
func (c *Conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		message := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeGrace))
		err = c.ws.Close()
	})
	return err
}

// Latency returns the round-trip time of the last answered ping.
func (c *Conn) Latency() time.Duration {
	return time.Duration(c.latency.Load())
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// IsCloseError reports whether err is a close frame from the peer, or the
// connection already being closed.
func IsCloseError(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) || errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed)
}

func (c *Conn) pongWait() time.Duration {
	return c.pingTimeout + c.pingInterval()
}

func (c *Conn) pingInterval() time.Duration {
	return c.pingTimeout * 9 / 10
}

// pingLoop sends a timestamped ping every interval; handlePong turns the
// echo into a latency sample.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.pingInterval())
	defer ticker.Stop()

	var payload [pingPayloadLen]byte
	for {
		select {
		case <-ticker.C:
			binary.LittleEndian.PutUint64(payload[:], uint64(time.Now().UnixNano()))
			if err := c.ws.WriteControl(websocket.PingMessage, payload[:], time.Now().Add(c.pingTimeout)); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) handlePong(appData string) error {
	c.ws.SetReadDeadline(time.Now().Add(c.pongWait()))

	if len(appData) == pingPayloadLen {
		sent := int64(binary.LittleEndian.Uint64([]byte(appData)))
		if rtt := time.Now().UnixNano() - sent; rtt >= 0 {
			c.latency.Store(rtt)
		}
	}
	return nil
}

var _ boltnet.Conn = (*Conn)(nil)
