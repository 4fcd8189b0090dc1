package server

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/luciancaetano/boltnet"
	"github.com/luciancaetano/boltnet/internal/protocol"
	"github.com/luciancaetano/boltnet/logging"
	"github.com/luciancaetano/boltnet/wire"
)

// Options configures a Server.
type Options struct {
	// MaxMessageSize is the largest frame sent or received.
	MaxMessageSize int
	// AllowPartialMessages lets messages larger than MaxMessageSize travel
	// as fragments.
	AllowPartialMessages bool
	// MaxPartialMessageCount is the most fragments one message may use.
	MaxPartialMessageCount int
	// MaxClients is the size of the active set.
	MaxClients int
	// MaxClientsPerWriteWorker is how many sessions one write worker
	// flushes.
	MaxClientsPerWriteWorker int
	// StringCachingEnabled writes cacheable message tags as ids.
	StringCachingEnabled bool
	// CharacterEncoding is used for every string on the wire.
	CharacterEncoding wire.Encoding
	// PingTimeout is how long a client has to answer a transport ping.
	PingTimeout time.Duration
	// IdentificationHeader must be present on every handshake.
	IdentificationHeader string
	// ShutdownTimeout bounds the final flush of each session during Stop.
	ShutdownTimeout time.Duration

	Logger     logging.Logger
	Registry   *protocol.Registry
	Extensions []boltnet.Extension
	Metrics    *Metrics
}

// DefaultOptions returns the default server configuration.
func DefaultOptions() *Options {
	return &Options{
		MaxMessageSize:           65536,
		AllowPartialMessages:     false,
		MaxPartialMessageCount:   10,
		MaxClients:               100,
		MaxClientsPerWriteWorker: 25,
		StringCachingEnabled:     true,
		CharacterEncoding:        wire.UTF8,
		PingTimeout:              5 * time.Second,
		IdentificationHeader:     "User-Agent",
		ShutdownTimeout:          5 * time.Second,
	}
}

// Validate checks that every limit is usable.
func (o *Options) Validate() error {
	var errs []error

	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %d", name, v))
		}
	}
	positive("MaxMessageSize", o.MaxMessageSize)
	positive("MaxPartialMessageCount", o.MaxPartialMessageCount)
	positive("MaxClients", o.MaxClients)
	positive("MaxClientsPerWriteWorker", o.MaxClientsPerWriteWorker)

	if o.AllowPartialMessages && o.MaxPartialMessageCount <= 1 {
		errs = append(errs, fmt.Errorf("MaxPartialMessageCount must be > 1 when partial messages are allowed, got %d", o.MaxPartialMessageCount))
	}
	if o.PingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PingTimeout must be > 0, got %s", o.PingTimeout))
	}
	if o.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ShutdownTimeout must be > 0, got %s", o.ShutdownTimeout))
	}
	if !slices.Contains(wire.Encodings(), o.CharacterEncoding) {
		errs = append(errs, fmt.Errorf("CharacterEncoding %d is not supported", o.CharacterEncoding))
	}

	if len(errs) > 0 {
		return fmt.Errorf("server options: %w", errors.Join(errs...))
	}
	return nil
}

func (o *Options) withDefaults() *Options {
	out := *o
	if out.Logger == nil {
		out.Logger = logging.Nop()
	}
	if out.Registry == nil {
		out.Registry = protocol.NewRegistry()
	}
	if out.Metrics == nil {
		out.Metrics = NewMetrics(nil, "")
	}
	return &out
}
