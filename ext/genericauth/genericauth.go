// Package genericauth provides the default negotiation extension: it accepts
// every connection and stamps it with the next generic identifier.
package genericauth

import (
	"context"
	"sync/atomic"

	"github.com/luciancaetano/boltnet"
)

// Name is the extension name.
const Name = "generic-auth"

// Extension stamps generic:1, generic:2, ... in negotiation order.
type Extension struct {
	last atomic.Int64
}

// New returns an extension whose first identifier is generic:1.
func New() *Extension {
	return &Extension{}
}

func (*Extension) Name() string { return Name }

// OnNegotiate never rejects. When an earlier extension has already stamped
// an identifier, the request is left alone.
func (e *Extension) OnNegotiate(_ context.Context, req *boltnet.NegotiationRequest, _ *boltnet.NegotiationResponse) (boltnet.Verdict, error) {
	if _, _, ok := req.Identifier(); ok {
		return boltnet.Accept, nil
	}
	id := boltnet.GenericIdentifier(e.last.Add(1))
	if err := req.StampIdentifier(id, Name); err != nil {
		return boltnet.Accept, err
	}
	return boltnet.Accept, nil
}

var _ boltnet.Negotiator = (*Extension)(nil)
