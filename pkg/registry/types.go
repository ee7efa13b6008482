// Package registry implements the contract and implementation registries.
//
// A contract ("genericable") is identified by a ContractID and has a Shape.
// An implementation ("fitable") is identified by an ImplementationID, belongs
// to exactly one contract, and carries a Dispatch descriptor telling the
// invoker how to reach it.
package registry

import (
	"context"
	"time"

	"github.com/morezero/fitable-broker/pkg/callctx"
)

// ContractID identifies an abstract operation family.
type ContractID string

// ImplementationID identifies one concrete implementation of a contract.
type ImplementationID string

// Handler is the in-process entry point of a local implementation. The call
// context is always passed explicitly as the final parameter.
type Handler func(ctx context.Context, args []any, cc callctx.CallContext) (any, error)

// Transport names used in metrics, logs and events.
const (
	TransportLocal  = "local"
	TransportRemote = "remote"
)

// Dispatch says how an implementation is reached. It is closed to
// LocalDispatch and RemoteDispatch.
type Dispatch interface {
	Transport() string
	isDispatch()
}

// LocalDispatch runs the implementation in-process.
type LocalDispatch struct {
	Handler Handler
}

func (LocalDispatch) Transport() string { return TransportLocal }
func (LocalDispatch) isDispatch()       {}

// RemoteDispatch reaches the implementation over the transport.
type RemoteDispatch struct {
	Endpoint Endpoint
}

func (RemoteDispatch) Transport() string { return TransportRemote }
func (RemoteDispatch) isDispatch()       {}

// Endpoint describes where a remote implementation listens.
type Endpoint struct {
	// Subject is the COMMS subject the implementation answers on.
	Subject string `json:"subject" yaml:"subject"`
	// NatsURL selects a different NATS server; empty means the node's default connection.
	NatsURL string `json:"natsUrl,omitempty" yaml:"natsUrl,omitempty"`
	// Timeout overrides the default invoke timeout for this endpoint.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Implementation is one registered candidate for a contract.
type Implementation struct {
	ID           ImplementationID
	Contract     ContractID
	Capabilities []string
	Version      string
	Dispatch     Dispatch
}

// IsLocal reports whether the implementation runs in-process.
func (i Implementation) IsLocal() bool {
	_, ok := i.Dispatch.(LocalDispatch)
	return ok
}

// HasCapability reports whether the implementation declares tag.
func (i Implementation) HasCapability(tag string) bool {
	for _, c := range i.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// CandidateSet is a snapshot of the implementations registered for a
// contract, sorted by ImplementationID.
type CandidateSet []Implementation

// IDs returns the implementation ids in set order.
func (s CandidateSet) IDs() []ImplementationID {
	ids := make([]ImplementationID, len(s))
	for i, impl := range s {
		ids[i] = impl.ID
	}
	return ids
}
