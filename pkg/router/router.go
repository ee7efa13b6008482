// Package router binds a contract to a selector outcome and hands out
// invokers for the surviving implementations.
package router

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/fitable-broker/pkg/failure"
	"github.com/morezero/fitable-broker/pkg/invoker"
	"github.com/morezero/fitable-broker/pkg/registry"
	"github.com/morezero/fitable-broker/pkg/selector"
)

const logPrefix = "router:router"

// CandidateSource is the read side of the implementation registry.
type CandidateSource interface {
	CandidatesFor(contract registry.ContractID) registry.CandidateSet
}

// Router resolves one contract. It is created per call and only reads the
// registry.
type Router struct {
	contract registry.ContractID
	shape    registry.Shape
	source   CandidateSource
	opts     invoker.Options

	mu    sync.Mutex
	state invoker.State
}

// New creates a Router for contract.
func New(contract registry.ContractID, shape registry.Shape, source CandidateSource, opts invoker.Options) *Router {
	return &Router{
		contract: contract,
		shape:    shape,
		source:   source,
		opts:     opts,
		state:    invoker.StateUnrouted,
	}
}

// Contract returns the contract this router resolves.
func (r *Router) Contract() registry.ContractID { return r.contract }

// State reports Unrouted until a route succeeds (Resolved) or fails (Failed).
func (r *Router) State() invoker.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Route applies sel to the current candidate set and requires exactly one
// survivor. Zero survivors fail with NoEligibleImplementation, more than one
// with AmbiguousImplementation. A nil selector keeps every candidate.
func (r *Router) Route(sel selector.Selector) (*invoker.Invoker, error) {
	survivors := r.apply(sel)

	switch len(survivors) {
	case 0:
		r.setState(invoker.StateFailed)
		return nil, failure.New(failure.NoEligibleImplementation, "no implementation left after %s", describe(sel)).
			WithTarget(string(r.contract), "")
	case 1:
		r.setState(invoker.StateResolved)
		slog.Debug(fmt.Sprintf("%s - Routed %s to %s via %s", logPrefix, r.contract, survivors[0].ID, describe(sel)))
		return invoker.New(r.contract, r.shape, survivors[0], r.opts), nil
	default:
		r.setState(invoker.StateFailed)
		return nil, failure.New(failure.AmbiguousImplementation, "%d implementations left after %s: %v", len(survivors), describe(sel), survivors.IDs()).
			WithTarget(string(r.contract), "")
	}
}

// RouteAll applies sel and returns one invoker per survivor, in id order.
// An empty result is not an error.
func (r *Router) RouteAll(sel selector.Selector) ([]*invoker.Invoker, error) {
	survivors := r.apply(sel)

	invokers := make([]*invoker.Invoker, len(survivors))
	for i, impl := range survivors {
		invokers[i] = invoker.New(r.contract, r.shape, impl, r.opts)
	}
	r.setState(invoker.StateResolved)
	slog.Debug(fmt.Sprintf("%s - Routed %s to %d implementations via %s", logPrefix, r.contract, len(invokers), describe(sel)))
	return invokers, nil
}

func (r *Router) apply(sel selector.Selector) registry.CandidateSet {
	set := r.source.CandidatesFor(r.contract)
	if sel == nil {
		return set
	}
	return sel.Apply(set)
}

func (r *Router) setState(s invoker.State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func describe(sel selector.Selector) string {
	if sel == nil {
		return "all"
	}
	return sel.String()
}
