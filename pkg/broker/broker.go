// Package broker is the caller-facing entry point: it owns the implementation
// registry and hands out routers per contract.
package broker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/fitable-broker/pkg/events"
	"github.com/morezero/fitable-broker/pkg/failure"
	"github.com/morezero/fitable-broker/pkg/invoker"
	"github.com/morezero/fitable-broker/pkg/registry"
	"github.com/morezero/fitable-broker/pkg/router"
	"github.com/morezero/fitable-broker/pkg/selector"
	"github.com/morezero/fitable-broker/pkg/semver"
)

const logPrefix = "broker:broker"

// NewBrokerParams holds the dependencies for New.
type NewBrokerParams struct {
	// Registry is created with default settings when nil.
	Registry *registry.Registry
	// Transport carries remote calls. Without it only local implementations
	// can be invoked.
	Transport invoker.Transport
	// Observer sees every invocation made through routers of this broker.
	Observer invoker.Observer
	// InvokeTimeout is applied to remote calls whose context has no deadline.
	InvokeTimeout time.Duration
	// OnChange is called for every change event Follow receives, with
	// whether it changed the registry.
	OnChange func(ev *events.RegistryChangedEvent, applied bool)
}

// Broker resolves contracts to invokers. It is safe for concurrent use.
type Broker struct {
	reg      *registry.Registry
	opts     invoker.Options
	onChange func(ev *events.RegistryChangedEvent, applied bool)
}

// New creates a Broker.
func New(params NewBrokerParams) *Broker {
	reg := params.Registry
	if reg == nil {
		reg = registry.NewRegistry(registry.NewRegistryParams{})
	}
	return &Broker{
		reg: reg,
		opts: invoker.Options{
			Transport:      params.Transport,
			Observer:       params.Observer,
			DefaultTimeout: params.InvokeTimeout,
		},
		onChange: params.OnChange,
	}
}

// Registry returns the registry the broker routes against.
func (b *Broker) Registry() *registry.Registry { return b.reg }

// RouterFor returns a fresh Router for contract. It fails with
// UnknownContract when the contract is not registered.
func (b *Broker) RouterFor(contract registry.ContractID) (*router.Router, error) {
	shape, ok := b.reg.Contract(contract)
	if !ok {
		return nil, failure.New(failure.UnknownContract, "contract is not registered").WithTarget(string(contract), "")
	}
	return router.New(contract, shape, b.reg, b.opts), nil
}

// RouteRef resolves a "Contract@range" reference. The version range, when
// present, filters candidates before sel; the highest matching version wins.
func (b *Broker) RouteRef(ref string, sel selector.Selector) (*invoker.Invoker, error) {
	parsed, err := semver.ParseContractRef(ref)
	if err != nil {
		return nil, failure.Wrap(failure.InvalidArgument, err, "bad contract reference %q", ref)
	}
	r, err := b.RouterFor(registry.ContractID(parsed.Contract))
	if err != nil {
		return nil, err
	}

	stages := []selector.Selector{}
	if parsed.Range != "" {
		stages = append(stages, selector.Version(parsed.Range))
	}
	stages = append(stages, sel, selector.Latest())
	return r.Route(selector.Chain(stages...))
}

// Close releases transport resources the broker owns.
func (b *Broker) Close() {
	if c, ok := b.opts.Transport.(interface{ Close() }); ok {
		c.Close()
	}
	slog.Info(fmt.Sprintf("%s - Closed", logPrefix))
}
