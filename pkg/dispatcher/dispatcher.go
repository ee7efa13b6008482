// Package dispatcher serves locally hosted implementations to remote callers.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/fitable-broker/pkg/commsutil"
	"github.com/morezero/fitable-broker/pkg/failure"
	"github.com/morezero/fitable-broker/pkg/invoker"
	"github.com/morezero/fitable-broker/pkg/registry"
)

const logPrefix = "dispatcher:dispatch"

// ImplementationSource is the part of the registry the dispatcher reads.
type ImplementationSource interface {
	Contract(id registry.ContractID) (registry.Shape, bool)
	Implementation(id registry.ImplementationID) (registry.Implementation, bool)
}

// Dispatcher turns request envelopes into local calls.
type Dispatcher struct {
	source   ImplementationSource
	observer invoker.Observer
}

// NewDispatcher creates a Dispatcher. observer may be nil.
func NewDispatcher(source ImplementationSource, observer invoker.Observer) *Dispatcher {
	return &Dispatcher{source: source, observer: observer}
}

// Dispatch runs req against the local implementation it names and returns
// the response envelope. It never returns nil.
func (d *Dispatcher) Dispatch(ctx context.Context, req *commsutil.RequestEnvelope) *commsutil.ResponseEnvelope {
	slog.Debug(fmt.Sprintf("%s - contract=%s implementation=%s id=%s", logPrefix, req.Contract, req.Implementation, req.ID))

	impl, ok := d.source.Implementation(registry.ImplementationID(req.Implementation))
	if !ok || !impl.IsLocal() || string(impl.Contract) != req.Contract {
		return commsutil.NewErrorResponse(req.ID, failure.New(failure.NoEligibleImplementation, "implementation is not hosted here").
			WithTarget(req.Contract, req.Implementation))
	}
	shape, ok := d.source.Contract(impl.Contract)
	if !ok {
		return commsutil.NewErrorResponse(req.ID, failure.New(failure.UnknownContract, "contract is not registered").
			WithTarget(req.Contract, req.Implementation))
	}

	args, err := commsutil.DecodeArgs(req.Args)
	if err != nil {
		return commsutil.NewErrorResponse(req.ID, failure.Wrap(failure.TransportFailure, err, "decode arguments").
			WithTarget(req.Contract, req.Implementation))
	}

	inv := invoker.New(impl.Contract, shape, impl, invoker.Options{Observer: d.observer})
	result, err := inv.Invoke(ctx, args, req.Ctx)
	if err != nil {
		slog.Debug(fmt.Sprintf("%s - %s/%s failed: %v", logPrefix, req.Contract, req.Implementation, err))
		return commsutil.NewErrorResponse(req.ID, err)
	}

	resp, err := commsutil.NewSuccessResponse(req.ID, result)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode result of %s/%s: %v", logPrefix, req.Contract, req.Implementation, err))
		return commsutil.NewErrorResponse(req.ID, failure.Wrap(failure.TransportFailure, err, "encode result").
			WithTarget(req.Contract, req.Implementation))
	}
	return resp
}
