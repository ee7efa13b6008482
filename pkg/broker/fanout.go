package broker

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/morezero/fitable-broker/pkg/callctx"
	"github.com/morezero/fitable-broker/pkg/invoker"
	"github.com/morezero/fitable-broker/pkg/registry"
	"github.com/morezero/fitable-broker/pkg/selector"
)

const fanoutLogPrefix = "broker:fanout"

// Outcome is the result of one invoker in a fan-out.
type Outcome struct {
	Implementation registry.ImplementationID
	Result         any
	Err            error
}

// InvokeAll runs every invoker concurrently with the same arguments and call
// context. Outcomes come back in the order of invokers, which for RouteAll
// results is implementation id order. One failing implementation does not
// cancel the others; merging is left to the caller. limit caps concurrency
// when > 0.
func InvokeAll(ctx context.Context, invokers []*invoker.Invoker, args []any, cc callctx.CallContext, limit int) []Outcome {
	outcomes := make([]Outcome, len(invokers))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, inv := range invokers {
		i, inv := i, inv
		outcomes[i].Implementation = inv.ImplementationID()
		g.Go(func() error {
			res, err := inv.Invoke(ctx, args, cc)
			outcomes[i].Result = res
			outcomes[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	slog.Debug(fmt.Sprintf("%s - Fan-out over %d implementations, %d failed", fanoutLogPrefix, len(invokers), failed))
	return outcomes
}

// InvokeEach routes contract to every implementation surviving sel and
// invokes them all. See InvokeAll.
func (b *Broker) InvokeEach(ctx context.Context, contract registry.ContractID, sel selector.Selector, args []any, cc callctx.CallContext) ([]Outcome, error) {
	r, err := b.RouterFor(contract)
	if err != nil {
		return nil, err
	}
	invokers, err := r.RouteAll(sel)
	if err != nil {
		return nil, err
	}
	return InvokeAll(ctx, invokers, args, cc, 0), nil
}
