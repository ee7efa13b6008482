package tasksource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/morezero/fitable-broker/pkg/broker"
	"github.com/morezero/fitable-broker/pkg/callctx"
	"github.com/morezero/fitable-broker/pkg/failure"
	"github.com/morezero/fitable-broker/pkg/invoker"
	"github.com/morezero/fitable-broker/pkg/registry"
	"github.com/morezero/fitable-broker/pkg/selector"
)

const logPrefix = "tasksource:client"

// Client issues task-source calls through the broker. Calls for a source
// are pinned to the fitable recorded in its binding.
type Client struct {
	broker   *broker.Broker
	bindings BindingStore
	adapters *Adapters
}

// NewClient creates a Client. adapters defaults to DefaultAdapters.
func NewClient(b *broker.Broker, bindings BindingStore, adapters *Adapters) *Client {
	if adapters == nil {
		adapters = DefaultAdapters()
	}
	return &Client{broker: b, bindings: bindings, adapters: adapters}
}

// Bind records which fitable serves sourceID. With an empty fitable the
// first fitable declaring the source's capability for CreateInstance is
// chosen. The chosen fitable is returned.
func (c *Client) Bind(ctx context.Context, sourceID string, src Source, fitable string) (string, error) {
	src = Concrete(src)
	if sourceID == "" || src == nil {
		return "", failure.New(failure.InvalidArgument, "source id and source are required")
	}
	if err := src.Validate(); err != nil {
		return "", failure.Wrap(failure.InvalidArgument, err, "invalid %s source", src.Kind())
	}
	if _, ok := c.adapters.Lookup(src.Kind()); !ok {
		return "", failure.New(failure.InvalidArgument, "no adapter for %s sources", src.Kind())
	}

	if fitable == "" {
		r, err := c.broker.RouterFor(ContractCreate)
		if err != nil {
			return "", err
		}
		inv, err := r.Route(selector.Chain(selector.Capability(CapabilityFor(src)), selector.FirstAvailable()))
		if err != nil {
			return "", err
		}
		fitable = FitableOf(inv.ImplementationID())
	}

	if err := c.bindings.Bind(ctx, Binding{SourceID: sourceID, Fitable: fitable, Source: src}); err != nil {
		return "", fmt.Errorf("%s - failed to bind %s: %w", logPrefix, sourceID, err)
	}
	slog.Info(fmt.Sprintf("%s - Bound source %s (%s) to fitable %s", logPrefix, sourceID, src.Kind(), fitable))
	return fitable, nil
}

// Create asks the bound fitable to create an instance.
func (c *Client) Create(ctx context.Context, sourceID, owner string, payload map[string]any, cc callctx.CallContext) (Instance, error) {
	return c.instanceCall(ctx, ContractCreate, sourceID, owner, nil, payload, cc)
}

// Patch asks the bound fitable to update instanceID with payload.
func (c *Client) Patch(ctx context.Context, sourceID, owner, instanceID string, payload map[string]any, cc callctx.CallContext) (Instance, error) {
	return c.instanceCall(ctx, ContractPatch, sourceID, owner, instanceID, payload, cc)
}

// Delete asks the bound fitable to delete instanceID and returns the removed instance.
func (c *Client) Delete(ctx context.Context, sourceID, owner, instanceID string, cc callctx.CallContext) (Instance, error) {
	return c.instanceCall(ctx, ContractDelete, sourceID, owner, instanceID, nil, cc)
}

// Retrieve fetches instanceID from the bound fitable.
func (c *Client) Retrieve(ctx context.Context, sourceID, owner, instanceID string, cc callctx.CallContext) (Instance, error) {
	return c.instanceCall(ctx, ContractRetrieve, sourceID, owner, instanceID, nil, cc)
}

// List fetches one page of instances from the bound fitable.
func (c *Client) List(ctx context.Context, sourceID, owner string, page Page, filter map[string]any, cc callctx.CallContext) (RangedResult, error) {
	res, err := c.call(ctx, ContractList, sourceID, owner, nil, listPayload(page, filter), cc)
	if err != nil {
		return RangedResult{}, err
	}
	return convert[RangedResult](res, ContractList)
}

// ListAll asks every fitable registered for ListInstances, without a
// binding, and merges their results ordered by creation time, source and id.
// Failed fitables are reported in the returned error, joined, while results
// from the others are still returned.
func (c *Client) ListAll(ctx context.Context, owner string, page Page, filter map[string]any, cc callctx.CallContext) (RangedResult, error) {
	// Each fitable is asked for everything up to the end of the page so the
	// merged window is complete. A window that overflows asks for all.
	upstream := Page{Limit: 0}
	if off := max(page.Offset, 0); page.Limit > 0 && off <= math.MaxInt-page.Limit {
		upstream.Limit = off + page.Limit
	}

	outcomes, err := c.broker.InvokeEach(ctx, ContractList, nil, []any{owner, nil, listPayload(upstream, filter)}, cc)
	if err != nil {
		return RangedResult{}, err
	}

	merged := RangedResult{Results: []Instance{}, Offset: page.Offset, Limit: page.Limit}
	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.Implementation, o.Err))
			continue
		}
		part, err := convert[RangedResult](o.Result, ContractList)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.Implementation, err))
			continue
		}
		merged.Total += part.Total
		merged.Results = append(merged.Results, part.Results...)
	}

	sort.SliceStable(merged.Results, func(i, j int) bool {
		a, b := merged.Results[i], merged.Results[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.ID < b.ID
	})
	start, end := page.Apply(len(merged.Results))
	merged.Results = merged.Results[start:end]

	if len(errs) > 0 {
		slog.Warn(fmt.Sprintf("%s - ListAll: %d of %d fitables failed", logPrefix, len(errs), len(outcomes)))
	}
	return merged, errors.Join(errs...)
}

func (c *Client) instanceCall(ctx context.Context, contract registry.ContractID, sourceID, owner string, instanceID any, payload map[string]any, cc callctx.CallContext) (Instance, error) {
	res, err := c.call(ctx, contract, sourceID, owner, instanceID, payload, cc)
	if err != nil {
		return Instance{}, err
	}
	return convert[Instance](res, contract)
}

// call resolves the binding, prepares the payload with the source's adapter
// and routes to the bound fitable.
func (c *Client) call(ctx context.Context, contract registry.ContractID, sourceID, owner string, instanceID any, payload map[string]any, cc callctx.CallContext) (any, error) {
	b, err := c.bindings.Lookup(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("%s - source %s: %w", logPrefix, sourceID, err)
	}

	adapter, ok := c.adapters.Lookup(b.Source.Kind())
	if !ok {
		return nil, failure.New(failure.InvalidArgument, "no adapter for %s sources", b.Source.Kind())
	}
	prepared, err := adapter.Prepare(b.Source, payload)
	if err != nil {
		return nil, failure.Wrap(failure.InvalidArgument, err, "prepare payload for source %s", sourceID)
	}

	r, err := c.broker.RouterFor(contract)
	if err != nil {
		return nil, err
	}
	inv, err := r.Route(selector.Chain(selector.ExplicitIDs(FitableID(b.Fitable, contract)), selector.FirstAvailable()))
	if err != nil {
		return nil, err
	}
	return inv.Invoke(ctx, []any{owner, instanceID, prepared}, cc)
}

func listPayload(page Page, filter map[string]any) map[string]any {
	p := map[string]any{
		PayloadOffset: int64(page.Offset),
		PayloadLimit:  int64(page.Limit),
	}
	if len(filter) > 0 {
		p[PayloadFilter] = filter
	}
	return p
}

func convert[T any](v any, contract registry.ContractID) (T, error) {
	out, err := invoker.Convert[T](v)
	if err != nil {
		var zero T
		return zero, failure.Wrap(failure.TransportFailure, err, "unexpected %s result", contract).WithTarget(string(contract), "")
	}
	return out, nil
}
