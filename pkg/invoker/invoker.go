// Package invoker executes one call against one resolved implementation,
// in-process or over the transport, and normalizes the outcome.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/fitable-broker/pkg/callctx"
	"github.com/morezero/fitable-broker/pkg/commsutil"
	"github.com/morezero/fitable-broker/pkg/failure"
	"github.com/morezero/fitable-broker/pkg/registry"
)

const logPrefix = "invoker:invoker"

// DefaultTimeout bounds remote calls whose context carries no deadline.
const DefaultTimeout = 3 * time.Second

// State is the lifecycle position of a routed call.
type State string

const (
	StateUnrouted State = "unrouted"
	StateResolved State = "resolved"
	StateInvoked  State = "invoked"
	StateFailed   State = "failed"
)

// Options configures an Invoker.
type Options struct {
	// Transport carries remote calls. Required for remote dispatch only.
	Transport Transport
	// Observer is told about every completed call. Optional.
	Observer Observer
	// DefaultTimeout replaces DefaultTimeout when > 0.
	DefaultTimeout time.Duration
}

// Invoker binds one contract, one implementation and a transport strategy.
// It serves a single call.
type Invoker struct {
	contract registry.ContractID
	shape    registry.Shape
	impl     registry.Implementation
	opts     Options

	mu    sync.Mutex
	state State
}

// New creates a resolved Invoker.
func New(contract registry.ContractID, shape registry.Shape, impl registry.Implementation, opts Options) *Invoker {
	return &Invoker{
		contract: contract,
		shape:    shape,
		impl:     impl,
		opts:     opts,
		state:    StateResolved,
	}
}

// Contract returns the contract the invoker is bound to.
func (i *Invoker) Contract() registry.ContractID { return i.contract }

// ImplementationID returns the chosen implementation id.
func (i *Invoker) ImplementationID() registry.ImplementationID { return i.impl.ID }

// Implementation returns the chosen implementation.
func (i *Invoker) Implementation() registry.Implementation { return i.impl }

// Transport returns "local" or "remote".
func (i *Invoker) Transport() string {
	if i.impl.Dispatch == nil {
		return "none"
	}
	return i.impl.Dispatch.Transport()
}

// State returns the current lifecycle state.
func (i *Invoker) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Invoke runs the call. Errors returned by a local implementation come back
// unchanged; transport problems come back as *failure.Error. Invoke never
// retries and may be called only once.
func (i *Invoker) Invoke(ctx context.Context, args []any, cc callctx.CallContext) (any, error) {
	i.mu.Lock()
	if i.state != StateResolved {
		state := i.state
		i.mu.Unlock()
		return nil, i.fail(failure.InvalidArgument, nil, "invoker already used (state %s)", state)
	}
	i.state = StateInvoked
	i.mu.Unlock()

	start := time.Now()
	result, err := i.invoke(ctx, args, cc)
	elapsed := time.Since(start)

	if err != nil {
		i.setState(StateFailed)
		result = nil
	}
	if i.opts.Observer != nil {
		i.opts.Observer.ObserveInvocation(i.contract, i.impl.ID, i.Transport(), Outcome(err), elapsed)
	}
	return result, err
}

func (i *Invoker) invoke(ctx context.Context, args []any, cc callctx.CallContext) (any, error) {
	if err := i.shape.CheckArgs(args); err != nil {
		return nil, i.fail(failure.InvalidArgument, err, "arguments do not match contract")
	}
	// Local handlers get the same wire values a peer would decode.
	args, err := normalizeArgs(args)
	if err != nil {
		return nil, i.fail(failure.TransportFailure, err, "failed to encode arguments")
	}

	switch d := i.impl.Dispatch.(type) {
	case registry.LocalDispatch:
		slog.Debug(fmt.Sprintf("%s - Invoking %s/%s locally", logPrefix, i.contract, i.impl.ID))
		return d.Handler(ctx, args, cc)
	case registry.RemoteDispatch:
		return i.invokeRemote(ctx, d.Endpoint, args, cc)
	}
	return nil, i.fail(failure.TransportFailure, nil, "no dispatch descriptor")
}

func normalizeArgs(args []any) ([]any, error) {
	out := make([]any, len(args))
	for n, a := range args {
		v, err := commsutil.ToValue(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", n, err)
		}
		out[n] = v
	}
	return out, nil
}

func (i *Invoker) invokeRemote(ctx context.Context, ep registry.Endpoint, args []any, cc callctx.CallContext) (any, error) {
	if i.opts.Transport == nil {
		return nil, i.fail(failure.TransportFailure, nil, "no transport configured for remote dispatch")
	}

	ctx, cancel := i.withDeadline(ctx, ep)
	defer cancel()

	encodedArgs, err := commsutil.EncodeArgs(args)
	if err != nil {
		return nil, i.fail(failure.TransportFailure, err, "failed to encode arguments")
	}

	req := commsutil.RequestEnvelope{
		ID:             uuid.NewString(),
		Type:           commsutil.EnvelopeTypeInvoke,
		Contract:       string(i.contract),
		Implementation: string(i.impl.ID),
		Method:         i.shape.Method,
		Args:           encodedArgs,
		Ctx:            cc,
	}
	if deadline, ok := ctx.Deadline(); ok {
		req.DeadlineMs = time.Until(deadline).Milliseconds()
		if req.DeadlineMs <= 0 {
			return nil, i.fail(failure.Timeout, context.DeadlineExceeded, "deadline passed before send")
		}
	}

	payload, err := commsutil.EncodePayload(req)
	if err != nil {
		return nil, i.fail(failure.TransportFailure, err, "failed to encode envelope")
	}

	slog.Debug(fmt.Sprintf("%s - Invoking %s/%s on %s (id=%s)", logPrefix, i.contract, i.impl.ID, ep.Subject, req.ID))
	data, err := i.opts.Transport.Request(ctx, ep, payload)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			slog.Warn(fmt.Sprintf("%s - %s/%s timed out on %s", logPrefix, i.contract, i.impl.ID, ep.Subject))
			return nil, i.fail(failure.Timeout, err, "no response from %s", ep.Subject)
		}
		slog.Warn(fmt.Sprintf("%s - %s/%s transport error on %s: %v", logPrefix, i.contract, i.impl.ID, ep.Subject, err))
		return nil, i.fail(failure.TransportFailure, err, "request to %s failed", ep.Subject)
	}

	var resp commsutil.ResponseEnvelope
	if err := commsutil.DecodePayload(data, &resp); err != nil {
		return nil, i.fail(failure.TransportFailure, err, "malformed response")
	}
	if resp.ID != req.ID {
		return nil, i.fail(failure.TransportFailure, nil, "response id %q does not match request %q", resp.ID, req.ID)
	}
	if !resp.Ok {
		if resp.Error == nil {
			return nil, i.fail(failure.TransportFailure, nil, "failed response carries no error")
		}
		return nil, resp.Error.Err(string(i.contract), string(i.impl.ID))
	}

	result, err := commsutil.DecodeValue(resp.Result)
	if err != nil {
		return nil, i.fail(failure.TransportFailure, err, "failed to decode result")
	}
	if i.shape.Returns == registry.KindNone {
		return nil, nil
	}
	if result != nil && !i.shape.Returns.Accepts(result) {
		return nil, i.fail(failure.TransportFailure, nil, "result %T does not match declared return kind %s", result, i.shape.Returns)
	}
	return result, nil
}

// withDeadline applies the endpoint timeout, or the default one when the
// caller set no deadline. The earlier deadline always wins.
func (i *Invoker) withDeadline(ctx context.Context, ep registry.Endpoint) (context.Context, context.CancelFunc) {
	if ep.Timeout > 0 {
		return context.WithTimeout(ctx, ep.Timeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	timeout := i.opts.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func (i *Invoker) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

func (i *Invoker) fail(kind failure.Kind, cause error, format string, args ...interface{}) error {
	return failure.Wrap(kind, cause, format, args...).WithTarget(string(i.contract), string(i.impl.ID))
}
