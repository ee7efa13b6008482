package invoker

import (
	"context"

	"github.com/morezero/fitable-broker/pkg/callctx"
	"github.com/morezero/fitable-broker/pkg/commsutil"
	"github.com/morezero/fitable-broker/pkg/failure"
	"github.com/morezero/fitable-broker/pkg/registry"
)

// InvokeAs invokes inv and converts the result into T. Local results that
// already are a T are returned as is; anything else goes through the wire
// value model, so a remote map decodes into the same struct a local
// implementation would have returned.
func InvokeAs[T any](ctx context.Context, inv *Invoker, args []any, cc callctx.CallContext) (T, error) {
	var zero T
	result, err := inv.Invoke(ctx, args, cc)
	if err != nil {
		return zero, err
	}
	out, err := Convert[T](result)
	if err != nil {
		kind := failure.InvalidArgument
		if inv.Transport() == registry.TransportRemote {
			kind = failure.TransportFailure
		}
		return zero, failure.Wrap(kind, err, "result does not convert to %T", zero).
			WithTarget(string(inv.Contract()), string(inv.ImplementationID()))
	}
	return out, nil
}

// Convert turns v into a T.
func Convert[T any](v any) (T, error) {
	if t, ok := v.(T); ok {
		return t, nil
	}
	var out T
	normalized, err := commsutil.ToValue(v)
	if err != nil {
		return out, err
	}
	if err := commsutil.FromValue(normalized, &out); err != nil {
		return out, err
	}
	return out, nil
}
