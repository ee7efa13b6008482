package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/morezero/fitable-broker/pkg/callctx"
	"github.com/morezero/fitable-broker/pkg/commsutil"
	"github.com/morezero/fitable-broker/pkg/failure"
	"github.com/morezero/fitable-broker/pkg/registry"
)

const invokerTestPrefix = "invoker:invoker_test"

func testShape() registry.Shape {
	return registry.Shape{
		Method: "create",
		Params: []registry.Param{
			{Name: "ownerDescription", Kind: registry.KindString},
			{Name: "instanceId", Kind: registry.KindString, Optional: true},
			{Name: "payload", Kind: registry.KindMap},
		},
		Returns: registry.KindObject,
	}
}

func localInvoker(h registry.Handler, opts Options) *Invoker {
	impl := registry.Implementation{ID: "impl-1", Contract: "CreateInstance", Dispatch: registry.LocalDispatch{Handler: h}}
	return New("CreateInstance", testShape(), impl, opts)
}

func remoteInvoker(ep registry.Endpoint, opts Options) *Invoker {
	impl := registry.Implementation{ID: "impl-2", Contract: "CreateInstance", Dispatch: registry.RemoteDispatch{Endpoint: ep}}
	return New("CreateInstance", testShape(), impl, opts)
}

func validArgs() []any {
	return []any{"owner", nil, map[string]any{"name": "demo"}}
}

// fakeTransport answers requests with a function of the decoded envelope.
type fakeTransport struct {
	mu      sync.Mutex
	last    commsutil.RequestEnvelope
	respond func(req commsutil.RequestEnvelope) ([]byte, error)
}

func (f *fakeTransport) Request(_ context.Context, _ registry.Endpoint, payload []byte) ([]byte, error) {
	var req commsutil.RequestEnvelope
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	return f.respond(req)
}

func okResponse(req commsutil.RequestEnvelope, result any) ([]byte, error) {
	resp, err := commsutil.NewSuccessResponse(req.ID, result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

func TestInvoke_LocalPassesContextExplicitly(t *testing.T) {
	var gotCtx callctx.CallContext
	var gotArgs []any
	inv := localInvoker(func(_ context.Context, args []any, cc callctx.CallContext) (any, error) {
		gotArgs = args
		gotCtx = cc
		return map[string]any{"id": "x"}, nil
	}, Options{})

	cc := callctx.NewBuilder().Operator("admin").TenantID("public").Build()
	res, err := inv.Invoke(context.Background(), validArgs(), cc)
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", invokerTestPrefix, err)
	}
	if res.(map[string]any)["id"] != "x" {
		t.Errorf("%s - result = %v", invokerTestPrefix, res)
	}
	if gotCtx != cc {
		t.Errorf("%s - handler saw ctx %v, want %v", invokerTestPrefix, gotCtx, cc)
	}
	if len(gotArgs) != 3 || gotArgs[0] != "owner" {
		t.Errorf("%s - handler saw args %v", invokerTestPrefix, gotArgs)
	}
	if inv.State() != StateInvoked {
		t.Errorf("%s - state = %s, want %s", invokerTestPrefix, inv.State(), StateInvoked)
	}
}

func TestInvoke_LocalErrorPassesThroughUnchanged(t *testing.T) {
	sentinel := errors.New("quota exceeded")
	inv := localInvoker(func(context.Context, []any, callctx.CallContext) (any, error) {
		return "ignored", sentinel
	}, Options{})

	res, err := inv.Invoke(context.Background(), validArgs(), callctx.Empty())
	if err != sentinel {
		t.Fatalf("%s - err = %v (%T), want the identical sentinel", invokerTestPrefix, err, err)
	}
	if res != nil {
		t.Errorf("%s - result leaked alongside error: %v", invokerTestPrefix, res)
	}
	if inv.State() != StateFailed {
		t.Errorf("%s - state = %s, want %s", invokerTestPrefix, inv.State(), StateFailed)
	}
}

func TestInvoke_SingleUse(t *testing.T) {
	calls := 0
	inv := localInvoker(func(context.Context, []any, callctx.CallContext) (any, error) {
		calls++
		return nil, nil
	}, Options{})

	if _, err := inv.Invoke(context.Background(), validArgs(), callctx.Empty()); err != nil {
		t.Fatalf("%s - first invoke failed: %v", invokerTestPrefix, err)
	}
	_, err := inv.Invoke(context.Background(), validArgs(), callctx.Empty())
	if !failure.Is(err, failure.InvalidArgument) {
		t.Errorf("%s - second invoke: expected InvalidArgument, got %v", invokerTestPrefix, err)
	}
	if calls != 1 {
		t.Errorf("%s - handler ran %d times, want 1", invokerTestPrefix, calls)
	}
}

func TestInvoke_InvalidArguments(t *testing.T) {
	called := false
	inv := localInvoker(func(context.Context, []any, callctx.CallContext) (any, error) {
		called = true
		return nil, nil
	}, Options{})

	_, err := inv.Invoke(context.Background(), []any{42}, callctx.Empty())
	if !failure.Is(err, failure.InvalidArgument) {
		t.Fatalf("%s - expected InvalidArgument, got %v", invokerTestPrefix, err)
	}
	if called {
		t.Errorf("%s - handler ran despite invalid arguments", invokerTestPrefix)
	}
}

func TestInvoke_RemoteEnvelope(t *testing.T) {
	ft := &fakeTransport{respond: func(req commsutil.RequestEnvelope) ([]byte, error) {
		return okResponse(req, map[string]any{"id": "i-1"})
	}}
	inv := remoteInvoker(registry.Endpoint{Subject: "fit.CreateInstance.impl-2"}, Options{Transport: ft})

	cc := callctx.NewBuilder().Operator("admin").Build()
	res, err := inv.Invoke(context.Background(), validArgs(), cc)
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", invokerTestPrefix, err)
	}
	if res.(map[string]any)["id"] != "i-1" {
		t.Errorf("%s - result = %v", invokerTestPrefix, res)
	}

	req := ft.last
	if req.Type != commsutil.EnvelopeTypeInvoke || req.Contract != "CreateInstance" || req.Implementation != "impl-2" || req.Method != "create" {
		t.Errorf("%s - envelope header = %+v", invokerTestPrefix, req)
	}
	if req.ID == "" {
		t.Errorf("%s - envelope has no id", invokerTestPrefix)
	}
	if req.DeadlineMs <= 0 || req.DeadlineMs > DefaultTimeout.Milliseconds() {
		t.Errorf("%s - DeadlineMs = %d, want within default timeout", invokerTestPrefix, req.DeadlineMs)
	}
	if req.Ctx != cc {
		t.Errorf("%s - envelope ctx = %v, want %v", invokerTestPrefix, req.Ctx, cc)
	}
}

func TestInvoke_RemoteFailureMapping(t *testing.T) {
	tests := []struct {
		name     string
		respond  func(req commsutil.RequestEnvelope) ([]byte, error)
		wantKind failure.Kind
	}{
		{
			name: "connection error",
			respond: func(commsutil.RequestEnvelope) ([]byte, error) {
				return nil, errors.New("connection refused")
			},
			wantKind: failure.TransportFailure,
		},
		{
			name: "deadline error",
			respond: func(commsutil.RequestEnvelope) ([]byte, error) {
				return nil, context.DeadlineExceeded
			},
			wantKind: failure.Timeout,
		},
		{
			name: "garbage response",
			respond: func(commsutil.RequestEnvelope) ([]byte, error) {
				return []byte("<html>"), nil
			},
			wantKind: failure.TransportFailure,
		},
		{
			name: "mismatched id",
			respond: func(req commsutil.RequestEnvelope) ([]byte, error) {
				req.ID = "other"
				return okResponse(req, nil)
			},
			wantKind: failure.TransportFailure,
		},
		{
			name: "failed response without error",
			respond: func(req commsutil.RequestEnvelope) ([]byte, error) {
				return json.Marshal(commsutil.ResponseEnvelope{ID: req.ID})
			},
			wantKind: failure.TransportFailure,
		},
		{
			name: "wrong return kind",
			respond: func(req commsutil.RequestEnvelope) ([]byte, error) {
				return okResponse(req, "not an object")
			},
			wantKind: failure.TransportFailure,
		},
		{
			name: "remote broker failure",
			respond: func(req commsutil.RequestEnvelope) ([]byte, error) {
				return json.Marshal(commsutil.NewErrorResponse(req.ID, failure.New(failure.NoEligibleImplementation, "not hosted")))
			},
			wantKind: failure.NoEligibleImplementation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := remoteInvoker(registry.Endpoint{Subject: "s"}, Options{Transport: &fakeTransport{respond: tt.respond}})
			res, err := inv.Invoke(context.Background(), validArgs(), callctx.Empty())
			if res != nil {
				t.Errorf("%s - result produced on failure: %v", invokerTestPrefix, res)
			}
			if got := failure.KindOf(err); got != tt.wantKind {
				t.Fatalf("%s - kind = %q (%v), want %q", invokerTestPrefix, got, err, tt.wantKind)
			}
			var fe *failure.Error
			errors.As(err, &fe)
			if fe.Implementation != "impl-2" || fe.Contract != "CreateInstance" {
				t.Errorf("%s - failure lacks target: %+v", invokerTestPrefix, fe)
			}
		})
	}
}

func TestInvoke_RemoteBusinessError(t *testing.T) {
	ft := &fakeTransport{respond: func(req commsutil.RequestEnvelope) ([]byte, error) {
		return json.Marshal(commsutil.NewErrorResponse(req.ID, failure.NewBusinessError("DUPLICATE", "instance exists")))
	}}
	inv := remoteInvoker(registry.Endpoint{Subject: "s"}, Options{Transport: ft})

	_, err := inv.Invoke(context.Background(), validArgs(), callctx.Empty())
	var be *failure.BusinessError
	if !errors.As(err, &be) {
		t.Fatalf("%s - expected BusinessError, got %T %v", invokerTestPrefix, err, err)
	}
	if be.Code != "DUPLICATE" || be.Message != "instance exists" {
		t.Errorf("%s - got %+v", invokerTestPrefix, be)
	}
}

func TestInvoke_RemoteWithoutTransport(t *testing.T) {
	inv := remoteInvoker(registry.Endpoint{Subject: "s"}, Options{})
	_, err := inv.Invoke(context.Background(), validArgs(), callctx.Empty())
	if !failure.Is(err, failure.TransportFailure) {
		t.Errorf("%s - expected TransportFailure, got %v", invokerTestPrefix, err)
	}
}

func TestInvoke_EndpointTimeoutWins(t *testing.T) {
	ft := &fakeTransport{respond: func(req commsutil.RequestEnvelope) ([]byte, error) {
		return okResponse(req, nil)
	}}
	inv := remoteInvoker(registry.Endpoint{Subject: "s", Timeout: 200 * time.Millisecond}, Options{Transport: ft})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := inv.Invoke(ctx, validArgs(), callctx.Empty()); err != nil {
		t.Fatalf("%s - unexpected error: %v", invokerTestPrefix, err)
	}
	if ft.last.DeadlineMs > 200 {
		t.Errorf("%s - DeadlineMs = %d, want <= 200", invokerTestPrefix, ft.last.DeadlineMs)
	}
}

func TestInvoke_ExpiredContext(t *testing.T) {
	ft := &fakeTransport{respond: func(req commsutil.RequestEnvelope) ([]byte, error) {
		t.Errorf("%s - request sent after deadline", invokerTestPrefix)
		return okResponse(req, nil)
	}}
	inv := remoteInvoker(registry.Endpoint{Subject: "s"}, Options{Transport: ft})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err := inv.Invoke(ctx, validArgs(), callctx.Empty())
	if !failure.Is(err, failure.Timeout) {
		t.Errorf("%s - expected Timeout, got %v", invokerTestPrefix, err)
	}
}

func TestInvoke_Observer(t *testing.T) {
	var outcomes []string
	obs := ObserverFunc(func(contract registry.ContractID, impl registry.ImplementationID, transport, outcome string, _ time.Duration) {
		if contract != "CreateInstance" {
			t.Errorf("%s - observer contract = %s", invokerTestPrefix, contract)
		}
		outcomes = append(outcomes, transport+":"+outcome)
	})

	ok := localInvoker(func(context.Context, []any, callctx.CallContext) (any, error) { return nil, nil }, Options{Observer: obs})
	_, _ = ok.Invoke(context.Background(), validArgs(), callctx.Empty())

	biz := localInvoker(func(context.Context, []any, callctx.CallContext) (any, error) {
		return nil, errors.New("nope")
	}, Options{Observer: obs})
	_, _ = biz.Invoke(context.Background(), validArgs(), callctx.Empty())

	timeout := remoteInvoker(registry.Endpoint{Subject: "s"}, Options{Observer: obs, Transport: &fakeTransport{
		respond: func(commsutil.RequestEnvelope) ([]byte, error) { return nil, context.DeadlineExceeded },
	}})
	_, _ = timeout.Invoke(context.Background(), validArgs(), callctx.Empty())

	want := []string{"local:ok", "local:business_error", "remote:timeout"}
	if len(outcomes) != len(want) {
		t.Fatalf("%s - outcomes = %v, want %v", invokerTestPrefix, outcomes, want)
	}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Errorf("%s - outcome[%d] = %s, want %s", invokerTestPrefix, i, outcomes[i], want[i])
		}
	}
}

func TestInvoke_LocalAndRemoteHandlersSeeSameArgs(t *testing.T) {
	type meta struct {
		Team string `json:"team"`
		Size int    `json:"size"`
	}
	at := time.Date(2024, 5, 1, 12, 30, 0, 123456789, time.UTC)

	tests := []struct {
		name    string
		payload any
		want    map[string]any
	}{
		{
			name:    "string map",
			payload: map[string]string{"name": "demo"},
			want:    map[string]any{"name": "demo"},
		},
		{
			name: "mixed values",
			payload: map[string]any{
				"count": 3,
				"ratio": float32(0.5),
				"tags":  []string{"a", "b"},
				"at":    at,
				"meta":  meta{Team: "core", Size: 4},
				"raw":   []byte("x"),
			},
			want: map[string]any{
				"count": int64(3),
				"ratio": 0.5,
				"tags":  []any{"a", "b"},
				"at":    at,
				"meta":  map[string]any{"team": "core", "size": int64(4)},
				"raw":   []byte("x"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := []any{"owner", nil, tt.payload}

			var local []any
			_, err := localInvoker(func(_ context.Context, args []any, _ callctx.CallContext) (any, error) {
				local = args
				return map[string]any{}, nil
			}, Options{}).Invoke(context.Background(), args, callctx.Empty())
			if err != nil {
				t.Fatalf("%s - local invoke failed: %v", invokerTestPrefix, err)
			}

			var remote []any
			ft := &fakeTransport{respond: func(req commsutil.RequestEnvelope) ([]byte, error) {
				decoded, err := commsutil.DecodeArgs(req.Args)
				if err != nil {
					return nil, err
				}
				remote = decoded
				return okResponse(req, map[string]any{})
			}}
			if _, err := remoteInvoker(registry.Endpoint{Subject: "fit.CreateInstance.impl-2"}, Options{Transport: ft}).
				Invoke(context.Background(), args, callctx.Empty()); err != nil {
				t.Fatalf("%s - remote invoke failed: %v", invokerTestPrefix, err)
			}

			if !reflect.DeepEqual(local, remote) {
				t.Errorf("%s - local handler saw %#v, remote saw %#v", invokerTestPrefix, local, remote)
			}
			if !reflect.DeepEqual(local[2], tt.want) {
				t.Errorf("%s - payload = %#v, want %#v", invokerTestPrefix, local[2], tt.want)
			}
		})
	}
}

func TestInvoke_LocalUnencodableArgs(t *testing.T) {
	called := false
	inv := localInvoker(func(context.Context, []any, callctx.CallContext) (any, error) {
		called = true
		return nil, nil
	}, Options{})

	_, err := inv.Invoke(context.Background(), []any{"owner", nil, map[string]any{"ch": make(chan int)}}, callctx.Empty())
	if !failure.Is(err, failure.TransportFailure) {
		t.Errorf("%s - expected TransportFailure, got %v", invokerTestPrefix, err)
	}
	if called {
		t.Errorf("%s - handler ran with arguments a peer could not receive", invokerTestPrefix)
	}
}
