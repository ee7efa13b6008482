package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/fitable-broker/pkg/callctx"
	"github.com/morezero/fitable-broker/pkg/commsutil"
	"github.com/morezero/fitable-broker/pkg/failure"
	"github.com/morezero/fitable-broker/pkg/invoker"
	"github.com/morezero/fitable-broker/pkg/registry"
)

const serverTestPrefix = "dispatcher:server_integration_test"

// startTestServer starts an in-process NATS server for testing.
func startTestServer(t *testing.T, port int) (*comms.Conn, func()) {
	t.Helper()

	ns, err := commsserver.NewServer(&commsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("%s - failed to create server: %v", serverTestPrefix, err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - server failed to start", serverTestPrefix)
	}

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("%s - failed to connect: %v", serverTestPrefix, err)
	}

	return nc, func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	}
}

// remoteCall builds a single-use invoker that reaches impl through subject.
func remoteCall(nc *comms.Conn, subject string, impl registry.ImplementationID) *invoker.Invoker {
	remote := registry.Implementation{
		ID:       impl,
		Contract: "CreateInstance",
		Dispatch: registry.RemoteDispatch{Endpoint: registry.Endpoint{Subject: subject}},
	}
	return invoker.New("CreateInstance", createShape, remote, invoker.Options{Transport: invoker.NewNATSTransport(nc, "test")})
}

func TestServer_HostServesRemoteCalls(t *testing.T) {
	nc, cleanup := startTestServer(t, 14250)
	defer cleanup()

	reg := registry.NewRegistry(registry.NewRegistryParams{})
	if err := reg.Register(context.Background(), "CreateInstance", createShape); err != nil {
		t.Fatalf("%s - Register failed: %v", serverTestPrefix, err)
	}
	srv := NewServer(nc, reg, nil)
	defer srv.Stop()

	created := time.Date(2024, 5, 1, 10, 0, 0, 500, time.UTC)
	err := srv.Host(context.Background(), "CreateInstance", registry.Implementation{
		ID: "mem-1",
		Dispatch: registry.LocalDispatch{Handler: func(_ context.Context, args []any, cc callctx.CallContext) (any, error) {
			return map[string]any{
				"id":       "i-1",
				"owner":    args[0],
				"operator": cc.Operator().Or("<undefined>"),
				"created":  created,
			}, nil
		}},
	})
	if err != nil {
		t.Fatalf("%s - Host failed: %v", serverTestPrefix, err)
	}
	_ = nc.Flush()

	subject := reg.LocalSubject("CreateInstance", "mem-1")
	if subject != "fit.CreateInstance.mem-1" {
		t.Errorf("%s - local subject = %s", serverTestPrefix, subject)
	}

	res, err := remoteCall(nc, subject, "mem-1").Invoke(context.Background(),
		[]any{"owner", nil, map[string]any{"name": "demo"}},
		callctx.NewBuilder().Operator("admin").Build())
	if err != nil {
		t.Fatalf("%s - remote invoke failed: %v", serverTestPrefix, err)
	}
	m := res.(map[string]any)
	if m["id"] != "i-1" || m["owner"] != "owner" || m["operator"] != "admin" {
		t.Errorf("%s - result = %v", serverTestPrefix, m)
	}
	if at, ok := m["created"].(time.Time); !ok || !at.Equal(created) {
		t.Errorf("%s - created = %v, want %v", serverTestPrefix, m["created"], created)
	}
	if ids := srv.Hosted(); len(ids) != 1 || ids[0] != "mem-1" {
		t.Errorf("%s - Hosted() = %v", serverTestPrefix, ids)
	}
}

func TestServer_BusinessErrorCrossesTheWire(t *testing.T) {
	nc, cleanup := startTestServer(t, 14251)
	defer cleanup()

	reg := registry.NewRegistry(registry.NewRegistryParams{})
	_ = reg.Register(context.Background(), "CreateInstance", createShape)
	srv := NewServer(nc, reg, nil)
	defer srv.Stop()

	_ = srv.Host(context.Background(), "CreateInstance", registry.Implementation{
		ID: "mem-1",
		Dispatch: registry.LocalDispatch{Handler: func(context.Context, []any, callctx.CallContext) (any, error) {
			return nil, failure.NewBusinessError("DUPLICATE_NAME", "name already taken")
		}},
	})
	_ = nc.Flush()

	_, err := remoteCall(nc, reg.LocalSubject("CreateInstance", "mem-1"), "mem-1").
		Invoke(context.Background(), []any{"o", nil, map[string]any{}}, callctx.Empty())

	var berr *failure.BusinessError
	if !errors.As(err, &berr) {
		t.Fatalf("%s - expected BusinessError, got %T %v", serverTestPrefix, err, err)
	}
	if berr.Code != "DUPLICATE_NAME" || berr.Message != "name already taken" {
		t.Errorf("%s - business error = %+v", serverTestPrefix, berr)
	}
}

func TestServer_WithdrawStopsServing(t *testing.T) {
	nc, cleanup := startTestServer(t, 14252)
	defer cleanup()

	reg := registry.NewRegistry(registry.NewRegistryParams{})
	_ = reg.Register(context.Background(), "CreateInstance", createShape)
	srv := NewServer(nc, reg, nil)
	defer srv.Stop()

	_ = srv.Host(context.Background(), "CreateInstance", registry.Implementation{
		ID: "mem-1",
		Dispatch: registry.LocalDispatch{Handler: func(context.Context, []any, callctx.CallContext) (any, error) {
			return map[string]any{}, nil
		}},
	})

	if !srv.Withdraw(context.Background(), "mem-1") {
		t.Fatalf("%s - Withdraw reported nothing hosted", serverTestPrefix)
	}
	if srv.Withdraw(context.Background(), "mem-1") {
		t.Errorf("%s - second Withdraw reported success", serverTestPrefix)
	}
	if _, ok := reg.Implementation("mem-1"); ok {
		t.Errorf("%s - implementation still registered after Withdraw", serverTestPrefix)
	}
	_ = nc.Flush()

	_, err := remoteCall(nc, reg.LocalSubject("CreateInstance", "mem-1"), "mem-1").
		Invoke(context.Background(), []any{"o", nil, map[string]any{}}, callctx.Empty())
	if !failure.Is(err, failure.TransportFailure) {
		t.Errorf("%s - expected TransportFailure after Withdraw, got %v", serverTestPrefix, err)
	}
}

func TestServer_MalformedRequestAnswered(t *testing.T) {
	nc, cleanup := startTestServer(t, 14253)
	defer cleanup()

	reg := registry.NewRegistry(registry.NewRegistryParams{})
	_ = reg.Register(context.Background(), "CreateInstance", createShape)
	srv := NewServer(nc, reg, nil)
	defer srv.Stop()
	_ = srv.Host(context.Background(), "CreateInstance", registry.Implementation{
		ID: "mem-1",
		Dispatch: registry.LocalDispatch{Handler: func(context.Context, []any, callctx.CallContext) (any, error) {
			return map[string]any{}, nil
		}},
	})
	_ = nc.Flush()

	msg, err := nc.Request(reg.LocalSubject("CreateInstance", "mem-1"), []byte("not json"), 2*time.Second)
	if err != nil {
		t.Fatalf("%s - request failed: %v", serverTestPrefix, err)
	}
	var resp commsutil.ResponseEnvelope
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("%s - response is not an envelope: %v", serverTestPrefix, err)
	}
	if resp.Ok || resp.Error == nil || resp.Error.Code != string(failure.TransportFailure) {
		t.Errorf("%s - response = %+v, want %s", serverTestPrefix, resp, failure.TransportFailure)
	}

	envelope, _ := json.Marshal(commsutil.RequestEnvelope{
		ID:             "req-bad-args",
		Type:           commsutil.EnvelopeTypeInvoke,
		Contract:       "CreateInstance",
		Implementation: "mem-1",
		Args:           json.RawMessage(`{"t":"nope","v":1}`),
	})
	msg, err = nc.Request(reg.LocalSubject("CreateInstance", "mem-1"), envelope, 2*time.Second)
	if err != nil {
		t.Fatalf("%s - request with bad args failed: %v", serverTestPrefix, err)
	}
	resp = commsutil.ResponseEnvelope{}
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("%s - response is not an envelope: %v", serverTestPrefix, err)
	}
	if resp.ID != "req-bad-args" || resp.Ok || resp.Error == nil || resp.Error.Code != string(failure.TransportFailure) {
		t.Errorf("%s - bad args response = %+v, want %s", serverTestPrefix, resp, failure.TransportFailure)
	}
}

func TestServer_PanickingHandlerAnswered(t *testing.T) {
	nc, cleanup := startTestServer(t, 14254)
	defer cleanup()

	reg := registry.NewRegistry(registry.NewRegistryParams{})
	_ = reg.Register(context.Background(), "CreateInstance", createShape)
	srv := NewServer(nc, reg, nil)
	defer srv.Stop()
	_ = srv.Host(context.Background(), "CreateInstance", registry.Implementation{
		ID: "mem-1",
		Dispatch: registry.LocalDispatch{Handler: func(_ context.Context, args []any, _ callctx.CallContext) (any, error) {
			if args[0] == "boom" {
				panic("index out of range")
			}
			return map[string]any{"owner": args[0]}, nil
		}},
	})
	_ = nc.Flush()
	subject := reg.LocalSubject("CreateInstance", "mem-1")

	start := time.Now()
	_, err := remoteCall(nc, subject, "mem-1").
		Invoke(context.Background(), []any{"boom", nil, map[string]any{}}, callctx.Empty())
	if !failure.Is(err, failure.TransportFailure) {
		t.Fatalf("%s - expected TransportFailure from panicking handler, got %v", serverTestPrefix, err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("%s - panic answered after %v, caller waited for its deadline", serverTestPrefix, elapsed)
	}

	res, err := remoteCall(nc, subject, "mem-1").
		Invoke(context.Background(), []any{"owner", nil, map[string]any{}}, callctx.Empty())
	if err != nil {
		t.Fatalf("%s - server stopped serving after a panic: %v", serverTestPrefix, err)
	}
	if res.(map[string]any)["owner"] != "owner" {
		t.Errorf("%s - result = %v", serverTestPrefix, res)
	}
}

func TestServer_HostRejectsRemoteImplementation(t *testing.T) {
	reg := registry.NewRegistry(registry.NewRegistryParams{})
	_ = reg.Register(context.Background(), "CreateInstance", createShape)
	srv := NewServer(nil, reg, nil)

	err := srv.Host(context.Background(), "CreateInstance", registry.Implementation{
		ID:       "peer",
		Dispatch: registry.RemoteDispatch{Endpoint: registry.Endpoint{Subject: "x"}},
	})
	if !failure.Is(err, failure.InvalidArgument) {
		t.Errorf("%s - expected InvalidArgument, got %v", serverTestPrefix, err)
	}
	if _, ok := reg.Implementation("peer"); ok {
		t.Errorf("%s - rejected implementation was registered", serverTestPrefix)
	}
}

func TestServer_Budget(t *testing.T) {
	srv := NewServer(nil, registry.NewRegistry(registry.NewRegistryParams{}), &ServerOpts{RequestTimeout: time.Second})

	tests := []struct {
		deadlineMs int64
		want       time.Duration
	}{
		{0, time.Second},
		{-5, time.Second},
		{250, 250 * time.Millisecond},
		{5000, time.Second},
	}
	for _, tt := range tests {
		if got := srv.budget(tt.deadlineMs); got != tt.want {
			t.Errorf("%s - budget(%d) = %s, want %s", serverTestPrefix, tt.deadlineMs, got, tt.want)
		}
	}
	if NewServer(nil, nil, nil).requestTimeout != DefaultRequestTimeout {
		t.Errorf("%s - default request timeout not applied", serverTestPrefix)
	}
}
