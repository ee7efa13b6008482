package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/morezero/fitable-broker/pkg/callctx"
	"github.com/morezero/fitable-broker/pkg/events"
	"github.com/morezero/fitable-broker/pkg/failure"
	"github.com/morezero/fitable-broker/pkg/registry"
	"github.com/morezero/fitable-broker/pkg/selector"
)

var listShape = registry.Shape{
	Method:  "list",
	Params:  []registry.Param{{Name: "owner", Kind: registry.KindString}},
	Returns: registry.KindAny,
}

func echoHandler(id string) registry.Handler {
	return func(context.Context, []any, callctx.CallContext) (any, error) {
		return id, nil
	}
}

func newTestBroker(t *testing.T, versions map[string]string) *Broker {
	t.Helper()
	ctx := context.Background()
	b := New(NewBrokerParams{})
	if err := b.Registry().Register(ctx, "ListInstances", listShape); err != nil {
		t.Fatalf("broker:broker_test - Register failed: %v", err)
	}
	for id, version := range versions {
		impl := registry.Implementation{
			ID:       registry.ImplementationID(id),
			Version:  version,
			Dispatch: registry.LocalDispatch{Handler: echoHandler(id)},
		}
		if err := b.Registry().RegisterImplementation(ctx, "ListInstances", impl); err != nil {
			t.Fatalf("broker:broker_test - RegisterImplementation(%s) failed: %v", id, err)
		}
	}
	return b
}

func TestRouterFor(t *testing.T) {
	b := newTestBroker(t, map[string]string{"a": ""})

	if _, err := b.RouterFor("Nope"); !failure.Is(err, failure.UnknownContract) {
		t.Errorf("broker:broker_test - expected UnknownContract, got %v", err)
	}

	r, err := b.RouterFor("ListInstances")
	if err != nil {
		t.Fatalf("broker:broker_test - RouterFor failed: %v", err)
	}
	if r.Contract() != "ListInstances" {
		t.Errorf("broker:broker_test - router contract = %s", r.Contract())
	}
	other, _ := b.RouterFor("ListInstances")
	if r == other {
		t.Errorf("broker:broker_test - RouterFor returned a shared router")
	}
}

func TestRouteRef(t *testing.T) {
	b := newTestBroker(t, map[string]string{
		"v1":      "1.4.0",
		"v2":      "2.1.0",
		"v2-next": "2.2.0-beta.1",
		"v3":      "3.0.0",
	})

	tests := []struct {
		ref      string
		sel      selector.Selector
		wantID   registry.ImplementationID
		wantKind failure.Kind
	}{
		{"ListInstances", nil, "v3", ""},
		{"ListInstances@2", nil, "v2", ""},
		{"ListInstances@^1.0.0", nil, "v1", ""},
		{"ListInstances@2", selector.ExplicitIDs("v2-next"), "v2-next", ""},
		{"ListInstances@4", nil, "", failure.NoEligibleImplementation},
		{"Missing@1", nil, "", failure.UnknownContract},
		{"@1", nil, "", failure.InvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			inv, err := b.RouteRef(tt.ref, tt.sel)
			if tt.wantKind != "" {
				if !failure.Is(err, tt.wantKind) {
					t.Fatalf("broker:broker_test - expected %s, got %v", tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("broker:broker_test - RouteRef failed: %v", err)
			}
			if inv.ImplementationID() != tt.wantID {
				t.Errorf("broker:broker_test - routed to %s, want %s", inv.ImplementationID(), tt.wantID)
			}
		})
	}
}

func TestInvokeEach_OrderAndIsolation(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, map[string]string{"c": "", "a": ""})
	boom := failure.NewBusinessError("BOOM", "b failed")
	_ = b.Registry().RegisterImplementation(ctx, "ListInstances", registry.Implementation{
		ID: "b",
		Dispatch: registry.LocalDispatch{Handler: func(context.Context, []any, callctx.CallContext) (any, error) {
			return nil, boom
		}},
	})

	outcomes, err := b.InvokeEach(ctx, "ListInstances", nil, []any{"owner"}, callctx.Empty())
	if err != nil {
		t.Fatalf("broker:broker_test - InvokeEach failed: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("broker:broker_test - got %d outcomes, want 3", len(outcomes))
	}

	want := []struct {
		id     registry.ImplementationID
		result any
		err    error
	}{
		{"a", "a", nil},
		{"b", nil, boom},
		{"c", "c", nil},
	}
	for i, w := range want {
		o := outcomes[i]
		if o.Implementation != w.id || o.Result != w.result || !errors.Is(o.Err, w.err) {
			t.Errorf("broker:broker_test - outcomes[%d] = %+v, want %+v", i, o, w)
		}
	}

	if _, err := b.InvokeEach(ctx, "Nope", nil, nil, callctx.Empty()); !failure.Is(err, failure.UnknownContract) {
		t.Errorf("broker:broker_test - expected UnknownContract, got %v", err)
	}
}

func TestInvokeAll_Empty(t *testing.T) {
	if out := InvokeAll(context.Background(), nil, nil, callctx.Empty(), 2); len(out) != 0 {
		t.Errorf("broker:broker_test - InvokeAll(nil) = %v", out)
	}
}

func TestApplyChange(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, map[string]string{"local-1": ""})

	registered := func(id, origin, contract string) *events.RegistryChangedEvent {
		return &events.RegistryChangedEvent{
			Action:         events.ActionRegistered,
			Contract:       contract,
			Implementation: id,
			Subject:        "fit." + contract + "." + id,
			TimeoutMs:      1500,
			Capabilities:   []string{"schedule"},
			Version:        "1.0.0",
			Origin:         origin,
		}
	}

	tests := []struct {
		name        string
		ev          *events.RegistryChangedEvent
		wantChanged bool
	}{
		{"peer registers", registered("peer-1", "node-b", "ListInstances"), true},
		{"own echo ignored", registered("peer-2", "local", "ListInstances"), false},
		{"unknown contract ignored", registered("peer-3", "node-b", "Nope"), false},
		{"local id never overwritten", registered("local-1", "node-b", "ListInstances"), false},
		{"unknown action ignored", &events.RegistryChangedEvent{Action: "renamed", Implementation: "peer-1", Origin: "node-b"}, false},
		{"peer unregisters", &events.RegistryChangedEvent{Action: events.ActionUnregistered, Contract: "ListInstances", Implementation: "peer-1", Origin: "node-b"}, true},
		{"unregister of absent id", &events.RegistryChangedEvent{Action: events.ActionUnregistered, Contract: "ListInstances", Implementation: "peer-1", Origin: "node-b"}, false},
		{"nil event", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.ApplyChange(ctx, tt.ev); got != tt.wantChanged {
				t.Errorf("broker:broker_test - ApplyChange = %v, want %v", got, tt.wantChanged)
			}
		})
	}

	local, ok := b.Registry().Implementation("local-1")
	if !ok || !local.IsLocal() {
		t.Errorf("broker:broker_test - local implementation was replaced: %+v", local)
	}
}

func TestApplyChange_RemoteDescriptor(t *testing.T) {
	b := newTestBroker(t, nil)
	b.ApplyChange(context.Background(), &events.RegistryChangedEvent{
		Action:         events.ActionRegistered,
		Contract:       "ListInstances",
		Implementation: "peer-1",
		Subject:        "fit.ListInstances.peer-1",
		NatsURL:        "nats://peer:4222",
		TimeoutMs:      1500,
		Capabilities:   []string{"schedule"},
		Version:        "1.0.0",
		Origin:         "node-b",
	})

	impl, ok := b.Registry().Implementation("peer-1")
	if !ok {
		t.Fatalf("broker:broker_test - peer-1 not registered")
	}
	remote, isRemote := impl.Dispatch.(registry.RemoteDispatch)
	if !isRemote {
		t.Fatalf("broker:broker_test - peer-1 dispatch = %T", impl.Dispatch)
	}
	if remote.Endpoint.Subject != "fit.ListInstances.peer-1" || remote.Endpoint.NatsURL != "nats://peer:4222" || remote.Endpoint.Timeout.Milliseconds() != 1500 {
		t.Errorf("broker:broker_test - endpoint = %+v", remote.Endpoint)
	}
	if !impl.HasCapability("schedule") || impl.Version != "1.0.0" {
		t.Errorf("broker:broker_test - descriptor = %+v", impl)
	}
}

func TestApplyChange_SyncReannouncesLocal(t *testing.T) {
	ctx := context.Background()
	var announced []*events.RegistryChangedEvent
	reg := registry.NewRegistry(registry.NewRegistryParams{
		Publisher: events.PublisherFunc(func(_ context.Context, ev *events.RegistryChangedEvent) error {
			announced = append(announced, ev)
			return nil
		}),
		Config: registry.Config{NodeID: "node-a"},
	})
	b := New(NewBrokerParams{Registry: reg})
	_ = reg.Register(ctx, "ListInstances", listShape)
	_ = reg.RegisterImplementation(ctx, "ListInstances", registry.Implementation{ID: "local-1", Dispatch: registry.LocalDispatch{Handler: echoHandler("local-1")}})
	_ = reg.RegisterImplementation(ctx, "ListInstances", registry.Implementation{ID: "peer-1", Dispatch: registry.RemoteDispatch{Endpoint: registry.Endpoint{Subject: "fit.ListInstances.peer-1"}}})
	announced = nil

	if b.ApplyChange(ctx, &events.RegistryChangedEvent{Action: events.ActionSync, Origin: "node-b"}) {
		t.Error("broker:broker_test - sync reported a registry change")
	}
	if len(announced) != 1 || announced[0].Implementation != "local-1" || announced[0].Action != events.ActionRegistered {
		t.Fatalf("broker:broker_test - sync announced %+v, want only local-1", announced)
	}

	announced = nil
	b.ApplyChange(ctx, &events.RegistryChangedEvent{Action: events.ActionSync, Origin: "node-a"})
	if len(announced) != 0 {
		t.Errorf("broker:broker_test - own sync request answered: %+v", announced)
	}
}
