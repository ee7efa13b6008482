package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/fitable-broker/pkg/events"
	"github.com/morezero/fitable-broker/pkg/registry"
)

const discoveryLogPrefix = "broker:discovery"

// Follow subscribes to change events announced by other nodes and mirrors
// them into the registry as remote implementations. Events from this node,
// for unknown contracts, or naming an id hosted locally are ignored. Once
// subscribed it asks peers to re-announce what they already host.
func (b *Broker) Follow(nc *comms.Conn, subject string) (*comms.Subscription, error) {
	sub, err := events.SubscribeChanges(nc, subject, func(ev *events.RegistryChangedEvent) {
		applied := b.ApplyChange(context.Background(), ev)
		if b.onChange != nil {
			b.onChange(ev, applied)
		}
	})
	if err != nil {
		return nil, err
	}
	b.reg.RequestSync(context.Background())
	return sub, nil
}

// ApplyChange applies one change event from a peer. It reports whether the
// registry changed.
func (b *Broker) ApplyChange(ctx context.Context, ev *events.RegistryChangedEvent) bool {
	if ev == nil || ev.Origin == b.reg.Config().NodeID {
		return false
	}
	id := registry.ImplementationID(ev.Implementation)
	existing, exists := b.reg.Implementation(id)
	if exists && existing.IsLocal() {
		slog.Warn(fmt.Sprintf("%s - %s from %s names locally hosted %s, ignoring", discoveryLogPrefix, ev.Action, ev.Origin, id))
		return false
	}

	switch ev.Action {
	case events.ActionSync:
		n := b.reg.Announce(ctx)
		slog.Debug(fmt.Sprintf("%s - %s requested sync, announced %d implementations", discoveryLogPrefix, ev.Origin, n))
		return false
	case events.ActionRegistered:
		contract := registry.ContractID(ev.Contract)
		if _, ok := b.reg.Contract(contract); !ok {
			slog.Warn(fmt.Sprintf("%s - %s announced %s for unknown contract %s, ignoring", discoveryLogPrefix, ev.Origin, id, contract))
			return false
		}
		impl := registry.Implementation{
			ID:           id,
			Capabilities: ev.Capabilities,
			Version:      ev.Version,
			Dispatch: registry.RemoteDispatch{Endpoint: registry.Endpoint{
				Subject: ev.Subject,
				NatsURL: ev.NatsURL,
				Timeout: time.Duration(ev.TimeoutMs) * time.Millisecond,
			}},
		}
		if err := b.reg.RegisterImplementation(ctx, contract, impl); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to register %s from %s: %v", discoveryLogPrefix, id, ev.Origin, err))
			return false
		}
		return true
	case events.ActionUnregistered:
		if !exists || string(existing.Contract) != ev.Contract {
			return false
		}
		return b.reg.UnregisterImplementation(ctx, id)
	}
	slog.Warn(fmt.Sprintf("%s - unknown action %q from %s", discoveryLogPrefix, ev.Action, ev.Origin))
	return false
}
