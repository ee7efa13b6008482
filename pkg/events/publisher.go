package events

import (
	"context"
	"sync"
)

// EventPublisher sends a node's announcements to its peers: a local
// implementation was hosted or withdrawn, or the node wants every peer to
// re-announce what it hosts. Publish failures never undo the local change.
type EventPublisher interface {
	PublishChanged(ctx context.Context, event *RegistryChangedEvent) error
}

// Discard is the publisher of a node that has no peers to tell.
var Discard EventPublisher = discard{}

type discard struct{}

func (discard) PublishChanged(context.Context, *RegistryChangedEvent) error { return nil }

// PublisherFunc lets an ordinary function receive announcements.
type PublisherFunc func(ctx context.Context, event *RegistryChangedEvent) error

// PublishChanged calls f.
func (f PublisherFunc) PublishChanged(ctx context.Context, event *RegistryChangedEvent) error {
	return f(ctx, event)
}

// Recorder keeps every announcement in publish order, sync requests included.
type Recorder struct {
	mu     sync.Mutex
	events []*RegistryChangedEvent
}

func (r *Recorder) PublishChanged(_ context.Context, event *RegistryChangedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns what was announced so far, or only the announcements of
// the given actions.
func (r *Recorder) Events(actions ...string) []*RegistryChangedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*RegistryChangedEvent, 0, len(r.events))
	for _, ev := range r.events {
		if len(actions) == 0 || contains(actions, ev.Action) {
			out = append(out, ev)
		}
	}
	return out
}

// Reset drops everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
