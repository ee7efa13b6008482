package tasksource

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Adapter prepares a payload for a source of one kind before it is sent to
// the bound fitable.
type Adapter interface {
	Prepare(src Source, payload map[string]any) (map[string]any, error)
}

// AdapterFunc adapts a function into an Adapter.
type AdapterFunc func(src Source, payload map[string]any) (map[string]any, error)

func (f AdapterFunc) Prepare(src Source, payload map[string]any) (map[string]any, error) {
	return f(src, payload)
}

// Adapters looks up the in-process adapter for a source kind. Unlike the
// selector chain it involves no transport and no candidate set: one kind maps
// to one adapter.
type Adapters struct {
	mu       sync.RWMutex
	adapters map[SourceKind]Adapter
}

// NewAdapters creates an empty lookup.
func NewAdapters() *Adapters {
	return &Adapters{adapters: make(map[SourceKind]Adapter)}
}

// DefaultAdapters returns a lookup holding StampSource for every kind.
func DefaultAdapters() *Adapters {
	a := NewAdapters()
	for _, k := range []SourceKind{KindSchedule, KindRefreshInTime, KindThirdPartyPush} {
		_ = a.Register(k, AdapterFunc(StampSource))
	}
	return a
}

// Register installs the adapter for kind. A kind can be registered once.
func (a *Adapters) Register(kind SourceKind, adapter Adapter) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.adapters[kind]; ok {
		return fmt.Errorf("adapter for %s already registered", kind)
	}
	a.adapters[kind] = adapter
	return nil
}

// Lookup returns the adapter for kind.
func (a *Adapters) Lookup(kind SourceKind) (Adapter, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	adapter, ok := a.adapters[kind]
	return adapter, ok
}

// Kinds lists the registered kinds in sorted order.
func (a *Adapters) Kinds() []SourceKind {
	a.mu.RLock()
	defer a.mu.RUnlock()
	kinds := make([]SourceKind, 0, len(a.adapters))
	for k := range a.adapters {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// StampSource copies payload and records the source configuration under
// the "source" key. Schedule sources also get their next run time.
func StampSource(src Source, payload map[string]any) (map[string]any, error) {
	return stampSource(src, payload, time.Now())
}

func stampSource(src Source, payload map[string]any, now time.Time) (map[string]any, error) {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}

	src = Concrete(src)
	if src == nil {
		return nil, fmt.Errorf("no source to stamp")
	}
	meta := map[string]any{"kind": string(src.Kind())}
	switch s := src.(type) {
	case ScheduleSource:
		meta["cron"] = s.Cron
		if s.Timezone != "" {
			meta["timezone"] = s.Timezone
		}
		if sched, err := s.Schedule(); err == nil {
			meta["nextRunAt"] = sched.Next(now).UTC().Format(time.RFC3339)
		}
	case RefreshInTimeSource:
		meta["intervalMs"] = s.Interval.Milliseconds()
	case ThirdPartyPushSource:
		meta["platform"] = s.Platform
		if s.Endpoint != "" {
			meta["endpoint"] = s.Endpoint
		}
	default:
		return nil, fmt.Errorf("unsupported source variant %T", src)
	}
	out["source"] = meta
	return out, nil
}
