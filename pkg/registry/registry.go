package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/morezero/fitable-broker/pkg/commsutil"
	"github.com/morezero/fitable-broker/pkg/events"
	"github.com/morezero/fitable-broker/pkg/failure"
)

const (
	logPrefix = "registry:registry"

	defaultNodeID        = "local"
	defaultSubjectPrefix = commsutil.DefaultFitablePrefix
)

// Config holds registry configuration.
type Config struct {
	// NodeID is stamped as the origin of every change event.
	NodeID string
	// SubjectPrefix is used to build the subject local implementations are served on.
	SubjectPrefix string
	// NatsURL is advertised with local implementations so peers on other
	// servers know where to reach them. Empty means "same server as you".
	NatsURL string
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		NodeID:        defaultNodeID,
		SubjectPrefix: defaultSubjectPrefix,
	}
}

// NewRegistryParams holds parameters for NewRegistry.
type NewRegistryParams struct {
	Publisher events.EventPublisher
	Config    Config
}

type contractEntry struct {
	shape Shape
	impls map[ImplementationID]Implementation
}

// Registry holds the contract registry and the implementation registry.
// All reads and writes go through one RWMutex; a write holds the lock for the
// whole mutation so readers observe either the old or the new state.
type Registry struct {
	mu        sync.RWMutex
	contracts map[ContractID]*contractEntry
	owners    map[ImplementationID]ContractID
	revision  int

	publisher events.EventPublisher
	config    Config
}

// NewRegistry creates an empty Registry.
func NewRegistry(params NewRegistryParams) *Registry {
	cfg := params.Config
	if cfg.NodeID == "" {
		cfg.NodeID = defaultNodeID
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaultSubjectPrefix
	}

	pub := params.Publisher
	if pub == nil {
		pub = events.Discard
	}

	return &Registry{
		contracts: make(map[ContractID]*contractEntry),
		owners:    make(map[ImplementationID]ContractID),
		publisher: pub,
		config:    cfg,
	}
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.config
}

// Register declares a contract and its shape. Registering the same id with an
// equal shape is a no-op; a different shape fails with ContractConflict.
func (r *Registry) Register(_ context.Context, id ContractID, shape Shape) error {
	if id == "" {
		return failure.New(failure.InvalidArgument, "contract id is required")
	}
	if err := shape.Validate(); err != nil {
		return failure.Wrap(failure.InvalidArgument, err, "invalid shape").WithTarget(string(id), "")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.contracts[id]; ok {
		if existing.shape.Equal(shape) {
			return nil
		}
		return failure.New(failure.ContractConflict, "contract already registered with shape %s", existing.shape.Method).
			WithTarget(string(id), "")
	}

	r.contracts[id] = &contractEntry{
		shape: cloneShape(shape),
		impls: make(map[ImplementationID]Implementation),
	}
	r.revision++
	slog.Info(fmt.Sprintf("%s - Registered contract %s (%s)", logPrefix, id, shape.Method))
	return nil
}

// RegisterImplementation adds impl as a candidate for contract. Registering an
// id again under the same contract replaces its descriptor; registering it
// under another contract fails with DuplicateImplementation.
func (r *Registry) RegisterImplementation(ctx context.Context, contract ContractID, impl Implementation) error {
	if err := validateImplementation(contract, impl); err != nil {
		return err
	}
	impl.Contract = contract
	impl.Capabilities = append([]string(nil), impl.Capabilities...)

	var pending []*events.RegistryChangedEvent
	if err := func() error {
		r.mu.Lock()
		defer r.mu.Unlock()

		entry, ok := r.contracts[contract]
		if !ok {
			return failure.New(failure.UnknownContract, "contract is not registered").
				WithTarget(string(contract), string(impl.ID))
		}
		if owner, taken := r.owners[impl.ID]; taken && owner != contract {
			return failure.New(failure.DuplicateImplementation, "implementation already belongs to contract %s", owner).
				WithTarget(string(contract), string(impl.ID))
		}

		previous, replaced := entry.impls[impl.ID]
		entry.impls[impl.ID] = impl
		r.owners[impl.ID] = contract
		r.revision++

		switch {
		case impl.IsLocal():
			pending = append(pending, r.changeEvent(events.ActionRegistered, impl))
		case replaced && previous.IsLocal():
			pending = append(pending, r.changeEvent(events.ActionUnregistered, previous))
		}
		return nil
	}(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Registered %s implementation %s for %s", logPrefix, impl.Dispatch.Transport(), impl.ID, contract))
	r.publish(ctx, pending)
	return nil
}

// UnregisterImplementation removes an implementation. It reports whether the
// id was registered.
func (r *Registry) UnregisterImplementation(ctx context.Context, id ImplementationID) bool {
	var pending []*events.RegistryChangedEvent
	removed := func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()

		contract, ok := r.owners[id]
		if !ok {
			return false
		}
		entry := r.contracts[contract]
		impl := entry.impls[id]
		delete(entry.impls, id)
		delete(r.owners, id)
		r.revision++

		if impl.IsLocal() {
			pending = append(pending, r.changeEvent(events.ActionUnregistered, impl))
		}
		return true
	}()
	if !removed {
		return false
	}

	slog.Info(fmt.Sprintf("%s - Unregistered implementation %s", logPrefix, id))
	r.publish(ctx, pending)
	return true
}

// CandidatesFor returns the implementations registered for contract, sorted
// by id. An unknown contract or one without implementations yields an empty
// set; routing decides whether that is an error.
func (r *Registry) CandidatesFor(contract ContractID) CandidateSet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.contracts[contract]
	if !ok {
		return CandidateSet{}
	}
	set := make(CandidateSet, 0, len(entry.impls))
	for _, impl := range entry.impls {
		impl.Capabilities = append([]string(nil), impl.Capabilities...)
		set = append(set, impl)
	}
	sort.Slice(set, func(i, j int) bool { return set[i].ID < set[j].ID })
	return set
}

// Contract returns the shape registered for id.
func (r *Registry) Contract(id ContractID) (Shape, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.contracts[id]
	if !ok {
		return Shape{}, false
	}
	return cloneShape(entry.shape), true
}

// Contracts lists registered contract ids in sorted order.
func (r *Registry) Contracts() []ContractID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]ContractID, 0, len(r.contracts))
	for id := range r.contracts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Implementation looks up an implementation by id.
func (r *Registry) Implementation(id ImplementationID) (Implementation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	contract, ok := r.owners[id]
	if !ok {
		return Implementation{}, false
	}
	impl := r.contracts[contract].impls[id]
	impl.Capabilities = append([]string(nil), impl.Capabilities...)
	return impl, true
}

// Revision is incremented by every successful mutation.
func (r *Registry) Revision() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.revision
}

// LocalSubject returns the subject a local implementation is served on.
func (r *Registry) LocalSubject(contract ContractID, id ImplementationID) string {
	return commsutil.BuildFitableSubject(r.config.SubjectPrefix, string(contract), string(id))
}

// Announce publishes a registered event for every local implementation and
// returns how many were announced. Peers answering a sync request call it.
func (r *Registry) Announce(ctx context.Context) int {
	var pending []*events.RegistryChangedEvent
	func() {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, id := range r.sortedOwners() {
			impl := r.contracts[r.owners[id]].impls[id]
			if impl.IsLocal() {
				pending = append(pending, r.changeEvent(events.ActionRegistered, impl))
			}
		}
	}()
	r.publish(ctx, pending)
	return len(pending)
}

// RequestSync asks peers to re-announce their local implementations.
func (r *Registry) RequestSync(ctx context.Context) {
	r.mu.RLock()
	ev := &events.RegistryChangedEvent{
		Action:    events.ActionSync,
		Origin:    r.config.NodeID,
		Revision:  r.revision,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	r.mu.RUnlock()
	r.publish(ctx, []*events.RegistryChangedEvent{ev})
}

// sortedOwners must be called with the lock held.
func (r *Registry) sortedOwners() []ImplementationID {
	ids := make([]ImplementationID, 0, len(r.owners))
	for id := range r.owners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// changeEvent must be called with the lock held.
func (r *Registry) changeEvent(action string, impl Implementation) *events.RegistryChangedEvent {
	return &events.RegistryChangedEvent{
		Action:         action,
		Contract:       string(impl.Contract),
		Implementation: string(impl.ID),
		Subject:        r.LocalSubject(impl.Contract, impl.ID),
		NatsURL:        r.config.NatsURL,
		Capabilities:   append([]string(nil), impl.Capabilities...),
		Version:        impl.Version,
		Origin:         r.config.NodeID,
		Revision:       r.revision,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func (r *Registry) publish(ctx context.Context, pending []*events.RegistryChangedEvent) {
	for _, ev := range pending {
		if err := r.publisher.PublishChanged(ctx, ev); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to publish %s event for %s: %v", logPrefix, ev.Action, ev.Implementation, err))
		}
	}
}

func validateImplementation(contract ContractID, impl Implementation) error {
	target := func(e *failure.Error) error {
		return e.WithTarget(string(contract), string(impl.ID))
	}
	if contract == "" {
		return target(failure.New(failure.InvalidArgument, "contract id is required"))
	}
	if impl.ID == "" {
		return target(failure.New(failure.InvalidArgument, "implementation id is required"))
	}
	if impl.Contract != "" && impl.Contract != contract {
		return target(failure.New(failure.InvalidArgument, "implementation declares contract %s", impl.Contract))
	}
	switch d := impl.Dispatch.(type) {
	case LocalDispatch:
		if d.Handler == nil {
			return target(failure.New(failure.InvalidArgument, "local dispatch has no handler"))
		}
	case RemoteDispatch:
		if d.Endpoint.Subject == "" {
			return target(failure.New(failure.InvalidArgument, "remote dispatch has no subject"))
		}
		if d.Endpoint.Timeout < 0 {
			return target(failure.New(failure.InvalidArgument, "remote dispatch timeout is negative"))
		}
	default:
		return target(failure.New(failure.InvalidArgument, "dispatch descriptor is required"))
	}
	return nil
}

func cloneShape(s Shape) Shape {
	s.Params = append([]Param(nil), s.Params...)
	return s
}
