// Package memsource is an in-memory task source fitable. It serves every
// task-source contract from a map and is used for local development, tests
// and as a reference for real sources.
package memsource

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/fitable-broker/pkg/callctx"
	"github.com/morezero/fitable-broker/pkg/failure"
	"github.com/morezero/fitable-broker/pkg/registry"
	"github.com/morezero/fitable-broker/pkg/tasksource"
)

const logPrefix = "memsource:memsource"

// Business error codes.
const (
	CodeNotFound = "INSTANCE_NOT_FOUND"
	CodeExists   = "INSTANCE_EXISTS"
	CodeBadInput = "BAD_INPUT"
)

// DefaultVersion is declared by every implementation of the source.
const DefaultVersion = "1.0.0"

// Source is an in-memory fitable.
type Source struct {
	fitable      string
	capabilities []string
	now          func() time.Time

	mu        sync.RWMutex
	instances map[string]tasksource.Instance
}

// New creates a Source named fitable. With no kinds it declares every
// source kind.
func New(fitable string, kinds ...tasksource.SourceKind) *Source {
	if len(kinds) == 0 {
		kinds = []tasksource.SourceKind{tasksource.KindSchedule, tasksource.KindRefreshInTime, tasksource.KindThirdPartyPush}
	}
	caps := make([]string, len(kinds))
	for i, k := range kinds {
		caps[i] = tasksource.Capability(k)
	}
	return &Source{
		fitable:      fitable,
		capabilities: caps,
		now:          func() time.Time { return time.Now().UTC() },
		instances:    make(map[string]tasksource.Instance),
	}
}

// Fitable returns the fitable name.
func (s *Source) Fitable() string { return s.fitable }

// Len reports how many instances are stored.
func (s *Source) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// Implementations returns one local implementation per task-source contract.
func (s *Source) Implementations() map[registry.ContractID]registry.Implementation {
	handlers := map[registry.ContractID]registry.Handler{
		tasksource.ContractCreate:   s.create,
		tasksource.ContractPatch:    s.patch,
		tasksource.ContractDelete:   s.delete,
		tasksource.ContractRetrieve: s.retrieve,
		tasksource.ContractList:     s.list,
	}
	out := make(map[registry.ContractID]registry.Implementation, len(handlers))
	for contract, h := range handlers {
		out[contract] = registry.Implementation{
			ID:           tasksource.FitableID(s.fitable, contract),
			Capabilities: append([]string(nil), s.capabilities...),
			Version:      DefaultVersion,
			Dispatch:     registry.LocalDispatch{Handler: h},
		}
	}
	return out
}

// Register adds the source's implementations to reg.
func (s *Source) Register(ctx context.Context, reg *registry.Registry) error {
	impls := s.Implementations()
	for _, contract := range tasksource.AllContracts {
		if err := reg.RegisterImplementation(ctx, contract, impls[contract]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Source) create(_ context.Context, args []any, cc callctx.CallContext) (any, error) {
	owner, id, payload := unpack(args)
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[id]; exists {
		return nil, failure.NewBusinessError(CodeExists, fmt.Sprintf("instance %s already exists", id))
	}
	now := s.now()
	inst := tasksource.Instance{
		ID:        id,
		Owner:     owner,
		Source:    s.fitable,
		Payload:   copyMap(payload),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.instances[id] = inst
	slog.Debug(fmt.Sprintf("%s - %s created %s for %s (operator %s)", logPrefix, s.fitable, id, owner, cc.Operator()))
	return inst, nil
}

// patch merges payload into the stored payload. A nil value removes the key.
func (s *Source) patch(_ context.Context, args []any, _ callctx.CallContext) (any, error) {
	_, id, payload := unpack(args)

	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	merged := copyMap(inst.Payload)
	for k, v := range payload {
		if k == "source" {
			continue
		}
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	inst.Payload = merged
	inst.UpdatedAt = s.now()
	s.instances[id] = inst
	return inst, nil
}

func (s *Source) delete(_ context.Context, args []any, _ callctx.CallContext) (any, error) {
	_, id, _ := unpack(args)

	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	delete(s.instances, id)
	return inst, nil
}

func (s *Source) retrieve(_ context.Context, args []any, _ callctx.CallContext) (any, error) {
	_, id, _ := unpack(args)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(id)
}

// list returns instances of owner (all owners when empty) ordered by
// creation time and id. The payload may carry offset, limit and a filter map
// matched against payload values.
func (s *Source) list(_ context.Context, args []any, _ callctx.CallContext) (any, error) {
	owner, _, payload := unpack(args)
	page := tasksource.Page{}
	var ok bool
	if page.Offset, ok = intArg(payload[tasksource.PayloadOffset]); !ok {
		return nil, failure.NewBusinessError(CodeBadInput, "offset must be an integer")
	}
	if page.Limit, ok = intArg(payload[tasksource.PayloadLimit]); !ok {
		return nil, failure.NewBusinessError(CodeBadInput, "limit must be an integer")
	}
	filter, _ := payload[tasksource.PayloadFilter].(map[string]any)

	s.mu.RLock()
	matched := make([]tasksource.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		if owner != "" && inst.Owner != owner {
			continue
		}
		if !matches(inst.Payload, filter) {
			continue
		}
		matched = append(matched, inst)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	start, end := page.Apply(len(matched))
	return tasksource.RangedResult{
		Results: matched[start:end],
		Offset:  page.Offset,
		Limit:   page.Limit,
		Total:   len(matched),
	}, nil
}

// lookup must be called with the lock held.
func (s *Source) lookup(id string) (tasksource.Instance, error) {
	if id == "" {
		return tasksource.Instance{}, failure.NewBusinessError(CodeBadInput, "instanceId is required")
	}
	inst, ok := s.instances[id]
	if !ok {
		return tasksource.Instance{}, failure.NewBusinessError(CodeNotFound, fmt.Sprintf("instance %s not found", id))
	}
	return inst, nil
}

// unpack reads (ownerDescription, instanceId?, payload?). Arguments have
// already been checked against the contract shape.
func unpack(args []any) (owner, id string, payload map[string]any) {
	if len(args) > 0 {
		owner, _ = args[0].(string)
	}
	if len(args) > 1 {
		id, _ = args[1].(string)
	}
	if len(args) > 2 {
		payload, _ = args[2].(map[string]any)
	}
	return owner, id, payload
}

func intArg(v any) (int, bool) {
	switch n := v.(type) {
	case nil:
		return 0, true
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == math.Trunc(n) && math.Abs(n) <= 1<<53 {
			return int(n), true
		}
	}
	return 0, false
}

func matches(payload, filter map[string]any) bool {
	for k, want := range filter {
		if got, ok := payload[k]; !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
