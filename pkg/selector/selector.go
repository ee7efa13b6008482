// Package selector narrows a candidate set down to the implementations
// eligible for one call. Selectors are pure: the same input set always yields
// the same output set, in the same order.
package selector

import (
	"sort"
	"strings"

	"github.com/morezero/fitable-broker/pkg/registry"
	"github.com/morezero/fitable-broker/pkg/semver"
)

// Selector reduces a candidate set. Implementations must not mutate the input
// and must be deterministic for a fixed input.
type Selector interface {
	Apply(set registry.CandidateSet) registry.CandidateSet
	String() string
}

// Func adapts a plain function into a Selector.
type Func struct {
	Name string
	Fn   func(registry.CandidateSet) registry.CandidateSet
}

func (f Func) Apply(set registry.CandidateSet) registry.CandidateSet {
	return f.Fn(set)
}

func (f Func) String() string {
	if f.Name == "" {
		return "func"
	}
	return f.Name
}

// filter keeps the members for which keep returns true, preserving order.
func filter(set registry.CandidateSet, keep func(registry.Implementation) bool) registry.CandidateSet {
	out := make(registry.CandidateSet, 0, len(set))
	for _, impl := range set {
		if keep(impl) {
			out = append(out, impl)
		}
	}
	return out
}

type explicitIDs struct {
	ids map[registry.ImplementationID]struct{}
}

// ExplicitIDs keeps only implementations whose id is in the allow-list. Used
// to pin a call to an implementation the caller already knows.
func ExplicitIDs(ids ...registry.ImplementationID) Selector {
	allowed := make(map[registry.ImplementationID]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}
	return explicitIDs{ids: allowed}
}

func (s explicitIDs) Apply(set registry.CandidateSet) registry.CandidateSet {
	return filter(set, func(impl registry.Implementation) bool {
		_, ok := s.ids[impl.ID]
		return ok
	})
}

func (s explicitIDs) String() string {
	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	return "ids(" + strings.Join(ids, ",") + ")"
}

type capability struct {
	tag string
}

// Capability keeps implementations that declare tag.
func Capability(tag string) Selector {
	return capability{tag: tag}
}

func (s capability) Apply(set registry.CandidateSet) registry.CandidateSet {
	return filter(set, func(impl registry.Implementation) bool {
		return impl.HasCapability(s.tag)
	})
}

func (s capability) String() string {
	return "capability(" + s.tag + ")"
}

type firstAvailable struct{}

// FirstAvailable keeps only the lexicographically smallest implementation id.
func FirstAvailable() Selector {
	return firstAvailable{}
}

func (firstAvailable) Apply(set registry.CandidateSet) registry.CandidateSet {
	if len(set) == 0 {
		return registry.CandidateSet{}
	}
	best := set[0]
	for _, impl := range set[1:] {
		if impl.ID < best.ID {
			best = impl
		}
	}
	return registry.CandidateSet{best}
}

func (firstAvailable) String() string {
	return "first-available"
}

type version struct {
	rangeStr string
}

// Version keeps implementations whose declared version satisfies rangeStr
// (major-only "2", exact "2.1.0", or a constraint such as "^2.1.0"). An empty
// range keeps everything.
func Version(rangeStr string) Selector {
	return version{rangeStr: rangeStr}
}

func (s version) Apply(set registry.CandidateSet) registry.CandidateSet {
	return filter(set, func(impl registry.Implementation) bool {
		return semver.SatisfiesRange(impl.Version, s.rangeStr)
	})
}

func (s version) String() string {
	return "version(" + s.rangeStr + ")"
}

type latest struct{}

// Latest keeps the implementation with the highest version. Stable releases
// win over prereleases; ties go to the smallest id. Unversioned
// implementations are dropped unless nothing is versioned.
func Latest() Selector {
	return latest{}
}

func (latest) Apply(set registry.CandidateSet) registry.CandidateSet {
	if len(set) == 0 {
		return registry.CandidateSet{}
	}
	sorted := make(registry.CandidateSet, len(set))
	copy(sorted, set)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	versions := make([]string, len(sorted))
	for i, impl := range sorted {
		versions[i] = impl.Version
	}
	idx := semver.HighestIndex(versions)
	if idx < 0 {
		return FirstAvailable().Apply(sorted)
	}
	return registry.CandidateSet{sorted[idx]}
}

func (latest) String() string {
	return "latest"
}

type transport struct {
	name string
}

// Transport keeps implementations reached over the named transport
// (registry.TransportLocal or registry.TransportRemote).
func Transport(name string) Selector {
	return transport{name: name}
}

func (s transport) Apply(set registry.CandidateSet) registry.CandidateSet {
	return filter(set, func(impl registry.Implementation) bool {
		return impl.Dispatch != nil && impl.Dispatch.Transport() == s.name
	})
}

func (s transport) String() string {
	return "transport(" + s.name + ")"
}

type preferLocal struct{}

// PreferLocal keeps the local implementations when there are any, and the
// whole set otherwise.
func PreferLocal() Selector {
	return preferLocal{}
}

func (preferLocal) Apply(set registry.CandidateSet) registry.CandidateSet {
	local := Transport(registry.TransportLocal).Apply(set)
	if len(local) > 0 {
		return local
	}
	return append(registry.CandidateSet{}, set...)
}

func (preferLocal) String() string {
	return "prefer-local"
}
