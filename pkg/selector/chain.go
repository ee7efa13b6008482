package selector

import (
	"strings"

	"github.com/morezero/fitable-broker/pkg/registry"
)

type chain struct {
	stages []Selector
}

// Chain composes selectors left to right. An empty intermediate result
// short-circuits the remaining stages. A chain with no stages keeps the whole
// set.
func Chain(stages ...Selector) Selector {
	flat := make([]Selector, 0, len(stages))
	for _, s := range stages {
		if s == nil {
			continue
		}
		if inner, ok := s.(chain); ok {
			flat = append(flat, inner.stages...)
			continue
		}
		flat = append(flat, s)
	}
	return chain{stages: flat}
}

// All keeps every candidate.
func All() Selector {
	return Chain()
}

func (c chain) Apply(set registry.CandidateSet) registry.CandidateSet {
	out := append(registry.CandidateSet{}, set...)
	for _, stage := range c.stages {
		if len(out) == 0 {
			return out
		}
		out = stage.Apply(out)
	}
	return out
}

func (c chain) String() string {
	if len(c.stages) == 0 {
		return "all"
	}
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.String()
	}
	return strings.Join(names, " > ")
}
