package selector

import (
	"reflect"
	"testing"

	"github.com/morezero/fitable-broker/pkg/registry"
)

func TestChain_LeftToRight(t *testing.T) {
	tests := []struct {
		name string
		sel  Selector
		want []registry.ImplementationID
	}{
		{"capability then first", Chain(Capability("schedule"), FirstAvailable()), []registry.ImplementationID{"A"}},
		{"explicit then first", Chain(ExplicitIDs("C", "B"), FirstAvailable()), []registry.ImplementationID{"B"}},
		{"version then latest", Chain(Version("1"), Latest()), []registry.ImplementationID{"B"}},
		{"remote then capability", Chain(Transport(registry.TransportRemote), Capability("schedule")), []registry.ImplementationID{"B"}},
		{"nested chain flattened", Chain(Chain(Capability("schedule")), Chain(ExplicitIDs("B"))), []registry.ImplementationID{"B"}},
		{"nil stages skipped", Chain(nil, ExplicitIDs("A"), nil), []registry.ImplementationID{"A"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.sel.Apply(sampleSet()).IDs()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("selector:chain_test - %s = %v, want %v", tt.sel, got, tt.want)
			}
		})
	}
}

func TestChain_ShortCircuitsOnEmpty(t *testing.T) {
	calls := 0
	counting := Func{Name: "counting", Fn: func(set registry.CandidateSet) registry.CandidateSet {
		calls++
		return set
	}}

	got := Chain(ExplicitIDs("Z"), counting).Apply(sampleSet())
	if len(got) != 0 {
		t.Errorf("selector:chain_test - expected empty result, got %v", got.IDs())
	}
	if calls != 0 {
		t.Errorf("selector:chain_test - stage after empty result ran %d times", calls)
	}

	Chain(counting).Apply(registry.CandidateSet{})
	if calls != 0 {
		t.Errorf("selector:chain_test - stage ran on empty input")
	}
}

func TestChain_String(t *testing.T) {
	if s := Chain(Capability("push"), FirstAvailable()).String(); s != "capability(push) > first-available" {
		t.Errorf("selector:chain_test - String() = %q", s)
	}
	if s := All().String(); s != "all" {
		t.Errorf("selector:chain_test - All().String() = %q", s)
	}
	if s := ExplicitIDs("b", "a").String(); s != "ids(a,b)" {
		t.Errorf("selector:chain_test - ExplicitIDs String() = %q", s)
	}
}

func TestChain_RegistrationOrderIrrelevant(t *testing.T) {
	forward := registry.CandidateSet{local("A", ""), local("B", ""), local("C", "")}
	backward := registry.CandidateSet{local("C", ""), local("B", ""), local("A", "")}
	sel := Chain(ExplicitIDs("B"), FirstAvailable())

	if a, b := sel.Apply(forward).IDs(), sel.Apply(backward).IDs(); !reflect.DeepEqual(a, b) || a[0] != "B" {
		t.Errorf("selector:chain_test - forward %v, backward %v", a, b)
	}
}
