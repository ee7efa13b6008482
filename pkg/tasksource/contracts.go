// Package tasksource is the task-center side of the broker: contracts for
// externally sourced task instances, the source adapter variants, source to
// fitable bindings, and a client that routes calls to the bound fitable.
package tasksource

import (
	"context"
	"strings"
	"time"

	"github.com/morezero/fitable-broker/pkg/registry"
)

// Contracts for externally sourced task instances. Every contract takes
// (ownerDescription, instanceId?, payload) plus the call context.
const (
	ContractCreate   registry.ContractID = "CreateInstance"
	ContractPatch    registry.ContractID = "PatchInstance"
	ContractDelete   registry.ContractID = "DeleteInstance"
	ContractRetrieve registry.ContractID = "RetrieveInstance"
	ContractList     registry.ContractID = "ListInstances"
)

// AllContracts lists the task-source contracts in a fixed order.
var AllContracts = []registry.ContractID{ContractCreate, ContractPatch, ContractDelete, ContractRetrieve, ContractList}

var methods = map[registry.ContractID]string{
	ContractCreate:   "create",
	ContractPatch:    "patch",
	ContractDelete:   "delete",
	ContractRetrieve: "retrieve",
	ContractList:     "list",
}

// Shape returns the argument and return shape of a task-source contract.
func Shape(contract registry.ContractID) registry.Shape {
	return registry.Shape{
		Method: methods[contract],
		Params: []registry.Param{
			{Name: "ownerDescription", Kind: registry.KindString},
			{Name: "instanceId", Kind: registry.KindString, Optional: true},
			{Name: "payload", Kind: registry.KindMap, Optional: contract != ContractCreate && contract != ContractPatch},
		},
		Returns: registry.KindObject,
	}
}

// RegisterContracts declares every task-source contract on reg.
func RegisterContracts(ctx context.Context, reg *registry.Registry) error {
	for _, c := range AllContracts {
		if err := reg.Register(ctx, c, Shape(c)); err != nil {
			return err
		}
	}
	return nil
}

// FitableID returns the implementation id a fitable uses for contract. An
// implementation id belongs to exactly one contract, so a fitable serving
// all five contracts registers five ids sharing the fitable prefix.
func FitableID(fitable string, contract registry.ContractID) registry.ImplementationID {
	return registry.ImplementationID(fitable + ":" + string(contract))
}

// FitableOf strips the contract suffix from an implementation id.
func FitableOf(id registry.ImplementationID) string {
	s := string(id)
	if i := strings.LastIndex(s, ":"); i > 0 {
		return s[:i]
	}
	return s
}

// Instance is a task instance as held by a source.
type Instance struct {
	ID        string         `json:"id"`
	Owner     string         `json:"owner"`
	Source    string         `json:"source,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// RangedResult is one page of a list call.
type RangedResult struct {
	Results []Instance `json:"results"`
	Offset  int        `json:"offset"`
	Limit   int        `json:"limit"`
	Total   int        `json:"total"`
}

// Page selects a window of a list. Limit <= 0 means no limit.
type Page struct {
	Offset int
	Limit  int
}

// Payload keys understood by the list contract.
const (
	PayloadOffset = "offset"
	PayloadLimit  = "limit"
	PayloadFilter = "filter"
)

// Apply cuts the window p out of n items and returns the bounds.
func (p Page) Apply(n int) (start, end int) {
	start = p.Offset
	if start < 0 {
		start = 0
	}
	if start > n {
		start = n
	}
	end = n
	if p.Limit > 0 && p.Limit < n-start {
		end = start + p.Limit
	}
	return start, end
}
