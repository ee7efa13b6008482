// Package bootstrap loads the deployment manifest: the contracts a node
// declares and the remote implementations it knows about before discovery.
package bootstrap

import "github.com/morezero/fitable-broker/pkg/registry"

// ManifestContract declares one contract and its shape.
type ManifestContract struct {
	Method      string           `json:"method" yaml:"method"`
	Params      []registry.Param `json:"params" yaml:"params"`
	Returns     registry.Kind    `json:"returns" yaml:"returns"`
	Version     string           `json:"version,omitempty" yaml:"version,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
}

// Shape returns the registry shape of the contract.
func (c ManifestContract) Shape() registry.Shape {
	return registry.Shape{
		Method:  c.Method,
		Params:  append([]registry.Param(nil), c.Params...),
		Returns: c.Returns,
	}
}

// ManifestImplementation declares a remote implementation reachable over COMMS.
type ManifestImplementation struct {
	ID           string   `json:"id" yaml:"id"`
	Contract     string   `json:"contract" yaml:"contract"`
	Subject      string   `json:"subject" yaml:"subject"`
	NatsURL      string   `json:"natsUrl,omitempty" yaml:"natsUrl,omitempty"`
	Timeout      string   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Version      string   `json:"version,omitempty" yaml:"version,omitempty"`
}

// Manifest is the root of a deployment manifest file.
type Manifest struct {
	Name            string                      `json:"name" yaml:"name"`
	Version         string                      `json:"version" yaml:"version"`
	Description     string                      `json:"description,omitempty" yaml:"description,omitempty"`
	Contracts       map[string]ManifestContract `json:"contracts" yaml:"contracts"`
	Implementations []ManifestImplementation    `json:"implementations,omitempty" yaml:"implementations,omitempty"`
}

// ApplyResult reports what Apply changed.
type ApplyResult struct {
	Contracts       int
	Implementations int
}
