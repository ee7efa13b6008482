// Package events defines the change events a broker node announces when its
// locally hosted implementations come and go, and the publishers that send them.
package events

// Change actions. A sync event asks every other node to re-announce its
// local implementations; it names no contract or implementation.
const (
	ActionRegistered   = "registered"
	ActionUnregistered = "unregistered"
	ActionSync         = "sync"
)

// RegistryChangedEvent is emitted when a local implementation is registered
// or unregistered. Other nodes use it to add or drop a remote candidate.
type RegistryChangedEvent struct {
	Action         string   `json:"action"`
	Contract       string   `json:"contract"`
	Implementation string   `json:"implementation"`
	Subject        string   `json:"subject,omitempty"`
	NatsURL        string   `json:"natsUrl,omitempty"`
	TimeoutMs      int64    `json:"timeoutMs,omitempty"`
	Capabilities   []string `json:"capabilities"`
	Version        string   `json:"version,omitempty"`
	Origin         string   `json:"origin"`
	Revision       int      `json:"revision"`
	Timestamp      string   `json:"timestamp"`
}
