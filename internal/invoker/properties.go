package invoker

import (
	"sync"

	"github.com/gantry-systems/gantry/internal/retry"
)

// Properties is the invocation-scoped property bag shared across the
// harness layers. A fully isolated device reset wipes it so nothing
// observed before the reset leaks into the retried attempt.
type Properties struct {
	mu     sync.Mutex
	values map[string]string
}

// NewProperties creates an empty property bag.
func NewProperties() *Properties {
	return &Properties{values: make(map[string]string)}
}

// Set stores a property, replacing any previous value.
func (p *Properties) Set(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
}

// Get returns a property, empty when unset.
func (p *Properties) Get(key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[key]
}

// All returns a copy of the current properties.
func (p *Properties) All() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// Clear drops every property.
func (p *Properties) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = make(map[string]string)
}

var _ retry.PropertyStore = (*Properties)(nil)
