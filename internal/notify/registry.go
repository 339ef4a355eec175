package notify

import (
	"sync"

	"github.com/atmx/perp-engine/internal/exchange"
)

// Registry maps callback target names carried by requests to targets.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]exchange.CallbackTarget
}

func NewRegistry() *Registry {
	return &Registry{targets: make(map[string]exchange.CallbackTarget)}
}

// Register binds name to t, replacing any previous binding.
func (r *Registry) Register(name string, t exchange.CallbackTarget) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[name] = t
}

func (r *Registry) Lookup(name string) (exchange.CallbackTarget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[name]
	return t, ok
}
