package provider

import (
	"fmt"
	"slices"
	"sync"

	"github.com/jguan/agent-domain/pkg/agent"
)

// Registry holds the registered ports in priority order. Lower priority
// values are tried first; equal priorities keep registration order.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	seq     int
}

type entry struct {
	port     ChatPort
	priority int
	seq      int
	// healthErr is the last health check failure; nil when healthy or
	// never checked.
	healthErr error
	checked   bool
}

func NewRegistry() *Registry { return &Registry{} }

// Register adds port at priority. Names must be unique.
func (r *Registry) Register(port ChatPort, priority int) error {
	if port == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.port.Name() == port.Name() {
			return fmt.Errorf("provider %q already registered", port.Name())
		}
	}
	r.seq++
	r.entries = append(r.entries, entry{port: port, priority: priority, seq: r.seq})
	slices.SortStableFunc(r.entries, func(a, b entry) int {
		if a.priority != b.priority {
			return a.priority - b.priority
		}
		return a.seq - b.seq
	})
	return nil
}

// Unregister removes the named port and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := len(r.entries)
	r.entries = slices.DeleteFunc(r.entries, func(e entry) bool { return e.port.Name() == name })
	return len(r.entries) != before
}

func (r *Registry) Get(name string) (ChatPort, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.port.Name() == name {
			return e.port, true
		}
	}
	return nil, false
}

// Providers returns the ports in priority order.
func (r *Registry) Providers() []ChatPort {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ChatPort, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.port)
	}
	return out
}

// SetHealth records the result of a health check of the named port and
// returns its state before this check. seen is false on the first check.
// Unknown names are ignored.
func (r *Registry) SetHealth(name string, err error) (wasHealthy, seen bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		e := &r.entries[i]
		if e.port.Name() != name {
			continue
		}
		wasHealthy, seen = e.healthErr == nil, e.checked
		e.healthErr, e.checked = err, true
		return wasHealthy, seen
	}
	return false, false
}

// Healthy reports whether the named port passed its last health check.
// A port that was never checked counts as healthy.
func (r *Registry) Healthy(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.port.Name() == name {
			return e.healthErr == nil
		}
	}
	return false
}

// Route selects the first port, in priority order, whose capabilities
// satisfy the intent. A model configuration is specific to its provider, so
// when the intent names a provider kind only ports of that kind are
// considered, followed by mock ports, which accept any configuration.
// Ports that failed their last health check are tried after the healthy
// ones. There is no fallback: if none satisfies, a NoCapableProviderError
// is returned.
func (r *Registry) Route(intent Intent) (ChatPort, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	req := intent.Requirements()

	r.mu.RLock()
	var exact, mock []entry
	for _, e := range r.entries {
		switch kind := e.port.Kind(); {
		case intent.ProviderKind == "" || kind == intent.ProviderKind:
			exact = append(exact, e)
		case kind == agent.ProviderMock:
			mock = append(mock, e)
		}
	}
	r.mu.RUnlock()

	candidates := append(exact, mock...)
	ordered := make([]ChatPort, 0, len(candidates))
	for _, e := range candidates {
		if e.healthErr == nil {
			ordered = append(ordered, e.port)
		}
	}
	for _, e := range candidates {
		if e.healthErr != nil {
			ordered = append(ordered, e.port)
		}
	}

	considered := make([]string, 0, len(ordered))
	for _, p := range ordered {
		if p.Capabilities().Satisfies(req) {
			return p, nil
		}
		considered = append(considered, p.Name())
	}
	return nil, &NoCapableProviderError{Required: req, Considered: considered}
}
