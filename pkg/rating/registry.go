package rating

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
)

// Registry manages flow raters by flow kind.
type Registry struct {
	mu     sync.RWMutex
	raters map[model.Flow]FlowRater
}

// NewRegistry creates an empty rater registry.
func NewRegistry() *Registry {
	return &Registry{
		raters: make(map[model.Flow]FlowRater),
	}
}

// DefaultRegistry returns a registry with the payg, commitment and
// infrastructure raters.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, fr := range []FlowRater{PAYG{}, Commitment{}, Infrastructure{}} {
		// Cannot collide on an empty registry.
		_ = r.Register(fr)
	}
	return r
}

// Register adds a flow rater to the registry.
func (r *Registry) Register(fr FlowRater) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	flow := fr.Flow()
	if !flow.Valid() {
		return fmt.Errorf("rater for unknown flow %q", flow)
	}
	if _, exists := r.raters[flow]; exists {
		return fmt.Errorf("rater for flow %q already registered", flow)
	}
	r.raters[flow] = fr
	return nil
}

// Get returns the rater for a flow kind.
func (r *Registry) Get(flow model.Flow) (FlowRater, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fr, ok := r.raters[flow]
	if !ok {
		return nil, fmt.Errorf("no rater registered for flow %q", flow)
	}
	return fr, nil
}

// Flows returns all registered flow kinds, sorted.
func (r *Registry) Flows() []model.Flow {
	r.mu.RLock()
	defer r.mu.RUnlock()

	flows := make([]model.Flow, 0, len(r.raters))
	for f := range r.raters {
		flows = append(flows, f)
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i] < flows[j] })
	return flows
}
