package engine

import (
	"fmt"
	"sort"
	"strings"
)

type planRegistry struct {
	plans map[string]*Plan
}

func newPlanRegistry() *planRegistry {
	return &planRegistry{plans: make(map[string]*Plan)}
}

func (r *planRegistry) register(p Plan) (*Plan, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, validationf("plan name is required")
	}
	if p.Process == nil {
		return nil, validationf("plan %q: Process is nil", name)
	}
	if p.Retries < 0 {
		return nil, validationf("plan %q: retries must be >= 0", name)
	}
	if p.Timeout < 0 {
		return nil, validationf("plan %q: timeout must be >= 0", name)
	}
	if _, ok := r.plans[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePlan, name)
	}
	p.Name = name
	stored := p
	r.plans[name] = &stored
	return &stored, nil
}

func (r *planRegistry) get(name string) (*Plan, error) {
	p, ok := r.plans[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, name)
	}
	return p, nil
}

func (r *planRegistry) names() []string {
	out := make([]string, 0, len(r.plans))
	for n := range r.plans {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
