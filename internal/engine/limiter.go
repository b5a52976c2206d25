package engine

import "strings"

// GlobalClass is the class name used when one limit covers every plan.
const GlobalClass = "global"

// Limiter tracks in-flight counts per concurrency class.
//
// Acquire is done by the dispatcher in the same critical section that
// pops the task, so a slot can never be taken twice. Not safe for
// concurrent use; the Service mutex guards it.
type Limiter struct {
	perPlan  bool
	limits   map[string]int
	inFlight map[string]int
}

// NewLimiter validates cfg and builds a limiter. Exactly one of Global and
// PerPlan may be set.
func NewLimiter(cfg LimitConfig) (*Limiter, error) {
	if cfg.Global > 0 && len(cfg.PerPlan) > 0 {
		return nil, validationf("limits: set either a global limit or per-plan limits, not both")
	}
	if cfg.Global < 0 {
		return nil, validationf("limits: global limit must be > 0")
	}
	l := &Limiter{limits: map[string]int{}, inFlight: map[string]int{}}
	if len(cfg.PerPlan) == 0 {
		if cfg.Global == 0 {
			return nil, validationf("limits: global limit must be > 0")
		}
		l.limits[GlobalClass] = cfg.Global
		return l, nil
	}
	l.perPlan = true
	for name, n := range cfg.PerPlan {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, validationf("limits: empty plan name")
		}
		if n <= 0 {
			return nil, validationf("limits: plan %q limit must be > 0", name)
		}
		l.limits[name] = n
	}
	return l, nil
}

// PerPlan reports whether each plan is its own class.
func (l *Limiter) PerPlan() bool { return l.perPlan }

// ClassOf maps a plan to its concurrency class.
func (l *Limiter) ClassOf(plan string) string {
	if l.perPlan {
		return plan
	}
	return GlobalClass
}

// Declared reports whether class has a configured limit.
func (l *Limiter) Declared(class string) bool {
	_, ok := l.limits[class]
	return ok
}

func (l *Limiter) Limit(class string) int { return l.limits[class] }

func (l *Limiter) InFlight(class string) int { return l.inFlight[class] }

// Total is the in-flight count over every class.
func (l *Limiter) Total() int {
	n := 0
	for _, v := range l.inFlight {
		n += v
	}
	return n
}

// IsSaturated reports whether class has no free slot. An undeclared class is
// always saturated.
func (l *Limiter) IsSaturated(class string) bool {
	lim, ok := l.limits[class]
	if !ok {
		return true
	}
	return l.inFlight[class] >= lim
}

// AllSaturated reports whether no class has a free slot.
func (l *Limiter) AllSaturated() bool {
	for c := range l.limits {
		if !l.IsSaturated(c) {
			return false
		}
	}
	return true
}

// Acquire takes one slot of class, or reports false when it is saturated.
func (l *Limiter) Acquire(class string) bool {
	if l.IsSaturated(class) {
		return false
	}
	l.inFlight[class]++
	return true
}

// Release frees one slot of class. Releasing an idle class is a no-op.
func (l *Limiter) Release(class string) {
	if l.inFlight[class] > 0 {
		l.inFlight[class]--
	}
}

func (l *Limiter) snapshot() map[string]ClassSnapshot {
	out := make(map[string]ClassSnapshot, len(l.limits))
	for c, lim := range l.limits {
		out[c] = ClassSnapshot{InFlight: l.inFlight[c], Limit: lim}
	}
	return out
}

