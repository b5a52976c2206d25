package engine

// Pool is the set of identifiers seen by the scheduler.
//
// It only grows: finished and failed urls stay "seen" for the scheduler's
// lifetime so they cannot be re-admitted through AddFiltered.
// Not safe for concurrent use; the Service mutex guards it.
type Pool struct {
	seen map[string]struct{}
}

func NewPool() *Pool {
	return &Pool{seen: make(map[string]struct{})}
}

func (p *Pool) Add(id string) {
	p.seen[id] = struct{}{}
}

func (p *Pool) Has(id string) bool {
	_, ok := p.seen[id]
	return ok
}

func (p *Pool) Len() int { return len(p.seen) }

// FilterNew returns the ids not yet in the pool. Duplicates within ids are
// collapsed; the first occurrence wins and input order is kept.
func (p *Pool) FilterNew(ids []string) []string {
	out := make([]string, 0, len(ids))
	local := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := local[id]; dup {
			continue
		}
		local[id] = struct{}{}
		if p.Has(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}
