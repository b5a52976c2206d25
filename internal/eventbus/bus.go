package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory lifecycle signal.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; a full subscriber drops events.
//   - Seq is assigned by the bus and is strictly increasing per bus.
type Event struct {
	Seq  uint64
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch    chan Event
	types map[string]struct{} // nil means every type
}

func (s *subscriber) wants(typ string) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[typ]
	return ok
}

type memBus struct {
	// pubMu serializes Publish so per-subscriber delivery order matches Seq.
	pubMu sync.Mutex
	mu    sync.RWMutex
	subs  map[uint64]*subscriber
	ids   atomic.Uint64
	seq   uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	b.seq++
	e.Seq = b.seq

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Subscribe registers a buffered subscriber. With no types it receives every event.
// Unsubscribe closes the channel and is safe to call more than once.
func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	id := b.ids.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			// Holding the write lock excludes in-flight sends, so close is safe.
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

// Nop is a Bus that discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
