package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Row is one projected record handed to a sink. Columns is the pipe's frozen
// layout and is shared between rows; sinks must not modify it.
type Row struct {
	Columns []string
	Values  []any
}

// Map returns the row as a column->value map.
func (r Row) Map() map[string]any {
	m := make(map[string]any, len(r.Columns))
	for i, c := range r.Columns {
		if i < len(r.Values) {
			m[c] = r.Values[i]
		}
	}
	return m
}

// Sink is the output side of a pipe.
//
// Write calls for one pipe are serialized. Close is called exactly once when
// the scheduler ends, after the last in-flight task has finished.
type Sink interface {
	Write(Row) error
	Close() error
}

// SinkFuncs adapts plain functions to Sink. Nil funcs are no-ops.
type SinkFuncs struct {
	WriteFunc func(Row) error
	CloseFunc func() error
}

func (f SinkFuncs) Write(r Row) error {
	if f.WriteFunc == nil {
		return nil
	}
	return f.WriteFunc(r)
}

func (f SinkFuncs) Close() error {
	if f.CloseFunc == nil {
		return nil
	}
	return f.CloseFunc()
}

// TransformFunc maps a field value before it is written.
type TransformFunc func(v any) any

// Projection selects and orders the fields a pipe writes.
type Projection struct {
	columns    []string
	transforms map[string]TransformFunc
}

// Fields selects the named fields positionally. A missing field is written as nil.
func Fields(names ...string) *Projection {
	return &Projection{columns: append([]string(nil), names...)}
}

// Transforms writes one column per key, in sorted key order, passing each
// present value through its transform. A missing field is written as nil
// and its transform is not called. A nil transform writes the value as is.
func Transforms(m map[string]TransformFunc) *Projection {
	cols := make([]string, 0, len(m))
	tr := make(map[string]TransformFunc, len(m))
	for k, fn := range m {
		cols = append(cols, k)
		tr[k] = fn
	}
	sort.Strings(cols)
	return &Projection{columns: cols, transforms: tr}
}

// Columns returns a copy of the projected column names.
func (p *Projection) Columns() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.columns...)
}

func (p *Projection) validate() error {
	if len(p.columns) == 0 {
		return validationf("projection has no fields")
	}
	seen := make(map[string]struct{}, len(p.columns))
	for _, c := range p.columns {
		if strings.TrimSpace(c) == "" {
			return validationf("projection has an empty field name")
		}
		if _, dup := seen[c]; dup {
			return validationf("projection field %q listed twice", c)
		}
		seen[c] = struct{}{}
	}
	return nil
}

func (p *Projection) project(data map[string]any) []any {
	vals := make([]any, len(p.columns))
	for i, c := range p.columns {
		v, ok := data[c]
		if !ok {
			continue
		}
		if fn := p.transforms[c]; fn != nil {
			v = fn(v)
		}
		vals[i] = v
	}
	return vals
}

// layoutOf builds the projection taken from the first write: every key, sorted.
func layoutOf(data map[string]any) *Projection {
	cols := make([]string, 0, len(data))
	for k := range data {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return &Projection{columns: cols}
}

// Pipe is a named output sink. Columns may be nil; the layout is then fixed
// by the first Save and never changes afterwards.
type Pipe struct {
	Name    string
	Columns *Projection
	Sink    Sink
}

type pipeEntry struct {
	name string

	mu     sync.Mutex
	proj   *Projection
	sink   Sink
	closed bool
}

// write projects data and forwards it. It fails with ErrSchedulerEnded once
// the pipe has been closed.
func (e *pipeEntry) write(data map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("pipe %q: %w", e.name, ErrSchedulerEnded)
	}
	if e.proj == nil {
		e.proj = layoutOf(data)
	}
	row := Row{Columns: e.proj.columns, Values: e.proj.project(data)}
	if err := e.sink.Write(row); err != nil {
		return fmt.Errorf("pipe %q: write: %w", e.name, err)
	}
	return nil
}

// close calls the sink's Close at most once.
func (e *pipeEntry) close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if err := e.sink.Close(); err != nil {
		return fmt.Errorf("pipe %q: close: %w", e.name, err)
	}
	return nil
}

type pipeRegistry struct {
	pipes map[string]*pipeEntry
	order []string
}

func newPipeRegistry() *pipeRegistry {
	return &pipeRegistry{pipes: make(map[string]*pipeEntry)}
}

func (r *pipeRegistry) register(p Pipe) error {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return validationf("pipe name is required")
	}
	if p.Sink == nil {
		return validationf("pipe %q: Sink is nil", name)
	}
	var proj *Projection
	if p.Columns != nil {
		if err := p.Columns.validate(); err != nil {
			return fmt.Errorf("pipe %q: %w", name, err)
		}
		proj = &Projection{columns: p.Columns.Columns(), transforms: p.Columns.transforms}
	}
	if _, ok := r.pipes[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePipe, name)
	}
	r.pipes[name] = &pipeEntry{name: name, proj: proj, sink: p.Sink}
	r.order = append(r.order, name)
	return nil
}

func (r *pipeRegistry) get(name string) (*pipeEntry, error) {
	e, ok := r.pipes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipe, name)
	}
	return e, nil
}

// entries returns pipes in registration order.
func (r *pipeRegistry) entries() []*pipeEntry {
	out := make([]*pipeEntry, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.pipes[n])
	}
	return out
}

func (r *pipeRegistry) names() []string {
	return append([]string(nil), r.order...)
}
