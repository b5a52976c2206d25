package engine

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	rows   []Row
	closed int
}

func (m *memSink) Write(r Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, r)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func TestSaveFreezesLayoutFromFirstWrite(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	sink := &memSink{}
	require.NoError(t, s.RegisterPipe(Pipe{Name: "out", Sink: sink}))

	require.NoError(t, s.Save("out", map[string]any{"a": 1, "b": 2}))
	require.NoError(t, s.Save("out", map[string]any{"a": 3, "c": 4}))

	require.Len(t, sink.rows, 2)
	for _, r := range sink.rows {
		assert.Equal(t, []string{"a", "b"}, r.Columns)
	}
	assert.Equal(t, []any{1, 2}, sink.rows[0].Values)
	assert.Equal(t, []any{3, nil}, sink.rows[1].Values)
	assert.Equal(t, map[string]any{"a": 3, "b": nil}, sink.rows[1].Map())
}

func TestSaveWithFields(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	sink := &memSink{}
	require.NoError(t, s.RegisterPipe(Pipe{Name: "out", Columns: Fields("title", "url"), Sink: sink}))

	require.NoError(t, s.Save("out", map[string]any{"url": "http://a", "extra": true}))
	require.Len(t, sink.rows, 1)
	assert.Equal(t, []string{"title", "url"}, sink.rows[0].Columns)
	assert.Equal(t, []any{nil, "http://a"}, sink.rows[0].Values)
}

func TestSaveWithTransforms(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	sink := &memSink{}
	var calls int
	double := func(v any) any {
		calls++
		return v.(int) * 2
	}
	require.NoError(t, s.RegisterPipe(Pipe{
		Name:    "out",
		Columns: Transforms(map[string]TransformFunc{"n": double, "label": nil}),
		Sink:    sink,
	}))

	require.NoError(t, s.Save("out", map[string]any{"n": 21, "label": "x"}))
	require.NoError(t, s.Save("out", map[string]any{"label": "y"}))

	require.Len(t, sink.rows, 2)
	assert.Equal(t, []string{"label", "n"}, sink.rows[0].Columns)
	assert.Equal(t, []any{"x", 42}, sink.rows[0].Values)
	assert.Equal(t, []any{"y", nil}, sink.rows[1].Values)
	assert.Equal(t, 1, calls, "transform is skipped for missing fields")
}

func TestPipeRegistryErrors(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	require.NoError(t, s.RegisterPipe(Pipe{Name: "out", Sink: &memSink{}}))

	assert.ErrorIs(t, s.RegisterPipe(Pipe{Name: "out", Sink: &memSink{}}), ErrDuplicatePipe)
	assert.ErrorIs(t, s.RegisterPipe(Pipe{Name: "nosink"}), ErrValidation)
	assert.ErrorIs(t, s.RegisterPipe(Pipe{Name: "dup", Columns: Fields("a", "a"), Sink: &memSink{}}), ErrValidation)
	assert.ErrorIs(t, s.RegisterPipe(Pipe{Name: "empty", Columns: Fields(), Sink: &memSink{}}), ErrValidation)
	assert.ErrorIs(t, s.Save("missing", map[string]any{"a": 1}), ErrUnknownPipe)
	assert.ErrorIs(t, s.Save("out", nil), ErrValidation)
}

func TestSinkWriteErrorIsWrapped(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	boom := errors.New("disk full")
	require.NoError(t, s.RegisterPipe(Pipe{Name: "out", Sink: SinkFuncs{WriteFunc: func(Row) error { return boom }}}))

	err := s.Save("out", map[string]any{"a": 1})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), `pipe "out"`)
}
