package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLimiterModes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		cfg     LimitConfig
		wantErr bool
	}{
		{name: "global", cfg: LimitConfig{Global: 2}},
		{name: "per plan", cfg: LimitConfig{PerPlan: map[string]int{"a": 1, "b": 3}}},
		{name: "both", cfg: LimitConfig{Global: 2, PerPlan: map[string]int{"a": 1}}, wantErr: true},
		{name: "none", cfg: LimitConfig{}, wantErr: true},
		{name: "zero plan limit", cfg: LimitConfig{PerPlan: map[string]int{"a": 0}}, wantErr: true},
		{name: "negative global", cfg: LimitConfig{Global: -1}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewLimiter(tc.cfg)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrValidation))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLimiterAcquireRelease(t *testing.T) {
	t.Parallel()
	l, err := NewLimiter(LimitConfig{PerPlan: map[string]int{"a": 1, "b": 2}})
	require.NoError(t, err)

	assert.Equal(t, "a", l.ClassOf("a"))
	assert.True(t, l.Acquire("a"))
	assert.False(t, l.Acquire("a"))
	assert.True(t, l.IsSaturated("a"))
	assert.False(t, l.AllSaturated())

	assert.True(t, l.Acquire("b"))
	assert.True(t, l.Acquire("b"))
	assert.True(t, l.AllSaturated())
	assert.Equal(t, 3, l.Total())

	l.Release("b")
	assert.Equal(t, 1, l.InFlight("b"))
	assert.Equal(t, 2, l.Limit("b"))
	l.Release("a")
	l.Release("a")
	assert.Equal(t, 0, l.InFlight("a"), "release never goes negative")

	assert.True(t, l.IsSaturated("undeclared"))
	assert.False(t, l.Acquire("undeclared"))
}

func TestLimiterGlobalClass(t *testing.T) {
	t.Parallel()
	l, err := NewLimiter(LimitConfig{Global: 1})
	require.NoError(t, err)
	assert.False(t, l.PerPlan())
	assert.Equal(t, GlobalClass, l.ClassOf("anything"))
	assert.True(t, l.Acquire(GlobalClass))
	assert.True(t, l.IsSaturated(GlobalClass))
}
