package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateConditionComparisons(t *testing.T) {
	env := map[string]any{"count": 2, "name": "alice", "done": false}

	cases := []struct {
		expression string
		want       bool
	}{
		{"count < 3", true},
		{"count >= 3", false},
		{"count == 2", true},
		{"count != 2", false},
		{"name == 'alice'", true},
		{"done", false},
		{"count > 1 && name == 'alice'", true},
		{"count > 10 || done", false},
		{"count > 10 || name == 'alice'", true},
	}
	for _, tc := range cases {
		got, err := EvaluateCondition(tc.expression, env)
		require.NoError(t, err, tc.expression)
		assert.Equal(t, tc.want, got, tc.expression)
	}
}

func TestEvaluateConditionSubstitution(t *testing.T) {
	env := map[string]any{"count": 1, "limit": 3}

	got, err := EvaluateCondition("{{count}} < {{limit}}", env)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = EvaluateCondition("${count} >= ${limit}", env)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = EvaluateCondition("{{ count }} == 1", env)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluateConditionUndefinedVariable(t *testing.T) {
	got, err := EvaluateCondition("{{missing}} == nil", map[string]any{})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluateConditionErrors(t *testing.T) {
	_, err := EvaluateCondition("", nil)
	assert.Error(t, err)

	_, err = EvaluateCondition("count <", map[string]any{"count": 1})
	assert.Error(t, err)

	// Non-boolean result is rejected at compile time.
	_, err = EvaluateCondition("count + 1", map[string]any{"count": 1})
	assert.Error(t, err)
}
