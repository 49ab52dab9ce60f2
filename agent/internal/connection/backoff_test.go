package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEqualJitterBackoff_WithinBounds(t *testing.T) {
	cases := []struct {
		attempt  int
		wantBase time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 30 * time.Second}, // capped before 2^5 = 32s
		{20, 30 * time.Second},
	}

	for _, c := range cases {
		wait := equalJitterBackoff("agent-1", c.attempt)
		assert.GreaterOrEqual(t, wait, c.wantBase/2, "attempt %d", c.attempt)
		assert.LessOrEqual(t, wait, c.wantBase, "attempt %d", c.attempt)
	}
}

func TestEqualJitterBackoff_Deterministic(t *testing.T) {
	a := equalJitterBackoff("agent-42", 3)
	b := equalJitterBackoff("agent-42", 3)
	assert.Equal(t, a, b)
}

func TestEqualJitterBackoff_VariesByAgentAndAttempt(t *testing.T) {
	a := equalJitterBackoff("agent-1", 4)
	b := equalJitterBackoff("agent-2", 4)
	c := equalJitterBackoff("agent-1", 5)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}
