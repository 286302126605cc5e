package sampling

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldIncludeBoundaries(t *testing.T) {
	policy := NewWithSource(func() float64 {
		t.Fatal("random source must not be consulted at the boundaries")
		return 0
	})

	assert.False(t, policy.ShouldInclude(0))
	assert.False(t, policy.ShouldInclude(-0.3))
	assert.True(t, policy.ShouldInclude(1))
	assert.True(t, policy.ShouldInclude(1.5))
}

func TestShouldIncludeFractional(t *testing.T) {
	tests := []struct {
		name     string
		draw     float64
		percent  float64
		expected bool
	}{
		{"draw below threshold includes", 0.2, 0.5, true},
		{"draw above threshold excludes", 0.9, 0.5, false},
		{"draw at threshold excludes", 0.5, 0.5, false},
		{"zero draw includes any positive percent", 0, 0.01, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := NewWithSource(func() float64 { return tt.draw })
			assert.Equal(t, tt.expected, policy.ShouldInclude(tt.percent))
		})
	}
}

func TestDefaultPolicyStaysInRange(t *testing.T) {
	policy := New()
	included := 0
	for i := 0; i < 1000; i++ {
		if policy.ShouldInclude(0.5) {
			included++
		}
	}
	// Loose bound; a uniform source lands well inside it.
	assert.Greater(t, included, 300)
	assert.Less(t, included, 700)
}
