// Package sampling implements the probabilistic inclusion gate applied once
// per flush, so a session is either fully sampled-in or fully dropped.
package sampling

import "math/rand"

// Policy draws one uniform value per decision. The random source is
// injectable for deterministic tests.
type Policy struct {
	randFloat func() float64
}

// New returns a Policy backed by the default random source.
func New() *Policy {
	return &Policy{randFloat: rand.Float64}
}

// NewWithSource returns a Policy using the given source of uniform values in
// [0, 1).
func NewWithSource(randFloat func() float64) *Policy {
	return &Policy{randFloat: randFloat}
}

// ShouldInclude reports whether this send decision falls inside the sample.
// uploadPercent <= 0 always excludes; >= 1 always includes.
func (p *Policy) ShouldInclude(uploadPercent float64) bool {
	if uploadPercent <= 0 {
		return false
	}
	if uploadPercent >= 1 {
		return true
	}
	return p.randFloat() < uploadPercent
}
