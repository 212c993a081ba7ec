package retry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextAttemptAt_MonotonicInAttempts(t *testing.T) {
	nowFunc = func() int64 { return 1000 }
	defer func() { nowFunc = func() int64 { return 0 } }()

	policy := Policy{InitialDelayMs: 100, MaxDelaySec: 1000, MaxJitterPercent: 0, MaxExponent: 9}
	var last int64
	for attempts := 0; attempts <= policy.MaxExponent; attempts++ {
		got := NextAttemptAt(attempts, policy)
		require.GreaterOrEqual(t, got, last)
		last = got
	}
}

func TestNextAttemptAt_CapRespectsJitterBound(t *testing.T) {
	nowFunc = func() int64 { return 0 }
	policy := Policy{InitialDelayMs: 1_000_000, MaxDelaySec: 60, MaxJitterPercent: 50, MaxExponent: 9}

	maxSeen := int64(0)
	for i := 0; i < 500; i++ {
		got := NextAttemptAt(policy.MaxExponent, policy)
		if got > maxSeen {
			maxSeen = got
		}
	}
	assert.LessOrEqual(t, maxSeen, int64(float64(policy.MaxDelaySec)*1.5))
}

func TestNextAttemptAt_ExponentClampedAtMaxExponent(t *testing.T) {
	nowFunc = func() int64 { return 0 }
	policy := Policy{InitialDelayMs: 1000, MaxDelaySec: 1_000_000, MaxJitterPercent: 0, MaxExponent: 3}

	atMax := NextAttemptAt(3, policy)
	beyond := NextAttemptAt(10, policy)
	assert.Equal(t, atMax, beyond)
}

func TestNextAttemptAt_AdditionalDelayAndRetryAfter(t *testing.T) {
	nowFunc = func() int64 { return 500 }
	p := ThrottlePolicy.WithRetryAfter(42)
	got := NextAttemptAt(0, p)
	assert.GreaterOrEqual(t, got, int64(500+42))
}
