package retry

import (
	"math/rand/v2"
	"time"
)

// clock is overridden in tests.
var nowFunc = func() int64 { return time.Now().Unix() }

// jitter is the process-wide jitter source, seeded once.
var jitter = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0xAD))

// NextAttemptAt computes the next attempt's epoch-seconds timestamp
// for the given attempt count under policy (§4.1). It is a pure
// function of (attempts, policy, now, jitter-draw): no I/O, no
// side effects, no failure mode.
func NextAttemptAt(attempts int, policy Policy) int64 {
	return nowFunc() + policy.AdditionalDelaySec + delaySeconds(attempts, policy)
}

func delaySeconds(attempts int, policy Policy) int64 {
	exp := attempts
	if exp > policy.MaxExponent {
		exp = policy.MaxExponent
	}
	if exp < 0 {
		exp = 0
	}

	delayMs := (int64(1) << uint(exp)) * policy.InitialDelayMs
	delaySec := delayMs / 1000
	if delaySec > policy.MaxDelaySec {
		delaySec = policy.MaxDelaySec
	}

	if policy.MaxJitterPercent > 0 {
		frac := jitter.Float64() * float64(policy.MaxJitterPercent) / 100.0
		delaySec = int64(float64(delaySec) * (1 + frac))
	}
	return delaySec
}
