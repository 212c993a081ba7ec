package retry

// Policy parameterizes nextAttemptAt (§4.1). maxExponent is bounded at
// 9 and maxJitterPercent at [0,100] per spec §9(iv); callers that
// construct a Policy by hand rather than via the Default* values below
// are responsible for staying inside those bounds.
type Policy struct {
	AdditionalDelaySec int64
	InitialDelayMs     int64
	MaxDelaySec        int64
	MaxJitterPercent   int
	MaxExponent        int
}

// NetworkPolicy governs transient network failures during download:
// aggressive, short initial backoff, capped at five minutes.
var NetworkPolicy = Policy{
	AdditionalDelaySec: 0,
	InitialDelayMs:     500,
	MaxDelaySec:        300,
	MaxJitterPercent:   20,
	MaxExponent:        9,
}

// ThrottlePolicy governs cloud-reported throttling. AdditionalDelaySec
// is overridden per-call with the server's retryAfter value; the base
// curve here is the fallback when the cloud gives no hint.
var ThrottlePolicy = Policy{
	AdditionalDelaySec: 0,
	InitialDelayMs:     1000,
	MaxDelaySec:        900,
	MaxJitterPercent:   10,
	MaxExponent:        6,
}

// RebootPolicy governs post-reboot resumption retries: conservative,
// long initial delay, since a reboot loop is expensive to repeat
// quickly.
var RebootPolicy = Policy{
	AdditionalDelaySec: 30,
	InitialDelayMs:     5000,
	MaxDelaySec:        1800,
	MaxJitterPercent:   15,
	MaxExponent:        5,
}

// WithRetryAfter returns a copy of p with AdditionalDelaySec set to the
// server-provided retryAfterSec, used by ThrottlePolicy callers.
func (p Policy) WithRetryAfter(retryAfterSec int64) Policy {
	p.AdditionalDelaySec = retryAfterSec
	return p
}
