package resilience

import (
	"errors"
	"math/rand/v2"
	"time"

	"github.com/ledgerline/client-go/internal/transport"
)

// Retry defaults
const (
	DefaultMaxRetries    = 3
	DefaultBaseDelay     = 1 * time.Second
	DefaultJitterCeiling = 1 * time.Second
)

// Policy holds retry settings.
type Policy struct {
	MaxRetries uint
	BaseDelay  time.Duration
	// JitterCeiling bounds the uniform random offset added to each delay
	JitterCeiling time.Duration
}

// DefaultPolicy returns standard retry settings.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    DefaultMaxRetries,
		BaseDelay:     DefaultBaseDelay,
		JitterCeiling: DefaultJitterCeiling,
	}
}

func (p Policy) withDefaults() Policy {
	if p.BaseDelay == 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.JitterCeiling == 0 {
		p.JitterCeiling = DefaultJitterCeiling
	}
	return p
}

// Decision is the outcome of a retry check. Delay is meaningful only when
// Retry is true.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide reports whether the failed attempt should be retried and after what
// delay. attempt is 1-based: the number of the attempt that just failed.
//
// Pure with respect to time: it never sleeps, so the caller can apply the
// delay while honoring cancellation.
func Decide(attempt uint, err error, policy Policy) Decision {
	policy = policy.withDefaults()

	if attempt > policy.MaxRetries || !retryable(err) {
		return Decision{}
	}

	// Honor a server-provided Retry-After over the computed backoff
	var terr *transport.Error
	if errors.As(err, &terr) && terr.Kind == transport.KindRateLimited && terr.RetryAfter > 0 {
		return Decision{Retry: true, Delay: terr.RetryAfter}
	}

	delay := policy.BaseDelay << (attempt - 1)
	jitter := time.Duration(rand.Int64N(int64(policy.JitterCeiling)))
	return Decision{Retry: true, Delay: delay + jitter}
}

func retryable(err error) bool {
	var terr *transport.Error
	if errors.As(err, &terr) {
		return terr.Retryable()
	}
	return false
}
