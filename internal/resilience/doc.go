/*
Package resilience provides the circuit breaker and retry/backoff engine.

# Circuit breaker

Three-state gate consulted before every outbound call:

	Closed --[failures >= threshold]-> Open --[recovery timeout]-> Half-Open
	Half-Open --[probe success]-> Closed
	Half-Open --[probe failure]-> Open

While open, calls fail immediately with *BreakerOpenError carrying the
remaining wait; no network attempt is made. In half-open exactly one call is
admitted as a recovery probe. Only connectivity-level failures (no response,
5xx) and explicitly configured statuses count toward the failure threshold;
ordinary 4xx responses never trip the breaker.

# Retry engine

Decide is a pure function: given the attempt number, the classified error,
and a policy it returns whether to retry and how long to wait. It never
sleeps itself, so callers can honor cancellation while applying the delay.
Delays grow exponentially with uniform jitter to avoid synchronized retry
storms; a 429 Retry-After header overrides the computed delay.
*/
package resilience
