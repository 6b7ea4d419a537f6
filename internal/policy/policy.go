package policy

import (
	"math/rand"
	"time"

	"github.com/sandboxops/lease-notify/internal/classify"
)

// Decision is what the dispatcher (or a sender's internal retry loop) does
// next with a classified failure.
type Decision string

const (
	// DecisionRetry: retry locally after backoff.
	DecisionRetry Decision = "retry"
	// DecisionRedeliver: local retries exhausted; surface the error so the
	// upstream bus redelivers on its own schedule.
	DecisionRedeliver Decision = "redeliver"
	// DecisionEscalate: terminal; write a dead-letter record.
	DecisionEscalate Decision = "escalate"
	// DecisionEscalateAlarm: terminal and page-worthy; dead-letter plus an
	// immediate alarm.
	DecisionEscalateAlarm Decision = "escalate_alarm"
)

// Policy is the cross-cutting retry/escalation decision table. MaxAttempts
// counts total send attempts per channel within one delivery (1 initial plus
// MaxAttempts-1 retries).
type Policy struct {
	MaxAttempts int
	Backoff     []time.Duration
	Jitter      time.Duration
}

// Default matches the channel sender contract: 2 additional attempts at
// 100ms and 500ms plus jitter.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{100 * time.Millisecond, 500 * time.Millisecond},
		Jitter:      50 * time.Millisecond,
	}
}

// Decide maps a classified kind and the attempts made so far to a decision.
// Only Retriable ever retries; there is no promotion of Permanent failures
// into the retry loop.
func (p Policy) Decide(kind classify.Kind, attempts int) Decision {
	switch kind {
	case classify.KindRetriable:
		if attempts < p.MaxAttempts {
			return DecisionRetry
		}
		return DecisionRedeliver
	case classify.KindCritical, classify.KindSecurity:
		return DecisionEscalateAlarm
	default:
		return DecisionEscalate
	}
}

// Delay returns the backoff before retry attempt n (n is the attempt just
// failed, 1-based), with jitter applied.
func (p Policy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return p.Jitter
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Backoff) {
		idx = len(p.Backoff) - 1
	}
	d := p.Backoff[idx]
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}
