package idempotency

import (
	"context"
	"time"

	"github.com/sandboxops/lease-notify/internal/domain"
)

// Status of an idempotency record.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// ChannelResult is the cached per-channel outcome stored in the record.
// Settled channels (sent successfully, or terminally escalated) are skipped
// when a failed record is re-admitted, which keeps side effects
// effectively-once per channel across bus redeliveries.
type ChannelResult struct {
	Settled  bool   `json:"settled"`
	Kind     string `json:"kind,omitempty"` // empty on success
	Attempts int    `json:"attempts"`
}

// Record is the durable idempotency record, keyed by the upstream event id.
type Record struct {
	Status    Status                   `json:"status"`
	Results   map[string]ChannelResult `json:"results,omitempty"`
	StartedAt time.Time                `json:"startedAt"`
}

// Decision of a Begin call.
type Decision int

const (
	// Admitted: this delivery owns the event; Prior carries per-channel
	// results from an earlier failed dispatch (empty on first sight).
	Admitted Decision = iota
	// AlreadyInProgress: another delivery owns the event right now. The
	// caller must not perform side effects.
	AlreadyInProgress
	// AlreadyComplete: the event was fully handled; Prior is the cached
	// result.
	AlreadyComplete
)

// Admission is the outcome of Begin.
type Admission struct {
	Decision Decision
	Prior    map[string]ChannelResult
}

// Store is the durable conditional-write key-value backing. Begin must be
// atomic: when two deliveries of the same id race, exactly one is admitted.
type Store interface {
	Begin(ctx context.Context, id domain.EventID, ttl time.Duration) (Admission, error)
	Finish(ctx context.Context, id domain.EventID, results map[string]ChannelResult, ttl time.Duration) error
	Fail(ctx context.Context, id domain.EventID, results map[string]ChannelResult, ttl time.Duration) error
}

// Guard wraps a Store with the configured TTL. The TTL bounds how long
// "already handled" is remembered: a redelivery arriving after expiry may
// cause a duplicate side effect. That window is an accepted trade-off between
// storage cost and the duplicate-suppression horizon, which is why the TTL is
// configuration, not a constant.
type Guard struct {
	store Store
	ttl   time.Duration
}

func NewGuard(store Store, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Guard{store: store, ttl: ttl}
}

func (g *Guard) Begin(ctx context.Context, id domain.EventID) (Admission, error) {
	return g.store.Begin(ctx, id, g.ttl)
}

func (g *Guard) Finish(ctx context.Context, id domain.EventID, results map[string]ChannelResult) error {
	return g.store.Finish(ctx, id, results, g.ttl)
}

func (g *Guard) Fail(ctx context.Context, id domain.EventID, results map[string]ChannelResult) error {
	return g.store.Fail(ctx, id, results, g.ttl)
}
