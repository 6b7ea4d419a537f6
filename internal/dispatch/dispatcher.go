package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sandboxops/lease-notify/internal/channel"
	"github.com/sandboxops/lease-notify/internal/classify"
	"github.com/sandboxops/lease-notify/internal/deadletter"
	"github.com/sandboxops/lease-notify/internal/domain"
	"github.com/sandboxops/lease-notify/internal/idempotency"
	"github.com/sandboxops/lease-notify/internal/metrics"
	"github.com/sandboxops/lease-notify/internal/router"
	"github.com/sandboxops/lease-notify/internal/validation"
)

// Status of a finished dispatch, from the caller's point of view.
type Status string

const (
	StatusComplete  Status = "complete"
	StatusDuplicate Status = "duplicate"
	StatusEscalated Status = "escalated"
)

// Result summarises one dispatch. Channels carries the per-channel outcomes,
// including cached ones returned to duplicate deliveries.
type Result struct {
	Status   Status
	Channels map[string]idempotency.ChannelResult
}

// RedeliverError asks the upstream bus to redeliver: the event was not
// terminally handled and a future attempt may succeed. It is the only error
// kind Dispatch ever returns.
type RedeliverError struct {
	Err error
}

func (e *RedeliverError) Error() string { return fmt.Sprintf("redeliver: %v", e.Err) }
func (e *RedeliverError) Unwrap() error { return e.Err }

func redeliver(err error) error { return &RedeliverError{Err: err} }

// Dispatcher is the entry-point state machine:
//
//	Received -> Validated -> Admitted -> Routed -> per-channel Sending -> Done
//
// Everything inside Sending returns a classified outcome; the only failure
// modes surfaced to the caller are redelivery requests.
type Dispatcher struct {
	guard    *idempotency.Guard
	table    router.Table
	senders  map[string]channel.Sender
	dlq      deadletter.Store
	alarmer  Alarmer
	allow    validation.Provenance
	deadline time.Duration
	lg       zerolog.Logger
}

type Config struct {
	Table    router.Table
	Senders  []channel.Sender
	Allow    validation.Provenance
	Deadline time.Duration
}

func New(cfg Config, guard *idempotency.Guard, dlq deadletter.Store, alarmer Alarmer, lg zerolog.Logger) *Dispatcher {
	senders := make(map[string]channel.Sender, len(cfg.Senders))
	for _, s := range cfg.Senders {
		senders[s.Name()] = s
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 30 * time.Second
	}
	return &Dispatcher{
		guard:    guard,
		table:    cfg.Table,
		senders:  senders,
		dlq:      dlq,
		alarmer:  alarmer,
		allow:    cfg.Allow,
		deadline: cfg.Deadline,
		lg:       lg.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch processes one delivery of one event. A nil error means the event
// is terminally handled (success, duplicate, or escalated) and the delivery
// may be acknowledged. A *RedeliverError means the bus should deliver again.
func (d *Dispatcher) Dispatch(ctx context.Context, ev domain.Event) (res Result, err error) {
	// Validation must never crash the process and lose the event; a panic in
	// this path degrades to a Permanent escalation.
	defer func() {
		if r := recover(); r != nil {
			cause := classify.NewError(classify.KindPermanent, "",
				fmt.Sprintf("panic during dispatch: %v", r), nil)
			d.escalate(ctx, ev, "", cause, 0, time.Now())
			res = Result{Status: StatusEscalated}
			err = nil
		}
	}()

	start := time.Now()

	// Received -> Validated. Provenance failures never occupy an idempotency
	// slot; they escalate and alarm right here.
	if verr := validation.CheckEvent(ev, d.allow); verr != nil {
		ce := classify.AsError(verr)
		d.alarmer.Raise(ctx, ev, ce.Kind, ce)
		d.escalate(ctx, ev, "", ce, 0, start)
		metrics.RecordDispatch(string(ev.Type), "rejected")
		return Result{Status: StatusEscalated}, nil
	}

	// Validated -> Admitted.
	adm, aerr := d.guard.Begin(ctx, ev.ID)
	if aerr != nil {
		// The store is the single correctness-critical dependency; without
		// an admission decision no side effect may happen.
		return Result{}, redeliver(classify.NewError(classify.KindRetriable, "", "idempotency begin failed", aerr))
	}

	switch adm.Decision {
	case idempotency.AlreadyComplete:
		metrics.RecordIdempotencyHit("complete")
		d.lg.Info().Str("event_id", ev.ID.String()).Msg("duplicate delivery; returning cached result")
		return Result{Status: StatusDuplicate, Channels: adm.Prior}, nil
	case idempotency.AlreadyInProgress:
		metrics.RecordIdempotencyHit("in_progress")
		// Another delivery owns the event. Let the bus redeliver later
		// rather than racing it.
		return Result{}, redeliver(classify.NewError(classify.KindRetriable, "", "dispatch already in progress", nil))
	}
	metrics.RecordIdempotencyMiss()

	// Admitted -> Routed.
	route, rerr := d.table.Lookup(ev.Type)
	if rerr != nil {
		ce := classify.AsError(rerr)
		d.escalate(ctx, ev, "", ce, 0, start)
		d.failGuard(ctx, ev.ID, nil)
		metrics.RecordDispatch(string(ev.Type), "unrouted")
		return Result{Status: StatusEscalated}, nil
	}

	// Routed -> Sending. The only state with external side effects. Channels
	// are independent: both run concurrently and neither blocks or rolls
	// back the other.
	sendCtx, cancel := context.WithTimeout(ctx, d.deadline)
	defer cancel()

	results := make(map[string]idempotency.ChannelResult)
	outcomes := make([]channel.Outcome, 0, 2)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, name := range route.Channels() {
		if prior, ok := adm.Prior[name]; ok && prior.Settled {
			// Settled on an earlier delivery; never repeat the side effect.
			results[name] = prior
			continue
		}
		snd, ok := d.senders[name]
		if !ok {
			// Routing table and wiring disagree; configuration bug.
			mu.Lock()
			outcomes = append(outcomes, channel.Outcome{
				Channel: name,
				Kind:    classify.KindPermanent,
				Err:     classify.NewError(classify.KindPermanent, name, "no sender wired for routed channel", nil),
			})
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(s channel.Sender) {
			defer wg.Done()
			out := s.Send(sendCtx, ev)
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
		}(snd)
	}
	wg.Wait()

	// Sending -> Done: fold per-channel outcomes into a terminal decision.
	var retriableErr error
	for _, out := range outcomes {
		if out.Success() {
			results[out.Channel] = idempotency.ChannelResult{Settled: true, Attempts: out.Attempts}
			d.lg.Info().
				Str("event_id", ev.ID.String()).
				Str("event_type", string(ev.Type)).
				Str("channel", out.Channel).
				Int("attempts", out.Attempts).
				Dur("latency", out.Latency).
				Msg("channel send succeeded")
			continue
		}

		metrics.RecordFailure(out.Channel, string(out.Kind))
		if out.Kind.Retriable() {
			// Not terminal here: surface upward so the bus redelivers, and
			// leave the channel unsettled so the retry re-attempts it.
			retriableErr = out.Err
			continue
		}

		// Permanent, Critical or Security: terminal for this channel.
		if out.Kind.Alarms() {
			d.alarmer.Raise(ctx, ev, out.Kind, out.Err)
		}
		d.escalate(ctx, ev, out.Channel, classify.AsError(out.Err), out.Attempts, start)
		results[out.Channel] = idempotency.ChannelResult{
			Settled:  true,
			Kind:     string(out.Kind),
			Attempts: out.Attempts,
		}
	}

	if retriableErr != nil {
		// Keep settled channels in the failed record so the redelivery only
		// re-attempts the unsettled ones.
		d.failGuard(ctx, ev.ID, results)
		metrics.RecordDispatch(string(ev.Type), "redeliver")
		return Result{}, redeliver(retriableErr)
	}

	escalated := false
	for _, r := range results {
		if r.Kind != "" {
			escalated = true
			break
		}
	}
	if escalated {
		d.failGuard(ctx, ev.ID, results)
		metrics.RecordDispatch(string(ev.Type), "escalated")
		return Result{Status: StatusEscalated, Channels: results}, nil
	}

	if ferr := d.guard.Finish(ctx, ev.ID, results); ferr != nil {
		// Sends already happened; a failed completion mark must not trigger
		// a redelivery that would duplicate them.
		d.lg.Warn().Err(ferr).Str("event_id", ev.ID.String()).Msg("idempotency finish failed (sends already done)")
	}
	metrics.RecordDispatch(string(ev.Type), "success")
	return Result{Status: StatusComplete, Channels: results}, nil
}

// EscalateExhausted records a terminal escalation for an event whose external
// redelivery budget ran out. Called by the bus adapter, which owns that
// budget.
func (d *Dispatcher) EscalateExhausted(ctx context.Context, ev domain.Event, attempts int, cause error) {
	// The idempotency record is already marked failed with the settled
	// channels from the last attempt; leave it for a manual replay to reuse.
	ce := classify.AsError(cause)
	d.escalate(ctx, ev, ce.Channel, ce, attempts, time.Now())
	metrics.RecordDispatch(string(ev.Type), "exhausted")
}

func (d *Dispatcher) escalate(ctx context.Context, ev domain.Event, channelName string, cause *classify.Error, attempts int, firstFailure time.Time) {
	item := domain.EscalatedItem{
		Event:        ev,
		Kind:         string(cause.Kind),
		Channel:      channelName,
		Attempts:     attempts,
		FirstFailure: firstFailure.UTC(),
		LastFailure:  time.Now().UTC(),
		Cause:        cause.Error(),
	}
	metrics.RecordEscalated(string(cause.Kind))
	if err := d.dlq.Write(ctx, item); err != nil {
		// The dead-letter write is the last resort; if it fails the log
		// line is all that remains, so make it loud.
		d.lg.Error().Err(err).
			Str("event_id", ev.ID.String()).
			Str("kind", string(cause.Kind)).
			Msg("dead-letter write failed; escalated item lost from store")
	}
}

func (d *Dispatcher) failGuard(ctx context.Context, id domain.EventID, results map[string]idempotency.ChannelResult) {
	if err := d.guard.Fail(ctx, id, results); err != nil {
		d.lg.Warn().Err(err).Str("event_id", id.String()).Msg("idempotency fail-mark failed")
	}
}
