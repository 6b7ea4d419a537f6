package channel

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/sandboxops/lease-notify/internal/circuitbreaker"
	"github.com/sandboxops/lease-notify/internal/classify"
	"github.com/sandboxops/lease-notify/internal/domain"
	"github.com/sandboxops/lease-notify/internal/metrics"
	"github.com/sandboxops/lease-notify/internal/policy"
)

// Channel names used in outcomes, metrics and idempotency records.
const (
	Mail = "mail"
	Chat = "chat"
)

// Outcome describes what happened for one event on one channel. It is not
// persisted; the dispatcher consumes it immediately.
type Outcome struct {
	Channel  string
	Kind     classify.Kind // empty on success
	Attempts int
	Latency  time.Duration
	Err      error
}

func (o Outcome) Success() bool { return o.Err == nil }

// Sender delivers one event to one notification channel, owning credential
// retrieval, formatting, the HTTP call, bounded internal retry and the
// circuit breaker. A returned Outcome.Err is always a classified error.
type Sender interface {
	Name() string
	Send(ctx context.Context, ev domain.Event) Outcome
}

// attempter performs one network attempt. Implemented by MailSender and
// ChatSender; the shared retry/breaker loop lives in deliver.
type attempter interface {
	Name() string
	attempt(ctx context.Context, ev domain.Event, d domain.LeaseDetail) error
}

// deliver runs the shared send loop: decode the payload, then attempt under
// breaker protection with bounded retries for Retriable failures only. An
// open breaker fails fast as Retriable without burning the retry budget.
func deliver(ctx context.Context, a attempter, pol policy.Policy, br *circuitbreaker.CircuitBreaker, ev domain.Event, lg zerolog.Logger) Outcome {
	start := time.Now()
	out := Outcome{Channel: a.Name()}

	d, err := ev.DecodeDetail()
	if err != nil {
		out.Kind = classify.KindPermanent
		out.Err = classify.NewError(classify.KindPermanent, a.Name(), "undecodable event detail", err)
		out.Latency = time.Since(start)
		return out
	}

	for {
		out.Attempts++
		err := br.Do(func() error { return a.attempt(ctx, ev, d) })
		if err == nil {
			out.Latency = time.Since(start)
			metrics.RecordSend(a.Name(), "success", out.Latency)
			return out
		}

		if errors.Is(err, circuitbreaker.ErrOpen) {
			out.Kind = classify.KindRetriable
			out.Err = classify.NewError(classify.KindRetriable, a.Name(), "circuit breaker open", err)
			out.Latency = time.Since(start)
			metrics.RecordSend(a.Name(), "breaker_open", out.Latency)
			return out
		}

		cerr := classify.AsError(err)
		switch pol.Decide(cerr.Kind, out.Attempts) {
		case policy.DecisionRetry:
			delay := pol.Delay(out.Attempts)
			lg.Warn().
				Str("channel", a.Name()).
				Str("event_id", ev.ID.String()).
				Int("attempt", out.Attempts).
				Dur("backoff", delay).
				Err(err).
				Msg("retriable send failure; backing off")
			select {
			case <-ctx.Done():
				out.Kind = classify.KindRetriable
				out.Err = classify.NewError(classify.KindRetriable, a.Name(), "deadline during backoff", ctx.Err())
				out.Latency = time.Since(start)
				return out
			case <-time.After(delay):
			}
		default:
			// Exhausted or non-retriable: surface the classified error
			// upward unchanged.
			out.Kind = cerr.Kind
			out.Err = cerr
			out.Latency = time.Since(start)
			metrics.RecordSend(a.Name(), string(cerr.Kind), out.Latency)
			return out
		}
	}
}

// asClassified is errors.As specialised for *classify.Error.
func asClassified(err error, target **classify.Error) bool {
	return errors.As(err, target)
}

// doRequest executes one HTTP attempt and maps the response through the
// taxonomy. 2xx is success; everything else returns a classified error.
func doRequest(client *http.Client, req *http.Request, channelName string) error {
	resp, err := client.Do(req)
	if err != nil {
		return classify.TransportError(channelName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return classify.StatusError(channelName, resp.StatusCode, string(body))
}
