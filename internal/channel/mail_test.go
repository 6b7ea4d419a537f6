package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxops/lease-notify/internal/classify"
	"github.com/sandboxops/lease-notify/internal/domain"
	"github.com/sandboxops/lease-notify/internal/policy"
	"github.com/sandboxops/lease-notify/internal/secrets"
)

// fastPolicy keeps retry backoff out of test runtime.
func fastPolicy() policy.Policy {
	return policy.Policy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{time.Millisecond, time.Millisecond},
		Jitter:      time.Millisecond,
	}
}

// countingSource wraps a StaticSource and counts fetches, to observe whether
// the cache re-fetched after invalidation.
type countingSource struct {
	inner secrets.StaticSource
	calls atomic.Int64
}

func (c *countingSource) GetSecret(ctx context.Context, path string) (string, error) {
	c.calls.Add(1)
	return c.inner.GetSecret(ctx, path)
}

func mailEvent(t *testing.T, typ domain.EventType, detail domain.LeaseDetail) domain.Event {
	t.Helper()
	raw, err := json.Marshal(detail)
	require.NoError(t, err)
	return domain.Event{
		ID:            domain.EventID("evt-mail-1"),
		Type:          typ,
		Source:        "sandbox.leases",
		SourceAccount: "111122223333",
		OccurredAt:    time.Now().UTC(),
		Detail:        raw,
	}
}

func newMailSender(t *testing.T, endpoint string, src secrets.Source) *MailSender {
	t.Helper()
	cfg := MailConfig{
		Endpoint:   endpoint,
		FromEmail:  "noreply@sandbox.example",
		FromName:   "Sandbox Leases",
		SecretPath: "lease-notify/mail-api-token",
		Timeout:    2 * time.Second,
	}
	return NewMailSender(cfg, secrets.NewCache(src), fastPolicy(), zerolog.Nop())
}

func TestMailSender_RetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int64
	var lastBody mailRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		if n <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&lastBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newMailSender(t, srv.URL, secrets.StaticSource{"lease-notify/mail-api-token": "tok-1"})
	ev := mailEvent(t, domain.LeaseApproved, domain.LeaseDetail{
		LeaseID:   "lease-42",
		UserEmail: "dev@example.com",
		AccountID: "111122223333",
	})

	out := s.Send(context.Background(), ev)
	require.True(t, out.Success(), "err: %v", out.Err)
	assert.Equal(t, 3, out.Attempts)
	assert.EqualValues(t, 3, hits.Load())

	assert.Equal(t, "dev@example.com", lastBody.To)
	assert.Equal(t, "noreply@sandbox.example", lastBody.From)
	assert.Equal(t, "Lease lease-42 approved", lastBody.Subject)
	assert.Contains(t, lastBody.HTML, "lease-42")
}

func TestMailSender_RetriableExhaustion(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := newMailSender(t, srv.URL, secrets.StaticSource{"lease-notify/mail-api-token": "tok-1"})
	ev := mailEvent(t, domain.LeaseApproved, domain.LeaseDetail{LeaseID: "l", UserEmail: "dev@example.com"})

	out := s.Send(context.Background(), ev)
	assert.False(t, out.Success())
	assert.Equal(t, classify.KindRetriable, out.Kind)
	assert.Equal(t, 3, out.Attempts, "initial attempt plus two retries")
	assert.EqualValues(t, 3, hits.Load())
}

func TestMailSender_UnauthorizedInvalidatesCredential(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	src := &countingSource{inner: secrets.StaticSource{"lease-notify/mail-api-token": "tok-1"}}
	s := newMailSender(t, srv.URL, src)
	ev := mailEvent(t, domain.LeaseApproved, domain.LeaseDetail{LeaseID: "l", UserEmail: "dev@example.com"})

	out := s.Send(context.Background(), ev)
	assert.False(t, out.Success())
	assert.Equal(t, classify.KindCritical, out.Kind)
	assert.Equal(t, 1, out.Attempts, "auth failures are not retried internally")
	assert.EqualValues(t, 1, hits.Load())

	// The rejected token was evicted, so the next send re-fetches.
	_ = s.Send(context.Background(), ev)
	assert.EqualValues(t, 2, src.calls.Load())
}

func TestMailSender_MissingRecipientIsPermanent(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	s := newMailSender(t, srv.URL, secrets.StaticSource{"lease-notify/mail-api-token": "tok-1"})
	ev := mailEvent(t, domain.LeaseApproved, domain.LeaseDetail{LeaseID: "lease-42"})

	out := s.Send(context.Background(), ev)
	assert.False(t, out.Success())
	assert.Equal(t, classify.KindPermanent, out.Kind)
	assert.EqualValues(t, 0, hits.Load(), "no request without a recipient")
}

func TestMailSender_UndecodableDetailIsPermanent(t *testing.T) {
	s := newMailSender(t, "http://unused.invalid", secrets.StaticSource{"lease-notify/mail-api-token": "tok-1"})
	ev := domain.Event{
		ID:     domain.EventID("evt-bad"),
		Type:   domain.LeaseApproved,
		Source: "sandbox.leases",
		Detail: json.RawMessage(`{"leaseId": 17`),
	}

	out := s.Send(context.Background(), ev)
	assert.False(t, out.Success())
	assert.Equal(t, classify.KindPermanent, out.Kind)
}

func TestMailSender_OpenBreakerFailsFast(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	s := newMailSender(t, srv.URL, secrets.StaticSource{"lease-notify/mail-api-token": "tok-1"})
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Breaker().Allow())
		s.Breaker().Record(false)
	}

	ev := mailEvent(t, domain.LeaseApproved, domain.LeaseDetail{LeaseID: "l", UserEmail: "dev@example.com"})
	out := s.Send(context.Background(), ev)

	assert.False(t, out.Success())
	assert.Equal(t, classify.KindRetriable, out.Kind, "open breaker surfaces as retriable")
	assert.Equal(t, 1, out.Attempts)
	assert.EqualValues(t, 0, hits.Load(), "no network call while open")
}

func TestMailSender_CredentialFetchFailureIsRetriable(t *testing.T) {
	s := newMailSender(t, "http://unused.invalid", secrets.StaticSource{})
	ev := mailEvent(t, domain.LeaseApproved, domain.LeaseDetail{LeaseID: "l", UserEmail: "dev@example.com"})

	out := s.Send(context.Background(), ev)
	assert.False(t, out.Success())
	assert.Equal(t, classify.KindRetriable, out.Kind)
}
