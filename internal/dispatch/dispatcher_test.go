package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxops/lease-notify/internal/channel"
	"github.com/sandboxops/lease-notify/internal/classify"
	"github.com/sandboxops/lease-notify/internal/domain"
	"github.com/sandboxops/lease-notify/internal/idempotency"
	"github.com/sandboxops/lease-notify/internal/router"
	"github.com/sandboxops/lease-notify/internal/validation"
)

// fakeStore scripts the Begin decision and records Finish/Fail writes.
type fakeStore struct {
	mu sync.Mutex

	beginAdm   idempotency.Admission
	beginErr   error
	beginPanic bool

	beginCalls    int
	finishCalls   int
	failCalls     int
	finishResults map[string]idempotency.ChannelResult
	failResults   map[string]idempotency.ChannelResult
}

func (f *fakeStore) Begin(_ context.Context, _ domain.EventID, _ time.Duration) (idempotency.Admission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beginPanic {
		panic("store connection state corrupted")
	}
	f.beginCalls++
	return f.beginAdm, f.beginErr
}

func (f *fakeStore) Finish(_ context.Context, _ domain.EventID, results map[string]idempotency.ChannelResult, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishCalls++
	f.finishResults = results
	return nil
}

func (f *fakeStore) Fail(_ context.Context, _ domain.EventID, results map[string]idempotency.ChannelResult, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCalls++
	f.failResults = results
	return nil
}

// fakeSender returns a scripted outcome and counts invocations.
type fakeSender struct {
	mu      sync.Mutex
	name    string
	outcome channel.Outcome
	calls   int
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) Send(_ context.Context, _ domain.Event) channel.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := f.outcome
	out.Channel = f.name
	return out
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func okSender(name string) *fakeSender {
	return &fakeSender{name: name, outcome: channel.Outcome{Attempts: 1}}
}

func failingSender(name string, kind classify.Kind) *fakeSender {
	return &fakeSender{name: name, outcome: channel.Outcome{
		Kind:     kind,
		Attempts: 3,
		Err:      classify.NewError(kind, name, "send failed", nil),
	}}
}

type fakeDLQ struct {
	mu    sync.Mutex
	items []domain.EscalatedItem
}

func (f *fakeDLQ) Write(_ context.Context, item domain.EscalatedItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	return nil
}

func (f *fakeDLQ) all() []domain.EscalatedItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.EscalatedItem(nil), f.items...)
}

type fakeAlarmer struct {
	mu    sync.Mutex
	kinds []classify.Kind
}

func (f *fakeAlarmer) Raise(_ context.Context, _ domain.Event, kind classify.Kind, _ error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
}

func (f *fakeAlarmer) raised() []classify.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]classify.Kind(nil), f.kinds...)
}

type harness struct {
	d     *Dispatcher
	store *fakeStore
	mail  *fakeSender
	chat  *fakeSender
	dlq   *fakeDLQ
	alarm *fakeAlarmer
}

func newHarness(t *testing.T, store *fakeStore, mail, chat *fakeSender) *harness {
	t.Helper()
	dlq := &fakeDLQ{}
	alarm := &fakeAlarmer{}
	d := New(Config{
		Table:    router.DefaultTable(),
		Senders:  []channel.Sender{mail, chat},
		Allow:    validation.NewProvenance([]string{"sandbox.leases"}, nil),
		Deadline: 5 * time.Second,
	}, idempotency.NewGuard(store, time.Hour), dlq, alarm, zerolog.Nop())
	return &harness{d: d, store: store, mail: mail, chat: chat, dlq: dlq, alarm: alarm}
}

func event(typ domain.EventType) domain.Event {
	return domain.Event{
		ID:            domain.EventID("evt-1"),
		Type:          typ,
		Source:        "sandbox.leases",
		SourceAccount: "111122223333",
		OccurredAt:    time.Now().UTC(),
		Detail:        json.RawMessage(`{"leaseId":"lease-42","userEmail":"dev@example.com"}`),
	}
}

func TestDispatch_BothChannelsSucceed(t *testing.T) {
	h := newHarness(t, &fakeStore{}, okSender(channel.Mail), okSender(channel.Chat))

	res, err := h.d.Dispatch(context.Background(), event(domain.LeaseFrozen))
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, res.Status)

	assert.Equal(t, 1, h.mail.callCount())
	assert.Equal(t, 1, h.chat.callCount())
	assert.Equal(t, 1, h.store.finishCalls)
	assert.True(t, h.store.finishResults[channel.Mail].Settled)
	assert.True(t, h.store.finishResults[channel.Chat].Settled)
	assert.Empty(t, h.dlq.all())
}

func TestDispatch_MailOnlyRouteSkipsChat(t *testing.T) {
	h := newHarness(t, &fakeStore{}, okSender(channel.Mail), okSender(channel.Chat))

	res, err := h.d.Dispatch(context.Background(), event(domain.LeaseApproved))
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, res.Status)
	assert.Equal(t, 1, h.mail.callCount())
	assert.Equal(t, 0, h.chat.callCount())
}

func TestDispatch_BadProvenanceNeverReachesGuard(t *testing.T) {
	h := newHarness(t, &fakeStore{}, okSender(channel.Mail), okSender(channel.Chat))

	ev := event(domain.LeaseApproved)
	ev.Source = "unknown.system"

	res, err := h.d.Dispatch(context.Background(), ev)
	require.NoError(t, err, "rejected events are terminally handled, not redelivered")
	assert.Equal(t, StatusEscalated, res.Status)

	assert.Equal(t, 0, h.store.beginCalls, "rejected event must not occupy an idempotency slot")
	assert.Equal(t, 0, h.mail.callCount())
	assert.Equal(t, []classify.Kind{classify.KindSecurity}, h.alarm.raised())

	items := h.dlq.all()
	require.Len(t, items, 1)
	assert.Equal(t, string(classify.KindSecurity), items[0].Kind)
}

func TestDispatch_MalformedEnvelopeIsSecurity(t *testing.T) {
	h := newHarness(t, &fakeStore{}, okSender(channel.Mail), okSender(channel.Chat))

	ev := event(domain.LeaseApproved)
	ev.ID = ""

	res, err := h.d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, res.Status)
	assert.Equal(t, 0, h.store.beginCalls)
	assert.Equal(t, []classify.Kind{classify.KindSecurity}, h.alarm.raised())
}

func TestDispatch_DuplicateShortCircuits(t *testing.T) {
	prior := map[string]idempotency.ChannelResult{
		channel.Mail: {Settled: true, Attempts: 1},
		channel.Chat: {Settled: true, Attempts: 2},
	}
	store := &fakeStore{beginAdm: idempotency.Admission{
		Decision: idempotency.AlreadyComplete,
		Prior:    prior,
	}}
	h := newHarness(t, store, okSender(channel.Mail), okSender(channel.Chat))

	res, err := h.d.Dispatch(context.Background(), event(domain.LeaseFrozen))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, res.Status)
	assert.Equal(t, prior, res.Channels)
	assert.Equal(t, 0, h.mail.callCount(), "duplicate must not re-send")
	assert.Equal(t, 0, h.chat.callCount())
}

func TestDispatch_InProgressRequestsRedelivery(t *testing.T) {
	store := &fakeStore{beginAdm: idempotency.Admission{Decision: idempotency.AlreadyInProgress}}
	h := newHarness(t, store, okSender(channel.Mail), okSender(channel.Chat))

	_, err := h.d.Dispatch(context.Background(), event(domain.LeaseFrozen))
	var rd *RedeliverError
	require.ErrorAs(t, err, &rd)
	assert.Equal(t, 0, h.mail.callCount())
}

func TestDispatch_GuardUnavailableRequestsRedelivery(t *testing.T) {
	store := &fakeStore{beginErr: context.DeadlineExceeded}
	h := newHarness(t, store, okSender(channel.Mail), okSender(channel.Chat))

	_, err := h.d.Dispatch(context.Background(), event(domain.LeaseFrozen))
	var rd *RedeliverError
	require.ErrorAs(t, err, &rd)
	assert.Equal(t, 0, h.mail.callCount(), "no side effects without an admission decision")
}

func TestDispatch_ChannelsAreIndependent(t *testing.T) {
	h := newHarness(t, &fakeStore{},
		okSender(channel.Mail),
		failingSender(channel.Chat, classify.KindPermanent))

	res, err := h.d.Dispatch(context.Background(), event(domain.LeaseFrozen))
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, res.Status)

	// Mail delivered and stays settled; chat escalated terminally.
	require.Equal(t, 1, h.store.failCalls)
	assert.True(t, h.store.failResults[channel.Mail].Settled)
	assert.Empty(t, h.store.failResults[channel.Mail].Kind)
	assert.True(t, h.store.failResults[channel.Chat].Settled)
	assert.Equal(t, string(classify.KindPermanent), h.store.failResults[channel.Chat].Kind)

	items := h.dlq.all()
	require.Len(t, items, 1)
	assert.Equal(t, channel.Chat, items[0].Channel)
	assert.Empty(t, h.alarm.raised(), "permanent failures do not alarm")
}

func TestDispatch_RetriablePartialKeepsSettledChannels(t *testing.T) {
	h := newHarness(t, &fakeStore{},
		okSender(channel.Mail),
		failingSender(channel.Chat, classify.KindRetriable))

	_, err := h.d.Dispatch(context.Background(), event(domain.LeaseFrozen))
	var rd *RedeliverError
	require.ErrorAs(t, err, &rd)

	require.Equal(t, 1, h.store.failCalls)
	assert.True(t, h.store.failResults[channel.Mail].Settled)
	_, ok := h.store.failResults[channel.Chat]
	assert.False(t, ok, "unsettled channel is absent so the redelivery re-attempts it")
	assert.Empty(t, h.dlq.all(), "retriable exhaustion is not yet terminal")
}

func TestDispatch_PriorSettledChannelIsSkipped(t *testing.T) {
	store := &fakeStore{beginAdm: idempotency.Admission{
		Decision: idempotency.Admitted,
		Prior: map[string]idempotency.ChannelResult{
			channel.Mail: {Settled: true, Attempts: 1},
		},
	}}
	h := newHarness(t, store, okSender(channel.Mail), okSender(channel.Chat))

	res, err := h.d.Dispatch(context.Background(), event(domain.LeaseFrozen))
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, res.Status)
	assert.Equal(t, 0, h.mail.callCount(), "already-settled channel must not re-send")
	assert.Equal(t, 1, h.chat.callCount())
	assert.True(t, h.store.finishResults[channel.Mail].Settled)
	assert.True(t, h.store.finishResults[channel.Chat].Settled)
}

func TestDispatch_CriticalFailureAlarms(t *testing.T) {
	h := newHarness(t, &fakeStore{},
		okSender(channel.Mail),
		failingSender(channel.Chat, classify.KindCritical))

	res, err := h.d.Dispatch(context.Background(), event(domain.AccountCleanupFailed))
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, res.Status)
	assert.Equal(t, []classify.Kind{classify.KindCritical}, h.alarm.raised())
}

func TestDispatch_UnroutedTypeEscalates(t *testing.T) {
	h := newHarness(t, &fakeStore{}, okSender(channel.Mail), okSender(channel.Chat))

	res, err := h.d.Dispatch(context.Background(), event(domain.EventType("LeaseRenamed")))
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, res.Status)
	assert.Equal(t, 0, h.mail.callCount())
	assert.Equal(t, 1, h.store.failCalls)

	items := h.dlq.all()
	require.Len(t, items, 1)
	assert.Equal(t, string(classify.KindPermanent), items[0].Kind)
}

func TestDispatch_PanicDegradesToEscalation(t *testing.T) {
	store := &fakeStore{beginPanic: true}
	h := newHarness(t, store, okSender(channel.Mail), okSender(channel.Chat))

	res, err := h.d.Dispatch(context.Background(), event(domain.LeaseFrozen))
	require.NoError(t, err, "a panic must never surface or crash the loop")
	assert.Equal(t, StatusEscalated, res.Status)

	items := h.dlq.all()
	require.Len(t, items, 1)
	assert.Equal(t, string(classify.KindPermanent), items[0].Kind)
}

func TestEscalateExhausted_WritesDeadLetterOnly(t *testing.T) {
	h := newHarness(t, &fakeStore{}, okSender(channel.Mail), okSender(channel.Chat))

	ev := event(domain.LeaseFrozen)
	cause := classify.NewError(classify.KindRetriable, channel.Chat, "send failed", nil)
	h.d.EscalateExhausted(context.Background(), ev, 5, cause)

	items := h.dlq.all()
	require.Len(t, items, 1)
	assert.Equal(t, 5, items[0].Attempts)
	assert.Equal(t, channel.Chat, items[0].Channel)
	assert.Equal(t, 0, h.store.failCalls, "the failed record keeps its settled channels for replay")
}
