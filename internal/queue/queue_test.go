package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetnotify/internal/envelope"
	"fleetnotify/internal/eventbus"
	"fleetnotify/internal/fleet"
	logx "fleetnotify/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T, cfg Config) (*Queue, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(t0)
	return New(cfg, clk, logx.Nop(), eventbus.Nop{}), clk
}

func mkEnvelope(t *testing.T, vessel int, arrival time.Time) envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.Input{
		FleetID:    0xabc,
		VesselID:   vessel,
		VesselName: "Vessel",
		RouteID:    "r1",
		Arrival:    arrival,
		Status:     fleet.StatusUnderway,
	})
	require.NoError(t, err)
	return env
}

func dequeueNow(t *testing.T, q *Queue) WorkItem {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	it, err := q.Dequeue(ctx)
	require.NoError(t, err)
	return it
}

func TestTryEnqueue_RejectsLiveDuplicate(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	env := mkEnvelope(t, 1, t0.Add(time.Hour))

	require.True(t, q.TryEnqueue(env, false))
	assert.False(t, q.TryEnqueue(env, false))
	assert.Len(t, q.GetPending(), 1)

	// Still blocked while in flight.
	dequeueNow(t, q)
	assert.False(t, q.TryEnqueue(env, false))
	assert.Equal(t, 1, q.Stats().Delivering)
}

func TestTryEnqueue_DeliveredBlocksUntilTTL(t *testing.T) {
	q, clk := newTestQueue(t, Config{DeliveredTTL: time.Hour})
	env := mkEnvelope(t, 1, t0.Add(time.Hour))

	require.True(t, q.TryEnqueue(env, false))
	q.ReportSuccess(dequeueNow(t, q))

	rec, ok := q.Record(env.Hash)
	require.True(t, ok)
	assert.Equal(t, StateDelivered, rec.State)
	assert.False(t, q.TryEnqueue(env, false))

	clk.Advance(time.Hour + time.Second)
	assert.True(t, q.TryEnqueue(env, false))
}

func TestTryEnqueue_ForceDuplicateRefreshesPending(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	env := mkEnvelope(t, 1, t0.Add(time.Hour))

	require.True(t, q.TryEnqueue(env, false))
	it := dequeueNow(t, q)
	require.Equal(t, OutcomeRetry, q.ReportFailure(it, errors.New("boom"), nil))

	pending := q.GetPending()
	require.Len(t, pending, 1)
	require.True(t, pending[0].NextAttemptAt.After(t0))

	require.True(t, q.TryEnqueue(env, true))
	pending = q.GetPending()
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].Attempts)
	assert.Equal(t, t0, pending[0].NextAttemptAt)
	assert.Equal(t, it.ID, pending[0].ID)
}

func TestTryEnqueue_ForceDuplicateAfterDelivery(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	env := mkEnvelope(t, 1, t0.Add(time.Hour))

	require.True(t, q.TryEnqueue(env, false))
	q.ReportSuccess(dequeueNow(t, q))
	require.False(t, q.TryEnqueue(env, false))

	require.True(t, q.TryEnqueue(env, true))
	rec, ok := q.Record(env.Hash)
	require.True(t, ok)
	assert.Equal(t, StatePending, rec.State)
}

func TestReportFailure_BackoffThenDeadLetter(t *testing.T) {
	q, clk := newTestQueue(t, Config{MaxAttempts: 3, Backoff: []time.Duration{time.Second, 10 * time.Second}})
	env := mkEnvelope(t, 1, t0.Add(time.Hour))
	require.True(t, q.TryEnqueue(env, false))

	it := dequeueNow(t, q)
	assert.Equal(t, 1, it.Attempts)
	require.Equal(t, OutcomeRetry, q.ReportFailure(it, errors.New("e1"), nil))
	assert.Equal(t, t0.Add(time.Second), q.GetPending()[0].NextAttemptAt)

	clk.Advance(time.Second)
	it = dequeueNow(t, q)
	assert.Equal(t, 2, it.Attempts)
	require.Equal(t, OutcomeRetry, q.ReportFailure(it, errors.New("e2"), nil))
	assert.Equal(t, clk.Now().Add(10*time.Second), q.GetPending()[0].NextAttemptAt)

	clk.Advance(10 * time.Second)
	it = dequeueNow(t, q)
	require.Equal(t, OutcomeDeadLetter, q.ReportFailure(it, errors.New("e3"), nil))

	assert.Empty(t, q.GetPending())
	dead := q.GetDeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Equal(t, "e3", dead[0].LastError)
	assert.False(t, q.TryEnqueue(env, false))
}

func TestReportFailure_OverrideDelay(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	require.True(t, q.TryEnqueue(mkEnvelope(t, 1, t0.Add(time.Hour)), false))

	d := 42 * time.Second
	require.Equal(t, OutcomeRetry, q.ReportFailure(dequeueNow(t, q), errors.New("429"), &d))
	assert.Equal(t, t0.Add(d), q.GetPending()[0].NextAttemptAt)
}

func TestReportFailure_StaleItemIgnored(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	require.True(t, q.TryEnqueue(mkEnvelope(t, 1, t0.Add(time.Hour)), false))
	it := dequeueNow(t, q)
	q.ReportSuccess(it)

	assert.Equal(t, OutcomeIgnored, q.ReportFailure(it, errors.New("late"), nil))
	assert.Equal(t, OutcomeIgnored, q.MarkDeadLetter(it, errors.New("late")))
	assert.Empty(t, q.GetDeadLetters())
}

func TestDeadLetterCapacityKeepsNewest(t *testing.T) {
	q, _ := newTestQueue(t, Config{MaxAttempts: 1, DeadLetterCapacity: 2})

	var envs []envelope.Envelope
	for v := 1; v <= 3; v++ {
		env := mkEnvelope(t, v, t0.Add(time.Duration(v)*time.Hour))
		envs = append(envs, env)
		require.True(t, q.TryEnqueue(env, false))
		require.Equal(t, OutcomeDeadLetter, q.ReportFailure(dequeueNow(t, q), errors.New("fail"), nil))
	}

	dead := q.GetDeadLetters()
	require.Len(t, dead, 2)
	assert.Equal(t, envs[1].Hash, dead[0].Envelope.Hash)
	assert.Equal(t, envs[2].Hash, dead[1].Envelope.Hash)

	// The trimmed hash is still remembered as dead-lettered.
	assert.False(t, q.TryEnqueue(envs[0], false))
}

func TestTryRequeueDeadLetter(t *testing.T) {
	q, _ := newTestQueue(t, Config{MaxAttempts: 1})
	env := mkEnvelope(t, 1, t0.Add(time.Hour))
	require.True(t, q.TryEnqueue(env, false))
	require.Equal(t, OutcomeDeadLetter, q.MarkDeadLetter(dequeueNow(t, q), errors.New("bad request")))

	assert.False(t, q.TryRequeueDeadLetter("missing"))
	require.True(t, q.TryRequeueDeadLetter(env.Hash))
	assert.Empty(t, q.GetDeadLetters())

	it := dequeueNow(t, q)
	assert.Equal(t, 1, it.Attempts)
	assert.Equal(t, env.Hash, it.Envelope.Hash)
	assert.False(t, q.TryRequeueDeadLetter(env.Hash))
}

func TestTryEnqueue_AfterDeadLetterExpiryKeepsOneLiveItem(t *testing.T) {
	q, clk := newTestQueue(t, Config{MaxAttempts: 1, DeadLetterTTL: 6 * time.Hour})
	env := mkEnvelope(t, 1, t0.Add(time.Hour))

	require.True(t, q.TryEnqueue(env, false))
	require.Equal(t, OutcomeDeadLetter, q.ReportFailure(dequeueNow(t, q), errors.New("503"), nil))

	clk.Advance(7 * time.Hour)
	require.True(t, q.TryEnqueue(env, false))
	assert.Empty(t, q.GetDeadLetters(), "the fresh item supersedes the retained dead letter")
	assert.False(t, q.TryRequeueDeadLetter(env.Hash))

	first := dequeueNow(t, q)
	assert.Equal(t, env.Hash, first.Envelope.Hash)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.True(t, IsCanceled(err), "no second item for the same hash")

	q.ReportSuccess(first)
	rec, ok := q.Record(env.Hash)
	require.True(t, ok)
	assert.Equal(t, StateDelivered, rec.State)
}

func TestTryRequeueDeadLetter_DiscardsStaleCopyWhenLive(t *testing.T) {
	q, _ := newTestQueue(t, Config{MaxAttempts: 1})
	env := mkEnvelope(t, 1, t0.Add(time.Hour))

	require.True(t, q.TryEnqueue(env, false))
	require.Equal(t, OutcomeDeadLetter, q.ReportFailure(dequeueNow(t, q), errors.New("503"), nil))
	require.True(t, q.TryEnqueue(env, true))

	assert.False(t, q.TryRequeueDeadLetter(env.Hash))
	assert.Empty(t, q.GetDeadLetters())
	assert.Len(t, q.GetPending(), 1)
}

func TestRetryEnvelope_HonorsBackoffAndBudget(t *testing.T) {
	q, clk := newTestQueue(t, Config{MaxAttempts: 2, Backoff: []time.Duration{5 * time.Second, 30 * time.Second}})
	env := mkEnvelope(t, 1, t0.Add(time.Hour))

	require.True(t, q.TryEnqueue(env, false))
	q.ReportSuccess(dequeueNow(t, q))

	require.Equal(t, OutcomeRetry, q.RetryEnvelope(env, errors.New("503"), nil))
	pending := q.GetPending()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, t0.Add(5*time.Second), pending[0].NextAttemptAt)
	assert.Equal(t, OutcomeIgnored, q.RetryEnvelope(env, errors.New("503"), nil), "already live")

	clk.Advance(5 * time.Second)
	it := dequeueNow(t, q)
	assert.Equal(t, 2, it.Attempts)
	q.ReportSuccess(it)

	require.Equal(t, OutcomeDeadLetter, q.RetryEnvelope(env, errors.New("503"), nil))
	assert.Empty(t, q.GetPending())
	dead := q.GetDeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, 2, dead[0].Attempts)
}

func TestRetryEnvelope_OverrideDelay(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	env := mkEnvelope(t, 1, t0.Add(time.Hour))
	require.True(t, q.TryEnqueue(env, false))
	q.ReportSuccess(dequeueNow(t, q))

	d := 12 * time.Second
	require.Equal(t, OutcomeRetry, q.RetryEnvelope(env, errors.New("429"), &d))
	assert.Equal(t, t0.Add(d), q.GetPending()[0].NextAttemptAt)
}

func TestDeadLetterEnvelope(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	env := mkEnvelope(t, 1, t0.Add(time.Hour))

	require.True(t, q.TryEnqueue(env, false))
	assert.False(t, q.DeadLetterEnvelope(env, errors.New("batch")), "live hash must not be dead-lettered from outside")

	q.ReportSuccess(dequeueNow(t, q))
	require.True(t, q.DeadLetterEnvelope(env, errors.New("batch rejected")))
	require.Len(t, q.GetDeadLetters(), 1)
	assert.True(t, q.TryRequeueDeadLetter(env.Hash))
}

func TestDequeue_WaitsForBackoff(t *testing.T) {
	q, clk := newTestQueue(t, Config{Backoff: []time.Duration{30 * time.Second}})
	require.True(t, q.TryEnqueue(mkEnvelope(t, 1, t0.Add(time.Hour)), false))
	require.Equal(t, OutcomeRetry, q.ReportFailure(dequeueNow(t, q), errors.New("x"), nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan WorkItem, 1)
	go func() {
		it, err := q.Dequeue(ctx)
		if err == nil {
			got <- it
		}
	}()

	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	select {
	case <-got:
		t.Fatal("dequeued before backoff elapsed")
	default:
	}

	clk.Advance(30 * time.Second)
	select {
	case it := <-got:
		assert.Equal(t, 2, it.Attempts)
	case <-ctx.Done():
		t.Fatal("dequeue did not wake after backoff")
	}
}

func TestDequeue_WakesOnEnqueue(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan WorkItem, 1)
	go func() {
		it, err := q.Dequeue(ctx)
		if err == nil {
			got <- it
		}
	}()

	env := mkEnvelope(t, 7, t0.Add(time.Hour))
	require.True(t, q.TryEnqueue(env, false))
	select {
	case it := <-got:
		assert.Equal(t, env.Hash, it.Envelope.Hash)
	case <-ctx.Done():
		t.Fatal("dequeue did not wake on enqueue")
	}
}

func TestDequeue_Canceled(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	assert.True(t, IsCanceled(err))
}

func TestCollectGarbage(t *testing.T) {
	q, clk := newTestQueue(t, Config{DeliveredTTL: time.Minute, MaxAttempts: 1, DeadLetterTTL: time.Hour})
	a := mkEnvelope(t, 1, t0.Add(time.Hour))
	b := mkEnvelope(t, 2, t0.Add(time.Hour))
	c := mkEnvelope(t, 3, t0.Add(time.Hour))

	require.True(t, q.TryEnqueue(a, false))
	q.ReportSuccess(dequeueNow(t, q))
	require.True(t, q.TryEnqueue(b, false))
	q.ReportFailure(dequeueNow(t, q), errors.New("x"), nil)
	require.True(t, q.TryEnqueue(c, false))

	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, q.CollectGarbage())
	assert.Equal(t, 2, q.Stats().Records)

	st := q.Stats()
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.DeadLetters)
}

func TestEventsPublished(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, eventbus.TopicQueued, eventbus.TopicDelivered)
	defer unsub()

	q := New(Config{}, clockwork.NewFakeClockAt(t0), logx.Nop(), bus)
	env := mkEnvelope(t, 1, t0.Add(time.Hour))
	require.True(t, q.TryEnqueue(env, false))
	q.ReportSuccess(dequeueNow(t, q))

	e := <-ch
	assert.Equal(t, eventbus.TopicQueued, e.Type)
	e = <-ch
	assert.Equal(t, eventbus.TopicDelivered, e.Type)
	ev, ok := e.Data.(DeliveryEvent)
	require.True(t, ok)
	assert.Equal(t, env.Hash, ev.Hash)
	assert.Equal(t, "delivered", ev.Status)
}
