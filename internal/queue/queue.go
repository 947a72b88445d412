// Package queue is the retry queue and dead-letter store of the notification
// pipeline.
//
// It combines a min-heap keyed by next eligible attempt, a pending-by-hash
// index, a delivery-record cache with TTL expiry and a bounded dead-letter
// list. All mutation happens under one mutex; a single consumer is woken
// through a signal channel instead of polling.
//
// At most one live work item exists per content hash at any time.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"fleetnotify/internal/envelope"
	"fleetnotify/internal/eventbus"
	logx "fleetnotify/pkg/logx"
)

// Queue is safe for concurrent use by producers and one consumer.
type Queue struct {
	mu sync.Mutex

	cfg   Config
	clock clockwork.Clock
	log   logx.Logger
	bus   eventbus.Bus

	heap    itemHeap
	live    map[string]*WorkItem // hash -> pending or delivering item
	records map[string]DeliveryRecord
	dead    []*WorkItem // oldest first

	// signal wakes the consumer. Capacity 1: wake-ups coalesce because the
	// consumer re-inspects the heap after every wake.
	signal chan struct{}
}

func New(cfg Config, clock clockwork.Clock, log logx.Logger, bus eventbus.Bus) *Queue {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Queue{
		cfg:     cfg.withDefaults(),
		clock:   clock,
		log:     log,
		bus:     bus,
		live:    map[string]*WorkItem{},
		records: map[string]DeliveryRecord{},
		signal:  make(chan struct{}, 1),
	}
}

// Config returns the effective configuration.
func (q *Queue) Config() Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	cfg := q.cfg
	cfg.Backoff = append([]time.Duration(nil), q.cfg.Backoff...)
	return cfg
}

// TryEnqueue queues env unless its hash already has a live or fresh outcome.
// With forceDuplicate the prior outcome is ignored and the record is reset to
// pending. It reports whether the envelope is now queued.
func (q *Queue) TryEnqueue(env envelope.Envelope, forceDuplicate bool) bool {
	if env.Hash == "" {
		q.log.Warn("enqueue rejected: envelope without hash", logx.Hex("fleet", env.FleetID), logx.Int("vessel", env.VesselID))
		enqueueTotal.WithLabelValues("invalid").Inc()
		return false
	}

	q.mu.Lock()
	now := q.clock.Now()

	if rec, ok := q.records[env.Hash]; ok {
		if !rec.fresh(now) {
			delete(q.records, env.Hash)
		} else if !forceDuplicate {
			q.mu.Unlock()
			q.log.Debug("enqueue rejected: duplicate", logx.String("hash", env.ShortHash()), logx.String("record", rec.State.String()))
			enqueueTotal.WithLabelValues("duplicate").Inc()
			q.publish(eventbus.TopicDuplicate, WorkItem{Envelope: env, State: rec.State}, now, nil)
			return false
		}
	}

	if forceDuplicate {
		if it, ok := q.live[env.Hash]; ok {
			if it.State == StateDelivering {
				// In flight: the running attempt already carries this event.
				q.mu.Unlock()
				enqueueTotal.WithLabelValues("in_flight").Inc()
				return false
			}
			it.Envelope = env
			it.Attempts = 0
			it.LastError = ""
			it.NextAttemptAt = now
			heap.Fix(&q.heap, it.index)
			cp := *it
			q.updateDepthLocked()
			q.mu.Unlock()
			q.wake()
			enqueueTotal.WithLabelValues("forced").Inc()
			q.publish(eventbus.TopicQueued, cp, now, nil)
			return true
		}
	} else if _, ok := q.live[env.Hash]; ok {
		q.mu.Unlock()
		enqueueTotal.WithLabelValues("duplicate").Inc()
		return false
	}

	// A fresh item supersedes any retained dead letter for the hash, so a
	// later requeue of that dead letter cannot create a second live item.
	q.removeDeadLocked(env.Hash)
	it := &WorkItem{
		ID:            uuid.NewString(),
		Envelope:      env,
		CreatedAt:     now,
		NextAttemptAt: now,
		State:         StatePending,
	}
	heap.Push(&q.heap, it)
	q.live[env.Hash] = it
	q.records[env.Hash] = DeliveryRecord{Hash: env.Hash, State: StatePending, UpdatedAt: now}
	cp := *it
	q.updateDepthLocked()
	q.mu.Unlock()

	q.wake()
	if forceDuplicate {
		enqueueTotal.WithLabelValues("forced").Inc()
	} else {
		enqueueTotal.WithLabelValues("queued").Inc()
	}
	q.log.Debug("notification queued",
		logx.String("hash", env.ShortHash()),
		logx.Hex("fleet", env.FleetID),
		logx.Int("vessel", env.VesselID),
		logx.String("status", env.Status.String()),
		logx.Bool("forced", forceDuplicate),
	)
	q.publish(eventbus.TopicQueued, cp, now, nil)
	return true
}

// Dequeue blocks until an item is eligible (next attempt <= now), marks it
// delivering and returns a copy. It returns ctx.Err() on cancellation.
func (q *Queue) Dequeue(ctx context.Context) (WorkItem, error) {
	for {
		if err := ctx.Err(); err != nil {
			return WorkItem{}, err
		}

		q.mu.Lock()
		now := q.clock.Now()
		wait := time.Duration(-1)
		if len(q.heap) > 0 {
			top := q.heap[0]
			if !top.NextAttemptAt.After(now) {
				heap.Pop(&q.heap)
				top.State = StateDelivering
				top.Attempts++
				top.LastAttemptAt = now
				q.records[top.Envelope.Hash] = DeliveryRecord{Hash: top.Envelope.Hash, State: StateDelivering, UpdatedAt: now}
				cp := *top
				q.updateDepthLocked()
				q.mu.Unlock()
				return cp, nil
			}
			wait = top.NextAttemptAt.Sub(now)
		}
		q.mu.Unlock()

		var timerC <-chan time.Time
		var timer clockwork.Timer
		if wait >= 0 {
			timer = q.clock.NewTimer(wait)
			timerC = timer.Chan()
		}
		select {
		case <-ctx.Done():
		case <-q.signal:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// ReportSuccess marks the item delivered and remembers the outcome for DeliveredTTL.
func (q *Queue) ReportSuccess(item WorkItem) {
	q.mu.Lock()
	it := q.liveLocked(item)
	if it == nil {
		q.mu.Unlock()
		q.log.Debug("success report ignored: item not live", logx.String("item", item.ID))
		return
	}
	now := q.clock.Now()
	delete(q.live, it.Envelope.Hash)
	it.State = StateDelivered
	it.LastError = ""
	q.records[it.Envelope.Hash] = DeliveryRecord{
		Hash:      it.Envelope.Hash,
		State:     StateDelivered,
		Attempts:  it.Attempts,
		UpdatedAt: now,
		ExpiresAt: now.Add(q.cfg.DeliveredTTL),
	}
	cp := *it
	q.updateDepthLocked()
	q.mu.Unlock()

	outcomeTotal.WithLabelValues("delivered").Inc()
	q.publish(eventbus.TopicDelivered, cp, now, nil)
}

// ReportFailure schedules a retry, or dead-letters the item once MaxAttempts
// attempts have failed. overrideDelay, when set, replaces the backoff schedule
// (e.g. a rate-limit hint from the channel).
func (q *Queue) ReportFailure(item WorkItem, cause error, overrideDelay *time.Duration) Outcome {
	q.mu.Lock()
	it := q.liveLocked(item)
	if it == nil {
		q.mu.Unlock()
		q.log.Debug("failure report ignored: item not live", logx.String("item", item.ID))
		return OutcomeIgnored
	}
	now := q.clock.Now()
	it.LastError = errString(cause)

	if it.Attempts >= q.cfg.MaxAttempts {
		cp := q.deadLetterLocked(it, now)
		q.mu.Unlock()
		q.onDeadLetter(cp, now, cause)
		return OutcomeDeadLetter
	}

	delay := q.backoffLocked(it.Attempts)
	if overrideDelay != nil && *overrideDelay >= 0 {
		delay = *overrideDelay
	}
	it.State = StatePending
	it.NextAttemptAt = now.Add(delay)
	heap.Push(&q.heap, it)
	q.records[it.Envelope.Hash] = DeliveryRecord{Hash: it.Envelope.Hash, State: StatePending, UpdatedAt: now}
	cp := *it
	q.updateDepthLocked()
	q.mu.Unlock()

	q.wake()
	outcomeTotal.WithLabelValues("retry").Inc()
	q.log.Warn("delivery failed; retry scheduled",
		logx.String("hash", cp.Envelope.ShortHash()),
		logx.Int("attempt", cp.Attempts),
		logx.Int("max", q.cfg.MaxAttempts),
		logx.Duration("delay", delay),
		logx.Err(cause),
	)
	q.publish(eventbus.TopicRetry, cp, now, cause)
	return OutcomeRetry
}

// MarkDeadLetter dead-letters a live item immediately (permanent failure).
func (q *Queue) MarkDeadLetter(item WorkItem, cause error) Outcome {
	q.mu.Lock()
	it := q.liveLocked(item)
	if it == nil {
		q.mu.Unlock()
		return OutcomeIgnored
	}
	now := q.clock.Now()
	it.LastError = errString(cause)
	cp := q.deadLetterLocked(it, now)
	q.mu.Unlock()
	q.onDeadLetter(cp, now, cause)
	return OutcomeDeadLetter
}

// DeadLetterEnvelope records an already-acknowledged envelope as dead-lettered,
// e.g. when the channel rejected the batch it was part of. It is ignored
// while the hash is live in the queue.
func (q *Queue) DeadLetterEnvelope(env envelope.Envelope, cause error) bool {
	if env.Hash == "" {
		return false
	}
	q.mu.Lock()
	if _, ok := q.live[env.Hash]; ok {
		q.mu.Unlock()
		return false
	}
	now := q.clock.Now()
	attempts := q.spentLocked(env.Hash)
	q.removeDeadLocked(env.Hash)
	it := &WorkItem{
		ID:            uuid.NewString(),
		Envelope:      env,
		Attempts:      attempts,
		CreatedAt:     now,
		LastAttemptAt: now,
		LastError:     errString(cause),
		index:         -1,
	}
	cp := q.deadLetterLocked(it, now)
	q.mu.Unlock()
	q.onDeadLetter(cp, now, cause)
	return true
}

// RetryEnvelope takes back an acknowledged envelope whose batched send failed
// transiently. Attempts already spent on the hash count against MaxAttempts;
// an exhausted budget dead-letters the envelope instead. overrideDelay
// replaces the backoff schedule as in ReportFailure. A live hash is left alone.
func (q *Queue) RetryEnvelope(env envelope.Envelope, cause error, overrideDelay *time.Duration) Outcome {
	if env.Hash == "" {
		return OutcomeIgnored
	}
	q.mu.Lock()
	if _, ok := q.live[env.Hash]; ok {
		q.mu.Unlock()
		return OutcomeIgnored
	}
	now := q.clock.Now()
	attempts := q.spentLocked(env.Hash)
	q.removeDeadLocked(env.Hash)
	it := &WorkItem{
		ID:            uuid.NewString(),
		Envelope:      env,
		Attempts:      attempts,
		CreatedAt:     now,
		LastAttemptAt: now,
		LastError:     errString(cause),
		index:         -1,
	}
	if attempts >= q.cfg.MaxAttempts {
		cp := q.deadLetterLocked(it, now)
		q.mu.Unlock()
		q.onDeadLetter(cp, now, cause)
		return OutcomeDeadLetter
	}

	delay := q.backoffLocked(attempts)
	if overrideDelay != nil && *overrideDelay >= 0 {
		delay = *overrideDelay
	}
	it.State = StatePending
	it.NextAttemptAt = now.Add(delay)
	heap.Push(&q.heap, it)
	q.live[env.Hash] = it
	q.records[env.Hash] = DeliveryRecord{Hash: env.Hash, State: StatePending, Attempts: attempts, UpdatedAt: now}
	cp := *it
	q.updateDepthLocked()
	q.mu.Unlock()

	q.wake()
	outcomeTotal.WithLabelValues("retry").Inc()
	q.log.Warn("batched delivery failed; retry scheduled",
		logx.String("hash", cp.Envelope.ShortHash()),
		logx.Int("attempt", cp.Attempts),
		logx.Int("max", q.cfg.MaxAttempts),
		logx.Duration("delay", delay),
		logx.Err(cause),
	)
	q.publish(eventbus.TopicRetry, cp, now, cause)
	return OutcomeRetry
}

// TryRequeueDeadLetter moves one dead letter back to pending with a fresh
// attempt budget. It is a no-op when hash is not currently dead-lettered. If
// the hash was queued again meanwhile, the stale dead letter is discarded.
func (q *Queue) TryRequeueDeadLetter(hash string) bool {
	q.mu.Lock()
	it := q.removeDeadLocked(hash)
	if it == nil {
		q.mu.Unlock()
		return false
	}
	if _, ok := q.live[hash]; ok {
		q.updateDepthLocked()
		q.mu.Unlock()
		q.log.Info("dead letter discarded: hash is queued again", logx.String("hash", it.Envelope.ShortHash()))
		return false
	}
	now := q.clock.Now()
	it.State = StatePending
	it.Attempts = 0
	it.LastError = ""
	it.NextAttemptAt = now
	heap.Push(&q.heap, it)
	q.live[hash] = it
	q.records[hash] = DeliveryRecord{Hash: hash, State: StatePending, UpdatedAt: now}
	cp := *it
	q.updateDepthLocked()
	q.mu.Unlock()

	q.wake()
	outcomeTotal.WithLabelValues("requeued").Inc()
	q.log.Info("dead letter requeued", logx.String("hash", cp.Envelope.ShortHash()))
	q.publish(eventbus.TopicRequeued, cp, now, nil)
	return true
}

// GetPending returns copies of pending and in-flight items ordered by next attempt.
func (q *Queue) GetPending() []WorkItem {
	q.mu.Lock()
	out := make([]WorkItem, 0, len(q.live))
	for _, it := range q.live {
		out = append(out, *it)
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextAttemptAt.Equal(out[j].NextAttemptAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
	})
	return out
}

// GetDeadLetters returns copies of retained dead letters, oldest first.
func (q *Queue) GetDeadLetters() []WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]WorkItem, len(q.dead))
	for i, it := range q.dead {
		out[i] = *it
	}
	return out
}

// Record returns the delivery record for hash, if one exists and is fresh.
func (q *Queue) Record(hash string) (DeliveryRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[hash]
	if !ok || !rec.fresh(q.clock.Now()) {
		return DeliveryRecord{}, false
	}
	return rec, true
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Stats{DeadLetters: len(q.dead), Records: len(q.records)}
	for _, it := range q.live {
		if it.State == StateDelivering {
			st.Delivering++
		} else {
			st.Pending++
		}
	}
	return st
}

// CollectGarbage drops expired delivery records and returns how many were removed.
func (q *Queue) CollectGarbage() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	n := 0
	for h, rec := range q.records {
		if !rec.fresh(now) {
			delete(q.records, h)
			n++
		}
	}
	return n
}

func (q *Queue) liveLocked(item WorkItem) *WorkItem {
	it, ok := q.live[item.Envelope.Hash]
	if !ok || it.ID != item.ID || it.State != StateDelivering {
		return nil
	}
	return it
}

// deadLetterLocked moves it to the dead-letter list, trimming the oldest
// entries beyond capacity. Trimmed entries keep their delivery record so the
// hash stays blocked until DeadLetterTTL.
func (q *Queue) deadLetterLocked(it *WorkItem, now time.Time) WorkItem {
	delete(q.live, it.Envelope.Hash)
	if it.index >= 0 && it.index < len(q.heap) && q.heap[it.index] == it {
		heap.Remove(&q.heap, it.index)
	}
	it.State = StateDeadLetter
	it.NextAttemptAt = time.Time{}
	q.records[it.Envelope.Hash] = DeliveryRecord{
		Hash:      it.Envelope.Hash,
		State:     StateDeadLetter,
		Attempts:  it.Attempts,
		UpdatedAt: now,
		ExpiresAt: now.Add(q.cfg.DeadLetterTTL),
	}
	q.dead = append(q.dead, it)
	if over := len(q.dead) - q.cfg.DeadLetterCapacity; over > 0 {
		for i := 0; i < over; i++ {
			q.dead[i] = nil
		}
		q.dead = append([]*WorkItem(nil), q.dead[over:]...)
	}
	q.updateDepthLocked()
	return *it
}

func (q *Queue) removeDeadLocked(hash string) *WorkItem {
	for i, it := range q.dead {
		if it.Envelope.Hash == hash {
			q.dead = append(q.dead[:i], q.dead[i+1:]...)
			return it
		}
	}
	return nil
}

// spentLocked is the number of attempts already made for an acknowledged
// hash, at least one.
func (q *Queue) spentLocked(hash string) int {
	if rec, ok := q.records[hash]; ok && rec.Attempts > 1 {
		return rec.Attempts
	}
	return 1
}

func (q *Queue) backoffLocked(attempts int) time.Duration {
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(q.cfg.Backoff) {
		idx = len(q.cfg.Backoff) - 1
	}
	return q.cfg.Backoff[idx]
}

func (q *Queue) updateDepthLocked() {
	pending, delivering := 0, 0
	for _, it := range q.live {
		if it.State == StateDelivering {
			delivering++
		} else {
			pending++
		}
	}
	queueDepth.WithLabelValues("pending").Set(float64(pending))
	queueDepth.WithLabelValues("delivering").Set(float64(delivering))
	queueDepth.WithLabelValues("dead_letter").Set(float64(len(q.dead)))
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) onDeadLetter(it WorkItem, now time.Time, cause error) {
	outcomeTotal.WithLabelValues("dead_letter").Inc()
	q.log.Error("notification dead-lettered",
		logx.String("hash", it.Envelope.ShortHash()),
		logx.Hex("fleet", it.Envelope.FleetID),
		logx.Int("vessel", it.Envelope.VesselID),
		logx.Int("attempts", it.Attempts),
		logx.Err(cause),
	)
	q.publish(eventbus.TopicDeadLetter, it, now, cause)
}

func (q *Queue) publish(topic string, it WorkItem, now time.Time, cause error) {
	q.bus.Publish(eventbus.Event{Type: topic, Time: now, Data: DeliveryEvent{
		ItemID:   it.ID,
		Hash:     it.Envelope.Hash,
		FleetID:  it.Envelope.FleetID,
		VesselID: it.Envelope.VesselID,
		Status:   it.State.String(),
		Attempts: it.Attempts,
		At:       now,
		NextAt:   it.NextAttemptAt,
		Error:    errString(cause),
	}})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsCanceled reports whether err came from Dequeue cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
