// Package buffer holds completion notices until their fleet has turned over
// to new voyages, then releases them to the queue in arrival order.
package buffer

import (
	"sort"
	"sync"
	"time"

	"fleetnotify/internal/envelope"
	"fleetnotify/internal/fleet"
	logx "fleetnotify/pkg/logx"
)

// DefaultTolerance is the window within which two arrivals of the same
// vessel are considered the same event.
const DefaultTolerance = 90 * time.Second

// Enqueuer is the queue entry point. *queue.Queue implements it.
type Enqueuer interface {
	TryEnqueue(env envelope.Envelope, forceDuplicate bool) bool
}

// Snapshots exposes the current snapshot of a fleet.
type Snapshots interface {
	Get(fleetID uint64) (fleet.Snapshot, bool)
}

type Buffer struct {
	mu        sync.Mutex
	pending   map[uint64]map[string]envelope.Envelope
	q         Enqueuer
	snaps     Snapshots
	tolerance time.Duration
	log       logx.Logger
}

func New(q Enqueuer, snaps Snapshots, tolerance time.Duration, log logx.Logger) *Buffer {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Buffer{
		pending:   map[uint64]map[string]envelope.Envelope{},
		q:         q,
		snaps:     snaps,
		tolerance: tolerance,
		log:       log,
	}
}

// Add buffers env. It is compared against every entry for the same vessel
// with an arrival within tolerance: env is dropped if any of them is at least
// as good (see Envelope.Better), otherwise it replaces all of them.
// It reports whether env is now buffered.
func (b *Buffer) Add(env envelope.Envelope) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	bucket := b.pending[env.FleetID]
	if bucket == nil {
		bucket = map[string]envelope.Envelope{}
		b.pending[env.FleetID] = bucket
	}
	if _, ok := bucket[env.Hash]; ok {
		return false
	}

	var worse []string
	for h, cur := range bucket {
		if cur.VesselID != env.VesselID || !within(cur.Arrival, env.Arrival, b.tolerance) {
			continue
		}
		if !env.Better(cur) {
			b.log.Debug("buffered notice kept over near-duplicate",
				logx.Hex("fleet", env.FleetID),
				logx.Int("vessel", env.VesselID),
				logx.String("kept", cur.ShortHash()),
			)
			return false
		}
		worse = append(worse, h)
	}
	for _, h := range worse {
		b.log.Debug("buffered notice replaced",
			logx.Hex("fleet", env.FleetID),
			logx.Int("vessel", env.VesselID),
			logx.String("old", bucket[h].ShortHash()),
			logx.String("new", env.ShortHash()),
		)
		delete(bucket, h)
	}
	bucket[env.Hash] = env
	bufferedGauge.Set(float64(b.countLocked()))
	return true
}

// Flush releases the fleet's buffered notices once every vessel in its
// current snapshot is Underway or Scheduled. It returns how many were queued.
func (b *Buffer) Flush(fleetID uint64) int {
	snap, ok := b.snaps.Get(fleetID)
	if !ok || !snap.AllUnderwayOrScheduled() {
		return 0
	}

	b.mu.Lock()
	bucket := b.pending[fleetID]
	delete(b.pending, fleetID)
	bufferedGauge.Set(float64(b.countLocked()))
	b.mu.Unlock()
	if len(bucket) == 0 {
		return 0
	}

	queued := 0
	for _, env := range sortByArrival(bucket) {
		if b.q.TryEnqueue(env, false) {
			queued++
			continue
		}
		b.log.Info("buffered notice dropped: already known to the queue",
			logx.String("hash", env.ShortHash()),
			logx.Hex("fleet", fleetID),
			logx.Int("vessel", env.VesselID),
		)
	}
	b.log.Debug("buffer flushed", logx.Hex("fleet", fleetID), logx.Int("released", len(bucket)), logx.Int("queued", queued))
	return queued
}

// SubmitImmediate bypasses buffering.
func (b *Buffer) SubmitImmediate(env envelope.Envelope, forceDuplicate bool) bool {
	return b.q.TryEnqueue(env, forceDuplicate)
}

// Pending returns a copy of the fleet's buffered notices in arrival order.
func (b *Buffer) Pending(fleetID uint64) []envelope.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortByArrival(b.pending[fleetID])
}

func (b *Buffer) countLocked() int {
	n := 0
	for _, bucket := range b.pending {
		n += len(bucket)
	}
	return n
}

func sortByArrival(bucket map[string]envelope.Envelope) []envelope.Envelope {
	out := make([]envelope.Envelope, 0, len(bucket))
	for _, env := range bucket {
		out = append(out, env)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Arrival.Equal(out[j].Arrival) {
			return out[i].Arrival.Before(out[j].Arrival)
		}
		return out[i].VesselID < out[j].VesselID
	})
	return out
}

func within(a, b time.Time, tol time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= tol
}
