package storage

import (
	"context"
	"time"

	"fleetnotify/internal/batching"
	"fleetnotify/internal/eventbus"
	"fleetnotify/internal/queue"
	logx "fleetnotify/pkg/logx"
)

// JournalTopics are the bus topics the Recorder persists.
var JournalTopics = []string{
	eventbus.TopicDelivered,
	eventbus.TopicRetry,
	eventbus.TopicDeadLetter,
	eventbus.TopicRequeued,
	eventbus.TopicBatchSent,
	eventbus.TopicBatchFailed,
}

// Recorder copies delivery outcomes from the event bus into a Store.
// The bus drops events for slow subscribers, so the journal is best-effort.
type Recorder struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger
	// Buffer is the subscription size; 256 when zero.
	Buffer int
	// WriteTimeout bounds each Append; 2s when zero.
	WriteTimeout time.Duration
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, bus: bus, log: log}
}

// Run blocks until ctx is done or the subscription closes.
func (r *Recorder) Run(ctx context.Context) error {
	buf := r.Buffer
	if buf <= 0 {
		buf = 256
	}
	timeout := r.WriteTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ch, unsub := r.bus.Subscribe(buf, JournalTopics...)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			e, ok := EntryFromEvent(ev)
			if !ok {
				continue
			}
			if e.At.IsZero() {
				e.At = ev.Time
			}
			wctx, cancel := context.WithTimeout(ctx, timeout)
			err := r.store.Append(wctx, e)
			cancel()
			if err != nil {
				r.log.Warn("journal append failed", logx.String("kind", e.Kind), logx.Err(err))
			}
		}
	}
}

// EntryFromEvent maps queue and batching events onto journal entries.
func EntryFromEvent(ev eventbus.Event) (Entry, bool) {
	switch d := ev.Data.(type) {
	case queue.DeliveryEvent:
		return Entry{
			At:       d.At,
			Kind:     ev.Type,
			Hash:     d.Hash,
			FleetID:  d.FleetID,
			VesselID: d.VesselID,
			ItemID:   d.ItemID,
			Attempts: d.Attempts,
			Error:    d.Error,
		}, true
	case batching.BatchEvent:
		e := Entry{
			At:      d.At,
			Kind:    ev.Type,
			FleetID: d.FleetID,
			BatchID: d.ID,
			Policy:  d.Policy,
			Size:    d.Size,
			Error:   d.Error,
		}
		if len(d.Hashes) == 1 {
			e.Hash = d.Hashes[0]
		}
		return e, true
	default:
		return Entry{}, false
	}
}
