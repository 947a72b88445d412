package maintenance

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"fleetnotify/internal/queue"
	"fleetnotify/internal/storage"
	logx "fleetnotify/pkg/logx"
)

// Job names used by the daemon.
const (
	JobPollSource   = "source.poll"
	JobCollectGC    = "queue.gc"
	JobSummary      = "queue.summary"
	JobPruneJournal = "journal.prune"
)

// Poller is satisfied by *source.FilePoller.
type Poller interface {
	Poll(ctx context.Context) (int, error)
}

// QueueStats is satisfied by *queue.Queue.
type QueueStats interface {
	Stats() queue.Stats
	CollectGarbage() int
}

// PollJob loads new fleet state.
func PollJob(p Poller) Job {
	return func(ctx context.Context) error {
		_, err := p.Poll(ctx)
		return err
	}
}

// GCJob drops expired delivery records.
func GCJob(q QueueStats, log logx.Logger) Job {
	return func(context.Context) error {
		if n := q.CollectGarbage(); n > 0 {
			log.Debug("delivery records collected", logx.Int("removed", n))
		}
		return nil
	}
}

// SummaryJob logs queue depth. Dead letters raise it to a warning.
func SummaryJob(q QueueStats, log logx.Logger) Job {
	return func(context.Context) error {
		st := q.Stats()
		fields := []logx.Field{
			logx.Int("pending", st.Pending),
			logx.Int("delivering", st.Delivering),
			logx.Int("dead_letters", st.DeadLetters),
			logx.Int("records", st.Records),
		}
		if st.DeadLetters > 0 {
			log.Warn("queue summary", fields...)
		} else {
			log.Info("queue summary", fields...)
		}
		return nil
	}
}

// PruneJob removes journal entries older than retention.
func PruneJob(st storage.Store, retention time.Duration, clock clockwork.Clock, log logx.Logger) Job {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return func(ctx context.Context) error {
		n, err := st.Prune(ctx, clock.Now().Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("journal pruned", logx.Int("removed", n), logx.Duration("retention", retention))
		}
		return nil
	}
}
