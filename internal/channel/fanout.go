package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetnotify/internal/batching"
	"fleetnotify/internal/dispatch"
	logx "fleetnotify/pkg/logx"
)

// ErrNoSinks is returned by a Fanout without any configured sink.
var ErrNoSinks = errors.New("no channel configured")

// Named is a sink with a name for logs and metrics.
type Named struct {
	Name string
	Sink batching.Sink
}

// Fanout delivers each message to every sink. It succeeds when at least one
// sink accepted the message; when all fail, the returned error keeps the
// strongest classification: rate-limited (longest delay) over transient over
// permanent.
type Fanout struct {
	sinks []Named
	log   logx.Logger
}

func NewFanout(log logx.Logger, sinks ...Named) *Fanout {
	return &Fanout{sinks: sinks, log: log}
}

func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) Send(ctx context.Context, msg batching.Message) error {
	if len(f.sinks) == 0 {
		return dispatch.Permanent(ErrNoSinks)
	}

	var (
		errs      []error
		ok        int
		throttle  time.Duration
		throttled bool
		transient bool
	)
	for _, s := range f.sinks {
		err := s.Sink.Send(ctx, msg)
		if err == nil {
			ok++
			sendTotal.WithLabelValues(s.Name, "ok").Inc()
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		switch d, rl := dispatch.RetryAfter(err); {
		case rl:
			sendTotal.WithLabelValues(s.Name, "rate_limited").Inc()
			throttled = true
			if d > throttle {
				throttle = d
			}
		case dispatch.IsPermanent(err):
			sendTotal.WithLabelValues(s.Name, "permanent").Inc()
		default:
			sendTotal.WithLabelValues(s.Name, "transient").Inc()
			transient = true
		}
		f.log.Warn("channel send failed", logx.String("channel", s.Name), logx.Hex("fleet", msg.FleetID), logx.Err(err))
	}

	if ok > 0 {
		return nil
	}
	joined := errors.Join(errs...)
	if len(errs) > 1 && (throttled || transient) {
		// Flatten so a permanent failure of one channel does not classify the whole send.
		joined = errors.New(joined.Error())
	}
	switch {
	case throttled:
		return dispatch.RateLimited(joined, throttle)
	case transient:
		return joined
	default:
		return dispatch.Permanent(joined)
	}
}
