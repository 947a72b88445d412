// Package dispatch drains the retry queue with a single consumer loop and
// hands each envelope to the configured Dispatcher (normally a batching
// policy), reporting the outcome back to the queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fleetnotify/internal/envelope"
	"fleetnotify/internal/queue"
	"fleetnotify/internal/runtime/supervisor"
	logx "fleetnotify/pkg/logx"
)

// Dispatcher delivers one envelope. A nil error means the envelope was
// accepted (it may still be batched before reaching the channel).
type Dispatcher interface {
	Dispatch(ctx context.Context, env envelope.Envelope) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, env envelope.Envelope) error

func (f DispatcherFunc) Dispatch(ctx context.Context, env envelope.Envelope) error {
	return f(ctx, env)
}

// Queue is the part of *queue.Queue the worker consumes.
type Queue interface {
	Dequeue(ctx context.Context) (queue.WorkItem, error)
	ReportSuccess(item queue.WorkItem)
	ReportFailure(item queue.WorkItem, cause error, overrideDelay *time.Duration) queue.Outcome
	MarkDeadLetter(item queue.WorkItem, cause error) queue.Outcome
}

type Config struct {
	// StopTimeout bounds Stop; default 5s.
	StopTimeout time.Duration
	// ErrorPause is the pause after a failed Dequeue; default 1s.
	ErrorPause time.Duration
}

func (c Config) withDefaults() Config {
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.ErrorPause <= 0 {
		c.ErrorPause = time.Second
	}
	return c
}

type Worker struct {
	cfg  Config
	q    Queue
	d    Dispatcher
	exec Executor
	log  logx.Logger

	mu  sync.Mutex
	sup *supervisor.Supervisor
}

func NewWorker(cfg Config, q Queue, d Dispatcher, exec Executor, log logx.Logger) *Worker {
	if exec == nil {
		exec = Inline{}
	}
	return &Worker{cfg: cfg.withDefaults(), q: q, d: d, exec: exec, log: log}
}

// Start launches the consumer loop under its own supervisor.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sup != nil {
		return ErrAlreadyStarted
	}
	w.sup = supervisor.New(ctx, supervisor.WithLogger(w.log))
	w.sup.Go("dispatch.worker", w.run)
	w.log.Info("dispatch worker started")
	return nil
}

// Stop cancels the loop and waits up to StopTimeout (or ctx) for it to exit.
// An in-flight delivery sees its context canceled.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	sup := w.sup
	w.sup = nil
	w.mu.Unlock()
	if sup == nil {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, w.cfg.StopTimeout)
	defer cancel()
	err := sup.Stop(waitCtx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		w.log.Error("dispatch worker stop timed out", logx.Duration("timeout", w.cfg.StopTimeout))
		return ErrUngracefulStop
	}
	w.log.Info("dispatch worker stopped")
	return err
}

func (w *Worker) run(ctx context.Context) error {
	for {
		item, err := w.next(ctx)
		if ctx.Err() != nil {
			if err == nil {
				w.release(item, ctx.Err())
			}
			return nil
		}
		if err != nil {
			w.log.Error("dequeue failed", logx.Err(err))
			t := time.NewTimer(w.cfg.ErrorPause)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			continue
		}
		w.handle(ctx, item)
	}
}

// release hands back an item dequeued while the worker was stopping, the
// same way an interrupted delivery is reported: due again immediately.
func (w *Worker) release(item queue.WorkItem, cause error) {
	zero := time.Duration(0)
	w.q.ReportFailure(item, cause, &zero)
	w.log.Debug("dequeued item released on stop", logx.String("hash", item.Envelope.ShortHash()))
}

// next never panics; a panic inside the queue becomes an error so the loop survives.
func (w *Worker) next(ctx context.Context) (item queue.WorkItem, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in dequeue: %v", r)
		}
	}()
	return w.q.Dequeue(ctx)
}

func (w *Worker) handle(ctx context.Context, item queue.WorkItem) {
	log := w.log.With(
		logx.String("hash", item.Envelope.ShortHash()),
		logx.Hex("fleet", item.Envelope.FleetID),
		logx.Int("vessel", item.Envelope.VesselID),
		logx.Int("attempt", item.Attempts),
	)

	start := time.Now()
	err := w.exec.Run(ctx, func(c context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in dispatcher: %v", r)
			}
		}()
		return w.d.Dispatch(c, item.Envelope)
	})
	dispatchDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		w.q.ReportSuccess(item)
		dispatchTotal.WithLabelValues("ok").Inc()
		log.Debug("dispatched", logx.Duration("took", time.Since(start)))
	case IsPermanent(err):
		w.q.MarkDeadLetter(item, err)
		dispatchTotal.WithLabelValues("permanent").Inc()
	default:
		var override *time.Duration
		result := "transient"
		if d, ok := RetryAfter(err); ok {
			override = &d
			result = "rate_limited"
		} else if ctx.Err() != nil {
			// Interrupted by shutdown: keep the item eligible immediately.
			zero := time.Duration(0)
			override = &zero
			result = "canceled"
		}
		outcome := w.q.ReportFailure(item, err, override)
		dispatchTotal.WithLabelValues(result).Inc()
		log.Debug("dispatch failed", logx.String("result", result), logx.String("outcome", outcome.String()), logx.Err(err))
	}
}
