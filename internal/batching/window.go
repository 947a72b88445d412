package batching

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"fleetnotify/internal/dispatch"
	"fleetnotify/internal/envelope"
	logx "fleetnotify/pkg/logx"
)

// timerFlushTimeout bounds a flush started by a window timer.
const timerFlushTimeout = 30 * time.Second

type windowState struct {
	items []Item
	timer clockwork.Timer
	// gen invalidates timers that fired after their batch was taken.
	gen          uint64
	blockedUntil time.Time
}

// windowPolicy accumulates items per fleet for a short window. The first item
// arms the timer; reaching maxBatch flushes at once.
type windowPolicy struct {
	*base

	mu       sync.Mutex
	window   time.Duration
	maxBatch int
	fleets   map[uint64]*windowState
	closed   bool
	inflight sync.WaitGroup
}

func newWindow(b *base, cfg Config) *windowPolicy {
	p := &windowPolicy{base: b, fleets: map[uint64]*windowState{}}
	p.applyLocked(cfg)
	return p
}

func (p *windowPolicy) Name() string { return PolicyWindow }

// Apply updates the window and batch size; armed timers keep their deadline.
func (p *windowPolicy) Apply(cfg Config) {
	p.mu.Lock()
	p.applyLocked(cfg)
	p.mu.Unlock()
}

func (p *windowPolicy) applyLocked(cfg Config) {
	p.window = ClampWindow(cfg.Window)
	p.maxBatch = cfg.MaxBatch
	if p.maxBatch <= 0 {
		p.maxBatch = DefaultMaxBatch
	}
}

func (p *windowPolicy) state(fleetID uint64) *windowState {
	st := p.fleets[fleetID]
	if st == nil {
		st = &windowState{}
		p.fleets[fleetID] = st
	}
	return st
}

// take empties the batch and disarms its timer. Caller holds p.mu.
func (st *windowState) take() []Item {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.gen++
	items := st.items
	st.items = nil
	return items
}

func (p *windowPolicy) Dispatch(ctx context.Context, env envelope.Envelope) error {
	it := p.item(env)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	st := p.state(env.FleetID)
	now := p.clock.Now()
	if now.Before(st.blockedUntil) {
		wait := st.blockedUntil.Sub(now)
		p.mu.Unlock()
		return dispatch.RateLimited(errThrottled, wait)
	}

	replaced := false
	for i := range st.items {
		if st.items[i].Envelope.Hash == env.Hash {
			st.items[i] = it
			replaced = true
			break
		}
	}
	if !replaced {
		st.items = append(st.items, it)
	}

	if len(st.items) >= p.maxBatch {
		items := st.take()
		p.mu.Unlock()
		return p.flushFull(ctx, env, items)
	}
	if st.timer == nil {
		gen, fleetID := st.gen, env.FleetID
		st.timer = p.clock.AfterFunc(p.window, func() { p.onTimer(fleetID, gen) })
	}
	p.mu.Unlock()
	return nil
}

// flushFull sends a full batch from the worker's goroutine. On failure the
// current envelope's error goes back to the worker (so the queue retries or
// dead-letters it) and the rest of the batch is handed back to the queue.
func (p *windowPolicy) flushFull(ctx context.Context, cur envelope.Envelope, items []Item) error {
	err := p.send(ctx, PolicyWindow, p.message(cur.FleetID, "", items, false))
	if err == nil {
		return nil
	}
	if d, ok := dispatch.RetryAfter(err); ok {
		p.hold(cur.FleetID, items, d, err)
		return nil
	}
	others := make([]Item, 0, len(items))
	for _, it := range items {
		if it.Envelope.Hash != cur.Hash {
			others = append(others, it)
		}
	}
	p.returnToQueue(others, err)
	return err
}

func (p *windowPolicy) onTimer(fleetID uint64, gen uint64) {
	p.mu.Lock()
	st := p.fleets[fleetID]
	if p.closed || st == nil || st.gen != gen {
		p.mu.Unlock()
		return
	}
	st.timer = nil
	items := st.take()
	if len(items) == 0 {
		p.mu.Unlock()
		return
	}
	p.inflight.Add(1)
	p.mu.Unlock()
	defer p.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), timerFlushTimeout)
	defer cancel()
	p.flushAcked(ctx, fleetID, items, false)
}

// flushAcked sends items the queue has already acknowledged.
func (p *windowPolicy) flushAcked(ctx context.Context, fleetID uint64, items []Item, forced bool) error {
	err := p.send(ctx, PolicyWindow, p.message(fleetID, "", items, forced))
	if err == nil {
		return nil
	}
	if d, ok := dispatch.RetryAfter(err); ok {
		p.hold(fleetID, items, d, err)
		return err
	}
	p.returnToQueue(items, err)
	return err
}

// hold puts a throttled batch back in front of the fleet's pending items and
// re-arms the timer for when the channel allows sending again.
func (p *windowPolicy) hold(fleetID uint64, items []Item, after time.Duration, cause error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.returnToQueue(items, cause)
		return
	}
	st := p.state(fleetID)
	held := st.take()
	st.items = append(append([]Item(nil), items...), held...)
	st.blockedUntil = p.clock.Now().Add(after)
	gen := st.gen
	st.timer = p.clock.AfterFunc(after, func() { p.onTimer(fleetID, gen) })
	p.mu.Unlock()

	p.log.Warn("channel throttled; batch held",
		logx.Hex("fleet", fleetID),
		logx.Int("size", len(items)),
		logx.Duration("retry_after", after),
	)
}

func (p *windowPolicy) FlushNow(ctx context.Context, fleetID uint64) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	st := p.fleets[fleetID]
	if st == nil || len(st.items) == 0 {
		p.mu.Unlock()
		return nil
	}
	items := st.take()
	p.mu.Unlock()
	return p.flushAcked(ctx, fleetID, items, true)
}

func (p *windowPolicy) Pending(fleetID uint64) []Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.fleets[fleetID]
	if st == nil {
		return nil
	}
	return SortItems(st.items)
}

// Close disarms every timer, waits for timer flushes already running and
// sends what is still held. Anything that cannot be sent goes back to the queue.
func (p *windowPolicy) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	batches := make(map[uint64][]Item, len(p.fleets))
	for id, st := range p.fleets {
		if items := st.take(); len(items) > 0 {
			batches[id] = items
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	var errs []error
	for id, items := range batches {
		if err := ctx.Err(); err != nil {
			p.returnToQueue(items, err)
			errs = append(errs, err)
			continue
		}
		if err := p.send(ctx, PolicyWindow, p.message(id, "", items, false)); err != nil {
			p.returnToQueue(items, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
