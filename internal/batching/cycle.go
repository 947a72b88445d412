package batching

import (
	"context"
	"errors"
	"sync"

	"fleetnotify/internal/dispatch"
	"fleetnotify/internal/envelope"
	"fleetnotify/internal/fleet"
	logx "fleetnotify/pkg/logx"
)

type cycleState struct {
	completed map[int]Item
	underway  map[int]Item
	ready     bool
}

func newCycleState() *cycleState {
	return &cycleState{completed: map[int]Item{}, underway: map[int]Item{}}
}

// cyclePolicy sends one message per fleet turnover: it waits until every
// vessel has reported Completed (cycle ready), then until every vessel has
// reported Underway, and sends the underway notices together. Underway
// notices are only collected while the cycle is ready.
type cyclePolicy struct {
	*base

	// sendMu serializes sends so a forced flush and the worker never race
	// on the same cycle.
	sendMu sync.Mutex

	mu        sync.Mutex
	cycleSize int
	fleets    map[uint64]*cycleState
	closed    bool
}

func newCycle(b *base, cfg Config) *cyclePolicy {
	p := &cyclePolicy{base: b, fleets: map[uint64]*cycleState{}}
	p.applyLocked(cfg)
	return p
}

func (p *cyclePolicy) Name() string { return PolicyCycle }

func (p *cyclePolicy) Apply(cfg Config) {
	p.mu.Lock()
	p.applyLocked(cfg)
	p.mu.Unlock()
}

func (p *cyclePolicy) applyLocked(cfg Config) {
	p.cycleSize = cfg.CycleSize
	if p.cycleSize <= 0 {
		p.cycleSize = DefaultCycleSize
	}
}

// sizeLocked prefers the live fleet size over the configured cycle size.
func (p *cyclePolicy) sizeLocked(fleetID uint64) int {
	if n := p.size(fleetID); n > 0 {
		return n
	}
	return p.cycleSize
}

func (p *cyclePolicy) state(fleetID uint64) *cycleState {
	st := p.fleets[fleetID]
	if st == nil {
		st = newCycleState()
		p.fleets[fleetID] = st
	}
	return st
}

func (p *cyclePolicy) Dispatch(ctx context.Context, env envelope.Envelope) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	it := p.item(env)
	log := p.log.With(logx.Hex("fleet", env.FleetID), logx.Int("vessel", env.VesselID))

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	st := p.state(env.FleetID)
	size := p.sizeLocked(env.FleetID)

	switch env.Status {
	case fleet.StatusCompleted:
		st.completed[env.VesselID] = it
		if !st.ready && len(st.completed) >= size {
			st.ready = true
			log.Info("fleet cycle ready", logx.Int("completed", len(st.completed)))
		}
		p.mu.Unlock()
		return nil

	case fleet.StatusUnderway:
		if !st.ready {
			// Departures before the fleet finished its previous voyages belong
			// to no cycle; holding them would resurface them in a later one.
			p.mu.Unlock()
			log.Debug("underway notice outside a ready cycle; not held")
			return nil
		}
		st.underway[env.VesselID] = it
		if len(st.underway) < size {
			p.mu.Unlock()
			return nil
		}
		underway, completed := values(st.underway), values(st.completed)
		p.mu.Unlock()

		msg := p.message(env.FleetID, KindCycle, underway, false)
		msg.Completed = SortItems(completed)
		err := p.send(ctx, PolicyCycle, msg)
		switch {
		case err == nil:
			p.reset(env.FleetID)
			return nil
		case dispatch.IsPermanent(err):
			p.reset(env.FleetID)
			others := make([]Item, 0, len(underway))
			for _, u := range underway {
				if u.Envelope.Hash != env.Hash {
					others = append(others, u)
				}
			}
			p.returnToQueue(others, err)
			return err
		default:
			// State is kept: the queue retries this envelope, and the retry
			// re-attempts the whole cycle.
			return err
		}

	default:
		p.mu.Unlock()
		return p.send(ctx, PolicyCycle, p.message(env.FleetID, KindSingle, []Item{it}, false))
	}
}

func (p *cyclePolicy) reset(fleetID uint64) {
	p.mu.Lock()
	p.fleets[fleetID] = newCycleState()
	p.mu.Unlock()
}

// FlushNow sends the underway notices held for the fleet without waiting for
// the cycle to complete. Completed notices and the cycle-ready flag survive,
// so a manual resend does not require a new completion cycle.
func (p *cyclePolicy) FlushNow(ctx context.Context, fleetID uint64) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	st := p.fleets[fleetID]
	if st == nil || len(st.underway) == 0 {
		p.mu.Unlock()
		return nil
	}
	underway, completed := values(st.underway), values(st.completed)
	p.mu.Unlock()

	msg := p.message(fleetID, KindCycle, underway, true)
	msg.Completed = SortItems(completed)
	if err := p.send(ctx, PolicyCycle, msg); err != nil {
		return err
	}

	p.mu.Lock()
	if st := p.fleets[fleetID]; st != nil {
		for _, u := range underway {
			delete(st.underway, u.Envelope.VesselID)
		}
	}
	p.mu.Unlock()
	return nil
}

// Pending returns held underway notices followed by held completions.
func (p *cyclePolicy) Pending(fleetID uint64) []Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.fleets[fleetID]
	if st == nil {
		return nil
	}
	return append(SortItems(values(st.underway)), SortItems(values(st.completed))...)
}

// Ready reports whether the fleet's completion cycle is complete.
func (p *cyclePolicy) Ready(fleetID uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.fleets[fleetID]
	return st != nil && st.ready
}

// Close sends every partial cycle still held so nothing is silently dropped.
func (p *cyclePolicy) Close(ctx context.Context) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	held := p.fleets
	p.fleets = map[uint64]*cycleState{}
	p.mu.Unlock()

	var errs []error
	for id, st := range held {
		if len(st.underway) == 0 && len(st.completed) == 0 {
			continue
		}
		msg := p.message(id, KindCycle, values(st.underway), false)
		msg.Completed = SortItems(values(st.completed))
		if msg.Timestamp.IsZero() {
			for _, c := range msg.Completed {
				if c.Envelope.Arrival.After(msg.Timestamp) {
					msg.Timestamp = c.Envelope.Arrival
				}
			}
		}
		if err := p.send(ctx, PolicyCycle, msg); err != nil {
			p.returnToQueue(append(msg.Items, msg.Completed...), err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func values(m map[int]Item) []Item {
	out := make([]Item, 0, len(m))
	for _, it := range m {
		out = append(out, it)
	}
	return out
}
