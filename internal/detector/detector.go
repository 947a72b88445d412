// Package detector turns successive fleet snapshots into notification
// candidates.
//
// Completion notices go through the buffer (released once the fleet turns
// over); underway notices go straight to the queue, throttled per vessel by
// the force-notify cooldown when that mode is enabled.
package detector

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"fleetnotify/internal/envelope"
	"fleetnotify/internal/fleet"
	logx "fleetnotify/pkg/logx"
)

var (
	ErrInvalidSnapshot = errors.New("invalid snapshot")
	ErrUnknownFleet    = errors.New("unknown fleet")
	ErrUnknownVessel   = errors.New("unknown vessel")
	ErrNoVoyage        = errors.New("vessel has no voyage with an arrival")
)

// Reasons recorded in ForceNotifyState.
const (
	ReasonFirstDetect     = "first-detect"
	ReasonArrivalChanged  = "arrival-changed"
	ReasonCooldownExpired = "cooldown-expired"
	ReasonManual          = "manual"
)

type Config struct {
	NotifyOnCompletion bool
	NotifyOnUnderway   bool
	ForceNotify        bool
	// Cooldown between force-notify emissions for one vessel; default 30m.
	Cooldown time.Duration
	// DuplicateTolerance for repeated completion reports; default 90s.
	DuplicateTolerance time.Duration
}

func (c Config) withDefaults() Config {
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Minute
	}
	if c.DuplicateTolerance <= 0 {
		c.DuplicateTolerance = 90 * time.Second
	}
	return c
}

// Sink receives the detector's candidates. *buffer.Buffer implements it.
type Sink interface {
	Add(env envelope.Envelope) bool
	SubmitImmediate(env envelope.Envelope, forceDuplicate bool) bool
	Flush(fleetID uint64) int
}

// Snapshots exposes the current snapshot of a fleet.
type Snapshots interface {
	Get(fleetID uint64) (fleet.Snapshot, bool)
}

// ForceNotifyState is the per-vessel cooldown bookkeeping.
type ForceNotifyState struct {
	CooldownUntil time.Time `json:"cooldown_until"`
	LastArrival   time.Time `json:"last_arrival"`
	Reason        string    `json:"reason"`
	// LastLoggedMinutes throttles "suppressed" log lines; -1 before the first one.
	LastLoggedMinutes int `json:"last_logged_minutes"`
}

// ForceNotifyEntry is one row of ForceNotifySnapshot.
type ForceNotifyEntry struct {
	VesselID int `json:"vessel_id"`
	ForceNotifyState
}

// Result summarizes one Process call.
type Result struct {
	Buffered   int
	Immediate  int
	Suppressed int
	Flushed    int
}

type Detector struct {
	mu    sync.Mutex
	cfg   Config
	clock clockwork.Clock
	log   logx.Logger
	sink  Sink
	snaps Snapshots
	force map[uint64]map[int]*ForceNotifyState
}

func New(cfg Config, sink Sink, snaps Snapshots, clock clockwork.Clock, log logx.Logger) *Detector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Detector{
		cfg:   cfg.withDefaults(),
		clock: clock,
		log:   log,
		sink:  sink,
		snaps: snaps,
		force: map[uint64]map[int]*ForceNotifyState{},
	}
}

// Apply hot-reloads the feature flags and timings.
func (d *Detector) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	if !d.cfg.ForceNotify {
		d.force = map[uint64]map[int]*ForceNotifyState{}
	}
	d.mu.Unlock()
}

func (d *Detector) IsForceNotifyEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.ForceNotify
}

// ForceNotifySnapshot returns a copy of the fleet's cooldown state, by vessel id.
func (d *Detector) ForceNotifySnapshot(fleetID uint64) []ForceNotifyEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	states := d.force[fleetID]
	out := make([]ForceNotifyEntry, 0, len(states))
	for id, st := range states {
		out = append(out, ForceNotifyEntry{VesselID: id, ForceNotifyState: *st})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VesselID < out[j].VesselID })
	return out
}

// Process compares cur against prev for one fleet. prev may be the zero
// Snapshot when cur is the first one seen.
func (d *Detector) Process(prev, cur fleet.Snapshot) (Result, error) {
	fleetID := cur.FleetID()
	if fleetID == 0 {
		detectTotal.WithLabelValues("rejected", "invalid").Inc()
		return Result{}, fmt.Errorf("%w: fleet id is required", ErrInvalidSnapshot)
	}
	if !prev.IsZero() && prev.FleetID() != fleetID {
		return Result{}, fmt.Errorf("%w: previous snapshot belongs to fleet %s", ErrInvalidSnapshot, fleet.FormatFleetID(prev.FleetID()))
	}

	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()

	log := d.log.With(logx.Hex("fleet", fleetID))
	var res Result
	active := map[int]struct{}{}

	for _, v := range cur.Vessels() {
		latest := v.Latest
		if latest == nil {
			continue
		}
		var prevLatest *fleet.Voyage
		if pv, ok := prev.Vessel(v.ID); ok {
			prevLatest = pv.Latest
		}

		switch latest.Status {
		case fleet.StatusCompleted:
			if !latest.HasArrival() {
				continue
			}
			if prevLatest != nil && prevLatest.Status == fleet.StatusCompleted && prevLatest.HasArrival() &&
				within(*prevLatest.Arrival, *latest.Arrival, cfg.DuplicateTolerance) {
				continue
			}
			if !cfg.NotifyOnCompletion {
				continue
			}
			env, err := envelope.FromVoyage(fleetID, v, envelope.ConfidenceObserved)
			if err != nil {
				log.Warn("completion skipped", logx.Int("vessel", v.ID), logx.Err(err))
				continue
			}
			if d.sink.Add(env) {
				res.Buffered++
				detectTotal.WithLabelValues("completed", "buffered").Inc()
			}

		case fleet.StatusUnderway:
			active[v.ID] = struct{}{}
			if !cfg.NotifyOnUnderway && !cfg.ForceNotify {
				continue
			}
			if !latest.HasArrival() {
				log.Debug("underway voyage without arrival", logx.Int("vessel", v.ID))
				continue
			}
			env, err := envelope.FromVoyage(fleetID, v, envelope.ConfidenceObserved)
			if err != nil {
				log.Warn("underway skipped", logx.Int("vessel", v.ID), logx.Err(err))
				continue
			}

			if cfg.ForceNotify {
				emit, reason := d.cooldownDecision(fleetID, v.ID, env.Arrival, cfg.Cooldown, log)
				if !emit {
					res.Suppressed++
					continue
				}
				// A cooldown re-emission repeats an already delivered hash.
				force := reason == ReasonCooldownExpired
				if d.sink.SubmitImmediate(env, force) {
					res.Immediate++
				}
				detectTotal.WithLabelValues("underway", reason).Inc()
				log.Info("underway notice", logx.Int("vessel", v.ID), logx.String("reason", reason))
				continue
			}

			if prevLatest != nil && prevLatest.Status == fleet.StatusUnderway {
				continue
			}
			if d.sink.SubmitImmediate(env, false) {
				res.Immediate++
				detectTotal.WithLabelValues("underway", "transition").Inc()
			}
		}
	}

	d.prune(fleetID, active)
	res.Flushed = d.sink.Flush(fleetID)
	return res, nil
}

// cooldownDecision runs the force-notify state machine for one vessel.
func (d *Detector) cooldownDecision(fleetID uint64, vesselID int, arrival time.Time, cooldown time.Duration, log logx.Logger) (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	states := d.force[fleetID]
	if states == nil {
		states = map[int]*ForceNotifyState{}
		d.force[fleetID] = states
	}
	st, ok := states[vesselID]

	var reason string
	switch {
	case !ok:
		reason = ReasonFirstDetect
	case !st.LastArrival.Equal(arrival):
		reason = ReasonArrivalChanged
	case !now.Before(st.CooldownUntil):
		reason = ReasonCooldownExpired
	default:
		remaining := int(st.CooldownUntil.Sub(now) / time.Minute)
		if st.LastLoggedMinutes < 0 || remaining < st.LastLoggedMinutes {
			st.LastLoggedMinutes = remaining
			log.Debug("underway notice suppressed by cooldown",
				logx.Int("vessel", vesselID),
				logx.Int("remaining_min", remaining),
				logx.String("reason", st.Reason),
			)
		}
		return false, st.Reason
	}

	states[vesselID] = &ForceNotifyState{
		CooldownUntil:     now.Add(cooldown),
		LastArrival:       arrival,
		Reason:            reason,
		LastLoggedMinutes: -1,
	}
	return true, reason
}

// prune drops cooldown state for vessels that are no longer underway.
func (d *Detector) prune(fleetID uint64, active map[int]struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	states := d.force[fleetID]
	for id := range states {
		if _, ok := active[id]; !ok {
			delete(states, id)
		}
	}
	if len(states) == 0 {
		delete(d.force, fleetID)
	}
}

// RecordManualTrigger re-emits the vessel's current voyage, bypassing the
// queue's delivery memo, and restarts its cooldown.
func (d *Detector) RecordManualTrigger(fleetID uint64, vesselID int) (envelope.Envelope, error) {
	snap, ok := d.snaps.Get(fleetID)
	if !ok {
		return envelope.Envelope{}, fmt.Errorf("%w: %s", ErrUnknownFleet, fleet.FormatFleetID(fleetID))
	}
	v, ok := snap.Vessel(vesselID)
	if !ok {
		return envelope.Envelope{}, fmt.Errorf("%w: %d", ErrUnknownVessel, vesselID)
	}
	if !v.Latest.HasArrival() {
		return envelope.Envelope{}, fmt.Errorf("%w: %d", ErrNoVoyage, vesselID)
	}
	env, err := envelope.FromVoyage(fleetID, v, envelope.ConfidenceObserved)
	if err != nil {
		return envelope.Envelope{}, err
	}

	d.mu.Lock()
	cooldown := d.cfg.Cooldown
	states := d.force[fleetID]
	if states == nil {
		states = map[int]*ForceNotifyState{}
		d.force[fleetID] = states
	}
	states[vesselID] = &ForceNotifyState{
		CooldownUntil:     d.clock.Now().Add(cooldown),
		LastArrival:       env.Arrival,
		Reason:            ReasonManual,
		LastLoggedMinutes: -1,
	}
	d.mu.Unlock()

	d.sink.SubmitImmediate(env, true)
	detectTotal.WithLabelValues(v.Latest.Status.String(), ReasonManual).Inc()
	d.log.Info("manual trigger recorded", logx.Hex("fleet", fleetID), logx.Int("vessel", vesselID), logx.String("hash", env.ShortHash()))
	return env, nil
}

func within(a, b time.Time, tol time.Duration) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tol
}
