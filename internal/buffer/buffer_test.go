package buffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetnotify/internal/envelope"
	"fleetnotify/internal/fleet"
	logx "fleetnotify/pkg/logx"
)

const fleetID = uint64(0x77)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeQueue struct {
	queued []envelope.Envelope
	seen   map[string]bool
}

func (q *fakeQueue) TryEnqueue(env envelope.Envelope, force bool) bool {
	if q.seen == nil {
		q.seen = map[string]bool{}
	}
	if q.seen[env.Hash] && !force {
		return false
	}
	q.seen[env.Hash] = true
	q.queued = append(q.queued, env)
	return true
}

type snapMap map[uint64]fleet.Snapshot

func (m snapMap) Get(id uint64) (fleet.Snapshot, bool) {
	s, ok := m[id]
	return s, ok
}

func ptr(t time.Time) *time.Time { return &t }

func snapshot(statuses ...fleet.Status) fleet.Snapshot {
	vessels := make([]fleet.Vessel, len(statuses))
	for i, st := range statuses {
		vessels[i] = fleet.Vessel{ID: i + 1, Latest: &fleet.Voyage{RouteID: "r", Arrival: ptr(t0), Status: st}}
	}
	return fleet.NewSnapshot(fleetID, t0, vessels)
}

func env(t *testing.T, in envelope.Input) envelope.Envelope {
	t.Helper()
	in.FleetID = fleetID
	in.Status = fleet.StatusCompleted
	e, err := envelope.New(in)
	require.NoError(t, err)
	return e
}

func TestAdd_NearDuplicateKeepsBetter(t *testing.T) {
	b := New(&fakeQueue{}, snapMap{}, 0, logx.Nop())

	bare := env(t, envelope.Input{VesselID: 1, Arrival: t0})
	rich := env(t, envelope.Input{VesselID: 1, RouteID: "r1", VesselName: "Aurora", Arrival: t0.Add(30 * time.Second)})
	earlier := env(t, envelope.Input{VesselID: 1, Arrival: t0.Add(-10 * time.Second)})

	require.True(t, b.Add(bare))
	assert.False(t, b.Add(rich), "later arrival loses even with richer data")
	require.True(t, b.Add(earlier))

	got := b.Pending(fleetID)
	require.Len(t, got, 1)
	assert.Equal(t, earlier.Hash, got[0].Hash)
}

func TestAdd_RicherDataWinsOnEqualArrival(t *testing.T) {
	b := New(&fakeQueue{}, snapMap{}, 0, logx.Nop())

	bare := env(t, envelope.Input{VesselID: 1, RouteID: "r1", Arrival: t0})
	named := env(t, envelope.Input{VesselID: 1, RouteID: "r2", VesselName: "Aurora", Arrival: t0})

	require.True(t, b.Add(bare))
	require.True(t, b.Add(named))
	got := b.Pending(fleetID)
	require.Len(t, got, 1)
	assert.Equal(t, "Aurora", got[0].VesselName)
}

func TestAdd_OutsideToleranceIsSeparate(t *testing.T) {
	b := New(&fakeQueue{}, snapMap{}, 0, logx.Nop())
	require.True(t, b.Add(env(t, envelope.Input{VesselID: 1, Arrival: t0})))
	require.True(t, b.Add(env(t, envelope.Input{VesselID: 1, Arrival: t0.Add(2 * time.Minute)})))
	require.True(t, b.Add(env(t, envelope.Input{VesselID: 2, Arrival: t0})))
	assert.Len(t, b.Pending(fleetID), 3)
}

func TestAdd_ComparesEveryNearDuplicate(t *testing.T) {
	first := env(t, envelope.Input{VesselID: 1, Arrival: t0})
	last := env(t, envelope.Input{VesselID: 1, Arrival: t0.Add(180 * time.Second)})
	middle := env(t, envelope.Input{VesselID: 1, Arrival: t0.Add(90 * time.Second)})

	// Map order varies between runs; repeat so both entries get visited first.
	for i := 0; i < 20; i++ {
		b := New(&fakeQueue{}, snapMap{}, 90*time.Second, logx.Nop())
		require.True(t, b.Add(first))
		require.True(t, b.Add(last))

		assert.False(t, b.Add(middle), "the 0s entry is within tolerance and arrives earlier")
		got := b.Pending(fleetID)
		require.Len(t, got, 2)
		assert.Equal(t, first.Hash, got[0].Hash)
		assert.Equal(t, last.Hash, got[1].Hash)
	}
}

func TestFlush_GatedOnFleetTurnover(t *testing.T) {
	q := &fakeQueue{}
	snaps := snapMap{fleetID: snapshot(fleet.StatusUnderway, fleet.StatusCompleted)}
	b := New(q, snaps, 0, logx.Nop())

	late := env(t, envelope.Input{VesselID: 1, Arrival: t0.Add(time.Hour)})
	early := env(t, envelope.Input{VesselID: 2, Arrival: t0})
	b.Add(late)
	b.Add(early)

	assert.Equal(t, 0, b.Flush(fleetID))
	assert.Empty(t, q.queued)

	snaps[fleetID] = snapshot(fleet.StatusUnderway, fleet.StatusScheduled)
	assert.Equal(t, 2, b.Flush(fleetID))
	require.Len(t, q.queued, 2)
	assert.Equal(t, early.Hash, q.queued[0].Hash)
	assert.Equal(t, late.Hash, q.queued[1].Hash)
	assert.Empty(t, b.Pending(fleetID))
}

func TestFlush_VesselWithoutVoyageHoldsEntries(t *testing.T) {
	q := &fakeQueue{}
	snap := snapshot(fleet.StatusUnderway, fleet.StatusScheduled)
	vessels := append(snap.Vessels(), fleet.Vessel{ID: 3})
	b := New(q, snapMap{fleetID: fleet.NewSnapshot(fleetID, t0, vessels)}, 0, logx.Nop())

	b.Add(env(t, envelope.Input{VesselID: 1, Arrival: t0}))
	assert.Equal(t, 0, b.Flush(fleetID))
	assert.Empty(t, q.queued)
	assert.Len(t, b.Pending(fleetID), 1)
}

func TestFlush_UnknownFleetHoldsEntries(t *testing.T) {
	q := &fakeQueue{}
	b := New(q, snapMap{}, 0, logx.Nop())
	b.Add(env(t, envelope.Input{VesselID: 1, Arrival: t0}))
	assert.Equal(t, 0, b.Flush(fleetID))
	assert.Len(t, b.Pending(fleetID), 1)
}

func TestFlush_RejectedEntriesAreDropped(t *testing.T) {
	e := env(t, envelope.Input{VesselID: 1, Arrival: t0})
	q := &fakeQueue{seen: map[string]bool{e.Hash: true}}
	b := New(q, snapMap{fleetID: snapshot(fleet.StatusUnderway)}, 0, logx.Nop())

	b.Add(e)
	assert.Equal(t, 0, b.Flush(fleetID))
	assert.Empty(t, b.Pending(fleetID))
}

func TestSubmitImmediate(t *testing.T) {
	q := &fakeQueue{}
	b := New(q, snapMap{}, 0, logx.Nop())
	e := env(t, envelope.Input{VesselID: 1, Arrival: t0})

	assert.True(t, b.SubmitImmediate(e, false))
	assert.False(t, b.SubmitImmediate(e, false))
	assert.True(t, b.SubmitImmediate(e, true))
	assert.Empty(t, b.Pending(fleetID))
}
