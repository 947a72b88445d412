package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetnotify/internal/batching"
	"fleetnotify/internal/envelope"
	"fleetnotify/internal/fleet"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type names struct{}

func (names) FleetName(uint64) string { return "North Squadron" }
func (names) VesselName(_ uint64, id int, reported string) string {
	if id == 2 {
		return "Aurora"
	}
	return reported
}

func env(t *testing.T, vessel int, name string, status fleet.Status, arrival time.Time) envelope.Envelope {
	t.Helper()
	e, err := envelope.New(envelope.Input{
		FleetID:    0xabc,
		VesselID:   vessel,
		VesselName: name,
		RouteName:  "Harbor Run",
		Arrival:    arrival,
		Status:     status,
	})
	require.NoError(t, err)
	return e
}

func TestRenderer_Format(t *testing.T) {
	r := NewRenderer(nil, nil)
	assert.Equal(t, "Kestrel arrived (Harbor Run) at 2026-03-01 12:00 UTC",
		r.Format(env(t, 1, "Kestrel", fleet.StatusCompleted, t0)))
	assert.Equal(t, "Kestrel underway (Harbor Run), ETA 2026-03-01 12:30 UTC",
		r.Format(env(t, 1, "Kestrel", fleet.StatusUnderway, t0.Add(30*time.Minute))))
	assert.Equal(t, "vessel 7 arrived (Harbor Run) at 2026-03-01 12:00 UTC",
		r.Format(env(t, 7, "", fleet.StatusCompleted, t0)))
}

func TestRenderer_FormatUsesDirectoryNames(t *testing.T) {
	r := NewRenderer(names{}, nil)
	assert.Equal(t, "Aurora arrived (Harbor Run) at 2026-03-01 12:00 UTC",
		r.Format(env(t, 2, "raw-name", fleet.StatusCompleted, t0)))
}

func TestRenderer_RenderAggregated(t *testing.T) {
	r := NewRenderer(names{}, time.FixedZone("UTC+2", 2*3600))
	a := env(t, 1, "Kestrel", fleet.StatusCompleted, t0)
	b := env(t, 2, "", fleet.StatusCompleted, t0.Add(5*time.Minute))
	msg := batching.Message{
		FleetID:   0xabc,
		Kind:      batching.KindAggregated,
		Items:     []batching.Item{{Envelope: a}, {Envelope: b, Payload: "custom line"}},
		Timestamp: b.Arrival,
	}

	got := r.Render(msg)
	assert.Equal(t, "North Squadron: 2 voyage updates\n"+
		"- Kestrel arrived (Harbor Run) at 2026-03-01 14:00 UTC+2\n"+
		"- custom line\n"+
		"Latest arrival 2026-03-01 14:05 UTC+2", got)
}

func TestRenderer_RenderCycleAndForced(t *testing.T) {
	r := NewRenderer(nil, nil)
	done := env(t, 1, "Kestrel", fleet.StatusCompleted, t0)
	next := env(t, 1, "Kestrel", fleet.StatusUnderway, t0.Add(time.Hour))

	got := r.Render(batching.Message{
		FleetID:   0xabc,
		Kind:      batching.KindCycle,
		Items:     []batching.Item{{Envelope: next}},
		Completed: []batching.Item{{Envelope: done}},
		Forced:    true,
	})
	assert.Equal(t, "abc: fleet cycle complete (manual)\n"+
		"- Kestrel underway (Harbor Run), ETA 2026-03-01 13:00 UTC\n"+
		"Completed:\n"+
		"- Kestrel arrived (Harbor Run) at 2026-03-01 12:00 UTC", got)
}

func TestRenderer_RenderSingle(t *testing.T) {
	r := NewRenderer(names{}, nil)
	got := r.Render(batching.Message{
		FleetID: 0xabc,
		Kind:    batching.KindSingle,
		Items:   []batching.Item{{Envelope: env(t, 1, "Kestrel", fleet.StatusCompleted, t0)}},
	})
	assert.Equal(t, "North Squadron\n- Kestrel arrived (Harbor Run) at 2026-03-01 12:00 UTC", got)
}
