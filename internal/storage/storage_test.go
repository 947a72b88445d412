package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetnotify/internal/batching"
	"fleetnotify/internal/eventbus"
	"fleetnotify/internal/queue"
	logx "fleetnotify/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestOpen_Disabled(t *testing.T) {
	st, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
}

func TestStores(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "journal.db")}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				require.NoError(t, st.Append(ctx, Entry{
					At:       t0.Add(time.Duration(i) * time.Hour),
					Kind:     eventbus.TopicDelivered,
					Hash:     "h" + string(rune('a'+i)),
					FleetID:  0xabc,
					VesselID: i,
					Attempts: 1,
				}))
			}

			recent, err := st.Recent(ctx, 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, "he", recent[0].Hash)
			assert.Equal(t, "hd", recent[1].Hash)
			assert.Equal(t, uint64(0xabc), recent[0].FleetID)
			assert.True(t, recent[0].At.Equal(t0.Add(4*time.Hour)))

			n, err := st.Prune(ctx, t0.Add(3*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			all, err := st.Recent(ctx, 10)
			require.NoError(t, err)
			require.Len(t, all, 2)

			// Appends keep working after a prune.
			require.NoError(t, st.Append(ctx, Entry{At: t0.Add(5 * time.Hour), Kind: eventbus.TopicRetry, FleetID: 1, Error: "boom"}))
			all, err = st.Recent(ctx, 10)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "boom", all[0].Error)
		})
	}
}

func TestEntryFromEvent(t *testing.T) {
	e, ok := EntryFromEvent(eventbus.Event{Type: eventbus.TopicDeadLetter, Data: queue.DeliveryEvent{
		ItemID: "id", Hash: "h", FleetID: 7, VesselID: 3, Attempts: 5, At: t0, Error: "gave up",
	}})
	require.True(t, ok)
	assert.Equal(t, Entry{At: t0, Kind: eventbus.TopicDeadLetter, Hash: "h", FleetID: 7, VesselID: 3, ItemID: "id", Attempts: 5, Error: "gave up"}, e)

	e, ok = EntryFromEvent(eventbus.Event{Type: eventbus.TopicBatchSent, Data: batching.BatchEvent{
		ID: "b", FleetID: 7, Policy: "window", Size: 1, Hashes: []string{"h"}, At: t0,
	}})
	require.True(t, ok)
	assert.Equal(t, "h", e.Hash)
	assert.Equal(t, "window", e.Policy)

	_, ok = EntryFromEvent(eventbus.Event{Type: eventbus.TopicQueued, Data: "other"})
	assert.False(t, ok)
}

func TestRecorder_PersistsBusEvents(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "j")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	rec := NewRecorder(st, bus, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	// Publish until the subscription is live and the entry lands.
	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TopicDelivered, Data: queue.DeliveryEvent{Hash: "h1", FleetID: 1, At: t0}})
		got, err := st.Recent(context.Background(), 1)
		return err == nil && len(got) == 1 && got[0].Hash == "h1"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
