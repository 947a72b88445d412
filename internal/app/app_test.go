package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetnotify/internal/config"
	"fleetnotify/internal/eventbus"
)

const stateDoc = `{
  "fleets": [{
    "id": "abc",
    "captured_at": "2026-03-01T12:00:00Z",
    "vessels": [{
      "id": 1,
      "name": "Kestrel",
      "voyage": {"route_id": "r1", "route_name": "Harbor Run", "arrival": "2026-03-01T14:00:00Z", "status": "underway"}
    }]
  }]
}`

type webhookRecorder struct {
	mu       sync.Mutex
	contents []string
}

func (h *webhookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	var p struct {
		Content string `json:"content"`
	}
	_ = json.Unmarshal(b, &p)
	h.mu.Lock()
	h.contents = append(h.contents, p.Content)
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (h *webhookRecorder) got() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.contents...)
}

func writeConfig(t *testing.T, dir, webhookURL string) string {
	t.Helper()
	cfg := map[string]any{
		"logging":  map[string]any{"level": "warn", "console": true},
		"detector": map[string]any{"notify_on_underway": true},
		"batching": map[string]any{"policy": "window", "window": "500ms"},
		"sinks": map[string]any{
			"webhook": map[string]any{"enabled": true, "url": webhookURL + "/api/webhooks/1/tok"},
		},
		"fleets": []any{map[string]any{"id": "abc", "name": "North Squadron"}},
		"source": map[string]any{"path": filepath.Join(dir, "state.json"), "poll_every": "1h"},
		"storage": map[string]any{
			"driver": "file",
			"path":   filepath.Join(dir, "journal.db"),
		},
	}
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	p := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(p, b, 0o600))
	return p
}

func TestApp_UnderwayNoticeReachesWebhook(t *testing.T) {
	hook := &webhookRecorder{}
	srv := httptest.NewServer(hook)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte(stateDoc), 0o600))

	a, err := New(writeConfig(t, dir, srv.URL))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	require.Eventually(t, func() bool { return len(hook.got()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, hook.got()[0], "Kestrel")

	require.Eventually(t, func() bool {
		entries, err := a.store.Recent(context.Background(), 10)
		if err != nil {
			return false
		}
		kinds := map[string]bool{}
		for _, e := range entries {
			kinds[e.Kind] = true
		}
		return kinds[eventbus.TopicDelivered] && kinds[eventbus.TopicBatchSent]
	}, 3*time.Second, 20*time.Millisecond)

	st := a.queue.Stats()
	assert.Zero(t, st.Pending)
	assert.Zero(t, st.DeadLetters)
	assert.Equal(t, 1, st.Records)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopSIGTERM))
	assert.NoError(t, a.Err())
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"source":{"path":"x"}}`), 0o600))
	_, err := New(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one sink")
}

func TestMapping(t *testing.T) {
	off := false
	cfg := &config.Config{
		Detector: config.DetectorConfig{NotifyOnCompletion: &off, Cooldown: "10m"},
		Queue:    config.QueueConfig{MaxAttempts: 2, Backoff: []string{"1s", "3s"}, DeliveredTTL: "1h"},
		Fleets:   []config.FleetConfig{{ID: "0xAbC", Name: "North", Vessels: map[string]string{"7": "Tern"}}},
		Storage:  &config.StorageConfig{Driver: "SQLite", Path: "/tmp/j.db"},
	}

	dc, err := mapDetector(cfg)
	require.NoError(t, err)
	assert.False(t, dc.NotifyOnCompletion)
	assert.Equal(t, 10*time.Minute, dc.Cooldown)

	qc, err := mapQueue(cfg)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, qc.Backoff)
	assert.Equal(t, time.Hour, qc.DeliveredTTL)

	fleets, err := mapFleets(cfg)
	require.NoError(t, err)
	require.Len(t, fleets, 1)
	assert.Equal(t, uint64(0xabc), fleets[0].ID)
	assert.Equal(t, "Tern", fleets[0].Vessels[7])

	sc, retention, ok, err := mapStorage(cfg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, time.Second, sc.BusyTimeout)
	assert.Equal(t, 30*24*time.Hour, retention)

	cfg.Storage.Driver = "none"
	_, _, ok, err = mapStorage(cfg)
	require.NoError(t, err)
	assert.False(t, ok)

	ac, err := mapAdmin(cfg)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, ac.ReadTimeout)
	assert.Zero(t, ac.WriteTimeout)

	_, ok, err = mapTelegram(cfg)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, "@daily", schedule(" ", "@daily"))
	assert.Equal(t, "5m", schedule("5m", "@daily"))
}
