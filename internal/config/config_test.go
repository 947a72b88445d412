package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "fleetnotify/pkg/logx"
)

const validYAML = `
logging:
  level: info
  console: true
detector:
  notify_on_underway: true
  cooldown: 30m
queue:
  max_attempts: 3
  backoff: [1s, 5s]
batching:
  policy: window
  window: 2s
sinks:
  webhook:
    enabled: true
    url: https://example.test/api/webhooks/1/secret
fleets:
  - id: "0xabc"
    name: North Squadron
    vessels:
      "1": Kestrel
source:
  path: /var/lib/fleet/state.json
  poll_every: 15s
maintenance:
  prune_every: "@daily"
storage:
  driver: sqlite
  path: ./var/journal.db
timezone: UTC
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_YAML(t *testing.T) {
	m := NewManager(writeFile(t, "config.yaml", validYAML), logx.Nop())
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, []string{"1s", "5s"}, cfg.Queue.Backoff)
	require.Len(t, cfg.Fleets, 1)
	assert.Equal(t, "Kestrel", cfg.Fleets[0].Vessels["1"])
	assert.Nil(t, cfg.Detector.NotifyOnCompletion)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestDecode_Strict(t *testing.T) {
	_, err := Decode("c.yaml", []byte("bogus_section: 1\n"))
	require.Error(t, err)

	_, err = Decode("c.json", []byte(`{"timezone":"UTC"} {"timezone":"UTC"}`))
	require.Error(t, err)

	cfg, err := Decode("c.json", []byte(`{"timezone":"Europe/Oslo"}`))
	require.NoError(t, err)
	assert.Equal(t, "Europe/Oslo", cfg.Timezone)

	_, err = Decode("c.yaml", []byte("timezone: UTC\n---\ntimezone: UTC\n"))
	require.Error(t, err)

	cfg, err = Decode("c.yml", nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Fleets)
}

func TestDecode_YAMLIntegerVesselKeys(t *testing.T) {
	body := "fleets:\n  - id: \"0x1\"\n    vessels:\n      7: Osprey\n      8: Tern\n"
	cfg, err := Decode("c.yaml", []byte(body))
	require.NoError(t, err)
	require.Len(t, cfg.Fleets, 1)
	assert.Equal(t, map[string]string{"7": "Osprey", "8": "Tern"}, cfg.Fleets[0].Vessels)
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDurationOrDefault("x", " 5s ", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	_, err = ParseDurationField("queue.delivered_ttl", "-1s")
	require.ErrorContains(t, err, "queue.delivered_ttl")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Decode("c.yaml", []byte(validYAML))
		require.NoError(t, err)
		return cfg
	}
	require.NoError(t, Validate(base()))

	cases := map[string]func(c *Config){
		"bad duration":       func(c *Config) { c.Detector.Cooldown = "soon" },
		"zero backoff":       func(c *Config) { c.Queue.Backoff = []string{"0s"} },
		"unknown policy":     func(c *Config) { c.Batching.Policy = "lottery" },
		"no sinks":           func(c *Config) { c.Sinks.Webhook.Enabled = false },
		"webhook scheme":     func(c *Config) { c.Sinks.Webhook.URL = "ftp://x/y" },
		"telegram no token":  func(c *Config) { c.Sinks.Telegram = &TelegramSink{Enabled: true, ChatID: 1} },
		"zero fleet":         func(c *Config) { c.Fleets[0].ID = "0" },
		"duplicate fleet":    func(c *Config) { c.Fleets = append(c.Fleets, FleetConfig{ID: "ABC"}) },
		"vessel key":         func(c *Config) { c.Fleets[0].Vessels["one"] = "x" },
		"missing source":     func(c *Config) { c.Source.Path = "" },
		"bad schedule":       func(c *Config) { c.Maintenance.GCEvery = "every so often" },
		"storage driver":     func(c *Config) { c.Storage.Driver = "postgres" },
		"storage path":       func(c *Config) { c.Storage.Path = "" },
		"timezone":           func(c *Config) { c.Timezone = "Mars/Olympus" },
		"logging level":      func(c *Config) { c.Logging.Level = "loud" },
		"negative dead cap":  func(c *Config) { c.Queue.DeadLetterCapacity = -1 },
		"admin read timeout": func(c *Config) { c.Admin.ReadTimeout = "-1s" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a, err := Decode("c.yaml", []byte(validYAML))
	require.NoError(t, err)
	b, err := Decode("c.yaml", []byte(validYAML))
	require.NoError(t, err)

	changed, _ := SummarizeConfigChange(a, b)
	assert.Empty(t, changed)

	b.Batching.Window = "5s"
	b.Sinks.Webhook.URL = "https://example.test/api/webhooks/1/rotated"
	b.Admin.Token = "t"
	changed, attrs := SummarizeConfigChange(a, b)
	assert.Equal(t, []string{"admin", "batching", "sinks"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"sinks"}, RestartRequired(changed))
}

func TestWatch_PublishesValidChanges(t *testing.T) {
	path := writeFile(t, "config.yaml", validYAML)
	m := NewManager(path, logx.Nop())
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)

	updates := m.Subscribe(1)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	// let the watcher register the directory
	time.Sleep(100 * time.Millisecond)

	// invalid content is rejected and never published
	require.NoError(t, os.WriteFile(path, []byte(validYAML+"batching:\n  policy: lottery\n"), 0o600))
	time.Sleep(200 * time.Millisecond)
	select {
	case cfg := <-updates:
		t.Fatalf("unexpected publish: %+v", cfg.Batching)
	default:
	}

	next := validYAML + "admin:\n  enabled: true\n"
	require.NoError(t, os.WriteFile(path, []byte(next), 0o600))
	select {
	case cfg := <-updates:
		assert.True(t, cfg.Admin.Enabled)
		assert.Same(t, cfg, m.Get())
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}

	cancel()
	<-done
}
