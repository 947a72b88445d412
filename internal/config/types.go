package config

// Config is the daemon configuration file (JSON, or YAML with a .yaml/.yml
// extension). Unknown keys are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "30m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Detector DetectorConfig `json:"detector"`
	Queue    QueueConfig    `json:"queue"`
	Batching BatchingConfig `json:"batching"`
	Dispatch DispatchConfig `json:"dispatch,omitempty"`
	Sinks    SinksConfig    `json:"sinks"`
	Fleets   []FleetConfig  `json:"fleets,omitempty"`
	Source   SourceConfig   `json:"source"`

	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Admin       AdminConfig       `json:"admin,omitempty"`

	// Timezone renders times in outbound messages and drives cron schedules
	// (IANA name, default UTC).
	Timezone string `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DetectorConfig controls which voyage transitions produce notifications.
//
// NotifyOnCompletion is a pointer so an omitted key keeps the default (true).
type DetectorConfig struct {
	NotifyOnCompletion *bool  `json:"notify_on_completion,omitempty"`
	NotifyOnUnderway   bool   `json:"notify_on_underway"`
	ForceNotify        bool   `json:"force_notify"`
	Cooldown           string `json:"cooldown,omitempty"`            // default "30m"
	DuplicateTolerance string `json:"duplicate_tolerance,omitempty"` // default "90s"
}

// QueueConfig controls retry, dead-letter retention and idempotency memory.
//
// Defaults: max_attempts 5, backoff [5s 30s 2m 10m 30m], dead_letter_capacity
// 100, delivered_ttl 24h, dead_letter_ttl 6h.
type QueueConfig struct {
	MaxAttempts        int      `json:"max_attempts,omitempty"`
	Backoff            []string `json:"backoff,omitempty"`
	DeadLetterCapacity int      `json:"dead_letter_capacity,omitempty"`
	DeliveredTTL       string   `json:"delivered_ttl,omitempty"`
	DeadLetterTTL      string   `json:"dead_letter_ttl,omitempty"`
}

// BatchingConfig selects the aggregation policy: "window" (default), "cycle" or "direct".
type BatchingConfig struct {
	Policy    string `json:"policy,omitempty"`
	Window    string `json:"window,omitempty"` // clamped to [500ms, 15s]; default 2s
	MaxBatch  int    `json:"max_batch,omitempty"`
	CycleSize int    `json:"cycle_size,omitempty"`
}

type DispatchConfig struct {
	StopTimeout string `json:"stop_timeout,omitempty"`
	ErrorPause  string `json:"error_pause,omitempty"`
}

type SinksConfig struct {
	Telegram *TelegramSink `json:"telegram,omitempty"`
	Webhook  *WebhookSink  `json:"webhook,omitempty"`
}

type TelegramSink struct {
	Enabled       bool   `json:"enabled"`
	Token         string `json:"token"` // do not log
	ChatID        int64  `json:"chat_id"`
	ThreadID      int    `json:"thread_id,omitempty"`
	APIURL        string `json:"api_url,omitempty"`
	RatePerMinute int    `json:"rate_per_minute,omitempty"`
	ParseMode     string `json:"parse_mode,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
}

type WebhookSink struct {
	Enabled       bool   `json:"enabled"`
	URL           string `json:"url"` // carries a secret; logged redacted
	Username      string `json:"username,omitempty"`
	RatePerMinute int    `json:"rate_per_minute,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
}

// FleetConfig names a fleet. ID is hex; vessel keys are decimal vessel ids.
//
//	fleets:
//	  - id: "abc"
//	    name: "North Squadron"
//	    vessels: {"1": "Kestrel"}
type FleetConfig struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Vessels map[string]string `json:"vessels,omitempty"`
}

// SourceConfig points at the fleet-state document written by the acquisition process.
type SourceConfig struct {
	Path      string `json:"path"`
	PollEvery string `json:"poll_every,omitempty"` // default "15s"
}

// MaintenanceConfig schedules housekeeping. Values are cron specs,
// descriptors ("@hourly") or Go durations.
type MaintenanceConfig struct {
	GCEvery      string `json:"gc_every,omitempty"`      // default "10m"
	SummaryEvery string `json:"summary_every,omitempty"` // default "1h"
	PruneEvery   string `json:"prune_every,omitempty"`   // default "@daily"
}

// StorageConfig controls the delivery journal.
//
//	"storage": { "driver": "sqlite", "path": "./var/journal.db", "retention": "720h" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Retention   string `json:"retention,omitempty"`    // default "720h"
}

// AdminConfig controls the operator HTTP API.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8089").
//   - A non-loopback address needs a token or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"` // keep 0 for /debug/pprof/profile
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	Pprof                bool `json:"pprof,omitempty"`
	MutexProfileFraction int  `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int  `json:"block_profile_rate,omitempty"`
}
