package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fleetnotify/internal/maintenance"
	"fleetnotify/internal/source"
)

// Validate checks everything that can be checked without side effects.
// It is used at startup and before committing a hot-reloaded file.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	dur("detector.cooldown", cfg.Detector.Cooldown)
	dur("detector.duplicate_tolerance", cfg.Detector.DuplicateTolerance)

	if cfg.Queue.MaxAttempts < 0 {
		add(errors.New("queue.max_attempts must be >= 0"))
	}
	if cfg.Queue.DeadLetterCapacity < 0 {
		add(errors.New("queue.dead_letter_capacity must be >= 0"))
	}
	for i, b := range cfg.Queue.Backoff {
		d, err := ParseDurationField(fmt.Sprintf("queue.backoff[%d]", i), b)
		add(err)
		if err == nil && d == 0 {
			add(fmt.Errorf("queue.backoff[%d]: must be > 0", i))
		}
	}
	dur("queue.delivered_ttl", cfg.Queue.DeliveredTTL)
	dur("queue.dead_letter_ttl", cfg.Queue.DeadLetterTTL)

	switch strings.ToLower(strings.TrimSpace(cfg.Batching.Policy)) {
	case "", "window", "cycle", "direct":
	default:
		add(fmt.Errorf("batching.policy: unknown policy %q", cfg.Batching.Policy))
	}
	dur("batching.window", cfg.Batching.Window)
	if cfg.Batching.MaxBatch < 0 || cfg.Batching.CycleSize < 0 {
		add(errors.New("batching.max_batch and batching.cycle_size must be >= 0"))
	}

	dur("dispatch.stop_timeout", cfg.Dispatch.StopTimeout)
	dur("dispatch.error_pause", cfg.Dispatch.ErrorPause)

	enabledSinks := 0
	if t := cfg.Sinks.Telegram; t != nil && t.Enabled {
		enabledSinks++
		if strings.TrimSpace(t.Token) == "" {
			add(errors.New("sinks.telegram.token is required"))
		}
		if t.ChatID == 0 {
			add(errors.New("sinks.telegram.chat_id is required"))
		}
		dur("sinks.telegram.timeout", t.Timeout)
	}
	if w := cfg.Sinks.Webhook; w != nil && w.Enabled {
		enabledSinks++
		u, err := url.Parse(strings.TrimSpace(w.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add(errors.New("sinks.webhook.url must be an absolute http(s) URL"))
		}
		dur("sinks.webhook.timeout", w.Timeout)
	}
	if enabledSinks == 0 {
		add(errors.New("sinks: at least one sink must be enabled"))
	}

	seen := map[uint64]bool{}
	for i, f := range cfg.Fleets {
		id, err := source.ParseFleetID(f.ID)
		if err != nil {
			add(fmt.Errorf("fleets[%d].id: %w", i, err))
			continue
		}
		if seen[id] {
			add(fmt.Errorf("fleets[%d].id: duplicate fleet %s", i, f.ID))
		}
		seen[id] = true
		for k := range f.Vessels {
			if _, err := strconv.Atoi(k); err != nil {
				add(fmt.Errorf("fleets[%d].vessels: key %q is not a vessel id", i, k))
			}
		}
	}

	if strings.TrimSpace(cfg.Source.Path) == "" {
		add(errors.New("source.path is required"))
	}
	if strings.TrimSpace(cfg.Source.PollEvery) != "" {
		add(prefix("source.poll_every", maintenance.ValidateSpec(cfg.Source.PollEvery)))
	}
	for path, spec := range map[string]string{
		"maintenance.gc_every":      cfg.Maintenance.GCEvery,
		"maintenance.summary_every": cfg.Maintenance.SummaryEvery,
		"maintenance.prune_every":   cfg.Maintenance.PruneEvery,
	} {
		if strings.TrimSpace(spec) != "" {
			add(prefix(path, maintenance.ValidateSpec(spec)))
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add(errors.New("storage.path is required"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		dur("storage.busy_timeout", st.BusyTimeout)
		dur("storage.retention", st.Retention)
	}

	dur("admin.read_timeout", cfg.Admin.ReadTimeout)
	dur("admin.write_timeout", cfg.Admin.WriteTimeout)
	dur("admin.idle_timeout", cfg.Admin.IdleTimeout)

	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

func prefix(path string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", path, err)
}
