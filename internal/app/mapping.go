package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"fleetnotify/internal/admin"
	"fleetnotify/internal/batching"
	"fleetnotify/internal/channel/telegram"
	"fleetnotify/internal/channel/webhook"
	"fleetnotify/internal/config"
	"fleetnotify/internal/detector"
	"fleetnotify/internal/dispatch"
	"fleetnotify/internal/identity"
	"fleetnotify/internal/queue"
	"fleetnotify/internal/source"
	"fleetnotify/internal/storage"
	logx "fleetnotify/pkg/logx"
)

// The map* helpers turn validated config sections into component configs.
// They still return errors so a config that skipped Validate fails loudly.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}

func mapDetector(cfg *config.Config) (detector.Config, error) {
	dc := cfg.Detector
	cooldown, err := config.ParseDurationField("detector.cooldown", dc.Cooldown)
	if err != nil {
		return detector.Config{}, err
	}
	tol, err := config.ParseDurationField("detector.duplicate_tolerance", dc.DuplicateTolerance)
	if err != nil {
		return detector.Config{}, err
	}
	completion := true
	if dc.NotifyOnCompletion != nil {
		completion = *dc.NotifyOnCompletion
	}
	return detector.Config{
		NotifyOnCompletion: completion,
		NotifyOnUnderway:   dc.NotifyOnUnderway,
		ForceNotify:        dc.ForceNotify,
		Cooldown:           cooldown,
		DuplicateTolerance: tol,
	}, nil
}

func mapQueue(cfg *config.Config) (queue.Config, error) {
	qc := cfg.Queue
	out := queue.Config{
		MaxAttempts:        qc.MaxAttempts,
		DeadLetterCapacity: qc.DeadLetterCapacity,
	}
	for i, raw := range qc.Backoff {
		d, err := config.ParseDurationField(fmt.Sprintf("queue.backoff[%d]", i), raw)
		if err != nil {
			return queue.Config{}, err
		}
		out.Backoff = append(out.Backoff, d)
	}
	var err error
	if out.DeliveredTTL, err = config.ParseDurationField("queue.delivered_ttl", qc.DeliveredTTL); err != nil {
		return queue.Config{}, err
	}
	if out.DeadLetterTTL, err = config.ParseDurationField("queue.dead_letter_ttl", qc.DeadLetterTTL); err != nil {
		return queue.Config{}, err
	}
	return out, nil
}

func mapBatching(cfg *config.Config) (batching.Config, error) {
	window, err := config.ParseDurationField("batching.window", cfg.Batching.Window)
	if err != nil {
		return batching.Config{}, err
	}
	return batching.Config{
		Policy:    cfg.Batching.Policy,
		Window:    window,
		MaxBatch:  cfg.Batching.MaxBatch,
		CycleSize: cfg.Batching.CycleSize,
	}, nil
}

func mapDispatch(cfg *config.Config) (dispatch.Config, error) {
	stop, err := config.ParseDurationField("dispatch.stop_timeout", cfg.Dispatch.StopTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	pause, err := config.ParseDurationField("dispatch.error_pause", cfg.Dispatch.ErrorPause)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{StopTimeout: stop, ErrorPause: pause}, nil
}

// mapTelegram reports ok=false when the sink is absent or disabled.
func mapTelegram(cfg *config.Config) (telegram.Config, bool, error) {
	t := cfg.Sinks.Telegram
	if t == nil || !t.Enabled {
		return telegram.Config{}, false, nil
	}
	timeout, err := config.ParseDurationField("sinks.telegram.timeout", t.Timeout)
	if err != nil {
		return telegram.Config{}, false, err
	}
	return telegram.Config{
		Token:         strings.TrimSpace(t.Token),
		ChatID:        t.ChatID,
		ThreadID:      t.ThreadID,
		APIURL:        strings.TrimSpace(t.APIURL),
		RatePerMinute: t.RatePerMinute,
		ParseMode:     t.ParseMode,
		Timeout:       timeout,
	}, true, nil
}

func mapWebhook(cfg *config.Config) (webhook.Config, bool, error) {
	w := cfg.Sinks.Webhook
	if w == nil || !w.Enabled {
		return webhook.Config{}, false, nil
	}
	timeout, err := config.ParseDurationField("sinks.webhook.timeout", w.Timeout)
	if err != nil {
		return webhook.Config{}, false, err
	}
	return webhook.Config{
		URL:           strings.TrimSpace(w.URL),
		Username:      w.Username,
		RatePerMinute: w.RatePerMinute,
		Timeout:       timeout,
	}, true, nil
}

func mapFleets(cfg *config.Config) ([]identity.Fleet, error) {
	out := make([]identity.Fleet, 0, len(cfg.Fleets))
	for i, fc := range cfg.Fleets {
		id, err := source.ParseFleetID(fc.ID)
		if err != nil {
			return nil, fmt.Errorf("fleets[%d].id: %w", i, err)
		}
		f := identity.Fleet{ID: id, Name: strings.TrimSpace(fc.Name), Vessels: make(map[int]string, len(fc.Vessels))}
		for k, name := range fc.Vessels {
			vid, err := strconv.Atoi(strings.TrimSpace(k))
			if err != nil {
				return nil, fmt.Errorf("fleets[%d].vessels: key %q is not a vessel id", i, k)
			}
			f.Vessels[vid] = name
		}
		out = append(out, f)
	}
	return out, nil
}

func mapAdmin(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	out := admin.Config{
		Enabled:              ac.Enabled,
		Addr:                 strings.TrimSpace(ac.Addr),
		Token:                strings.TrimSpace(ac.Token),
		AllowInsecure:        ac.AllowInsecure,
		Pprof:                ac.Pprof,
		MutexProfileFraction: ac.MutexProfileFraction,
		BlockProfileRate:     ac.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("admin.read_timeout", ac.ReadTimeout, 10*time.Second); err != nil {
		return admin.Config{}, err
	}
	// WriteTimeout stays 0 unless set: /debug/pprof/profile streams for 30s.
	if out.WriteTimeout, err = config.ParseDurationField("admin.write_timeout", ac.WriteTimeout); err != nil {
		return admin.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("admin.idle_timeout", ac.IdleTimeout, 60*time.Second); err != nil {
		return admin.Config{}, err
	}
	return out, nil
}

// mapStorage reports ok=false when the journal is disabled.
func mapStorage(cfg *config.Config) (storage.Config, time.Duration, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, 0, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, 0, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, 0, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	retention, err := config.ParseDurationOrDefault("storage.retention", sc.Retention, 30*24*time.Hour)
	if err != nil {
		return storage.Config{}, 0, false, err
	}
	out := storage.Config{Driver: driver, Path: path}
	switch driver {
	case "file":
	case "sqlite", "sqlite3":
		if out.BusyTimeout, err = config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second); err != nil {
			return storage.Config{}, 0, false, err
		}
	default:
		return storage.Config{}, 0, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, retention, true, nil
}

// schedule is a maintenance spec with its default.
func schedule(raw, def string) string {
	if s := strings.TrimSpace(raw); s != "" {
		return s
	}
	return def
}
