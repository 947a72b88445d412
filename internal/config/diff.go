package config

import (
	"reflect"
	"sort"
	"strings"

	logx "fleetnotify/pkg/logx"
)

// SummarizeConfigChange lists the top-level sections that differ and a set of
// log fields describing the new values. Tokens and webhook URLs are never
// included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Detector, newCfg.Detector) {
		changed = append(changed, "detector")
		completion := true
		if newCfg.Detector.NotifyOnCompletion != nil {
			completion = *newCfg.Detector.NotifyOnCompletion
		}
		attrs = append(attrs,
			logx.Bool("detector.notify_on_completion", completion),
			logx.Bool("detector.notify_on_underway", newCfg.Detector.NotifyOnUnderway),
			logx.Bool("detector.force_notify", newCfg.Detector.ForceNotify),
			logx.String("detector.cooldown", strings.TrimSpace(newCfg.Detector.Cooldown)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		// Queue settings are read once at startup.
		changed = append(changed, "queue")
		attrs = append(attrs, logx.Int("queue.max_attempts", newCfg.Queue.MaxAttempts))
	}

	if oldCfg.Batching != newCfg.Batching {
		changed = append(changed, "batching")
		attrs = append(attrs,
			logx.String("batching.policy", newCfg.Batching.Policy),
			logx.String("batching.window", strings.TrimSpace(newCfg.Batching.Window)),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
	}

	if !reflect.DeepEqual(oldCfg.Sinks, newCfg.Sinks) {
		changed = append(changed, "sinks")
		ot, nt := derefTelegram(oldCfg.Sinks.Telegram), derefTelegram(newCfg.Sinks.Telegram)
		ow, nw := derefWebhook(oldCfg.Sinks.Webhook), derefWebhook(newCfg.Sinks.Webhook)
		attrs = append(attrs,
			logx.Bool("sinks.telegram_enabled", nt.Enabled),
			logx.Bool("sinks.telegram_token_changed", ot.Token != nt.Token),
			logx.Int64("sinks.telegram_chat_id", nt.ChatID),
			logx.Bool("sinks.webhook_enabled", nw.Enabled),
			logx.Bool("sinks.webhook_url_changed", ow.URL != nw.URL),
		)
	}

	if !reflect.DeepEqual(oldCfg.Fleets, newCfg.Fleets) {
		changed = append(changed, "fleets")
		attrs = append(attrs, logx.Int("fleets.count", len(newCfg.Fleets)))
	}

	if oldCfg.Source != newCfg.Source {
		changed = append(changed, "source")
		attrs = append(attrs, logx.String("source.poll_every", newCfg.Source.PollEvery))
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
	}

	var oDriver, nDriver string
	var oPath, nPath string
	if oldCfg.Storage != nil {
		oDriver, oPath = oldCfg.Storage.Driver, oldCfg.Storage.Path
	}
	if newCfg.Storage != nil {
		nDriver, nPath = newCfg.Storage.Driver, newCfg.Storage.Path
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nDriver)),
			logx.Bool("storage.moved", oDriver != nDriver || oPath != nPath),
		)
	}

	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", strings.TrimSpace(newCfg.Admin.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""),
			logx.Bool("admin.pprof", newCfg.Admin.Pprof),
		)
	}

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", strings.TrimSpace(newCfg.Timezone)))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections whose changes only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "queue", "dispatch", "sinks", "source", "maintenance", "storage", "timezone":
			out = append(out, s)
		}
	}
	return out
}

func derefTelegram(t *TelegramSink) TelegramSink {
	if t == nil {
		return TelegramSink{}
	}
	return *t
}

func derefWebhook(w *WebhookSink) WebhookSink {
	if w == nil {
		return WebhookSink{}
	}
	return *w
}
