package config

import (
	"reflect"
	"strings"

	logx "taskrelay/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured fields for logging. Secrets (relay token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.App, newCfg.App) {
		changed = append(changed, "app")
		attrs = append(attrs,
			logx.String("app.id", newCfg.App.ID),
			logx.String("app.permissions", strings.Join(newCfg.App.Permissions, ",")),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.remote_enabled", newCfg.Logging.Remote.Enabled),
		)
	}
	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
			logx.String("engine.max_queue_delay", newCfg.Engine.MaxQueueDelay),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Inbox != newCfg.Inbox {
		changed = append(changed, "inbox")
		attrs = append(attrs,
			logx.Bool("inbox.enabled", newCfg.Inbox.Enabled),
			logx.String("inbox.dir", newCfg.Inbox.Dir),
		)
	}
	if oldCfg.Facilities != newCfg.Facilities {
		changed = append(changed, "facilities")
		attrs = append(attrs,
			logx.Bool("facilities.fetch.enabled", newCfg.Facilities.Fetch.Enabled),
			logx.String("facilities.fetch.timezone", newCfg.Facilities.Fetch.Timezone),
		)
	}
	ot, nt := oldCfg.Relay.Telegram, newCfg.Relay.Telegram
	if ot.Enabled != nt.Enabled || ot.Token != nt.Token || ot.ChatID != nt.ChatID ||
		ot.ThreadID != nt.ThreadID || ot.RatePerSec != nt.RatePerSec || !reflect.DeepEqual(ot.Events, nt.Events) {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.Bool("relay.telegram.enabled", nt.Enabled),
			logx.Bool("relay.telegram.token_changed", ot.Token != nt.Token),
			logx.Int64("relay.telegram.chat_id", nt.ChatID),
		)
	}
	return changed, attrs
}

// RestartRequired reports sections that only take effect on restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "inbox", "relay":
			out = append(out, s)
		}
	}
	return out
}
