package app

import (
	"strings"
	"time"

	"taskrelay/internal/config"
	"taskrelay/internal/facility"
	"taskrelay/internal/inbox"
	relay "taskrelay/internal/relay/telegram"
	"taskrelay/internal/task/engine"
	"taskrelay/internal/task/scheduler"
	logx "taskrelay/pkg/logx"
)

const defaultColdStartTimeout = 30 * time.Second

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Remote: logx.RemoteConfig{
			// Without a relay there is nowhere to forward to.
			Enabled:    cfg.Logging.Remote.Enabled && cfg.Relay.Telegram.Enabled,
			MinLevel:   cfg.Logging.Remote.MinLevel,
			RatePerSec: cfg.Logging.Remote.RatePerSec,
		},
	}
}

// mapEngineConfig maps the engine section. The engine is always enabled:
// every delivery path runs through it.
func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	timeout, err := config.ParseDurationField("engine.timeout", ec.Timeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("engine.max_queue_delay", ec.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:       true,
		Workers:       ec.Workers,
		QueueSize:     ec.QueueSize,
		Timeout:       timeout,
		MaxQueueDelay: maxDelay,
		HistorySize:   ec.HistorySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Facilities.Fetch.Enabled,
		Timezone: strings.TrimSpace(cfg.Facilities.Fetch.Timezone),
	}
}

func mapFacilityConfig(cfg *config.Config) facility.Config {
	return facility.Config{Granted: append([]string(nil), cfg.App.Permissions...)}
}

func mapInboxConfig(cfg *config.Config) (inbox.Config, error) {
	poll, err := config.ParseDurationField("inbox.poll_interval", cfg.Inbox.PollInterval)
	if err != nil {
		return inbox.Config{}, err
	}
	return inbox.Config{
		Enabled:      cfg.Inbox.Enabled,
		Dir:          strings.TrimSpace(cfg.Inbox.Dir),
		PollInterval: poll,
	}, nil
}

func mapRelayConfig(cfg *config.Config) relay.Config {
	tc := cfg.Relay.Telegram
	return relay.Config{
		Enabled:    tc.Enabled,
		Token:      strings.TrimSpace(tc.Token),
		ChatID:     tc.ChatID,
		ThreadID:   tc.ThreadID,
		RatePerSec: tc.RatePerSec,
		Events:     append([]string(nil), tc.Events...),
	}
}

func coldStartTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("app.cold_start_timeout", cfg.App.ColdStartTimeout, defaultColdStartTimeout)
}
