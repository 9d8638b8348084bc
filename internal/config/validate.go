package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks struct constraints and every duration field. It matches the
// signature of the Watch validator hook.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if err := validate.Struct(cfg); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) {
			for _, fe := range ves {
				errs = append(errs, fmt.Errorf("%s: failed %q", fieldPath(fe.Namespace()), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}
	durations := []struct{ path, raw string }{
		{"app.cold_start_timeout", cfg.App.ColdStartTimeout},
		{"engine.timeout", cfg.Engine.Timeout},
		{"engine.max_queue_delay", cfg.Engine.MaxQueueDelay},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"inbox.poll_interval", cfg.Inbox.PollInterval},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if tz := strings.TrimSpace(cfg.Facilities.Fetch.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("facilities.fetch.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

// fieldPath turns "Config.Relay.Telegram.ChatID" into "relay.telegram.chatid".
func fieldPath(ns string) string {
	ns = strings.TrimPrefix(ns, "Config.")
	return strings.ToLower(ns)
}
