package config

// Config is the daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	App        AppConfig        `json:"app"`
	Logging    LoggingConfig    `json:"logging"`
	Engine     EngineConfig     `json:"engine"`
	Storage    StorageConfig    `json:"storage"`
	Inbox      InboxConfig      `json:"inbox"`
	Facilities FacilitiesConfig `json:"facilities"`
	Relay      RelayConfig      `json:"relay"`
}

// AppConfig describes the hosting context.
type AppConfig struct {
	// ID is the default app for CLI commands. The daemon serves every app
	// found in storage.
	ID string `json:"id" validate:"required"`
	// Permissions granted to task consumers, e.g. "location", "location.background",
	// "background-fetch".
	Permissions []string `json:"permissions,omitempty" validate:"dive,oneof=location location.background background-fetch"`
	// ColdStartTimeout bounds one snapshot restore.
	ColdStartTimeout string `json:"cold_start_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Remote  LoggingRemote `json:"remote"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// LoggingRemote forwards log lines to the Telegram relay.
type LoggingRemote struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level" validate:"omitempty,oneof=trace debug info warn error"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// EngineConfig controls the delivery worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 64 (per worker)
//   - timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type EngineConfig struct {
	Workers       int    `json:"workers,omitempty" validate:"gte=0,lte=256"`
	QueueSize     int    `json:"queue_size,omitempty" validate:"gte=0"`
	Timeout       string `json:"timeout,omitempty"`
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty" validate:"gte=0"`
}

// StorageConfig selects the task snapshot store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./taskrelay.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=none memory mem file sqlite sqlite3"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

type InboxConfig struct {
	Enabled      bool   `json:"enabled"`
	Dir          string `json:"dir" validate:"required_if=Enabled true"`
	PollInterval string `json:"poll_interval,omitempty"`
}

type FacilitiesConfig struct {
	Fetch FetchFacilityConfig `json:"fetch"`
}

type FetchFacilityConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"` // IANA TZ for cron schedules
}

type RelayConfig struct {
	Telegram TelegramRelayConfig `json:"telegram"`
}

type TelegramRelayConfig struct {
	Enabled    bool     `json:"enabled"`
	Token      string   `json:"token" validate:"required_if=Enabled true"`
	ChatID     int64    `json:"chat_id" validate:"required_if=Enabled true"`
	ThreadID   int      `json:"thread_id,omitempty"`
	RatePerSec int      `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Events     []string `json:"events,omitempty"`
}

// Default returns the configuration used for omitted fields.
func Default() *Config {
	return &Config{
		App: AppConfig{ID: "default", ColdStartTimeout: "30s"},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Remote:  LoggingRemote{MinLevel: "warn", RatePerSec: 1},
		},
		Storage:    StorageConfig{Driver: "file", Path: "./data/tasks"},
		Inbox:      InboxConfig{Enabled: true, Dir: "./data/inbox", PollInterval: "5s"},
		Facilities: FacilitiesConfig{Fetch: FetchFacilityConfig{Enabled: true}},
		Relay:      RelayConfig{Telegram: TelegramRelayConfig{RatePerSec: 1}},
	}
}
