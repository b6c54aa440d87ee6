package config

// Config is the whole daemon configuration. It is read from a JSON or YAML
// file and then overridden from NUDGE_* environment variables.
type Config struct {
	// Site identifies this deployment in logs and alerts.
	Site string `json:"site" envconfig:"SITE" validate:"required"`

	Logging    LoggingConfig    `json:"logging" envconfig:"LOG"`
	Storage    StorageConfig    `json:"storage" envconfig:"STORAGE"`
	Queue      QueueConfig      `json:"queue" envconfig:"QUEUE"`
	Dispatch   DispatchConfig   `json:"dispatch" envconfig:"DISPATCH"`
	TaskEngine TaskEngineConfig `json:"task_engine" envconfig:"ENGINE"`
	Generator  GeneratorConfig  `json:"generator" envconfig:"GENERATOR"`
	Transport  TransportConfig  `json:"transport" envconfig:"TRANSPORT"`
	Alert      AlertConfig      `json:"alert" envconfig:"ALERT"`
	HTTP       HTTPConfig       `json:"http" envconfig:"HTTP"`
}

type LoggingConfig struct {
	Level   string           `json:"level" envconfig:"LEVEL" validate:"omitempty,oneof=debug info warn warning error"`
	Console bool             `json:"console" envconfig:"CONSOLE"`
	File    LogFileConfig    `json:"file" envconfig:"FILE"`
	Forward LogForwardConfig `json:"forward" envconfig:"FORWARD"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Path    string `json:"path" envconfig:"PATH" validate:"required_if=Enabled true"`
}

// LogForwardConfig sends warnings and errors to the alert reporter.
type LogForwardConfig struct {
	Enabled    bool   `json:"enabled" envconfig:"ENABLED"`
	MinLevel   string `json:"min_level" envconfig:"MIN_LEVEL" validate:"omitempty,oneof=debug info warn warning error"`
	RatePerSec int    `json:"rate_per_sec" envconfig:"RATE" validate:"gte=0"`
}

type StorageConfig struct {
	Driver string `json:"driver" envconfig:"DRIVER" validate:"omitempty,oneof=memory sqlite postgres"`

	// Path is the sqlite database file.
	Path string `json:"path" envconfig:"PATH"`
	// DSN is the postgres connection string.
	DSN string `json:"dsn" envconfig:"DSN" validate:"required_if=Driver postgres"`

	BusyTimeout  string `json:"busy_timeout" envconfig:"BUSY_TIMEOUT"`
	MaxOpenConns int    `json:"max_open_conns" envconfig:"MAX_OPEN_CONNS" validate:"gte=0"`
}

type QueueConfig struct {
	// Grace is how far in the past deliver_on may be and still be admitted.
	Grace string `json:"grace" envconfig:"GRACE"`
	// MaxAhead optionally rejects messages due further than this in the future.
	MaxAhead          string `json:"max_ahead" envconfig:"MAX_AHEAD"`
	DefaultDailyLimit int    `json:"default_daily_limit" envconfig:"DEFAULT_DAILY_LIMIT" validate:"gte=0"`
	// Category is a constant label on every nudge metric.
	Category string `json:"category" envconfig:"CATEGORY"`
}

type DispatchConfig struct {
	// Timezone is used for cron housekeeping schedules.
	Timezone     string `json:"timezone" envconfig:"TZ"`
	PollInterval string `json:"poll_interval" envconfig:"POLL_INTERVAL"`

	PruneQueuesSchedule   string `json:"prune_queues_schedule" envconfig:"PRUNE_QUEUES"`
	PruneMessagesSchedule string `json:"prune_messages_schedule" envconfig:"PRUNE_MESSAGES"`
	MessageRetention      string `json:"message_retention" envconfig:"MESSAGE_RETENTION"`
}

type TaskEngineConfig struct {
	Workers        int    `json:"workers" envconfig:"WORKERS" validate:"gte=0,lte=256"`
	QueueSize      int    `json:"queue_size" envconfig:"QUEUE_SIZE" validate:"gte=0"`
	DefaultTimeout string `json:"default_timeout" envconfig:"TIMEOUT"`
	RetryMax       int    `json:"retry_max" envconfig:"RETRY_MAX" validate:"gte=0"`
	RetryBase      string `json:"retry_base" envconfig:"RETRY_BASE"`
	RetryMaxDelay  string `json:"retry_max_delay" envconfig:"RETRY_MAX_DELAY"`
	HistorySize    int    `json:"history_size" envconfig:"HISTORY_SIZE" validate:"gte=0"`
}

type GeneratorConfig struct {
	Enabled     bool   `json:"enabled" envconfig:"ENABLED"`
	Schedule    string `json:"schedule" envconfig:"SCHEDULE"`
	Lookahead   string `json:"lookahead" envconfig:"LOOKAHEAD"`
	Concurrency int    `json:"concurrency" envconfig:"CONCURRENCY" validate:"gte=0"`
	RetryMax    int    `json:"retry_max" envconfig:"RETRY_MAX" validate:"gte=0"`
	RetryBase   string `json:"retry_base" envconfig:"RETRY_BASE"`
}

type TransportConfig struct {
	Driver  string        `json:"driver" envconfig:"DRIVER" validate:"omitempty,oneof=log webhook amqp"`
	Webhook WebhookConfig `json:"webhook" envconfig:"WEBHOOK"`
	AMQP    AMQPConfig    `json:"amqp" envconfig:"AMQP"`
}

type WebhookConfig struct {
	URL        string  `json:"url" envconfig:"URL" validate:"omitempty,url"`
	Token      string  `json:"token" envconfig:"TOKEN"`
	Timeout    string  `json:"timeout" envconfig:"TIMEOUT"`
	RatePerSec float64 `json:"rate_per_sec" envconfig:"RATE" validate:"gte=0"`
	Burst      int     `json:"burst" envconfig:"BURST" validate:"gte=0"`
}

type AMQPConfig struct {
	URL        string `json:"url" envconfig:"URL"`
	Exchange   string `json:"exchange" envconfig:"EXCHANGE"`
	RoutingKey string `json:"routing_key" envconfig:"ROUTING_KEY"`
}

type AlertConfig struct {
	Telegram TelegramAlertConfig `json:"telegram" envconfig:"TELEGRAM"`
}

type TelegramAlertConfig struct {
	Enabled    bool   `json:"enabled" envconfig:"ENABLED"`
	Token      string `json:"token" envconfig:"TOKEN" validate:"required_if=Enabled true"`
	ChatID     int64  `json:"chat_id" envconfig:"CHAT_ID" validate:"required_if=Enabled true"`
	ThreadID   int    `json:"thread_id" envconfig:"THREAD_ID"`
	RatePerSec int    `json:"rate_per_sec" envconfig:"RATE" validate:"gte=0"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Addr    string `json:"addr" envconfig:"ADDR" validate:"required_if=Enabled true"`
	// Token, when set, is required as a bearer token on mutating endpoints.
	Token string      `json:"token" envconfig:"TOKEN"`
	Pprof PprofConfig `json:"pprof" envconfig:"PPROF"`
}

// PprofConfig mounts net/http/pprof under /debug/pprof on the ops API.
// The endpoints always require the ops token.
type PprofConfig struct {
	Enabled              bool `json:"enabled" envconfig:"ENABLED"`
	MutexProfileFraction int  `json:"mutex_profile_fraction" envconfig:"MUTEX_FRACTION" validate:"gte=0"`
	BlockProfileRate     int  `json:"block_profile_rate" envconfig:"BLOCK_RATE" validate:"gte=0"`
	MemProfileRate       int  `json:"mem_profile_rate" envconfig:"MEM_RATE" validate:"gte=0"`
}

// Default returns the configuration used when a section is omitted.
func Default() *Config {
	return &Config{
		Site:    "local",
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "sqlite", Path: "data/nudge.db", BusyTimeout: "5s"},
		Queue: QueueConfig{
			Grace:             "1h",
			DefaultDailyLimit: 3,
			Category:          "reminder",
		},
		Dispatch: DispatchConfig{
			Timezone:              "UTC",
			PollInterval:          "30s",
			PruneQueuesSchedule:   "cron:0 15 3 * * *",
			PruneMessagesSchedule: "cron:0 45 3 * * *",
			MessageRetention:      "720h",
		},
		TaskEngine: TaskEngineConfig{
			Workers:        4,
			QueueSize:      256,
			DefaultTimeout: "30s",
			HistorySize:    200,
		},
		Generator: GeneratorConfig{
			Enabled:     true,
			Schedule:    "every:15m",
			Lookahead:   "24h",
			Concurrency: 8,
			RetryMax:    3,
			RetryBase:   "500ms",
		},
		Transport: TransportConfig{Driver: "log"},
	}
}
