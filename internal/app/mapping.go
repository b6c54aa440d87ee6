package app

import (
	"fmt"
	"strings"
	"time"

	"nudge/internal/admission"
	"nudge/internal/alert"
	"nudge/internal/config"
	"nudge/internal/dispatch"
	"nudge/internal/notifygen"
	"nudge/internal/observability/pprof"
	"nudge/internal/storage"
	"nudge/internal/task/engine"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN, MaxOpenConns: sc.MaxOpenConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	timeout, err := config.ParseDurationOrDefault("task_engine.default_timeout", te.DefaultTimeout, 30*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	base, err := config.ParseDurationOrDefault("task_engine.retry_base", te.RetryBase, 500*time.Millisecond)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("task_engine.retry_max_delay", te.RetryMaxDelay, 15*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	workers := te.Workers
	if workers <= 0 {
		workers = 4
	}
	queue := te.QueueSize
	if queue <= 0 {
		queue = 256
	}
	history := te.HistorySize
	if history == 0 {
		history = 200
	}
	return engine.Config{
		Enabled:        true,
		Workers:        workers,
		QueueSize:      queue,
		DefaultTimeout: timeout,
		HistorySize:    history,
		RetryMax:       te.RetryMax,
		RetryBase:      base,
		RetryMaxDelay:  maxDelay,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	if tz := strings.TrimSpace(dc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return dispatch.Config{}, fmt.Errorf("dispatch.timezone: invalid %q: %w", tz, err)
		}
	}
	poll, err := config.ParseDurationOrDefault("dispatch.poll_interval", dc.PollInterval, 30*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout, 30*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{Timezone: dc.Timezone, PollInterval: poll, DeliverTimeout: timeout}, nil
}

func mapAdmissionOptions(cfg *config.Config) ([]admission.Option, error) {
	grace, err := config.ParseDurationOrDefault("queue.grace", cfg.Queue.Grace, admission.DefaultGrace)
	if err != nil {
		return nil, err
	}
	ahead, err := config.ParseDurationOrDefault("queue.max_ahead", cfg.Queue.MaxAhead, 0)
	if err != nil {
		return nil, err
	}
	return []admission.Option{admission.WithGrace(grace), admission.WithMaxAhead(ahead)}, nil
}

func mapGeneratorConfig(cfg *config.Config) (notifygen.Config, error) {
	gc := cfg.Generator
	look, err := config.ParseDurationOrDefault("generator.lookahead", gc.Lookahead, notifygen.DefaultLookahead)
	if err != nil {
		return notifygen.Config{}, err
	}
	base, err := config.ParseDurationOrDefault("generator.retry_base", gc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifygen.Config{}, err
	}
	return notifygen.Config{
		Lookahead:    look,
		Concurrency:  gc.Concurrency,
		DefaultLimit: cfg.Queue.DefaultDailyLimit,
		RetryMax:     gc.RetryMax,
		RetryBase:    base,
	}, nil
}

func mapAlertConfig(cfg *config.Config) alert.Config {
	tc := cfg.Alert.Telegram
	rate := tc.RatePerSec
	if rate <= 0 {
		rate = 1
	}
	return alert.Config{
		Enabled:         tc.Enabled,
		Workers:         1,
		QueueSize:       128,
		RatePerSec:      rate,
		RetryMax:        3,
		RetryBase:       time.Second,
		RetryMaxDelay:   30 * time.Second,
		DedupWindow:     time.Minute,
		DedupMaxEntries: 512,
	}
}

// validate rejects a config whose sections cannot be mapped. It runs on load
// and before every hot reload is committed.
func mapPprofConfig(cfg *config.Config) pprof.Config {
	p := cfg.HTTP.Pprof
	return pprof.Config{
		Enabled:              p.Enabled,
		MutexProfileFraction: p.MutexProfileFraction,
		BlockProfileRate:     p.BlockProfileRate,
		MemProfileRate:       p.MemProfileRate,
	}
}

func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAdmissionOptions(cfg); err != nil {
		return err
	}
	if _, err := mapGeneratorConfig(cfg); err != nil {
		return err
	}
	for path, raw := range map[string]string{
		"generator.schedule":               cfg.Generator.Schedule,
		"dispatch.prune_queues_schedule":   cfg.Dispatch.PruneQueuesSchedule,
		"dispatch.prune_messages_schedule": cfg.Dispatch.PruneMessagesSchedule,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, err := dispatch.ParseSchedule(raw); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}
