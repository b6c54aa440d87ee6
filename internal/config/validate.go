package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	logx "nudge/pkg/logx"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks struct tags and every duration field. Errors name the
// offending field by its dotted json path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fmt.Sprintf("%s: failed %q", fieldPath(fe.Namespace()), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(parts, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	durations := []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"queue.grace", cfg.Queue.Grace},
		{"queue.max_ahead", cfg.Queue.MaxAhead},
		{"dispatch.poll_interval", cfg.Dispatch.PollInterval},
		{"dispatch.message_retention", cfg.Dispatch.MessageRetention},
		{"task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout},
		{"task_engine.retry_base", cfg.TaskEngine.RetryBase},
		{"task_engine.retry_max_delay", cfg.TaskEngine.RetryMaxDelay},
		{"generator.lookahead", cfg.Generator.Lookahead},
		{"generator.retry_base", cfg.Generator.RetryBase},
		{"transport.webhook.timeout", cfg.Transport.Webhook.Timeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)) {
	case "webhook":
		if strings.TrimSpace(cfg.Transport.Webhook.URL) == "" {
			return errors.New("transport.webhook.url: required for webhook driver")
		}
	case "amqp":
		if strings.TrimSpace(cfg.Transport.AMQP.URL) == "" {
			return errors.New("transport.amqp.url: required for amqp driver")
		}
	}
	return nil
}

// fieldPath turns "Config.transport.webhook.url" into "transport.webhook.url".
func fieldPath(ns string) string {
	_, rest, ok := strings.Cut(ns, ".")
	if !ok {
		return ns
	}
	return rest
}

// LogConfig maps the logging section onto the logger's own config type.
func (c LoggingConfig) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Forward: logx.ForwardConfig{
			Enabled:    c.Forward.Enabled,
			MinLevel:   c.Forward.MinLevel,
			RatePerSec: c.Forward.RatePerSec,
		},
	}
}
