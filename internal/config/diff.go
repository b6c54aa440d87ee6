package config

import (
	"reflect"
	"strings"

	logx "nudge/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and returns log
// fields describing the new values. Secrets are reported only as *_set flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var attrs []logx.Field

	if oldCfg.Site != newCfg.Site {
		changed = append(changed, "site")
		attrs = append(attrs, logx.String("site", newCfg.Site))
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.forward", newCfg.Logging.Forward.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.grace", newCfg.Queue.Grace),
			logx.String("queue.max_ahead", newCfg.Queue.MaxAhead),
			logx.Int("queue.default_daily_limit", newCfg.Queue.DefaultDailyLimit),
		)
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.timezone", newCfg.Dispatch.Timezone),
			logx.String("dispatch.poll_interval", newCfg.Dispatch.PollInterval),
		)
	}
	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
		)
	}
	if !reflect.DeepEqual(oldCfg.Generator, newCfg.Generator) {
		changed = append(changed, "generator")
		attrs = append(attrs,
			logx.Bool("generator.enabled", newCfg.Generator.Enabled),
			logx.String("generator.schedule", newCfg.Generator.Schedule),
			logx.String("generator.lookahead", newCfg.Generator.Lookahead),
		)
	}
	if !reflect.DeepEqual(oldCfg.Transport, newCfg.Transport) {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.driver", newCfg.Transport.Driver),
			logx.Bool("transport.webhook.token_set", newCfg.Transport.Webhook.Token != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Alert, newCfg.Alert) {
		changed = append(changed, "alert")
		attrs = append(attrs,
			logx.Bool("alert.telegram.enabled", newCfg.Alert.Telegram.Enabled),
			logx.Bool("alert.telegram.token_set", newCfg.Alert.Telegram.Token != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
			logx.Bool("http.pprof.enabled", newCfg.HTTP.Pprof.Enabled),
		)
	}
	return changed, attrs
}

// RequiresRestart reports sections that cannot be applied to a running process.
func RequiresRestart(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Transport, newCfg.Transport) {
		out = append(out, "transport")
	}
	// pprof settings apply live
	oldHTTP, newHTTP := oldCfg.HTTP, newCfg.HTTP
	oldHTTP.Pprof, newHTTP.Pprof = PprofConfig{}, PprofConfig{}
	if oldHTTP != newHTTP {
		out = append(out, "http")
	}
	if !reflect.DeepEqual(oldCfg.Alert, newCfg.Alert) {
		out = append(out, "alert")
	}
	return out
}
