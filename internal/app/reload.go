package app

import (
	"context"
	"strings"

	"nudge/internal/config"
	logx "nudge/pkg/logx"
	"nudge/pkg/systemd"
)

// reloadLoop applies committed config changes to the running components.
// Sections listed by config.RequiresRestart are only reported.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-c.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			newCfg = cfg
		}
		// Coalesce bursts: keep only the latest config in the channel.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}

		sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
		if len(sections) == 0 {
			a.log.Debug("config reload received, but no effective changes detected")
			continue
		}
		if restart := config.RequiresRestart(lastApplied, newCfg); len(restart) > 0 {
			a.log.Warn("config changed; restart required for changes to take effect", logx.Strs("sections", restart))
		}
		lastApplied = newCfg
		_ = systemd.Reloading()
		a.apply(c, newCfg)
		_ = systemd.Ready()

		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	}
}

// apply pushes cfg into every component that supports live changes. The
// config was validated before commit, so mapping errors are unexpected.
func (a *App) apply(c context.Context, cfg *config.Config) {
	a.logs.Apply(cfg.Logging.LogConfig())

	if engCfg, err := mapTaskEngineConfig(cfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(c, engCfg)
	}

	if dcfg, err := mapDispatchConfig(cfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dcfg)
	}

	grace := config.MustDuration(cfg.Queue.Grace, 0)
	ahead := config.MustDuration(cfg.Queue.MaxAhead, 0)
	a.adm.SetWindow(grace, ahead)

	if gcfg, err := mapGeneratorConfig(cfg); err != nil {
		a.log.Warn("invalid generator config; keeping previous", logx.Err(err))
	} else {
		a.gen.Apply(gcfg)
	}

	if a.alerts != nil {
		a.alerts.Apply(mapAlertConfig(cfg))
	}
	if a.pprof != nil {
		a.pprof.Apply(mapPprofConfig(cfg))
	}

	if err := a.registerSchedules(cfg); err != nil {
		a.log.Warn("schedules not updated", logx.Err(err))
	}
}
