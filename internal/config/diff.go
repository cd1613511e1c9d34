package config

import (
	"reflect"
	"slices"
	"strings"

	logx "sheetbot/pkg/logx"
)

// HotSections are applied without a restart.
var HotSections = []string{"logging", "scheduler.timezone"}

// SummarizeConfigChange lists the changed top-level sections and safe
// attrs for logging. Secrets (token, DSN, credentials path) are never
// included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var attrs []logx.Field

	o, n := oldCfg.Telegram, newCfg.Telegram
	if o.Token != n.Token || strings.TrimSpace(o.PollTimeout) != strings.TrimSpace(n.PollTimeout) ||
		!slices.Equal(o.OwnerUserIDs, n.OwnerUserIDs) || strings.TrimSpace(o.GroupLog) != strings.TrimSpace(n.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(n.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(n.GroupLog) != ""),
			logx.Bool("telegram.token_changed", o.Token != n.Token),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		l := newCfg.Logging
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.file_enabled", l.File.Enabled),
			logx.Bool("logging.telegram_enabled", l.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Remote, newCfg.Remote) {
		r := newCfg.Remote
		changed = append(changed, "remote")
		attrs = append(attrs,
			logx.String("remote.driver", r.Driver),
			logx.String("remote.sheet", r.Sheets.Sheet),
			logx.Int("remote.rate_limit.quota", r.RateLimit.Quota),
			logx.String("remote.rate_limit.window", r.RateLimit.Window),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sync, newCfg.Sync) {
		s := newCfg.Sync
		changed = append(changed, "sync")
		attrs = append(attrs,
			logx.String("sync.schedule", s.Schedule),
			logx.String("sync.merge_policy", s.MergePolicy),
			logx.String("sync.stale_after", s.StaleAfter),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled {
			changed = append(changed, "scheduler")
		}
		if oldCfg.Scheduler.Timezone != newCfg.Scheduler.Timezone {
			changed = append(changed, "scheduler.timezone")
		}
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if nc := newCfg.Notifier; nc != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", nc.Enabled),
				logx.Int("notifier.targets", len(nc.Targets)),
				logx.Strings("notifier.events", nc.Events),
			)
		}
	}

	var oDriver, nDriver string
	if oldCfg.Storage != nil {
		oDriver = oldCfg.Storage.Driver
	}
	if newCfg.Storage != nil {
		nDriver = newCfg.Storage.Driver
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", nDriver), logx.Bool("storage.driver_changed", oDriver != nDriver))
	}

	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		changed = append(changed, "debug")
		if d := newCfg.Debug; d != nil {
			attrs = append(attrs, logx.Bool("debug.enabled", d.Enabled), logx.Bool("debug.pprof", d.Pprof))
		}
	}

	slices.Sort(changed)
	return changed, attrs
}

// ColdSections returns the changed sections that need a restart.
func ColdSections(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !slices.Contains(HotSections, s) {
			out = append(out, s)
		}
	}
	return out
}
