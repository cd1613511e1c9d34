package app

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"sheetbot/internal/cache"
	"sheetbot/internal/config"
	"sheetbot/internal/notifier"
	"sheetbot/internal/observability/debughttp"
	"sheetbot/internal/ratelimit"
	"sheetbot/internal/reconcile"
	"sheetbot/internal/record"
	"sheetbot/internal/remote"
	"sheetbot/internal/storage"
	"sheetbot/internal/task/engine"
	"sheetbot/internal/task/scheduler"
	kit "sheetbot/internal/transport"
	logx "sheetbot/pkg/logx"
)

const (
	defaultSyncSchedule    = "every:30s"
	defaultJournalInterval = 10 * time.Second
)

// runtimeConfig is the parsed form of config.Config that services consume.
type runtimeConfig struct {
	Logging   logx.Config
	Limiter   ratelimit.Config
	Remote    remote.Options
	Sync      reconcile.Config
	Schedule  string
	Journal   time.Duration
	Search    []string
	Managed   managedColumns
	Engine    engine.Config
	Scheduler scheduler.Config
	Notifier  notifier.Config
	Route     notifier.RouteConfig
	Storage   storage.Config
	Poll      time.Duration
	Debug     debughttp.Config
}

func mapConfig(cfg *config.Config) (runtimeConfig, error) {
	var (
		rc  runtimeConfig
		err error
	)
	if rc.Logging, err = mapLoggingConfig(cfg); err != nil {
		return rc, err
	}
	if rc.Limiter, rc.Remote, err = mapRemoteConfig(cfg); err != nil {
		return rc, err
	}
	if rc.Sync, err = mapSyncConfig(cfg); err != nil {
		return rc, err
	}
	rc.Schedule = strings.TrimSpace(cfg.Sync.Schedule)
	if rc.Schedule == "" {
		rc.Schedule = defaultSyncSchedule
	}
	if rc.Journal, err = config.ParseDurationOrDefault("sync.journal_interval", cfg.Sync.JournalInterval, defaultJournalInterval); err != nil {
		return rc, err
	}
	for _, f := range cfg.Sync.SearchFields {
		if k := record.HeaderKey(f); k != "" {
			rc.Search = append(rc.Search, k)
		}
	}
	rc.Managed = mapManagedColumns(cfg.Remote)
	if rc.Engine, err = mapTaskEngineConfig(cfg); err != nil {
		return rc, err
	}
	rc.Scheduler = scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
	if rc.Notifier, err = mapNotifierConfig(cfg); err != nil {
		return rc, err
	}
	if rc.Route, err = mapRouteConfig(cfg); err != nil {
		return rc, err
	}
	if rc.Storage, err = mapStorageConfig(cfg); err != nil {
		return rc, err
	}
	if rc.Poll, err = config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second); err != nil {
		return rc, err
	}
	if rc.Debug, err = mapDebugConfig(cfg); err != nil {
		return rc, err
	}
	return rc, nil
}

// managedColumns are the sheet columns sync owns. Edits may not name them.
type managedColumns struct {
	names []string
	// firstIsKey marks an unnamed key column, which is the sheet's first.
	firstIsKey bool
}

func mapManagedColumns(r config.RemoteConfig) managedColumns {
	s := r.Sheets
	m := managedColumns{names: []string{
		cmp.Or(record.HeaderKey(s.VersionColumn), "_version"),
		cmp.Or(record.HeaderKey(s.UpdatedColumn), "_updated_at"),
	}}
	switch driver := strings.ToLower(strings.TrimSpace(r.Driver)); {
	case record.HeaderKey(s.KeyColumn) != "":
		m.names = append(m.names, record.HeaderKey(s.KeyColumn))
	case driver == "" || driver == "sheets":
		m.firstIsKey = true
	}
	return m
}

// owner returns the delta field sync owns, given the record's cached
// fields, or "" when every field is user data.
func (m managedColumns) owner(delta, cached record.Fields) string {
	for _, f := range delta {
		if slices.Contains(m.names, f.Name) {
			return f.Name
		}
		if m.firstIsKey && len(cached) > 0 && cached[0].Name == f.Name {
			return f.Name
		}
	}
	return ""
}

func mapDebugConfig(cfg *config.Config) (debughttp.Config, error) {
	d := cfg.Debug
	if d == nil {
		return debughttp.Config{}, nil
	}
	out := debughttp.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         d.Token,
		AllowInsecure: d.AllowInsecure,
		Pprof:         d.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("debug.write_timeout", d.WriteTimeout, 30*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

// mapLoggingConfig resolves telegram.group_log into the log sink target.
func mapLoggingConfig(cfg *config.Config) (logx.Config, error) {
	l := cfg.Logging
	out := logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
	if strings.TrimSpace(cfg.Telegram.GroupLog) != "" {
		id, err := config.ParseChatID(cfg.Telegram.GroupLog)
		if err != nil {
			return logx.Config{}, err
		}
		out.Telegram.ChatID = id
	}
	return out, nil
}

func mapRemoteConfig(cfg *config.Config) (ratelimit.Config, remote.Options, error) {
	r := cfg.Remote
	lim := ratelimit.Config{
		Quota:  60,
		Window: time.Minute,
		Policy: ratelimit.Policy(strings.ToLower(strings.TrimSpace(r.RateLimit.Policy))),
	}
	if r.RateLimit.Quota > 0 {
		lim.Quota = r.RateLimit.Quota
	}
	var err error
	if lim.Window, err = config.ParseDurationOrDefault("remote.rate_limit.window", r.RateLimit.Window, lim.Window); err != nil {
		return ratelimit.Config{}, remote.Options{}, err
	}

	opts := remote.Options{Retry: remote.RetryConfig{
		MaxAttempts: 5,
		Multiplier:  2,
	}}
	if r.Retry.MaxAttempts > 0 {
		opts.Retry.MaxAttempts = r.Retry.MaxAttempts
	}
	if r.Retry.Multiplier > 0 {
		opts.Retry.Multiplier = r.Retry.Multiplier
	}
	if opts.Retry.InitialInterval, err = config.ParseDurationOrDefault("remote.retry.initial_interval", r.Retry.InitialInterval, 500*time.Millisecond); err != nil {
		return ratelimit.Config{}, remote.Options{}, err
	}
	if opts.Retry.MaxInterval, err = config.ParseDurationOrDefault("remote.retry.max_interval", r.Retry.MaxInterval, 30*time.Second); err != nil {
		return ratelimit.Config{}, remote.Options{}, err
	}
	if opts.RequestTimeout, err = config.ParseDurationOrDefault("remote.request_timeout", r.RequestTimeout, 20*time.Second); err != nil {
		return ratelimit.Config{}, remote.Options{}, err
	}
	return lim, opts, nil
}

func mapSyncConfig(cfg *config.Config) (reconcile.Config, error) {
	s := cfg.Sync
	policy, err := reconcile.ParseMergePolicy(strings.TrimSpace(s.MergePolicy))
	if err != nil {
		return reconcile.Config{}, &config.ConfigError{Field: "sync.merge_policy", Reason: "invalid", Err: err}
	}
	out := reconcile.Config{MergePolicy: policy, FlushConcurrency: 4}
	if s.FlushConcurrency > 0 {
		out.FlushConcurrency = s.FlushConcurrency
	}
	if out.Deadline, err = config.ParseDurationOrDefault("sync.deadline", s.Deadline, 25*time.Second); err != nil {
		return reconcile.Config{}, err
	}
	if out.StaleAfter, err = config.ParseDurationOrDefault("sync.stale_after", s.StaleAfter, 5*time.Minute); err != nil {
		return reconcile.Config{}, err
	}
	return out, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}

	enabled := true
	workers := 0
	queueSize := 256
	historySize := 0
	retryMax := 0
	defTimeoutStr := ""
	maxQueueDelayStr := ""

	if te := cfg.TaskEngine; te != nil {
		if te.Enabled != nil {
			enabled = *te.Enabled
		}
		if te.Workers != 0 {
			workers = te.Workers
		}
		if te.QueueSize != 0 {
			queueSize = te.QueueSize
		}
		if te.HistorySize != 0 {
			historySize = te.HistorySize
		}
		if te.RetryMax != 0 {
			retryMax = te.RetryMax
		}
		defTimeoutStr = te.DefaultTimeout
		maxQueueDelayStr = te.MaxQueueDelay

		// Scheduler triggers with no engine to run them would silently do nothing.
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			return engine.Config{}, &config.ConfigError{Field: "task_engine.enabled", Reason: "cannot be false while scheduler.enabled is true"}
		}
	}
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if historySize < 0 {
		historySize = 0
	} else if historySize == 0 {
		historySize = 200
	}
	if retryMax < 0 {
		retryMax = 0
	} else if retryMax == 0 {
		retryMax = 3
	}

	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", defTimeoutStr)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", maxQueueDelayStr)
	if err != nil {
		return engine.Config{}, err
	}

	return engine.Config{
		Enabled:        enabled,
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    historySize,
		RetryMax:       retryMax,
	}, nil
}

// mapNotifierConfig maps the notifier section into parsed durations.
// If the section is omitted the notifier is enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     time.Minute,
		DedupMaxEntries: 2000,
	}
	if cfg == nil || cfg.Notifier == nil {
		return out, nil
	}
	n := cfg.Notifier
	out.Enabled = n.Enabled
	out.PersistDedup = n.PersistDedup
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}

	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

var defaultRouteEvents = []string{"cache.*", reconcile.EventDegraded, reconcile.EventRecovered}

// mapRouteConfig picks notification targets. Without explicit targets the
// log group receives change notifications.
func mapRouteConfig(cfg *config.Config) (notifier.RouteConfig, error) {
	out := notifier.RouteConfig{Events: defaultRouteEvents}
	n := cfg.Notifier
	if n != nil {
		for _, t := range n.Targets {
			out.Targets = append(out.Targets, kit.ChatTarget{ChatID: t.ChatID, ThreadID: t.ThreadID})
		}
		if len(n.Events) > 0 {
			out.Events = n.Events
		}
		for _, s := range n.Sources {
			out.Sources = append(out.Sources, cache.Source(strings.ToLower(strings.TrimSpace(s))))
		}
		out.MaxFields = n.MaxFields
	}
	if len(out.Targets) == 0 && strings.TrimSpace(cfg.Telegram.GroupLog) != "" {
		id, err := config.ParseChatID(cfg.Telegram.GroupLog)
		if err != nil {
			return notifier.RouteConfig{}, err
		}
		out.Targets = []kit.ChatTarget{{ChatID: id}}
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none":
		return storage.Config{}, nil
	case "file", "postgres":
		return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), DSN: strings.TrimSpace(sc.DSN)}, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
