package config

import (
	"net"
	"slices"
	"strconv"
	"strings"

	"sheetbot/internal/task/scheduler"
)

var (
	logLevels      = []string{"", "trace", "debug", "info", "warn", "warning", "error"}
	remoteDrivers  = []string{"", "sheets", "memory"}
	limitPolicies  = []string{"", "token_bucket", "sliding_window"}
	mergePolicies  = []string{"", "last_writer_wins", "local_wins", "remote_wins"}
	storageDrivers = []string{"", "none", "file", "sqlite", "postgres"}
	changeSources  = []string{"remote", "local", "flush"}
)

// Validate checks the whole file and returns the first problem as a
// *ConfigError. It does not touch the network or the filesystem.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fieldErr("config", "missing")
	}
	checks := []func(*Config) error{
		validateTelegram,
		validateLogging,
		validateRemote,
		validateSync,
		validateTaskEngine,
		validateNotifier,
		validateStorage,
		validateDebug,
	}
	for _, check := range checks {
		if err := check(cfg); err != nil {
			return err
		}
	}
	return nil
}

func validateTelegram(cfg *Config) error {
	tg := cfg.Telegram
	if strings.TrimSpace(tg.Token) == "" {
		return fieldErr("telegram.token", "required")
	}
	for i, id := range tg.OwnerUserIDs {
		if id <= 0 {
			return fieldErr("telegram.owner_user_ids["+strconv.Itoa(i)+"]", "must be > 0")
		}
	}
	if _, err := ParseChatID(tg.GroupLog); err != nil {
		return &ConfigError{Field: "telegram.group_log", Reason: "not a chat id", Err: err}
	}
	_, err := ParseDurationField("telegram.poll_timeout", tg.PollTimeout)
	return err
}

func validateLogging(cfg *Config) error {
	l := cfg.Logging
	if !oneOf(l.Level, logLevels) {
		return fieldErr("logging.level", "unknown level "+quote(l.Level))
	}
	if !oneOf(l.Telegram.MinLevel, logLevels) {
		return fieldErr("logging.telegram.min_level", "unknown level "+quote(l.Telegram.MinLevel))
	}
	if l.Telegram.RatePerSec < 0 {
		return fieldErr("logging.telegram.rate_per_sec", "must be >= 0")
	}
	if l.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.GroupLog) == "" {
		return fieldErr("logging.telegram.enabled", "requires telegram.group_log")
	}
	return nil
}

func validateRemote(cfg *Config) error {
	r := cfg.Remote
	if !oneOf(r.Driver, remoteDrivers) {
		return fieldErr("remote.driver", "unknown driver "+quote(r.Driver))
	}
	if d := strings.ToLower(strings.TrimSpace(r.Driver)); d == "" || d == "sheets" {
		if strings.TrimSpace(r.Sheets.SpreadsheetID) == "" {
			return fieldErr("remote.sheets.spreadsheet_id", "required for the sheets driver")
		}
		if strings.TrimSpace(r.Sheets.Sheet) == "" {
			return fieldErr("remote.sheets.sheet", "required for the sheets driver")
		}
	}
	if r.RateLimit.Quota < 0 {
		return fieldErr("remote.rate_limit.quota", "must be >= 0")
	}
	if _, err := ParseDurationField("remote.rate_limit.window", r.RateLimit.Window); err != nil {
		return err
	}
	if !oneOf(r.RateLimit.Policy, limitPolicies) {
		return fieldErr("remote.rate_limit.policy", "unknown policy "+quote(r.RateLimit.Policy))
	}
	if r.Retry.MaxAttempts < 0 {
		return fieldErr("remote.retry.max_attempts", "must be >= 0")
	}
	if r.Retry.Multiplier != 0 && r.Retry.Multiplier < 1 {
		return fieldErr("remote.retry.multiplier", "must be >= 1")
	}
	return parseDurations(
		durField{"remote.retry.initial_interval", r.Retry.InitialInterval},
		durField{"remote.retry.max_interval", r.Retry.MaxInterval},
		durField{"remote.request_timeout", r.RequestTimeout},
	)
}

func validateSync(cfg *Config) error {
	s := cfg.Sync
	if strings.TrimSpace(s.Schedule) != "" {
		if err := scheduler.ValidateSchedule(s.Schedule); err != nil {
			return &ConfigError{Field: "sync.schedule", Reason: "invalid schedule", Err: err}
		}
	}
	if !oneOf(s.MergePolicy, mergePolicies) {
		return fieldErr("sync.merge_policy", "unknown policy "+quote(s.MergePolicy))
	}
	if s.FlushConcurrency < 0 {
		return fieldErr("sync.flush_concurrency", "must be >= 0")
	}
	return parseDurations(
		durField{"sync.deadline", s.Deadline},
		durField{"sync.stale_after", s.StaleAfter},
		durField{"sync.journal_interval", s.JournalInterval},
	)
}

func validateTaskEngine(cfg *Config) error {
	te := cfg.TaskEngine
	if te == nil {
		return nil
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
		return fieldErr("task_engine", "counts must be >= 0")
	}
	if _, err := ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return err
	}
	_, err := ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	return err
}

func validateNotifier(cfg *Config) error {
	n := cfg.Notifier
	if n == nil {
		return nil
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 || n.MaxFields < 0 {
		return fieldErr("notifier", "counts must be >= 0")
	}
	if err := parseDurations(
		durField{"notifier.retry_base", n.RetryBase},
		durField{"notifier.retry_max_delay", n.RetryMaxDelay},
		durField{"notifier.dedup_window", n.DedupWindow},
	); err != nil {
		return err
	}
	for i, t := range n.Targets {
		if t.ChatID == 0 {
			return fieldErr("notifier.targets["+strconv.Itoa(i)+"].chat_id", "required")
		}
	}
	for i, ev := range n.Events {
		if strings.TrimSpace(ev) == "" {
			return fieldErr("notifier.events["+strconv.Itoa(i)+"]", "empty pattern")
		}
	}
	for i, src := range n.Sources {
		if !slices.Contains(changeSources, strings.ToLower(strings.TrimSpace(src))) {
			return fieldErr("notifier.sources["+strconv.Itoa(i)+"]", "unknown source "+quote(src))
		}
	}
	return nil
}

func validateStorage(cfg *Config) error {
	st := cfg.Storage
	if st == nil {
		return nil
	}
	driver := strings.ToLower(strings.TrimSpace(st.Driver))
	if !slices.Contains(storageDrivers, driver) {
		return fieldErr("storage.driver", "unknown driver "+quote(st.Driver))
	}
	switch driver {
	case "file", "sqlite":
		if strings.TrimSpace(st.Path) == "" {
			return fieldErr("storage.path", "required for the "+driver+" driver")
		}
	case "postgres":
		if strings.TrimSpace(st.DSN) == "" {
			return fieldErr("storage.dsn", "required for the postgres driver")
		}
	}
	_, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout)
	return err
}

func validateDebug(cfg *Config) error {
	d := cfg.Debug
	if d == nil || !d.Enabled {
		return nil
	}
	if addr := strings.TrimSpace(d.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return &ConfigError{Field: "debug.addr", Reason: "want host:port", Err: err}
		}
	}
	return parseDurations(
		durField{"debug.read_timeout", d.ReadTimeout},
		durField{"debug.write_timeout", d.WriteTimeout},
	)
}

type durField struct{ path, raw string }

func parseDurations(fields ...durField) error {
	for _, f := range fields {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// ParseChatID parses a Telegram chat ID. Empty means none (0).
func ParseChatID(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func oneOf(v string, allowed []string) bool {
	return slices.Contains(allowed, strings.ToLower(strings.TrimSpace(v)))
}
