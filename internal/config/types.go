package config

// Config is the on-disk configuration. All durations are Go duration
// strings ("500ms", "30s", "5m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Remote   RemoteConfig   `json:"remote"`
	Sync     SyncConfig     `json:"sync"`

	// Scheduler controls triggers; TaskEngine controls execution.
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Debug    *DebugConfig    `json:"debug,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat ID that receives log lines and, by default,
	// change notifications.
	GroupLog    string `json:"group_log"`
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// RemoteConfig selects the spreadsheet backend and how it is called.
//
// Defaults:
//   - driver: "sheets"
//   - rate_limit: 60 calls per "1m", token_bucket
//   - retry: 5 attempts, "500ms" initial, "30s" max, multiplier 2
//   - request_timeout: "20s"
type RemoteConfig struct {
	Driver         string          `json:"driver"`
	Sheets         SheetsConfig    `json:"sheets"`
	RateLimit      RateLimitConfig `json:"rate_limit"`
	Retry          RetryConfig     `json:"retry"`
	RequestTimeout string          `json:"request_timeout,omitempty"`
}

type SheetsConfig struct {
	CredentialsFile string `json:"credentials_file"`
	SpreadsheetID   string `json:"spreadsheet_id"`
	Sheet           string `json:"sheet"`
	KeyColumn       string `json:"key_column,omitempty"`
	VersionColumn   string `json:"version_column,omitempty"`
	UpdatedColumn   string `json:"updated_column,omitempty"`
	// Endpoint overrides the API base URL (emulators, tests).
	Endpoint string `json:"endpoint,omitempty"`
}

type RateLimitConfig struct {
	Quota  int    `json:"quota"`
	Window string `json:"window"`
	Policy string `json:"policy,omitempty"`
}

type RetryConfig struct {
	MaxAttempts     int     `json:"max_attempts"`
	InitialInterval string  `json:"initial_interval"`
	MaxInterval     string  `json:"max_interval"`
	Multiplier      float64 `json:"multiplier,omitempty"`
}

// SyncConfig controls the reconciliation cycle.
//
// Schedule accepts the scheduler's forms: "every:30s", "30s", a cron
// expression, or "HH:MM".
type SyncConfig struct {
	Schedule         string   `json:"schedule"`
	Deadline         string   `json:"deadline"`
	MergePolicy      string   `json:"merge_policy"`
	StaleAfter       string   `json:"stale_after"`
	FlushConcurrency int      `json:"flush_concurrency,omitempty"`
	SearchFields     []string `json:"search_fields,omitempty"`
	JournalInterval  string   `json:"journal_interval,omitempty"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Enabled is a pointer so an omitted value means enabled: /sync and
// sync-once run through the engine even when scheduler triggers are off.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// NotifierConfig controls the async notification pipeline and which
// events reach which chats. If the whole section is omitted the notifier
// is enabled and targets telegram.group_log.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`

	Targets []ChatTargetConfig `json:"targets,omitempty"`
	// Events are bus patterns, e.g. "cache.*" or "sync.degraded".
	Events []string `json:"events,omitempty"`
	// Sources limits cache events by origin: "remote", "local", "flush".
	Sources   []string `json:"sources,omitempty"`
	MaxFields int      `json:"max_fields,omitempty"`
}

type ChatTargetConfig struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
//	"storage": { "driver": "sqlite", "path": "./sheetbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DebugConfig controls the operator HTTP endpoints (/healthz, /status and
// optionally /debug/pprof/). A non-loopback addr needs a token or
// allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}
