package app

import (
	"context"
	"fmt"
	"strings"

	"sheetbot/internal/config"
	"sheetbot/internal/reconcile"
)

// Summary is what check-config prints for a valid file.
type Summary struct {
	Remote           string   `json:"remote"`
	Sheet            string   `json:"sheet,omitempty"`
	Schedule         string   `json:"schedule"`
	SchedulerEnabled bool     `json:"scheduler_enabled"`
	MergePolicy      string   `json:"merge_policy"`
	Deadline         string   `json:"deadline"`
	StaleAfter       string   `json:"stale_after"`
	RateLimit        string   `json:"rate_limit"`
	SearchFields     []string `json:"search_fields,omitempty"`
	Storage          string   `json:"storage"`
	Owners           int      `json:"owners"`
	NotifyTargets    int      `json:"notify_targets"`
	Notifier         bool     `json:"notifier"`
	Debug            string   `json:"debug,omitempty"`
}

// CheckConfig loads and validates the file at path and maps every section
// the way the running app would.
func CheckConfig(path string) (Summary, error) {
	cfg, err := config.NewConfigManager(path).Parse()
	if err != nil {
		return Summary{}, err
	}
	if err := config.Validate(cfg); err != nil {
		return Summary{}, err
	}
	rc, err := mapConfig(cfg)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{
		Remote:           strings.ToLower(strings.TrimSpace(cfg.Remote.Driver)),
		Schedule:         rc.Schedule,
		SchedulerEnabled: rc.Scheduler.Enabled,
		MergePolicy:      string(rc.Sync.MergePolicy),
		Deadline:         rc.Sync.Deadline.String(),
		StaleAfter:       rc.Sync.StaleAfter.String(),
		RateLimit:        fmt.Sprintf("%d/%s %s", rc.Limiter.Quota, rc.Limiter.Window, policyName(string(rc.Limiter.Policy))),
		SearchFields:     rc.Search,
		Storage:          rc.Storage.Driver,
		Owners:           len(cfg.Telegram.OwnerUserIDs),
		NotifyTargets:    len(rc.Route.Targets),
		Notifier:         rc.Notifier.Enabled,
	}
	if s.Remote == "" {
		s.Remote = "sheets"
	}
	if s.Remote == "sheets" {
		s.Sheet = cfg.Remote.Sheets.SpreadsheetID + "/" + cfg.Remote.Sheets.Sheet
	}
	if s.Storage == "" {
		s.Storage = "none"
	}
	if rc.Debug.Enabled {
		s.Debug = rc.Debug.Addr
		if s.Debug == "" {
			s.Debug = "127.0.0.1:6060"
		}
	}
	return s, nil
}

func policyName(p string) string {
	if p == "" {
		return "token_bucket"
	}
	return p
}

// RunSyncOnce runs a single reconciliation cycle without starting the bot.
func RunSyncOnce(ctx context.Context, path string) (reconcile.CycleReport, error) {
	cfgm := config.NewConfigManager(path)
	cfg, err := cfgm.Load()
	if err != nil {
		return reconcile.CycleReport{}, err
	}
	be, err := NewBackend(ctx, cfg.Remote)
	if err != nil {
		return reconcile.CycleReport{}, err
	}
	a, err := Build(cfgm, Deps{Backend: be})
	if err != nil {
		return reconcile.CycleReport{}, err
	}
	return a.SyncOnce(ctx)
}
