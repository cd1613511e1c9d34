package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetbot/internal/cache"
	"sheetbot/internal/config"
	"sheetbot/internal/record"
	"sheetbot/internal/remote/memory"
	"sheetbot/internal/storage"
	kit "sheetbot/internal/transport"
	logx "sheetbot/pkg/logx"
)

const (
	ownerID   = 1001
	userChat  = 42
	groupChat = -1002003004005
)

const testConfigYAML = `
telegram:
  token: "123456:test-token"
  owner_user_ids: [1001]
  group_log: "-1002003004005"
logging:
  level: error
  console: false
remote:
  driver: memory
  rate_limit:
    quota: 1000
    window: 1s
  retry:
    max_attempts: 2
    initial_interval: 10ms
    max_interval: 50ms
sync:
  schedule: every:1h
  deadline: 5s
  stale_after: 1m
  search_fields: [name, city]
  journal_interval: 1h
scheduler:
  enabled: false
notifier:
  enabled: true
  rate_per_sec: 100
  retry_base: 10ms
storage:
  driver: file
  path: %STORE%
`

type fakeAdapter struct {
	mu  sync.Mutex
	out []kit.Notification
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                    { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.out = append(a.out, kit.Notification{Target: to, Text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.out)}, nil
}

// textsTo returns everything sent to chatID, oldest first.
func (a *fakeAdapter) textsTo(chatID int64) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, n := range a.out {
		if n.Target.ChatID == chatID {
			out = append(out, n.Text)
		}
	}
	return out
}

func (a *fakeAdapter) sawTo(chatID int64, substr string) bool {
	for _, s := range a.textsTo(chatID) {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

func loadTestConfig(t *testing.T) (*config.ConfigManager, string) {
	t.Helper()
	dir := t.TempDir()
	storePath := filepath.Join(dir, "sheetbot")
	path := filepath.Join(dir, "sheetbot.yaml")
	body := strings.ReplaceAll(testConfigYAML, "%STORE%", storePath)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfgm := config.NewConfigManager(path)
	_, err := cfgm.Load()
	require.NoError(t, err)
	return cfgm, storePath
}

func seededBackend() *memory.Backend {
	be := memory.New()
	be.Put("u1", record.Fields{{Name: "name", Value: "Ada"}, {Name: "city", Value: "Bergen"}})
	be.Put("u2", record.Fields{{Name: "name", Value: "Grace"}, {Name: "city", Value: "Oslo"}})
	return be
}

func TestParseAssignments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		want    record.Fields
		wantErr bool
	}{
		{name: "single", args: []string{"city=Oslo"}, want: record.Fields{{Name: "city", Value: "Oslo"}}},
		{name: "normalized name", args: []string{"Phone Number=123"}, want: record.Fields{{Name: "phone_number", Value: "123"}}},
		{name: "value keeps equals", args: []string{"note=a=b"}, want: record.Fields{{Name: "note", Value: "a=b"}}},
		{name: "empty value", args: []string{"city="}, want: record.Fields{{Name: "city", Value: ""}}},
		{name: "missing equals", args: []string{"city"}, wantErr: true},
		{name: "empty name", args: []string{"=x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseAssignments(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestManagedColumnsGuardSyncFields(t *testing.T) {
	t.Parallel()

	cached := record.Fields{{Name: "id", Value: "u1"}, {Name: "city", Value: "Oslo"}}
	tests := []struct {
		name   string
		remote config.RemoteConfig
		delta  record.Fields
		want   string
	}{
		{name: "user field", remote: config.RemoteConfig{Driver: "memory"}, delta: record.Fields{{Name: "city", Value: "Bergen"}}},
		{name: "default version", remote: config.RemoteConfig{Driver: "memory"}, delta: record.Fields{{Name: "_version", Value: "9"}}, want: "_version"},
		{name: "default updated", remote: config.RemoteConfig{Driver: "memory"}, delta: record.Fields{{Name: "_updated_at", Value: "x"}}, want: "_updated_at"},
		{
			name:   "renamed meta columns",
			remote: config.RemoteConfig{Driver: "sheets", Sheets: config.SheetsConfig{KeyColumn: "ID", VersionColumn: "Rev", UpdatedColumn: "Touched"}},
			delta:  record.Fields{{Name: "city", Value: "x"}, {Name: "touched", Value: "x"}},
			want:   "touched",
		},
		{
			name:   "configured key",
			remote: config.RemoteConfig{Driver: "sheets", Sheets: config.SheetsConfig{KeyColumn: "ID"}},
			delta:  record.Fields{{Name: "id", Value: "u2"}},
			want:   "id",
		},
		{name: "unnamed key is first column", remote: config.RemoteConfig{Driver: "sheets"}, delta: record.Fields{{Name: "id", Value: "u2"}}, want: "id"},
		{name: "memory has no key column", remote: config.RemoteConfig{Driver: "memory"}, delta: record.Fields{{Name: "id", Value: "u2"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, mapManagedColumns(tt.remote).owner(tt.delta, cached))
		})
	}
}

func TestSummarizeRecord(t *testing.T) {
	t.Parallel()

	r := record.Record{Key: "u1", Fields: record.Fields{
		{Name: "name", Value: "Ada"},
		{Name: "email", Value: ""},
		{Name: "city", Value: "Oslo"},
		{Name: "role", Value: "admin"},
	}}
	assert.Equal(t, "u1: name=Ada, city=Oslo", summarizeRecord(r, 2))
	assert.Equal(t, "u2", summarizeRecord(record.Record{Key: "u2"}, 3))
}

func TestJournalRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "j")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	j := newJournal(store, logx.Nop())

	src := cache.New(cache.Options{})
	_, err = src.Write("u1", record.Fields{{Name: "city", Value: "Oslo"}})
	require.NoError(t, err)
	_, err = src.Write("u2", record.Fields{{Name: "name", Value: "Linus"}})
	require.NoError(t, err)
	require.NoError(t, saveJournal(context.Background(), j, src))

	dst := cache.New(cache.Options{})
	n, err := restoreJournal(context.Background(), j, dst)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, dst.Stats().Pending)

	r, ok := dst.Get("u1")
	require.True(t, ok)
	city, _ := r.Fields.Get("city")
	assert.Equal(t, "Oslo", city)
}

func TestNilJournalIsNoop(t *testing.T) {
	t.Parallel()

	assert.Nil(t, newJournal(nil, logx.Nop()))
	n, err := restoreJournal(context.Background(), nil, cache.New(cache.Options{}))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, saveJournal(context.Background(), nil, cache.New(cache.Options{})))
}

func TestMapRouteDefaultsToLogGroup(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Telegram: config.TelegramConfig{GroupLog: "-100123"}}
	rc, err := mapRouteConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, []kit.ChatTarget{{ChatID: -100123}}, rc.Targets)
	assert.Equal(t, defaultRouteEvents, rc.Events)

	cfg.Notifier = &config.NotifierConfig{
		Targets: []config.ChatTargetConfig{{ChatID: 7, ThreadID: 3}},
		Sources: []string{"Remote", "local"},
	}
	rc, err = mapRouteConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, []kit.ChatTarget{{ChatID: 7, ThreadID: 3}}, rc.Targets)
	assert.Equal(t, []cache.Source{cache.SourceRemote, cache.SourceLocal}, rc.Sources)
}

func TestMapTaskEngineDefaults(t *testing.T) {
	t.Parallel()

	ec, err := mapTaskEngineConfig(&config.Config{})
	require.NoError(t, err)
	assert.True(t, ec.Enabled)
	assert.Equal(t, 2, ec.Workers)
	assert.Equal(t, 256, ec.QueueSize)
	assert.Equal(t, 200, ec.HistorySize)
	assert.Equal(t, 3, ec.RetryMax)

	off := false
	_, err = mapTaskEngineConfig(&config.Config{
		Scheduler:  config.SchedulerConfig{Enabled: true},
		TaskEngine: &config.TaskEngineConfig{Enabled: &off},
	})
	assert.ErrorIs(t, err, config.ErrConfig)
}

func TestSyncOnceFlushesAndRefreshes(t *testing.T) {
	t.Parallel()

	cfgm, _ := loadTestConfig(t)
	be := seededBackend()
	a, err := Build(cfgm, Deps{Backend: be})
	require.NoError(t, err)

	_, err = a.cache.Write("u9", record.Fields{{Name: "name", Value: "Barbara"}})
	require.NoError(t, err)

	rep, err := a.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Flushed)
	assert.Equal(t, 3, a.cache.Len())

	row, ok := be.Row("u9")
	require.True(t, ok)
	name, _ := row.Fields.Get("name")
	assert.Equal(t, "Barbara", name)
}

func TestApplyConfigHotSwapsSchedulerTimezone(t *testing.T) {
	t.Parallel()

	cfgm, _ := loadTestConfig(t)
	a, err := Build(cfgm, Deps{Backend: seededBackend()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.logs.Close() })

	oldCfg := cfgm.Get()
	next := *oldCfg
	next.Scheduler.Timezone = "Europe/Oslo"
	a.applyConfig(oldCfg, &next)

	assert.Equal(t, "Europe/Oslo", a.sched.Snapshot().Timezone)
	assert.False(t, a.sched.Enabled())
}

func TestAppCommandsEndToEnd(t *testing.T) {
	t.Parallel()

	cfgm, _ := loadTestConfig(t)
	be := seededBackend()
	ad := &fakeAdapter{}
	a, err := Build(cfgm, Deps{Adapter: ad, Backend: be})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		_ = a.Stop(sctx, StopAppStop)
	}()

	// Initial sync fills the cache.
	require.Eventually(t, func() bool { return a.cache.Len() == 2 }, 5*time.Second, 10*time.Millisecond)

	send := func(from int64, text string) {
		a.updates <- kit.Update{Message: &kit.Message{ChatID: userChat, FromID: from, Text: text}}
	}
	expect := func(substr string) {
		t.Helper()
		require.Eventually(t, func() bool { return ad.sawTo(userChat, substr) }, 5*time.Second, 10*time.Millisecond, "want reply containing %q", substr)
	}

	send(7, "/get u1")
	expect("name: Ada")

	send(7, "/find oslo")
	expect("u2: name=Grace, city=Oslo")

	send(7, "/set u1 city=Oslo")
	expect("not allowed")

	send(ownerID, "/set u1 _version=99")
	expect(`field "_version" is managed by sync`)
	r, _ := a.cache.Get("u1")
	assert.Equal(t, uint64(1), r.RemoteVersion)

	send(ownerID, "/set u1 city=Trondheim")
	expect("u1 saved")

	send(ownerID, "/sync")
	require.Eventually(t, func() bool {
		row, _ := be.Row("u1")
		city, _ := row.Fields.Get("city")
		return city == "Trondheim"
	}, 5*time.Second, 10*time.Millisecond)

	// A sheet edit reaches the log group on the next cycle.
	be.Put("u2", record.Fields{{Name: "city", Value: "Stavanger"}})
	require.Eventually(t, func() bool {
		_, _ = a.rec.RunCycle(ctx)
		r, _ := a.cache.Get("u2")
		city, _ := r.Fields.Get("city")
		return city == "Stavanger"
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return ad.sawTo(groupChat, "Row u2 updated") }, 5*time.Second, 10*time.Millisecond)

	send(7, "/status")
	expect("cache: 2 records")

	send(7, "/nope")
	send(7, "/help")
	expect("Commands:")
}

func TestReporterShowsCacheAndSync(t *testing.T) {
	t.Parallel()

	cfgm, _ := loadTestConfig(t)
	a, err := Build(cfgm, Deps{Backend: seededBackend()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.logs.Close() })

	_, err = a.rec.RunCycle(context.Background())
	require.NoError(t, err)

	p := appReporter{a}
	ok, reason := p.Healthy()
	assert.True(t, ok)
	assert.Empty(t, reason)

	doc, isDoc := p.Status().(statusDoc)
	require.True(t, isDoc)
	assert.Equal(t, 2, doc.Cache.Records)
	assert.Equal(t, uint64(1), doc.Sync.Cycles)
	assert.False(t, a.debug.Enabled())
}
