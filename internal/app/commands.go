package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sheetbot/internal/cache"
	"sheetbot/internal/record"
	"sheetbot/internal/remote"
	"sheetbot/internal/storage"
	"sheetbot/internal/task/engine"
	"sheetbot/internal/transport/telegram/router"
	logx "sheetbot/pkg/logx"
)

const findLimit = 10

func (a *App) commands() []router.Command {
	return []router.Command{
		{
			Name:        "get",
			Description: "show a record",
			Usage:       "/get <key>",
			Timeout:     5 * time.Second,
			Handle:      a.cmdGet,
		},
		{
			Name:        "find",
			Aliases:     []string{"search"},
			Description: "search records",
			Usage:       "/find <query>",
			Timeout:     5 * time.Second,
			Handle:      a.cmdFind,
		},
		{
			Name:        "set",
			Description: "update fields of a record",
			Usage:       "/set <key> field=value ...",
			Access:      router.AccessOwnerOnly,
			Timeout:     5 * time.Second,
			Handle:      a.cmdSet,
		},
		{
			Name:        "sync",
			Description: "sync with the sheet now",
			Usage:       "/sync",
			Access:      router.AccessOwnerOnly,
			Handle:      a.cmdSync,
		},
		{
			Name:        "status",
			Description: "cache and sync status",
			Usage:       "/status",
			Handle:      a.cmdStatus,
		},
	}
}

func (a *App) cmdGet(ctx context.Context, req *router.Request) error {
	key := strings.TrimSpace(req.RawArgs)
	if key == "" {
		return router.Userf("usage: /get <key>")
	}
	r, ok := a.cache.Get(key)
	if !ok {
		return router.Userf("no record %q", key)
	}
	return req.Reply(ctx, formatRecord(r))
}

func (a *App) cmdFind(ctx context.Context, req *router.Request) error {
	q := strings.TrimSpace(req.RawArgs)
	if q == "" {
		return router.Userf("usage: /find <query>")
	}
	recs := a.cache.Search(q, findLimit)
	if len(recs) == 0 {
		return req.Reply(ctx, fmt.Sprintf("no matches for %q", q))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d match(es) for %q:", len(recs), q)
	for _, r := range recs {
		b.WriteString("\n")
		b.WriteString(summarizeRecord(r, 3))
	}
	return req.Reply(ctx, b.String())
}

func (a *App) cmdSet(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 2 {
		return router.Userf("usage: /set <key> field=value ...")
	}
	key := strings.TrimSpace(req.Args[0])
	delta, err := parseAssignments(req.Args[1:])
	if err != nil {
		return err
	}
	cur, _ := a.cache.Get(key)
	if name := a.rc.Managed.owner(delta, cur.Fields); name != "" {
		return router.Userf("field %q is managed by sync", name)
	}

	start := time.Now()
	r, err := a.cache.Write(key, delta)
	a.audit(ctx, req, "set", key, delta.Names(), err, time.Since(start))
	switch {
	case errors.Is(err, cache.ErrEmptyKey), errors.Is(err, cache.ErrEmptyDelta):
		return router.Userf("%v", err)
	case err != nil:
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("%s saved (v%d), pending sync", r.Key, r.Version))
}

// parseAssignments turns field=value tokens into a delta. Field names get
// the same normalization as sheet headers.
func parseAssignments(args []string) (record.Fields, error) {
	var delta record.Fields
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		name = record.HeaderKey(name)
		if !ok || name == "" {
			return nil, router.Userf("bad assignment %q, want field=value", arg)
		}
		delta = delta.Set(name, value)
	}
	return delta, nil
}

func (a *App) audit(ctx context.Context, req *router.Request, action, target string, fields []string, err error, took time.Duration) {
	if a.store == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{"req_id": req.ReqID, "fields": fields})
	e := storage.AuditEntry{
		At:            time.Now().UTC(),
		ActorID:       req.FromID,
		ActorUsername: req.FromUsername,
		ChatID:        req.Chat.ChatID,
		Action:        action,
		Target:        target,
		OK:            err == nil,
		TookMS:        took.Milliseconds(),
		MetaJSON:      string(meta),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := a.store.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		req.Logger.Warn("audit append failed", logx.Err(aerr))
	}
}

func (a *App) cmdSync(ctx context.Context, req *router.Request) error {
	err := a.sched.RunNow(syncJobName)
	switch {
	case errors.Is(err, engine.ErrOverlapSkip):
		return req.Reply(ctx, "sync already running")
	case err != nil:
		return err
	}
	return req.Reply(ctx, "sync queued")
}

func (a *App) cmdStatus(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, a.statusText(time.Now()))
}

func (a *App) statusText(now time.Time) string {
	cs := a.cache.Stats()
	rs := a.rec.Status()
	ss := a.sched.Snapshot()
	ms := a.remote.Stats()

	var b strings.Builder
	fmt.Fprintf(&b, "cache: %d records, %d pending, %d in flight, %d writes\n", cs.Records, cs.Pending, cs.InFlight, cs.Writes)

	fmt.Fprintf(&b, "sync: %s, %d cycles, %d failures", rs.State, rs.Cycles, rs.Failures)
	if rs.LastSuccess.IsZero() {
		b.WriteString(", never succeeded")
	} else {
		fmt.Fprintf(&b, ", last success %s ago", now.Sub(rs.LastSuccess).Round(time.Second))
	}
	if rs.Degraded {
		b.WriteString(", DEGRADED")
	}
	b.WriteString("\n")
	if l := rs.Last; l != nil {
		fmt.Fprintf(&b, "last cycle: flushed %d, conflicts %d, requeued %d, changed %d, took %s",
			l.Flushed, l.Conflicts, l.Requeued, l.Apply.Changed(), l.Duration.Round(time.Millisecond))
		if l.Error != "" {
			fmt.Fprintf(&b, ", error: %s", l.Error)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "scheduler: enabled=%t, queue %d/%d, in flight %d, skipped %d\n",
		ss.Enabled, ss.QueueLen, ss.QueueCap, ss.InFlight, ss.Skipped)

	b.WriteString("remote:")
	for _, op := range []remote.Op{remote.OpFetchAll, remote.OpFetch, remote.OpWrite} {
		st, ok := ms.Ops[op]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, " %s %d calls/%d errors (p95 %s);", op, st.Calls, st.Errors, st.P95.Round(time.Millisecond))
	}
	fmt.Fprintf(&b, " coalesced %d\n", ms.Coalesced)
	fmt.Fprintf(&b, "limiter: %s %d/%s, waited %d", ms.Limiter.Policy, ms.Limiter.Quota, ms.Limiter.Window, ms.Limiter.Waited)
	return b.String()
}

func formatRecord(r record.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (v%d)", r.Key, r.Version)
	if !r.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, ", updated %s", r.UpdatedAt.UTC().Format(time.RFC3339))
	}
	for _, f := range r.Fields {
		fmt.Fprintf(&b, "\n  %s: %s", f.Name, f.Value)
	}
	return b.String()
}

// summarizeRecord renders the key and the first n non-empty fields on one line.
func summarizeRecord(r record.Record, n int) string {
	parts := make([]string, 0, n)
	for _, f := range r.Fields {
		if len(parts) == n {
			break
		}
		if strings.TrimSpace(f.Value) == "" {
			continue
		}
		parts = append(parts, f.Name+"="+f.Value)
	}
	if len(parts) == 0 {
		return r.Key
	}
	return r.Key + ": " + strings.Join(parts, ", ")
}
