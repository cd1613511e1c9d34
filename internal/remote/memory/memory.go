// Package memory is an in-process remote.Backend. It backs the "memory"
// driver and lets tests play the part of a spreadsheet edited by humans.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"sheetbot/internal/record"
	"sheetbot/internal/remote"
)

type Backend struct {
	mu   sync.Mutex
	rows map[string]record.Record
	now  func() time.Time

	failures []error
	calls    map[remote.Op]int
	delay    time.Duration
}

func New() *Backend {
	return &Backend{
		rows:  map[string]record.Record{},
		now:   time.Now,
		calls: map[remote.Op]int{},
	}
}

// WithClock replaces the time source used for UpdatedAt.
func (b *Backend) WithClock(now func() time.Time) *Backend {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// SetDelay makes every call take at least d.
func (b *Backend) SetDelay(d time.Duration) {
	b.mu.Lock()
	b.delay = d
	b.mu.Unlock()
}

// FailNext makes the next n calls fail with err.
func (b *Backend) FailNext(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for range n {
		b.failures = append(b.failures, err)
	}
}

// Put stores a row as if edited directly in the spreadsheet, bumping its version.
func (b *Backend) Put(key string, fields record.Fields) record.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.rows[key]
	if !ok {
		cur = record.Record{Key: key}
	}
	cur.Fields = cur.Fields.Merge(fields)
	cur.RemoteVersion++
	cur.UpdatedAt = b.now()
	b.rows[key] = cur
	return cur.Clone()
}

// Edit changes cells the way a person typing into the sheet does: the
// version and update time stay as they were.
func (b *Backend) Edit(key string, fields record.Fields) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.rows[key]
	if !ok {
		cur = record.Record{Key: key}
	}
	cur.Fields = cur.Fields.Merge(fields)
	b.rows[key] = cur
}

// Delete removes a row as if deleted in the spreadsheet.
func (b *Backend) Delete(key string) {
	b.mu.Lock()
	delete(b.rows, key)
	b.mu.Unlock()
}

// Row returns the stored row without counting a call.
func (b *Backend) Row(key string) (record.Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rows[key]
	return r.Clone(), ok
}

func (b *Backend) Calls(op remote.Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *Backend) Cost(remote.Op) int { return 1 }

// enter counts the call and pops an injected failure, if any.
func (b *Backend) enter(ctx context.Context, op remote.Op) error {
	b.mu.Lock()
	b.calls[op]++
	delay := b.delay
	var injected error
	if len(b.failures) > 0 {
		injected = b.failures[0]
		b.failures = b.failures[1:]
	}
	b.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return injected
}

func (b *Backend) FetchAll(ctx context.Context) ([]record.Record, error) {
	if err := b.enter(ctx, remote.OpFetchAll); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]record.Record, 0, len(b.rows))
	for _, r := range b.rows {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *Backend) Fetch(ctx context.Context, key string) (record.Record, error) {
	if err := b.enter(ctx, remote.OpFetch); err != nil {
		return record.Record{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rows[key]
	if !ok {
		return record.Record{}, remote.ErrNotFound
	}
	return r.Clone(), nil
}

func (b *Backend) Write(ctx context.Context, key string, delta, base record.Fields, baseVersion uint64) (uint64, error) {
	if key == "" {
		return 0, remote.Permanent(errors.New("memory: empty key"))
	}
	if err := b.enter(ctx, remote.OpWrite); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.rows[key]
	var have uint64
	if ok {
		have = cur.RemoteVersion
	}
	if have != baseVersion || (ok && len(remote.ChangedUnderneath(delta, base, cur.Fields)) > 0) {
		ce := &remote.ConflictError{Key: key, Intent: delta.Clone(), BaseVersion: baseVersion}
		if ok {
			c := cur.Clone()
			ce.Current = &c
		}
		return 0, ce
	}
	if !ok {
		cur = record.Record{Key: key}
	}
	cur.Fields = cur.Fields.Merge(delta)
	cur.RemoteVersion = have + 1
	cur.UpdatedAt = b.now()
	b.rows[key] = cur
	return cur.RemoteVersion, nil
}
