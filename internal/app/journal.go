package app

import (
	"context"
	"encoding/json"
	"fmt"

	"sheetbot/internal/cache"
	"sheetbot/internal/storage"
	logx "sheetbot/pkg/logx"
)

// journal persists the cache's pending set through storage. Each pending
// write is stored as one entry with the JSON encoded write as payload.
type journal struct {
	store storage.Store
	log   logx.Logger
}

func newJournal(store storage.Store, log logx.Logger) *journal {
	if store == nil {
		return nil
	}
	return &journal{store: store, log: log}
}

func (j *journal) SavePending(ctx context.Context, pws []cache.PendingWrite) error {
	entries := make([]storage.PendingEntry, 0, len(pws))
	for _, pw := range pws {
		b, err := json.Marshal(pw)
		if err != nil {
			return fmt.Errorf("journal: encode %q: %w", pw.Key, err)
		}
		entries = append(entries, storage.PendingEntry{Key: pw.Key, Payload: b, UpdatedAt: pw.UpdatedAt})
	}
	return j.store.SavePending(ctx, entries)
}

// Load decodes the journaled set. Entries that fail to decode are logged
// and skipped.
func (j *journal) Load(ctx context.Context) ([]cache.PendingWrite, error) {
	entries, err := j.store.LoadPending(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]cache.PendingWrite, 0, len(entries))
	for _, e := range entries {
		var pw cache.PendingWrite
		if err := json.Unmarshal(e.Payload, &pw); err != nil {
			j.log.Warn("journal entry skipped", logx.String("key", e.Key), logx.Err(err))
			continue
		}
		if pw.Key == "" {
			pw.Key = e.Key
		}
		out = append(out, pw)
	}
	return out, nil
}

// restoreJournal loads the journal into c. It returns the number restored.
func restoreJournal(ctx context.Context, j *journal, c *cache.Cache) (int, error) {
	if j == nil {
		return 0, nil
	}
	pws, err := j.Load(ctx)
	if err != nil {
		return 0, err
	}
	return c.Restore(pws), nil
}

// saveJournal writes the current pending set (including in-flight writes).
func saveJournal(ctx context.Context, j *journal, c *cache.Cache) error {
	if j == nil {
		return nil
	}
	return j.SavePending(ctx, c.Pending())
}
