package cache

import (
	"sort"
	"strings"
	"time"

	"sheetbot/internal/record"
)

// PendingWrite is the buffered local change for one key.
type PendingWrite struct {
	Key   string        `json:"key"`
	Delta record.Fields `json:"delta"`
	// Base holds the values of the delta fields before the first local write.
	Base        record.Fields `json:"base"`
	BaseVersion uint64        `json:"base_version"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Attempts    int           `json:"attempts"`
}

func (pw PendingWrite) Clone() PendingWrite {
	pw.Delta = pw.Delta.Clone()
	pw.Base = pw.Base.Clone()
	return pw
}

// coalesce folds a later delta into pw: later values win, the base of a
// field is captured only the first time it is written.
func (pw PendingWrite) coalesce(delta, current record.Fields, now time.Time) PendingWrite {
	out := pw.Clone()
	for _, f := range delta {
		if _, ok := out.Base.Get(f.Name); !ok {
			v, _ := current.Get(f.Name)
			out.Base = out.Base.Set(f.Name, v)
		}
	}
	out.Delta = out.Delta.Merge(delta)
	out.UpdatedAt = now
	return out
}

// merge combines an older write with a newer one for the same key. The
// result keeps the older base, creation time and attempt count.
func merge(older, newer PendingWrite) PendingWrite {
	out := older.Clone()
	for _, f := range newer.Base {
		if _, ok := out.Base.Get(f.Name); !ok {
			out.Base = out.Base.Set(f.Name, f.Value)
		}
	}
	out.Delta = out.Delta.Merge(newer.Delta)
	if newer.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = newer.UpdatedAt
	}
	return out
}

func sortByCreated(pws []PendingWrite) {
	sort.Slice(pws, func(i, j int) bool {
		if !pws[i].CreatedAt.Equal(pws[j].CreatedAt) {
			return pws[i].CreatedAt.Before(pws[j].CreatedAt)
		}
		return pws[i].Key < pws[j].Key
	})
}

// DrainPending removes and returns every pending write, oldest first. The
// drained keys stay in flight until Commit or Requeue.
func (c *Cache) DrainPending() []PendingWrite {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingWrite, 0, len(c.pending))
	for key, pw := range c.pending {
		out = append(out, pw.Clone())
		c.inflight[key] = pw
		delete(c.pending, key)
	}
	sortByCreated(out)
	return out
}

// Requeue hands a write that failed to flush back to the pending set. A
// write made to the same key during the flush is coalesced into it.
func (c *Cache) Requeue(pw PendingWrite) {
	if pw.Key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, pw.Key)
	if newer, ok := c.pending[pw.Key]; ok {
		c.pending[pw.Key] = merge(pw, newer)
		return
	}
	c.pending[pw.Key] = pw.Clone()
}

// Pending returns every unflushed write, in-flight ones included, for the
// persisted journal.
func (c *Cache) Pending() []PendingWrite {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]PendingWrite, 0, len(c.pending)+len(c.inflight))
	for key, pw := range c.inflight {
		if newer, ok := c.pending[key]; ok {
			pw = merge(pw, newer)
		}
		out = append(out, pw.Clone())
	}
	for key, pw := range c.pending {
		if _, ok := c.inflight[key]; ok {
			continue
		}
		out = append(out, pw.Clone())
	}
	sortByCreated(out)
	return out
}

// Restore loads journaled writes after a restart. Each delta is applied to
// the local record so reads reflect it before the first flush.
func (c *Cache) Restore(pws []PendingWrite) int {
	var evs []ChangeEvent
	c.mu.Lock()
	restored := 0
	for _, pw := range pws {
		pw.Key = strings.TrimSpace(pw.Key)
		pw.Delta = compact(pw.Delta)
		if pw.Key == "" || len(pw.Delta) == 0 {
			continue
		}
		if existing, ok := c.pending[pw.Key]; ok {
			c.pending[pw.Key] = merge(pw, existing)
		} else {
			c.pending[pw.Key] = pw.Clone()
		}

		cur, existed := c.records[pw.Key]
		if !existed {
			cur = record.Record{Key: pw.Key}
		}
		old := cur.Version
		cur.Fields = cur.Fields.Merge(pw.Delta)
		cur.Version++
		c.records[pw.Key] = cur
		c.index.put(cur)
		restored++

		kind := KindUpdated
		if !existed {
			kind = KindCreated
		}
		evs = append(evs, ChangeEvent{Key: pw.Key, OldVersion: old, NewVersion: cur.Version, Kind: kind, Source: SourceLocal, Fields: cur.Fields.Clone()})
	}
	c.unlockAndEmit(evs)
	return restored
}
