// Package cache is the in-memory mirror of the remote table.
//
// Readers take a shared lock and never see partial writes. Local writes are
// applied immediately and buffered as one PendingWrite per key until the
// reconciler flushes them. No method performs I/O, and change events are
// published after the map lock is released.
package cache

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"sheetbot/internal/record"
)

var (
	ErrEmptyKey   = errors.New("cache: empty key")
	ErrEmptyDelta = errors.New("cache: empty delta")
)

type Options struct {
	// SearchFields are indexed for Search in addition to the key.
	SearchFields []string
	Publisher    Publisher
	Now          func() time.Time
}

type ApplyResult struct {
	Created  []string `json:"created,omitempty"`
	Updated  []string `json:"updated,omitempty"`
	Deleted  []string `json:"deleted,omitempty"`
	Deferred []string `json:"deferred,omitempty"`
}

func (r ApplyResult) Changed() int { return len(r.Created) + len(r.Updated) + len(r.Deleted) }

type Stats struct {
	Records      int       `json:"records"`
	Pending      int       `json:"pending"`
	InFlight     int       `json:"in_flight"`
	Writes       uint64    `json:"writes"`
	LastSnapshot time.Time `json:"last_snapshot,omitzero"`
}

type Cache struct {
	mu       sync.RWMutex
	records  map[string]record.Record
	pending  map[string]PendingWrite
	inflight map[string]PendingWrite
	index    *searchIndex

	writes       uint64
	lastSnapshot time.Time

	// emitMu is taken before mu is released so events leave in commit order.
	emitMu sync.Mutex
	pub    Publisher
	now    func() time.Time
}

func New(opts Options) *Cache {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		records:  map[string]record.Record{},
		pending:  map[string]PendingWrite{},
		inflight: map[string]PendingWrite{},
		index:    newSearchIndex(opts.SearchFields),
		pub:      opts.Publisher,
		now:      now,
	}
}

// unlockAndEmit releases mu and publishes evs, keeping commit order across
// concurrent mutations.
func (c *Cache) unlockAndEmit(evs []ChangeEvent) {
	if len(evs) == 0 || c.pub == nil {
		c.mu.Unlock()
		return
	}
	c.emitMu.Lock()
	c.mu.Unlock()
	defer c.emitMu.Unlock()
	for _, ev := range evs {
		c.pub.Publish(ev.event())
	}
}

// Get returns a copy of the record for key.
func (c *Cache) Get(key string) (record.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[key]
	if !ok {
		return record.Record{}, false
	}
	return r.Clone(), true
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Write applies delta locally and buffers it for the next flush. It never
// touches the remote.
func (c *Cache) Write(key string, delta record.Fields) (record.Record, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return record.Record{}, ErrEmptyKey
	}
	delta = compact(delta)
	if len(delta) == 0 {
		return record.Record{}, ErrEmptyDelta
	}

	c.mu.Lock()
	now := c.now()
	cur, existed := c.records[key]
	if !existed {
		cur = record.Record{Key: key}
	}
	old := cur.Version

	if pw, ok := c.pending[key]; ok {
		c.pending[key] = pw.coalesce(delta, cur.Fields, now)
	} else {
		c.pending[key] = PendingWrite{
			Key:         key,
			Delta:       delta.Clone(),
			Base:        cur.Fields.Pick(delta.Names()),
			BaseVersion: cur.RemoteVersion,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}

	cur.Fields = cur.Fields.Merge(delta)
	cur.Version++
	c.records[key] = cur
	c.index.put(cur)
	c.writes++

	kind := KindUpdated
	if !existed {
		kind = KindCreated
	}
	out := cur.Clone()
	c.unlockAndEmit([]ChangeEvent{{
		Key: key, OldVersion: old, NewVersion: cur.Version,
		Kind: kind, Source: SourceLocal, Fields: out.Fields.Clone(),
	}})
	return out, nil
}

// ApplyRemoteSnapshot replaces local content with a full remote read. Keys
// with a pending or in-flight write are deferred untouched. Previously
// synced keys missing from the snapshot are deleted when nothing is
// pending for them.
func (c *Cache) ApplyRemoteSnapshot(recs []record.Record) ApplyResult {
	var res ApplyResult
	var evs []ChangeEvent

	c.mu.Lock()
	now := c.now()
	seen := make(map[string]struct{}, len(recs))

	for _, r := range recs {
		if r.Key == "" {
			continue
		}
		if _, dup := seen[r.Key]; dup {
			continue
		}
		seen[r.Key] = struct{}{}
		if c.busy(r.Key) {
			res.Deferred = append(res.Deferred, r.Key)
			continue
		}

		cur, ok := c.records[r.Key]
		switch {
		case !ok:
			next := record.Record{
				Key:           r.Key,
				Fields:        r.Fields.Clone(),
				Version:       1,
				RemoteVersion: r.RemoteVersion,
				UpdatedAt:     r.UpdatedAt,
				SyncedAt:      now,
			}
			c.records[r.Key] = next
			c.index.put(next)
			res.Created = append(res.Created, r.Key)
			evs = append(evs, ChangeEvent{Key: r.Key, NewVersion: 1, Kind: KindCreated, Source: SourceRemote, Fields: next.Fields.Clone()})
		case !cur.Fields.Equal(r.Fields) || cur.RemoteVersion != r.RemoteVersion:
			old := cur.Version
			cur.Fields = r.Fields.Clone()
			cur.RemoteVersion = r.RemoteVersion
			cur.UpdatedAt = r.UpdatedAt
			cur.SyncedAt = now
			cur.Version++
			c.records[r.Key] = cur
			c.index.put(cur)
			res.Updated = append(res.Updated, r.Key)
			evs = append(evs, ChangeEvent{Key: r.Key, OldVersion: old, NewVersion: cur.Version, Kind: KindUpdated, Source: SourceRemote, Fields: cur.Fields.Clone()})
		default:
			cur.SyncedAt = now
			c.records[r.Key] = cur
		}
	}

	for key, cur := range c.records {
		if _, ok := seen[key]; ok || cur.SyncedAt.IsZero() || c.busy(key) {
			continue
		}
		delete(c.records, key)
		c.index.remove(key)
		res.Deleted = append(res.Deleted, key)
		evs = append(evs, ChangeEvent{Key: key, OldVersion: cur.Version, NewVersion: cur.Version + 1, Kind: KindDeleted, Source: SourceRemote})
	}
	c.lastSnapshot = now

	sort.Strings(res.Created)
	sort.Strings(res.Updated)
	sort.Strings(res.Deleted)
	sort.Strings(res.Deferred)
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].Key < evs[j].Key })
	c.unlockAndEmit(evs)
	return res
}

func (c *Cache) busy(key string) bool {
	if _, ok := c.pending[key]; ok {
		return true
	}
	_, ok := c.inflight[key]
	return ok
}

// Commit records a successful flush of key at remoteVersion. Non-nil fields
// is the merged remote content; fields still owned by a newer pending write
// keep their local value, and that write is rebased on remoteVersion.
func (c *Cache) Commit(key string, fields record.Fields, remoteVersion uint64) {
	c.mu.Lock()
	now := c.now()
	delete(c.inflight, key)

	cur, existed := c.records[key]
	if !existed {
		cur = record.Record{Key: key}
	}
	old := cur.Version
	newer, hasNewer := c.pending[key]

	if fields != nil {
		next := fields.Clone()
		if hasNewer {
			next = next.Merge(newer.Delta)
		}
		cur.Fields = next
	}
	if hasNewer {
		newer.BaseVersion = remoteVersion
		if fields != nil {
			for i, f := range newer.Base {
				if v, ok := fields.Get(f.Name); ok {
					newer.Base[i].Value = v
				}
			}
		}
		c.pending[key] = newer
	}

	cur.RemoteVersion = remoteVersion
	cur.UpdatedAt = now
	cur.SyncedAt = now
	cur.Version++
	c.records[key] = cur
	c.index.put(cur)

	kind := KindUpdated
	if !existed {
		kind = KindCreated
	}
	c.unlockAndEmit([]ChangeEvent{{
		Key: key, OldVersion: old, NewVersion: cur.Version,
		Kind: kind, Source: SourceFlush, Fields: cur.Fields.Clone(),
	}})
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Records:      len(c.records),
		Pending:      len(c.pending),
		InFlight:     len(c.inflight),
		Writes:       c.writes,
		LastSnapshot: c.lastSnapshot,
	}
}

// compact drops unnamed fields and keeps the last value of repeated names.
func compact(delta record.Fields) record.Fields {
	var out record.Fields
	for _, f := range delta {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			continue
		}
		out = out.Set(name, f.Value)
	}
	return out
}
