package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"sheetbot/internal/storage"
	kit "sheetbot/internal/transport"
)

// dedupKey identifies a notification for suppression. An explicit
// DedupKey wins over the rendered text. Keys are per target chat.
// Notifications without a channel or dedup key are never suppressed.
func dedupKey(n kit.Notification) string {
	if n.Channel == "" && n.DedupKey == "" {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%d:%d|", n.Target.ChatID, n.Target.ThreadID)
	if n.DedupKey != "" {
		fmt.Fprintf(h, "k|%s", n.DedupKey)
	} else {
		fmt.Fprintf(h, "t|%s|%d|%s", n.Channel, n.Priority, n.Text)
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupAllow reports whether key may be sent now and, if so, suppresses it
// for window. The memory map is checked first; with persist set the store
// is consulted so suppression survives a restart.
func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, max int, persist bool, st storage.Store, pch chan<- dedupWrite) bool {
	now := time.Now()

	s.dmu.Lock()
	until, ok := s.dedup[key]
	s.dmu.Unlock()
	if ok && now.Before(until) {
		return false
	}

	if persist && st != nil {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until = now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until
	evictDedup(s.dedup, now, max)
	s.dmu.Unlock()

	if persist && pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// evictDedup drops expired entries, then the soonest-expiring ones until
// at most max remain.
func evictDedup(m map[string]time.Time, now time.Time, max int) {
	for k, until := range m {
		if !now.Before(until) {
			delete(m, k)
		}
	}
	for max > 0 && len(m) > max {
		var (
			oldest  string
			oldestT time.Time
		)
		for k, t := range m {
			if oldest == "" || t.Before(oldestT) {
				oldest, oldestT = k, t
			}
		}
		delete(m, oldest)
	}
}
