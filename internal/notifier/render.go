package notifier

import (
	"fmt"
	"strings"
	"time"

	"sheetbot/internal/cache"
	"sheetbot/internal/eventbus"
	"sheetbot/internal/reconcile"
)

// Rendered is the chat text for one bus event.
type Rendered struct {
	Text     string
	Priority int
	DedupKey string
}

// Render turns a cache change or a sync health notice into chat text.
// ok is false for events that have no chat rendering.
func Render(ev eventbus.Event, maxFields int) (Rendered, bool) {
	switch d := ev.Data.(type) {
	case cache.ChangeEvent:
		return renderChange(d, maxFields), true
	case reconcile.DegradedNotice:
		var b strings.Builder
		fmt.Fprintf(&b, "Sheet sync degraded: no successful refresh for %s (limit %s).", roundDur(d.Staleness), roundDur(d.StaleAfter))
		if !d.LastSuccess.IsZero() {
			fmt.Fprintf(&b, "\nLast success: %s", d.LastSuccess.UTC().Format(time.RFC3339))
		}
		if d.Error != "" {
			fmt.Fprintf(&b, "\nLast error: %s", d.Error)
		}
		return Rendered{Text: b.String(), Priority: 9, DedupKey: reconcile.EventDegraded}, true
	case reconcile.RecoveredNotice:
		return Rendered{
			Text:     fmt.Sprintf("Sheet sync recovered after %s.", roundDur(d.DegradedFor)),
			Priority: 5,
			DedupKey: reconcile.EventRecovered,
		}, true
	default:
		return Rendered{}, false
	}
}

func renderChange(c cache.ChangeEvent, maxFields int) Rendered {
	var b strings.Builder
	switch c.Kind {
	case cache.KindCreated:
		fmt.Fprintf(&b, "Row %s added (v%d)", c.Key, c.NewVersion)
	case cache.KindDeleted:
		fmt.Fprintf(&b, "Row %s removed", c.Key)
	default:
		fmt.Fprintf(&b, "Row %s updated (v%d -> v%d)", c.Key, c.OldVersion, c.NewVersion)
	}
	if c.Source != "" && c.Source != cache.SourceRemote {
		fmt.Fprintf(&b, " [%s]", c.Source)
	}

	if c.Kind != cache.KindDeleted && len(c.Fields) > 0 {
		shown := c.Fields
		if maxFields > 0 && len(shown) > maxFields {
			shown = shown[:maxFields]
		}
		for _, f := range shown {
			fmt.Fprintf(&b, "\n  %s: %s", f.Name, f.Value)
		}
		if rest := len(c.Fields) - len(shown); rest > 0 {
			fmt.Fprintf(&b, "\n  (+%d more)", rest)
		}
	}

	prio := 3
	if c.Kind == cache.KindDeleted {
		prio = 5
	}
	return Rendered{
		Text:     b.String(),
		Priority: prio,
		DedupKey: fmt.Sprintf("%s:%s:%d", c.Kind, c.Key, c.NewVersion),
	}
}

func roundDur(d time.Duration) time.Duration {
	if d >= time.Minute {
		return d.Round(time.Second)
	}
	return d.Round(time.Millisecond)
}
