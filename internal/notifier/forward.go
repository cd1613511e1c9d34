package notifier

import (
	"context"
	"errors"
	"slices"

	"sheetbot/internal/cache"
	"sheetbot/internal/eventbus"
	kit "sheetbot/internal/transport"
	logx "sheetbot/pkg/logx"
)

// Sink is the part of Service the Forwarder needs.
type Sink interface {
	Notify(ctx context.Context, n kit.Notification) error
}

// Forwarder relays matching bus events to every configured chat.
type Forwarder struct {
	route RouteConfig
	bus   eventbus.Bus
	sink  Sink
	log   logx.Logger
}

func NewForwarder(route RouteConfig, bus eventbus.Bus, sink Sink, log logx.Logger) *Forwarder {
	if log.IsZero() {
		log = logx.Nop()
	}
	if len(route.Sources) == 0 {
		route.Sources = []cache.Source{cache.SourceRemote}
	}
	if route.MaxFields <= 0 {
		route.MaxFields = 8
	}
	return &Forwarder{route: route, bus: bus, sink: sink, log: log}
}

// Run blocks until ctx is done. It returns nil on cancellation.
func (f *Forwarder) Run(ctx context.Context) error {
	if f.bus == nil || f.sink == nil || len(f.route.Targets) == 0 {
		<-ctx.Done()
		return nil
	}
	sub := f.bus.Subscribe(256)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Overflow():
			f.log.Warn("notify forwarder lagging", logx.Uint64("dropped", sub.Dropped()))
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			f.Handle(ctx, ev)
		}
	}
}

// Handle forwards a single event if the route accepts it.
func (f *Forwarder) Handle(ctx context.Context, ev eventbus.Event) {
	if !f.accepts(ev) {
		return
	}
	r, ok := Render(ev, f.route.MaxFields)
	if !ok {
		return
	}
	for _, t := range f.route.Targets {
		err := f.sink.Notify(ctx, kit.Notification{
			Channel:  ev.Type,
			Priority: r.Priority,
			Target:   t,
			Text:     r.Text,
			DedupKey: r.DedupKey,
			Options:  &kit.SendOptions{DisablePreview: true, Silent: r.Priority < 5},
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			f.log.Warn("notify enqueue failed", logx.String("event", ev.Type), logx.Int64("chat_id", t.ChatID), logx.Err(err))
		}
	}
}

func (f *Forwarder) accepts(ev eventbus.Event) bool {
	if !slices.ContainsFunc(f.route.Events, ev.Match) {
		return false
	}
	if c, ok := ev.Data.(cache.ChangeEvent); ok {
		return slices.Contains(f.route.Sources, c.Source)
	}
	return true
}
