package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	kit "sheetbot/internal/transport"
)

func TestFormatLogLine(t *testing.T) {
	t.Parallel()

	got := formatLogLine([]byte(`{"level":"warn","time":"x","message":"cycle failed","comp":"reconcile","attempts":3}` + "\n"))
	want := "[WARN] cycle failed\n- attempts=3\n- comp=reconcile"
	if got != want {
		t.Fatalf("formatLogLine = %q, want %q", got, want)
	}

	raw := formatLogLine([]byte("  not json  "))
	if raw != "not json" {
		t.Fatalf("raw line = %q", raw)
	}
}

type captureSender struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestTelegramSinkRespectsMinLevel(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	svc, log := New(Config{
		Level: "DEBUG",
		Telegram: TelegramConfig{
			Enabled:    true,
			ChatID:     42,
			MinLevel:   "ERROR",
			RatePerSec: 100,
		},
	}, sender)
	defer svc.Close()

	log.Warn("below threshold")
	log.Error("mirrored", String("key", "u1"))

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.msgs) != 1 {
		t.Fatalf("expected exactly one mirrored line, got %d: %v", len(sender.msgs), sender.msgs)
	}
	if !strings.HasPrefix(sender.msgs[0], "[ERROR] mirrored") {
		t.Fatalf("unexpected message %q", sender.msgs[0])
	}
}
