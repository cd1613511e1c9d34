package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "sheetbot/internal/transport"
	logx "sheetbot/pkg/logx"
)

type chatLog struct {
	mu   sync.Mutex
	sent []string
	menu []kit.BotCommand
}

func (c *chatLog) Start(context.Context, chan<- kit.Update) error { return nil }
func (c *chatLog) Stop(context.Context) error                    { return nil }

func (c *chatLog) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (c *chatLog) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.menu = cmds
	return nil
}

func (c *chatLog) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"u1", []string{"u1"}},
		{"  u1   city=Oslo ", []string{"u1", "city=Oslo"}},
		{`u1 name="Ada Lovelace"`, []string{"u1", "name=Ada Lovelace"}},
		{`note='it\'s fine'`, []string{"note=it's fine"}},
		{`a "" b`, []string{"a", "", "b"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tokenizeCommandLine(tt.in), tt.in)
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	w, rest, ok := splitCommand("/Get@SheetBot u1  extra")
	require.True(t, ok)
	assert.Equal(t, "get", w)
	assert.Equal(t, "u1  extra", rest)

	_, _, ok = splitCommand("hello /get")
	assert.False(t, ok)
	_, _, ok = splitCommand("/")
	assert.False(t, ok)
}

func TestSanitizeCommand(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "sync_now", sanitizeCommand("/Sync-Now"))
	assert.Equal(t, "", sanitizeCommand("!!"))
	assert.Len(t, sanitizeCommand(strings.Repeat("a", 40)), 32)
}

func startManager(t *testing.T, ad *chatLog, cmds []Command) chan kit.Update {
	t.Helper()
	m := NewCommandManager(logx.Nop(), ad, []int64{7}, Options{Workers: 2})
	m.SetCommands(context.Background(), cmds)

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchLoop(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return updates
}

func msg(from int64, text string) kit.Update {
	return kit.Update{Message: &kit.Message{ChatID: 100, FromID: from, Text: text}}
}

func TestDispatchRoutesAndGuards(t *testing.T) {
	t.Parallel()
	ad := &chatLog{}
	updates := startManager(t, ad, []Command{
		{Name: "echo", Description: "echo args", Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, "echo:"+strings.Join(req.Args, "|"))
		}},
		{Name: "admin", Access: AccessOwnerOnly, Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, "admin ok")
		}},
		{Name: "oops", Handle: func(context.Context, *Request) error { panic("boom") }},
		{Name: "bad", Handle: func(context.Context, *Request) error { return Userf("usage: /bad <x>") }},
	})

	updates <- msg(1, `/echo a "b c"`)
	updates <- msg(1, "/nosuch")
	updates <- msg(1, "just chatting")
	require.Eventually(t, func() bool { return len(ad.messages()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "echo:a|b c", ad.messages()[0])

	updates <- msg(1, "/admin")
	require.Eventually(t, func() bool { return len(ad.messages()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "not allowed", ad.messages()[1])

	updates <- msg(7, "/admin")
	require.Eventually(t, func() bool { return len(ad.messages()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, "admin ok", ad.messages()[2])

	updates <- msg(1, "/oops")
	require.Eventually(t, func() bool { return len(ad.messages()) == 4 }, time.Second, time.Millisecond)
	assert.True(t, strings.HasPrefix(ad.messages()[3], "internal error ("), ad.messages()[3])

	updates <- msg(1, "/bad")
	require.Eventually(t, func() bool { return len(ad.messages()) == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, "usage: /bad <x>", ad.messages()[4])
}

func TestHelpHidesOwnerCommands(t *testing.T) {
	t.Parallel()
	ad := &chatLog{}
	noop := func(context.Context, *Request) error { return nil }
	updates := startManager(t, ad, []Command{
		{Name: "get", Usage: "/get <key>", Description: "show a record", Handle: noop},
		{Name: "set", Usage: "/set <key> field=value", Description: "update a record", Access: AccessOwnerOnly, Handle: noop},
	})

	updates <- msg(1, "/help")
	require.Eventually(t, func() bool { return len(ad.messages()) == 1 }, time.Second, time.Millisecond)
	assert.Contains(t, ad.messages()[0], "/get <key>")
	assert.NotContains(t, ad.messages()[0], "/set")

	updates <- msg(7, "/h")
	require.Eventually(t, func() bool { return len(ad.messages()) == 2 }, time.Second, time.Millisecond)
	assert.Contains(t, ad.messages()[1], "/set <key> field=value")

	updates <- msg(1, "/help set")
	require.Eventually(t, func() bool { return len(ad.messages()) == 3 }, time.Second, time.Millisecond)
	assert.Contains(t, ad.messages()[2], "(owner only)")

	require.Eventually(t, func() bool {
		ad.mu.Lock()
		defer ad.mu.Unlock()
		return len(ad.menu) == 3
	}, time.Second, time.Millisecond)
}

func TestSplitMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		max  int
		want []string
	}{
		{name: "fits", text: "abc", max: 10, want: []string{"abc"}},
		{name: "exact", text: "abcd", max: 4, want: []string{"abcd"}},
		{name: "newline", text: "aaa\nbbb\nccc", max: 8, want: []string{"aaa\nbbb", "ccc"}},
		{name: "hard cut", text: "abcdefghij", max: 4, want: []string{"abcd", "efgh", "ij"}},
		{name: "runes", text: "ééééé", max: 2, want: []string{"éé", "éé", "é"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, splitMessage(tt.text, tt.max))
		})
	}
}
