package adapter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	kit "sheetbot/internal/transport"
	logx "sheetbot/pkg/logx"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		in        string
		limit     int
		parseMode string
		want      []string
	}{
		{name: "short", in: "hello", limit: 10, want: []string{"hello"}},
		{name: "prefers newline", in: "aaaa\nbbbbbbb", limit: 8, want: []string{"aaaa", "bbbbbbb"}},
		{name: "hard cut", in: "abcdefghij", limit: 4, want: []string{"abcd", "efgh", "ij"}},
		{name: "html tag kept whole", in: "abcdef<b>x</b>", limit: 8, parseMode: "HTML", want: []string{"abcdef", "<b>x</b>"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, splitTelegramText(tt.in, tt.limit, tt.parseMode))
		})
	}
}

func TestSplitTelegramTextRuneSafe(t *testing.T) {
	t.Parallel()

	in := strings.Repeat("é", 9)
	chunks := splitTelegramText(in, 4, "")
	require.Len(t, chunks, 3)
	assert.Equal(t, in, strings.Join(chunks, ""))
}

func TestMenuCommands(t *testing.T) {
	t.Parallel()

	got := menuCommands([]kit.BotCommand{
		{Command: "/get", Description: "show a record"},
		{Command: " "},
		{Command: "sync"},
	})
	assert.Equal(t, []tele.Command{
		{Text: "get", Description: "show a record"},
		{Text: "sync", Description: "sync"},
	}, got)
	assert.Equal(t, menuHash(got), menuHash(append([]tele.Command(nil), got...)))
}

func TestNewRejectsEmptyToken(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Token: "  "}, logx.Nop())
	require.Error(t, err)
}

func TestToUpdate(t *testing.T) {
	t.Parallel()

	up, ok := toUpdate(&tele.Message{
		ID:     7,
		Text:   "/get u1",
		Chat:   &tele.Chat{ID: -100, Type: tele.ChatSuperGroup},
		Sender: &tele.User{ID: 42, Username: "owner"},
	})
	require.True(t, ok)
	require.NotNil(t, up.Message)
	assert.True(t, up.Message.IsGroup)
	assert.Equal(t, int64(42), up.Message.FromID)

	_, ok = toUpdate(nil)
	assert.False(t, ok)
}
