package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/relayclaw/pkg/bus"
	"github.com/tinyland-inc/relayclaw/pkg/config"
)

func TestIsAllowed(t *testing.T) {
	tests := []struct {
		name      string
		allowList []string
		senderID  string
		want      bool
	}{
		{"empty list allows nobody", nil, "123", false},
		{"numeric match", []string{"123"}, "123", true},
		{"compound sender matches id", []string{"123"}, "123|alice", true},
		{"username with at", []string{"@alice"}, "999|alice", true},
		{"username case insensitive", []string{"@Alice"}, "999|alice", true},
		{"compound allow entry", []string{"123|alice"}, "123", true},
		{"no match", []string{"456", "@bob"}, "123|alice", false},
		{"empty sender", []string{"123"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewBaseChannel("test", nil, tt.allowList)
			assert.Equal(t, tt.want, c.IsAllowed(tt.senderID))
		})
	}
}

func TestClassifyAPIError(t *testing.T) {
	wrap := func(e *telegoapi.Error) error { return fmt.Errorf("telego: sendMessage: %w", e) }

	err := ClassifyAPIError(wrap(&telegoapi.Error{
		ErrorCode:   429,
		Description: "Too Many Requests: retry after 7",
		Parameters:  &telegoapi.ResponseParameters{RetryAfter: 7},
	}))
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 7*time.Second, rl.RetryAfter)

	err = ClassifyAPIError(wrap(&telegoapi.Error{ErrorCode: 400, Description: "Bad Request: chat not found"}))
	var perm *PermanentError
	require.True(t, errors.As(err, &perm))
	assert.True(t, errors.Is(err, ErrChannelNotFound))
	assert.True(t, IsTargetUnreachable(err))

	err = ClassifyAPIError(wrap(&telegoapi.Error{ErrorCode: 403, Description: "Forbidden: bot was kicked from the channel chat"}))
	require.True(t, errors.As(err, &perm))
	assert.True(t, IsTargetUnreachable(err))

	err = ClassifyAPIError(wrap(&telegoapi.Error{ErrorCode: 400, Description: "Bad Request: wrong file identifier"}))
	require.True(t, errors.As(err, &perm))
	assert.False(t, IsTargetUnreachable(err))

	transient := wrap(&telegoapi.Error{ErrorCode: 502, Description: "Bad Gateway"})
	assert.Same(t, transient, ClassifyAPIError(transient))

	network := errors.New("connection reset by peer")
	assert.Same(t, network, ClassifyAPIError(network))
	assert.False(t, IsTargetUnreachable(network))

	assert.NoError(t, ClassifyAPIError(nil))
}

func TestItemFromMessage(t *testing.T) {
	chat := telego.Chat{ID: -1001, Username: "News", Type: "channel"}

	tests := []struct {
		name string
		msg  *telego.Message
		want bus.Payload
	}{
		{
			name: "text",
			msg:  &telego.Message{MessageID: 5, Chat: chat, Text: "hello"},
			want: bus.NewText("hello"),
		},
		{
			name: "photo uses largest size",
			msg: &telego.Message{MessageID: 6, Chat: chat, Caption: "pic",
				Photo: []telego.PhotoSize{{FileID: "small"}, {FileID: "large"}}},
			want: bus.NewPhoto("large", "pic"),
		},
		{
			name: "animation before document",
			msg: &telego.Message{MessageID: 7, Chat: chat,
				Animation: &telego.Animation{FileID: "gif"}, Document: &telego.Document{FileID: "gif"}},
			want: bus.NewAnimation("gif", ""),
		},
		{
			name: "sticker",
			msg:  &telego.Message{MessageID: 8, Chat: chat, Sticker: &telego.Sticker{FileID: "stk"}},
			want: bus.NewSticker("stk"),
		},
		{
			name: "video note",
			msg:  &telego.Message{MessageID: 9, Chat: chat, VideoNote: &telego.VideoNote{FileID: "vn"}},
			want: bus.NewVideoNote("vn"),
		},
		{
			name: "unknown content falls back to copy",
			msg:  &telego.Message{MessageID: 10, Chat: chat, Caption: "poll?"},
			want: bus.NewCopy("poll?"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, ok := ItemFromMessage(tt.msg)
			require.True(t, ok)
			assert.Equal(t, tt.want, item.Payload)
			assert.Equal(t, int64(tt.msg.MessageID), item.SequenceID)
			assert.Equal(t, bus.ChannelRef{ID: -1001, Handle: "news"}, item.Source)
			assert.Equal(t, bus.OriginPush, item.Origin)
		})
	}

	_, ok := ItemFromMessage(nil)
	assert.False(t, ok)
}

// fakeBotAPI records Bot API calls and answers each with the scripted
// response for that method, or a generic success.
type fakeBotAPI struct {
	mu        sync.Mutex
	calls     []string
	bodies    []map[string]any
	responses map[string]string
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	body, _ := io.ReadAll(r.Body)
	var decoded map[string]any
	_ = json.Unmarshal(body, &decoded)

	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.bodies = append(f.bodies, decoded)
	resp, ok := f.responses[method]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if ok {
		_, _ = io.WriteString(w, resp)
		return
	}
	_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":1,"type":"channel"}}}`)
}

func newTestChannel(t *testing.T, api *fakeBotAPI) *TelegramChannel {
	t.Helper()
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	c, err := NewTelegramChannel(config.TelegramConfig{
		Token:     "123456:" + strings.Repeat("A", 35),
		APIServer: server.URL,
	}, bus.NewMessageBus())
	require.NoError(t, err)
	return c
}

func TestTelegramChannel_SendByKind(t *testing.T) {
	api := &fakeBotAPI{}
	c := newTestChannel(t, api)
	ctx := context.Background()
	target := bus.ChannelRef{ID: -2002}
	source := bus.ChannelRef{ID: -1001}

	require.NoError(t, c.Send(ctx, target, bus.Item{Source: source, SequenceID: 3, Payload: bus.NewText("hi")}))
	require.NoError(t, c.Send(ctx, target, bus.Item{Source: source, SequenceID: 4, Payload: bus.NewPhoto("f1", "cap")}))
	require.NoError(t, c.Send(ctx, target, bus.Item{Source: source, SequenceID: 5, Payload: bus.NewCopy("new caption")}))

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"sendMessage", "sendPhoto", "copyMessage"}, api.calls)
	assert.Equal(t, "hi", api.bodies[0]["text"])
	assert.Equal(t, "f1", api.bodies[1]["photo"])
	assert.Equal(t, "cap", api.bodies[1]["caption"])
	assert.EqualValues(t, 5, api.bodies[2]["message_id"])
	assert.EqualValues(t, -1001, api.bodies[2]["from_chat_id"])
}

func TestTelegramChannel_SendRateLimited(t *testing.T) {
	api := &fakeBotAPI{responses: map[string]string{
		"sendMessage": `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 3","parameters":{"retry_after":3}}`,
	}}
	c := newTestChannel(t, api)

	err := c.Send(context.Background(), bus.ChannelRef{ID: 1}, bus.Item{Payload: bus.NewText("x")})
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 3*time.Second, rl.RetryAfter)
}

func TestTelegramChannel_ResolveChannel(t *testing.T) {
	api := &fakeBotAPI{responses: map[string]string{
		"getChat": `{"ok":true,"result":{"id":-1009,"type":"channel","username":"Daily","title":"Daily","accent_color_id":0,"max_reaction_count":0}}`,
	}}
	c := newTestChannel(t, api)

	ref, err := c.ResolveChannel(context.Background(), bus.ChannelRef{Handle: "daily"})
	require.NoError(t, err)
	assert.Equal(t, bus.ChannelRef{ID: -1009, Handle: "daily"}, ref)

	api.mu.Lock()
	api.responses["getChat"] = `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`
	api.mu.Unlock()

	_, err = c.ResolveChannel(context.Background(), bus.ChannelRef{Handle: "missing"})
	assert.True(t, errors.Is(err, ErrChannelNotFound))
}

func TestTelegramChannel_HandleUpdate(t *testing.T) {
	api := &fakeBotAPI{}
	c := newTestChannel(t, api)
	ctx := context.Background()
	post := &telego.Message{
		MessageID: 7,
		Chat:      telego.Chat{ID: -1001, Type: "channel", Username: "news"},
		Text:      "fresh",
	}

	c.handleUpdate(ctx, telego.Update{ChannelPost: post})
	var item bus.Item
	select {
	case item = <-c.bus.Inbound():
	case <-time.After(time.Second):
		t.Fatal("channel post was not published")
	}
	assert.Equal(t, int64(7), item.SequenceID)
	assert.Equal(t, bus.NewText("fresh"), item.Payload)

	c.SetChannelPosts(false)
	c.handleUpdate(ctx, telego.Update{ChannelPost: post})
	select {
	case it := <-c.bus.Inbound():
		t.Fatalf("unexpected item %+v while channel posts are off", it)
	default:
	}

	var gotSender, gotText string
	c.SetCommandHandler(func(_ context.Context, senderID, _, text string) string {
		gotSender, gotText = senderID, text
		return "pong"
	})
	c.handleUpdate(ctx, telego.Update{Message: &telego.Message{
		MessageID: 1,
		Chat:      telego.Chat{ID: 42, Type: "private"},
		From:      &telego.User{ID: 42, Username: "boss"},
		Text:      "/status",
	}})
	assert.Equal(t, "42|boss", gotSender)
	assert.Equal(t, "/status", gotText)

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Equal(t, []string{"sendMessage"}, api.calls)
	assert.Equal(t, "pong", api.bodies[0]["text"])
}
