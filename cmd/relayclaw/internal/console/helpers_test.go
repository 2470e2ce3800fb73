package console

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/relayclaw/cmd/relayclaw/internal"
	"github.com/tinyland-inc/relayclaw/pkg/bus"
	"github.com/tinyland-inc/relayclaw/pkg/config"
	"github.com/tinyland-inc/relayclaw/pkg/replace"
	"github.com/tinyland-inc/relayclaw/pkg/state"
)

type staticFetcher struct {
	ids []int64
}

func (f *staticFetcher) Fetch(_ context.Context, ref bus.ChannelRef) ([]bus.Item, error) {
	items := make([]bus.Item, 0, len(f.ids))
	for _, id := range f.ids {
		items = append(items, bus.Item{Source: ref, SequenceID: id, Payload: bus.NewText("post"), Origin: bus.OriginPull})
	}
	return items, nil
}

func newTestSession(fetcher *staticFetcher) (*Session, *internal.Stores) {
	target := bus.ChannelRef{ID: -2002}
	stores := &internal.Stores{
		Settings: state.NewMemorySettings(state.Settings{
			Sources: []bus.ChannelRef{{Handle: "news"}},
			Target:  &target,
			Enabled: true,
		}),
		Rules:   state.NewMemoryRules(replace.RuleSet{}),
		Cursors: state.NewMemoryCursors(0),
	}
	return newSession(config.DefaultConfig(), stores, fetcher, nil), stores
}

func TestSession_Exec(t *testing.T) {
	s, stores := newTestSession(&staticFetcher{})
	ctx := context.Background()

	out, quit := s.Exec(ctx, "addword cat => dog")
	assert.False(t, quit)
	assert.Contains(t, out, "✅")
	assert.Equal(t, []replace.Rule{{From: "cat", To: "dog"}}, stores.Rules.Snapshot().Words)

	out, _ = s.Exec(ctx, "/status")
	assert.Contains(t, out, "Forwarding: ▶️ running")

	out, quit = s.Exec(ctx, "   ")
	assert.Empty(t, out)
	assert.False(t, quit)

	_, quit = s.Exec(ctx, "exit")
	assert.True(t, quit)
}

func TestSession_Poll(t *testing.T) {
	fetcher := &staticFetcher{ids: []int64{10, 11}}
	s, stores := newTestSession(fetcher)
	ctx := context.Background()

	out, _ := s.Exec(ctx, "poll")
	assert.Contains(t, out, "No new posts")
	c, found := stores.Cursors.Cursor(bus.ChannelRef{Handle: "news"})
	require.True(t, found)
	assert.Equal(t, int64(11), c.LastForwarded)

	fetcher.ids = []int64{11, 12}
	out, _ = s.Exec(ctx, "poll")
	assert.Contains(t, out, "1 new post(s)")
	assert.Contains(t, out, "#12")
}

func TestSession_PollLargerThanBusBuffer(t *testing.T) {
	fetcher := &staticFetcher{ids: []int64{1}}
	s, _ := newTestSession(fetcher)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, _ := s.Exec(ctx, "poll")
	require.Contains(t, out, "No new posts")

	fetcher.ids = nil
	for id := int64(2); id <= 151; id++ {
		fetcher.ids = append(fetcher.ids, id)
	}
	out, _ = s.Exec(ctx, "poll")
	require.NoError(t, ctx.Err(), "poll did not finish")
	assert.Contains(t, out, "150 new post(s)")
	assert.Contains(t, out, "#151")
}

func TestSimpleInteractiveMode(t *testing.T) {
	s, _ := newTestSession(&staticFetcher{})
	var out bytes.Buffer

	simpleInteractiveMode(s, strings.NewReader("/help\nlistreplace"), &out)
	assert.Contains(t, out.String(), "/addsource")
	assert.Contains(t, out.String(), "No replacements configured.")
	assert.Contains(t, out.String(), "Goodbye!")
}
