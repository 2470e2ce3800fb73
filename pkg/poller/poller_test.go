package poller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tinyland-inc/relayclaw/pkg/bus"
	"github.com/tinyland-inc/relayclaw/pkg/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const previewPage = `<!DOCTYPE html>
<html><body>
<div class="tgme_widget_message_wrap">
  <div class="tgme_widget_message" data-post="news/101">
    <div class="tgme_widget_message_text js-message_text">Hello<br>world <a href="https://old.com">old.com</a></div>
  </div>
</div>
<div class="tgme_widget_message_wrap">
  <div class="tgme_widget_message" data-post="news/103">
    <a class="tgme_widget_message_photo_wrap" style="background-image:url('x')"></a>
    <div class="tgme_widget_message_text">Photo caption</div>
  </div>
</div>
<div class="tgme_widget_message_wrap">
  <div class="tgme_widget_message" data-post="news/102">
    <div class="tgme_widget_message_sticker_wrap"><i class="tgme_widget_message_sticker"></i></div>
  </div>
</div>
<div class="tgme_widget_message" data-post="news/not-a-number"></div>
</body></html>`

func TestWebPreviewFetcher(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(previewPage))
	}))
	defer server.Close()

	f := NewWebPreviewFetcher(server.URL+"/s", server.Client())
	src := bus.ChannelRef{ID: -100, Handle: "News"}
	items, err := f.Fetch(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, "/s/news", gotPath)
	require.Len(t, items, 3)

	assert.Equal(t, int64(101), items[0].SequenceID)
	assert.Equal(t, bus.NewText("Hello\nworld old.com"), items[0].Payload)
	assert.Equal(t, bus.OriginPull, items[0].Origin)
	assert.Equal(t, src, items[0].Source)

	assert.Equal(t, int64(103), items[1].SequenceID)
	assert.Equal(t, bus.NewCopy("Photo caption"), items[1].Payload)

	assert.Equal(t, int64(102), items[2].SequenceID)
	assert.Equal(t, bus.KindCopy, items[2].Payload.Kind)
}

func TestWebPreviewFetcher_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer server.Close()

	f := NewWebPreviewFetcher(server.URL+"/s/", server.Client())
	_, err := f.Fetch(context.Background(), bus.ChannelRef{Handle: "gone"})
	assert.Error(t, err)

	_, err = f.Fetch(context.Background(), bus.ChannelRef{ID: -1})
	assert.Error(t, err, "private sources without a handle cannot be previewed")

	_, err = f.Fetch(context.Background(), bus.ChannelRef{Handle: "../admin"})
	assert.ErrorContains(t, err, "path separators")
}

type fakeFetcher struct {
	mu    sync.Mutex
	items map[string][]bus.Item
	errs  map[string]error
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, ref bus.ChannelRef) ([]bus.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[ref.Key()]; err != nil {
		return nil, err
	}
	out := append([]bus.Item(nil), f.items[ref.Key()]...)
	return out, nil
}

func (f *fakeFetcher) set(ref bus.ChannelRef, ids ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []bus.Item
	for _, id := range ids {
		items = append(items, bus.Item{Source: ref, SequenceID: id, Payload: bus.NewText("post"), Origin: bus.OriginPull})
	}
	if f.items == nil {
		f.items = make(map[string][]bus.Item)
	}
	f.items[ref.Key()] = items
}

func enabledSettings(sources ...bus.ChannelRef) *state.SettingsStore {
	return state.NewMemorySettings(state.Settings{
		Sources: sources,
		Target:  &bus.ChannelRef{ID: -999},
		Enabled: true,
	})
}

func drain(mb *bus.MessageBus) []int64 {
	var ids []int64
	for {
		select {
		case it := <-mb.Inbound():
			ids = append(ids, it.SequenceID)
		default:
			return ids
		}
	}
}

func TestPollOnce_FirstPollSuppressesBacklog(t *testing.T) {
	src := bus.ChannelRef{Handle: "news"}
	fetcher := &fakeFetcher{}
	fetcher.set(src, 1, 2, 3)
	cursors := state.NewMemoryCursors(0)
	mb := bus.NewMessageBus()

	p := New(fetcher, enabledSettings(src), cursors, mb, Options{})

	assert.Equal(t, 0, p.PollOnce(context.Background()))
	assert.Empty(t, drain(mb))
	c, ok := cursors.Cursor(src)
	require.True(t, ok)
	assert.Equal(t, int64(3), c.LastForwarded)

	fetcher.set(src, 2, 3, 5, 4)
	assert.Equal(t, 2, p.PollOnce(context.Background()))
	assert.Equal(t, []int64{4, 5}, drain(mb), "new posts are published oldest first")
}

func TestPollOnce_EmptyChannelInitializesAtZero(t *testing.T) {
	src := bus.ChannelRef{Handle: "quiet"}
	fetcher := &fakeFetcher{}
	cursors := state.NewMemoryCursors(0)
	mb := bus.NewMessageBus()
	p := New(fetcher, enabledSettings(src), cursors, mb, Options{})

	p.PollOnce(context.Background())
	c, ok := cursors.Cursor(src)
	require.True(t, ok)
	assert.Equal(t, int64(0), c.LastForwarded)

	fetcher.set(src, 1)
	p.PollOnce(context.Background())
	assert.Equal(t, []int64{1}, drain(mb))
}

func TestPollOnce_MaxBatchTakesOldest(t *testing.T) {
	src := bus.ChannelRef{Handle: "busy"}
	fetcher := &fakeFetcher{}
	cursors := state.NewMemoryCursors(0)
	_, err := cursors.Initialize(src, 10)
	require.NoError(t, err)
	fetcher.set(src, 15, 11, 14, 12, 13)

	mb := bus.NewMessageBus()
	p := New(fetcher, enabledSettings(src), cursors, mb, Options{MaxBatch: 2})
	p.PollOnce(context.Background())
	assert.Equal(t, []int64{11, 12}, drain(mb))
}

func TestPollOnce_SkipsForwardedAndDisabled(t *testing.T) {
	src := bus.ChannelRef{Handle: "news"}
	fetcher := &fakeFetcher{}
	cursors := state.NewMemoryCursors(0)
	_, _ = cursors.Initialize(src, 1)
	require.NoError(t, cursors.MarkForwarded(src, 3))
	fetcher.set(src, 2, 3)

	settings := enabledSettings(src)
	mb := bus.NewMessageBus()
	p := New(fetcher, settings, cursors, mb, Options{})

	p.PollOnce(context.Background())
	assert.Equal(t, []int64{2}, drain(mb))

	require.NoError(t, settings.SetEnabled(false))
	calls := fetcher.calls
	assert.Equal(t, 0, p.PollOnce(context.Background()))
	assert.Equal(t, calls, fetcher.calls, "disabled forwarding does not poll")
}

func TestPollOnce_FailureAlertAfterThreshold(t *testing.T) {
	bad := bus.ChannelRef{Handle: "bad"}
	good := bus.ChannelRef{Handle: "good"}
	fetcher := &fakeFetcher{errs: map[string]error{"bad": errors.New("timeout")}}
	fetcher.set(good, 1)
	cursors := state.NewMemoryCursors(0)
	_, _ = cursors.Initialize(good, 0)

	mb := bus.NewMessageBus()
	p := New(fetcher, enabledSettings(bad, good), cursors, mb, Options{AlertAfter: 2})

	p.PollOnce(context.Background())
	assert.Equal(t, []int64{1}, drain(mb), "healthy sources continue")
	assert.Equal(t, 1, p.Failures(bad))

	p.PollOnce(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	alert, ok := mb.SubscribeAlerts(ctx)
	require.True(t, ok)
	assert.Equal(t, bus.AlertPollFailure, alert.Kind)
	assert.Equal(t, 2, alert.Attempts)
	assert.Equal(t, "timeout", alert.Err)

	fetcher.mu.Lock()
	delete(fetcher.errs, "bad")
	fetcher.mu.Unlock()
	p.PollOnce(context.Background())
	assert.Equal(t, 0, p.Failures(bad))
}

func TestRun_StopsOnCancel(t *testing.T) {
	src := bus.ChannelRef{Handle: "news"}
	fetcher := &fakeFetcher{}
	p := New(fetcher, enabledSettings(src), state.NewMemoryCursors(0), bus.NewMessageBus(), Options{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	assert.Eventually(t, func() bool {
		fetcher.mu.Lock()
		defer fetcher.mu.Unlock()
		return fetcher.calls >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}
