// Package poller discovers new source posts by periodically reading each
// channel's public web preview, for sources the bot cannot join.
package poller

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/tinyland-inc/relayclaw/pkg/bus"
	"github.com/tinyland-inc/relayclaw/pkg/utils"
)

// Fetcher returns the recent posts of a source channel, in any order.
type Fetcher interface {
	Fetch(ctx context.Context, ref bus.ChannelRef) ([]bus.Item, error)
}

// WebPreviewFetcher reads https://t.me/s/<handle>.
type WebPreviewFetcher struct {
	BaseURL string
	Client  *http.Client
}

func NewWebPreviewFetcher(baseURL string, client *http.Client) *WebPreviewFetcher {
	if baseURL == "" {
		baseURL = "https://t.me/s/"
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebPreviewFetcher{BaseURL: baseURL, Client: client}
}

// maxPreviewBytes bounds how much of a preview page is parsed.
const maxPreviewBytes = 4 << 20

func (f *WebPreviewFetcher) Fetch(ctx context.Context, ref bus.ChannelRef) ([]bus.Item, error) {
	handle := bus.NormalizeHandle(ref.Handle)
	if handle == "" {
		return nil, fmt.Errorf("source %s has no public handle to preview", ref)
	}
	if err := utils.ValidateChannelHandle(handle); err != nil {
		return nil, fmt.Errorf("source %s: %w", ref, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+handle, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; relayclaw)")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching preview for @%s: %w", handle, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching preview for @%s: unexpected status %s", handle, resp.Status)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxPreviewBytes))
	if err != nil {
		return nil, fmt.Errorf("parsing preview for @%s: %w", handle, err)
	}

	items := ParsePreview(doc, ref)
	return items, nil
}

var mediaClasses = []string{
	"tgme_widget_message_photo_wrap",
	"tgme_widget_message_video_player",
	"tgme_widget_message_document",
	"tgme_widget_message_sticker",
	"tgme_widget_message_voice",
	"tgme_widget_message_roundvideo",
	"tgme_widget_message_grouped_wrap",
}

// ParsePreview extracts one item per post block in a parsed preview page.
func ParsePreview(doc *html.Node, ref bus.ChannelRef) []bus.Item {
	var items []bus.Item
	now := time.Now()

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if post, ok := attr(n, "data-post"); ok {
				if id, ok := postID(post); ok {
					text, hasMedia := scanPost(n)
					p := bus.NewText(text)
					if hasMedia {
						p = bus.NewCopy(text)
					}
					if p.Kind == bus.KindText && text == "" {
						// Service messages and unsupported posts carry
						// neither text nor media; copy them as-is.
						p = bus.NewCopy("")
					}
					items = append(items, bus.Item{
						Source:     ref,
						SequenceID: id,
						Payload:    p,
						Origin:     bus.OriginPull,
						ReceivedAt: now,
					})
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return items
}

func postID(post string) (int64, bool) {
	i := strings.LastIndex(post, "/")
	if i < 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(post[i+1:], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// scanPost returns the post text and whether the post has media.
func scanPost(post *html.Node) (string, bool) {
	var text string
	hasMedia := false

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if hasClass(n, "tgme_widget_message_text") && text == "" {
				var b strings.Builder
				collectText(n, &b)
				text = strings.TrimSpace(b.String())
				return
			}
			for _, c := range mediaClasses {
				if hasClass(n, c) {
					hasMedia = true
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(post)
	return text, hasMedia
}

func collectText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		if n.Data == "br" {
			b.WriteByte('\n')
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func hasClass(n *html.Node, class string) bool {
	v, ok := attr(n, "class")
	if !ok {
		return false
	}
	for _, c := range strings.Fields(v) {
		if c == class {
			return true
		}
	}
	return false
}
