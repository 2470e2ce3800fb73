package bus

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChannelRef identifies a Telegram channel either by its numeric chat ID or
// by its public handle. Once resolved, ID is authoritative: handles can be
// released and reused while chat IDs are stable for the channel's lifetime.
type ChannelRef struct {
	ID     int64  `json:"id,omitempty"`
	Handle string `json:"handle,omitempty"`
}

// ParseChannelRef accepts "@handle", "handle", "t.me/handle", or a numeric
// chat ID such as "-1001234567890".
func ParseChannelRef(s string) ChannelRef {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"https://t.me/", "http://t.me/", "t.me/"} {
		s = strings.TrimPrefix(s, prefix)
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ChannelRef{ID: id}
	}
	return ChannelRef{Handle: NormalizeHandle(s)}
}

// NormalizeHandle strips a leading "@" and lower-cases the handle; Telegram
// usernames are case-insensitive.
func NormalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}

func (r ChannelRef) Resolved() bool { return r.ID != 0 }

func (r ChannelRef) IsZero() bool { return r.ID == 0 && r.Handle == "" }

// Key is the stable map key for per-channel state.
func (r ChannelRef) Key() string {
	if r.ID != 0 {
		return strconv.FormatInt(r.ID, 10)
	}
	return NormalizeHandle(r.Handle)
}

// Same reports whether two refs name the same channel, comparing IDs when
// both are resolved and handles otherwise.
func (r ChannelRef) Same(o ChannelRef) bool {
	if r.ID != 0 && o.ID != 0 {
		return r.ID == o.ID
	}
	return r.Handle != "" && NormalizeHandle(r.Handle) == NormalizeHandle(o.Handle)
}

func (r ChannelRef) String() string {
	switch {
	case r.ID != 0 && r.Handle != "":
		return "@" + NormalizeHandle(r.Handle) + " (" + strconv.FormatInt(r.ID, 10) + ")"
	case r.ID != 0:
		return strconv.FormatInt(r.ID, 10)
	case r.Handle != "":
		return "@" + NormalizeHandle(r.Handle)
	default:
		return "<none>"
	}
}

// Kind is the payload variant of a relayed post.
type Kind string

const (
	KindText      Kind = "text"
	KindPhoto     Kind = "photo"
	KindVideo     Kind = "video"
	KindDocument  Kind = "document"
	KindSticker   Kind = "sticker"
	KindAudio     Kind = "audio"
	KindVoice     Kind = "voice"
	KindVideoNote Kind = "video_note"
	KindAnimation Kind = "animation"
	// KindCopy is the generic fallback: the transport copies the original
	// message server-side, so its media kind is kept without knowing it.
	KindCopy Kind = "copy"
)

// SupportsCaption reports whether Telegram accepts a caption for this kind.
func (k Kind) SupportsCaption() bool {
	switch k {
	case KindSticker, KindVideoNote, KindText:
		return false
	}
	return true
}

// Payload carries the content reference of a post. Only Text and Caption
// are ever rewritten; FileID passes through untouched.
type Payload struct {
	Kind    Kind   `json:"kind"`
	FileID  string `json:"file_id,omitempty"`
	Text    string `json:"text,omitempty"`
	Caption string `json:"caption,omitempty"`
}

func NewText(text string) Payload { return Payload{Kind: KindText, Text: text} }

func NewPhoto(fileID, caption string) Payload {
	return Payload{Kind: KindPhoto, FileID: fileID, Caption: caption}
}

func NewVideo(fileID, caption string) Payload {
	return Payload{Kind: KindVideo, FileID: fileID, Caption: caption}
}

func NewDocument(fileID, caption string) Payload {
	return Payload{Kind: KindDocument, FileID: fileID, Caption: caption}
}

func NewSticker(fileID string) Payload { return Payload{Kind: KindSticker, FileID: fileID} }

func NewAudio(fileID, caption string) Payload {
	return Payload{Kind: KindAudio, FileID: fileID, Caption: caption}
}

func NewVoice(fileID, caption string) Payload {
	return Payload{Kind: KindVoice, FileID: fileID, Caption: caption}
}

func NewVideoNote(fileID string) Payload { return Payload{Kind: KindVideoNote, FileID: fileID} }

func NewAnimation(fileID, caption string) Payload {
	return Payload{Kind: KindAnimation, FileID: fileID, Caption: caption}
}

func NewCopy(caption string) Payload { return Payload{Kind: KindCopy, Caption: caption} }

// Rewrite returns a copy with fn applied to the text and caption fields.
func (p Payload) Rewrite(fn func(string) string) Payload {
	if p.Text != "" {
		p.Text = fn(p.Text)
	}
	if !p.Kind.SupportsCaption() {
		p.Caption = ""
	} else if p.Caption != "" {
		p.Caption = fn(p.Caption)
	}
	return p
}

// Item is one candidate post observed on a source channel.
type Item struct {
	Source     ChannelRef `json:"source"`
	SequenceID int64      `json:"sequence_id"`
	Payload    Payload    `json:"payload"`
	Origin     string     `json:"origin"` // "push" | "pull"
	ReceivedAt time.Time  `json:"received_at"`
}

const (
	OriginPush = "push"
	OriginPull = "pull"
)

type AlertKind string

const (
	AlertRetriesExhausted   AlertKind = "retries_exhausted"
	AlertPermanentFailure   AlertKind = "permanent_failure"
	AlertForwardingDisabled AlertKind = "forwarding_disabled"
	AlertPollFailure        AlertKind = "poll_failure"
)

// Alert is a structured operator notification.
type Alert struct {
	ID         string     `json:"id"`
	Kind       AlertKind  `json:"kind"`
	Source     ChannelRef `json:"source"`
	SequenceID int64      `json:"sequence_id,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
	Err        string     `json:"error,omitempty"`
	At         time.Time  `json:"at"`
}

func NewAlert(kind AlertKind, source ChannelRef, seq int64, attempts int, err error) Alert {
	a := Alert{
		ID:         uuid.New().String(),
		Kind:       kind,
		Source:     source,
		SequenceID: seq,
		Attempts:   attempts,
		At:         time.Now(),
	}
	if err != nil {
		a.Err = err.Error()
	}
	return a
}
