package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/tinyland-inc/relayclaw/pkg/bus"
)

// Transport is the outbound boundary to the messaging platform. The relay
// only ever talks to the platform through it.
type Transport interface {
	// ResolveChannel turns a handle into a chat ID and reports
	// ErrChannelNotFound if the bot cannot see the channel.
	ResolveChannel(ctx context.Context, ref bus.ChannelRef) (bus.ChannelRef, error)
	// Send delivers item to target in its original payload kind.
	Send(ctx context.Context, target bus.ChannelRef, item bus.Item) error
	SendText(ctx context.Context, chatID int64, text string) error
}

type Channel interface {
	Transport
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// CommandFunc answers an admin command. senderID uses the "id|username"
// form understood by IsAllowed.
type CommandFunc func(ctx context.Context, senderID, senderName, text string) string

type BaseChannel struct {
	bus       *bus.MessageBus
	running   atomic.Bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, bus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       bus,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) SetRunning(running bool) {
	c.running.Store(running)
}

// IsAllowed reports whether senderID is on the admin allow-list. An empty
// list allows nobody.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 || senderID == "" {
		return false
	}

	// Extract parts from compound senderID like "123456|username"
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = strings.ToLower(senderID[idx+1:])
	}

	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(strings.TrimSpace(allowed), "@")
		allowedID := trimmed
		allowedUser := ""
		if idx := strings.Index(trimmed, "|"); idx > 0 {
			allowedID = trimmed[:idx]
			allowedUser = strings.ToLower(trimmed[idx+1:])
		}

		switch {
		case senderID == trimmed, idPart == trimmed, idPart == allowedID:
			return true
		case userPart != "" && (userPart == strings.ToLower(trimmed) || userPart == allowedUser):
			return true
		}
	}

	return false
}

// PublishItem hands a source post to the relay.
func (c *BaseChannel) PublishItem(ctx context.Context, item bus.Item) error {
	return c.bus.PublishInbound(ctx, item)
}
