package relay

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/tinyland-inc/relayclaw/pkg/bus"
	"github.com/tinyland-inc/relayclaw/pkg/channels"
	"github.com/tinyland-inc/relayclaw/pkg/logger"
)

// Notifier relays alerts from the bus to every admin chat.
type Notifier struct {
	transport channels.Transport
	bus       *bus.MessageBus
	chats     []int64
}

// NewNotifier takes admin allow-list entries ("123", "123|name", "@name")
// and keeps those with a numeric chat ID; the Bot API cannot open a chat
// by username.
func NewNotifier(transport channels.Transport, messageBus *bus.MessageBus, admins []string) *Notifier {
	var chats []int64
	for _, a := range admins {
		idPart, _, _ := strings.Cut(strings.TrimSpace(a), "|")
		if id, err := strconv.ParseInt(idPart, 10, 64); err == nil {
			chats = append(chats, id)
		}
	}
	return &Notifier{transport: transport, bus: messageBus, chats: chats}
}

func (n *Notifier) Chats() []int64 { return n.chats }

func (n *Notifier) Run(ctx context.Context) error {
	if len(n.chats) == 0 {
		logger.WarnC("notifier", "No numeric admin IDs configured; alerts will only be logged")
	}
	for {
		alert, ok := n.bus.SubscribeAlerts(ctx)
		if !ok {
			return nil
		}
		n.Notify(ctx, alert)
	}
}

// Notify sends one alert. Send failures are logged and otherwise ignored.
func (n *Notifier) Notify(ctx context.Context, alert bus.Alert) {
	text := FormatAlert(alert)
	logger.WarnCF("notifier", "Alert", map[string]any{
		"id":     alert.ID,
		"kind":   string(alert.Kind),
		"source": alert.Source.String(),
	})
	for _, chat := range n.chats {
		if err := n.transport.SendText(ctx, chat, text); err != nil {
			logger.ErrorCF("notifier", "Failed to deliver alert", map[string]any{
				"chat_id": chat,
				"error":   err.Error(),
			})
		}
	}
}

// FormatAlert renders an alert as a one-line admin message.
func FormatAlert(a bus.Alert) string {
	var b strings.Builder
	switch a.Kind {
	case bus.AlertRetriesExhausted:
		fmt.Fprintf(&b, "⚠️ Failed to forward post %d from %s after %d attempts", a.SequenceID, a.Source, a.Attempts)
	case bus.AlertPermanentFailure:
		fmt.Fprintf(&b, "❌ Target rejected post %d from %s", a.SequenceID, a.Source)
	case bus.AlertForwardingDisabled:
		b.WriteString("⛔ Forwarding disabled: target channel is unreachable. Fix the target and use /startforward")
	case bus.AlertPollFailure:
		fmt.Fprintf(&b, "⚠️ Polling %s failed %d times in a row", a.Source, a.Attempts)
	default:
		fmt.Fprintf(&b, "⚠️ %s for %s", a.Kind, a.Source)
	}
	if a.Err != "" {
		b.WriteString(": ")
		b.WriteString(a.Err)
	}
	return b.String()
}
