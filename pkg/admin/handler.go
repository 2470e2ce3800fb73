// Package admin implements the chat command surface that operators use to
// configure forwarding. Every command gets an immediate reply; delivery
// problems are reported separately through alerts.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tinyland-inc/relayclaw/pkg/bus"
	"github.com/tinyland-inc/relayclaw/pkg/logger"
	"github.com/tinyland-inc/relayclaw/pkg/relay"
	"github.com/tinyland-inc/relayclaw/pkg/state"
)

// Authorizer decides whether a sender may run commands.
// channels.BaseChannel satisfies it.
type Authorizer interface {
	IsAllowed(senderID string) bool
}

// AllowAll authorizes every sender. The local console uses it.
type AllowAll struct{}

func (AllowAll) IsAllowed(string) bool { return true }

// Resolver turns handles into chat IDs. channels.Transport satisfies it.
type Resolver interface {
	ResolveChannel(ctx context.Context, ref bus.ChannelRef) (bus.ChannelRef, error)
}

type Command struct {
	SenderID   string
	SenderName string
	Text       string
}

type Reply struct {
	Text string
	OK   bool
}

func ok(format string, args ...any) Reply {
	return Reply{Text: "✅ " + fmt.Sprintf(format, args...), OK: true}
}

func fail(format string, args ...any) Reply {
	return Reply{Text: "❌ " + fmt.Sprintf(format, args...)}
}

func info(format string, args ...any) Reply {
	return Reply{Text: fmt.Sprintf(format, args...), OK: true}
}

type Options struct {
	Authorizer Authorizer
	// Resolver may be nil, in which case references are stored as typed.
	Resolver Resolver
	Settings *state.SettingsStore
	Rules    *state.RuleStore
	Cursors  *state.CursorStore
	Meter    *relay.MeterStore
	Pending  func() map[string]int

	// DroppedAlerts reports alerts lost on a full alert buffer.
	DroppedAlerts func() int64
}

type Handler struct {
	opts     Options
	commands map[string]func(ctx context.Context, args string) Reply
}

func NewHandler(opts Options) *Handler {
	if opts.Authorizer == nil {
		opts.Authorizer = AllowAll{}
	}
	h := &Handler{opts: opts}
	h.commands = h.commandTable()
	return h
}

func (h *Handler) commandTable() map[string]func(context.Context, string) Reply {
	return map[string]func(context.Context, string) Reply{
		"start":            h.help,
		"help":             h.help,
		"addsource":        h.addSource,
		"removesource":     h.removeSource,
		"settarget":        h.setTarget,
		"setdst":           h.setTarget,
		"addlink":          h.addRule(linkCategory),
		"addword":          h.addRule(wordCategory),
		"addreplace":       h.addRule(wordCategory),
		"addsentence":      h.addRule(sentenceCategory),
		"removelink":       h.removeRule(linkCategory),
		"removeword":       h.removeRule(wordCategory),
		"removereplace":    h.removeRule(wordCategory),
		"removesentence":   h.removeRule(sentenceCategory),
		"listreplace":      h.listRules,
		"showreplacements": h.listRules,
		"startforward":     h.startForward,
		"startbot":         h.startForward,
		"stopforward":      h.stopForward,
		"stopbot":          h.stopForward,
		"status":           h.status,
	}
}

// ParseCommand splits "/name@bot args" into its lower-cased name and the
// remaining argument text.
func ParseCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	name, args, _ := strings.Cut(text[1:], " ")
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}
	return strings.ToLower(name), strings.TrimSpace(args)
}

// Handle authorizes and runs one command.
func (h *Handler) Handle(ctx context.Context, cmd Command) Reply {
	name, args := ParseCommand(cmd.Text)
	if name == "" {
		return fail("Commands start with /. Send /help for usage.")
	}

	if !h.opts.Authorizer.IsAllowed(cmd.SenderID) {
		logger.WarnCF("admin", "Unauthorized command", map[string]any{
			"sender":  cmd.SenderID,
			"command": name,
		})
		return fail("Unauthorized")
	}

	fn, found := h.commands[name]
	if !found {
		return fail("Unknown command /%s. Send /help for usage.", name)
	}

	reply := fn(ctx, args)
	logger.InfoCF("admin", "Command handled", map[string]any{
		"sender":  cmd.SenderName,
		"command": name,
		"ok":      reply.OK,
	})
	return reply
}

// HandleText adapts Handle to channels.CommandFunc.
func (h *Handler) HandleText(ctx context.Context, senderID, senderName, text string) string {
	return h.Handle(ctx, Command{SenderID: senderID, SenderName: senderName, Text: text}).Text
}

const helpText = `🤖 Channel relay commands

Sources and target:
/addsource <@channel|id> - forward posts from a channel
/removesource <@channel|id> - stop forwarding from a channel
/settarget <@channel|id> - set the destination channel (alias /setdst)

Replacements (use => or -> between old and new):
/addlink old => new
/addword old => new (alias /addreplace)
/addsentence old => new
/removelink <old>, /removeword <old>, /removesentence <old>
/listreplace - show all replacements

Forwarding:
/startforward - start forwarding (alias /startbot)
/stopforward - stop forwarding (alias /stopbot)
/status - show configuration and delivery stats`

func (h *Handler) help(context.Context, string) Reply {
	return info("%s", helpText)
}

// persisted turns a state error into a reply suffix. The mutation is
// already live in memory when persistence fails.
func persisted(err error) (string, error) {
	if err == nil {
		return "", nil
	}
	if errors.Is(err, state.ErrPersistence) {
		return " (warning: not saved to disk: " + err.Error() + ")", nil
	}
	return "", err
}
