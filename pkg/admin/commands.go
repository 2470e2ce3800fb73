package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tinyland-inc/relayclaw/pkg/bus"
	"github.com/tinyland-inc/relayclaw/pkg/channels"
	"github.com/tinyland-inc/relayclaw/pkg/relay"
	"github.com/tinyland-inc/relayclaw/pkg/replace"
	"github.com/tinyland-inc/relayclaw/pkg/state"
	"github.com/tinyland-inc/relayclaw/pkg/utils"
)

const (
	linkCategory     = replace.Links
	wordCategory     = replace.Words
	sentenceCategory = replace.Sentences
)

func (h *Handler) resolve(ctx context.Context, ref bus.ChannelRef) (bus.ChannelRef, error) {
	if h.opts.Resolver == nil {
		return ref, nil
	}
	return h.opts.Resolver.ResolveChannel(ctx, ref)
}

// parseRef parses a channel argument, rejecting malformed handles before
// they reach the resolver.
func parseRef(args string) (bus.ChannelRef, error) {
	ref := bus.ParseChannelRef(args)
	if ref.Handle != "" {
		if err := utils.ValidateChannelHandle(ref.Handle); err != nil {
			return ref, err
		}
	}
	return ref, nil
}

func resolveFailure(ref bus.ChannelRef, err error) Reply {
	if errors.Is(err, channels.ErrChannelNotFound) {
		return fail("Channel %s not found, or the bot has no access to it", ref)
	}
	return fail("Could not resolve %s: %v", ref, err)
}

func (h *Handler) addSource(ctx context.Context, args string) Reply {
	if args == "" {
		return fail("Usage: /addsource <@channel|id>")
	}
	parsed, err := parseRef(args)
	if err != nil {
		return fail("Invalid channel %q: %v", args, err)
	}
	ref, err := h.resolve(ctx, parsed)
	if err != nil {
		return resolveFailure(parsed, err)
	}

	snap := h.opts.Settings.Snapshot()
	if snap.Target != nil && snap.Target.Same(ref) {
		return fail("%s is the target channel and cannot also be a source", ref)
	}

	added, err := h.opts.Settings.AddSource(ref)
	note, err := persisted(err)
	if err != nil {
		return fail("Could not add source: %v", err)
	}
	if !added {
		return info("ℹ️ %s is already a source%s", ref, note)
	}
	return ok("Added source %s%s", ref, note)
}

func (h *Handler) removeSource(ctx context.Context, args string) Reply {
	if args == "" {
		return fail("Usage: /removesource <@channel|id>")
	}
	ref := bus.ParseChannelRef(args)

	removed, found, err := h.opts.Settings.RemoveSource(ref)
	if !found && err == nil && h.opts.Resolver != nil {
		if resolved, rerr := h.opts.Resolver.ResolveChannel(ctx, ref); rerr == nil {
			removed, found, err = h.opts.Settings.RemoveSource(resolved)
		}
	}
	note, err := persisted(err)
	if err != nil {
		return fail("Could not remove source: %v", err)
	}
	if !found {
		return fail("%s is not a configured source", ref)
	}
	if h.opts.Cursors != nil {
		_ = h.opts.Cursors.Forget(removed)
	}
	return ok("Removed source %s%s", removed, note)
}

func (h *Handler) setTarget(ctx context.Context, args string) Reply {
	if args == "" {
		return fail("Usage: /settarget <@channel|id>")
	}
	parsed, err := parseRef(args)
	if err != nil {
		return fail("Invalid channel %q: %v", args, err)
	}
	ref, err := h.resolve(ctx, parsed)
	if err != nil {
		return resolveFailure(parsed, err)
	}
	if h.opts.Settings.HasSource(ref) {
		return fail("%s is a source and cannot also be the target", ref)
	}

	err = h.opts.Settings.SetTarget(ref)
	note, err := persisted(err)
	if errors.Is(err, state.ErrConfigurationInvalid) {
		return fail("Target must be a numeric chat ID or a channel the bot can see")
	}
	if err != nil {
		return fail("Could not set target: %v", err)
	}
	return ok("Target set to %s%s", ref, note)
}

// parseRule splits "old => new" (or "old -> new").
func parseRule(args string) (string, string, bool) {
	for _, sep := range []string{"=>", "->"} {
		if from, to, found := strings.Cut(args, sep); found {
			from = strings.TrimSpace(from)
			if from == "" {
				return "", "", false
			}
			return from, strings.TrimSpace(to), true
		}
	}
	return "", "", false
}

func (h *Handler) addRule(c replace.Category) func(context.Context, string) Reply {
	return func(_ context.Context, args string) Reply {
		from, to, valid := parseRule(args)
		if !valid {
			return fail("Usage: /add%s old => new", c.Singular())
		}
		added, err := h.opts.Rules.Add(c, from, to)
		note, err := persisted(err)
		if err != nil {
			return fail("Could not add %s replacement: %v", c.Singular(), err)
		}
		verb := "Added"
		if !added {
			verb = "Updated"
		}
		return ok("%s %s replacement: %q → %q%s", verb, c.Singular(), from, to, note)
	}
}

func (h *Handler) removeRule(c replace.Category) func(context.Context, string) Reply {
	return func(_ context.Context, args string) Reply {
		if args == "" {
			return fail("Usage: /remove%s <old>", c.Singular())
		}
		removed, err := h.opts.Rules.Remove(c, args)
		note, err := persisted(err)
		if err != nil {
			return fail("Could not remove %s replacement: %v", c.Singular(), err)
		}
		if !removed {
			return fail("No %s replacement for %q", c.Singular(), args)
		}
		return ok("Removed %s replacement %q%s", c.Singular(), args, note)
	}
}

func (h *Handler) listRules(context.Context, string) Reply {
	rs := h.opts.Rules.Snapshot()
	if rs.Len() == 0 {
		return info("No replacements configured.")
	}
	var b strings.Builder
	b.WriteString("🔁 Replacements")
	for _, c := range replace.Categories {
		rules := rs.Rules(c)
		if len(rules) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n\n%s:", strings.ToUpper(string(c[:1]))+string(c[1:]))
		for _, r := range rules {
			fmt.Fprintf(&b, "\n• %q → %q", r.From, r.To)
		}
	}
	return info("%s", b.String())
}

func (h *Handler) startForward(ctx context.Context, _ string) Reply {
	snap := h.opts.Settings.Snapshot()
	if len(snap.Sources) == 0 {
		return fail("No source channels configured. Use /addsource first.")
	}
	if snap.Target == nil {
		return fail("Target channel is not set. Use /settarget first.")
	}
	if h.opts.Resolver != nil {
		if _, err := h.opts.Resolver.ResolveChannel(ctx, *snap.Target); err != nil {
			return fail("Target %s is not reachable: %v", snap.Target, err)
		}
	}
	if snap.Enabled {
		return info("ℹ️ Forwarding is already running.")
	}

	err := h.opts.Settings.SetEnabled(true)
	note, err := persisted(err)
	if err != nil {
		return fail("Cannot start forwarding: %v", err)
	}
	return ok("Forwarding started: %d source(s) → %s%s", len(snap.Sources), snap.Target, note)
}

func (h *Handler) stopForward(context.Context, string) Reply {
	if !h.opts.Settings.Snapshot().Enabled {
		return info("ℹ️ Forwarding is already stopped.")
	}
	note, err := persisted(h.opts.Settings.SetEnabled(false))
	if err != nil {
		return fail("Cannot stop forwarding: %v", err)
	}
	return ok("Forwarding stopped%s", note)
}

func (h *Handler) status(context.Context, string) Reply {
	snap := h.opts.Settings.Snapshot()

	var b strings.Builder
	b.WriteString("📊 Status\n")
	if snap.Enabled {
		b.WriteString("Forwarding: ▶️ running\n")
	} else {
		b.WriteString("Forwarding: ⏸ stopped\n")
	}
	if snap.Target != nil {
		fmt.Fprintf(&b, "Target: %s\n", snap.Target)
	} else {
		b.WriteString("Target: not set\n")
	}

	var pending map[string]int
	if h.opts.Pending != nil {
		pending = h.opts.Pending()
	}
	var meters map[string]relay.SourceMeter
	if h.opts.Meter != nil {
		meters = h.opts.Meter.GetAllMeters()
	}

	fmt.Fprintf(&b, "Sources (%d):", len(snap.Sources))
	sources := append([]bus.ChannelRef(nil), snap.Sources...)
	sort.Slice(sources, func(i, j int) bool { return sources[i].String() < sources[j].String() })
	for _, src := range sources {
		fmt.Fprintf(&b, "\n• %s", src)
		if h.opts.Cursors != nil {
			if c, found := h.opts.Cursors.Cursor(src); found {
				fmt.Fprintf(&b, " | last %d", c.LastForwarded)
			} else {
				b.WriteString(" | not polled yet")
			}
		}
		if m, found := meters[src.Key()]; found {
			fmt.Fprintf(&b, " | sent %d, failed %d", m.Delivered, m.Failed)
			if m.RateLimited > 0 {
				fmt.Fprintf(&b, ", rate limited %d", m.RateLimited)
			}
		}
		if n := pending[src.Key()]; n > 0 {
			fmt.Fprintf(&b, " | queued %d", n)
		}
	}

	rs := h.opts.Rules.Snapshot()
	fmt.Fprintf(&b, "\nReplacements: %d links, %d words, %d sentences", len(rs.Links), len(rs.Words), len(rs.Sentences))
	if h.opts.DroppedAlerts != nil {
		if n := h.opts.DroppedAlerts(); n > 0 {
			fmt.Fprintf(&b, "\n⚠️ Alerts dropped: %d", n)
		}
	}
	return info("%s", b.String())
}
