// Package relay moves source posts to the target channel: one item at a
// time, rewritten, retried within bounds, and recorded as forwarded only
// after the target accepted it.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/tinyland-inc/relayclaw/pkg/bus"
	"github.com/tinyland-inc/relayclaw/pkg/channels"
	"github.com/tinyland-inc/relayclaw/pkg/logger"
	"github.com/tinyland-inc/relayclaw/pkg/replace"
	"github.com/tinyland-inc/relayclaw/pkg/retry"
	"github.com/tinyland-inc/relayclaw/pkg/state"
)

type Status int

const (
	StatusDelivered Status = iota
	StatusDropped
)

func (s Status) String() string {
	if s == StatusDelivered {
		return "delivered"
	}
	return "dropped"
}

// Drop reasons.
const (
	ReasonDisabled      = "forwarding disabled"
	ReasonUnknownSource = "source not configured"
	ReasonNoTarget      = "no target channel"
	ReasonDuplicate     = "already forwarded"
)

type Result struct {
	Status   Status
	Reason   string
	Attempts int
}

// Failure kinds of a DeliveryError.
const (
	FailureTransient = "transient"
	FailurePermanent = "permanent"
)

// DeliveryError reports an item that was not delivered.
type DeliveryError struct {
	Kind     string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery failure after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

type DispatcherConfig struct {
	Transport channels.Transport
	Settings  *state.SettingsStore
	Rules     *state.RuleStore
	Cursors   *state.CursorStore
	Bus       *bus.MessageBus
	Meter     *MeterStore
	Policy    retry.Policy
	// AutoDisable turns forwarding off when the target becomes unreachable.
	AutoDisable bool
}

type Dispatcher struct {
	cfg DispatcherConfig
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Meter == nil {
		cfg.Meter = NewMeterStore()
	}
	return &Dispatcher{cfg: cfg}
}

func (d *Dispatcher) Meter() *MeterStore { return d.cfg.Meter }

// Deliver runs one item through the pipeline. Dropped items return a nil
// error. A *DeliveryError means the item was not delivered and an alert
// was raised.
func (d *Dispatcher) Deliver(ctx context.Context, item bus.Item) (Result, error) {
	snap := d.cfg.Settings.Snapshot()
	src, known := snap.Lookup(item.Source)
	if !known {
		src = item.Source
	}
	item.Source = src
	key := src.Key()

	var reason string
	switch {
	case !snap.Enabled:
		reason = ReasonDisabled
	case !known:
		reason = ReasonUnknownSource
	case snap.Target == nil:
		reason = ReasonNoTarget
	case d.cfg.Cursors.AlreadyForwarded(src, item.SequenceID):
		reason = ReasonDuplicate
	}
	if reason != "" {
		d.cfg.Meter.Record(key, OutcomeDropped, nil)
		logger.DebugCF("relay", "Item dropped", map[string]any{
			"source": src.String(),
			"id":     item.SequenceID,
			"reason": reason,
		})
		return Result{Status: StatusDropped, Reason: reason}, nil
	}
	target := *snap.Target

	rules := d.cfg.Rules.Snapshot()
	out := item
	out.Payload = item.Payload.Rewrite(func(s string) string { return replace.Apply(s, rules) })

	policy := d.cfg.Policy
	policy.OnRateLimit = func(wait time.Duration) {
		d.cfg.Meter.RecordRateLimit(key)
		logger.WarnCF("relay", "Rate limited by target, waiting", map[string]any{
			"source": src.String(),
			"id":     item.SequenceID,
			"wait":   wait.String(),
		})
	}

	attempts, err := policy.Do(ctx, func(attempt int) error {
		sendErr := d.cfg.Transport.Send(ctx, target, out)
		if sendErr != nil {
			logger.DebugCF("relay", "Send attempt failed", map[string]any{
				"source":  src.String(),
				"id":      item.SequenceID,
				"attempt": attempt,
				"error":   sendErr.Error(),
			})
		}
		return sendErr
	})

	if err == nil {
		if perr := d.cfg.Cursors.MarkForwarded(src, item.SequenceID); perr != nil {
			logger.ErrorCF("relay", "Delivered but could not record", map[string]any{
				"source": src.String(),
				"id":     item.SequenceID,
				"error":  perr.Error(),
			})
		}
		if perr := d.cfg.Cursors.AdvanceCursor(src, item.SequenceID); perr != nil {
			logger.ErrorCF("relay", "Could not advance cursor", map[string]any{
				"source": src.String(),
				"error":  perr.Error(),
			})
		}
		d.cfg.Meter.Record(key, OutcomeDelivered, nil)
		logger.InfoCF("relay", "Item forwarded", map[string]any{
			"source":   src.String(),
			"id":       item.SequenceID,
			"kind":     string(item.Payload.Kind),
			"attempts": attempts,
		})
		return Result{Status: StatusDelivered, Attempts: attempts}, nil
	}

	if ctx.Err() != nil {
		return Result{Attempts: attempts}, ctx.Err()
	}

	return Result{Attempts: attempts}, d.fail(src, item, attempts, err)
}

func (d *Dispatcher) fail(src bus.ChannelRef, item bus.Item, attempts int, err error) error {
	derr := &DeliveryError{Kind: FailureTransient, Attempts: attempts, Err: err}
	alertKind := bus.AlertRetriesExhausted
	if retry.Classify(err) == retry.Permanent {
		derr.Kind = FailurePermanent
		alertKind = bus.AlertPermanentFailure
	}

	d.cfg.Meter.Record(src.Key(), OutcomeFailed, err)
	logger.ErrorCF("relay", "Delivery failed", map[string]any{
		"source":   src.String(),
		"id":       item.SequenceID,
		"kind":     derr.Kind,
		"attempts": attempts,
		"error":    err.Error(),
	})
	_ = d.cfg.Bus.PublishAlert(bus.NewAlert(alertKind, src, item.SequenceID, attempts, err))

	if derr.Kind == FailurePermanent && d.cfg.AutoDisable && channels.IsTargetUnreachable(err) {
		if serr := d.cfg.Settings.SetEnabled(false); serr != nil {
			logger.ErrorCF("relay", "Failed to disable forwarding", map[string]any{"error": serr.Error()})
		}
		logger.WarnC("relay", "Target unreachable, forwarding disabled")
		_ = d.cfg.Bus.PublishAlert(bus.NewAlert(bus.AlertForwardingDisabled, src, item.SequenceID, attempts, err))
	}
	return derr
}
