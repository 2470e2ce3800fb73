package relay

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyland-inc/relayclaw/pkg/bus"
	"github.com/tinyland-inc/relayclaw/pkg/config"
	"github.com/tinyland-inc/relayclaw/pkg/logger"
	"github.com/tinyland-inc/relayclaw/pkg/retry"
	"github.com/tinyland-inc/relayclaw/pkg/state"
)

type EngineOptions struct {
	// SendInterval paces consecutive deliveries.
	SendInterval time.Duration
	// GapPolicy is config.GapSkip or config.GapBlock.
	GapPolicy string
	// RetryInterval is how long a blocked source waits before its head
	// item is tried again.
	RetryInterval time.Duration
	// Sleep defaults to retry.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

type sourceQueue struct {
	ref          bus.ChannelRef
	items        []bus.Item
	blockedUntil time.Time
}

func (q *sourceQueue) insert(item bus.Item) bool {
	i := sort.Search(len(q.items), func(i int) bool { return q.items[i].SequenceID >= item.SequenceID })
	if i < len(q.items) && q.items[i].SequenceID == item.SequenceID {
		return false
	}
	q.items = append(q.items, bus.Item{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = item
	return true
}

// Engine is the single forwarding worker. Items are kept in per-source
// queues ordered by sequence id and delivered strictly one at a time.
type Engine struct {
	dispatcher *Dispatcher
	bus        *bus.MessageBus
	settings   *state.SettingsStore
	cursors    *state.CursorStore
	opts       EngineOptions

	mu     sync.Mutex
	queues map[string]*sourceQueue
	order  []string
	next   int
	wake   chan struct{}

	running atomic.Bool
	now     func() time.Time
}

func NewEngine(
	dispatcher *Dispatcher,
	messageBus *bus.MessageBus,
	settings *state.SettingsStore,
	cursors *state.CursorStore,
	opts EngineOptions,
) *Engine {
	if opts.GapPolicy == "" {
		opts.GapPolicy = config.GapSkip
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 45 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	return &Engine{
		dispatcher: dispatcher,
		bus:        messageBus,
		settings:   settings,
		cursors:    cursors,
		opts:       opts,
		queues:     make(map[string]*sourceQueue),
		wake:       make(chan struct{}, 1),
		now:        time.Now,
	}
}

// IsRunning reports whether Run is consuming items.
func (e *Engine) IsRunning() bool { return e.running.Load() }

// Run consumes the bus until ctx is done or the bus is closed. Intake
// runs on its own goroutine, so publishers never wait on a delivery that
// is sleeping through a rate limit. An in-flight delivery always finishes
// before Run checks for shutdown.
func (e *Engine) Run(ctx context.Context) error {
	e.running.Store(true)
	defer e.running.Store(false)
	logger.InfoCF("relay", "Forwarding worker started", map[string]any{
		"gap_policy":    e.opts.GapPolicy,
		"send_interval": e.opts.SendInterval.String(),
	})

	intakeCtx, stopIntake := context.WithCancel(ctx)
	intakeDone := make(chan struct{})
	go func() {
		defer close(intakeDone)
		e.intake(intakeCtx)
	}()
	defer func() {
		stopIntake()
		<-intakeDone
	}()

	for {
		item, ok, wait := e.head()
		if !ok {
			var wake <-chan time.Time
			var timer *time.Timer
			if wait > 0 {
				timer = time.NewTimer(wait)
				wake = timer.C
			}
			select {
			case <-ctx.Done():
				stopTimer(timer)
				logger.InfoC("relay", "Forwarding worker stopped")
				return nil
			case <-e.bus.Done():
				stopTimer(timer)
				return nil
			case <-intakeDone:
				stopTimer(timer)
				return nil
			case <-e.wake:
				stopTimer(timer)
			case <-wake:
			}
			continue
		}

		e.process(ctx, item)
		if ctx.Err() != nil {
			logger.InfoC("relay", "Forwarding worker stopped")
			return nil
		}
		if e.opts.SendInterval > 0 {
			if err := e.opts.Sleep(ctx, e.opts.SendInterval); err != nil {
				return nil
			}
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// intake moves bus items into the source queues.
func (e *Engine) intake(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.bus.Done():
			return
		case it, open := <-e.bus.Inbound():
			if !open {
				return
			}
			e.Enqueue(it)
		}
	}
}

// Enqueue adds an item to its source queue. Items already forwarded or
// older than the source cursor are discarded, as are duplicates of queued
// items.
func (e *Engine) Enqueue(item bus.Item) {
	if ref, ok := e.settings.Snapshot().Lookup(item.Source); ok {
		item.Source = ref
	}
	if c, ok := e.cursors.Cursor(item.Source); ok && item.SequenceID <= c.LastForwarded {
		return
	}
	if e.cursors.AlreadyForwarded(item.Source, item.SequenceID) {
		return
	}

	e.mu.Lock()
	key := item.Source.Key()
	q, ok := e.queues[key]
	if !ok {
		q = &sourceQueue{ref: item.Source}
		e.queues[key] = q
		e.order = append(e.order, key)
	}
	added := q.insert(item)
	e.mu.Unlock()
	if added {
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
}

// head picks the next deliverable item, rotating across sources. When
// every non-empty queue is blocked it returns how long until the earliest
// one unblocks.
func (e *Engine) head() (bus.Item, bool, time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var wait time.Duration
	for i := 0; i < len(e.order); i++ {
		idx := (e.next + i) % len(e.order)
		q := e.queues[e.order[idx]]
		if len(q.items) == 0 {
			continue
		}
		if now.Before(q.blockedUntil) {
			if d := q.blockedUntil.Sub(now); wait == 0 || d < wait {
				wait = d
			}
			continue
		}
		e.next = (idx + 1) % len(e.order)
		return q.items[0], true, 0
	}
	return bus.Item{}, false, wait
}

func (e *Engine) pop(item bus.Item) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[item.Source.Key()]
	if !ok {
		return
	}
	// Intake may have queued an older item ahead of this one meanwhile.
	for i := range q.items {
		if q.items[i].SequenceID == item.SequenceID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.blockedUntil = time.Time{}
			return
		}
	}
}

func (e *Engine) block(item bus.Item) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if q, ok := e.queues[item.Source.Key()]; ok {
		q.blockedUntil = e.now().Add(e.opts.RetryInterval)
	}
}

func (e *Engine) process(ctx context.Context, item bus.Item) {
	_, err := e.dispatcher.Deliver(ctx, item)
	if err == nil {
		e.pop(item)
		return
	}
	if ctx.Err() != nil {
		return
	}

	var derr *DeliveryError
	if errors.As(err, &derr) && derr.Kind == FailureTransient && e.opts.GapPolicy == config.GapBlock {
		e.block(item)
		logger.WarnCF("relay", "Source blocked until next retry", map[string]any{
			"source": item.Source.String(),
			"id":     item.SequenceID,
			"retry":  e.opts.RetryInterval.String(),
		})
		return
	}

	// Skip: accept the gap. The item is never marked forwarded, but the
	// cursor moves past it so later posts keep flowing.
	e.pop(item)
	if aerr := e.cursors.AdvanceCursor(item.Source, item.SequenceID); aerr != nil {
		logger.ErrorCF("relay", "Could not advance cursor past failed item", map[string]any{
			"source": item.Source.String(),
			"error":  aerr.Error(),
		})
	}
	logger.WarnCF("relay", "Skipped undeliverable item", map[string]any{
		"source": item.Source.String(),
		"id":     item.SequenceID,
	})
}

// Pending returns the number of queued items per source key.
func (e *Engine) Pending() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.queues))
	for k, q := range e.queues {
		if len(q.items) > 0 {
			out[k] = len(q.items)
		}
	}
	return out
}
