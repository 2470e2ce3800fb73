package poller

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyland-inc/relayclaw/pkg/bus"
	"github.com/tinyland-inc/relayclaw/pkg/logger"
	"github.com/tinyland-inc/relayclaw/pkg/state"
)

type Options struct {
	Interval    time.Duration
	Concurrency int
	// MaxBatch caps how many new posts one source publishes per cycle,
	// oldest first. 0 means no cap.
	MaxBatch int
	// AlertAfter is the number of consecutive failures for one source that
	// raises a poll_failure alert.
	AlertAfter int
}

// Poller publishes posts newer than each source's cursor onto the bus.
type Poller struct {
	fetcher  Fetcher
	settings *state.SettingsStore
	cursors  *state.CursorStore
	bus      *bus.MessageBus
	opts     Options

	mu       sync.Mutex
	failures map[string]int
}

func New(
	fetcher Fetcher,
	settings *state.SettingsStore,
	cursors *state.CursorStore,
	messageBus *bus.MessageBus,
	opts Options,
) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 45 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.AlertAfter <= 0 {
		opts.AlertAfter = 5
	}
	return &Poller{
		fetcher:  fetcher,
		settings: settings,
		cursors:  cursors,
		bus:      messageBus,
		opts:     opts,
		failures: make(map[string]int),
	}
}

// Run polls immediately and then on every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	logger.InfoCF("poller", "Poller started", map[string]any{
		"interval": p.opts.Interval.String(),
	})

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		p.PollOnce(ctx)
		select {
		case <-ctx.Done():
			logger.InfoC("poller", "Poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce runs a single cycle over all configured sources and returns
// the number of items published. Failures are per source and never abort
// the cycle.
func (p *Poller) PollOnce(ctx context.Context) int {
	snap := p.settings.Snapshot()
	if !snap.Enabled || len(snap.Sources) == 0 {
		return 0
	}

	var (
		mu        sync.Mutex
		published int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, src := range snap.Sources {
		g.Go(func() error {
			n := p.pollSource(gctx, src)
			mu.Lock()
			published += n
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return published
}

func (p *Poller) pollSource(ctx context.Context, src bus.ChannelRef) int {
	items, err := p.fetcher.Fetch(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		p.recordFailure(src, err)
		return 0
	}
	p.resetFailures(src)

	var latest int64
	for i := range items {
		items[i].Source = src
		latest = max(latest, items[i].SequenceID)
	}

	cursor, ok := p.cursors.Cursor(src)
	if !ok {
		// First sighting: everything already posted counts as seen.
		if _, err := p.cursors.Initialize(src, latest); err != nil {
			logger.WarnCF("poller", "Failed to persist initial cursor", map[string]any{
				"source": src.String(),
				"error":  err.Error(),
			})
		}
		logger.InfoCF("poller", "Initialized source cursor", map[string]any{
			"source": src.String(),
			"cursor": latest,
		})
		return 0
	}

	fresh := items[:0]
	for _, it := range items {
		if it.SequenceID > cursor.LastForwarded && !p.cursors.AlreadyForwarded(src, it.SequenceID) {
			fresh = append(fresh, it)
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].SequenceID < fresh[j].SequenceID })
	if p.opts.MaxBatch > 0 && len(fresh) > p.opts.MaxBatch {
		fresh = fresh[:p.opts.MaxBatch]
	}

	published := 0
	for _, it := range fresh {
		if err := p.bus.PublishInbound(ctx, it); err != nil {
			break
		}
		published++
	}
	if published > 0 {
		logger.DebugCF("poller", "Published new posts", map[string]any{
			"source": src.String(),
			"count":  published,
		})
	}
	return published
}

func (p *Poller) recordFailure(src bus.ChannelRef, err error) {
	p.mu.Lock()
	p.failures[src.Key()]++
	n := p.failures[src.Key()]
	p.mu.Unlock()

	logger.WarnCF("poller", "Poll failed", map[string]any{
		"source":   src.String(),
		"failures": n,
		"error":    err.Error(),
	})
	if n == p.opts.AlertAfter {
		_ = p.bus.PublishAlert(bus.NewAlert(bus.AlertPollFailure, src, 0, n, err))
	}
}

func (p *Poller) resetFailures(src bus.ChannelRef) {
	p.mu.Lock()
	delete(p.failures, src.Key())
	p.mu.Unlock()
}

// Failures returns the current consecutive failure count for src.
func (p *Poller) Failures(src bus.ChannelRef) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures[src.Key()]
}
