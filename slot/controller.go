package slot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"slotwatch/config"
	"slotwatch/types"
)

// Subscription is an open notification channel. Events is closed when the
// transport loses the connection; Unsubscribe detaches without closing it.
type Subscription[T any] interface {
	Events() <-chan T
	Unsubscribe()
}

// Connection opens the two slot notification channels of a node.
type Connection interface {
	// OnSlotChange opens the legacy channel, which only tells the head slot.
	OnSlotChange(ctx context.Context) (Subscription[types.SlotChange], error)
	// OnSlotUpdate opens the rich slot lifecycle channel.
	OnSlotUpdate(ctx context.Context) (Subscription[types.Notification], error)
}

// ApplyHook sees every rich notification after Apply, with the resulting
// record and whether the event changed the window. Hooks run on the run
// loop: they must not block and must not call back into the Controller,
// Stop and Toggle wait for the loop to exit.
type ApplyHook func(n types.Notification, timing types.SlotTiming, applied bool)

type State int

const (
	Idle State = iota
	Starting
	Active
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Options struct {
	TickInterval time.Duration
	IdleTimeout  time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
}

func DefaultOptions(logger *slog.Logger) Options {
	return Options{
		TickInterval: config.TICK_INTERVAL,
		IdleTimeout:  config.IDLE_STOP_TIMEOUT,
		Clock:        clock.New(),
		Logger:       logger,
	}
}

// Controller subscribes to a node, feeds the aggregator and decides when a
// run starts and ends. Every run starts from an empty window.
type Controller struct {
	agg    *Aggregator
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	conn    Connection
	stopped bool
	state    State
	starting *startAttempt
	current  *run
	hooks   []ApplyHook

	tickMu    sync.Mutex
	tickSubs  map[uint64]chan time.Time
	nextTickN uint64
}

// run is one active subscription period.
type run struct {
	legacy Subscription[types.SlotChange]
	rich   Subscription[types.Notification]
	ticker *clock.Ticker
	idle   *clock.Timer

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

func (r *run) stop() {
	r.quitOnce.Do(func() { close(r.quit) })
}

// startAttempt is a Start waiting on its subscribe calls.
type startAttempt struct {
	cancel context.CancelFunc
}

func NewController(agg *Aggregator, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = config.TICK_INTERVAL
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = config.IDLE_STOP_TIMEOUT
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{
		agg:      agg,
		opts:     opts,
		logger:   opts.Logger,
		tickSubs: make(map[uint64]chan time.Time),
	}
}

func (c *Controller) Aggregator() *Aggregator {
	return c.agg
}

// OnApply registers a hook. Register hooks before the first Start.
func (c *Controller) OnApply(hook ApplyHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
}

// Ticks registers a tick observer. A tick is sent every TickInterval while a
// run is active and once more when it ends; a slow observer misses ticks
// rather than blocking the run.
// Call the returned func to unregister.
func (c *Controller) Ticks() (<-chan time.Time, func()) {
	ch := make(chan time.Time, 1)
	c.tickMu.Lock()
	id := c.nextTickN
	c.nextTickN++
	c.tickSubs[id] = ch
	c.tickMu.Unlock()

	return ch, func() {
		c.tickMu.Lock()
		defer c.tickMu.Unlock()
		delete(c.tickSubs, id)
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stopped reports whether the user or the idle timer stopped the watcher.
func (c *Controller) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// SetConnection switches to conn and restarts the run on it, unless stopped.
// A nil conn ends the current run.
func (c *Controller) SetConnection(ctx context.Context, conn Connection) error {
	c.endRun(false)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return c.Start(ctx)
}

// Start begins a run. It does nothing while stopped, without a connection,
// or when a run is already active or starting. The run ends when ctx is
// done. The subscribe calls run without the lock and give up after
// DefaultTimeout; a Stop meanwhile cancels them and whatever opened is
// unsubscribed.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped || c.conn == nil || c.current != nil || c.starting != nil {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	subCtx, cancel := context.WithTimeout(ctx, config.DefaultTimeout)
	defer cancel()
	attempt := &startAttempt{cancel: cancel}
	c.starting = attempt
	c.state = Starting
	c.agg.Reset()
	c.mu.Unlock()

	legacy, rich, err := subscribe(subCtx, conn)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.starting != attempt {
		// Stopped or switched connection while subscribing.
		if err == nil {
			legacy.Unsubscribe()
			rich.Unsubscribe()
		}
		return nil
	}
	c.starting = nil
	if err != nil {
		c.state = Idle
		return err
	}

	r := &run{
		legacy: legacy,
		rich:   rich,
		ticker: c.opts.Clock.Ticker(c.opts.TickInterval),
		idle:   c.opts.Clock.Timer(c.opts.IdleTimeout),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.current = r
	c.state = Active
	hooks := append([]ApplyHook(nil), c.hooks...)

	c.logger.Info("Slot subscription started", "tick", c.opts.TickInterval.String(), "idle_timeout", c.opts.IdleTimeout.String())
	go c.loop(ctx, r, hooks)
	return nil
}

func subscribe(ctx context.Context, conn Connection) (Subscription[types.SlotChange], Subscription[types.Notification], error) {
	legacy, err := conn.OnSlotChange(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to subscribe slot changes: %w", err)
	}
	rich, err := conn.OnSlotUpdate(ctx)
	if err != nil {
		legacy.Unsubscribe()
		return nil, nil, fmt.Errorf("failed to subscribe slot updates: %w", err)
	}
	return legacy, rich, nil
}

// Stop ends the current run and marks the watcher stopped. It returns once
// timers are cancelled and both channels are detached.
func (c *Controller) Stop() {
	c.endRun(true)
}

// Resume clears the stopped flag and starts a fresh run.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()
	return c.Start(ctx)
}

// Toggle stops a running watcher or resumes a stopped one, and reports
// whether it is stopped afterwards.
func (c *Controller) Toggle(ctx context.Context) (bool, error) {
	if c.Stopped() {
		return false, c.Resume(ctx)
	}
	c.Stop()
	return true, nil
}

func (c *Controller) endRun(markStopped bool) {
	c.mu.Lock()
	if markStopped {
		c.stopped = true
	}
	if c.starting != nil {
		c.starting.cancel()
		c.starting = nil
		c.state = Idle
	}
	r := c.current
	if r != nil {
		c.state = Stopping
		r.stop()
	}
	c.mu.Unlock()

	if r != nil {
		<-r.done
	}
}

func (c *Controller) loop(ctx context.Context, r *run, hooks []ApplyHook) {
	legacyEvents := r.legacy.Events()
	richEvents := r.rich.Events()
	legacyOpen, richOpen := true, true
	idleStop := false

	defer func() {
		r.ticker.Stop()
		r.idle.Stop()
		if legacyOpen {
			r.legacy.Unsubscribe()
		}
		if richOpen {
			r.rich.Unsubscribe()
		}

		c.mu.Lock()
		if c.current == r {
			c.current = nil
			c.state = Idle
		}
		if idleStop {
			c.stopped = true
		}
		c.mu.Unlock()

		c.logger.Info("Slot subscription stopped", "idle_timeout", idleStop)
		c.broadcastTick(c.opts.Clock.Now())
		close(r.done)
	}()

	for {
		select {
		case <-r.quit:
			return
		case <-ctx.Done():
			return
		case <-r.idle.C:
			c.logger.Info("No one stopped the watcher, stopping after idle timeout", "timeout", c.opts.IdleTimeout.String())
			idleStop = true
			return

		case ev, ok := <-legacyEvents:
			if !ok {
				c.logger.Warn("Slot change channel closed by transport")
				legacyEvents, legacyOpen = nil, false
				continue
			}
			c.agg.RaiseTarget(ev.Slot)

		case n, ok := <-richEvents:
			if !ok {
				c.logger.Warn("Slot update channel closed by transport")
				richEvents, richOpen = nil, false
				continue
			}
			// The rich channel is live, the legacy one is never needed again.
			if legacyOpen {
				r.legacy.Unsubscribe()
				legacyEvents, legacyOpen = nil, false
				c.logger.Debug("Slot updates live, dropped slot change subscription", "slot", n.NotificationSlot())
			}
			timing, applied := c.agg.Apply(n)
			for _, hook := range hooks {
				hook(n, timing, applied)
			}

		case now := <-r.ticker.C:
			c.broadcastTick(now)
		}
	}
}

func (c *Controller) broadcastTick(now time.Time) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	for _, ch := range c.tickSubs {
		select {
		case ch <- now:
		default:
		}
	}
}
