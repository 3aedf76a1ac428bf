package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shizukutanaka/autosys/internal/config"
	apperrors "github.com/shizukutanaka/autosys/internal/errors"
)

// Policy bounds delivery to one channel.
type Policy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

// PolicyFromConfig extracts the retry policy.
func PolicyFromConfig(cfg config.NotifyConfig) Policy {
	return Policy{
		Attempts:       cfg.Attempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		AttemptTimeout: cfg.AttemptTimeout,
	}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Dispatcher gives every route its own bounded queue and worker, so a slow
// or failing channel only backs up its own queue.
type Dispatcher struct {
	logger   *zap.Logger
	routes   []Route
	policy   Policy
	reporter HealthReporter

	mu      sync.RWMutex
	queues  []chan Message
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}
	started bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a dispatcher. queueSize bounds each route's queue.
// reporter may be nil.
func NewDispatcher(logger *zap.Logger, routes []Route, policy Policy, queueSize int, reporter HealthReporter) *Dispatcher {
	if queueSize < 1 {
		queueSize = 1
	}
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if reporter == nil {
		reporter = nopReporter{}
	}
	queues := make([]chan Message, len(routes))
	for i := range queues {
		queues[i] = make(chan Message, queueSize)
	}
	return &Dispatcher{
		logger:   logger.Named("notify"),
		routes:   routes,
		policy:   policy,
		reporter: reporter,
		queues:   queues,
		done:     make(chan struct{}),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Channels returns the names of the configured channels.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.routes))
	for _, r := range d.routes {
		names = append(names, r.Channel.Name())
	}
	return names
}

// Start launches one delivery worker per route.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)
	for i := range d.routes {
		d.wg.Add(1)
		go d.worker(ctx, d.routes[i].Channel, d.queues[i])
	}
	go func() {
		d.wg.Wait()
		close(d.done)
	}()

	d.logger.Info("Notification dispatcher started",
		zap.Strings("channels", d.Channels()),
		zap.Int("attempts", d.policy.Attempts),
	)
}

// Notify enqueues msg on every route that accepts it, without blocking. A
// route whose queue is full drops the message and the drop is reported. It
// returns false when the dispatcher is closed or any route dropped msg.
func (d *Dispatcher) Notify(msg Message) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return false
	}
	queued := true
	for i, route := range d.routes {
		if !route.Accepts(msg) {
			continue
		}
		select {
		case d.queues[i] <- msg:
		default:
			d.logger.Warn("Notification queue full, dropping message",
				zap.String("channel", route.Channel.Name()),
				zap.String("rule", msg.Rule),
				zap.String("kind", string(msg.Kind)),
			)
			d.reporter.MessageDropped(msg, d.now())
			queued = false
		}
	}
	return queued
}

// Close stops accepting messages and drains the queues. When ctx expires
// first, in-flight deliveries are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	started := d.started
	d.mu.Unlock()

	if !started {
		return nil
	}

	select {
	case <-d.done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-d.done
		return ctx.Err()
	}
}

func (d *Dispatcher) worker(ctx context.Context, ch Channel, queue <-chan Message) {
	defer d.wg.Done()
	for msg := range queue {
		d.deliverOne(ctx, ch, msg)
	}
}

// Deliver sends msg synchronously to every accepting route, bypassing the
// queues, and returns the final error of each route that failed.
func (d *Dispatcher) Deliver(ctx context.Context, msg Message) map[string]error {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed = make(map[string]error)
	)
	for _, route := range d.routes {
		if !route.Accepts(msg) {
			continue
		}
		route := route
		g.Go(func() error {
			if err := d.deliverOne(ctx, route.Channel, msg); err != nil {
				mu.Lock()
				failed[route.Channel.Name()] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

func (d *Dispatcher) deliverOne(ctx context.Context, ch Channel, msg Message) error {
	logger := d.logger.With(
		zap.String("channel", ch.Name()),
		zap.String("rule", msg.Rule),
		zap.String("event_id", msg.EventID),
	)

	var lastErr error
	for attempt := 1; attempt <= d.policy.Attempts; attempt++ {
		lastErr = d.attempt(ctx, ch, msg)
		if lastErr == nil {
			d.reporter.ChannelDelivered(ch.Name(), attempt, d.now())
			logger.Debug("Notification delivered", zap.Int("attempt", attempt))
			return nil
		}
		logger.Warn("Notification attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if ctx.Err() != nil || attempt == d.policy.Attempts {
			break
		}
		if err := d.sleep(ctx, d.policy.Backoff(attempt)); err != nil {
			break
		}
	}

	err := apperrors.Wrapf(apperrors.TypeNotificationDeliveryFailed, "notify.deliver", lastErr,
		"channel %s", ch.Name())
	logger.Error("Notification delivery failed", zap.Error(err))
	d.reporter.ChannelFailed(ch.Name(), err, d.now())
	return err
}

func (d *Dispatcher) attempt(ctx context.Context, ch Channel, msg Message) (err error) {
	if d.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.policy.AttemptTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.TypeNotificationDeliveryFailed, "notify.send", "channel panicked")
			d.logger.Error("Channel panicked", zap.String("channel", ch.Name()), zap.Any("panic", r))
		}
	}()
	return ch.Send(ctx, msg)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
