package aggregator

import (
	"context"
	"errors"
	"sync"
	"time"

	"sitewide-aggregator/internal/models"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// EventHandler applies one event
type EventHandler interface {
	Handle(ctx context.Context, event models.Event) error
}

// DispatcherOptions tunes a Dispatcher
type DispatcherOptions struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (o DispatcherOptions) withDefaults() DispatcherOptions {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	return o
}

type job struct {
	event models.Event
	done  func(error)
}

// Dispatcher runs events on a fixed set of workers. Events with the same
// Key always land on the same worker, so they are applied in submit order.
type Dispatcher struct {
	handler EventHandler
	logger  *zap.Logger
	opts    DispatcherOptions

	queues []chan job
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewDispatcher creates a dispatcher; call Start before Submit
func NewDispatcher(handler EventHandler, opts DispatcherOptions, logger *zap.Logger) *Dispatcher {
	opts = opts.withDefaults()
	queues := make([]chan job, opts.Workers)
	for i := range queues {
		queues[i] = make(chan job, opts.QueueSize)
	}
	return &Dispatcher{
		handler: handler,
		logger:  logger,
		opts:    opts,
		queues:  queues,
	}
}

// Start launches the workers. They drain their queues until Stop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true

	for i, q := range d.queues {
		d.wg.Add(1)
		go d.work(ctx, i, q)
	}

	d.logger.Info("Dispatcher started",
		zap.Int("workers", d.opts.Workers),
		zap.Int("max_attempts", d.opts.MaxAttempts),
	)
}

// Submit queues an event. done, if not nil, is called with the final
// outcome once the event has been handled or given up on.
func (d *Dispatcher) Submit(ctx context.Context, event models.Event, done func(error)) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	q := d.queues[d.shard(event.Key())]
	select {
	case q <- job{event: event, done: done}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the queues and waits for queued events to finish
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for _, q := range d.queues {
			close(q)
		}
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("Dispatcher stopped")
}

func (d *Dispatcher) shard(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(d.queues)))
}

func (d *Dispatcher) work(ctx context.Context, worker int, q <-chan job) {
	defer d.wg.Done()
	for j := range q {
		err := d.process(ctx, j.event)
		if err != nil {
			d.logger.Error("Unsynced event",
				zap.Int("worker", worker),
				zap.String("event_type", string(j.event.Type)),
				zap.String("key", j.event.Key()),
				zap.Error(err),
			)
		}
		if j.done != nil {
			j.done(err)
		}
	}
}

// process handles an event, retrying transient failures with exponential backoff
func (d *Dispatcher) process(ctx context.Context, event models.Event) error {
	backoff := d.opts.InitialBackoff

	var err error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		err = d.handler.Handle(ctx, event)
		if err == nil || !errors.Is(err, ErrTransientStore) {
			return err
		}
		if attempt == d.opts.MaxAttempts {
			break
		}

		d.logger.Warn("Retrying event",
			zap.String("key", event.Key()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
			backoff *= 2
			if backoff > d.opts.MaxBackoff {
				backoff = d.opts.MaxBackoff
			}
		}
	}
	return err
}
