package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"famtasks/internal/events"
	"famtasks/internal/metrics"
)

const (
	defaultQueueSize    = 256
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 2 * time.Second
	defaultDedupWindow  = 5 * time.Minute
	dedupCapacity       = 4096
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("dispatcher closed")

type Options struct {
	QueueSize    int
	MaxAttempts  int
	RetryBackoff time.Duration
	DedupWindow  time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// Dispatcher queues notifications and delivers them on a single worker
// goroutine. Enqueue never blocks.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Notification
	seen    *expirable.LRU[string, struct{}]
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	maxAttempts int
	backoff     time.Duration
	sleep       func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewDispatcher starts the worker. A log sink is always the first sink.
func NewDispatcher(opts Options, sinks ...Sink) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = defaultDedupWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	d := &Dispatcher{
		sinks:       append([]Sink{LogSink{Logger: opts.Logger}}, sinks...),
		queue:       make(chan Notification, opts.QueueSize),
		seen:        expirable.NewLRU[string, struct{}](dedupCapacity, nil, opts.DedupWindow),
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.RetryBackoff,
		sleep:       sleepContext,
		done:        make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue accepts n for delivery. It reports false when n was a duplicate
// or the queue was full.
func (d *Dispatcher) Enqueue(n Notification) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, ErrClosed
	}
	key := n.Key()
	if d.seen.Contains(key) {
		d.metrics.Notification("deduplicated")
		return false, nil
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now().UTC()
	}
	select {
	case d.queue <- n:
		d.seen.Add(key, struct{}{})
		return true, nil
	default:
		d.metrics.Notification("dropped")
		d.logger.Warn("notification queue full, dropping",
			"type", n.Type,
			"recipient", n.Recipient,
			"entity_id", n.EntityID)
		return false, nil
	}
}

// HandleEvent turns every transition event into a family-scoped notification.
func (d *Dispatcher) HandleEvent(_ context.Context, ev events.TransitionEvent) error {
	_, err := d.Enqueue(fromEvent(ev, FamilyRecipient(ev.FamilyID), ""))
	return err
}

// NotifyUser enqueues a rule-driven notification for userID.
func (d *Dispatcher) NotifyUser(_ context.Context, userID, ruleID string, ev events.TransitionEvent) error {
	_, err := d.Enqueue(fromEvent(ev, UserRecipient(userID), ruleID))
	return err
}

func fromEvent(ev events.TransitionEvent, recipient, ruleID string) Notification {
	return Notification{
		Type:          ev.Type,
		Recipient:     recipient,
		EntityID:      ev.EntityID(),
		FamilyID:      ev.FamilyID,
		RuleID:        ruleID,
		CorrelationID: ev.CorrelationID,
		Event:         ev,
	}
}

// Close stops accepting notifications and waits for the queue to drain or
// ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for n := range d.queue {
		for _, s := range d.sinks {
			d.deliver(s, n)
		}
	}
}

func (d *Dispatcher) deliver(s Sink, n Notification) {
	ctx := context.Background()
	var err error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if err = s.Deliver(ctx, n); err == nil {
			if _, isLog := s.(LogSink); !isLog {
				d.metrics.Notification("delivered")
			}
			return
		}
		if attempt < d.maxAttempts {
			_ = d.sleep(ctx, time.Duration(attempt)*d.backoff)
		}
	}
	d.metrics.Notification("failed")
	d.logger.Error("notification delivery failed",
		"sink", s.Name(),
		"type", n.Type,
		"recipient", n.Recipient,
		"entity_id", n.EntityID,
		"attempts", d.maxAttempts,
		"error", fmt.Errorf("deliver %s: %w", n.ID, err))
}

func sleepContext(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return nil
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
