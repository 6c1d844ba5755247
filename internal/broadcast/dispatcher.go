package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ticket-admission/models"
	"ticket-admission/utils"
)

var ErrDispatcherClosed = errors.New("broadcast: dispatcher closed")

// Observer is notified of every finished delivery.
type Observer interface {
	ObserveBroadcast(backend string, err error)
}

type DispatcherOptions struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	AttemptTimeout time.Duration
	Breaker        *utils.CircuitBreaker
	Observer       Observer
}

func (o *DispatcherOptions) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 200 * time.Millisecond
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 5 * time.Second
	}
}

type delivery struct {
	eventID    string
	redemption models.Redemption
}

// Dispatcher makes a Broadcaster asynchronous. Publish only enqueues;
// workers deliver with retries and exponential backoff, each attempt passing
// through a circuit breaker so a dead backend is not hammered. When the queue
// is full the delivery runs on its own goroutine rather than being dropped.
type Dispatcher struct {
	name   string
	target Broadcaster
	opts   DispatcherOptions
	log    logrus.FieldLogger

	queue chan delivery
	stop  chan struct{}

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(name string, target Broadcaster, opts DispatcherOptions, logger logrus.FieldLogger) *Dispatcher {
	opts.setDefaults()
	if opts.Breaker == nil {
		opts.Breaker = utils.NewCircuitBreaker(name)
	}

	d := &Dispatcher{
		name:   name,
		target: target,
		opts:   opts,
		log:    logger.WithField("broadcaster", name),
		queue:  make(chan delivery, opts.QueueSize),
		stop:   make(chan struct{}),
	}

	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *Dispatcher) Name() string {
	return d.name
}

// Publish enqueues the redemption and returns immediately. The caller's ctx
// is not used: delivery must outlive the request that committed it.
func (d *Dispatcher) Publish(_ context.Context, eventID string, r models.Redemption) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	job := delivery{eventID: eventID, redemption: r}
	select {
	case d.queue <- job:
	default:
		d.log.WithField("ticket_id", r.TicketID).Warn("Broadcast queue full, delivering on a dedicated goroutine")
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(job)
		}()
	}
	return nil
}

// Close stops accepting work, lets queued deliveries finish and waits for
// them or for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		close(d.stop)
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job delivery) {
	logger := d.log.WithFields(logrus.Fields{
		"event_id":  job.eventID,
		"ticket_id": job.redemption.TicketID,
		"version":   job.redemption.Version,
	})

	backoff := d.opts.InitialBackoff
	var err error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		err = d.attempt(job)
		if err == nil {
			d.observe(nil)
			return
		}

		logger.WithError(err).WithField("attempt", attempt).Warn("Broadcast attempt failed")
		if attempt == d.opts.MaxAttempts {
			break
		}

		select {
		case <-time.After(backoff):
		case <-d.stop:
			logger.Error("Dispatcher stopped before broadcast was delivered")
			d.observe(err)
			return
		}
		backoff *= 2
	}

	logger.WithError(err).Error("Giving up on broadcast")
	d.observe(err)
}

func (d *Dispatcher) attempt(job delivery) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.AttemptTimeout)
	defer cancel()

	_, err := d.opts.Breaker.Execute(ctx, func() (interface{}, error) {
		return nil, d.target.Publish(ctx, job.eventID, job.redemption)
	})
	return err
}

func (d *Dispatcher) observe(err error) {
	if d.opts.Observer != nil {
		d.opts.Observer.ObserveBroadcast(d.name, err)
	}
}
