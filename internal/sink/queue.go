package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gammazero/workerpool"
	"go.uber.org/zap"

	"github.com/devblac/event-relay/internal/metrics"
	"github.com/devblac/event-relay/internal/model"
	"github.com/devblac/event-relay/internal/storage"
)

// Job is one record to deliver to one webhook.
type Job struct {
	Record model.Record
	URL    string
}

// DeliveryRecorder persists delivery outcomes.
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, d storage.Delivery) error
}

// QueueOptions bounds the queue and its retry policy.
type QueueOptions struct {
	Workers      int
	Size         int
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (o *QueueOptions) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Size <= 0 {
		o.Size = 1024
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = time.Second
	}
	if o.MaxDelay < o.InitialDelay {
		o.MaxDelay = o.InitialDelay
	}
}

// Queue delivers jobs in the background so that indexing never waits on webhooks.
type Queue struct {
	sender   Sender
	recorder DeliveryRecorder
	opts     QueueOptions
	log      *zap.Logger
	metrics  *metrics.Metrics

	pool  *workerpool.WorkerPool
	slots chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewQueue starts the worker pool. recorder and m may be nil.
func NewQueue(sender Sender, recorder DeliveryRecorder, opts QueueOptions, log *zap.Logger, m *metrics.Metrics) *Queue {
	opts.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		sender:   sender,
		recorder: recorder,
		opts:     opts,
		log:      log,
		metrics:  m,
		pool:     workerpool.New(opts.Workers),
		slots:    make(chan struct{}, opts.Size),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Enqueue schedules a delivery without blocking. It returns false when the job was dropped
// because the queue is full or closed; dropped jobs are recorded as dead.
func (q *Queue) Enqueue(job Job) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.drop(job, "queue closed")
		return false
	}

	select {
	case q.slots <- struct{}{}:
	default:
		q.drop(job, "queue full")
		return false
	}
	q.metrics.QueueDepth(len(q.slots))
	q.pool.Submit(func() {
		defer func() {
			<-q.slots
			q.metrics.QueueDepth(len(q.slots))
		}()
		q.deliver(job)
	})
	return true
}

// Pending returns the number of queued or in-flight deliveries.
func (q *Queue) Pending() int {
	return len(q.slots)
}

// Close stops accepting jobs and waits for queued deliveries. When ctx ends first, in-flight
// retries are abandoned and Close waits only for the current attempts to return.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.pool.StopWait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

func (q *Queue) deliver(job Job) {
	payload := job.Record.Payload()
	attempts := 0
	var last DeliveryResult

	op := func() error {
		attempts++
		res, err := q.sender.Send(q.ctx, job.URL, payload)
		last = res
		if err != nil && !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.opts.InitialDelay
	b.MaxInterval = q.opts.MaxDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(q.opts.MaxAttempts-1)), q.ctx)

	notify := func(err error, wait time.Duration) {
		q.log.Warn("webhook delivery failed, retrying",
			zap.String("event", job.Record.EventID),
			zap.String("tx", job.Record.TxHash),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
		q.record(job, storage.DeliveryFailed, attempts, last.StatusCode, err, payload)
	}

	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		q.metrics.Delivery(string(storage.DeliveryDelivered))
		q.record(job, storage.DeliveryDelivered, attempts, last.StatusCode, nil, payload)
		return
	}

	q.log.Error("webhook delivery dead-lettered",
		zap.String("event", job.Record.EventID),
		zap.String("tx", job.Record.TxHash),
		zap.Uint64("block", job.Record.BlockNumber),
		zap.Int("attempts", attempts),
		zap.Error(err))
	q.metrics.Delivery(string(storage.DeliveryDead))
	q.record(job, storage.DeliveryDead, attempts, last.StatusCode, err, payload)
}

func (q *Queue) drop(job Job, reason string) {
	q.log.Warn("webhook delivery dropped",
		zap.String("event", job.Record.EventID),
		zap.String("tx", job.Record.TxHash),
		zap.Uint64("block", job.Record.BlockNumber),
		zap.String("reason", reason))
	q.metrics.Delivery(string(storage.DeliveryDead))
	q.record(job, storage.DeliveryDead, 0, 0, errors.New(reason), job.Record.Payload())
}

func (q *Queue) record(job Job, status storage.DeliveryStatus, attempts, code int, err error, payload map[string]any) {
	if q.recorder == nil {
		return
	}
	d := storage.Delivery{
		Namespace:    job.Record.Namespace,
		EventID:      job.Record.EventID,
		RecordKey:    job.Record.Key(),
		URL:          job.URL,
		Status:       status,
		Attempts:     attempts,
		ResponseCode: code,
		Payload:      payload,
	}
	if err != nil {
		d.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(q.ctx), 5*time.Second)
	defer cancel()
	if rerr := q.recorder.RecordDelivery(ctx, d); rerr != nil {
		q.log.Warn("record delivery outcome", zap.String("event", job.Record.EventID), zap.Error(rerr))
	}
}
