package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/metrics"
)

// SubscriberOptions controls resubscription backoff.
type SubscriberOptions struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Buffer is the capacity of each subscription's log channel.
	Buffer int
}

// Subscriber keeps one live log subscription per event and feeds pushed logs through the pipeline.
type Subscriber struct {
	pipeline *Pipeline
	opts     SubscriberOptions
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	listeners map[string]*listener
}

type listener struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSubscriber(pipeline *Pipeline, opts SubscriberOptions, log *zap.Logger, m *metrics.Metrics) *Subscriber {
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = time.Second
	}
	if opts.MaxDelay < opts.InitialDelay {
		opts.MaxDelay = time.Minute
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 128
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Subscriber{
		pipeline:  pipeline,
		opts:      opts,
		log:       log.Named("subscriber"),
		metrics:   m,
		listeners: map[string]*listener{},
	}
}

// Attach subscribes to b's logs, replacing any listener already attached for the event. The first
// subscription is opened synchronously so callers see setup errors; later failures are retried.
func (s *Subscriber) Attach(ctx context.Context, client chain.Client, b *Binding) error {
	s.Detach(b.Def.ID)

	logs := make(chan types.Log, s.opts.Buffer)
	sub, err := client.SubscribeLogs(ctx, b.Decoder.Address(), b.Decoder.Topic(), logs)
	if err != nil {
		return fmt.Errorf("event %s: subscribe: %w", b.Def.ID, err)
	}

	lctx, cancel := context.WithCancel(ctx)
	l := &listener{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if prev, ok := s.listeners[b.Def.ID]; ok {
		// lost a race with a concurrent Attach
		prev.cancel()
	}
	s.listeners[b.Def.ID] = l
	s.mu.Unlock()

	go s.run(lctx, l, client, b, sub, logs)
	s.log.Info("listener attached", zap.String("event", b.Def.ID), zap.String("contract", b.Def.Contract))
	return nil
}

func (s *Subscriber) run(ctx context.Context, l *listener, client chain.Client, b *Binding, sub ethereum.Subscription, logs chan types.Log) {
	defer close(l.done)
	log := s.log.With(zap.String("event", b.Def.ID))
	defer func() {
		if sub != nil {
			sub.Unsubscribe()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case lg := <-logs:
			if _, err := s.pipeline.Process(ctx, b, lg); err != nil {
				s.metrics.Errors("subscriber")
				log.Error("process live log", zap.Uint64("block", lg.BlockNumber), zap.String("tx", lg.TxHash.Hex()), zap.Error(err))
			}
		case err := <-sub.Err():
			sub.Unsubscribe()
			sub = nil
			s.metrics.Errors("subscriber")
			log.Warn("subscription dropped", zap.Error(err))
			next, rerr := s.resubscribe(ctx, client, b, logs)
			if rerr != nil {
				return
			}
			sub = next
			log.Info("subscription re-established")
		}
	}
}

func (s *Subscriber) resubscribe(ctx context.Context, client chain.Client, b *Binding, logs chan types.Log) (ethereum.Subscription, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.InitialDelay
	bo.MaxInterval = s.opts.MaxDelay
	bo.MaxElapsedTime = 0

	var sub ethereum.Subscription
	err := backoff.RetryNotify(func() error {
		var err error
		sub, err = client.SubscribeLogs(ctx, b.Decoder.Address(), b.Decoder.Topic(), logs)
		return err
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		s.log.Warn("resubscribe failed", zap.String("event", b.Def.ID), zap.Duration("wait", wait), zap.Error(err))
	})
	return sub, err
}

// Detach stops the event's listener and waits for it to exit. It reports whether one was attached.
func (s *Subscriber) Detach(eventID string) bool {
	s.mu.Lock()
	l, ok := s.listeners[eventID]
	delete(s.listeners, eventID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	l.cancel()
	<-l.done
	s.log.Info("listener detached", zap.String("event", eventID))
	return true
}

// Attached lists events with a live listener.
func (s *Subscriber) Attached() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.listeners))
	for id := range s.listeners {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close detaches every listener.
func (s *Subscriber) Close() {
	for _, id := range s.Attached() {
		s.Detach(id)
	}
}
