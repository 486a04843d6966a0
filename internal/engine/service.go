package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gammazero/workerpool"
	"go.uber.org/zap"

	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/metrics"
	"github.com/devblac/event-relay/internal/model"
	"github.com/devblac/event-relay/internal/registry"
	"github.com/devblac/event-relay/internal/storage"
)

// ClientSource returns the chain client of a project.
type ClientSource interface {
	Client(ctx context.Context, project model.Project) (chain.Client, error)
}

// Options configures a Service.
type Options struct {
	// Concurrency bounds how many events backfill at once.
	Concurrency int
	Scanner     ScannerOptions
	Subscriber  SubscriberOptions
	// DropNamespaceOnRemove deletes a contract's records once no event writes into it.
	DropNamespaceOnRemove bool
}

// Service is the synchronization engine: backfill, live listeners and event lifecycle.
type Service struct {
	registry   *registry.Registry
	store      storage.Store
	clients    ClientSource
	pipeline   *Pipeline
	scanner    *Scanner
	subscriber *Subscriber
	opts       Options
	log        *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService wires the engine. dispatcher may be nil to index without webhooks.
func NewService(reg *registry.Registry, store storage.Store, clients ClientSource, dispatcher Dispatcher, opts Options, log *zap.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	pipeline := NewPipeline(store, dispatcher, log, m)
	return &Service{
		registry:   reg,
		store:      store,
		clients:    clients,
		pipeline:   pipeline,
		scanner:    NewScanner(store, pipeline, opts.Scanner, log, m),
		subscriber: NewSubscriber(pipeline, opts.Subscriber, log, m),
		opts:       opts,
		log:        log.Named("service"),
		locks:      map[string]*sync.Mutex{},
	}
}

// SyncEvents backfills every registered event on a bounded worker pool. It never fails as a whole:
// each Result carries its own error.
func (s *Service) SyncEvents(ctx context.Context) []Result {
	defs := s.registry.Events()
	results := make(chan Result, len(defs))

	wp := workerpool.New(s.opts.Concurrency)
	for _, def := range defs {
		id := def.ID
		wp.Submit(func() {
			res, err := s.SyncEvent(ctx, id)
			res.EventID = id
			res.Err = err
			results <- res
		})
	}
	wp.StopWait()
	close(results)

	out := make([]Result, 0, len(defs))
	failed := 0
	for res := range results {
		if res.Err != nil {
			failed++
			s.log.Error("event sync failed", zap.String("event", res.EventID), zap.Error(res.Err))
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	s.log.Info("sync pass finished", zap.Int("events", len(out)), zap.Int("failed", failed))
	return out
}

// Start attaches every live listener and then backfills every event. Listeners go first so a log
// emitted after an event's head snapshot reaches the listener; the idempotent store absorbs any
// overlap with backfill. It returns the backfill results and the number of attached listeners.
func (s *Service) Start(ctx context.Context) ([]Result, int) {
	attached := s.AttachAllEventListeners(ctx)
	s.log.Info("listeners attached", zap.Int("listeners", attached), zap.Int("events", len(s.registry.Events())))
	return s.SyncEvents(ctx), attached
}

// SyncEvent backfills one event from its cursor to the current head.
func (s *Service) SyncEvent(ctx context.Context, eventID string) (Result, error) {
	b, client, err := s.resolve(ctx, eventID)
	if err != nil {
		return Result{EventID: eventID}, err
	}

	lock := s.eventLock(eventID)
	lock.Lock()
	defer lock.Unlock()

	return s.scanner.Sync(ctx, client, b)
}

// SyncTransaction re-indexes the logs of one transaction from its receipt. The cursor is untouched.
func (s *Service) SyncTransaction(ctx context.Context, eventID, txHash string) (Result, error) {
	res := Result{EventID: eventID}
	b, client, err := s.resolve(ctx, eventID)
	if err != nil {
		return res, err
	}
	if len(strings.TrimPrefix(strings.TrimSpace(txHash), "0x")) != 64 {
		return res, fmt.Errorf("%q: %w", txHash, ErrInvalidTxHash)
	}

	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return res, fmt.Errorf("%s: %w", txHash, ErrTransactionNotFound)
	}
	if err != nil {
		return res, fmt.Errorf("event %s: receipt %s: %w", eventID, txHash, err)
	}
	if err := s.store.EnsureNamespace(ctx, b.Def.Namespace()); err != nil {
		return res, err
	}

	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != b.Decoder.Address() || len(lg.Topics) == 0 || lg.Topics[0] != b.Decoder.Topic() {
			continue
		}
		out, err := s.pipeline.Process(ctx, b, *lg)
		if err != nil {
			return res, err
		}
		res.add(out)
	}
	return res, nil
}

// AttachAllEventListeners opens a live subscription for every registered event. Failures are logged
// per event and never prevent other attachments. It returns the number of attached listeners.
func (s *Service) AttachAllEventListeners(ctx context.Context) int {
	attached := 0
	for _, def := range s.registry.Events() {
		if err := s.AttachEventListener(ctx, def.ID); err != nil {
			s.log.Warn("attach listener failed", zap.String("event", def.ID), zap.Error(err))
			continue
		}
		attached++
	}
	return attached
}

// AttachEventListener opens or replaces the live subscription of one event.
func (s *Service) AttachEventListener(ctx context.Context, eventID string) error {
	b, client, err := s.resolve(ctx, eventID)
	if err != nil {
		return err
	}
	if err := s.store.EnsureNamespace(ctx, b.Def.Namespace()); err != nil {
		return err
	}
	return s.subscriber.Attach(ctx, client, b)
}

// DetachAll stops every live listener.
func (s *Service) DetachAll() {
	s.subscriber.Close()
}

// Listening lists events with a live listener.
func (s *Service) Listening() []string {
	return s.subscriber.Attached()
}

// RegisterEvent adds def, backfills it and attaches its listener. The backfill error, if any, is
// returned with the definition left registered so a later pass resumes it.
func (s *Service) RegisterEvent(ctx context.Context, def model.EventDefinition) (Result, error) {
	if def.ID == "" {
		def.ID = def.Project + "/" + def.Name
	}
	if _, err := NewBinding(def); err != nil {
		return Result{EventID: def.ID}, err
	}
	if _, ok := s.registry.Project(def.Project); !ok {
		return Result{EventID: def.ID}, fmt.Errorf("event %s: %s: %w", def.ID, def.Project, ErrProjectNotFound)
	}
	if err := s.registry.AddEvent(def); err != nil {
		return Result{EventID: def.ID}, err
	}

	res, err := s.SyncEvent(ctx, def.ID)
	if aerr := s.AttachEventListener(ctx, def.ID); aerr != nil {
		s.log.Warn("attach listener failed", zap.String("event", def.ID), zap.Error(aerr))
	}
	return res, err
}

// UpdateEvent replaces a definition's mutable settings (webhook URL, chunk size, ABI, filters) and
// re-attaches its listener if one was running.
func (s *Service) UpdateEvent(ctx context.Context, def model.EventDefinition) error {
	prev, ok := s.registry.Event(def.ID)
	if !ok {
		return fmt.Errorf("%s: %w", def.ID, ErrEventNotFound)
	}
	if def.Project != prev.Project || !strings.EqualFold(def.Contract, prev.Contract) {
		return fmt.Errorf("event %s: project and contract cannot change", def.ID)
	}
	if _, err := NewBinding(def); err != nil {
		return err
	}
	if _, err := s.registry.UpdateEvent(def); err != nil {
		return err
	}

	if s.subscriber.Detach(def.ID) {
		if err := s.AttachEventListener(ctx, def.ID); err != nil {
			return fmt.Errorf("event %s: reattach: %w", def.ID, err)
		}
	}
	return nil
}

// RemoveEvent detaches the listener, forgets the cursor and, when configured, drops the namespace
// once no remaining event writes into it.
func (s *Service) RemoveEvent(ctx context.Context, eventID string) error {
	def, ok := s.registry.RemoveEvent(eventID)
	if !ok {
		return fmt.Errorf("%s: %w", eventID, ErrEventNotFound)
	}
	s.subscriber.Detach(eventID)

	lock := s.eventLock(eventID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.store.DeleteCursor(ctx, eventID); err != nil {
		return err
	}
	ns := def.Namespace()
	if s.opts.DropNamespaceOnRemove && len(s.registry.EventsInNamespace(ns)) == 0 {
		if err := s.store.DropNamespace(ctx, ns); err != nil {
			return err
		}
		s.log.Info("namespace dropped", zap.String("namespace", ns.String()))
	}
	s.log.Info("event removed", zap.String("event", eventID))
	return nil
}

// RemoveContract removes every event of a contract and returns their ids.
func (s *Service) RemoveContract(ctx context.Context, project, address string) ([]string, error) {
	ns := model.NewNamespace(project, address)
	var removed []string
	for _, def := range s.registry.EventsInNamespace(ns) {
		if err := s.RemoveEvent(ctx, def.ID); err != nil {
			return removed, err
		}
		removed = append(removed, def.ID)
	}
	if len(removed) == 0 {
		return nil, fmt.Errorf("contract %s in project %s: %w", address, project, ErrEventNotFound)
	}
	return removed, nil
}

// Records queries stored records of a contract.
func (s *Service) Records(ctx context.Context, project, contract string, q storage.RecordQuery) ([]model.Record, error) {
	if _, ok := s.registry.Project(project); !ok {
		return nil, fmt.Errorf("%s: %w", project, ErrProjectNotFound)
	}
	return s.store.Records(ctx, model.NewNamespace(project, contract), q)
}

// Cursors reports the progress of every event with a stored cursor.
func (s *Service) Cursors(ctx context.Context) ([]storage.Cursor, error) {
	return s.store.Cursors(ctx)
}

// Events returns the registered definitions.
func (s *Service) Events() []model.EventDefinition {
	return s.registry.Events()
}

// Close stops live listeners. Backfills stop with their context.
func (s *Service) Close() {
	s.subscriber.Close()
}

func (s *Service) resolve(ctx context.Context, eventID string) (*Binding, chain.Client, error) {
	def, ok := s.registry.Event(eventID)
	if !ok {
		return nil, nil, fmt.Errorf("%s: %w", eventID, ErrEventNotFound)
	}
	project, ok := s.registry.Project(def.Project)
	if !ok {
		return nil, nil, fmt.Errorf("event %s: %s: %w", eventID, def.Project, ErrProjectNotFound)
	}
	b, err := NewBinding(def)
	if err != nil {
		return nil, nil, err
	}
	client, err := s.clients.Client(ctx, project)
	if err != nil {
		return nil, nil, err
	}
	return b, client, nil
}

func (s *Service) eventLock(eventID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[eventID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[eventID] = l
	}
	return l
}

// RunLoop repeats SyncEvents every interval until ctx ends.
func (s *Service) RunLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.SyncEvents(ctx)
		}
	}
}
