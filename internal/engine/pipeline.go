package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/devblac/event-relay/internal/decoder"
	"github.com/devblac/event-relay/internal/metrics"
	"github.com/devblac/event-relay/internal/model"
	"github.com/devblac/event-relay/internal/sink"
	"github.com/devblac/event-relay/internal/storage"
)

// Binding is an event definition ready to process logs.
type Binding struct {
	Def     model.EventDefinition
	Decoder *decoder.Decoder
	Filters []Filter
}

// NewBinding resolves the decoder and webhook filters of def.
func NewBinding(def model.EventDefinition) (*Binding, error) {
	dec, err := decoder.New(def)
	if err != nil {
		return nil, err
	}
	filters, err := CompileFilters(def.Filters)
	if err != nil {
		return nil, fmt.Errorf("event %s filters: %w", def.ID, err)
	}
	return &Binding{Def: def, Decoder: dec, Filters: filters}, nil
}

// Outcome is what happened to one log.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeDuplicate
	OutcomeStored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStored:
		return "stored"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "skipped"
	}
}

// Dispatcher hands stored records to webhook delivery without blocking.
type Dispatcher interface {
	Enqueue(job sink.Job) bool
}

// Pipeline decodes, dedups, persists and dispatches logs.
type Pipeline struct {
	store      storage.Store
	dispatcher Dispatcher
	log        *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewPipeline builds a pipeline. dispatcher may be nil to only index.
func NewPipeline(store storage.Store, dispatcher Dispatcher, log *zap.Logger, m *metrics.Metrics) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		store:      store,
		dispatcher: dispatcher,
		log:        log.Named("pipeline"),
		metrics:    m,
		now:        time.Now,
	}
}

// Process runs one log through the pipeline. Undecodable and removed logs are skipped; store
// errors are returned. The record is persisted before it is dispatched.
func (p *Pipeline) Process(ctx context.Context, b *Binding, lg types.Log) (Outcome, error) {
	out, err := p.process(ctx, b, lg)
	if err == nil {
		p.metrics.LogProcessed(b.Def.ID, out.String())
	}
	return out, err
}

func (p *Pipeline) process(ctx context.Context, b *Binding, lg types.Log) (Outcome, error) {
	if lg.Removed {
		return OutcomeSkipped, nil
	}
	fields, err := b.Decoder.Decode(lg)
	if err != nil {
		if errors.Is(err, decoder.ErrDecode) {
			p.log.Warn("skipping undecodable log",
				zap.String("event", b.Def.ID),
				zap.Uint64("block", lg.BlockNumber),
				zap.String("tx", lg.TxHash.Hex()),
				zap.Uint("log_index", lg.Index),
				zap.Error(err))
			return OutcomeSkipped, nil
		}
		return OutcomeSkipped, err
	}

	rec := model.Record{
		Namespace:   b.Def.Namespace(),
		EventID:     b.Def.ID,
		Name:        b.Decoder.EventName(),
		Fields:      fields,
		TxHash:      lg.TxHash.Hex(),
		BlockNumber: lg.BlockNumber,
		BlockHash:   lg.BlockHash.Hex(),
		LogIndex:    lg.Index,
		CreatedAt:   p.now().UTC(),
	}

	exists, err := p.store.Exists(ctx, rec.Namespace, rec.Key())
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("event %s: %w", b.Def.ID, err)
	}
	if exists {
		return OutcomeDuplicate, nil
	}
	inserted, err := p.store.Put(ctx, rec)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("event %s: %w", b.Def.ID, err)
	}
	if !inserted {
		return OutcomeDuplicate, nil
	}

	p.dispatch(b, rec)
	return OutcomeStored, nil
}

func (p *Pipeline) dispatch(b *Binding, rec model.Record) {
	if p.dispatcher == nil || b.Def.WebhookURL == "" {
		return
	}
	if !matchAll(b.Filters, rec.Fields) {
		p.log.Debug("record filtered from webhook", zap.String("event", b.Def.ID), zap.String("tx", rec.TxHash))
		return
	}
	p.dispatcher.Enqueue(sink.Job{Record: rec, URL: b.Def.WebhookURL})
}
