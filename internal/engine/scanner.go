package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/metrics"
	"github.com/devblac/event-relay/internal/storage"
)

// BlockRange represents an inclusive block range.
type BlockRange struct {
	From uint64
	To   uint64
}

// SplitRange splits [from, to] into consecutive ranges of at most batchSize blocks.
func SplitRange(from, to, batchSize uint64) ([]BlockRange, error) {
	if batchSize == 0 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}
	if to < from {
		return nil, fmt.Errorf("invalid range: %d > %d", from, to)
	}
	var out []BlockRange
	for start := from; ; {
		end := to
		if to-start >= batchSize {
			end = start + batchSize - 1
		}
		out = append(out, BlockRange{From: start, To: end})
		if end == to {
			return out, nil
		}
		start = end + 1
	}
}

// Result summarizes one backfill pass of one event.
type Result struct {
	EventID    string
	FromBlock  uint64
	Head       uint64
	Cursor     uint64
	Chunks     int
	Stored     int
	Duplicates int
	Skipped    int
	// UpToDate is set when the cursor had already reached the head.
	UpToDate bool
	Err      error
}

func (r *Result) add(o Outcome) {
	switch o {
	case OutcomeStored:
		r.Stored++
	case OutcomeDuplicate:
		r.Duplicates++
	default:
		r.Skipped++
	}
}

// ScannerOptions tunes retries and shutdown.
type ScannerOptions struct {
	// ChainRetries is the number of extra attempts per RPC call.
	ChainRetries int
	RetryBackoff time.Duration
	// FinishTimeout bounds persisting an in-flight chunk after cancellation.
	FinishTimeout time.Duration
}

// Scanner backfills one event at a time, chunk by chunk, from its cursor to the chain head.
type Scanner struct {
	store    storage.Store
	pipeline *Pipeline
	opts     ScannerOptions
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func NewScanner(store storage.Store, pipeline *Pipeline, opts ScannerOptions, log *zap.Logger, m *metrics.Metrics) *Scanner {
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.FinishTimeout <= 0 {
		opts.FinishTimeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{store: store, pipeline: pipeline, opts: opts, log: log.Named("scanner"), metrics: m}
}

// Sync scans [max(cursor+1, FromBlock), head] in chunks. The cursor moves to a chunk's end only after
// every log of the chunk is stored. Cancellation is honoured between chunks.
func (s *Scanner) Sync(ctx context.Context, client chain.Client, b *Binding) (Result, error) {
	def := b.Def
	res := Result{EventID: def.ID}

	if err := s.store.EnsureNamespace(ctx, def.Namespace()); err != nil {
		return res, err
	}

	start := def.FromBlock
	cursor, ok, err := s.store.GetCursor(ctx, def.ID)
	if err != nil {
		return res, err
	}
	if ok {
		res.Cursor = cursor
		if cursor+1 > start {
			start = cursor + 1
		}
	}
	res.FromBlock = start

	var head uint64
	err = s.retry(ctx, func() error {
		var herr error
		head, herr = client.ChainHead(ctx)
		return herr
	})
	if err != nil {
		return res, fmt.Errorf("event %s: chain head: %w", def.ID, err)
	}
	res.Head = head

	if start > head {
		res.UpToDate = true
		return res, nil
	}

	ranges, err := SplitRange(start, head, def.ChunkSize())
	if err != nil {
		return res, err
	}

	log := s.log.With(zap.String("event", def.ID))
	log.Info("backfill started", zap.Uint64("from", start), zap.Uint64("head", head), zap.Int("chunks", len(ranges)))

	for _, r := range ranges {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		var logs []types.Log
		err := s.retry(ctx, func() error {
			var lerr error
			logs, lerr = client.GetLogs(ctx, b.Decoder.Address(), b.Decoder.Topic(), r.From, r.To)
			return lerr
		})
		if err != nil {
			s.metrics.Errors("scanner")
			log.Warn("chunk aborted", zap.Uint64("from", r.From), zap.Uint64("to", r.To), zap.Uint64("cursor", res.Cursor), zap.Error(err))
			return res, fmt.Errorf("event %s: logs %d-%d: %w", def.ID, r.From, r.To, err)
		}

		if err := s.persistChunk(ctx, b, r, logs, &res); err != nil {
			s.metrics.Errors("scanner")
			return res, err
		}
	}

	log.Info("backfill finished",
		zap.Uint64("cursor", res.Cursor),
		zap.Int("stored", res.Stored),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

// persistChunk stores a fetched chunk and advances the cursor. It runs detached from cancellation so
// that shutdown never leaves a half-written chunk behind.
func (s *Scanner) persistChunk(ctx context.Context, b *Binding, r BlockRange, logs []types.Log, res *Result) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.FinishTimeout)
	defer cancel()

	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	for _, lg := range logs {
		out, err := s.pipeline.Process(pctx, b, lg)
		if err != nil {
			return fmt.Errorf("event %s: chunk %d-%d: %w", b.Def.ID, r.From, r.To, err)
		}
		res.add(out)
	}
	if err := s.store.AdvanceCursor(pctx, b.Def.ID, r.To); err != nil {
		return fmt.Errorf("event %s: %w", b.Def.ID, err)
	}
	res.Cursor = r.To
	res.Chunks++
	s.metrics.ChunkProcessed(b.Def.ID, r.To)
	return nil
}

// retry retries chain failures with exponential backoff; other errors end the loop at once.
func (s *Scanner) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(s.opts.ChainRetries, 0))), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, chain.ErrChainUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
