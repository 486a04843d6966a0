package engine

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/model"
	"github.com/devblac/event-relay/internal/registry"
	"github.com/devblac/event-relay/internal/sink"
	"github.com/devblac/event-relay/internal/storage"
)

const (
	marketplace = "0x1111111111111111111111111111111111111111"
	listedSig   = "event Listed(address indexed nft, uint256 indexed nftId, address indexed seller, uint256 price)"
	webhookURL  = "http://hook.test/listed"
)

var listedTopic = crypto.Keccak256Hash([]byte("Listed(address,uint256,address,uint256)"))

type fakeSub struct {
	errc chan error
	once sync.Once
	done chan struct{}
}

func newFakeSub() *fakeSub {
	return &fakeSub{errc: make(chan error, 1), done: make(chan struct{})}
}

func (s *fakeSub) Unsubscribe() { s.once.Do(func() { close(s.done) }) }

func (s *fakeSub) Err() <-chan error { return s.errc }

type subscription struct {
	sub *fakeSub
	ch  chan<- types.Log
}

// fakeChain serves logs from memory and records every GetLogs range.
type fakeChain struct {
	mu       sync.Mutex
	head     uint64
	logs     []types.Log
	queries  []BlockRange
	failFrom uint64
	onLogs   func(from, to uint64)
	receipts map[common.Hash]*types.Receipt
	subs     []subscription
	subErr   error
}

func (c *fakeChain) ChainHead(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *fakeChain) GetLogs(ctx context.Context, contract common.Address, topic common.Hash, from, to uint64) ([]types.Log, error) {
	c.mu.Lock()
	c.queries = append(c.queries, BlockRange{From: from, To: to})
	failFrom, hook := c.failFrom, c.onLogs
	var out []types.Log
	for _, lg := range c.logs {
		if lg.Address == contract && len(lg.Topics) > 0 && lg.Topics[0] == topic && lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	c.mu.Unlock()

	if hook != nil {
		hook(from, to)
	}
	if failFrom > 0 && from >= failFrom {
		return nil, fmt.Errorf("%w: eth_getLogs: connection reset", chain.ErrChainUnavailable)
	}
	return out, nil
}

func (c *fakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *fakeChain) SubscribeLogs(ctx context.Context, contract common.Address, topic common.Hash, ch chan<- types.Log) (ethereum.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subErr != nil {
		return nil, c.subErr
	}
	s := newFakeSub()
	c.subs = append(c.subs, subscription{sub: s, ch: ch})
	return s, nil
}

func (c *fakeChain) Close() {}

func (c *fakeChain) setFailFrom(b uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failFrom = b
}

func (c *fakeChain) rangesQueried() []BlockRange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]BlockRange(nil), c.queries...)
}

func (c *fakeChain) resetQueries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = nil
}

func (c *fakeChain) subscriptions() []subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]subscription(nil), c.subs...)
}

type fakeClients struct {
	client chain.Client
}

func (f fakeClients) Client(ctx context.Context, project model.Project) (chain.Client, error) {
	return f.client, nil
}

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []sink.Job
}

func (d *recordingDispatcher) Enqueue(job sink.Job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return true
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

func (d *recordingDispatcher) blocks() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint64, 0, len(d.jobs))
	for _, j := range d.jobs {
		out = append(out, j.Record.BlockNumber)
	}
	return out
}

func listedDef() model.EventDefinition {
	return model.EventDefinition{
		ID:         "market/Listed",
		Project:    "market",
		Name:       "Listed",
		Signature:  listedSig,
		Contract:   marketplace,
		WebhookURL: webhookURL,
		FromBlock:  1_000_000,
		BlockRange: 2000,
	}
}

func addrTopic(a common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(a.Bytes(), 32))
}

// listedLog builds a Listed log at block with the given log index and price.
func listedLog(block uint64, index uint, price int64) types.Log {
	return types.Log{
		Address: common.HexToAddress(marketplace),
		Topics: []common.Hash{
			listedTopic,
			addrTopic(common.HexToAddress("0x00000000000000000000000000000000000000aa")),
			common.BigToHash(new(big.Int).SetUint64(block)),
			addrTopic(common.HexToAddress("0x00000000000000000000000000000000000000bb")),
		},
		Data:        common.LeftPadBytes(big.NewInt(price).Bytes(), 32),
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block*1000 + uint64(index))),
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block)),
		Index:       index,
	}
}

type harness struct {
	chain      *fakeChain
	store      *storage.SQLiteStore
	dispatcher *recordingDispatcher
	registry   *registry.Registry
	service    *Service
}

func newHarness(t *testing.T, opts Options, defs ...model.EventDefinition) *harness {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "engine.db"), model.KeyModeFull)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if len(defs) == 0 {
		defs = []model.EventDefinition{listedDef()}
	}
	reg, err := registry.New([]model.Project{{ID: "market", RPCURLs: []string{"http://node"}}}, defs)
	require.NoError(t, err)

	if opts.Scanner.RetryBackoff == 0 {
		opts.Scanner.RetryBackoff = time.Millisecond
	}
	if opts.Subscriber.InitialDelay == 0 {
		opts.Subscriber.InitialDelay = time.Millisecond
		opts.Subscriber.MaxDelay = 5 * time.Millisecond
	}

	fc := &fakeChain{receipts: map[common.Hash]*types.Receipt{}}
	d := &recordingDispatcher{}
	svc := NewService(reg, store, fakeClients{client: fc}, d, opts, nil, nil)
	t.Cleanup(svc.Close)
	return &harness{chain: fc, store: store, dispatcher: d, registry: reg, service: svc}
}

func (h *harness) cursor(t *testing.T, eventID string) uint64 {
	t.Helper()
	c, ok, err := h.store.GetCursor(context.Background(), eventID)
	require.NoError(t, err)
	require.True(t, ok, "cursor for %s", eventID)
	return c
}

func (h *harness) records(t *testing.T) []model.Record {
	t.Helper()
	recs, err := h.store.Records(context.Background(), model.NewNamespace("market", marketplace), storage.RecordQuery{})
	require.NoError(t, err)
	return recs
}
