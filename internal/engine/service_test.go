package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/event-relay/internal/model"
	"github.com/devblac/event-relay/internal/storage"
)

func soldDef() model.EventDefinition {
	return model.EventDefinition{
		ID:         "market/Sold",
		Project:    "market",
		Name:       "Sold",
		Signature:  "event Sold(address indexed buyer, uint256 price)",
		Contract:   marketplace,
		WebhookURL: "http://hook.test/sold",
		FromBlock:  1_000_000,
		BlockRange: 2000,
	}
}

func TestSyncEventNotFound(t *testing.T) {
	h := newHarness(t, Options{})

	_, err := h.service.SyncEvent(context.Background(), "market/Nope")
	require.ErrorIs(t, err, ErrEventNotFound)

	orphan := listedDef()
	orphan.ID = "ghost/Listed"
	orphan.Project = "ghost"
	require.NoError(t, h.registry.AddEvent(orphan))
	_, err = h.service.SyncEvent(context.Background(), "ghost/Listed")
	require.ErrorIs(t, err, ErrProjectNotFound)
}

func TestSyncEventsIsolatesFailures(t *testing.T) {
	orphan := listedDef()
	orphan.ID = "ghost/Listed"
	orphan.Project = "ghost"
	h := newHarness(t, Options{Concurrency: 2}, listedDef(), soldDef(), orphan)
	h.chain.head = 1_001_000
	h.chain.logs = []types.Log{listedLog(1_000_500, 0, 10)}

	results := h.service.SyncEvents(context.Background())
	require.Len(t, results, 3)

	byID := map[string]Result{}
	for _, r := range results {
		byID[r.EventID] = r
	}
	assert.ErrorIs(t, byID["ghost/Listed"].Err, ErrProjectNotFound)
	assert.NoError(t, byID["market/Listed"].Err)
	assert.Equal(t, 1, byID["market/Listed"].Stored)
	assert.NoError(t, byID["market/Sold"].Err)
	assert.Equal(t, uint64(1_001_000), h.cursor(t, "market/Sold"))
}

func TestLiveAndBackfillOverlapStoresOnce(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.chain.head = 1_001_000
	lg := listedLog(1_000_900, 0, 10)
	h.chain.logs = []types.Log{lg}

	require.Equal(t, 1, h.service.AttachAllEventListeners(ctx))
	subs := h.chain.subscriptions()
	require.Len(t, subs, 1)
	subs[0].ch <- lg

	ns := model.NewNamespace("market", marketplace)
	require.Eventually(t, func() bool {
		ok, err := h.store.Exists(ctx, ns, model.RecordKey{BlockNumber: lg.BlockNumber, TxHash: lg.TxHash.Hex(), LogIndex: lg.Index})
		return err == nil && ok
	}, time.Second, 5*time.Millisecond)

	res, err := h.service.SyncEvent(ctx, "market/Listed")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Stored)
	assert.Equal(t, 1, res.Duplicates)
	assert.Len(t, h.records(t), 1)
	assert.Equal(t, 1, h.dispatcher.count())
}

func TestStartCatchesLogsEmittedDuringBackfill(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.chain.head = 1_004_000
	late := listedLog(1_004_500, 0, 7)

	var once sync.Once
	listening := -1
	h.chain.onLogs = func(from, to uint64) {
		once.Do(func() {
			subs := h.chain.subscriptions()
			listening = len(subs)
			for _, sub := range subs {
				sub.ch <- late
			}
		})
	}

	results, attached := h.service.Start(ctx)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, 1, attached)
	assert.Equal(t, 1, listening, "listener attached before the first chunk")

	require.Eventually(t, func() bool {
		recs, err := h.store.Records(ctx, model.NewNamespace("market", marketplace), storage.RecordQuery{})
		return err == nil && len(recs) == 1 && recs[0].BlockNumber == late.BlockNumber
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"market/Listed"}, h.service.Listening())
}

func TestLiveListenerIgnoresRemovedLogs(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	require.NoError(t, h.service.AttachEventListener(ctx, "market/Listed"))

	removed := listedLog(1_000_001, 0, 10)
	removed.Removed = true
	kept := listedLog(1_000_002, 0, 10)
	subs := h.chain.subscriptions()
	subs[0].ch <- removed
	subs[0].ch <- kept

	require.Eventually(t, func() bool { return h.dispatcher.count() == 1 }, time.Second, 5*time.Millisecond)
	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(1_000_002), recs[0].BlockNumber)
}

func TestListenerResubscribesAfterError(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.service.AttachEventListener(context.Background(), "market/Listed"))

	first := h.chain.subscriptions()[0]
	first.sub.errc <- errors.New("websocket closed")

	require.Eventually(t, func() bool { return len(h.chain.subscriptions()) == 2 }, time.Second, 5*time.Millisecond)
	select {
	case <-first.sub.done:
	case <-time.After(time.Second):
		t.Fatalf("dropped subscription was not unsubscribed")
	}

	h.chain.subscriptions()[1].ch <- listedLog(1_000_003, 0, 1)
	require.Eventually(t, func() bool { return h.dispatcher.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAttachAllContinuesPastFailures(t *testing.T) {
	orphan := soldDef()
	orphan.ID = "ghost/Sold"
	orphan.Project = "ghost"
	h := newHarness(t, Options{}, listedDef(), orphan)

	assert.Equal(t, 1, h.service.AttachAllEventListeners(context.Background()))
	assert.Equal(t, []string{"market/Listed"}, h.service.Listening())

	h.service.DetachAll()
	assert.Empty(t, h.service.Listening())
}

func TestRemoveEventDropsCursorAndNamespace(t *testing.T) {
	h := newHarness(t, Options{DropNamespaceOnRemove: true}, listedDef(), soldDef())
	ctx := context.Background()
	h.chain.head = 1_001_000
	h.chain.logs = []types.Log{listedLog(1_000_500, 0, 10)}
	h.service.SyncEvents(ctx)
	require.NoError(t, h.service.AttachEventListener(ctx, "market/Listed"))

	require.NoError(t, h.service.RemoveEvent(ctx, "market/Listed"))
	_, ok, err := h.store.GetCursor(ctx, "market/Listed")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, h.service.Listening())
	// Sold still writes into the namespace.
	assert.Len(t, h.records(t), 1)

	removed, err := h.service.RemoveContract(ctx, "market", marketplace)
	require.NoError(t, err)
	assert.Equal(t, []string{"market/Sold"}, removed)
	assert.Empty(t, h.records(t))

	require.ErrorIs(t, h.service.RemoveEvent(ctx, "market/Listed"), ErrEventNotFound)
}

func TestRemoveEventKeepsRecordsByDefault(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.chain.head = 1_001_000
	h.chain.logs = []types.Log{listedLog(1_000_500, 0, 10)}
	_, err := h.service.SyncEvent(ctx, "market/Listed")
	require.NoError(t, err)

	require.NoError(t, h.service.RemoveEvent(ctx, "market/Listed"))
	assert.Len(t, h.records(t), 1)
}

func TestRegisterAndUpdateEvent(t *testing.T) {
	h := newHarness(t, Options{}, soldDef())
	ctx := context.Background()
	h.chain.head = 1_001_000
	h.chain.logs = []types.Log{listedLog(1_000_500, 0, 10)}

	def := listedDef()
	def.ID = ""
	res, err := h.service.RegisterEvent(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, "market/Listed", res.EventID)
	assert.Equal(t, 1, res.Stored)
	assert.Contains(t, h.service.Listening(), "market/Listed")

	_, err = h.service.RegisterEvent(ctx, listedDef())
	require.Error(t, err)

	updated := listedDef()
	updated.WebhookURL = "http://hook.test/v2"
	updated.BlockRange = 500
	require.NoError(t, h.service.UpdateEvent(ctx, updated))
	got, ok := h.registry.Event("market/Listed")
	require.True(t, ok)
	assert.Equal(t, "http://hook.test/v2", got.WebhookURL)
	assert.Contains(t, h.service.Listening(), "market/Listed")

	moved := listedDef()
	moved.Contract = "0x2222222222222222222222222222222222222222"
	require.Error(t, h.service.UpdateEvent(ctx, moved))
	missing := listedDef()
	missing.ID = "market/Missing"
	require.ErrorIs(t, h.service.UpdateEvent(ctx, missing), ErrEventNotFound)

	bad := listedDef()
	bad.ID = "market/Bad"
	bad.Name = "Bad"
	bad.Signature = "Bad("
	_, err = h.service.RegisterEvent(ctx, bad)
	require.Error(t, err)
}

func TestSyncTransaction(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	match := listedLog(1_000_700, 3, 99)
	other := listedLog(1_000_700, 4, 1)
	other.Address = common.HexToAddress("0x9999999999999999999999999999999999999999")
	tx := match.TxHash
	h.chain.receipts[tx] = &types.Receipt{TxHash: tx, Logs: []*types.Log{&match, &other}}

	res, err := h.service.SyncTransaction(ctx, "market/Listed", tx.Hex())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stored)
	assert.Len(t, h.records(t), 1)
	_, ok, err := h.store.GetCursor(ctx, "market/Listed")
	require.NoError(t, err)
	assert.False(t, ok)

	again, err := h.service.SyncTransaction(ctx, "market/Listed", tx.Hex())
	require.NoError(t, err)
	assert.Equal(t, 1, again.Duplicates)

	_, err = h.service.SyncTransaction(ctx, "market/Listed", common.HexToHash("0xdead").Hex())
	require.ErrorIs(t, err, ErrTransactionNotFound)
	_, err = h.service.SyncTransaction(ctx, "market/Listed", "0x12")
	require.ErrorIs(t, err, ErrInvalidTxHash)
}

func TestFiltersGateWebhookOnly(t *testing.T) {
	def := listedDef()
	def.Filters = []string{"price >= 100"}
	h := newHarness(t, Options{}, def)
	h.chain.head = 1_001_000
	h.chain.logs = []types.Log{listedLog(1_000_100, 0, 50), listedLog(1_000_200, 0, 150)}

	res, err := h.service.SyncEvent(context.Background(), "market/Listed")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stored)
	assert.Equal(t, []uint64{1_000_200}, h.dispatcher.blocks())
}

func TestRecordsQuery(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.chain.head = 1_001_000
	h.chain.logs = []types.Log{listedLog(1_000_100, 0, 50), listedLog(1_000_200, 0, 150)}
	_, err := h.service.SyncEvent(ctx, "market/Listed")
	require.NoError(t, err)

	recs, err := h.service.Records(ctx, "market", "0x1111111111111111111111111111111111111111", storage.RecordQuery{FromBlock: 1_000_150})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "150", recs[0].Fields["price"])
	assert.Equal(t, "Listed", recs[0].Name)

	_, err = h.service.Records(ctx, "ghost", marketplace, storage.RecordQuery{})
	require.ErrorIs(t, err, ErrProjectNotFound)

	cursors, err := h.service.Cursors(ctx)
	require.NoError(t, err)
	require.Len(t, cursors, 1)
	assert.Equal(t, uint64(1_001_000), cursors[0].Block)
}
