// Package storagetest holds the behaviour every storage.Store backend must share.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/event-relay/internal/model"
	"github.com/devblac/event-relay/internal/storage"
)

// Factory returns an empty store using model.KeyModeFull. It registers its own cleanup.
type Factory func(t *testing.T) storage.Store

// Run executes the shared suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("PutIsIdempotent", func(t *testing.T) { testPutIsIdempotent(t, newStore(t)) })
	t.Run("ConcurrentPut", func(t *testing.T) { testConcurrentPut(t, newStore(t)) })
	t.Run("RecordsQuery", func(t *testing.T) { testRecordsQuery(t, newStore(t)) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testNamespaceIsolation(t, newStore(t)) })
	t.Run("DropNamespace", func(t *testing.T) { testDropNamespace(t, newStore(t)) })
	t.Run("CursorIsMonotonic", func(t *testing.T) { testCursorIsMonotonic(t, newStore(t)) })
	t.Run("Deliveries", func(t *testing.T) { testDeliveries(t, newStore(t)) })
}

// Record builds a record in ns at block/log with a single field.
func Record(ns model.Namespace, block uint64, logIndex uint) model.Record {
	return model.Record{
		Namespace:   ns,
		EventID:     ns.Project + "/Listed",
		Name:        "Listed",
		Fields:      map[string]any{"price": fmt.Sprintf("%d", block*10)},
		TxHash:      fmt.Sprintf("0x%064x", block),
		BlockNumber: block,
		LogIndex:    logIndex,
	}
}

func testPutIsIdempotent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	ns := model.NewNamespace("market", "0xAbC0000000000000000000000000000000000001")
	require.NoError(t, s.EnsureNamespace(ctx, ns))
	require.NoError(t, s.EnsureNamespace(ctx, ns))

	rec := Record(ns, 100, 3)
	ok, err := s.Exists(ctx, ns, rec.Key())
	require.NoError(t, err)
	assert.False(t, ok)

	inserted, err := s.Put(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.Put(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted)

	ok, err = s.Exists(ctx, ns, rec.Key())
	require.NoError(t, err)
	assert.True(t, ok)

	// same block, different log
	inserted, err = s.Put(ctx, Record(ns, 100, 4))
	require.NoError(t, err)
	assert.True(t, inserted)

	records, err := s.Records(ctx, ns, storage.RecordQuery{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "1000", records[0].Fields["price"])
}

func testConcurrentPut(t *testing.T, s storage.Store) {
	ctx := context.Background()
	ns := model.NewNamespace("market", "0x0000000000000000000000000000000000000002")
	require.NoError(t, s.EnsureNamespace(ctx, ns))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Put(ctx, Record(ns, 42, 0))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, inserted)
}

func testRecordsQuery(t *testing.T, s storage.Store) {
	ctx := context.Background()
	ns := model.NewNamespace("market", "0x0000000000000000000000000000000000000003")
	require.NoError(t, s.EnsureNamespace(ctx, ns))

	for _, b := range []uint64{30, 10, 20, 40} {
		_, err := s.Put(ctx, Record(ns, b, 0))
		require.NoError(t, err)
	}
	other := Record(ns, 25, 0)
	other.EventID = "market/Sold"
	other.Name = "Sold"
	_, err := s.Put(ctx, other)
	require.NoError(t, err)

	all, err := s.Records(ctx, ns, storage.RecordQuery{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, uint64(10), all[0].BlockNumber)
	assert.Equal(t, uint64(40), all[4].BlockNumber)

	listed, err := s.Records(ctx, ns, storage.RecordQuery{EventID: "market/Listed", FromBlock: 15, ToBlock: 35})
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, uint64(20), listed[0].BlockNumber)
	assert.Equal(t, uint64(30), listed[1].BlockNumber)
	assert.Equal(t, ns, listed[0].Namespace)

	limited, err := s.Records(ctx, ns, storage.RecordQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func testNamespaceIsolation(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a := model.NewNamespace("alpha", "0x0000000000000000000000000000000000000004")
	b := model.NewNamespace("beta", "0x0000000000000000000000000000000000000004")
	require.NoError(t, s.EnsureNamespace(ctx, a))
	require.NoError(t, s.EnsureNamespace(ctx, b))

	rec := Record(a, 7, 1)
	_, err := s.Put(ctx, rec)
	require.NoError(t, err)

	ok, err := s.Exists(ctx, b, rec.Key())
	require.NoError(t, err)
	assert.False(t, ok)

	rec.Namespace = b
	inserted, err := s.Put(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	namespaces, err := s.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.Namespace{a, b}, namespaces)
}

func testDropNamespace(t *testing.T, s storage.Store) {
	ctx := context.Background()
	ns := model.NewNamespace("market", "0x0000000000000000000000000000000000000005")
	require.NoError(t, s.EnsureNamespace(ctx, ns))
	rec := Record(ns, 1, 0)
	_, err := s.Put(ctx, rec)
	require.NoError(t, err)
	require.NoError(t, s.RecordDelivery(ctx, storage.Delivery{
		Namespace: ns, EventID: rec.EventID, RecordKey: rec.Key(),
		URL: "http://hook", Status: storage.DeliveryDead, Attempts: 3,
	}))

	require.NoError(t, s.DropNamespace(ctx, ns))

	ok, err := s.Exists(ctx, ns, rec.Key())
	require.NoError(t, err)
	assert.False(t, ok)
	namespaces, err := s.Namespaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, namespaces)
	stats, err := s.DeliveryStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats[storage.DeliveryDead])
}

func testCursorIsMonotonic(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, ok, err := s.GetCursor(ctx, "market/Listed")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.AdvanceCursor(ctx, "market/Listed", 1001999))
	require.NoError(t, s.AdvanceCursor(ctx, "market/Listed", 1000500))

	block, ok, err := s.GetCursor(ctx, "market/Listed")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1001999), block)

	require.NoError(t, s.AdvanceCursor(ctx, "market/Sold", 5))
	cursors, err := s.Cursors(ctx)
	require.NoError(t, err)
	require.Len(t, cursors, 2)
	assert.Equal(t, "market/Listed", cursors[0].EventID)
	assert.False(t, cursors[0].UpdatedAt.IsZero())

	require.NoError(t, s.DeleteCursor(ctx, "market/Listed"))
	_, ok, err = s.GetCursor(ctx, "market/Listed")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testDeliveries(t *testing.T, s storage.Store) {
	ctx := context.Background()
	ns := model.NewNamespace("market", "0x0000000000000000000000000000000000000006")
	rec := Record(ns, 9, 0)

	d := storage.Delivery{
		Namespace: ns, EventID: rec.EventID, RecordKey: rec.Key(),
		URL: "http://hook", Status: storage.DeliveryFailed, Attempts: 1, ResponseCode: 500,
		Error: "status 500", Payload: rec.Payload(),
	}
	require.NoError(t, s.RecordDelivery(ctx, d))
	d.Status = storage.DeliveryDelivered
	d.Attempts = 2
	d.ResponseCode = 200
	d.Error = ""
	require.NoError(t, s.RecordDelivery(ctx, d))

	stats, err := s.DeliveryStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[storage.DeliveryStatus]int{storage.DeliveryDelivered: 1}, stats)

	require.Error(t, s.RecordDelivery(ctx, storage.Delivery{Namespace: ns}))
}
