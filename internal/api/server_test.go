package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/engine"
	"github.com/devblac/event-relay/internal/health"
	"github.com/devblac/event-relay/internal/model"
	"github.com/devblac/event-relay/internal/storage"
)

type fakeEngine struct {
	mu        sync.Mutex
	synced    chan struct{}
	events    map[string]engine.Result
	failures  map[string]error
	txs       []string
	lastQuery storage.RecordQuery
	records   []model.Record
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		synced: make(chan struct{}, 1),
		events: map[string]engine.Result{
			"market/Listed": {EventID: "market/Listed", Head: 1_005_999, Cursor: 1_005_999, Chunks: 3, Stored: 3},
			"market/Sold":   {EventID: "market/Sold", Head: 1_005_999, Cursor: 1_001_999, Chunks: 1, Stored: 2},
		},
		failures: map[string]error{
			"market/Sold": fmt.Errorf("event market/Sold: chunk 1002000-1003999: %w: eth_getLogs: dial tcp 10.0.0.7:8545: connection refused", chain.ErrChainUnavailable),
		},
	}
}

func (f *fakeEngine) SyncEvents(ctx context.Context) []engine.Result {
	f.synced <- struct{}{}
	return []engine.Result{f.events["market/Listed"]}
}

func (f *fakeEngine) SyncEvent(ctx context.Context, eventID string) (engine.Result, error) {
	res, ok := f.events[eventID]
	if !ok {
		return engine.Result{}, fmt.Errorf("%s: %w", eventID, engine.ErrEventNotFound)
	}
	return res, f.failures[eventID]
}

func (f *fakeEngine) SyncTransaction(ctx context.Context, eventID, txHash string) (engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, txHash)
	return engine.Result{EventID: eventID, Stored: 1}, nil
}

func (f *fakeEngine) Records(ctx context.Context, project, contract string, q storage.RecordQuery) ([]model.Record, error) {
	if project != "market" {
		return nil, fmt.Errorf("%s: %w", project, engine.ErrProjectNotFound)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = q
	return f.records, nil
}

func (f *fakeEngine) Cursors(ctx context.Context) ([]storage.Cursor, error) {
	return []storage.Cursor{{EventID: "market/Listed", Block: 1_005_999}}, nil
}

func newTestServer(t *testing.T, eng Engine, checker health.Checker) *Server {
	t.Helper()
	s := NewServer(Config{Addr: "127.0.0.1:0"}, eng, checker, nil)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSyncAllIsAsynchronous(t *testing.T) {
	eng := newFakeEngine()
	s := newTestServer(t, eng, health.Checker{})

	rec := do(t, s.Handler(), http.MethodPost, "/events/sync")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Syncing events", body)

	select {
	case <-eng.synced:
	case <-time.After(2 * time.Second):
		t.Fatal("sync pass never started")
	}
}

func TestSyncEvent(t *testing.T) {
	s := newTestServer(t, newFakeEngine(), health.Checker{})

	rec := do(t, s.Handler(), http.MethodPost, "/events/market%2FListed/sync")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res resultView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "market/Listed", res.Event)
	assert.Equal(t, uint64(1_005_999), res.Cursor)
	assert.Equal(t, 3, res.Stored)
	assert.Equal(t, "ok", res.Status)
}

func TestSyncEventChainFailureIsIncomplete(t *testing.T) {
	s := newTestServer(t, newFakeEngine(), health.Checker{})

	rec := do(t, s.Handler(), http.MethodPost, "/events/market%2FSold/sync")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "10.0.0.7")

	var res resultView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "market/Sold", res.Event)
	assert.Equal(t, "incomplete", res.Status)
	assert.Equal(t, uint64(1_001_999), res.Cursor)
	assert.Equal(t, 2, res.Stored)
}

func TestSyncUnknownEventIsNotFound(t *testing.T) {
	s := newTestServer(t, newFakeEngine(), health.Checker{})

	rec := do(t, s.Handler(), http.MethodPost, "/events/nope/sync")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "event not found")
}

func TestSyncTransaction(t *testing.T) {
	eng := newFakeEngine()
	s := newTestServer(t, eng, health.Checker{})

	rec := do(t, s.Handler(), http.MethodPost, "/events/market%2FListed/sync?tx=0xabc")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"0xabc"}, eng.txs)
}

func TestRecordsQuery(t *testing.T) {
	eng := newFakeEngine()
	eng.records = []model.Record{{
		Namespace:   model.NewNamespace("market", "0x1111111111111111111111111111111111111111"),
		EventID:     "market/Listed",
		Name:        "Listed",
		TxHash:      "0xaa",
		BlockNumber: 1_000_010,
		LogIndex:    2,
		Fields:      map[string]any{"price": "1000"},
	}}
	s := newTestServer(t, eng, health.Checker{})

	rec := do(t, s.Handler(), http.MethodGet,
		"/projects/market/contracts/0x1111111111111111111111111111111111111111/records?event=market/Listed&from=1000000&to=1002000&limit=10")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out []recordView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "0xaa", out[0].TxHash)
	assert.Equal(t, "1000", out[0].Fields["price"])
	assert.Equal(t, storage.RecordQuery{EventID: "market/Listed", FromBlock: 1_000_000, ToBlock: 1_002_000, Limit: 10}, eng.lastQuery)
}

func TestRecordsQueryErrors(t *testing.T) {
	s := newTestServer(t, newFakeEngine(), health.Checker{})

	tests := []struct {
		name   string
		target string
		code   int
	}{
		{"unknown project", "/projects/other/contracts/0x1/records", http.StatusNotFound},
		{"bad from", "/projects/market/contracts/0x1/records?from=abc", http.StatusBadRequest},
		{"negative limit", "/projects/market/contracts/0x1/records?limit=-1", http.StatusBadRequest},
		{"inverted range", "/projects/market/contracts/0x1/records?from=10&to=5", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s.Handler(), http.MethodGet, tt.target)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	s := newTestServer(t, newFakeEngine(), health.Checker{
		DBPing: func(context.Context) error { return errors.New("db down") },
	})

	rec := do(t, s.Handler(), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, s.Handler(), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s.Handler(), http.MethodGet, "/cursors")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"block":1005999`)
}
