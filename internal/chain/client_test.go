package chain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/event-relay/internal/model"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode answers a handful of JSON-RPC methods.
type fakeNode struct {
	head      atomic.Uint64
	calls     atomic.Int64
	getLogs   atomic.Int64
	lastQuery map[string]any
	status    int
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.calls.Add(1)
	if n.status != 0 {
		w.WriteHeader(n.status)
		return
	}
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var result any
	switch req.Method {
	case "eth_blockNumber":
		result = hexutil.EncodeUint64(n.head.Load())
	case "eth_getLogs":
		n.getLogs.Add(1)
		_ = json.Unmarshal(req.Params[0], &n.lastQuery)
		result = []map[string]any{{
			"address":          "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
			"topics":           []string{common.HexToHash("0x01").Hex()},
			"data":             "0x",
			"blockNumber":      "0x64",
			"transactionHash":  common.HexToHash("0xabc").Hex(),
			"transactionIndex": "0x0",
			"blockHash":        common.HexToHash("0xbeef").Hex(),
			"logIndex":         "0x3",
			"removed":          false,
		}}
	case "eth_getTransactionReceipt":
		result = nil
	default:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]any{"code": -32601, "message": "method not found"},
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func dialTest(t *testing.T, opts Options, urls ...string) *RPCClient {
	t.Helper()
	c, err := Dial(context.Background(), urls, opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestChainHeadCached(t *testing.T) {
	node := &fakeNode{}
	node.head.Store(1006000)
	srv := httptest.NewServer(node)
	defer srv.Close()

	c := dialTest(t, Options{Timeout: time.Second, HeadTTL: time.Minute}, srv.URL)

	head, err := c.ChainHead(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1006000), head)

	node.head.Store(1007000)
	head, err = c.ChainHead(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1006000), head, "head should be served from cache")
	assert.Equal(t, int64(1), node.calls.Load())
}

func TestFailoverToSecondEndpoint(t *testing.T) {
	broken := &fakeNode{status: http.StatusBadGateway}
	bsrv := httptest.NewServer(broken)
	defer bsrv.Close()
	healthy := &fakeNode{}
	healthy.head.Store(42)
	hsrv := httptest.NewServer(healthy)
	defer hsrv.Close()

	c := dialTest(t, Options{Timeout: time.Second}, bsrv.URL, hsrv.URL)

	head, err := c.ChainHead(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), head)
	assert.Equal(t, int64(1), broken.calls.Load())
}

func TestAllEndpointsDownIsChainUnavailable(t *testing.T) {
	srv := httptest.NewServer(&fakeNode{status: http.StatusServiceUnavailable})
	defer srv.Close()

	c := dialTest(t, Options{Timeout: time.Second}, srv.URL)
	_, err := c.ChainHead(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChainUnavailable))
}

func TestGetLogsQuery(t *testing.T) {
	node := &fakeNode{}
	srv := httptest.NewServer(node)
	defer srv.Close()

	c := dialTest(t, Options{Timeout: time.Second, RequestsPerSecond: 100}, srv.URL)
	contract := common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
	topic := common.HexToHash("0x01")

	logs, err := c.GetLogs(context.Background(), contract, topic, 1000000, 1001999)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, uint(3), logs[0].Index)
	assert.Equal(t, uint64(100), logs[0].BlockNumber)

	assert.Equal(t, "0xf4240", node.lastQuery["fromBlock"])
	assert.Equal(t, "0xf4a0f", node.lastQuery["toBlock"])
}

func TestReceiptNotFoundIsNotChainUnavailable(t *testing.T) {
	srv := httptest.NewServer(&fakeNode{})
	defer srv.Close()

	c := dialTest(t, Options{Timeout: time.Second}, srv.URL)
	_, err := c.TransactionReceipt(context.Background(), common.HexToHash("0xabc"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ethereum.NotFound))
	assert.False(t, errors.Is(err, ErrChainUnavailable))
}

func TestSubscribeOverHTTPUnsupported(t *testing.T) {
	srv := httptest.NewServer(&fakeNode{})
	defer srv.Close()

	c := dialTest(t, Options{Timeout: time.Second}, srv.URL)
	ch := make(chan types.Log)
	_, err := c.SubscribeLogs(context.Background(), common.Address{}, common.Hash{}, ch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChainUnavailable))
}

func TestDialWithoutURLs(t *testing.T) {
	_, err := Dial(context.Background(), nil, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChainUnavailable))
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://polygon-mainnet.infura.io", redactURL("https://polygon-mainnet.infura.io/v3/abcdef"))
	assert.Equal(t, "wss://node:8546", redactURL("wss://node:8546"))
}

type stubClient struct {
	Client
	closed bool
}

func (s *stubClient) Close() { s.closed = true }

func TestPoolCachesPerProject(t *testing.T) {
	dials := 0
	var got Options
	pool := NewPoolWithDialer(Options{RequestsPerSecond: 5}, func(_ context.Context, urls []string, opts Options) (Client, error) {
		dials++
		got = opts
		return &stubClient{}, nil
	})

	p := model.Project{ID: "market", RPCURLs: []string{"http://rpc"}, RequestsPerSecond: 20}
	c1, err := pool.Client(context.Background(), p)
	require.NoError(t, err)
	c2, err := pool.Client(context.Background(), p)
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, 1, dials)
	assert.Equal(t, float64(20), got.RequestsPerSecond)
	assert.Len(t, pool.Clients(), 1)

	pool.Close()
	assert.True(t, c1.(*stubClient).closed)
	assert.Empty(t, pool.Clients())
}

func TestPoolDialsProjectsIndependently(t *testing.T) {
	release := make(chan struct{})
	slowDialing := make(chan struct{})
	var dials atomic.Int32
	pool := NewPoolWithDialer(Options{}, func(ctx context.Context, urls []string, _ Options) (Client, error) {
		dials.Add(1)
		if urls[0] == "ws://slow" {
			close(slowDialing)
			<-release
		}
		return &stubClient{}, nil
	})
	defer pool.Close()

	slow := model.Project{ID: "slow", RPCURLs: []string{"ws://slow"}}
	fast := model.Project{ID: "fast", RPCURLs: []string{"http://fast"}}

	slowDone := make(chan Client, 2)
	for i := 0; i < 2; i++ {
		go func() {
			c, err := pool.Client(context.Background(), slow)
			assert.NoError(t, err)
			slowDone <- c
		}()
	}
	<-slowDialing

	fastDone := make(chan error, 1)
	go func() {
		_, err := pool.Client(context.Background(), fast)
		fastDone <- err
	}()
	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("fast project waited on the slow project's dial")
	}

	close(release)
	c1, c2 := <-slowDone, <-slowDone
	assert.Same(t, c1, c2)
	assert.Equal(t, int32(2), dials.Load())
	assert.Len(t, pool.Clients(), 2)
}
