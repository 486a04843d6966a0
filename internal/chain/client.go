package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrChainUnavailable marks RPC, network and timeout failures. Callers may retry the current chunk.
var ErrChainUnavailable = errors.New("chain unavailable")

// Client is the subset of chain access the sync engine needs.
type Client interface {
	ChainHead(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, contract common.Address, topic common.Hash, from, to uint64) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SubscribeLogs(ctx context.Context, contract common.Address, topic common.Hash, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// Options tunes an RPCClient.
type Options struct {
	// Timeout bounds every individual RPC call.
	Timeout time.Duration

	// RequestsPerSecond limits calls across all endpoints; zero disables limiting.
	RequestsPerSecond float64

	// HeadTTL caches the chain head; zero disables caching.
	HeadTTL time.Duration

	Logger *zap.Logger
}

type endpoint struct {
	url string
	rpc *rpc.Client
	eth *ethclient.Client
}

// RPCClient talks to an ordered list of JSON-RPC endpoints, failing over on error.
type RPCClient struct {
	endpoints []endpoint
	timeout   time.Duration
	limiter   *rate.Limiter
	heads     *cache.Cache
	headTTL   time.Duration
	logger    *zap.Logger
}

const headCacheKey = "head"

// Dial connects to every reachable endpoint. At least one must succeed.
func Dial(ctx context.Context, urls []string, opts Options) (*RPCClient, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &RPCClient{
		timeout: opts.Timeout,
		headTTL: opts.HeadTTL,
		logger:  logger.Named("chain"),
	}
	if c.timeout <= 0 {
		c.timeout = 15 * time.Second
	}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	if c.headTTL > 0 {
		c.heads = cache.New(c.headTTL, 2*c.headTTL)
	}

	var lastErr error
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		rc, err := rpc.DialContext(ctx, u)
		if err != nil {
			lastErr = err
			c.logger.Warn("dial rpc failed", zap.String("endpoint", redactURL(u)), zap.Error(err))
			continue
		}
		c.endpoints = append(c.endpoints, endpoint{url: u, rpc: rc, eth: ethclient.NewClient(rc)})
	}
	if len(c.endpoints) == 0 {
		if lastErr == nil {
			lastErr = errors.New("no rpc urls")
		}
		return nil, fmt.Errorf("%w: dial: %w", ErrChainUnavailable, lastErr)
	}
	return c, nil
}

// Close closes every endpoint connection.
func (c *RPCClient) Close() {
	for _, ep := range c.endpoints {
		ep.rpc.Close()
	}
}

// ChainHead returns the latest block number, served from cache within HeadTTL.
func (c *RPCClient) ChainHead(ctx context.Context) (uint64, error) {
	if c.heads != nil {
		if v, ok := c.heads.Get(headCacheKey); ok {
			return v.(uint64), nil
		}
	}
	var head uint64
	err := c.call(ctx, "block number", func(ctx context.Context, eth *ethclient.Client) error {
		var err error
		head, err = eth.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	if c.heads != nil {
		c.heads.Set(headCacheKey, head, cache.DefaultExpiration)
	}
	return head, nil
}

// GetLogs returns logs of one contract topic within [from, to].
func (c *RPCClient) GetLogs(ctx context.Context, contract common.Address, topic common.Hash, from, to uint64) ([]types.Log, error) {
	query := FilterQuery(contract, topic)
	query.FromBlock = new(big.Int).SetUint64(from)
	query.ToBlock = new(big.Int).SetUint64(to)

	var logs []types.Log
	err := c.call(ctx, "filter logs", func(ctx context.Context, eth *ethclient.Client) error {
		var err error
		logs, err = eth.FilterLogs(ctx, query)
		return err
	})
	return logs, err
}

// TransactionReceipt fetches a receipt. ethereum.NotFound is returned unwrapped.
func (c *RPCClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.call(ctx, "transaction receipt", func(ctx context.Context, eth *ethclient.Client) error {
		var err error
		receipt, err = eth.TransactionReceipt(ctx, txHash)
		return err
	})
	return receipt, err
}

// SubscribeLogs streams new logs of one contract topic from the first endpoint that supports notifications.
func (c *RPCClient) SubscribeLogs(ctx context.Context, contract common.Address, topic common.Hash, ch chan<- types.Log) (ethereum.Subscription, error) {
	query := FilterQuery(contract, topic)
	var lastErr error
	for _, ep := range c.endpoints {
		sub, err := ep.eth.SubscribeFilterLogs(ctx, query, ch)
		if err == nil {
			return sub, nil
		}
		lastErr = err
		c.logger.Debug("subscribe failed", zap.String("endpoint", redactURL(ep.url)), zap.Error(err))
	}
	return nil, fmt.Errorf("%w: subscribe logs: %w", ErrChainUnavailable, lastErr)
}

// FilterQuery builds the address/topic0 filter shared by polling and subscriptions.
func FilterQuery(contract common.Address, topic common.Hash) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{topic}},
	}
}

func (c *RPCClient) call(ctx context.Context, op string, fn func(context.Context, *ethclient.Client) error) error {
	var lastErr error
	for _, ep := range c.endpoints {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrChainUnavailable, op, err)
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := fn(callCtx, ep.eth)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, ethereum.NotFound) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s: %w", ErrChainUnavailable, op, ctx.Err())
		}
		lastErr = err
		c.logger.Warn("rpc call failed", zap.String("op", op), zap.String("endpoint", redactURL(ep.url)), zap.Error(err))
	}
	return fmt.Errorf("%w: %s: %w", ErrChainUnavailable, op, lastErr)
}

// redactURL drops the path, which commonly carries provider API keys.
func redactURL(u string) string {
	scheme := ""
	if i := strings.Index(u, "://"); i >= 0 {
		scheme, u = u[:i+3], u[i+3:]
	}
	if i := strings.IndexAny(u, "/?"); i >= 0 {
		u = u[:i]
	}
	return scheme + u
}
