// Package rpc is the multi-provider EVM JSON-RPC client. Every chain fact the
// minter acts on is fetched from several independent providers in parallel
// and accepted only when they agree; a single lying or broken provider can
// delay the minter but never feed it a fact of its own making.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/chainsafe/evm-minter/internal/metrics"
	apperrors "github.com/chainsafe/evm-minter/pkg/app/errors"
	"github.com/chainsafe/evm-minter/pkg/config"
)

// Expected response sizes per call, in bytes. These price the budget charge
// for one provider; the HTTP header allowance is added on top.
const (
	headerSizeLimit            = 2 * 1024
	logsResponseEstimate       = 1024
	blockResponseEstimate      = 24 * 1024
	receiptResponseEstimate    = 700
	feeHistoryResponseEstimate = 512
	sendResponseEstimate       = 256
	txCountResponseEstimate    = 50
)

// transport is a single provider's JSON-RPC connection.
type transport interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Provider is one JSON-RPC endpoint in the pool.
type Provider struct {
	name string
	conn transport
}

// DialProvider connects to one endpoint.
func DialProvider(ctx context.Context, name, url string) (*Provider, error) {
	conn, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial provider %s: %w", name, err)
	}
	return &Provider{name: name, conn: conn}, nil
}

// NewProvider wraps an existing connection. Tests use this with a fake
// transport.
func NewProvider(name string, conn transport) *Provider {
	return &Provider{name: name, conn: conn}
}

// Name returns the configured provider name.
func (p *Provider) Name() string { return p.name }

// ConsensusStrategy sets how many providers answer one logical query and how
// many identical answers a majority reduction needs.
type ConsensusStrategy struct {
	Total int
	MinOK int
}

// Validate checks the strategy against the pool size.
func (s ConsensusStrategy) Validate(providers int) error {
	if s.MinOK < 1 {
		return fmt.Errorf("consensus min_ok must be at least 1, got %d", s.MinOK)
	}
	if s.MinOK > s.Total {
		return fmt.Errorf("consensus min_ok %d exceeds total %d", s.MinOK, s.Total)
	}
	if s.Total > providers {
		return fmt.Errorf("consensus total %d exceeds configured providers %d", s.Total, providers)
	}
	return nil
}

// Client fans a logical query out to the provider pool and reduces the
// answers. All methods charge the budget for the whole fan-out before any
// request leaves the process.
type Client struct {
	providers []*Provider
	nonce     *Provider
	strategy  ConsensusStrategy
	budget    *Budget
	timeout   time.Duration
	logger    *zap.Logger
}

// NewClient dials every configured endpoint and validates the consensus
// strategy against the pool.
func NewClient(ctx context.Context, cfg *config.ProvidersConfig, logger *zap.Logger) (*Client, error) {
	providers := make([]*Provider, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		p, err := DialProvider(ctx, ep.Name, ep.URL)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	strategy := ConsensusStrategy{Total: cfg.Consensus.Total, MinOK: cfg.Consensus.MinOK}
	budget := NewBudget(cfg.Budget.Capacity, cfg.Budget.Refill, cfg.Budget.RefillInterval)
	client, err := NewClientWithProviders(providers, strategy, budget, cfg.RequestTimeout, logger)
	if err != nil {
		return nil, err
	}
	if cfg.NonceProvider != "" {
		if err := client.designateNonceProvider(cfg.NonceProvider); err != nil {
			return nil, err
		}
	}
	return client, nil
}

// NewClientWithProviders assembles a client from already-connected providers.
func NewClientWithProviders(providers []*Provider, strategy ConsensusStrategy, budget *Budget, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}
	if err := strategy.Validate(len(providers)); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		providers: providers[:strategy.Total],
		nonce:     providers[0],
		strategy:  strategy,
		budget:    budget,
		timeout:   timeout,
		logger:    logger,
	}, nil
}

func (c *Client) designateNonceProvider(name string) error {
	for _, p := range c.providers {
		if p.name == name {
			c.nonce = p
			return nil
		}
	}
	return fmt.Errorf("nonce provider %q is not in the queried pool", name)
}

// BudgetLevel reports the remaining request budget, for metrics.
func (c *Client) BudgetLevel() uint64 {
	if c.budget == nil {
		return 0
	}
	return c.budget.Level()
}

// parallelCall issues one method to every pooled provider and collects the
// verbatim outcomes. The budget is charged for the full fan-out first;
// ErrInsufficientBudget means nothing was dispatched.
func parallelCall[T any](ctx context.Context, c *Client, method string, responseEstimate uint64, params ...interface{}) (MultiCallResults[T], error) {
	cost := (responseEstimate + headerSizeLimit) * uint64(len(c.providers))
	if c.budget != nil {
		if err := c.budget.Charge(cost); err != nil {
			return MultiCallResults[T]{}, err
		}
		metrics.BudgetLevel.Set(float64(c.budget.Level()))
	}

	type outcome struct {
		provider string
		value    T
		err      error
	}
	out := make(chan outcome, len(c.providers))
	var wg sync.WaitGroup
	for _, p := range c.providers {
		wg.Add(1)
		go func(p *Provider) {
			defer wg.Done()
			v, err := callOne[T](ctx, p, c.timeout, method, params...)
			out <- outcome{provider: p.name, value: v, err: err}
		}(p)
	}
	wg.Wait()
	close(out)

	results := newMultiCallResults[T](len(c.providers))
	for o := range out {
		if o.err != nil {
			c.logger.Debug("provider call failed",
				zap.String("provider", o.provider),
				zap.String("method", method),
				zap.Error(o.err))
			metrics.ProviderRequests.WithLabelValues(o.provider, method, "error").Inc()
			results.Errors[o.provider] = o.err
			continue
		}
		metrics.ProviderRequests.WithLabelValues(o.provider, method, "ok").Inc()
		results.OKs[o.provider] = o.value
	}
	return results, nil
}

// observeDisagreement counts failed reductions per method, passing the error
// through untouched.
func observeDisagreement(method string, err error) error {
	if apperrors.Is(err, apperrors.CategoryDisagreement) {
		metrics.ConsensusDisagreements.WithLabelValues(method).Inc()
	}
	return err
}

// callOne performs a single provider call and strictly decodes the response.
// Transport failures are transient; responses that do not decode into the
// expected shape are malformed.
func callOne[T any](ctx context.Context, p *Provider, timeout time.Duration, method string, params ...interface{}) (T, error) {
	var zero T
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var raw json.RawMessage
	if err := p.conn.CallContext(callCtx, &raw, method, params...); err != nil {
		return zero, apperrors.TransientError(err, "provider request failed")
	}
	var value T
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return zero, apperrors.MalformedError(
			fmt.Errorf("decoding %s response: %w", method, err),
			"provider returned undecodable data",
		)
	}
	return value, nil
}

// GetLogs fetches helper contract logs for an inclusive block range. The
// result is accepted only when every provider returns the identical set.
func (c *Client) GetLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topics [][]common.Hash) ([]LogEntry, error) {
	param := getLogsParam{
		FromBlock: BlockNumber(fromBlock),
		ToBlock:   BlockNumber(toBlock),
		Address:   addresses,
		Topics:    topics,
	}
	results, err := parallelCall[[]LogEntry](ctx, c, "eth_getLogs", logsResponseEstimate, param)
	if err != nil {
		return nil, err
	}
	logs, err := ReduceWithEquality(results)
	return logs, observeDisagreement("eth_getLogs", err)
}

// BlockByNumber fetches a block header by spec, reduced by equality.
func (c *Client) BlockByNumber(ctx context.Context, spec BlockSpec) (Block, error) {
	results, err := parallelCall[Block](ctx, c, "eth_getBlockByNumber", blockResponseEstimate, spec, false)
	if err != nil {
		return Block{}, err
	}
	block, err := ReduceWithEquality(results)
	return block, observeDisagreement("eth_getBlockByNumber", err)
}

// LatestBlockNumber returns the lowest tip among the providers, so a result
// is never ahead of what the slowest provider has seen.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	results, err := parallelCall[Block](ctx, c, "eth_getBlockByNumber", blockResponseEstimate, gethrpc.LatestBlockNumber, false)
	if err != nil {
		return 0, err
	}
	block, err := ReduceWithMinByKey(results, func(b Block) uint64 { return uint64(b.Number) })
	if err != nil {
		return 0, observeDisagreement("eth_getBlockByNumber", err)
	}
	return uint64(block.Number), nil
}

// TransactionCount returns the sender's transaction count at the given block,
// reduced by equality. Used with the finalized tag to learn which nonces can
// no longer change.
func (c *Client) TransactionCount(ctx context.Context, address common.Address, block BlockSpec) (uint64, error) {
	results, err := parallelCall[hexutil.Uint64](ctx, c, "eth_getTransactionCount", txCountResponseEstimate, address, block)
	if err != nil {
		return 0, err
	}
	count, err := ReduceWithEquality(results)
	return uint64(count), observeDisagreement("eth_getTransactionCount", err)
}

// LatestTransactionCount queries the designated nonce provider alone. The
// latest count differs legitimately between providers, so consensus over it
// would only ever disagree.
func (c *Client) LatestTransactionCount(ctx context.Context, address common.Address) (uint64, error) {
	cost := uint64(txCountResponseEstimate + headerSizeLimit)
	if c.budget != nil {
		if err := c.budget.Charge(cost); err != nil {
			return 0, err
		}
	}
	count, err := callOne[hexutil.Uint64](ctx, c.nonce, c.timeout, "eth_getTransactionCount", address, gethrpc.LatestBlockNumber)
	if err != nil {
		return 0, err
	}
	return uint64(count), nil
}

// FeeHistory fetches recent base fees and priority fee percentiles, reduced
// by strict majority: providers near the tip legitimately disagree, so the
// call succeeds once MinOK of them return the identical history.
func (c *Client) FeeHistory(ctx context.Context, blockCount uint64, newestBlock BlockSpec, rewardPercentiles []float64) (FeeHistory, error) {
	results, err := parallelCall[FeeHistory](ctx, c, "eth_feeHistory", feeHistoryResponseEstimate,
		hexutil.Uint64(blockCount), newestBlock, rewardPercentiles)
	if err != nil {
		return FeeHistory{}, err
	}
	history, err := ReduceWithStrictMajorityByKey(results, c.strategy.MinOK)
	return history, observeDisagreement("eth_feeHistory", err)
}

// TransactionReceipt fetches a receipt, reduced by equality. A nil receipt
// (transaction not mined) is an answer like any other and participates in
// the comparison.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*TransactionReceipt, error) {
	results, err := parallelCall[*TransactionReceipt](ctx, c, "eth_getTransactionReceipt", receiptResponseEstimate, txHash)
	if err != nil {
		return nil, err
	}
	receipt, err := ReduceWithEquality(results)
	return receipt, observeDisagreement("eth_getTransactionReceipt", err)
}

// SendRawTransaction broadcasts a signed transaction through every provider
// and reduces the normalized outcomes by equality. Submitting the same bytes
// everywhere is idempotent on chain; only the classification of each
// provider's answer must agree.
func (c *Client) SendRawTransaction(ctx context.Context, rawTx hexutil.Bytes) (SendOutcome, error) {
	cost := uint64((sendResponseEstimate + headerSizeLimit) * len(c.providers))
	if c.budget != nil {
		if err := c.budget.Charge(cost); err != nil {
			return 0, err
		}
		metrics.BudgetLevel.Set(float64(c.budget.Level()))
	}

	type outcome struct {
		provider string
		value    SendOutcome
		err      error
	}
	out := make(chan outcome, len(c.providers))
	var wg sync.WaitGroup
	for _, p := range c.providers {
		wg.Add(1)
		go func(p *Provider) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			var hash common.Hash
			err := p.conn.CallContext(callCtx, &hash, "eth_sendRawTransaction", rawTx)
			if err == nil {
				out <- outcome{provider: p.name, value: SendOk}
				return
			}
			if normalized, ok := normalizeSendError(err); ok {
				out <- outcome{provider: p.name, value: normalized}
				return
			}
			out <- outcome{provider: p.name, err: apperrors.TransientError(err, "transaction broadcast failed")}
		}(p)
	}
	wg.Wait()
	close(out)

	results := newMultiCallResults[SendOutcome](len(c.providers))
	for o := range out {
		if o.err != nil {
			c.logger.Debug("provider broadcast failed",
				zap.String("provider", o.provider),
				zap.Error(o.err))
			metrics.ProviderRequests.WithLabelValues(o.provider, "eth_sendRawTransaction", "error").Inc()
			results.Errors[o.provider] = o.err
			continue
		}
		metrics.ProviderRequests.WithLabelValues(o.provider, "eth_sendRawTransaction", "ok").Inc()
		results.OKs[o.provider] = o.value
	}
	sent, err := ReduceWithEquality(results)
	if err != nil {
		return 0, observeDisagreement("eth_sendRawTransaction", err)
	}
	metrics.TransactionsSent.WithLabelValues(sent.String()).Inc()
	return sent, nil
}

// normalizeSendError maps the provider-specific eth_sendRawTransaction error
// strings onto shared outcomes. Duplicate-submission answers count as Ok
// because the transaction reached the pool, just via someone else first.
func normalizeSendError(err error) (SendOutcome, bool) {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"),
		strings.Contains(msg, "already exists"),
		strings.Contains(msg, "known transaction"),
		strings.Contains(msg, "transaction already imported"):
		return SendOk, true
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "invalid nonce"),
		strings.Contains(msg, "oldnonce"):
		return SendNonceTooLow, true
	case strings.Contains(msg, "nonce too high"):
		return SendNonceTooHigh, true
	case strings.Contains(msg, "insufficient funds"):
		return SendInsufficientFunds, true
	default:
		return 0, false
	}
}
