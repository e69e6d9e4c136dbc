// Package withdraw drives withdrawals from intake through transaction
// finalization: requests burn funds on the settlement ledger, get priced into
// EIP-1559 transactions, signed, broadcast, and settled against finalized
// receipts. Failed payouts are minted back by the reimbursement pass.
package withdraw

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/chainsafe/evm-minter/internal/metrics"
	apperrors "github.com/chainsafe/evm-minter/pkg/app/errors"
	"github.com/chainsafe/evm-minter/pkg/events"
	"github.com/chainsafe/evm-minter/pkg/guard"
	"github.com/chainsafe/evm-minter/pkg/ledger"
	"github.com/chainsafe/evm-minter/pkg/minter"
	"github.com/chainsafe/evm-minter/pkg/rpc"
	"github.com/chainsafe/evm-minter/pkg/state"
)

// Gas limits by payout type. A native payout is a plain value transfer; an
// ERC-20 payout pays for the token contract's transfer execution.
const (
	nativeGasLimit uint64 = 21_000
	erc20GasLimit  uint64 = 66_000
)

// batchSize bounds how many withdrawals each step of a processing pass
// touches.
const batchSize = 5

// Gas fee estimate cache tuning.
const (
	gasEstimateTTL       = 10 * time.Second
	gasRefreshAttempts   = 3
	feeHistoryBlocks     = 5
	feeHistoryPercentile = 50
)

// ChainClient is the subset of the RPC client the withdrawal processor uses.
type ChainClient interface {
	FeeHistory(ctx context.Context, blockCount uint64, newestBlock rpc.BlockSpec, rewardPercentiles []float64) (rpc.FeeHistory, error)
	LatestTransactionCount(ctx context.Context, address common.Address) (uint64, error)
	TransactionCount(ctx context.Context, address common.Address, block rpc.BlockSpec) (uint64, error)
	SendRawTransaction(ctx context.Context, rawTx hexutil.Bytes) (rpc.SendOutcome, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*rpc.TransactionReceipt, error)
}

// LedgerClient is the subset of the settlement ledger client the processor
// uses: burns on intake, mints for reimbursements, transfers for the optional
// intake fee.
type LedgerClient interface {
	Mint(ctx context.Context, req *ledger.MintRequest) (uint64, error)
	BurnFrom(ctx context.Context, req *ledger.BurnRequest) (uint64, error)
	Transfer(ctx context.Context, req *ledger.TransferRequest) (uint64, error)
}

// TxSigner signs withdrawal transactions with the minter's EVM key.
type TxSigner interface {
	Address() common.Address
	SignTransaction(req *events.TransactionRequest) (hexutil.Bytes, common.Hash, error)
}

// Config carries the withdrawal settings assembled from the withdrawal and
// ledger configuration sections.
type Config struct {
	// Fee is an optional flat intake fee in wei. Nil or zero disables it.
	Fee *uint256.Int
	// TransferFee is the ledger's flat transfer fee, used when refunding the
	// intake fee after a failed burn.
	TransferFee *uint256.Int
	// FeeAccount receives intake fees. Required when Fee is set.
	FeeAccount     *events.Account
	LedgerDecimals int
	// MaxConcurrent bounds in-flight intake calls across all principals.
	MaxConcurrent int
	// MaxPending bounds the withdrawal queue; intake is rejected beyond it.
	MaxPending int
}

// Processor owns the withdrawal lifecycle: intake, the processing pass and
// the reimbursement pass. Passes are serialized through the task guard.
type Processor struct {
	minter *minter.Minter
	chain  ChainClient
	ledger LedgerClient
	signer TxSigner
	tasks  *guard.TaskGuard
	intake *guard.WithdrawGuard
	cfg    Config
	logger *zap.Logger

	gasMu       sync.Mutex
	gasEstimate state.GasFeeEstimate
	gasFetched  time.Time

	wake chan struct{}
	now  func() time.Time
}

// New assembles a processor around the event-sourced core.
func New(m *minter.Minter, chain ChainClient, ledgerClient LedgerClient, signer TxSigner, tasks *guard.TaskGuard, cfg Config, logger *zap.Logger) *Processor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 100
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 1000
	}
	return &Processor{
		minter: m,
		chain:  chain,
		ledger: ledgerClient,
		signer: signer,
		tasks:  tasks,
		intake: guard.NewWithdrawGuard(cfg.MaxConcurrent, cfg.MaxPending, func() int {
			var n int
			m.ReadState(func(s *state.State) {
				if s != nil {
					n = s.Withdrawals.QueueLen()
				}
			})
			return n
		}),
		cfg:    cfg,
		logger: logger,
		wake:   make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Wake signals the processing loop that new work arrived. Never blocks.
func (p *Processor) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// WakeC is the channel the processing loop selects on alongside its ticker.
func (p *Processor) WakeC() <-chan struct{} { return p.wake }

// HasWork reports whether anything is pending in the withdrawal container,
// i.e. whether a retry pass should be scheduled.
func (p *Processor) HasWork() bool {
	var pending bool
	p.minter.ReadState(func(s *state.State) {
		pending = s != nil && !s.Withdrawals.NothingToProcess()
	})
	return pending
}

// GasPrice returns the EIP-1559 price of a plain native transfer under the
// current fee estimate, refreshing it when stale.
func (p *Processor) GasPrice(ctx context.Context) (state.TransactionPrice, error) {
	var minPriority *uint256.Int
	p.minter.ReadState(func(s *state.State) {
		if s != nil {
			minPriority = new(uint256.Int).Set(s.MinPriorityFee)
		}
	})
	if minPriority == nil {
		return state.TransactionPrice{}, apperrors.TransientError(nil, "minter state is not ready")
	}
	estimate, err := p.gasFeeEstimate(ctx, minPriority)
	if err != nil {
		return state.TransactionPrice{}, err
	}
	return estimate.ToPrice(nativeGasLimit), nil
}

// gasFeeEstimate returns the cached fee estimate, refreshing it from fee
// history once it is older than gasEstimateTTL. A refresh retries a few times
// before the caller gives up on the pass.
func (p *Processor) gasFeeEstimate(ctx context.Context, minPriorityFee *uint256.Int) (state.GasFeeEstimate, error) {
	p.gasMu.Lock()
	defer p.gasMu.Unlock()

	if p.gasEstimate.BaseFee != nil {
		age := p.now().Sub(p.gasFetched)
		if age < gasEstimateTTL {
			metrics.GasEstimateAge.Set(age.Seconds())
			return p.gasEstimate, nil
		}
	}

	var lastErr error
	for attempt := 1; attempt <= gasRefreshAttempts; attempt++ {
		estimate, err := p.refreshGasFee(ctx, minPriorityFee)
		if err != nil {
			lastErr = err
			p.logger.Warn("gas fee refresh failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		p.gasEstimate = estimate
		p.gasFetched = p.now()
		metrics.GasEstimateAge.Set(0)
		return estimate, nil
	}
	return state.GasFeeEstimate{}, fmt.Errorf(
		"failed to refresh the gas fee estimate after %d attempts: %w", gasRefreshAttempts, lastErr)
}

// refreshGasFee derives a fresh estimate from eth_feeHistory: the base fee of
// the block being built and the median of the sampled priority fee rewards,
// clamped to the configured minimum.
func (p *Processor) refreshGasFee(ctx context.Context, minPriorityFee *uint256.Int) (state.GasFeeEstimate, error) {
	history, err := p.chain.FeeHistory(ctx, feeHistoryBlocks, gethrpc.LatestBlockNumber, []float64{feeHistoryPercentile})
	if err != nil {
		return state.GasFeeEstimate{}, fmt.Errorf("failed to fetch fee history: %w", err)
	}
	if len(history.BaseFeePerGas) == 0 {
		return state.GasFeeEstimate{}, errors.New("fee history carries no base fees")
	}
	baseFee, err := toUint256(history.BaseFeePerGas[len(history.BaseFeePerGas)-1])
	if err != nil {
		return state.GasFeeEstimate{}, fmt.Errorf("fee history carries a bad base fee: %w", err)
	}

	var rewards []*uint256.Int
	for _, block := range history.Reward {
		for _, r := range block {
			v, err := toUint256(r)
			if err != nil {
				return state.GasFeeEstimate{}, fmt.Errorf("fee history carries a bad reward: %w", err)
			}
			rewards = append(rewards, v)
		}
	}
	if len(rewards) == 0 {
		return state.GasFeeEstimate{}, errors.New("fee history carries no priority fee rewards")
	}
	sort.Slice(rewards, func(i, j int) bool { return rewards[i].Lt(rewards[j]) })
	priority := rewards[len(rewards)/2]
	if priority.Lt(minPriorityFee) {
		priority = new(uint256.Int).Set(minPriorityFee)
	}
	return state.GasFeeEstimate{BaseFee: baseFee, MaxPriorityFeePerGas: priority}, nil
}

func toUint256(h *hexutil.Big) (*uint256.Int, error) {
	if h == nil {
		return nil, errors.New("missing quantity")
	}
	v, overflow := uint256.FromBig((*big.Int)(h))
	if overflow {
		return nil, fmt.Errorf("quantity %s overflows 256 bits", h)
	}
	return v, nil
}

// isTransientLedgerError reports whether a ledger failure is worth retrying
// on a later pass.
func isTransientLedgerError(err error) bool {
	return apperrors.Is(err, apperrors.CategoryTransient) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
