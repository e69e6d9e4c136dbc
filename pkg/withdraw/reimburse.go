package withdraw

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/chainsafe/evm-minter/internal/metrics"
	"github.com/chainsafe/evm-minter/pkg/events"
	"github.com/chainsafe/evm-minter/pkg/guard"
	"github.com/chainsafe/evm-minter/pkg/ledger"
	"github.com/chainsafe/evm-minter/pkg/state"
)

// reimbursementWork is one queued reimbursement resolved against the token
// registry: the ledger instrument to credit and the amount in ledger units.
type reimbursementWork struct {
	key        state.ReimbursementKey
	to         events.Account
	txHash     *common.Hash
	amount     *uint256.Int
	instrument string
	units      string
	convErr    error
}

// ReimburseOnce mints every queued reimbursement back on the settlement
// ledger. Transient ledger failures leave the request queued for the next
// pass; permanent ones quarantine it for manual resolution.
func (p *Processor) ReimburseOnce(ctx context.Context) error {
	release, err := p.tasks.Start(guard.TaskReimbursement)
	if err != nil {
		return err
	}
	defer release()

	var work []reimbursementWork
	p.minter.ReadState(func(s *state.State) {
		if s == nil {
			return
		}
		for _, req := range s.Withdrawals.ReimbursementRequests() {
			w := reimbursementWork{
				key:    req.Key,
				to:     req.To,
				txHash: req.TxHash,
				amount: req.Amount,
			}
			if req.Key.Erc20 {
				w.instrument = req.LedgerID.String()
				token, ok := s.FindTokenByLedgerID(req.LedgerID)
				if !ok {
					w.convErr = fmt.Errorf("no registered token for ledger id %s", req.LedgerID)
				} else {
					w.units, w.convErr = ledger.ToLedgerAmount(req.Amount, int(token.Decimals), int(token.Decimals))
				}
			} else {
				w.instrument = s.NativeSymbol
				w.units, w.convErr = ledger.WeiToLedger(req.Amount, p.cfg.LedgerDecimals)
			}
			work = append(work, w)
		}
	})

	for _, w := range work {
		if err := p.reimburse(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) reimburse(ctx context.Context, w reimbursementWork) error {
	if w.convErr != nil {
		p.logger.Error("cannot convert a reimbursement to ledger units, quarantining",
			zap.Uint64("withdrawal_id", w.key.WithdrawalID),
			zap.Error(w.convErr))
		return p.quarantineReimbursement(ctx, w.key)
	}

	key := ledger.IdempotencyKey("reimburse", strconv.FormatUint(w.key.WithdrawalID, 10))
	if w.key.Erc20 {
		key = ledger.IdempotencyKey("reimburse-erc20",
			strconv.FormatUint(w.key.WithdrawalID, 10),
			strconv.FormatUint(w.key.Erc20BurnIndex, 10))
	}
	index, err := p.ledger.Mint(ctx, &ledger.MintRequest{
		Instrument: w.instrument,
		To:         w.to,
		Amount:     w.units,
		Key:        key,
	})
	if err != nil {
		if isTransientLedgerError(err) {
			p.logger.Warn("reimbursement mint failed, will retry",
				zap.Uint64("withdrawal_id", w.key.WithdrawalID),
				zap.Error(err))
			return nil
		}
		p.logger.Error("the settlement ledger rejected a reimbursement, quarantining",
			zap.Uint64("withdrawal_id", w.key.WithdrawalID),
			zap.Error(err))
		return p.quarantineReimbursement(ctx, w.key)
	}

	payload := reimbursedPayload(w.key, index, w.amount, w.txHash)
	if err := p.minter.ProcessEvents(ctx, []events.Payload{payload}); err != nil {
		return fmt.Errorf("failed to record a reimbursement: %w", err)
	}
	metrics.Reimbursements.WithLabelValues("completed").Inc()
	p.logger.Info("reimbursed a failed withdrawal",
		zap.Uint64("withdrawal_id", w.key.WithdrawalID),
		zap.String("instrument", w.instrument),
		zap.String("amount", w.units),
		zap.Uint64("mint_index", index))
	return nil
}

func (p *Processor) quarantineReimbursement(ctx context.Context, key state.ReimbursementKey) error {
	q := &events.QuarantinedReimbursement{WithdrawalID: key.WithdrawalID}
	if key.Erc20 {
		idx := key.Erc20BurnIndex
		q.Erc20BurnIndex = &idx
	}
	if err := p.minter.ProcessEvents(ctx, []events.Payload{q}); err != nil {
		return fmt.Errorf("failed to record a quarantined reimbursement: %w", err)
	}
	metrics.Reimbursements.WithLabelValues("quarantined").Inc()
	return nil
}

func reimbursedPayload(key state.ReimbursementKey, mintIndex uint64, amount *uint256.Int, txHash *common.Hash) events.Payload {
	if key.Erc20 {
		return &events.ReimbursedErc20Withdrawal{
			WithdrawalID:   key.WithdrawalID,
			Erc20BurnIndex: key.Erc20BurnIndex,
			MintIndex:      mintIndex,
			Amount:         amount,
			TxHash:         txHash,
		}
	}
	return &events.ReimbursedWithdrawal{
		WithdrawalID: key.WithdrawalID,
		MintIndex:    mintIndex,
		Amount:       amount,
		TxHash:       txHash,
	}
}
