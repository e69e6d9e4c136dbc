package withdraw

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/chainsafe/evm-minter/internal/metrics"
	apperrors "github.com/chainsafe/evm-minter/pkg/app/errors"
	"github.com/chainsafe/evm-minter/pkg/events"
	"github.com/chainsafe/evm-minter/pkg/guard"
	"github.com/chainsafe/evm-minter/pkg/rpc"
	"github.com/chainsafe/evm-minter/pkg/state"
)

// ProcessOnce runs one processing pass over the withdrawal container: refresh
// the fee estimate, re-price stale transactions, price new requests, sign,
// broadcast and finalize. A pass already in flight rejects the new one.
func (p *Processor) ProcessOnce(ctx context.Context) error {
	release, err := p.tasks.Start(guard.TaskProcessWithdrawals)
	if err != nil {
		return err
	}
	defer release()

	var (
		nothing     bool
		minPriority *uint256.Int
		chainID     uint64
	)
	p.minter.ReadState(func(s *state.State) {
		if s == nil {
			return
		}
		nothing = s.Withdrawals.NothingToProcess()
		minPriority = new(uint256.Int).Set(s.MinPriorityFee)
		chainID = s.ChainID
	})
	if minPriority == nil {
		return apperrors.TransientError(nil, "minter state is not ready")
	}
	if nothing {
		return nil
	}

	estimate, err := p.gasFeeEstimate(ctx, minPriority)
	if err != nil {
		return err
	}
	latestCount, err := p.chain.LatestTransactionCount(ctx, p.signer.Address())
	if err != nil {
		return fmt.Errorf("failed to fetch the latest transaction count: %w", err)
	}

	if err := p.resubmitTransactions(ctx, latestCount, estimate); err != nil {
		return err
	}
	if err := p.createTransactions(ctx, chainID, estimate); err != nil {
		return err
	}
	if err := p.signTransactions(ctx); err != nil {
		return err
	}
	p.sendTransactions(ctx, latestCount)
	if err := p.finalizeTransactions(ctx); err != nil {
		return err
	}

	p.publishWithdrawalMetrics()
	return nil
}

// resubmitTransactions re-prices signed-but-unmined transactions that the
// current estimate deems unmineable.
func (p *Processor) resubmitTransactions(ctx context.Context, latestCount uint64, estimate state.GasFeeEstimate) error {
	var replaced []*events.ReplacedTransaction
	p.minter.ReadState(func(s *state.State) {
		txs, errs := s.Withdrawals.CreateResubmitTransactions(latestCount, estimate)
		for _, err := range errs {
			p.logger.Warn("cannot resubmit a withdrawal transaction", zap.Error(err))
		}
		for _, tx := range txs {
			id, ok := s.Withdrawals.WithdrawalIDByNonce(tx.Nonce)
			if !ok {
				continue
			}
			replaced = append(replaced, &events.ReplacedTransaction{WithdrawalID: id, Transaction: *tx})
		}
	})
	if len(replaced) == 0 {
		return nil
	}
	payloads := make([]events.Payload, len(replaced))
	for i, r := range replaced {
		payloads[i] = r
	}
	if err := p.minter.ProcessEvents(ctx, payloads); err != nil {
		return fmt.Errorf("failed to record replacement transactions: %w", err)
	}
	for _, r := range replaced {
		p.logger.Info("replaced a withdrawal transaction",
			zap.Uint64("withdrawal_id", r.WithdrawalID),
			zap.Uint64("nonce", r.Transaction.Nonce),
			zap.String("max_fee_per_gas", r.Transaction.MaxFeePerGas.String()),
			zap.String("max_priority_fee_per_gas", r.Transaction.MaxPriorityFeePerGas.String()))
	}
	return nil
}

// createTransactions prices a batch of pending requests and attaches them to
// consecutive nonces. Requests whose amount cannot cover the priced fee move
// to the back of the queue instead of failing.
func (p *Processor) createTransactions(ctx context.Context, chainID uint64, estimate state.GasFeeEstimate) error {
	var (
		batch []*state.Withdrawal
		nonce uint64
	)
	p.minter.ReadState(func(s *state.State) {
		batch = s.Withdrawals.WithdrawalRequestsBatch(batchSize)
		nonce = s.Withdrawals.NextNonce()
	})

	var created []*events.CreatedTransaction
	for _, w := range batch {
		tx, ok := buildTransaction(w, chainID, nonce, estimate)
		if !ok {
			if err := p.minter.RescheduleWithdrawal(w.ID); err != nil {
				return err
			}
			p.logger.Info("rescheduled a withdrawal the fee estimate cannot cover",
				zap.Uint64("withdrawal_id", w.ID),
				zap.String("kind", w.Kind.String()),
				zap.String("amount", w.Amount.String()))
			continue
		}
		created = append(created, &events.CreatedTransaction{WithdrawalID: w.ID, Transaction: *tx})
		nonce++
	}
	if len(created) == 0 {
		return nil
	}
	payloads := make([]events.Payload, len(created))
	for i, c := range created {
		payloads[i] = c
	}
	if err := p.minter.ProcessEvents(ctx, payloads); err != nil {
		return fmt.Errorf("failed to record created transactions: %w", err)
	}
	for _, c := range created {
		p.logger.Info("created a withdrawal transaction",
			zap.Uint64("withdrawal_id", c.WithdrawalID),
			zap.Uint64("nonce", c.Transaction.Nonce),
			zap.Stringer("destination", c.Transaction.Destination))
	}
	return nil
}

// buildTransaction prices a withdrawal under the estimate. ok is false when
// the priced fee cannot be charged against the request.
func buildTransaction(w *state.Withdrawal, chainID, nonce uint64, estimate state.GasFeeEstimate) (*events.TransactionRequest, bool) {
	if w.Kind == state.WithdrawalErc20 {
		price := estimate.ToPrice(erc20GasLimit)
		if price.MaxTransactionFee().Gt(w.MaxTransactionFee) {
			return nil, false
		}
		return &events.TransactionRequest{
			ChainID:              chainID,
			Nonce:                nonce,
			MaxPriorityFeePerGas: price.MaxPriorityFeePerGas,
			MaxFeePerGas:         price.MaxFeePerGas,
			GasLimit:             price.GasLimit,
			Destination:          *w.TokenContract,
			Amount:               new(uint256.Int),
			Data:                 events.Erc20TransferData{To: w.Destination, Value: w.Amount}.Encode(),
		}, true
	}
	price := estimate.ToPrice(nativeGasLimit)
	maxFee := price.MaxTransactionFee()
	if !maxFee.Lt(w.Amount) {
		return nil, false
	}
	return &events.TransactionRequest{
		ChainID:              chainID,
		Nonce:                nonce,
		MaxPriorityFeePerGas: price.MaxPriorityFeePerGas,
		MaxFeePerGas:         price.MaxFeePerGas,
		GasLimit:             price.GasLimit,
		Destination:          w.Destination,
		Amount:               new(uint256.Int).Sub(w.Amount, maxFee),
	}, true
}

// signTransactions signs every created transaction whose current variant
// lacks a signature. Individual signing failures are skipped; the resulting
// nonce gap is tolerated by the send step.
func (p *Processor) signTransactions(ctx context.Context) error {
	var toSign []state.PendingTransaction
	p.minter.ReadState(func(s *state.State) {
		toSign = s.Withdrawals.TransactionsToSignBatch(batchSize)
	})
	for _, pt := range toSign {
		raw, hash, err := p.signer.SignTransaction(pt.Tx)
		if err != nil {
			p.logger.Error("failed to sign a withdrawal transaction",
				zap.Uint64("withdrawal_id", pt.WithdrawalID),
				zap.Error(err))
			continue
		}
		if err := p.minter.ProcessEvents(ctx, []events.Payload{
			&events.SignedTransaction{WithdrawalID: pt.WithdrawalID, RawTransaction: raw, Hash: hash},
		}); err != nil {
			return fmt.Errorf("failed to record a signed transaction: %w", err)
		}
		p.logger.Info("signed a withdrawal transaction",
			zap.Uint64("withdrawal_id", pt.WithdrawalID),
			zap.Uint64("nonce", pt.Tx.Nonce),
			zap.Stringer("hash", hash))
	}
	return nil
}

// sendTransactions broadcasts signed transactions whose nonce is not yet
// consumed. NonceTooLow means an earlier broadcast already landed, which the
// finalize step picks up; other rejections are retried on the next pass.
func (p *Processor) sendTransactions(ctx context.Context, latestCount uint64) {
	var candidates []state.SendCandidate
	p.minter.ReadState(func(s *state.State) {
		candidates = s.Withdrawals.TransactionsToSendBatch(latestCount, batchSize)
	})
	for _, c := range candidates {
		outcome, err := p.chain.SendRawTransaction(ctx, c.Raw)
		if err != nil {
			metrics.TransactionsSent.WithLabelValues("error").Inc()
			p.logger.Warn("failed to broadcast a withdrawal transaction",
				zap.Uint64("withdrawal_id", c.WithdrawalID),
				zap.Uint64("nonce", c.Nonce),
				zap.Error(err))
			continue
		}
		metrics.TransactionsSent.WithLabelValues(outcome.String()).Inc()
		switch outcome {
		case rpc.SendOk, rpc.SendNonceTooLow:
			if err := p.minter.MarkTransactionSent(c.WithdrawalID); err != nil {
				p.logger.Error("failed to mark a transaction as sent",
					zap.Uint64("withdrawal_id", c.WithdrawalID),
					zap.Error(err))
				continue
			}
			p.logger.Info("broadcast a withdrawal transaction",
				zap.Uint64("withdrawal_id", c.WithdrawalID),
				zap.Uint64("nonce", c.Nonce),
				zap.Stringer("hash", c.Hash),
				zap.Stringer("outcome", outcome))
		default:
			p.logger.Error("the network rejected a withdrawal transaction",
				zap.Uint64("withdrawal_id", c.WithdrawalID),
				zap.Uint64("nonce", c.Nonce),
				zap.Stringer("outcome", outcome))
		}
	}
}

// finalizeTransactions settles every withdrawal whose nonce the chain has
// finalized. Exactly one signed variant per nonce can mine; the set of
// withdrawal ids expected to finalize must equal the set that did.
func (p *Processor) finalizeTransactions(ctx context.Context) error {
	finalizedCount, err := p.chain.TransactionCount(ctx, p.signer.Address(), gethrpc.FinalizedBlockNumber)
	if err != nil {
		return fmt.Errorf("failed to fetch the finalized transaction count: %w", err)
	}
	var candidates map[common.Hash]uint64
	p.minter.ReadState(func(s *state.State) {
		candidates = s.Withdrawals.SentTransactionsToFinalize(finalizedCount)
	})
	if len(candidates) == 0 {
		return nil
	}

	expected := make(map[uint64]struct{})
	for _, id := range candidates {
		expected[id] = struct{}{}
	}
	receipts := make(map[uint64]*events.Receipt)
	for hash, id := range candidates {
		tr, err := p.chain.TransactionReceipt(ctx, hash)
		if err != nil {
			return fmt.Errorf("failed to fetch the receipt of %s: %w", hash, err)
		}
		if tr == nil {
			// A replaced variant; another hash of the same nonce mined.
			continue
		}
		receipt, err := convertReceipt(hash, tr)
		if err != nil {
			return err
		}
		if _, dup := receipts[id]; dup {
			return apperrors.InvariantError(nil, fmt.Sprintf(
				"withdrawal %d has receipts for two transaction variants", id))
		}
		receipts[id] = receipt
	}
	if len(receipts) != len(expected) {
		var missing []uint64
		for id := range expected {
			if _, ok := receipts[id]; !ok {
				missing = append(missing, id)
			}
		}
		sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
		return apperrors.InvariantError(nil, fmt.Sprintf(
			"withdrawals %v are past the finalized count but have no mined receipt", missing))
	}

	ids := make([]uint64, 0, len(receipts))
	for id := range receipts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	payloads := make([]events.Payload, len(ids))
	for i, id := range ids {
		payloads[i] = &events.FinalizedTransaction{WithdrawalID: id, Receipt: *receipts[id]}
	}
	if err := p.minter.ProcessEvents(ctx, payloads); err != nil {
		return fmt.Errorf("failed to record finalized transactions: %w", err)
	}
	for _, id := range ids {
		r := receipts[id]
		p.logger.Info("finalized a withdrawal transaction",
			zap.Uint64("withdrawal_id", id),
			zap.Stringer("tx_hash", r.TxHash),
			zap.Stringer("status", r.Status),
			zap.Uint64("block_number", r.BlockNumber))
	}
	return nil
}

// convertReceipt validates a provider receipt and converts it to the stored
// form.
func convertReceipt(hash common.Hash, tr *rpc.TransactionReceipt) (*events.Receipt, error) {
	if tr.TransactionHash != hash {
		return nil, apperrors.MalformedError(nil, fmt.Sprintf(
			"receipt for %s carries transaction hash %s", hash, tr.TransactionHash))
	}
	price, err := toUint256(tr.EffectiveGasPrice)
	if err != nil {
		return nil, apperrors.MalformedError(err, fmt.Sprintf(
			"receipt %s carries a bad effective gas price", hash))
	}
	status := uint64(tr.Status)
	if status != uint64(events.ReceiptStatusFailure) && status != uint64(events.ReceiptStatusSuccess) {
		return nil, apperrors.MalformedError(nil, fmt.Sprintf(
			"receipt %s carries status %d", hash, status))
	}
	return &events.Receipt{
		BlockHash:         tr.BlockHash,
		BlockNumber:       uint64(tr.BlockNumber),
		EffectiveGasPrice: price,
		GasUsed:           uint64(tr.GasUsed),
		Status:            events.ReceiptStatus(status),
		TxHash:            tr.TransactionHash,
	}, nil
}

// publishWithdrawalMetrics refreshes the per-state withdrawal gauges.
func (p *Processor) publishWithdrawalMetrics() {
	counts := make(map[state.WithdrawalState]int)
	p.minter.ReadState(func(s *state.State) {
		for _, st := range s.Withdrawals.SearchWithdrawals(nil, nil) {
			counts[st.State]++
		}
	})
	for _, ws := range []state.WithdrawalState{
		state.WithdrawalStatePending,
		state.WithdrawalStateTxCreated,
		state.WithdrawalStateTxSent,
		state.WithdrawalStateSuccess,
		state.WithdrawalStatePendingReimbursement,
		state.WithdrawalStateReimbursed,
		state.WithdrawalStateQuarantined,
	} {
		metrics.WithdrawalsByState.WithLabelValues(string(ws)).Set(float64(counts[ws]))
	}
}
