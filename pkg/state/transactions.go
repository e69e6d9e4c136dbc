package state

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	apperrors "github.com/chainsafe/evm-minter/pkg/app/errors"
	"github.com/chainsafe/evm-minter/pkg/events"
)

// WithdrawalKind distinguishes payouts of the native asset from ERC-20
// transfers. The two differ in how the transaction fee is charged: native
// withdrawals pay the fee out of the withdrawal amount, ERC-20 withdrawals
// carry a separate native-denominated fee deposit.
type WithdrawalKind uint8

const (
	WithdrawalNative WithdrawalKind = iota
	WithdrawalErc20
)

func (k WithdrawalKind) String() string {
	if k == WithdrawalErc20 {
		return "erc20"
	}
	return "native"
}

// Withdrawal is an accepted withdrawal request waiting for, or attached to,
// an outgoing transaction. ID is the settlement ledger burn index, which is
// unique across both kinds.
type Withdrawal struct {
	ID                uint64
	Kind              WithdrawalKind
	Amount            *uint256.Int
	MaxTransactionFee *uint256.Int
	TokenContract     *common.Address
	LedgerID          events.AccountID
	Erc20BurnIndex    uint64
	Destination       common.Address
	From              events.Account
	CreatedAt         int64
}

func (w *Withdrawal) clone() *Withdrawal {
	out := *w
	out.Amount = new(uint256.Int).Set(w.Amount)
	if w.MaxTransactionFee != nil {
		out.MaxTransactionFee = new(uint256.Int).Set(w.MaxTransactionFee)
	}
	if w.TokenContract != nil {
		addr := *w.TokenContract
		out.TokenContract = &addr
	}
	out.LedgerID = append(events.AccountID(nil), w.LedgerID...)
	if w.From.Subaccount != nil {
		sub := *w.From.Subaccount
		out.From.Subaccount = &sub
	}
	return &out
}

// SignedTx is one signed variant of a withdrawal transaction. Resubmission
// produces several variants for the same nonce; exactly one of them can mine.
type SignedTx struct {
	Tx   *events.TransactionRequest
	Raw  hexutil.Bytes
	Hash common.Hash
}

// PendingTransaction pairs a created transaction with its withdrawal for the
// signing step.
type PendingTransaction struct {
	WithdrawalID uint64
	Tx           *events.TransactionRequest
}

// SendCandidate is a signed transaction eligible for broadcast.
type SendCandidate struct {
	WithdrawalID uint64
	Nonce        uint64
	Raw          hexutil.Bytes
	Hash         common.Hash
}

// FinalizedWithdrawal carries everything needed to settle balances after a
// transaction finalizes: the original request, the transaction variant that
// mined, and its receipt.
type FinalizedWithdrawal struct {
	Request *Withdrawal
	Tx      *events.TransactionRequest
	Receipt *events.Receipt
}

// ReimbursementKey identifies a reimbursement. Native reimbursements are
// keyed by the withdrawal's ledger burn index alone; ERC-20 ones also carry
// the token burn index since one withdrawal involves two burns.
type ReimbursementKey struct {
	WithdrawalID   uint64
	Erc20          bool
	Erc20BurnIndex uint64
}

// ReimbursementRequest is a pending obligation to mint funds back on the
// settlement ledger after a withdrawal failed.
type ReimbursementRequest struct {
	Key      ReimbursementKey
	Token    *common.Address
	LedgerID events.AccountID
	Amount   *uint256.Int
	To       events.Account
	TxHash   *common.Hash
}

func (r *ReimbursementRequest) clone() *ReimbursementRequest {
	out := *r
	out.Amount = new(uint256.Int).Set(r.Amount)
	if r.Token != nil {
		addr := *r.Token
		out.Token = &addr
	}
	out.LedgerID = append(events.AccountID(nil), r.LedgerID...)
	if r.To.Subaccount != nil {
		sub := *r.To.Subaccount
		out.To.Subaccount = &sub
	}
	if r.TxHash != nil {
		h := *r.TxHash
		out.TxHash = &h
	}
	return &out
}

// Reimbursed records a completed reimbursement mint.
type Reimbursed struct {
	MintIndex uint64
	Amount    *uint256.Int
	TxHash    *common.Hash
}

func (r *Reimbursed) clone() *Reimbursed {
	out := *r
	out.Amount = new(uint256.Int).Set(r.Amount)
	if r.TxHash != nil {
		h := *r.TxHash
		out.TxHash = &h
	}
	return &out
}

// processedWithdrawal tracks a withdrawal from transaction creation to
// finalization. signed accumulates every variant ever signed for the nonce.
// sent is volatile: it is never reconstructed by replay, only re-marked when
// the current variant is rebroadcast.
type processedWithdrawal struct {
	request       *Withdrawal
	nonce         uint64
	current       *events.TransactionRequest
	currentSigned bool
	signed        []*SignedTx
	sent          bool
	finalized     *events.Receipt
	finalTx       *events.TransactionRequest
}

// WithdrawalTransactions holds every withdrawal known to the state, from the
// pending intake queue through finalization and reimbursement. All mutators
// validate their transition and return an invariant error on any mismatch;
// callers must treat such an error as fatal.
type WithdrawalTransactions struct {
	pending      []*Withdrawal
	processed    map[uint64]*processedWithdrawal
	byNonce      map[uint64]uint64
	reimbursable map[ReimbursementKey]*ReimbursementRequest
	reimbursed   map[ReimbursementKey]*Reimbursed
	quarantined  map[ReimbursementKey]struct{}
	nextNonce    uint64
}

func NewWithdrawalTransactions(nextNonce uint64) *WithdrawalTransactions {
	return &WithdrawalTransactions{
		processed:    make(map[uint64]*processedWithdrawal),
		byNonce:      make(map[uint64]uint64),
		reimbursable: make(map[ReimbursementKey]*ReimbursementRequest),
		reimbursed:   make(map[ReimbursementKey]*Reimbursed),
		quarantined:  make(map[ReimbursementKey]struct{}),
		nextNonce:    nextNonce,
	}
}

func (wt *WithdrawalTransactions) NextNonce() uint64 { return wt.nextNonce }

// QueueLen is the number of accepted requests not yet attached to a
// transaction.
func (wt *WithdrawalTransactions) QueueLen() int { return len(wt.pending) }

// ProcessingCount is the number of created transactions not yet finalized.
func (wt *WithdrawalTransactions) ProcessingCount() int {
	n := 0
	for _, p := range wt.processed {
		if p.finalized == nil {
			n++
		}
	}
	return n
}

// NothingToProcess reports whether a processing pass can be skipped entirely.
func (wt *WithdrawalTransactions) NothingToProcess() bool {
	return len(wt.pending) == 0 && wt.ProcessingCount() == 0
}

// RecordWithdrawalRequest appends an accepted request to the intake queue.
func (wt *WithdrawalTransactions) RecordWithdrawalRequest(w *Withdrawal) error {
	if wt.knownWithdrawalID(w.ID) {
		return apperrors.InvariantError(nil, fmt.Sprintf("duplicate withdrawal id %d", w.ID))
	}
	if w.Kind == WithdrawalErc20 {
		if w.TokenContract == nil || w.MaxTransactionFee == nil || len(w.LedgerID) == 0 {
			return apperrors.InvariantError(nil, fmt.Sprintf("erc20 withdrawal %d missing token data", w.ID))
		}
	}
	wt.pending = append(wt.pending, w)
	return nil
}

func (wt *WithdrawalTransactions) knownWithdrawalID(id uint64) bool {
	for _, w := range wt.pending {
		if w.ID == id {
			return true
		}
	}
	_, ok := wt.processed[id]
	return ok
}

// RescheduleWithdrawalRequest moves a pending request to the back of the
// queue, letting the rest of the batch proceed ahead of it.
func (wt *WithdrawalTransactions) RescheduleWithdrawalRequest(id uint64) error {
	for i, w := range wt.pending {
		if w.ID == id {
			wt.pending = append(append(wt.pending[:i:i], wt.pending[i+1:]...), w)
			return nil
		}
	}
	return apperrors.InvariantError(nil, fmt.Sprintf("cannot reschedule unknown withdrawal %d", id))
}

// WithdrawalRequestsBatch returns up to n requests from the front of the
// queue.
func (wt *WithdrawalTransactions) WithdrawalRequestsBatch(n int) []*Withdrawal {
	if n > len(wt.pending) {
		n = len(wt.pending)
	}
	out := make([]*Withdrawal, n)
	copy(out, wt.pending[:n])
	return out
}

// validateTransaction checks that a transaction is consistent with the
// withdrawal it pays out.
func validateTransaction(w *Withdrawal, tx *events.TransactionRequest) error {
	maxFee, err := tx.MaxTransactionFee()
	if err != nil {
		return apperrors.InvariantError(err, fmt.Sprintf("withdrawal %d: invalid transaction fee", w.ID))
	}
	switch w.Kind {
	case WithdrawalNative:
		if tx.Destination != w.Destination {
			return apperrors.InvariantError(nil, fmt.Sprintf("withdrawal %d: destination mismatch", w.ID))
		}
		if len(tx.Data) != 0 {
			return apperrors.InvariantError(nil, fmt.Sprintf("withdrawal %d: native transfer carries calldata", w.ID))
		}
		sum, overflow := new(uint256.Int).AddOverflow(tx.Amount, maxFee)
		if overflow || !sum.Eq(w.Amount) {
			return apperrors.InvariantError(nil, fmt.Sprintf(
				"withdrawal %d: amount %s plus fee %s does not equal request amount %s",
				w.ID, tx.Amount, maxFee, w.Amount))
		}
	case WithdrawalErc20:
		if tx.Destination != *w.TokenContract {
			return apperrors.InvariantError(nil, fmt.Sprintf("withdrawal %d: transaction not addressed to token contract", w.ID))
		}
		if !tx.Amount.IsZero() {
			return apperrors.InvariantError(nil, fmt.Sprintf("withdrawal %d: erc20 transfer carries native value", w.ID))
		}
		if maxFee.Gt(w.MaxTransactionFee) {
			return apperrors.InvariantError(nil, fmt.Sprintf(
				"withdrawal %d: transaction fee %s exceeds charged maximum %s",
				w.ID, maxFee, w.MaxTransactionFee))
		}
		transfer, err := events.DecodeErc20Transfer(tx.Data)
		if err != nil {
			return apperrors.InvariantError(err, fmt.Sprintf("withdrawal %d: bad transfer calldata", w.ID))
		}
		if transfer.To != w.Destination || !transfer.Value.Eq(w.Amount) {
			return apperrors.InvariantError(nil, fmt.Sprintf("withdrawal %d: transfer calldata mismatch", w.ID))
		}
	}
	return nil
}

// RecordCreatedTransaction moves a pending request into processing with its
// first transaction. The nonce must be the next unused one.
func (wt *WithdrawalTransactions) RecordCreatedTransaction(id uint64, tx *events.TransactionRequest) error {
	idx := -1
	for i, w := range wt.pending {
		if w.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return apperrors.InvariantError(nil, fmt.Sprintf("created transaction for unknown withdrawal %d", id))
	}
	if tx.Nonce != wt.nextNonce {
		return apperrors.InvariantError(nil, fmt.Sprintf(
			"created transaction for withdrawal %d uses nonce %d, expected %d", id, tx.Nonce, wt.nextNonce))
	}
	w := wt.pending[idx]
	if err := validateTransaction(w, tx); err != nil {
		return err
	}
	wt.pending = append(wt.pending[:idx:idx], wt.pending[idx+1:]...)
	wt.processed[id] = &processedWithdrawal{
		request: w,
		nonce:   tx.Nonce,
		current: tx.Clone(),
	}
	wt.byNonce[tx.Nonce] = id
	wt.nextNonce++
	return nil
}

// WithdrawalIDByNonce resolves which unfinalized withdrawal occupies a nonce.
func (wt *WithdrawalTransactions) WithdrawalIDByNonce(nonce uint64) (uint64, bool) {
	id, ok := wt.byNonce[nonce]
	return id, ok
}

// CreateResubmitTransactions builds replacement transactions for every
// unmined signed transaction whose price is stale under the given estimate.
// Per-withdrawal failures are reported without blocking the others.
func (wt *WithdrawalTransactions) CreateResubmitTransactions(latestCount uint64, fee GasFeeEstimate) ([]*events.TransactionRequest, []error) {
	var txs []*events.TransactionRequest
	var errs []error
	for _, p := range wt.sortedUnfinalized() {
		if p.nonce < latestCount || len(p.signed) == 0 {
			continue
		}
		cur := p.current
		price := TransactionPrice{
			GasLimit:             cur.GasLimit,
			MaxFeePerGas:         cur.MaxFeePerGas,
			MaxPriorityFeePerGas: cur.MaxPriorityFeePerGas,
		}
		newPrice := price.ResubmitPrice(fee)
		if newPrice.MaxFeePerGas.Eq(price.MaxFeePerGas) &&
			newPrice.MaxPriorityFeePerGas.Eq(price.MaxPriorityFeePerGas) {
			continue
		}
		newTx := cur.Clone()
		newTx.MaxFeePerGas = newPrice.MaxFeePerGas
		newTx.MaxPriorityFeePerGas = newPrice.MaxPriorityFeePerGas
		newMaxFee := newPrice.MaxTransactionFee()
		switch p.request.Kind {
		case WithdrawalNative:
			if newMaxFee.Gt(p.request.Amount) {
				errs = append(errs, fmt.Errorf(
					"withdrawal %d: resubmit fee %s exceeds withdrawal amount %s",
					p.request.ID, newMaxFee, p.request.Amount))
				continue
			}
			newTx.Amount = new(uint256.Int).Sub(p.request.Amount, newMaxFee)
		case WithdrawalErc20:
			if newMaxFee.Gt(p.request.MaxTransactionFee) {
				errs = append(errs, fmt.Errorf(
					"withdrawal %d: resubmit fee %s exceeds charged maximum %s",
					p.request.ID, newMaxFee, p.request.MaxTransactionFee))
				continue
			}
		}
		txs = append(txs, newTx)
	}
	return txs, errs
}

// RecordResubmitTransaction replaces the current transaction of the
// withdrawal occupying the nonce. Only price and, for native withdrawals,
// amount may change.
func (wt *WithdrawalTransactions) RecordResubmitTransaction(tx *events.TransactionRequest) error {
	id, ok := wt.byNonce[tx.Nonce]
	if !ok {
		return apperrors.InvariantError(nil, fmt.Sprintf("replacement transaction for unoccupied nonce %d", tx.Nonce))
	}
	p := wt.processed[id]
	if p.finalized != nil {
		return apperrors.InvariantError(nil, fmt.Sprintf("replacement for finalized withdrawal %d", id))
	}
	if len(p.signed) == 0 {
		return apperrors.InvariantError(nil, fmt.Sprintf("replacement for never-signed withdrawal %d", id))
	}
	cur := p.current
	if tx.ChainID != cur.ChainID || tx.GasLimit != cur.GasLimit ||
		tx.Destination != cur.Destination || !bytes.Equal(tx.Data, cur.Data) {
		return apperrors.InvariantError(nil, fmt.Sprintf("replacement for withdrawal %d changes more than price", id))
	}
	if err := validateTransaction(p.request, tx); err != nil {
		return err
	}
	p.current = tx.Clone()
	p.currentSigned = false
	p.sent = false
	return nil
}

// TransactionsToSignBatch returns up to n created transactions whose current
// variant has not been signed yet, in nonce order.
func (wt *WithdrawalTransactions) TransactionsToSignBatch(n int) []PendingTransaction {
	var out []PendingTransaction
	for _, p := range wt.sortedUnfinalized() {
		if p.currentSigned {
			continue
		}
		out = append(out, PendingTransaction{WithdrawalID: p.request.ID, Tx: p.current.Clone()})
		if len(out) == n {
			break
		}
	}
	return out
}

// RecordSignedTransaction attaches a signature to the current transaction of
// the withdrawal.
func (wt *WithdrawalTransactions) RecordSignedTransaction(id uint64, raw hexutil.Bytes, hash common.Hash) error {
	p, ok := wt.processed[id]
	if !ok {
		return apperrors.InvariantError(nil, fmt.Sprintf("signed transaction for unknown withdrawal %d", id))
	}
	if p.finalized != nil {
		return apperrors.InvariantError(nil, fmt.Sprintf("signed transaction for finalized withdrawal %d", id))
	}
	if p.currentSigned {
		return apperrors.InvariantError(nil, fmt.Sprintf("withdrawal %d signed twice without replacement", id))
	}
	for _, s := range p.signed {
		if s.Hash == hash {
			return apperrors.InvariantError(nil, fmt.Sprintf("duplicate signed hash %s for withdrawal %d", hash, id))
		}
	}
	p.signed = append(p.signed, &SignedTx{
		Tx:   p.current.Clone(),
		Raw:  append(hexutil.Bytes(nil), raw...),
		Hash: hash,
	})
	p.currentSigned = true
	return nil
}

// TransactionsToSendBatch returns up to n signed, unsent transactions whose
// nonce has not been consumed on chain, in nonce order.
func (wt *WithdrawalTransactions) TransactionsToSendBatch(latestCount uint64, n int) []SendCandidate {
	var out []SendCandidate
	for _, p := range wt.sortedUnfinalized() {
		if !p.currentSigned || p.sent || p.nonce < latestCount {
			continue
		}
		last := p.signed[len(p.signed)-1]
		out = append(out, SendCandidate{
			WithdrawalID: p.request.ID,
			Nonce:        p.nonce,
			Raw:          append(hexutil.Bytes(nil), last.Raw...),
			Hash:         last.Hash,
		})
		if len(out) == n {
			break
		}
	}
	return out
}

// RecordTransactionSent marks the current signed variant as broadcast. The
// mark is not replayed from the event log; after a restart signed
// transactions are simply rebroadcast, which the send step tolerates.
func (wt *WithdrawalTransactions) RecordTransactionSent(id uint64) {
	if p, ok := wt.processed[id]; ok && p.currentSigned && p.finalized == nil {
		p.sent = true
	}
}

// SentTransactionsToFinalize maps every signed variant hash to its
// withdrawal id for withdrawals whose nonce is below the finalized
// transaction count.
func (wt *WithdrawalTransactions) SentTransactionsToFinalize(finalizedCount uint64) map[common.Hash]uint64 {
	out := make(map[common.Hash]uint64)
	for id, p := range wt.processed {
		if p.finalized != nil || p.nonce >= finalizedCount {
			continue
		}
		for _, s := range p.signed {
			out[s.Hash] = id
		}
	}
	return out
}

// RecordFinalizedTransaction settles a withdrawal against the receipt of one
// of its signed variants. A failed payout queues a reimbursement: the
// withdrawal amount less the effective fee for native payouts, the full token
// amount for ERC-20 ones.
func (wt *WithdrawalTransactions) RecordFinalizedTransaction(id uint64, receipt *events.Receipt) (*FinalizedWithdrawal, error) {
	p, ok := wt.processed[id]
	if !ok {
		return nil, apperrors.InvariantError(nil, fmt.Sprintf("finalized receipt for unknown withdrawal %d", id))
	}
	if p.finalized != nil {
		return nil, apperrors.InvariantError(nil, fmt.Sprintf("withdrawal %d finalized twice", id))
	}
	var mined *SignedTx
	for _, s := range p.signed {
		if s.Hash == receipt.TxHash {
			mined = s
			break
		}
	}
	if mined == nil {
		return nil, apperrors.InvariantError(nil, fmt.Sprintf(
			"receipt hash %s does not match any signed transaction of withdrawal %d", receipt.TxHash, id))
	}
	if receipt.GasUsed > mined.Tx.GasLimit {
		return nil, apperrors.InvariantError(nil, fmt.Sprintf(
			"withdrawal %d: gas used %d exceeds gas limit %d", id, receipt.GasUsed, mined.Tx.GasLimit))
	}
	if receipt.EffectiveGasPrice.Gt(mined.Tx.MaxFeePerGas) {
		return nil, apperrors.InvariantError(nil, fmt.Sprintf(
			"withdrawal %d: effective gas price %s exceeds max fee %s", id, receipt.EffectiveGasPrice, mined.Tx.MaxFeePerGas))
	}
	p.finalized = receipt.Clone()
	p.finalTx = mined.Tx
	delete(wt.byNonce, p.nonce)

	if receipt.Status == events.ReceiptStatusFailure {
		if err := wt.queueFailedPayoutReimbursement(p, receipt); err != nil {
			return nil, err
		}
	}
	return &FinalizedWithdrawal{Request: p.request, Tx: p.finalTx, Receipt: p.finalized}, nil
}

func (wt *WithdrawalTransactions) queueFailedPayoutReimbursement(p *processedWithdrawal, receipt *events.Receipt) error {
	effectiveFee, err := receipt.EffectiveTransactionFee()
	if err != nil {
		return apperrors.InvariantError(err, fmt.Sprintf("withdrawal %d", p.request.ID))
	}
	txHash := receipt.TxHash
	req := &ReimbursementRequest{
		To:     p.request.From,
		TxHash: &txHash,
	}
	switch p.request.Kind {
	case WithdrawalNative:
		amount := new(uint256.Int)
		if p.request.Amount.Gt(effectiveFee) {
			amount.Sub(p.request.Amount, effectiveFee)
		}
		if amount.IsZero() {
			return nil
		}
		req.Key = ReimbursementKey{WithdrawalID: p.request.ID}
		req.Amount = amount
	case WithdrawalErc20:
		req.Key = ReimbursementKey{
			WithdrawalID:   p.request.ID,
			Erc20:          true,
			Erc20BurnIndex: p.request.Erc20BurnIndex,
		}
		req.Token = p.request.TokenContract
		req.LedgerID = p.request.LedgerID
		req.Amount = new(uint256.Int).Set(p.request.Amount)
	}
	return wt.RecordReimbursementRequest(req)
}

// RecordReimbursementRequest queues a reimbursement obligation.
func (wt *WithdrawalTransactions) RecordReimbursementRequest(req *ReimbursementRequest) error {
	if _, ok := wt.reimbursable[req.Key]; ok {
		return apperrors.InvariantError(nil, fmt.Sprintf("duplicate reimbursement request %+v", req.Key))
	}
	if _, ok := wt.reimbursed[req.Key]; ok {
		return apperrors.InvariantError(nil, fmt.Sprintf("reimbursement %+v already completed", req.Key))
	}
	if _, ok := wt.quarantined[req.Key]; ok {
		return apperrors.InvariantError(nil, fmt.Sprintf("reimbursement %+v is quarantined", req.Key))
	}
	wt.reimbursable[req.Key] = req.clone()
	return nil
}

// ReimbursementRequests returns the queued reimbursements in deterministic
// order.
func (wt *WithdrawalTransactions) ReimbursementRequests() []*ReimbursementRequest {
	out := make([]*ReimbursementRequest, 0, len(wt.reimbursable))
	for _, req := range wt.reimbursable {
		out = append(out, req.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.WithdrawalID != out[j].Key.WithdrawalID {
			return out[i].Key.WithdrawalID < out[j].Key.WithdrawalID
		}
		return out[i].Key.Erc20BurnIndex < out[j].Key.Erc20BurnIndex
	})
	return out
}

// RecordReimbursed completes a queued reimbursement.
func (wt *WithdrawalTransactions) RecordReimbursed(key ReimbursementKey, r *Reimbursed) error {
	if _, ok := wt.reimbursable[key]; !ok {
		return apperrors.InvariantError(nil, fmt.Sprintf("reimbursed %+v was never requested", key))
	}
	delete(wt.reimbursable, key)
	wt.reimbursed[key] = r.clone()
	return nil
}

// RecordQuarantinedReimbursement parks a queued reimbursement whose ledger
// outcome is unknown, keeping it from ever being retried automatically.
func (wt *WithdrawalTransactions) RecordQuarantinedReimbursement(key ReimbursementKey) error {
	if _, ok := wt.reimbursable[key]; !ok {
		return apperrors.InvariantError(nil, fmt.Sprintf("quarantined reimbursement %+v was never requested", key))
	}
	delete(wt.reimbursable, key)
	wt.quarantined[key] = struct{}{}
	return nil
}

func (wt *WithdrawalTransactions) sortedUnfinalized() []*processedWithdrawal {
	out := make([]*processedWithdrawal, 0, len(wt.processed))
	for _, p := range wt.processed {
		if p.finalized == nil {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].nonce < out[j].nonce })
	return out
}

// Clone returns a deep copy of the container.
func (wt *WithdrawalTransactions) Clone() *WithdrawalTransactions {
	out := NewWithdrawalTransactions(wt.nextNonce)
	if wt.pending != nil {
		out.pending = make([]*Withdrawal, len(wt.pending))
		for i, w := range wt.pending {
			out.pending[i] = w.clone()
		}
	}
	for id, p := range wt.processed {
		cp := &processedWithdrawal{
			request:       p.request.clone(),
			nonce:         p.nonce,
			current:       p.current.Clone(),
			currentSigned: p.currentSigned,
			sent:          p.sent,
			finalized:     p.finalized.Clone(),
			finalTx:       p.finalTx.Clone(),
		}
		cp.signed = make([]*SignedTx, len(p.signed))
		for i, s := range p.signed {
			cp.signed[i] = &SignedTx{
				Tx:   s.Tx.Clone(),
				Raw:  append(hexutil.Bytes(nil), s.Raw...),
				Hash: s.Hash,
			}
		}
		out.processed[id] = cp
	}
	for nonce, id := range wt.byNonce {
		out.byNonce[nonce] = id
	}
	for k, req := range wt.reimbursable {
		out.reimbursable[k] = req.clone()
	}
	for k, r := range wt.reimbursed {
		out.reimbursed[k] = r.clone()
	}
	for k := range wt.quarantined {
		out.quarantined[k] = struct{}{}
	}
	return out
}
