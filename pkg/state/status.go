package state

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/chainsafe/evm-minter/pkg/events"
)

// WithdrawalState is the externally visible stage of a withdrawal.
type WithdrawalState string

const (
	WithdrawalStatePending              WithdrawalState = "pending"
	WithdrawalStateTxCreated            WithdrawalState = "tx_created"
	WithdrawalStateTxSent               WithdrawalState = "tx_sent"
	WithdrawalStateSuccess              WithdrawalState = "success"
	WithdrawalStatePendingReimbursement WithdrawalState = "pending_reimbursement"
	WithdrawalStateReimbursed           WithdrawalState = "reimbursed"
	WithdrawalStateQuarantined          WithdrawalState = "quarantined"
)

// ParseWithdrawalState validates a state filter supplied by a client.
func ParseWithdrawalState(s string) (WithdrawalState, error) {
	switch ws := WithdrawalState(s); ws {
	case WithdrawalStatePending, WithdrawalStateTxCreated, WithdrawalStateTxSent,
		WithdrawalStateSuccess, WithdrawalStatePendingReimbursement,
		WithdrawalStateReimbursed, WithdrawalStateQuarantined:
		return ws, nil
	default:
		return "", fmt.Errorf("unknown withdrawal state %q", s)
	}
}

// WithdrawalStatus is the status snapshot returned by the withdrawal query
// endpoints.
type WithdrawalStatus struct {
	ID            uint64          `json:"id"`
	State         WithdrawalState `json:"state"`
	TokenContract *common.Address `json:"token_contract,omitempty"`
	Recipient     *common.Address `json:"recipient,omitempty"`
	Amount        *uint256.Int    `json:"amount,omitempty"`
	TxHash        *common.Hash    `json:"tx_hash,omitempty"`
	MintIndex     *uint64         `json:"reimbursement_mint_index,omitempty"`
}

// WithdrawalStatus resolves the status of a single withdrawal by its ledger
// burn index.
func (wt *WithdrawalTransactions) WithdrawalStatus(id uint64) (WithdrawalStatus, bool) {
	for _, w := range wt.pending {
		if w.ID == id {
			return pendingStatus(w), true
		}
	}
	if p, ok := wt.processed[id]; ok {
		return wt.processedStatus(p), true
	}
	if st, ok := wt.reimbursementOnlyStatus(id); ok {
		return st, true
	}
	return WithdrawalStatus{}, false
}

// SearchWithdrawals lists withdrawal statuses, optionally filtered by payout
// recipient and state, ordered by withdrawal id.
func (wt *WithdrawalTransactions) SearchWithdrawals(recipient *common.Address, filter *WithdrawalState) []WithdrawalStatus {
	seen := make(map[uint64]struct{})
	var out []WithdrawalStatus
	add := func(st WithdrawalStatus) {
		if _, dup := seen[st.ID]; dup {
			return
		}
		seen[st.ID] = struct{}{}
		if recipient != nil && (st.Recipient == nil || *st.Recipient != *recipient) {
			return
		}
		if filter != nil && st.State != *filter {
			return
		}
		out = append(out, st)
	}
	for _, w := range wt.pending {
		add(pendingStatus(w))
	}
	for _, p := range wt.processed {
		add(wt.processedStatus(p))
	}
	for key := range wt.reimbursable {
		if st, ok := wt.reimbursementOnlyStatus(key.WithdrawalID); ok {
			add(st)
		}
	}
	for key := range wt.reimbursed {
		if st, ok := wt.reimbursementOnlyStatus(key.WithdrawalID); ok {
			add(st)
		}
	}
	for key := range wt.quarantined {
		if st, ok := wt.reimbursementOnlyStatus(key.WithdrawalID); ok {
			add(st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func pendingStatus(w *Withdrawal) WithdrawalStatus {
	recipient := w.Destination
	return WithdrawalStatus{
		ID:            w.ID,
		State:         WithdrawalStatePending,
		TokenContract: w.TokenContract,
		Recipient:     &recipient,
		Amount:        new(uint256.Int).Set(w.Amount),
	}
}

func (wt *WithdrawalTransactions) processedStatus(p *processedWithdrawal) WithdrawalStatus {
	recipient := p.request.Destination
	st := WithdrawalStatus{
		ID:            p.request.ID,
		TokenContract: p.request.TokenContract,
		Recipient:     &recipient,
		Amount:        new(uint256.Int).Set(p.request.Amount),
	}
	if p.finalized == nil {
		if p.currentSigned && p.sent {
			st.State = WithdrawalStateTxSent
			hash := p.signed[len(p.signed)-1].Hash
			st.TxHash = &hash
		} else {
			st.State = WithdrawalStateTxCreated
		}
		return st
	}
	hash := p.finalized.TxHash
	st.TxHash = &hash
	if p.finalized.Status == events.ReceiptStatusSuccess {
		st.State = WithdrawalStateSuccess
		return st
	}
	state, mintIndex := wt.reimbursementStateFor(p.request.ID)
	st.State = state
	st.MintIndex = mintIndex
	return st
}

// reimbursementStateFor scans the reimbursement maps for any key belonging to
// the withdrawal. A failed payout with no entry in any map never queued a
// reimbursement (the amount was fully consumed by fees); it reports as
// reimbursed with no mint index.
func (wt *WithdrawalTransactions) reimbursementStateFor(id uint64) (WithdrawalState, *uint64) {
	for key, r := range wt.reimbursed {
		if key.WithdrawalID == id {
			idx := r.MintIndex
			return WithdrawalStateReimbursed, &idx
		}
	}
	for key := range wt.quarantined {
		if key.WithdrawalID == id {
			return WithdrawalStateQuarantined, nil
		}
	}
	for key := range wt.reimbursable {
		if key.WithdrawalID == id {
			return WithdrawalStatePendingReimbursement, nil
		}
	}
	return WithdrawalStateReimbursed, nil
}

func (wt *WithdrawalTransactions) reimbursementOnlyStatus(id uint64) (WithdrawalStatus, bool) {
	if _, ok := wt.processed[id]; ok {
		return WithdrawalStatus{}, false
	}
	var (
		amount *uint256.Int
		token  *common.Address
		found  bool
	)
	for key, req := range wt.reimbursable {
		if key.WithdrawalID == id {
			amount, token, found = new(uint256.Int).Set(req.Amount), req.Token, true
			break
		}
	}
	if !found {
		for key, r := range wt.reimbursed {
			if key.WithdrawalID == id {
				amount, found = new(uint256.Int).Set(r.Amount), true
				break
			}
		}
	}
	if !found {
		for key := range wt.quarantined {
			if key.WithdrawalID == id {
				found = true
				break
			}
		}
	}
	if !found {
		return WithdrawalStatus{}, false
	}
	state, mintIndex := wt.reimbursementStateFor(id)
	return WithdrawalStatus{
		ID:            id,
		State:         state,
		TokenContract: token,
		Amount:        amount,
		MintIndex:     mintIndex,
	}, true
}
