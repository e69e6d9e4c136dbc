// Package state holds the minter's in-memory state and the event fold that
// builds it. State is never mutated directly: every change goes through
// Apply, and replaying the same event log always yields the same state.
package state

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	apperrors "github.com/chainsafe/evm-minter/pkg/app/errors"
	"github.com/chainsafe/evm-minter/pkg/events"
)

// Token is a registered ERC-20 token bridged to a settlement ledger asset.
type Token struct {
	Contract common.Address
	LedgerID events.AccountID
	Symbol   string
	Decimals uint8
}

// InvalidEventReason explains why an event source was excluded from
// processing. Quarantined sources held decodable events whose ledger leg
// failed; the rest were undecodable.
type InvalidEventReason struct {
	Quarantined bool
	Reason      string
}

// State is the complete minter state: configuration established by Init and
// Upgrade events, the token registries, the deduplication sets tracking every
// observed EVM log through its lifecycle, custody balances, and the
// withdrawal container.
type State struct {
	ChainID             uint64
	Network             string
	NativeSymbol        string
	HelperAddress       common.Address
	LegacyHelperAddress *common.Address
	MinWithdrawalAmount *uint256.Int
	MinPriorityFee      *uint256.Int

	LastScrapedBlock uint64

	Erc20Tokens   map[common.Address]*Token
	WrappedTokens map[common.Address]events.AccountID

	EventsToMint    map[events.EventSource]events.ContractEvent
	EventsToRelease map[events.EventSource]*events.AcceptedWrappedBurn
	SwapsToMint     map[events.EventSource]*events.ReceivedSwapOrder
	MintedEvents    map[events.EventSource]uint64
	ReleasedEvents  map[events.EventSource]uint64
	MintedSwaps     map[events.EventSource]uint64
	DeployedEvents  map[events.EventSource]struct{}
	InvalidEvents   map[events.EventSource]InvalidEventReason
	SkippedBlocks   map[uint64]struct{}

	Balance       NativeBalance
	Erc20Balances Erc20Balances
	Withdrawals   *WithdrawalTransactions
}

// NewState builds the initial state from an Init event.
func NewState(init *events.Init) (*State, error) {
	if init.ChainID == 0 {
		return nil, apperrors.InvariantError(nil, "init event missing chain id")
	}
	if init.HelperAddress == (common.Address{}) {
		return nil, apperrors.InvariantError(nil, "init event missing helper contract address")
	}
	if init.MinWithdrawalAmount == nil || init.MinWithdrawalAmount.IsZero() {
		return nil, apperrors.InvariantError(nil, "init event missing minimum withdrawal amount")
	}
	if init.MinPriorityFee == nil {
		return nil, apperrors.InvariantError(nil, "init event missing minimum priority fee")
	}
	s := &State{
		ChainID:             init.ChainID,
		Network:             init.Network,
		NativeSymbol:        init.NativeSymbol,
		HelperAddress:       init.HelperAddress,
		MinWithdrawalAmount: new(uint256.Int).Set(init.MinWithdrawalAmount),
		MinPriorityFee:      new(uint256.Int).Set(init.MinPriorityFee),
		LastScrapedBlock:    init.LastScrapedBlock,
		Erc20Tokens:         make(map[common.Address]*Token),
		WrappedTokens:       make(map[common.Address]events.AccountID),
		EventsToMint:        make(map[events.EventSource]events.ContractEvent),
		EventsToRelease:     make(map[events.EventSource]*events.AcceptedWrappedBurn),
		SwapsToMint:         make(map[events.EventSource]*events.ReceivedSwapOrder),
		MintedEvents:        make(map[events.EventSource]uint64),
		ReleasedEvents:      make(map[events.EventSource]uint64),
		MintedSwaps:         make(map[events.EventSource]uint64),
		DeployedEvents:      make(map[events.EventSource]struct{}),
		InvalidEvents:       make(map[events.EventSource]InvalidEventReason),
		SkippedBlocks:       make(map[uint64]struct{}),
		Balance:             NewNativeBalance(),
		Erc20Balances:       make(Erc20Balances),
		Withdrawals:         NewWithdrawalTransactions(init.NextNonce),
	}
	if init.LegacyHelperAddress != nil {
		addr := *init.LegacyHelperAddress
		s.LegacyHelperAddress = &addr
	}
	return s, nil
}

// Replay folds a full event log. The first event must be Init.
func Replay(evs []events.Event) (*State, error) {
	if len(evs) == 0 {
		return nil, apperrors.InvariantError(nil, "cannot replay an empty event log")
	}
	init, ok := evs[0].Payload.(*events.Init)
	if !ok {
		return nil, apperrors.InvariantError(nil, fmt.Sprintf(
			"first event must be Init, got %s", evs[0].Payload.EventType()))
	}
	s, err := NewState(init)
	if err != nil {
		return nil, err
	}
	for i, ev := range evs[1:] {
		if err := s.Apply(ev.Payload); err != nil {
			return nil, fmt.Errorf("replaying event %d (%s): %w", i+1, ev.Payload.EventType(), err)
		}
	}
	return s, nil
}

// Apply folds one event into the state. It is the only mutation path. An
// error means the event contradicts the current state; the caller must treat
// it as fatal and not persist the event.
func (s *State) Apply(payload events.Payload) error {
	switch p := payload.(type) {
	case *events.Init:
		return apperrors.InvariantError(nil, "init event applied to an initialized state")
	case *events.Upgrade:
		return s.applyUpgrade(p)
	case *events.AcceptedDeposit:
		if err := s.recordDeposit(p); err != nil {
			return err
		}
		return s.Balance.Add(p.Value)
	case *events.AcceptedErc20Deposit:
		if _, ok := s.Erc20Tokens[p.TokenContract]; !ok {
			return apperrors.InvariantError(nil, fmt.Sprintf(
				"erc20 deposit %s for unregistered token %s", p.Source(), p.TokenContract))
		}
		if err := s.recordDeposit(p); err != nil {
			return err
		}
		return s.Erc20Balances.Add(p.TokenContract, p.Value)
	case *events.AcceptedWrappedBurn:
		base, ok := s.WrappedTokens[p.WrappedContract]
		if !ok {
			return apperrors.InvariantError(nil, fmt.Sprintf(
				"wrapped burn %s from undeployed contract %s", p.Source(), p.WrappedContract))
		}
		if !base.Equal(p.BaseToken) {
			return apperrors.InvariantError(nil, fmt.Sprintf(
				"wrapped burn %s base token mismatch for %s", p.Source(), p.WrappedContract))
		}
		if err := s.ensureUnrecorded(p.Source()); err != nil {
			return err
		}
		s.EventsToRelease[p.Source()] = p
		return nil
	case *events.DeployedWrappedToken:
		return s.recordDeployedWrappedToken(p)
	case *events.ReceivedSwapOrder:
		if _, ok := s.Erc20Tokens[p.TokenOut]; !ok {
			return apperrors.InvariantError(nil, fmt.Sprintf(
				"swap order %s pays out unregistered token %s", p.Source(), p.TokenOut))
		}
		if err := s.ensureUnrecorded(p.Source()); err != nil {
			return err
		}
		s.SwapsToMint[p.Source()] = p
		return s.Erc20Balances.Add(p.TokenOut, p.AmountOut)
	case *events.InvalidDeposit:
		return s.recordInvalid(p.EventSource, p.Reason)
	case *events.InvalidEvent:
		return s.recordInvalid(p.EventSource, p.Reason)
	case *events.MintedNative:
		ev, err := s.takeMintable(p.EventSource)
		if err != nil {
			return err
		}
		if _, ok := ev.(*events.AcceptedDeposit); !ok {
			return apperrors.InvariantError(nil, fmt.Sprintf(
				"minted native for %s, but the pending deposit is not native", p.EventSource))
		}
		s.MintedEvents[p.EventSource] = p.MintIndex
		return nil
	case *events.MintedErc20:
		ev, err := s.takeMintable(p.EventSource)
		if err != nil {
			return err
		}
		dep, ok := ev.(*events.AcceptedErc20Deposit)
		if !ok || dep.TokenContract != p.TokenContract {
			return apperrors.InvariantError(nil, fmt.Sprintf(
				"minted erc20 for %s does not match the pending deposit", p.EventSource))
		}
		s.MintedEvents[p.EventSource] = p.MintIndex
		return nil
	case *events.ReleasedWrappedBurn:
		if _, ok := s.EventsToRelease[p.EventSource]; !ok {
			return apperrors.InvariantError(nil, fmt.Sprintf(
				"released %s without a pending wrapped burn", p.EventSource))
		}
		delete(s.EventsToRelease, p.EventSource)
		s.ReleasedEvents[p.EventSource] = p.ReleaseIndex
		return nil
	case *events.MintedToDex:
		if _, ok := s.SwapsToMint[p.EventSource]; !ok {
			return apperrors.InvariantError(nil, fmt.Sprintf(
				"dex credit for %s without a pending swap order", p.EventSource))
		}
		delete(s.SwapsToMint, p.EventSource)
		s.MintedSwaps[p.EventSource] = p.MintIndex
		return nil
	case *events.QuarantinedDeposit:
		return s.recordQuarantinedCredit(p.EventSource)
	case *events.QuarantinedSwapOrder:
		if _, ok := s.SwapsToMint[p.EventSource]; !ok {
			return apperrors.InvariantError(nil, fmt.Sprintf(
				"quarantined swap order %s is not pending", p.EventSource))
		}
		delete(s.SwapsToMint, p.EventSource)
		s.InvalidEvents[p.EventSource] = InvalidEventReason{Quarantined: true, Reason: "quarantined"}
		return nil
	case *events.SyncedToBlock:
		s.LastScrapedBlock = p.BlockNumber
		return nil
	case *events.SkippedBlock:
		if _, ok := s.SkippedBlocks[p.BlockNumber]; ok {
			return apperrors.InvariantError(nil, fmt.Sprintf("block %d skipped twice", p.BlockNumber))
		}
		s.SkippedBlocks[p.BlockNumber] = struct{}{}
		return nil
	case *events.AddedToken:
		return s.recordAddedToken(p)
	case *events.AcceptedWithdrawalRequest:
		return s.Withdrawals.RecordWithdrawalRequest(&Withdrawal{
			ID:          p.LedgerBurnIndex,
			Kind:        WithdrawalNative,
			Amount:      new(uint256.Int).Set(p.WithdrawalAmount),
			Destination: p.Destination,
			From:        p.From,
			CreatedAt:   p.CreatedAt,
		})
	case *events.AcceptedErc20WithdrawalRequest:
		token, ok := s.Erc20Tokens[p.TokenContract]
		if !ok || !token.LedgerID.Equal(p.LedgerID) {
			return apperrors.InvariantError(nil, fmt.Sprintf(
				"erc20 withdrawal %d references unregistered token %s", p.LedgerBurnIndex, p.TokenContract))
		}
		contract := p.TokenContract
		return s.Withdrawals.RecordWithdrawalRequest(&Withdrawal{
			ID:                p.LedgerBurnIndex,
			Kind:              WithdrawalErc20,
			Amount:            new(uint256.Int).Set(p.WithdrawalAmount),
			MaxTransactionFee: new(uint256.Int).Set(p.MaxTransactionFee),
			TokenContract:     &contract,
			LedgerID:          p.LedgerID,
			Erc20BurnIndex:    p.Erc20BurnIndex,
			Destination:       p.Destination,
			From:              p.From,
			CreatedAt:         p.CreatedAt,
		})
	case *events.CreatedTransaction:
		if p.Transaction.ChainID != s.ChainID {
			return apperrors.InvariantError(nil, fmt.Sprintf(
				"created transaction for withdrawal %d targets chain %d, expected %d",
				p.WithdrawalID, p.Transaction.ChainID, s.ChainID))
		}
		return s.Withdrawals.RecordCreatedTransaction(p.WithdrawalID, &p.Transaction)
	case *events.SignedTransaction:
		return s.Withdrawals.RecordSignedTransaction(p.WithdrawalID, p.RawTransaction, p.Hash)
	case *events.ReplacedTransaction:
		if p.Transaction.ChainID != s.ChainID {
			return apperrors.InvariantError(nil, fmt.Sprintf(
				"replacement transaction for withdrawal %d targets chain %d, expected %d",
				p.WithdrawalID, p.Transaction.ChainID, s.ChainID))
		}
		return s.Withdrawals.RecordResubmitTransaction(&p.Transaction)
	case *events.FinalizedTransaction:
		fin, err := s.Withdrawals.RecordFinalizedTransaction(p.WithdrawalID, &p.Receipt)
		if err != nil {
			return err
		}
		return s.updateBalanceUponWithdrawal(fin)
	case *events.ReimbursedWithdrawal:
		return s.Withdrawals.RecordReimbursed(
			ReimbursementKey{WithdrawalID: p.WithdrawalID},
			&Reimbursed{MintIndex: p.MintIndex, Amount: p.Amount, TxHash: p.TxHash},
		)
	case *events.ReimbursedErc20Withdrawal:
		return s.Withdrawals.RecordReimbursed(
			ReimbursementKey{WithdrawalID: p.WithdrawalID, Erc20: true, Erc20BurnIndex: p.Erc20BurnIndex},
			&Reimbursed{MintIndex: p.MintIndex, Amount: p.Amount, TxHash: p.TxHash},
		)
	case *events.FailedErc20WithdrawalRequest:
		return s.Withdrawals.RecordReimbursementRequest(&ReimbursementRequest{
			Key:    ReimbursementKey{WithdrawalID: p.WithdrawalID},
			Amount: new(uint256.Int).Set(p.Amount),
			To:     p.To,
		})
	case *events.QuarantinedReimbursement:
		key := ReimbursementKey{WithdrawalID: p.WithdrawalID}
		if p.Erc20BurnIndex != nil {
			key.Erc20 = true
			key.Erc20BurnIndex = *p.Erc20BurnIndex
		}
		return s.Withdrawals.RecordQuarantinedReimbursement(key)
	default:
		return apperrors.InvariantError(nil, fmt.Sprintf(
			"unhandled event type %s", payload.EventType()))
	}
}

func (s *State) applyUpgrade(p *events.Upgrade) error {
	if p.HelperAddress != nil {
		s.HelperAddress = *p.HelperAddress
	}
	if p.LegacyHelperAddress != nil {
		addr := *p.LegacyHelperAddress
		s.LegacyHelperAddress = &addr
	}
	if p.LastScrapedBlock != nil {
		s.LastScrapedBlock = *p.LastScrapedBlock
	}
	if p.NextNonce != nil {
		if *p.NextNonce < s.Withdrawals.nextNonce {
			return apperrors.InvariantError(nil, fmt.Sprintf(
				"upgrade lowers next nonce from %d to %d", s.Withdrawals.nextNonce, *p.NextNonce))
		}
		s.Withdrawals.nextNonce = *p.NextNonce
	}
	if p.MinWithdrawalAmount != nil {
		s.MinWithdrawalAmount = new(uint256.Int).Set(p.MinWithdrawalAmount)
	}
	if p.MinPriorityFee != nil {
		s.MinPriorityFee = new(uint256.Int).Set(p.MinPriorityFee)
	}
	return nil
}

// RecordedEventSource reports whether the source has already been recorded in
// any lifecycle set. The scraper uses it to skip logs it has seen before.
func (s *State) RecordedEventSource(source events.EventSource) bool {
	if _, ok := s.EventsToMint[source]; ok {
		return true
	}
	if _, ok := s.EventsToRelease[source]; ok {
		return true
	}
	if _, ok := s.SwapsToMint[source]; ok {
		return true
	}
	if _, ok := s.MintedEvents[source]; ok {
		return true
	}
	if _, ok := s.ReleasedEvents[source]; ok {
		return true
	}
	if _, ok := s.MintedSwaps[source]; ok {
		return true
	}
	if _, ok := s.DeployedEvents[source]; ok {
		return true
	}
	if _, ok := s.InvalidEvents[source]; ok {
		return true
	}
	return false
}

func (s *State) ensureUnrecorded(source events.EventSource) error {
	if s.RecordedEventSource(source) {
		return apperrors.InvariantError(nil, fmt.Sprintf("event source %s recorded twice", source))
	}
	return nil
}

func (s *State) recordDeposit(ev events.ContractEvent) error {
	if err := s.ensureUnrecorded(ev.Source()); err != nil {
		return err
	}
	s.EventsToMint[ev.Source()] = ev
	return nil
}

// takeMintable removes and returns the pending deposit for the source; the
// mint events consume it. Minting without a pending deposit is fatal.
func (s *State) takeMintable(source events.EventSource) (events.ContractEvent, error) {
	ev, ok := s.EventsToMint[source]
	if !ok {
		return nil, apperrors.InvariantError(nil, fmt.Sprintf(
			"mint for %s without a pending deposit", source))
	}
	delete(s.EventsToMint, source)
	return ev, nil
}

func (s *State) recordInvalid(source events.EventSource, reason string) error {
	if err := s.ensureUnrecorded(source); err != nil {
		return err
	}
	s.InvalidEvents[source] = InvalidEventReason{Reason: reason}
	return nil
}

func (s *State) recordQuarantinedCredit(source events.EventSource) error {
	if _, ok := s.EventsToMint[source]; ok {
		delete(s.EventsToMint, source)
	} else if _, ok := s.EventsToRelease[source]; ok {
		delete(s.EventsToRelease, source)
	} else {
		return apperrors.InvariantError(nil, fmt.Sprintf(
			"quarantined credit %s is not pending", source))
	}
	s.InvalidEvents[source] = InvalidEventReason{Quarantined: true, Reason: "quarantined"}
	return nil
}

func (s *State) recordDeployedWrappedToken(p *events.DeployedWrappedToken) error {
	if err := s.ensureUnrecorded(p.Source()); err != nil {
		return err
	}
	if _, ok := s.WrappedTokens[p.WrappedContract]; ok {
		return apperrors.InvariantError(nil, fmt.Sprintf(
			"wrapped contract %s already deployed", p.WrappedContract))
	}
	if _, ok := s.Erc20Tokens[p.WrappedContract]; ok {
		return apperrors.InvariantError(nil, fmt.Sprintf(
			"wrapped contract %s collides with a registered erc20 token", p.WrappedContract))
	}
	s.WrappedTokens[p.WrappedContract] = append(events.AccountID(nil), p.BaseToken...)
	s.DeployedEvents[p.Source()] = struct{}{}
	return nil
}

func (s *State) recordAddedToken(p *events.AddedToken) error {
	if _, ok := s.Erc20Tokens[p.TokenContract]; ok {
		return apperrors.InvariantError(nil, fmt.Sprintf("token %s added twice", p.TokenContract))
	}
	if _, ok := s.WrappedTokens[p.TokenContract]; ok {
		return apperrors.InvariantError(nil, fmt.Sprintf(
			"token %s collides with a deployed wrapped contract", p.TokenContract))
	}
	for _, t := range s.Erc20Tokens {
		if t.LedgerID.Equal(p.LedgerID) {
			return apperrors.InvariantError(nil, fmt.Sprintf(
				"ledger id %s already bound to token %s", p.LedgerID, t.Contract))
		}
	}
	s.Erc20Tokens[p.TokenContract] = &Token{
		Contract: p.TokenContract,
		LedgerID: append(events.AccountID(nil), p.LedgerID...),
		Symbol:   p.Symbol,
		Decimals: p.Decimals,
	}
	return nil
}

// updateBalanceUponWithdrawal settles custody against a finalized withdrawal
// transaction. The fee charged to the withdrawer is the request amount minus
// the transaction amount for native payouts and the fixed fee deposit for
// ERC-20 ones; what the chain did not consume accumulates as unspent fees.
func (s *State) updateBalanceUponWithdrawal(fin *FinalizedWithdrawal) error {
	txFee, err := fin.Receipt.EffectiveTransactionFee()
	if err != nil {
		return apperrors.InvariantError(err, fmt.Sprintf("withdrawal %d", fin.Request.ID))
	}
	var charged *uint256.Int
	switch fin.Request.Kind {
	case WithdrawalNative:
		charged = new(uint256.Int).Sub(fin.Request.Amount, fin.Tx.Amount)
	case WithdrawalErc20:
		charged = new(uint256.Int).Set(fin.Request.MaxTransactionFee)
	}
	if charged.Lt(txFee) {
		return apperrors.InvariantError(nil, fmt.Sprintf(
			"withdrawal %d: effective fee %s exceeds charged fee %s", fin.Request.ID, txFee, charged))
	}
	unspent := new(uint256.Int).Sub(charged, txFee)

	debited := new(uint256.Int).Set(txFee)
	if fin.Receipt.Status == events.ReceiptStatusSuccess {
		var overflow bool
		debited, overflow = new(uint256.Int).AddOverflow(fin.Tx.Amount, txFee)
		if overflow {
			return apperrors.InvariantError(nil, fmt.Sprintf("withdrawal %d: debit overflow", fin.Request.ID))
		}
	}
	if err := s.Balance.Sub(debited); err != nil {
		return err
	}
	if err := s.Balance.AddEffectiveTxFee(txFee); err != nil {
		return err
	}
	if err := s.Balance.AddUnspentTxFee(unspent); err != nil {
		return err
	}
	if fin.Request.Kind == WithdrawalErc20 && fin.Receipt.Status == events.ReceiptStatusSuccess {
		transfer, err := events.DecodeErc20Transfer(fin.Tx.Data)
		if err != nil {
			return apperrors.InvariantError(err, fmt.Sprintf("withdrawal %d", fin.Request.ID))
		}
		return s.Erc20Balances.Sub(*fin.Request.TokenContract, transfer.Value)
	}
	return nil
}

// FindToken looks up a registered token by contract address.
func (s *State) FindToken(contract common.Address) (*Token, bool) {
	t, ok := s.Erc20Tokens[contract]
	return t, ok
}

// SupportsErc20 reports whether the contract is a registered ERC-20 token.
func (s *State) SupportsErc20(contract common.Address) bool {
	_, ok := s.Erc20Tokens[contract]
	return ok
}

// FindTokenByLedgerID looks up a registered token by its settlement ledger id.
func (s *State) FindTokenByLedgerID(id events.AccountID) (*Token, bool) {
	for _, t := range s.Erc20Tokens {
		if t.LedgerID.Equal(id) {
			return t, true
		}
	}
	return nil, false
}

// WrappedBaseToken resolves the base ledger token of a deployed wrapped
// contract.
func (s *State) WrappedBaseToken(contract common.Address) (events.AccountID, bool) {
	base, ok := s.WrappedTokens[contract]
	return base, ok
}

// MintsToProcess returns the pending deposits in on-chain order.
func (s *State) MintsToProcess() []events.ContractEvent {
	out := make([]events.ContractEvent, 0, len(s.EventsToMint))
	for _, ev := range s.EventsToMint {
		out = append(out, ev)
	}
	sortContractEvents(out)
	return out
}

// ReleasesToProcess returns the pending wrapped burns in on-chain order.
func (s *State) ReleasesToProcess() []*events.AcceptedWrappedBurn {
	out := make([]*events.AcceptedWrappedBurn, 0, len(s.EventsToRelease))
	for _, ev := range s.EventsToRelease {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return contractEventLess(out[i], out[j]) })
	return out
}

// SwapsToProcess returns the pending swap orders in on-chain order.
func (s *State) SwapsToProcess() []*events.ReceivedSwapOrder {
	out := make([]*events.ReceivedSwapOrder, 0, len(s.SwapsToMint))
	for _, ev := range s.SwapsToMint {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return contractEventLess(out[i], out[j]) })
	return out
}

func sortContractEvents(evs []events.ContractEvent) {
	sort.Slice(evs, func(i, j int) bool { return contractEventLess(evs[i], evs[j]) })
}

func contractEventLess(a, b events.ContractEvent) bool {
	if a.Block() != b.Block() {
		return a.Block() < b.Block()
	}
	return a.Source().LogIndex < b.Source().LogIndex
}

// Clone returns a deep copy of the state. Contract event payloads are shared
// because they are immutable once applied.
func (s *State) Clone() *State {
	out := &State{
		ChainID:             s.ChainID,
		Network:             s.Network,
		NativeSymbol:        s.NativeSymbol,
		HelperAddress:       s.HelperAddress,
		MinWithdrawalAmount: new(uint256.Int).Set(s.MinWithdrawalAmount),
		MinPriorityFee:      new(uint256.Int).Set(s.MinPriorityFee),
		LastScrapedBlock:    s.LastScrapedBlock,
		Erc20Tokens:         make(map[common.Address]*Token, len(s.Erc20Tokens)),
		WrappedTokens:       make(map[common.Address]events.AccountID, len(s.WrappedTokens)),
		EventsToMint:        make(map[events.EventSource]events.ContractEvent, len(s.EventsToMint)),
		EventsToRelease:     make(map[events.EventSource]*events.AcceptedWrappedBurn, len(s.EventsToRelease)),
		SwapsToMint:         make(map[events.EventSource]*events.ReceivedSwapOrder, len(s.SwapsToMint)),
		MintedEvents:        make(map[events.EventSource]uint64, len(s.MintedEvents)),
		ReleasedEvents:      make(map[events.EventSource]uint64, len(s.ReleasedEvents)),
		MintedSwaps:         make(map[events.EventSource]uint64, len(s.MintedSwaps)),
		DeployedEvents:      make(map[events.EventSource]struct{}, len(s.DeployedEvents)),
		InvalidEvents:       make(map[events.EventSource]InvalidEventReason, len(s.InvalidEvents)),
		SkippedBlocks:       make(map[uint64]struct{}, len(s.SkippedBlocks)),
		Balance:             s.Balance.Clone(),
		Erc20Balances:       s.Erc20Balances.Clone(),
		Withdrawals:         s.Withdrawals.Clone(),
	}
	if s.LegacyHelperAddress != nil {
		addr := *s.LegacyHelperAddress
		out.LegacyHelperAddress = &addr
	}
	for addr, t := range s.Erc20Tokens {
		tc := *t
		tc.LedgerID = append(events.AccountID(nil), t.LedgerID...)
		out.Erc20Tokens[addr] = &tc
	}
	for addr, base := range s.WrappedTokens {
		out.WrappedTokens[addr] = append(events.AccountID(nil), base...)
	}
	for src, ev := range s.EventsToMint {
		out.EventsToMint[src] = ev
	}
	for src, ev := range s.EventsToRelease {
		out.EventsToRelease[src] = ev
	}
	for src, ev := range s.SwapsToMint {
		out.SwapsToMint[src] = ev
	}
	for src, idx := range s.MintedEvents {
		out.MintedEvents[src] = idx
	}
	for src, idx := range s.ReleasedEvents {
		out.ReleasedEvents[src] = idx
	}
	for src, idx := range s.MintedSwaps {
		out.MintedSwaps[src] = idx
	}
	for src := range s.DeployedEvents {
		out.DeployedEvents[src] = struct{}{}
	}
	for src, r := range s.InvalidEvents {
		out.InvalidEvents[src] = r
	}
	for bn := range s.SkippedBlocks {
		out.SkippedBlocks[bn] = struct{}{}
	}
	return out
}
