package withdraw

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/evm-minter/pkg/app/errors"
	"github.com/chainsafe/evm-minter/pkg/events"
	"github.com/chainsafe/evm-minter/pkg/guard"
	"github.com/chainsafe/evm-minter/pkg/ledger"
	"github.com/chainsafe/evm-minter/pkg/state"
)

// NativeWithdrawal is a validated intake request for the chain's native
// asset. The transaction fee is paid out of the withdrawal amount.
type NativeWithdrawal struct {
	From      events.Account
	Recipient common.Address
	Amount    *uint256.Int
}

// Erc20Withdrawal is a validated intake request for a registered ERC-20
// token. The transaction fee is charged as a separate native-denominated
// deposit sized to the current gas estimate.
type Erc20Withdrawal struct {
	From          events.Account
	Recipient     common.Address
	TokenContract common.Address
	Amount        *uint256.Int
}

// Accepted identifies an accepted withdrawal by its ledger burn index.
type Accepted struct {
	ID uint64 `json:"withdrawal_id"`
}

// WithdrawNative burns the withdrawal amount on the settlement ledger and
// queues a native payout. A processing pass is kicked off right away.
func (p *Processor) WithdrawNative(ctx context.Context, req *NativeWithdrawal) (*Accepted, error) {
	release, err := p.intake.Start(req.From.Key())
	if err != nil {
		return nil, admissionError(err)
	}
	defer release()

	if req.Recipient == (common.Address{}) {
		return nil, apperrors.UserInputError(nil, "recipient must not be the zero address")
	}
	if req.Amount == nil || req.Amount.IsZero() {
		return nil, apperrors.UserInputError(nil, "withdrawal amount must be positive")
	}

	var (
		minAmount *uint256.Int
		symbol    string
	)
	p.minter.ReadState(func(s *state.State) {
		if s == nil {
			return
		}
		minAmount = new(uint256.Int).Set(s.MinWithdrawalAmount)
		symbol = s.NativeSymbol
	})
	if minAmount == nil {
		return nil, apperrors.TransientError(nil, "minter state is not ready")
	}
	if req.Amount.Lt(minAmount) {
		return nil, apperrors.UserInputError(nil, fmt.Sprintf(
			"withdrawal amount %s is below the minimum %s", req.Amount, minAmount))
	}
	amount, err := ledger.WeiToLedger(req.Amount, p.cfg.LedgerDecimals)
	if err != nil {
		return nil, apperrors.UserInputError(err, "withdrawal amount is not representable on the ledger")
	}

	feeCharged, err := p.chargeIntakeFee(ctx, req.From, symbol)
	if err != nil {
		return nil, err
	}

	burnIndex, err := p.ledger.BurnFrom(ctx, &ledger.BurnRequest{
		Instrument: symbol,
		From:       req.From,
		Amount:     amount,
		Key:        uuid.NewString(),
	})
	if err != nil {
		p.refundIntakeFee(ctx, req.From, symbol, feeCharged)
		return nil, fmt.Errorf("failed to burn the withdrawal amount: %w", err)
	}

	if err := p.minter.ProcessEvents(ctx, []events.Payload{
		&events.AcceptedWithdrawalRequest{
			WithdrawalAmount: new(uint256.Int).Set(req.Amount),
			Destination:      req.Recipient,
			LedgerBurnIndex:  burnIndex,
			From:             req.From,
			CreatedAt:        p.now().Unix(),
		},
	}); err != nil {
		return nil, err
	}
	p.logger.Info("accepted a withdrawal request",
		zap.Uint64("withdrawal_id", burnIndex),
		zap.Stringer("recipient", req.Recipient),
		zap.String("amount", req.Amount.String()))
	p.Wake()
	return &Accepted{ID: burnIndex}, nil
}

// WithdrawErc20 burns the native transaction fee deposit and the token amount
// on the settlement ledger, then queues an ERC-20 payout. The withdrawal id
// is the fee deposit's burn index.
func (p *Processor) WithdrawErc20(ctx context.Context, req *Erc20Withdrawal) (*Accepted, error) {
	release, err := p.intake.Start(req.From.Key())
	if err != nil {
		return nil, admissionError(err)
	}
	defer release()

	if req.Recipient == (common.Address{}) {
		return nil, apperrors.UserInputError(nil, "recipient must not be the zero address")
	}
	if req.Amount == nil || req.Amount.IsZero() {
		return nil, apperrors.UserInputError(nil, "withdrawal amount must be positive")
	}

	var (
		token       *state.Token
		symbol      string
		minPriority *uint256.Int
	)
	p.minter.ReadState(func(s *state.State) {
		if s == nil {
			return
		}
		symbol = s.NativeSymbol
		minPriority = new(uint256.Int).Set(s.MinPriorityFee)
		if t, ok := s.FindToken(req.TokenContract); ok {
			cp := *t
			cp.LedgerID = append(events.AccountID(nil), t.LedgerID...)
			token = &cp
		}
	})
	if minPriority == nil {
		return nil, apperrors.TransientError(nil, "minter state is not ready")
	}
	if token == nil {
		return nil, apperrors.UserInputError(nil, fmt.Sprintf(
			"token %s is not supported for withdrawals", req.TokenContract))
	}
	tokenAmount, err := ledger.ToLedgerAmount(req.Amount, int(token.Decimals), int(token.Decimals))
	if err != nil {
		return nil, apperrors.UserInputError(err, "withdrawal amount is not representable on the ledger")
	}

	estimate, err := p.gasFeeEstimate(ctx, minPriority)
	if err != nil {
		return nil, err
	}
	maxFee := estimate.ToPrice(erc20GasLimit).MaxTransactionFee()
	feeDeposit, err := ledger.WeiToLedger(maxFee, p.cfg.LedgerDecimals)
	if err != nil {
		return nil, apperrors.InvariantError(err, "transaction fee deposit is not representable on the ledger")
	}

	feeCharged, err := p.chargeIntakeFee(ctx, req.From, symbol)
	if err != nil {
		return nil, err
	}

	burnIndex, err := p.ledger.BurnFrom(ctx, &ledger.BurnRequest{
		Instrument: symbol,
		From:       req.From,
		Amount:     feeDeposit,
		Key:        uuid.NewString(),
	})
	if err != nil {
		p.refundIntakeFee(ctx, req.From, symbol, feeCharged)
		return nil, fmt.Errorf("failed to burn the transaction fee deposit: %w", err)
	}

	erc20BurnIndex, err := p.ledger.BurnFrom(ctx, &ledger.BurnRequest{
		Instrument: token.LedgerID.String(),
		From:       req.From,
		Amount:     tokenAmount,
		Key:        ledger.IdempotencyKey("erc20-burn", strconv.FormatUint(burnIndex, 10)),
	})
	if err != nil {
		// The fee deposit is already burned; schedule its refund.
		if ferr := p.minter.ProcessEvents(ctx, []events.Payload{
			&events.FailedErc20WithdrawalRequest{
				WithdrawalID: burnIndex,
				Amount:       maxFee,
				To:           req.From,
			},
		}); ferr != nil {
			p.logger.Error("failed to schedule the fee deposit refund",
				zap.Uint64("withdrawal_id", burnIndex),
				zap.Error(ferr))
		}
		return nil, fmt.Errorf("failed to burn the token amount: %w", err)
	}

	if err := p.minter.ProcessEvents(ctx, []events.Payload{
		&events.AcceptedErc20WithdrawalRequest{
			MaxTransactionFee: maxFee,
			WithdrawalAmount:  new(uint256.Int).Set(req.Amount),
			TokenContract:     req.TokenContract,
			LedgerID:          token.LedgerID,
			Destination:       req.Recipient,
			LedgerBurnIndex:   burnIndex,
			Erc20BurnIndex:    erc20BurnIndex,
			From:              req.From,
			CreatedAt:         p.now().Unix(),
		},
	}); err != nil {
		return nil, err
	}
	p.logger.Info("accepted an erc20 withdrawal request",
		zap.Uint64("withdrawal_id", burnIndex),
		zap.Stringer("token", req.TokenContract),
		zap.Stringer("recipient", req.Recipient),
		zap.String("amount", req.Amount.String()),
		zap.String("fee_deposit", maxFee.String()))
	p.Wake()
	return &Accepted{ID: burnIndex}, nil
}

// chargeIntakeFee moves the flat intake fee to the fee account. It reports
// whether a fee was actually charged so a failed burn can refund it.
func (p *Processor) chargeIntakeFee(ctx context.Context, from events.Account, symbol string) (bool, error) {
	if p.cfg.Fee == nil || p.cfg.Fee.IsZero() || p.cfg.FeeAccount == nil {
		return false, nil
	}
	amount, err := ledger.WeiToLedger(p.cfg.Fee, p.cfg.LedgerDecimals)
	if err != nil {
		return false, apperrors.InvariantError(err, "configured withdrawal fee is not representable on the ledger")
	}
	if _, err := p.ledger.Transfer(ctx, &ledger.TransferRequest{
		Instrument: symbol,
		From:       from,
		To:         *p.cfg.FeeAccount,
		Amount:     amount,
		Key:        uuid.NewString(),
	}); err != nil {
		return false, fmt.Errorf("failed to charge the withdrawal fee: %w", err)
	}
	return true, nil
}

// refundIntakeFee returns the intake fee after a failed burn, less the two
// ledger transfer fees the round trip costs. Nothing is refunded when the
// transfer fees consume the whole amount.
func (p *Processor) refundIntakeFee(ctx context.Context, to events.Account, symbol string, charged bool) {
	if !charged {
		return
	}
	refund := new(uint256.Int).Set(p.cfg.Fee)
	if p.cfg.TransferFee != nil && !p.cfg.TransferFee.IsZero() {
		cost, overflow := new(uint256.Int).AddOverflow(p.cfg.TransferFee, p.cfg.TransferFee)
		if overflow || !refund.Gt(cost) {
			return
		}
		refund.Sub(refund, cost)
	}
	amount, err := ledger.WeiToLedger(refund, p.cfg.LedgerDecimals)
	if err != nil {
		p.logger.Error("cannot convert the withdrawal fee refund", zap.Error(err))
		return
	}
	if _, err := p.ledger.Transfer(ctx, &ledger.TransferRequest{
		Instrument: symbol,
		From:       *p.cfg.FeeAccount,
		To:         to,
		Amount:     amount,
		Key:        uuid.NewString(),
	}); err != nil {
		p.logger.Error("failed to refund the withdrawal fee",
			zap.String("account", to.String()),
			zap.Error(err))
	}
}

// admissionError maps guard rejections onto the error taxonomy so the API
// layer renders the right status code.
func admissionError(err error) error {
	switch {
	case errors.Is(err, guard.ErrAlreadyProcessing):
		return apperrors.ConflictError(err, "a withdrawal for this account is already in progress")
	case errors.Is(err, guard.ErrTooManyConcurrent), errors.Is(err, guard.ErrTooManyPending):
		return apperrors.RateLimitedError(err, "withdrawal intake is saturated, try again later")
	default:
		return err
	}
}
