package state

import (
	"testing"

	"github.com/holiman/uint256"

	apperrors "github.com/chainsafe/evm-minter/pkg/app/errors"
)

func TestNativeBalanceRejectsOverdraft(t *testing.T) {
	b := NewNativeBalance()
	if err := b.Add(uint256.NewInt(100)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	err := b.Sub(uint256.NewInt(101))
	if !apperrors.Is(err, apperrors.CategoryInvariant) {
		t.Fatalf("expected invariant error on overdraft, got %v", err)
	}
	if !b.Balance.Eq(uint256.NewInt(100)) {
		t.Errorf("balance after failed debit = %s, want 100", b.Balance)
	}

	if err := b.Sub(uint256.NewInt(100)); err != nil {
		t.Fatalf("Sub to zero: %v", err)
	}
	if !b.Balance.IsZero() {
		t.Errorf("balance after full debit = %s, want 0", b.Balance)
	}
}

func TestNativeBalanceOverflowIsFatal(t *testing.T) {
	b := NewNativeBalance()
	b.Balance = new(uint256.Int).SetAllOne()

	err := b.Add(uint256.NewInt(1))
	if !apperrors.Is(err, apperrors.CategoryInvariant) {
		t.Fatalf("expected invariant error on overflow, got %v", err)
	}
	if !b.Balance.Eq(new(uint256.Int).SetAllOne()) {
		t.Error("balance changed by failed credit")
	}
}

func TestErc20BalancesOverdraftIsFatal(t *testing.T) {
	b := make(Erc20Balances)

	err := b.Sub(testToken, uint256.NewInt(1))
	if !apperrors.Is(err, apperrors.CategoryInvariant) {
		t.Fatalf("expected invariant error debiting unknown token, got %v", err)
	}

	if err := b.Add(testToken, uint256.NewInt(50)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err = b.Sub(testToken, uint256.NewInt(60))
	if !apperrors.Is(err, apperrors.CategoryInvariant) {
		t.Fatalf("expected invariant error on overdraft, got %v", err)
	}
	if got := b.Get(testToken); !got.Eq(uint256.NewInt(50)) {
		t.Errorf("balance after failed debit = %s, want 50", got)
	}
}

func TestErc20BalancesSubRemovesZeroEntries(t *testing.T) {
	b := make(Erc20Balances)
	if err := b.Add(testToken, uint256.NewInt(50)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := b.Sub(testToken, uint256.NewInt(50)); err != nil {
		t.Fatalf("Sub: %v", err)
	}
	if len(b) != 0 {
		t.Errorf("zeroed entry kept in map, len = %d", len(b))
	}
	if got := b.Get(testToken); !got.IsZero() {
		t.Errorf("Get after removal = %s, want 0", got)
	}
}

func TestErc20BalancesGetReturnsCopy(t *testing.T) {
	b := make(Erc20Balances)
	if err := b.Add(testToken, uint256.NewInt(7)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	b.Get(testToken).SetUint64(99)
	if got := b.Get(testToken); !got.Eq(uint256.NewInt(7)) {
		t.Errorf("stored balance mutated through Get result: %s", got)
	}
}
