package signer

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/chainsafe/evm-minter/pkg/config"
	"github.com/chainsafe/evm-minter/pkg/events"
)

const testSeed = "8f2a26d0b1b8ad0ad09e06b33dbee2df4c8dfc65c5b1c1a0ed7f9769cf9c77e1"

func testSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := New(&config.SignerConfig{
		MasterSeed: testSeed,
		KeyInfo:    "evm-minter/signing/v1",
	})
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	return s
}

func TestDerivationIsDeterministic(t *testing.T) {
	first := testSigner(t)
	second := testSigner(t)

	if first.Address() != second.Address() {
		t.Errorf("same seed derived different addresses: %s vs %s", first.Address(), second.Address())
	}
	if first.Address() == (common.Address{}) {
		t.Error("derived zero address")
	}
}

func TestKeyInfoNamespacesDerivation(t *testing.T) {
	base := testSigner(t)
	other, err := New(&config.SignerConfig{
		MasterSeed: testSeed,
		KeyInfo:    "evm-minter/signing/v2",
	})
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	if base.Address() == other.Address() {
		t.Error("different key info derived the same address")
	}
}

func TestSeedPrefixIsAccepted(t *testing.T) {
	bare := testSigner(t)
	prefixed, err := New(&config.SignerConfig{
		MasterSeed: "0x" + testSeed,
		KeyInfo:    "evm-minter/signing/v1",
	})
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	if bare.Address() != prefixed.Address() {
		t.Error("0x-prefixed seed derived a different address")
	}
}

func TestRejectsBadSeeds(t *testing.T) {
	cases := []struct {
		name string
		seed string
	}{
		{"empty", ""},
		{"short", "deadbeef"},
		{"not hex", "zzzz26d0b1b8ad0ad09e06b33dbee2df4c8dfc65c5b1c1a0ed7f9769cf9c77e1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(&config.SignerConfig{MasterSeed: tc.seed, KeyInfo: "evm-minter/signing/v1"})
			if err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestSignTransaction(t *testing.T) {
	s := testSigner(t)

	req := &events.TransactionRequest{
		ChainID:              11155111,
		Nonce:                7,
		MaxPriorityFeePerGas: uint256.NewInt(1_500_000_000),
		MaxFeePerGas:         uint256.NewInt(30_000_000_000),
		GasLimit:             21000,
		Destination:          common.HexToAddress("0x221E931fbFcb9bd54DdD26cE6f5e29E54191EBA3"),
		Amount:               uint256.NewInt(990_000_000_000_000_000),
	}

	raw, hash, err := s.SignTransaction(req)
	if err != nil {
		t.Fatalf("failed to sign transaction: %v", err)
	}

	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		t.Fatalf("failed to decode signed transaction: %v", err)
	}
	if tx.Hash() != hash {
		t.Errorf("hash mismatch: got %s, want %s", tx.Hash(), hash)
	}
	if tx.Type() != types.DynamicFeeTxType {
		t.Errorf("unexpected transaction type %d", tx.Type())
	}
	if tx.Nonce() != req.Nonce {
		t.Errorf("unexpected nonce %d", tx.Nonce())
	}
	if tx.To() == nil || *tx.To() != req.Destination {
		t.Errorf("unexpected destination %v", tx.To())
	}
	if tx.Value().Cmp(req.Amount.ToBig()) != 0 {
		t.Errorf("unexpected value %s", tx.Value())
	}
	if !bytes.Equal(tx.Data(), nil) {
		t.Errorf("unexpected calldata %x", tx.Data())
	}

	sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), &tx)
	if err != nil {
		t.Fatalf("failed to recover sender: %v", err)
	}
	if sender != s.Address() {
		t.Errorf("recovered sender %s, want %s", sender, s.Address())
	}
}

func TestSignTransactionRequiresChainID(t *testing.T) {
	s := testSigner(t)

	_, _, err := s.SignTransaction(&events.TransactionRequest{
		Nonce:                0,
		MaxPriorityFeePerGas: uint256.NewInt(1),
		MaxFeePerGas:         uint256.NewInt(2),
		GasLimit:             21000,
		Amount:               uint256.NewInt(1),
	})
	if err == nil {
		t.Error("expected error for missing chain id, got nil")
	}
}
