package ledger

import (
	"testing"

	"github.com/holiman/uint256"
)

func TestToLedgerAmount(t *testing.T) {
	cases := []struct {
		name           string
		amount         *uint256.Int
		chainDecimals  int
		ledgerDecimals int
		want           string
		wantErr        bool
	}{
		{"one ether", uint256.NewInt(1_000_000_000_000_000_000), 18, 18, "1", false},
		{"one wei", uint256.NewInt(1), 18, 18, "0.000000000000000001", false},
		{"one and a half", uint256.NewInt(1_500_000_000_000_000_000), 18, 18, "1.5", false},
		{"zero", uint256.NewInt(0), 18, 18, "0", false},
		{"coarser ledger exact", uint256.NewInt(100_000_000), 18, 10, "0.0000000001", false},
		{"coarser ledger dust", uint256.NewInt(1), 18, 10, "", true},
		{"six decimal token", uint256.NewInt(1_500_000), 6, 18, "1.5", false},
		{"zero chain decimals", uint256.NewInt(42), 0, 18, "42", false},
		{"nil amount", nil, 18, 18, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ToLedgerAmount(tc.amount, tc.chainDecimals, tc.ledgerDecimals)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("got %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ToLedgerAmount: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestWeiToLedger(t *testing.T) {
	got, err := WeiToLedger(uint256.NewInt(2_000_000_000_000_000_000), 18)
	if err != nil {
		t.Fatalf("WeiToLedger: %v", err)
	}
	if got != "2" {
		t.Errorf("got %q, want 2", got)
	}
}
