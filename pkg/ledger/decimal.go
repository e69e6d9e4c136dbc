package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// nativeDecimals is the precision of the native asset on the EVM chain (wei).
const nativeDecimals = 18

// ToLedgerAmount converts an on-chain integer amount with the given number of
// on-chain decimals into the ledger's decimal string representation. The
// ledger keeps ledgerDecimals fractional digits; an amount carrying precision
// below that is rejected rather than silently rounded.
func ToLedgerAmount(amount *uint256.Int, chainDecimals, ledgerDecimals int) (string, error) {
	if amount == nil {
		return "", fmt.Errorf("amount is required")
	}
	if chainDecimals < 0 || ledgerDecimals < 0 {
		return "", fmt.Errorf("decimals must not be negative")
	}
	d := decimal.NewFromBigInt(amount.ToBig(), -int32(chainDecimals))
	if !d.Truncate(int32(ledgerDecimals)).Equal(d) {
		return "", fmt.Errorf("amount %s is not representable with %d ledger decimals", d, ledgerDecimals)
	}
	return d.String(), nil
}

// WeiToLedger converts a wei amount into the ledger's decimal string.
func WeiToLedger(amount *uint256.Int, ledgerDecimals int) (string, error) {
	return ToLedgerAmount(amount, nativeDecimals, ledgerDecimals)
}
