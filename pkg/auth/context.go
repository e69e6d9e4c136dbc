package auth

import (
	"context"

	"github.com/chainsafe/evm-minter/pkg/events"
)

type contextKey string

const contextKeyAccount contextKey = "ledger_account"

// WithAccount attaches the authenticated settlement ledger account to the
// context.
func WithAccount(ctx context.Context, account events.AccountID) context.Context {
	return context.WithValue(ctx, contextKeyAccount, account)
}

// AccountFromContext returns the settlement ledger account the request is
// authenticated for.
func AccountFromContext(ctx context.Context) (events.AccountID, bool) {
	account, ok := ctx.Value(contextKeyAccount).(events.AccountID)
	return account, ok
}
