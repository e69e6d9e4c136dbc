package auth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/chainsafe/evm-minter/pkg/app/errors"
	apphttp "github.com/chainsafe/evm-minter/pkg/app/http"
	"github.com/chainsafe/evm-minter/pkg/events"
)

// TokenValidator checks a bearer token and returns its claims.
type TokenValidator interface {
	IsConfigured() bool
	ValidateToken(token string) (jwt.MapClaims, error)
}

// Middleware authenticates mutating API requests. The token subject is the
// hex-encoded settlement ledger account the caller acts for; it is parsed and
// attached to the request context. When the validator is not configured the
// middleware passes requests through and handlers see no account.
func Middleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !validator.IsConfigured() {
				next.ServeHTTP(w, r)
				return
			}

			token, err := bearerToken(r)
			if err != nil {
				apphttp.DefaultErrorHandler(w, err)
				return
			}
			claims, err := validator.ValidateToken(token)
			if err != nil {
				apphttp.DefaultErrorHandler(w, apperrors.UnAuthorizedError(err, "invalid bearer token"))
				return
			}
			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				apphttp.DefaultErrorHandler(w, apperrors.UnAuthorizedError(err, "token has no subject"))
				return
			}
			account, err := events.ParseAccountID(subject)
			if err != nil {
				apphttp.DefaultErrorHandler(w, apperrors.UnAuthorizedError(err, "token subject is not a ledger account"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), account)))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", apperrors.UnAuthorizedError(nil, "missing Authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", apperrors.UnAuthorizedError(nil, "Authorization header is not a bearer token")
	}
	return strings.TrimPrefix(header, prefix), nil
}
