// Package http adapts error-returning handlers to net/http and maps service
// error categories onto response status codes.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/chainsafe/evm-minter/pkg/app/errors"
)

// HandlerFunc is an HTTP handler that reports failure through its return
// value instead of writing the error response itself.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

// HandleError wraps an error-returning HandlerFunc into a standard
// http.HandlerFunc.
//
// Usage with chi:
//
//	r.Post("/withdrawals", http.HandleError(s.handleWithdraw))
func HandleError(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			DefaultErrorHandler(w, err)
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// DefaultErrorHandler writes err as a JSON error response. ServiceError
// categories choose the status code; anything else is a 500.
func DefaultErrorHandler(w http.ResponseWriter, err error) {
	resp := errorResponse{
		Error: "Unexpected Service Error",
		Code:  http.StatusInternalServerError,
	}
	var svcErr *apperrors.ServiceError
	if errors.As(err, &svcErr) {
		resp.Error = svcErr.Message
		resp.Code = svcErr.StatusCode()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Code)
	_ = json.NewEncoder(w).Encode(resp)
}
