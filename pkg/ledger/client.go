// Package ledger is the HTTP client for the settlement ledger. Every
// balance-changing call carries a deterministic idempotency key, so replaying
// a crashed pass lands on the ledger's dedup window instead of moving funds
// twice.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/evm-minter/internal/metrics"
	apperrors "github.com/chainsafe/evm-minter/pkg/app/errors"
	"github.com/chainsafe/evm-minter/pkg/config"
	"github.com/chainsafe/evm-minter/pkg/events"
)

// ErrInsufficientFunds indicates the source account cannot cover the burn or
// transfer amount.
var ErrInsufficientFunds = errors.New("insufficient funds on the settlement ledger")

// Client talks to the settlement ledger REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       AuthProvider
	logger     *zap.Logger
}

// NewClient creates a ledger client from configuration. When no token
// endpoint is configured the client calls the ledger unauthenticated.
func NewClient(cfg *config.LedgerConfig, logger *zap.Logger) *Client {
	var auth AuthProvider = NoAuth{}
	if cfg.Auth.TokenURL != "" {
		auth = NewOAuthClientCredentialsProvider(&cfg.Auth, nil)
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		auth:       auth,
		logger:     logger,
	}
}

// IdempotencyKey derives the stable request id for a ledger operation from
// its identity parts. The same operation always maps to the same key.
func IdempotencyKey(parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(parts, "/"))).String()
}

// MintRequest credits an account on the given instrument's ledger.
type MintRequest struct {
	Instrument string
	To         events.Account
	Amount     string
	Key        string
}

func (r *MintRequest) validate() error {
	if err := validateCommon(r.Instrument, r.Amount, r.Key); err != nil {
		return err
	}
	return r.To.Owner.Validate()
}

// BurnRequest debits an account on the given instrument's ledger.
type BurnRequest struct {
	Instrument string
	From       events.Account
	Amount     string
	Key        string
}

func (r *BurnRequest) validate() error {
	if err := validateCommon(r.Instrument, r.Amount, r.Key); err != nil {
		return err
	}
	return r.From.Owner.Validate()
}

// TransferRequest moves funds between two accounts on the same ledger.
type TransferRequest struct {
	Instrument string
	From       events.Account
	To         events.Account
	Amount     string
	Key        string
}

func (r *TransferRequest) validate() error {
	if err := validateCommon(r.Instrument, r.Amount, r.Key); err != nil {
		return err
	}
	if err := r.From.Owner.Validate(); err != nil {
		return err
	}
	return r.To.Owner.Validate()
}

func validateCommon(instrument, amount, key string) error {
	if instrument == "" {
		return fmt.Errorf("instrument is required")
	}
	if key == "" {
		return fmt.Errorf("idempotency key is required")
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return fmt.Errorf("failed to parse amount %q: %w", amount, err)
	}
	if !d.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s", amount)
	}
	return nil
}

// Mint credits the recipient and returns the ledger's mint block index.
func (c *Client) Mint(ctx context.Context, req *MintRequest) (uint64, error) {
	if err := req.validate(); err != nil {
		return 0, fmt.Errorf("invalid mint request: %w", err)
	}
	return c.submit(ctx, "mint", req.Instrument, operationRequest{
		To:        &req.To,
		Amount:    req.Amount,
		RequestID: req.Key,
	})
}

// BurnFrom debits the source account and returns the ledger's burn block
// index.
func (c *Client) BurnFrom(ctx context.Context, req *BurnRequest) (uint64, error) {
	if err := req.validate(); err != nil {
		return 0, fmt.Errorf("invalid burn request: %w", err)
	}
	return c.submit(ctx, "burn", req.Instrument, operationRequest{
		From:      &req.From,
		Amount:    req.Amount,
		RequestID: req.Key,
	})
}

// Transfer moves funds between two ledger accounts and returns the transfer
// block index.
func (c *Client) Transfer(ctx context.Context, req *TransferRequest) (uint64, error) {
	if err := req.validate(); err != nil {
		return 0, fmt.Errorf("invalid transfer request: %w", err)
	}
	return c.submit(ctx, "transfer", req.Instrument, operationRequest{
		From:      &req.From,
		To:        &req.To,
		Amount:    req.Amount,
		RequestID: req.Key,
	})
}

type operationRequest struct {
	From      *events.Account `json:"from,omitempty"`
	To        *events.Account `json:"to,omitempty"`
	Amount    string          `json:"amount"`
	RequestID string          `json:"request_id"`
}

type operationResponse struct {
	Index uint64 `json:"index"`
}

func (c *Client) submit(ctx context.Context, operation, instrument string, body operationRequest) (uint64, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal %s request: %w", operation, err)
	}

	endpoint := fmt.Sprintf("%s/v1/%s/%s", c.baseURL, url.PathEscape(instrument), operation)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", body.RequestID)

	token, err := c.auth.Token(ctx)
	if err != nil {
		metrics.LedgerRequests.WithLabelValues(operation, "error").Inc()
		return 0, apperrors.TransientError(err, "failed to obtain ledger token")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.LedgerRequests.WithLabelValues(operation, "error").Inc()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		return 0, apperrors.TransientError(err, "settlement ledger unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrBodyBytes))
	if err != nil {
		metrics.LedgerRequests.WithLabelValues(operation, "error").Inc()
		return 0, apperrors.TransientError(err, "failed to read ledger response")
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		c.logger.Warn("ledger operation failed",
			zap.String("operation", operation),
			zap.String("instrument", instrument),
			zap.Int("status", resp.StatusCode),
			zap.String("request_id", body.RequestID))
		return 0, c.classify(operation, resp.StatusCode, raw)
	}

	var out operationResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		metrics.LedgerRequests.WithLabelValues(operation, "error").Inc()
		return 0, apperrors.MalformedError(
			fmt.Errorf("failed to decode %s response: %w", operation, err),
			"settlement ledger returned undecodable data",
		)
	}
	metrics.LedgerRequests.WithLabelValues(operation, "ok").Inc()
	return out.Index, nil
}

// classify maps a non-success ledger response onto the error taxonomy:
// throttling and server-side failures are transient; everything else is a
// permanent rejection the caller must not retry.
func (c *Client) classify(operation string, status int, body []byte) error {
	var apiErr struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &apiErr)

	switch {
	case apiErr.Code == "insufficient_funds":
		metrics.LedgerRequests.WithLabelValues(operation, "rejected").Inc()
		return apperrors.UserInputError(ErrInsufficientFunds, ErrInsufficientFunds.Error())
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		metrics.LedgerRequests.WithLabelValues(operation, "error").Inc()
		return apperrors.TransientError(
			fmt.Errorf("ledger %s returned %d: %s", operation, status, string(body)),
			"settlement ledger temporarily unavailable",
		)
	default:
		metrics.LedgerRequests.WithLabelValues(operation, "rejected").Inc()
		return fmt.Errorf("ledger rejected %s: status %d: %s", operation, status, string(body))
	}
}
