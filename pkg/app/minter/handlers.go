package minter

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/evm-minter/pkg/app/errors"
	apphttp "github.com/chainsafe/evm-minter/pkg/app/http"
	"github.com/chainsafe/evm-minter/pkg/auth"
	"github.com/chainsafe/evm-minter/pkg/config"
	"github.com/chainsafe/evm-minter/pkg/events"
	"github.com/chainsafe/evm-minter/pkg/guard"
	"github.com/chainsafe/evm-minter/pkg/minter"
	"github.com/chainsafe/evm-minter/pkg/scrape"
	"github.com/chainsafe/evm-minter/pkg/state"
	"github.com/chainsafe/evm-minter/pkg/withdraw"
)

const (
	defaultEventsPageSize = 100
	maxEventsPageSize     = 1000
)

// handlers bundles the API dependencies.
type handlers struct {
	cfg       *config.Config
	logger    *zap.Logger
	core      *minter.Minter
	processor *withdraw.Processor
	scraper   *scrape.Scraper
	address   common.Address
	validator auth.TokenValidator
	ping      func(context.Context) error
}

func newRouter(h *handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(h.cfg.Server.MiddlewareTimeout))
	r.Use(requestLogger(h.logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !h.core.Ready() || h.ping(r.Context()) != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT_READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	})

	if h.cfg.Monitoring.Enabled {
		r.Handle("/metrics", promhttp.Handler())
		h.logger.Info("Metrics enabled", zap.String("path", "/metrics"))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/minter/info", apphttp.HandleError(h.handleMinterInfo))
		r.Get("/minter/address", apphttp.HandleError(h.handleMinterAddress))
		r.Get("/gas/price", apphttp.HandleError(h.handleGasPrice))
		r.Get("/events", apphttp.HandleError(h.handleEvents))
		r.Get("/deposits/{tx_hash}", apphttp.HandleError(h.handleDepositStatus))
		r.Get("/withdrawals", apphttp.HandleError(h.handleSearchWithdrawals))
		r.Get("/withdrawals/{id}", apphttp.HandleError(h.handleWithdrawalStatus))

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(h.validator))
			r.Post("/withdrawals", apphttp.HandleError(h.handleWithdraw))
			r.Post("/scrape", apphttp.HandleError(h.handleScrape))
		})
	})

	return r
}

// requestLogger logs one line per request through the configured zap logger.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

type erc20TokenInfo struct {
	Contract common.Address   `json:"erc20_contract_address"`
	LedgerID events.AccountID `json:"ledger_id"`
	Symbol   string           `json:"symbol"`
	Decimals uint8            `json:"decimals"`
	Balance  *uint256.Int     `json:"balance"`
}

type wrappedTokenInfo struct {
	Contract  common.Address   `json:"wrapped_contract_address"`
	BaseToken events.AccountID `json:"base_token"`
}

type minterInfo struct {
	MinterAddress        common.Address     `json:"minter_address"`
	ChainID              uint64             `json:"chain_id"`
	Network              string             `json:"network"`
	NativeSymbol         string             `json:"native_symbol"`
	HelperAddress        common.Address     `json:"helper_smart_contract_address"`
	LegacyHelperAddress  *common.Address    `json:"legacy_helper_smart_contract_address,omitempty"`
	MinWithdrawalAmount  *uint256.Int       `json:"minimum_withdrawal_amount"`
	LastScrapedBlock     uint64             `json:"last_scraped_block_number"`
	LastObservedBlock    uint64             `json:"last_observed_block_number"`
	NativeBalance        *uint256.Int       `json:"native_balance"`
	TotalEffectiveTxFees *uint256.Int       `json:"total_effective_transaction_fees"`
	TotalUnspentTxFees   *uint256.Int       `json:"total_unspent_transaction_fees"`
	SupportedErc20Tokens []erc20TokenInfo   `json:"supported_erc20_tokens"`
	WrappedTokens        []wrappedTokenInfo `json:"wrapped_tokens"`
	PendingWithdrawals   int                `json:"pending_withdrawal_count"`
}

func (h *handlers) handleMinterInfo(w http.ResponseWriter, r *http.Request) error {
	var (
		info  minterInfo
		ready bool
	)
	h.core.ReadState(func(s *state.State) {
		if s == nil {
			return
		}
		ready = true
		info = minterInfo{
			MinterAddress:        h.address,
			ChainID:              s.ChainID,
			Network:              s.Network,
			NativeSymbol:         s.NativeSymbol,
			HelperAddress:        s.HelperAddress,
			MinWithdrawalAmount:  new(uint256.Int).Set(s.MinWithdrawalAmount),
			LastScrapedBlock:     s.LastScrapedBlock,
			LastObservedBlock:    h.scraper.LastObservedBlock(),
			NativeBalance:        new(uint256.Int).Set(s.Balance.Balance),
			TotalEffectiveTxFees: new(uint256.Int).Set(s.Balance.TotalEffectiveTxFees),
			TotalUnspentTxFees:   new(uint256.Int).Set(s.Balance.TotalUnspentTxFees),
			SupportedErc20Tokens: []erc20TokenInfo{},
			WrappedTokens:        []wrappedTokenInfo{},
			PendingWithdrawals:   s.Withdrawals.QueueLen(),
		}
		if s.LegacyHelperAddress != nil {
			legacy := *s.LegacyHelperAddress
			info.LegacyHelperAddress = &legacy
		}
		for _, token := range s.Erc20Tokens {
			info.SupportedErc20Tokens = append(info.SupportedErc20Tokens, erc20TokenInfo{
				Contract: token.Contract,
				LedgerID: append(events.AccountID(nil), token.LedgerID...),
				Symbol:   token.Symbol,
				Decimals: token.Decimals,
				Balance:  s.Erc20Balances.Get(token.Contract),
			})
		}
		for contract, base := range s.WrappedTokens {
			info.WrappedTokens = append(info.WrappedTokens, wrappedTokenInfo{
				Contract:  contract,
				BaseToken: append(events.AccountID(nil), base...),
			})
		}
	})
	if !ready {
		return apperrors.TransientError(nil, "minter state is not ready")
	}
	sort.Slice(info.SupportedErc20Tokens, func(i, j int) bool {
		return bytes.Compare(info.SupportedErc20Tokens[i].Contract[:], info.SupportedErc20Tokens[j].Contract[:]) < 0
	})
	sort.Slice(info.WrappedTokens, func(i, j int) bool {
		return bytes.Compare(info.WrappedTokens[i].Contract[:], info.WrappedTokens[j].Contract[:]) < 0
	})
	return writeJSON(w, http.StatusOK, &info)
}

func (h *handlers) handleMinterAddress(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, http.StatusOK, map[string]common.Address{"address": h.address})
}

type gasPriceResponse struct {
	GasLimit             uint64       `json:"gas_limit"`
	MaxFeePerGas         *uint256.Int `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas *uint256.Int `json:"max_priority_fee_per_gas"`
}

func (h *handlers) handleGasPrice(w http.ResponseWriter, r *http.Request) error {
	price, err := h.processor.GasPrice(r.Context())
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, &gasPriceResponse{
		GasLimit:             price.GasLimit,
		MaxFeePerGas:         price.MaxFeePerGas,
		MaxPriorityFeePerGas: price.MaxPriorityFeePerGas,
	})
}

type eventDTO struct {
	Seq       uint64          `json:"seq"`
	Timestamp int64           `json:"timestamp"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type eventsResponse struct {
	Events     []eventDTO `json:"events"`
	TotalCount uint64     `json:"total_count"`
}

func (h *handlers) handleEvents(w http.ResponseWriter, r *http.Request) error {
	start, err := queryUint(r, "start", 0)
	if err != nil {
		return err
	}
	length, err := queryUint(r, "length", defaultEventsPageSize)
	if err != nil {
		return err
	}
	if length > maxEventsPageSize {
		length = maxEventsPageSize
	}

	page, total, err := h.core.Events(r.Context(), start, int(length))
	if err != nil {
		return apperrors.TransientError(err, "failed to read the event log")
	}

	out := eventsResponse{Events: make([]eventDTO, 0, len(page)), TotalCount: total}
	for i, ev := range page {
		eventType, payload, err := events.Marshal(ev.Payload)
		if err != nil {
			return apperrors.InvariantError(err, "failed to encode a stored event")
		}
		out.Events = append(out.Events, eventDTO{
			Seq:       start + uint64(i),
			Timestamp: ev.Timestamp,
			EventType: eventType.String(),
			Payload:   payload,
		})
	}
	return writeJSON(w, http.StatusOK, &out)
}

type depositsResponse struct {
	Deposits []state.DepositStatus `json:"deposits"`
}

func (h *handlers) handleDepositStatus(w http.ResponseWriter, r *http.Request) error {
	txHash, err := parseHashParam(chi.URLParam(r, "tx_hash"))
	if err != nil {
		return err
	}

	var (
		statuses []state.DepositStatus
		ready    bool
	)
	h.core.ReadState(func(s *state.State) {
		if s == nil {
			return
		}
		ready = true
		statuses = s.DepositStatuses(txHash)
	})
	if !ready {
		return apperrors.TransientError(nil, "minter state is not ready")
	}
	if len(statuses) == 0 {
		return apperrors.NotFoundError(nil, fmt.Sprintf("no deposit observed in transaction %s", txHash))
	}
	return writeJSON(w, http.StatusOK, &depositsResponse{Deposits: statuses})
}

type withdrawRequest struct {
	// From is the hex-encoded ledger account debited for the withdrawal.
	// Ignored when the request carries an authenticated account.
	From      string `json:"from,omitempty"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	// Token selects an ERC-20 payout; empty means the native token.
	Token string `json:"token,omitempty"`
}

func (h *handlers) handleWithdraw(w http.ResponseWriter, r *http.Request) error {
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return apperrors.UserInputError(err, "request body is not valid JSON")
	}

	from, err := h.requestAccount(r, req.From)
	if err != nil {
		return err
	}
	if !common.IsHexAddress(req.Recipient) {
		return apperrors.UserInputError(nil, fmt.Sprintf("recipient %q is not a hex address", req.Recipient))
	}
	recipient := common.HexToAddress(req.Recipient)
	amount, err := uint256.FromDecimal(req.Amount)
	if err != nil {
		return apperrors.UserInputError(err, fmt.Sprintf("amount %q is not a decimal wei amount", req.Amount))
	}

	var accepted *withdraw.Accepted
	if req.Token == "" {
		accepted, err = h.processor.WithdrawNative(r.Context(), &withdraw.NativeWithdrawal{
			From:      from,
			Recipient: recipient,
			Amount:    amount,
		})
	} else {
		if !common.IsHexAddress(req.Token) {
			return apperrors.UserInputError(nil, fmt.Sprintf("token %q is not a hex address", req.Token))
		}
		accepted, err = h.processor.WithdrawErc20(r.Context(), &withdraw.Erc20Withdrawal{
			From:          from,
			Recipient:     recipient,
			TokenContract: common.HexToAddress(req.Token),
			Amount:        amount,
		})
	}
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, accepted)
}

// requestAccount resolves the ledger account a mutating request acts for:
// the authenticated token subject, or the explicit body field when the
// deployment runs without auth.
func (h *handlers) requestAccount(r *http.Request, explicit string) (events.Account, error) {
	if id, ok := auth.AccountFromContext(r.Context()); ok {
		return events.Account{Owner: id}, nil
	}
	if h.validator.IsConfigured() {
		return events.Account{}, apperrors.UnAuthorizedError(nil, "request carries no authenticated account")
	}
	if explicit == "" {
		return events.Account{}, apperrors.UserInputError(nil, "from account is required")
	}
	id, err := events.ParseAccountID(explicit)
	if err != nil {
		return events.Account{}, apperrors.UserInputError(err, fmt.Sprintf("from account %q is not a ledger account", explicit))
	}
	return events.Account{Owner: id}, nil
}

func (h *handlers) handleWithdrawalStatus(w http.ResponseWriter, r *http.Request) error {
	idParam := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(idParam, 10, 64)
	if err != nil {
		return apperrors.UserInputError(err, fmt.Sprintf("withdrawal id %q is not a number", idParam))
	}

	var (
		status state.WithdrawalStatus
		found  bool
		ready  bool
	)
	h.core.ReadState(func(s *state.State) {
		if s == nil {
			return
		}
		ready = true
		status, found = s.Withdrawals.WithdrawalStatus(id)
	})
	if !ready {
		return apperrors.TransientError(nil, "minter state is not ready")
	}
	if !found {
		return apperrors.NotFoundError(nil, fmt.Sprintf("unknown withdrawal %d", id))
	}
	return writeJSON(w, http.StatusOK, &status)
}

type withdrawalsResponse struct {
	Withdrawals []state.WithdrawalStatus `json:"withdrawals"`
}

func (h *handlers) handleSearchWithdrawals(w http.ResponseWriter, r *http.Request) error {
	var (
		recipient *common.Address
		filter    *state.WithdrawalState
	)
	if param := r.URL.Query().Get("recipient"); param != "" {
		if !common.IsHexAddress(param) {
			return apperrors.UserInputError(nil, fmt.Sprintf("recipient %q is not a hex address", param))
		}
		addr := common.HexToAddress(param)
		recipient = &addr
	}
	if param := r.URL.Query().Get("state"); param != "" {
		ws, err := state.ParseWithdrawalState(param)
		if err != nil {
			return apperrors.UserInputError(err, err.Error())
		}
		filter = &ws
	}

	statuses := []state.WithdrawalStatus{}
	ready := false
	h.core.ReadState(func(s *state.State) {
		if s == nil {
			return
		}
		ready = true
		statuses = append(statuses, s.Withdrawals.SearchWithdrawals(recipient, filter)...)
	})
	if !ready {
		return apperrors.TransientError(nil, "minter state is not ready")
	}
	return writeJSON(w, http.StatusOK, &withdrawalsResponse{Withdrawals: statuses})
}

type scrapeRequest struct {
	BlockNumber uint64 `json:"block_number"`
}

type scrapeResponse struct {
	LastScrapedBlock uint64 `json:"last_scraped_block"`
}

func (h *handlers) handleScrape(w http.ResponseWriter, r *http.Request) error {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return apperrors.UserInputError(err, "request body is not valid JSON")
	}
	if req.BlockNumber == 0 {
		return apperrors.UserInputError(nil, "block_number must be positive")
	}

	if err := h.scraper.RequestScrape(r.Context(), req.BlockNumber); err != nil {
		if errors.Is(err, guard.ErrAlreadyProcessing) {
			return apperrors.ConflictError(err, "a scrape is already running")
		}
		return err
	}

	var watermark uint64
	h.core.ReadState(func(s *state.State) {
		if s != nil {
			watermark = s.LastScrapedBlock
		}
	})
	return writeJSON(w, http.StatusOK, &scrapeResponse{LastScrapedBlock: watermark})
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}

func queryUint(r *http.Request, name string, fallback uint64) (uint64, error) {
	param := r.URL.Query().Get(name)
	if param == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(param, 10, 64)
	if err != nil {
		return 0, apperrors.UserInputError(err, fmt.Sprintf("%s %q is not a number", name, param))
	}
	return v, nil
}

func parseHashParam(param string) (common.Hash, error) {
	s := strings.TrimPrefix(param, "0x")
	if len(s) != common.HashLength*2 {
		return common.Hash{}, apperrors.UserInputError(nil, fmt.Sprintf("transaction hash %q must be 32 bytes", param))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return common.Hash{}, apperrors.UserInputError(err, fmt.Sprintf("transaction hash %q is not hex", param))
	}
	return common.BytesToHash(raw), nil
}
