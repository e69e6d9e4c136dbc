package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/chainsafe/evm-minter/pkg/app/errors"
	"github.com/chainsafe/evm-minter/pkg/config"
	"github.com/chainsafe/evm-minter/pkg/events"
)

func testAccount(t *testing.T, hex string) events.Account {
	t.Helper()
	owner, err := events.ParseAccountID(hex)
	if err != nil {
		t.Fatalf("ParseAccountID(%q): %v", hex, err)
	}
	return events.Account{Owner: owner}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := &config.LedgerConfig{BaseURL: srv.URL, RequestTimeout: 5 * time.Second}
	return NewClient(cfg, zap.NewNop())
}

func TestMintSubmitsOperation(t *testing.T) {
	var gotPath, gotKey string
	var gotBody operationRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("unexpected Authorization header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"index":7}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	})

	index, err := client.Mint(context.Background(), &MintRequest{
		Instrument: "ETH",
		To:         testAccount(t, "0a0b0c"),
		Amount:     "1.5",
		Key:        IdempotencyKey("mint", "0xabc", "3"),
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if index != 7 {
		t.Errorf("index = %d, want 7", index)
	}
	if gotPath != "/v1/ETH/mint" {
		t.Errorf("path = %q, want /v1/ETH/mint", gotPath)
	}
	if gotKey == "" || gotKey != gotBody.RequestID {
		t.Errorf("idempotency key %q does not match request id %q", gotKey, gotBody.RequestID)
	}
	if gotBody.Amount != "1.5" {
		t.Errorf("amount = %q, want 1.5", gotBody.Amount)
	}
	if gotBody.To == nil || gotBody.To.Owner.String() != "0a0b0c" {
		t.Errorf("unexpected recipient %+v", gotBody.To)
	}
	if gotBody.From != nil {
		t.Errorf("mint request must not carry a source account, got %+v", gotBody.From)
	}
}

func TestBurnFromInsufficientFunds(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		if _, err := w.Write([]byte(`{"code":"insufficient_funds","message":"balance too low"}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	})

	_, err := client.BurnFrom(context.Background(), &BurnRequest{
		Instrument: "ETH",
		From:       testAccount(t, "0a0b0c"),
		Amount:     "2",
		Key:        IdempotencyKey("burn", "req-1"),
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if !apperrors.Is(err, apperrors.CategoryUserInput) {
		t.Errorf("err = %v, want CategoryUserInput", err)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.Mint(context.Background(), &MintRequest{
		Instrument: "ETH",
		To:         testAccount(t, "0a0b0c"),
		Amount:     "1",
		Key:        "k",
	})
	if !apperrors.Is(err, apperrors.CategoryTransient) {
		t.Fatalf("err = %v, want CategoryTransient", err)
	}
}

func TestRejectionIsPermanent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		if _, err := w.Write([]byte(`{"code":"unknown_instrument"}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	})

	_, err := client.Mint(context.Background(), &MintRequest{
		Instrument: "DOGE",
		To:         testAccount(t, "0a0b0c"),
		Amount:     "1",
		Key:        "k",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if apperrors.Is(err, apperrors.CategoryTransient) {
		t.Errorf("rejection classified transient: %v", err)
	}
	if errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("rejection classified as insufficient funds: %v", err)
	}
}

func TestTransferSendsBearerToken(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"access_token":"test-token","expires_in":3600}`)); err != nil {
			t.Errorf("write token response: %v", err)
		}
	}))
	defer tokenSrv.Close()

	var gotAuth string
	ledgerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if _, err := w.Write([]byte(`{"index":11}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer ledgerSrv.Close()

	cfg := &config.LedgerConfig{
		BaseURL:        ledgerSrv.URL,
		RequestTimeout: 5 * time.Second,
		Auth: config.LedgerAuthConfig{
			TokenURL:     tokenSrv.URL,
			ClientID:     "minter",
			ClientSecret: "secret",
			Audience:     "ledger",
		},
	}
	client := NewClient(cfg, zap.NewNop())

	index, err := client.Transfer(context.Background(), &TransferRequest{
		Instrument: "ETH",
		From:       testAccount(t, "0a0b0c"),
		To:         testAccount(t, "0d0e0f"),
		Amount:     "0.25",
		Key:        "fee-transfer-1",
	})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if index != 11 {
		t.Errorf("index = %d, want 11", index)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want Bearer test-token", gotAuth)
	}
}

func TestRequestValidation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request must reach the server")
	})

	cases := []struct {
		name string
		req  *MintRequest
	}{
		{"missing instrument", &MintRequest{To: testAccount(t, "0a"), Amount: "1", Key: "k"}},
		{"missing key", &MintRequest{Instrument: "ETH", To: testAccount(t, "0a"), Amount: "1"}},
		{"garbage amount", &MintRequest{Instrument: "ETH", To: testAccount(t, "0a"), Amount: "one", Key: "k"}},
		{"zero amount", &MintRequest{Instrument: "ETH", To: testAccount(t, "0a"), Amount: "0", Key: "k"}},
		{"negative amount", &MintRequest{Instrument: "ETH", To: testAccount(t, "0a"), Amount: "-1", Key: "k"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := client.Mint(context.Background(), tc.req); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestIdempotencyKeyIsStable(t *testing.T) {
	a := IdempotencyKey("mint", "0xabc", "3")
	b := IdempotencyKey("mint", "0xabc", "3")
	if a != b {
		t.Errorf("same parts produced different keys: %s vs %s", a, b)
	}
	if c := IdempotencyKey("mint", "0xabc", "4"); c == a {
		t.Errorf("different parts produced the same key %s", c)
	}
}
