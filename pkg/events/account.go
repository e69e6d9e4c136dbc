package events

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

// MaxAccountIDLen is the longest settlement ledger account identifier, in bytes.
const MaxAccountIDLen = 29

var (
	// ErrAccountEmpty rejects the zero-length identifier, which the ledger
	// reserves for itself.
	ErrAccountEmpty = errors.New("account id must not be empty")
	// ErrAccountReserved rejects the single-byte 0x04 identifier, reserved
	// for unauthenticated callers.
	ErrAccountReserved = errors.New("account id is reserved")
	ErrAccountTooLong  = errors.New("account id exceeds 29 bytes")
)

// AccountID identifies an account owner on the settlement ledger.
// Valid identifiers are 1 to 29 opaque bytes and exclude the reserved values.
type AccountID []byte

// Validate reports whether the identifier may own funds.
func (id AccountID) Validate() error {
	switch {
	case len(id) == 0:
		return ErrAccountEmpty
	case len(id) == 1 && id[0] == 0x04:
		return ErrAccountReserved
	case len(id) > MaxAccountIDLen:
		return ErrAccountTooLong
	}
	return nil
}

func (id AccountID) String() string {
	return hex.EncodeToString(id)
}

// Equal compares two identifiers byte-wise.
func (id AccountID) Equal(other AccountID) bool {
	return bytes.Equal(id, other)
}

// Key returns a form usable as a map key.
func (id AccountID) Key() string {
	return string(id)
}

func (id AccountID) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(id)), nil
}

func (id *AccountID) UnmarshalText(text []byte) error {
	decoded, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid account id encoding: %w", err)
	}
	*id = decoded
	return nil
}

// ParseAccountID decodes and validates a hex-encoded account identifier.
func ParseAccountID(s string) (AccountID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid account id encoding: %w", err)
	}
	id := AccountID(raw)
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return id, nil
}

// Subaccount subdivides a ledger account. The all-zero subaccount is the
// default and is represented as a nil *Subaccount everywhere.
type Subaccount [32]byte

// SubaccountFromBytes returns nil for the all-zero word.
func SubaccountFromBytes(b [32]byte) *Subaccount {
	if b == [32]byte{} {
		return nil
	}
	sub := Subaccount(b)
	return &sub
}

func (s Subaccount) String() string {
	return hex.EncodeToString(s[:])
}

func (s Subaccount) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(s[:])), nil
}

func (s *Subaccount) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid subaccount encoding: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("subaccount must be 32 bytes, got %d", len(raw))
	}
	copy(s[:], raw)
	return nil
}

// Account addresses funds on the settlement ledger.
type Account struct {
	Owner      AccountID   `json:"owner"`
	Subaccount *Subaccount `json:"subaccount,omitempty"`
}

func (a Account) String() string {
	if a.Subaccount == nil {
		return a.Owner.String()
	}
	return a.Owner.String() + "." + a.Subaccount.String()
}

// Key returns a form usable as a map key.
func (a Account) Key() string {
	if a.Subaccount == nil {
		return a.Owner.Key()
	}
	return a.Owner.Key() + "\x00" + string(a.Subaccount[:])
}
