package events

import (
	"bytes"
	"errors"
	"testing"
)

func TestAccountIDValidate(t *testing.T) {
	cases := []struct {
		name    string
		id      AccountID
		wantErr error
	}{
		{name: "empty", id: AccountID{}, wantErr: ErrAccountEmpty},
		{name: "reserved", id: AccountID{0x04}, wantErr: ErrAccountReserved},
		{name: "single byte", id: AccountID{0x01}},
		{name: "0x04 with more bytes", id: AccountID{0x04, 0x01}},
		{name: "max length", id: make(AccountID, 29)},
		{name: "too long", id: make(AccountID, 30), wantErr: ErrAccountTooLong},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.id.Validate()
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestParseAccountID(t *testing.T) {
	id, err := ParseAccountID("5d29a11b2c")
	if err != nil {
		t.Fatalf("ParseAccountID() error = %v", err)
	}
	if !bytes.Equal(id, []byte{0x5d, 0x29, 0xa1, 0x1b, 0x2c}) {
		t.Errorf("ParseAccountID() = %x", []byte(id))
	}

	if _, err := ParseAccountID("zz"); err == nil {
		t.Error("ParseAccountID(zz) expected encoding error")
	}
	if _, err := ParseAccountID("04"); !errors.Is(err, ErrAccountReserved) {
		t.Errorf("ParseAccountID(04) error = %v, want ErrAccountReserved", err)
	}
}

func TestSubaccountFromBytes(t *testing.T) {
	if got := SubaccountFromBytes([32]byte{}); got != nil {
		t.Errorf("SubaccountFromBytes(zero) = %v, want nil", got)
	}
	b := [32]byte{31: 0x07}
	got := SubaccountFromBytes(b)
	if got == nil || *got != Subaccount(b) {
		t.Errorf("SubaccountFromBytes() = %v, want %x", got, b)
	}
}

func TestAccountKeyDistinguishesSubaccounts(t *testing.T) {
	owner := AccountID{0x01, 0x02}
	sub := Subaccount{1}
	plain := Account{Owner: owner}
	withSub := Account{Owner: owner, Subaccount: &sub}
	if plain.Key() == withSub.Key() {
		t.Error("accounts with and without subaccount must not collide")
	}
}
