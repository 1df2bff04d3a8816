package types

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/mr-tron/base58"

	"nearview/codec"
)

// Account is the balance record stored in the account scope.
type Account struct {
	Amount       *uint256.Int
	Locked       *uint256.Int
	CodeHash     [32]byte
	StorageUsage uint64
}

// HasCode reports whether a contract is deployed (non-zero code hash).
func (a *Account) HasCode() bool {
	return a.CodeHash != [32]byte{}
}

// Marshal encodes the account in its wire layout. It matches
// Schema.Encode("Account", a.Value()) byte for byte.
func (a *Account) Marshal() ([]byte, error) {
	w := codec.NewWriter(16 + 16 + 32 + 8)
	if err := w.PutU128(u128(a.Amount).ToBig()); err != nil {
		return nil, fmt.Errorf("account amount: %w", err)
	}
	if err := w.PutU128(u128(a.Locked).ToBig()); err != nil {
		return nil, fmt.Errorf("account locked: %w", err)
	}
	w.PutRaw(a.CodeHash[:])
	w.PutU64(a.StorageUsage)
	return w.Bytes(), nil
}

func UnmarshalAccount(b []byte) (*Account, error) {
	r := codec.NewReader(b)
	amount, err := r.U128()
	if err != nil {
		return nil, err
	}
	locked, err := r.U128()
	if err != nil {
		return nil, err
	}
	hash, err := r.Fixed(32)
	if err != nil {
		return nil, err
	}
	usage, err := r.U64()
	if err != nil {
		return nil, err
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	a := &Account{StorageUsage: usage}
	a.Amount, _ = uint256.FromBig(amount)
	a.Locked, _ = uint256.FromBig(locked)
	copy(a.CodeHash[:], hash)
	return a, nil
}

// Value converts to the dynamic codec representation.
func (a *Account) Value() codec.Struct {
	return codec.Struct{
		"amount":        u128(a.Amount).ToBig(),
		"locked":        u128(a.Locked).ToBig(),
		"code_hash":     append([]byte(nil), a.CodeHash[:]...),
		"storage_usage": a.StorageUsage,
	}
}

// AccountView is the JSON shape returned by viewAccount.
type AccountView struct {
	Amount       string `json:"amount"`
	Locked       string `json:"locked"`
	CodeHash     string `json:"code_hash"`
	StorageUsage uint64 `json:"storage_usage"`
	BlockHeight  uint64 `json:"block_height"`
}

func (a *Account) View(height uint64) AccountView {
	return AccountView{
		Amount:       u128(a.Amount).Dec(),
		Locked:       u128(a.Locked).Dec(),
		CodeHash:     base58.Encode(a.CodeHash[:]),
		StorageUsage: a.StorageUsage,
		BlockHeight:  height,
	}
}

func u128(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
