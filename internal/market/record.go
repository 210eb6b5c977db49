package market

import (
	"encoding/hex"
	"fmt"

	"OutcomeLedger/internal/ledger"
)

// ClaimDecimals is the precision of both outcome claim assets.
const ClaimDecimals uint8 = 6

// ID is the fixed-size opaque market identifier
type ID [12]byte

// ParseID decodes a 24-char hex market id
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decode market id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("market id %q has %d bytes, want %d", s, len(b), len(id))
	}
	copy(id[:], b)
	return id, nil
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Address derives the market's own address, which owns the collateral pool
// and is the mint authority of both claim assets.
func (id ID) Address() ledger.Address {
	return ledger.DeriveAddress([]byte("market"), id[:])
}

// Status is the lifecycle state of a market
type Status uint8

const (
	StatusOpen Status = iota
	StatusSettled
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String
func ParseStatus(s string) (Status, error) {
	switch s {
	case "open":
		return StatusOpen, nil
	case "settled":
		return StatusSettled, nil
	}
	return 0, fmt.Errorf("unknown market status %q", s)
}

// Outcome is the settled result. Neither is a valid stored value but is never
// accepted as Settle input.
type Outcome uint8

const (
	OutcomeA Outcome = iota + 1
	OutcomeB
	Neither
)

func (o Outcome) String() string {
	switch o {
	case OutcomeA:
		return "outcome_a"
	case OutcomeB:
		return "outcome_b"
	case Neither:
		return "neither"
	default:
		return "unknown"
	}
}

// ParseOutcome is the inverse of Outcome.String
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "outcome_a", "a", "A":
		return OutcomeA, nil
	case "outcome_b", "b", "B":
		return OutcomeB, nil
	case "neither":
		return Neither, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidOutcome, s)
}

// Market is the durable record of one market instance.
type Market struct {
	ID              ID
	Address         ledger.Address
	Authority       ledger.Address
	OutcomeAClaim   ledger.Address
	OutcomeBClaim   ledger.Address
	CollateralAsset ledger.Address
	CollateralPool  ledger.AccountKey
	Status          Status
	WinningOutcome  *Outcome // nil while open

	// Bookkeeping, not part of the record contract
	Version    int64
	CreatedSeq int64
	SettledSeq int64
}

// New builds an open market with every dependent address derived from id.
func New(id ID, authority, collateralAsset ledger.Address, seq int64) *Market {
	addr := id.Address()
	return &Market{
		ID:              id,
		Address:         addr,
		Authority:       authority,
		OutcomeAClaim:   ledger.DeriveAddress([]byte("outcome_a"), addr[:]),
		OutcomeBClaim:   ledger.DeriveAddress([]byte("outcome_b"), addr[:]),
		CollateralAsset: collateralAsset,
		CollateralPool:  ledger.NewHolderAccountKey(addr, collateralAsset),
		Status:          StatusOpen,
		Version:         1,
		CreatedSeq:      seq,
	}
}

// ClaimAsset returns the ledger asset for the claim of one side.
func (m *Market) ClaimAsset(side Outcome) (ledger.Asset, error) {
	addr := m.Address
	var a ledger.Asset
	switch side {
	case OutcomeA:
		a = ledger.Asset{ID: m.OutcomeAClaim, Name: m.ID.String() + ":a"}
	case OutcomeB:
		a = ledger.Asset{ID: m.OutcomeBClaim, Name: m.ID.String() + ":b"}
	default:
		return ledger.Asset{}, fmt.Errorf("%w: no claim asset for %s", ErrInvalidOutcome, side)
	}
	a.Kind = ledger.AssetKindClaim
	a.Decimals = ClaimDecimals
	a.MintAuthority = &addr
	return a, nil
}

// Clone returns a deep copy
func (m *Market) Clone() *Market {
	c := *m
	if m.WinningOutcome != nil {
		w := *m.WinningOutcome
		c.WinningOutcome = &w
	}
	return &c
}
