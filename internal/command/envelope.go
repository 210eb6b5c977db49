package command

import (
	"fmt"
	"time"

	"OutcomeLedger/internal/market"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeRegisterCollateral
	CommandTypeDeposit
	CommandTypeCreateMarket
	CommandTypeSplit
	CommandTypeMerge
	CommandTypeSettle
	CommandTypeRedeem
	CommandTypeTransfer
)

// Envelope wraps every applied command in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type discriminator
	CommandType CommandType

	// Market context (nil for asset commands)
	MarketID *market.ID

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded command (see Marshal)
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface all command payloads implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// MarketID returns the market context (nil for asset commands)
	MarketID() *market.ID

	// Time returns the versioned input timestamp
	Time() time.Time
}

// Header carries the fields every command shares
type Header struct {
	Key       string
	Timestamp time.Time
}

func (h Header) IdempotencyKey() string {
	return h.Key
}

func (h Header) Time() time.Time {
	return h.Timestamp
}

func (ct CommandType) String() string {
	switch ct {
	case CommandTypeRegisterCollateral:
		return "register_collateral"
	case CommandTypeDeposit:
		return "deposit"
	case CommandTypeCreateMarket:
		return "create_market"
	case CommandTypeSplit:
		return "split"
	case CommandTypeMerge:
		return "merge"
	case CommandTypeSettle:
		return "settle"
	case CommandTypeRedeem:
		return "redeem"
	case CommandTypeTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// ParseCommandType is the inverse of CommandType.String
func ParseCommandType(s string) (CommandType, error) {
	for ct := CommandTypeRegisterCollateral; ct <= CommandTypeTransfer; ct++ {
		if ct.String() == s {
			return ct, nil
		}
	}
	return CommandTypeUnknown, fmt.Errorf("unknown command type %q", s)
}
