package market

import "errors"

var (
	ErrInvalidOutcome       = errors.New("invalid outcome")
	ErrMarketAlreadySettled = errors.New("market already settled")
	ErrMarketNotSettled     = errors.New("market not settled")
	ErrWinningOutcomeNotSet = errors.New("winning outcome not set")
	ErrUnauthorized         = errors.New("caller is not the market authority")
	ErrMarketNotFound       = errors.New("market not found")
	ErrMarketExists         = errors.New("market already exists")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrVersionConflict      = errors.New("market version conflict")
	ErrPoolNotEmpty         = errors.New("collateral pool not empty")
)
