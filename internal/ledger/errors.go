package ledger

import "errors"

var (
	ErrNonPositiveAmount     = errors.New("amount must be positive")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrUnknownAsset          = errors.New("unknown asset")
	ErrAssetExists           = errors.New("asset already exists")
	ErrMintAuthorityRevoked  = errors.New("mint authority revoked")
	ErrMintAuthorityMismatch = errors.New("mint authority mismatch")
	ErrDecimalsMismatch      = errors.New("decimals mismatch")
	ErrAmountOverflow        = errors.New("amount overflow")
	ErrSelfTransfer          = errors.New("transfer to self")
	ErrTxClosed              = errors.New("transaction already closed")
)
