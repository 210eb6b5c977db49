package server

import (
	"context"
	"errors"

	"OutcomeLedger/internal/core"
	"OutcomeLedger/internal/ledger"
	"OutcomeLedger/internal/lock"
	"OutcomeLedger/internal/market"
	"OutcomeLedger/internal/query"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps core and ledger errors to gRPC status codes. The gateway
// derives the HTTP status from the code.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, market.ErrUnauthorized),
		errors.Is(err, ledger.ErrMintAuthorityMismatch):
		return codes.PermissionDenied

	case errors.Is(err, market.ErrMarketNotFound),
		errors.Is(err, ledger.ErrUnknownAsset),
		errors.Is(err, query.ErrNotFound):
		return codes.NotFound

	case errors.Is(err, market.ErrMarketExists),
		errors.Is(err, ledger.ErrAssetExists),
		errors.Is(err, market.ErrPoolNotEmpty):
		return codes.AlreadyExists

	case errors.Is(err, market.ErrMarketAlreadySettled),
		errors.Is(err, market.ErrMarketNotSettled),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrMintAuthorityRevoked):
		return codes.FailedPrecondition

	case errors.Is(err, market.ErrInvalidOutcome),
		errors.Is(err, market.ErrInvalidAmount),
		errors.Is(err, ledger.ErrNonPositiveAmount),
		errors.Is(err, ledger.ErrAmountOverflow),
		errors.Is(err, ledger.ErrDecimalsMismatch),
		errors.Is(err, ledger.ErrSelfTransfer),
		errors.Is(err, core.ErrMarketAccount),
		errors.Is(err, core.ErrInvalidCommand),
		errors.Is(err, core.ErrMissingIdempotencyKey):
		return codes.InvalidArgument

	case errors.Is(err, market.ErrVersionConflict):
		return codes.Aborted

	case errors.Is(err, lock.ErrLockHeld):
		return codes.Unavailable

	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded

	case errors.Is(err, context.Canceled):
		return codes.Canceled

	default:
		// Includes ErrWinningOutcomeNotSet: a corrupted record, never retried
		return codes.Internal
	}
}
