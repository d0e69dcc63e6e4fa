package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrPoolInactive       = errors.New("pool not active")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInsufficientShares = errors.New("insufficient available shares")
	ErrQueueLimitReached  = errors.New("too many pending redemptions")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrQuoteExpired       = errors.New("swap quote expired")
	ErrSlippageExceeded   = errors.New("slippage tolerance exceeded")
	ErrInvalidSlippage    = errors.New("slippage out of bounds")
	ErrSamePool           = errors.New("source and target pool are identical")
	ErrNavOutOfBand       = errors.New("nav outside sanity band")
	ErrZeroAddress        = errors.New("zero address")
	ErrFeeOutOfBounds     = errors.New("fee exceeds allowed bounds")
	ErrLockHeld           = errors.New("lock already held")
)
