package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrStaleQuote          = errors.New("quote outside freshness window")
	ErrOpportunityExpired  = errors.New("opportunity expired")
	ErrIneligible          = errors.New("ineligible for auto unlock")
	ErrPaymentInvalid      = errors.New("payment invalid")
	ErrExecutionInProgress = errors.New("execution already in progress")
	ErrPartialFill         = errors.New("one leg filled, counterpart failed")
	ErrAdapterTimeout      = errors.New("adapter call timed out")
	ErrNotUnlocked         = errors.New("opportunity not unlocked")
	ErrLockHeld            = errors.New("lock already held")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrRateLimited         = errors.New("rate limited")
)
