package service

import "errors"

var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrVerificationFailed    = errors.New("failed to verify subscription")
	ErrNoTransaction         = errors.New("receipt contains no resolvable transaction")
	ErrNoSubscription        = errors.New("customer has no subscription")
	ErrAccessNotGranted      = errors.New("subscription does not grant access")
	ErrReceiptNotFound       = errors.New("receipt not found")
	ErrReconcileConflict     = errors.New("canonical receipt was modified concurrently")
	ErrStorefrontUnsupported = errors.New("storefront is not supported")
)
