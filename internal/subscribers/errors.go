package subscribers

import "errors"

// Input errors.
var (
	ErrInvalidEmail  = errors.New("invalid email address")
	ErrEmailRequired = errors.New("email is required")
)

// Repository errors.
var (
	ErrNotFound         = errors.New("subscriber not found")
	ErrStoreUnavailable = errors.New("subscriber store unavailable")
)
