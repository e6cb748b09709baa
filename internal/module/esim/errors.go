package esim

import "errors"

// Module errors.
var (
	ErrEsimNotFound          = errors.New("esim not found")
	ErrStaleRecord           = errors.New("esim was modified concurrently")
	ErrCannotCancelActivated = errors.New("cannot cancel activated esim")
	ErrProviderCancelFailed  = errors.New("provider cancellation failed")
	ErrMissingOrderNo        = errors.New("orderNo is required")
	ErrInvalidStatus         = errors.New("invalid esim status")
	ErrReclassifyNotAllowed  = errors.New("esim cannot be reclassified")
	ErrWebhookTokenMismatch  = errors.New("invalid webhook token")
)
