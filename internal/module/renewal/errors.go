package renewal

import "errors"

// Module errors.
var (
	ErrNotRenewable   = errors.New("esim is not depleted or expired")
	ErrPlanInactive   = errors.New("plan is no longer sold")
	ErrAlreadyRenewed = errors.New("esim was already renewed")
)
