package plan

import "errors"

// ErrPlanNotFound is returned when a plan does not exist.
var ErrPlanNotFound = errors.New("plan not found")
