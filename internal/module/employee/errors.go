package employee

import "errors"

// Module errors.
var (
	ErrEmployeeNotFound = errors.New("employee not found")
	ErrCompanyNotFound  = errors.New("company not found")
	ErrNoCompany        = errors.New("employee has no company")
)
