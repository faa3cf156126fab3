package errors

import "fmt"

var (
	ErrWorkerPanic    = fmt.Errorf("worker panic")
	ErrTenantNotFound = fmt.Errorf("tenant not found")
	ErrNoThreadGroup  = fmt.Errorf("no thread group configured")
	ErrTokenNotFound  = fmt.Errorf("verification token not found")
	ErrTokenExpired   = fmt.Errorf("verification token expired")
)
