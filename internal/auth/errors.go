package auth

import "fmt"

// NetworkError is a transient transport failure during token exchange. The
// account is still considered valid.
type NetworkError struct {
	Email string
	Err   error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("auth network error for %s: %v", e.Email, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// InvalidError is a definitive refresh rejection. The account has been marked
// invalid.
type InvalidError struct {
	Email  string
	Reason string
	Err    error
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("auth invalid for %s: %s", e.Email, e.Reason)
}

func (e *InvalidError) Unwrap() error { return e.Err }
