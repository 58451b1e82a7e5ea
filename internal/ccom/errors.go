package ccom

import (
	"errors"
	"fmt"
)

// ErrNotAuthenticated means an order call was issued before Login/SoftLogin.
var ErrNotAuthenticated = errors.New("ccom: not authenticated, call Login or SoftLogin first")

// AuthError means login or the soft-login identity check failed. The caller
// must re-authenticate before retrying; for a run this is fatal to the user's
// intents but not to the run.
type AuthError struct {
	Account string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("ccom: login failed for %s: %s", e.Account, e.Message)
}

// GatewayError is a transport or HTTP level failure talking to the upstream.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string { return fmt.Sprintf("ccom: %s: %v", e.Op, e.Err) }

func (e *GatewayError) Unwrap() error { return e.Err }
