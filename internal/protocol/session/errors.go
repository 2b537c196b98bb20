package session

import "errors"

var (
	ErrNotAuthenticated     = errors.New("session: not authenticated")
	ErrSessionClosed        = errors.New("session: closed")
	ErrAuthTimeout          = errors.New("session: auth timeout")
	ErrAuthInProgress       = errors.New("session: auth already in progress")
	ErrAcceptTimeout        = errors.New("session: timed out waiting for hub connection")
	ErrListenerClosed       = errors.New("session: listener closed")
	ErrResyncBudgetExceeded = errors.New("session: too many frame resyncs")
)
