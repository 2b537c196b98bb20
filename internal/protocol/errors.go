package protocol

import "errors"

var (
	ErrInvalidLength    = errors.New("protocol: invalid length")
	ErrCommandMismatch  = errors.New("protocol: command mismatch")
	ErrInvalidIPv4      = errors.New("protocol: controller address is not ipv4")
	ErrInvalidSessionID = errors.New("protocol: invalid session id")
)
