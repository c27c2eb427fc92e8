package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrRemoteJobIDSet      = errors.New("remote job id already assigned")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrProviderFailure     = errors.New("provider failure")
	ErrDuplicateOperation  = errors.New("duplicate operation")
	ErrTerminalItem        = errors.New("item already finished")
)
