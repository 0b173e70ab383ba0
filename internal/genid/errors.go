package genid

import "errors"

var (
	// ErrMissingDescriptor means the platform describes no generation ID
	// device. The feature is absent; callers should carry on without it.
	ErrMissingDescriptor   = errors.New("genid: no generation id device described")
	ErrInvalidDescriptor   = errors.New("genid: invalid generation id descriptor")
	ErrMapFailed           = errors.New("genid: failed to map generation id region")
	ErrInterruptBindFailed = errors.New("genid: failed to bind generation id interrupt")
	// ErrUnstableRead means consecutive reads kept disagreeing. It is
	// transient and only surfaces from Start.
	ErrUnstableRead = errors.New("genid: generation id read did not stabilise")
	ErrUnavailable  = errors.New("genid: subsystem unavailable")
)
