package rcvbuf

import "errors"

var (
	// ErrInvalidArgument is returned for nil packets or packet slices.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInterrupted is returned when a blocking poll is cancelled. The
	// returned error also wraps the context's error.
	ErrInterrupted = errors.New("poll interrupted")

	// ErrUnsupported is returned by capacity providers that cannot query
	// the socket on this platform.
	ErrUnsupported = errors.New("receive buffer size not supported")
)
