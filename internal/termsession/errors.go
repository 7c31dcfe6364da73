package termsession

import "errors"

var (
	// ErrInvalidSize is returned when a resize or Create call names a
	// non-positive column or row count.
	ErrInvalidSize = errors.New("termsession: invalid size")
	// ErrAlreadyConnected reports that a session with the requested id is
	// already live in the caller's own bookkeeping. Create itself never
	// returns it: the session core doesn't track ids across sessions
	// (that's registry's job); it exists for host applications that call
	// termsession.Create directly.
	ErrAlreadyConnected = errors.New("termsession: session already connected")
	// ErrSessionDestroyed is returned by HandleMessage once Destroy has
	// been called. A repeated Destroy returns nil, not this error.
	ErrSessionDestroyed = errors.New("termsession: session destroyed")
)
