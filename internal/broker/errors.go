package broker

import "errors"

var (
	// ErrNotConnected is returned when no connection in the pool is
	// currently usable.
	ErrNotConnected = errors.New("broker: not connected")

	// ErrInvalidSubject is returned for subjects that violate the
	// broker subject grammar.
	ErrInvalidSubject = errors.New("broker: invalid subject")

	// ErrInvalidMessage is returned when message validation is
	// enabled and the payload is rejected.
	ErrInvalidMessage = errors.New("broker: invalid message")

	// ErrClosed is returned for operations on a closed client.
	ErrClosed = errors.New("broker: client is closed")
)
