package a7600

import "github.com/juju/errors"

var (
	// ErrProtocol is the cause when the modem answers with the literal
	// ERROR token instead of the expected pattern.
	ErrProtocol = errors.New("a7600: ERROR response")

	// ErrNotConnected is returned from broker operations attempted outside
	// the Connected state.
	ErrNotConnected = errors.New("a7600: not connected")
)
