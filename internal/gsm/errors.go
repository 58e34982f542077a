package gsm

import "errors"

var (
	// ErrTimeout means no terminal token arrived before the deadline. Always recoverable.
	ErrTimeout = errors.New("gsm: timed out waiting for modem")
	// ErrRejected means the modem answered with an error token.
	ErrRejected = errors.New("gsm: command rejected by modem")
	// ErrStale means the socket's slot was closed out from under it or reused by another connect.
	ErrStale = errors.New("gsm: socket is not registered")
	// ErrSlotBusy means an explicit mux was asked for while its socket is still connected.
	ErrSlotBusy = errors.New("gsm: socket slot in use")

	ErrBadMux            = errors.New("gsm: mux id out of range")
	ErrNoFreeSlot        = errors.New("gsm: no free socket slot")
	ErrSecureUnsupported = errors.New("gsm: dialect has no secure socket step")
	ErrNotConnected      = errors.New("gsm: socket not connected")
	ErrWriteStalled      = errors.New("gsm: modem accepted no bytes")
	ErrUnsupported       = errors.New("gsm: not supported by dialect")
)

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

// outcome maps a wait result where token 1 means success.
func outcome(idx int) error {
	switch idx {
	case 1:
		return nil
	case 0:
		return ErrTimeout
	default:
		return ErrRejected
	}
}
