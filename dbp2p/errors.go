package dbp2p

import (
	"errors"
	"fmt"
)

var (
	// no token is set, or the token has expired. Expiry is terminal for the session.
	ErrUnauthenticated = errors.New("unauthenticated")
	// a frame was sent while the event channel is not open
	ErrNotConnected = errors.New("event channel not connected")
	// the event channel is already connecting or open
	ErrAlreadyConnected = errors.New("event channel already connected")
	ErrTimeout          = errors.New("timeout")
	// an inbound frame could not be parsed. This never closes the channel.
	ErrDecode = errors.New("decode error")
)

// any network or http failure of the request executor,
// including a non-2xx status
type TransportError struct {
	Method string
	Url    string
	// 0 when no response was received
	StatusCode int
	// server message, from the `{"error": ...}` body when present
	Message string
	Err     error
}

func (self *TransportError) Error() string {
	if self.StatusCode == 0 {
		return fmt.Sprintf("%s %s: %s", self.Method, self.Url, self.Err)
	}
	if self.Message != "" {
		return fmt.Sprintf("%s %s: %d %s", self.Method, self.Url, self.StatusCode, self.Message)
	}
	return fmt.Sprintf("%s %s: %d", self.Method, self.Url, self.StatusCode)
}

func (self *TransportError) Unwrap() error {
	return self.Err
}

// passed to `EventObserver.OnDecodeError`
type DecodeError struct {
	Raw []byte
	Err error
}

func (self *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDecode, self.Err)
}

func (self *DecodeError) Unwrap() []error {
	return []error{ErrDecode, self.Err}
}
