package wing

import (
	"errors"
	"fmt"
)

var (
	ErrConnection      = errors.New("connection error")
	ErrDecode          = errors.New("decode error")
	ErrNotFound        = errors.New("not found")
	ErrBufferTooSmall  = errors.New("buffer too small")
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrClosed          = errors.New("console closed")
	ErrValueTooLong    = errors.New("value too long")
	ErrDirectoryLoaded = errors.New("directory already loaded")
)

// ConnectionError is returned by Connect and Read when the link to the
// console cannot be established or is lost.
type ConnectionError struct {
	Addr string
	Op   string // "dial", "handshake", "read", "write"
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("wing %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrConnection) true for every ConnectionError.
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// DecodeError describes one malformed frame. The decoder skips the frame and
// continues with the next one.
type DecodeError struct {
	Offset int  // stream offset of the frame's first byte
	Token  byte // leading token byte
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode token 0x%02X at %d: %s", e.Token, e.Offset, e.Reason)
}

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }
