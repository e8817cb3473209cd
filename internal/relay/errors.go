package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrPendingOverflow ends a session whose pre-connect data exceeded the buffer limit.
	ErrPendingOverflow = errors.New("pre-connect buffer limit exceeded")
	// ErrShutdown ends sessions cancelled by the server.
	ErrShutdown = errors.New("relay shutting down")
	// errTargetClosed marks an orderly close by the target.
	errTargetClosed = errors.New("target closed connection")
	errTerminated   = errors.New("session terminated")
)

// TargetIOError is a read or write failure on an established target connection.
type TargetIOError struct {
	Op  string
	Err error
}

func (e *TargetIOError) Error() string { return fmt.Sprintf("target %s: %v", e.Op, e.Err) }
func (e *TargetIOError) Unwrap() error { return e.Err }

// ChannelError is a failure of the WebSocket channel itself. Nothing can be sent back.
type ChannelError struct {
	Err error
}

func (e *ChannelError) Error() string { return "channel: " + e.Err.Error() }
func (e *ChannelError) Unwrap() error { return e.Err }
