package relay

import "errors"

// ErrChannelClosed is reported by Channel.Receive when the peer closed the channel normally.
var ErrChannelClosed = errors.New("channel closed")

// Frame is one discrete message received on a Channel.
type Frame struct {
	Text    bool
	Payload []byte
}

// Channel is the message-oriented duplex connection a session owns. Receive blocks until
// the next frame arrives and reports closure or failure through its error. Send and Close
// may be called concurrently with Receive and with each other.
//
// Done is closed once the channel is known to be unusable, either because Close was called
// or because the transport failed outside Receive. It fires even while nobody is receiving.
type Channel interface {
	Receive() (Frame, error)
	Send(payload []byte, binary bool) error
	Close() error
	IsOpen() bool
	Done() <-chan struct{}
}
