package packets

import (
	"time"
)

// ErrorAction defines the action to take when an error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	// Frame errors are always fatal regardless of the returned action.
	Continue
)

// options holds the configuration for a connection.
// It is fixed when the connection is created.
type options struct {
	framing Framing
	logger  Logger

	// onMessage receives messages on the read goroutine. When nil, messages
	// are queued for Recv.
	onMessage func(message Message) error
	// onError is called when an error occurs.
	// Returns Disconnect to close the connection, Continue to suppress the error.
	onError func(error) ErrorAction
	// onEnd is called once when the peer ends the stream.
	onEnd func()

	maxMessageLength int           // largest accepted payload, 0 for unbounded
	binaryType       BinaryType    // buffered or fragmented binary delivery
	bufferSize       int           // size of the send queue
	readBufferSize   int           // size of a single raw read
	highWaterMark    int           // queued inbound messages before reading pauses
	idleTimeout      time.Duration // read/write deadline, 0 for none
}

// Option is a function that configures connection options.
type Option func(*options)

// FramingOption returns an Option that sets the frame header encoding.
// Both peers must use the same encoding. Defaults to FixedHeader.
func FramingOption(f Framing) Option {
	return func(o *options) {
		o.framing = f
	}
}

// MessageMaxSize returns an Option that sets the maximum accepted payload size.
// A frame declaring a larger payload closes the connection with
// ErrMessageTooLarge. Zero, the default, accepts any size.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxMessageLength = size
	}
}

// BinaryTypeOption returns an Option that selects how binary messages are
// delivered: as one buffer, or as the chunks they arrived in.
func BinaryTypeOption(t BinaryType) Option {
	return func(o *options) {
		o.binaryType = t
	}
}

// BufferSizeOption returns an Option that sets the size of the send queue.
// A larger buffer allows more messages to be queued before blocking.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// ReadBufferSizeOption returns an Option that sets how many bytes are read
// from the stream at a time.
func ReadBufferSizeOption(size int) Option {
	return func(o *options) {
		o.readBufferSize = size
	}
}

// HighWaterMarkOption returns an Option that sets how many received messages
// may wait for Recv before the connection stops reading from the stream.
// It has no effect when OnMessageOption is set.
func HighWaterMarkOption(n int) Option {
	return func(o *options) {
		o.highWaterMark = n
	}
}

// IdleTimeoutOption returns an Option that sets the read/write deadline
// applied before every read and write. Zero, the default, disables it.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// OnErrorOption returns an Option that sets the error callback.
// The callback is invoked for every transport and frame error.
// Return Disconnect to close the connection, or Continue to suppress a
// transport error.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// OnMessageOption returns an Option that sets the message handler callback.
// The callback runs on the read goroutine and receives messages eagerly;
// there is no queue in between, so a slow callback slows reading directly.
// Returning an error closes the connection.
// Without it, messages are queued and read with Conn.Recv.
func OnMessageOption(cb func(Message) error) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// OnEndOption returns an Option that sets the end-of-stream callback,
// invoked when the peer stops sending.
func OnEndOption(cb func()) Option {
	return func(o *options) {
		o.onEnd = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
