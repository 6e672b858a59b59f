// Package packets turns a byte stream obtained through an HTTP Upgrade
// handshake into a message channel. Every message written on one side is
// read as exactly one message on the other side, however the transport
// splits or merges the bytes in between.
//
// Frames carry a small header in front of the payload. FixedHeader (the
// default) uses a 4-byte length and 4-byte flags that mark text payloads;
// VarintHeader uses a single varint length. Both peers must use the same one.
package packets

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrInvalidMaxSize is returned when a negative message size limit is configured.
	ErrInvalidMaxSize = errors.New("invalid max message size")
	// ErrInvalidBinaryType is returned when an unknown BinaryType is configured.
	ErrInvalidBinaryType = errors.New("invalid binary type")
	// ErrNoQueue is returned by Recv when messages go to an OnMessageOption callback.
	ErrNoQueue = errors.New("messages are delivered to the message callback")
)

// ErrConnectionClosed is returned when operating on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// errPeerEnded stops Run when the peer closes its side of the stream.
var errPeerEnded = errors.New("stream ended by peer")

// outbound is one queued frame. done, when set, receives the write result.
type outbound struct {
	bufs net.Buffers
	done chan error
}

func (o *outbound) complete(err error) {
	if o.done != nil {
		o.done <- err
	}
}

// Conn is a message channel over an upgraded byte stream.
// It owns the frame parser for the read side and batches frame writes on the
// write side. Messages are read either through OnMessageOption or Recv.
type Conn struct {
	id      string
	rawConn net.Conn
	reader  io.Reader
	parser  *Parser
	inbox   *inbox
	logger  Logger

	opts options

	sendMsg chan *outbound
	endCh   chan struct{}
	noCork  bool

	closed    atomic.Bool
	ending    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Default configuration values.
const (
	// defaultBufferSize is the default size of the send queue.
	defaultBufferSize = 64
	// defaultReadBufferSize is the default size of a single raw read (32KB).
	defaultReadBufferSize = 32 * 1024
	// defaultHighWaterMark is the default number of queued inbound messages.
	defaultHighWaterMark = 16
	// maxWriteBatch bounds how many queued frames share one cork.
	maxWriteBatch = 64
)

// NewConn creates a new message channel over an already upgraded stream.
// It applies the provided options and validates them before returning.
func NewConn(conn net.Conn, opt ...Option) (*Conn, error) {
	opts, err := buildOptions(opt)
	if err != nil {
		return nil, err
	}

	return newConnWithOptions(conn, conn, opts), nil
}

func buildOptions(opt []Option) (options, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	return opts, checkOptions(&opts)
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.maxMessageLength < 0 {
		return ErrInvalidMaxSize
	}

	if opts.binaryType != BinaryBuffer && opts.binaryType != BinaryFragments {
		return ErrInvalidBinaryType
	}

	if opts.framing == nil {
		opts.framing = FixedHeader{}
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultReadBufferSize
	}

	if opts.highWaterMark <= 0 {
		opts.highWaterMark = defaultHighWaterMark
	}

	if opts.idleTimeout < 0 {
		opts.idleTimeout = 0
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.onEnd == nil {
		opts.onEnd = func() {}
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

// newConnWithOptions creates a new Conn reading from r and writing to c.
// r may hold bytes that were read from c before the channel existed.
func newConnWithOptions(c net.Conn, r io.Reader, opts options) *Conn {
	if tcp, ok := c.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	id := uuid.NewString()
	cc := &Conn{
		id:      id,
		rawConn: c,
		reader:  r,
		parser:  NewParser(opts.framing, opts.maxMessageLength, opts.binaryType),
		inbox:   newInbox(opts.highWaterMark),
		logger:  withFields(opts.logger, "conn_id", id),
		opts:    opts,
		sendMsg: make(chan *outbound, opts.bufferSize),
		endCh:   make(chan struct{}),
		done:    make(chan struct{}),
	}

	cc.inbox.onPause = func(paused bool) {
		if paused {
			cc.logger.Debug("read paused", "queued", cc.inbox.len())
		} else {
			cc.logger.Debug("read resumed")
		}
	}

	return cc
}

// ID returns the identifier used for this connection in log records.
func (c *Conn) ID() string {
	return c.id
}

// Run starts the connection's read and write loops.
// It blocks until the peer ends the stream, an error occurs or the context
// is canceled, and closes the stream before returning.
// Run returns nil when the peer ended the stream.
func (c *Conn) Run(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.logger.Info("connection established", "addr", c.Addr())
	c.logger.Debug("connection options", "addr", c.Addr(),
		"buffer_size", c.opts.bufferSize,
		"read_buffer_size", c.opts.readBufferSize,
		"max_message_length", c.opts.maxMessageLength,
		"binary_type", c.opts.binaryType,
		"idle_timeout", c.opts.idleTimeout)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	group.Go(func() error {
		<-child.Done()
		// Unblocks a pending read.
		_ = c.rawConn.Close()
		return nil
	})

	err := group.Wait()

	reason := err
	if errors.Is(err, errPeerEnded) {
		reason, err = io.EOF, nil
	} else if err == nil || errors.Is(err, context.Canceled) {
		reason = ErrConnectionClosed
	}
	c.closeConn(reason)
	c.failPending()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "addr", c.Addr(), "error", err.Error())
	} else {
		c.logger.Info("connection closed", "addr", c.Addr())
	}

	return err
}

// Close terminates the connection immediately. Queued writes are dropped.
// Safe to call multiple times.
func (c *Conn) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return c.closeConn(ErrConnectionClosed)
}

// End writes everything queued so far and then closes the write side of the
// stream. The peer observes end of stream; reading continues until it closes
// its side too. Writes after End fail with ErrConnectionClosed, including a
// Send or WriteBlocking racing with End whose frame is queued after the write
// side is closed.
func (c *Conn) End() error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if !c.ending.Swap(true) {
		close(c.endCh)
	}
	return nil
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Done returns a channel that is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// ErrBufferFull is returned when the send buffer is full and cannot accept more messages.
// This error indicates backpressure - the receiver is not consuming messages fast enough.
// Recommended handling strategies:
//   - Drop the message (for non-critical data like metrics)
//   - Use WriteBlocking, WriteTimeout or Send to wait for buffer space
//   - Implement application-level flow control
var ErrBufferFull = errors.New("send buffer full")

// prepare encodes message into a queued write.
func (c *Conn) prepare(message Message, ack bool) (*outbound, error) {
	if c.closed.Load() || c.ending.Load() {
		return nil, ErrConnectionClosed
	}

	header, payload, err := Encode(c.opts.framing, message)
	if err != nil {
		return nil, err
	}

	req := &outbound{bufs: make(net.Buffers, 0, len(payload)+1)}
	req.bufs = append(req.bufs, header)
	req.bufs = append(req.bufs, payload...)
	if ack {
		req.done = make(chan error, 1)
	}

	return req, nil
}

// Write queues a message without blocking (fire-and-forget).
//
// Returns:
//   - nil: message was successfully queued (not yet sent)
//   - ErrBufferFull: send buffer is full, message was NOT queued
//   - ErrConnectionClosed: connection is closed or ending
//   - ErrMessageTooLarge: the message cannot be framed
func (c *Conn) Write(message Message) error {
	req, err := c.prepare(message, false)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- req:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking queues a message, blocking until there is room in the send
// queue or the context is canceled.
func (c *Conn) WriteBlocking(ctx context.Context, message Message) error {
	req, err := c.prepare(message, false)
	if err != nil {
		return err
	}

	return c.enqueue(ctx, req)
}

// WriteTimeout queues a message, waiting at most timeout for room in the send
// queue. It returns ErrBufferFull when the timeout expires.
func (c *Conn) WriteTimeout(message Message, timeout time.Duration) error {
	req, err := c.prepare(message, false)
	if err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.sendMsg <- req:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-timer.C:
		return ErrBufferFull
	}
}

// Send writes a message and waits until the transport has accepted all of
// its bytes. A FragmentedMessage is sent as one frame made of its chunks.
func (c *Conn) Send(ctx context.Context, message Message) error {
	req, err := c.prepare(message, true)
	if err != nil {
		return err
	}

	if err = c.enqueue(ctx, req); err != nil {
		return err
	}

	select {
	case err = <-req.done:
		return err
	case <-c.done:
		select {
		case err = <-req.done:
			return err
		default:
			return ErrConnectionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) enqueue(ctx context.Context, req *outbound) error {
	select {
	case c.sendMsg <- req:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the next received message. Once the peer has ended the stream
// and every queued message has been returned, Recv returns io.EOF; after any
// other shutdown it returns the error that closed the connection.
func (c *Conn) Recv(ctx context.Context) (Message, error) {
	if c.opts.onMessage != nil {
		return Message{}, ErrNoQueue
	}
	return c.inbox.pop(ctx)
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// LocalAddr returns the local address of the connection.
func (c *Conn) LocalAddr() net.Addr {
	return c.rawConn.LocalAddr()
}

// readLoop reads raw chunks and feeds them to the parser until the stream
// ends, an error occurs or the context is canceled.
// Frame errors are always fatal; transport errors are passed to onError.
func (c *Conn) readLoop(ctx context.Context) error {
	buf := make([]byte, c.opts.readBufferSize)
	emit := func(m Message) error {
		return c.deliver(ctx, m)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if c.opts.idleTimeout > 0 {
			_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))
		}

		n, err := c.reader.Read(buf)
		if n > 0 {
			if ferr := c.parser.Feed(buf[:n], emit); ferr != nil {
				if isFrameError(ferr) {
					c.logger.Warn("invalid frame", "addr", c.Addr(), "error", ferr.Error())
					c.opts.onError(ferr)
				}
				return ferr
			}
			if c.parser.Retained() {
				buf = make([]byte, c.opts.readBufferSize)
			}
		}

		if err == nil {
			continue
		}

		if errors.Is(err, io.EOF) {
			if missing := c.parser.Missing(); missing > 0 {
				c.logger.Debug("stream ended inside a frame", "addr", c.Addr(), "missing", missing)
			}
			c.logger.Debug("end of stream", "addr", c.Addr())
			c.opts.onEnd()
			return errPeerEnded
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		err = errors.Wrap(err, "read")
		c.logger.Debug("read error", "addr", c.Addr(), "error", err.Error())
		if c.opts.onError(err) == Disconnect || errors.Is(err, net.ErrClosed) {
			return err
		}
	}
}

func isFrameError(err error) bool {
	return errors.Is(err, ErrMessageTooLarge) || errors.Is(err, ErrHeaderOverrun)
}

// deliver hands a completed message to the callback or the inbound queue.
func (c *Conn) deliver(ctx context.Context, m Message) error {
	if c.opts.onMessage != nil {
		return c.opts.onMessage(m)
	}
	return c.inbox.push(ctx, m)
}

// writeLoop writes queued frames until the context is canceled or an
// unrecoverable error occurs.
func (c *Conn) writeLoop(ctx context.Context) error {
	endCh := c.endCh

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-c.sendMsg:
			if endCh == nil {
				// Queued after the write side was closed.
				c.logger.Debug("write after end dropped", "addr", c.Addr())
				req.complete(ErrConnectionClosed)
				continue
			}
			if err := c.flush(req); err != nil {
				return err
			}
		case <-endCh:
			endCh = nil
			if err := c.drain(); err != nil {
				return err
			}
			c.shutdownWrite()
		}
	}
}

// drain writes every queued frame, one batch at a time, until the queue is empty.
func (c *Conn) drain() error {
	for req := c.dequeue(); req != nil; req = c.dequeue() {
		if err := c.flush(req); err != nil {
			return err
		}
	}
	return nil
}

// dequeue returns the next queued write, or nil when the queue is empty.
func (c *Conn) dequeue() *outbound {
	select {
	case req := <-c.sendMsg:
		return req
	default:
		return nil
	}
}

// flush writes first and every frame already queued behind it while the
// socket is corked, then uncorks exactly once.
func (c *Conn) flush(first *outbound) error {
	if first == nil {
		return nil
	}

	c.cork(true)
	defer c.cork(false)

	req := first
	for i := 0; req != nil; i++ {
		if err := c.write(req); err != nil {
			return err
		}
		if i+1 >= maxWriteBatch {
			break
		}
		req = c.dequeue()
	}

	return nil
}

func (c *Conn) cork(on bool) {
	if c.noCork {
		return
	}
	if err := setCork(c.rawConn, on); err != nil {
		c.noCork = true
		c.logger.Debug("write batching unavailable", "addr", c.Addr(), "error", err.Error())
	}
}

// write sends one frame with a single vectored write.
// If an error occurs and onError returns Disconnect, the error is propagated.
// Otherwise, the error is suppressed and writing continues.
func (c *Conn) write(req *outbound) error {
	if c.opts.idleTimeout > 0 {
		_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.idleTimeout))
	}

	_, err := req.bufs.WriteTo(c.rawConn)
	if err != nil {
		err = errors.Wrap(err, "write")
	}
	req.complete(err)

	if err != nil {
		c.logger.Debug("write error", "addr", c.Addr(), "error", err.Error())
		if c.opts.onError(err) == Disconnect {
			return err
		}
	}

	return nil
}

// shutdownWrite closes the write side of the stream, or the whole stream when
// it cannot be half-closed.
func (c *Conn) shutdownWrite() {
	if cw, ok := c.rawConn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			c.logger.Debug("close write error", "addr", c.Addr(), "error", err.Error())
		}
		c.logger.Debug("write side closed", "addr", c.Addr())
		return
	}
	_ = c.rawConn.Close()
}

// failPending fails writes still queued after the loops stopped.
func (c *Conn) failPending() {
	for req := c.dequeue(); req != nil; req = c.dequeue() {
		req.complete(ErrConnectionClosed)
	}
}

// closeConn marks the connection as closed and closes the underlying stream.
// Queued inbound messages stay readable; Recv then returns reason.
func (c *Conn) closeConn(reason error) error {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.closed.Store(true)
		c.closeErr = c.rawConn.Close()
		if errors.Is(c.closeErr, net.ErrClosed) {
			c.closeErr = nil
		}
		c.inbox.close(reason)
		close(c.done)
	})
	if !first {
		return nil
	}
	return c.closeErr
}
