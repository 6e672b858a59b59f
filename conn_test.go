package packets

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	// Connect client in goroutine
	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	// Accept server side
	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

// runConn runs c in the background and returns a channel with Run's result.
func runConn(c *Conn) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background())
	}()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to complete")
		return nil
	}
}

func recvWithin(t *testing.T, c *Conn) Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m, err := c.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	return m
}

func TestNewConn(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	if conn == nil {
		t.Fatal("NewConn returned nil")
	}

	if conn.rawConn != serverConn {
		t.Error("rawConn not set correctly")
	}

	if conn.ID() == "" {
		t.Error("connection id not set")
	}
}

func TestNewConn_InvalidMaxSize(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	_, err := NewConn(serverConn, MessageMaxSize(-1))
	if err != ErrInvalidMaxSize {
		t.Errorf("expected ErrInvalidMaxSize, got %v", err)
	}
}

func TestNewConn_InvalidBinaryType(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	_, err := NewConn(serverConn, BinaryTypeOption(BinaryType(7)))
	if err != ErrInvalidBinaryType {
		t.Errorf("expected ErrInvalidBinaryType, got %v", err)
	}
}

func TestNewConn_WithAllOptions(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	onMessage := func(msg Message) error { return nil }
	onError := func(err error) ErrorAction { return Continue }

	conn, err := NewConn(serverConn,
		FramingOption(VarintHeader{}),
		OnMessageOption(onMessage),
		OnErrorOption(onError),
		OnEndOption(func() {}),
		BufferSizeOption(10),
		ReadBufferSizeOption(512),
		HighWaterMarkOption(3),
		IdleTimeoutOption(time.Minute),
		MessageMaxSize(2048),
		BinaryTypeOption(BinaryFragments),
	)

	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	if conn.opts.bufferSize != 10 {
		t.Errorf("bufferSize = %d, want 10", conn.opts.bufferSize)
	}

	if conn.opts.readBufferSize != 512 {
		t.Errorf("readBufferSize = %d, want 512", conn.opts.readBufferSize)
	}

	if conn.opts.highWaterMark != 3 {
		t.Errorf("highWaterMark = %d, want 3", conn.opts.highWaterMark)
	}

	if conn.opts.idleTimeout != time.Minute {
		t.Errorf("idleTimeout = %v, want %v", conn.opts.idleTimeout, time.Minute)
	}

	if conn.opts.maxMessageLength != 2048 {
		t.Errorf("maxMessageLength = %d, want 2048", conn.opts.maxMessageLength)
	}

	if _, ok := conn.opts.framing.(VarintHeader); !ok {
		t.Errorf("framing = %T, want VarintHeader", conn.opts.framing)
	}

	if conn.parser.binaryType != BinaryFragments {
		t.Error("parser binary type not configured")
	}
}

func TestCheckOptions_DefaultValues(t *testing.T) {
	opts := &options{}

	err := checkOptions(opts)
	if err != nil {
		t.Fatalf("checkOptions failed: %v", err)
	}

	if opts.bufferSize != defaultBufferSize {
		t.Errorf("bufferSize = %d, want %d", opts.bufferSize, defaultBufferSize)
	}

	if opts.readBufferSize != defaultReadBufferSize {
		t.Errorf("readBufferSize = %d, want %d", opts.readBufferSize, defaultReadBufferSize)
	}

	if opts.highWaterMark != defaultHighWaterMark {
		t.Errorf("highWaterMark = %d, want %d", opts.highWaterMark, defaultHighWaterMark)
	}

	if opts.maxMessageLength != 0 {
		t.Errorf("maxMessageLength = %d, want unbounded", opts.maxMessageLength)
	}

	if opts.idleTimeout != 0 {
		t.Errorf("idleTimeout = %v, want none", opts.idleTimeout)
	}

	if _, ok := opts.framing.(FixedHeader); !ok {
		t.Errorf("framing = %T, want FixedHeader", opts.framing)
	}

	if opts.onError == nil || opts.onEnd == nil || opts.logger == nil {
		t.Error("callbacks and logger should have default values")
	}
}

func TestCheckOptions_DefaultOnError(t *testing.T) {
	opts := &options{}

	err := checkOptions(opts)
	if err != nil {
		t.Fatalf("checkOptions failed: %v", err)
	}

	// Default onError should return Disconnect
	if opts.onError(errors.New("test")) != Disconnect {
		t.Error("default onError should return Disconnect")
	}
}

func TestConn_Addr(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	if conn.Addr().String() != clientConn.LocalAddr().String() {
		t.Errorf("Addr = %v, want %v", conn.Addr(), clientConn.LocalAddr())
	}

	if conn.LocalAddr().String() != serverConn.LocalAddr().String() {
		t.Errorf("LocalAddr = %v, want %v", conn.LocalAddr(), serverConn.LocalAddr())
	}
}

func TestConn_Write(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn, BufferSizeOption(1))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	err = conn.Write(TextMessage("hello"))
	if err != nil {
		t.Errorf("Write failed: %v", err)
	}
}

func TestConn_Write_ChannelBlocked(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn, BufferSizeOption(1))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	msg := TextMessage("hello")

	// Fill the channel
	err = conn.Write(msg)
	if err != nil {
		t.Fatalf("first Write failed: %v", err)
	}

	// This should fail because channel is blocked
	err = conn.Write(msg)
	if err != ErrBufferFull {
		t.Errorf("expected ErrBufferFull, got %v", err)
	}
}

func TestConn_Write_Closed(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn, err := NewConn(serverConn)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	if err = conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !conn.IsClosed() {
		t.Error("IsClosed should report true after Close")
	}

	if err = conn.Write(TextMessage("late")); err != ErrConnectionClosed {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}

	if err = conn.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}

	if err = conn.Run(context.Background()); err != ErrConnectionClosed {
		t.Errorf("Run after Close = %v, want ErrConnectionClosed", err)
	}
}

func TestConn_WriteBlocking(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn, BufferSizeOption(1))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	msg := TextMessage("hello")

	// Fill the channel
	err = conn.Write(msg)
	if err != nil {
		t.Fatalf("first Write failed: %v", err)
	}

	// WriteBlocking with canceled context should fail
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = conn.WriteBlocking(ctx, msg)
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestConn_WriteTimeout(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn, BufferSizeOption(1))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	msg := TextMessage("hello")

	// Fill the channel
	err = conn.Write(msg)
	if err != nil {
		t.Fatalf("first Write failed: %v", err)
	}

	// WriteTimeout should fail after timeout
	err = conn.WriteTimeout(msg, time.Millisecond*10)
	if err != ErrBufferFull {
		t.Errorf("expected ErrBufferFull, got %v", err)
	}
}

func TestConn_Run_ContextCanceled(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- conn.Run(ctx)
	}()

	// Cancel context
	cancel()

	if err := waitRun(t, done); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	if !conn.IsClosed() {
		t.Error("connection should be closed after Run returns")
	}
}

func TestConn_Run_ReadWrite(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	received := make(chan Message, 1)
	server, err := NewConn(serverConn, OnMessageOption(func(m Message) error {
		received <- m
		return nil
	}))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	client, err := NewConn(clientConn)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	serverDone := runConn(server)
	clientDone := runConn(client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err = client.Send(ctx, TextMessage("ping")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case m := <-received:
		if !m.IsText() || m.Text() != "ping" {
			t.Errorf("received = %v %q, want text ping", m.Kind(), m.Text())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	if err = server.Send(ctx, BinaryMessage([]byte("pong"))); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	m := recvWithin(t, client)
	if m.Kind() != KindBinary || string(m.Body()) != "pong" {
		t.Errorf("received = %v %q, want binary pong", m.Kind(), m.Body())
	}

	// Closing one side ends the other.
	client.Close()

	if err = waitRun(t, serverDone); err != nil {
		t.Errorf("server Run = %v, want nil after peer end", err)
	}
	waitRun(t, clientDone)
}

func TestConn_Run_ReinjectedBytes(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	early := encodeFrame(t, FixedHeader{}, TextMessage("early"))
	buffered := bufio.NewReader(io.MultiReader(bytes.NewReader(early), serverConn))

	opts, err := buildOptions(nil)
	if err != nil {
		t.Fatalf("buildOptions failed: %v", err)
	}
	conn := newConnWithOptions(serverConn, buffered, opts)
	done := runConn(conn)

	if _, err = clientConn.Write(encodeFrame(t, FixedHeader{}, TextMessage("late"))); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	if m := recvWithin(t, conn); m.Text() != "early" {
		t.Errorf("first message = %q, want early", m.Text())
	}
	if m := recvWithin(t, conn); m.Text() != "late" {
		t.Errorf("second message = %q, want late", m.Text())
	}

	conn.Close()
	waitRun(t, done)
}

func TestConn_Run_FrameTooLarge(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	reported := make(chan error, 1)
	var delivered atomic.Int32
	conn, err := NewConn(serverConn,
		MessageMaxSize(4),
		OnMessageOption(func(Message) error {
			delivered.Add(1)
			return nil
		}),
		OnErrorOption(func(err error) ErrorAction {
			select {
			case reported <- err:
			default:
			}
			return Continue
		}),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	done := runConn(conn)

	_, err = clientConn.Write(encodeFrame(t, FixedHeader{}, BinaryMessage([]byte("12345"))))
	if err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	// Frame errors are fatal even when onError asks to continue.
	if err = waitRun(t, done); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}

	select {
	case got := <-reported:
		if !errors.Is(got, ErrMessageTooLarge) {
			t.Errorf("onError received %v, want ErrMessageTooLarge", got)
		}
	default:
		t.Error("onError not called")
	}

	if delivered.Load() != 0 {
		t.Errorf("delivered %d messages, want 0", delivered.Load())
	}

	// The stream is destroyed.
	_ = clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err = clientConn.Read(make([]byte, 1)); err == nil {
		t.Error("expected the server to close the stream")
	}
}

func TestConn_Run_OnMessageError(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	onMessageErr := errors.New("onMessage error")
	conn, err := NewConn(serverConn, OnMessageOption(func(msg Message) error {
		return onMessageErr
	}))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	done := runConn(conn)

	// Send data to trigger onMessage
	_, err = clientConn.Write(encodeFrame(t, FixedHeader{}, TextMessage("test")))
	if err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	if err := waitRun(t, done); err != onMessageErr {
		t.Errorf("expected onMessage error, got %v", err)
	}
}

func TestConn_Run_PeerEnd(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	var ended atomic.Bool
	conn, err := NewConn(serverConn, OnEndOption(func() { ended.Store(true) }))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	done := runConn(conn)

	if _, err = clientConn.Write(encodeFrame(t, FixedHeader{}, TextMessage("bye"))); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	if err = clientConn.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite failed: %v", err)
	}

	if err = waitRun(t, done); err != nil {
		t.Errorf("Run = %v, want nil after peer end", err)
	}

	if !ended.Load() {
		t.Error("onEnd not called")
	}

	// Messages queued before the end are still delivered, then io.EOF.
	if m := recvWithin(t, conn); m.Text() != "bye" {
		t.Errorf("message = %q, want bye", m.Text())
	}
	if _, err = conn.Recv(context.Background()); err != io.EOF {
		t.Errorf("Recv after end = %v, want io.EOF", err)
	}
}

func TestConn_Backpressure(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn, err := NewConn(serverConn, HighWaterMarkOption(1), ReadBufferSizeOption(16))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	done := runConn(conn)

	var wire []byte
	for _, s := range []string{"one", "two", "three"} {
		wire = append(wire, encodeFrame(t, FixedHeader{}, TextMessage(s))...)
	}
	if _, err = clientConn.Write(wire); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if n := conn.inbox.len(); n != 1 {
		t.Errorf("queued = %d while paused, want 1", n)
	}

	for _, want := range []string{"one", "two", "three"} {
		if m := recvWithin(t, conn); m.Text() != want {
			t.Errorf("message = %q, want %q", m.Text(), want)
		}
	}

	conn.Close()
	waitRun(t, done)
}

func TestConn_Send_WireFormat(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn, err := NewConn(serverConn)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	done := runConn(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err = conn.Send(ctx, FragmentedMessage([]byte("ab"), []byte("cd"))); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err = conn.Send(ctx, TextMessage("")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	want := []byte{
		0, 0, 0, 4, 0, 0, 0, 0, 'a', 'b', 'c', 'd',
		0, 0, 0, 0, 0, 0, 0, 1,
	}
	got := make([]byte, len(want))
	_ = clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err = io.ReadFull(clientConn, got); err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("wire = %v, want %v", got, want)
	}

	conn.Close()
	waitRun(t, done)
}

func TestConn_End(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn, err := NewConn(serverConn)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	done := runConn(conn)

	for _, s := range []string{"a", "b"} {
		if err = conn.Write(TextMessage(s)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err = conn.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if err = conn.Write(TextMessage("c")); err != ErrConnectionClosed {
		t.Errorf("Write after End = %v, want ErrConnectionClosed", err)
	}

	// The peer reads both frames, then end of stream.
	_ = clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := io.ReadAll(clientConn)
	if err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	want := append(encodeFrame(t, FixedHeader{}, TextMessage("a")), encodeFrame(t, FixedHeader{}, TextMessage("b"))...)
	if !bytes.Equal(got, want) {
		t.Errorf("wire = %v, want %v", got, want)
	}

	// Closing the peer completes the shutdown.
	clientConn.Close()
	if err = waitRun(t, done); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestConn_End_DrainsLongQueue(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn, err := NewConn(serverConn, BufferSizeOption(200))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	// More frames than one write batch, all queued before Run.
	const count = 3*maxWriteBatch + 5
	for i := 0; i < count; i++ {
		if err = conn.Write(BinaryMessage([]byte{byte(i)})); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}
	if err = conn.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	done := runConn(conn)

	_ = clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	wire, err := io.ReadAll(clientConn)
	if err != nil {
		t.Fatalf("client read failed: %v", err)
	}

	var got []Message
	parser := NewParser(FixedHeader{}, 0, BinaryBuffer)
	err = parser.Feed(wire, func(m Message) error {
		got = append(got, m)
		return nil
	})
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}

	if len(got) != count {
		t.Fatalf("client read %d frames, want %d", len(got), count)
	}
	for i, m := range got {
		if b := m.Body(); len(b) != 1 || b[0] != byte(i) {
			t.Fatalf("frame %d = %v, want [%d]", i, b, byte(i))
		}
	}

	clientConn.Close()
	if err = waitRun(t, done); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestConn_End_LateFrameFails(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn, err := NewConn(serverConn)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	done := runConn(conn)

	if err = conn.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	// Wait until the peer sees end of stream.
	_ = clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err = io.ReadAll(clientConn); err != nil {
		t.Fatalf("client read failed: %v", err)
	}

	// A Send that passed the ending check before End, queued afterwards.
	req := &outbound{
		bufs: net.Buffers{encodeFrame(t, FixedHeader{}, TextMessage("late"))},
		done: make(chan error, 1),
	}
	conn.sendMsg <- req

	select {
	case err = <-req.done:
		if err != ErrConnectionClosed {
			t.Errorf("late frame result = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("late frame was not completed")
	}

	clientConn.Close()
	if err = waitRun(t, done); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

// syncBuffer is a bytes.Buffer safe for use by concurrent log writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConn_LogsErrorMessageOnly(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	var out syncBuffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	conn, err := NewConn(serverConn, MessageMaxSize(4), LoggerOption(logger))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	done := runConn(conn)

	_, err = clientConn.Write(encodeFrame(t, FixedHeader{}, BinaryMessage([]byte("12345"))))
	if err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	if err = waitRun(t, done); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}

	logs := out.String()
	if !strings.Contains(logs, "connection closed with error") {
		t.Fatalf("missing close record in %q", logs)
	}
	// Error values carry stacks; records hold only the message.
	if strings.Contains(logs, ".go:") {
		t.Errorf("log output contains a stack trace: %q", logs)
	}
}

func TestConn_Recv_WithHandler(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn, OnMessageOption(func(Message) error { return nil }))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	if _, err = conn.Recv(context.Background()); err != ErrNoQueue {
		t.Errorf("expected ErrNoQueue, got %v", err)
	}
}

func TestConn_Send_Closed(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn, err := NewConn(serverConn, BufferSizeOption(1))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	// Queue one write that will never be flushed, then close.
	if err = conn.Write(TextMessage("queued")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	sent := make(chan error, 1)
	go func() {
		sent <- conn.Send(context.Background(), TextMessage("waiting"))
	}()

	time.Sleep(20 * time.Millisecond)
	conn.Close()

	select {
	case err := <-sent:
		if err != ErrConnectionClosed {
			t.Errorf("Send = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send not released by Close")
	}
}

func TestConn_Varint(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	server, err := NewConn(serverConn, FramingOption(VarintHeader{}), BinaryTypeOption(BinaryFragments))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	client, err := NewConn(clientConn, FramingOption(VarintHeader{}))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	serverDone := runConn(server)
	clientDone := runConn(client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := payloadOf(200000)
	if err = client.Send(ctx, BinaryMessage(payload)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	m := recvWithin(t, server)
	if !bytes.Equal(m.Body(), payload) {
		t.Errorf("payload mismatch, got %d bytes", m.Length())
	}

	server.Close()
	waitRun(t, serverDone)
	waitRun(t, clientDone)
}
