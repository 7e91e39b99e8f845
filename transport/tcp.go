package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/zap"

	"github.com/oofteerapud02/blynk-server/internal/metrics"
	"github.com/oofteerapud02/blynk-server/protocol"
	"github.com/oofteerapud02/blynk-server/session"
)

const (
	WriteQueueSize = 127
)

type TCP struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	addr string

	numListeners int
	listeners    []*TCPListener

	opts Options

	log *zap.Logger
}

func NewTCP(options Options) *TCP {
	numListeners := options.NumListeners

	if numListeners < 1 {
		numListeners = runtime.NumCPU()
	}

	if options.HeartbeatTimeout <= 0 {
		options.HeartbeatTimeout = 90 * time.Second
	}

	return &TCP{
		addr:         net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		numListeners: numListeners,
		listeners:    make([]*TCPListener, 0, numListeners),
		opts:         options,
		log:          options.Log,
	}
}

func (w *TCP) Start(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	w.cancel = cancel

	w.log.Info("Starting tcp listeners", zap.Int("count", w.numListeners))

	for i := 0; i < w.numListeners; i++ {
		w.startListener(ctx, w.addr)
	}

	return nil
}

func (w *TCP) Registry() *session.Registry {
	return w.opts.Registry
}

func (w *TCP) startListener(ctx context.Context, addr string) {
	w.stopWaiter.Add(1)
	listener := NewTCPListener(
		ctx,
		addr,
		w.opts,
		w.log.Named("listener").With(zap.Int("listener", len(w.listeners))),
	)

	w.listeners = append(w.listeners, &listener)

	go func() {
		defer w.stopWaiter.Done()

		if err := listener.Listen(); err != nil {
			w.log.Error("Failed to listen", zap.Error(err))
		}
	}()
}

// Close immediately closes all active listeners and connections.
func (w *TCP) Close() error {
	w.log.Info("Stopping TCP server")
	w.cancel()

	for _, listener := range w.listeners {
		listener.Close()
	}

	w.stopWaiter.Wait()
	w.log.Info("Listeners stopped")

	return nil
}

type TCPListener struct {
	ctx context.Context

	addr string
	opts Options
	log  *zap.Logger

	mu          sync.Mutex
	activeConns map[*Conn]struct{}
}

func NewTCPListener(
	ctx context.Context,
	addr string,
	opts Options,
	log *zap.Logger,
) TCPListener {
	return TCPListener{
		ctx:         ctx,
		activeConns: make(map[*Conn]struct{}),
		addr:        addr,
		opts:        opts,
		log:         log,
	}
}

func (t *TCPListener) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for conn := range t.activeConns {
		conn.Close()
		delete(t.activeConns, conn)
	}

	return nil
}

func (t *TCPListener) Listen() error {
	listener, err := reuseport.Listen("tcp", t.addr)
	if err != nil {
		return err
	}

	defer listener.Close()

	var loopWaiter sync.WaitGroup

	go func() {
		<-t.ctx.Done()

		if err := listener.Close(); err != nil {
			t.log.Warn("TCP Listener did not close cleanly", zap.Error(err))
		}
	}()

	for {
		select {
		case <-t.ctx.Done():
			t.log.Info("Stopped accepting new connections")
			loopWaiter.Wait()

			t.log.Info("Listener stopped")
			return nil

		default:
			conn, err := listener.Accept()
			if err != nil {
				netOpError := new(net.OpError)

				if errors.As(err, &netOpError) && netOpError.Unwrap().Error() == "use of closed network connection" {
					// The listener was closed while we were blocked in
					// Accept, that's fine.
					return nil
				}

				return err
			}

			loopWaiter.Add(1)

			c := NewConn(t.ctx, conn.(*net.TCPConn), t.opts, t.log.Named("conn"))
			t.addConn(c)

			go func() {
				defer loopWaiter.Done()
				defer t.removeConn(c)
				c.Start()
			}()
		}
	}
}

func (t *TCPListener) addConn(conn *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.activeConns[conn] = struct{}{}
}

func (t *TCPListener) removeConn(conn *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.activeConns, conn)
}

// Conn is one client connection, app or hardware. A read loop decodes and
// dispatches inbound frames; a write loop drains the write queue into the
// socket. Everything written to the connection goes through the queue as one
// pre-serialised frame per element, so concurrent session fan-outs never
// interleave inside a frame.
//
// Authentication state (state, user, sess, deviceKey) is owned by the read
// loop and touched by nothing else; other goroutines only enqueue writes.
type Conn struct {
	ctx        context.Context
	cancel     context.CancelFunc
	loopWaiter sync.WaitGroup

	conn   *net.TCPConn
	reader *bufio.Reader
	opts   Options

	// writeMu orders enqueues against the queue close in Close, so a
	// fan-out landing in the teardown window is refused, never a send on a
	// closed channel.
	writeMu     sync.Mutex
	writeClosed bool
	writeQueue  chan []byte

	// Outgoing message ids for server-initiated frames, 1-based, wrapping
	// inside the 16-bit range and skipping 0.
	idMu   sync.Mutex
	nextID uint16

	state     AuthState
	user      string
	deviceKey string
	sess      *session.Session

	log *zap.Logger
}

func NewConn(
	parentCtx context.Context,
	conn *net.TCPConn,
	opts Options,
	log *zap.Logger,
) *Conn {
	ctx, cancel := context.WithCancel(parentCtx)

	return &Conn{
		ctx:        ctx,
		cancel:     cancel,
		conn:       conn,
		reader:     bufio.NewReader(conn),
		opts:       opts,
		writeQueue: make(chan []byte, WriteQueueSize),
		state:      StateUnauthenticated,
		log:        log,
	}
}

func (t *Conn) Close() error {
	if !t.isRunning() {
		// already stopped
		return nil
	}

	t.cancel()

	// Unblock a read parked inside the heartbeat window.
	if err := t.conn.SetReadDeadline(time.Now()); err != nil {
		t.log.Warn("Failed to expire read deadline on close", zap.Error(err))
	}

	// Wait for the read/write loops to exit before the channel close below.
	t.loopWaiter.Wait()

	t.conn.Close()

	t.writeMu.Lock()
	t.writeClosed = true
	close(t.writeQueue)
	t.writeMu.Unlock()

	return nil
}

func (t *Conn) Start() {
	metrics.ActiveConnections.WithLabelValues(StateUnauthenticated.String()).Inc()

	t.loopWaiter.Add(2)

	go func() {
		defer t.loopWaiter.Done()
		t.ReadLoop()
	}()

	go func() {
		defer t.loopWaiter.Done()
		t.WriteLoop()
	}()

	t.loopWaiter.Wait()

	// Both loops are done with the socket, release it
	t.conn.Close()
}

func (t *Conn) ReadLoop() {
	log := t.log.Named("readLoop")

	defer func() {
		t.leaveSession()
		metrics.ActiveConnections.WithLabelValues(t.state.String()).Dec()
		t.state = StateClosed
		t.cancel()

		// Stop reading, but allow queued writes to drain
		err := t.conn.CloseRead()
		if err != nil && !strings.Contains(err.Error(), "transport endpoint is not connected") {
			log.Warn("Failed to close reads on connection cleanly", zap.Error(err))
		}
	}()

	for {
		select {
		case <-t.ctx.Done():
			return

		default:
			if err := t.conn.SetReadDeadline(time.Now().Add(t.opts.HeartbeatTimeout)); err != nil {
				log.Warn("Failed to arm read deadline", zap.Error(err))
				return
			}

			frame, err := protocol.ReadFrame(t.reader)
			if err != nil {
				if isProtocolError(err) {
					// A malformed frame desynchronises the stream; skipping
					// it would leave us parsing from the middle of the next
					// frame. Close instead.
					metrics.ProtocolErrors.Inc()
					log.Warn("Protocol violation, closing connection", zap.Error(err))
				} else if !isExpectedClose(err) {
					log.Warn("Failed to read client frame", zap.Error(err))
				}

				return
			}

			metrics.FramesIn.WithLabelValues(string(frame.Command)).Inc()

			if err := t.dispatch(frame); err != nil {
				log.Warn("Failed to handle frame",
					zap.String("command", string(frame.Command)),
					zap.Uint16("messageId", frame.ID),
					zap.Error(err))
			}
		}
	}
}

func (t *Conn) WriteLoop() {
	log := t.log.Named("writeLoop")

	defer func() {
		err := t.conn.CloseWrite()
		if err != nil && !strings.Contains(err.Error(), "transport endpoint is not connected") {
			log.Warn("Failed to close writes on connection cleanly", zap.Error(err))
		}
	}()

	for {
		select {
		case <-t.ctx.Done():
			// Flush what was queued before the teardown started; the
			// response to the last handled frame may still be in flight
			t.drainWriteQueue()
			return

		case data := <-t.writeQueue:
			if data == nil {
				// The queue was closed, we're done
				return
			}

			if _, err := t.conn.Write(data); err != nil {
				log.Error("Failed to write from write queue", zap.Error(err))
				continue
			}
		}
	}
}

func (t *Conn) drainWriteQueue() {
	for {
		select {
		case data := <-t.writeQueue:
			if data == nil {
				return
			}

			if _, err := t.conn.Write(data); err != nil {
				return
			}

		default:
			return
		}
	}
}

// Write enqueues one pre-serialised frame for the write loop. It implements
// io.Writer so the protocol writers can serialise straight onto the queue.
// Once teardown has started the frame is refused; the queue may already be
// closed and no write loop is left to drain it.
func (t *Conn) Write(data []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeClosed {
		return 0, net.ErrClosed
	}

	select {
	case <-t.ctx.Done():
		return 0, net.ErrClosed

	case t.writeQueue <- data:
		return len(data), nil
	}
}

// Push sends a server-initiated frame, stamping it with the next id from
// this connection's own outgoing sequence. Part of session.Endpoint.
func (t *Conn) Push(cmd protocol.Command, body string) error {
	return protocol.WriteString(t, t.nextMsgID(), cmd, body)
}

// CloseSuperseded tells the peer its device binding was taken over by a
// newer login, then closes. The status write bypasses the queue so it
// cannot be dropped by the teardown racing the write loop. Part of
// session.Endpoint.
func (t *Conn) CloseSuperseded() {
	if !t.isRunning() {
		return
	}

	if err := protocol.WriteResponse(t.conn, t.nextMsgID(), protocol.StatusSuperseded); err != nil {
		t.log.Warn("Failed to notify superseded connection", zap.Error(err))
	}

	t.cancel()
	t.conn.Close()
}

// leaveSession undoes this connection's session membership on teardown and
// lets every app observe the device going offline.
func (t *Conn) leaveSession() {
	switch t.state {
	case StateApp:
		t.opts.Registry.DetachApp(t.user, t)

	case StateHardware:
		if err := t.opts.Registry.UnbindHardware(t.user, t.deviceKey, t); err != nil {
			t.log.Warn("Failed to notify apps of device disconnect",
				zap.String("device", t.deviceKey),
				zap.Error(err))
		}
	}
}

func (t *Conn) nextMsgID() uint16 {
	t.idMu.Lock()
	defer t.idMu.Unlock()

	t.nextID = protocol.NextID(t.nextID)

	return t.nextID
}

// isRunning returns true if Close has not been called
func (t *Conn) isRunning() bool {
	select {
	case <-t.ctx.Done():
		return false

	default:
		return true
	}
}

var _ session.Endpoint = (*Conn)(nil)

// isProtocolError reports whether err is a framing violation rather than an
// I/O condition.
func isProtocolError(err error) bool {
	return errors.Is(err, protocol.ErrFrameTooShort) ||
		errors.Is(err, protocol.ErrBadMessageID) ||
		errors.Is(err, protocol.ErrBodyTooLong) ||
		errors.Is(err, protocol.ErrBadBinaryLength) ||
		errors.Is(err, protocol.ErrBadLoginShape) ||
		errors.Is(err, protocol.ErrUnknownCommand)
}

func isExpectedClose(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// Heartbeat deadline fired; the peer went quiet
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset by peer")
}
