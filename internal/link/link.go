// Package link implements the cluster-bus transport: one TCP connection per
// peer, a buffered write pump, and a blocking read pump that decodes framed
// wire.Frame messages. Grounded on the teacher's gossip.SimpleGRPCTransport
// listen/accept/goroutine-per-connection shape, generalized from a
// connect-then-close stub into a real framed pump with a bounded send queue
// (spec §4.1, §4.3). A Link does not reconnect: once its connection fails it
// stays closed, and the gossip engine dials a fresh one.
package link

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"clustermesh/internal/logging"
	"clustermesh/internal/wire"
)

// ErrClosed is returned by Send once a Link has been closed.
var ErrClosed = errors.New("link: closed")

// sendQueueDepth bounds the outbound buffer per peer link; a link that can't
// drain within this backlog is treated as stalled rather than let memory grow
// unbounded (spec §9: non-blocking I/O, partial writes resumed).
const sendQueueDepth = 256

// dialTimeout bounds how long a single reconnect attempt may block.
const dialTimeout = 3 * time.Second

// Link is one peer connection on the cluster bus. It owns a single net.Conn
// for its whole life; after a read or write failure the Link is closed.
type Link struct {
	peerAddr string // host:busport

	mu     sync.Mutex
	conn   net.Conn
	closed bool
	outbox chan *wire.Frame

	onFrame func(*wire.Frame)
	onDown  func(error)

	wg sync.WaitGroup
}

// New wraps an already-connected socket (the accept-side case: the peer
// dialed us first).
func New(conn net.Conn, onFrame func(*wire.Frame), onDown func(error)) *Link {
	l := &Link{
		peerAddr: conn.RemoteAddr().String(),
		conn:     conn,
		outbox:   make(chan *wire.Frame, sendQueueDepth),
		onFrame:  onFrame,
		onDown:   onDown,
	}
	l.start()
	return l
}

// Dial opens a fresh outbound connection to addr (the connect-side case: we
// initiate a MEET or routine reconnect).
func Dial(addr string, onFrame func(*wire.Frame), onDown func(error)) (*Link, error) {
	return DialAuthenticated(addr, "", onFrame, onDown)
}

// DialAuthenticated is Dial plus the bus-secret greeting handshake: when
// secret is non-empty it's sent (signed, never in the clear) immediately
// after connecting and before the frame pumps start.
func DialAuthenticated(addr, secret string, onFrame func(*wire.Frame), onDown func(error)) (*Link, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("link: dial %s: %w", addr, err)
	}
	if err := sendGreeting(conn, secret); err != nil {
		conn.Close()
		return nil, err
	}
	l := &Link{
		peerAddr: addr,
		conn:     conn,
		outbox:   make(chan *wire.Frame, sendQueueDepth),
		onFrame:  onFrame,
		onDown:   onDown,
	}
	l.start()
	return l, nil
}

func (l *Link) start() {
	l.wg.Add(2)
	go l.readPump()
	go l.writePump()
}

// NewPending wraps an already-accepted socket without starting its pumps,
// for callers (the gossip engine's accept loop) that need a stable *Link
// identity to close over in their onFrame/onDown callbacks before those
// callbacks can run — closing over the not-yet-existent return value of New
// would be a data race. Call Attach to supply handlers and start the pumps.
func NewPending(conn net.Conn) *Link {
	return &Link{
		peerAddr: conn.RemoteAddr().String(),
		conn:     conn,
		outbox:   make(chan *wire.Frame, sendQueueDepth),
	}
}

// Attach sets the frame/down handlers and starts the read/write pumps. Must
// be called exactly once, and only on a Link built with NewPending.
func (l *Link) Attach(onFrame func(*wire.Frame), onDown func(error)) {
	l.onFrame = onFrame
	l.onDown = onDown
	l.start()
}

// Send enqueues f for delivery. It never blocks on the network; if the
// outbox is full the link is considered stalled and the frame is dropped,
// mirroring the "drop rather than block the event loop" rule of spec §9.
func (l *Link) Send(f *wire.Frame) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.mu.Unlock()

	select {
	case l.outbox <- f:
		return nil
	default:
		return fmt.Errorf("link: outbox full for %s, dropping %s frame", l.peerAddr, f.Header.Type)
	}
}

// Close tears down the connection and stops both pumps. Safe to call more
// than once.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conn := l.conn
	l.mu.Unlock()

	close(l.outbox)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (l *Link) readPump() {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		conn := l.conn
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return
		}

		f, err := wire.ReadFrame(conn)
		if err != nil {
			l.fail(err)
			return
		}
		if l.onFrame != nil {
			l.onFrame(f)
		}
	}
}

func (l *Link) writePump() {
	defer l.wg.Done()
	for f := range l.outbox {
		buf, err := wire.Encode(f)
		if err != nil {
			logging.Warn("link: encode failed for %s: %v", l.peerAddr, err)
			continue
		}
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn == nil {
			return
		}
		if _, err := conn.Write(buf); err != nil {
			l.fail(err)
			return
		}
	}
}

func (l *Link) fail(err error) {
	l.mu.Lock()
	already := l.closed
	l.closed = true
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if !already && l.onDown != nil {
		l.onDown(err)
	}
}

// PeerAddr returns the remote host:busport this link connects to.
func (l *Link) PeerAddr() string { return l.peerAddr }

// Listener accepts inbound bus connections and hands each a fresh Link.
type Listener struct {
	ln net.Listener
}

// Listen binds the bus port (spec: client port + 10000).
func Listen(bindAddr string, busPort int) (*Listener, error) {
	addr := fmt.Sprintf("%s:%d", bindAddr, busPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("link: bind bus port %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Serve accepts connections until the listener is closed, handing each
// accepted socket to accept with a fresh Link that has no frame/down
// handlers wired — suitable only when the caller doesn't need per-frame
// callbacks. Callers that must attach handlers before the first frame can
// arrive (e.g. the gossip engine, which doesn't know a peer's identity
// until its first frame) should use Accept directly instead.
func (s *Listener) Serve(accept func(*Link)) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			logging.Info("link: listener stopped: %v", err)
			return
		}
		accept(New(conn, nil, nil))
	}
}

// Accept blocks for the next inbound connection, handing back the raw
// socket so the caller can construct a Link with handlers already wired
// (no window where an early frame would be silently dropped).
func (s *Listener) Accept() (net.Conn, error) {
	return s.ln.Accept()
}

// Close stops accepting new connections.
func (s *Listener) Close() error { return s.ln.Close() }
