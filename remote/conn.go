package remote

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"macremote/event"
	"macremote/frame"
	"macremote/metrics"
)

// DefaultMaxFrameSize bounds the body length accepted from a peer.
const DefaultMaxFrameSize = 16 << 20

// Role names the side of a connection.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

type readState int

const (
	awaitingHeader readState = iota
	awaitingBody
)

func (s readState) String() string {
	if s == awaitingBody {
		return "awaiting-body"
	}
	return "awaiting-header"
}

// Connection is one established stream and its framing state. Reads
// happen on a single goroutine; writes are serialized so a header and its
// body are never interleaved with another frame.
type Connection struct {
	role     Role
	conn     net.Conn
	remote   net.Addr
	maxFrame uint32
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// Owned by the read loop.
	state   readState
	pending uint32

	writeMu sync.Mutex

	closeOnce sync.Once
	closing   atomic.Bool
	cause     error
	done      chan struct{}
}

func newConnection(role Role, nc net.Conn, maxFrame uint32, m *metrics.Metrics, logger *slog.Logger) *Connection {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Connection{
		role:     role,
		conn:     nc,
		remote:   nc.RemoteAddr(),
		maxFrame: maxFrame,
		metrics:  m,
		logger:   logger.With("role", string(role), "remote", addrString(nc.RemoteAddr())),
		done:     make(chan struct{}),
	}
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr { return c.remote }

// send writes one frame.
func (c *Connection) send(body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := frame.Write(c.conn, body); err != nil {
		return err
	}
	c.metrics.FrameSent(string(c.role), len(body))
	return nil
}

// shutdown closes the stream. The first cause wins; nil means a local
// close.
func (c *Connection) shutdown(cause error) {
	c.closeOnce.Do(func() {
		if cause == nil {
			cause = errLocalClose
		}
		c.cause = cause
		c.closing.Store(true)
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("close connection", "error", err)
		}
	})
}

// readLoop reads frames until the stream ends, passing every body to
// deliver. It returns nil when the peer closed cleanly between frames,
// errLocalClose after shutdown(nil), and the transport error otherwise.
func (c *Connection) readLoop(deliver func([]byte)) error {
	var header [frame.HeaderSize]byte
	for {
		switch c.state {
		case awaitingHeader:
			if _, err := io.ReadFull(c.conn, header[:]); err != nil {
				return c.readFailure(err, true)
			}
			c.pending = frame.DecodeHeader(header)
			if c.pending > c.maxFrame {
				err := fmt.Errorf("frame body of %d bytes exceeds limit of %d", c.pending, c.maxFrame)
				c.shutdown(err)
				return err
			}
			c.state = awaitingBody
		case awaitingBody:
			body := make([]byte, c.pending)
			if _, err := io.ReadFull(c.conn, body); err != nil {
				return c.readFailure(err, false)
			}
			c.state, c.pending = awaitingHeader, 0
			c.metrics.FrameReceived(string(c.role), len(body))
			deliver(body)
		}
	}
}

func (c *Connection) readFailure(err error, atBoundary bool) error {
	if c.closing.Load() {
		return c.cause
	}
	if atBoundary && errors.Is(err, io.EOF) {
		c.shutdown(errLocalClose)
		return nil
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	err = fmt.Errorf("read frame (%s): %w", c.state, err)
	c.shutdown(err)
	return err
}

// finish marks the connection's serve routine complete.
func (c *Connection) finish() { close(c.done) }

// wait blocks until finish has been called.
func (c *Connection) wait() { <-c.done }

// endReason maps a read loop result to a metrics reason and the error
// carried by the Disconnected notification.
func endReason(err error) (reason string, local bool, cause error) {
	switch {
	case err == nil:
		return metrics.ReasonClean, false, nil
	case errors.Is(err, errLocalClose):
		return metrics.ReasonLocal, true, nil
	default:
		return metrics.ReasonError, false, &Error{Kind: KindTransport, Op: "read", Err: err}
	}
}

// deliverBody reports a received body and its interpretation. Bodies
// that are neither text nor an event produce a decode Failure; the
// connection carries on.
func deliverBody(d *dispatcher, role Role, m *metrics.Metrics, logger *slog.Logger, body []byte) {
	d.emit(DataReceived{Body: body})
	payload, err := event.ParsePayload(body)
	if err != nil {
		logger.Warn("discarding undecodable frame", "role", string(role), "bytes", len(body), "error", err)
		m.DecodeError(string(role))
		d.emit(Failure{Err: &Error{Kind: KindDecode, Op: "decode", Err: err}})
		return
	}
	switch payload.Kind {
	case event.PayloadText:
		d.emit(TextReceived{Text: payload.Text})
	case event.PayloadEvent:
		d.emit(EventReceived{Event: payload.Event})
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
