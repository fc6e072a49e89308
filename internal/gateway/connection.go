package gateway

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ConnState is the lifecycle state of a single websocket connection.
type ConnState int32

const (
	// ConnHandshaking covers the window between Hello and the first Identify or Resume.
	ConnHandshaking ConnState = iota
	// ConnIdentifying is set while an Identify is being processed.
	ConnIdentifying
	// ConnAuthenticated means the connection is attached to a session.
	ConnAuthenticated
	// ConnResuming is set while a Resume is being processed.
	ConnResuming
	// ConnClosing means a close has been requested and queued frames are draining.
	ConnClosing
	// ConnClosed is terminal.
	ConnClosed
)

const (
	maxMessageSize  = 4096
	writeWait       = 10 * time.Second
	identifyTimeout = 30 * time.Second
	closeGrace      = 2 * time.Second
)

// socket is the subset of *websocket.Conn the connection uses. Tests substitute an in-memory implementation.
type socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

type closeRequest struct {
	code   int
	reason string
}

// Connection wraps one websocket and owns its two pumps. The read pump parses inbound frames and hands them to the
// hub; the write pump serialises all socket writes, draining the bounded egress queue. A full queue is never waited
// on: TryEnqueue fails and the caller decides what that means.
type Connection struct {
	id  string
	ws  socket
	hub *Hub
	log zerolog.Logger

	state atomic.Int32

	send     chan []byte
	closeReq chan closeRequest
	done     chan struct{}

	closeOnce sync.Once

	// Set once by the identify/resume handlers, read by the pumps afterwards.
	mu      sync.Mutex
	session *Session
	userID  uuid.UUID

	lastHeartbeat atomic.Int64 // unix nanos, 0 until the first heartbeat

	rateMu      sync.Mutex
	rateCount   int
	rateWindow  time.Time
	ratePeriod  time.Duration
	rateMaximum int
}

func newConnection(ws socket, hub *Hub) *Connection {
	id := uuid.New().String()
	c := &Connection{
		id:          id,
		ws:          ws,
		hub:         hub,
		log:         hub.log.With().Str("connection_id", id).Logger(),
		send:        make(chan []byte, hub.cfg.EgressQueueSize),
		closeReq:    make(chan closeRequest, 1),
		done:        make(chan struct{}),
		ratePeriod:  hub.cfg.InboundRateWindow,
		rateMaximum: hub.cfg.InboundRateLimit,
	}
	c.state.Store(int32(ConnHandshaking))
	return c
}

// ID returns the connection identifier used in logs.
func (c *Connection) ID() string { return c.id }

// State returns the connection state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Connection) setState(s ConnState) {
	c.state.Store(int32(s))
}

// Session returns the attached session, or nil before identify completes.
func (c *Connection) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Connection) bind(s *Session) {
	c.mu.Lock()
	c.session = s
	c.userID = s.UserID()
	c.mu.Unlock()
	c.setState(ConnAuthenticated)
}

// UserID returns the authenticated user, or uuid.Nil before identify completes.
func (c *Connection) UserID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// TryEnqueue offers a frame to the egress queue without blocking.
func (c *Connection) TryEnqueue(frame []byte) bool {
	if c.State() >= ConnClosing {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// GracefulClose asks the write pump to drain queued frames before sending the close frame. Frames already enqueued,
// such as an InvalidSession notice, still reach the client.
func (c *Connection) GracefulClose(code int, reason string) {
	if c.State() >= ConnClosing {
		return
	}
	c.setState(ConnClosing)
	select {
	case c.closeReq <- closeRequest{code: code, reason: reason}:
	default:
	}
}

// CloseWithCode aborts the connection immediately, dropping any queued frames. Used for zombies and protocol
// violations where draining is pointless or dangerous.
func (c *Connection) CloseWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		c.setState(ConnClosed)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.ws.Close()
		close(c.done)
	})
}

func (c *Connection) recordHeartbeat() {
	c.lastHeartbeat.Store(time.Now().UnixNano())
}

// rateLimited counts the inbound frame against the fixed window and reports whether the budget is exceeded.
func (c *Connection) rateLimited() bool {
	if c.rateMaximum <= 0 {
		return false
	}
	c.rateMu.Lock()
	defer c.rateMu.Unlock()
	now := time.Now()
	if c.rateWindow.IsZero() || now.Sub(c.rateWindow) >= c.ratePeriod {
		c.rateWindow = now
		c.rateCount = 0
	}
	c.rateCount++
	return c.rateCount > c.rateMaximum
}

// run starts the pumps and the heartbeat supervisor and blocks until the read pump exits. Cleanup, including session
// detach, runs exactly once on the way out.
func (c *Connection) run() {
	go c.writePump()
	go c.heartbeatSupervisor()

	identifyDeadline := time.AfterFunc(identifyTimeout, func() {
		if c.State() == ConnHandshaking {
			c.log.Debug().Msg("No identify within deadline, closing connection")
			c.GracefulClose(CloseNotAuthenticated, "identify timeout")
		}
	})
	defer identifyDeadline.Stop()

	c.readPump()
	c.awaitWriteClose()
	c.hub.handleDisconnect(c)
}

// awaitWriteClose blocks until a requested graceful close has put its close code on the wire. Without it the teardown
// in handleDisconnect would race the write pump's drain and abort the socket with 4000 before the real code is sent.
func (c *Connection) awaitWriteClose() {
	if c.State() != ConnClosing {
		return
	}
	select {
	case <-c.done:
	case <-time.After(closeGrace + writeWait):
	}
}

func (c *Connection) readPump() {
	c.ws.SetReadLimit(maxMessageSize)

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("Websocket read error")
			}
			c.CloseWithCode(CloseUnknownError, "read error")
			return
		}

		if c.rateLimited() {
			c.log.Warn().Msg("Inbound rate limit exceeded")
			c.GracefulClose(CloseRateLimited, "rate limited")
			return
		}

		frame, err := DecodeFrame(raw)
		if err != nil {
			c.handleDecodeFailure(err)
			return
		}

		if !c.hub.HandleFrame(c, frame) {
			return
		}
	}
}

func (c *Connection) handleDecodeFailure(err error) {
	c.log.Debug().Err(err).Msg("Rejecting inbound frame")
	switch {
	case errors.Is(err, ErrUnknownOpcode):
		c.GracefulClose(CloseUnknownOpcode, "unknown opcode")
	default:
		c.GracefulClose(CloseDecodeError, "decode error")
	}
}

func (c *Connection) writePump() {
	for {
		select {
		case frame := <-c.send:
			if err := c.writeFrame(frame); err != nil {
				c.CloseWithCode(CloseUnknownError, "write error")
				return
			}
		case req := <-c.closeReq:
			c.drainAndClose(req)
			return
		case <-c.done:
			return
		}
	}
}

// drainAndClose flushes frames already queued at close time, bounded by closeGrace, then sends the close frame.
func (c *Connection) drainAndClose(req closeRequest) {
	deadline := time.Now().Add(closeGrace)
	for {
		select {
		case frame := <-c.send:
			if time.Now().After(deadline) || c.writeFrame(frame) != nil {
				c.CloseWithCode(req.code, req.reason)
				return
			}
		default:
			c.CloseWithCode(req.code, req.reason)
			return
		}
	}
}

func (c *Connection) writeFrame(frame []byte) error {
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// heartbeatSupervisor enforces the heartbeat contract: the client gets twice the advertised interval to send its
// first heartbeat, and after that a lapse of more than 1.5 intervals closes the connection with 4009.
func (c *Connection) heartbeatSupervisor() {
	interval := c.hub.cfg.HeartbeatInterval
	start := time.Now()

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			last := c.lastHeartbeat.Load()
			if last == 0 {
				if now.Sub(start) > 2*interval {
					c.log.Debug().Msg("No initial heartbeat, closing connection")
					c.CloseWithCode(CloseSessionTimedOut, "heartbeat timeout")
					return
				}
				continue
			}
			if now.Sub(time.Unix(0, last)) > interval+interval/2 {
				c.log.Debug().Msg("Heartbeat lapsed, closing connection")
				c.CloseWithCode(CloseSessionTimedOut, "heartbeat timeout")
				return
			}
		}
	}
}
