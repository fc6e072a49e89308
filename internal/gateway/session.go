package gateway

import (
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SessionState is the lifecycle state of a Session.
type SessionState int32

const (
	// SessionNew is the state before the first Identify attempt completes.
	SessionNew SessionState = iota
	// SessionIdentifying is set while an Identify is in flight.
	SessionIdentifying
	// SessionActive means exactly one live connection is attached.
	SessionActive
	// SessionDetached means the connection was lost and the session is waiting inside the resume window.
	SessionDetached
	// SessionExpired is terminal: the resume window elapsed or the session was closed.
	SessionExpired
)

func (s SessionState) String() string {
	switch s {
	case SessionNew:
		return "new"
	case SessionIdentifying:
		return "identifying"
	case SessionActive:
		return "active"
	case SessionDetached:
		return "detached"
	case SessionExpired:
		return "expired"
	default:
		return "invalid"
	}
}

// Sender is the egress handle a Session holds onto its attached connection. Holding the handle rather than the
// Connection itself breaks the Session/Connection ownership cycle: on detach the session simply forgets it.
type Sender interface {
	// TryEnqueue offers a frame to the egress queue without blocking. It returns false when the queue is full or the
	// connection is closing.
	TryEnqueue(frame []byte) bool
	// CloseWithCode aborts the connection with the given close code.
	CloseWithCode(code int, reason string)
}

// Session is the logical identity of one connected client device. It survives brief disconnects: while detached it
// keeps receiving dispatches into its replay buffer so a Resume can replay them. All state transitions and dispatches
// are linearised under a single mutex, which is what makes per-session sequence numbers total.
type Session struct {
	id        string
	userID    uuid.UUID
	createdAt time.Time
	log       zerolog.Logger

	mu         sync.Mutex
	state      SessionState
	conn       Sender
	replay     *ReplayBuffer
	guilds     map[uuid.UUID]struct{}
	presence   string
	detachedAt time.Time
}

// NewSession creates a session bound to the given user with an empty replay buffer. The session starts in
// SessionIdentifying; the identify handler attaches the connection and activates it.
func NewSession(userID uuid.UUID, replayCapacity int, logger zerolog.Logger) *Session {
	id := NewSessionID()
	return &Session{
		id:        id,
		userID:    userID,
		createdAt: time.Now(),
		state:     SessionIdentifying,
		replay:    NewReplayBuffer(replayCapacity),
		guilds:    make(map[uuid.UUID]struct{}),
		log:       logger.With().Str("session_id", id).Logger(),
	}
}

// NewSessionID generates an opaque 128-bit session identifier.
func NewSessionID() string {
	return uuid.New().String()
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated user this session belongs to.
func (s *Session) UserID() uuid.UUID { return s.userID }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastSeq returns the last assigned outbound sequence number, or 0 if none.
func (s *Session) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replay.LastSeq()
}

// Presence returns the session's current presence status.
func (s *Session) Presence() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence
}

// SetPresence records the session's presence status.
func (s *Session) SetPresence(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence = status
}

// Guilds returns a snapshot of the subscribed guild IDs.
func (s *Session) Guilds() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, 0, len(s.guilds))
	for g := range s.guilds {
		out = append(out, g)
	}
	return out
}

// AddGuild adds a guild to the session's subscription set. It returns false if the guild was already present.
func (s *Session) AddGuild(guildID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.guilds[guildID]; ok {
		return false
	}
	s.guilds[guildID] = struct{}{}
	return true
}

// RemoveGuild removes a guild from the subscription set. It returns false if the guild was not present.
func (s *Session) RemoveGuild(guildID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.guilds[guildID]; !ok {
		return false
	}
	delete(s.guilds, guildID)
	return true
}

// InGuild reports whether the session subscribes to the guild.
func (s *Session) InGuild(guildID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.guilds[guildID]
	return ok
}

// Attach binds the connection as the session's egress and activates the session. At most one connection is attached
// at any time: the displaced previous sender, if any, is returned so the caller can close it.
func (s *Session) Attach(conn Sender) (displaced Sender, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionExpired {
		return nil, ErrSessionExpired
	}
	displaced = s.conn
	s.conn = conn
	s.state = SessionActive
	return displaced, nil
}

// Detach forgets the egress handle if conn is still the attached one, moving the session into the resume window. It
// returns false when conn was already displaced by a newer connection (the detach is then a stale no-op).
func (s *Session) Detach(conn Sender) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || (conn != nil && s.conn != conn) {
		return false
	}
	s.detachLocked()
	return true
}

func (s *Session) detachLocked() {
	s.conn = nil
	if s.state == SessionActive {
		s.state = SessionDetached
		s.detachedAt = time.Now()
	}
}

// Dispatch assigns the next sequence number to the event, records it in the replay buffer, and offers the encoded
// frame to the attached connection. A detached session buffers silently. If the egress queue is full the connection
// is a zombie: it is aborted with 4000 and the session detaches, keeping the event for a future resume.
func (s *Session) Dispatch(eventType EventType, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionExpired {
		return ErrSessionExpired
	}

	seq := s.replay.Append(eventType, data)
	if s.conn == nil {
		return nil
	}

	frame, err := NewDispatchFrame(seq, eventType, data)
	if err != nil {
		return err
	}
	if !s.conn.TryEnqueue(frame) {
		s.log.Warn().Int64("seq", seq).Msg("Egress queue full, closing zombie connection")
		s.conn.CloseWithCode(CloseUnknownError, "egress queue overflow")
		s.detachLocked()
	}
	return nil
}

// DispatchEphemeral offers an unsequenced dispatch to the attached connection. Detached sessions drop the event; it
// is never buffered for replay.
func (s *Session) DispatchEphemeral(eventType EventType, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionActive || s.conn == nil {
		return nil
	}
	frame, err := NewEphemeralDispatchFrame(eventType, data)
	if err != nil {
		return err
	}
	if !s.conn.TryEnqueue(frame) {
		s.log.Warn().Msg("Egress queue full, closing zombie connection")
		s.conn.CloseWithCode(CloseUnknownError, "egress queue overflow")
		s.detachLocked()
	}
	return nil
}

// SendControl offers a non-dispatch frame (Reconnect, InvalidSession) to the attached connection, if any.
func (s *Session) SendControl(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.TryEnqueue(frame)
	}
}

// ResumeAttach atomically validates the client's resume position, replays the missed dispatches onto the new
// connection, attaches it, and emits RESUMED with a fresh sequence number. Doing all of this under the session mutex
// guarantees a concurrent Dispatch cannot interleave between the replayed backlog and new events.
//
// The displaced previous sender (last-write-wins when the session was still attached) is returned for the caller to
// close. ErrMissingRange means the client's position fell out of the replay buffer and it must re-identify.
func (s *Session) ResumeAttach(conn Sender, clientSeq int64) (displaced Sender, replayed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionExpired {
		return nil, 0, ErrSessionExpired
	}

	entries, err := s.replay.Since(clientSeq)
	if err != nil {
		return nil, 0, err
	}

	displaced = s.conn
	s.conn = conn
	s.state = SessionActive

	for _, entry := range entries {
		frame, fErr := NewDispatchFrame(entry.Seq, entry.Type, entry.Data)
		if fErr != nil {
			continue
		}
		if !conn.TryEnqueue(frame) {
			conn.CloseWithCode(CloseUnknownError, "egress queue overflow during replay")
			s.detachLocked()
			return displaced, len(entries), nil
		}
	}

	resumedData, _ := json.Marshal(struct{}{})
	seq := s.replay.Append(EventResumed, resumedData)
	if frame, fErr := NewDispatchFrame(seq, EventResumed, resumedData); fErr == nil {
		if !conn.TryEnqueue(frame) {
			conn.CloseWithCode(CloseUnknownError, "egress queue overflow during replay")
			s.detachLocked()
		}
	}

	return displaced, len(entries), nil
}

// ExpireIfStale transitions a detached session to SessionExpired once it has been detached longer than the resume
// window. It returns true when the transition happened.
func (s *Session) ExpireIfStale(window time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionDetached {
		return false
	}
	if now.Sub(s.detachedAt) <= window {
		return false
	}
	s.state = SessionExpired
	return true
}

// Close marks the session expired and returns the attached sender, if any, for the caller to close.
func (s *Session) Close() Sender {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.conn
	s.conn = nil
	s.state = SessionExpired
	return conn
}
