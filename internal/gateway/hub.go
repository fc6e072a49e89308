package gateway

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftchat/drift-gateway/internal/presence"
)

// Config carries the tunables the hub and its connections run with.
type Config struct {
	HeartbeatInterval time.Duration
	ResumeWindow      time.Duration
	ReplayCapacity    int
	EgressQueueSize   int
	InboundRateLimit  int
	InboundRateWindow time.Duration
	MaxConnections    int
	OfflineDelay      time.Duration
}

// TokenValidator authenticates a gateway token and yields the user it belongs to.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
}

// GuildInfo is the guild shape the gateway needs for GUILD_CREATE hydration.
type GuildInfo struct {
	ID          uuid.UUID
	Name        string
	Icon        *string
	OwnerID     uuid.UUID
	MemberCount int
}

// Membership answers guild membership questions from the backing store.
type Membership interface {
	GuildsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	UserInGuild(ctx context.Context, userID, guildID uuid.UUID) (bool, error)
	Guild(ctx context.Context, guildID uuid.UUID) (GuildInfo, error)
}

// UserInfo is the user shape embedded in READY.
type UserInfo struct {
	ID       uuid.UUID
	Username string
	Avatar   *string
}

// UserDirectory looks up users from the backing store.
type UserDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (UserInfo, error)
}

// PresenceStore persists user presence with a TTL so a crashed instance's users fall offline on their own.
type PresenceStore interface {
	Set(ctx context.Context, userID uuid.UUID, status string) error
	Refresh(ctx context.Context, userID uuid.UUID) error
	Delete(ctx context.Context, userID uuid.UUID) error
}

// EventPublisher publishes envelopes onto the pub/sub channel the target maps to.
type EventPublisher interface {
	Publish(ctx context.Context, target Target, eventType EventType, data any) error
}

// ChannelSubscriber maintains reference-counted pub/sub channel subscriptions.
type ChannelSubscriber interface {
	Acquire(channels ...string)
	Release(channels ...string)
}

const (
	handlerTimeout = 5 * time.Second
	hydrateGap     = 100 * time.Millisecond
	reapInterval   = 5 * time.Second
)

// Hub ties connections, sessions, and the pub/sub fabric together. Every protocol decision lives here; Connection
// only moves bytes and Session only orders them.
type Hub struct {
	cfg        Config
	manager    *Manager
	tokens     TokenValidator
	membership Membership
	users      UserDirectory
	presence   PresenceStore
	publisher  EventPublisher
	subscriber ChannelSubscriber
	log        zerolog.Logger

	connCount atomic.Int64
}

// NewHub creates a hub with the given collaborators.
func NewHub(
	cfg Config,
	manager *Manager,
	tokens TokenValidator,
	membership Membership,
	users UserDirectory,
	presenceStore PresenceStore,
	publisher EventPublisher,
	subscriber ChannelSubscriber,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		cfg:        cfg,
		manager:    manager,
		tokens:     tokens,
		membership: membership,
		users:      users,
		presence:   presenceStore,
		publisher:  publisher,
		subscriber: subscriber,
		log:        logger.With().Str("component", "gateway_hub").Logger(),
	}
}

// ConnectionCount returns the number of live websocket connections.
func (h *Hub) ConnectionCount() int64 {
	return h.connCount.Load()
}

// SessionCount returns the number of registered sessions, attached or detached.
func (h *Hub) SessionCount() int {
	return h.manager.SessionCount()
}

// ServeWebSocket owns one upgraded websocket for its whole life: Hello first, then the pumps until the peer goes
// away. It blocks, which matches how the fiber websocket handler invokes it.
func (h *Hub) ServeWebSocket(ws socket) {
	if h.cfg.MaxConnections > 0 && h.connCount.Load() >= int64(h.cfg.MaxConnections) {
		h.log.Warn().Int64("connections", h.connCount.Load()).Msg("Connection limit reached, refusing websocket")
		refuseSocket(ws)
		return
	}
	h.connCount.Add(1)
	defer h.connCount.Add(-1)

	c := newConnection(ws, h)

	hello, err := NewHelloFrame(h.jitteredHeartbeatMS())
	if err != nil {
		c.CloseWithCode(CloseUnknownError, "internal error")
		return
	}
	if err := c.writeFrame(hello); err != nil {
		c.CloseWithCode(CloseUnknownError, "write error")
		return
	}

	c.run()
}

// jitteredHeartbeatMS spreads the advertised interval by up to 5 percent either way so a reconnect storm does not
// heartbeat in lockstep.
func (h *Hub) jitteredHeartbeatMS() int64 {
	base := float64(h.cfg.HeartbeatInterval.Milliseconds())
	return int64(base * (0.95 + 0.1*rand.Float64()))
}

// HandleFrame processes one inbound frame. It returns false when the read loop should stop because the connection is
// closing.
func (h *Hub) HandleFrame(c *Connection, f *Frame) bool {
	switch f.Op {
	case OpcodeHeartbeat:
		return h.handleHeartbeat(c, f)
	case OpcodeIdentify:
		return h.handleIdentify(c, f)
	case OpcodeResume:
		return h.handleResume(c, f)
	case OpcodePresenceUpdate:
		return h.handlePresenceUpdate(c, f)
	default:
		c.GracefulClose(CloseUnknownOpcode, "unknown opcode")
		return false
	}
}

func (h *Hub) handleHeartbeat(c *Connection, f *Frame) bool {
	var clientSeq *int64
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &clientSeq); err != nil {
			c.GracefulClose(CloseDecodeError, "malformed heartbeat")
			return false
		}
	}

	s := c.Session()
	if s != nil && clientSeq != nil && *clientSeq > s.LastSeq() {
		c.log.Debug().Int64("client_seq", *clientSeq).Int64("last_seq", s.LastSeq()).Msg("Heartbeat seq ahead of session")
		c.GracefulClose(CloseInvalidSequence, "invalid seq")
		return false
	}

	c.recordHeartbeat()

	ack, err := NewHeartbeatACKFrame()
	if err == nil {
		c.TryEnqueue(ack)
	}

	if s != nil {
		go func(userID uuid.UUID) {
			ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
			defer cancel()
			if err := h.presence.Refresh(ctx, userID); err != nil {
				h.log.Debug().Err(err).Str("user_id", userID.String()).Msg("Presence refresh failed")
			}
		}(s.UserID())
	}
	return true
}

func (h *Hub) handleIdentify(c *Connection, f *Frame) bool {
	if c.State() != ConnHandshaking {
		c.GracefulClose(CloseAlreadyAuthenticated, "already authenticated")
		return false
	}
	c.setState(ConnIdentifying)

	var data IdentifyData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		c.GracefulClose(CloseDecodeError, "malformed identify")
		return false
	}
	if data.Token == "" {
		c.GracefulClose(CloseAuthFailed, "missing token")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	userID, err := h.tokens.ValidateToken(ctx, data.Token)
	if err != nil {
		c.log.Debug().Err(err).Msg("Identify token rejected")
		c.GracefulClose(CloseAuthFailed, "authentication failed")
		return false
	}

	user, err := h.users.GetByID(ctx, userID)
	if err != nil {
		h.invalidSessionClose(c, "user lookup failed", err)
		return false
	}
	guilds, err := h.membership.GuildsForUser(ctx, userID)
	if err != nil {
		h.invalidSessionClose(c, "membership lookup failed", err)
		return false
	}

	status := data.Presence
	if !presence.ValidStatus(status) {
		status = presence.StatusOnline
	}

	s := NewSession(userID, h.cfg.ReplayCapacity, h.log)
	s.SetPresence(status)
	for _, g := range guilds {
		s.AddGuild(g)
	}
	if _, err := s.Attach(c); err != nil {
		c.GracefulClose(CloseUnknownError, "session attach failed")
		return false
	}
	c.bind(s)
	h.manager.Register(s)

	channels := make([]string, 0, len(guilds)+1)
	channels = append(channels, UserChannel(userID))
	for _, g := range guilds {
		channels = append(channels, GuildChannel(g))
	}
	h.subscriber.Acquire(channels...)

	ready := ReadyData{
		SessionID:           s.ID(),
		User:                ReadyUser{ID: user.ID.String(), Username: user.Username, Avatar: user.Avatar},
		Guilds:              make([]UnavailableGuild, 0, len(guilds)),
		HeartbeatIntervalMS: h.cfg.HeartbeatInterval.Milliseconds(),
	}
	for _, g := range guilds {
		ready.Guilds = append(ready.Guilds, UnavailableGuild{ID: g.String(), Unavailable: true})
	}
	readyRaw, err := json.Marshal(ready)
	if err != nil {
		c.GracefulClose(CloseUnknownError, "internal error")
		return false
	}
	if err := s.Dispatch(EventReady, readyRaw); err != nil {
		c.GracefulClose(CloseUnknownError, "internal error")
		return false
	}

	if err := h.presence.Set(ctx, userID, status); err != nil {
		h.log.Warn().Err(err).Str("user_id", userID.String()).Msg("Presence set failed")
	}
	h.publishPresence(ctx, s, status)

	go h.hydrateGuilds(s, guilds)

	c.log.Info().
		Str("session_id", s.ID()).
		Str("user_id", userID.String()).
		Int("guilds", len(guilds)).
		Msg("Session identified")
	return true
}

// hydrateGuilds streams one GUILD_CREATE per unavailable guild stub from READY, spaced out so a user in hundreds of
// guilds does not flood their own egress queue.
func (h *Hub) hydrateGuilds(s *Session, guilds []uuid.UUID) {
	for i, g := range guilds {
		if i > 0 {
			time.Sleep(hydrateGap)
		}
		if s.State() == SessionExpired {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		info, err := h.membership.Guild(ctx, g)
		cancel()
		if err != nil {
			h.log.Warn().Err(err).Str("guild_id", g.String()).Msg("Guild hydration failed")
			continue
		}

		payload, err := json.Marshal(GuildCreateData{
			ID:          info.ID.String(),
			Name:        info.Name,
			Icon:        info.Icon,
			OwnerID:     info.OwnerID.String(),
			MemberCount: info.MemberCount,
		})
		if err != nil {
			continue
		}
		if err := s.Dispatch(EventGuildCreate, payload); err != nil {
			return
		}
	}
}

func (h *Hub) handleResume(c *Connection, f *Frame) bool {
	if c.State() != ConnHandshaking {
		c.GracefulClose(CloseAlreadyAuthenticated, "already authenticated")
		return false
	}
	c.setState(ConnResuming)

	var data ResumeData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		c.GracefulClose(CloseDecodeError, "malformed resume")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	userID, err := h.tokens.ValidateToken(ctx, data.Token)
	if err != nil {
		c.log.Debug().Err(err).Msg("Resume token rejected")
		c.GracefulClose(CloseAuthFailed, "authentication failed")
		return false
	}

	s := h.manager.Get(data.SessionID)
	if s == nil || s.State() == SessionExpired {
		h.invalidSessionClose(c, "unknown or expired session", nil)
		return false
	}
	if s.UserID() != userID {
		c.GracefulClose(CloseAuthFailed, "session user mismatch")
		return false
	}

	displaced, replayed, err := s.ResumeAttach(c, data.Seq)
	if err != nil {
		if errors.Is(err, ErrMissingRange) || errors.Is(err, ErrSessionExpired) {
			h.invalidSessionClose(c, "resume position no longer available", err)
			return false
		}
		c.GracefulClose(CloseUnknownError, "resume failed")
		return false
	}
	c.bind(s)

	if displaced != nil && displaced != Sender(c) {
		displaced.CloseWithCode(CloseUnknownError, "session resumed elsewhere")
	}

	// Restore the presence key in case it lapsed while the session was detached.
	if err := h.presence.Set(ctx, userID, s.Presence()); err != nil {
		h.log.Warn().Err(err).Str("user_id", userID.String()).Msg("Presence set failed")
	}

	c.log.Info().
		Str("session_id", s.ID()).
		Str("user_id", userID.String()).
		Int("replayed", replayed).
		Msg("Session resumed")
	return true
}

// invalidSessionClose tells the client to re-identify: an op 7 with resumable false, flushed before the close frame.
func (h *Hub) invalidSessionClose(c *Connection, reason string, err error) {
	c.log.Debug().Err(err).Str("reason", reason).Msg("Invalidating session")
	if frame, fErr := NewInvalidSessionFrame(false); fErr == nil {
		c.TryEnqueue(frame)
	}
	c.GracefulClose(CloseUnknownError, reason)
}

func (h *Hub) handlePresenceUpdate(c *Connection, f *Frame) bool {
	s := c.Session()
	if s == nil {
		c.GracefulClose(CloseNotAuthenticated, "not authenticated")
		return false
	}

	var data PresenceUpdateData
	if err := json.Unmarshal(f.Data, &data); err != nil || !presence.ValidStatus(data.Status) {
		c.GracefulClose(CloseDecodeError, "malformed presence update")
		return false
	}

	s.SetPresence(data.Status)

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if err := h.presence.Set(ctx, s.UserID(), data.Status); err != nil {
		h.log.Warn().Err(err).Str("user_id", s.UserID().String()).Msg("Presence set failed")
	}
	h.publishPresence(ctx, s, data.Status)
	return true
}

// publishPresence fans the user's status out to their guilds, masking invisible as offline. The user's own sessions
// get the true status on their user channel so other devices stay in sync.
func (h *Hub) publishPresence(ctx context.Context, s *Session, status string) {
	broadcast := status
	if broadcast == presence.StatusInvisible {
		broadcast = presence.StatusOffline
	}

	userID := s.UserID()
	for _, g := range s.Guilds() {
		event := PresenceEventData{UserID: userID.String(), GuildID: g.String(), Status: broadcast}
		if err := h.publisher.Publish(ctx, GuildExcludeUserTarget(g, userID), EventPresenceUpdate, event); err != nil {
			h.log.Warn().Err(err).Str("guild_id", g.String()).Msg("Presence publish failed")
		}
	}
	own := PresenceEventData{UserID: userID.String(), Status: status}
	if err := h.publisher.Publish(ctx, UserTarget(userID), EventPresenceUpdate, own); err != nil {
		h.log.Warn().Err(err).Str("user_id", userID.String()).Msg("Presence publish failed")
	}
}

// DispatchEnvelope routes one decoded pub/sub event to the sessions its target addresses. Membership change events on
// user channels additionally adjust guild subscriptions so routing stays correct without a round trip to the store.
func (h *Hub) DispatchEnvelope(target Target, eventType EventType, data json.RawMessage) {
	switch eventType {
	case EventGuildMemberAdd, EventGuildMemberRemove:
		if target.Kind == TargetUser {
			h.applyMembershipChange(eventType, target.UserID, data)
		}
	case EventGuildDelete:
		if target.Kind == TargetGuild || target.Kind == TargetGuildExcludeUser {
			defer h.dropGuild(target.GuildID)
		}
	}

	sessions := h.manager.Route(target)
	for _, s := range sessions {
		var err error
		if eventType.Ephemeral() {
			err = s.DispatchEphemeral(eventType, data)
		} else {
			err = s.Dispatch(eventType, data)
		}
		if err != nil && !errors.Is(err, ErrSessionExpired) {
			h.log.Warn().Err(err).Str("session_id", s.ID()).Str("event", string(eventType)).Msg("Dispatch failed")
		}
	}
}

// applyMembershipChange keeps a user's sessions subscribed to the right guild channels as they join and leave guilds
// mid-session.
func (h *Hub) applyMembershipChange(eventType EventType, userID uuid.UUID, data json.RawMessage) {
	var change MemberChangeData
	if err := json.Unmarshal(data, &change); err != nil {
		h.log.Warn().Err(err).Msg("Malformed membership change event")
		return
	}
	guildID, err := uuid.Parse(change.GuildID)
	if err != nil {
		return
	}

	for _, s := range h.manager.Route(UserTarget(userID)) {
		switch eventType {
		case EventGuildMemberAdd:
			if h.manager.SubscribeGuild(s, guildID) {
				h.subscriber.Acquire(GuildChannel(guildID))
			}
		case EventGuildMemberRemove:
			if h.manager.UnsubscribeGuild(s, guildID) {
				h.subscriber.Release(GuildChannel(guildID))
			}
		}
	}
}

// dropGuild detaches every session from a deleted guild and releases the channel references they held.
func (h *Hub) dropGuild(guildID uuid.UUID) {
	for _, s := range h.manager.Route(GuildTarget(guildID)) {
		if h.manager.UnsubscribeGuild(s, guildID) {
			h.subscriber.Release(GuildChannel(guildID))
		}
	}
}

// handleDisconnect runs once per connection when its read pump exits. The session survives into the resume window;
// presence goes offline only after a short delay with no other live session for the user, so page reloads do not
// flap presence.
func (h *Hub) handleDisconnect(c *Connection) {
	c.CloseWithCode(CloseUnknownError, "connection closed")

	s := c.Session()
	if s == nil {
		return
	}
	if s.Detach(c) {
		c.log.Debug().Str("session_id", s.ID()).Msg("Session detached")
	} else if s.State() != SessionDetached {
		// Displaced by a newer connection or already expired; nothing to transition here.
		return
	}

	userID := s.UserID()
	if h.userHasAttachedSession(userID) {
		return
	}

	delay := h.cfg.OfflineDelay
	if delay <= 0 {
		h.markOffline(userID)
		return
	}
	time.AfterFunc(delay, func() {
		if h.userHasAttachedSession(userID) {
			return
		}
		h.markOffline(userID)
	})
}

func (h *Hub) userHasAttachedSession(userID uuid.UUID) bool {
	for _, s := range h.manager.Route(UserTarget(userID)) {
		if s.State() == SessionActive {
			return true
		}
	}
	return false
}

func (h *Hub) markOffline(userID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if err := h.presence.Delete(ctx, userID); err != nil {
		h.log.Debug().Err(err).Str("user_id", userID.String()).Msg("Presence delete failed")
	}

	guilds := make(map[uuid.UUID]struct{})
	for _, s := range h.manager.Route(UserTarget(userID)) {
		for _, g := range s.Guilds() {
			guilds[g] = struct{}{}
		}
	}
	for g := range guilds {
		event := PresenceEventData{UserID: userID.String(), GuildID: g.String(), Status: presence.StatusOffline}
		if err := h.publisher.Publish(ctx, GuildExcludeUserTarget(g, userID), EventPresenceUpdate, event); err != nil {
			h.log.Warn().Err(err).Str("guild_id", g.String()).Msg("Offline publish failed")
		}
	}
}

// RunReaper expires detached sessions whose resume window has elapsed, releasing the pub/sub channels they held. It
// blocks until ctx is cancelled.
func (h *Hub) RunReaper(ctx context.Context) error {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, s := range h.manager.ReapExpired(h.cfg.ResumeWindow) {
				h.releaseSessionChannels(s)
				if !h.userHasAttachedSession(s.UserID()) {
					h.markOffline(s.UserID())
				}
			}
		}
	}
}

func (h *Hub) releaseSessionChannels(s *Session) {
	channels := make([]string, 0, 8)
	channels = append(channels, UserChannel(s.UserID()))
	for _, g := range s.Guilds() {
		channels = append(channels, GuildChannel(g))
	}
	h.subscriber.Release(channels...)
}

// Shutdown tells every attached client to reconnect, then closes all sessions and clears their presence. Intended
// for controlled restarts so clients resume against the next instance quickly.
func (h *Hub) Shutdown(ctx context.Context) {
	h.log.Info().Int("sessions", h.manager.SessionCount()).Msg("Shutting down gateway")

	reconnect, err := NewReconnectFrame()
	if err != nil {
		return
	}

	users := make(map[uuid.UUID]struct{})
	for _, s := range h.manager.Sessions() {
		s.SendControl(reconnect)
		users[s.UserID()] = struct{}{}
		if conn := s.Close(); conn != nil {
			if c, ok := conn.(*Connection); ok {
				c.GracefulClose(websocket.CloseGoingAway, "server shutting down")
			} else {
				conn.CloseWithCode(websocket.CloseGoingAway, "server shutting down")
			}
		}
		h.manager.Deregister(s)
		h.releaseSessionChannels(s)
	}

	for userID := range users {
		if err := h.presence.Delete(ctx, userID); err != nil {
			h.log.Debug().Err(err).Str("user_id", userID.String()).Msg("Presence delete failed")
		}
	}
}

func refuseSocket(ws socket) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection limit reached")
	_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = ws.Close()
}
