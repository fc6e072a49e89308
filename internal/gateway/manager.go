package gateway

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const sessionShards = 16

type sessionShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Manager owns every live session on this instance and the indexes used to route events to them: a sharded map keyed
// by session ID, plus per-user and per-guild indexes. Index entries are maintained alongside session guild membership
// so that Route never has to scan all sessions for user and guild targets.
type Manager struct {
	shards [sessionShards]*sessionShard

	mu     sync.RWMutex
	users  map[uuid.UUID]map[string]*Session
	guilds map[uuid.UUID]map[string]*Session

	log zerolog.Logger
}

// NewManager creates an empty session manager.
func NewManager(logger zerolog.Logger) *Manager {
	m := &Manager{
		users:  make(map[uuid.UUID]map[string]*Session),
		guilds: make(map[uuid.UUID]map[string]*Session),
		log:    logger.With().Str("component", "session_manager").Logger(),
	}
	for i := range m.shards {
		m.shards[i] = &sessionShard{sessions: make(map[string]*Session)}
	}
	return m
}

func (m *Manager) shard(sessionID string) *sessionShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return m.shards[h.Sum32()%sessionShards]
}

// Register inserts the session into the primary map and the user and guild indexes. The session's guild set must be
// populated before registering so routing sees a consistent view from the first event onwards.
func (m *Manager) Register(s *Session) {
	shard := m.shard(s.ID())
	shard.mu.Lock()
	shard.sessions[s.ID()] = s
	shard.mu.Unlock()

	guilds := s.Guilds()

	m.mu.Lock()
	defer m.mu.Unlock()
	userSessions, ok := m.users[s.UserID()]
	if !ok {
		userSessions = make(map[string]*Session)
		m.users[s.UserID()] = userSessions
	}
	userSessions[s.ID()] = s

	for _, g := range guilds {
		m.indexGuildLocked(g, s)
	}
}

// Deregister removes the session from the primary map and all indexes. It is idempotent.
func (m *Manager) Deregister(s *Session) {
	shard := m.shard(s.ID())
	shard.mu.Lock()
	delete(shard.sessions, s.ID())
	shard.mu.Unlock()

	guilds := s.Guilds()

	m.mu.Lock()
	defer m.mu.Unlock()
	if userSessions, ok := m.users[s.UserID()]; ok {
		delete(userSessions, s.ID())
		if len(userSessions) == 0 {
			delete(m.users, s.UserID())
		}
	}
	for _, g := range guilds {
		m.unindexGuildLocked(g, s)
	}
}

// Get returns the session with the given ID, or nil.
func (m *Manager) Get(sessionID string) *Session {
	shard := m.shard(sessionID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return shard.sessions[sessionID]
}

// SubscribeGuild adds the guild to the session's subscription set and the routing index. It returns false when the
// session was already subscribed.
func (m *Manager) SubscribeGuild(s *Session, guildID uuid.UUID) bool {
	if !s.AddGuild(guildID) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexGuildLocked(guildID, s)
	return true
}

// UnsubscribeGuild removes the guild from the session's subscription set and the routing index. It returns false when
// the session was not subscribed.
func (m *Manager) UnsubscribeGuild(s *Session, guildID uuid.UUID) bool {
	if !s.RemoveGuild(guildID) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unindexGuildLocked(guildID, s)
	return true
}

func (m *Manager) indexGuildLocked(guildID uuid.UUID, s *Session) {
	guildSessions, ok := m.guilds[guildID]
	if !ok {
		guildSessions = make(map[string]*Session)
		m.guilds[guildID] = guildSessions
	}
	guildSessions[s.ID()] = s
}

func (m *Manager) unindexGuildLocked(guildID uuid.UUID, s *Session) {
	if guildSessions, ok := m.guilds[guildID]; ok {
		delete(guildSessions, s.ID())
		if len(guildSessions) == 0 {
			delete(m.guilds, guildID)
		}
	}
}

// Route returns a snapshot of the sessions the target addresses. The snapshot is taken under the index lock; dispatch
// happens afterwards so a slow session never blocks routing.
func (m *Manager) Route(t Target) []*Session {
	switch t.Kind {
	case TargetUser:
		m.mu.RLock()
		defer m.mu.RUnlock()
		return snapshotSessions(m.users[t.UserID], uuid.Nil)
	case TargetGuild:
		m.mu.RLock()
		defer m.mu.RUnlock()
		return snapshotSessions(m.guilds[t.GuildID], uuid.Nil)
	case TargetGuildExcludeUser:
		m.mu.RLock()
		defer m.mu.RUnlock()
		return snapshotSessions(m.guilds[t.GuildID], t.UserID)
	default:
		return m.Sessions()
	}
}

func snapshotSessions(set map[string]*Session, excludeUser uuid.UUID) []*Session {
	if len(set) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		if excludeUser != uuid.Nil && s.UserID() == excludeUser {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Sessions returns a snapshot of every registered session.
func (m *Manager) Sessions() []*Session {
	var out []*Session
	for _, shard := range m.shards {
		shard.mu.RLock()
		for _, s := range shard.sessions {
			out = append(out, s)
		}
		shard.mu.RUnlock()
	}
	return out
}

// SessionCount returns the number of registered sessions.
func (m *Manager) SessionCount() int {
	total := 0
	for _, shard := range m.shards {
		shard.mu.RLock()
		total += len(shard.sessions)
		shard.mu.RUnlock()
	}
	return total
}

// UserSessionCount returns the number of registered sessions for one user.
func (m *Manager) UserSessionCount(userID uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users[userID])
}

// ReapExpired expires and deregisters every detached session whose resume window has elapsed, returning the reaped
// sessions so the caller can release their pub/sub channels and presence state.
func (m *Manager) ReapExpired(window time.Duration) []*Session {
	now := time.Now()
	var reaped []*Session
	for _, s := range m.Sessions() {
		if s.ExpireIfStale(window, now) {
			m.Deregister(s)
			reaped = append(reaped, s)
			m.log.Debug().
				Str("session_id", s.ID()).
				Str("user_id", s.UserID().String()).
				Msg("Reaped expired session")
		}
	}
	return reaped
}
