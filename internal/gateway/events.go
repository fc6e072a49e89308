package gateway

// EventType names a dispatch event carried in the `t` field of an op 0 frame and in the pub/sub envelope.
type EventType string

const (
	EventReady   EventType = "READY"
	EventResumed EventType = "RESUMED"

	EventGuildCreate EventType = "GUILD_CREATE"
	EventGuildUpdate EventType = "GUILD_UPDATE"
	EventGuildDelete EventType = "GUILD_DELETE"

	EventGuildMemberAdd    EventType = "GUILD_MEMBER_ADD"
	EventGuildMemberUpdate EventType = "GUILD_MEMBER_UPDATE"
	EventGuildMemberRemove EventType = "GUILD_MEMBER_REMOVE"

	EventChannelCreate EventType = "CHANNEL_CREATE"
	EventChannelUpdate EventType = "CHANNEL_UPDATE"
	EventChannelDelete EventType = "CHANNEL_DELETE"

	EventMessageCreate EventType = "MESSAGE_CREATE"
	EventMessageUpdate EventType = "MESSAGE_UPDATE"
	EventMessageDelete EventType = "MESSAGE_DELETE"

	EventMessageReactionAdd    EventType = "MESSAGE_REACTION_ADD"
	EventMessageReactionRemove EventType = "MESSAGE_REACTION_REMOVE"

	EventTypingStart    EventType = "TYPING_START"
	EventPresenceUpdate EventType = "PRESENCE_UPDATE"
)

// Ephemeral reports whether the event is delivered without a sequence number and skipped by the replay buffer. Typing
// indicators are worthless seconds after the fact, so they are never replayed.
func (e EventType) Ephemeral() bool {
	return e == EventTypingStart
}

// HelloData is the op 10 payload.
type HelloData struct {
	HeartbeatIntervalMS int64 `json:"heartbeat_interval_ms"`
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os,omitempty"`
	Browser string `json:"browser,omitempty"`
	Device  string `json:"device,omitempty"`
}

// IdentifyData is the op 2 payload.
type IdentifyData struct {
	Token      string             `json:"token"`
	Properties IdentifyProperties `json:"properties"`
	Presence   string             `json:"presence,omitempty"`
}

// ResumeData is the op 4 payload.
type ResumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// PresenceUpdateData is the op 3 payload.
type PresenceUpdateData struct {
	Status string `json:"status"`
}

// ReadyUser is the authenticated user object embedded in READY.
type ReadyUser struct {
	ID       string  `json:"id"`
	Username string  `json:"username"`
	Avatar   *string `json:"avatar"`
}

// UnavailableGuild is a guild stub in the READY payload. Full guild state arrives afterwards via GUILD_CREATE.
type UnavailableGuild struct {
	ID          string `json:"id"`
	Unavailable bool   `json:"unavailable"`
}

// ReadyData is the READY dispatch payload.
type ReadyData struct {
	SessionID           string             `json:"session_id"`
	User                ReadyUser          `json:"user"`
	Guilds              []UnavailableGuild `json:"guilds"`
	HeartbeatIntervalMS int64              `json:"heartbeat_interval"`
}

// GuildCreateData is the GUILD_CREATE dispatch payload hydrating a guild stub from READY.
type GuildCreateData struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Icon        *string `json:"icon"`
	OwnerID     string  `json:"owner_id"`
	MemberCount int     `json:"member_count"`
}

// PresenceEventData is the PRESENCE_UPDATE dispatch payload.
type PresenceEventData struct {
	UserID  string `json:"user_id"`
	GuildID string `json:"guild_id,omitempty"`
	Status  string `json:"status"`
}

// MemberChangeData is the shared shape of GUILD_MEMBER_ADD and GUILD_MEMBER_REMOVE payloads, as far as the gateway
// needs to read them to keep guild subscriptions current.
type MemberChangeData struct {
	UserID  string `json:"user_id"`
	GuildID string `json:"guild_id"`
}
