package gateway

import (
	"strings"

	"github.com/google/uuid"
)

// Pub/sub channel names are a stable on-the-wire contract shared with the REST tier.
const (
	channelBroadcast   = "chat:broadcast"
	channelUserPrefix  = "chat:user:"
	channelGuildPrefix = "chat:guild:"
)

// TargetKind discriminates routing targets.
type TargetKind int

const (
	// TargetBroadcast routes to every session on the instance.
	TargetBroadcast TargetKind = iota
	// TargetUser routes to all sessions of one user.
	TargetUser
	// TargetGuild routes to all sessions subscribed to a guild.
	TargetGuild
	// TargetGuildExcludeUser routes to a guild's sessions minus one user's sessions.
	TargetGuildExcludeUser
)

// Target identifies the set of sessions an event is fanned out to.
type Target struct {
	Kind    TargetKind
	UserID  uuid.UUID
	GuildID uuid.UUID
}

// BroadcastTarget routes to every session.
func BroadcastTarget() Target {
	return Target{Kind: TargetBroadcast}
}

// UserTarget routes to all sessions of the given user.
func UserTarget(userID uuid.UUID) Target {
	return Target{Kind: TargetUser, UserID: userID}
}

// GuildTarget routes to all sessions subscribed to the given guild.
func GuildTarget(guildID uuid.UUID) Target {
	return Target{Kind: TargetGuild, GuildID: guildID}
}

// GuildExcludeUserTarget routes to the guild's sessions except those belonging to the excluded user.
func GuildExcludeUserTarget(guildID, excludeUserID uuid.UUID) Target {
	return Target{Kind: TargetGuildExcludeUser, GuildID: guildID, UserID: excludeUserID}
}

// Channel returns the pub/sub channel name the target publishes on. GuildExcludeUser shares the guild channel; the
// exclusion travels in the event envelope.
func (t Target) Channel() string {
	switch t.Kind {
	case TargetUser:
		return channelUserPrefix + t.UserID.String()
	case TargetGuild, TargetGuildExcludeUser:
		return channelGuildPrefix + t.GuildID.String()
	default:
		return channelBroadcast
	}
}

// UserChannel returns the pub/sub channel carrying events addressed to a single user.
func UserChannel(userID uuid.UUID) string {
	return channelUserPrefix + userID.String()
}

// GuildChannel returns the pub/sub channel carrying events addressed to a guild.
func GuildChannel(guildID uuid.UUID) string {
	return channelGuildPrefix + guildID.String()
}

// ParseChannel maps a pub/sub channel name back to its routing target. Unknown or malformed names return false.
func ParseChannel(name string) (Target, bool) {
	switch {
	case name == channelBroadcast:
		return BroadcastTarget(), true
	case strings.HasPrefix(name, channelUserPrefix):
		id, err := uuid.Parse(strings.TrimPrefix(name, channelUserPrefix))
		if err != nil {
			return Target{}, false
		}
		return UserTarget(id), true
	case strings.HasPrefix(name, channelGuildPrefix):
		id, err := uuid.Parse(strings.TrimPrefix(name, channelGuildPrefix))
		if err != nil {
			return Target{}, false
		}
		return GuildTarget(id), true
	default:
		return Target{}, false
	}
}
