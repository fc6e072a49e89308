package gateway

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// envelope is the pub/sub wire format shared by the gateway and the REST tier. The optional target block narrows
// delivery beyond what the channel itself expresses.
type envelope struct {
	EventType EventType       `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Target    *envelopeTarget `json:"target,omitempty"`
}

type envelopeTarget struct {
	ExcludeUserID string `json:"exclude_user_id,omitempty"`
}

// Publisher publishes gateway events onto Redis pub/sub channels. Other gateway instances, and this one, pick them up
// through their subscribers.
type Publisher struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewPublisher creates a publisher on the given Redis client.
func NewPublisher(rdb *redis.Client, logger zerolog.Logger) *Publisher {
	return &Publisher{
		rdb: rdb,
		log: logger.With().Str("component", "event_publisher").Logger(),
	}
}

// Publish marshals the event into an envelope and publishes it on the channel the target maps to. A
// GuildExcludeUser target publishes on the guild channel with the exclusion carried in the envelope.
func (p *Publisher) Publish(ctx context.Context, target Target, eventType EventType, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	env := envelope{EventType: eventType, Data: raw}
	if target.Kind == TargetGuildExcludeUser {
		env.Target = &envelopeTarget{ExcludeUserID: target.UserID.String()}
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	channel := target.Channel()
	if err := p.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	p.log.Debug().Str("channel", channel).Str("event", string(eventType)).Msg("Published event")
	return nil
}
