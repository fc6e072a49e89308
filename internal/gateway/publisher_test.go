package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

// receiveMessage subscribes to the channel before fn publishes and returns the first payload.
func receiveMessage(t *testing.T, rdb *redis.Client, channel string, fn func()) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pubsub := rdb.Subscribe(ctx, channel)
	t.Cleanup(func() { _ = pubsub.Close() })
	if _, err := pubsub.Receive(ctx); err != nil {
		t.Fatalf("subscribe to %s: %v", channel, err)
	}

	fn()

	select {
	case msg := <-pubsub.Channel():
		return []byte(msg.Payload)
	case <-ctx.Done():
		t.Fatalf("timed out waiting for a message on %s", channel)
		return nil
	}
}

func TestPublisherGuildEnvelope(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	pub := NewPublisher(rdb, zerolog.Nop())
	guildID := uuid.New()

	payload := receiveMessage(t, rdb, GuildChannel(guildID), func() {
		err := pub.Publish(context.Background(), GuildTarget(guildID), EventMessageCreate, map[string]string{"content": "hi"})
		if err != nil {
			t.Errorf("Publish() error = %v", err)
		}
	})

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.EventType != EventMessageCreate {
		t.Errorf("event_type = %q, want MESSAGE_CREATE", env.EventType)
	}
	if env.Target != nil {
		t.Errorf("target = %+v, want omitted for a plain guild target", env.Target)
	}

	var data map[string]string
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data["content"] != "hi" {
		t.Errorf("data = %v, want the published payload", data)
	}
}

func TestPublisherCarriesExclusion(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	pub := NewPublisher(rdb, zerolog.Nop())
	guildID := uuid.New()
	excluded := uuid.New()

	payload := receiveMessage(t, rdb, GuildChannel(guildID), func() {
		target := GuildExcludeUserTarget(guildID, excluded)
		event := PresenceEventData{UserID: excluded.String(), GuildID: guildID.String(), Status: "online"}
		if err := pub.Publish(context.Background(), target, EventPresenceUpdate, event); err != nil {
			t.Errorf("Publish() error = %v", err)
		}
	})

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Target == nil || env.Target.ExcludeUserID != excluded.String() {
		t.Errorf("target = %+v, want exclude_user_id %s", env.Target, excluded)
	}
}

func TestPublisherUserChannel(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	pub := NewPublisher(rdb, zerolog.Nop())
	userID := uuid.New()

	payload := receiveMessage(t, rdb, UserChannel(userID), func() {
		if err := pub.Publish(context.Background(), UserTarget(userID), EventGuildMemberAdd, MemberChangeData{
			UserID:  userID.String(),
			GuildID: uuid.New().String(),
		}); err != nil {
			t.Errorf("Publish() error = %v", err)
		}
	})

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.EventType != EventGuildMemberAdd {
		t.Errorf("event_type = %q, want GUILD_MEMBER_ADD", env.EventType)
	}
}

func TestPublisherUnmarshalableData(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	pub := NewPublisher(rdb, zerolog.Nop())

	if err := pub.Publish(context.Background(), BroadcastTarget(), EventMessageCreate, make(chan int)); err == nil {
		t.Error("Publish() error = nil for unmarshalable data")
	}
}
