package gateway

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestSubscriberRefcounts(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	sub := NewSubscriber(rdb, zerolog.Nop())

	ch := GuildChannel(uuid.New())
	sub.Acquire(ch)
	sub.Acquire(ch)

	wanted := sub.wantedChannels()
	if len(wanted) != 2 {
		t.Fatalf("wantedChannels() = %v, want broadcast plus the acquired channel", wanted)
	}

	// One release keeps the channel wanted; the second starts its decay.
	sub.Release(ch)
	if got := sub.wantedChannels(); len(got) != 2 {
		t.Errorf("wantedChannels() after partial release = %v, want 2 channels", got)
	}
	sub.Release(ch)
	if got := sub.wantedChannels(); len(got) != 1 {
		t.Errorf("wantedChannels() after full release = %v, want broadcast only", got)
	}

	// Releasing an unknown channel is a no-op.
	sub.Release("chat:guild:unknown")
}

func TestSubscriberReacquireCancelsDecay(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	sub := NewSubscriber(rdb, zerolog.Nop())

	ch := GuildChannel(uuid.New())
	sub.Acquire(ch)
	sub.Release(ch)
	sub.Acquire(ch)

	// The re-acquired channel must survive a sweep far in the future.
	sub.sweepDecayed(time.Now().Add(time.Hour))
	if got := sub.wantedChannels(); len(got) != 2 {
		t.Errorf("wantedChannels() after sweep = %v, want the re-acquired channel kept", got)
	}
}

func TestSubscriberSweepDecayed(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	sub := NewSubscriber(rdb, zerolog.Nop())

	ch := GuildChannel(uuid.New())
	sub.Acquire(ch)
	sub.Release(ch)

	// Inside the decay window nothing is swept.
	sub.sweepDecayed(time.Now())
	sub.mu.Lock()
	_, pending := sub.decay[ch]
	sub.mu.Unlock()
	if !pending {
		t.Fatal("channel swept before its decay elapsed")
	}

	sub.sweepDecayed(time.Now().Add(unsubscribeDecay + time.Second))
	sub.mu.Lock()
	_, pending = sub.decay[ch]
	_, referenced := sub.refs[ch]
	sub.mu.Unlock()
	if pending || referenced {
		t.Error("channel not fully dropped after the decay elapsed")
	}
}

func TestSubscriberOfferDropsOldest(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	sub := NewSubscriber(rdb, zerolog.Nop())

	inbound := make(chan inboundMessage, 2)
	for i := 0; i < 3; i++ {
		sub.offer(inbound, inboundMessage{channel: "chat:broadcast", payload: []byte{byte('a' + i)}})
	}

	if sub.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", sub.Dropped())
	}
	first := <-inbound
	second := <-inbound
	if string(first.payload) != "b" || string(second.payload) != "c" {
		t.Errorf("queue = [%s %s], want the oldest message evicted", first.payload, second.payload)
	}
}

func TestSubscriberDeliverRoutesToSessions(t *testing.T) {
	t.Parallel()
	fx := newTestHub(t)
	c, _, _ := fx.identify(t)

	_, rdb := newTestRedis(t)
	sub := NewSubscriber(rdb, zerolog.Nop())
	sub.Bind(fx.hub)

	env, err := json.Marshal(envelope{EventType: EventMessageCreate, Data: json.RawMessage(`{"content":"hi"}`)})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	sub.deliver(inboundMessage{channel: GuildChannel(fx.guildID), payload: env})

	frames := queuedFrames(t, c)
	if len(frames) != 1 || *frames[0].Type != EventMessageCreate {
		t.Fatalf("delivered frames = %+v, want one MESSAGE_CREATE", frames)
	}
}

func TestSubscriberDeliverAppliesExclusion(t *testing.T) {
	t.Parallel()
	fx := newTestHub(t)
	c, _, _ := fx.identify(t)

	_, rdb := newTestRedis(t)
	sub := NewSubscriber(rdb, zerolog.Nop())
	sub.Bind(fx.hub)

	env, err := json.Marshal(envelope{
		EventType: EventPresenceUpdate,
		Data:      json.RawMessage(`{}`),
		Target:    &envelopeTarget{ExcludeUserID: fx.userID.String()},
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	sub.deliver(inboundMessage{channel: GuildChannel(fx.guildID), payload: env})

	if frames := queuedFrames(t, c); len(frames) != 0 {
		t.Errorf("delivered %d frames to the excluded user, want 0", len(frames))
	}
}

func TestSubscriberDeliverRejectsBadInput(t *testing.T) {
	t.Parallel()
	fx := newTestHub(t)
	c, _, _ := fx.identify(t)

	_, rdb := newTestRedis(t)
	sub := NewSubscriber(rdb, zerolog.Nop())
	sub.Bind(fx.hub)

	valid, _ := json.Marshal(envelope{EventType: EventMessageCreate, Data: json.RawMessage(`{}`)})

	// Unknown channel, malformed JSON, and a missing event type are all dropped.
	sub.deliver(inboundMessage{channel: "other:channel", payload: valid})
	sub.deliver(inboundMessage{channel: GuildChannel(fx.guildID), payload: []byte(`{"event_type":`)})
	sub.deliver(inboundMessage{channel: GuildChannel(fx.guildID), payload: []byte(`{"data":{}}`)})

	if frames := queuedFrames(t, c); len(frames) != 0 {
		t.Errorf("delivered %d frames from rejected input, want 0", len(frames))
	}
}

func TestSubscriberRunDeliversPublishedEvents(t *testing.T) {
	t.Parallel()
	fx := newTestHub(t)
	c, _, _ := fx.identify(t)

	_, rdb := newTestRedis(t)
	sub := NewSubscriber(rdb, zerolog.Nop())
	sub.Bind(fx.hub)
	sub.Acquire(GuildChannel(fx.guildID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sub.Run(ctx) }()

	pub := NewPublisher(rdb, zerolog.Nop())
	event := map[string]string{"content": "over the wire"}

	// Publish until the subscription is live and the event lands.
	deadline := time.After(5 * time.Second)
	for {
		if err := pub.Publish(ctx, GuildTarget(fx.guildID), EventMessageCreate, event); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		select {
		case raw := <-c.send:
			var f Frame
			if err := json.Unmarshal(raw, &f); err != nil {
				t.Fatalf("unmarshal delivered frame: %v", err)
			}
			if f.Type == nil || *f.Type != EventMessageCreate {
				t.Fatalf("delivered frame = %+v, want MESSAGE_CREATE", f)
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("published event never reached the session")
		}
	}
}
