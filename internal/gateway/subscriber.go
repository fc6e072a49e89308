package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	subscriberBacklog = 1024
	reconnectInitial  = 500 * time.Millisecond
	reconnectMax      = 30 * time.Second
	unsubscribeDecay  = 30 * time.Second
	decaySweepPeriod  = 10 * time.Second
)

type inboundMessage struct {
	channel string
	payload []byte
}

// Subscriber maintains this instance's Redis pub/sub subscriptions. Channel interest is reference counted: a channel
// is subscribed while any session needs it, and unsubscribed only after its refcount has sat at zero for a decay
// period, so churning sessions do not thrash SUBSCRIBE/UNSUBSCRIBE on busy channels.
//
// The pub/sub connection is re-established with exponential backoff after failures; all wanted channels are
// resubscribed on reconnect. Inbound messages flow through a bounded queue that drops the oldest entry on overflow
// rather than blocking the Redis read loop.
type Subscriber struct {
	rdb *redis.Client
	hub *Hub
	log zerolog.Logger

	mu      sync.Mutex
	refs    map[string]int
	decay   map[string]time.Time
	pubsub  *redis.PubSub
	running bool

	dropped atomic.Int64
}

// NewSubscriber creates a subscriber on the given Redis client. Bind the hub before Run.
func NewSubscriber(rdb *redis.Client, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		rdb:   rdb,
		refs:  make(map[string]int),
		decay: make(map[string]time.Time),
		log:   logger.With().Str("component", "event_subscriber").Logger(),
	}
}

// Bind wires the hub the subscriber delivers events to. Separate from the constructor because the hub and subscriber
// reference each other.
func (s *Subscriber) Bind(hub *Hub) {
	s.hub = hub
}

// Dropped returns the number of inbound messages discarded due to backlog overflow.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

// Acquire increments the refcount of each channel and subscribes to the ones newly at one reference.
func (s *Subscriber) Acquire(channels ...string) {
	if len(channels) == 0 {
		return
	}
	s.mu.Lock()
	var fresh []string
	for _, ch := range channels {
		s.refs[ch]++
		delete(s.decay, ch)
		if s.refs[ch] == 1 {
			fresh = append(fresh, ch)
		}
	}
	pubsub := s.pubsub
	s.mu.Unlock()

	if pubsub != nil && len(fresh) > 0 {
		if err := pubsub.Subscribe(context.Background(), fresh...); err != nil {
			s.log.Warn().Err(err).Strs("channels", fresh).Msg("Subscribe failed")
		}
	}
}

// Release decrements the refcount of each channel. Channels that reach zero are marked for lazy unsubscription after
// the decay period rather than unsubscribed immediately.
func (s *Subscriber) Release(channels ...string) {
	if len(channels) == 0 {
		return
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		if s.refs[ch] == 0 {
			continue
		}
		s.refs[ch]--
		if s.refs[ch] == 0 {
			s.decay[ch] = now
		}
	}
}

// wantedChannels returns every channel with a live reference plus the broadcast channel, which is always wanted.
func (s *Subscriber) wantedChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.refs)+1)
	out = append(out, channelBroadcast)
	for ch, n := range s.refs {
		if n > 0 && ch != channelBroadcast {
			out = append(out, ch)
		}
	}
	return out
}

// Run connects to Redis pub/sub and pumps messages into the hub until ctx is cancelled. Connection failures are
// retried with exponential backoff.
func (s *Subscriber) Run(ctx context.Context) error {
	inbound := make(chan inboundMessage, subscriberBacklog)

	go s.deliverLoop(ctx, inbound)
	go s.decayLoop(ctx)

	backoff := reconnectInitial
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.consume(ctx, inbound)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn().Err(err).Dur("backoff", backoff).Msg("Pub/sub connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// consume owns one pub/sub connection: subscribe to everything wanted, then read until the connection dies.
func (s *Subscriber) consume(ctx context.Context, inbound chan inboundMessage) error {
	pubsub := s.rdb.Subscribe(ctx, s.wantedChannels()...)
	defer pubsub.Close()

	// Force the initial subscribe round trip so a dead Redis fails fast instead of on first Receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.pubsub = pubsub
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.pubsub = nil
		s.mu.Unlock()
	}()

	s.log.Info().Msg("Pub/sub connected")

	ch := pubsub.Channel(redis.WithChannelSize(subscriberBacklog))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return ErrSubscriberClosed
			}
			s.offer(inbound, inboundMessage{channel: msg.Channel, payload: []byte(msg.Payload)})
		}
	}
}

// offer enqueues without blocking, evicting the oldest queued message when full.
func (s *Subscriber) offer(inbound chan inboundMessage, msg inboundMessage) {
	for {
		select {
		case inbound <- msg:
			return
		default:
		}
		select {
		case <-inbound:
			if n := s.dropped.Add(1); n == 1 || n%1000 == 0 {
				s.log.Warn().Int64("dropped", n).Msg("Inbound event backlog full, dropping oldest")
			}
		default:
		}
	}
}

// deliverLoop decodes envelopes off the bounded queue and hands them to the hub.
func (s *Subscriber) deliverLoop(ctx context.Context, inbound chan inboundMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-inbound:
			s.deliver(msg)
		}
	}
}

func (s *Subscriber) deliver(msg inboundMessage) {
	target, ok := ParseChannel(msg.channel)
	if !ok {
		s.log.Warn().Str("channel", msg.channel).Msg("Message on unrecognised channel")
		return
	}

	var env envelope
	if err := json.Unmarshal(msg.payload, &env); err != nil {
		s.log.Warn().Err(err).Str("channel", msg.channel).Msg("Malformed event envelope")
		return
	}
	if env.EventType == "" {
		s.log.Warn().Str("channel", msg.channel).Msg("Envelope missing event type")
		return
	}

	if env.Target != nil && env.Target.ExcludeUserID != "" && target.Kind == TargetGuild {
		if excluded, err := uuid.Parse(env.Target.ExcludeUserID); err == nil {
			target = GuildExcludeUserTarget(target.GuildID, excluded)
		}
	}

	s.hub.DispatchEnvelope(target, env.EventType, env.Data)
}

// decayLoop periodically unsubscribes channels whose refcount has been zero longer than the decay period.
func (s *Subscriber) decayLoop(ctx context.Context) {
	ticker := time.NewTicker(decaySweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweepDecayed(now)
		}
	}
}

func (s *Subscriber) sweepDecayed(now time.Time) {
	s.mu.Lock()
	var stale []string
	for ch, since := range s.decay {
		if s.refs[ch] == 0 && now.Sub(since) >= unsubscribeDecay {
			stale = append(stale, ch)
			delete(s.decay, ch)
			delete(s.refs, ch)
		}
	}
	pubsub := s.pubsub
	s.mu.Unlock()

	if pubsub != nil && len(stale) > 0 {
		if err := pubsub.Unsubscribe(context.Background(), stale...); err != nil {
			s.log.Warn().Err(err).Strs("channels", stale).Msg("Unsubscribe failed")
		} else {
			s.log.Debug().Strs("channels", stale).Msg("Unsubscribed idle channels")
		}
	}
}
