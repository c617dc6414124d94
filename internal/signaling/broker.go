package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	redisclient "github.com/talkwire/callcore/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second

	// EventSnapshot carries a full call-record snapshot.
	EventSnapshot = "snapshot"
	// EventIncomingCall carries a wake payload for a ringing call.
	EventIncomingCall = "incoming_call"
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Subscriber struct {
	Topic  string
	Events chan Event
	Done   chan struct{}
}

// Broker fans Redis pub/sub traffic out to in-process subscribers. One Redis
// subscription is held per topic while any local subscriber is attached;
// topics are per-call, so the redis side is released as soon as the last
// subscriber detaches rather than lingering until Close.
type Broker struct {
	redis  *redisclient.Client
	topics map[string]*brokerTopic
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

type brokerTopic struct {
	subs   map[*Subscriber]bool
	cancel context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:  redisClient,
		topics: make(map[string]*brokerTopic),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *Broker) Subscribe(topic string) *Subscriber {
	sub := &Subscriber{
		Topic:  topic,
		Events: make(chan Event, 100),
		Done:   make(chan struct{}),
	}

	b.mu.Lock()
	t := b.topics[topic]
	if t == nil {
		topicCtx, topicCancel := context.WithCancel(b.ctx)
		t = &brokerTopic{subs: make(map[*Subscriber]bool), cancel: topicCancel}
		b.topics[topic] = t
		go b.subscribeToRedis(topicCtx, topic)
	}
	t.subs[sub] = true
	count := len(t.subs)
	b.mu.Unlock()

	log.Debug().
		Str("topic", topic).
		Int("subscriberCount", count).
		Msg("broker subscriber attached")

	return sub
}

func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sub.Topic]
	if !ok || !t.subs[sub] {
		return
	}
	delete(t.subs, sub)
	close(sub.Done)

	if len(t.subs) == 0 {
		delete(b.topics, sub.Topic)
		t.cancel()
	}

	log.Debug().
		Str("topic", sub.Topic).
		Int("subscriberCount", len(t.subs)).
		Msg("broker subscriber detached")
}

func (b *Broker) Publish(ctx context.Context, topic string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, topic, data).Err()
}

func (b *Broker) subscribeToRedis(ctx context.Context, topic string) {
	pubsub := b.redis.Subscribe(ctx, topic)
	defer pubsub.Close()

	log.Debug().
		Str("topic", topic).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal broker event")
				continue
			}

			b.broadcast(topic, event)
		}
	}
}

func (b *Broker) broadcast(topic string, event Event) {
	b.mu.RLock()
	var subs []*Subscriber
	if t, ok := b.topics[topic]; ok {
		for sub := range t.subs {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.Events <- event:
		default:
			log.Warn().
				Str("topic", topic).
				Msg("subscriber event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range b.topics {
		t.cancel()
		for sub := range t.subs {
			close(sub.Done)
		}
	}
	b.topics = make(map[string]*brokerTopic)
}

func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.topics[topic]; ok {
		return len(t.subs)
	}
	return 0
}
