// Package redisstore implements settings.RemoteStore on Redis.
//
// The configuration document lives under a single key as JSON; the push
// channel is a Redis Pub/Sub channel that Upsert publishes the new document
// to. Readers that miss publishes (network partition, trimmed backlog) are
// reconciled by the sync machine's polling fallback.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/waypoint/internal/settings"
)

// Store is a settings.RemoteStore backed by a Redis client.
type Store struct {
	rdb     *redis.Client
	key     string
	channel string
}

// NewClient builds a Redis client from address and password.
func NewClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password})
}

// New wraps a Redis client. The prefix namespaces the key and channel, so
// one Redis instance can serve many users (prefix per user id).
func New(rdb *redis.Client, prefix string) *Store {
	return &Store{
		rdb:     rdb,
		key:     prefix + ":proximity_config",
		channel: prefix + ":proximity_config:changes",
	}
}

// Read implements settings.RemoteStore. A user that has never written a
// configuration gets settings.Default.
func (s *Store) Read(ctx context.Context) (settings.Config, error) {
	raw, err := s.rdb.Get(ctx, s.key).Result()
	if err == redis.Nil {
		return settings.Default, nil
	}
	if err != nil {
		return settings.Config{}, fmt.Errorf("read configuration: %w", err)
	}

	var cfg settings.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return settings.Config{}, fmt.Errorf("decode configuration: %w", err)
	}
	return cfg, nil
}

// Upsert implements settings.RemoteStore: SET the document, then PUBLISH it
// so connected subscribers converge without polling.
func (s *Store) Upsert(ctx context.Context, cfg settings.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}

	if err := s.rdb.Set(ctx, s.key, raw, 0).Err(); err != nil {
		return fmt.Errorf("write configuration: %w", err)
	}
	if err := s.rdb.Publish(ctx, s.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish configuration change: %w", err)
	}
	return nil
}

// Subscribe implements settings.RemoteStore. The returned subscription is
// confirmed established before Subscribe returns; channel failures after
// that surface on Errs.
func (s *Store) Subscribe(ctx context.Context) (settings.Subscription, error) {
	pubsub := s.rdb.Subscribe(ctx, s.channel)

	// Receive forces the SUBSCRIBE round trip so a dead Redis fails here,
	// not silently on the first missed message.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to configuration changes: %w", err)
	}

	sub := &subscription{
		pubsub:  pubsub,
		updates: make(chan settings.Config, 1),
		errs:    make(chan error, 1),
	}
	go sub.pump()
	return sub, nil
}

type subscription struct {
	pubsub  *redis.PubSub
	updates chan settings.Config
	errs    chan error
}

func (s *subscription) Updates() <-chan settings.Config { return s.updates }
func (s *subscription) Errs() <-chan error              { return s.errs }

func (s *subscription) Close() error {
	return s.pubsub.Close()
}

// pump decodes published documents until the channel dies. ReceiveMessage
// returns an error once the pubsub is closed or the connection drops; that
// error is the subscription's terminal event.
func (s *subscription) pump() {
	defer close(s.updates)

	for {
		msg, err := s.pubsub.ReceiveMessage(context.Background())
		if err != nil {
			select {
			case s.errs <- err:
			default:
			}
			return
		}

		var cfg settings.Config
		if err := json.Unmarshal([]byte(msg.Payload), &cfg); err != nil {
			// A malformed publish is not a channel failure; skip it and
			// let polling reconcile if it was real.
			continue
		}

		select {
		case s.updates <- cfg:
		default:
			// Coalesce: only the newest pending document matters.
			select {
			case <-s.updates:
			default:
			}
			s.updates <- cfg
		}
	}
}
