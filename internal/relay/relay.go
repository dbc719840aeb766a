// Package relay forwards chat broadcasts between server instances over redis
// pub/sub. Each instance publishes what its own sessions send and delivers
// what the others publish to its local connections.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DeliverFunc hands a relayed payload to the local broadcast path.
type DeliverFunc func(chatID int64, payload []byte)

type envelope struct {
	Origin  string          `json:"origin"`
	ChatID  int64           `json:"chat_id"`
	Payload json.RawMessage `json:"payload"`
}

// Relay publishes and consumes broadcast envelopes on one channel.
type Relay struct {
	rdb     *redis.Client
	channel string
	node    string
	log     *slog.Logger
}

// New returns a relay with a fresh node id.
func New(rdb *redis.Client, channel string, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{rdb: rdb, channel: channel, node: uuid.NewString(), log: log}
}

// Dial connects to addr and checks the connection.
func Dial(ctx context.Context, addr, channel string, log *slog.Logger) (*Relay, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return New(rdb, channel, log), nil
}

// Node identifies this instance in published envelopes.
func (r *Relay) Node() string { return r.node }

// Publish announces a payload that was already delivered locally.
func (r *Relay) Publish(ctx context.Context, chatID int64, payload []byte) error {
	body, err := json.Marshal(envelope{Origin: r.node, ChatID: chatID, Payload: payload})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, body).Err()
}

// Run consumes the channel until ctx is done.
func (r *Relay) Run(ctx context.Context, deliver DeliverFunc) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.log.Info("relay subscribed", "channel", r.channel, "node", r.node)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg, deliver)
		}
	}
}

// handle reports whether msg was delivered locally. Envelopes this node sent
// itself are skipped.
func (r *Relay) handle(msg *redis.Message, deliver DeliverFunc) bool {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		r.log.Warn("relay: dropping malformed envelope", "error", err)
		return false
	}
	if env.Origin == r.node || env.ChatID == 0 {
		return false
	}
	deliver(env.ChatID, env.Payload)
	return true
}

// Close releases the redis client.
func (r *Relay) Close() error {
	return r.rdb.Close()
}
