// Package broadcast fans a host's status snapshot out over Redis pub/sub
// for passive observers (§4.2 expansion), adapted from this codebase's
// Redis-backed publish/forwarder pattern.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ronhanson/jobmanager-agent/internal/logging"
)

const defaultChannel = "jobagent.host.status"

// Bus publishes host-status snapshots and, for passive observers such as a
// fleet dashboard, forwards whatever any agent in the fleet publishes.
type Bus interface {
	Publish(ctx context.Context, hostname string, payload []byte) error
	StartForwarder(ctx context.Context, onMsg func(hostname string, payload []byte)) error
	Close() error
}

type redisBus struct {
	log     *logging.Logger
	rdb     *goredis.Client
	channel string
}

// New connects to addr and returns a Bus publishing on channel (or
// defaultChannel if empty). A nil addr is not valid here — callers should
// check config.RedisAddr != "" before calling New, since an agent with no
// Redis configured runs with broadcast disabled entirely (§4.2: the
// Postgres write is authoritative, this is a secondary channel).
func New(addr, channel string, baseLog *logging.Logger) (Bus, error) {
	if addr == "" {
		return nil, fmt.Errorf("broadcast: empty redis address")
	}
	if channel == "" {
		channel = defaultChannel
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisBus{
		log:     baseLog.With("component", "Broadcast"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

// envelope wraps a status payload with the hostname it came from, since the
// forwarder side has no other way to tell which agent published it —
// json.RawMessage keeps the already-marshaled payload bytes as-is instead
// of double-encoding them.
type envelope struct {
	Hostname string          `json:"hostname"`
	Payload  json.RawMessage `json:"payload"`
	SentAt   time.Time       `json:"sent_at"`
}

func (b *redisBus) Publish(ctx context.Context, hostname string, payload []byte) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("broadcast: bus not initialized")
	}
	env := envelope{Hostname: hostname, Payload: json.RawMessage(payload), SentAt: time.Now().UTC()}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *redisBus) StartForwarder(ctx context.Context, onMsg func(hostname string, payload []byte)) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("broadcast: bus not initialized")
	}
	if onMsg == nil {
		return fmt.Errorf("broadcast: onMsg callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					b.log.Warn("bad broadcast payload", "error", err)
					continue
				}
				onMsg(env.Hostname, env.Payload)
			}
		}
	}()

	return nil
}

func (b *redisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
