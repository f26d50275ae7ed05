// Package notify publishes bot lifecycle events to a Redis channel.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	TypeGameStart        = "game_start"
	TypeGameFinish       = "game_finish"
	TypeChallengeAccept  = "challenge_accept"
	TypeChallengeDecline = "challenge_decline"

	recentLimit = 100
	recentTTL   = 24 * time.Hour
)

type Event struct {
	Type        string    `json:"type"`
	RunID       string    `json:"run_id,omitempty"`
	GameID      string    `json:"game_id,omitempty"`
	ChallengeID string    `json:"challenge_id,omitempty"`
	Opponent    string    `json:"opponent,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Result      string    `json:"result,omitempty"`
	At          time.Time `json:"at"`
}

// Publisher is fire-and-forget: failures are logged by the implementation.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	runID   string
	logger  *zap.Logger
}

// NewRedisPublisher connects to redisURL (redis:// or rediss://) and verifies
// the connection with PING.
func NewRedisPublisher(ctx context.Context, redisURL, channel, runID string, logger *zap.Logger) (*RedisPublisher, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("redis url required for notifications")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(rdb, channel, runID, logger), nil
}

func NewWithClient(rdb *redis.Client, channel, runID string, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{rdb: rdb, channel: channel, runID: runID, logger: logger}
}

func (p *RedisPublisher) recentKey() string { return p.channel + ":recent" }

// Publish sends ev on the channel and keeps the last events in a capped list.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if ev.RunID == "" {
		ev.RunID = p.runID
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("notify_marshal_failed", zap.Error(err))
		return
	}
	pipe := p.rdb.TxPipeline()
	pipe.Publish(ctx, p.channel, raw)
	pipe.LPush(ctx, p.recentKey(), raw)
	pipe.LTrim(ctx, p.recentKey(), 0, recentLimit-1)
	pipe.Expire(ctx, p.recentKey(), recentTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.Warn("notify_publish_failed", zap.String("type", ev.Type), zap.Error(err))
	}
}

func (p *RedisPublisher) Close() error {
	if p == nil || p.rdb == nil {
		return nil
	}
	return p.rdb.Close()
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
