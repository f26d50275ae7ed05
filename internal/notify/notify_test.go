package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestPublisher(t *testing.T) (*RedisPublisher, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	p, err := NewRedisPublisher(context.Background(), fmt.Sprintf("redis://%s/0", mr.Addr()), "bot:events", "run-1", nil)
	if err != nil {
		t.Fatalf("NewRedisPublisher: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p, mr
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	p, mr := newTestPublisher(t)
	ctx := context.Background()

	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()}).Subscribe(ctx, "bot:events")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	p.Publish(ctx, Event{Type: TypeGameFinish, GameID: "g1", Result: "g1 -- Game aborted."})

	select {
	case msg := <-sub.Channel():
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Type != TypeGameFinish || ev.GameID != "g1" || ev.RunID != "run-1" || ev.At.IsZero() {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no message received")
	}
}

func TestPublishKeepsCappedRecentList(t *testing.T) {
	p, mr := newTestPublisher(t)
	ctx := context.Background()
	for i := 0; i < recentLimit+5; i++ {
		p.Publish(ctx, Event{Type: TypeChallengeDecline, ChallengeID: fmt.Sprintf("c%d", i)})
	}
	items, err := mr.List("bot:events:recent")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != recentLimit {
		t.Fatalf("recent list length = %d, want %d", len(items), recentLimit)
	}
	var newest Event
	if err := json.Unmarshal([]byte(items[0]), &newest); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if newest.ChallengeID != fmt.Sprintf("c%d", recentLimit+4) {
		t.Fatalf("newest = %+v", newest)
	}
}

func TestNewRedisPublisherRejectsBadURL(t *testing.T) {
	if _, err := NewRedisPublisher(context.Background(), "http://localhost:6379", "x", "", nil); err == nil {
		t.Fatalf("expected scheme error")
	}
}
