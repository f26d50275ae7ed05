package lichess

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLines(w http.ResponseWriter, lines ...string) {
	for _, l := range lines {
		fmt.Fprintln(w, l)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func TestParseAccountEvent(t *testing.T) {
	ev, err := ParseAccountEvent([]byte("  "))
	require.NoError(t, err)
	assert.Equal(t, EventPing, ev.Type)

	ev, err = ParseAccountEvent([]byte(`{"type":"challenge","challenge":{"id":"c1","challenger":{"id":"a","name":"A","title":"BOT","rating":1800},"variant":{"key":"standard"},"rated":true,"speed":"blitz","timeControl":{"type":"clock","limit":300,"increment":3}}}`))
	require.NoError(t, err)
	require.NotNil(t, ev.Challenge)
	assert.Equal(t, "c1", ev.Challenge.ID)
	assert.True(t, ev.Challenge.Challenger.IsBot())
	assert.Equal(t, 300, ev.Challenge.TimeControl.Limit)

	ev, err = ParseAccountEvent([]byte(`{"type":"gameStart","game":{"gameId":"g1","color":"white","status":{"id":20,"name":"started"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "g1", ev.Game.Key())
	assert.Equal(t, StatusStarted, ev.Game.Status)

	_, err = ParseAccountEvent([]byte(`{"type":"gameStart"}`))
	assert.Error(t, err)
}

func TestParseGameEvent(t *testing.T) {
	ev, err := ParseGameEvent([]byte(`{"type":"gameFull","id":"g1","variant":{"key":"standard"},"white":{"id":"me","name":"Me","title":"BOT"},"black":{"aiLevel":3},"initialFen":"startpos","state":{"type":"gameState","moves":"e2e4 e7e5","wtime":60000,"btime":59000,"winc":1000,"binc":1000,"status":"started"}}`))
	require.NoError(t, err)
	require.NotNil(t, ev.Full)
	assert.Equal(t, []string{"e2e4", "e7e5"}, ev.Full.State.MoveList())
	assert.Equal(t, int64(59000), ev.Full.State.BTime)
	assert.Equal(t, "Stockfish level 3", ev.Full.Black.Display())

	ev, err = ParseGameEvent([]byte(`{"type":"gameState","moves":"e2e4","status":"somethingNew","winner":"black"}`))
	require.NoError(t, err)
	assert.Equal(t, StatusUnknownFinish, ev.State.Status)
	assert.True(t, ev.State.Status.Terminal())

	ev, err = ParseGameEvent([]byte(`{"type":"opponentGone","gone":true,"claimWinInSeconds":0}`))
	require.NoError(t, err)
	assert.True(t, ev.Opponent.CanClaimWin())

	ev, err = ParseGameEvent([]byte(`{"type":"opponentGone","gone":true,"claimWinInSeconds":12}`))
	require.NoError(t, err)
	assert.False(t, ev.Opponent.CanClaimWin())
}

func TestStreamEventsSynthesizesPingsAndReconnects(t *testing.T) {
	var conns atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch conns.Add(1) {
		case 1:
			writeLines(w, `{"type":"challenge","challenge":{"id":"c1","challenger":{"name":"A"}}}`, "", `not json`)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			writeLines(w, `{"type":"gameStart","game":{"gameId":"g1"}}`)
		}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var types []AccountEventType
	for ev, err := range c.StreamEvents(ctx) {
		require.NoError(t, err)
		types = append(types, ev.Type)
		if ev.Type == EventGameStart {
			break
		}
	}
	assert.Equal(t, []AccountEventType{EventChallenge, EventPing, EventGameStart}, types)
	assert.GreaterOrEqual(t, conns.Load(), int32(3))
}

func TestStreamEventsStopsOnUnauthorized(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	var lastErr error
	for _, err := range c.StreamEvents(context.Background()) {
		lastErr = err
	}
	require.Error(t, lastErr)
	assert.True(t, IsClientError(lastErr))
}

func TestStreamEventsGivesUp(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	var lastErr error
	for _, err := range c.StreamEvents(context.Background()) {
		lastErr = err
	}
	assert.True(t, errors.Is(lastErr, ErrGaveUp))
}

func TestStreamEventsReconnectsSilentStream(t *testing.T) {
	var opens atomic.Int32
	quit := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		opens.Add(1)
		writeLines(w, "")
		select {
		case <-r.Context().Done():
		case <-quit:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(quit) })
	c := NewClient(srv.URL, "tok",
		WithRetryPolicy(fastPolicy()),
		WithTimeout(2*time.Second),
		WithStreamIdleTimeout(200*time.Millisecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := 0
	for ev, err := range c.StreamEvents(ctx) {
		require.NoError(t, err)
		assert.Equal(t, EventPing, ev.Type)
		events++
		if events == 2 {
			break
		}
	}
	assert.Equal(t, 2, events)
	assert.GreaterOrEqual(t, opens.Load(), int32(2))
}

func TestStreamGameReconnectsWhileGameIsOngoing(t *testing.T) {
	var opens atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/bot/game/stream/g1", func(w http.ResponseWriter, r *http.Request) {
		if opens.Add(1) == 1 {
			writeLines(w, `{"type":"gameState","moves":"e2e4","status":"started"}`)
			return
		}
		writeLines(w, `{"type":"gameState","moves":"e2e4 e7e5","status":"mate","winner":"white"}`)
	})
	mux.HandleFunc("/api/account/playing", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"nowPlaying":[{"gameId":"g1"}]}`)
	})
	c := newTestClient(t, mux)

	var statuses []Status
	for ev, err := range c.StreamGame(context.Background(), "g1") {
		require.NoError(t, err)
		statuses = append(statuses, ev.State.Status)
	}
	assert.Equal(t, []Status{StatusStarted, StatusMate}, statuses)
	assert.Equal(t, int32(2), opens.Load())
}

func TestStreamGameEndsWhenClosedGameIsOver(t *testing.T) {
	var opens atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/bot/game/stream/g1", func(w http.ResponseWriter, r *http.Request) {
		opens.Add(1)
		writeLines(w, `{"type":"gameState","moves":"e2e4","status":"started"}`)
	})
	mux.HandleFunc("/api/account/playing", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"nowPlaying":[]}`)
	})
	c := newTestClient(t, mux)

	n := 0
	for _, err := range c.StreamGame(context.Background(), "g1") {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), opens.Load())
}

func TestStreamGameEndsOnServerClose(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/bot/game/stream/g1", r.URL.Path)
		writeLines(w,
			`{"type":"gameFull","id":"g1","state":{"moves":"","status":"started"}}`,
			"",
			`{"type":"gameState","moves":"e2e4","status":"resign","winner":"white"}`,
		)
	}))
	var types []GameEventType
	for ev, err := range c.StreamGame(context.Background(), "g1") {
		require.NoError(t, err)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []GameEventType{GameFull, GamePing, GameStateUpdate}, types)
}

func TestStreamGameAbandonsFinishedGame(t *testing.T) {
	var streamHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/bot/game/stream/g1", func(w http.ResponseWriter, r *http.Request) {
		streamHits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/api/account/playing", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"nowPlaying":[]}`)
	})
	c := newTestClient(t, mux)

	n := 0
	for _, err := range c.StreamGame(context.Background(), "g1") {
		require.NoError(t, err)
		n++
	}
	assert.Zero(t, n)
	assert.Equal(t, int32(1), streamHits.Load())
}

func TestOnlineBots(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/bot/online", r.URL.Path)
		writeLines(w,
			`{"id":"a","username":"A","perfs":{"blitz":{"games":120,"rating":1900}}}`,
			`{"id":"b","username":"B","disabled":true}`,
		)
	}))
	var bots []Bot
	for b, err := range c.OnlineBots(context.Background()) {
		require.NoError(t, err)
		bots = append(bots, b)
	}
	require.Len(t, bots, 2)
	assert.Equal(t, 1900, bots[0].Perfs["blitz"].Rating)
	assert.True(t, bots[1].Disabled)
}
