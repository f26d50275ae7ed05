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

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxElapsed:        300 * time.Millisecond,
		InitialBackoff:    5 * time.Millisecond,
		MaxBackoff:        20 * time.Millisecond,
		Multiplier:        2,
		Jitter:            0,
		RateLimitCooldown: 10 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "tok", WithRetryPolicy(fastPolicy()), WithTimeout(2*time.Second))
}

func TestRetryPolicyBackoffIsCapped(t *testing.T) {
	p := RetryPolicy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.backoff(2))
	assert.Equal(t, 800*time.Millisecond, p.backoff(4))
	assert.Equal(t, time.Second, p.backoff(10))

	p.Jitter = 0.5
	for i := 0; i < 50; i++ {
		d := p.backoff(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.Less(t, d, 150*time.Millisecond)
	}
}

func TestAccountSendsAuthAndDecodes(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/account", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"id":"cheese","username":"Cheese","title":"BOT"}`)
	}))
	acc, err := c.Account(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Cheese", acc.Username)
	assert.True(t, acc.IsBot())
	assert.Equal(t, "BOT Cheese", acc.Name())
}

func TestUserAgentCarriesUsername(t *testing.T) {
	var ua atomic.Value
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.Header.Get("User-Agent"))
	}))
	c.SetUsername("Cheese")
	require.NoError(t, c.UpgradeToBot(context.Background()))
	assert.Equal(t, "cheese-lichess-bot user:Cheese", ua.Load())
}

func TestPostRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	require.NoError(t, c.AcceptChallenge(context.Background(), "abc"))
	assert.Equal(t, int32(3), hits.Load())
}

func TestPostWaitsOutRateLimit(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	require.NoError(t, c.ResignGame(context.Background(), "g1"))
	assert.Equal(t, int32(2), hits.Load())
}

func TestPostDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"challenge already accepted"}`)
	}))
	err := c.AcceptChallenge(context.Background(), "abc")
	require.Error(t, err)
	assert.True(t, IsClientError(err))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Body, "already accepted")
	assert.Equal(t, int32(1), hits.Load())
}

func TestPostGivesUpAfterBudget(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	start := time.Now()
	err := c.AbortGame(context.Background(), "g1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGaveUp))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestMakeMoveAndDeclineEncodeParameters(t *testing.T) {
	type seen struct{ path, query, reason string }
	got := make(chan seen, 2)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		got <- seen{r.URL.Path, r.URL.RawQuery, r.PostForm.Get("reason")}
	}))
	ctx := context.Background()
	require.NoError(t, c.MakeMove(ctx, "g1", "e2e4", true))
	require.NoError(t, c.DeclineChallenge(ctx, "c1", DeclineTooFast))

	mv := <-got
	assert.Equal(t, "/api/bot/game/g1/move/e2e4", mv.path)
	assert.Equal(t, "offeringDraw=true", mv.query)
	dc := <-got
	assert.Equal(t, "/api/challenge/c1/decline", dc.path)
	assert.Equal(t, "tooFast", dc.reason)
}

func TestCreateChallengeForm(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "/api/challenge/OtherBot", r.URL.Path)
		assert.Equal(t, "true", r.PostForm.Get("rated"))
		assert.Equal(t, "180", r.PostForm.Get("clock.limit"))
		assert.Equal(t, "2", r.PostForm.Get("clock.increment"))
		assert.Equal(t, "standard", r.PostForm.Get("variant"))
		assert.Equal(t, "random", r.PostForm.Get("color"))
	}))
	err := c.CreateChallenge(context.Background(), ChallengeRequest{
		Username: "OtherBot", Rated: true, Initial: 180, Increment: 2, Variant: "standard",
	})
	require.NoError(t, err)
}

func TestPlaying(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"nowPlaying":[{"gameId":"g1"},{"gameId":"g2"}]}`)
	}))
	ok, err := c.IsPlaying(context.Background(), "g2")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.IsPlaying(context.Background(), "g3")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestActionEndpoints(t *testing.T) {
	paths := make(chan string, 8)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		paths <- r.URL.Path
	}))
	ctx := context.Background()
	require.NoError(t, c.UpgradeToBot(ctx))
	require.NoError(t, c.AcceptChallenge(ctx, "c1"))
	require.NoError(t, c.CancelChallenge(ctx, "c2"))
	require.NoError(t, c.AbortGame(ctx, "g1"))
	require.NoError(t, c.ResignGame(ctx, "g2"))
	require.NoError(t, c.ClaimVictory(ctx, "g3"))

	want := []string{
		"/api/bot/account/upgrade",
		"/api/challenge/c1/accept",
		"/api/challenge/c2/cancel",
		"/api/bot/game/g1/abort",
		"/api/bot/game/g2/resign",
		"/api/bot/game/g3/claim-victory",
	}
	for _, p := range want {
		assert.Equal(t, p, <-paths)
	}
}
