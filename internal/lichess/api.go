package lichess

import (
	"context"
	"net/url"
	"strconv"

	"github.com/valyala/fasthttp"
)

// Account fetches the identity behind the token.
func (c *Client) Account(ctx context.Context) (Account, error) {
	var a Account
	if err := c.get(ctx, "/api/account", &a); err != nil {
		return Account{}, err
	}
	return a, nil
}

// Playing returns the ids of the account's ongoing games.
func (c *Client) Playing(ctx context.Context) ([]string, error) {
	var out struct {
		NowPlaying []struct {
			GameID string `json:"gameId"`
		} `json:"nowPlaying"`
	}
	if err := c.get(ctx, "/api/account/playing", &out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.NowPlaying))
	for _, g := range out.NowPlaying {
		ids = append(ids, g.GameID)
	}
	return ids, nil
}

func (c *Client) UpgradeToBot(ctx context.Context) error {
	return c.post(ctx, "/api/bot/account/upgrade", nil)
}

func (c *Client) AcceptChallenge(ctx context.Context, id string) error {
	return c.post(ctx, "/api/challenge/"+url.PathEscape(id)+"/accept", nil)
}

func (c *Client) DeclineChallenge(ctx context.Context, id string, reason DeclineReason) error {
	form := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(form)
	form.Set("reason", string(reason))
	return c.post(ctx, "/api/challenge/"+url.PathEscape(id)+"/decline", form)
}

func (c *Client) CancelChallenge(ctx context.Context, id string) error {
	return c.post(ctx, "/api/challenge/"+url.PathEscape(id)+"/cancel", nil)
}

func (c *Client) AbortGame(ctx context.Context, id string) error {
	return c.post(ctx, "/api/bot/game/"+url.PathEscape(id)+"/abort", nil)
}

func (c *Client) ResignGame(ctx context.Context, id string) error {
	return c.post(ctx, "/api/bot/game/"+url.PathEscape(id)+"/resign", nil)
}

func (c *Client) ClaimVictory(ctx context.Context, id string) error {
	return c.post(ctx, "/api/bot/game/"+url.PathEscape(id)+"/claim-victory", nil)
}

// MakeMove submits a UCI move, optionally offering a draw with it.
func (c *Client) MakeMove(ctx context.Context, id, uci string, offerDraw bool) error {
	path := "/api/bot/game/" + url.PathEscape(id) + "/move/" + url.PathEscape(uci) +
		"?offeringDraw=" + strconv.FormatBool(offerDraw)
	return c.post(ctx, path, nil)
}

// CreateChallenge challenges req.Username with a random color.
func (c *Client) CreateChallenge(ctx context.Context, req ChallengeRequest) error {
	form := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(form)
	form.Set("rated", strconv.FormatBool(req.Rated))
	form.SetUint("clock.limit", req.Initial)
	form.SetUint("clock.increment", req.Increment)
	form.Set("variant", req.Variant)
	form.Set("color", "random")
	return c.post(ctx, "/api/challenge/"+url.PathEscape(req.Username), form)
}
