package lichess

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

type lineResult struct {
	line []byte
	end  bool
	err  error
}

// streamOnce opens path once and calls onLine for each NDJSON line until the
// server closes the body (nil error), the connection fails or goes silent, or
// onLine returns false (stopped=true).
func (c *Client) streamOnce(ctx context.Context, path string, onLine func([]byte) bool) (stopped bool, err error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	c.prepare(req, fasthttp.MethodGet, path)

	err = c.stream.Do(req, resp)
	fasthttp.ReleaseRequest(req)
	if err != nil {
		fasthttp.ReleaseResponse(resp)
		return false, fmt.Errorf("open stream %s: %w", path, err)
	}
	if status := resp.StatusCode(); status < 200 || status >= 300 {
		se := &StatusError{Code: status, Body: truncate(string(resp.Body()), 512)}
		fasthttp.ReleaseResponse(resp)
		return false, se
	}

	lines := make(chan lineResult)
	done := make(chan struct{})
	defer close(done)

	// The pump owns resp. A read blocked when done closes returns at the next
	// line or at the connection's read deadline, after which the pump releases
	// the connection.
	go func() {
		defer func() {
			_ = resp.CloseBodyStream()
			fasthttp.ReleaseResponse(resp)
		}()
		br := bufio.NewReader(resp.BodyStream())
		for {
			line, rerr := br.ReadBytes('\n')
			if len(line) > 0 || rerr == nil {
				select {
				case lines <- lineResult{line: bytes.TrimRight(line, "\r\n")}:
				case <-done:
					return
				}
			}
			if rerr != nil {
				if errors.Is(rerr, io.EOF) {
					rerr = nil
				}
				select {
				case lines <- lineResult{end: true, err: rerr}:
				case <-done:
				}
				return
			}
		}
	}()

	var (
		idle  <-chan time.Time
		timer *time.Timer
	)
	if c.streamIdle > 0 {
		timer = time.NewTimer(c.streamIdle)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-idle:
			return false, fmt.Errorf("read stream %s: %w after %s", path, ErrStreamIdle, c.streamIdle)
		case lr := <-lines:
			if lr.end {
				if lr.err != nil {
					return false, fmt.Errorf("read stream %s: %w", path, lr.err)
				}
				return false, nil
			}
			if !onLine(lr.line) {
				return true, nil
			}
			// time spent by the consumer does not count as silence
			if timer != nil {
				timer.Reset(c.streamIdle)
			}
		}
	}
}

// StreamEvents yields account events forever. Blank keepalive lines are
// yielded as ping events. Disconnects are retried under the client's
// RetryPolicy; the budget restarts whenever a line arrives. The sequence ends
// with a non-nil error when the context is canceled, the server rejects the
// credentials, or the budget is exhausted.
func (c *Client) StreamEvents(ctx context.Context) iter.Seq2[AccountEvent, error] {
	return func(yield func(AccountEvent, error) bool) {
		const path = "/api/stream/event"
		r := c.retry.start()
		for {
			stopped, err := c.streamOnce(ctx, path, func(line []byte) bool {
				r.reset()
				ev, perr := ParseAccountEvent(line)
				if perr != nil {
					c.logger.Warn("stream_event_skip", zap.Error(perr), zap.ByteString("line", line))
					return true
				}
				return yield(ev, nil)
			})
			if stopped && err == nil {
				return
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				yield(AccountEvent{}, ctxErr)
				return
			}
			if err == nil {
				c.logger.Info("stream_event_closed")
				r.reset()
				if serr := sleepWithContext(ctx, c.retry.InitialBackoff); serr != nil {
					yield(AccountEvent{}, serr)
					return
				}
				continue
			}
			if IsClientError(err) {
				yield(AccountEvent{}, err)
				return
			}
			var se *StatusError
			status := 0
			if errors.As(err, &se) {
				status = se.Code
			}
			wait, ok := r.after(status)
			if !ok {
				yield(AccountEvent{}, fmt.Errorf("%w: %s: %w", ErrGaveUp, path, err))
				return
			}
			c.logger.Warn("stream_event_reconnect", zap.Duration("wait", wait), zap.Error(err))
			if serr := sleepWithContext(ctx, wait); serr != nil {
				yield(AccountEvent{}, serr)
				return
			}
		}
	}
}

// StreamGame yields the events of one game. The sequence ends without an
// error once the game has concluded: a terminal status was streamed, the
// server answered 404, or the game is no longer among the account's ongoing
// games after the stream closed or failed. It ends with an error when the
// retry budget is exhausted or the context is canceled.
func (c *Client) StreamGame(ctx context.Context, gameID string) iter.Seq2[GameEvent, error] {
	return func(yield func(GameEvent, error) bool) {
		path := "/api/bot/game/stream/" + gameID
		log := c.logger.With(zap.String("game_id", gameID))
		r := c.retry.start()
		finished := false
		for {
			stopped, err := c.streamOnce(ctx, path, func(line []byte) bool {
				r.reset()
				ev, perr := ParseGameEvent(line)
				if perr != nil {
					log.Warn("stream_game_skip", zap.Error(perr), zap.ByteString("line", line))
					return true
				}
				if ev.terminal() {
					finished = true
				}
				return yield(ev, nil)
			})
			if stopped && err == nil {
				return
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				yield(GameEvent{}, ctxErr)
				return
			}
			if err == nil && finished {
				return
			}
			if IsNotFound(err) {
				log.Info("stream_game_gone")
				return
			}
			// a close or failure before the game concluded: reconnect while it is ongoing
			if playing, perr := c.IsPlaying(ctx, gameID); perr == nil && !playing {
				log.Info("stream_game_abandoned", zap.Error(err))
				return
			}
			var se *StatusError
			status := 0
			if errors.As(err, &se) {
				status = se.Code
			}
			if status != 0 && !retryableStatus(status) {
				yield(GameEvent{}, err)
				return
			}
			wait, ok := r.after(status)
			if !ok {
				if err == nil {
					err = errors.New("stream closed")
				}
				yield(GameEvent{}, fmt.Errorf("%w: %s: %w", ErrGaveUp, path, err))
				return
			}
			log.Warn("stream_game_reconnect", zap.Duration("wait", wait), zap.Error(err))
			if serr := sleepWithContext(ctx, wait); serr != nil {
				yield(GameEvent{}, serr)
				return
			}
		}
	}
}

// OnlineBots yields the bots currently online, once, without reconnecting.
func (c *Client) OnlineBots(ctx context.Context) iter.Seq2[Bot, error] {
	return func(yield func(Bot, error) bool) {
		var decodeErr error
		_, err := c.streamOnce(ctx, "/api/bot/online", func(line []byte) bool {
			if len(bytes.TrimSpace(line)) == 0 {
				return true
			}
			var b Bot
			if decodeErr = json.Unmarshal(line, &b); decodeErr != nil {
				return false
			}
			return yield(b, nil)
		})
		if err == nil {
			err = decodeErr
		}
		if err != nil {
			yield(Bot{}, err)
		}
	}
}

// IsPlaying reports whether gameID is among the account's ongoing games.
func (c *Client) IsPlaying(ctx context.Context, gameID string) (bool, error) {
	ids, err := c.Playing(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(ids, gameID), nil
}
