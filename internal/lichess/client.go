package lichess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Client is the single point of contact with the lichess API. Requests and
// stream reconnects share one RetryPolicy.
type Client struct {
	baseURL string
	token   string
	http    *fasthttp.Client
	stream  *fasthttp.Client
	logger  *zap.Logger

	defaultTimeout time.Duration
	// streamIdle is the longest a stream may stay silent, keepalives included.
	streamIdle time.Duration
	retry      RetryPolicy
	userAgent  atomic.Pointer[string]
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) {
		c.http.MaxConnsPerHost = n
		c.stream.MaxConnsPerHost = n
	}
}

// WithStreamIdleTimeout sets how long a stream may go without any line before
// it is treated as dead and reconnected. Zero disables the check.
func WithStreamIdleTimeout(d time.Duration) Option {
	return func(c *Client) { c.streamIdle = d }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &fasthttp.Client{ReadTimeout: 30 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		// streams stay open for the whole game or process lifetime
		stream:         &fasthttp.Client{StreamResponseBody: true, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		logger:         zap.NewNop(),
		defaultTimeout: 30 * time.Second,
		streamIdle:     defaultStreamIdle,
		retry:          DefaultRetryPolicy(),
	}
	c.stream.Dial = c.dialStream
	for _, opt := range opts {
		opt(c)
	}
	ua := "cheese-lichess-bot"
	c.userAgent.Store(&ua)
	return c
}

// lichess writes a keepalive line roughly every 6 seconds.
const defaultStreamIdle = 20 * time.Second

// dialStream gives stream connections a read deadline that moves with every
// read, so a reader blocked on a half-open connection is released.
func (c *Client) dialStream(addr string) (net.Conn, error) {
	conn, err := fasthttp.DialTimeout(addr, 10*time.Second)
	if err != nil || c.streamIdle <= 0 {
		return conn, err
	}
	return &idleConn{Conn: conn, idle: 2 * c.streamIdle}, nil
}

type idleConn struct {
	net.Conn
	idle time.Duration
}

func (ic *idleConn) Read(p []byte) (int, error) {
	if err := ic.Conn.SetReadDeadline(time.Now().Add(ic.idle)); err != nil {
		return 0, err
	}
	return ic.Conn.Read(p)
}

// SetUsername appends the account name to the user agent once it is known.
func (c *Client) SetUsername(username string) {
	ua := "cheese-lichess-bot user:" + username
	c.userAgent.Store(&ua)
}

func (c *Client) prepare(req *fasthttp.Request, method, path string) {
	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.SetUserAgent(*c.userAgent.Load())
}

// do performs one logical request. form, when non-nil, is sent as an
// urlencoded body. out, when non-nil, receives the decoded JSON response.
func (c *Client) do(ctx context.Context, method, path string, form *fasthttp.Args, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	c.prepare(req, method, path)
	if form != nil {
		req.Header.SetContentType("application/x-www-form-urlencoded")
		req.SetBody(form.QueryString())
	}

	r := c.retry.start()
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		status := 0
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err == nil {
			status = resp.StatusCode()
			if status >= 200 && status < 300 {
				if out != nil {
					if err := json.Unmarshal(resp.Body(), out); err != nil {
						return fmt.Errorf("decode %s: %w", path, err)
					}
				}
				return nil
			}
			se := &StatusError{Code: status, Body: truncate(string(resp.Body()), 512)}
			if !retryableStatus(status) {
				return se
			}
			lastErr = se
		} else {
			lastErr = fmt.Errorf("request %s %s: %w", method, path, err)
		}

		wait, ok := r.after(status)
		if !ok {
			return fmt.Errorf("%w: %s %s: %w", ErrGaveUp, method, path, lastErr)
		}
		c.logger.Debug("request_retry",
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("wait", wait),
			zap.Error(lastErr),
		)
		if err := sleepWithContext(ctx, wait); err != nil {
			return errors.Join(err, lastErr)
		}
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, fasthttp.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, form *fasthttp.Args) error {
	return c.do(ctx, fasthttp.MethodPost, path, form, nil)
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}
