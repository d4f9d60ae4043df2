package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"autotrade/internal/infrastructure/auth"
)

// Waiter admits one outbound call; satisfied by *ratelimit.Limiter.
type Waiter interface {
	Wait(ctx context.Context) error
}

// TokenSource supplies and force-refreshes the bearer credential; satisfied
// by *auth.TokenManager.
type TokenSource interface {
	Credential(ctx context.Context) (auth.Session, error)
	Refresh(ctx context.Context, stale auth.Session) (auth.Session, error)
}

// Observer receives call outcomes, e.g. for Prometheus counters.
type Observer interface {
	ObserveCall(op string, outcome string, elapsed time.Duration)
	ObserveRetry(op string, reason string)
}

type Config struct {
	BaseURL         string
	Timeout         time.Duration
	Retry           RetryConfig
	SignatureHeader string      // defaults to "hashkey"
	StaticHeaders   http.Header // sent on every request (appkey, custtype...)
}

type Request struct {
	Op      string // short name for logs and metrics
	Method  string
	Path    string
	Query   url.Values
	Body    any
	Headers http.Header
	Signed  bool // attach the integrity token over the JSON body
	Public  bool // no bearer credential (token acquisition itself)
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithSleep(fn SleepFunc) Option { return func(c *Client) { c.sleep = fn } }

func WithObserver(o Observer) Option { return func(c *Client) { c.observer = o } }

// Client is the single path for every REST call: it rate-limits, injects the
// credential, signs, and classifies and retries failures.
type Client struct {
	cfg      Config
	http     *http.Client
	limiter  Waiter
	signer   Signer
	tokens   TokenSource
	sleep    SleepFunc
	observer Observer
}

func New(cfg Config, limiter Waiter, signer Signer, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "hashkey"
	}
	if cfg.Retry.InitialDelay <= 0 {
		cfg.Retry.InitialDelay = DefaultRetryConfig.InitialDelay
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = DefaultRetryConfig.MaxDelay
	}
	if cfg.Retry.MaxRetries < 0 {
		cfg.Retry.MaxRetries = 0
	}
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		signer:  signer,
		sleep:   Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UseTokens sets the credential source. The token manager itself acquires
// through this client, so it is attached after construction.
func (c *Client) UseTokens(ts TokenSource) { c.tokens = ts }

// Do executes req. Transient failures (429, 5xx, network) are retried with
// doubling backoff up to Retry.MaxRetries; 401/403 forces a single credential
// refresh and one more attempt; any other 4xx fails immediately.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	op := req.Op
	if op == "" {
		op = req.Method + " " + req.Path
	}

	var body []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode body: %w", op, err)
		}
		body = b
	}

	start := time.Now()
	backoff := NewBackoff(c.cfg.Retry)
	retries := 0
	attempts := 0
	authRetried := false
	var session auth.Session

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		if !req.Public {
			if c.tokens == nil {
				return nil, c.fail(op, start, &APIError{Kind: KindAuth, Op: op, Attempts: attempts, Message: "no credential source"})
			}
			s, err := c.tokens.Credential(ctx)
			if err != nil && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if err != nil {
				return nil, c.fail(op, start, &APIError{Kind: KindAuth, Op: op, Attempts: attempts, Err: err})
			}
			session = s
		}

		attempts++
		resp, err := c.send(ctx, req, body, session)

		var kind Kind
		var status int
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			kind = KindTransientServer
		} else {
			status = resp.Status
			kind = classify(status)
		}

		switch kind {
		case 0:
			c.observe(op, "ok", start)
			return resp, nil

		case KindRateLimited, KindTransientServer:
			if retries >= c.cfg.Retry.MaxRetries {
				return nil, c.fail(op, start, &APIError{
					Kind:     KindTransientServer,
					Op:       op,
					Status:   status,
					Attempts: attempts,
					Message:  snippet(resp),
					Err:      err,
				})
			}
			retries++
			delay := backoff.Next()
			reason := kind.String()
			if err != nil {
				reason = "network"
			}
			if c.observer != nil {
				c.observer.ObserveRetry(op, reason)
			}
			log.Warn().Str("op", op).Int("status", status).Err(err).
				Int("retry", retries).Dur("delay", delay).Msg("transient failure, backing off")
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}

		case KindAuth:
			if req.Public || authRetried || c.tokens == nil {
				return nil, c.fail(op, start, &APIError{Kind: KindAuth, Op: op, Status: status, Attempts: attempts, Message: snippet(resp)})
			}
			authRetried = true
			if c.observer != nil {
				c.observer.ObserveRetry(op, "auth")
			}
			log.Warn().Str("op", op).Int("status", status).Msg("credential rejected, refreshing")
			if _, err := c.tokens.Refresh(ctx, session); err != nil {
				return nil, c.fail(op, start, &APIError{Kind: KindAuth, Op: op, Status: status, Attempts: attempts, Err: err})
			}

		default:
			return nil, c.fail(op, start, &APIError{Kind: KindPermanentRequest, Op: op, Status: status, Attempts: attempts, Message: snippet(resp)})
		}
	}
}

func (c *Client) send(ctx context.Context, req *Request, body []byte, session auth.Session) (*Response, error) {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, u, rd)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.cfg.StaticHeaders {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	if body != nil {
		hr.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if !req.Public && session.Token != "" {
		hr.Header.Set("Authorization", "Bearer "+session.Token)
	}
	if req.Signed && c.signer != nil {
		payload := body
		if payload == nil {
			payload = []byte{}
		}
		hr.Header.Set(c.cfg.SignatureHeader, c.signer.Sign(payload))
	}

	hresp, err := c.http.Do(hr)
	if err != nil {
		return nil, err
	}
	defer hresp.Body.Close()
	data, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{Status: hresp.StatusCode, Header: hresp.Header, Body: data}, nil
}

func (c *Client) fail(op string, start time.Time, err *APIError) error {
	c.observe(op, err.Kind.String(), start)
	log.Error().Str("op", op).Str("kind", err.Kind.String()).Int("status", err.Status).
		Int("attempts", err.Attempts).Msg(err.Error())
	return err
}

func (c *Client) observe(op, outcome string, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveCall(op, outcome, time.Since(start))
	}
}

func snippet(resp *Response) string {
	if resp == nil {
		return ""
	}
	s := strings.TrimSpace(string(resp.Body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// IsRetryable reports whether err is a transient outcome.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientServer) || errors.Is(err, ErrRateLimited)
}
