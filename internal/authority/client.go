// Package authority submits encrypted invoice payloads to the tax
// authority and classifies the response.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"invoicegate.org/internal/faults"
	"invoicegate.org/internal/obs"
)

const maxResponseBytes = 1 << 20

// Config points the client at the authority submit endpoint.
type Config struct {
	Endpoint  string
	APIKey    string
	APISecret []byte
	Timeout   time.Duration
	TokenTTL  time.Duration
}

// Request is one submission attempt.
type Request struct {
	TransmissionID string
	OrganizationID string
	IRN            string
	KeyID          string
	Ciphertext     []byte
	Attempt        int
}

// Response is what came back, populated even when Submit returns an error
// so callers can read RetryAfter and the status code.
type Response struct {
	StatusCode int           `json:"status_code"`
	Reference  string        `json:"reference,omitempty"`
	Body       []byte        `json:"-"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Latency    time.Duration `json:"latency"`
}

type submitBody struct {
	TransmissionID string `json:"transmission_id"`
	IRN            string `json:"irn"`
	KeyID          string `json:"key_id"`
	Ciphertext     string `json:"ciphertext"`
	Attempt        int    `json:"attempt"`
}

type submitReply struct {
	Reference string `json:"reference"`
	Message   string `json:"message"`
	Error     string `json:"error"`
}

// Client talks to the authority over HTTP.
type Client struct {
	cfg  Config
	http *http.Client
	now  func() time.Time
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("authority: endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 2 * time.Minute
	}
	c := &Client{cfg: cfg, http: &http.Client{}, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Submit posts one attempt under the configured deadline. Transport and
// status failures are returned as *faults.Error with a classified kind.
func (c *Client) Submit(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(submitBody{
		TransmissionID: req.TransmissionID,
		IRN:            req.IRN,
		KeyID:          req.KeyID,
		Ciphertext:     string(req.Ciphertext),
		Attempt:        req.Attempt,
	})
	if err != nil {
		return Response{}, faults.E(faults.KindInternal, "encode submission", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Response{}, faults.E(faults.KindValidation, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.TransmissionID)
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("X-API-Key", c.cfg.APIKey)
	}
	if len(c.cfg.APISecret) > 0 {
		token, err := c.assertion(req.OrganizationID)
		if err != nil {
			return Response{}, faults.E(faults.KindAuthentication, "sign assertion", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := c.now()
	resp, err := c.http.Do(httpReq)
	latency := c.now().Sub(start)
	obs.AuthorityLatency.Observe(latency.Seconds())
	if err != nil {
		return Response{Latency: latency}, transportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{StatusCode: resp.StatusCode, Latency: latency}, transportError(ctx, err)
	}
	out := Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		Latency:    latency,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
	}
	var reply submitReply
	_ = json.Unmarshal(body, &reply)
	out.Reference = reply.Reference

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return out, nil
	}
	return out, statusError(resp.StatusCode, reply, body)
}

func (c *Client) assertion(org string) (string, error) {
	now := c.now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    c.cfg.APIKey,
		Subject:   org,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.cfg.TokenTTL)),
		ID:        uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.cfg.APISecret)
}

func transportError(ctx context.Context, err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return faults.E(faults.KindTimeout, "authority request timed out", err)
	case errors.As(err, &ne) && ne.Timeout():
		return faults.E(faults.KindTimeout, "authority request timed out", err)
	}
	return faults.E(faults.KindNetwork, "authority unreachable", err)
}

func statusError(code int, reply submitReply, body []byte) error {
	msg := reply.Message
	if msg == "" {
		msg = reply.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
	}
	text := fmt.Sprintf("authority returned %d", code)
	if msg != "" {
		text += ": " + msg
	}
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return faults.E(faults.KindAuthentication, text, nil)
	case code == http.StatusTooManyRequests:
		return faults.E(faults.KindRateLimited, text, nil)
	case code == http.StatusRequestTimeout:
		return faults.E(faults.KindTimeout, text, nil)
	case code >= 500:
		return faults.E(faults.KindAuthority, text, nil)
	}
	return faults.E(faults.KindValidation, text, nil)
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
