// Package webhook posts each due message as JSON to a push gateway.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"nudge/internal/message"
	"nudge/internal/transport"
	logx "nudge/pkg/logx"
)

type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
	// RatePerSec caps outgoing requests; 0 means unlimited.
	RatePerSec float64
	Burst      int
	Site       string
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[transport.Receipt]
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("webhook url is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(cfg.Burst, 1))
	}
	log = log.With(logx.String("comp", "transport.webhook"))
	cb := gobreaker.NewCircuitBreaker[transport.Receipt](gobreaker.Settings{
		Name:        "webhook",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures > 5 },
		// A rejected message says nothing about the gateway's health.
		IsSuccessful: func(err error) bool { return err == nil || errors.Is(err, transport.ErrRejected) },
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: lim,
		breaker: cb,
		log:     log,
	}, nil
}

func (c *Client) Name() string { return "webhook" }

func (c *Client) Deliver(ctx context.Context, m *message.Message) (transport.Receipt, error) {
	body, err := json.Marshal(transport.PayloadOf(m, c.cfg.Site))
	if err != nil {
		return transport.Receipt{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return transport.Receipt{}, err
	}
	return c.breaker.Execute(func() (transport.Receipt, error) {
		return c.post(ctx, body, m.ID)
	})
}

func (c *Client) post(ctx context.Context, body []byte, id string) (transport.Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return transport.Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", id)
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return transport.Receipt{}, err
	}
	defer resp.Body.Close()
	text, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	answer := strings.TrimSpace(fmt.Sprintf("%d %s", resp.StatusCode, bytes.TrimSpace(text)))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return transport.Receipt{Response: answer}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return transport.Receipt{}, fmt.Errorf("webhook: %s", answer)
	default:
		return transport.Receipt{}, fmt.Errorf("%w: %s", transport.ErrRejected, answer)
	}
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
