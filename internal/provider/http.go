package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Cypherspark/campaign-dispatcher/internal/metrics"
	"github.com/sony/gobreaker/v2"
)

// HTTP posts messages to a remote sending API at <BaseURL>/<attempt id>
// with a bearer token. Calls go through a circuit breaker so a failing
// upstream turns into fast failures instead of piling up timeouts.
type HTTP struct {
	client  *http.Client
	baseURL string
	token   string
	breaker *gobreaker.CircuitBreaker[struct{}]
}

type BreakerSettings struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

func NewHTTP(client *http.Client, baseURL, token string, bs BreakerSettings) *HTTP {
	if client == nil {
		client = &http.Client{}
	}
	if bs.Name == "" {
		bs.Name = "transport"
	}
	threshold := bs.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        bs.Name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     bs.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	return &HTTP{client: client, baseURL: strings.TrimRight(baseURL, "/"), token: token, breaker: cb}
}

type sendRequest struct {
	ID    int64  `json:"id"`
	Phone string `json:"phone"`
	Text  string `json:"text"`
}

func (h *HTTP) Send(ctx context.Context, m Message) error {
	payload, err := json.Marshal(sendRequest{ID: m.AttemptID, Phone: m.Address, Text: m.Body})
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	_, err = h.breaker.Execute(func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/"+strconv.FormatInt(m.AttemptID, 10), bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		if h.token != "" {
			req.Header.Set("Authorization", "Bearer "+h.token)
		}
		resp, err := h.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return struct{}{}, fmt.Errorf("upstream returned %d", resp.StatusCode)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// ErrCircuitOpen is reported by Ping while the breaker rejects sends.
var ErrCircuitOpen = errors.New("transport circuit open")

// Ping reports the breaker as a readiness check.
func (h *HTTP) Ping(context.Context) error {
	if h.breaker.State() == gobreaker.StateOpen {
		return ErrCircuitOpen
	}
	return nil
}
