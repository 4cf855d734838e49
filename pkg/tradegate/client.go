// Package tradegate is a Go client for the tradegate HTTP gateway.
package tradegate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Client provides a Go SDK for interacting with the tradegate-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new tradegate API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is returned for every non-2xx response. Message is the
// envelope's error text, or the raw body when the response is not an
// envelope (such as the access gate's 403).
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tradegate: status %d: %s", e.Status, e.Message)
}

// OrderResult identifies a submitted order.
type OrderResult struct {
	ID string `json:"id"`
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Msg   string          `json:"msg"`
	Error string          `json:"error"`
}

// Prepare logs in to broker. fields carries user, password and any
// broker-specific options.
func (c *Client) Prepare(ctx context.Context, broker string, fields map[string]any) error {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["broker"] = broker
	_, err := c.do(ctx, http.MethodPost, "/prepare", body)
	return err
}

// Balance returns the account balance snapshot.
func (c *Client) Balance(ctx context.Context) (json.RawMessage, error) {
	return c.data(ctx, "/balance")
}

// Position returns the current holdings.
func (c *Client) Position(ctx context.Context) (json.RawMessage, error) {
	return c.data(ctx, "/position")
}

// AutoIPO subscribes to today's new issues.
func (c *Client) AutoIPO(ctx context.Context) (json.RawMessage, error) {
	return c.data(ctx, "/auto_ipo")
}

// TodayEntrusts returns today's orders.
func (c *Client) TodayEntrusts(ctx context.Context) (json.RawMessage, error) {
	return c.data(ctx, "/today_entrusts")
}

// TodayTrades returns today's fills.
func (c *Client) TodayTrades(ctx context.Context) (json.RawMessage, error) {
	return c.data(ctx, "/today_trades")
}

// CancelEntrusts returns orders that can still be cancelled.
func (c *Client) CancelEntrusts(ctx context.Context) (json.RawMessage, error) {
	return c.data(ctx, "/cancel_entrusts")
}

// Buy submits a limit buy order.
func (c *Client) Buy(ctx context.Context, security string, price decimal.Decimal, amount int64) (OrderResult, error) {
	return c.order(ctx, "/buy", security, price, amount)
}

// Sell submits a limit sell order.
func (c *Client) Sell(ctx context.Context, security string, price decimal.Decimal, amount int64) (OrderResult, error) {
	return c.order(ctx, "/sell", security, price, amount)
}

// CancelEntrust cancels the order with the given entrust number.
func (c *Client) CancelEntrust(ctx context.Context, entrustNo string) (json.RawMessage, error) {
	env, err := c.do(ctx, http.MethodPost, "/cancel_entrust", map[string]string{"entrust_no": entrustNo})
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

// Exit logs out of the active session.
func (c *Client) Exit(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/exit", nil)
	return err
}

// Health returns the gateway health record.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	return c.data(ctx, "/health")
}

// Journal returns up to limit recent dispatch journal entries.
func (c *Client) Journal(ctx context.Context, limit int) (json.RawMessage, error) {
	return c.data(ctx, "/journal?limit="+url.QueryEscape(strconv.Itoa(limit)))
}

func (c *Client) order(ctx context.Context, path, security string, price decimal.Decimal, amount int64) (OrderResult, error) {
	env, err := c.do(ctx, http.MethodPost, path, map[string]any{
		"security": security,
		"price":    price,
		"amount":   amount,
	})
	if err != nil {
		return OrderResult{}, err
	}
	var res OrderResult
	if err := json.Unmarshal(env.Data, &res); err != nil {
		return OrderResult{}, fmt.Errorf("decoding order result: %w", err)
	}
	return res, nil
}

func (c *Client) data(ctx context.Context, path string) (json.RawMessage, error) {
	env, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (envelope, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return envelope{}, fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return envelope{}, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return envelope{}, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return envelope{}, fmt.Errorf("reading response: %w", err)
	}

	var env envelope
	jsonErr := json.Unmarshal(raw, &env)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := env.Error
		if jsonErr != nil || msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return envelope{}, &APIError{Status: resp.StatusCode, Message: msg}
	}
	if jsonErr != nil {
		return envelope{}, fmt.Errorf("decoding response: %w", jsonErr)
	}
	return env, nil
}
