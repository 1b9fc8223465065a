// Package vesta is a Go client for the vesta trader's HTTP API.
package vesta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vesta/internal/domain"
	"vesta/internal/engine"
	"vesta/internal/risk"
	"vesta/internal/store"
)

// Client talks to a running vesta-trader.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new vesta API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a failed call as reported by the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vesta: %s (%d): %s", e.Code, e.Status, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Status reports on the active or most recent cycle.
func (c *Client) Status(ctx context.Context) (*engine.Status, error) {
	var st engine.Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Positions lists open positions across cycles.
func (c *Client) Positions(ctx context.Context) ([]domain.Position, error) {
	var ps []domain.Position
	if err := c.do(ctx, http.MethodGet, "/api/v1/positions", nil, &ps); err != nil {
		return nil, err
	}
	return ps, nil
}

// StartCycle opens a cycle under key, or returns the one already opened
// under it.
func (c *Client) StartCycle(ctx context.Context, key string) (*domain.TradingCycle, error) {
	var cycle domain.TradingCycle
	if err := c.do(ctx, http.MethodPost, "/api/v1/cycles", map[string]string{"key": key}, &cycle); err != nil {
		return nil, err
	}
	return &cycle, nil
}

// StopCycle ends the active cycle.
func (c *Client) StopCycle(ctx context.Context, reason string) (*engine.StopReport, error) {
	var r engine.StopReport
	if err := c.do(ctx, http.MethodPost, "/api/v1/cycles/stop", map[string]string{"reason": reason}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// EmergencyStop halts trading and liquidates the active cycle. The summary
// is returned alongside the error when liquidation was interrupted.
func (c *Client) EmergencyStop(ctx context.Context, reason string) (*risk.Summary, error) {
	var sum risk.Summary
	err := c.do(ctx, http.MethodPost, "/api/v1/emergency-stop", map[string]string{"reason": reason}, &sum)
	if err != nil && sum.CycleID == "" {
		return nil, err
	}
	return &sum, err
}

// Resume clears the trading halt and returns the cycles it was cleared on.
func (c *Client) Resume(ctx context.Context, operator string) ([]string, error) {
	var out struct {
		Cleared []string `json:"cleared"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/resume", map[string]string{"operator": operator}, &out); err != nil {
		return nil, err
	}
	return out.Cleared, nil
}

// Flags lists reconciliation flags. Empty filter fields match everything.
func (c *Client) Flags(ctx context.Context, f store.FlagFilter) ([]domain.ReconciliationFlag, error) {
	q := url.Values{}
	if f.Kind != "" {
		q.Set("kind", string(f.Kind))
	}
	if f.Subject != "" {
		q.Set("subject", f.Subject)
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	path := "/api/v1/flags"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var flags []domain.ReconciliationFlag
	if err := c.do(ctx, http.MethodGet, path, nil, &flags); err != nil {
		return nil, err
	}
	return flags, nil
}

// ResolveFlag closes a flag with the operator's resolution note.
func (c *Client) ResolveFlag(ctx context.Context, id, resolution string) (*domain.ReconciliationFlag, error) {
	var flag domain.ReconciliationFlag
	path := "/api/v1/flags/" + url.PathEscape(id) + "/resolve"
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"resolution": resolution}, &flag); err != nil {
		return nil, err
	}
	return &flag, nil
}

// do sends body as JSON and decodes the envelope's data into out. Data is
// decoded even on failure when the server sent any.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vesta: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("vesta: %s %s: decode response (status %d): %w", method, path, resp.StatusCode, err)
	}
	if len(env.Data) > 0 && out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("vesta: %s %s: decode data: %w", method, path, err)
		}
	}
	if !env.Success {
		apiErr := &APIError{Status: resp.StatusCode}
		if env.Error != nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	return nil
}
