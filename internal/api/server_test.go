package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vesta/internal/alert"
	"vesta/internal/config"
	"vesta/internal/domain"
	"vesta/internal/engine"
	"vesta/internal/risk"
	"vesta/internal/store"
)

// fakeControl records calls and returns canned results.
type fakeControl struct {
	mu sync.Mutex

	cycle    *domain.TradingCycle
	startErr error
	stopErr  error
	summary  *risk.Summary
	esErr    error
	statusEr error
	flags    []domain.ReconciliationFlag
	filter   store.FlagFilter

	ran      chan string
	reasons  []string
	operator string
}

func newFakeControl() *fakeControl {
	return &fakeControl{
		cycle: &domain.TradingCycle{ID: "c1", IdempotencyKey: "k1", Mode: domain.ModePaper, Status: domain.CycleScanning},
		ran:   make(chan string, 4),
	}
}

func (f *fakeControl) StartCycle(_ context.Context, key string) (*domain.TradingCycle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	c := *f.cycle
	if key != "" {
		c.IdempotencyKey = key
	}
	return &c, nil
}

func (f *fakeControl) RunCycle(_ context.Context, id string) (*engine.RunReport, error) {
	f.ran <- id
	return &engine.RunReport{CycleID: id}, nil
}

func (f *fakeControl) StopCycle(_ context.Context, reason string) (*engine.StopReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	return &engine.StopReport{Cycle: f.cycle, OrdersCancelled: []string{"o1"}}, nil
}

func (f *fakeControl) EmergencyStop(_ context.Context, reason string) (*risk.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
	return f.summary, f.esErr
}

func (f *fakeControl) ResumeTrading(_ context.Context, operator string) ([]string, error) {
	if operator == "" {
		return nil, domain.Invalid("operator is required")
	}
	f.mu.Lock()
	f.operator = operator
	f.mu.Unlock()
	return []string{"c1"}, nil
}

func (f *fakeControl) GetCycleStatus(context.Context) (*engine.Status, error) {
	if f.statusEr != nil {
		return nil, f.statusEr
	}
	return &engine.Status{
		Cycle:         f.cycle,
		Active:        true,
		OpenPositions: 2,
		PnL:           risk.DailyPnL{Realized: decimal.NewFromInt(-150)},
	}, nil
}

func (f *fakeControl) GetOpenPositions(context.Context) ([]domain.Position, error) {
	return []domain.Position{{ID: "p1", CycleID: "c1", Symbol: "AAPL", Side: domain.PositionLong, Quantity: decimal.NewFromInt(40)}}, nil
}

func (f *fakeControl) ListFlags(_ context.Context, flt store.FlagFilter) ([]domain.ReconciliationFlag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = flt
	return f.flags, nil
}

func (f *fakeControl) ResolveFlag(_ context.Context, id, resolution string) (*domain.ReconciliationFlag, error) {
	if id != "f1" {
		return nil, fmt.Errorf("flag %s: %w", id, domain.ErrNotFound)
	}
	return &domain.ReconciliationFlag{ID: id, Status: domain.FlagResolved, Resolution: resolution}, nil
}

func newTestServer(t *testing.T, ctl Control, cfg config.Server) (*Server, *Hub) {
	t.Helper()
	if cfg.CommandsPerMinute == 0 {
		cfg.CommandsPerMinute = 6000
		cfg.CommandBurst = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	run := NewRunner(ctx, ctl, zerolog.Nop())
	hub := NewHub(zerolog.Nop())
	go func() { _ = hub.Run(ctx) }()
	return NewServer(cfg, run, hub, zerolog.Nop()), hub
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var rd *bytes.Reader
	if body == "" {
		rd = bytes.NewReader(nil)
	} else {
		rd = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var resp Response
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w, resp
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, newFakeControl(), config.Server{})
	w, _ := do(t, s.Router(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestStatusEnvelope(t *testing.T) {
	s, _ := newTestServer(t, newFakeControl(), config.Server{})
	w, resp := do(t, s.Router(), http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)

	data := resp.Data.(map[string]any)
	assert.Equal(t, true, data["active"])
	assert.EqualValues(t, 2, data["open_positions"])
	assert.Equal(t, "c1", data["cycle"].(map[string]any)["id"])
}

func TestPositions(t *testing.T) {
	s, _ := newTestServer(t, newFakeControl(), config.Server{})
	w, resp := do(t, s.Router(), http.MethodGet, "/api/v1/positions", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := resp.Data.([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "AAPL", list[0].(map[string]any)["symbol"])
	assert.Equal(t, "40", list[0].(map[string]any)["quantity"])
}

func TestStartCycleRunsInBackground(t *testing.T) {
	ctl := newFakeControl()
	s, _ := newTestServer(t, ctl, config.Server{})

	w, resp := do(t, s.Router(), http.MethodPost, "/api/v1/cycles", `{"key":"morning"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "morning", resp.Data.(map[string]any)["idempotency_key"])

	select {
	case id := <-ctl.ran:
		assert.Equal(t, "c1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("cycle was not run")
	}

	// A cycle past scanning is returned without running it again.
	ctl.mu.Lock()
	ctl.cycle.Status = domain.CycleMonitoring
	ctl.mu.Unlock()
	w, _ = do(t, s.Router(), http.MethodPost, "/api/v1/cycles", "")
	require.Equal(t, http.StatusCreated, w.Code)
	s.run.Wait()
	assert.Empty(t, ctl.ran)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*fakeControl)
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{
			name:   "halted",
			setup:  func(f *fakeControl) { f.startErr = fmt.Errorf("start: %w", domain.ErrTradingHalted) },
			method: http.MethodPost, path: "/api/v1/cycles",
			status: http.StatusConflict, code: CodeHalted,
		},
		{
			name:   "cycle active",
			setup:  func(f *fakeControl) { f.startErr = engine.ErrCycleActive },
			method: http.MethodPost, path: "/api/v1/cycles",
			status: http.StatusConflict, code: CodeCycleActive,
		},
		{
			name:   "no active cycle",
			setup:  func(f *fakeControl) { f.stopErr = engine.ErrNoActiveCycle },
			method: http.MethodPost, path: "/api/v1/cycles/stop",
			status: http.StatusConflict, code: CodeNoActiveCycle,
		},
		{
			name:   "missing operator",
			method: http.MethodPost, path: "/api/v1/resume", body: `{}`,
			status: http.StatusBadRequest, code: CodeValidation,
		},
		{
			name:   "unknown flag",
			method: http.MethodPost, path: "/api/v1/flags/nope/resolve", body: `{"resolution":"x"}`,
			status: http.StatusNotFound, code: CodeNotFound,
		},
		{
			name:   "internal",
			setup:  func(f *fakeControl) { f.statusEr = errors.New("disk on fire") },
			method: http.MethodGet, path: "/api/v1/status",
			status: http.StatusInternalServerError, code: CodeInternal,
		},
		{
			name:   "malformed body",
			method: http.MethodPost, path: "/api/v1/resume", body: `{"operator":`,
			status: http.StatusBadRequest, code: CodeBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl := newFakeControl()
			if tt.setup != nil {
				tt.setup(ctl)
			}
			s, _ := newTestServer(t, ctl, config.Server{})
			w, resp := do(t, s.Router(), tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestResumeAndResolve(t *testing.T) {
	ctl := newFakeControl()
	s, _ := newTestServer(t, ctl, config.Server{})

	w, resp := do(t, s.Router(), http.MethodPost, "/api/v1/resume", `{"operator":"ops"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"c1"}, resp.Data.(map[string]any)["cleared"])
	assert.Equal(t, "ops", ctl.operator)

	w, resp = do(t, s.Router(), http.MethodPost, "/api/v1/flags/f1/resolve", `{"resolution":"closed manually"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "resolved", resp.Data.(map[string]any)["status"])
	assert.Equal(t, "closed manually", resp.Data.(map[string]any)["resolution"])
}

func TestListFlagsFilter(t *testing.T) {
	ctl := newFakeControl()
	s, _ := newTestServer(t, ctl, config.Server{})

	w, resp := do(t, s.Router(), http.MethodGet, "/api/v1/flags?kind=ORPHAN_POSITION&status=open", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{}, resp.Data)
	assert.Equal(t, domain.FlagOrphanPosition, ctl.filter.Kind)
	assert.Equal(t, domain.FlagOpen, ctl.filter.Status)
	assert.Empty(t, ctl.filter.Subject)
}

func TestEmergencyStopInterrupted(t *testing.T) {
	ctl := newFakeControl()
	ctl.summary = &risk.Summary{CycleID: "c1", Unconfirmed: []string{"p1"}}
	ctl.esErr = fmt.Errorf("liquidate: %w", context.DeadlineExceeded)
	s, _ := newTestServer(t, ctl, config.Server{})

	w, resp := do(t, s.Router(), http.MethodPost, "/api/v1/emergency-stop", `{"reason":"drill"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, []any{"p1"}, resp.Data.(map[string]any)["unconfirmed"])
	assert.Equal(t, []string{"drill"}, ctl.reasons)
}

func TestCommandLimit(t *testing.T) {
	ctl := newFakeControl()
	s, _ := newTestServer(t, ctl, config.Server{CommandsPerMinute: 1, CommandBurst: 1})
	h := s.Router()

	w, _ := do(t, h, http.MethodPost, "/api/v1/cycles/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w, resp := do(t, h, http.MethodPost, "/api/v1/cycles/stop", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, CodeRateLimited, resp.Error.Code)

	// Reads and emergency stops pass regardless.
	w, _ = do(t, h, http.MethodGet, "/api/v1/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	ctl.summary = &risk.Summary{CycleID: "c1"}
	w, _ = do(t, h, http.MethodPost, "/api/v1/emergency-stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEventStream(t *testing.T) {
	s, hub := newTestServer(t, newFakeControl(), config.Server{})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	at := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	require.NoError(t, hub.Alert(context.Background(), alert.Alert{
		Severity: domain.SeverityCritical,
		Kind:     "emergency_stop",
		Subject:  "c1",
		Message:  "liquidating",
		At:       at,
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, domain.SeverityCritical, ev.Severity)
	assert.Equal(t, "emergency_stop", ev.Kind)
	assert.Equal(t, "c1", ev.Subject)
	assert.True(t, at.Equal(ev.At))

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
