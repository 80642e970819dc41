package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-driverhost/internal/auth"
	"github.com/nerrad567/gray-logic-driverhost/internal/driver"
	"github.com/nerrad567/gray-logic-driverhost/internal/drivers/sim"
	"github.com/nerrad567/gray-logic-driverhost/internal/field"
	"github.com/nerrad567/gray-logic-driverhost/internal/host"
	"github.com/nerrad567/gray-logic-driverhost/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-driverhost/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-driverhost/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-driverhost/internal/poll"
	"github.com/nerrad567/gray-logic-driverhost/internal/roster"
	"github.com/nerrad567/gray-logic-driverhost/migrations"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

type testEnv struct {
	srv    *Server
	host   *host.Host
	roster *roster.SQLiteRepository
	engine *poll.Engine
	router http.Handler
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

// testServer creates a Server over a real host running sim drivers and a
// roster backed by in-memory SQLite.
func testServer(t *testing.T, secret string) *testEnv {
	t.Helper()

	factories := host.NewFactories()
	if err := factories.Register(sim.Type, sim.New); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	h := host.New(factories, host.Options{
		Driver: driver.Options{
			PollInterval:         10 * time.Millisecond,
			RetryInterval:        10 * time.Millisecond,
			ConnectRetryInterval: 10 * time.Millisecond,
			CommandTimeout:       time.Second,
			StopTimeout:          time.Second,
		},
		CommandTimeout: time.Second,
	})
	t.Cleanup(func() { h.Close() }) //nolint:errcheck // Test cleanup

	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	repo := roster.NewSQLiteRepository(db.DB)

	engine := poll.New(h, poll.Options{Interval: 10 * time.Millisecond})

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{Secret: secret, AccessTokenTTL: 15},
		},
		Logger:     testLogger(),
		Host:       h,
		Roster:     repo,
		Subscriber: engine,
		Poll:       engine,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	engine.OnChange(srv.Hub().PublishChange)

	return &testEnv{srv: srv, host: h, roster: repo, engine: engine, router: srv.buildRouter()}
}

// loadSim loads a sim driver directly on the host and waits for it to connect.
func (e *testEnv) loadSim(t *testing.T, moniker string, params map[string]any) {
	t.Helper()
	if err := e.host.Load(context.Background(), driver.Spec{Moniker: moniker, Type: sim.Type, Enabled: true, Params: params}); err != nil {
		t.Fatalf("Load(%s) error = %v", moniker, err)
	}
	waitConnected(t, e.host, moniker)
}

func waitConnected(t *testing.T, h *host.Host, moniker string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s, err := h.Describe(moniker); err == nil && s.State == driver.StateConnected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s never connected", moniker)
}

func (e *testEnv) do(method, path, body, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return v
}

func token(t *testing.T, role auth.Role) string {
	t.Helper()
	tok, err := auth.GenerateToken("test-"+string(role), role, testSecret, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	return tok
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := testServer(t, "")
	env.loadSim(t, "thermo", nil)

	w := env.do(http.MethodGet, "/api/v1/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	resp := decode[map[string]any](t, w)
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
	if resp["drivers"] != float64(1) || resp["drivers_connected"] != float64(1) {
		t.Errorf("drivers = %v connected = %v, want 1/1", resp["drivers"], resp["drivers_connected"])
	}
}

func TestMetrics(t *testing.T) {
	env := testServer(t, "")
	env.loadSim(t, "thermo", nil)

	w := env.do(http.MethodGet, "/api/v1/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	m := decode[SystemMetrics](t, w)
	if m.Drivers.Total != 1 || m.Drivers.ByState["connected"] != 1 {
		t.Errorf("drivers = %+v", m.Drivers)
	}
	if m.Polling == nil {
		t.Error("polling metrics missing")
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID(t *testing.T) {
	env := testServer(t, "")

	w := env.do(http.MethodGet, "/api/v1/health", "", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := testServer(t, "")

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/drivers", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want %q", got, "http://localhost:3000")
	}
}

func TestNotFound(t *testing.T) {
	env := testServer(t, "")
	if w := env.do(http.MethodGet, "/api/v1/nonexistent", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestRecovery(t *testing.T) {
	env := testServer(t, "")
	h := env.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// ─── Authentication Tests ──────────────────────────────────────────

func TestAuth_Roles(t *testing.T) {
	env := testServer(t, testSecret)
	env.loadSim(t, "thermo", nil)

	viewer := token(t, auth.RoleViewer)
	operator := token(t, auth.RoleOperator)
	admin := token(t, auth.RoleAdmin)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		token  string
		want   int
	}{
		{"health is public", http.MethodGet, "/api/v1/health", "", "", http.StatusOK},
		{"no token", http.MethodGet, "/api/v1/drivers", "", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/v1/drivers", "", "nonsense", http.StatusUnauthorized},
		{"viewer lists", http.MethodGet, "/api/v1/drivers", "", viewer, http.StatusOK},
		{"viewer reads", http.MethodGet, "/api/v1/drivers/thermo/fields/Temp", "", viewer, http.StatusOK},
		{"viewer cannot write", http.MethodPut, "/api/v1/drivers/thermo/fields/Mode", `{"value":"heat"}`, viewer, http.StatusForbidden},
		{"operator writes", http.MethodPut, "/api/v1/drivers/thermo/fields/Mode", `{"value":"heat"}`, operator, http.StatusOK},
		{"operator cannot backdoor", http.MethodPost, "/api/v1/drivers/thermo/backdoor/echo", "x", operator, http.StatusForbidden},
		{"operator cannot unload", http.MethodDelete, "/api/v1/drivers/thermo", "", operator, http.StatusForbidden},
		{"admin backdoor", http.MethodPost, "/api/v1/drivers/thermo/backdoor/echo", "x", admin, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(tt.method, tt.path, tt.body, tt.token); w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAuth_Me(t *testing.T) {
	env := testServer(t, testSecret)
	w := env.do(http.MethodGet, "/api/v1/auth/me", "", token(t, auth.RoleOperator))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	me := decode[map[string]any](t, w)
	if me["role"] != "operator" || me["subject"] != "test-operator" {
		t.Errorf("me = %v", me)
	}
}

func TestAuth_DisabledWithoutSecret(t *testing.T) {
	env := testServer(t, "")
	w := env.do(http.MethodGet, "/api/v1/auth/me", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if me := decode[map[string]any](t, w); me["role"] != "admin" {
		t.Errorf("role = %v, want admin", me["role"])
	}
}

// ─── Driver Roster Tests ───────────────────────────────────────────

func TestLoadDriver(t *testing.T) {
	env := testServer(t, "")
	ctx := context.Background()

	w := env.do(http.MethodPost, "/api/v1/drivers", `{"moniker":"thermo","type":"sim","params":{"setpoint":22}}`, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("load status = %d, body %s", w.Code, w.Body.String())
	}
	if s := decode[host.Summary](t, w); s.Moniker != "thermo" || s.Type != "sim" {
		t.Errorf("summary = %+v", s)
	}

	spec, err := env.roster.Get(ctx, "thermo")
	if err != nil {
		t.Fatalf("roster.Get() error = %v", err)
	}
	if spec.Type != "sim" || !spec.Enabled {
		t.Errorf("roster spec = %+v", spec)
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"duplicate", `{"moniker":"thermo","type":"sim"}`, http.StatusConflict},
		{"unknown type", `{"moniker":"other","type":"zigbee"}`, http.StatusBadRequest},
		{"bad params", `{"moniker":"other","type":"sim","params":{"drift":-1}}`, http.StatusBadRequest},
		{"bad moniker", `{"moniker":"has space","type":"sim"}`, http.StatusBadRequest},
		{"missing type", `{"moniker":"other"}`, http.StatusBadRequest},
		{"invalid JSON", `{not json`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(http.MethodPost, "/api/v1/drivers", tt.body, ""); w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}

	if _, err := env.roster.Get(ctx, "other"); !errors.Is(err, roster.ErrNotFound) {
		t.Errorf("failed load left a roster entry: %v", err)
	}
}

func TestLoadDriver_Disabled(t *testing.T) {
	env := testServer(t, "")

	w := env.do(http.MethodPost, "/api/v1/drivers", `{"moniker":"spare","type":"sim","enabled":false}`, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if w := env.do(http.MethodGet, "/api/v1/drivers/spare", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("disabled driver was loaded: status %d", w.Code)
	}
	spec, err := env.roster.Get(context.Background(), "spare")
	if err != nil || spec.Enabled {
		t.Errorf("roster entry = %+v, %v", spec, err)
	}

	// Deleting a roster-only driver succeeds.
	if w := env.do(http.MethodDelete, "/api/v1/drivers/spare", "", ""); w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", w.Code)
	}
}

func TestUnloadDriver(t *testing.T) {
	env := testServer(t, "")

	if w := env.do(http.MethodPost, "/api/v1/drivers", `{"moniker":"thermo","type":"sim"}`, ""); w.Code != http.StatusCreated {
		t.Fatalf("load status = %d", w.Code)
	}
	before := env.host.DriverListID()

	if w := env.do(http.MethodDelete, "/api/v1/drivers/thermo", "", ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, body %s", w.Code, w.Body.String())
	}
	if env.host.DriverListID() == before {
		t.Error("driver list id did not change")
	}
	if _, err := env.roster.Get(context.Background(), "thermo"); !errors.Is(err, roster.ErrNotFound) {
		t.Errorf("roster entry survived unload: %v", err)
	}
	if w := env.do(http.MethodGet, "/api/v1/drivers/thermo", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", w.Code)
	}
	if w := env.do(http.MethodDelete, "/api/v1/drivers/thermo", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestListAndGetDriver(t *testing.T) {
	env := testServer(t, "")
	env.loadSim(t, "a-thermo", nil)
	env.loadSim(t, "b-thermo", nil)

	w := env.do(http.MethodGet, "/api/v1/drivers", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	list := decode[struct {
		Drivers      []host.Summary `json:"drivers"`
		Count        int            `json:"count"`
		DriverListID uint32         `json:"driver_list_id"`
	}](t, w)
	if list.Count != 2 || list.Drivers[0].Moniker != "a-thermo" {
		t.Errorf("list = %+v", list)
	}
	if list.DriverListID != env.host.DriverListID() {
		t.Errorf("driver_list_id = %d, want %d", list.DriverListID, env.host.DriverListID())
	}

	w = env.do(http.MethodGet, "/api/v1/drivers/b-thermo", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if s := decode[host.Summary](t, w); s.State != driver.StateConnected || s.FieldListID == 0 {
		t.Errorf("summary = %+v", s)
	}
}

func TestReloadDriver(t *testing.T) {
	env := testServer(t, "")
	env.loadSim(t, "thermo", nil)
	before, _ := env.host.Describe("thermo")

	w := env.do(http.MethodPost, "/api/v1/drivers/thermo/reload", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("reload status = %d, body %s", w.Code, w.Body.String())
	}
	if s := decode[host.Summary](t, w); s.DriverID == before.DriverID {
		t.Errorf("driver id unchanged after reload: %d", s.DriverID)
	}
	if w := env.do(http.MethodPost, "/api/v1/drivers/nope/reload", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("reload unknown status = %d", w.Code)
	}
}

func TestReconfigureDriver(t *testing.T) {
	env := testServer(t, "")
	env.loadSim(t, "thermo", nil)

	if w := env.do(http.MethodPost, "/api/v1/drivers/thermo/reconfigure", "", ""); w.Code != http.StatusAccepted {
		t.Fatalf("reconfigure status = %d, body %s", w.Code, w.Body.String())
	}
	waitConnected(t, env.host, "thermo")
}

func TestSetVerbosity(t *testing.T) {
	env := testServer(t, "")
	env.loadSim(t, "thermo", nil)

	if w := env.do(http.MethodPut, "/api/v1/drivers/thermo/verbosity", `{"verbosity":"high"}`, ""); w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if s, _ := env.host.Describe("thermo"); s.Verbosity != "high" {
		t.Errorf("verbosity = %q, want high", s.Verbosity)
	}
	if w := env.do(http.MethodPut, "/api/v1/drivers/thermo/verbosity", `{"verbosity":"loud"}`, ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad verbosity status = %d", w.Code)
	}
	if w := env.do(http.MethodPut, "/api/v1/drivers/nope/verbosity", `{"verbosity":"low"}`, ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown driver status = %d", w.Code)
	}
}

// ─── Field Tests ───────────────────────────────────────────────────

func TestQueryFields(t *testing.T) {
	env := testServer(t, "")
	env.loadSim(t, "thermo", nil)

	w := env.do(http.MethodGet, "/api/v1/drivers/thermo/fields", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	fl := decode[driver.FieldList](t, w)
	if len(fl.Defs) != 8 {
		t.Errorf("len(fields) = %d, want 8", len(fl.Defs))
	}
	if fl.FieldListID == 0 || fl.DriverID == 0 || fl.DriverListID != env.host.DriverListID() {
		t.Errorf("versions = %+v", fl.Versions)
	}
}

func TestReadWriteFields(t *testing.T) {
	env := testServer(t, "")
	env.loadSim(t, "thermo", map[string]any{"reject_labels": []any{"forbidden"}})

	w := env.do(http.MethodGet, "/api/v1/drivers/thermo/fields/setpoint", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("read status = %d, body %s", w.Code, w.Body.String())
	}
	snap := decode[field.Snapshot](t, w)
	if snap.Name != sim.FieldSetpoint || snap.Value != float64(21) || !snap.Valid {
		t.Errorf("snapshot = %+v", snap)
	}

	tests := []struct {
		name     string
		path     string
		body     string
		want     int
		wantCode string
	}{
		{"write setpoint", "/api/v1/drivers/thermo/fields/Setpoint", `{"value":23.5}`, http.StatusOK, ""},
		{"write mode", "/api/v1/drivers/thermo/fields/Mode", `{"value":"heat","timeout_ms":500}`, http.StatusOK, ""},
		{"write tags", "/api/v1/drivers/thermo/fields/Tags", `{"value":["hall","upstairs"]}`, http.StatusOK, ""},
		{"out of range", "/api/v1/drivers/thermo/fields/Setpoint", `{"value":50}`, http.StatusBadRequest, ErrCodeValidation},
		{"not in enum", "/api/v1/drivers/thermo/fields/Mode", `{"value":"turbo"}`, http.StatusBadRequest, ErrCodeValidation},
		{"read only", "/api/v1/drivers/thermo/fields/Temp", `{"value":20}`, http.StatusBadRequest, ErrCodeValidation},
		{"type mismatch", "/api/v1/drivers/thermo/fields/Power", `{"value":[1]}`, http.StatusBadRequest, ErrCodeValidation},
		{"device rejects", "/api/v1/drivers/thermo/fields/Label", `{"value":"forbidden"}`, http.StatusUnprocessableEntity, ErrCodeRejected},
		{"unknown field", "/api/v1/drivers/thermo/fields/Humidity", `{"value":1}`, http.StatusNotFound, ErrCodeNotFound},
		{"unknown driver", "/api/v1/drivers/nope/fields/Mode", `{"value":"heat"}`, http.StatusNotFound, ErrCodeNotFound},
		{"missing value", "/api/v1/drivers/thermo/fields/Mode", `{}`, http.StatusBadRequest, ErrCodeValidation},
		{"bad wait", "/api/v1/drivers/thermo/fields/Mode", `{"value":"heat","wait":"later"}`, http.StatusBadRequest, ErrCodeValidation},
		{"negative timeout", "/api/v1/drivers/thermo/fields/Mode", `{"value":"heat","timeout_ms":-1}`, http.StatusBadRequest, ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPut, tt.path, tt.body, "")
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
			if tt.wantCode != "" {
				if e := decode[Error](t, w); e.Code != tt.wantCode {
					t.Errorf("code = %q, want %q", e.Code, tt.wantCode)
				}
			}
		})
	}

	w = env.do(http.MethodGet, "/api/v1/drivers/thermo/fields/Mode", "", "")
	if snap := decode[field.Snapshot](t, w); snap.Value != "heat" {
		t.Errorf("Mode = %v, want heat", snap.Value)
	}
}

func TestWriteField_FireAndForget(t *testing.T) {
	env := testServer(t, "")
	env.loadSim(t, "thermo", nil)

	w := env.do(http.MethodPut, "/api/v1/drivers/thermo/fields/Setpoint", `{"value":30,"wait":"fire_and_forget"}`, "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := env.host.ReadField(context.Background(), "thermo", sim.FieldSetpoint)
		if err == nil && snap.Value == float64(30) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("fire-and-forget write never applied")
}

func TestWriteField_NotConnected(t *testing.T) {
	env := testServer(t, "")
	if err := env.host.Load(context.Background(), driver.Spec{
		Moniker: "slow",
		Type:    sim.Type,
		Enabled: true,
		Params:  map[string]any{"connect_attempts": 1000000},
	}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	w := env.do(http.MethodPut, "/api/v1/drivers/slow/fields/Mode", `{"value":"heat"}`, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 (body %s)", w.Code, w.Body.String())
	}
}

// ─── Backdoor Tests ────────────────────────────────────────────────

func TestBackdoor(t *testing.T) {
	env := testServer(t, "")
	env.loadSim(t, "thermo", nil)

	w := env.do(http.MethodPost, "/api/v1/drivers/thermo/backdoor/echo", "hello", "")
	if w.Code != http.StatusOK || w.Body.String() != "hello" {
		t.Fatalf("echo = %d %q", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Content-Type = %q, want octet-stream", ct)
	}

	w = env.do(http.MethodPost, "/api/v1/drivers/thermo/backdoor/echo", `{"a":1}`, "")
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("JSON echo Content-Type = %q", ct)
	}

	w = env.do(http.MethodPost, "/api/v1/drivers/thermo/backdoor/format", "", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown op status = %d", w.Code)
	}
	if e := decode[Error](t, w); e.Code != ErrCodeUnsupported {
		t.Errorf("code = %q, want %q", e.Code, ErrCodeUnsupported)
	}
}

// ─── Error Mapping Tests ───────────────────────────────────────────

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", host.ErrUnknownDevice), http.StatusNotFound},
		{field.ErrUnknownField, http.StatusNotFound},
		{host.ErrDeviceExists, http.StatusConflict},
		{field.ErrListChanged, http.StatusConflict},
		{field.ErrOutOfRange, http.StatusBadRequest},
		{host.ErrUnknownType, http.StatusBadRequest},
		{driver.ErrUnsupported, http.StatusBadRequest},
		{fmt.Errorf("%w: x: %w", driver.ErrWriteRejected, sim.ErrRejected), http.StatusUnprocessableEntity},
		{driver.ErrNotConnected, http.StatusServiceUnavailable},
		{driver.ErrQueueFull, http.StatusServiceUnavailable},
		{driver.ErrTimeout, http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

// ─── Server Lifecycle Tests ────────────────────────────────────────

func TestServer_StartAndClose(t *testing.T) {
	env := testServer(t, "")
	env.srv.cfg.Port = 19180

	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := env.srv.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := env.srv.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", env.srv.cfg.Port)
	resp, err := http.Get("http://" + addr + "/api/v1/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}

	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := http.Get("http://" + addr + "/api/v1/health"); err == nil {
		t.Error("server still responding after Close()")
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() without host should fail")
	}
}
