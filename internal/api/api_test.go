package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/arrudagates/ponder/internal/broker"
	"github.com/arrudagates/ponder/internal/device"
	"github.com/arrudagates/ponder/internal/devices"
	"github.com/arrudagates/ponder/internal/session"
	"github.com/arrudagates/ponder/internal/statestore"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeSessions struct {
	online map[string]bool
}

func (f *fakeSessions) Sessions() []session.Info {
	out := []session.Info{}
	for id := range f.online {
		out = append(out, session.Info{ClientID: id})
	}
	return out
}

func (f *fakeSessions) Get(id string) (session.Info, bool) {
	return session.Info{ClientID: id}, f.online[id]
}

func (f *fakeSessions) IsConnected(id string) bool { return f.online[id] }

func (f *fakeSessions) Disconnect(id string) error {
	if !f.online[id] {
		return errors.New("not connected")
	}
	delete(f.online, id)
	return nil
}

type fakeHistory struct{}

func (fakeHistory) History(_ context.Context, id, field string, limit int) ([]statestore.HistoryEntry, error) {
	return []statestore.HistoryEntry{{Field: field, Value: float64(limit)}}, nil
}

type testEnv struct {
	server   *Server
	states   *device.StateTable
	sessions *fakeSessions
	handler  http.Handler
}

func newEnv(t *testing.T, history History) *testEnv {
	t.Helper()
	reg := device.NewRegistry()
	if err := devices.Load(reg, ""); err != nil {
		t.Fatal(err)
	}
	states := device.NewStateTable(nil)
	sessions := &fakeSessions{online: map[string]bool{}}
	b := broker.New(broker.Options{})
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	tr := device.NewTranslator(device.TranslatorOptions{
		Registry:  reg,
		States:    states,
		Publisher: b,
		Presence:  sessions,
	})
	s := New(Options{
		Registry:   reg,
		States:     states,
		Translator: tr,
		Sessions:   sessions,
		History:    history,
		Gatherer:   prometheus.NewRegistry(),
	})
	return &testEnv{server: s, states: states, sessions: sessions, handler: s.Router()}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestDeviceLifecycle(t *testing.T) {
	e := newEnv(t, nil)

	if rec := e.do(t, http.MethodGet, "/api/v1/devices/ac1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown device should be 404, got %d", rec.Code)
	}
	if rec := e.do(t, http.MethodPut, "/api/v1/devices/ac1", `{"model":"nope"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown model should be 400, got %d", rec.Code)
	}
	if rec := e.do(t, http.MethodPut, "/api/v1/devices/ac1", `{"model":"RAC_056905_WW"}`); rec.Code != http.StatusOK {
		t.Fatalf("register failed: %d %s", rec.Code, rec.Body)
	}

	e.states.Apply("ac1", "RAC_056905_WW", map[string]any{"temperature": 22.5}, nil)
	rec := e.do(t, http.MethodGet, "/api/v1/devices", "")
	var list []deviceView
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "ac1" || list[0].Fields["temperature"] != 22.5 {
		t.Fatalf("unexpected device list %s", rec.Body)
	}

	if rec := e.do(t, http.MethodDelete, "/api/v1/devices/ac1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete failed: %d", rec.Code)
	}
	if _, ok := e.states.Get("ac1"); ok {
		t.Fatal("delete should remove the state record")
	}
	if rec := e.do(t, http.MethodDelete, "/api/v1/devices/ac1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete should be 404, got %d", rec.Code)
	}
}

func TestCommandErrors(t *testing.T) {
	e := newEnv(t, nil)
	e.do(t, http.MethodPut, "/api/v1/devices/ac1", `{"model":"RAC_056905_WW"}`)

	tests := []struct {
		name   string
		path   string
		body   string
		online bool
		status int
		code   string
	}{
		{"bad body", "/api/v1/devices/ac1/commands", `{`, true, http.StatusBadRequest, "bad_request"},
		{"unknown device", "/api/v1/devices/ac9/commands", `{"capability":"mode","value":"cool"}`, true, http.StatusNotFound, "unknown_device"},
		{"unsupported", "/api/v1/devices/ac1/commands", `{"capability":"humidity","value":1}`, true, http.StatusBadRequest, "unsupported_capability"},
		{"invalid", "/api/v1/devices/ac1/commands", `{"capability":"mode","value":"turbo"}`, true, http.StatusUnprocessableEntity, "invalid_value"},
		{"offline", "/api/v1/devices/ac1/commands", `{"capability":"temperature","value":22}`, false, http.StatusConflict, "device_offline"},
		{"accepted", "/api/v1/devices/ac1/commands", `{"capability":"temperature","value":22}`, true, http.StatusAccepted, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e.sessions.online["ac1"] = tt.online
			rec := e.do(t, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body)
			}
			if tt.code == "" {
				return
			}
			var apiErr Error
			_ = json.Unmarshal(rec.Body.Bytes(), &apiErr)
			if apiErr.Code != tt.code {
				t.Fatalf("code = %s, want %s", apiErr.Code, tt.code)
			}
		})
	}
}

func TestHistory(t *testing.T) {
	if rec := newEnv(t, nil).do(t, http.MethodGet, "/api/v1/devices/ac1/history", ""); rec.Code != http.StatusNotImplemented {
		t.Fatalf("history without store should be 501, got %d", rec.Code)
	}
	e := newEnv(t, fakeHistory{})
	rec := e.do(t, http.MethodGet, "/api/v1/devices/ac1/history?field=temperature&limit=5", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"field":"temperature"`) {
		t.Fatalf("unexpected history response %d %s", rec.Code, rec.Body)
	}
	if rec := e.do(t, http.MethodGet, "/api/v1/devices/ac1/history?limit=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit should be 400, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.do(t, http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health %d %s", rec.Code, rec.Body)
	}
	if rec := e.do(t, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/api/v1/definitions", ""); !strings.Contains(rec.Body.String(), "RAC_056905_WW") {
		t.Fatalf("definitions missing: %s", rec.Body)
	}
}

func TestKickSession(t *testing.T) {
	e := newEnv(t, nil)
	e.sessions.online["ac1"] = true
	if rec := e.do(t, http.MethodDelete, "/api/v1/sessions/ac1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("kick failed: %d", rec.Code)
	}
	if rec := e.do(t, http.MethodDelete, "/api/v1/sessions/ac1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second kick should be 404, got %d", rec.Code)
	}
}

func TestWebSocketStream(t *testing.T) {
	e := newEnv(t, nil)
	e.server.hub.Run(e.states)
	defer e.server.hub.Close()
	e.states.Apply("ac1", "RAC_056905_WW", map[string]any{"mode": "cool"}, nil)

	srv := httptest.NewServer(e.handler)
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var snapshot device.Change
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatal(err)
	}
	if snapshot.DeviceID != "ac1" || snapshot.Fields["mode"] != "cool" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	deadline := time.Now().Add(time.Second)
	for e.server.hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	e.states.Apply("ac1", "RAC_056905_WW", map[string]any{"mode": "heat"}, nil)
	var change device.Change
	if err := conn.ReadJSON(&change); err != nil {
		t.Fatal(err)
	}
	if change.Kind != device.ChangeState || change.Fields["mode"] != "heat" {
		t.Fatalf("unexpected change %+v", change)
	}
}
