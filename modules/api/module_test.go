package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	domain "github.com/example/roomsync-demo/domain/room"
	"github.com/example/roomsync-demo/modules/moderation"
	"github.com/example/roomsync-demo/modules/presence"
	"github.com/example/roomsync-demo/modules/store"
)

const testTimeoutMillis = 10000

// setupAPI builds the module over a started in-process store without
// binding a listener; requests go through app.Test.
func setupAPI(t *testing.T) (*APIModule, *store.Module) {
	t.Helper()
	ctx := context.Background()

	t.Setenv("STORE_BACKEND", "memory")
	st := store.NewModule()
	if err := st.Start(ctx); err != nil {
		t.Fatalf("start store module: %v", err)
	}
	t.Cleanup(func() { _ = st.Stop(ctx) })

	t.Setenv("WORDLIST_HARD", "verboten")
	mod := moderation.NewModule()
	if err := mod.Start(ctx); err != nil {
		t.Fatalf("start moderation module: %v", err)
	}

	m := NewModule()
	m.SetModules(st, mod)
	m.setupApp()
	return m, st
}

func TestModule_Name(t *testing.T) {
	m := NewModule()

	if name := m.Name(); name != "api" {
		t.Errorf("Name() = %q, want 'api'", name)
	}
}

func TestModule_Dependencies(t *testing.T) {
	m := NewModule()

	deps := m.Dependencies()
	if len(deps) != 2 || deps[0] != "store" || deps[1] != "moderation" {
		t.Errorf("Dependencies() = %v, want [store moderation]", deps)
	}
}

func TestHealthEndpoint(t *testing.T) {
	m, _ := setupAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp, err := m.app.Test(req, testTimeoutMillis)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("Status = %q, want 'healthy'", health.Status)
	}
}

func TestRoomUsersEndpoint(t *testing.T) {
	m, st := setupAPI(t)
	ctx := context.Background()

	conn, err := st.Store().Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	tracker := presence.NewTracker(conn)
	if err := tracker.Join(ctx, "lobby", "Ada"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := tracker.Join(ctx, "lobby", "Grace"); err != nil {
		t.Fatalf("join: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rooms/lobby/users", nil)
	resp, err := m.app.Test(req, testTimeoutMillis)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var roster RosterResponse
	if err := json.NewDecoder(resp.Body).Decode(&roster); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if roster.Room != "lobby" || roster.Count != 2 {
		t.Errorf("roster = %+v, want lobby with 2 users", roster)
	}
	users := strings.Join(roster.Users, ",")
	if !strings.Contains(users, "Ada") || !strings.Contains(users, "Grace") {
		t.Errorf("Users = %v, want Ada and Grace", roster.Users)
	}
}

func TestRoomUsersEmptyRoom(t *testing.T) {
	m, _ := setupAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rooms/leer/users", nil)
	resp, err := m.app.Test(req, testTimeoutMillis)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var roster RosterResponse
	if err := json.NewDecoder(resp.Body).Decode(&roster); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if roster.Count != 0 || len(roster.Users) != 0 {
		t.Errorf("roster = %+v, want empty", roster)
	}
}

func TestRoomUsersValidation(t *testing.T) {
	m, _ := setupAPI(t)

	long := strings.Repeat("x", domain.MaxRoomLength+1)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/rooms/"+long+"/users", nil)
	resp, err := m.app.Test(req, testTimeoutMillis)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if errResp.Error != "validation_error" {
		t.Errorf("Error = %q, want 'validation_error'", errResp.Error)
	}
}

func TestWSEndpointRequiresUpgrade(t *testing.T) {
	m, _ := setupAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/ws?room=lobby&nick=Ada", nil)
	resp, err := m.app.Test(req, testTimeoutMillis)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUpgradeRequired)
	}
}
