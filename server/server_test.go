package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/chat-bridge/bridge"
	"github.com/onnwee/chat-bridge/config"
	"github.com/onnwee/chat-bridge/identity"
	"github.com/onnwee/chat-bridge/live"
	"github.com/onnwee/chat-bridge/testutil"
	"github.com/onnwee/chat-bridge/token"
)

// fakeProfiles stands in for the Discord session during linking.
type fakeProfiles struct {
	err error
}

func (f *fakeProfiles) UserProfile(ctx context.Context, userID string) (*identity.DiscordUser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &identity.DiscordUser{ID: userID, Name: "user-" + userID, Discriminator: "0"}, nil
}

func testHandlers(t *testing.T, db *sql.DB) *Handlers {
	t.Helper()
	cfg := &config.Config{
		TwitchClientID:    "cid",
		TwitchRedirectURI: "http://localhost/auth/twitch/callback",
		TwitchScopes:      "chat:read chat:edit",
	}
	return NewHandlers(db, cfg,
		bridge.NewRegistry(db, nil, nil),
		live.NewListenerRegistry(db),
		token.NewManager(db, "cid", "secret"),
		identity.NewService(db),
		nil,
		&fakeProfiles{})
}

func TestHealthzAndStatus(t *testing.T) {
	db := testutil.SetupTestDB(t)
	srv := httptest.NewServer(NewMux(testHandlers(t, db)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Error("missing generated correlation id header")
	}

	resp2, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var status map[string]any
	if err := json.NewDecoder(resp2.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"bridges_interactive", "bridges_stack", "live_listeners", "open_streams"} {
		if _, ok := status[key]; !ok {
			t.Errorf("status missing %q", key)
		}
	}
}

func TestReadyz(t *testing.T) {
	db := testutil.SetupTestDB(t)
	srv := httptest.NewServer(NewMux(testHandlers(t, db)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d", resp.StatusCode)
	}
}

func TestCorrelationHeaderReused(t *testing.T) {
	h := testHandlers(t, nil)
	mux := NewMux(h)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Errorf("correlation id = %q, want corr-123", got)
	}
}

func TestOAuthStartRedirects(t *testing.T) {
	h := testHandlers(t, nil)
	mux := NewMux(h)

	req := httptest.NewRequest(http.MethodGet, "/auth/twitch/start?discord_id=555", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if !strings.Contains(loc, "client_id=cid") || !strings.Contains(loc, "state=") {
		t.Errorf("unexpected authorize url %q", loc)
	}
}

func TestOAuthStartRequiresDiscordID(t *testing.T) {
	h := testHandlers(t, nil)
	mux := NewMux(h)

	req := httptest.NewRequest(http.MethodGet, "/auth/twitch/start", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestOAuthCallbackRejectsUnknownState(t *testing.T) {
	h := testHandlers(t, nil)
	mux := NewMux(h)

	req := httptest.NewRequest(http.MethodGet, "/auth/twitch/callback?code=abc&state=nope", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestFinishLinkCreatesBothAccounts(t *testing.T) {
	db := testutil.SetupTestDB(t)
	h := testHandlers(t, db)
	ctx := context.Background()

	tu := &identity.TwitchUser{ID: "t77", Login: "streamer", DisplayName: "Streamer"}
	if err := h.finishLink(ctx, tu, "d88", "refresh-1", []string{"chat:read", "chat:edit"}); err != nil {
		t.Fatalf("finishLink: %v", err)
	}

	// A first-time visitor has no discord_users row yet; linking creates it
	// from the fetched profile.
	full, err := h.idents.FullIdentityByDiscordID(ctx, "d88")
	if err != nil {
		t.Fatalf("linked identity lookup: %v", err)
	}
	if full.Twitch == nil || full.Twitch.ID != "t77" {
		t.Errorf("twitch side not linked: %+v", full.Twitch)
	}
	if full.Discord == nil || full.Discord.Name != "user-d88" {
		t.Errorf("discord side missing profile: %+v", full.Discord)
	}
	if _, ok := h.tokens.Get("t77", "chat:read"); !ok {
		t.Error("refresh token not saved")
	}
}

func TestFinishLinkSurvivesProfileFetchFailure(t *testing.T) {
	db := testutil.SetupTestDB(t)
	h := testHandlers(t, db)
	h.discord = &fakeProfiles{err: context.DeadlineExceeded}
	ctx := context.Background()

	tu := &identity.TwitchUser{ID: "t78", Login: "other", DisplayName: "Other"}
	if err := h.finishLink(ctx, tu, "d89", "refresh-2", []string{"chat:read"}); err != nil {
		t.Fatalf("finishLink: %v", err)
	}
	full, err := h.idents.FullIdentityByDiscordID(ctx, "d89")
	if err != nil {
		t.Fatalf("linked identity lookup: %v", err)
	}
	if full.Twitch == nil || full.Twitch.ID != "t78" {
		t.Errorf("twitch side not linked: %+v", full.Twitch)
	}
}

func TestOAuthStateSingleUse(t *testing.T) {
	h := testHandlers(t, nil)
	h.addOAuthState("st1", "disc1", time.Now().Add(time.Minute))

	if id, ok := h.takeOAuthState("st1"); !ok || id != "disc1" {
		t.Fatalf("takeOAuthState = %q, %v", id, ok)
	}
	if _, ok := h.takeOAuthState("st1"); ok {
		t.Error("state usable twice")
	}
}

func TestOAuthStateExpires(t *testing.T) {
	h := testHandlers(t, nil)
	h.addOAuthState("st2", "disc2", time.Now().Add(-time.Second))

	if _, ok := h.takeOAuthState("st2"); ok {
		t.Error("expired state accepted")
	}
}

func TestCORSPermissivePreflight(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := withCORSConfig(inner, &corsConfig{permissive: true})

	req := httptest.NewRequest(http.MethodOptions, "/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("permissive mode should allow all origins")
	}
}

func TestCORSRestrictedOrigin(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	cfg := &corsConfig{allowedOrigins: []string{"https://bridge.example"}}
	handler := withCORSConfig(inner, cfg)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unlisted origin should not be allowed")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/status", nil)
	req2.Header.Set("Origin", "https://bridge.example")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Header().Get("Access-Control-Allow-Origin") != "https://bridge.example" {
		t.Error("listed origin should be echoed")
	}
}
