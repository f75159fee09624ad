package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func withTokenServer(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	old := tokenURL
	tokenURL = srv.URL
	t.Cleanup(func() {
		tokenURL = old
		srv.Close()
	})
}

func TestBuildAuthorizeURL(t *testing.T) {
	u, err := BuildAuthorizeURL("client", "https://example.com/cb", "chat:read,chat:edit", "state123")
	if err != nil {
		t.Fatalf("BuildAuthorizeURL: %v", err)
	}
	if !strings.Contains(u, "client_id=client") {
		t.Errorf("missing client_id: %s", u)
	}
	if !strings.Contains(u, "scope=chat%3Aread+chat%3Aedit") {
		t.Errorf("scopes not normalized to space separated: %s", u)
	}
	if !strings.Contains(u, "state=state123") {
		t.Errorf("missing state: %s", u)
	}

	if _, err := BuildAuthorizeURL("", "https://example.com/cb", "", ""); err == nil {
		t.Errorf("expected error for empty clientID")
	}
}

func TestRefreshTokenSuccess(t *testing.T) {
	withTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.Form.Get("refresh_token"); got != "old-refresh" {
			t.Errorf("refresh_token = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
			"scope":         []string{"chat:read", "chat:edit"},
		})
	})

	res, err := RefreshToken(context.Background(), "id", "secret", "old-refresh")
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if res.AccessToken != "new-access" || res.RefreshToken != "new-refresh" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestRefreshTokenInvalidTagged(t *testing.T) {
	withTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  400,
			"message": "Invalid refresh token",
		})
	})

	_, err := RefreshToken(context.Background(), "id", "secret", "revoked")
	if !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken, got %v", err)
	}
}

func TestRefreshTokenOtherErrorNotTagged(t *testing.T) {
	withTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":500,"message":"boom"}`))
	})

	_, err := RefreshToken(context.Background(), "id", "secret", "rt")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrInvalidRefreshToken) {
		t.Errorf("server error must not be tagged as invalid refresh token: %v", err)
	}
}

func TestExchangeAuthCode(t *testing.T) {
	withTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "authorization_code" {
			t.Errorf("grant_type = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access",
			"refresh_token": "refresh",
			"expires_in":    14400,
			"scope":         []string{"chat:read"},
		})
	})

	res, err := ExchangeAuthCode(context.Background(), "id", "secret", "code", "https://example.com/cb")
	if err != nil {
		t.Fatalf("ExchangeAuthCode: %v", err)
	}
	if res.AccessToken != "access" {
		t.Errorf("AccessToken = %q", res.AccessToken)
	}
}

func TestComputeExpiry(t *testing.T) {
	if exp := ComputeExpiry(0); time.Until(exp) < 59*time.Minute {
		t.Errorf("zero seconds should default to about an hour, got %v", time.Until(exp))
	}
	if exp := ComputeExpiry(120); time.Until(exp) > 3*time.Minute {
		t.Errorf("expiry too far out: %v", time.Until(exp))
	}
}
