package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/chat-bridge/bridge"
	"github.com/onnwee/chat-bridge/config"
	"github.com/onnwee/chat-bridge/identity"
	"github.com/onnwee/chat-bridge/live"
	"github.com/onnwee/chat-bridge/token"
	"github.com/onnwee/chat-bridge/twitchapi"
)

// DiscordDirectory fetches Discord profiles so account linking can create
// the Discord side of a pair that was never seen before.
type DiscordDirectory interface {
	UserProfile(ctx context.Context, userID string) (*identity.DiscordUser, error)
}

// Handlers bundles HTTP handler dependencies.
type Handlers struct {
	db        *sql.DB
	cfg       *config.Config
	bridges   *bridge.Registry
	listeners *live.ListenerRegistry
	tokens    *token.Manager
	idents    *identity.Service
	helix     *twitchapi.Helix
	discord   DiscordDirectory

	startedAt time.Time

	stateMu    sync.RWMutex
	stateStore map[string]oauthState
}

// oauthState pins a pending authorization to the Discord account that
// requested it.
type oauthState struct {
	discordID string
	expires   time.Time
}

func NewHandlers(db *sql.DB, cfg *config.Config, bridges *bridge.Registry, listeners *live.ListenerRegistry, tokens *token.Manager, idents *identity.Service, hx *twitchapi.Helix, discord DiscordDirectory) *Handlers {
	return &Handlers{
		db: db, cfg: cfg, bridges: bridges, listeners: listeners,
		tokens: tokens, idents: idents, helix: hx, discord: discord,
		startedAt:  time.Now(),
		stateStore: make(map[string]oauthState),
	}
}

func (h *Handlers) addOAuthState(state, discordID string, expires time.Time) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	// Drop stale entries while we're here.
	now := time.Now()
	for k, v := range h.stateStore {
		if now.After(v.expires) {
			delete(h.stateStore, k)
		}
	}
	h.stateStore[state] = oauthState{discordID: discordID, expires: expires}
}

func (h *Handlers) takeOAuthState(state string) (string, bool) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	st, ok := h.stateStore[state]
	if !ok {
		return "", false
	}
	delete(h.stateStore, state)
	if time.Now().After(st.expires) {
		return "", false
	}
	return st.discordID, true
}

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"schema", func() error {
			var n int
			return h.db.QueryRowContext(r.Context(),
				"SELECT COUNT(*) FROM bridges").Scan(&n)
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus reports a snapshot of what the bot is currently doing.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	interactive, stacks := 0, 0
	for _, b := range h.bridges.All() {
		if b.Type == bridge.TypeInteractive {
			interactive++
		} else {
			stacks++
		}
	}

	var openStreams int
	if err := h.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM live_streams WHERE ended_at IS NULL").Scan(&openStreams); err != nil {
		slog.Warn("status: open stream count failed", slog.Any("err", err))
	}
	var linked int
	if err := h.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM twitch_users WHERE identity_id IS NOT NULL").Scan(&linked); err != nil {
		slog.Warn("status: linked account count failed", slog.Any("err", err))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"uptime_seconds":      int(time.Since(h.startedAt).Seconds()),
		"bridges_interactive": interactive,
		"bridges_stack":       stacks,
		"live_listeners":      len(h.listeners.All()),
		"open_streams":        openStreams,
		"linked_accounts":     linked,
		"authorized_users":    len(h.tokens.Users()),
	})
}

// HandleTwitchOAuthStart begins the account-linking flow. The discord_id
// query parameter names the Discord account the resulting Twitch grant will
// be linked to; it is carried through the flow in a server-minted state.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.cfg.TwitchClientID == "" || h.cfg.TwitchRedirectURI == "" {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	discordID := r.URL.Query().Get("discord_id")
	if discordID == "" {
		http.Error(w, "missing discord_id", http.StatusBadRequest)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	h.addOAuthState(st, discordID, time.Now().Add(10*time.Minute))
	authURL, err := twitchapi.BuildAuthorizeURL(h.cfg.TwitchClientID, h.cfg.TwitchRedirectURI, h.cfg.TwitchScopes, st)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleTwitchOAuthCallback finishes the account-linking flow: it exchanges
// the code, stores the refresh token under the granted scope set, and links
// the Twitch account to the Discord account the state was minted for.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	discordID, ok := h.takeOAuthState(st)
	if !ok {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	res, err := twitchapi.ExchangeAuthCode(ctx, h.cfg.TwitchClientID, h.cfg.TwitchClientSecret, code, h.cfg.TwitchRedirectURI)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hu, err := h.helix.UserForToken(res.AccessToken)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := h.finishLink(ctx, &identity.TwitchUser{
		ID:              hu.ID,
		Login:           hu.Login,
		DisplayName:     hu.DisplayName,
		Email:           hu.Email,
		ProfileImageURL: hu.ProfileImageURL,
		OfflineImageURL: hu.OfflineImageURL,
		Description:     hu.Description,
		ViewCount:       hu.ViewCount,
		Affiliation:     hu.BroadcasterType,
	}, discordID, res.RefreshToken, res.Scope); err != nil {
		if errors.Is(err, identity.ErrIdentityMismatch) {
			http.Error(w, "these accounts are already linked to different identities", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("account linked",
		slog.String("twitch_user_id", hu.ID),
		slog.String("twitch_login", hu.Login),
		slog.String("discord_user_id", discordID),
		slog.String("component", "oauth"))
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"linked": fmt.Sprintf("twitch:%s <-> discord:%s", hu.Login, discordID),
		"scopes": res.Scope,
	}); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

// finishLink lands an exchanged grant: both account rows are written before
// the identity link, so a first-time visitor can link in one pass.
func (h *Handlers) finishLink(ctx context.Context, tu *identity.TwitchUser, discordID, refreshToken string, scopes []string) error {
	if err := h.idents.UpsertTwitchUser(ctx, tu); err != nil {
		return err
	}
	du := &identity.DiscordUser{ID: discordID}
	if h.discord != nil {
		profile, err := h.discord.UserProfile(ctx, discordID)
		if err != nil {
			slog.Warn("discord profile fetch failed, linking bare account",
				slog.String("discord_user_id", discordID), slog.Any("err", err))
		} else {
			du = profile
		}
	}
	if err := h.idents.UpsertDiscordUser(ctx, du); err != nil {
		return err
	}
	if err := h.tokens.Save(ctx, tu.ID, refreshToken, scopes); err != nil {
		return err
	}
	_, err := h.idents.Link(ctx, tu.ID, discordID)
	return err
}
