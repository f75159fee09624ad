// Package token manages user OAuth tokens for Twitch. Refresh tokens are
// persisted encrypted; access tokens live only in memory and are minted on
// demand from the refresh token.
package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	dbpkg "github.com/onnwee/chat-bridge/db"
	"github.com/onnwee/chat-bridge/telemetry"
	"github.com/onnwee/chat-bridge/twitchapi"
)

// Token is the in-memory view of one credential grant. A user holds one
// token per distinct scope set. AccessToken and Expiry are never persisted.
type Token struct {
	TwitchUserID string
	RefreshToken string
	Scopes       []string
	AccessToken  string
	Expiry       time.Time
}

// HasScope reports whether the token was granted the scope.
func (t *Token) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if strings.EqualFold(s, scope) {
			return true
		}
	}
	return false
}

// HasScopes reports whether the token was granted every listed scope.
func (t *Token) HasScopes(scopes ...string) bool {
	for _, s := range scopes {
		if !t.HasScope(s) {
			return false
		}
	}
	return true
}

// scopeKey canonicalizes a scope set for use as a cache and storage key.
func scopeKey(scopes []string) string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return strings.Join(out, " ")
}

// refreshFunc matches twitchapi.RefreshToken; swapped out in tests.
type refreshFunc func(ctx context.Context, clientID, clientSecret, refreshToken string) (*twitchapi.RefreshResult, error)

// Manager holds every known token and keeps the persisted refresh tokens
// in step with Twitch's rotation. A refresh rejected with
// ErrInvalidRefreshToken purges the token from memory and the database
// before the error is surfaced; there is no point retrying a revoked grant.
type Manager struct {
	db           *sql.DB
	clientID     string
	clientSecret string
	refresh      refreshFunc

	mu     sync.Mutex
	byUser map[string]map[string]*Token // user id -> scope key -> token
}

func NewManager(db *sql.DB, clientID, clientSecret string) *Manager {
	return &Manager{
		db:           db,
		clientID:     clientID,
		clientSecret: clientSecret,
		refresh:      twitchapi.RefreshToken,
		byUser:       map[string]map[string]*Token{},
	}
}

func (m *Manager) put(t *Token) {
	key := scopeKey(t.Scopes)
	if m.byUser[t.TwitchUserID] == nil {
		m.byUser[t.TwitchUserID] = map[string]*Token{}
	}
	m.byUser[t.TwitchUserID][key] = t
}

// Load reads every persisted token into memory. Rows that fail to decrypt
// are logged and skipped so one bad row cannot keep the rest offline.
func (m *Manager) Load(ctx context.Context) error {
	rows, err := m.db.QueryContext(ctx, `SELECT twitch_user_id, refresh_token, scopes, COALESCE(encryption_version,0) FROM twitch_tokens`)
	if err != nil {
		return fmt.Errorf("load tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	loaded := 0
	for rows.Next() {
		var userID, stored, scopes string
		var version int
		if err := rows.Scan(&userID, &stored, &scopes, &version); err != nil {
			return fmt.Errorf("scan token row: %w", err)
		}
		refreshToken, err := dbpkg.DecryptToken(stored, version)
		if err != nil {
			slog.Warn("skipping undecryptable token row", slog.String("twitch_user_id", userID), slog.Any("err", err))
			continue
		}
		m.mu.Lock()
		m.put(&Token{TwitchUserID: userID, RefreshToken: refreshToken, Scopes: splitScopes(scopes)})
		m.mu.Unlock()
		loaded++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("token rows: %w", err)
	}
	slog.Info("tokens loaded", slog.Int("count", loaded))
	return nil
}

// Save persists a refresh token for a user and caches it. Previous rows
// for the same user and scope set are pruned; grants with other scope sets
// stay untouched.
func (m *Manager) Save(ctx context.Context, userID, refreshToken string, scopes []string) error {
	if userID == "" || refreshToken == "" {
		return errors.New("userID and refreshToken required")
	}
	key := scopeKey(scopes)
	stored, version, err := dbpkg.EncryptToken(refreshToken)
	if err != nil {
		return fmt.Errorf("encrypt token: %w", err)
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin token tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM twitch_tokens WHERE twitch_user_id=$1 AND scopes=$2`, userID, key); err != nil {
		return fmt.Errorf("prune token rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO twitch_tokens (twitch_user_id, refresh_token, scopes, encryption_version) VALUES ($1,$2,$3,$4)`,
		userID, stored, key, version); err != nil {
		return fmt.Errorf("insert token row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit token tx: %w", err)
	}

	m.mu.Lock()
	m.put(&Token{TwitchUserID: userID, RefreshToken: refreshToken, Scopes: splitScopes(key)})
	m.mu.Unlock()
	return nil
}

// Get returns a snapshot of any cached token for the user, preferring one
// that covers the given scopes when provided.
func (m *Manager) Get(userID string, scopes ...string) (*Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.pick(userID, scopes)
	if t == nil {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// pick selects a token for the user covering all scopes; with no scopes it
// returns any token. Caller holds the lock.
func (m *Manager) pick(userID string, scopes []string) *Token {
	for _, t := range m.byUser[userID] {
		if len(scopes) == 0 || t.HasScopes(scopes...) {
			return t
		}
	}
	return nil
}

// ByScope returns a snapshot of any token granted the scope, regardless of
// user, or nil.
func (m *Manager) ByScope(scope string) *Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tokens := range m.byUser {
		for _, t := range tokens {
			if t.HasScope(scope) {
				cp := *t
				return &cp
			}
		}
	}
	return nil
}

// Users lists the user ids with at least one cached token.
func (m *Manager) Users() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.byUser))
	for id := range m.byUser {
		ids = append(ids, id)
	}
	return ids
}

// snapshots returns copies of every cached token.
func (m *Manager) snapshots() []Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Token
	for _, tokens := range m.byUser {
		for _, t := range tokens {
			out = append(out, *t)
		}
	}
	return out
}

// AccessToken returns a valid access token for the user, covering the given
// scopes when any are listed. The cached access token is reused until a
// minute before expiry. A refresh rejected as invalid purges that grant
// everywhere before the error is returned.
func (m *Manager) AccessToken(ctx context.Context, userID string, scopes ...string) (string, error) {
	m.mu.Lock()
	t := m.pick(userID, scopes)
	if t == nil {
		m.mu.Unlock()
		return "", fmt.Errorf("no token for twitch user %s covering scopes %v", userID, scopes)
	}
	if t.AccessToken != "" && time.Until(t.Expiry) > time.Minute {
		access := t.AccessToken
		m.mu.Unlock()
		return access, nil
	}
	refreshToken := t.RefreshToken
	key := scopeKey(t.Scopes)
	m.mu.Unlock()

	res, err := m.refresh(ctx, m.clientID, m.clientSecret, refreshToken)
	if err != nil {
		if errors.Is(err, twitchapi.ErrInvalidRefreshToken) {
			if perr := m.purge(ctx, userID, key); perr != nil {
				slog.Error("token purge failed", slog.String("twitch_user_id", userID), slog.Any("err", perr))
			}
			telemetry.IncCounter(telemetry.TokensPurged)
			slog.Warn("purged revoked token", slog.String("twitch_user_id", userID), slog.String("scopes", key))
		}
		return "", fmt.Errorf("refresh access token for %s: %w", userID, err)
	}

	m.mu.Lock()
	t, ok := m.byUser[userID][key]
	if !ok {
		// Purged concurrently; do not resurrect.
		m.mu.Unlock()
		return "", fmt.Errorf("no token for twitch user %s", userID)
	}
	t.AccessToken = res.AccessToken
	t.Expiry = twitchapi.ComputeExpiry(res.ExpiresIn)
	rotated := res.RefreshToken != "" && res.RefreshToken != t.RefreshToken
	if rotated {
		t.RefreshToken = res.RefreshToken
	}
	m.mu.Unlock()

	if rotated {
		if err := m.persistRotation(ctx, userID, key, res.RefreshToken); err != nil {
			slog.Warn("persisting rotated refresh token failed", slog.String("twitch_user_id", userID), slog.Any("err", err))
		}
	}
	return res.AccessToken, nil
}

// persistRotation rewrites the stored refresh token without disturbing the
// cached access token the way Save would.
func (m *Manager) persistRotation(ctx context.Context, userID, key, refreshToken string) error {
	stored, version, err := dbpkg.EncryptToken(refreshToken)
	if err != nil {
		return fmt.Errorf("encrypt token: %w", err)
	}
	res, err := m.db.ExecContext(ctx, `UPDATE twitch_tokens SET refresh_token=$1, encryption_version=$2 WHERE twitch_user_id=$3 AND scopes=$4`,
		stored, version, userID, key)
	if err != nil {
		return fmt.Errorf("update token row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = m.db.ExecContext(ctx, `INSERT INTO twitch_tokens (twitch_user_id, refresh_token, scopes, encryption_version) VALUES ($1,$2,$3,$4)`,
			userID, stored, key, version)
		if err != nil {
			return fmt.Errorf("insert token row: %w", err)
		}
	}
	return nil
}

// PurgeUser removes every grant of a user from memory and the database.
func (m *Manager) PurgeUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	delete(m.byUser, userID)
	m.mu.Unlock()
	if _, err := m.db.ExecContext(ctx, `DELETE FROM twitch_tokens WHERE twitch_user_id=$1`, userID); err != nil {
		return fmt.Errorf("delete token rows: %w", err)
	}
	return nil
}

// purge removes one grant, identified by user and scope key.
func (m *Manager) purge(ctx context.Context, userID, key string) error {
	m.mu.Lock()
	if tokens, ok := m.byUser[userID]; ok {
		delete(tokens, key)
		if len(tokens) == 0 {
			delete(m.byUser, userID)
		}
	}
	m.mu.Unlock()
	if _, err := m.db.ExecContext(ctx, `DELETE FROM twitch_tokens WHERE twitch_user_id=$1 AND scopes=$2`, userID, key); err != nil {
		return fmt.Errorf("delete token row: %w", err)
	}
	return nil
}

func splitScopes(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
