// Package identity maintains the graph linking Twitch and Discord accounts
// to a shared identity row, plus the moderator relations between identities.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrIdentityMismatch is returned when a link would join two accounts that
// already belong to different identities. Identities are never merged
// automatically; an operator has to untangle the rows by hand.
var ErrIdentityMismatch = errors.New("accounts belong to different identities")

// ErrNotFound is returned when no row exists for the requested account.
var ErrNotFound = errors.New("identity not found")

// cacheTTL bounds how stale a cached identity view may get before the next
// read goes back to the database.
const cacheTTL = 10 * time.Minute

type Identity struct {
	ID            int64
	Name          string
	Authenticated bool
	Admin         bool
	Moderator     bool
	CreatedAt     time.Time
}

type TwitchUser struct {
	ID              string
	IdentityID      int64 // 0 when unlinked
	Login           string
	DisplayName     string
	Email           string
	ProfileImageURL string
	OfflineImageURL string
	Description     string
	ViewCount       int
	FollowerCount   int
	Affiliation     string
}

type DiscordUser struct {
	ID            string
	IdentityID    int64 // 0 when unlinked
	Name          string
	Discriminator string
	Avatar        string
}

// FullIdentity is the composed view of an identity and whichever platform
// accounts are attached to it. Twitch or Discord may be nil.
type FullIdentity struct {
	Identity
	Twitch  *TwitchUser
	Discord *DiscordUser
}

// cacheEntry holds one composed view. A nil full is a cached miss; chat
// relaying looks up every chatter, most of whom have no account row.
type cacheEntry struct {
	full *FullIdentity
	at   time.Time
}

// Service resolves and mutates the identity graph. Reads are cached for
// cacheTTL; every write invalidates the affected entries.
type Service struct {
	db *sql.DB

	mu        sync.Mutex
	byTwitch  map[string]cacheEntry // twitch user id -> view
	byDiscord map[string]cacheEntry // discord user id -> view
	byLogin   map[string]string     // twitch login -> twitch user id
	now       func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{
		db:        db,
		byTwitch:  map[string]cacheEntry{},
		byDiscord: map[string]cacheEntry{},
		byLogin:   map[string]string{},
		now:       time.Now,
	}
}

// UpsertTwitchUser inserts or refreshes a Twitch account row. The identity
// attachment, if any, is left untouched.
func (s *Service) UpsertTwitchUser(ctx context.Context, u *TwitchUser) error {
	if u == nil || u.ID == "" {
		return errors.New("twitch user id required")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO twitch_users (id, login, display_name, email, profile_image_url, offline_image_url, description, view_count, follower_count, affiliation, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())
		ON CONFLICT (id) DO UPDATE SET login=EXCLUDED.login, display_name=EXCLUDED.display_name, email=EXCLUDED.email, profile_image_url=EXCLUDED.profile_image_url, offline_image_url=EXCLUDED.offline_image_url, description=EXCLUDED.description, view_count=EXCLUDED.view_count, follower_count=EXCLUDED.follower_count, affiliation=EXCLUDED.affiliation, updated_at=NOW()`,
		u.ID, u.Login, u.DisplayName, u.Email, u.ProfileImageURL, u.OfflineImageURL, u.Description, u.ViewCount, u.FollowerCount, u.Affiliation)
	if err != nil {
		return fmt.Errorf("upsert twitch user: %w", err)
	}
	s.invalidateTwitch(u.ID, u.Login)
	return nil
}

// UpsertDiscordUser inserts or refreshes a Discord account row.
func (s *Service) UpsertDiscordUser(ctx context.Context, u *DiscordUser) error {
	if u == nil || u.ID == "" {
		return errors.New("discord user id required")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO discord_users (id, name, discriminator, avatar, updated_at)
		VALUES ($1,$2,$3,$4,NOW())
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, discriminator=EXCLUDED.discriminator, avatar=EXCLUDED.avatar, updated_at=NOW()`,
		u.ID, u.Name, u.Discriminator, u.Avatar)
	if err != nil {
		return fmt.Errorf("upsert discord user: %w", err)
	}
	s.invalidateDiscord(u.ID)
	return nil
}

// TwitchUserByID reads a single Twitch account row, served from the cached
// identity view while one is fresh.
func (s *Service) TwitchUserByID(ctx context.Context, id string) (*TwitchUser, error) {
	s.mu.Lock()
	if e, ok := s.byTwitch[id]; ok && s.now().Sub(e.at) < cacheTTL {
		s.mu.Unlock()
		if e.full == nil {
			return nil, ErrNotFound
		}
		return e.full.Twitch, nil
	}
	s.mu.Unlock()
	return scanTwitchUser(s.db.QueryRowContext(ctx, `SELECT id, COALESCE(identity_id,0), login, display_name, COALESCE(email,''), COALESCE(profile_image_url,''), COALESCE(offline_image_url,''), COALESCE(description,''), view_count, follower_count, COALESCE(affiliation,'') FROM twitch_users WHERE id=$1`, id))
}

// TwitchUserByLogin reads a single Twitch account row by login name.
func (s *Service) TwitchUserByLogin(ctx context.Context, login string) (*TwitchUser, error) {
	return scanTwitchUser(s.db.QueryRowContext(ctx, `SELECT id, COALESCE(identity_id,0), login, display_name, COALESCE(email,''), COALESCE(profile_image_url,''), COALESCE(offline_image_url,''), COALESCE(description,''), view_count, follower_count, COALESCE(affiliation,'') FROM twitch_users WHERE LOWER(login)=LOWER($1)`, login))
}

// DiscordUserByID reads a single Discord account row, served from the
// cached identity view while one is fresh.
func (s *Service) DiscordUserByID(ctx context.Context, id string) (*DiscordUser, error) {
	s.mu.Lock()
	if e, ok := s.byDiscord[id]; ok && s.now().Sub(e.at) < cacheTTL {
		s.mu.Unlock()
		if e.full == nil {
			return nil, ErrNotFound
		}
		return e.full.Discord, nil
	}
	s.mu.Unlock()
	u := &DiscordUser{}
	err := s.db.QueryRowContext(ctx, `SELECT id, COALESCE(identity_id,0), name, COALESCE(discriminator,''), COALESCE(avatar,'') FROM discord_users WHERE id=$1`, id).
		Scan(&u.ID, &u.IdentityID, &u.Name, &u.Discriminator, &u.Avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read discord user: %w", err)
	}
	return u, nil
}

// FullIdentityByTwitchID composes the identity view for a Twitch account.
// The view is served from cache when a fresh entry exists.
func (s *Service) FullIdentityByTwitchID(ctx context.Context, twitchID string) (*FullIdentity, error) {
	s.mu.Lock()
	if e, ok := s.byTwitch[twitchID]; ok && s.now().Sub(e.at) < cacheTTL {
		s.mu.Unlock()
		if e.full == nil {
			return nil, ErrNotFound
		}
		return e.full, nil
	}
	s.mu.Unlock()

	tu, err := s.TwitchUserByID(ctx, twitchID)
	if errors.Is(err, ErrNotFound) {
		s.mu.Lock()
		s.byTwitch[twitchID] = cacheEntry{at: s.now()}
		s.mu.Unlock()
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	full, err := s.composeForTwitch(ctx, tu)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.byTwitch[twitchID] = cacheEntry{full: full, at: s.now()}
	s.byLogin[tu.Login] = tu.ID
	s.mu.Unlock()
	return full, nil
}

// FullIdentityByDiscordID composes the identity view for a Discord account.
func (s *Service) FullIdentityByDiscordID(ctx context.Context, discordID string) (*FullIdentity, error) {
	s.mu.Lock()
	if e, ok := s.byDiscord[discordID]; ok && s.now().Sub(e.at) < cacheTTL {
		s.mu.Unlock()
		if e.full == nil {
			return nil, ErrNotFound
		}
		return e.full, nil
	}
	s.mu.Unlock()

	du, err := s.DiscordUserByID(ctx, discordID)
	if errors.Is(err, ErrNotFound) {
		s.mu.Lock()
		s.byDiscord[discordID] = cacheEntry{at: s.now()}
		s.mu.Unlock()
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	full := &FullIdentity{Discord: du}
	if du.IdentityID != 0 {
		ident, err := s.identityByID(ctx, du.IdentityID)
		if err != nil {
			return nil, err
		}
		full.Identity = *ident
		full.Twitch, _ = s.twitchUserByIdentity(ctx, du.IdentityID)
	}
	s.mu.Lock()
	s.byDiscord[discordID] = cacheEntry{full: full, at: s.now()}
	s.mu.Unlock()
	return full, nil
}

// DiscordIDForTwitchLogin resolves the Discord account linked to a Twitch
// login. Returns "" without error when no link exists; mention rewriting
// treats that as "leave the text alone".
func (s *Service) DiscordIDForTwitchLogin(ctx context.Context, login string) (string, error) {
	s.mu.Lock()
	if id, ok := s.byLogin[login]; ok {
		if e, ok := s.byTwitch[id]; ok && s.now().Sub(e.at) < cacheTTL {
			s.mu.Unlock()
			if e.full.Discord != nil {
				return e.full.Discord.ID, nil
			}
			return "", nil
		}
	}
	s.mu.Unlock()

	tu, err := s.TwitchUserByLogin(ctx, login)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	full, err := s.FullIdentityByTwitchID(ctx, tu.ID)
	if err != nil {
		return "", err
	}
	if full.Discord == nil {
		return "", nil
	}
	return full.Discord.ID, nil
}

// TwitchLoginForDiscordID resolves the Twitch login linked to a Discord
// account, "" when unlinked.
func (s *Service) TwitchLoginForDiscordID(ctx context.Context, discordID string) (string, error) {
	full, err := s.FullIdentityByDiscordID(ctx, discordID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if full.Twitch == nil {
		return "", nil
	}
	return full.Twitch.Login, nil
}

func (s *Service) composeForTwitch(ctx context.Context, tu *TwitchUser) (*FullIdentity, error) {
	full := &FullIdentity{Twitch: tu}
	if tu.IdentityID == 0 {
		return full, nil
	}
	ident, err := s.identityByID(ctx, tu.IdentityID)
	if err != nil {
		return nil, err
	}
	full.Identity = *ident
	full.Discord, _ = s.discordUserByIdentity(ctx, tu.IdentityID)
	return full, nil
}

func (s *Service) identityByID(ctx context.Context, id int64) (*Identity, error) {
	i := &Identity{}
	err := s.db.QueryRowContext(ctx, `SELECT id, name, authenticated, admin, moderator, created_at FROM identities WHERE id=$1`, id).
		Scan(&i.ID, &i.Name, &i.Authenticated, &i.Admin, &i.Moderator, &i.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	return i, nil
}

func (s *Service) twitchUserByIdentity(ctx context.Context, identityID int64) (*TwitchUser, error) {
	return scanTwitchUser(s.db.QueryRowContext(ctx, `SELECT id, COALESCE(identity_id,0), login, display_name, COALESCE(email,''), COALESCE(profile_image_url,''), COALESCE(offline_image_url,''), COALESCE(description,''), view_count, follower_count, COALESCE(affiliation,'') FROM twitch_users WHERE identity_id=$1`, identityID))
}

func (s *Service) discordUserByIdentity(ctx context.Context, identityID int64) (*DiscordUser, error) {
	u := &DiscordUser{}
	err := s.db.QueryRowContext(ctx, `SELECT id, COALESCE(identity_id,0), name, COALESCE(discriminator,''), COALESCE(avatar,'') FROM discord_users WHERE identity_id=$1`, identityID).
		Scan(&u.ID, &u.IdentityID, &u.Name, &u.Discriminator, &u.Avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read discord user: %w", err)
	}
	return u, nil
}

func scanTwitchUser(row *sql.Row) (*TwitchUser, error) {
	u := &TwitchUser{}
	err := row.Scan(&u.ID, &u.IdentityID, &u.Login, &u.DisplayName, &u.Email, &u.ProfileImageURL, &u.OfflineImageURL, &u.Description, &u.ViewCount, &u.FollowerCount, &u.Affiliation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read twitch user: %w", err)
	}
	return u, nil
}

func (s *Service) invalidateTwitch(id, login string) {
	s.mu.Lock()
	delete(s.byTwitch, id)
	if login != "" {
		delete(s.byLogin, login)
	}
	s.mu.Unlock()
}

func (s *Service) invalidateDiscord(id string) {
	s.mu.Lock()
	delete(s.byDiscord, id)
	s.mu.Unlock()
}
