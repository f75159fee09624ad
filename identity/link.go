package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// Link attaches a Twitch account and a Discord account to the same identity.
// Both account rows must already exist. The operation is idempotent: linking
// an already-linked pair is a no-op. If the two accounts are attached to
// different identities the call fails with ErrIdentityMismatch and nothing
// changes.
func (s *Service) Link(ctx context.Context, twitchID, discordID string) (*FullIdentity, error) {
	tu, err := s.TwitchUserByID(ctx, twitchID)
	if err != nil {
		return nil, err
	}
	du, err := s.DiscordUserByID(ctx, discordID)
	if err != nil {
		return nil, err
	}

	switch {
	case tu.IdentityID != 0 && du.IdentityID != 0:
		if tu.IdentityID != du.IdentityID {
			return nil, fmt.Errorf("twitch %s has identity %d, discord %s has identity %d: %w",
				twitchID, tu.IdentityID, discordID, du.IdentityID, ErrIdentityMismatch)
		}
		// Already linked to each other.
		return s.FullIdentityByTwitchID(ctx, twitchID)
	case tu.IdentityID != 0:
		if err := s.attach(ctx, `UPDATE discord_users SET identity_id=$1, updated_at=NOW() WHERE id=$2`, tu.IdentityID, discordID); err != nil {
			return nil, err
		}
	case du.IdentityID != 0:
		if err := s.attach(ctx, `UPDATE twitch_users SET identity_id=$1, updated_at=NOW() WHERE id=$2`, du.IdentityID, twitchID); err != nil {
			return nil, err
		}
	default:
		if err := s.createAndAttach(ctx, tu, du); err != nil {
			return nil, err
		}
	}

	s.invalidateTwitch(tu.ID, tu.Login)
	s.invalidateDiscord(du.ID)
	slog.Info("linked identities", slog.String("twitch_id", twitchID), slog.String("discord_id", discordID))
	return s.FullIdentityByTwitchID(ctx, twitchID)
}

func (s *Service) attach(ctx context.Context, query string, identityID int64, accountID string) error {
	if _, err := s.db.ExecContext(ctx, query, identityID, accountID); err != nil {
		return fmt.Errorf("attach account to identity: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE identities SET authenticated=TRUE WHERE id=$1`, identityID); err != nil {
		return fmt.Errorf("mark identity authenticated: %w", err)
	}
	return nil
}

func (s *Service) createAndAttach(ctx context.Context, tu *TwitchUser, du *DiscordUser) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin link tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	name := tu.DisplayName
	if name == "" {
		name = du.Name
	}
	var identityID int64
	if err := tx.QueryRowContext(ctx, `INSERT INTO identities (name, authenticated) VALUES ($1, TRUE) RETURNING id`, name).Scan(&identityID); err != nil {
		return fmt.Errorf("create identity: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE twitch_users SET identity_id=$1, updated_at=NOW() WHERE id=$2 AND identity_id IS NULL`, identityID, tu.ID); err != nil {
		return fmt.Errorf("attach twitch user: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE discord_users SET identity_id=$1, updated_at=NOW() WHERE id=$2 AND identity_id IS NULL`, identityID, du.ID); err != nil {
		return fmt.Errorf("attach discord user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit link tx: %w", err)
	}
	return nil
}

// ensureIdentity returns the identity id for a Twitch account, creating a
// bare identity when the account is not linked yet. Moderator sync uses this
// so the relation graph covers accounts that never linked a Discord account.
func (s *Service) ensureIdentity(ctx context.Context, tu *TwitchUser) (int64, error) {
	if tu.IdentityID != 0 {
		return tu.IdentityID, nil
	}
	var identityID int64
	err := s.db.QueryRowContext(ctx, `INSERT INTO identities (name) VALUES ($1) RETURNING id`, tu.DisplayName).Scan(&identityID)
	if err != nil {
		return 0, fmt.Errorf("create identity: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE twitch_users SET identity_id=$1, updated_at=NOW() WHERE id=$2 AND identity_id IS NULL`, identityID, tu.ID)
	if err != nil {
		return 0, fmt.Errorf("attach twitch user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Raced with another writer; read back whichever identity won.
		_, _ = s.db.ExecContext(ctx, `DELETE FROM identities WHERE id=$1`, identityID)
		var existing sql.NullInt64
		if err := s.db.QueryRowContext(ctx, `SELECT identity_id FROM twitch_users WHERE id=$1`, tu.ID).Scan(&existing); err != nil {
			return 0, fmt.Errorf("reread twitch user: %w", err)
		}
		if !existing.Valid {
			return 0, errors.New("twitch user lost identity during sync")
		}
		identityID = existing.Int64
	}
	s.invalidateTwitch(tu.ID, tu.Login)
	return identityID, nil
}
