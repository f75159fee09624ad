package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ModeratorLink records that one identity moderates for another. Rows are
// never deleted; a moderator dropped from a later scan keeps the row with
// active=false so the history survives.
type ModeratorLink struct {
	IdentityID int64
	ModforID   int64
	Active     bool
	FirstSeen  time.Time
	LastSeen   time.Time
}

// SyncModerators reconciles the moderator relations for a broadcaster
// against a freshly scanned roster. Moderators without an account row yet
// are created from the roster record; current moderators are upserted with
// active=true and a bumped last_seen; rows for moderators missing from the
// scan flip to active=false.
func (s *Service) SyncModerators(ctx context.Context, broadcasterTwitchID string, roster []TwitchUser) error {
	btu, err := s.TwitchUserByID(ctx, broadcasterTwitchID)
	if err != nil {
		return fmt.Errorf("resolve broadcaster: %w", err)
	}
	modforID, err := s.ensureIdentity(ctx, btu)
	if err != nil {
		return err
	}

	current := make([]int64, 0, len(roster))
	for i := range roster {
		mod := roster[i]
		tu, err := s.TwitchUserByID(ctx, mod.ID)
		if errors.Is(err, ErrNotFound) {
			if err := s.UpsertTwitchUser(ctx, &mod); err != nil {
				slog.Warn("creating scanned moderator failed", slog.String("twitch_id", mod.ID), slog.Any("err", err))
				continue
			}
			tu, err = s.TwitchUserByID(ctx, mod.ID)
		}
		if err != nil {
			slog.Warn("resolving scanned moderator failed", slog.String("twitch_id", mod.ID), slog.Any("err", err))
			continue
		}
		identityID, err := s.ensureIdentity(ctx, tu)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO moderator_links (identity_id, modfor_id, active, first_seen, last_seen)
			VALUES ($1,$2,TRUE,NOW(),NOW())
			ON CONFLICT (identity_id, modfor_id) DO UPDATE SET active=TRUE, last_seen=NOW()`, identityID, modforID); err != nil {
			return fmt.Errorf("upsert moderator link: %w", err)
		}
		current = append(current, identityID)
	}

	// Decay links missing from this scan.
	var res int64
	if len(current) == 0 {
		r, err := s.db.ExecContext(ctx, `UPDATE moderator_links SET active=FALSE WHERE modfor_id=$1 AND active`, modforID)
		if err != nil {
			return fmt.Errorf("decay moderator links: %w", err)
		}
		res, _ = r.RowsAffected()
	} else {
		r, err := s.db.ExecContext(ctx, `UPDATE moderator_links SET active=FALSE WHERE modfor_id=$1 AND active AND NOT (identity_id = ANY($2))`, modforID, current)
		if err != nil {
			return fmt.Errorf("decay moderator links: %w", err)
		}
		res, _ = r.RowsAffected()
	}

	// Keep the convenience flag on identities in step with the link graph.
	if _, err := s.db.ExecContext(ctx, `UPDATE identities i SET moderator = EXISTS (SELECT 1 FROM moderator_links ml WHERE ml.identity_id=i.id AND ml.active)
		WHERE i.id IN (SELECT identity_id FROM moderator_links WHERE modfor_id=$1)`, modforID); err != nil {
		return fmt.Errorf("refresh moderator flags: %w", err)
	}

	slog.Info("moderator sync complete",
		slog.String("broadcaster", broadcasterTwitchID),
		slog.Int("active", len(current)),
		slog.Int64("deactivated", res))
	return nil
}

// ModeratorsFor lists the moderator links for a broadcaster identity,
// active rows first, most recently seen first within each group.
func (s *Service) ModeratorsFor(ctx context.Context, modforID int64) ([]ModeratorLink, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity_id, modfor_id, active, first_seen, last_seen FROM moderator_links WHERE modfor_id=$1 ORDER BY active DESC, last_seen DESC`, modforID)
	if err != nil {
		return nil, fmt.Errorf("list moderator links: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var links []ModeratorLink
	for rows.Next() {
		var l ModeratorLink
		if err := rows.Scan(&l.IdentityID, &l.ModforID, &l.Active, &l.FirstSeen, &l.LastSeen); err != nil {
			return nil, fmt.Errorf("scan moderator link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// IsActiveModerator reports whether the identity currently moderates for
// the broadcaster identity.
func (s *Service) IsActiveModerator(ctx context.Context, identityID, modforID int64) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx, `SELECT active FROM moderator_links WHERE identity_id=$1 AND modfor_id=$2`, identityID, modforID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read moderator link: %w", err)
	}
	return active, nil
}
