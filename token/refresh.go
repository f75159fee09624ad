package token

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// StartRefresher launches a goroutine that keeps cached access tokens warm.
// Every interval it walks the known users and refreshes any token whose
// access credential is missing or expires inside the window. Revoked
// refresh tokens get purged by AccessToken, so the loop also acts as a
// garbage collector for dead grants.
func (m *Manager) StartRefresher(ctx context.Context, interval, window time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			for _, t := range m.snapshots() {
				if t.AccessToken != "" && time.Until(t.Expiry) > window {
					continue
				}
				ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
				_, err := m.AccessToken(ctx2, t.TwitchUserID, t.Scopes...)
				cancel()
				if err != nil {
					slog.Warn("background token refresh failed", slog.String("twitch_user_id", t.TwitchUserID), slog.Any("err", err))
					continue
				}
				slog.Debug("token refreshed", slog.String("twitch_user_id", t.TwitchUserID))
			}
		}
	}()
}
