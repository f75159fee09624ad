package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/chat-bridge/testutil"
)

func testService(t *testing.T) *Service {
	t.Helper()
	db := testutil.SetupTestDB(t)
	for _, table := range []string{"moderator_links", "twitch_users", "discord_users", "identities"} {
		_, _ = db.Exec(`DELETE FROM ` + table)
	}
	return NewService(db)
}

func seedPair(t *testing.T, s *Service, twitchID, login, discordID, name string) {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertTwitchUser(ctx, &TwitchUser{ID: twitchID, Login: login, DisplayName: login}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertDiscordUser(ctx, &DiscordUser{ID: discordID, Name: name}); err != nil {
		t.Fatal(err)
	}
}

func TestLinkIdempotent(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	seedPair(t, s, "t1", "streamer", "d1", "streamer#0")

	first, err := s.Link(ctx, "t1", "d1")
	if err != nil {
		t.Fatalf("first link: %v", err)
	}
	if first.Twitch == nil || first.Discord == nil {
		t.Fatalf("link did not compose both sides: %+v", first)
	}
	second, err := s.Link(ctx, "t1", "d1")
	if err != nil {
		t.Fatalf("repeated link: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("repeated link changed identity: %d then %d", first.ID, second.ID)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM identities`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected exactly one identity, found %d", count)
	}
}

func TestLinkMismatchLeavesRowsAlone(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	seedPair(t, s, "t1", "alice", "d1", "alice#0")
	seedPair(t, s, "t2", "bob", "d2", "bob#0")

	if _, err := s.Link(ctx, "t1", "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Link(ctx, "t2", "d2"); err != nil {
		t.Fatal(err)
	}

	_, err := s.Link(ctx, "t1", "d2")
	if !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("expected ErrIdentityMismatch, got %v", err)
	}

	a, err := s.FullIdentityByTwitchID(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.FullIdentityByDiscordID(ctx, "d2")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Errorf("mismatch must not merge identities")
	}
	if a.Discord == nil || a.Discord.ID != "d1" {
		t.Errorf("existing link disturbed: %+v", a.Discord)
	}
}

func TestLinkAttachesToExistingIdentity(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	seedPair(t, s, "t1", "alice", "d1", "alice#0")
	if err := s.UpsertDiscordUser(ctx, &DiscordUser{ID: "d9", Name: "late"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Link(ctx, "t1", "d1"); err != nil {
		t.Fatal(err)
	}

	// A second discord account cannot join the pair.
	if _, err := s.Link(ctx, "t1", "d9"); err != nil {
		t.Fatalf("attaching unlinked discord to linked twitch should reuse identity: %v", err)
	}
}

func TestMentionResolution(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	seedPair(t, s, "t1", "alice", "d1", "alice#0")
	if _, err := s.Link(ctx, "t1", "d1"); err != nil {
		t.Fatal(err)
	}

	id, err := s.DiscordIDForTwitchLogin(ctx, "ALICE")
	if err != nil {
		t.Fatal(err)
	}
	if id != "d1" {
		t.Errorf("DiscordIDForTwitchLogin = %q, want d1", id)
	}

	id, err = s.DiscordIDForTwitchLogin(ctx, "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if id != "" {
		t.Errorf("unlinked login should resolve to empty, got %q", id)
	}

	login, err := s.TwitchLoginForDiscordID(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if login != "alice" {
		t.Errorf("TwitchLoginForDiscordID = %q, want alice", login)
	}
}

func TestCacheExpiresAndInvalidates(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	seedPair(t, s, "t1", "alice", "d1", "alice#0")

	base := time.Now()
	s.now = func() time.Time { return base }

	before, err := s.FullIdentityByTwitchID(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if before.Discord != nil {
		t.Fatalf("not linked yet, got %+v", before.Discord)
	}

	// Writes invalidate, so the next read observes the link immediately.
	if _, err := s.Link(ctx, "t1", "d1"); err != nil {
		t.Fatal(err)
	}
	after, err := s.FullIdentityByTwitchID(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if after.Discord == nil {
		t.Fatal("cache not invalidated by link")
	}

	// A stale entry past the TTL is refreshed rather than served.
	s.mu.Lock()
	s.byTwitch["t1"] = cacheEntry{full: before, at: base.Add(-cacheTTL - time.Second)}
	s.mu.Unlock()
	again, err := s.FullIdentityByTwitchID(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Discord == nil {
		t.Error("expired cache entry was served")
	}
}

func TestPlatformReadsServedFromCache(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	seedPair(t, s, "t1", "alice", "d1", "alice#0")

	if _, err := s.FullIdentityByTwitchID(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FullIdentityByDiscordID(ctx, "d1"); err != nil {
		t.Fatal(err)
	}

	// Drop the rows behind the cache's back; fresh entries still serve.
	if _, err := s.db.Exec(`DELETE FROM twitch_users WHERE id='t1'`); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Exec(`DELETE FROM discord_users WHERE id='d1'`); err != nil {
		t.Fatal(err)
	}

	tu, err := s.TwitchUserByID(ctx, "t1")
	if err != nil {
		t.Fatalf("cached twitch read: %v", err)
	}
	if tu.Login != "alice" {
		t.Errorf("cached twitch user = %+v", tu)
	}
	du, err := s.DiscordUserByID(ctx, "d1")
	if err != nil {
		t.Fatalf("cached discord read: %v", err)
	}
	if du.Name != "alice#0" {
		t.Errorf("cached discord user = %+v", du)
	}
}

func TestUnknownChatterLookupCached(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }

	if _, err := s.FullIdentityByTwitchID(ctx, "t9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// A row inserted behind the cache's back stays invisible until the
	// miss entry expires.
	if _, err := s.db.Exec(`INSERT INTO twitch_users (id, login, display_name) VALUES ('t9','niner','Niner')`); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FullIdentityByTwitchID(ctx, "t9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("miss not cached, got %v", err)
	}
	s.now = func() time.Time { return base.Add(cacheTTL + time.Second) }
	full, err := s.FullIdentityByTwitchID(ctx, "t9")
	if err != nil {
		t.Fatal(err)
	}
	if full.Twitch == nil || full.Twitch.Login != "niner" {
		t.Errorf("expired miss entry not refreshed: %+v", full)
	}

	// An upsert invalidates a cached miss immediately.
	s.now = func() time.Time { return base }
	if _, err := s.FullIdentityByTwitchID(ctx, "t8"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpsertTwitchUser(ctx, &TwitchUser{ID: "t8", Login: "eight", DisplayName: "Eight"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FullIdentityByTwitchID(ctx, "t8"); err != nil {
		t.Errorf("upsert did not clear cached miss: %v", err)
	}
}

func TestSyncModeratorsCreatesUnknownUsers(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	seedPair(t, s, "b1", "caster", "d0", "caster#0")

	roster := []TwitchUser{{ID: "m9", Login: "newmod", DisplayName: "NewMod"}}
	if err := s.SyncModerators(ctx, "b1", roster); err != nil {
		t.Fatal(err)
	}

	tu, err := s.TwitchUserByID(ctx, "m9")
	if err != nil {
		t.Fatalf("scanned moderator not created: %v", err)
	}
	if tu.Login != "newmod" || tu.IdentityID == 0 {
		t.Errorf("created moderator = %+v", tu)
	}
	caster, err := s.FullIdentityByTwitchID(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	active, err := s.IsActiveModerator(ctx, tu.IdentityID, caster.Twitch.IdentityID)
	if err != nil {
		t.Fatal(err)
	}
	if !active {
		t.Error("created moderator has no active link")
	}
}

func TestSyncModeratorsDecay(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	seedPair(t, s, "b1", "caster", "d0", "caster#0")
	seedPair(t, s, "m1", "modone", "d1", "modone#0")
	seedPair(t, s, "m2", "modtwo", "d2", "modtwo#0")

	if err := s.SyncModerators(ctx, "b1", []TwitchUser{{ID: "m1", Login: "modone"}, {ID: "m2", Login: "modtwo"}}); err != nil {
		t.Fatal(err)
	}
	caster, err := s.FullIdentityByTwitchID(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	links, err := s.ModeratorsFor(ctx, caster.Twitch.IdentityID)
	if err != nil {
		t.Fatal(err)
	}
	active := 0
	for _, l := range links {
		if l.Active {
			active++
		}
	}
	if active != 2 {
		t.Fatalf("expected 2 active links, got %d (%+v)", active, links)
	}

	// m2 dropped from the next scan: row stays, active flips off.
	if err := s.SyncModerators(ctx, "b1", []TwitchUser{{ID: "m1", Login: "modone"}}); err != nil {
		t.Fatal(err)
	}
	links, err = s.ModeratorsFor(ctx, caster.Twitch.IdentityID)
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 2 {
		t.Fatalf("decay must keep rows, got %d", len(links))
	}
	active = 0
	for _, l := range links {
		if l.Active {
			active++
		}
	}
	if active != 1 {
		t.Errorf("expected 1 active link after decay, got %d", active)
	}
}
