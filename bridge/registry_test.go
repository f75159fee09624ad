package bridge

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/onnwee/chat-bridge/testutil"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db := testutil.SetupTestDB(t)
	for _, table := range []string{"bridge_messages", "bridges", "twitch_users"} {
		_, _ = db.Exec(`DELETE FROM ` + table)
	}
	_, err := db.Exec(`INSERT INTO twitch_users (id, login, display_name) VALUES ('42','caster','Caster')`)
	if err != nil {
		t.Fatal(err)
	}
	return db
}

func TestAddBridgeProvisionsWebhook(t *testing.T) {
	db := testDB(t)
	m := newFakeMessenger()
	r := NewRegistry(db, m, &fakeJoiner{})

	b, err := r.Add(context.Background(), TypeInteractive, "42", "Caster", "chA")
	if err != nil {
		t.Fatal(err)
	}
	if b.ID == 0 {
		t.Error("bridge id not populated from insert")
	}
	if b.WebhookID == "" || b.WebhookToken == "" {
		t.Error("interactive bridge missing webhook credentials")
	}
	if b.TwitchLogin != "caster" {
		t.Errorf("login not normalized: %q", b.TwitchLogin)
	}
	if m.webhooks != 1 {
		t.Errorf("expected one webhook provisioned, got %d", m.webhooks)
	}
}

func TestAddBridgeRejectsDuplicateChannel(t *testing.T) {
	db := testDB(t)
	r := NewRegistry(db, newFakeMessenger(), &fakeJoiner{})
	ctx := context.Background()

	if _, err := r.Add(ctx, TypeMessageStack, "42", "caster", "chA"); err != nil {
		t.Fatal(err)
	}
	_, err := r.Add(ctx, TypeMessageStack, "42", "caster", "chA")
	if !errors.Is(err, ErrBridgeExists) {
		t.Fatalf("expected ErrBridgeExists, got %v", err)
	}
}

func TestAddBridgeConcurrentCreatorsCollapse(t *testing.T) {
	db := testDB(t)
	r := NewRegistry(db, newFakeMessenger(), &fakeJoiner{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Add(ctx, TypeMessageStack, "42", "caster", "chA")
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
		} else if !errors.Is(err, ErrBridgeExists) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	// Races collapsed by singleflight may share the single success.
	if created == 0 {
		t.Fatal("no creation succeeded")
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM bridges WHERE channel_id='chA'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected exactly one bridge row, got %d", count)
	}
}

func TestLoadJoinsChannelsAndSkipsBadRows(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if _, err := db.Exec(`INSERT INTO bridges (type, twitch_user_id, channel_id) VALUES ('messagestack','42','chA')`); err != nil {
		t.Fatal(err)
	}
	// Row with a type no bridge understands; load must skip it, not fail.
	if _, err := db.Exec(`INSERT INTO bridges (type, twitch_user_id, channel_id) VALUES ('bogus','42','chB')`); err != nil {
		t.Fatal(err)
	}

	j := &fakeJoiner{}
	r := NewRegistry(db, newFakeMessenger(), j)
	if err := r.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(r.All()); got != 1 {
		t.Fatalf("expected 1 loaded bridge, got %d", got)
	}
	j.mu.Lock()
	joined := len(j.joined)
	j.mu.Unlock()
	if joined != 1 {
		t.Errorf("expected one channel join, got %d", joined)
	}
}

func TestRemoveBridgeDeparts(t *testing.T) {
	db := testDB(t)
	j := &fakeJoiner{}
	r := NewRegistry(db, newFakeMessenger(), j)
	ctx := context.Background()

	b, err := r.Add(ctx, TypeMessageStack, "42", "caster", "chA")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Remove(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	if got := r.ByChannel("chA"); got != nil {
		t.Error("bridge still registered after remove")
	}
	j.mu.Lock()
	departed := len(j.departed)
	j.mu.Unlock()
	if departed != 1 {
		t.Errorf("expected depart after last bridge removed, got %d", departed)
	}
	if err := r.Remove(ctx, b.ID); !errors.Is(err, ErrBridgeNotFound) {
		t.Errorf("expected ErrBridgeNotFound, got %v", err)
	}
}

func TestInteractiveRelayRecordsMapping(t *testing.T) {
	db := testDB(t)
	m := newFakeMessenger()
	r := NewRegistry(db, m, &fakeJoiner{})
	ctx := context.Background()

	b, err := r.Add(ctx, TypeInteractive, "42", "caster", "chA")
	if err != nil {
		t.Fatal(err)
	}
	relay := NewRelay(db, r, m, &fakeDirectory{}, &fakeSpeaker{})
	relay.RelayTwitchMessage(ctx, IncomingMessage{
		ID: "tm1", RoomID: "42", UserID: "7", Login: "bob", DisplayName: "Bob", Text: "hi",
	})

	if got := m.messageCount("chA"); got != 1 {
		t.Fatalf("expected one webhook message, got %d", got)
	}
	mapping, err := relay.Mapping(ctx, "tm1")
	if err != nil {
		t.Fatal(err)
	}
	if mapping.BridgeID != b.ID || mapping.Deleted {
		t.Errorf("mapping = %+v", mapping)
	}

	// Source deletion marks the row but leaves the Discord copy.
	relay.HandleTwitchMessageDeleted(ctx, "tm1")
	mapping, err = relay.Mapping(ctx, "tm1")
	if err != nil {
		t.Fatal(err)
	}
	if !mapping.Deleted {
		t.Error("mapping not marked deleted")
	}
	if got := m.messageCount("chA"); got != 1 {
		t.Errorf("Discord copy must survive source deletion, %d messages left", got)
	}
}

func TestTimeoutMarksAllUserMessages(t *testing.T) {
	db := testDB(t)
	m := newFakeMessenger()
	r := NewRegistry(db, m, &fakeJoiner{})
	ctx := context.Background()

	if _, err := r.Add(ctx, TypeInteractive, "42", "caster", "chA"); err != nil {
		t.Fatal(err)
	}
	relay := NewRelay(db, r, m, &fakeDirectory{}, &fakeSpeaker{})
	for _, id := range []string{"tm1", "tm2"} {
		relay.RelayTwitchMessage(ctx, IncomingMessage{ID: id, RoomID: "42", UserID: "7", Login: "bob", DisplayName: "Bob", Text: "x"})
	}
	relay.RelayTwitchMessage(ctx, IncomingMessage{ID: "tm3", RoomID: "42", UserID: "9", Login: "eve", DisplayName: "Eve", Text: "y"})

	relay.HandleTwitchUserTimeout(ctx, "42", "7")

	var deleted int
	if err := db.QueryRow(`SELECT COUNT(*) FROM bridge_messages WHERE deleted`).Scan(&deleted); err != nil {
		t.Fatal(err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 rows marked deleted, got %d", deleted)
	}
}
