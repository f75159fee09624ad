package token

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	mu           sync.Mutex
	joined       []string
	said         []string
	disconnected bool
	done         chan struct{}
}

func newFakeConn() *fakeConn { return &fakeConn{done: make(chan struct{})} }

func (f *fakeConn) Join(channels ...string) {
	f.mu.Lock()
	f.joined = append(f.joined, channels...)
	f.mu.Unlock()
}

func (f *fakeConn) Say(channel, text string) {
	f.mu.Lock()
	f.said = append(f.said, channel+": "+text)
	f.mu.Unlock()
}

func (f *fakeConn) Connect() error {
	<-f.done
	return nil
}

func (f *fakeConn) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.disconnected {
		f.disconnected = true
		close(f.done)
	}
	return nil
}

func poolWithToken(idle time.Duration, dial func(username, accessToken string) ircConn) *SessionPool {
	mgr := NewManager(nil, "client", "secret")
	mgr.put(&Token{
		TwitchUserID: "u1",
		RefreshToken: "rt",
		AccessToken:  "cached-access",
		Expiry:       time.Now().Add(time.Hour),
		Scopes:       []string{"chat:read", "chat:edit"},
	})
	p := NewSessionPool(mgr, idle)
	p.dial = dial
	return p
}

func TestSayOpensSessionOnce(t *testing.T) {
	var dials atomic.Int32
	conn := newFakeConn()
	p := poolWithToken(time.Minute, func(username, accessToken string) ircConn {
		dials.Add(1)
		if accessToken != "cached-access" {
			t.Errorf("dial got access token %q", accessToken)
		}
		return conn
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Say(context.Background(), "u1", "alice", "#somechannel", "hi"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := dials.Load(); got != 1 {
		t.Errorf("expected one dial, got %d", got)
	}
	conn.mu.Lock()
	said := len(conn.said)
	conn.mu.Unlock()
	if said != 8 {
		t.Errorf("expected 8 sends, got %d", said)
	}
	p.CloseAll()
}

func TestIdleSessionCloses(t *testing.T) {
	conn := newFakeConn()
	p := poolWithToken(30*time.Millisecond, func(username, accessToken string) ircConn { return conn })

	if err := p.Say(context.Background(), "u1", "alice", "#ch", "hello"); err != nil {
		t.Fatal(err)
	}
	if !p.Open("u1") {
		t.Fatal("session should be open right after Say")
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.Open("u1") {
		if time.Now().After(deadline) {
			t.Fatal("idle session never closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	conn.mu.Lock()
	disc := conn.disconnected
	conn.mu.Unlock()
	if !disc {
		t.Error("idle close must disconnect the IRC client")
	}
}

func TestSayResetsIdleTimer(t *testing.T) {
	conn := newFakeConn()
	p := poolWithToken(80*time.Millisecond, func(username, accessToken string) ircConn { return conn })

	if err := p.Say(context.Background(), "u1", "alice", "#ch", "one"); err != nil {
		t.Fatal(err)
	}
	// Keep talking more often than the idle window; the session must survive.
	for i := 0; i < 5; i++ {
		time.Sleep(40 * time.Millisecond)
		if err := p.Say(context.Background(), "u1", "alice", "#ch", "again"); err != nil {
			t.Fatal(err)
		}
	}
	if !p.Open("u1") {
		t.Error("active session closed despite traffic")
	}
	p.CloseAll()
}

func TestSayWithoutTokenFails(t *testing.T) {
	p := NewSessionPool(NewManager(nil, "client", "secret"), time.Minute)
	p.dial = func(username, accessToken string) ircConn { return newFakeConn() }
	if err := p.Say(context.Background(), "nobody", "ghost", "#ch", "hi"); err == nil {
		t.Fatal("expected error for user without a token")
	}
}
