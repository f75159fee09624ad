package token

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	twitchirc "github.com/gempir/go-twitch-irc/v4"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/chat-bridge/telemetry"
)

// DefaultIdleTimeout closes a user session that has not spoken for this long.
const DefaultIdleTimeout = 10 * time.Minute

// ircConn is the slice of the IRC client a session uses; swapped in tests.
type ircConn interface {
	Join(channels ...string)
	Say(channel, text string)
	Connect() error
	Disconnect() error
}

type session struct {
	conn  ircConn
	timer *time.Timer
}

// SessionPool opens one IRC connection per speaking user so relayed lines
// appear under the user's own Twitch account. Sessions are opened lazily,
// deduplicated under concurrency, and closed after an idle period.
type SessionPool struct {
	mgr  *Manager
	idle time.Duration
	dial func(username, accessToken string) ircConn

	group    singleflight.Group
	mu       sync.Mutex
	sessions map[string]*session
}

func NewSessionPool(mgr *Manager, idle time.Duration) *SessionPool {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &SessionPool{
		mgr:  mgr,
		idle: idle,
		dial: func(username, accessToken string) ircConn {
			return twitchirc.NewClient(username, "oauth:"+accessToken)
		},
		sessions: map[string]*session{},
	}
}

// Say speaks in a channel as the given user, opening a session first when
// none is cached. Concurrent callers for the same user share one open.
func (p *SessionPool) Say(ctx context.Context, userID, login, channel, text string) error {
	s, err := p.acquire(ctx, userID, login, channel)
	if err != nil {
		return err
	}
	p.mu.Lock()
	s.timer.Reset(p.idle)
	p.mu.Unlock()
	s.conn.Say(channel, text)
	return nil
}

func (p *SessionPool) acquire(ctx context.Context, userID, login, channel string) (*session, error) {
	p.mu.Lock()
	if s, ok := p.sessions[userID]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do(userID, func() (any, error) {
		p.mu.Lock()
		if s, ok := p.sessions[userID]; ok {
			p.mu.Unlock()
			return s, nil
		}
		p.mu.Unlock()

		access, err := p.mgr.AccessToken(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("open chat session for %s: %w", userID, err)
		}
		conn := p.dial(login, access)
		conn.Join(channel)
		go func() {
			if err := conn.Connect(); err != nil {
				slog.Warn("chat session closed", slog.String("twitch_user_id", userID), slog.Any("err", err))
			}
			p.drop(userID)
		}()

		s := &session{conn: conn}
		s.timer = time.AfterFunc(p.idle, func() { p.Close(userID) })
		p.mu.Lock()
		p.sessions[userID] = s
		p.mu.Unlock()
		telemetry.AddGauge(telemetry.ChatSessionsGauge, 1)
		slog.Info("chat session opened", slog.String("twitch_user_id", userID), slog.String("login", login))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*session), nil
}

// Close disconnects and forgets a user's session.
func (p *SessionPool) Close(userID string) {
	p.mu.Lock()
	s, ok := p.sessions[userID]
	if ok {
		delete(p.sessions, userID)
		s.timer.Stop()
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	telemetry.AddGauge(telemetry.ChatSessionsGauge, -1)
	if err := s.conn.Disconnect(); err != nil {
		slog.Debug("chat session disconnect", slog.String("twitch_user_id", userID), slog.Any("err", err))
	}
	slog.Info("chat session closed idle", slog.String("twitch_user_id", userID))
}

// drop forgets a session whose connection already ended, without calling
// Disconnect again.
func (p *SessionPool) drop(userID string) {
	p.mu.Lock()
	s, ok := p.sessions[userID]
	if ok {
		delete(p.sessions, userID)
		s.timer.Stop()
	}
	p.mu.Unlock()
	if ok {
		telemetry.AddGauge(telemetry.ChatSessionsGauge, -1)
	}
}

// CloseAll tears down every open session.
func (p *SessionPool) CloseAll() {
	p.mu.Lock()
	all := make(map[string]*session, len(p.sessions))
	for id, s := range p.sessions {
		all[id] = s
	}
	p.sessions = map[string]*session{}
	p.mu.Unlock()
	for id, s := range all {
		s.timer.Stop()
		telemetry.AddGauge(telemetry.ChatSessionsGauge, -1)
		if err := s.conn.Disconnect(); err != nil {
			slog.Debug("chat session disconnect", slog.String("twitch_user_id", id), slog.Any("err", err))
		}
	}
}

// Open reports whether a session is currently cached for the user.
func (p *SessionPool) Open(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[userID]
	return ok
}
