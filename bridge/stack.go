package bridge

import (
	"context"
	"sync"

	"github.com/onnwee/chat-bridge/telemetry"
)

// stackLimit is Discord's message content cap.
const stackLimit = 2000

// stackState is the rolling message of a message-stack bridge: an optional
// handle to the live Discord message plus an edit-or-replace transition.
// With a handle, a new line is appended by editing the message; if the edit
// fails or would blow the cap, a fresh message is sent and becomes the new
// handle. Without a handle, the newest channel message is adopted when the
// bot authored it, so a restart continues the existing stack.
type stackState struct {
	mu        sync.Mutex
	messageID string
	content   string
}

// push adds one rendered chat line to the stack.
func (s *stackState) push(ctx context.Context, m Messenger, channelID, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.messageID == "" {
		s.adopt(ctx, m, channelID)
	}
	if s.messageID != "" {
		next := s.content + "\n" + line
		if len(next) <= stackLimit {
			if err := m.EditMessage(ctx, channelID, s.messageID, next); err == nil {
				s.content = next
				return nil
			}
		}
		telemetry.IncCounter(telemetry.StackRollovers)
	}

	id, err := m.SendMessage(ctx, channelID, line)
	if err != nil {
		return err
	}
	s.messageID, s.content = id, line
	return nil
}

// adopt re-derives the handle from the newest channel message, taking it
// over only when the bot wrote it.
func (s *stackState) adopt(ctx context.Context, m Messenger, channelID string) {
	latest, err := m.LatestMessage(ctx, channelID)
	if err != nil || latest == nil || latest.AuthorID != m.BotUserID() {
		return
	}
	s.messageID, s.content = latest.ID, latest.Content
}

// currentMessageID exposes the live stack message for delete handling.
func (s *stackState) currentMessageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageID
}

// reset forgets the current message, forcing the next push to start fresh.
func (s *stackState) reset() {
	s.mu.Lock()
	s.messageID, s.content = "", ""
	s.mu.Unlock()
}
