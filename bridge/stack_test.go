package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

type fakeMessage struct {
	id       string
	authorID string
	content  string
}

type fakeMessenger struct {
	mu       sync.Mutex
	botID    string
	nextID   int
	channels map[string][]*fakeMessage
	editErr      error
	sends        int
	edits        int
	webhooks     int
	webhookNames []string
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{botID: "bot", channels: map[string][]*fakeMessage{}}
}

func (f *fakeMessenger) BotUserID() string { return f.botID }

func (f *fakeMessenger) SendMessage(ctx context.Context, channelID, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sends++
	id := fmt.Sprintf("m%d", f.nextID)
	f.channels[channelID] = append(f.channels[channelID], &fakeMessage{id: id, authorID: f.botID, content: content})
	return id, nil
}

func (f *fakeMessenger) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	for _, m := range f.channels[channelID] {
		if m.id == messageID {
			f.edits++
			m.content = content
			return nil
		}
	}
	return errors.New("unknown message")
}

func (f *fakeMessenger) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.channels[channelID]
	for i, m := range msgs {
		if m.id == messageID {
			f.channels[channelID] = append(msgs[:i], msgs[i+1:]...)
			return nil
		}
	}
	return errors.New("unknown message")
}

func (f *fakeMessenger) LatestMessage(ctx context.Context, channelID string) (*ChannelMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.channels[channelID]
	if len(msgs) == 0 {
		return nil, nil
	}
	last := msgs[len(msgs)-1]
	return &ChannelMessage{ID: last.id, AuthorID: last.authorID, Content: last.content}, nil
}

func (f *fakeMessenger) CreateWebhook(ctx context.Context, channelID, name string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooks++
	return fmt.Sprintf("wh-%s", channelID), "wh-token", nil
}

func (f *fakeMessenger) SendWebhookMessage(ctx context.Context, webhookID, webhookToken string, msg WebhookMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("m%d", f.nextID)
	f.webhookNames = append(f.webhookNames, msg.Username)
	// Webhook messages carry the webhook's id as author, not the bot's.
	f.channels[strings.TrimPrefix(webhookID, "wh-")] = append(f.channels[strings.TrimPrefix(webhookID, "wh-")],
		&fakeMessage{id: id, authorID: webhookID, content: msg.Content})
	return id, nil
}

func (f *fakeMessenger) lastWebhookName() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.webhookNames) == 0 {
		return ""
	}
	return f.webhookNames[len(f.webhookNames)-1]
}

func (f *fakeMessenger) messageCount(channelID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels[channelID])
}

func (f *fakeMessenger) lastContent(channelID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.channels[channelID]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].content
}

func TestStackAppendsIntoOneMessage(t *testing.T) {
	m := newFakeMessenger()
	var s stackState
	ctx := context.Background()

	lines := []string{"**a**: one", "**b**: two", "**c**: three"}
	for _, l := range lines {
		if err := s.push(ctx, m, "ch", l); err != nil {
			t.Fatal(err)
		}
	}

	if got := m.messageCount("ch"); got != 1 {
		t.Fatalf("expected exactly one message, got %d", got)
	}
	want := strings.Join(lines, "\n")
	if got := m.lastContent("ch"); got != want {
		t.Errorf("stack content = %q, want %q", got, want)
	}
}

func TestStackEditFailureStartsFreshMessage(t *testing.T) {
	m := newFakeMessenger()
	var s stackState
	ctx := context.Background()

	if err := s.push(ctx, m, "ch", "first"); err != nil {
		t.Fatal(err)
	}
	m.editErr = errors.New("message too old")
	if err := s.push(ctx, m, "ch", "second"); err != nil {
		t.Fatal(err)
	}
	if got := m.messageCount("ch"); got != 2 {
		t.Fatalf("edit failure must create exactly one new message, channel has %d", got)
	}

	// Later lines append to the replacement, not the old message.
	m.editErr = nil
	if err := s.push(ctx, m, "ch", "third"); err != nil {
		t.Fatal(err)
	}
	if got := m.messageCount("ch"); got != 2 {
		t.Fatalf("append after rollover created another message, channel has %d", got)
	}
	if got := m.lastContent("ch"); got != "second\nthird" {
		t.Errorf("replacement content = %q", got)
	}
}

func TestStackRollsOverAtLengthCap(t *testing.T) {
	m := newFakeMessenger()
	var s stackState
	ctx := context.Background()

	big := strings.Repeat("x", stackLimit-10)
	if err := s.push(ctx, m, "ch", big); err != nil {
		t.Fatal(err)
	}
	if err := s.push(ctx, m, "ch", strings.Repeat("y", 50)); err != nil {
		t.Fatal(err)
	}
	if got := m.messageCount("ch"); got != 2 {
		t.Fatalf("over-cap append must start a new message, channel has %d", got)
	}
}

func TestStackAdoptsOwnLatestMessage(t *testing.T) {
	m := newFakeMessenger()
	ctx := context.Background()

	// A previous process left a stack message as the newest in the channel.
	id, err := m.SendMessage(ctx, "ch", "**a**: old line")
	if err != nil {
		t.Fatal(err)
	}

	var s stackState
	if err := s.push(ctx, m, "ch", "**b**: new line"); err != nil {
		t.Fatal(err)
	}
	if got := m.messageCount("ch"); got != 1 {
		t.Fatalf("restart should continue the existing stack, channel has %d messages", got)
	}
	if s.currentMessageID() != id {
		t.Errorf("stack did not adopt message %s", id)
	}
}

func TestStackIgnoresForeignLatestMessage(t *testing.T) {
	m := newFakeMessenger()
	ctx := context.Background()
	m.channels["ch"] = append(m.channels["ch"], &fakeMessage{id: "theirs", authorID: "someone", content: "hi"})

	var s stackState
	if err := s.push(ctx, m, "ch", "line"); err != nil {
		t.Fatal(err)
	}
	if s.currentMessageID() == "theirs" {
		t.Error("stack adopted a message the bot did not author")
	}
	if got := m.messageCount("ch"); got != 2 {
		t.Fatalf("expected a fresh message, channel has %d", got)
	}
}
