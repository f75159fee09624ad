package bridge

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// MentionResolver maps between Twitch logins and Discord user ids through
// the identity graph. Empty results mean "no link, leave the text alone".
type MentionResolver interface {
	DiscordIDForTwitchLogin(ctx context.Context, login string) (string, error)
	TwitchLoginForDiscordID(ctx context.Context, discordID string) (string, error)
}

var (
	twitchMentionRe  = regexp.MustCompile(`@([A-Za-z0-9_]{2,25})`)
	discordMentionRe = regexp.MustCompile(`<@!?(\d+)>`)
)

// rewriteMentionsToDiscord replaces @login mentions with real Discord
// mentions for every login that resolves through the identity graph.
func rewriteMentionsToDiscord(ctx context.Context, r MentionResolver, text string) string {
	return twitchMentionRe.ReplaceAllStringFunc(text, func(match string) string {
		login := match[1:]
		id, err := r.DiscordIDForTwitchLogin(ctx, login)
		if err != nil || id == "" {
			return match
		}
		return "<@" + id + ">"
	})
}

// rewriteMentionsToTwitch replaces <@id> mentions with @login for linked
// accounts. Unlinked mentions degrade to the raw id rather than leaking
// Discord markup into Twitch chat.
func rewriteMentionsToTwitch(ctx context.Context, r MentionResolver, text string) string {
	return discordMentionRe.ReplaceAllStringFunc(text, func(match string) string {
		id := discordMentionRe.FindStringSubmatch(match)[1]
		login, err := r.TwitchLoginForDiscordID(ctx, id)
		if err != nil || login == "" {
			return "@" + id
		}
		return "@" + login
	})
}

// sanitizeForTwitch flattens whitespace so one Discord message becomes one
// IRC line.
func sanitizeForTwitch(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// badge glyphs prepended to the impersonated username on interactive
// bridges. Partner verification trails the name instead.
const (
	glyphBroadcaster = "\U0001F3A5" // 🎥
	glyphModerator   = "⚔"
	glyphSubscriber  = "✪"
	glyphPartner     = "☑️"
)

// displayName renders the webhook username for a chatter: badge glyphs,
// display name, then the partner check. Localized display names get the
// login appended so the chatter stays recognizable.
func displayName(name, login string, badges map[string]int, partner bool) string {
	var b strings.Builder
	if badges["broadcaster"] > 0 {
		b.WriteString(glyphBroadcaster + " ")
	}
	if badges["moderator"] > 0 {
		b.WriteString(glyphModerator + " ")
	}
	if badges["subscriber"] > 0 {
		b.WriteString(glyphSubscriber + " ")
	}
	b.WriteString(name)
	if login != "" && !strings.EqualFold(name, login) {
		b.WriteString(" (" + login + ")")
	}
	if partner {
		b.WriteString(" " + glyphPartner)
	}
	return b.String()
}

// formatStackLine renders one chat line for a message-stack bridge.
func formatStackLine(name, text string) string {
	return fmt.Sprintf("**%s**: %s", name, text)
}
