package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nicklaw5/helix/v2"
)

// ErrUserNotFound reports a Helix user lookup that returned no rows.
var ErrUserNotFound = errors.New("twitch user not found")

// Helix wraps the nicklaw5 client with the small surface the bridge needs.
// App-token calls (user/stream lookup) go through a cached client; moderation
// calls build a short-lived client around the acting user's access token.
type Helix struct {
	ClientID       string
	ClientSecret   string
	AppTokenSource *TokenSource

	// APIBaseURL overrides the Helix endpoint in tests.
	APIBaseURL string
}

func (h *Helix) appClient(ctx context.Context) (*helix.Client, error) {
	tok, err := h.AppTokenSource.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("app token: %w", err)
	}
	client, err := helix.NewClient(&helix.Options{
		ClientID:   h.ClientID,
		APIBaseURL: h.apiBaseURL(),
	})
	if err != nil {
		return nil, err
	}
	client.SetAppAccessToken(tok)
	return client, nil
}

func (h *Helix) userClient(userToken string) (*helix.Client, error) {
	client, err := helix.NewClient(&helix.Options{
		ClientID:        h.ClientID,
		UserAccessToken: userToken,
		APIBaseURL:      h.apiBaseURL(),
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (h *Helix) apiBaseURL() string {
	if h.APIBaseURL != "" {
		return h.APIBaseURL
	}
	return helix.DefaultAPIBaseURL
}

// UserByID resolves a Twitch user id via Helix.
func (h *Helix) UserByID(ctx context.Context, id string) (*helix.User, error) {
	return h.oneUser(ctx, &helix.UsersParams{IDs: []string{id}})
}

// UserByLogin resolves a Twitch login via Helix.
func (h *Helix) UserByLogin(ctx context.Context, login string) (*helix.User, error) {
	return h.oneUser(ctx, &helix.UsersParams{Logins: []string{login}})
}

func (h *Helix) oneUser(ctx context.Context, params *helix.UsersParams) (*helix.User, error) {
	client, err := h.appClient(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := client.GetUsers(params)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("helix users: %s", resp.ErrorMessage)
	}
	if len(resp.Data.Users) == 0 {
		return nil, ErrUserNotFound
	}
	return &resp.Data.Users[0], nil
}

// UserForToken resolves the user a user access token belongs to. GetUsers
// without filters returns the token's owner.
func (h *Helix) UserForToken(userToken string) (*helix.User, error) {
	client, err := h.userClient(userToken)
	if err != nil {
		return nil, err
	}
	resp, err := client.GetUsers(&helix.UsersParams{})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("helix users: %s", resp.ErrorMessage)
	}
	if len(resp.Data.Users) == 0 {
		return nil, ErrUserNotFound
	}
	return &resp.Data.Users[0], nil
}

// LiveStreams returns the live streams among the given user ids. Helix caps a
// single request at 100 ids; callers batch accordingly.
func (h *Helix) LiveStreams(ctx context.Context, userIDs []string) ([]helix.Stream, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	if len(userIDs) > 100 {
		return nil, fmt.Errorf("helix streams: at most 100 user ids per request, got %d", len(userIDs))
	}
	client, err := h.appClient(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := client.GetStreams(&helix.StreamsParams{UserIDs: userIDs, First: 100})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("helix streams: %s", resp.ErrorMessage)
	}
	return resp.Data.Streams, nil
}

// Moderators lists all moderators of a broadcaster, paging through the
// results. Requires a user token with moderation:read for the broadcaster.
func (h *Helix) Moderators(userToken, broadcasterID string) ([]helix.Moderator, error) {
	client, err := h.userClient(userToken)
	if err != nil {
		return nil, err
	}
	var out []helix.Moderator
	cursor := ""
	for {
		resp, err := client.GetModerators(&helix.GetModeratorsParams{
			BroadcasterID: broadcasterID,
			First:         100,
			After:         cursor,
		})
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("helix moderators: %s", resp.ErrorMessage)
		}
		out = append(out, resp.Data.Moderators...)
		cursor = resp.Data.Pagination.Cursor
		if cursor == "" {
			return out, nil
		}
	}
}

// BanUser bans or (with duration > 0) times out a user in the broadcaster's
// chat, acting as moderatorID. Requires moderator:manage:banned_users.
func (h *Helix) BanUser(userToken, broadcasterID, moderatorID, targetID string, durationSeconds int, reason string) error {
	client, err := h.userClient(userToken)
	if err != nil {
		return err
	}
	resp, err := client.BanUser(&helix.BanUserParams{
		BroadcasterID: broadcasterID,
		ModeratorId:   moderatorID,
		Body: helix.BanUserRequestBody{
			UserId:   targetID,
			Duration: durationSeconds,
			Reason:   reason,
		},
	})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("helix ban: %s", resp.ErrorMessage)
	}
	return nil
}

// DeleteChatMessage removes a single chat message from the broadcaster's
// chat. Requires moderator:manage:chat_messages.
func (h *Helix) DeleteChatMessage(userToken, broadcasterID, moderatorID, messageID string) error {
	client, err := h.userClient(userToken)
	if err != nil {
		return err
	}
	resp, err := client.DeleteChatMessage(&helix.DeleteChatMessageParams{
		BroadcasterID: broadcasterID,
		ModeratorID:   moderatorID,
		MessageID:     messageID,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("helix delete message: %s", resp.ErrorMessage)
	}
	return nil
}

// SendAnnouncement posts a chat announcement in the broadcaster's channel.
// Requires moderator:manage:announcements.
func (h *Helix) SendAnnouncement(userToken, broadcasterID, moderatorID, message, color string) error {
	client, err := h.userClient(userToken)
	if err != nil {
		return err
	}
	resp, err := client.SendChatAnnouncement(&helix.SendChatAnnouncementParams{
		BroadcasterID: broadcasterID,
		ModeratorID:   moderatorID,
		Message:       message,
		Color:         color,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("helix announcement: %s", resp.ErrorMessage)
	}
	return nil
}
