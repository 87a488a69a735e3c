// Package platform adapts the chat platform's REST API and gateway to the welcome service.
// Client implements the directory lookups and message delivery the lifecycle orchestrator needs;
// Gateway turns member join and leave dispatches into orchestrator calls.
package platform

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/guildkit/welcomer/internal/config"
	"github.com/guildkit/welcomer/internal/template"
)

const userAgent = "DiscordBot (https://github.com/guildkit/welcomer, 1.0)"

// APIError is a non-2xx response from the platform REST API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("platform api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("platform api: status %d: %s (code %d)", e.StatusCode, e.Message, e.Code)
}

// Client is the platform REST client. Requests are not retried.
type Client struct {
	http *resty.Client
}

// NewClient creates a REST client authenticated with the bot token in cfg.
func NewClient(cfg config.PlatformConfig) *Client {
	http := resty.New().
		SetBaseURL(cfg.APIBaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(0).
		SetHeader("Authorization", "Bot "+cfg.Token).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", userAgent)
	return &Client{http: http}
}

type apiGuild struct {
	ID                     string  `json:"id"`
	Name                   string  `json:"name"`
	Icon                   *string `json:"icon"`
	JoinedAt               *string `json:"joined_at"`
	MemberCount            *int    `json:"member_count"`
	ApproximateMemberCount *int    `json:"approximate_member_count"`
	OwnerID                string  `json:"owner_id"`
	PreferredLocale        string  `json:"preferred_locale"`
	VerificationLevel      int     `json:"verification_level"`
}

type apiChannel struct {
	ID   string  `json:"id"`
	Name *string `json:"name"`
	Type int     `json:"type"`
}

func (c apiChannel) toTemplate() *template.Channel {
	ch := &template.Channel{ID: c.ID, Type: template.ChannelType(c.Type)}
	if c.Name != nil {
		ch.Name = *c.Name
	}
	return ch
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx).SetError(&APIError{})
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("platform request failed: %w", err)
	}
	if !resp.IsError() {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode()}
	if e, ok := resp.Error().(*APIError); ok && e != nil {
		apiErr.Code = e.Code
		apiErr.Message = e.Message
	}
	return apiErr
}

// Guild fetches a guild with its approximate member count.
func (c *Client) Guild(ctx context.Context, guildID string) (*template.Guild, error) {
	var g apiGuild
	resp, err := c.request(ctx).
		SetPathParam("guild_id", guildID).
		SetQueryParam("with_counts", "true").
		SetResult(&g).
		Get("/guilds/{guild_id}")
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}

	out := &template.Guild{
		ID:                g.ID,
		Name:              g.Name,
		OwnerID:           g.OwnerID,
		PreferredLocale:   g.PreferredLocale,
		VerificationLevel: g.VerificationLevel,
		MemberCount:       g.MemberCount,
	}
	if out.MemberCount == nil {
		out.MemberCount = g.ApproximateMemberCount
	}
	if g.Icon != nil {
		out.Icon = *g.Icon
	}
	if g.JoinedAt != nil {
		out.JoinedAt = *g.JoinedAt
	}
	return out, nil
}

// Channel fetches a channel.
func (c *Client) Channel(ctx context.Context, channelID string) (*template.Channel, error) {
	var ch apiChannel
	resp, err := c.request(ctx).
		SetPathParam("channel_id", channelID).
		SetResult(&ch).
		Get("/channels/{channel_id}")
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}
	return ch.toTemplate(), nil
}

// CreateDMChannel opens (or returns the existing) direct message channel with a user.
func (c *Client) CreateDMChannel(ctx context.Context, userID string) (*template.Channel, error) {
	var ch apiChannel
	resp, err := c.request(ctx).
		SetBody(map[string]string{"recipient_id": userID}).
		SetResult(&ch).
		Post("/users/@me/channels")
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}
	return ch.toTemplate(), nil
}

type createMessage struct {
	Content string     `json:"content,omitempty"`
	Embeds  []apiEmbed `json:"embeds,omitempty"`
}

// SendText posts a plain message to a channel.
func (c *Client) SendText(ctx context.Context, channelID, content string) error {
	return c.createMessage(ctx, channelID, createMessage{Content: content})
}

// SendEmbed posts a single embed to a channel.
func (c *Client) SendEmbed(ctx context.Context, channelID string, embed template.Embed) error {
	return c.createMessage(ctx, channelID, createMessage{Embeds: []apiEmbed{toAPIEmbed(embed)}})
}

func (c *Client) createMessage(ctx context.Context, channelID string, msg createMessage) error {
	resp, err := c.request(ctx).
		SetPathParam("channel_id", channelID).
		SetBody(msg).
		Post("/channels/{channel_id}/messages")
	return checkResponse(resp, err)
}

// AddMemberRole grants one role to a guild member.
func (c *Client) AddMemberRole(ctx context.Context, guildID, userID, roleID string) error {
	resp, err := c.request(ctx).
		SetPathParams(map[string]string{
			"guild_id": guildID,
			"user_id":  userID,
			"role_id":  roleID,
		}).
		Put("/guilds/{guild_id}/members/{user_id}/roles/{role_id}")
	return checkResponse(resp, err)
}

// Ping checks that the token is accepted by fetching the bot's own user.
func (c *Client) Ping(ctx context.Context) (string, error) {
	var me struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	resp, err := c.request(ctx).SetResult(&me).Get("/users/@me")
	if err := checkResponse(resp, err); err != nil {
		return "", err
	}
	return me.Username, nil
}
