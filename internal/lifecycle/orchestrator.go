// Package lifecycle reacts to members joining and leaving a guild. A join fans out into up to three
// independent sub-actions (channel message, direct message, role grant) and a leave into one channel
// message. Each sub-action is gated by its own section's enabled flag, runs its own
// read, render and dispatch chain, and fails without affecting the others. Nothing is retried.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/guildkit/welcomer/internal/db/models"
	"github.com/guildkit/welcomer/internal/safego"
	"github.com/guildkit/welcomer/internal/services"
	"github.com/guildkit/welcomer/internal/telemetry"
	"github.com/guildkit/welcomer/internal/template"
	"github.com/guildkit/welcomer/internal/validation"
)

const (
	eventMemberAdd    = "member_add"
	eventMemberRemove = "member_remove"
)

// ConfigSource returns a guild's welcome configuration without creating one.
// A guild with no configuration yields an error wrapping services.ErrNotFound.
type ConfigSource interface {
	LookupExpanded(ctx context.Context, guildID string) (*models.ExpandedConfig, error)
}

// Directory resolves the guild and channel snapshots templates are rendered against.
type Directory interface {
	Guild(ctx context.Context, guildID string) (*template.Guild, error)
	Channel(ctx context.Context, channelID string) (*template.Channel, error)
}

// Delivery performs the platform side effects of a sub-action.
type Delivery interface {
	CreateDMChannel(ctx context.Context, userID string) (*template.Channel, error)
	SendText(ctx context.Context, channelID, content string) error
	SendEmbed(ctx context.Context, channelID string, embed template.Embed) error
	AddMemberRole(ctx context.Context, guildID, userID, roleID string) error
}

// MemberEvent is a member joining or leaving a guild.
type MemberEvent struct {
	GuildID string
	User    template.User
}

// Orchestrator dispatches lifecycle events to their configured sub-actions.
type Orchestrator struct {
	config     ConfigSource
	directory  Directory
	delivery   Delivery
	cdnBaseURL string
}

// NewOrchestrator creates an orchestrator. cdnBaseURL is passed to the renderer for icon and avatar tokens.
func NewOrchestrator(config ConfigSource, directory Directory, delivery Delivery, cdnBaseURL string) *Orchestrator {
	return &Orchestrator{
		config:     config,
		directory:  directory,
		delivery:   delivery,
		cdnBaseURL: cdnBaseURL,
	}
}

// lookup returns nil, nil when the guild has never been configured.
func (o *Orchestrator) lookup(ctx context.Context, guildID string) (*models.ExpandedConfig, error) {
	cfg, err := o.config.LookupExpanded(ctx, guildID)
	if errors.Is(err, services.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load welcome configuration for guild %s: %w", guildID, err)
	}
	return cfg, nil
}

// HandleMemberAdd runs the join sub-actions concurrently. The returned error joins the failure of every
// sub-action that failed; it is nil when all enabled sub-actions succeeded or none is enabled.
func (o *Orchestrator) HandleMemberAdd(ctx context.Context, ev MemberEvent) error {
	cfg, err := o.lookup(ctx, ev.GuildID)
	if err != nil {
		slog.Error("member add: config lookup failed", "guild_id", ev.GuildID, "user_id", ev.User.ID, "error", err)
		return err
	}
	if cfg == nil {
		return nil
	}

	// shared by the two messaging sub-actions; fetched at most once
	guild := sync.OnceValues(func() (*template.Guild, error) {
		return o.directory.Guild(ctx, ev.GuildID)
	})

	type slot struct {
		action  Action
		enabled bool
		run     func() error
	}
	slots := []slot{
		{ActionChannelMessage, cfg.Join != nil && cfg.Join.Enabled, func() error {
			return o.sendJoinMessage(ctx, *cfg.Join, ev, guild)
		}},
		{ActionDirectMessage, cfg.JoinDM != nil && cfg.JoinDM.Enabled, func() error {
			return o.sendJoinDM(ctx, *cfg.JoinDM, ev, guild)
		}},
		{ActionRoleGrant, cfg.JoinRoles != nil && cfg.JoinRoles.Enabled, func() error {
			return o.grantRoles(ctx, *cfg.JoinRoles, ev)
		}},
	}

	errs := make([]error, len(slots))
	var g errgroup.Group
	for i, s := range slots {
		if !s.enabled {
			telemetry.WelcomeActionsTotal.WithLabelValues(eventMemberAdd, string(s.action), "skipped").Inc()
			continue
		}
		// each slot keeps its own error so one failure never hides another
		g.Go(func() error {
			errs[i] = o.run(eventMemberAdd, s.action, ev, s.run)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// HandleMemberRemove posts the leave message when the guild has one enabled.
func (o *Orchestrator) HandleMemberRemove(ctx context.Context, ev MemberEvent) error {
	cfg, err := o.lookup(ctx, ev.GuildID)
	if err != nil {
		slog.Error("member remove: config lookup failed", "guild_id", ev.GuildID, "user_id", ev.User.ID, "error", err)
		return err
	}
	if cfg == nil || cfg.Leave == nil || !cfg.Leave.Enabled {
		telemetry.WelcomeActionsTotal.WithLabelValues(eventMemberRemove, string(ActionLeaveMessage), "skipped").Inc()
		return nil
	}
	return o.run(eventMemberRemove, ActionLeaveMessage, ev, func() error {
		return o.sendLeaveMessage(ctx, *cfg.Leave, ev)
	})
}

// run executes one sub-action, classifies its outcome, and records it.
func (o *Orchestrator) run(event string, action Action, ev MemberEvent, fn func() error) error {
	start := time.Now()
	err := safego.Call(string(action), fn)
	telemetry.WelcomeActionDuration.WithLabelValues(string(action)).Observe(time.Since(start).Seconds())

	var validationErr *ValidationError
	var deliveryErr *DeliveryError
	result := "sent"
	switch {
	case err == nil:
	case errors.As(err, &validationErr):
		result = "validation_error"
	case errors.As(err, &deliveryErr):
		result = "delivery_error"
	default:
		result = "delivery_error"
		err = &DeliveryError{Action: action, Err: err}
	}
	telemetry.WelcomeActionsTotal.WithLabelValues(event, string(action), result).Inc()

	if err != nil {
		slog.Warn("welcome action failed",
			"event", event,
			"guild_id", ev.GuildID,
			"user_id", ev.User.ID,
			"action", string(action),
			"error", err,
		)
		return err
	}
	slog.Debug("welcome action sent", "event", event, "guild_id", ev.GuildID, "user_id", ev.User.ID, "action", string(action))
	return nil
}

func (o *Orchestrator) renderContext(guild *template.Guild, user template.User, channel *template.Channel) *template.Context {
	return &template.Context{
		Guild:      *guild,
		User:       user,
		Channel:    *channel,
		CDNBaseURL: o.cdnBaseURL,
	}
}

// message is the part of a join or DM section that selects and renders the payload.
type message struct {
	messageType models.MessageType
	content     *string
	embed       *template.Embed
}

func (m message) validate() error {
	switch m.messageType {
	case models.MessageTypeText:
		if m.content == nil || *m.content == "" {
			return errors.New("content is empty")
		}
	case models.MessageTypeEmbed:
		if m.embed == nil {
			return errors.New("no embed configured")
		}
		if err := m.embed.Validate(); err != nil {
			return fmt.Errorf("embed: %w", err)
		}
	default:
		return fmt.Errorf("unknown message type %q", m.messageType)
	}
	return nil
}

func (o *Orchestrator) deliver(ctx context.Context, channelID string, m message, rctx *template.Context) error {
	if m.messageType == models.MessageTypeEmbed {
		return o.delivery.SendEmbed(ctx, channelID, template.RenderEmbed(*m.embed, rctx))
	}
	return o.delivery.SendText(ctx, channelID, template.RenderText(*m.content, rctx))
}

func (o *Orchestrator) sendJoinMessage(ctx context.Context, cfg models.JoinConfig, ev MemberEvent, guild func() (*template.Guild, error)) error {
	const action = ActionChannelMessage
	channelID := deref(cfg.ChannelID)
	if err := validation.ValidateSnowflake(channelID); err != nil {
		return &ValidationError{Action: action, Err: fmt.Errorf("channel id: %w", err)}
	}
	m := message{messageType: cfg.MessageType, content: cfg.Content, embed: cfg.Embed}
	if err := m.validate(); err != nil {
		return &ValidationError{Action: action, Err: err}
	}

	g, err := guild()
	if err != nil {
		return &DeliveryError{Action: action, Err: fmt.Errorf("fetch guild: %w", err)}
	}
	ch, err := o.directory.Channel(ctx, channelID)
	if err != nil {
		return &DeliveryError{Action: action, Err: fmt.Errorf("fetch channel: %w", err)}
	}
	if err := o.deliver(ctx, channelID, m, o.renderContext(g, ev.User, ch)); err != nil {
		return &DeliveryError{Action: action, Err: err}
	}
	return nil
}

func (o *Orchestrator) sendJoinDM(ctx context.Context, cfg models.JoinDMConfig, ev MemberEvent, guild func() (*template.Guild, error)) error {
	const action = ActionDirectMessage
	m := message{messageType: cfg.MessageType, content: cfg.Content, embed: cfg.Embed}
	if err := m.validate(); err != nil {
		return &ValidationError{Action: action, Err: err}
	}

	g, err := guild()
	if err != nil {
		return &DeliveryError{Action: action, Err: fmt.Errorf("fetch guild: %w", err)}
	}
	dm, err := o.delivery.CreateDMChannel(ctx, ev.User.ID)
	if err != nil {
		return &DeliveryError{Action: action, Err: fmt.Errorf("open dm channel: %w", err)}
	}
	if err := o.deliver(ctx, dm.ID, m, o.renderContext(g, ev.User, dm)); err != nil {
		return &DeliveryError{Action: action, Err: err}
	}
	return nil
}

// grantRoles adds each configured role on its own; the member's other roles are untouched.
func (o *Orchestrator) grantRoles(ctx context.Context, cfg models.JoinRolesConfig, ev MemberEvent) error {
	const action = ActionRoleGrant
	for _, role := range cfg.Roles {
		if err := validation.ValidateSnowflake(role); err != nil {
			return &ValidationError{Action: action, Err: fmt.Errorf("role %q: %w", role, err)}
		}
	}

	var errs []error
	for _, role := range cfg.Roles {
		if err := o.delivery.AddMemberRole(ctx, ev.GuildID, ev.User.ID, role); err != nil {
			errs = append(errs, fmt.Errorf("role %s: %w", role, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return &DeliveryError{Action: action, Err: err}
	}
	return nil
}

func (o *Orchestrator) sendLeaveMessage(ctx context.Context, cfg models.LeaveConfig, ev MemberEvent) error {
	const action = ActionLeaveMessage
	channelID := deref(cfg.ChannelID)
	if err := validation.ValidateSnowflake(channelID); err != nil {
		return &ValidationError{Action: action, Err: fmt.Errorf("channel id: %w", err)}
	}
	m := message{messageType: models.MessageTypeText, content: cfg.Content}
	if err := m.validate(); err != nil {
		return &ValidationError{Action: action, Err: err}
	}

	g, err := o.directory.Guild(ctx, ev.GuildID)
	if err != nil {
		return &DeliveryError{Action: action, Err: fmt.Errorf("fetch guild: %w", err)}
	}
	ch, err := o.directory.Channel(ctx, channelID)
	if err != nil {
		return &DeliveryError{Action: action, Err: fmt.Errorf("fetch channel: %w", err)}
	}
	if err := o.deliver(ctx, channelID, m, o.renderContext(g, ev.User, ch)); err != nil {
		return &DeliveryError{Action: action, Err: err}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
