// Package models - welcome.go defines the persisted welcome configuration of a guild: the root
// module row and its four optional sections (join message, join DM, join roles, leave message).
package models

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guildkit/welcomer/internal/template"
	"github.com/lib/pq"
)

// MessageType selects whether a section is delivered as plain content or as an embed.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeEmbed MessageType = "embed"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t == MessageTypeText || t == MessageTypeEmbed
}

// WelcomeModule is the root welcome row, one per guild.
type WelcomeModule struct {
	ID        int64     `json:"id" db:"id"`
	GuildID   string    `json:"guildId" db:"guild_id"`
	Enabled   bool      `json:"enabled" db:"enabled"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// JoinConfig is the message posted in a guild channel when a member joins.
type JoinConfig struct {
	Enabled     bool            `json:"enabled"`
	MessageType MessageType     `json:"messageType"`
	ChannelID   *string         `json:"channelId"`
	Content     *string         `json:"content"`
	Embed       *template.Embed `json:"embed"`
}

// JoinDMConfig is the direct message sent to a member when they join.
type JoinDMConfig struct {
	Enabled     bool            `json:"enabled"`
	MessageType MessageType     `json:"messageType"`
	Content     *string         `json:"content"`
	Embed       *template.Embed `json:"embed"`
}

// JoinRolesConfig lists the roles granted to a member when they join. Delay is stored
// for clients but has no effect on delivery.
type JoinRolesConfig struct {
	Enabled bool     `json:"enabled"`
	Roles   []string `json:"roles"`
	Delay   bool     `json:"delay"`
}

// LeaveConfig is the message posted in a guild channel when a member leaves.
type LeaveConfig struct {
	Enabled   bool    `json:"enabled"`
	ChannelID *string `json:"channelId"`
	Content   *string `json:"content"`
}

// DefaultJoinConfig is the value an unconfigured join section starts from.
func DefaultJoinConfig() JoinConfig {
	return JoinConfig{MessageType: MessageTypeText}
}

// DefaultJoinDMConfig is the value an unconfigured join DM section starts from.
func DefaultJoinDMConfig() JoinDMConfig {
	return JoinDMConfig{MessageType: MessageTypeText}
}

// DefaultJoinRolesConfig is the value an unconfigured join roles section starts from.
func DefaultJoinRolesConfig() JoinRolesConfig {
	return JoinRolesConfig{Roles: []string{}}
}

// DefaultLeaveConfig is the value an unconfigured leave section starts from.
func DefaultLeaveConfig() LeaveConfig {
	return LeaveConfig{}
}

// ExpandedConfig is the root module joined with whichever sections the guild has configured.
// A nil section has never been written.
type ExpandedConfig struct {
	ID        int64            `json:"id"`
	GuildID   string           `json:"guildId"`
	Enabled   bool             `json:"enabled"`
	Join      *JoinConfig      `json:"join,omitempty"`
	JoinDM    *JoinDMConfig    `json:"joinDm,omitempty"`
	JoinRoles *JoinRolesConfig `json:"joinRoles,omitempty"`
	Leave     *LeaveConfig     `json:"leave,omitempty"`
}

// NewExpandedConfig returns the view of a module with no sections configured.
func NewExpandedConfig(m *WelcomeModule) *ExpandedConfig {
	return &ExpandedConfig{ID: m.ID, GuildID: m.GuildID, Enabled: m.Enabled}
}

// ExpandedRow is one row of the module LEFT JOINed with its four section tables.
type ExpandedRow struct {
	ID      int64  `db:"id"`
	GuildID string `db:"guild_id"`
	Enabled bool   `db:"enabled"`

	JoinEnabled     sql.NullBool   `db:"join_enabled"`
	JoinMessageType sql.NullString `db:"join_message_type"`
	JoinChannelID   sql.NullString `db:"join_channel_id"`
	JoinContent     sql.NullString `db:"join_content"`
	JoinEmbed       []byte         `db:"join_embed"`

	JoinDMEnabled     sql.NullBool   `db:"join_dm_enabled"`
	JoinDMMessageType sql.NullString `db:"join_dm_message_type"`
	JoinDMContent     sql.NullString `db:"join_dm_content"`
	JoinDMEmbed       []byte         `db:"join_dm_embed"`

	JoinRolesEnabled sql.NullBool   `db:"join_roles_enabled"`
	JoinRolesRoles   pq.StringArray `db:"join_roles_roles"`
	JoinRolesDelay   sql.NullBool   `db:"join_roles_delay"`

	LeaveEnabled   sql.NullBool   `db:"leave_enabled"`
	LeaveChannelID sql.NullString `db:"leave_channel_id"`
	LeaveContent   sql.NullString `db:"leave_content"`
}

// Expand converts the joined row into an ExpandedConfig. A section is present when its
// enabled column is non-NULL, since every section table declares enabled NOT NULL.
func (r *ExpandedRow) Expand() (*ExpandedConfig, error) {
	cfg := &ExpandedConfig{ID: r.ID, GuildID: r.GuildID, Enabled: r.Enabled}

	if r.JoinEnabled.Valid {
		embed, err := decodeEmbed(r.JoinEmbed)
		if err != nil {
			return nil, fmt.Errorf("join embed: %w", err)
		}
		cfg.Join = &JoinConfig{
			Enabled:     r.JoinEnabled.Bool,
			MessageType: MessageType(r.JoinMessageType.String),
			ChannelID:   nullStringPtr(r.JoinChannelID),
			Content:     nullStringPtr(r.JoinContent),
			Embed:       embed,
		}
	}

	if r.JoinDMEnabled.Valid {
		embed, err := decodeEmbed(r.JoinDMEmbed)
		if err != nil {
			return nil, fmt.Errorf("join dm embed: %w", err)
		}
		cfg.JoinDM = &JoinDMConfig{
			Enabled:     r.JoinDMEnabled.Bool,
			MessageType: MessageType(r.JoinDMMessageType.String),
			Content:     nullStringPtr(r.JoinDMContent),
			Embed:       embed,
		}
	}

	if r.JoinRolesEnabled.Valid {
		roles := []string(r.JoinRolesRoles)
		if roles == nil {
			roles = []string{}
		}
		cfg.JoinRoles = &JoinRolesConfig{
			Enabled: r.JoinRolesEnabled.Bool,
			Roles:   roles,
			Delay:   r.JoinRolesDelay.Bool,
		}
	}

	if r.LeaveEnabled.Valid {
		cfg.Leave = &LeaveConfig{
			Enabled:   r.LeaveEnabled.Bool,
			ChannelID: nullStringPtr(r.LeaveChannelID),
			Content:   nullStringPtr(r.LeaveContent),
		}
	}

	return cfg, nil
}

// EncodeEmbed returns the JSONB column value for e; a nil embed encodes as NULL.
func EncodeEmbed(e *template.Embed) (sql.NullString, error) {
	if e == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeEmbed(raw []byte) (*template.Embed, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var e template.Embed
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func nullStringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
