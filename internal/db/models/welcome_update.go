// Package models - welcome_update.go defines the partial update accepted by the welcome
// configuration endpoint. Every field is optional: a nil section leaves the section untouched,
// and a nil field inside a present section leaves that field untouched. An embed given as
// the empty object {} clears the stored embed.
package models

import (
	"errors"
	"fmt"
	"slices"
	"unicode/utf8"

	"github.com/guildkit/welcomer/internal/template"
	"github.com/guildkit/welcomer/internal/validation"
)

// MaxContentLength is the platform's message content limit, in characters.
const MaxContentLength = 2000

// WelcomeUpdate is a partial update of a guild's welcome configuration.
type WelcomeUpdate struct {
	Enabled   *bool            `json:"enabled"`
	Join      *JoinUpdate      `json:"join"`
	JoinDM    *JoinDMUpdate    `json:"joinDm"`
	JoinRoles *JoinRolesUpdate `json:"joinRoles"`
	Leave     *LeaveUpdate     `json:"leave"`
}

// JoinUpdate patches a JoinConfig. A null Embed keeps the stored embed and {} removes it.
type JoinUpdate struct {
	Enabled     *bool           `json:"enabled"`
	MessageType *MessageType    `json:"messageType"`
	ChannelID   *string         `json:"channelId"`
	Content     *string         `json:"content"`
	Embed       *template.Embed `json:"embed"`
}

// JoinDMUpdate patches a JoinDMConfig. A null Embed keeps the stored embed and {} removes it.
type JoinDMUpdate struct {
	Enabled     *bool           `json:"enabled"`
	MessageType *MessageType    `json:"messageType"`
	Content     *string         `json:"content"`
	Embed       *template.Embed `json:"embed"`
}

// JoinRolesUpdate patches a JoinRolesConfig. A present Roles replaces the whole list.
type JoinRolesUpdate struct {
	Enabled *bool     `json:"enabled"`
	Roles   *[]string `json:"roles"`
	Delay   *bool     `json:"delay"`
}

// LeaveUpdate patches a LeaveConfig.
type LeaveUpdate struct {
	Enabled   *bool   `json:"enabled"`
	ChannelID *string `json:"channelId"`
	Content   *string `json:"content"`
}

// IsEmpty reports whether the update touches nothing.
func (u *WelcomeUpdate) IsEmpty() bool {
	return u.Enabled == nil && u.Join == nil && u.JoinDM == nil && u.JoinRoles == nil && u.Leave == nil
}

// Validate checks every present field. All problems are reported together.
func (u *WelcomeUpdate) Validate() error {
	var errs []error
	if j := u.Join; j != nil {
		errs = append(errs,
			prefixErr("join.messageType", validateMessageType(j.MessageType)),
			prefixErr("join.channelId", validateOptionalSnowflake(j.ChannelID)),
			prefixErr("join.content", validateContent(j.Content)),
			prefixErr("join.embed", validateEmbed(j.Embed)),
		)
	}
	if d := u.JoinDM; d != nil {
		errs = append(errs,
			prefixErr("joinDm.messageType", validateMessageType(d.MessageType)),
			prefixErr("joinDm.content", validateContent(d.Content)),
			prefixErr("joinDm.embed", validateEmbed(d.Embed)),
		)
	}
	if r := u.JoinRoles; r != nil && r.Roles != nil {
		for i, id := range *r.Roles {
			errs = append(errs, prefixErr(fmt.Sprintf("joinRoles.roles[%d]", i), validation.ValidateSnowflake(id)))
		}
	}
	if l := u.Leave; l != nil {
		errs = append(errs,
			prefixErr("leave.channelId", validateOptionalSnowflake(l.ChannelID)),
			prefixErr("leave.content", validateContent(l.Content)),
		)
	}
	return errors.Join(errs...)
}

// ApplyTo returns base patched with u; a nil base starts from DefaultJoinConfig.
func (u *JoinUpdate) ApplyTo(base *JoinConfig) JoinConfig {
	out := DefaultJoinConfig()
	if base != nil {
		out = *base
	}
	setIf(&out.Enabled, u.Enabled)
	setIf(&out.MessageType, u.MessageType)
	if u.ChannelID != nil {
		out.ChannelID = cloneString(u.ChannelID)
	}
	if u.Content != nil {
		out.Content = cloneString(u.Content)
	}
	out.Embed = patchEmbed(out.Embed, u.Embed)
	return out
}

// ApplyTo returns base patched with u; a nil base starts from DefaultJoinDMConfig.
func (u *JoinDMUpdate) ApplyTo(base *JoinDMConfig) JoinDMConfig {
	out := DefaultJoinDMConfig()
	if base != nil {
		out = *base
	}
	setIf(&out.Enabled, u.Enabled)
	setIf(&out.MessageType, u.MessageType)
	if u.Content != nil {
		out.Content = cloneString(u.Content)
	}
	out.Embed = patchEmbed(out.Embed, u.Embed)
	return out
}

// ApplyTo returns base patched with u; a nil base starts from DefaultJoinRolesConfig.
// Duplicate role ids are dropped, keeping the first occurrence.
func (u *JoinRolesUpdate) ApplyTo(base *JoinRolesConfig) JoinRolesConfig {
	out := DefaultJoinRolesConfig()
	if base != nil {
		out = *base
		out.Roles = slices.Clone(base.Roles)
	}
	setIf(&out.Enabled, u.Enabled)
	setIf(&out.Delay, u.Delay)
	if u.Roles != nil {
		out.Roles = dedupe(*u.Roles)
	}
	if out.Roles == nil {
		out.Roles = []string{}
	}
	return out
}

// ApplyTo returns base patched with u; a nil base starts from DefaultLeaveConfig.
func (u *LeaveUpdate) ApplyTo(base *LeaveConfig) LeaveConfig {
	out := DefaultLeaveConfig()
	if base != nil {
		out = *base
	}
	setIf(&out.Enabled, u.Enabled)
	if u.ChannelID != nil {
		out.ChannelID = cloneString(u.ChannelID)
	}
	if u.Content != nil {
		out.Content = cloneString(u.Content)
	}
	return out
}

// ApplyTo returns the configuration that results from applying u to cur. cur is not modified.
func (u *WelcomeUpdate) ApplyTo(cur *ExpandedConfig) *ExpandedConfig {
	out := *cur
	setIf(&out.Enabled, u.Enabled)
	if u.Join != nil {
		j := u.Join.ApplyTo(cur.Join)
		out.Join = &j
	}
	if u.JoinDM != nil {
		d := u.JoinDM.ApplyTo(cur.JoinDM)
		out.JoinDM = &d
	}
	if u.JoinRoles != nil {
		r := u.JoinRoles.ApplyTo(cur.JoinRoles)
		out.JoinRoles = &r
	}
	if u.Leave != nil {
		l := u.Leave.ApplyTo(cur.Leave)
		out.Leave = &l
	}
	return &out
}

// patchEmbed returns cur unchanged for a nil patch, nil for a zero patch, and a copy of
// patch otherwise.
func patchEmbed(cur, patch *template.Embed) *template.Embed {
	switch {
	case patch == nil:
		return cur
	case patch.IsZero():
		return nil
	}
	e := patch.Clone()
	return &e
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func cloneString(s *string) *string {
	v := *s
	return &v
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func prefixErr(field string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", field, err)
}

func validateMessageType(t *MessageType) error {
	if t != nil && !t.Valid() {
		return fmt.Errorf("must be %q or %q, got %q", MessageTypeText, MessageTypeEmbed, *t)
	}
	return nil
}

// An empty channel id is allowed and clears the destination.
func validateOptionalSnowflake(id *string) error {
	if id == nil || *id == "" {
		return nil
	}
	return validation.ValidateSnowflake(*id)
}

func validateContent(s *string) error {
	if s != nil && utf8.RuneCountInString(*s) > MaxContentLength {
		return fmt.Errorf("exceeds %d characters", MaxContentLength)
	}
	return nil
}

func validateEmbed(e *template.Embed) error {
	if e == nil || e.IsZero() {
		return nil
	}
	return e.Validate()
}
