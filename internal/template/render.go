// Package template renders welcome and farewell templates against a guild/user/channel
// snapshot. Placeholders take the form {name}; names the renderer does not recognise are
// copied to the output unchanged so literal braces in user text survive.
//
// Rendering is pure: it performs no I/O and never fails.
package template

import (
	"strconv"
	"strings"

	"github.com/guildkit/welcomer/internal/cdn"
)

type resolver func(ctx *Context) string

var tokens = map[string]resolver{
	"channel":      func(c *Context) string { return "<#" + c.Channel.ID + ">" },
	"channel.id":   func(c *Context) string { return c.Channel.ID },
	"channel.name": func(c *Context) string { return c.Channel.Name },
	"channel.type": func(c *Context) string { return c.Channel.Type.Name() },

	"server":                    func(c *Context) string { return c.Guild.Name },
	"server.name":               func(c *Context) string { return c.Guild.Name },
	"server.icon":               func(c *Context) string { return c.Guild.Icon },
	"server.icon_url":           guildIconURL,
	"server.id":                 func(c *Context) string { return c.Guild.ID },
	"server.joined_at":          func(c *Context) string { return c.Guild.JoinedAt },
	"server.member_count":       memberCount,
	"server.owner":              func(c *Context) string { return "<@" + c.Guild.OwnerID + ">" },
	"server.owner_id":           func(c *Context) string { return c.Guild.OwnerID },
	"server.region":             func(c *Context) string { return c.Guild.PreferredLocale },
	"server.verification_level": func(c *Context) string { return strconv.Itoa(c.Guild.VerificationLevel) },

	"user":               func(c *Context) string { return c.User.Name },
	"user.name":          func(c *Context) string { return c.User.Name },
	"user.avatar":        func(c *Context) string { return c.User.Avatar },
	"user.avatar_url":    userAvatarURL,
	"user.bot":           func(c *Context) string { return strconv.FormatBool(c.User.Bot) },
	"user.discriminator": func(c *Context) string { return c.User.Discriminator },
	"user.id":            func(c *Context) string { return c.User.ID },
	"user.idname":        func(c *Context) string { return "<@" + c.User.ID + ">" },
	"user.mention":       func(c *Context) string { return "<@!" + c.User.ID + ">" },
}

func memberCount(c *Context) string {
	if c.Guild.MemberCount == nil {
		return ""
	}
	return strconv.Itoa(*c.Guild.MemberCount)
}

func guildIconURL(c *Context) string {
	if c.Guild.Icon == "" {
		return ""
	}
	u, err := cdn.NewBuilder(c.CDNBaseURL).URL(cdn.GuildIcon, cdn.PNG, c.Guild.ID, c.Guild.Icon)
	if err != nil {
		return ""
	}
	return u
}

func userAvatarURL(c *Context) string {
	if c.User.Avatar == "" {
		return ""
	}
	u, err := cdn.NewBuilder(c.CDNBaseURL).URL(cdn.UserAvatar, cdn.PNG, c.User.ID, c.User.Avatar)
	if err != nil {
		return ""
	}
	return u
}

// IsKnownToken reports whether name (without braces) is substituted by RenderText.
func IsKnownToken(name string) bool {
	_, ok := tokens[name]
	return ok
}

// RenderText substitutes every recognised {token} in tmpl. A token runs from an opening
// brace to the next closing brace; a second opening brace inside it is ordinary token text.
// Unknown tokens, and an opening brace with no closing brace, are emitted verbatim.
func RenderText(tmpl string, ctx *Context) string {
	var b strings.Builder
	b.Grow(len(tmpl))

	rest := tmpl
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:open])

		end := strings.IndexByte(rest[open+1:], '}')
		if end < 0 {
			b.WriteString(rest[open:])
			break
		}
		name := rest[open+1 : open+1+end]
		if resolve, ok := tokens[name]; ok {
			b.WriteString(resolve(ctx))
		} else {
			b.WriteString(rest[open : open+end+2])
		}
		rest = rest[open+end+2:]
	}
	return b.String()
}

// RenderEmbed returns a copy of e with its title, description, author name, footer text
// and every field name and value rendered. All other properties are copied unchanged.
func RenderEmbed(e Embed, ctx *Context) Embed {
	out := e.Clone()
	out.Title = RenderText(out.Title, ctx)
	out.Description = RenderText(out.Description, ctx)
	if out.Author != nil {
		out.Author.Name = RenderText(out.Author.Name, ctx)
	}
	if out.Footer != nil {
		out.Footer.Text = RenderText(out.Footer.Text, ctx)
	}
	for i := range out.Fields {
		out.Fields[i].Name = RenderText(out.Fields[i].Name, ctx)
		out.Fields[i].Value = RenderText(out.Fields[i].Value, ctx)
	}
	return out
}
