package template

import "strconv"

// ChannelType is the platform's numeric channel kind.
type ChannelType int

const (
	ChannelGuildText          ChannelType = 0
	ChannelPrivate            ChannelType = 1
	ChannelGuildVoice         ChannelType = 2
	ChannelGroup              ChannelType = 3
	ChannelGuildCategory      ChannelType = 4
	ChannelGuildNews          ChannelType = 5
	ChannelGuildNewsThread    ChannelType = 10
	ChannelGuildPublicThread  ChannelType = 11
	ChannelGuildPrivateThread ChannelType = 12
	ChannelGuildStageVoice    ChannelType = 13
	ChannelGuildDirectory     ChannelType = 14
	ChannelGuildForum         ChannelType = 15
)

var channelTypeNames = map[ChannelType]string{
	ChannelGuildText:          "GuildText",
	ChannelPrivate:            "Private",
	ChannelGuildVoice:         "GuildVoice",
	ChannelGroup:              "Group",
	ChannelGuildCategory:      "GuildCategory",
	ChannelGuildNews:          "GuildNews",
	ChannelGuildNewsThread:    "GuildNewsThread",
	ChannelGuildPublicThread:  "GuildPublicThread",
	ChannelGuildPrivateThread: "GuildPrivateThread",
	ChannelGuildStageVoice:    "GuildStageVoice",
	ChannelGuildDirectory:     "GuildDirectory",
	ChannelGuildForum:         "GuildForum",
}

// Name returns the display name used by the {channel.type} token.
func (t ChannelType) Name() string {
	if n, ok := channelTypeNames[t]; ok {
		return n
	}
	return "Unknown(" + strconv.Itoa(int(t)) + ")"
}

// Guild is the guild snapshot a template is rendered against.
type Guild struct {
	ID                string
	Name              string
	Icon              string
	JoinedAt          string
	MemberCount       *int
	OwnerID           string
	PreferredLocale   string
	VerificationLevel int
}

// User is the member a template is rendered for.
type User struct {
	ID            string
	Name          string
	Avatar        string
	Discriminator string
	Bot           bool
}

// Channel is the destination channel of the rendered message.
type Channel struct {
	ID   string
	Name string
	Type ChannelType
}

// Context is the immutable snapshot consumed by the renderer. CDNBaseURL may be empty,
// in which case the public CDN root is used for icon and avatar URLs.
type Context struct {
	Guild      Guild
	User       User
	Channel    Channel
	CDNBaseURL string
}
