package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildkit/welcomer/internal/db/models"
	"github.com/guildkit/welcomer/internal/services"
	"github.com/guildkit/welcomer/internal/template"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

const (
	testGuildID   = "200000000000000001"
	testChannelID = "200000000000000002"
	testDMID      = "200000000000000003"
	testUserID    = "200000000000000004"
)

var errPlatform = errors.New("platform error")

type fakeConfig struct {
	cfg *models.ExpandedConfig
	err error
}

func (f *fakeConfig) LookupExpanded(_ context.Context, guildID string) (*models.ExpandedConfig, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.cfg == nil {
		return nil, fmt.Errorf("guild %s: %w", guildID, services.ErrNotFound)
	}
	return f.cfg, nil
}

type fakeDirectory struct {
	guildErr   error
	channelErr error
	guildCalls atomic.Int32
}

func (f *fakeDirectory) Guild(_ context.Context, guildID string) (*template.Guild, error) {
	f.guildCalls.Add(1)
	if f.guildErr != nil {
		return nil, f.guildErr
	}
	count := 24
	return &template.Guild{ID: guildID, Name: "Test Server", MemberCount: &count, OwnerID: "1"}, nil
}

func (f *fakeDirectory) Channel(_ context.Context, channelID string) (*template.Channel, error) {
	if f.channelErr != nil {
		return nil, f.channelErr
	}
	return &template.Channel{ID: channelID, Name: "welcome", Type: template.ChannelGuildText}, nil
}

type sentMessage struct {
	channelID string
	content   string
	embed     *template.Embed
}

type fakeDelivery struct {
	mu        sync.Mutex
	sent      []sentMessage
	roles     []string
	textErr   map[string]error
	dmErr     error
	roleErr   map[string]error
	rolePanic bool
}

func (f *fakeDelivery) CreateDMChannel(_ context.Context, userID string) (*template.Channel, error) {
	if f.dmErr != nil {
		return nil, f.dmErr
	}
	return &template.Channel{ID: testDMID, Type: template.ChannelPrivate}, nil
}

func (f *fakeDelivery) SendText(_ context.Context, channelID, content string) error {
	if err := f.textErr[channelID]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{channelID: channelID, content: content})
	return nil
}

func (f *fakeDelivery) SendEmbed(_ context.Context, channelID string, embed template.Embed) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{channelID: channelID, embed: &embed})
	return nil
}

func (f *fakeDelivery) AddMemberRole(_ context.Context, guildID, userID, roleID string) error {
	if f.rolePanic {
		panic("role grant exploded")
	}
	if err := f.roleErr[roleID]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles = append(f.roles, roleID)
	return nil
}

func (f *fakeDelivery) messageTo(channelID string) (sentMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.sent {
		if m.channelID == channelID {
			return m, true
		}
	}
	return sentMessage{}, false
}

func strPtr(s string) *string { return &s }

func fullConfig() *models.ExpandedConfig {
	return &models.ExpandedConfig{
		ID:      1,
		GuildID: testGuildID,
		Enabled: true,
		Join: &models.JoinConfig{
			Enabled:     true,
			MessageType: models.MessageTypeText,
			ChannelID:   strPtr(testChannelID),
			Content:     strPtr("Welcome to {server.name}, {user.name}! You are member #{server.member_count}."),
		},
		JoinDM: &models.JoinDMConfig{
			Enabled:     true,
			MessageType: models.MessageTypeText,
			Content:     strPtr("Hi {user.name}, this is {channel.type}"),
		},
		JoinRoles: &models.JoinRolesConfig{
			Enabled: true,
			Roles:   []string{"300000000000000001", "300000000000000002"},
		},
		Leave: &models.LeaveConfig{
			Enabled:   true,
			ChannelID: strPtr(testChannelID),
			Content:   strPtr("{user.name} left {server}"),
		},
	}
}

func newOrchestrator(cfg *fakeConfig, dir *fakeDirectory, del *fakeDelivery) *Orchestrator {
	return NewOrchestrator(cfg, dir, del, "")
}

var testUser = template.User{ID: testUserID, Name: "Test User"}

func joinEvent() MemberEvent { return MemberEvent{GuildID: testGuildID, User: testUser} }

// ---------------------------------------------------------------------------
// HandleMemberAdd
// ---------------------------------------------------------------------------

func TestHandleMemberAdd_AllActions(t *testing.T) {
	dir := &fakeDirectory{}
	del := &fakeDelivery{}
	o := newOrchestrator(&fakeConfig{cfg: fullConfig()}, dir, del)

	require.NoError(t, o.HandleMemberAdd(context.Background(), joinEvent()))

	msg, ok := del.messageTo(testChannelID)
	require.True(t, ok)
	assert.Equal(t, "Welcome to Test Server, Test User! You are member #24.", msg.content)

	dm, ok := del.messageTo(testDMID)
	require.True(t, ok)
	assert.Equal(t, "Hi Test User, this is Private", dm.content)

	assert.ElementsMatch(t, []string{"300000000000000001", "300000000000000002"}, del.roles)
	assert.Equal(t, int32(1), dir.guildCalls.Load(), "guild is fetched once per event")
}

func TestHandleMemberAdd_Unconfigured(t *testing.T) {
	del := &fakeDelivery{}
	o := newOrchestrator(&fakeConfig{}, &fakeDirectory{}, del)

	require.NoError(t, o.HandleMemberAdd(context.Background(), joinEvent()))
	assert.Empty(t, del.sent)
	assert.Empty(t, del.roles)
}

func TestHandleMemberAdd_LookupError(t *testing.T) {
	del := &fakeDelivery{}
	o := newOrchestrator(&fakeConfig{err: errors.New("db down")}, &fakeDirectory{}, del)

	err := o.HandleMemberAdd(context.Background(), joinEvent())
	require.Error(t, err)
	assert.Empty(t, del.sent)
}

func TestHandleMemberAdd_DisabledSectionsAreSkipped(t *testing.T) {
	cfg := fullConfig()
	cfg.Join.Enabled = false
	cfg.JoinRoles.Enabled = false
	del := &fakeDelivery{}
	o := newOrchestrator(&fakeConfig{cfg: cfg}, &fakeDirectory{}, del)

	require.NoError(t, o.HandleMemberAdd(context.Background(), joinEvent()))
	_, ok := del.messageTo(testChannelID)
	assert.False(t, ok)
	_, ok = del.messageTo(testDMID)
	assert.True(t, ok)
	assert.Empty(t, del.roles)
}

func TestHandleMemberAdd_RootFlagDoesNotGateSections(t *testing.T) {
	cfg := fullConfig()
	cfg.Enabled = false
	del := &fakeDelivery{}
	o := newOrchestrator(&fakeConfig{cfg: cfg}, &fakeDirectory{}, del)

	require.NoError(t, o.HandleMemberAdd(context.Background(), joinEvent()))
	assert.Len(t, del.sent, 2)
}

func TestHandleMemberAdd_RoleFailureDoesNotBlockMessages(t *testing.T) {
	del := &fakeDelivery{roleErr: map[string]error{"300000000000000001": errPlatform}}
	o := newOrchestrator(&fakeConfig{cfg: fullConfig()}, &fakeDirectory{}, del)

	err := o.HandleMemberAdd(context.Background(), joinEvent())
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ActionRoleGrant, de.Action)
	assert.ErrorIs(t, err, errPlatform)

	assert.Len(t, del.sent, 2)
	assert.Equal(t, []string{"300000000000000002"}, del.roles, "remaining roles are still granted")
}

func TestHandleMemberAdd_MessageFailureDoesNotBlockRoles(t *testing.T) {
	del := &fakeDelivery{textErr: map[string]error{testChannelID: errPlatform}}
	o := newOrchestrator(&fakeConfig{cfg: fullConfig()}, &fakeDirectory{}, del)

	err := o.HandleMemberAdd(context.Background(), joinEvent())
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ActionChannelMessage, de.Action)

	_, ok := del.messageTo(testDMID)
	assert.True(t, ok)
	assert.Len(t, del.roles, 2)
}

func TestHandleMemberAdd_EveryFailureIsReported(t *testing.T) {
	del := &fakeDelivery{
		textErr: map[string]error{testChannelID: errPlatform},
		dmErr:   errPlatform,
		roleErr: map[string]error{"300000000000000001": errPlatform, "300000000000000002": errPlatform},
	}
	o := newOrchestrator(&fakeConfig{cfg: fullConfig()}, &fakeDirectory{}, del)

	err := o.HandleMemberAdd(context.Background(), joinEvent())
	require.Error(t, err)
	for _, action := range []Action{ActionChannelMessage, ActionDirectMessage, ActionRoleGrant} {
		assert.Contains(t, err.Error(), string(action))
	}
}

func TestHandleMemberAdd_GuildLookupFailureSparesRoles(t *testing.T) {
	del := &fakeDelivery{}
	o := newOrchestrator(&fakeConfig{cfg: fullConfig()}, &fakeDirectory{guildErr: errPlatform}, del)

	err := o.HandleMemberAdd(context.Background(), joinEvent())
	require.ErrorIs(t, err, errPlatform)
	assert.Empty(t, del.sent)
	assert.Len(t, del.roles, 2)
}

func TestHandleMemberAdd_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.ExpandedConfig)
		action Action
	}{
		{"unparsable channel id", func(c *models.ExpandedConfig) { c.Join.ChannelID = strPtr("general") }, ActionChannelMessage},
		{"missing channel id", func(c *models.ExpandedConfig) { c.Join.ChannelID = nil }, ActionChannelMessage},
		{"unknown message type", func(c *models.ExpandedConfig) { c.Join.MessageType = "sticker" }, ActionChannelMessage},
		{"embed type without embed", func(c *models.ExpandedConfig) { c.JoinDM.MessageType = models.MessageTypeEmbed }, ActionDirectMessage},
		{"empty dm content", func(c *models.ExpandedConfig) { c.JoinDM.Content = strPtr("") }, ActionDirectMessage},
		{"bad role id", func(c *models.ExpandedConfig) { c.JoinRoles.Roles = []string{"admin"} }, ActionRoleGrant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fullConfig()
			tt.mutate(cfg)
			del := &fakeDelivery{}
			o := newOrchestrator(&fakeConfig{cfg: cfg}, &fakeDirectory{}, del)

			err := o.HandleMemberAdd(context.Background(), joinEvent())
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.action, ve.Action)

			var de *DeliveryError
			assert.False(t, errors.As(err, &de), "siblings must still succeed")
		})
	}
}

func TestHandleMemberAdd_EmbedMessage(t *testing.T) {
	cfg := fullConfig()
	cfg.Join.MessageType = models.MessageTypeEmbed
	cfg.Join.Embed = &template.Embed{
		Title:  "{user.name} in title",
		Color:  "#ff0000",
		Image:  "https://img.example/banner.png",
		Fields: []template.EmbedField{{Name: "{server.name}", Value: "{server.member_count}"}},
	}
	del := &fakeDelivery{}
	o := newOrchestrator(&fakeConfig{cfg: cfg}, &fakeDirectory{}, del)

	require.NoError(t, o.HandleMemberAdd(context.Background(), joinEvent()))
	msg, ok := del.messageTo(testChannelID)
	require.True(t, ok)
	require.NotNil(t, msg.embed)
	assert.Equal(t, "Test User in title", msg.embed.Title)
	assert.Equal(t, []template.EmbedField{{Name: "Test Server", Value: "24"}}, msg.embed.Fields)
	assert.Equal(t, "#ff0000", msg.embed.Color)
	assert.Equal(t, "https://img.example/banner.png", msg.embed.Image)
	assert.Equal(t, "{user.name} in title", cfg.Join.Embed.Title, "stored embed is not mutated")
}

func TestHandleMemberAdd_PanicBecomesDeliveryError(t *testing.T) {
	del := &fakeDelivery{rolePanic: true}
	o := newOrchestrator(&fakeConfig{cfg: fullConfig()}, &fakeDirectory{}, del)

	err := o.HandleMemberAdd(context.Background(), joinEvent())
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ActionRoleGrant, de.Action)
	assert.Len(t, del.sent, 2)
}

// ---------------------------------------------------------------------------
// HandleMemberRemove
// ---------------------------------------------------------------------------

func TestHandleMemberRemove_SendsLeaveMessage(t *testing.T) {
	del := &fakeDelivery{}
	o := newOrchestrator(&fakeConfig{cfg: fullConfig()}, &fakeDirectory{}, del)

	require.NoError(t, o.HandleMemberRemove(context.Background(), joinEvent()))
	msg, ok := del.messageTo(testChannelID)
	require.True(t, ok)
	assert.Equal(t, "Test User left Test Server", msg.content)
	assert.Empty(t, del.roles)
}

func TestHandleMemberRemove_Disabled(t *testing.T) {
	cfg := fullConfig()
	cfg.Leave.Enabled = false
	del := &fakeDelivery{}
	o := newOrchestrator(&fakeConfig{cfg: cfg}, &fakeDirectory{}, del)

	require.NoError(t, o.HandleMemberRemove(context.Background(), joinEvent()))
	assert.Empty(t, del.sent)
}

func TestHandleMemberRemove_Unconfigured(t *testing.T) {
	o := newOrchestrator(&fakeConfig{}, &fakeDirectory{}, &fakeDelivery{})
	assert.NoError(t, o.HandleMemberRemove(context.Background(), joinEvent()))
}

func TestHandleMemberRemove_Errors(t *testing.T) {
	t.Run("bad channel", func(t *testing.T) {
		cfg := fullConfig()
		cfg.Leave.ChannelID = strPtr("")
		o := newOrchestrator(&fakeConfig{cfg: cfg}, &fakeDirectory{}, &fakeDelivery{})

		var ve *ValidationError
		require.ErrorAs(t, o.HandleMemberRemove(context.Background(), joinEvent()), &ve)
		assert.Equal(t, ActionLeaveMessage, ve.Action)
	})

	t.Run("channel lookup fails", func(t *testing.T) {
		o := newOrchestrator(&fakeConfig{cfg: fullConfig()}, &fakeDirectory{channelErr: errPlatform}, &fakeDelivery{})

		var de *DeliveryError
		require.ErrorAs(t, o.HandleMemberRemove(context.Background(), joinEvent()), &de)
		assert.ErrorIs(t, de, errPlatform)
	})
}
