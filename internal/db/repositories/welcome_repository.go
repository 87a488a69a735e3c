// welcome_repository.go implements WelcomeRepository, providing the queries behind the welcome
// configuration store: fetch-or-create of the root module, the joined read of all sections,
// and one upsert per section table. Section upserts take an ExecerContext so the caller can run
// them inside a single transaction.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/guildkit/welcomer/internal/db/models"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// WelcomeRepository handles database operations for welcome configuration
type WelcomeRepository struct {
	db *sqlx.DB
}

// NewWelcomeRepository creates a new welcome repository
func NewWelcomeRepository(db *sqlx.DB) *WelcomeRepository {
	return &WelcomeRepository{db: db}
}

// WelcomeStats summarises how many guilds have configured each section.
type WelcomeStats struct {
	Modules        int `db:"modules"`
	EnabledModules int `db:"enabled_modules"`
	Join           int `db:"join_sections"`
	JoinDM         int `db:"join_dm_sections"`
	JoinRoles      int `db:"join_roles_sections"`
	Leave          int `db:"leave_sections"`
}

// GetModuleByGuildID retrieves the root module for a guild
func (r *WelcomeRepository) GetModuleByGuildID(ctx context.Context, guildID string) (*models.WelcomeModule, error) {
	var m models.WelcomeModule
	query := `SELECT id, guild_id, enabled, created_at, updated_at FROM welcome WHERE guild_id = $1`
	err := r.db.GetContext(ctx, &m, query, guildID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateModule inserts a disabled root module for a guild. When a concurrent caller created
// the row first, the existing row is returned instead.
func (r *WelcomeRepository) CreateModule(ctx context.Context, guildID string) (*models.WelcomeModule, error) {
	var m models.WelcomeModule
	query := `
		INSERT INTO welcome (guild_id, enabled)
		VALUES ($1, false)
		RETURNING id, guild_id, enabled, created_at, updated_at`
	err := r.db.GetContext(ctx, &m, query, guildID)
	if err == nil {
		return &m, nil
	}
	if !isUniqueViolation(err) {
		return nil, err
	}

	existing, err := r.GetModuleByGuildID(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("welcome module for guild %s vanished after unique violation", guildID)
	}
	return existing, nil
}

// GetExpandedByGuildID retrieves the root module joined with every configured section.
// Returns nil, nil when the guild has no root module.
func (r *WelcomeRepository) GetExpandedByGuildID(ctx context.Context, guildID string) (*models.ExpandedConfig, error) {
	var row models.ExpandedRow
	query := `
		SELECT
			w.id, w.guild_id, w.enabled,
			j.enabled AS join_enabled, j.message_type AS join_message_type,
			j.channel_id AS join_channel_id, j.content AS join_content, j.embed AS join_embed,
			d.enabled AS join_dm_enabled, d.message_type AS join_dm_message_type,
			d.content AS join_dm_content, d.embed AS join_dm_embed,
			jr.enabled AS join_roles_enabled, jr.roles AS join_roles_roles, jr.delay AS join_roles_delay,
			l.enabled AS leave_enabled, l.channel_id AS leave_channel_id, l.content AS leave_content
		FROM welcome w
		LEFT JOIN welcome_join j ON j.welcome_id = w.id
		LEFT JOIN welcome_join_dm d ON d.welcome_id = w.id
		LEFT JOIN welcome_join_roles jr ON jr.welcome_id = w.id
		LEFT JOIN welcome_leave l ON l.welcome_id = w.id
		WHERE w.guild_id = $1`
	err := r.db.GetContext(ctx, &row, query, guildID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.Expand()
}

// BeginTx starts a transaction for a multi-section update
func (r *WelcomeRepository) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	return r.db.BeginTxx(ctx, nil)
}

// UpsertModule sets the root enabled flag for a guild
func (r *WelcomeRepository) UpsertModule(ctx context.Context, q sqlx.ExecerContext, guildID string, enabled bool) error {
	query := `
		INSERT INTO welcome (guild_id, enabled)
		VALUES ($1, $2)
		ON CONFLICT (guild_id) DO UPDATE SET
			enabled = excluded.enabled,
			updated_at = now()`
	_, err := q.ExecContext(ctx, query, guildID, enabled)
	return err
}

// UpsertJoin writes the full join section row
func (r *WelcomeRepository) UpsertJoin(ctx context.Context, q sqlx.ExecerContext, welcomeID int64, cfg models.JoinConfig) error {
	embed, err := models.EncodeEmbed(cfg.Embed)
	if err != nil {
		return fmt.Errorf("failed to encode join embed: %w", err)
	}
	query := `
		INSERT INTO welcome_join (welcome_id, enabled, message_type, channel_id, content, embed)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (welcome_id) DO UPDATE SET
			enabled = excluded.enabled,
			message_type = excluded.message_type,
			channel_id = excluded.channel_id,
			content = excluded.content,
			embed = excluded.embed,
			updated_at = now()`
	_, err = q.ExecContext(ctx, query, welcomeID, cfg.Enabled, string(cfg.MessageType), cfg.ChannelID, cfg.Content, embed)
	return err
}

// UpsertJoinDM writes the full join DM section row
func (r *WelcomeRepository) UpsertJoinDM(ctx context.Context, q sqlx.ExecerContext, welcomeID int64, cfg models.JoinDMConfig) error {
	embed, err := models.EncodeEmbed(cfg.Embed)
	if err != nil {
		return fmt.Errorf("failed to encode join dm embed: %w", err)
	}
	query := `
		INSERT INTO welcome_join_dm (welcome_id, enabled, message_type, content, embed)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (welcome_id) DO UPDATE SET
			enabled = excluded.enabled,
			message_type = excluded.message_type,
			content = excluded.content,
			embed = excluded.embed,
			updated_at = now()`
	_, err = q.ExecContext(ctx, query, welcomeID, cfg.Enabled, string(cfg.MessageType), cfg.Content, embed)
	return err
}

// UpsertJoinRoles writes the full join roles section row
func (r *WelcomeRepository) UpsertJoinRoles(ctx context.Context, q sqlx.ExecerContext, welcomeID int64, cfg models.JoinRolesConfig) error {
	query := `
		INSERT INTO welcome_join_roles (welcome_id, enabled, roles, delay)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (welcome_id) DO UPDATE SET
			enabled = excluded.enabled,
			roles = excluded.roles,
			delay = excluded.delay,
			updated_at = now()`
	_, err := q.ExecContext(ctx, query, welcomeID, cfg.Enabled, pq.StringArray(cfg.Roles), cfg.Delay)
	return err
}

// UpsertLeave writes the full leave section row
func (r *WelcomeRepository) UpsertLeave(ctx context.Context, q sqlx.ExecerContext, welcomeID int64, cfg models.LeaveConfig) error {
	query := `
		INSERT INTO welcome_leave (welcome_id, enabled, channel_id, content)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (welcome_id) DO UPDATE SET
			enabled = excluded.enabled,
			channel_id = excluded.channel_id,
			content = excluded.content,
			updated_at = now()`
	_, err := q.ExecContext(ctx, query, welcomeID, cfg.Enabled, cfg.ChannelID, cfg.Content)
	return err
}

// GetStats counts modules and configured sections across all guilds
func (r *WelcomeRepository) GetStats(ctx context.Context) (*WelcomeStats, error) {
	var s WelcomeStats
	query := `
		SELECT
			(SELECT COUNT(*) FROM welcome) AS modules,
			(SELECT COUNT(*) FROM welcome WHERE enabled) AS enabled_modules,
			(SELECT COUNT(*) FROM welcome_join) AS join_sections,
			(SELECT COUNT(*) FROM welcome_join_dm) AS join_dm_sections,
			(SELECT COUNT(*) FROM welcome_join_roles) AS join_roles_sections,
			(SELECT COUNT(*) FROM welcome_leave) AS leave_sections`
	if err := r.db.GetContext(ctx, &s, query); err != nil {
		return nil, err
	}
	return &s, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
