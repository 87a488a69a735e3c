// Package services implements higher-level business logic that coordinates repositories, caches and
// external systems. ConfigStore owns the welcome configuration of every guild: fetch-or-create reads,
// all-or-nothing partial updates across the five welcome tables, and the cached read-only lookup used
// when lifecycle events arrive.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/guildkit/welcomer/internal/cache"
	"github.com/guildkit/welcomer/internal/db/models"
	"github.com/guildkit/welcomer/internal/db/repositories"
	"github.com/guildkit/welcomer/internal/telemetry"
)

// ErrNotFound is returned by LookupExpanded when a guild has never been configured.
var ErrNotFound = errors.New("welcome configuration not found")

// Stage names the persistence step a StoreError came from.
type Stage string

const (
	StageFetch           Stage = "fetch"
	StageCreate          Stage = "create"
	StageBegin           Stage = "begin"
	StageUpsertModule    Stage = "upsert_module"
	StageUpsertJoin      Stage = "upsert_join"
	StageUpsertJoinDM    Stage = "upsert_join_dm"
	StageUpsertJoinRoles Stage = "upsert_join_roles"
	StageUpsertLeave     Stage = "upsert_leave"
	StageCommit          Stage = "commit"
)

// StoreError is the single error type for persistence failures in the configuration store.
type StoreError struct {
	Stage   Stage
	GuildID string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("welcome config %s failed for guild %s: %v", e.Stage, e.GuildID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ConfigStore reads and writes welcome configuration.
type ConfigStore struct {
	repo  *repositories.WelcomeRepository
	cache cache.Cache
	ttl   time.Duration
}

// NewConfigStore creates a config store. A nil cache disables lookup caching.
func NewConfigStore(repo *repositories.WelcomeRepository, c cache.Cache, ttl time.Duration) *ConfigStore {
	if c == nil {
		c = cache.Noop{}
	}
	return &ConfigStore{repo: repo, cache: c, ttl: ttl}
}

func cacheKey(guildID string) string {
	return "welcome:config:" + guildID
}

// FetchExpanded returns the guild's expanded configuration, creating a disabled root module
// first if the guild has none.
func (s *ConfigStore) FetchExpanded(ctx context.Context, guildID string) (*models.ExpandedConfig, error) {
	cfg, err := s.repo.GetExpandedByGuildID(ctx, guildID)
	if err != nil {
		return nil, &StoreError{Stage: StageFetch, GuildID: guildID, Err: err}
	}
	if cfg != nil {
		return cfg, nil
	}

	m, err := s.repo.CreateModule(ctx, guildID)
	if err != nil {
		return nil, &StoreError{Stage: StageCreate, GuildID: guildID, Err: err}
	}
	slog.Info("created welcome module", "guild_id", guildID, "welcome_id", m.ID)
	return models.NewExpandedConfig(m), nil
}

// ApplyPartialUpdate merges u into the guild's stored configuration inside one transaction
// and returns the resulting expanded view. Sections absent from u are not written.
// Either every present section is stored or none is. Once the commit succeeds no error is
// returned; if the view cannot be re-read, the merged view computed before the write is returned.
func (s *ConfigStore) ApplyPartialUpdate(ctx context.Context, guildID string, u *models.WelcomeUpdate) (*models.ExpandedConfig, error) {
	cfg, err := s.applyPartialUpdate(ctx, guildID, u)
	var storeErr *StoreError
	switch {
	case err == nil:
		telemetry.WelcomeConfigUpdatesTotal.WithLabelValues("ok").Inc()
	case errors.As(err, &storeErr):
		telemetry.WelcomeConfigUpdatesTotal.WithLabelValues(string(storeErr.Stage)).Inc()
	default:
		telemetry.WelcomeConfigUpdatesTotal.WithLabelValues("error").Inc()
	}
	return cfg, err
}

func (s *ConfigStore) applyPartialUpdate(ctx context.Context, guildID string, u *models.WelcomeUpdate) (*models.ExpandedConfig, error) {
	cur, err := s.FetchExpanded(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if u == nil || u.IsEmpty() {
		return cur, nil
	}
	next := u.ApplyTo(cur)

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, &StoreError{Stage: StageBegin, GuildID: guildID, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	fail := func(stage Stage, err error) (*models.ExpandedConfig, error) {
		return nil, &StoreError{Stage: stage, GuildID: guildID, Err: err}
	}

	if u.Enabled != nil {
		if err := s.repo.UpsertModule(ctx, tx, guildID, next.Enabled); err != nil {
			return fail(StageUpsertModule, err)
		}
	}
	if u.Join != nil {
		if err := s.repo.UpsertJoin(ctx, tx, cur.ID, *next.Join); err != nil {
			return fail(StageUpsertJoin, err)
		}
	}
	if u.JoinDM != nil {
		if err := s.repo.UpsertJoinDM(ctx, tx, cur.ID, *next.JoinDM); err != nil {
			return fail(StageUpsertJoinDM, err)
		}
	}
	if u.JoinRoles != nil {
		if err := s.repo.UpsertJoinRoles(ctx, tx, cur.ID, *next.JoinRoles); err != nil {
			return fail(StageUpsertJoinRoles, err)
		}
	}
	if u.Leave != nil {
		if err := s.repo.UpsertLeave(ctx, tx, cur.ID, *next.Leave); err != nil {
			return fail(StageUpsertLeave, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fail(StageCommit, err)
	}

	updated, err := s.repo.GetExpandedByGuildID(ctx, guildID)
	if err == nil && updated == nil {
		err = ErrNotFound
	}
	if err != nil {
		// the update is committed; answer with the merged view and let the next lookup reload
		slog.Warn("re-read after committed welcome update failed", "guild_id", guildID, "error", err)
		s.invalidate(ctx, guildID)
		return next, nil
	}
	s.storeCached(ctx, guildID, updated)
	return updated, nil
}

// storeCached overwrites the lookup cache entry with a freshly committed view. A lookup that
// read the database before the commit uses Add, so it cannot replace this entry with stale data.
func (s *ConfigStore) storeCached(ctx context.Context, guildID string, cfg *models.ExpandedConfig) {
	b, err := json.Marshal(cfg)
	if err == nil {
		err = s.cache.Set(ctx, cacheKey(guildID), b, s.ttl)
	}
	if err != nil {
		slog.Warn("failed to refresh welcome config cache", "guild_id", guildID, "error", err)
		s.invalidate(ctx, guildID)
	}
}

func (s *ConfigStore) invalidate(ctx context.Context, guildID string) {
	if err := s.cache.Delete(ctx, cacheKey(guildID)); err != nil {
		slog.Warn("failed to invalidate welcome config cache", "guild_id", guildID, "error", err)
	}
}

// LookupExpanded returns the guild's configuration for lifecycle handling. Unlike FetchExpanded it
// never creates a module; a guild without one yields ErrNotFound. Results are cached, and a failing
// cache backend falls through to the database. A database result is only cached when no entry
// exists, since a concurrent update may have written a newer one meanwhile.
func (s *ConfigStore) LookupExpanded(ctx context.Context, guildID string) (*models.ExpandedConfig, error) {
	key := cacheKey(guildID)

	raw, found, err := s.cache.Get(ctx, key)
	switch {
	case err != nil:
		slog.Warn("welcome config cache read failed", "guild_id", guildID, "error", err)
		telemetry.WelcomeConfigLookupsTotal.WithLabelValues("cache_error").Inc()
	case found:
		var cfg models.ExpandedConfig
		if err := json.Unmarshal(raw, &cfg); err == nil {
			telemetry.WelcomeConfigLookupsTotal.WithLabelValues("cache").Inc()
			return &cfg, nil
		}
		slog.Warn("discarding undecodable cached welcome config", "guild_id", guildID)
		s.invalidate(ctx, guildID)
	}

	cfg, err := s.repo.GetExpandedByGuildID(ctx, guildID)
	if err != nil {
		return nil, &StoreError{Stage: StageFetch, GuildID: guildID, Err: err}
	}
	if cfg == nil {
		return nil, fmt.Errorf("guild %s: %w", guildID, ErrNotFound)
	}
	telemetry.WelcomeConfigLookupsTotal.WithLabelValues("database").Inc()

	if b, err := json.Marshal(cfg); err == nil {
		if _, err := s.cache.Add(ctx, key, b, s.ttl); err != nil {
			slog.Warn("welcome config cache write failed", "guild_id", guildID, "error", err)
		}
	}
	return cfg, nil
}
