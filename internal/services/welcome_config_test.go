package services

import (
	"context"
	"database/sql/driver"
	"errors"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildkit/welcomer/internal/cache"
	"github.com/guildkit/welcomer/internal/db/models"
	"github.com/guildkit/welcomer/internal/db/repositories"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var errDB = errors.New("db error")

const (
	guildID      = "81384788765712384"
	channelID    = "81384788765712385"
	expandedSQL  = "SELECT .* FROM welcome w LEFT JOIN"
	moduleSQL    = "SELECT .* FROM welcome WHERE guild_id"
	createSQL    = "INSERT INTO welcome \\(guild_id, enabled\\) VALUES \\(\\$1, false\\)"
	upsertModSQL = "INSERT INTO welcome \\(guild_id, enabled\\) VALUES \\(\\$1, \\$2\\) ON CONFLICT"
)

var expandedCols = []string{
	"id", "guild_id", "enabled",
	"join_enabled", "join_message_type", "join_channel_id", "join_content", "join_embed",
	"join_dm_enabled", "join_dm_message_type", "join_dm_content", "join_dm_embed",
	"join_roles_enabled", "join_roles_roles", "join_roles_delay",
	"leave_enabled", "leave_channel_id", "leave_content",
}

var moduleCols = []string{"id", "guild_id", "enabled", "created_at", "updated_at"}

// expandedRow is a module row with every section unconfigured; set overrides columns by name.
func expandedRow(id int64, enabled bool, set map[string]driver.Value) *sqlmock.Rows {
	vals := make([]driver.Value, len(expandedCols))
	vals[0], vals[1], vals[2] = id, guildID, enabled
	for i, col := range expandedCols {
		if v, ok := set[col]; ok {
			vals[i] = v
		}
	}
	return sqlmock.NewRows(expandedCols).AddRow(vals...)
}

var leaveSection = map[string]driver.Value{
	"leave_enabled":    true,
	"leave_channel_id": channelID,
	"leave_content":    "bye {user.name}",
}

func newStore(t *testing.T, c cache.Cache) (*ConfigStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := repositories.NewWelcomeRepository(sqlx.NewDb(db, "sqlmock"))
	return NewConfigStore(repo, c, time.Minute), mock
}

func boolPtr(b bool) *bool                             { return &b }
func strPtr(s string) *string                          { return &s }
func msgType(t models.MessageType) *models.MessageType { return &t }

// failingCache reports an error for every operation.
type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("cache down")
}
func (failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("cache down")
}
func (failingCache) Add(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errors.New("cache down")
}
func (failingCache) Delete(context.Context, ...string) error { return errors.New("cache down") }

// gatedCache holds the first Add until release is closed, signalling on entered once it is waiting.
type gatedCache struct {
	*cache.Memory
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedCache() *gatedCache {
	return &gatedCache{
		Memory:  cache.NewMemory(time.Minute, time.Minute),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedCache) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Memory.Add(ctx, key, value, ttl)
}

// ---------------------------------------------------------------------------
// StoreError
// ---------------------------------------------------------------------------

func TestStoreError_UnwrapAndMessage(t *testing.T) {
	err := &StoreError{Stage: StageCommit, GuildID: "1", Err: errDB}
	assert.ErrorIs(t, err, errDB)
	assert.Contains(t, err.Error(), "commit")
	assert.Contains(t, err.Error(), "guild 1")
}

// ---------------------------------------------------------------------------
// FetchExpanded
// ---------------------------------------------------------------------------

func TestFetchExpanded_Existing(t *testing.T) {
	store, mock := newStore(t, nil)
	mock.ExpectQuery(expandedSQL).WithArgs(guildID).
		WillReturnRows(expandedRow(7, true, leaveSection))

	cfg, err := store.FetchExpanded(context.Background(), guildID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.ID)
	assert.True(t, cfg.Enabled)
	assert.Nil(t, cfg.Join)
	require.NotNil(t, cfg.Leave)
	assert.Equal(t, "bye {user.name}", *cfg.Leave.Content)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchExpanded_CreatesDisabledModule(t *testing.T) {
	store, mock := newStore(t, nil)
	mock.ExpectQuery(expandedSQL).WithArgs(guildID).
		WillReturnRows(sqlmock.NewRows(expandedCols))
	mock.ExpectQuery(createSQL).WithArgs(guildID).
		WillReturnRows(sqlmock.NewRows(moduleCols).AddRow(9, guildID, false, time.Now(), time.Now()))
	mock.ExpectQuery(expandedSQL).WithArgs(guildID).
		WillReturnRows(expandedRow(9, false, nil))

	first, err := store.FetchExpanded(context.Background(), guildID)
	require.NoError(t, err)
	assert.Equal(t, &models.ExpandedConfig{ID: 9, GuildID: guildID}, first)

	second, err := store.FetchExpanded(context.Background(), guildID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchExpanded_ConcurrentCreateRereads(t *testing.T) {
	store, mock := newStore(t, nil)
	mock.ExpectQuery(expandedSQL).WillReturnRows(sqlmock.NewRows(expandedCols))
	mock.ExpectQuery(createSQL).WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectQuery(moduleSQL).WithArgs(guildID).
		WillReturnRows(sqlmock.NewRows(moduleCols).AddRow(3, guildID, false, time.Now(), time.Now()))

	cfg, err := store.FetchExpanded(context.Background(), guildID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cfg.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchExpanded_Errors(t *testing.T) {
	t.Run("fetch", func(t *testing.T) {
		store, mock := newStore(t, nil)
		mock.ExpectQuery(expandedSQL).WillReturnError(errDB)

		_, err := store.FetchExpanded(context.Background(), guildID)
		var se *StoreError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, StageFetch, se.Stage)
		assert.ErrorIs(t, err, errDB)
	})

	t.Run("create", func(t *testing.T) {
		store, mock := newStore(t, nil)
		mock.ExpectQuery(expandedSQL).WillReturnRows(sqlmock.NewRows(expandedCols))
		mock.ExpectQuery(createSQL).WillReturnError(errDB)

		_, err := store.FetchExpanded(context.Background(), guildID)
		var se *StoreError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, StageCreate, se.Stage)
	})
}

// ---------------------------------------------------------------------------
// ApplyPartialUpdate
// ---------------------------------------------------------------------------

func TestApplyPartialUpdate_JoinOnlyTouchesJoinTable(t *testing.T) {
	store, mock := newStore(t, nil)
	mock.ExpectQuery(expandedSQL).WillReturnRows(expandedRow(7, true, leaveSection))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO welcome_join \\(").
		WithArgs(int64(7), true, "text", channelID, "Welcome {user.name}", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(expandedSQL).WillReturnRows(expandedRow(7, true, map[string]driver.Value{
		"join_enabled":      true,
		"join_message_type": "text",
		"join_channel_id":   channelID,
		"join_content":      "Welcome {user.name}",
		"leave_enabled":     true,
		"leave_channel_id":  channelID,
		"leave_content":     "bye {user.name}",
	}))

	cfg, err := store.ApplyPartialUpdate(context.Background(), guildID, &models.WelcomeUpdate{
		Join: &models.JoinUpdate{
			Enabled:   boolPtr(true),
			ChannelID: strPtr(channelID),
			Content:   strPtr("Welcome {user.name}"),
		},
	})
	require.NoError(t, err)
	require.NotNil(t, cfg.Join)
	assert.Equal(t, models.MessageTypeText, cfg.Join.MessageType)
	require.NotNil(t, cfg.Leave)
	assert.Equal(t, "bye {user.name}", *cfg.Leave.Content)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPartialUpdate_PatchKeepsStoredFields(t *testing.T) {
	store, mock := newStore(t, nil)
	mock.ExpectQuery(expandedSQL).WillReturnRows(expandedRow(7, true, map[string]driver.Value{
		"join_enabled":      true,
		"join_message_type": "text",
		"join_channel_id":   channelID,
		"join_content":      "old",
	}))
	mock.ExpectBegin()
	// channel id and enabled are carried over from the stored row
	mock.ExpectExec("INSERT INTO welcome_join \\(").
		WithArgs(int64(7), true, "text", channelID, "new", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(expandedSQL).WillReturnRows(expandedRow(7, true, nil))

	_, err := store.ApplyPartialUpdate(context.Background(), guildID, &models.WelcomeUpdate{
		Join: &models.JoinUpdate{Content: strPtr("new")},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPartialUpdate_EnabledOnly(t *testing.T) {
	store, mock := newStore(t, nil)
	mock.ExpectQuery(expandedSQL).WillReturnRows(expandedRow(7, false, nil))
	mock.ExpectBegin()
	mock.ExpectExec(upsertModSQL).WithArgs(guildID, true).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(expandedSQL).WillReturnRows(expandedRow(7, true, nil))

	cfg, err := store.ApplyPartialUpdate(context.Background(), guildID, &models.WelcomeUpdate{Enabled: boolPtr(true)})
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPartialUpdate_EmptyUpdateOpensNoTransaction(t *testing.T) {
	store, mock := newStore(t, nil)
	mock.ExpectQuery(expandedSQL).WillReturnRows(expandedRow(7, false, nil))

	cfg, err := store.ApplyPartialUpdate(context.Background(), guildID, &models.WelcomeUpdate{})
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPartialUpdate_FailureRollsBackEverySection(t *testing.T) {
	store, mock := newStore(t, nil)
	mock.ExpectQuery(expandedSQL).WillReturnRows(expandedRow(7, false, nil))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO welcome_join \\(").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO welcome_join_dm").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO welcome_join_roles").WillReturnError(errDB)
	mock.ExpectRollback()
	// a later read sees the state from before the update
	mock.ExpectQuery(expandedSQL).WillReturnRows(expandedRow(7, false, nil))

	_, err := store.ApplyPartialUpdate(context.Background(), guildID, &models.WelcomeUpdate{
		Join:      &models.JoinUpdate{Enabled: boolPtr(true)},
		JoinDM:    &models.JoinDMUpdate{Enabled: boolPtr(true), MessageType: msgType(models.MessageTypeText)},
		JoinRoles: &models.JoinRolesUpdate{Enabled: boolPtr(true)},
		Leave:     &models.LeaveUpdate{Enabled: boolPtr(true)},
	})
	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageUpsertJoinRoles, se.Stage)
	assert.ErrorIs(t, err, errDB)

	after, err := store.FetchExpanded(context.Background(), guildID)
	require.NoError(t, err)
	assert.Nil(t, after.Join)
	assert.Nil(t, after.JoinDM)
	assert.Nil(t, after.JoinRoles)
	assert.Nil(t, after.Leave)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPartialUpdate_StageNames(t *testing.T) {
	tests := []struct {
		name   string
		update *models.WelcomeUpdate
		setup  func(sqlmock.Sqlmock)
		want   Stage
	}{
		{
			name:   "begin",
			update: &models.WelcomeUpdate{Enabled: boolPtr(true)},
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectBegin().WillReturnError(errDB)
			},
			want: StageBegin,
		},
		{
			name:   "upsert module",
			update: &models.WelcomeUpdate{Enabled: boolPtr(true)},
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec(upsertModSQL).WillReturnError(errDB)
				m.ExpectRollback()
			},
			want: StageUpsertModule,
		},
		{
			name:   "upsert join dm",
			update: &models.WelcomeUpdate{JoinDM: &models.JoinDMUpdate{Enabled: boolPtr(true)}},
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec("INSERT INTO welcome_join_dm").WillReturnError(errDB)
				m.ExpectRollback()
			},
			want: StageUpsertJoinDM,
		},
		{
			name:   "upsert leave",
			update: &models.WelcomeUpdate{Leave: &models.LeaveUpdate{Content: strPtr("bye")}},
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec("INSERT INTO welcome_leave").WillReturnError(errDB)
				m.ExpectRollback()
			},
			want: StageUpsertLeave,
		},
		{
			name:   "commit",
			update: &models.WelcomeUpdate{Leave: &models.LeaveUpdate{Content: strPtr("bye")}},
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec("INSERT INTO welcome_leave").WillReturnResult(sqlmock.NewResult(0, 1))
				m.ExpectCommit().WillReturnError(errDB)
			},
			want: StageCommit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newStore(t, nil)
			mock.ExpectQuery(expandedSQL).WillReturnRows(expandedRow(7, false, nil))
			tt.setup(mock)

			_, err := store.ApplyPartialUpdate(context.Background(), guildID, tt.update)
			var se *StoreError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.want, se.Stage)
			assert.Equal(t, guildID, se.GuildID)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestApplyPartialUpdate_RefreshesCache(t *testing.T) {
	mem := cache.NewMemory(time.Minute, time.Minute)
	require.NoError(t, mem.Set(context.Background(), cacheKey(guildID), []byte(`{"id":7}`), 0))

	store, mock := newStore(t, mem)
	mock.ExpectQuery(expandedSQL).WillReturnRows(expandedRow(7, false, nil))
	mock.ExpectBegin()
	mock.ExpectExec(upsertModSQL).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(expandedSQL).WillReturnRows(expandedRow(7, true, nil))

	_, err := store.ApplyPartialUpdate(context.Background(), guildID, &models.WelcomeUpdate{Enabled: boolPtr(true)})
	require.NoError(t, err)

	// the lookup is served from the refreshed entry without touching the database
	cfg, err := store.LookupExpanded(context.Background(), guildID)
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPartialUpdate_CacheFailureStillSucceeds(t *testing.T) {
	store, mock := newStore(t, failingCache{})
	mock.ExpectQuery(expandedSQL).WillReturnRows(expandedRow(7, false, nil))
	mock.ExpectBegin()
	mock.ExpectExec(upsertModSQL).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(expandedSQL).WillReturnRows(expandedRow(7, true, nil))

	cfg, err := store.ApplyPartialUpdate(context.Background(), guildID, &models.WelcomeUpdate{Enabled: boolPtr(true)})
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPartialUpdate_RereadFailureAfterCommit(t *testing.T) {
	mem := cache.NewMemory(time.Minute, time.Minute)
	require.NoError(t, mem.Set(context.Background(), cacheKey(guildID), []byte(`{"id":7}`), 0))

	store, mock := newStore(t, mem)
	mock.ExpectQuery(expandedSQL).WillReturnRows(expandedRow(7, false, leaveSection))
	mock.ExpectBegin()
	mock.ExpectExec(upsertModSQL).WithArgs(guildID, true).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(expandedSQL).WillReturnError(errDB)

	cfg, err := store.ApplyPartialUpdate(context.Background(), guildID, &models.WelcomeUpdate{Enabled: boolPtr(true)})
	require.NoError(t, err, "a committed update must not be reported as a failure")
	assert.Equal(t, int64(7), cfg.ID)
	assert.True(t, cfg.Enabled)
	require.NotNil(t, cfg.Leave)
	assert.Equal(t, "bye {user.name}", *cfg.Leave.Content)

	_, found, _ := mem.Get(context.Background(), cacheKey(guildID))
	assert.False(t, found, "cache entry must be dropped so the next lookup reloads")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupExpanded_SlowLookupCannotOverwriteCommittedUpdate(t *testing.T) {
	gated := newGatedCache()
	store, mock := newStore(t, gated)

	// lookup reads the enabled leave section, then stalls before caching it
	mock.ExpectQuery(expandedSQL).WillReturnRows(expandedRow(7, true, leaveSection))
	// the update disabling leave commits while the lookup is stalled
	mock.ExpectQuery(expandedSQL).WillReturnRows(expandedRow(7, true, leaveSection))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO welcome_leave").
		WithArgs(int64(7), false, channelID, "bye {user.name}").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(expandedSQL).WillReturnRows(expandedRow(7, true, map[string]driver.Value{
		"leave_enabled":    false,
		"leave_channel_id": channelID,
		"leave_content":    "bye {user.name}",
	}))

	type result struct {
		cfg *models.ExpandedConfig
		err error
	}
	done := make(chan result, 1)
	go func() {
		cfg, err := store.LookupExpanded(context.Background(), guildID)
		done <- result{cfg, err}
	}()
	<-gated.entered

	_, err := store.ApplyPartialUpdate(context.Background(), guildID, &models.WelcomeUpdate{
		Leave: &models.LeaveUpdate{Enabled: boolPtr(false)},
	})
	require.NoError(t, err)

	close(gated.release)
	stale := <-done
	require.NoError(t, stale.err)
	assert.True(t, stale.cfg.Leave.Enabled, "the stalled lookup still returns what it read")

	after, err := store.LookupExpanded(context.Background(), guildID)
	require.NoError(t, err)
	require.NotNil(t, after.Leave)
	assert.False(t, after.Leave.Enabled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupExpanded_UndecodableEntryIsReplaced(t *testing.T) {
	mem := cache.NewMemory(time.Minute, time.Minute)
	require.NoError(t, mem.Set(context.Background(), cacheKey(guildID), []byte("not json"), 0))

	store, mock := newStore(t, mem)
	mock.ExpectQuery(expandedSQL).WillReturnRows(expandedRow(7, true, nil))

	cfg, err := store.LookupExpanded(context.Background(), guildID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.ID)

	raw, found, _ := mem.Get(context.Background(), cacheKey(guildID))
	require.True(t, found)
	assert.JSONEq(t, `{"id":7,"guildId":"`+guildID+`","enabled":true}`, string(raw))
	require.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// LookupExpanded
// ---------------------------------------------------------------------------

func TestLookupExpanded_CachesDatabaseResult(t *testing.T) {
	store, mock := newStore(t, cache.NewMemory(time.Minute, time.Minute))
	mock.ExpectQuery(expandedSQL).WillReturnRows(expandedRow(7, true, map[string]driver.Value{
		"join_roles_enabled": true,
		"join_roles_roles":   "{111,222}",
		"join_roles_delay":   false,
	}))

	first, err := store.LookupExpanded(context.Background(), guildID)
	require.NoError(t, err)
	require.NotNil(t, first.JoinRoles)
	assert.Equal(t, []string{"111", "222"}, first.JoinRoles.Roles)

	// served from cache: no second query is expected
	second, err := store.LookupExpanded(context.Background(), guildID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupExpanded_NotFoundDoesNotCreate(t *testing.T) {
	store, mock := newStore(t, nil)
	mock.ExpectQuery(expandedSQL).WillReturnRows(sqlmock.NewRows(expandedCols))

	_, err := store.LookupExpanded(context.Background(), guildID)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupExpanded_CacheFailureFallsThrough(t *testing.T) {
	store, mock := newStore(t, failingCache{})
	mock.ExpectQuery(expandedSQL).WillReturnRows(expandedRow(7, true, nil))

	cfg, err := store.LookupExpanded(context.Background(), guildID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupExpanded_DatabaseError(t *testing.T) {
	store, mock := newStore(t, nil)
	mock.ExpectQuery(expandedSQL).WillReturnError(errDB)

	_, err := store.LookupExpanded(context.Background(), guildID)
	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageFetch, se.Stage)
}
