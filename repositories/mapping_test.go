package repositories

import (
	"log/slog"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"relay-host/domain"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func Test_Mapping_LastWriteWins(t *testing.T) {
	req := require.New(t)
	repo := NewMappingRepository(openTestDB(t), slog.Default())
	tenant := domain.TenantID("support_bot")

	req.NoError(repo.Put(tenant, domain.MapForwardUser, "42", "1001"))
	req.NoError(repo.Put(tenant, domain.MapForwardUser, "42", "2002"))

	value, ok, err := repo.Get(tenant, domain.MapForwardUser, "42")
	req.NoError(err)
	req.True(ok)
	req.Equal("2002", value)
}

func Test_Mapping_SurvivesCacheMiss(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t)
	writer := NewMappingRepository(db, slog.Default())
	tenant := domain.TenantID("support_bot")

	req.NoError(writer.PutThread(tenant, 1001, 77))

	// A fresh repository over the same db has a cold cache and must fall
	// back to the durable store.
	reader := NewMappingRepository(db, slog.Default())
	thread, ok, err := reader.GetThread(tenant, 1001)
	req.NoError(err)
	req.True(ok)
	req.Equal(domain.ThreadID(77), thread)
}

func Test_Mapping_ReverseThread(t *testing.T) {
	req := require.New(t)
	repo := NewMappingRepository(openTestDB(t), slog.Default())
	tenant := domain.TenantID("support_bot")

	req.NoError(repo.PutThread(tenant, 1001, 77))
	req.NoError(repo.PutThread(tenant, 1002, 78))

	user, ok, err := repo.ReverseThread(tenant, 78)
	req.NoError(err)
	req.True(ok)
	req.Equal(domain.UserID(1002), user)

	_, ok, err = repo.ReverseThread(tenant, 999)
	req.NoError(err)
	req.False(ok)
}

func Test_Mapping_RecreatedThreadSupersedesStale(t *testing.T) {
	req := require.New(t)
	repo := NewMappingRepository(openTestDB(t), slog.Default())
	tenant := domain.TenantID("support_bot")

	req.NoError(repo.PutThread(tenant, 1001, 77))
	req.NoError(repo.PutThread(tenant, 1001, 91))

	thread, ok, err := repo.GetThread(tenant, 1001)
	req.NoError(err)
	req.True(ok)
	req.Equal(domain.ThreadID(91), thread)

	user, ok, err := repo.ReverseThread(tenant, 91)
	req.NoError(err)
	req.True(ok)
	req.Equal(domain.UserID(1001), user)
}

func Test_Mapping_TenantsAreIsolated(t *testing.T) {
	req := require.New(t)
	repo := NewMappingRepository(openTestDB(t), slog.Default())

	req.NoError(repo.Put("bot_a", domain.MapDirect, "5", "1001"))

	_, ok, err := repo.Get("bot_b", domain.MapDirect, "5")
	req.NoError(err)
	req.False(ok)
}

func Test_Mapping_RefRoundTrip(t *testing.T) {
	req := require.New(t)
	repo := NewMappingRepository(openTestDB(t), slog.Default())
	tenant := domain.TenantID("support_bot")

	original := domain.MsgRef{Chat: 1001, Msg: 5}
	relayed := domain.MsgRef{Chat: 9000, Msg: 321}
	req.NoError(repo.PutUserForward(tenant, original, relayed))

	got, ok, err := repo.GetUserForward(tenant, original)
	req.NoError(err)
	req.True(ok)
	req.Equal(relayed, got)
}

func Test_Mapping_DeleteTenant(t *testing.T) {
	req := require.New(t)
	repo := NewMappingRepository(openTestDB(t), slog.Default())
	tenant := domain.TenantID("support_bot")

	req.NoError(repo.PutThread(tenant, 1001, 77))
	req.NoError(repo.DeleteTenant(tenant))

	_, ok, err := repo.GetThread(tenant, 1001)
	req.NoError(err)
	req.False(ok)
}
