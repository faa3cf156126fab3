package relay

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"relay-host/domain"
	"relay-host/gateway"
	"relay-host/mocks"
	"relay-host/repositories"

	apperrors "relay-host/errors"
)

func newThreadManager(t *testing.T, tenant domain.Tenant) (*ThreadManager, *mocks.MockGateway, repositories.IMappingRepository) {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	gw := mocks.NewMockGateway(gomock.NewController(t))
	mappings := repositories.NewMappingRepository(db, slog.Default())
	retry := gateway.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	return NewThreadManager(tenant, gw, mappings, retry, slog.Default()), gw, mappings
}

func Test_Threads_ResolveCreatesOnceThenReuses(t *testing.T) {
	req := require.New(t)
	m, gw, _ := newThreadManager(t, threadedTenant())
	ctx := context.Background()

	gw.EXPECT().CreateThread(ctx, domain.ChatID(-500), "Alice (7)").Return(domain.ThreadID(77), nil).Times(1)

	first, err := m.Resolve(ctx, 7, "Alice")
	req.NoError(err)
	req.Equal(domain.ThreadID(77), first)

	second, err := m.Resolve(ctx, 7, "Alice")
	req.NoError(err)
	req.Equal(first, second)
}

func Test_Threads_ResolveWithoutGroupFails(t *testing.T) {
	req := require.New(t)
	m, _, _ := newThreadManager(t, directTenant())

	_, err := m.Resolve(context.Background(), 7, "Alice")
	req.ErrorIs(err, apperrors.ErrNoThreadGroup)
}

func Test_Threads_RecreateSupersedesStaleMapping(t *testing.T) {
	req := require.New(t)
	m, gw, mappings := newThreadManager(t, threadedTenant())
	ctx := context.Background()
	req.NoError(mappings.PutThread("acme", 7, 55))

	gw.EXPECT().CreateThread(ctx, domain.ChatID(-500), "Alice (7)").Return(domain.ThreadID(66), nil)

	thread, err := m.Recreate(ctx, 7, "Alice")
	req.NoError(err)
	req.Equal(domain.ThreadID(66), thread)

	resolved, err := m.Resolve(ctx, 7, "Alice")
	req.NoError(err)
	req.Equal(domain.ThreadID(66), resolved)
}

func Test_Threads_CreationRetriedOnTransientFailure(t *testing.T) {
	req := require.New(t)
	m, gw, _ := newThreadManager(t, threadedTenant())
	ctx := context.Background()

	gomock.InOrder(
		gw.EXPECT().CreateThread(ctx, domain.ChatID(-500), "Alice (7)").
			Return(domain.ThreadID(0), gateway.TransientErr(errors.New("gateway timeout"))),
		gw.EXPECT().CreateThread(ctx, domain.ChatID(-500), "Alice (7)").Return(domain.ThreadID(77), nil),
	)

	thread, err := m.Resolve(ctx, 7, "Alice")
	req.NoError(err)
	req.Equal(domain.ThreadID(77), thread)
}

func Test_Threads_MappingNotWrittenOnFailure(t *testing.T) {
	req := require.New(t)
	m, gw, mappings := newThreadManager(t, threadedTenant())
	ctx := context.Background()

	gw.EXPECT().CreateThread(ctx, domain.ChatID(-500), "Alice (7)").
		Return(domain.ThreadID(0), gateway.PermanentErr(errors.New("not enough rights")))

	_, err := m.Recreate(ctx, 7, "Alice")
	req.Error(err)

	_, ok, err := mappings.GetThread("acme", 7)
	req.NoError(err)
	req.False(ok)
}
