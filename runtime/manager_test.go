package runtime

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"relay-host/admission"
	"relay-host/contract"
	"relay-host/domain"
	"relay-host/gateway"
	"relay-host/mocks"
	"relay-host/relay"
	"relay-host/repositories"

	apperrors "relay-host/errors"
)

type managerHarness struct {
	manager    *SessionManager
	connector  *mocks.MockConnector
	tenants    repositories.ITenantRepository
	mappings   repositories.IMappingRepository
	admissions repositories.IAdmissionRepository
	tokens     repositories.ITokenRepository
}

func newManagerHarness(t *testing.T) *managerHarness {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := slog.Default()
	tenants := repositories.NewTenantRepository(db, log)
	mappings := repositories.NewMappingRepository(db, log)
	admissions := repositories.NewAdmissionRepository(db, log)
	tokens := repositories.NewTokenRepository(db, log)
	deps := relay.Deps{
		Tenants:   tenants,
		Mappings:  mappings,
		Settings:  repositories.NewSettingsRepository(db, log),
		Tokens:    tokens,
		Admission: admission.NewController(admissions, tokens, log, "https://verify.local", time.Hour),
	}
	connector := mocks.NewMockConnector(gomock.NewController(t))
	retry := gateway.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	manager := NewSessionManager(tenants, admissions, tokens, connector, NewRegistry(), deps, retry, time.Minute, time.Millisecond, log)
	return &managerHarness{
		manager:    manager,
		connector:  connector,
		tenants:    tenants,
		mappings:   mappings,
		admissions: admissions,
		tokens:     tokens,
	}
}

// retiredCredential makes any session for the credential connect-fail
// permanently, so the worker stops on its own and tests stay deterministic.
func (h *managerHarness) retiredCredential(credential string, connected chan<- string) {
	h.connector.EXPECT().
		Connect(gomock.Any(), credential).
		DoAndReturn(func(context.Context, string) (contract.Conn, error) {
			if connected != nil {
				connected <- credential
			}
			return nil, gateway.PermanentErr(errors.New("401: unauthorized"))
		}).
		AnyTimes()
}

func validRequest() domain.RegisterRequest {
	return domain.RegisterRequest{
		ID:         "acme_support",
		Credential: "1234567890:acme-token",
		Owner:      10,
		Mode:       "direct",
	}
}

func Test_Manager_RegisterStartsSession(t *testing.T) {
	req := require.New(t)
	h := newManagerHarness(t)
	connected := make(chan string, 1)
	h.retiredCredential("1234567890:acme-token", connected)

	tenant, err := h.manager.Register(context.Background(), validRequest())
	req.NoError(err)
	req.Equal(domain.TenantID("acme_support"), tenant.ID)
	req.False(tenant.CreatedAt.IsZero())

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("session never attempted to connect")
	}

	stored, err := h.tenants.Get("acme_support")
	req.NoError(err)
	req.Equal(tenant.Credential, stored.Credential)
}

func Test_Manager_RegisterRejectsInvalidRequest(t *testing.T) {
	req := require.New(t)
	h := newManagerHarness(t)

	bad := validRequest()
	bad.Credential = "short"
	_, err := h.manager.Register(context.Background(), bad)
	req.Error(err)

	threaded := validRequest()
	threaded.Mode = "threaded" // no ThreadGroup supplied
	_, err = h.manager.Register(context.Background(), threaded)
	req.Error(err)

	_, err = h.tenants.Get("acme_support")
	req.ErrorIs(err, apperrors.ErrTenantNotFound)
}

func Test_Manager_RegisterRejectsDuplicate(t *testing.T) {
	req := require.New(t)
	h := newManagerHarness(t)
	h.retiredCredential("1234567890:acme-token", nil)

	_, err := h.manager.Register(context.Background(), validRequest())
	req.NoError(err)

	_, err = h.manager.Register(context.Background(), validRequest())
	req.ErrorContains(err, "already registered")
}

func Test_Manager_RestoreAllBootsStoredTenants(t *testing.T) {
	req := require.New(t)
	h := newManagerHarness(t)
	req.NoError(h.tenants.Save(domain.Tenant{ID: "one", Credential: "cred-one", Owner: 10, Mode: domain.ModeDirect}))
	req.NoError(h.tenants.Save(domain.Tenant{ID: "two", Credential: "cred-two", Owner: 20, Mode: domain.ModeDirect}))

	connected := make(chan string, 2)
	h.retiredCredential("cred-one", connected)
	h.retiredCredential("cred-two", connected)

	req.NoError(h.manager.RestoreAll(context.Background()))

	seen := map[string]bool{}
	for range 2 {
		select {
		case cred := <-connected:
			seen[cred] = true
		case <-time.After(time.Second):
			t.Fatal("not every tenant session connected")
		}
	}
	req.True(seen["cred-one"])
	req.True(seen["cred-two"])
}

func Test_Manager_DisconnectCascades(t *testing.T) {
	req := require.New(t)
	h := newManagerHarness(t)
	tenant := domain.Tenant{ID: "acme", Credential: "cred-acme", Owner: 10, Mode: domain.ModeDirect}
	req.NoError(h.tenants.Save(tenant))
	req.NoError(h.mappings.PutThread("acme", 7, 77))
	_, err := h.admissions.MarkVerified("acme", domain.Profile{ID: 7, Name: "Alice"})
	req.NoError(err)
	req.NoError(h.tokens.Save(repositories.VerificationToken{
		ID: "tok-1", Tenant: "acme", User: 7, ExpiresAt: time.Now().Add(time.Hour),
	}))

	req.NoError(h.manager.Disconnect("acme"))

	_, err = h.tenants.Get("acme")
	req.ErrorIs(err, apperrors.ErrTenantNotFound)
	_, ok, err := h.mappings.GetThread("acme", 7)
	req.NoError(err)
	req.False(ok)
	verified, err := h.admissions.IsVerified("acme", 7)
	req.NoError(err)
	req.False(verified)
	_, err = h.tokens.Get("tok-1")
	req.ErrorIs(err, apperrors.ErrTokenNotFound)
}

func Test_Manager_DisconnectUnknownTenant(t *testing.T) {
	req := require.New(t)
	h := newManagerHarness(t)
	req.ErrorIs(h.manager.Disconnect("ghost"), apperrors.ErrTenantNotFound)
}

func Test_Manager_StopTenantDrainsSession(t *testing.T) {
	req := require.New(t)
	h := newManagerHarness(t)
	ctrl := gomock.NewController(t)
	conn := mocks.NewMockConn(ctrl)
	tenant := domain.Tenant{ID: "acme", Credential: "cred-acme", Owner: 10, Mode: domain.ModeDirect}

	h.connector.EXPECT().Connect(gomock.Any(), "cred-acme").Return(conn, nil)
	started := make(chan struct{})
	conn.EXPECT().Poll(gomock.Any()).DoAndReturn(func(ctx context.Context) ([]domain.Update, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}).AnyTimes()
	conn.EXPECT().Close().Return(nil)

	req.NoError(h.manager.StartTenant(context.Background(), tenant))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("session never started polling")
	}

	// Returns only once the session goroutine fully drained.
	h.manager.StopTenant("acme")

	// Stopping again is a no-op.
	h.manager.StopTenant("acme")
}

// A session that retires on its own must also release its derived context,
// not just its registry slot.
func Test_Manager_RetiredSessionReleasesContext(t *testing.T) {
	req := require.New(t)
	h := newManagerHarness(t)

	ctxs := make(chan context.Context, 1)
	h.connector.EXPECT().
		Connect(gomock.Any(), "1234567890:acme-token").
		DoAndReturn(func(ctx context.Context, _ string) (contract.Conn, error) {
			ctxs <- ctx
			return nil, gateway.PermanentErr(errors.New("401: unauthorized"))
		})

	_, err := h.manager.Register(context.Background(), validRequest())
	req.NoError(err)

	var sessionCtx context.Context
	select {
	case sessionCtx = <-ctxs:
	case <-time.After(time.Second):
		t.Fatal("session never attempted to connect")
	}

	select {
	case <-sessionCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("session context still live after the worker retired")
	}
}
