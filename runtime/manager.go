package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relay-host/contract"
	"relay-host/domain"
	"relay-host/gateway"
	"relay-host/relay"
	"relay-host/repositories"
	"relay-host/runtime/workers"

	apperrors "relay-host/errors"
)

// SessionManager starts, stops and retires tenant sessions. Each session
// runs under its own supervisor so one tenant can be stopped or a crashed
// one restarted without touching the others.
type SessionManager struct {
	tenants      repositories.ITenantRepository
	admissions   repositories.IAdmissionRepository
	tokens       repositories.ITokenRepository
	connector    contract.Connector
	registry     *Registry
	deps         relay.Deps
	retry        gateway.RetryPolicy
	ackTTL       time.Duration
	restartDelay time.Duration
	log          *slog.Logger

	mu       sync.Mutex
	sessions map[domain.TenantID]*session
}

type session struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSessionManager(
	tenants repositories.ITenantRepository,
	admissions repositories.IAdmissionRepository,
	tokens repositories.ITokenRepository,
	connector contract.Connector,
	registry *Registry,
	deps relay.Deps,
	retry gateway.RetryPolicy,
	ackTTL time.Duration,
	restartDelay time.Duration,
	log *slog.Logger,
) *SessionManager {
	return &SessionManager{
		tenants:      tenants,
		admissions:   admissions,
		tokens:       tokens,
		connector:    connector,
		registry:     registry,
		deps:         deps,
		retry:        retry,
		ackTTL:       ackTTL,
		restartDelay: restartDelay,
		log:          log,
		sessions:     make(map[domain.TenantID]*session),
	}
}

// RestoreAll boots every stored tenant. A tenant that fails to start is
// logged and skipped; one broken record must not keep the host down.
func (m *SessionManager) RestoreAll(ctx context.Context) error {
	tenants, err := m.tenants.All()
	if err != nil {
		return fmt.Errorf("failed to load tenants: %w", err)
	}
	for _, tenant := range tenants {
		if err := m.StartTenant(ctx, tenant); err != nil {
			m.log.Error("Failed to restore tenant", "tenant", tenant.ID, "error", err)
		}
	}
	m.log.Info("Tenants restored", "count", len(tenants))
	return nil
}

// StartTenant launches the tenant's session under its own supervisor.
// Starting an already running tenant is a no-op.
func (m *SessionManager) StartTenant(ctx context.Context, tenant domain.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.sessions[tenant.ID]; running {
		return nil
	}

	worker := workers.NewSessionWorker(tenant, m.connector, m.registry, m.deps, m.retry, m.ackTTL, m.log)
	sup := workers.NewSupervisor(m.log.With("tenant", tenant.ID), m.restartDelay)
	sup.Add(worker)

	sessionCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.sessions[tenant.ID] = &session{cancel: cancel, done: done}

	go func() {
		sup.Run(sessionCtx)
		// Release the derived context even when the session retired on its
		// own instead of being stopped.
		cancel()
		close(done)
		m.mu.Lock()
		delete(m.sessions, tenant.ID)
		m.mu.Unlock()
	}()
	return nil
}

// StopTenant cancels the tenant's session and waits for its in-flight
// dispatches to drain. Stopping a tenant that is not running is a no-op.
func (m *SessionManager) StopTenant(tenant domain.TenantID) {
	m.mu.Lock()
	s, ok := m.sessions[tenant]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	<-s.done
	m.log.Info("Session stopped", "tenant", tenant)
}

// Register validates and stores a new tenant, then starts its session.
func (m *SessionManager) Register(ctx context.Context, req domain.RegisterRequest) (domain.Tenant, error) {
	if err := domain.ValidateRegister(req); err != nil {
		return domain.Tenant{}, err
	}
	if _, err := m.tenants.Get(domain.TenantID(req.ID)); err == nil {
		return domain.Tenant{}, fmt.Errorf("tenant %s already registered", req.ID)
	}

	tenant := req.Tenant()
	if err := m.tenants.Save(tenant); err != nil {
		return domain.Tenant{}, err
	}
	if err := m.StartTenant(ctx, tenant); err != nil {
		return domain.Tenant{}, err
	}
	m.log.Info("Tenant registered", "tenant", tenant.ID, "mode", tenant.Mode)
	return tenant, nil
}

// Disconnect stops a tenant and erases everything it owns: the record, the
// identity mappings, the admission tables and any outstanding verification
// tokens.
func (m *SessionManager) Disconnect(tenant domain.TenantID) error {
	if _, err := m.tenants.Get(tenant); err != nil {
		return apperrors.ErrTenantNotFound
	}
	m.StopTenant(tenant)

	if err := m.tenants.Delete(tenant); err != nil {
		return err
	}
	if err := m.deps.Mappings.DeleteTenant(tenant); err != nil {
		return err
	}
	if err := m.admissions.DeleteTenant(tenant); err != nil {
		return err
	}
	if err := m.tokens.DeleteTenant(tenant); err != nil {
		return err
	}
	m.log.Info("Tenant disconnected", "tenant", tenant)
	return nil
}

// StopAll drains every running session, used on host shutdown.
func (m *SessionManager) StopAll() {
	m.mu.Lock()
	ids := make([]domain.TenantID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.StopTenant(id)
	}
}
