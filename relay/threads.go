package relay

import (
	"context"
	"fmt"
	"log/slog"

	"relay-host/contract"
	"relay-host/domain"
	"relay-host/gateway"
	"relay-host/repositories"

	apperrors "relay-host/errors"
)

// ThreadManager provisions the per-user discussion threads of one tenant's
// shared group. Callers must serialize per (tenant, user); the session worker
// guarantees it, so concurrent first messages cannot create duplicate
// threads.
type ThreadManager struct {
	tenant   domain.Tenant
	gw       contract.Gateway
	mappings repositories.IMappingRepository
	retry    gateway.RetryPolicy
	log      *slog.Logger
}

func NewThreadManager(
	tenant domain.Tenant,
	gw contract.Gateway,
	mappings repositories.IMappingRepository,
	retry gateway.RetryPolicy,
	log *slog.Logger,
) *ThreadManager {
	return &ThreadManager{tenant: tenant, gw: gw, mappings: mappings, retry: retry, log: log}
}

// Resolve returns the user's thread id, creating the thread on first
// contact.
func (m *ThreadManager) Resolve(ctx context.Context, user domain.UserID, display string) (domain.ThreadID, error) {
	if m.tenant.ThreadGroup == 0 {
		return 0, apperrors.ErrNoThreadGroup
	}
	thread, ok, err := m.mappings.GetThread(m.tenant.ID, user)
	if err != nil {
		return 0, err
	}
	if ok {
		return thread, nil
	}
	return m.Recreate(ctx, user, display)
}

// Recreate provisions a fresh thread and overwrites the mapping, so the new
// id immediately supersedes a stale one for all future writes. The mapping
// is only written once the platform confirmed the creation.
func (m *ThreadManager) Recreate(ctx context.Context, user domain.UserID, display string) (domain.ThreadID, error) {
	title := fmt.Sprintf("%s (%d)", display, user)
	var thread domain.ThreadID
	err := m.retry.Do(ctx, m.log, "createThread", func() error {
		id, err := m.gw.CreateThread(ctx, m.tenant.ThreadGroup, title)
		if err != nil {
			return err
		}
		thread = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := m.mappings.PutThread(m.tenant.ID, user, thread); err != nil {
		return 0, err
	}
	m.log.Info("Thread provisioned", "tenant", m.tenant.ID, "user", user, "thread", thread)
	return thread, nil
}
