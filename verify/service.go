package verify

import (
	"context"
	"fmt"
	"log/slog"

	"relay-host/admission"
	"relay-host/contract"
	"relay-host/domain"
	"relay-host/repositories"
)

// GatewayResolver yields the live gateway of a running tenant session.
type GatewayResolver interface {
	Gateway(tenant domain.TenantID) (contract.Gateway, bool)
}

// Service resolves external verification callbacks. A token is consumed on
// first use, pass or fail; replays and expired links are rejected without
// side effects.
type Service struct {
	tenants    repositories.ITenantRepository
	tokens     repositories.ITokenRepository
	settings   repositories.ISettingsRepository
	controller admission.Controller
	resolver   GatewayResolver
	log        *slog.Logger
}

func NewService(
	tenants repositories.ITenantRepository,
	tokens repositories.ITokenRepository,
	settings repositories.ISettingsRepository,
	controller admission.Controller,
	resolver GatewayResolver,
	log *slog.Logger,
) Service {
	return Service{
		tenants:    tenants,
		tokens:     tokens,
		settings:   settings,
		controller: controller,
		resolver:   resolver,
		log:        log,
	}
}

// Confirm settles one verification attempt. On success the user becomes
// VERIFIED, the challenge prompt disappears, the welcome goes out and the
// owner learns about a first-time verification. A failed attempt only burns
// the token; the user can message the tenant again for a fresh link.
func (s Service) Confirm(ctx context.Context, tokenID string, passed bool) error {
	token, err := s.tokens.Consume(tokenID)
	if err != nil {
		return err
	}

	if !passed {
		s.log.Info("Verification attempt failed", "tenant", token.Tenant, "user", token.User)
		return s.controller.ClearPending(token.Tenant, token.User)
	}

	tenant, err := s.tenants.Get(token.Tenant)
	if err != nil {
		return err
	}
	first, err := s.controller.Approve(tenant.ID, token.Profile())
	if err != nil {
		return err
	}
	s.log.Info("User verified via callback", "tenant", tenant.ID, "user", token.User, "firstTime", first)

	gw, online := s.resolver.Gateway(tenant.ID)
	if !online {
		// Session not running; the user is verified either way and gets the
		// welcome on their next message.
		s.log.Warn("Tenant session offline, skipping notices", "tenant", tenant.ID)
		return nil
	}

	if token.Prompt.Msg != 0 {
		if err := gw.Delete(ctx, token.Prompt.Chat, token.Prompt.Msg); err != nil {
			s.log.Debug("Challenge prompt cleanup failed", "tenant", tenant.ID, "error", err)
		}
	}

	global, err := s.settings.Welcome()
	if err != nil {
		s.log.Warn("Global welcome lookup failed", "error", err)
	}
	if _, err := gw.Send(ctx, domain.ChatID(token.User), 0, domain.ResolveWelcome(tenant, global)); err != nil {
		s.log.Warn("Welcome undeliverable", "tenant", tenant.ID, "user", token.User, "error", err)
	}
	if first {
		notice := fmt.Sprintf("New verified user: %s (%d)", token.Profile().Display(), token.User)
		if _, err := gw.Send(ctx, tenant.OwnerChat(), 0, notice); err != nil {
			s.log.Warn("Owner notice undeliverable", "tenant", tenant.ID, "error", err)
		}
	}
	return nil
}
