package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"relay-host/admission"
	"relay-host/contract"
	"relay-host/domain"
	"relay-host/gateway"
	"relay-host/repositories"
)

const (
	deliveredAck    = "Delivered."
	replyAck        = "Reply delivered."
	noMappingNotice = "Could not find who this message belongs to."
	relayFailNotice = "Your message could not be delivered. Please try again later."
	editSyncNotice  = "This edit could not be synced to the owner."
	editPlainNotice = "Only text edits can be synced."
)

// Deps groups the stores and services one engine instance works against.
// AdminChat, when set, is an operator channel receiving host-level notices
// (new verifications, session lifecycle).
type Deps struct {
	Tenants   repositories.ITenantRepository
	Mappings  repositories.IMappingRepository
	Settings  repositories.ISettingsRepository
	Tokens    repositories.ITokenRepository
	Admission admission.Controller
	AdminChat domain.ChatID
}

// Engine routes every inbound event of one tenant: admission-gates end
// users, relays their messages to the owner (directly or into a per-user
// thread), routes owner replies and edits back, and handles the owner's
// in-band commands. It never returns errors to the session worker; failures
// become short local notices to the sender or log entries.
type Engine struct {
	tenant  domain.Tenant
	gw      contract.Gateway
	deps    Deps
	threads *ThreadManager
	retry   gateway.RetryPolicy
	ackTTL  time.Duration
	log     *slog.Logger
}

func NewEngine(
	tenant domain.Tenant,
	gw contract.Gateway,
	deps Deps,
	retry gateway.RetryPolicy,
	ackTTL time.Duration,
	log *slog.Logger,
) *Engine {
	log = log.With("tenant", tenant.ID)
	return &Engine{
		tenant:  tenant,
		gw:      gw,
		deps:    deps,
		threads: NewThreadManager(tenant, gw, deps.Mappings, retry, log),
		retry:   retry,
		ackTTL:  ackTTL,
		log:     log,
	}
}

// Handle processes one inbound event. Calls for the same end user are
// serialized by the session worker; different users may run concurrently.
func (e *Engine) Handle(ctx context.Context, u domain.Update) {
	switch {
	case u.Callback != nil:
		e.handleCallback(ctx, *u.Callback)
	case e.isOwnerSide(u):
		e.handleOwnerSide(ctx, u)
	case u.ChatKind == domain.ChatPrivate && u.From != e.tenant.Owner:
		e.handleUser(ctx, u)
	}
	// Everything else (group chatter outside threads) is not ours to route.
}

// isOwnerSide reports whether the event comes from the owner-addressable
// context: the owner's private chat in direct mode, any post inside a user
// thread of the shared group in threaded mode (owner or staff).
func (e *Engine) isOwnerSide(u domain.Update) bool {
	if e.tenant.Mode == domain.ModeThreaded {
		return u.Chat == e.tenant.ThreadGroup && u.Thread != 0
	}
	return u.Chat == e.tenant.OwnerChat() && u.From == e.tenant.Owner
}

// originScope is the addressing context owner-side message ids live in.
func (e *Engine) originScope(u domain.Update) int64 {
	if e.tenant.Mode == domain.ModeThreaded {
		return int64(u.Thread)
	}
	return int64(e.tenant.OwnerChat())
}

// ---------- end-user side ----------

func (e *Engine) handleUser(ctx context.Context, u domain.Update) {
	if u.Edited {
		e.syncUserEdit(ctx, u)
		return
	}

	decision, err := e.deps.Admission.Admit(e.tenant, u.Sender(), u.Text)
	if err != nil {
		e.log.Error("Admission check failed", "user", u.From, "error", err)
		e.notify(ctx, u.Chat, 0, relayFailNotice)
		return
	}

	switch decision.Kind {
	case domain.DecisionReject:
		e.notify(ctx, u.Chat, 0, decision.UserText)
	case domain.DecisionChallenge:
		e.presentChallenge(ctx, u, decision)
	case domain.DecisionVerified:
		e.greetVerified(ctx, u.Chat, u.Sender(), decision.NotifyOwner)
	case domain.DecisionAdmit:
		if u.Command() == "/start" {
			// A returning verified user gets the greeting again instead of
			// relaying the bare command.
			e.notify(ctx, u.Chat, 0, e.resolveWelcome())
			return
		}
		e.relayUser(ctx, u)
	}
}

func (e *Engine) presentChallenge(ctx context.Context, u domain.Update, decision domain.Decision) {
	promptID, err := e.gw.Send(ctx, u.Chat, 0, decision.UserText)
	if err != nil {
		e.log.Error("Failed to present challenge", "user", u.From, "error", err)
		return
	}
	if decision.Token != "" {
		// The verifier callback deletes the prompt once the user passes.
		ref := domain.MsgRef{Chat: u.Chat, Msg: promptID}
		if err := e.deps.Tokens.AttachMessage(decision.Token, ref); err != nil {
			e.log.Warn("Failed to attach prompt to token", "token", decision.Token, "error", err)
		}
	}
	if decision.OwnerReq != nil {
		_, err := e.gw.SendActions(ctx, e.tenant.OwnerChat(), decision.OwnerReq.Text, decision.OwnerReq.Actions)
		if err != nil {
			e.log.Error("Failed to forward review request", "user", u.From, "error", err)
		}
	}
}

func (e *Engine) greetVerified(ctx context.Context, chat domain.ChatID, sender domain.Profile, notifyOwner bool) {
	e.notify(ctx, chat, 0, e.resolveWelcome())
	if notifyOwner {
		text := fmt.Sprintf("New verified user: %s (%d)", sender.Display(), sender.ID)
		e.notify(ctx, e.tenant.OwnerChat(), 0, text)
		if e.deps.AdminChat != 0 {
			e.notify(ctx, e.deps.AdminChat, 0, fmt.Sprintf("[%s] %s", e.tenant.ID, text))
		}
	}
}

func (e *Engine) relayUser(ctx context.Context, u domain.Update) {
	dest := e.tenant.OwnerChat()
	var thread domain.ThreadID
	if e.tenant.Mode == domain.ModeThreaded {
		resolved, err := e.threads.Resolve(ctx, u.From, u.Sender().Display())
		if err != nil {
			e.log.Error("Thread resolution failed", "user", u.From, "error", err)
			e.notify(ctx, u.Chat, 0, relayFailNotice)
			return
		}
		dest = e.tenant.ThreadGroup
		thread = resolved
	}

	relayed, err := e.deliver(ctx, u, dest, thread)
	if gateway.IsNotFound(err) && e.tenant.Mode == domain.ModeThreaded {
		// The thread was deleted externally. Recreate exactly once and retry
		// the send once; a second failure is permanent for this message.
		thread, err = e.threads.Recreate(ctx, u.From, u.Sender().Display())
		if err == nil {
			relayed, err = e.deliver(ctx, u, dest, thread)
		}
	}
	if err != nil {
		e.log.Error("Relay failed", "user", u.From, "error", err)
		e.notify(ctx, u.Chat, 0, relayFailNotice)
		return
	}

	// Mappings are written only after the platform confirmed the send.
	scope := int64(dest)
	if thread != 0 {
		scope = int64(thread)
	}
	origin := domain.OriginKey{Scope: scope, Msg: relayed}
	if err := e.deps.Mappings.PutRelayOrigin(e.tenant.ID, origin, u.From); err != nil {
		e.log.Error("Failed to record relay mapping", "user", u.From, "error", err)
		return
	}
	if u.Kind == domain.ContentText {
		relayedRef := domain.MsgRef{Chat: dest, Msg: relayed}
		if err := e.deps.Mappings.PutUserForward(e.tenant.ID, u.Ref(), relayedRef); err != nil {
			e.log.Error("Failed to record edit mapping", "user", u.From, "error", err)
		}
	}
	e.ack(ctx, u.Chat, 0, deliveredAck)
}

// deliver sends a text relay as an editable message, anything else as a
// forward.
func (e *Engine) deliver(ctx context.Context, u domain.Update, dest domain.ChatID, thread domain.ThreadID) (domain.MessageID, error) {
	var relayed domain.MessageID
	err := e.retry.Do(ctx, e.log, "relay", func() error {
		var innerErr error
		if u.Kind == domain.ContentText {
			relayed, innerErr = e.gw.Send(ctx, dest, thread, e.formatRelay(u.Sender(), u.Text))
		} else {
			relayed, innerErr = e.gw.Forward(ctx, u.Chat, u.Message, dest, thread)
		}
		return innerErr
	})
	return relayed, err
}

func (e *Engine) formatRelay(sender domain.Profile, text string) string {
	return fmt.Sprintf("%s (%d):\n%s", sender.Display(), sender.ID, text)
}

func (e *Engine) syncUserEdit(ctx context.Context, u domain.Update) {
	state, err := e.deps.Admission.State(e.tenant.ID, u.From)
	if err != nil {
		e.log.Error("Admission check failed", "user", u.From, "error", err)
		return
	}
	if state == domain.StateBlocked {
		return
	}
	if state != domain.StateVerified && e.tenant.Strategy != "" {
		return
	}
	if u.Kind != domain.ContentText {
		e.notify(ctx, u.Chat, 0, editPlainNotice)
		return
	}

	relayed, ok, err := e.deps.Mappings.GetUserForward(e.tenant.ID, u.Ref())
	if err != nil {
		e.log.Error("Edit mapping lookup failed", "user", u.From, "error", err)
		return
	}
	if !ok {
		e.notify(ctx, u.Chat, 0, editSyncNotice)
		return
	}

	text := e.formatRelay(u.Sender(), u.Text) + "\n(edited)"
	err = e.retry.Do(ctx, e.log, "editRelay", func() error {
		return e.gw.Edit(ctx, relayed.Chat, relayed.Msg, text)
	})
	if err != nil {
		e.log.Warn("Edit sync failed", "user", u.From, "error", err)
		e.notify(ctx, u.Chat, 0, editSyncNotice)
	}
}

// ---------- owner side ----------

func (e *Engine) handleOwnerSide(ctx context.Context, u domain.Update) {
	if cmd := u.Command(); isAdminCommand(cmd) {
		// Admin commands are only honored from the owner; from anyone else
		// they are dropped without a trace.
		if u.From == e.tenant.Owner {
			e.handleCommand(ctx, u, cmd)
		}
		return
	}
	if u.Edited {
		e.syncOwnerEdit(ctx, u)
		return
	}
	e.routeOwnerMessage(ctx, u)
}

func (e *Engine) routeOwnerMessage(ctx context.Context, u domain.Update) {
	target, ok := e.resolveTargetUser(u)
	if !ok {
		if e.tenant.Mode == domain.ModeDirect && u.ReplyTo == 0 {
			// Owner small talk in their own chat, nothing to route.
			return
		}
		e.notify(ctx, u.Chat, u.Thread, noMappingNotice)
		return
	}

	var delivered domain.MessageID
	err := e.retry.Do(ctx, e.log, "copyReply", func() error {
		id, innerErr := e.gw.Copy(ctx, u.Chat, u.Message, domain.ChatID(target))
		if innerErr != nil {
			return innerErr
		}
		delivered = id
		return nil
	})
	if err != nil {
		e.log.Error("Owner reply failed", "target", target, "error", err)
		e.notify(ctx, u.Chat, u.Thread, relayFailNotice)
		return
	}

	origin := domain.OriginKey{Scope: e.originScope(u), Msg: u.Message}
	deliveredRef := domain.MsgRef{Chat: domain.ChatID(target), Msg: delivered}
	if err := e.deps.Mappings.PutOwnerDelivery(e.tenant.ID, origin, deliveredRef); err != nil {
		e.log.Error("Failed to record delivery mapping", "target", target, "error", err)
	}
	e.ack(ctx, u.Chat, u.Thread, replyAck)
}

func (e *Engine) syncOwnerEdit(ctx context.Context, u domain.Update) {
	origin := domain.OriginKey{Scope: e.originScope(u), Msg: u.Message}
	delivered, ok, err := e.deps.Mappings.GetOwnerDelivery(e.tenant.ID, origin)
	if err != nil {
		e.log.Error("Delivery mapping lookup failed", "error", err)
		return
	}
	if !ok {
		e.notify(ctx, u.Chat, u.Thread, editSyncNotice)
		return
	}
	if u.Kind != domain.ContentText {
		e.notify(ctx, u.Chat, u.Thread, editPlainNotice)
		return
	}

	err = e.retry.Do(ctx, e.log, "editDelivery", func() error {
		return e.gw.Edit(ctx, delivered.Chat, delivered.Msg, u.Text)
	})
	if err != nil {
		e.log.Warn("Owner edit sync failed", "error", err)
		e.notify(ctx, u.Chat, u.Thread, editSyncNotice)
	}
}

// resolveTargetUser finds which end user an owner-side message addresses:
// the replied-to relayed message in direct mode, the enclosing thread in
// threaded mode.
func (e *Engine) resolveTargetUser(u domain.Update) (domain.UserID, bool) {
	if u.ReplyTo != 0 {
		origin := domain.OriginKey{Scope: e.originScope(u), Msg: u.ReplyTo}
		if user, ok, err := e.deps.Mappings.GetRelayOrigin(e.tenant.ID, origin); err == nil && ok {
			return user, true
		}
	}
	if e.tenant.Mode == domain.ModeThreaded && u.Thread != 0 {
		if user, ok, err := e.deps.Mappings.ReverseThread(e.tenant.ID, u.Thread); err == nil && ok {
			return user, true
		}
	}
	return 0, false
}

// ---------- notices ----------

// notify sends a plain notice, retried like any gateway call; failures are
// logged, never escalated.
func (e *Engine) notify(ctx context.Context, chat domain.ChatID, thread domain.ThreadID, text string) {
	err := e.retry.Do(ctx, e.log, "notify", func() error {
		_, innerErr := e.gw.Send(ctx, chat, thread, text)
		return innerErr
	})
	if err != nil {
		e.log.Warn("Notice undeliverable", "chat", chat, "error", err)
	}
}

// ack sends a short-lived acknowledgment that deletes itself after ackTTL.
func (e *Engine) ack(ctx context.Context, chat domain.ChatID, thread domain.ThreadID, text string) {
	id, err := e.gw.Send(ctx, chat, thread, text)
	if err != nil {
		e.log.Debug("Ack undeliverable", "chat", chat, "error", err)
		return
	}
	go func() {
		timer := time.NewTimer(e.ackTTL)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := e.gw.Delete(ctx, chat, id); err != nil {
			e.log.Debug("Ack cleanup failed", "chat", chat, "error", err)
		}
	}()
}

func (e *Engine) resolveWelcome() string {
	tenant := e.tenant
	if fresh, err := e.deps.Tenants.Get(e.tenant.ID); err == nil {
		tenant = fresh
	}
	global, err := e.deps.Settings.Welcome()
	if err != nil {
		e.log.Warn("Global welcome lookup failed", "error", err)
	}
	return domain.ResolveWelcome(tenant, global)
}
