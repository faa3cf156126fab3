package relay

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"relay-host/domain"
)

const (
	noTargetNotice   = "Reply to a relayed message or pass a user id."
	blockedConfirm   = "User %d is now blocked."
	unblockedConfirm = "User %d is no longer blocked."
	unverifyConfirm  = "User %d must verify again on next contact."
	welcomeConfirm   = "Welcome message updated."
	welcomeCleared   = "Welcome message reset to the default."
	rejectedNotice   = "The owner declined your request."
)

var adminCommands = map[string]struct{}{
	"/block":    {},
	"/unblock":  {},
	"/unverify": {},
	"/id":       {},
	"/welcome":  {},
}

func isAdminCommand(cmd string) bool {
	_, ok := adminCommands[cmd]
	return ok
}

// handleCommand runs one owner command. The caller already established the
// sender is the owner.
func (e *Engine) handleCommand(ctx context.Context, u domain.Update, cmd string) {
	switch cmd {
	case "/welcome":
		e.setWelcome(ctx, u)
		return
	case "/id":
		e.reportID(ctx, u)
		return
	}

	target, ok := e.commandTarget(u)
	if !ok {
		e.notify(ctx, u.Chat, u.Thread, noTargetNotice)
		return
	}

	var (
		err     error
		confirm string
	)
	switch cmd {
	case "/block":
		err = e.deps.Admission.Block(e.tenant.ID, target, "blocked by owner")
		confirm = fmt.Sprintf(blockedConfirm, target)
	case "/unblock":
		err = e.deps.Admission.Unblock(e.tenant.ID, target)
		confirm = fmt.Sprintf(unblockedConfirm, target)
	case "/unverify":
		err = e.deps.Admission.Unverify(e.tenant.ID, target)
		confirm = fmt.Sprintf(unverifyConfirm, target)
	}
	if err != nil {
		e.log.Error("Owner command failed", "command", cmd, "target", target, "error", err)
		e.notify(ctx, u.Chat, u.Thread, relayFailNotice)
		return
	}
	e.log.Info("Owner command applied", "command", cmd, "target", target)
	e.notify(ctx, u.Chat, u.Thread, confirm)
}

// commandTarget resolves which end user an owner command applies to: an
// explicit numeric argument wins, then the replied-to relayed message, then
// the enclosing user thread.
func (e *Engine) commandTarget(u domain.Update) (domain.UserID, bool) {
	if arg := u.CommandArg(); arg != "" {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return 0, false
		}
		return domain.UserID(id), true
	}
	return e.resolveTargetUser(u)
}

// reportID answers /id with the addressed user's id, or with the chat and
// thread ids when no user can be resolved (handy when wiring up a tenant).
func (e *Engine) reportID(ctx context.Context, u domain.Update) {
	if target, ok := e.commandTarget(u); ok {
		e.notify(ctx, u.Chat, u.Thread, fmt.Sprintf("User id: %d", target))
		return
	}
	text := fmt.Sprintf("Chat id: %d", u.Chat)
	if u.Thread != 0 {
		text += fmt.Sprintf("\nThread id: %d", u.Thread)
	}
	e.notify(ctx, u.Chat, u.Thread, text)
}

// setWelcome updates this tenant's greeting; a bare /welcome clears the
// override so the global or built-in default applies again.
func (e *Engine) setWelcome(ctx context.Context, u domain.Update) {
	text := u.CommandArg()
	if err := e.deps.Tenants.UpdateWelcome(e.tenant.ID, text); err != nil {
		e.log.Error("Welcome update failed", "error", err)
		e.notify(ctx, u.Chat, u.Thread, relayFailNotice)
		return
	}
	if text == "" {
		e.notify(ctx, u.Chat, u.Thread, welcomeCleared)
		return
	}
	e.notify(ctx, u.Chat, u.Thread, welcomeConfirm)
}

// ---------- review callbacks ----------

// handleCallback resolves a pending manual review from an inline action
// press. Only the owner may decide; anyone else's press is ignored.
func (e *Engine) handleCallback(ctx context.Context, cb domain.Callback) {
	if cb.From != e.tenant.Owner {
		return
	}
	verb, arg, ok := strings.Cut(cb.Data, ":")
	if !ok {
		return
	}
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return
	}
	user := domain.UserID(id)

	switch verb {
	case "approve":
		e.approveUser(ctx, cb, user)
	case "reject":
		e.rejectUser(ctx, cb, user)
	}
}

func (e *Engine) approveUser(ctx context.Context, cb domain.Callback, user domain.UserID) {
	profile := e.lookupProfile(ctx, user)
	first, err := e.deps.Admission.Approve(e.tenant.ID, profile)
	if err != nil {
		e.log.Error("Approval failed", "user", user, "error", err)
		return
	}
	e.log.Info("User approved", "user", user, "firstTime", first)
	e.resolveReview(ctx, cb, fmt.Sprintf("Approved %s (%d).", profile.Display(), user))
	e.notify(ctx, domain.ChatID(user), 0, e.resolveWelcome())
}

func (e *Engine) rejectUser(ctx context.Context, cb domain.Callback, user domain.UserID) {
	if err := e.deps.Admission.Reject(e.tenant.ID, user); err != nil {
		e.log.Error("Rejection failed", "user", user, "error", err)
		return
	}
	e.log.Info("User rejected", "user", user)
	e.resolveReview(ctx, cb, fmt.Sprintf("Rejected user %d.", user))
	e.notify(ctx, domain.ChatID(user), 0, rejectedNotice)
}

// resolveReview rewrites the review request message with the outcome so the
// inline actions disappear and the decision stays visible.
func (e *Engine) resolveReview(ctx context.Context, cb domain.Callback, outcome string) {
	if err := e.gw.Edit(ctx, cb.Chat, cb.Message, outcome); err != nil {
		e.log.Warn("Failed to resolve review message", "error", err)
	}
}

// lookupProfile fetches a display profile, falling back to the bare id when
// the platform cannot resolve the user anymore.
func (e *Engine) lookupProfile(ctx context.Context, user domain.UserID) domain.Profile {
	profile, err := e.gw.Identity(ctx, user)
	if err != nil {
		e.log.Warn("Identity lookup failed", "user", user, "error", err)
		return domain.Profile{ID: user}
	}
	return profile
}
