package admission

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"relay-host/domain"
	"relay-host/repositories"
)

const (
	blockedNotice      = "You cannot contact this chat."
	wrongAnswerNotice  = "That is not the right answer, please try again."
	stillPendingNotice = "Your request is still being reviewed, please wait."
	reviewSentNotice   = "Your request was sent to the owner for review."
)

// Controller gates end users before any relay happens. It owns the
// per-(tenant, user) verification state machine and the three pluggable
// strategies; it never talks to the gateway itself, the relay engine
// performs the sends its decisions call for.
type Controller struct {
	admissions repositories.IAdmissionRepository
	tokens     repositories.ITokenRepository
	log        *slog.Logger
	verifyURL  string
	tokenTTL   time.Duration
}

func NewController(
	admissions repositories.IAdmissionRepository,
	tokens repositories.ITokenRepository,
	log *slog.Logger,
	verifyURL string,
	tokenTTL time.Duration,
) Controller {
	return Controller{
		admissions: admissions,
		tokens:     tokens,
		log:        log,
		verifyURL:  strings.TrimRight(verifyURL, "/"),
		tokenTTL:   tokenTTL,
	}
}

// State derives the admission state from the persisted tables. BLOCKED wins
// over everything else; VERIFIED over pending records.
func (c Controller) State(tenant domain.TenantID, user domain.UserID) (domain.AdmissionState, error) {
	blocked, err := c.admissions.IsBlocked(tenant, user)
	if err != nil {
		return "", err
	}
	if blocked {
		return domain.StateBlocked, nil
	}
	verified, err := c.admissions.IsVerified(tenant, user)
	if err != nil {
		return "", err
	}
	if verified {
		return domain.StateVerified, nil
	}
	record, ok, err := c.admissions.GetPending(tenant, user)
	if err != nil {
		return "", err
	}
	if ok {
		return record.State(), nil
	}
	return domain.StateUnverified, nil
}

// Admit decides what happens to one inbound message from an end user.
func (c Controller) Admit(tenant domain.Tenant, sender domain.Profile, text string) (domain.Decision, error) {
	state, err := c.State(tenant.ID, sender.ID)
	if err != nil {
		return domain.Decision{}, err
	}

	switch state {
	case domain.StateBlocked:
		return domain.Decision{Kind: domain.DecisionReject, UserText: blockedNotice}, nil
	case domain.StateVerified:
		return domain.Decision{Kind: domain.DecisionAdmit}, nil
	case domain.StatePendingReview:
		return domain.Decision{Kind: domain.DecisionReject, UserText: stillPendingNotice}, nil
	case domain.StateChallengeIssued:
		return c.checkOutstanding(tenant, sender, text)
	default:
		return c.firstContact(tenant, sender)
	}
}

func (c Controller) firstContact(tenant domain.Tenant, sender domain.Profile) (domain.Decision, error) {
	switch tenant.Strategy {
	case domain.VerifyExternal:
		return c.issueExternal(tenant, sender)
	case domain.VerifyManual:
		err := c.admissions.SetPending(tenant.ID, sender.ID, repositories.PendingRecord{
			Manual:   true,
			IssuedAt: time.Now().UTC(),
		})
		if err != nil {
			return domain.Decision{}, err
		}
		return domain.Decision{
			Kind:     domain.DecisionChallenge,
			UserText: reviewSentNotice,
			OwnerReq: &domain.OwnerRequest{
				Text: fmt.Sprintf("New contact request from %s (%d). Approve?", sender.Display(), sender.ID),
				Actions: []domain.Action{
					{Label: "Approve", Data: fmt.Sprintf("approve:%d", sender.ID)},
					{Label: "Reject", Data: fmt.Sprintf("reject:%d", sender.ID)},
				},
			},
		}, nil
	case domain.VerifyChallenge:
		return c.issueQuestion(tenant, sender)
	default:
		// Tenants without a verification policy admit everyone.
		return domain.Decision{Kind: domain.DecisionAdmit}, nil
	}
}

func (c Controller) issueQuestion(tenant domain.Tenant, sender domain.Profile) (domain.Decision, error) {
	question, answer := tenant.Question, tenant.Answer
	if question == "" || answer == "" {
		generated := GenerateChallenge()
		question, answer = generated.Question, generated.Answer
	}
	err := c.admissions.SetPending(tenant.ID, sender.ID, repositories.PendingRecord{
		Answer:   answer,
		IssuedAt: time.Now().UTC(),
	})
	if err != nil {
		return domain.Decision{}, err
	}
	prompt := "Before we connect you, please answer:\n" + question
	if tenant.Question != "" && tenant.Hint != "" {
		prompt += "\nHint: " + tenant.Hint
	}
	return domain.Decision{Kind: domain.DecisionChallenge, UserText: prompt}, nil
}

func (c Controller) issueExternal(tenant domain.Tenant, sender domain.Profile) (domain.Decision, error) {
	token := repositories.VerificationToken{
		ID:        uuid.NewString(),
		Tenant:    tenant.ID,
		User:      sender.ID,
		Name:      sender.Name,
		Username:  sender.Username,
		ExpiresAt: time.Now().Add(c.tokenTTL),
	}
	if err := c.tokens.Save(token); err != nil {
		return domain.Decision{}, err
	}
	err := c.admissions.SetPending(tenant.ID, sender.ID, repositories.PendingRecord{
		Token:    token.ID,
		IssuedAt: time.Now().UTC(),
	})
	if err != nil {
		return domain.Decision{}, err
	}
	return domain.Decision{
		Kind:     domain.DecisionChallenge,
		UserText: fmt.Sprintf("Please verify you are human:\n%s/verify/%s", c.verifyURL, token.ID),
		Token:    token.ID,
	}, nil
}

func (c Controller) checkOutstanding(tenant domain.Tenant, sender domain.Profile, text string) (domain.Decision, error) {
	record, ok, err := c.admissions.GetPending(tenant.ID, sender.ID)
	if err != nil {
		return domain.Decision{}, err
	}
	if !ok {
		// Pending row vanished between State and here; start over.
		return c.firstContact(tenant, sender)
	}

	if record.Token != "" {
		// External-gateway challenges never compare text; /start re-issues a
		// fresh link, everything else gets a reminder.
		if strings.TrimSpace(text) == "/start" {
			return c.issueExternal(tenant, sender)
		}
		return domain.Decision{
			Kind:     domain.DecisionReject,
			UserText: fmt.Sprintf("Please finish verification first:\n%s/verify/%s", c.verifyURL, record.Token),
		}, nil
	}

	if strings.TrimSpace(text) != record.Answer {
		// Wrong answers leave the state untouched; the expected answer is
		// never disclosed.
		return domain.Decision{Kind: domain.DecisionReject, UserText: wrongAnswerNotice}, nil
	}

	first, err := c.admissions.MarkVerified(tenant.ID, sender)
	if err != nil {
		return domain.Decision{}, err
	}
	return domain.Decision{Kind: domain.DecisionVerified, NotifyOwner: first}, nil
}

// Approve marks a user verified on the owner's behalf (manual review, or the
// external verifier callback). Reports whether this is a first-time
// transition.
func (c Controller) Approve(tenant domain.TenantID, profile domain.Profile) (bool, error) {
	return c.admissions.MarkVerified(tenant, profile)
}

// Reject resolves a manual review by blacklisting the user.
func (c Controller) Reject(tenant domain.TenantID, user domain.UserID) error {
	if err := c.admissions.Block(tenant, user, "rejected by owner"); err != nil {
		return err
	}
	return c.admissions.ClearPending(tenant, user)
}

func (c Controller) Block(tenant domain.TenantID, user domain.UserID, reason string) error {
	return c.admissions.Block(tenant, user, reason)
}

// ClearPending discards an outstanding challenge so the next contact starts
// the flow over.
func (c Controller) ClearPending(tenant domain.TenantID, user domain.UserID) error {
	return c.admissions.ClearPending(tenant, user)
}

func (c Controller) Unblock(tenant domain.TenantID, user domain.UserID) error {
	return c.admissions.Unblock(tenant, user)
}

// Unverify resets verification to UNVERIFIED. Blacklist state is orthogonal
// and untouched.
func (c Controller) Unverify(tenant domain.TenantID, user domain.UserID) error {
	return c.admissions.Unverify(tenant, user)
}
