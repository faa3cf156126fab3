package admission

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"relay-host/domain"
	"relay-host/repositories"
)

func newController(t *testing.T) (Controller, repositories.IAdmissionRepository, repositories.ITokenRepository) {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	admissions := repositories.NewAdmissionRepository(db, slog.Default())
	tokens := repositories.NewTokenRepository(db, slog.Default())
	controller := NewController(admissions, tokens, slog.Default(), "https://verify.example.com", time.Hour)
	return controller, admissions, tokens
}

func challengeTenant() domain.Tenant {
	return domain.Tenant{ID: "support_bot", Owner: 9000, Mode: domain.ModeDirect, Strategy: domain.VerifyChallenge}
}

var alice = domain.Profile{ID: 1001, Name: "Alice", Username: "alice"}

func Test_Admit_ChallengeFlow(t *testing.T) {
	req := require.New(t)
	controller, admissions, _ := newController(t)
	tenant := challengeTenant()

	// First contact issues a challenge and records the expected answer.
	decision, err := controller.Admit(tenant, alice, "hi")
	req.NoError(err)
	req.Equal(domain.DecisionChallenge, decision.Kind)
	req.NotEmpty(decision.UserText)

	record, ok, err := admissions.GetPending(tenant.ID, alice.ID)
	req.NoError(err)
	req.True(ok)
	req.NotEmpty(record.Answer)

	// A wrong answer re-rejects without disclosing the expected answer.
	decision, err = controller.Admit(tenant, alice, record.Answer+"0")
	req.NoError(err)
	req.Equal(domain.DecisionReject, decision.Kind)
	req.NotContains(decision.UserText, record.Answer)

	state, err := controller.State(tenant.ID, alice.ID)
	req.NoError(err)
	req.Equal(domain.StateChallengeIssued, state)

	// The exact answer verifies and requests the one-time owner notice.
	decision, err = controller.Admit(tenant, alice, record.Answer)
	req.NoError(err)
	req.Equal(domain.DecisionVerified, decision.Kind)
	req.True(decision.NotifyOwner)

	state, err = controller.State(tenant.ID, alice.ID)
	req.NoError(err)
	req.Equal(domain.StateVerified, state)

	// Once verified, messages are admitted.
	decision, err = controller.Admit(tenant, alice, "hello again")
	req.NoError(err)
	req.Equal(domain.DecisionAdmit, decision.Kind)
}

func Test_Admit_CustomQuestion(t *testing.T) {
	req := require.New(t)
	controller, _, _ := newController(t)
	tenant := challengeTenant()
	tenant.Question = "What color is the sky?"
	tenant.Answer = "blue"
	tenant.Hint = "look up"

	decision, err := controller.Admit(tenant, alice, "hi")
	req.NoError(err)
	req.Equal(domain.DecisionChallenge, decision.Kind)
	req.Contains(decision.UserText, "What color is the sky?")
	req.Contains(decision.UserText, "look up")

	// Answer comparison is case-sensitive exact match on trimmed input.
	decision, err = controller.Admit(tenant, alice, "Blue")
	req.NoError(err)
	req.Equal(domain.DecisionReject, decision.Kind)

	decision, err = controller.Admit(tenant, alice, "  blue  ")
	req.NoError(err)
	req.Equal(domain.DecisionVerified, decision.Kind)
}

func Test_Admit_BlockedWinsOverEverything(t *testing.T) {
	req := require.New(t)
	controller, admissions, _ := newController(t)
	tenant := challengeTenant()

	_, err := admissions.MarkVerified(tenant.ID, alice)
	req.NoError(err)
	req.NoError(admissions.Block(tenant.ID, alice.ID, "spam"))

	decision, err := controller.Admit(tenant, alice, "hi")
	req.NoError(err)
	req.Equal(domain.DecisionReject, decision.Kind)

	state, err := controller.State(tenant.ID, alice.ID)
	req.NoError(err)
	req.Equal(domain.StateBlocked, state)
}

func Test_Admit_ManualReview(t *testing.T) {
	req := require.New(t)
	controller, _, _ := newController(t)
	tenant := challengeTenant()
	tenant.Strategy = domain.VerifyManual

	decision, err := controller.Admit(tenant, alice, "hi")
	req.NoError(err)
	req.Equal(domain.DecisionChallenge, decision.Kind)
	req.NotNil(decision.OwnerReq)
	req.Contains(decision.OwnerReq.Text, "Alice")
	req.Len(decision.OwnerReq.Actions, 2)
	req.Equal("approve:1001", decision.OwnerReq.Actions[0].Data)
	req.Equal("reject:1001", decision.OwnerReq.Actions[1].Data)

	// Duplicate messages while pending get a notice, not a second request.
	decision, err = controller.Admit(tenant, alice, "anyone there?")
	req.NoError(err)
	req.Equal(domain.DecisionReject, decision.Kind)
	req.Nil(decision.OwnerReq)

	// Owner approval flips to VERIFIED.
	first, err := controller.Approve(tenant.ID, alice)
	req.NoError(err)
	req.True(first)

	decision, err = controller.Admit(tenant, alice, "hi again")
	req.NoError(err)
	req.Equal(domain.DecisionAdmit, decision.Kind)
}

func Test_Admit_ManualReject_Blocks(t *testing.T) {
	req := require.New(t)
	controller, _, _ := newController(t)
	tenant := challengeTenant()
	tenant.Strategy = domain.VerifyManual

	_, err := controller.Admit(tenant, alice, "hi")
	req.NoError(err)
	req.NoError(controller.Reject(tenant.ID, alice.ID))

	state, err := controller.State(tenant.ID, alice.ID)
	req.NoError(err)
	req.Equal(domain.StateBlocked, state)

	// No further pending review is created for a blocked user.
	decision, err := controller.Admit(tenant, alice, "please?")
	req.NoError(err)
	req.Equal(domain.DecisionReject, decision.Kind)
	req.Nil(decision.OwnerReq)
}

func Test_Admit_ExternalGateway(t *testing.T) {
	req := require.New(t)
	controller, _, tokens := newController(t)
	tenant := challengeTenant()
	tenant.Strategy = domain.VerifyExternal

	decision, err := controller.Admit(tenant, alice, "/start")
	req.NoError(err)
	req.Equal(domain.DecisionChallenge, decision.Kind)
	req.NotEmpty(decision.Token)
	req.Contains(decision.UserText, "https://verify.example.com/verify/"+decision.Token)

	token, err := tokens.Get(decision.Token)
	req.NoError(err)
	req.Equal(alice.ID, token.User)
	req.Equal(tenant.ID, token.Tenant)

	// Plain text while pending reminds, never compares answers.
	reminder, err := controller.Admit(tenant, alice, "let me in")
	req.NoError(err)
	req.Equal(domain.DecisionReject, reminder.Kind)
	req.Contains(reminder.UserText, decision.Token)

	// /start re-issues a fresh link.
	again, err := controller.Admit(tenant, alice, "/start")
	req.NoError(err)
	req.Equal(domain.DecisionChallenge, again.Kind)
	req.NotEqual(decision.Token, again.Token)
}

func Test_Unverify_ResetsToUnverified(t *testing.T) {
	req := require.New(t)
	controller, _, _ := newController(t)
	tenant := challengeTenant()

	first, err := controller.Approve(tenant.ID, alice)
	req.NoError(err)
	req.True(first)

	req.NoError(controller.Unverify(tenant.ID, alice.ID))

	state, err := controller.State(tenant.ID, alice.ID)
	req.NoError(err)
	req.Equal(domain.StateUnverified, state)

	// Re-verification after a reset counts as first-time again.
	first, err = controller.Approve(tenant.ID, alice)
	req.NoError(err)
	req.True(first)
}

func Test_GeneratedChallenges_AreConsistent(t *testing.T) {
	req := require.New(t)
	for range 50 {
		challenge := GenerateChallenge()
		req.NotEmpty(challenge.Question)
		req.NotEmpty(challenge.Answer)
		req.False(strings.Contains(challenge.Question, challenge.Answer+" "),
			"question %q leaks answer %q", challenge.Question, challenge.Answer)
	}
}
