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

	"relay-host/admission"
	"relay-host/domain"
	"relay-host/gateway"
	"relay-host/mocks"
	"relay-host/repositories"
)

type harness struct {
	engine     *Engine
	gw         *mocks.MockGateway
	deps       Deps
	admissions repositories.IAdmissionRepository
}

// newHarness wires an engine against a real store and a mocked gateway, the
// way a session worker does it. The ack TTL is long enough that no cleanup
// fires during a test unless a test shortens it.
func newHarness(t *testing.T, tenant domain.Tenant) *harness {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := slog.Default()
	gw := mocks.NewMockGateway(gomock.NewController(t))
	admissions := repositories.NewAdmissionRepository(db, log)
	tokens := repositories.NewTokenRepository(db, log)
	tenants := repositories.NewTenantRepository(db, log)
	require.NoError(t, tenants.Save(tenant))

	deps := Deps{
		Tenants:   tenants,
		Mappings:  repositories.NewMappingRepository(db, log),
		Settings:  repositories.NewSettingsRepository(db, log),
		Tokens:    tokens,
		Admission: admission.NewController(admissions, tokens, log, "https://verify.local", time.Hour),
	}
	retry := gateway.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	return &harness{
		engine:     NewEngine(tenant, gw, deps, retry, time.Minute, log),
		gw:         gw,
		deps:       deps,
		admissions: admissions,
	}
}

func directTenant() domain.Tenant {
	return domain.Tenant{ID: "acme", Credential: "token-1", Owner: 10, Mode: domain.ModeDirect}
}

func threadedTenant() domain.Tenant {
	return domain.Tenant{ID: "acme", Credential: "token-1", Owner: 10, Mode: domain.ModeThreaded, ThreadGroup: -500}
}

func userText(msg domain.MessageID, text string) domain.Update {
	return domain.Update{
		From: 7, FromName: "Alice",
		Chat: 7, ChatKind: domain.ChatPrivate,
		Message: msg, Text: text, Kind: domain.ContentText,
	}
}

func Test_Engine_DirectRoundTrip(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, directTenant())
	ctx := context.Background()

	h.gw.EXPECT().Send(ctx, domain.ChatID(10), domain.ThreadID(0), "Alice (7):\nhello there").Return(domain.MessageID(500), nil)
	h.gw.EXPECT().Send(ctx, domain.ChatID(7), domain.ThreadID(0), deliveredAck).Return(domain.MessageID(501), nil)
	h.engine.Handle(ctx, userText(100, "hello there"))

	reply := domain.Update{
		From: 10, Chat: 10, ChatKind: domain.ChatPrivate,
		Message: 600, ReplyTo: 500, Text: "hi back", Kind: domain.ContentText,
	}
	h.gw.EXPECT().Copy(ctx, domain.ChatID(10), domain.MessageID(600), domain.ChatID(7)).Return(domain.MessageID(700), nil)
	h.gw.EXPECT().Send(ctx, domain.ChatID(10), domain.ThreadID(0), replyAck).Return(domain.MessageID(601), nil)
	h.engine.Handle(ctx, reply)

	delivered, ok, err := h.deps.Mappings.GetOwnerDelivery("acme", domain.OriginKey{Scope: 10, Msg: 600})
	req.NoError(err)
	req.True(ok)
	req.Equal(domain.MsgRef{Chat: 7, Msg: 700}, delivered)
}

func Test_Engine_ThreadedRoundTrip(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, threadedTenant())
	ctx := context.Background()

	h.gw.EXPECT().CreateThread(ctx, domain.ChatID(-500), "Alice (7)").Return(domain.ThreadID(77), nil)
	h.gw.EXPECT().Send(ctx, domain.ChatID(-500), domain.ThreadID(77), "Alice (7):\nhello").Return(domain.MessageID(900), nil)
	h.gw.EXPECT().Send(ctx, domain.ChatID(7), domain.ThreadID(0), deliveredAck).Return(domain.MessageID(901), nil)
	h.engine.Handle(ctx, userText(100, "hello"))

	// A staff member posting inside the user's thread routes like the owner.
	staffReply := domain.Update{
		From: 33, Chat: -500, ChatKind: domain.ChatGroup,
		Thread: 77, Message: 910, Text: "hi from staff", Kind: domain.ContentText,
	}
	h.gw.EXPECT().Copy(ctx, domain.ChatID(-500), domain.MessageID(910), domain.ChatID(7)).Return(domain.MessageID(920), nil)
	h.gw.EXPECT().Send(ctx, domain.ChatID(-500), domain.ThreadID(77), replyAck).Return(domain.MessageID(911), nil)
	h.engine.Handle(ctx, staffReply)

	user, ok, err := h.deps.Mappings.ReverseThread("acme", 77)
	req.NoError(err)
	req.True(ok)
	req.Equal(domain.UserID(7), user)
}

func Test_Engine_BlockedUserNeverRelayed(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, directTenant())
	ctx := context.Background()
	req.NoError(h.admissions.Block("acme", 7, "spam"))

	// Only the rejection notice goes out; any relay call would fail the mock.
	h.gw.EXPECT().Send(ctx, domain.ChatID(7), domain.ThreadID(0), gomock.Any()).Return(domain.MessageID(1), nil)
	h.engine.Handle(ctx, userText(100, "let me in"))
}

func Test_Engine_ChallengeThenRelay(t *testing.T) {
	tenant := directTenant()
	tenant.Strategy = domain.VerifyChallenge
	tenant.Question = "Favorite color?"
	tenant.Answer = "blue"
	h := newHarness(t, tenant)
	ctx := context.Background()

	h.gw.EXPECT().Send(ctx, domain.ChatID(7), domain.ThreadID(0), "Before we connect you, please answer:\nFavorite color?").Return(domain.MessageID(200), nil)
	h.engine.Handle(ctx, userText(100, "hi"))

	// Correct answer verifies, greets and notifies the owner exactly once.
	h.gw.EXPECT().Send(ctx, domain.ChatID(7), domain.ThreadID(0), domain.DefaultWelcome).Return(domain.MessageID(201), nil)
	h.gw.EXPECT().Send(ctx, domain.ChatID(10), domain.ThreadID(0), "New verified user: Alice (7)").Return(domain.MessageID(202), nil)
	h.engine.Handle(ctx, userText(101, "blue"))

	h.gw.EXPECT().Send(ctx, domain.ChatID(10), domain.ThreadID(0), "Alice (7):\nnow for real").Return(domain.MessageID(203), nil)
	h.gw.EXPECT().Send(ctx, domain.ChatID(7), domain.ThreadID(0), deliveredAck).Return(domain.MessageID(204), nil)
	h.engine.Handle(ctx, userText(102, "now for real"))
}

func Test_Engine_ThreadRecreatedExactlyOnce(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, threadedTenant())
	ctx := context.Background()
	req.NoError(h.deps.Mappings.PutThread("acme", 7, 55))

	// The stale thread 55 was deleted on the platform; one recreate, one
	// redelivery.
	h.gw.EXPECT().Send(ctx, domain.ChatID(-500), domain.ThreadID(55), gomock.Any()).
		Return(domain.MessageID(0), gateway.NotFoundErr(errors.New("message thread not found")))
	h.gw.EXPECT().CreateThread(ctx, domain.ChatID(-500), "Alice (7)").Return(domain.ThreadID(66), nil)
	h.gw.EXPECT().Send(ctx, domain.ChatID(-500), domain.ThreadID(66), gomock.Any()).Return(domain.MessageID(930), nil)
	h.gw.EXPECT().Send(ctx, domain.ChatID(7), domain.ThreadID(0), deliveredAck).Return(domain.MessageID(931), nil)
	h.engine.Handle(ctx, userText(100, "anyone there?"))

	thread, ok, err := h.deps.Mappings.GetThread("acme", 7)
	req.NoError(err)
	req.True(ok)
	req.Equal(domain.ThreadID(66), thread)
}

func Test_Engine_RecreatedThreadFailureIsFinal(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, threadedTenant())
	ctx := context.Background()
	req.NoError(h.deps.Mappings.PutThread("acme", 7, 55))

	notFound := gateway.NotFoundErr(errors.New("message thread not found"))
	h.gw.EXPECT().Send(ctx, domain.ChatID(-500), domain.ThreadID(55), gomock.Any()).Return(domain.MessageID(0), notFound)
	h.gw.EXPECT().CreateThread(ctx, domain.ChatID(-500), "Alice (7)").Return(domain.ThreadID(66), nil).Times(1)
	h.gw.EXPECT().Send(ctx, domain.ChatID(-500), domain.ThreadID(66), gomock.Any()).Return(domain.MessageID(0), notFound)
	h.gw.EXPECT().Send(ctx, domain.ChatID(7), domain.ThreadID(0), relayFailNotice).Return(domain.MessageID(1), nil)
	h.engine.Handle(ctx, userText(100, "anyone there?"))
}

func Test_Engine_MediaForwardedNotReformatted(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, directTenant())
	ctx := context.Background()

	media := userText(100, "")
	media.Kind = domain.ContentMedia
	h.gw.EXPECT().Forward(ctx, domain.ChatID(7), domain.MessageID(100), domain.ChatID(10), domain.ThreadID(0)).Return(domain.MessageID(500), nil)
	h.gw.EXPECT().Send(ctx, domain.ChatID(7), domain.ThreadID(0), deliveredAck).Return(domain.MessageID(501), nil)
	h.engine.Handle(ctx, media)

	// Media relays carry a reply mapping but no edit mapping.
	user, ok, err := h.deps.Mappings.GetRelayOrigin("acme", domain.OriginKey{Scope: 10, Msg: 500})
	req.NoError(err)
	req.True(ok)
	req.Equal(domain.UserID(7), user)

	_, ok, err = h.deps.Mappings.GetUserForward("acme", domain.MsgRef{Chat: 7, Msg: 100})
	req.NoError(err)
	req.False(ok)
}

func Test_Engine_UserEditSynced(t *testing.T) {
	h := newHarness(t, directTenant())
	ctx := context.Background()

	h.gw.EXPECT().Send(ctx, domain.ChatID(10), domain.ThreadID(0), "Alice (7):\nhelo").Return(domain.MessageID(500), nil)
	h.gw.EXPECT().Send(ctx, domain.ChatID(7), domain.ThreadID(0), deliveredAck).Return(domain.MessageID(501), nil)
	h.engine.Handle(ctx, userText(100, "helo"))

	edit := userText(100, "hello")
	edit.Edited = true
	h.gw.EXPECT().Edit(ctx, domain.ChatID(10), domain.MessageID(500), "Alice (7):\nhello\n(edited)")
	h.engine.Handle(ctx, edit)
}

func Test_Engine_MediaEditFallsBackToNotice(t *testing.T) {
	h := newHarness(t, directTenant())
	ctx := context.Background()

	edit := userText(100, "")
	edit.Kind = domain.ContentMedia
	edit.Edited = true
	h.gw.EXPECT().Send(ctx, domain.ChatID(7), domain.ThreadID(0), editPlainNotice).Return(domain.MessageID(1), nil)
	h.engine.Handle(ctx, edit)
}

func Test_Engine_OwnerEditSynced(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, directTenant())
	ctx := context.Background()
	req.NoError(h.deps.Mappings.PutOwnerDelivery("acme", domain.OriginKey{Scope: 10, Msg: 600}, domain.MsgRef{Chat: 7, Msg: 700}))

	edit := domain.Update{
		From: 10, Chat: 10, ChatKind: domain.ChatPrivate,
		Message: 600, Text: "corrected reply", Kind: domain.ContentText, Edited: true,
	}
	h.gw.EXPECT().Edit(ctx, domain.ChatID(7), domain.MessageID(700), "corrected reply")
	h.engine.Handle(ctx, edit)
}

func Test_Engine_OwnerReplyWithoutMapping(t *testing.T) {
	h := newHarness(t, directTenant())
	ctx := context.Background()

	reply := domain.Update{
		From: 10, Chat: 10, ChatKind: domain.ChatPrivate,
		Message: 600, ReplyTo: 999, Text: "who is this for?", Kind: domain.ContentText,
	}
	h.gw.EXPECT().Send(ctx, domain.ChatID(10), domain.ThreadID(0), noMappingNotice).Return(domain.MessageID(1), nil)
	h.engine.Handle(ctx, reply)
}

func Test_Engine_OwnerSmallTalkIgnoredInDirectMode(t *testing.T) {
	h := newHarness(t, directTenant())

	// No ReplyTo and no mapping: nothing may be sent anywhere.
	note := domain.Update{
		From: 10, Chat: 10, ChatKind: domain.ChatPrivate,
		Message: 600, Text: "note to self", Kind: domain.ContentText,
	}
	h.engine.Handle(context.Background(), note)
}

func Test_Engine_StartRepeatsGreetingForVerifiedUser(t *testing.T) {
	req := require.New(t)
	tenant := directTenant()
	tenant.Welcome = "Welcome to Acme support."
	h := newHarness(t, tenant)
	ctx := context.Background()
	_, err := h.admissions.MarkVerified("acme", domain.Profile{ID: 7, Name: "Alice"})
	req.NoError(err)

	h.gw.EXPECT().Send(ctx, domain.ChatID(7), domain.ThreadID(0), "Welcome to Acme support.").Return(domain.MessageID(1), nil)
	h.engine.Handle(ctx, userText(100, "/start"))
}

func Test_Engine_AckDeletesItself(t *testing.T) {
	h := newHarness(t, directTenant())
	h.engine.ackTTL = time.Millisecond
	ctx := context.Background()

	h.gw.EXPECT().Send(ctx, domain.ChatID(10), domain.ThreadID(0), gomock.Any()).Return(domain.MessageID(500), nil)
	h.gw.EXPECT().Send(ctx, domain.ChatID(7), domain.ThreadID(0), deliveredAck).Return(domain.MessageID(501), nil)

	deleted := make(chan struct{})
	h.gw.EXPECT().Delete(ctx, domain.ChatID(7), domain.MessageID(501)).
		DoAndReturn(func(context.Context, domain.ChatID, domain.MessageID) error {
			close(deleted)
			return nil
		})
	h.engine.Handle(ctx, userText(100, "hello"))

	select {
	case <-deleted:
	case <-time.After(time.Second):
		t.Fatal("ack was never cleaned up")
	}
}
