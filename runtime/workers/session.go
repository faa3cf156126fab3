package workers

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
)

// SessionRegistry is where a live session announces its gateway.
type SessionRegistry interface {
	Put(tenant domain.TenantID, gw contract.Gateway)
	Remove(tenant domain.TenantID)
}

const (
	pollBackoffStart = time.Second
	pollBackoffCap   = 30 * time.Second
)

// SessionWorker runs one tenant's session end to end: it connects with the
// tenant's credential, registers the live gateway, and pumps inbound events
// into the relay engine until the context is canceled.
//
// Error handling follows the gateway classification: an invalid credential
// is final, so the worker returns nil and the supervisor retires it; rate
// limits wait the advertised delay; transient poll failures back off and
// keep the session alive.
type SessionWorker struct {
	tenant    domain.Tenant
	connector contract.Connector
	registry  SessionRegistry
	deps      relay.Deps
	retry     gateway.RetryPolicy
	ackTTL    time.Duration
	log       *slog.Logger

	locks userLocks
	wg    sync.WaitGroup
}

func NewSessionWorker(
	tenant domain.Tenant,
	connector contract.Connector,
	registry SessionRegistry,
	deps relay.Deps,
	retry gateway.RetryPolicy,
	ackTTL time.Duration,
	log *slog.Logger,
) *SessionWorker {
	return &SessionWorker{
		tenant:    tenant,
		connector: connector,
		registry:  registry,
		deps:      deps,
		retry:     retry,
		ackTTL:    ackTTL,
		log:       log.With("tenant", tenant.ID),
	}
}

func (w *SessionWorker) Run(ctx context.Context) error {
	conn, err := w.connector.Connect(ctx, w.tenant.Credential)
	if err != nil {
		if gateway.IsPermanent(err) {
			// Revoked or mistyped credential: retire the session instead of
			// hammering the platform. The tenant record stays; fixing the
			// credential and restarting the tenant brings it back.
			w.log.Error("Credential rejected, session retired", "error", err)
			return nil
		}
		return err
	}
	defer func() { _ = conn.Close() }()

	w.registry.Put(w.tenant.ID, conn)
	defer w.registry.Remove(w.tenant.ID)

	// In-flight dispatches finish before the connection goes away.
	defer w.wg.Wait()

	engine := relay.NewEngine(w.tenant, conn, w.deps, w.retry, w.ackTTL, w.log)
	w.log.Info("Session started", "mode", w.tenant.Mode)
	w.announce(ctx, conn, "online")
	defer w.announce(context.WithoutCancel(ctx), conn, "offline")

	backoff := pollBackoffStart
	for {
		updates, err := conn.Poll(ctx)
		if ctx.Err() != nil {
			w.log.Info("Session stopping")
			return ctx.Err()
		}
		if err != nil {
			if gateway.IsPermanent(err) {
				w.log.Error("Session lost its credential, retiring", "error", err)
				return nil
			}
			if delay := gateway.RetryDelay(err); delay > 0 {
				w.log.Warn("Polling rate limited", "delay", delay)
				if !sleep(ctx, delay) {
					return ctx.Err()
				}
				continue
			}
			w.log.Warn("Polling failed, backing off", "delay", backoff, "error", err)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, pollBackoffCap)
			continue
		}
		backoff = pollBackoffStart

		for _, update := range updates {
			w.dispatch(ctx, engine, update)
		}
	}
}

// announce posts a session lifecycle notice to the operator channel, if one
// is configured. Best effort only.
func (w *SessionWorker) announce(ctx context.Context, conn contract.Conn, status string) {
	if w.deps.AdminChat == 0 {
		return
	}
	text := fmt.Sprintf("[%s] session %s", w.tenant.ID, status)
	if _, err := conn.Send(ctx, w.deps.AdminChat, 0, text); err != nil {
		w.log.Debug("Operator notice undeliverable", "error", err)
	}
}

// dispatch hands one update to the engine on its own goroutine. Updates
// from the same sender are serialized so first-contact flows (challenge,
// thread creation) cannot race themselves; different senders proceed
// concurrently.
func (w *SessionWorker) dispatch(ctx context.Context, engine *relay.Engine, update domain.Update) {
	lock := w.locks.forUser(update.From)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		lock.Lock()
		defer lock.Unlock()
		engine.Handle(ctx, update)
	}()
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// userLocks hands out one mutex per sender. Entries are never reclaimed;
// a session sees a bounded set of senders between restarts.
type userLocks struct {
	mu    sync.Mutex
	locks map[domain.UserID]*sync.Mutex
}

func (l *userLocks) forUser(user domain.UserID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[domain.UserID]*sync.Mutex)
	}
	lock, ok := l.locks[user]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[user] = lock
	}
	return lock
}
