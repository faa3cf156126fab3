//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"reflect"

	"relay-host/domain"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// Gateway is the chat platform surface consumed by the relay. Every error it
// returns is classified (see package gateway): not-found, rate-limited,
// permanent-credential or transient-network.
type Gateway interface {
	Send(ctx context.Context, chat domain.ChatID, thread domain.ThreadID, text string) (domain.MessageID, error)
	SendActions(ctx context.Context, chat domain.ChatID, text string, actions []domain.Action) (domain.MessageID, error)
	Forward(ctx context.Context, from domain.ChatID, msg domain.MessageID, to domain.ChatID, thread domain.ThreadID) (domain.MessageID, error)
	Copy(ctx context.Context, from domain.ChatID, msg domain.MessageID, to domain.ChatID) (domain.MessageID, error)
	Edit(ctx context.Context, chat domain.ChatID, msg domain.MessageID, text string) error
	Delete(ctx context.Context, chat domain.ChatID, msg domain.MessageID) error
	CreateThread(ctx context.Context, chat domain.ChatID, title string) (domain.ThreadID, error)
	Identity(ctx context.Context, user domain.UserID) (domain.Profile, error)
}

// Conn is one live tenant connection: the gateway calls plus the inbound
// event feed. Poll blocks until events arrive or ctx is done.
type Conn interface {
	Gateway
	Poll(ctx context.Context) ([]domain.Update, error)
	Close() error
}

// Connector opens a connection for a tenant credential. An invalid credential
// yields a permanent error; the tenant is then skipped, not retried.
type Connector interface {
	Connect(ctx context.Context, credential string) (Conn, error)
}
