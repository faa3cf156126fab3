package repositories

import (
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

var welcomeKey = []byte("settings:welcome")

type ISettingsRepository interface {
	SetWelcome(text string) error
	Welcome() (string, error)
}

// SettingsRepository holds the single operator-level settings row: the
// global fallback welcome text.
type SettingsRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewSettingsRepository(db *badger.DB, log *slog.Logger) ISettingsRepository {
	return SettingsRepository{db: db, log: log}
}

func (r SettingsRepository) SetWelcome(text string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(welcomeKey, []byte(text))
	})
}

// Welcome returns the operator-set global welcome text, "" when unset.
func (r SettingsRepository) Welcome() (string, error) {
	var text string
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(welcomeKey)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			text = string(value)
			return nil
		})
	})
	return text, err
}
