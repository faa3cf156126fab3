package repositories

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	apperrors "relay-host/errors"

	"relay-host/domain"
)

type ITokenRepository interface {
	Save(token VerificationToken) error
	Get(id string) (VerificationToken, error)
	Consume(id string) (VerificationToken, error)
	AttachMessage(id string, ref domain.MsgRef) error
	Delete(id string) error
	DeleteTenant(tenant domain.TenantID) error
}

// VerificationToken is one outstanding external-gateway challenge. It is
// consumed exactly once by the verifier callback and expires if unused.
type VerificationToken struct {
	ID       string          `json:"id"`
	Tenant   domain.TenantID `json:"tenant"`
	User     domain.UserID   `json:"user"`
	Name     string          `json:"name,omitempty"`
	Username string          `json:"username,omitempty"`
	// Prompt is the challenge message shown to the user, deleted once the
	// verification succeeds.
	Prompt    domain.MsgRef `json:"prompt,omitempty"`
	ExpiresAt time.Time     `json:"expires_at"`
}

func (t VerificationToken) Profile() domain.Profile {
	return domain.Profile{ID: t.User, Name: t.Name, Username: t.Username}
}

// TokenRepository persists verification tokens under "vtoken:{id}". Expiry is
// checked on read; expired rows are dropped lazily.
type TokenRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewTokenRepository(db *badger.DB, log *slog.Logger) ITokenRepository {
	return TokenRepository{db: db, log: log}
}

func tokenKey(id string) []byte {
	return []byte(fmt.Sprintf("vtoken:%s", id))
}

func (r TokenRepository) Save(token VerificationToken) error {
	bytes, err := json.Marshal(token)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(tokenKey(token.ID), bytes)
	})
}

func (r TokenRepository) Get(id string) (VerificationToken, error) {
	var token VerificationToken
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(tokenKey(id))
		if err == badger.ErrKeyNotFound {
			return apperrors.ErrTokenNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return json.Unmarshal(value, &token)
		})
	})
	if err != nil {
		return VerificationToken{}, err
	}
	if time.Now().After(token.ExpiresAt) {
		if err := r.Delete(id); err != nil {
			r.log.Warn("Failed to drop expired token", "token", id, "error", err)
		}
		return VerificationToken{}, apperrors.ErrTokenExpired
	}
	return token, nil
}

// Consume reads and deletes a token in one transaction, so concurrent
// callbacks for the same token settle to exactly one winner; the rest see
// ErrTokenNotFound. Conflicting commits are retried against the new state.
func (r TokenRepository) Consume(id string) (VerificationToken, error) {
	for {
		var token VerificationToken
		err := r.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(tokenKey(id))
			if err == badger.ErrKeyNotFound {
				return apperrors.ErrTokenNotFound
			}
			if err != nil {
				return err
			}
			if err := item.Value(func(value []byte) error {
				return json.Unmarshal(value, &token)
			}); err != nil {
				return err
			}
			return txn.Delete(tokenKey(id))
		})
		if err == badger.ErrConflict {
			continue
		}
		if err != nil {
			return VerificationToken{}, err
		}
		if time.Now().After(token.ExpiresAt) {
			return VerificationToken{}, apperrors.ErrTokenExpired
		}
		return token, nil
	}
}

func (r TokenRepository) AttachMessage(id string, ref domain.MsgRef) error {
	token, err := r.Get(id)
	if err != nil {
		return err
	}
	token.Prompt = ref
	return r.Save(token)
}

func (r TokenRepository) Delete(id string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(tokenKey(id))
	})
}

// DeleteTenant drops all outstanding tokens of one tenant; tokens are keyed
// by their opaque id, so this is a scan over the whole prefix.
func (r TokenRepository) DeleteTenant(tenant domain.TenantID) error {
	var stale []string
	prefix := []byte("vtoken:")
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(value []byte) error {
				var token VerificationToken
				if err := json.Unmarshal(value, &token); err != nil {
					return err
				}
				if token.Tenant == tenant {
					stale = append(stale, token.ID)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range stale {
		if err := r.Delete(id); err != nil {
			return err
		}
	}
	return nil
}
