package repositories

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"relay-host/domain"
)

type IAdmissionRepository interface {
	Block(tenant domain.TenantID, user domain.UserID, reason string) error
	Unblock(tenant domain.TenantID, user domain.UserID) error
	IsBlocked(tenant domain.TenantID, user domain.UserID) (bool, error)
	MarkVerified(tenant domain.TenantID, profile domain.Profile) (bool, error)
	IsVerified(tenant domain.TenantID, user domain.UserID) (bool, error)
	Unverify(tenant domain.TenantID, user domain.UserID) error
	VerifiedUsers(tenant domain.TenantID) ([]VerifiedUser, error)
	ClearVerified(tenant domain.TenantID) error
	SetPending(tenant domain.TenantID, user domain.UserID, record PendingRecord) error
	GetPending(tenant domain.TenantID, user domain.UserID) (PendingRecord, bool, error)
	ClearPending(tenant domain.TenantID, user domain.UserID) error
	DeleteTenant(tenant domain.TenantID) error
}

// VerifiedUser is one row of the verified-users table; display metadata is
// kept so owner notices and the admin CLI can show who was admitted.
type VerifiedUser struct {
	User       domain.UserID `json:"user"`
	Name       string        `json:"name,omitempty"`
	Username   string        `json:"username,omitempty"`
	VerifiedAt time.Time     `json:"verified_at"`
}

// PendingRecord holds an outstanding verification: either the expected
// challenge answer, or the manual-review sentinel, or a reference to an
// external-gateway token.
type PendingRecord struct {
	Answer   string    `json:"answer,omitempty"`
	Manual   bool      `json:"manual,omitempty"`
	Token    string    `json:"token,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
}

// State derives the admission state this record represents.
func (p PendingRecord) State() domain.AdmissionState {
	if p.Manual {
		return domain.StatePendingReview
	}
	return domain.StateChallengeIssued
}

// AdmissionRepository persists the blacklist ("block:{tenant}:{user}"),
// verified-users ("verified:{tenant}:{user}") and pending-verification
// ("pending:{tenant}:{user}") tables.
type AdmissionRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewAdmissionRepository(db *badger.DB, log *slog.Logger) IAdmissionRepository {
	return AdmissionRepository{db: db, log: log}
}

func blockKey(tenant domain.TenantID, user domain.UserID) []byte {
	return []byte(fmt.Sprintf("block:%s:%d", tenant, user))
}

func verifiedKey(tenant domain.TenantID, user domain.UserID) []byte {
	return []byte(fmt.Sprintf("verified:%s:%d", tenant, user))
}

func pendingKey(tenant domain.TenantID, user domain.UserID) []byte {
	return []byte(fmt.Sprintf("pending:%s:%d", tenant, user))
}

func (r AdmissionRepository) Block(tenant domain.TenantID, user domain.UserID, reason string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(tenant, user), []byte(reason))
	})
}

func (r AdmissionRepository) Unblock(tenant domain.TenantID, user domain.UserID) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(blockKey(tenant, user))
	})
}

func (r AdmissionRepository) IsBlocked(tenant domain.TenantID, user domain.UserID) (bool, error) {
	return r.exists(blockKey(tenant, user))
}

// MarkVerified inserts the verified row and clears any pending record.
// It reports whether this was the first time the user became verified, so
// the caller can fire the one-time owner notification.
func (r AdmissionRepository) MarkVerified(tenant domain.TenantID, profile domain.Profile) (bool, error) {
	already, err := r.IsVerified(tenant, profile.ID)
	if err != nil {
		return false, err
	}
	row := VerifiedUser{
		User:       profile.ID,
		Name:       profile.Name,
		Username:   profile.Username,
		VerifiedAt: time.Now().UTC(),
	}
	bytes, err := json.Marshal(row)
	if err != nil {
		return false, err
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(verifiedKey(tenant, profile.ID), bytes); err != nil {
			return err
		}
		return txn.Delete(pendingKey(tenant, profile.ID))
	})
	if err != nil {
		return false, err
	}
	return !already, nil
}

func (r AdmissionRepository) IsVerified(tenant domain.TenantID, user domain.UserID) (bool, error) {
	return r.exists(verifiedKey(tenant, user))
}

// Unverify resets the user's verification only. The blacklist is a separate
// table and is deliberately left untouched.
func (r AdmissionRepository) Unverify(tenant domain.TenantID, user domain.UserID) error {
	return r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(verifiedKey(tenant, user)); err != nil {
			return err
		}
		return txn.Delete(pendingKey(tenant, user))
	})
}

func (r AdmissionRepository) VerifiedUsers(tenant domain.TenantID) ([]VerifiedUser, error) {
	var users []VerifiedUser
	prefix := []byte(fmt.Sprintf("verified:%s:", tenant))
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(value []byte) error {
				var row VerifiedUser
				if err := json.Unmarshal(value, &row); err != nil {
					return err
				}
				users = append(users, row)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return users, err
}

func (r AdmissionRepository) ClearVerified(tenant domain.TenantID) error {
	return dropPrefix(r.db, []byte(fmt.Sprintf("verified:%s:", tenant)))
}

func (r AdmissionRepository) SetPending(tenant domain.TenantID, user domain.UserID, record PendingRecord) error {
	bytes, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pendingKey(tenant, user), bytes)
	})
}

func (r AdmissionRepository) GetPending(tenant domain.TenantID, user domain.UserID) (PendingRecord, bool, error) {
	var record PendingRecord
	found := false
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pendingKey(tenant, user))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(value []byte) error {
			return json.Unmarshal(value, &record)
		})
	})
	return record, found, err
}

func (r AdmissionRepository) ClearPending(tenant domain.TenantID, user domain.UserID) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(pendingKey(tenant, user))
	})
}

func (r AdmissionRepository) DeleteTenant(tenant domain.TenantID) error {
	for _, prefix := range []string{"block:%s:", "verified:%s:", "pending:%s:"} {
		if err := dropPrefix(r.db, []byte(fmt.Sprintf(prefix, tenant))); err != nil {
			return err
		}
	}
	return nil
}

func (r AdmissionRepository) exists(key []byte) (bool, error) {
	found := false
	err := r.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}
