package repositories

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	apperrors "relay-host/errors"

	"relay-host/domain"
)

type ITenantRepository interface {
	Save(tenant domain.Tenant) error
	Get(id domain.TenantID) (domain.Tenant, error)
	All() ([]domain.Tenant, error)
	UpdateWelcome(id domain.TenantID, text string) error
	Delete(id domain.TenantID) error
}

// TenantRepository persists tenant records under "tenant:{id}".
type TenantRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewTenantRepository(db *badger.DB, log *slog.Logger) ITenantRepository {
	return TenantRepository{db: db, log: log}
}

func tenantKey(id domain.TenantID) []byte {
	return []byte(fmt.Sprintf("tenant:%s", id))
}

func (r TenantRepository) Save(tenant domain.Tenant) error {
	bytes, err := json.Marshal(tenant)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(tenantKey(tenant.ID), bytes)
	})
}

func (r TenantRepository) Get(id domain.TenantID) (domain.Tenant, error) {
	var tenant domain.Tenant
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(tenantKey(id))
		if err == badger.ErrKeyNotFound {
			return apperrors.ErrTenantNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return json.Unmarshal(value, &tenant)
		})
	})
	return tenant, err
}

// All returns every persisted tenant; used at boot to restore sessions.
func (r TenantRepository) All() ([]domain.Tenant, error) {
	var tenants []domain.Tenant
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte("tenant:")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(value []byte) error {
				var t domain.Tenant
				if err := json.Unmarshal(value, &t); err != nil {
					return err
				}
				tenants = append(tenants, t)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return tenants, err
}

func (r TenantRepository) UpdateWelcome(id domain.TenantID, text string) error {
	tenant, err := r.Get(id)
	if err != nil {
		return err
	}
	tenant.Welcome = text
	return r.Save(tenant)
}

// Delete removes the tenant record itself. Cascading the dependent rows
// (mappings, admission, tokens) is the session manager's job, since each
// repository owns its own prefix.
func (r TenantRepository) Delete(id domain.TenantID) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(tenantKey(id))
	})
}

// dropPrefix removes every key under prefix. Shared by the repositories that
// cascade on tenant removal.
func dropPrefix(db *badger.DB, prefix []byte) error {
	var keys [][]byte
	err := db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}
