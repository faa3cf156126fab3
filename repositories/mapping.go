package repositories

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"relay-host/domain"
)

type IMappingRepository interface {
	Put(tenant domain.TenantID, category domain.MappingCategory, key, value string) error
	Get(tenant domain.TenantID, category domain.MappingCategory, key string) (string, bool, error)
	ReverseThread(tenant domain.TenantID, thread domain.ThreadID) (domain.UserID, bool, error)
	DeleteTenant(tenant domain.TenantID) error
	PutThread(tenant domain.TenantID, user domain.UserID, thread domain.ThreadID) error
	GetThread(tenant domain.TenantID, user domain.UserID) (domain.ThreadID, bool, error)
	PutRelayOrigin(tenant domain.TenantID, relayed domain.OriginKey, user domain.UserID) error
	GetRelayOrigin(tenant domain.TenantID, relayed domain.OriginKey) (domain.UserID, bool, error)
	PutUserForward(tenant domain.TenantID, original domain.MsgRef, relayed domain.MsgRef) error
	GetUserForward(tenant domain.TenantID, original domain.MsgRef) (domain.MsgRef, bool, error)
	PutOwnerDelivery(tenant domain.TenantID, origin domain.OriginKey, delivered domain.MsgRef) error
	GetOwnerDelivery(tenant domain.TenantID, origin domain.OriginKey) (domain.MsgRef, bool, error)
}

// MappingRepository stores the per-tenant routing tables under
// "map:{tenant}:{category}:{key}". Writes are last-write-wins: a later send
// supersedes an earlier one, which is exactly what edit-sync wants. Reads go
// through a per-tenant in-memory cache; Badger remains the source of truth
// across restarts.
type MappingRepository struct {
	db  *badger.DB
	log *slog.Logger

	mu    sync.RWMutex
	cache map[domain.TenantID]map[domain.MappingCategory]map[string]string
}

func NewMappingRepository(db *badger.DB, log *slog.Logger) IMappingRepository {
	return &MappingRepository{
		db:    db,
		log:   log,
		cache: make(map[domain.TenantID]map[domain.MappingCategory]map[string]string),
	}
}

func mappingKey(tenant domain.TenantID, category domain.MappingCategory, key string) []byte {
	return []byte(fmt.Sprintf("map:%s:%s:%s", tenant, category, key))
}

func (r *MappingRepository) Put(tenant domain.TenantID, category domain.MappingCategory, key, value string) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(mappingKey(tenant, category, key), []byte(value))
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byCategory, ok := r.cache[tenant]
	if !ok {
		byCategory = make(map[domain.MappingCategory]map[string]string)
		r.cache[tenant] = byCategory
	}
	entries, ok := byCategory[category]
	if !ok {
		entries = make(map[string]string)
		byCategory[category] = entries
	}
	entries[key] = value
	return nil
}

func (r *MappingRepository) Get(tenant domain.TenantID, category domain.MappingCategory, key string) (string, bool, error) {
	r.mu.RLock()
	if entries, ok := r.cache[tenant][category]; ok {
		if value, ok := entries[key]; ok {
			r.mu.RUnlock()
			return value, true, nil
		}
	}
	r.mu.RUnlock()

	var value string
	found := false
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(mappingKey(tenant, category, key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(v []byte) error {
			value = string(v)
			return nil
		})
	})
	if err != nil || !found {
		return "", false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cache[tenant]; !ok {
		r.cache[tenant] = make(map[domain.MappingCategory]map[string]string)
	}
	if _, ok := r.cache[tenant][category]; !ok {
		r.cache[tenant][category] = make(map[string]string)
	}
	r.cache[tenant][category][key] = value
	return value, true, nil
}

// ReverseThread resolves which user owns a thread id. Thread counts are on
// the order of a tenant's active users, so a bounded prefix scan is enough.
func (r *MappingRepository) ReverseThread(tenant domain.TenantID, thread domain.ThreadID) (domain.UserID, bool, error) {
	want := strconv.FormatInt(int64(thread), 10)
	prefix := []byte(fmt.Sprintf("map:%s:%s:", tenant, domain.MapThread))

	var user domain.UserID
	found := false
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.Key()[len(prefix):])
			err := item.Value(func(v []byte) error {
				if string(v) != want {
					return nil
				}
				id, convErr := strconv.ParseInt(key, 10, 64)
				if convErr != nil {
					return convErr
				}
				user = domain.UserID(id)
				found = true
				return nil
			})
			if err != nil {
				return err
			}
			if found {
				return nil
			}
		}
		return nil
	})
	return user, found, err
}

func (r *MappingRepository) DeleteTenant(tenant domain.TenantID) error {
	r.mu.Lock()
	delete(r.cache, tenant)
	r.mu.Unlock()
	return dropPrefix(r.db, []byte(fmt.Sprintf("map:%s:", tenant)))
}

// Typed accessors used by the relay engine. They keep the composite keys
// structured instead of string-glued at call sites.

func (r *MappingRepository) PutThread(tenant domain.TenantID, user domain.UserID, thread domain.ThreadID) error {
	return r.Put(tenant, domain.MapThread, userKey(user), strconv.FormatInt(int64(thread), 10))
}

func (r *MappingRepository) GetThread(tenant domain.TenantID, user domain.UserID) (domain.ThreadID, bool, error) {
	value, ok, err := r.Get(tenant, domain.MapThread, userKey(user))
	if err != nil || !ok {
		return 0, false, err
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return domain.ThreadID(id), true, nil
}

func (r *MappingRepository) PutRelayOrigin(tenant domain.TenantID, relayed domain.OriginKey, user domain.UserID) error {
	if err := r.Put(tenant, domain.MapDirect, relayed.String(), strconv.FormatInt(int64(user), 10)); err != nil {
		return err
	}
	return r.Put(tenant, domain.MapForwardUser, relayed.String(), strconv.FormatInt(int64(user), 10))
}

func (r *MappingRepository) GetRelayOrigin(tenant domain.TenantID, relayed domain.OriginKey) (domain.UserID, bool, error) {
	value, ok, err := r.Get(tenant, domain.MapDirect, relayed.String())
	if err != nil || !ok {
		return 0, false, err
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return domain.UserID(id), true, nil
}

func (r *MappingRepository) PutUserForward(tenant domain.TenantID, original domain.MsgRef, relayed domain.MsgRef) error {
	return r.putRef(tenant, domain.MapUserForward, original.String(), relayed)
}

func (r *MappingRepository) GetUserForward(tenant domain.TenantID, original domain.MsgRef) (domain.MsgRef, bool, error) {
	return r.getRef(tenant, domain.MapUserForward, original.String())
}

func (r *MappingRepository) PutOwnerDelivery(tenant domain.TenantID, origin domain.OriginKey, delivered domain.MsgRef) error {
	return r.putRef(tenant, domain.MapOwnerUser, origin.String(), delivered)
}

func (r *MappingRepository) GetOwnerDelivery(tenant domain.TenantID, origin domain.OriginKey) (domain.MsgRef, bool, error) {
	return r.getRef(tenant, domain.MapOwnerUser, origin.String())
}

func (r *MappingRepository) putRef(tenant domain.TenantID, category domain.MappingCategory, key string, ref domain.MsgRef) error {
	bytes, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	return r.Put(tenant, category, key, string(bytes))
}

func (r *MappingRepository) getRef(tenant domain.TenantID, category domain.MappingCategory, key string) (domain.MsgRef, bool, error) {
	value, ok, err := r.Get(tenant, category, key)
	if err != nil || !ok {
		return domain.MsgRef{}, false, err
	}
	var ref domain.MsgRef
	if err := json.Unmarshal([]byte(value), &ref); err != nil {
		return domain.MsgRef{}, false, err
	}
	return ref, true, nil
}

func userKey(user domain.UserID) string {
	return strconv.FormatInt(int64(user), 10)
}
