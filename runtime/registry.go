package runtime

import (
	"sync"

	"relay-host/contract"
	"relay-host/domain"
)

// Registry tracks the live gateway of every running session. The verifier
// callback goes through it to reach a tenant's platform connection without
// owning the session lifecycle.
type Registry struct {
	mu       sync.RWMutex
	gateways map[domain.TenantID]contract.Gateway
}

func NewRegistry() *Registry {
	return &Registry{gateways: make(map[domain.TenantID]contract.Gateway)}
}

func (r *Registry) Put(tenant domain.TenantID, gw contract.Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[tenant] = gw
}

func (r *Registry) Remove(tenant domain.TenantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.gateways, tenant)
}

// Gateway returns the tenant's live connection, or false when the session
// is not running (stopped tenant, retired credential, still connecting).
func (r *Registry) Gateway(tenant domain.TenantID) (contract.Gateway, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gw, ok := r.gateways[tenant]
	return gw, ok
}
