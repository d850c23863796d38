// Package registry resolves inbound channels to tenants and serves
// per-tenant platform credentials from a short-lived cache.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/database"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/event"
)

var (
	// ErrTenantUnresolved means no binding exists and no default tenant is
	// configured.
	ErrTenantUnresolved = errors.New("registry: tenant unresolved")
	// ErrCredentialsUnavailable means the tenant has no credential bundle
	// for the platform.
	ErrCredentialsUnavailable = errors.New("registry: credentials unavailable")
	// ErrTenantDisabled means the tenant exists but is soft-disabled.
	ErrTenantDisabled = errors.New("registry: tenant disabled")
)

// Store is the persistence surface the registry needs. *database.SupabaseClient
// satisfies it; tests substitute fakes.
type Store interface {
	ResolveChannel(ctx context.Context, platform, channelID string) (string, error)
	GetTenant(ctx context.Context, tenantID string) (*database.Tenant, error)
	GetCredentialBundle(ctx context.Context, tenantID, platform string) (*database.CredentialBundle, error)
}

const credentialCacheTTL = 5 * time.Minute

type cachedBundle struct {
	bundle    *database.CredentialBundle
	fetchedAt time.Time
}

// Registry maps channels to tenants and caches credential bundles.
// The cache is read-mostly: lookups take the read lock, only a fresh fetch
// takes the write lock, so a refresh never blocks concurrent readers.
type Registry struct {
	store Store

	// defaultTenantID resolves unbound channels when non-empty.
	// Single-tenant / local development only.
	defaultTenantID string

	mu    sync.RWMutex
	cache map[string]cachedBundle // "(tenant_id)/(platform)" → bundle
}

// New creates a registry. defaultTenantID may be empty (production).
func New(store Store, defaultTenantID string) *Registry {
	return &Registry{
		store:           store,
		defaultTenantID: defaultTenantID,
		cache:           make(map[string]cachedBundle),
	}
}

// ResolveTenant maps (platform, channelID) to the owning tenant. Unbound
// channels fall through to the default tenant only when one is configured.
func (r *Registry) ResolveTenant(ctx context.Context, platform event.Platform, channelID string) (string, error) {
	tenantID, err := r.store.ResolveChannel(ctx, string(platform), channelID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			if r.defaultTenantID != "" {
				slog.Warn("channel unbound, using default tenant",
					"platform", string(platform), "channel_id", channelID)
				return r.defaultTenantID, nil
			}
			return "", ErrTenantUnresolved
		}
		return "", fmt.Errorf("resolve tenant: %w", err)
	}

	tenant, err := r.store.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return "", ErrTenantUnresolved
		}
		return "", fmt.Errorf("load tenant: %w", err)
	}
	if tenant.Status == "DISABLED" {
		return "", ErrTenantDisabled
	}
	return tenantID, nil
}

// GetTenant loads the tenant row (threshold overrides, fallback message).
func (r *Registry) GetTenant(ctx context.Context, tenantID string) (*database.Tenant, error) {
	return r.store.GetTenant(ctx, tenantID)
}

// GetCredentials returns the credential bundle for (tenantID, platform),
// serving from cache for up to 5 minutes. The cache key is scoped to the
// (tenant, platform) pair; there is no path by which one tenant's lookup can
// return another tenant's bundle.
func (r *Registry) GetCredentials(ctx context.Context, tenantID string, platform event.Platform) (*database.CredentialBundle, error) {
	key := tenantID + "/" + string(platform)
	now := time.Now()

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && now.Sub(entry.fetchedAt) < credentialCacheTTL && !expired(entry.bundle, now) {
		return entry.bundle, nil
	}

	bundle, err := r.store.GetCredentialBundle(ctx, tenantID, string(platform))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrCredentialsUnavailable
		}
		return nil, fmt.Errorf("fetch credentials: %w", err)
	}

	r.mu.Lock()
	r.cache[key] = cachedBundle{bundle: bundle, fetchedAt: now}
	r.mu.Unlock()
	return bundle, nil
}

// RefreshCredentials drops the cached bundle for (tenantID, platform) so the
// next lookup fetches fresh. Used by the outbound engine after UNAUTHORIZED.
func (r *Registry) RefreshCredentials(tenantID string, platform event.Platform) {
	key := tenantID + "/" + string(platform)
	r.mu.Lock()
	delete(r.cache, key)
	r.mu.Unlock()
}

func expired(b *database.CredentialBundle, now time.Time) bool {
	if b.ExpiresAt == "" {
		return false
	}
	exp := database.ParseTimestamp(b.ExpiresAt)
	return !exp.IsZero() && !exp.After(now)
}
