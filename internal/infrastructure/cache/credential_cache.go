// Package cache holds small in-process caches with TTL semantics.
package cache

import (
	"sync"
	"time"

	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/signing"
)

// CredentialCache provides thread-safe caching of loaded signing credentials,
// keyed by company id. Loading a PKCS#12 container means disk access and key
// decryption on every emission; a short TTL amortizes that without holding on
// to a credential long past a certificate rotation.
type CredentialCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]credentialEntry
}

type credentialEntry struct {
	cred      *signing.Credential
	expiresAt time.Time
}

// NewCredentialCache creates a cache whose entries expire after ttl.
func NewCredentialCache(ttl time.Duration) *CredentialCache {
	return &CredentialCache{
		ttl:     ttl,
		entries: make(map[string]credentialEntry),
	}
}

// Get returns the cached credential for the company if it's still valid.
func (c *CredentialCache) Get(companyID string) (*signing.Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[companyID]
	if !ok {
		return nil, false
	}

	if time.Now().After(entry.expiresAt) {
		return nil, false
	}

	return entry.cred, true
}

// Set stores a credential for the company.
func (c *CredentialCache) Set(companyID string, cred *signing.Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[companyID] = credentialEntry{
		cred:      cred,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Evict removes the cached credential for the company, if any. Called when a
// signature or transmission fails with a certificate error so the next
// attempt reloads from disk.
func (c *CredentialCache) Evict(companyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, companyID)
}

// Clear removes all cached credentials.
func (c *CredentialCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]credentialEntry)
}
