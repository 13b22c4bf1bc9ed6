package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Architsharma7/Lit-Stackr/pkg/identity"
)

// Cache reuses credentials from an inner issuer until they are within skew of
// expiring. It never hands out a credential past its expiration.
type Cache struct {
	inner CredentialIssuer
	skew  time.Duration
	clock func() time.Time

	mu      sync.Mutex
	entries map[string]*SessionCredential
}

func NewCache(inner CredentialIssuer, skew time.Duration) *Cache {
	return &Cache{
		inner:   inner,
		skew:    skew,
		clock:   time.Now,
		entries: make(map[string]*SessionCredential),
	}
}

func cacheKey(subject identity.Address, caps []CapabilityRequest, ttl time.Duration) string {
	parts := make([]string, 0, len(caps))
	for _, c := range caps {
		parts = append(parts, string(c.Ability)+"@"+strings.ToLower(string(c.Resource)))
	}
	sort.Strings(parts)
	return subject.Lower() + "|" + ttl.String() + "|" + strings.Join(parts, ",")
}

// Issue returns a cached credential for the same subject and scope when one
// remains valid, otherwise it issues and stores a fresh one.
func (c *Cache) Issue(ctx context.Context, signer identity.Signer, caps []CapabilityRequest, ttl time.Duration) (*SessionCredential, error) {
	if signer == nil {
		return c.inner.Issue(ctx, signer, caps, ttl)
	}
	key := cacheKey(signer.Address(), caps, ttl)

	c.mu.Lock()
	if cred, ok := c.entries[key]; ok {
		if c.clock().Add(c.skew).Before(cred.Expiration) {
			c.mu.Unlock()
			return cred, nil
		}
		delete(c.entries, key)
	}
	c.mu.Unlock()

	cred, err := c.inner.Issue(ctx, signer, caps, ttl)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cred
	c.mu.Unlock()
	return cred, nil
}

// Invalidate drops every cached credential for subject, e.g. after the
// substrate rejected one.
func (c *Cache) Invalidate(subject identity.Address) {
	prefix := subject.Lower() + "|"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}
