package auth

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Credentials are the session material obtained from one master.
// They are never modified after creation.
type Credentials struct {
	AES         string
	SessionID   string
	MasterURI   string
	PublishPort int
	CreatedAt   time.Time
}

// CredsKey identifies one minion identity talking to one master
type CredsKey struct {
	PKIDir    string
	ID        string
	MasterURI string
}

func (k CredsKey) String() string {
	return k.PKIDir + "\x00" + k.ID + "\x00" + k.MasterURI
}

// CredentialsCache holds the credentials of every minion identity in the
// process and coalesces concurrent sign-ins for the same key
type CredentialsCache struct {
	mu    sync.RWMutex
	creds map[CredsKey]*Credentials
	group singleflight.Group
}

// NewCredentialsCache creates an empty cache
func NewCredentialsCache() *CredentialsCache {
	return &CredentialsCache{creds: make(map[CredsKey]*Credentials)}
}

// Get returns the credentials for key, nil when absent
func (c *CredentialsCache) Get(key CredsKey) *Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds[key]
}

// Install stores creds for key and returns the stored value. Credentials
// carrying the same session key as the stored ones are discarded so
// holders of the old pointer keep seeing the current value.
func (c *CredentialsCache) Install(key CredsKey, creds *Credentials) *Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.creds[key]; ok && cur.AES == creds.AES {
		return cur
	}
	c.creds[key] = creds
	return creds
}

// Invalidate drops the credentials for key
func (c *CredentialsCache) Invalidate(key CredsKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.creds, key)
}

// Len returns the number of cached credentials
func (c *CredentialsCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.creds)
}
