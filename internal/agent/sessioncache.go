package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
)

// cacheEntry maps a logical session to the runtime's native session id.
// LastAccess is epoch milliseconds.
type cacheEntry struct {
	NativeSessionID string `json:"native_session_id"`
	LastAccess      int64  `json:"last_access"`
}

// SessionCache is the resumption cache: logical session id to native
// session id, bounded by capacity with LRU eviction, entries expiring after
// a TTL. The cache persists to disk so resumption survives restarts.
type SessionCache struct {
	logger   *logger.Logger
	path     string
	capacity int
	ttl      time.Duration

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

// SessionCacheConfig configures the resumption cache.
type SessionCacheConfig struct {
	// Path is the JSON file the cache persists to. Empty disables
	// persistence.
	Path string

	// Capacity bounds the entry count. Default 1000.
	Capacity int

	// TTL expires entries not accessed within the window. Default 24h.
	TTL time.Duration
}

// NewSessionCache creates the cache and loads any persisted state.
func NewSessionCache(cfg SessionCacheConfig, log *logger.Logger) *SessionCache {
	if log == nil {
		log = logger.Default()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}

	c := &SessionCache{
		logger:   log.Named("session-cache"),
		path:     cfg.Path,
		capacity: cfg.Capacity,
		ttl:      cfg.TTL,
		entries:  make(map[string]*cacheEntry),
	}
	c.load()
	return c
}

// Get returns the native session id for a logical session, refreshing its
// recency. Expired entries are dropped and reported as missing.
func (c *SessionCache) Get(sessionID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[sessionID]
	if !ok {
		return "", false
	}

	now := time.Now()
	if now.Sub(time.UnixMilli(entry.LastAccess)) > c.ttl {
		delete(c.entries, sessionID)
		c.persistLocked()
		return "", false
	}

	entry.LastAccess = now.UnixMilli()
	c.persistLocked()
	return entry.NativeSessionID, true
}

// Put stores the native session id for a logical session, evicting the
// least-recently-accessed entry when at capacity.
func (c *SessionCache) Put(sessionID, nativeSessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[sessionID]; !exists && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}

	c.entries[sessionID] = &cacheEntry{
		NativeSessionID: nativeSessionID,
		LastAccess:      time.Now().UnixMilli(),
	}
	c.persistLocked()
}

// Delete removes a logical session from the cache.
func (c *SessionCache) Delete(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[sessionID]; ok {
		delete(c.entries, sessionID)
		c.persistLocked()
	}
}

// Len returns the current entry count.
func (c *SessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *SessionCache) evictOldestLocked() {
	var oldestID string
	var oldest int64
	for id, entry := range c.entries {
		if oldestID == "" || entry.LastAccess < oldest {
			oldestID = id
			oldest = entry.LastAccess
		}
	}
	if oldestID != "" {
		delete(c.entries, oldestID)
		c.logger.Debug("evicted session cache entry", zap.String("session_id", oldestID))
	}
}

func (c *SessionCache) load() {
	if c.path == "" {
		return
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("failed to read session cache", zap.Error(err))
		}
		return
	}

	entries := make(map[string]*cacheEntry)
	if err := json.Unmarshal(data, &entries); err != nil {
		c.logger.Warn("failed to parse session cache, starting empty", zap.Error(err))
		return
	}

	// Drop entries that expired while we were down.
	cutoff := time.Now().Add(-c.ttl).UnixMilli()
	for id, entry := range entries {
		if entry.LastAccess >= cutoff {
			c.entries[id] = entry
		}
	}
}

// persistLocked writes the cache to disk. Best-effort: failures are logged,
// never propagated.
func (c *SessionCache) persistLocked() {
	if c.path == "" {
		return
	}

	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		c.logger.Warn("failed to encode session cache", zap.Error(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		c.logger.Warn("failed to create session cache directory", zap.Error(err))
		return
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		c.logger.Warn("failed to write session cache", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, c.path); err != nil {
		c.logger.Warn("failed to replace session cache", zap.Error(err))
	}
}
