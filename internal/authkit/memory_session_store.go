package authkit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemorySessionStore keeps sessions in process memory. Intended for tests and dev.
type MemorySessionStore struct {
	mutex   sync.Mutex
	entries map[string]memorySessionEntry
	now     func() time.Time
}

type memorySessionEntry struct {
	payload   []byte
	expiresAt time.Time
}

// NewMemorySessionStore constructs an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		entries: make(map[string]memorySessionEntry),
		now:     time.Now,
	}
}

// Get returns a copy of the stored session.
func (store *MemorySessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry, ok := store.entries[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if store.now().After(entry.expiresAt) {
		delete(store.entries, sessionID)
		return nil, ErrSessionNotFound
	}
	var session Session
	if err := json.Unmarshal(entry.payload, &session); err != nil {
		return nil, fmt.Errorf("session_store.memory.decode: %w", err)
	}
	return &session, nil
}

// Save stores a snapshot of the session for ttl.
func (store *MemorySessionStore) Save(ctx context.Context, session *Session, ttl time.Duration) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("session_store.memory.encode: %w", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[session.ID] = memorySessionEntry{payload: payload, expiresAt: store.now().Add(ttl)}
	return nil
}

// Destroy removes the session if present.
func (store *MemorySessionStore) Destroy(ctx context.Context, sessionID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.entries, sessionID)
	return nil
}

// Len reports the number of stored sessions, expired ones included.
func (store *MemorySessionStore) Len() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.entries)
}

func (store *MemorySessionStore) purgeExpiredLocked() {
	now := store.now()
	for sessionID, entry := range store.entries {
		if now.After(entry.expiresAt) {
			delete(store.entries, sessionID)
		}
	}
}
