package credentials

import (
	"fmt"
	"sync"
)

type registryEntry struct {
	roomID string
	digest string
}

// registry tracks the active credential digest per session and enforces that
// no two non-terminal sessions ever share a secret.
type registry struct {
	mu        sync.Mutex
	bySession map[string]registryEntry
	byDigest  map[string]string
}

func newRegistry() *registry {
	return &registry{
		bySession: make(map[string]registryEntry),
		byDigest:  make(map[string]string),
	}
}

func (r *registry) register(sessionID, roomID, digest string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.bySession[sessionID]; ok {
		return fmt.Errorf("session %s already holds credential for room %q", sessionID, existing.roomID)
	}
	if owner, ok := r.byDigest[digest]; ok {
		return fmt.Errorf("credential digest already issued to session %s", owner)
	}
	r.bySession[sessionID] = registryEntry{roomID: roomID, digest: digest}
	r.byDigest[digest] = sessionID
	return nil
}

func (r *registry) lookup(sessionID string) (registryEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.bySession[sessionID]
	return entry, ok
}

func (r *registry) remove(sessionID string) (registryEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.bySession[sessionID]
	if !ok {
		return registryEntry{}, false
	}
	delete(r.bySession, sessionID)
	delete(r.byDigest, entry.digest)
	return entry, true
}
