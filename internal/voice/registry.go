// Package voice tracks in-flight audio playbacks per user so a pause or
// completion can silence everything at once.
package voice

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// StopFunc halts one playback. It must tolerate the playback having
// already finished.
type StopFunc func()

// Registry holds the active playbacks keyed by user.
type Registry struct {
	mu     sync.Mutex
	byUser map[string]map[*Playback]struct{}
}

// NewRegistry creates an empty playback registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[*Playback]struct{}),
	}
}

// Register tracks a new playback for a user. The returned handle's Stop is
// once-only; call it when playback ends, whether naturally or cut short.
func (r *Registry) Register(userID string, stop StopFunc) *Playback {
	p := &Playback{registry: r, userID: userID, stop: stop}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[*Playback]struct{})
	}
	r.byUser[userID][p] = struct{}{}
	return p
}

// StopAll stops every active playback for a user and returns how many were
// stopped. Invoked synchronously at the start of pause and complete
// transitions.
func (r *Registry) StopAll(userID string) int {
	r.mu.Lock()
	handles := make([]*Playback, 0, len(r.byUser[userID]))
	for p := range r.byUser[userID] {
		handles = append(handles, p)
	}
	r.mu.Unlock()

	for _, p := range handles {
		p.Stop()
	}
	if len(handles) > 0 {
		log.Debug().Str("user_id", userID).Int("count", len(handles)).Msg("Stopped voice playbacks")
	}
	return len(handles)
}

// Active returns the number of playbacks currently registered for a user.
func (r *Registry) Active(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID])
}

func (r *Registry) remove(p *Playback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := r.byUser[p.userID]
	delete(handles, p)
	if len(handles) == 0 {
		delete(r.byUser, p.userID)
	}
}

// Playback is one registered audio playback.
type Playback struct {
	registry *Registry
	userID   string
	stop     StopFunc
	once     sync.Once
}

// Stop halts the playback and removes it from the registry. Safe to call
// more than once; only the first call runs the stop function.
func (p *Playback) Stop() {
	p.once.Do(func() {
		p.registry.remove(p)
		if p.stop != nil {
			p.stop()
		}
	})
}
