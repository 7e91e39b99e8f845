package session

import (
	"hash/fnv"
	"sync"

	"github.com/oofteerapud02/blynk-server/internal/metrics"
	"github.com/oofteerapud02/blynk-server/store"
)

const numShards = 16

// Registry is the process-wide map from user identity to live Session,
// sharded by user so two users' logins never contend on one lock.
//
// Membership changes (attach, bind, detach, unbind) run with the shard lock
// held around the session lock. That makes lookup-or-create a single
// indivisible step and makes empty-session eviction safe against a
// concurrent re-login: an attach holds the shard lock while it joins the
// session, so eviction can never observe it half-joined, and a login racing
// an eviction simply creates a fresh session. No connection is ever lost in
// the window.
type Registry struct {
	shards [numShards]shard
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	r := &Registry{}

	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*Session)
	}

	return r
}

func (r *Registry) shardFor(user string) *shard {
	h := fnv.New32a()
	h.Write([]byte(user))

	return &r.shards[h.Sum32()%numShards]
}

// AttachApp joins an app connection to the user's session, creating the
// session if the user has none, and replays device/pin state to the new
// endpoint. The returned error only reflects replay pushes that failed; the
// join itself cannot fail.
func (r *Registry) AttachApp(user string, e Endpoint, devices []store.Device) (*Session, error) {
	sh := r.shardFor(user)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	s := sh.getOrCreate(user)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seedDevices(devices)

	return s, s.addApp(e)
}

// DetachApp removes an app connection, evicting the session if it is now
// empty.
func (r *Registry) DetachApp(user string, e Endpoint) {
	sh := r.shardFor(user)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sessions[user]
	if !ok {
		return
	}

	s.mu.Lock()
	s.removeApp(e)
	empty := s.empty()
	s.mu.Unlock()

	if empty {
		sh.evict(user)
	}
}

// BindHardware makes e the device's one live hardware connection in the
// user's session. Any previous binding for the same device is returned so
// the caller can close it with a superseded status once the locks are
// released.
func (r *Registry) BindHardware(user string, d store.Device, e Endpoint) (*Session, Endpoint, error) {
	sh := r.shardFor(user)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	s := sh.getOrCreate(user)

	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.bindHardware(d, e)

	return s, old, err
}

// UnbindHardware clears the device binding if e still owns it, evicting the
// session if it is now empty.
func (r *Registry) UnbindHardware(user, key string, e Endpoint) error {
	sh := r.shardFor(user)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sessions[user]
	if !ok {
		return nil
	}

	s.mu.Lock()
	err := s.unbindHardware(key, e)
	empty := s.empty()
	s.mu.Unlock()

	if empty {
		sh.evict(user)
	}

	return err
}

// Lookup returns the user's live session, if one exists. Intended for
// introspection; the transport holds its session reference from login.
func (r *Registry) Lookup(user string) (*Session, bool) {
	sh := r.shardFor(user)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sessions[user]
	return s, ok
}

func (sh *shard) getOrCreate(user string) *Session {
	s, ok := sh.sessions[user]
	if !ok {
		s = newSession(user)
		sh.sessions[user] = s
		metrics.LiveSessions.Inc()
	}

	return s
}

func (sh *shard) evict(user string) {
	delete(sh.sessions, user)
	metrics.LiveSessions.Dec()
}
