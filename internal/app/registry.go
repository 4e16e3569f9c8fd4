package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/app/host"
	"github.com/dkeye/Consult/internal/domain"
)

// ClientID identifies one browser client (the client token cookie).
type ClientID string

// Session is what the registry needs from a session host.
type Session interface {
	Room() domain.RoomID
	Identity() string
	Disconnect()
}

var _ Session = (*host.Host)(nil)

type sessionEntry struct {
	Session Session
	Ctx     context.Context
	Cancel  context.CancelFunc
}

// Registry keeps at most one live session per client.
type Registry struct {
	mu       sync.RWMutex
	sessions map[ClientID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[ClientID]*sessionEntry)}
}

// Open binds sess to the client and returns a context canceled when the
// binding ends. A session already bound to the client is disconnected.
func (r *Registry) Open(parent context.Context, cid ClientID, sess Session) context.Context {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	prev := r.sessions[cid]
	r.sessions[cid] = &sessionEntry{Session: sess, Ctx: ctx, Cancel: cancel}
	r.mu.Unlock()

	if prev != nil {
		prev.close()
		log.Info().Str("module", "app.registry").Str("cid", string(cid)).
			Str("room", string(prev.Session.Room())).Msg("replaced session")
	}
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).
		Str("room", string(sess.Room())).Str("identity", sess.Identity()).Msg("bound session")
	return ctx
}

func (r *Registry) Get(cid ClientID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[cid]; ok {
		return e.Session, true
	}
	return nil, false
}

// Bound returns the client's session with the context of its binding.
// The context ends when the session is replaced, closed or released.
func (r *Registry) Bound(cid ClientID) (Session, context.Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[cid]; ok {
		return e.Session, e.Ctx, true
	}
	return nil, nil, false
}

// Close disconnects and forgets the client's session. It reports whether
// there was one.
func (r *Registry) Close(cid ClientID) bool {
	r.mu.Lock()
	e, ok := r.sessions[cid]
	delete(r.sessions, cid)
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.close()
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Msg("closed session")
	return true
}

// Release forgets the client's session only if it is still sess.
func (r *Registry) Release(cid ClientID, sess Session) {
	r.mu.Lock()
	e, ok := r.sessions[cid]
	if !ok || e.Session != sess {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, cid)
	r.mu.Unlock()
	e.close()
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Msg("released session")
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := r.sessions
	r.sessions = make(map[ClientID]*sessionEntry)
	r.mu.Unlock()

	for _, e := range entries {
		e.close()
	}
	log.Info().Str("module", "app.registry").Int("count", len(entries)).Msg("closed all sessions")
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (e *sessionEntry) close() {
	if e.Cancel != nil {
		e.Cancel()
	}
	e.Session.Disconnect()
}
