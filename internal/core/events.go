package core

import (
	"sync"

	"github.com/dkeye/Consult/internal/domain"
)

type EventKind string

const (
	EventParticipantConnected    EventKind = "participantConnected"
	EventParticipantDisconnected EventKind = "participantDisconnected"
	EventRoomDisconnected        EventKind = "disconnected"
	EventTrackSubscribed         EventKind = "trackSubscribed"
	EventTrackUnsubscribed       EventKind = "trackUnsubscribed"
	EventTrackEnabled            EventKind = "trackEnabled"
	EventTrackDisabled           EventKind = "trackDisabled"

	EventMessageAdded       EventKind = "messageAdded"
	EventTokenAboutToExpire EventKind = "tokenAboutToExpire"
	EventTokenExpired       EventKind = "tokenExpired"
	EventConnectionError    EventKind = "connectionError"
)

// Event carries whatever the kind needs; unused fields stay zero.
type Event struct {
	Kind        EventKind
	Participant RemoteParticipant
	Track       Track
	Message     domain.Message
	Err         error
}

type Handler func(Event)

type HandlerID uint64

// Emitter is the narrow event surface every provider object exposes.
type Emitter interface {
	On(kind EventKind, h Handler) HandlerID
	Off(kind EventKind, id HandlerID)
}

type listener struct {
	id HandlerID
	h  Handler
}

// Listeners is a threadsafe Emitter implementation for adapters and fakes.
// Emit invokes handlers outside the lock, so a handler may call On/Off.
type Listeners struct {
	mu     sync.RWMutex
	next   HandlerID
	byKind map[EventKind][]listener
}

func (l *Listeners) On(kind EventKind, h Handler) HandlerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byKind == nil {
		l.byKind = make(map[EventKind][]listener)
	}
	l.next++
	l.byKind[kind] = append(l.byKind[kind], listener{id: l.next, h: h})
	return l.next
}

func (l *Listeners) Off(kind EventKind, id HandlerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ls := l.byKind[kind]
	for i, it := range ls {
		if it.id == id {
			l.byKind[kind] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(l.byKind[kind]) == 0 {
		delete(l.byKind, kind)
	}
}

func (l *Listeners) Emit(ev Event) {
	l.mu.RLock()
	snapshot := make([]listener, len(l.byKind[ev.Kind]))
	copy(snapshot, l.byKind[ev.Kind])
	l.mu.RUnlock()
	for _, it := range snapshot {
		it.h(ev)
	}
}

// Count returns the number of registered handlers of every kind.
func (l *Listeners) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, ls := range l.byKind {
		n += len(ls)
	}
	return n
}

// Subscriptions remembers what one owner registered so it can undo all of it.
type Subscriptions struct {
	items []subscription
}

type subscription struct {
	src  Emitter
	kind EventKind
	id   HandlerID
}

func (s *Subscriptions) Add(src Emitter, kind EventKind, h Handler) {
	s.items = append(s.items, subscription{src: src, kind: kind, id: src.On(kind, h)})
}

func (s *Subscriptions) Len() int { return len(s.items) }

// Release unregisters everything and resets the set.
func (s *Subscriptions) Release() {
	for _, it := range s.items {
		it.src.Off(it.kind, it.id)
	}
	s.items = nil
}
