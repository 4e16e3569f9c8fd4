// Package coretest provides in-memory fakes of the provider capability
// interfaces for package tests.
package coretest

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

type Track struct {
	core.Listeners

	id   string
	kind domain.TrackKind

	mu       sync.Mutex
	enabled  bool
	stopped  bool
	attached map[string]core.RenderTarget
	attaches int
	detaches int
}

var (
	_ core.LocalTrack        = (*Track)(nil)
	_ core.RemoteParticipant = (*Participant)(nil)
	_ core.MediaRoom         = (*Room)(nil)
	_ core.MediaTransport    = (*Transport)(nil)
)

func NewTrack(id string, kind domain.TrackKind, enabled bool) *Track {
	return &Track{id: id, kind: kind, enabled: enabled, attached: make(map[string]core.RenderTarget)}
}

func (t *Track) ID() string             { return t.id }
func (t *Track) Kind() domain.TrackKind { return t.kind }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled changes the state and always emits, so tests can re-deliver.
func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
	kind := core.EventTrackDisabled
	if enabled {
		kind = core.EventTrackEnabled
	}
	t.Emit(core.Event{Kind: kind, Track: t})
}

func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *Track) Attach(rt core.RenderTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attached[rt.ID()] = rt
	t.attaches++
}

func (t *Track) Detach(rt core.RenderTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attached, rt.ID())
	t.detaches++
}

// AttachCounts returns how many attach and detach calls the track saw.
func (t *Track) AttachCounts() (attaches, detaches int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attaches, t.detaches
}

func (t *Track) AttachedTargets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.attached)
}

type Participant struct {
	core.Listeners

	identity string

	mu     sync.Mutex
	tracks []core.Track
}

func NewParticipant(identity string, tracks ...core.Track) *Participant {
	return &Participant{identity: identity, tracks: tracks}
}

func (p *Participant) Identity() string { return p.identity }

func (p *Participant) Tracks() []core.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.Track(nil), p.tracks...)
}

func (p *Participant) Publish(t core.Track) {
	p.mu.Lock()
	p.tracks = append(p.tracks, t)
	p.mu.Unlock()
	p.Emit(core.Event{Kind: core.EventTrackSubscribed, Participant: p, Track: t})
}

func (p *Participant) Unpublish(t core.Track) {
	p.mu.Lock()
	for i, it := range p.tracks {
		if it.ID() == t.ID() {
			p.tracks = append(p.tracks[:i:i], p.tracks[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	p.Emit(core.Event{Kind: core.EventTrackUnsubscribed, Participant: p, Track: t})
}

type Room struct {
	core.Listeners

	name  string
	local []*Track

	mu           sync.Mutex
	present      []core.RemoteParticipant
	disconnected int
}

func (r *Room) Name() string { return r.name }

func (r *Room) LocalTracks() []core.LocalTrack {
	out := make([]core.LocalTrack, 0, len(r.local))
	for _, t := range r.local {
		out = append(out, t)
	}
	return out
}

// Local returns the fake local track of kind.
func (r *Room) Local(kind domain.TrackKind) *Track {
	for _, t := range r.local {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

func (r *Room) Participants() []core.RemoteParticipant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.RemoteParticipant(nil), r.present...)
}

func (r *Room) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected++
}

func (r *Room) DisconnectCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnected
}

func (r *Room) Join(p *Participant) {
	r.Emit(core.Event{Kind: core.EventParticipantConnected, Participant: p})
}

func (r *Room) Leave(p *Participant) {
	r.Emit(core.Event{Kind: core.EventParticipantDisconnected, Participant: p})
}

// Drop simulates the provider closing the room.
func (r *Room) Drop(err error) {
	r.Emit(core.Event{Kind: core.EventRoomDisconnected, Err: err})
}

// Transport hands out fake rooms. Gate, when set, blocks Connect until
// it is closed or ctx ends.
type Transport struct {
	Err     error
	Gate    chan struct{}
	Present []core.RemoteParticipant

	mu    sync.Mutex
	calls []core.ConnectOptions
	rooms []*Room
}

func (tr *Transport) Connect(ctx context.Context, token string, opts core.ConnectOptions) (core.MediaRoom, error) {
	tr.mu.Lock()
	tr.calls = append(tr.calls, opts)
	gate := tr.Gate
	n := len(tr.calls)
	tr.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if tr.Err != nil {
		return nil, tr.Err
	}
	room := &Room{name: opts.RoomName, present: tr.Present}
	if opts.Audio {
		room.local = append(room.local, NewTrack(fmt.Sprintf("local-audio-%d", n), domain.TrackAudio, true))
	}
	if opts.Video != nil {
		room.local = append(room.local, NewTrack(fmt.Sprintf("local-video-%d", n), domain.TrackVideo, true))
	}
	tr.mu.Lock()
	tr.rooms = append(tr.rooms, room)
	tr.mu.Unlock()
	return room, nil
}

func (tr *Transport) Calls() []core.ConnectOptions {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]core.ConnectOptions(nil), tr.calls...)
}

// LastRoom returns the most recently opened room or nil.
func (tr *Transport) LastRoom() *Room {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.rooms) == 0 {
		return nil
	}
	return tr.rooms[len(tr.rooms)-1]
}

type Target struct {
	Name string

	mu     sync.Mutex
	frames int
}

func (t *Target) ID() string { return t.Name }

func (t *Target) WriteFrame(core.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames++
	return nil
}

func (t *Target) Frames() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}
