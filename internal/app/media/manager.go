package media

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

var ErrTrackNotFound = errors.New("track not found")

// localIdentity keys local tracks in the attachment table.
const localIdentity = ""

type Options struct {
	Video core.VideoConstraints
}

func DefaultOptions() Options {
	return Options{Video: core.VideoConstraints{Width: 640, Height: 480}}
}

type attachKey struct {
	identity string
	trackID  string
	target   string
}

type attachment struct {
	track  core.Track
	target core.RenderTarget
}

// Manager owns the live media connection for exactly one room.
// Every provider handler captures the epoch it was registered in and is
// dropped once the epoch moves, so an abandoned connection cannot mutate state.
type Manager struct {
	tokens    core.TokenIssuer
	transport core.MediaTransport
	opts      Options
	logger    zerolog.Logger

	mu       sync.Mutex
	state    State
	err      error
	epoch    uint64
	cancel   context.CancelFunc
	roomID   domain.RoomID
	identity string

	room       core.MediaRoom
	roomSubs   *core.Subscriptions
	local      []core.LocalTrack
	localState domain.MediaState

	participants      map[string]core.RemoteParticipant
	participantTracks map[string][]core.Track
	participantSubs   map[string]*core.Subscriptions
	trackSubs         map[string]*core.Subscriptions
	media             map[string]domain.MediaState
	attachments       map[attachKey]attachment
}

func NewManager(tokens core.TokenIssuer, transport core.MediaTransport, opts Options) *Manager {
	if opts.Video.Width == 0 || opts.Video.Height == 0 {
		opts.Video = DefaultOptions().Video
	}
	m := &Manager{
		tokens:    tokens,
		transport: transport,
		opts:      opts,
		logger:    log.With().Str("module", "app.media").Logger(),
	}
	m.resetLocked()
	return m
}

func (m *Manager) resetLocked() {
	m.room = nil
	m.roomSubs = &core.Subscriptions{}
	m.local = nil
	m.participants = make(map[string]core.RemoteParticipant)
	m.participantTracks = make(map[string][]core.Track)
	m.participantSubs = make(map[string]*core.Subscriptions)
	m.trackSubs = make(map[string]*core.Subscriptions)
	m.media = make(map[string]domain.MediaState)
	m.attachments = make(map[attachKey]attachment)
}

// Connect joins roomID as identity. It is a no-op while a connection is
// in flight or established.
func (m *Manager) Connect(ctx context.Context, roomID domain.RoomID, identity string) error {
	if strings.TrimSpace(string(roomID)) == "" || strings.TrimSpace(identity) == "" {
		return fmt.Errorf("%w: room and identity are required", domain.ErrInvalidArgument)
	}

	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		state := m.state
		m.mu.Unlock()
		m.logger.Debug().Str("room", string(roomID)).Stringer("state", state).Msg("connect ignored")
		return nil
	}
	m.epoch++
	epoch := m.epoch
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.state = StateConnecting
	m.err = nil
	m.roomID = roomID
	m.identity = identity
	m.mu.Unlock()
	defer cancel()

	logger := m.logger.With().Str("room", string(roomID)).Str("identity", identity).Logger()
	logger.Info().Msg("connecting")

	token, err := m.tokens.MediaToken(ctx, core.MediaTokenRequest{
		RoomName:     string(roomID),
		UserIdentity: identity,
	})
	if err != nil {
		return m.fail(epoch, fmt.Errorf("%w: %w", domain.ErrToken, err))
	}

	video := m.opts.Video
	room, err := m.transport.Connect(ctx, token, core.ConnectOptions{
		RoomName: string(roomID),
		Audio:    true,
		Video:    &video,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrMediaAccess) {
			err = fmt.Errorf("%w: %w", domain.ErrConnect, err)
		}
		return m.fail(epoch, err)
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		logger.Info().Msg("connect finished after teardown, releasing room")
		abandon(room)
		return domain.ErrSessionClosed
	}
	m.room = room
	m.local = room.LocalTracks()
	for _, t := range m.local {
		if m.localState.Muted(t.Kind()) {
			t.SetEnabled(false)
		}
	}
	m.roomSubs.Add(room, core.EventParticipantConnected, m.guard(epoch, func(ev core.Event) {
		m.addParticipantLocked(epoch, ev.Participant)
	}))
	m.roomSubs.Add(room, core.EventParticipantDisconnected, m.guard(epoch, func(ev core.Event) {
		if ev.Participant != nil {
			m.removeParticipantLocked(ev.Participant.Identity())
		}
	}))
	m.roomSubs.Add(room, core.EventRoomDisconnected, func(ev core.Event) {
		m.onRoomDisconnected(epoch, ev.Err)
	})
	for _, p := range room.Participants() {
		m.addParticipantLocked(epoch, p)
	}
	m.state = StateConnected
	m.cancel = nil
	m.mu.Unlock()

	logger.Info().Int("local_tracks", len(room.LocalTracks())).Msg("connected")
	return nil
}

// abandon releases a room nobody owns any more.
func abandon(room core.MediaRoom) {
	for _, t := range room.LocalTracks() {
		t.Stop()
	}
	room.Disconnect()
}

func (m *Manager) fail(epoch uint64, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return domain.ErrSessionClosed
	}
	m.state = StateFailed
	m.err = err
	m.cancel = nil
	m.logger.Error().Err(err).Str("room", string(m.roomID)).Msg("connect failed")
	return err
}

// guard wraps a handler so it runs under the lock and only while epoch is current.
func (m *Manager) guard(epoch uint64, fn func(core.Event)) core.Handler {
	return func(ev core.Event) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.epoch != epoch {
			m.logger.Debug().Str("event", string(ev.Kind)).Msg("stale event dropped")
			return
		}
		fn(ev)
	}
}

func trackKey(identity, trackID string) string {
	return identity + "/" + trackID
}

func (m *Manager) addParticipantLocked(epoch uint64, p core.RemoteParticipant) {
	if p == nil {
		return
	}
	id := p.Identity()
	if _, ok := m.participants[id]; ok {
		return
	}
	m.participants[id] = p
	m.media[id] = domain.MediaState{}

	subs := &core.Subscriptions{}
	subs.Add(p, core.EventTrackSubscribed, m.guard(epoch, func(ev core.Event) {
		m.addTrackLocked(epoch, id, ev.Track)
	}))
	subs.Add(p, core.EventTrackUnsubscribed, m.guard(epoch, func(ev core.Event) {
		m.removeTrackLocked(id, ev.Track)
	}))
	m.participantSubs[id] = subs

	for _, t := range p.Tracks() {
		m.addTrackLocked(epoch, id, t)
	}
	m.logger.Info().Str("participant", id).Msg("participant connected")
}

// addTrackLocked reads the initial enabled state at subscription time:
// a track may arrive already disabled.
func (m *Manager) addTrackLocked(epoch uint64, id string, t core.Track) {
	if t == nil {
		return
	}
	if _, ok := m.participants[id]; !ok {
		return
	}
	key := trackKey(id, t.ID())
	if _, dup := m.trackSubs[key]; dup {
		return
	}
	m.participantTracks[id] = append(m.participantTracks[id], t)
	m.media[id] = m.media[id].WithEnabled(t.Kind(), t.Enabled())

	subs := &core.Subscriptions{}
	subs.Add(t, core.EventTrackEnabled, m.guard(epoch, func(core.Event) {
		m.setTrackEnabledLocked(id, t, true)
	}))
	subs.Add(t, core.EventTrackDisabled, m.guard(epoch, func(core.Event) {
		m.setTrackEnabledLocked(id, t, false)
	}))
	m.trackSubs[key] = subs
	m.logger.Debug().Str("participant", id).Str("track", t.ID()).Str("kind", string(t.Kind())).Bool("enabled", t.Enabled()).Msg("track subscribed")
}

func (m *Manager) setTrackEnabledLocked(id string, t core.Track, enabled bool) {
	if _, ok := m.trackSubs[trackKey(id, t.ID())]; !ok {
		return
	}
	m.media[id] = m.media[id].WithEnabled(t.Kind(), enabled)
}

func (m *Manager) removeTrackLocked(id string, t core.Track) {
	if t == nil {
		return
	}
	key := trackKey(id, t.ID())
	if subs, ok := m.trackSubs[key]; ok {
		subs.Release()
		delete(m.trackSubs, key)
	}
	m.participantTracks[id] = slices.DeleteFunc(m.participantTracks[id], func(it core.Track) bool {
		return it.ID() == t.ID()
	})
	for k, a := range m.attachments {
		if k.identity == id && k.trackID == t.ID() {
			a.track.Detach(a.target)
			delete(m.attachments, k)
		}
	}
	m.logger.Debug().Str("participant", id).Str("track", t.ID()).Msg("track unsubscribed")
}

func (m *Manager) removeParticipantLocked(id string) {
	if _, ok := m.participants[id]; !ok {
		return
	}
	for _, t := range slices.Clone(m.participantTracks[id]) {
		m.removeTrackLocked(id, t)
	}
	if subs, ok := m.participantSubs[id]; ok {
		subs.Release()
	}
	delete(m.participantSubs, id)
	delete(m.participantTracks, id)
	delete(m.participants, id)
	delete(m.media, id)
	m.logger.Info().Str("participant", id).Msg("participant disconnected")
}

func (m *Manager) onRoomDisconnected(epoch uint64, cause error) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.epoch++
	if cause != nil {
		m.state = StateFailed
		m.err = fmt.Errorf("%w: %w", domain.ErrConnect, cause)
		m.logger.Error().Err(cause).Str("room", string(m.roomID)).Msg("room disconnected")
	} else {
		m.state = StateIdle
		m.logger.Info().Str("room", string(m.roomID)).Msg("room closed by provider")
	}
	td := m.collectLocked()
	m.mu.Unlock()
	td.run()
}

type teardown struct {
	subs        []*core.Subscriptions
	attachments []attachment
	local       []core.LocalTrack
	room        core.MediaRoom
}

// run unregisters listeners first so nothing fires mid-teardown, then
// pairs every attach with a detach, stops capture and closes the room.
func (td teardown) run() {
	for _, s := range td.subs {
		s.Release()
	}
	for _, a := range td.attachments {
		a.track.Detach(a.target)
	}
	for _, t := range td.local {
		t.Stop()
	}
	if td.room != nil {
		td.room.Disconnect()
	}
}

func (m *Manager) collectLocked() teardown {
	td := teardown{room: m.room, local: m.local}
	td.subs = append(td.subs, m.roomSubs)
	for _, s := range m.participantSubs {
		td.subs = append(td.subs, s)
	}
	for _, s := range m.trackSubs {
		td.subs = append(td.subs, s)
	}
	for _, a := range m.attachments {
		td.attachments = append(td.attachments, a)
	}
	m.resetLocked()
	return td
}

// Disconnect tears everything down. Safe to call any number of times and
// in any state; it also aborts an in-flight Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateIdle && m.room == nil && m.cancel == nil {
		m.mu.Unlock()
		return
	}
	m.epoch++
	epoch := m.epoch
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.state = StateDisconnecting
	m.err = nil
	td := m.collectLocked()
	room := m.roomID
	m.mu.Unlock()

	td.run()

	m.mu.Lock()
	if m.epoch == epoch {
		m.state = StateIdle
	}
	m.mu.Unlock()
	m.logger.Info().Str("room", string(room)).Msg("disconnected")
}

// ToggleAudio flips every local audio track. No renegotiation happens.
func (m *Manager) ToggleAudio() domain.MediaState { return m.toggle(domain.TrackAudio) }

// ToggleVideo flips every local video track.
func (m *Manager) ToggleVideo() domain.MediaState { return m.toggle(domain.TrackVideo) }

func (m *Manager) toggle(kind domain.TrackKind) domain.MediaState {
	m.mu.Lock()
	defer m.mu.Unlock()
	enabled := m.localState.Muted(kind)
	m.localState = m.localState.WithEnabled(kind, enabled)
	for _, t := range m.local {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
	return m.localState
}

func (m *Manager) tracksOfLocked(identity string) []core.Track {
	if identity == localIdentity || identity == m.identity {
		out := make([]core.Track, 0, len(m.local))
		for _, t := range m.local {
			out = append(out, t)
		}
		return out
	}
	return m.participantTracks[identity]
}

func normalizeOwner(identity, self string) string {
	if identity == self {
		return localIdentity
	}
	return identity
}

// Attach shows the identity's tracks of kind on target. An empty identity
// means the local participant. Every Attach must be matched by Detach or
// released by Disconnect.
func (m *Manager) Attach(identity string, kind domain.TrackKind, target core.RenderTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner := normalizeOwner(identity, m.identity)
	found := false
	for _, t := range m.tracksOfLocked(owner) {
		if t.Kind() != kind {
			continue
		}
		found = true
		key := attachKey{identity: owner, trackID: t.ID(), target: target.ID()}
		if _, ok := m.attachments[key]; ok {
			continue
		}
		t.Attach(target)
		m.attachments[key] = attachment{track: t, target: target}
	}
	if !found {
		return fmt.Errorf("%w: %s %s", ErrTrackNotFound, identity, kind)
	}
	return nil
}

// Detach removes target from the identity's tracks of kind.
func (m *Manager) Detach(identity string, kind domain.TrackKind, target core.RenderTarget) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner := normalizeOwner(identity, m.identity)
	for k, a := range m.attachments {
		if k.identity == owner && k.target == target.ID() && a.track.Kind() == kind {
			a.track.Detach(a.target)
			delete(m.attachments, k)
		}
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		State:        m.state,
		Err:          m.err,
		Room:         m.roomID,
		Identity:     m.identity,
		LocalMedia:   m.localState,
		Local:        make([]TrackInfo, 0, len(m.local)),
		Participants: make([]ParticipantView, 0, len(m.participants)),
	}
	for _, t := range m.local {
		s.Local = append(s.Local, trackInfo(t, domain.SourceLocal))
	}
	for id := range m.participants {
		v := ParticipantView{Identity: id, Media: m.media[id], Tracks: make([]TrackInfo, 0, len(m.participantTracks[id]))}
		for _, t := range m.participantTracks[id] {
			v.Tracks = append(v.Tracks, trackInfo(t, domain.SourceRemote))
		}
		s.Participants = append(s.Participants, v)
	}
	slices.SortFunc(s.Participants, func(a, b ParticipantView) int { return strings.Compare(a.Identity, b.Identity) })
	return s
}

func trackInfo(t core.Track, src domain.TrackSource) TrackInfo {
	return TrackInfo{ID: t.ID(), Kind: t.Kind(), Source: src, Enabled: t.Enabled()}
}
