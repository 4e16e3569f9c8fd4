package rtc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

// peer is the part of the peer connection the room drives.
type peer interface {
	ApplyAnswer(sdp string) error
	ApplyOfferAndCreateAnswer(sdp string) (*webrtc.SessionDescription, error)
	AddICECandidate(ci webrtc.ICECandidateInit) error
	Close()
}

type participant struct {
	core.Listeners

	identity string

	mu     sync.Mutex
	tracks []*remoteTrack
}

var _ core.RemoteParticipant = (*participant)(nil)

func (p *participant) Identity() string { return p.identity }

func (p *participant) Tracks() []core.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.Track, 0, len(p.tracks))
	for _, t := range p.tracks {
		out = append(out, t)
	}
	return out
}

func (p *participant) track(id string) *remoteTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tracks {
		if t.id == id {
			return t
		}
	}
	return nil
}

// addTrack reports false when the track is already known.
func (p *participant) addTrack(t *remoteTrack) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, it := range p.tracks {
		if it.id == t.id {
			return false
		}
	}
	p.tracks = append(p.tracks, t)
	return true
}

func (p *participant) removeTrack(id string) *remoteTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, t := range p.tracks {
		if t.id == id {
			p.tracks = append(p.tracks[:i:i], p.tracks[i+1:]...)
			return t
		}
	}
	return nil
}

func (p *participant) takeTracks() []*remoteTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.tracks
	p.tracks = nil
	return out
}

// Room is a joined media room as seen through the signalling channel.
type Room struct {
	core.Listeners

	name     string
	identity string
	local    []*localTrack
	sig      signaler
	peer     peer
	logger   zerolog.Logger

	mu           sync.Mutex
	participants map[string]*participant
	present      []core.RemoteParticipant
	pending      map[string]func() (*rtp.Packet, error)
	closed       bool
}

var _ core.MediaRoom = (*Room)(nil)

func newRoom(name, identity string, sig signaler, logger zerolog.Logger) *Room {
	return &Room{
		name:         name,
		identity:     identity,
		sig:          sig,
		logger:       logger,
		participants: make(map[string]*participant),
		pending:      make(map[string]func() (*rtp.Packet, error)),
	}
}

func (r *Room) Name() string { return r.name }

func (r *Room) LocalTracks() []core.LocalTrack {
	out := make([]core.LocalTrack, 0, len(r.local))
	for _, t := range r.local {
		out = append(out, t)
	}
	return out
}

func (r *Room) Participants() []core.RemoteParticipant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.RemoteParticipant(nil), r.present...)
}

// seed records participants reported by the join response.
func (r *Room) seed(ps []participantMsg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pm := range ps {
		if pm.Identity == "" || pm.Identity == r.identity {
			continue
		}
		p := &participant{identity: pm.Identity}
		for _, tm := range pm.Tracks {
			kind, ok := parseKind(tm.Kind)
			if !ok {
				continue
			}
			p.addTrack(newRemoteTrack(tm.ID, kind, tm.Enabled, r.logger))
		}
		r.participants[pm.Identity] = p
		r.present = append(r.present, p)
	}
}

func (r *Room) handle(data []byte) {
	typ, err := decodeType(data)
	if err != nil {
		r.logger.Error().Err(err).Msg("bad json")
		return
	}

	switch typ {
	case msgParticipantJoin, msgParticipantLeft, msgTrackPublished, msgTrackState, msgTrackUnpublished:
		var m trackEventMsg
		if err := json.Unmarshal(data, &m); err != nil || m.Identity == "" {
			r.logger.Error().Err(err).Str("type", typ).Msg("bad track event")
			return
		}
		r.handleTrackEvent(m)
	case msgOffer:
		r.handleOffer(data)
	case msgAnswer:
		var m sdpMsg
		if err := json.Unmarshal(data, &m); err != nil {
			r.logger.Error().Err(err).Msg("bad answer payload")
			return
		}
		if r.peer != nil {
			if err := r.peer.ApplyAnswer(m.SDP); err != nil {
				r.logger.Error().Err(err).Msg("apply answer")
			}
		}
	case msgCandidate:
		var m candidateMsg
		if err := json.Unmarshal(data, &m); err != nil {
			r.logger.Error().Err(err).Msg("bad candidate payload")
			return
		}
		if r.peer != nil {
			if err := r.peer.AddICECandidate(m.init()); err != nil {
				r.logger.Error().Err(err).Msg("add ice candidate")
			}
		}
	case msgPing:
		_ = r.sig.sendJSON(envelope{Type: msgPong})
	case msgError:
		var m errorMsg
		_ = json.Unmarshal(data, &m)
		r.logger.Warn().Int("code", m.Code).Str("message", m.Message).Msg("server error")
	default:
		r.logger.Warn().Str("type", typ).Msg("unknown signal")
	}
}

func (r *Room) handleOffer(data []byte) {
	var m sdpMsg
	if err := json.Unmarshal(data, &m); err != nil {
		r.logger.Error().Err(err).Msg("bad offer payload")
		return
	}
	if r.peer == nil {
		return
	}
	answer, err := r.peer.ApplyOfferAndCreateAnswer(m.SDP)
	if err != nil {
		r.logger.Error().Err(err).Msg("webrtc apply offer")
		return
	}
	_ = r.sig.sendJSON(sdpMsg{Type: msgAnswer, SDP: answer.SDP})
}

func (r *Room) handleTrackEvent(m trackEventMsg) {
	if m.Identity == r.identity {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	p, known := r.participants[m.Identity]

	switch m.Type {
	case msgParticipantJoin:
		if known {
			r.mu.Unlock()
			return
		}
		p = r.addParticipantLocked(m.Identity)
		r.mu.Unlock()
		r.Emit(core.Event{Kind: core.EventParticipantConnected, Participant: p})

	case msgParticipantLeft:
		if !known {
			r.mu.Unlock()
			return
		}
		delete(r.participants, m.Identity)
		r.mu.Unlock()
		for _, t := range p.takeTracks() {
			t.close()
			p.Emit(core.Event{Kind: core.EventTrackUnsubscribed, Participant: p, Track: t})
		}
		r.Emit(core.Event{Kind: core.EventParticipantDisconnected, Participant: p})

	case msgTrackPublished:
		kind, ok := parseKind(m.Kind)
		if !ok || m.ID == "" {
			r.mu.Unlock()
			r.logger.Warn().Str("kind", m.Kind).Msg("bad track_published")
			return
		}
		if !known {
			p = r.addParticipantLocked(m.Identity)
		}
		// the track is visible to onRemoteTrack before r.mu is released
		t := newRemoteTrack(m.ID, kind, m.Enabled, r.logger)
		added := p.addTrack(t)
		var read func() (*rtp.Packet, error)
		if added {
			read = r.pending[m.ID]
			delete(r.pending, m.ID)
		}
		r.mu.Unlock()

		if read != nil {
			t.bind(read)
		}
		if !known {
			r.Emit(core.Event{Kind: core.EventParticipantConnected, Participant: p})
		}
		if added {
			p.Emit(core.Event{Kind: core.EventTrackSubscribed, Participant: p, Track: t})
		}

	case msgTrackState:
		r.mu.Unlock()
		if !known {
			return
		}
		if t := p.track(m.ID); t != nil {
			t.setEnabled(m.Enabled)
		}

	case msgTrackUnpublished:
		r.mu.Unlock()
		if !known {
			return
		}
		if t := p.removeTrack(m.ID); t != nil {
			t.close()
			p.Emit(core.Event{Kind: core.EventTrackUnsubscribed, Participant: p, Track: t})
		}

	default:
		r.mu.Unlock()
	}
}

func (r *Room) addParticipantLocked(identity string) *participant {
	p := &participant{identity: identity}
	r.participants[identity] = p
	return p
}

// onRemoteTrack feeds a pion track into the announced track with the same
// id, or parks it until the announcement arrives.
func (r *Room) onRemoteTrack(id, identity string, read func() (*rtp.Packet, error)) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	var t *remoteTrack
	if p, ok := r.participants[identity]; ok {
		t = p.track(id)
	}
	if t == nil {
		r.pending[id] = read
	}
	r.mu.Unlock()
	if t != nil {
		t.bind(read)
	}
}

func (r *Room) sendMute(id string, enabled bool) {
	if err := r.sig.sendJSON(muteMsg{Type: msgMute, TrackID: id, Enabled: enabled}); err != nil {
		r.logger.Debug().Err(err).Msg("send mute")
	}
}

// release frees remote resources and reports whether this call did it.
func (r *Room) release() bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.closed = true
	parts := r.participants
	r.participants = make(map[string]*participant)
	clear(r.pending)
	r.mu.Unlock()

	for _, p := range parts {
		for _, t := range p.takeTracks() {
			t.close()
		}
	}
	if r.peer != nil {
		r.peer.Close()
	}
	r.sig.close()
	return true
}

// Disconnect leaves the room. Local tracks stay with their owner.
func (r *Room) Disconnect() {
	if r.release() {
		r.logger.Info().Msg("left room")
	}
}

// lost handles the server or network ending the session.
func (r *Room) lost(cause error) {
	if !r.release() {
		return
	}
	if cause != nil {
		cause = fmt.Errorf("%w: %w", domain.ErrConnect, cause)
		r.logger.Warn().Err(cause).Msg("room connection lost")
	} else {
		r.logger.Info().Msg("room closed by server")
	}
	r.Emit(core.Event{Kind: core.EventRoomDisconnected, Err: cause})
}
