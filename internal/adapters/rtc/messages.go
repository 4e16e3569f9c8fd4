package rtc

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Signalling message types exchanged with the media server.
const (
	msgJoin             = "join"
	msgJoined           = "joined"
	msgOffer            = "offer"
	msgAnswer           = "answer"
	msgCandidate        = "candidate"
	msgParticipantJoin  = "participant_joined"
	msgParticipantLeft  = "participant_left"
	msgTrackPublished   = "track_published"
	msgTrackState       = "track_state"
	msgTrackUnpublished = "track_unpublished"
	msgMute             = "mute"
	msgPing             = "ping"
	msgPong             = "pong"
	msgError            = "error"
)

type envelope struct {
	Type string `json:"type"`
}

type joinMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	Room  string `json:"room"`
}

type trackMsg struct {
	ID      string `json:"trackId"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
}

type participantMsg struct {
	Identity string     `json:"identity"`
	Tracks   []trackMsg `json:"tracks,omitempty"`
}

type joinedMsg struct {
	Type         string           `json:"type"`
	Room         string           `json:"room"`
	Identity     string           `json:"identity"`
	Participants []participantMsg `json:"participants"`
}

// trackEventMsg covers participant_joined/left and the track_* messages.
type trackEventMsg struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
	trackMsg
}

type sdpMsg struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type candidateMsg struct {
	Type          string  `json:"type"`
	Candidate     string  `json:"candidate"`
	SDPMid        string  `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type muteMsg struct {
	Type    string `json:"type"`
	TrackID string `json:"trackId"`
	Enabled bool   `json:"enabled"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func candidateFromInit(ci webrtc.ICECandidateInit) candidateMsg {
	m := candidateMsg{Type: msgCandidate, Candidate: ci.Candidate, SDPMLineIndex: ci.SDPMLineIndex}
	if ci.SDPMid != nil {
		m.SDPMid = *ci.SDPMid
	}
	return m
}

func (m candidateMsg) init() webrtc.ICECandidateInit {
	ci := webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMLineIndex: m.SDPMLineIndex}
	if m.SDPMid != "" {
		mid := m.SDPMid
		ci.SDPMid = &mid
	}
	return ci
}

func decodeType(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}
