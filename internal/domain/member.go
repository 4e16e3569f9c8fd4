package domain

import "time"

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

type TrackSource string

const (
	SourceLocal  TrackSource = "local"
	SourceRemote TrackSource = "remote"
)

// MediaState is read the same way for the local participant and for every
// remote one. It is set from events, never toggled.
type MediaState struct {
	AudioMuted bool `json:"isAudioMuted"`
	VideoMuted bool `json:"isVideoMuted"`
}

// WithEnabled returns the state after a track of kind became enabled or not.
func (s MediaState) WithEnabled(kind TrackKind, enabled bool) MediaState {
	switch kind {
	case TrackAudio:
		s.AudioMuted = !enabled
	case TrackVideo:
		s.VideoMuted = !enabled
	}
	return s
}

func (s MediaState) Muted(kind TrackKind) bool {
	if kind == TrackAudio {
		return s.AudioMuted
	}
	return s.VideoMuted
}

type Message struct {
	SID       string    `json:"sid,omitempty"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// IsFrom compares authorship by channel identity only.
func (m Message) IsFrom(identity string) bool {
	return m.Author == identity
}
