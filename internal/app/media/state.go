package media

import (
	"github.com/dkeye/Consult/internal/domain"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type TrackInfo struct {
	ID      string             `json:"id"`
	Kind    domain.TrackKind   `json:"kind"`
	Source  domain.TrackSource `json:"source"`
	Enabled bool               `json:"enabled"`
}

type ParticipantView struct {
	Identity string            `json:"identity"`
	Tracks   []TrackInfo       `json:"tracks"`
	Media    domain.MediaState `json:"media"`
}

// Snapshot is a read-only view of the manager for presentation.
type Snapshot struct {
	State        State             `json:"state"`
	Err          error             `json:"-"`
	Room         domain.RoomID     `json:"room,omitempty"`
	Identity     string            `json:"identity,omitempty"`
	Local        []TrackInfo       `json:"local"`
	LocalMedia   domain.MediaState `json:"localMedia"`
	Participants []ParticipantView `json:"participants"`
}

// Participant returns the view for identity, if present.
func (s Snapshot) Participant(identity string) (ParticipantView, bool) {
	for _, p := range s.Participants {
		if p.Identity == identity {
			return p, true
		}
	}
	return ParticipantView{}, false
}
