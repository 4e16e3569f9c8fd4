package chat

import "github.com/dkeye/Consult/internal/domain"

type State int32

const (
	StateIdle State = iota
	StateJoining
	StateJoined
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// MessageView is a message as the local participant sees it.
type MessageView struct {
	domain.Message
	Mine       bool   `json:"mine"`
	AuthorName string `json:"authorName"`
}

type Snapshot struct {
	State       State               `json:"state"`
	Err         error               `json:"-"`
	Identity    string              `json:"identity,omitempty"`
	ChannelSID  string              `json:"channelSid,omitempty"`
	ChannelName string              `json:"channelName,omitempty"`
	Messages    []MessageView       `json:"messages"`
	Names       domain.DisplayNames `json:"names"`
}
