package core

import "context"

type MediaTokenRequest struct {
	RoomName     string `json:"roomName"`
	UserIdentity string `json:"userIdentity"`
}

type ChatTokenRequest struct {
	Identity    string `json:"identity"`
	UserType    string `json:"userType"`
	Room        string `json:"room"`
	DisplayName string `json:"displayName"`
	AutoCreate  bool   `json:"autoCreate,omitempty"`
}

type ParticipantNames struct {
	Patient string `json:"patient,omitempty"`
	Doctor  string `json:"doctor,omitempty"`
}

type ChatToken struct {
	Token        string            `json:"token"`
	Participants *ParticipantNames `json:"participants,omitempty"`
}

// TokenIssuer is the backend collaborator issuing short-lived credentials.
type TokenIssuer interface {
	MediaToken(ctx context.Context, req MediaTokenRequest) (string, error)
	ChatToken(ctx context.Context, req ChatTokenRequest) (ChatToken, error)
}
