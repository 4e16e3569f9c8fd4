package coretest

import (
	"context"
	"strings"
	"sync"

	"github.com/dkeye/Consult/internal/core"
)

const chatTokenPrefix = "chat:"

// Tokens is a fake TokenIssuer. Chat tokens encode the identity so the fake
// chat connector can recover it, the way a real provider reads its grant.
type Tokens struct {
	MediaErr     error
	ChatErr      error
	Participants *core.ParticipantNames
	// MediaGate blocks MediaToken until closed.
	MediaGate chan struct{}
	// OnChatToken, when set, may veto a request by returning an error.
	OnChatToken func(core.ChatTokenRequest) error

	mu          sync.Mutex
	mediaCalls  []core.MediaTokenRequest
	chatCalls   []core.ChatTokenRequest
	chatFailing bool
}

func (t *Tokens) MediaToken(ctx context.Context, req core.MediaTokenRequest) (string, error) {
	t.mu.Lock()
	t.mediaCalls = append(t.mediaCalls, req)
	gate := t.MediaGate
	t.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if t.MediaErr != nil {
		return "", t.MediaErr
	}
	return "media:" + req.UserIdentity + "@" + req.RoomName, nil
}

func (t *Tokens) ChatToken(_ context.Context, req core.ChatTokenRequest) (core.ChatToken, error) {
	t.mu.Lock()
	t.chatCalls = append(t.chatCalls, req)
	failing := t.chatFailing
	hook := t.OnChatToken
	t.mu.Unlock()
	if t.ChatErr != nil {
		return core.ChatToken{}, t.ChatErr
	}
	if failing {
		return core.ChatToken{}, errNetwork
	}
	if hook != nil {
		if err := hook(req); err != nil {
			return core.ChatToken{}, err
		}
	}
	return core.ChatToken{Token: chatTokenPrefix + req.Identity, Participants: t.Participants}, nil
}

// FailChat makes every following chat token request fail with a network error.
func (t *Tokens) FailChat() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chatFailing = true
}

func (t *Tokens) MediaCalls() []core.MediaTokenRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]core.MediaTokenRequest(nil), t.mediaCalls...)
}

func (t *Tokens) ChatCalls() []core.ChatTokenRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]core.ChatTokenRequest(nil), t.chatCalls...)
}

func identityFromToken(token string) string {
	return strings.TrimPrefix(token, chatTokenPrefix)
}
