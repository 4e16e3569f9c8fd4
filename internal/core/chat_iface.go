package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Consult/internal/domain"
)

// CodeAlreadyJoined is returned by the chat provider when the identity is
// already a member of the channel.
const CodeAlreadyJoined = 50404

var ErrChannelNotFound = errors.New("channel not found")

type ProviderError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("chat provider error %d: %s", e.Code, e.Message)
}

// IsAlreadyJoined reports whether err carries the provider's already-joined code.
func IsAlreadyJoined(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == CodeAlreadyJoined
}

type ChatConnector interface {
	Connect(ctx context.Context, token string) (ChatClient, error)
}

// ChatClient emits token about-to-expire/expired and connection errors.
type ChatClient interface {
	Emitter
	SubscribedChannels(ctx context.Context) ([]Channel, error)
	ChannelByUniqueName(ctx context.Context, name string) (Channel, error)
	ChannelBySID(ctx context.Context, sid string) (Channel, error)
	UpdateToken(ctx context.Context, token string) error
	Shutdown()
}

// Channel emits message added.
type Channel interface {
	Emitter
	SID() string
	UniqueName() string
	FriendlyName() string
	Join(ctx context.Context) error
	// Messages returns the full history, oldest first.
	Messages(ctx context.Context) ([]domain.Message, error)
	Send(ctx context.Context, body string) error
}
