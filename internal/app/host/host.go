// Package host composes the media and chat subsystems for one consultation
// room behind a single command surface.
package host

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/dkeye/Consult/internal/app/chat"
	"github.com/dkeye/Consult/internal/app/media"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

// Params identify the local participant. Everything the host needs is
// passed here; nothing is read from ambient state.
type Params struct {
	Room        domain.RoomID
	Identity    string
	Role        domain.Role
	DisplayName string
}

type Deps struct {
	Tokens       core.TokenIssuer
	Media        core.MediaTransport
	Chat         core.ChatConnector
	MediaOptions media.Options
	ChatOptions  chat.Options
}

type Host struct {
	params Params
	ident  domain.SessionIdentity
	media  *media.Manager
	chat   *chat.Binder
	logger zerolog.Logger

	mu          sync.Mutex
	lastSendErr error
}

func New(p Params, d Deps) (*Host, error) {
	ident, err := domain.NewSessionIdentity(p.Identity, p.Role, p.Room)
	if err != nil {
		return nil, err
	}
	return &Host{
		params: p,
		ident:  ident,
		media:  media.NewManager(d.Tokens, d.Media, d.MediaOptions),
		chat:   chat.NewBinder(d.Tokens, d.Chat, d.ChatOptions),
		logger: log.With().
			Str("module", "app.host").
			Str("room", string(p.Room)).
			Str("identity", ident.ChannelIdentity()).
			Logger(),
	}, nil
}

// Identity is the channel identity shared by both subsystems.
func (h *Host) Identity() string { return h.ident.ChannelIdentity() }

func (h *Host) Room() domain.RoomID { return h.params.Room }

// Connect brings media and chat up concurrently. Either may become ready
// first and a failure of one leaves the other untouched; the returned
// error joins both outcomes.
func (h *Host) Connect(ctx context.Context) error {
	var mediaErr, chatErr error
	var wg conc.WaitGroup
	wg.Go(func() {
		mediaErr = h.media.Connect(ctx, h.params.Room, h.ident.ChannelIdentity())
	})
	wg.Go(func() {
		chatErr = h.chat.Join(ctx, chat.Params{
			Room:        h.params.Room,
			Identity:    h.params.Identity,
			Role:        h.params.Role,
			DisplayName: h.params.DisplayName,
		})
	})
	if r := wg.WaitAndRecover(); r != nil {
		h.logger.Error().Str("panic", r.String()).Msg("connect panicked")
		return r.AsError()
	}
	if mediaErr != nil {
		h.logger.Warn().Err(mediaErr).Msg("media unavailable")
	}
	if chatErr != nil {
		h.logger.Warn().Err(chatErr).Msg("chat unavailable")
	}
	return errors.Join(mediaErr, chatErr)
}

// Disconnect tears both subsystems down, even if one of them panics.
func (h *Host) Disconnect() {
	var pc panics.Catcher
	pc.Try(h.media.Disconnect)
	pc.Try(h.chat.Leave)
	if r := pc.Recovered(); r != nil {
		h.logger.Error().Str("panic", r.String()).Msg("teardown panicked")
	}
	h.mu.Lock()
	h.lastSendErr = nil
	h.mu.Unlock()
	h.logger.Info().Msg("session closed")
}

func (h *Host) ToggleAudio() domain.MediaState { return h.media.ToggleAudio() }

func (h *Host) ToggleVideo() domain.MediaState { return h.media.ToggleVideo() }

// SendMessage is a no-op for blank text or while chat is not joined.
// A failed send is returned and kept for the snapshot until the next send.
func (h *Host) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" || h.chat.State() != chat.StateJoined {
		return nil
	}
	err := h.chat.Send(ctx, text)
	if errors.Is(err, domain.ErrNotJoined) {
		err = nil
	}
	h.mu.Lock()
	h.lastSendErr = err
	h.mu.Unlock()
	return err
}

func (h *Host) Attach(identity string, kind domain.TrackKind, target core.RenderTarget) error {
	return h.media.Attach(identity, kind, target)
}

func (h *Host) Detach(identity string, kind domain.TrackKind, target core.RenderTarget) {
	h.media.Detach(identity, kind, target)
}

type Snapshot struct {
	Room        domain.RoomID  `json:"room"`
	Identity    string         `json:"identity"`
	DisplayName string         `json:"displayName,omitempty"`
	Media       media.Snapshot `json:"media"`
	Chat        chat.Snapshot  `json:"chat"`

	IsReady   bool `json:"isReady"`
	Awaiting  bool `json:"awaiting"`
	ChatReady bool `json:"chatReady"`

	AudioMuted bool `json:"isAudioMuted"`
	VideoMuted bool `json:"isVideoMuted"`

	MediaError string `json:"mediaError,omitempty"`
	ChatError  string `json:"chatError,omitempty"`
	SendError  string `json:"sendError,omitempty"`
	// Error is the first fatal error, for a single banner.
	Error string `json:"error,omitempty"`
}

func (h *Host) Snapshot() Snapshot {
	ms := h.media.Snapshot()
	cs := h.chat.Snapshot()
	h.mu.Lock()
	sendErr := h.lastSendErr
	h.mu.Unlock()

	s := Snapshot{
		Room:        h.params.Room,
		Identity:    h.ident.ChannelIdentity(),
		DisplayName: h.params.DisplayName,
		Media:       ms,
		Chat:        cs,
		Awaiting:    ms.State == media.StateConnecting,
		ChatReady:   cs.State == chat.StateJoined,
		AudioMuted:  ms.LocalMedia.AudioMuted,
		VideoMuted:  ms.LocalMedia.VideoMuted,
		MediaError:  domain.Describe(ms.Err),
		ChatError:   domain.Describe(cs.Err),
		SendError:   domain.Describe(sendErr),
	}
	s.IsReady = ms.State == media.StateConnected || s.Awaiting
	switch {
	case s.MediaError != "":
		s.Error = s.MediaError
	case s.ChatError != "":
		s.Error = s.ChatError
	}
	return s
}
