package core

import (
	"context"

	"github.com/dkeye/Consult/internal/domain"
)

type VideoConstraints struct {
	Width  int
	Height int
}

type ConnectOptions struct {
	RoomName string
	Audio    bool
	// Video is nil when no camera track is requested.
	Video *VideoConstraints
}

// MediaTransport opens a room connection. ctx bounds the attempt only, not
// the lifetime of the returned room. Device failures must wrap
// domain.ErrMediaAccess; everything else is treated as a connect failure.
type MediaTransport interface {
	Connect(ctx context.Context, token string, opts ConnectOptions) (MediaRoom, error)
}

// MediaRoom emits participant connected/disconnected and room disconnected.
type MediaRoom interface {
	Emitter
	Name() string
	LocalTracks() []LocalTrack
	// Participants returns those already present when the room was joined.
	Participants() []RemoteParticipant
	Disconnect()
}

// RemoteParticipant emits track subscribed/unsubscribed.
type RemoteParticipant interface {
	Emitter
	Identity() string
	// Tracks returns tracks already subscribed at the time of the call.
	Tracks() []Track
}

// Track emits enabled/disabled.
type Track interface {
	Emitter
	ID() string
	Kind() domain.TrackKind
	Enabled() bool
	Attach(RenderTarget)
	Detach(RenderTarget)
}

// LocalTrack is owned exclusively by the manager that acquired it.
type LocalTrack interface {
	Track
	SetEnabled(bool)
	// Stop releases the capture device.
	Stop()
}
