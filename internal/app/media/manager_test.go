package media_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Consult/internal/app/media"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/core/coretest"
	"github.com/dkeye/Consult/internal/domain"
)

func newManager(t *testing.T) (*media.Manager, *coretest.Tokens, *coretest.Transport) {
	t.Helper()
	tokens := &coretest.Tokens{}
	transport := &coretest.Transport{}
	return media.NewManager(tokens, transport, media.DefaultOptions()), tokens, transport
}

func connected(t *testing.T) (*media.Manager, *coretest.Room) {
	t.Helper()
	m, _, transport := newManager(t)
	require.NoError(t, m.Connect(context.Background(), "42", "patient_42"))
	room := transport.LastRoom()
	require.NotNil(t, room)
	return m, room
}

func TestConnect(t *testing.T) {
	t.Run("publishes one audio and one video track", func(t *testing.T) {
		m, tokens, transport := newManager(t)

		require.NoError(t, m.Connect(context.Background(), "42", "patient_42"))

		snap := m.Snapshot()
		assert.Equal(t, media.StateConnected, snap.State)
		assert.Len(t, snap.Local, 2)
		assert.Equal(t, "42", tokens.MediaCalls()[0].RoomName)
		assert.Equal(t, "patient_42", tokens.MediaCalls()[0].UserIdentity)
		calls := transport.Calls()
		require.Len(t, calls, 1)
		assert.True(t, calls[0].Audio)
		require.NotNil(t, calls[0].Video)
		assert.Equal(t, 640, calls[0].Video.Width)
	})

	t.Run("requires room and identity", func(t *testing.T) {
		m, tokens, _ := newManager(t)

		assert.ErrorIs(t, m.Connect(context.Background(), "", "patient_42"), domain.ErrInvalidArgument)
		assert.ErrorIs(t, m.Connect(context.Background(), "42", " "), domain.ErrInvalidArgument)
		assert.Empty(t, tokens.MediaCalls())
		assert.Equal(t, media.StateIdle, m.State())
	})

	t.Run("second call while connected is a no-op", func(t *testing.T) {
		m, tokens, _ := newManager(t)
		require.NoError(t, m.Connect(context.Background(), "42", "patient_42"))

		require.NoError(t, m.Connect(context.Background(), "42", "patient_42"))
		assert.Len(t, tokens.MediaCalls(), 1)
	})
}

func TestConnect_WhileConnectingIsNoOp(t *testing.T) {
	m, tokens, _ := newManager(t)
	tokens.MediaGate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background(), "R9", "doctor_R9") }()
	require.Eventually(t, func() bool { return len(tokens.MediaCalls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, media.StateConnecting, m.State())

	require.NoError(t, m.Connect(context.Background(), "R9", "doctor_R9"))
	assert.Len(t, tokens.MediaCalls(), 1, "no second token request")

	close(tokens.MediaGate)
	require.NoError(t, <-done)
	assert.Equal(t, media.StateConnected, m.State())
}

func TestConnect_Failures(t *testing.T) {
	t.Run("token error", func(t *testing.T) {
		m, tokens, transport := newManager(t)
		tokens.MediaErr = errors.New("401 unauthorized")

		err := m.Connect(context.Background(), "42", "patient_42")
		assert.ErrorIs(t, err, domain.ErrToken)
		assert.Equal(t, media.StateFailed, m.State())
		assert.ErrorIs(t, m.Snapshot().Err, domain.ErrToken)
		assert.Empty(t, transport.Calls())
	})

	t.Run("media access error is not a connect error", func(t *testing.T) {
		m, _, transport := newManager(t)
		transport.Err = fmt.Errorf("%w: camera denied", domain.ErrMediaAccess)

		err := m.Connect(context.Background(), "42", "patient_42")
		assert.ErrorIs(t, err, domain.ErrMediaAccess)
		assert.NotErrorIs(t, err, domain.ErrConnect)
	})

	t.Run("transport refused", func(t *testing.T) {
		m, _, transport := newManager(t)
		transport.Err = errors.New("connection refused")

		assert.ErrorIs(t, m.Connect(context.Background(), "42", "patient_42"), domain.ErrConnect)
	})

	t.Run("retry after failure", func(t *testing.T) {
		m, tokens, _ := newManager(t)
		tokens.MediaErr = errors.New("timeout")
		require.Error(t, m.Connect(context.Background(), "42", "patient_42"))

		tokens.MediaErr = nil
		require.NoError(t, m.Connect(context.Background(), "42", "patient_42"))
		assert.Equal(t, media.StateConnected, m.State())
		assert.NoError(t, m.Snapshot().Err)
	})
}

func TestDisconnect(t *testing.T) {
	t.Run("releases every resource and is idempotent", func(t *testing.T) {
		m, room := connected(t)
		local := room.Local(domain.TrackVideo)
		preview := &coretest.Target{Name: "preview"}
		require.NoError(t, m.Attach("", domain.TrackVideo, preview))

		track := coretest.NewTrack("remote-audio", domain.TrackAudio, true)
		p := coretest.NewParticipant("doctor_42", track)
		room.Join(p)
		remoteView := &coretest.Target{Name: "remote"}
		require.NoError(t, m.Attach("doctor_42", domain.TrackAudio, remoteView))

		m.Disconnect()
		m.Disconnect()

		assert.Equal(t, media.StateIdle, m.State())
		assert.Equal(t, 1, room.DisconnectCalls())
		assert.True(t, room.Local(domain.TrackAudio).Stopped())
		assert.True(t, local.Stopped())
		attaches, detaches := local.AttachCounts()
		assert.Equal(t, attaches, detaches)
		attaches, detaches = track.AttachCounts()
		assert.Equal(t, attaches, detaches)
		assert.Zero(t, room.Count(), "room listeners removed")
		assert.Zero(t, p.Count(), "participant listeners removed")
		assert.Zero(t, track.Count(), "track listeners removed")
		assert.Empty(t, m.Snapshot().Participants)
	})

	t.Run("on a fresh manager", func(t *testing.T) {
		m, _, _ := newManager(t)
		assert.NotPanics(t, func() {
			m.Disconnect()
			m.Disconnect()
		})
		assert.Equal(t, media.StateIdle, m.State())
	})

	t.Run("after a failure returns to idle", func(t *testing.T) {
		m, tokens, _ := newManager(t)
		tokens.MediaErr = errors.New("boom")
		require.Error(t, m.Connect(context.Background(), "42", "patient_42"))

		m.Disconnect()
		assert.Equal(t, media.StateIdle, m.State())
	})

	t.Run("aborts an in-flight connect", func(t *testing.T) {
		m, tokens, _ := newManager(t)
		tokens.MediaGate = make(chan struct{})
		done := make(chan error, 1)
		go func() { done <- m.Connect(context.Background(), "42", "patient_42") }()
		require.Eventually(t, func() bool { return len(tokens.MediaCalls()) == 1 }, time.Second, 5*time.Millisecond)

		m.Disconnect()

		assert.ErrorIs(t, <-done, domain.ErrSessionClosed)
		assert.Equal(t, media.StateIdle, m.State())
	})
}

func TestRemoteMediaState(t *testing.T) {
	t.Run("track arriving disabled starts muted", func(t *testing.T) {
		m, room := connected(t)
		p := coretest.NewParticipant("doctor_42")
		room.Join(p)

		p.Publish(coretest.NewTrack("v1", domain.TrackVideo, false))

		view, ok := m.Snapshot().Participant("doctor_42")
		require.True(t, ok)
		assert.True(t, view.Media.VideoMuted)
		assert.False(t, view.Media.AudioMuted)
	})

	t.Run("participant already in the room", func(t *testing.T) {
		tokens := &coretest.Tokens{}
		audio := coretest.NewTrack("a1", domain.TrackAudio, false)
		transport := &coretest.Transport{Present: []core.RemoteParticipant{coretest.NewParticipant("doctor_42", audio)}}
		m := media.NewManager(tokens, transport, media.DefaultOptions())

		require.NoError(t, m.Connect(context.Background(), "42", "patient_42"))

		view, ok := m.Snapshot().Participant("doctor_42")
		require.True(t, ok)
		assert.True(t, view.Media.AudioMuted)
		assert.Len(t, view.Tracks, 1)
	})

	t.Run("re-delivered disabled event is idempotent", func(t *testing.T) {
		m, room := connected(t)
		track := coretest.NewTrack("a1", domain.TrackAudio, true)
		room.Join(coretest.NewParticipant("doctor_42", track))

		track.SetEnabled(false)
		first, _ := m.Snapshot().Participant("doctor_42")
		track.SetEnabled(false)
		second, _ := m.Snapshot().Participant("doctor_42")

		assert.True(t, first.Media.AudioMuted)
		assert.Equal(t, first.Media, second.Media)

		track.SetEnabled(true)
		third, _ := m.Snapshot().Participant("doctor_42")
		assert.False(t, third.Media.AudioMuted)
	})

	t.Run("unsubscribed track is detached and forgotten", func(t *testing.T) {
		m, room := connected(t)
		track := coretest.NewTrack("v1", domain.TrackVideo, true)
		p := coretest.NewParticipant("doctor_42", track)
		room.Join(p)
		target := &coretest.Target{Name: "main"}
		require.NoError(t, m.Attach("doctor_42", domain.TrackVideo, target))

		p.Unpublish(track)

		view, _ := m.Snapshot().Participant("doctor_42")
		assert.Empty(t, view.Tracks)
		assert.Zero(t, track.AttachedTargets())
		assert.Zero(t, track.Count())
		assert.ErrorIs(t, m.Attach("doctor_42", domain.TrackVideo, target), media.ErrTrackNotFound)
	})

	t.Run("participant leaving drops handle tracks and state", func(t *testing.T) {
		m, room := connected(t)
		track := coretest.NewTrack("v1", domain.TrackVideo, false)
		p := coretest.NewParticipant("doctor_42", track)
		room.Join(p)

		room.Leave(p)

		_, ok := m.Snapshot().Participant("doctor_42")
		assert.False(t, ok)
		assert.Zero(t, p.Count())
		assert.Zero(t, track.Count())

		// events from the departed participant no longer reach the manager
		track.SetEnabled(true)
		_, ok = m.Snapshot().Participant("doctor_42")
		assert.False(t, ok)
	})

	t.Run("events after disconnect are ignored", func(t *testing.T) {
		m, room := connected(t)
		m.Disconnect()

		room.Join(coretest.NewParticipant("doctor_42"))

		assert.Empty(t, m.Snapshot().Participants)
	})
}

func TestToggle(t *testing.T) {
	t.Run("flips local tracks without remote participants", func(t *testing.T) {
		m, room := connected(t)

		state := m.ToggleAudio()
		assert.True(t, state.AudioMuted)
		assert.False(t, room.Local(domain.TrackAudio).Enabled())
		assert.True(t, room.Local(domain.TrackVideo).Enabled())
		assert.True(t, m.Snapshot().LocalMedia.AudioMuted)

		state = m.ToggleAudio()
		assert.False(t, state.AudioMuted)
		assert.True(t, room.Local(domain.TrackAudio).Enabled())

		assert.True(t, m.ToggleVideo().VideoMuted)
		assert.False(t, room.Local(domain.TrackVideo).Enabled())
	})

	t.Run("preference set before connect applies to new tracks", func(t *testing.T) {
		m, _, transport := newManager(t)
		m.ToggleVideo()

		require.NoError(t, m.Connect(context.Background(), "42", "patient_42"))

		assert.False(t, transport.LastRoom().Local(domain.TrackVideo).Enabled())
		assert.True(t, transport.LastRoom().Local(domain.TrackAudio).Enabled())
	})
}

func TestRoomDroppedByProvider(t *testing.T) {
	m, room := connected(t)

	room.Drop(errors.New("signaling closed"))

	snap := m.Snapshot()
	assert.Equal(t, media.StateFailed, snap.State)
	assert.ErrorIs(t, snap.Err, domain.ErrConnect)
	assert.True(t, room.Local(domain.TrackAudio).Stopped())
	assert.Equal(t, 1, room.DisconnectCalls())

	m.Disconnect()
	assert.Equal(t, 1, room.DisconnectCalls())
	assert.Equal(t, media.StateIdle, m.State())
}
