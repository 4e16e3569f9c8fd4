package rtc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

func codecFor(kind domain.TrackKind) webrtc.RTPCodecCapability {
	if kind == domain.TrackAudio {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
}

func parseKind(s string) (domain.TrackKind, bool) {
	switch domain.TrackKind(s) {
	case domain.TrackAudio:
		return domain.TrackAudio, true
	case domain.TrackVideo:
		return domain.TrackVideo, true
	}
	return "", false
}

// localTrack publishes samples from a capture source. While disabled the
// source keeps running but nothing is sent.
type localTrack struct {
	core.Listeners

	id      string
	kind    domain.TrackKind
	track   *webrtc.TrackLocalStaticSample
	src     Source
	enabled atomic.Bool
	preview *fanout
	logger  zerolog.Logger

	// onToggle tells the server about mute changes.
	onToggle func(id string, enabled bool)

	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

var _ core.LocalTrack = (*localTrack)(nil)

func newLocalTrack(kind domain.TrackKind, src Source, streamID string, logger zerolog.Logger) (*localTrack, error) {
	id := string(kind) + "-" + uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticSample(codecFor(kind), id, streamID)
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("track_id", id).Logger()
	t := &localTrack{
		id:      id,
		kind:    kind,
		track:   track,
		src:     src,
		preview: newFanout(logger),
		logger:  logger,
		done:    make(chan struct{}),
	}
	t.enabled.Store(true)
	return t, nil
}

func (t *localTrack) start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.run(ctx)
}

func (t *localTrack) run(ctx context.Context) {
	defer close(t.done)
	for {
		s, err := t.src.Next(ctx)
		if err != nil {
			return
		}
		if !t.enabled.Load() {
			continue
		}
		if err := t.track.WriteSample(s); err != nil {
			t.logger.Debug().Err(err).Msg("write sample")
		}
		t.preview.write(s.Data)
	}
}

func (t *localTrack) ID() string             { return t.id }
func (t *localTrack) Kind() domain.TrackKind { return t.kind }
func (t *localTrack) Enabled() bool          { return t.enabled.Load() }

func (t *localTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
	t.preview.setMuted(!enabled)
	if t.onToggle != nil {
		t.onToggle(t.id, enabled)
	}
	kind := core.EventTrackDisabled
	if enabled {
		kind = core.EventTrackEnabled
	}
	t.Emit(core.Event{Kind: kind, Track: t})
}

func (t *localTrack) Attach(rt core.RenderTarget) { t.preview.add(rt) }
func (t *localTrack) Detach(rt core.RenderTarget) { t.preview.remove(rt) }

func (t *localTrack) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
			<-t.done
		}
		t.src.Close()
		t.preview.clear()
		t.logger.Info().Msg("local track stopped")
	})
}

// remoteTrack is announced by signalling and fed by the matching pion
// track once it arrives.
type remoteTrack struct {
	core.Listeners

	id      string
	kind    domain.TrackKind
	enabled atomic.Bool
	out     *fanout
	logger  zerolog.Logger

	mu     sync.Mutex
	bound  bool
	cancel context.CancelFunc
}

var _ core.Track = (*remoteTrack)(nil)

func newRemoteTrack(id string, kind domain.TrackKind, enabled bool, logger zerolog.Logger) *remoteTrack {
	logger = logger.With().Str("track_id", id).Logger()
	t := &remoteTrack{id: id, kind: kind, out: newFanout(logger), logger: logger}
	t.enabled.Store(enabled)
	t.out.setMuted(!enabled)
	return t
}

func (t *remoteTrack) ID() string             { return t.id }
func (t *remoteTrack) Kind() domain.TrackKind { return t.kind }
func (t *remoteTrack) Enabled() bool          { return t.enabled.Load() }

func (t *remoteTrack) Attach(rt core.RenderTarget) { t.out.add(rt) }
func (t *remoteTrack) Detach(rt core.RenderTarget) { t.out.remove(rt) }

// setEnabled applies a server-side state change; repeats are not re-emitted.
func (t *remoteTrack) setEnabled(enabled bool) {
	if t.enabled.Swap(enabled) == enabled {
		return
	}
	t.out.setMuted(!enabled)
	kind := core.EventTrackDisabled
	if enabled {
		kind = core.EventTrackEnabled
	}
	t.Emit(core.Event{Kind: kind, Track: t})
}

// bind starts forwarding packets from read. Only the first source is used.
func (t *remoteTrack) bind(read func() (*rtp.Packet, error)) {
	t.mu.Lock()
	if t.bound {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.bound = true
	t.cancel = cancel
	t.mu.Unlock()
	go t.out.pump(ctx, read)
}

func (t *remoteTrack) close() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.out.clear()
}

func readerOf(src *webrtc.TrackRemote) func() (*rtp.Packet, error) {
	return func() (*rtp.Packet, error) {
		pkt, _, err := src.ReadRTP()
		return pkt, err
	}
}
