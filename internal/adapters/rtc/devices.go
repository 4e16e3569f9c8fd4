package rtc

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

// Source produces encoded samples for one local track.
type Source interface {
	// Next blocks until a sample is ready or ctx ends.
	Next(ctx context.Context) (media.Sample, error)
	Close()
}

// Devices opens capture sources.
type Devices interface {
	Open(kind domain.TrackKind, video core.VideoConstraints) (Source, error)
}

func DevicesByName(name string) (Devices, error) {
	switch name {
	case "", "synthetic":
		return SyntheticDevices{}, nil
	case "none":
		return NoDevices{}, nil
	default:
		return nil, fmt.Errorf("unknown devices %q", name)
	}
}

// NoDevices fails every open, as a host without camera or microphone does.
type NoDevices struct{}

func (NoDevices) Open(kind domain.TrackKind, _ core.VideoConstraints) (Source, error) {
	return nil, fmt.Errorf("%w: no %s device", domain.ErrMediaAccess, kind)
}

// SyntheticDevices emit silence and blank frames at a real-time pace.
type SyntheticDevices struct{}

// opusSilence is a single 20ms Opus silence frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

func (SyntheticDevices) Open(kind domain.TrackKind, video core.VideoConstraints) (Source, error) {
	switch kind {
	case domain.TrackAudio:
		return newTickSource(20*time.Millisecond, opusSilence), nil
	case domain.TrackVideo:
		if video.Width <= 0 || video.Height <= 0 {
			return nil, fmt.Errorf("%w: bad video constraints %dx%d", domain.ErrMediaAccess, video.Width, video.Height)
		}
		return newTickSource(time.Second/30, blankFrame(video)), nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", domain.ErrMediaAccess, kind)
	}
}

// blankFrame is a placeholder VP8 key frame header sized for the constraints.
func blankFrame(v core.VideoConstraints) []byte {
	w, h := uint16(v.Width), uint16(v.Height)
	return []byte{
		0x10, 0x02, 0x00, // frame tag: key frame, shown
		0x9d, 0x01, 0x2a, // start code
		byte(w), byte(w >> 8), byte(h), byte(h >> 8),
	}
}

type tickSource struct {
	ticker  *time.Ticker
	every   time.Duration
	payload []byte
}

func newTickSource(every time.Duration, payload []byte) *tickSource {
	return &tickSource{ticker: time.NewTicker(every), every: every, payload: payload}
}

func (s *tickSource) Next(ctx context.Context) (media.Sample, error) {
	select {
	case <-ctx.Done():
		return media.Sample{}, ctx.Err()
	case <-s.ticker.C:
		return media.Sample{Data: s.payload, Duration: s.every}, nil
	}
}

func (s *tickSource) Close() { s.ticker.Stop() }
