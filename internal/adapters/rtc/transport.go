// Package rtc connects to the media server: websocket signalling, a pion
// peer connection and local capture tracks.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

type Config struct {
	SignalURL  string
	ICEServers []string
	Devices    Devices
	ReadLimit  int64
	PingPeriod time.Duration
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Transport implements core.MediaTransport.
type Transport struct {
	cfg    Config
	logger zerolog.Logger
}

var _ core.MediaTransport = (*Transport)(nil)

func NewTransport(cfg Config) *Transport {
	if cfg.Devices == nil {
		cfg.Devices = SyntheticDevices{}
	}
	return &Transport{cfg: cfg, logger: log.With().Str("module", "adapters.rtc").Logger()}
}

// Connect acquires local devices first, so a missing camera fails before
// anything is sent to the server.
func (tr *Transport) Connect(ctx context.Context, token string, opts core.ConnectOptions) (core.MediaRoom, error) {
	logger := tr.logger.With().Str("room", opts.RoomName).Logger()

	sources, err := tr.openSources(opts)
	if err != nil {
		return nil, err
	}
	closeSources := func() {
		for _, s := range sources {
			s.src.Close()
		}
	}

	sig, err := dialSignal(ctx, tr.cfg.Dialer, tr.cfg.SignalURL, tr.cfg.ReadLimit, tr.cfg.PingPeriod, logger)
	if err != nil {
		closeSources()
		return nil, fmt.Errorf("dial signal: %w", err)
	}

	joined, err := join(ctx, sig, token, opts.RoomName)
	if err != nil {
		closeSources()
		sig.close()
		return nil, err
	}
	logger = logger.With().Str("identity", joined.Identity).Logger()

	room := newRoom(opts.RoomName, joined.Identity, sig, logger)
	room.seed(joined.Participants)

	pc, err := newPeerConnection(webrtcConfig(tr.cfg.ICEServers), logger.With().Str("module", "webrtc").Logger())
	if err != nil {
		closeSources()
		sig.close()
		return nil, err
	}
	room.peer = pc

	for _, s := range sources {
		lt, err := newLocalTrack(s.kind, s.src, joined.Identity, logger)
		if err == nil {
			err = pc.AddLocalTrack(lt.track)
		}
		if err != nil {
			for _, t := range room.local {
				t.Stop()
			}
			closeSources()
			room.release()
			return nil, err
		}
		lt.onToggle = room.sendMute
		room.local = append(room.local, lt)
	}

	pc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		_ = sig.sendJSON(candidateFromInit(ci))
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		room.onRemoteTrack(track.ID(), track.StreamID(), readerOf(track))
	})
	pc.OnFailed(room.lost)

	offer, err := pc.Offer()
	if err != nil {
		for _, t := range room.local {
			t.Stop()
		}
		room.release()
		return nil, fmt.Errorf("create offer: %w", err)
	}

	go sig.writePump()
	go func() {
		room.lost(sig.readPump(room.handle))
	}()
	if err := sig.sendJSON(sdpMsg{Type: msgOffer, SDP: offer.SDP}); err != nil {
		logger.Warn().Err(err).Msg("send offer")
	}
	for _, t := range room.local {
		t.start()
	}

	logger.Info().Int("present", len(joined.Participants)).Msg("joined room")
	return room, nil
}

type openedSource struct {
	kind domain.TrackKind
	src  Source
}

func (tr *Transport) openSources(opts core.ConnectOptions) ([]openedSource, error) {
	var out []openedSource
	fail := func(err error) ([]openedSource, error) {
		for _, s := range out {
			s.src.Close()
		}
		if !errors.Is(err, domain.ErrMediaAccess) {
			err = fmt.Errorf("%w: %w", domain.ErrMediaAccess, err)
		}
		return nil, err
	}
	if opts.Audio {
		src, err := tr.cfg.Devices.Open(domain.TrackAudio, core.VideoConstraints{})
		if err != nil {
			return fail(err)
		}
		out = append(out, openedSource{kind: domain.TrackAudio, src: src})
	}
	if opts.Video != nil {
		src, err := tr.cfg.Devices.Open(domain.TrackVideo, *opts.Video)
		if err != nil {
			return fail(err)
		}
		out = append(out, openedSource{kind: domain.TrackVideo, src: src})
	}
	return out, nil
}

// join sends the join request and waits for the server's answer.
func join(ctx context.Context, sig *wsSignalConn, token, room string) (joinedMsg, error) {
	if err := sig.writeOne(joinMsg{Type: msgJoin, Token: token, Room: room}); err != nil {
		return joinedMsg{}, fmt.Errorf("send join: %w", err)
	}
	for {
		data, err := sig.readOne(ctx)
		if err != nil {
			return joinedMsg{}, fmt.Errorf("await join: %w", err)
		}
		typ, err := decodeType(data)
		if err != nil {
			return joinedMsg{}, fmt.Errorf("await join: %w", err)
		}
		switch typ {
		case msgJoined:
			var m joinedMsg
			if err := json.Unmarshal(data, &m); err != nil {
				return joinedMsg{}, fmt.Errorf("bad joined payload: %w", err)
			}
			return m, nil
		case msgError:
			var m errorMsg
			_ = json.Unmarshal(data, &m)
			return joinedMsg{}, fmt.Errorf("join rejected: %s", m.Message)
		}
	}
}
