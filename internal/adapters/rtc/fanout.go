package rtc

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/dkeye/Consult/internal/core"
)

type outputState int32

const (
	outputOk outputState = iota
	outputMuted
	outputDelete
)

// output is one render target fed by a fanout.
type output struct {
	target core.RenderTarget
	state  atomic.Int32
}

func (o *output) getState() outputState { return outputState(o.state.Load()) }
func (o *output) mark(s outputState)    { o.state.Store(int32(s)) }

// fanout copies frames of one track to every attached render target.
// Targets that fail a write are dropped.
type fanout struct {
	mu      sync.RWMutex
	outputs map[string]*output
	muted   bool

	logger zerolog.Logger
}

func newFanout(logger zerolog.Logger) *fanout {
	return &fanout{outputs: make(map[string]*output), logger: logger}
}

func (f *fanout) add(t core.RenderTarget) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := &output{target: t}
	if f.muted {
		o.mark(outputMuted)
	}
	f.outputs[t.ID()] = o
}

func (f *fanout) remove(t core.RenderTarget) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.outputs[t.ID()]; ok {
		o.mark(outputDelete)
		delete(f.outputs, t.ID())
	}
}

func (f *fanout) setMuted(muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = muted
	next := outputOk
	if muted {
		next = outputMuted
	}
	for _, o := range f.outputs {
		if o.getState() != outputDelete {
			o.mark(next)
		}
	}
}

func (f *fanout) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.outputs {
		o.mark(outputDelete)
	}
	clear(f.outputs)
}

func (f *fanout) len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.outputs)
}

// pump reads RTP packets and forwards them until read fails or ctx ends.
func (f *fanout) pump(ctx context.Context, read func() (*rtp.Packet, error)) {
	for {
		select {
		case <-ctx.Done():
			f.logger.Debug().Msg("fanout ctx done")
			return
		default:
		}
		pkt, err := read()
		if err != nil {
			f.logger.Debug().Err(err).Msg("fanout read stopped")
			return
		}
		raw, err := pkt.Marshal()
		if err != nil {
			f.logger.Warn().Err(err).Msg("fanout marshal")
			continue
		}
		f.write(raw)
	}
}

func (f *fanout) write(frame core.Frame) {
	f.mu.RLock()
	snapshot := maps.Clone(f.outputs)
	f.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for id, o := range snapshot {
		switch o.getState() {
		case outputDelete:
			dirty = append(dirty, id)
		case outputMuted:
		case outputOk:
			if err := o.target.WriteFrame(frame); err != nil {
				f.logger.Warn().Err(err).Str("target", id).Msg("fanout write error, dropping target")
				o.mark(outputDelete)
				dirty = append(dirty, id)
			}
		}
	}
	if len(dirty) > 0 {
		f.cleanupDeleted(dirty, snapshot)
	}
}

func (f *fanout) cleanupDeleted(dirty []string, seen map[string]*output) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range dirty {
		// a target re-added meanwhile has a fresh output
		if f.outputs[id] == seen[id] {
			delete(f.outputs, id)
		}
	}
}
