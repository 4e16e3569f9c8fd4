package core

// Frame is one unit of media: a marshaled RTP packet or an encoded sample.
type Frame []byte

// RenderTarget is wherever a track is displayed. Targets are borrowed:
// the same track may be attached to many of them, and whoever attaches
// must detach before it is discarded.
type RenderTarget interface {
	ID() string
	WriteFrame(Frame) error
}
