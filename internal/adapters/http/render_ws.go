package http

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dkeye/Consult/internal/core"
)

var errTargetClosed = errors.New("render target closed")

const (
	renderBuffer = 64
	writeWait    = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsRenderTarget streams frames of one track to a browser as binary
// websocket messages. Frames that do not fit the buffer are dropped.
type wsRenderTarget struct {
	id     string
	conn   *websocket.Conn
	send   chan core.Frame
	logger zerolog.Logger

	mu      sync.Mutex
	closed  bool
	dropped int
}

var _ core.RenderTarget = (*wsRenderTarget)(nil)

func newRenderTarget(id string, conn *websocket.Conn, logger zerolog.Logger) *wsRenderTarget {
	return &wsRenderTarget{id: id, conn: conn, send: make(chan core.Frame, renderBuffer), logger: logger}
}

func (t *wsRenderTarget) ID() string { return t.id }

func (t *wsRenderTarget) WriteFrame(f core.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTargetClosed
	}
	select {
	case t.send <- append(core.Frame(nil), f...):
	default:
		t.dropped++
	}
	return nil
}

func (t *wsRenderTarget) Close() {
	t.closeWith(websocket.CloseNormalClosure, "")
}

// closeWith tells the browser why the stream ended, then drops the socket.
func (t *wsRenderTarget) closeWith(code int, reason string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.send)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = t.conn.Close()
	dropped := t.dropped
	t.mu.Unlock()
	t.logger.Debug().Int("dropped", dropped).Msg("render target closed")
}

func (t *wsRenderTarget) writePump() {
	for data := range t.send {
		if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			t.logger.Error().Err(err).Msg("writePump set deadline")
			return
		}
		if err := t.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			t.logger.Debug().Err(err).Msg("writePump write error")
			return
		}
	}
}

// readPump only watches for the browser going away.
func (t *wsRenderTarget) readPump() {
	defer t.Close()
	for {
		if _, _, err := t.conn.ReadMessage(); err != nil {
			return
		}
	}
}
