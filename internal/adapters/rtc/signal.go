package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dkeye/Consult/internal/core"
)

var (
	ErrBackpressure = errors.New("backpressure")
	errSignalClosed = errors.New("signal connection closed")
)

const (
	writeWait      = 5 * time.Second
	sendBuffer     = 32
	defaultPing    = 54 * time.Second
	defaultReadCap = 1 << 16
)

// signaler is the room's view of the signalling channel.
type signaler interface {
	sendJSON(v any) error
	close()
}

// wsSignalConn is a client-side signalling connection with a buffered
// writer goroutine, the same pump pair the server side uses.
type wsSignalConn struct {
	conn   *websocket.Conn
	send   chan core.Frame
	logger zerolog.Logger

	ping time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func dialSignal(ctx context.Context, dialer *websocket.Dialer, url string, readLimit int64, ping time.Duration, logger zerolog.Logger) (*wsSignalConn, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if readLimit <= 0 {
		readLimit = defaultReadCap
	}
	if ping <= 0 {
		ping = defaultPing
	}
	ws.SetReadLimit(readLimit)
	return &wsSignalConn{
		conn:   ws,
		send:   make(chan core.Frame, sendBuffer),
		logger: logger,
		ping:   ping,
		done:   make(chan struct{}),
	}, nil
}

func (c *wsSignalConn) trySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errSignalClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsSignalConn) sendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.trySend(b)
}

// readOne blocks for a single message; used before the pumps start.
func (c *wsSignalConn) readOne(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer func() {
		if !stop() {
			_ = c.conn.SetReadDeadline(time.Time{})
		}
	}()
	_, data, err := c.conn.ReadMessage()
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return data, err
}

// writeOne writes synchronously; used before the pumps start.
func (c *wsSignalConn) writeOne(v any) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *wsSignalConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	close(c.done)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leave"), time.Now().Add(writeWait))
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *wsSignalConn) writePump() {
	ticker := time.NewTicker(c.ping)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error().Err(err).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Warn().Err(err).Msg("writePump ping")
				return
			}
		}
	}
}

// readPump delivers messages to handle until the connection ends and
// returns the read error, or nil if close was called locally.
func (c *wsSignalConn) readPump(handle func([]byte)) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		handle(data)
	}
}
