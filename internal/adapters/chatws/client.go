// Package chatws is a chat provider client speaking JSON requests and
// pushed events over a websocket.
package chatws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("chat connection closed")
)

const (
	writeWait       = 5 * time.Second
	sendBuffer      = 32
	defaultTimeout  = 10 * time.Second
	defaultPing     = 54 * time.Second
	defaultReadSize = 1 << 15
)

type Config struct {
	URL            string
	RequestTimeout time.Duration
	ReadLimit      int64
	PingPeriod     time.Duration
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Connector implements core.ChatConnector.
type Connector struct {
	cfg    Config
	logger zerolog.Logger
}

var _ core.ChatConnector = (*Connector)(nil)

func NewConnector(cfg Config) *Connector {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadSize
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPing
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Connector{cfg: cfg, logger: log.With().Str("module", "adapters.chatws").Logger()}
}

func (c *Connector) Connect(ctx context.Context, token string) (core.ChatClient, error) {
	ws, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial chat: %w", err)
	}
	ws.SetReadLimit(c.cfg.ReadLimit)

	cl := &Client{
		conn:     ws,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		pending:  make(map[string]chan response),
		channels: make(map[string]*Channel),
		timeout:  c.cfg.RequestTimeout,
		ping:     c.cfg.PingPeriod,
		logger:   c.logger,
	}
	go cl.writePump()
	go cl.readPump()

	if err := cl.call(ctx, methodConnect, tokenParams{Token: token}, nil); err != nil {
		cl.Shutdown()
		return nil, err
	}
	c.logger.Info().Msg("chat client connected")
	return cl, nil
}

// Client implements core.ChatClient. It emits token and connection events.
type Client struct {
	core.Listeners

	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	timeout time.Duration
	ping    time.Duration
	logger  zerolog.Logger

	mu       sync.Mutex
	closed   bool
	pending  map[string]chan response
	channels map[string]*Channel
}

var _ core.ChatClient = (*Client)(nil)

// call sends one request and waits for its response, decoding the result
// into out when out is not nil.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	id := uuid.NewString()
	ch := make(chan response, 1)

	b, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	select {
	case c.send <- b:
	default:
		c.mu.Unlock()
		return ErrBackpressure
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp := <-ch:
		if resp.err != nil {
			return resp.err
		}
		if out != nil && len(resp.result) > 0 {
			if err := json.Unmarshal(resp.result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

func (c *Client) writePump() {
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

func (c *Client) readPump() {
	var cause error
	defer func() { c.terminate(cause) }()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				cause = err
			} else {
				cause = ErrClosed
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Error().Err(err).Msg("bad json")
			continue
		}
		if f.ID != "" {
			c.deliver(f)
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) deliver(f frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug().Str("id", f.ID).Msg("response without request")
		return
	}
	resp := response{result: f.Result}
	if f.Error != nil {
		resp.err = f.Error.err()
	}
	ch <- resp
}

func (c *Client) dispatch(f frame) {
	switch f.Event {
	case eventMessageAdded:
		if f.Message == nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.channels[f.Channel]
		c.mu.Unlock()
		if ok {
			ch.Emit(core.Event{Kind: core.EventMessageAdded, Message: f.Message.toDomain()})
		}
	case eventTokenAboutToExpire:
		c.Emit(core.Event{Kind: core.EventTokenAboutToExpire})
	case eventTokenExpired:
		c.Emit(core.Event{Kind: core.EventTokenExpired})
	case eventConnectionError:
		msg := "connection error"
		if f.Error != nil {
			msg = f.Error.Message
		}
		c.Emit(core.Event{Kind: core.EventConnectionError, Err: errors.New(msg)})
	default:
		c.logger.Warn().Str("event", f.Event).Msg("unknown event")
	}
}

// terminate fails outstanding calls; a connection lost without Shutdown
// is reported as a connection error.
func (c *Client) terminate(cause error) {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan response)
	c.mu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- response{err: ErrClosed}:
		default:
		}
	}
	if !wasClosed {
		close(c.done)
		_ = c.conn.Close()
		c.logger.Warn().Err(cause).Msg("chat connection lost")
		c.Emit(core.Event{Kind: core.EventConnectionError, Err: cause})
	}
}

func (c *Client) channel(w wireChannel) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.channels[w.SID]; ok {
		return ch
	}
	ch := &Channel{client: c, sid: w.SID, unique: w.UniqueName, friendly: w.FriendlyName}
	c.channels[w.SID] = ch
	return ch
}

func (c *Client) SubscribedChannels(ctx context.Context) ([]core.Channel, error) {
	var ws []wireChannel
	if err := c.call(ctx, methodSubscribed, nil, &ws); err != nil {
		return nil, err
	}
	out := make([]core.Channel, 0, len(ws))
	for _, w := range ws {
		out = append(out, c.channel(w))
	}
	return out, nil
}

func (c *Client) ChannelByUniqueName(ctx context.Context, name string) (core.Channel, error) {
	return c.lookup(ctx, methodByUniqueName, nameParams{Name: name})
}

func (c *Client) ChannelBySID(ctx context.Context, sid string) (core.Channel, error) {
	return c.lookup(ctx, methodBySID, sidParams{SID: sid})
}

func (c *Client) lookup(ctx context.Context, method string, params any) (core.Channel, error) {
	var w wireChannel
	if err := c.call(ctx, method, params, &w); err != nil {
		return nil, err
	}
	if w.SID == "" {
		return nil, core.ErrChannelNotFound
	}
	return c.channel(w), nil
}

func (c *Client) UpdateToken(ctx context.Context, token string) error {
	return c.call(ctx, methodUpdateToken, tokenParams{Token: token}, nil)
}

func (c *Client) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"), time.Now().Add(writeWait))
	_ = c.conn.Close()
	c.logger.Info().Msg("chat client shut down")
}

// Channel implements core.Channel and emits message added.
type Channel struct {
	core.Listeners

	client   *Client
	sid      string
	unique   string
	friendly string
}

var _ core.Channel = (*Channel)(nil)

func (ch *Channel) SID() string          { return ch.sid }
func (ch *Channel) UniqueName() string   { return ch.unique }
func (ch *Channel) FriendlyName() string { return ch.friendly }

func (ch *Channel) Join(ctx context.Context) error {
	return ch.client.call(ctx, methodJoin, sidParams{SID: ch.sid}, nil)
}

func (ch *Channel) Messages(ctx context.Context) ([]domain.Message, error) {
	var ws []wireMessage
	if err := ch.client.call(ctx, methodMessages, sidParams{SID: ch.sid}, &ws); err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.toDomain())
	}
	return out, nil
}

func (ch *Channel) Send(ctx context.Context, body string) error {
	return ch.client.call(ctx, methodSend, sendParams{SID: ch.sid, Body: body}, nil)
}
