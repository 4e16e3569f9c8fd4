package coretest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

var errNetwork = errors.New("network unreachable")

// ErrNetwork is what the fakes return for simulated network failures.
var ErrNetwork = errNetwork

// ChatProvider is an in-memory chat service shared by every client
// connected through it, so messages round-trip between participants.
type ChatProvider struct {
	ConnectErr error
	// SendErr, when set, fails every send.
	SendErr error
	// JoinErr fails joins with this error instead of joining.
	JoinErr error
	// Now stamps messages; defaults to time.Now.
	Now func() time.Time

	mu       sync.Mutex
	channels []*channelState
	calls    []string
	clients  []*ChatClient
}

var _ core.ChatConnector = (*ChatProvider)(nil)

type channelState struct {
	core.Listeners

	sid, unique, friendly string
	// subscribers sees the channel in SubscribedChannels.
	subscribers map[string]bool
	members     map[string]bool
	messages    []domain.Message
}

// AddChannel creates a channel. subscribers are identities that will see it
// in their subscribed list.
func (p *ChatProvider) AddChannel(sid, unique, friendly string, subscribers ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addChannelLocked(sid, unique, friendly, subscribers...)
}

func (p *ChatProvider) addChannelLocked(sid, unique, friendly string, subscribers ...string) *channelState {
	ch := &channelState{
		sid: sid, unique: unique, friendly: friendly,
		subscribers: make(map[string]bool),
		members:     make(map[string]bool),
	}
	for _, s := range subscribers {
		ch.subscribers[s] = true
	}
	p.channels = append(p.channels, ch)
	return ch
}

// Seed appends a message to history without emitting it.
func (p *ChatProvider) Seed(sid string, msg domain.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.channels {
		if ch.sid == sid {
			ch.messages = append(ch.messages, msg)
		}
	}
}

// Calls returns the lookup log: "subscribed", "unique:<name>", "sid:<name>".
func (p *ChatProvider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *ChatProvider) Clients() []*ChatClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*ChatClient(nil), p.clients...)
}

func (p *ChatProvider) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *ChatProvider) Connect(_ context.Context, token string) (core.ChatClient, error) {
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	c := &ChatClient{provider: p, identity: identityFromToken(token), tokens: []string{token}}
	p.mu.Lock()
	p.clients = append(p.clients, c)
	p.mu.Unlock()
	return c, nil
}

func (p *ChatProvider) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

type ChatClient struct {
	core.Listeners

	provider *ChatProvider
	identity string

	mu        sync.Mutex
	tokens    []string
	shutdowns int
}

var (
	_ core.ChatClient = (*ChatClient)(nil)
	_ core.Channel    = (*Channel)(nil)
)

func (c *ChatClient) Identity() string { return c.identity }

func (c *ChatClient) SubscribedChannels(context.Context) ([]core.Channel, error) {
	c.provider.record("subscribed")
	c.provider.mu.Lock()
	defer c.provider.mu.Unlock()
	var out []core.Channel
	for _, ch := range c.provider.channels {
		if ch.subscribers[c.identity] {
			out = append(out, &Channel{state: ch, client: c})
		}
	}
	return out, nil
}

func (c *ChatClient) ChannelByUniqueName(_ context.Context, name string) (core.Channel, error) {
	c.provider.record("unique:" + name)
	return c.find(func(ch *channelState) bool { return ch.unique == name })
}

func (c *ChatClient) ChannelBySID(_ context.Context, sid string) (core.Channel, error) {
	c.provider.record("sid:" + sid)
	return c.find(func(ch *channelState) bool { return ch.sid == sid })
}

func (c *ChatClient) find(match func(*channelState) bool) (core.Channel, error) {
	c.provider.mu.Lock()
	defer c.provider.mu.Unlock()
	for _, ch := range c.provider.channels {
		if match(ch) {
			return &Channel{state: ch, client: c}, nil
		}
	}
	return nil, core.ErrChannelNotFound
}

func (c *ChatClient) UpdateToken(_ context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = append(c.tokens, token)
	return nil
}

func (c *ChatClient) Tokens() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.tokens...)
}

func (c *ChatClient) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdowns++
}

func (c *ChatClient) Shutdowns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdowns
}

// ExpireSoon emits the provider's token-about-to-expire signal.
func (c *ChatClient) ExpireSoon() {
	c.Emit(core.Event{Kind: core.EventTokenAboutToExpire})
}

// Channel is one client's handle on a shared channel.
type Channel struct {
	state  *channelState
	client *ChatClient
}

func (ch *Channel) On(kind core.EventKind, h core.Handler) core.HandlerID {
	return ch.state.On(kind, h)
}

func (ch *Channel) Off(kind core.EventKind, id core.HandlerID) { ch.state.Off(kind, id) }

func (ch *Channel) SID() string          { return ch.state.sid }
func (ch *Channel) UniqueName() string   { return ch.state.unique }
func (ch *Channel) FriendlyName() string { return ch.state.friendly }

func (ch *Channel) Join(context.Context) error {
	p := ch.client.provider
	if p.JoinErr != nil {
		return p.JoinErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch.state.members[ch.client.identity] {
		return &core.ProviderError{Code: core.CodeAlreadyJoined, Message: "Member already exists"}
	}
	ch.state.members[ch.client.identity] = true
	return nil
}

// MarkJoined makes identity a member without going through Join.
func (p *ChatProvider) MarkJoined(sid, identity string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.channels {
		if ch.sid == sid {
			ch.members[identity] = true
		}
	}
}

// ListenerCount reports how many handlers are registered on channel sid.
func (p *ChatProvider) ListenerCount(sid string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.channels {
		if ch.sid == sid {
			return ch.Count()
		}
	}
	return 0
}

func (ch *Channel) Messages(context.Context) ([]domain.Message, error) {
	p := ch.client.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Message(nil), ch.state.messages...), nil
}

func (ch *Channel) Send(_ context.Context, body string) error {
	p := ch.client.provider
	if p.SendErr != nil {
		return p.SendErr
	}
	msg := domain.Message{Author: ch.client.identity, Body: body, Timestamp: p.now()}
	p.mu.Lock()
	msg.SID = ch.state.sid + "-" + strconv.Itoa(len(ch.state.messages)+1)
	ch.state.messages = append(ch.state.messages, msg)
	p.mu.Unlock()
	ch.state.Emit(core.Event{Kind: core.EventMessageAdded, Message: msg})
	return nil
}

// Create is what a backend does on an auto-create token request.
func (p *ChatProvider) Create(sid, unique, friendly string) {
	p.AddChannel(sid, unique, friendly)
}
