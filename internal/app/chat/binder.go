package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

type Options struct {
	// CreateGrace is how long to wait for a requested channel to propagate.
	CreateGrace time.Duration
	// RefreshTimeout bounds one token refresh.
	RefreshTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{CreateGrace: 2 * time.Second, RefreshTimeout: 10 * time.Second}
}

type Params struct {
	Room        domain.RoomID
	Identity    string
	Role        domain.Role
	DisplayName string
}

// Binder resolves, joins and streams the chat channel paired with a room.
type Binder struct {
	tokens    core.TokenIssuer
	connector core.ChatConnector
	opts      Options
	logger    zerolog.Logger

	mu          sync.Mutex
	state       State
	err         error
	epoch       uint64
	joinCancel  context.CancelFunc
	sessCtx     context.Context
	sessCancel  context.CancelFunc
	ident       domain.SessionIdentity
	displayName string

	client      core.ChatClient
	channel     core.Channel
	clientSubs  *core.Subscriptions
	channelSubs *core.Subscriptions
	messages    []domain.Message
	names       domain.DisplayNames

	refreshes sync.WaitGroup
}

func NewBinder(tokens core.TokenIssuer, connector core.ChatConnector, opts Options) *Binder {
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultOptions().RefreshTimeout
	}
	return &Binder{
		tokens:      tokens,
		connector:   connector,
		opts:        opts,
		logger:      log.With().Str("module", "app.chat").Logger(),
		clientSubs:  &core.Subscriptions{},
		channelSubs: &core.Subscriptions{},
		names:       domain.DisplayNames{},
	}
}

func tokenRequest(ident domain.SessionIdentity, displayName string, autoCreate bool) core.ChatTokenRequest {
	return core.ChatTokenRequest{
		Identity:    ident.ChannelIdentity(),
		UserType:    string(ident.Role.ChannelRole()),
		Room:        ident.Room.Base(),
		DisplayName: displayName,
		AutoCreate:  autoCreate,
	}
}

// Join resolves and joins the room's channel. It is a no-op while a join is
// in flight or done.
func (b *Binder) Join(ctx context.Context, p Params) error {
	ident, err := domain.NewSessionIdentity(p.Identity, p.Role, p.Room)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.state == StateJoining || b.state == StateJoined {
		b.mu.Unlock()
		return nil
	}
	// a failed attempt may still hold a client
	staleClientSubs, staleChannelSubs, staleClient := b.clientSubs, b.channelSubs, b.client
	b.clientSubs, b.channelSubs = &core.Subscriptions{}, &core.Subscriptions{}
	b.client, b.channel = nil, nil
	b.epoch++
	epoch := b.epoch
	ctx, cancel := context.WithCancel(ctx)
	b.joinCancel = cancel
	if b.sessCancel != nil {
		b.sessCancel()
	}
	b.sessCtx, b.sessCancel = context.WithCancel(context.WithoutCancel(ctx))
	b.state = StateJoining
	b.err = nil
	b.ident = ident
	b.displayName = p.DisplayName
	b.messages = nil
	b.names = domain.DisplayNames{}
	if p.DisplayName != "" {
		b.names[ident.ChannelIdentity()] = p.DisplayName
	}
	b.mu.Unlock()
	defer cancel()

	staleChannelSubs.Release()
	staleClientSubs.Release()
	if staleClient != nil {
		staleClient.Shutdown()
	}

	logger := b.logger.With().Str("room", string(p.Room)).Str("identity", ident.ChannelIdentity()).Logger()
	logger.Info().Msg("joining conversation")

	tok, err := b.tokens.ChatToken(ctx, tokenRequest(ident, p.DisplayName, false))
	if err != nil {
		return b.fail(epoch, fmt.Errorf("%w: %w", domain.ErrToken, err))
	}
	b.seedNames(epoch, tok.Participants)

	client, err := b.connector.Connect(ctx, tok.Token)
	if err != nil {
		return b.fail(epoch, fmt.Errorf("%w: connect: %w", domain.ErrJoin, err))
	}

	b.mu.Lock()
	if b.epoch != epoch {
		b.mu.Unlock()
		client.Shutdown()
		return domain.ErrSessionClosed
	}
	b.client = client
	b.clientSubs.Add(client, core.EventTokenAboutToExpire, func(core.Event) { b.startRefresh(epoch) })
	b.clientSubs.Add(client, core.EventTokenExpired, b.guard(epoch, func(core.Event) {
		b.failLocked(fmt.Errorf("%w: chat token expired", domain.ErrToken))
	}))
	b.clientSubs.Add(client, core.EventConnectionError, b.guard(epoch, func(ev core.Event) {
		b.failLocked(fmt.Errorf("%w: connection lost: %w", domain.ErrJoin, ev.Err))
	}))
	b.mu.Unlock()

	ch, err := b.resolve(ctx, epoch, client, ident, p.DisplayName)
	if err != nil {
		return b.fail(epoch, err)
	}

	if err := ch.Join(ctx); err != nil {
		if !core.IsAlreadyJoined(err) {
			return b.fail(epoch, fmt.Errorf("%w: %w", domain.ErrJoin, err))
		}
		logger.Debug().Str("sid", ch.SID()).Msg("already a member")
	}

	history, err := ch.Messages(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("history fetch failed, starting empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.epoch != epoch {
		return domain.ErrSessionClosed
	}
	b.channel = ch
	b.messages = append(b.messages, history...)
	// Live messages are appended after history; nothing dedupes a message
	// that lands between the fetch and this subscription.
	b.channelSubs.Add(ch, core.EventMessageAdded, b.guard(epoch, func(ev core.Event) {
		b.messages = append(b.messages, ev.Message)
	}))
	b.state = StateJoined
	b.joinCancel = nil
	logger.Info().Str("sid", ch.SID()).Int("history", len(history)).Msg("conversation joined")
	return nil
}

func (b *Binder) seedNames(epoch uint64, p *core.ParticipantNames) {
	if p == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.epoch != epoch {
		return
	}
	self := b.ident.ChannelIdentity()
	set := func(role domain.Role, name string) {
		id := domain.ChannelIdentityFor(role, b.ident.Room)
		if name == "" || (id == self && b.displayName != "") {
			return
		}
		b.names[id] = name
	}
	set(domain.RolePatient, p.Patient)
	set(domain.RoleDoctor, p.Doctor)
}

func (b *Binder) guard(epoch uint64, fn func(core.Event)) core.Handler {
	return func(ev core.Event) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.epoch != epoch {
			return
		}
		fn(ev)
	}
}

func (b *Binder) fail(epoch uint64, err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.epoch != epoch {
		return domain.ErrSessionClosed
	}
	b.joinCancel = nil
	b.failLocked(err)
	return err
}

func (b *Binder) failLocked(err error) {
	b.state = StateFailed
	b.err = err
	b.logger.Error().Err(err).Str("room", string(b.ident.Room)).Msg("conversation failed")
}

// startRefresh fetches a fresh token off the provider's event goroutine.
// Failures are only logged: an expired token surfaces later as a
// connection error.
func (b *Binder) startRefresh(epoch uint64) {
	b.mu.Lock()
	if b.epoch != epoch || b.client == nil {
		b.mu.Unlock()
		return
	}
	client, ident, name, sess := b.client, b.ident, b.displayName, b.sessCtx
	b.refreshes.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.refreshes.Done()
		ctx, cancel := context.WithTimeout(sess, b.opts.RefreshTimeout)
		defer cancel()

		tok, err := b.tokens.ChatToken(ctx, tokenRequest(ident, name, false))
		if err != nil {
			b.logger.Warn().Err(err).Str("room", string(ident.Room)).Msg("chat token refresh failed")
			return
		}
		if err := client.UpdateToken(ctx, tok.Token); err != nil {
			b.logger.Warn().Err(err).Str("room", string(ident.Room)).Msg("chat token update rejected")
			return
		}
		b.logger.Debug().Str("room", string(ident.Room)).Msg("chat token refreshed")
	}()
}

// Send posts text to the joined channel. Blank text is ignored. Failures
// are returned once; nothing is queued or retried.
func (b *Binder) Send(ctx context.Context, text string) error {
	body := strings.TrimSpace(text)
	if body == "" {
		return nil
	}
	b.mu.Lock()
	ch, joined, room := b.channel, b.state == StateJoined, b.ident.Room
	b.mu.Unlock()
	if !joined || ch == nil {
		return domain.ErrNotJoined
	}
	if err := ch.Send(ctx, body); err != nil {
		b.logger.Warn().Err(err).Str("room", string(room)).Msg("send failed")
		return fmt.Errorf("%w: %w", domain.ErrSend, err)
	}
	return nil
}

// Leave drops the subscription and shuts the client down. Idempotent.
func (b *Binder) Leave() {
	b.mu.Lock()
	if b.state == StateIdle && b.client == nil && b.joinCancel == nil {
		b.mu.Unlock()
		return
	}
	b.epoch++
	if b.joinCancel != nil {
		b.joinCancel()
		b.joinCancel = nil
	}
	if b.sessCancel != nil {
		b.sessCancel()
		b.sessCancel = nil
	}
	clientSubs, channelSubs, client := b.clientSubs, b.channelSubs, b.client
	b.clientSubs, b.channelSubs = &core.Subscriptions{}, &core.Subscriptions{}
	b.client, b.channel = nil, nil
	room := b.ident.Room
	b.messages = nil
	b.names = domain.DisplayNames{}
	b.ident = domain.SessionIdentity{}
	b.displayName = ""
	b.state = StateIdle
	b.err = nil
	b.mu.Unlock()

	channelSubs.Release()
	clientSubs.Release()
	if client != nil {
		client.Shutdown()
	}
	b.refreshes.Wait()
	b.logger.Info().Str("room", string(room)).Msg("conversation left")
}

func (b *Binder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Binder) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	self := b.ident.ChannelIdentity()
	s := Snapshot{
		State:    b.state,
		Err:      b.err,
		Messages: make([]MessageView, 0, len(b.messages)),
		Names:    make(domain.DisplayNames, len(b.names)),
	}
	if b.ident.Raw != "" {
		s.Identity = self
	}
	if b.channel != nil {
		s.ChannelSID = b.channel.SID()
		s.ChannelName = b.channel.FriendlyName()
	}
	for k, v := range b.names {
		s.Names[k] = v
	}
	for _, m := range b.messages {
		s.Messages = append(s.Messages, MessageView{
			Message:    m,
			Mine:       m.IsFrom(self),
			AuthorName: b.names.Name(m.Author),
		})
	}
	return s
}
