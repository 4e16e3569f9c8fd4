package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

// lookup is one step of the channel search. Steps run in order and the
// first one returning a channel wins.
type lookup struct {
	name string
	find func(ctx context.Context) (core.Channel, error)
}

func subscribedLookup(client core.ChatClient, room domain.RoomID) lookup {
	return lookup{
		name: "subscribed",
		find: func(ctx context.Context) (core.Channel, error) {
			channels, err := client.SubscribedChannels(ctx)
			if err != nil {
				return nil, err
			}
			for _, ch := range channels {
				if room.MatchesFriendlyName(ch.FriendlyName()) {
					return ch, nil
				}
			}
			return nil, core.ErrChannelNotFound
		},
	}
}

// directLookups tries every candidate name, unique name first, then SID.
func directLookups(client core.ChatClient, room domain.RoomID) []lookup {
	candidates := room.ChannelCandidates()
	out := make([]lookup, 0, 2*len(candidates))
	for _, name := range candidates {
		out = append(out,
			lookup{
				name: "unique:" + name,
				find: func(ctx context.Context) (core.Channel, error) { return client.ChannelByUniqueName(ctx, name) },
			},
			lookup{
				name: "sid:" + name,
				find: func(ctx context.Context) (core.Channel, error) { return client.ChannelBySID(ctx, name) },
			},
		)
	}
	return out
}

// firstMatch runs steps in order. Lookup errors mean "not here" and the
// search moves on; only a done context stops it early.
func firstMatch(ctx context.Context, logger zerolog.Logger, steps []lookup) (core.Channel, error) {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ch, err := step.find(ctx)
		if err == nil && ch != nil {
			logger.Debug().Str("step", step.name).Str("sid", ch.SID()).Msg("channel resolved")
			return ch, nil
		}
		if err != nil && !errors.Is(err, core.ErrChannelNotFound) {
			logger.Debug().Err(err).Str("step", step.name).Msg("lookup failed")
		}
	}
	return nil, nil
}

// resolve finds the channel paired with the room, asking the backend to
// create it when every lookup misses.
// A context that ends mid-search is reported as a join failure.
func (b *Binder) resolve(ctx context.Context, epoch uint64, client core.ChatClient, ident domain.SessionIdentity, displayName string) (core.Channel, error) {
	logger := b.logger.With().Str("room", string(ident.Room)).Logger()
	direct := directLookups(client, ident.Room)

	ch, err := firstMatch(ctx, logger, append([]lookup{subscribedLookup(client, ident.Room)}, direct...))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrJoin, err)
	}
	if ch != nil {
		return ch, nil
	}

	logger.Info().Msg("channel not found, requesting creation")
	tok, err := b.tokens.ChatToken(ctx, tokenRequest(ident, displayName, true))
	if err != nil {
		logger.Warn().Err(err).Msg("channel creation request failed")
	} else {
		b.seedNames(epoch, tok.Participants)
	}

	if b.opts.CreateGrace > 0 {
		timer := time.NewTimer(b.opts.CreateGrace)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %w", domain.ErrJoin, ctx.Err())
		case <-timer.C:
		}
	}

	ch, err = firstMatch(ctx, logger, direct)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrJoin, err)
	}
	if ch == nil {
		return nil, fmt.Errorf("%w: room %s", domain.ErrConversationNotFound, ident.Room)
	}
	return ch, nil
}
