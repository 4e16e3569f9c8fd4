package app_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Consult/internal/app"
	"github.com/dkeye/Consult/internal/app/host"
	"github.com/dkeye/Consult/internal/core/coretest"
	"github.com/dkeye/Consult/internal/domain"
)

type fakeSession struct {
	room        domain.RoomID
	identity    string
	disconnects atomic.Int32
}

func (s *fakeSession) Room() domain.RoomID { return s.room }
func (s *fakeSession) Identity() string    { return s.identity }
func (s *fakeSession) Disconnect()         { s.disconnects.Add(1) }

func TestRegistry(t *testing.T) {
	t.Run("open replaces and disconnects the previous session", func(t *testing.T) {
		r := app.NewRegistry()
		first := &fakeSession{room: "42", identity: "patient_42"}
		second := &fakeSession{room: "43", identity: "patient_43"}

		ctx1 := r.Open(context.Background(), "c1", first)
		ctx2 := r.Open(context.Background(), "c1", second)

		assert.EqualValues(t, 1, first.disconnects.Load())
		assert.Error(t, ctx1.Err())
		assert.NoError(t, ctx2.Err())

		got, ok := r.Get("c1")
		require.True(t, ok)
		assert.Same(t, second, got)
		assert.Equal(t, 1, r.Len())
	})

	t.Run("close", func(t *testing.T) {
		r := app.NewRegistry()
		s := &fakeSession{room: "42"}
		ctx := r.Open(context.Background(), "c1", s)

		assert.True(t, r.Close("c1"))
		assert.False(t, r.Close("c1"))
		assert.EqualValues(t, 1, s.disconnects.Load())
		assert.Error(t, ctx.Err())
		_, ok := r.Get("c1")
		assert.False(t, ok)
	})

	t.Run("release ignores a replaced session", func(t *testing.T) {
		r := app.NewRegistry()
		old := &fakeSession{room: "42"}
		cur := &fakeSession{room: "42"}
		r.Open(context.Background(), "c1", old)
		r.Open(context.Background(), "c1", cur)

		r.Release("c1", old)
		_, ok := r.Get("c1")
		assert.True(t, ok)

		r.Release("c1", cur)
		_, ok = r.Get("c1")
		assert.False(t, ok)
		assert.EqualValues(t, 1, cur.disconnects.Load())
	})

	t.Run("bound context ends with the binding", func(t *testing.T) {
		r := app.NewRegistry()
		s := &fakeSession{room: "42"}
		opened := r.Open(context.Background(), "c1", s)

		got, ctx, ok := r.Bound("c1")
		require.True(t, ok)
		assert.Same(t, s, got)
		assert.Equal(t, opened, ctx)

		r.Close("c1")
		assert.Error(t, ctx.Err())
		_, _, ok = r.Bound("c1")
		assert.False(t, ok)
	})

	t.Run("close all", func(t *testing.T) {
		r := app.NewRegistry()
		a := &fakeSession{room: "1"}
		b := &fakeSession{room: "2"}
		r.Open(context.Background(), "a", a)
		r.Open(context.Background(), "b", b)

		r.CloseAll()

		assert.Zero(t, r.Len())
		assert.EqualValues(t, 1, a.disconnects.Load())
		assert.EqualValues(t, 1, b.disconnects.Load())
	})
}

func TestRegistry_WithHost(t *testing.T) {
	tokens := &coretest.Tokens{}
	transport := &coretest.Transport{}
	provider := &coretest.ChatProvider{}
	provider.AddChannel("CH1", "42", "Consultation 42")

	h, err := host.New(host.Params{Room: "42", Identity: "doctor_42", Role: domain.RoleDoctor},
		host.Deps{Tokens: tokens, Media: transport, Chat: provider})
	require.NoError(t, err)

	r := app.NewRegistry()
	ctx := r.Open(context.Background(), "c1", h)
	require.NoError(t, h.Connect(ctx))
	require.True(t, h.Snapshot().ChatReady)

	r.CloseAll()
	assert.Equal(t, 1, transport.LastRoom().DisconnectCalls())
	assert.Equal(t, 1, provider.Clients()[0].Shutdowns())
}
