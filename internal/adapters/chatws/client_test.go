package chatws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Consult/internal/app/chat"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/core/coretest"
	"github.com/dkeye/Consult/internal/domain"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type serverConn struct {
	ws       *websocket.Conn
	mu       sync.Mutex
	identity string
}

func (c *serverConn) write(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteJSON(v)
}

// chatServer is a small in-process chat provider.
type chatServer struct {
	url string

	mu       sync.Mutex
	channels []wireChannel
	members  map[string]bool
	history  map[string][]wireMessage
	conns    []*serverConn
	tokens   []string
	methods  []string
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()
	s := &chatServer{members: map[string]bool{}, history: map[string][]wireMessage{}}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		c := &serverConn{ws: ws}
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		for {
			var req struct {
				ID     string          `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := ws.ReadJSON(&req); err != nil {
				return
			}
			s.serve(c, req.ID, req.Method, req.Params)
		}
	}))
	t.Cleanup(srv.Close)
	s.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return s
}

func (s *chatServer) addChannel(sid, unique, friendly string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = append(s.channels, wireChannel{SID: sid, UniqueName: unique, FriendlyName: friendly})
}

func (s *chatServer) conn(i int) *serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[i]
}

func (s *chatServer) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}

func (s *chatServer) serve(c *serverConn, id, method string, raw json.RawMessage) {
	s.mu.Lock()
	s.methods = append(s.methods, method)
	var p struct {
		Token string `json:"token"`
		Name  string `json:"name"`
		SID   string `json:"sid"`
		Body  string `json:"body"`
	}
	_ = json.Unmarshal(raw, &p)

	var (
		result any
		werr   *wireError
		push   []*serverConn
		pushed frame
	)
	find := func(match func(wireChannel) bool) {
		for _, ch := range s.channels {
			if match(ch) {
				result = ch
				return
			}
		}
		werr = &wireError{Code: codeChannelNotFound, Message: "not found"}
	}

	switch method {
	case methodConnect, methodUpdateToken:
		if p.Token == "" {
			werr = &wireError{Code: 20101, Message: "invalid token"}
			break
		}
		c.identity = strings.TrimPrefix(p.Token, "chat:")
		s.tokens = append(s.tokens, p.Token)
	case methodSubscribed:
		result = []wireChannel{}
	case methodByUniqueName:
		find(func(ch wireChannel) bool { return ch.UniqueName == p.Name })
	case methodBySID:
		find(func(ch wireChannel) bool { return ch.SID == p.SID })
	case methodJoin:
		key := p.SID + "/" + c.identity
		if s.members[key] {
			werr = &wireError{Code: core.CodeAlreadyJoined, Message: "Member already exists"}
			break
		}
		s.members[key] = true
	case methodMessages:
		result = append([]wireMessage{}, s.history[p.SID]...)
	case methodSend:
		msg := wireMessage{
			SID:       p.SID + "-" + strconv.Itoa(len(s.history[p.SID])+1),
			Author:    c.identity,
			Body:      p.Body,
			Timestamp: time.Now().UTC(),
		}
		s.history[p.SID] = append(s.history[p.SID], msg)
		push = append(push, s.conns...)
		pushed = frame{Event: eventMessageAdded, Channel: p.SID, Message: &msg}
	}
	s.mu.Unlock()

	resp := map[string]any{"id": id}
	if werr != nil {
		resp["error"] = werr
	} else if result != nil {
		resp["result"] = result
	}
	c.write(resp)
	for _, pc := range push {
		pc.write(pushed)
	}
}

func connect(t *testing.T, s *chatServer, token string) *Client {
	t.Helper()
	cl, err := NewConnector(Config{URL: s.url, RequestTimeout: timeout}).Connect(context.Background(), token)
	require.NoError(t, err)
	t.Cleanup(cl.Shutdown)
	return cl.(*Client)
}

func TestConnect(t *testing.T) {
	s := newChatServer(t)

	_, err := NewConnector(Config{URL: s.url}).Connect(context.Background(), "")
	var pe *core.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 20101, pe.Code)

	connect(t, s, "chat:patient_42")
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, []string{"chat:patient_42"}, s.tokens)
}

func TestLookups(t *testing.T) {
	s := newChatServer(t)
	s.addChannel("CH1", "consultation_42", "Consultation 42")
	cl := connect(t, s, "chat:patient_42")
	ctx := context.Background()

	_, err := cl.ChannelByUniqueName(ctx, "42")
	assert.ErrorIs(t, err, core.ErrChannelNotFound)

	byName, err := cl.ChannelByUniqueName(ctx, "consultation_42")
	require.NoError(t, err)
	bySID, err := cl.ChannelBySID(ctx, "CH1")
	require.NoError(t, err)
	assert.Same(t, byName, bySID)
	assert.Equal(t, "Consultation 42", bySID.FriendlyName())

	subs, err := cl.SubscribedChannels(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestChannel(t *testing.T) {
	s := newChatServer(t)
	s.addChannel("CH1", "42", "Consultation 42")
	patient := connect(t, s, "chat:patient_42")
	doctor := connect(t, s, "chat:doctor_42")
	ctx := context.Background()

	pch, err := patient.ChannelBySID(ctx, "CH1")
	require.NoError(t, err)
	dch, err := doctor.ChannelBySID(ctx, "CH1")
	require.NoError(t, err)

	require.NoError(t, pch.Join(ctx))
	assert.True(t, core.IsAlreadyJoined(pch.Join(ctx)))
	require.NoError(t, dch.Join(ctx))

	var mu sync.Mutex
	var seen []domain.Message
	dch.On(core.EventMessageAdded, func(ev core.Event) {
		mu.Lock()
		seen = append(seen, ev.Message)
		mu.Unlock()
	})

	require.NoError(t, pch.Send(ctx, "hello doctor"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, timeout, tick)
	assert.Equal(t, "patient_42", seen[0].Author)
	assert.Equal(t, "hello doctor", seen[0].Body)

	history, err := dch.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "CH1-1", history[0].SID)
}

func TestClientEvents(t *testing.T) {
	t.Run("token events", func(t *testing.T) {
		s := newChatServer(t)
		cl := connect(t, s, "chat:patient_42")
		var got []core.EventKind
		var mu sync.Mutex
		record := func(ev core.Event) {
			mu.Lock()
			got = append(got, ev.Kind)
			mu.Unlock()
		}
		cl.On(core.EventTokenAboutToExpire, record)
		cl.On(core.EventTokenExpired, record)

		s.conn(0).write(frame{Event: eventTokenAboutToExpire})
		s.conn(0).write(frame{Event: eventTokenExpired})

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 2
		}, timeout, tick)
		assert.Equal(t, []core.EventKind{core.EventTokenAboutToExpire, core.EventTokenExpired}, got)

		require.NoError(t, cl.UpdateToken(context.Background(), "chat:patient_42"))
	})

	t.Run("lost connection", func(t *testing.T) {
		s := newChatServer(t)
		cl := connect(t, s, "chat:patient_42")
		errs := make(chan error, 1)
		cl.On(core.EventConnectionError, func(ev core.Event) { errs <- ev.Err })

		_ = s.conn(0).ws.Close()

		select {
		case err := <-errs:
			assert.Error(t, err)
		case <-time.After(timeout):
			t.Fatal("no connection error")
		}
		_, err := cl.ChannelBySID(context.Background(), "CH1")
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("shutdown is quiet", func(t *testing.T) {
		s := newChatServer(t)
		cl := connect(t, s, "chat:patient_42")
		errs := make(chan error, 1)
		cl.On(core.EventConnectionError, func(ev core.Event) { errs <- ev.Err })

		cl.Shutdown()
		cl.Shutdown()

		select {
		case err := <-errs:
			t.Fatalf("unexpected connection error: %v", err)
		case <-time.After(50 * time.Millisecond):
		}
		_, err := cl.ChannelBySID(context.Background(), "CH1")
		assert.ErrorIs(t, err, ErrClosed)
	})
}

// The binder resolves and joins through the websocket client the same way
// it does through the in-memory provider.
func TestBinderOverWebsocket(t *testing.T) {
	s := newChatServer(t)
	s.addChannel("CH42", "consultation_42", "Consultation 42")
	tokens := &coretest.Tokens{}
	b := chat.NewBinder(tokens, NewConnector(Config{URL: s.url}), chat.Options{})
	ctx := context.Background()

	require.NoError(t, b.Join(ctx, chat.Params{Room: "42", Identity: "patient_42", Role: domain.RolePatient}))
	require.NoError(t, b.Send(ctx, "hi"))

	require.Eventually(t, func() bool { return len(b.Snapshot().Messages) == 1 }, timeout, tick)
	msg := b.Snapshot().Messages[0]
	assert.True(t, msg.Mine)
	assert.Equal(t, "CH42", b.Snapshot().ChannelSID)

	b.Leave()
	assert.Contains(t, s.calls(), methodJoin)
}
