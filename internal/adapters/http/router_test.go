package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Consult/internal/app"
	"github.com/dkeye/Consult/internal/app/host"
	"github.com/dkeye/Consult/internal/app/media"
	"github.com/dkeye/Consult/internal/config"
	"github.com/dkeye/Consult/internal/core/coretest"
	"github.com/dkeye/Consult/internal/domain"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	tokens    *coretest.Tokens
	transport *coretest.Transport
	provider  *coretest.ChatProvider
	registry  *app.Registry
	router    *gin.Engine
	cookies   []*http.Cookie
}

func newFixture(t *testing.T, limiter *SendLimiter) *fixture {
	t.Helper()
	f := &fixture{
		tokens:    &coretest.Tokens{},
		transport: &coretest.Transport{},
		provider:  &coretest.ChatProvider{},
		registry:  app.NewRegistry(),
	}
	f.provider.AddChannel("CH42", "consultation_42", "Consultation 42")
	ctl := &SessionController{
		Registry: f.registry,
		NewSession: func(p host.Params) (Session, error) {
			return host.New(p, host.Deps{
				Tokens:       f.tokens,
				Media:        f.transport,
				Chat:         f.provider,
				MediaOptions: media.DefaultOptions(),
			})
		},
		Limiter:        limiter,
		ConnectTimeout: time.Second,
		Base:           context.Background(),
	}
	f.router = SetupRouter(&config.Config{Mode: "test", Secret: "test-secret"}, ctl)
	t.Cleanup(f.registry.CloseAll)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range f.cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	f.keep(w.Result().Cookies())
	return w
}

func (f *fixture) keep(cookies []*http.Cookie) {
	for _, c := range cookies {
		replaced := false
		for i, old := range f.cookies {
			if old.Name == c.Name {
				f.cookies[i] = c
				replaced = true
			}
		}
		if !replaced {
			f.cookies = append(f.cookies, c)
		}
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

type snapshotView struct {
	IsReady    bool   `json:"isReady"`
	ChatReady  bool   `json:"chatReady"`
	AudioMuted bool   `json:"isAudioMuted"`
	ChatError  string `json:"chatError"`
	MediaError string `json:"mediaError"`
	Identity   string `json:"identity"`
	Chat       struct {
		Messages []struct {
			Body string `json:"body"`
			Mine bool   `json:"mine"`
		} `json:"messages"`
	} `json:"chat"`
}

var patientJoin = openRequest{Room: "42", Identity: "patient_42", Role: "patient", Name: "Pat"}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","sessions":0}`, w.Body.String())
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/api/session", patientJoin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	snap := decode[snapshotView](t, w)
	assert.True(t, snap.IsReady)
	assert.True(t, snap.ChatReady)
	assert.Equal(t, "patient_42", snap.Identity)

	w = f.do(t, http.MethodPost, "/api/session/audio", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[domain.MediaState](t, w).AudioMuted)

	w = f.do(t, http.MethodPost, "/api/session/messages", messageRequest{Text: "hello"})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/api/session", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap = decode[snapshotView](t, w)
	assert.True(t, snap.AudioMuted)
	require.Len(t, snap.Chat.Messages, 1)
	assert.Equal(t, "hello", snap.Chat.Messages[0].Body)
	assert.True(t, snap.Chat.Messages[0].Mine)

	w = f.do(t, http.MethodDelete, "/api/session", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, f.transport.LastRoom().DisconnectCalls())

	w = f.do(t, http.MethodGet, "/api/session", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodDelete, "/api/session", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestOpen_Validation(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/api/session", openRequest{Room: "42", Identity: "x", Role: "nurse"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/session", openRequest{Room: " ", Identity: "patient_42", Role: "patient"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Zero(t, f.registry.Len())
	assert.Empty(t, f.tokens.MediaCalls())
}

func TestOpen_PartialFailure(t *testing.T) {
	t.Run("chat failure keeps the call", func(t *testing.T) {
		f := newFixture(t, nil)
		f.tokens.ChatErr = coretest.ErrNetwork

		w := f.do(t, http.MethodPost, "/api/session", patientJoin)
		require.Equal(t, http.StatusOK, w.Code)
		snap := decode[snapshotView](t, w)
		assert.True(t, snap.IsReady)
		assert.False(t, snap.ChatReady)
		assert.Equal(t, domain.Describe(domain.ErrToken), snap.ChatError)
	})

	t.Run("both failing is a bad gateway", func(t *testing.T) {
		f := newFixture(t, nil)
		f.tokens.ChatErr = coretest.ErrNetwork
		f.tokens.MediaErr = coretest.ErrNetwork

		w := f.do(t, http.MethodPost, "/api/session", patientJoin)
		assert.Equal(t, http.StatusBadGateway, w.Code)
		snap := decode[snapshotView](t, w)
		assert.NotEmpty(t, snap.MediaError)
		assert.NotEmpty(t, snap.ChatError)

		assert.Zero(t, f.registry.Len())
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/session", nil).Code)
	})
}

func TestOpen_Replaces(t *testing.T) {
	f := newFixture(t, nil)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/session", patientJoin).Code)
	first := f.transport.LastRoom()
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/session", patientJoin).Code)

	assert.Equal(t, 1, first.DisconnectCalls())
	assert.Equal(t, 1, f.registry.Len())
}

func TestSendMessage_RateLimited(t *testing.T) {
	f := newFixture(t, NewSendLimiter(2, time.Minute))
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/session", patientJoin).Code)

	for i := 0; i < 2; i++ {
		w := f.do(t, http.MethodPost, "/api/session/messages", messageRequest{Text: "hi"})
		require.Equal(t, http.StatusNoContent, w.Code)
	}
	w := f.do(t, http.MethodPost, "/api/session/messages", messageRequest{Text: "hi"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestSendMessage_Failure(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/session", patientJoin).Code)
	f.provider.SendErr = coretest.ErrNetwork

	w := f.do(t, http.MethodPost, "/api/session/messages", messageRequest{Text: "hi"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), domain.Describe(domain.ErrSend))
}

func TestCommandsWithoutSession(t *testing.T) {
	f := newFixture(t, nil)
	for _, path := range []string{"/api/session/audio", "/api/session/video", "/api/session/messages"} {
		w := f.do(t, http.MethodPost, path, messageRequest{Text: "x"})
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestProfile(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/profile", nil).Code)

	f.do(t, http.MethodPost, "/api/session", patientJoin)

	w := f.do(t, http.MethodGet, "/api/profile", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, patientJoin, decode[openRequest](t, w))
}

func (f *fixture) dialRender(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	header := http.Header{}
	for _, c := range f.cookies {
		header.Add("Cookie", c.Name+"="+c.Value)
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/session/render?" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	return ws
}

func TestRender(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/session", patientJoin).Code)
	local := f.transport.LastRoom().Local(domain.TrackVideo)

	ws := f.dialRender(t, "kind=video")
	require.Eventually(t, func() bool { return local.AttachedTargets() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return local.AttachedTargets() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRender_EndsWithSession(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/session", patientJoin).Code)
	local := f.transport.LastRoom().Local(domain.TrackVideo)

	ws := f.dialRender(t, "kind=video")
	defer ws.Close()
	require.Eventually(t, func() bool { return local.AttachedTargets() == 1 }, time.Second, 5*time.Millisecond)

	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/session", nil).Code)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestRender_UnknownTrack(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/session", patientJoin).Code)

	ws := f.dialRender(t, "kind=video&identity=doctor_42")
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestSendLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewSendLimiter(2, 10*time.Second)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	now = now.Add(11 * time.Second)
	assert.True(t, rl.Allow("a"))

	rl.Forget("a")
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	var none *SendLimiter
	assert.True(t, none.Allow("a"))
}
