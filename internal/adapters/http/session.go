package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/app"
	"github.com/dkeye/Consult/internal/app/host"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

// Session is the command surface the controller drives.
type Session interface {
	app.Session
	Connect(ctx context.Context) error
	Snapshot() host.Snapshot
	SendMessage(ctx context.Context, text string) error
	ToggleAudio() domain.MediaState
	ToggleVideo() domain.MediaState
	Attach(identity string, kind domain.TrackKind, target core.RenderTarget) error
	Detach(identity string, kind domain.TrackKind, target core.RenderTarget)
}

var _ Session = (*host.Host)(nil)

// SessionFactory builds an unconnected session for one participant.
type SessionFactory func(p host.Params) (Session, error)

type SessionController struct {
	Registry       *app.Registry
	NewSession     SessionFactory
	Limiter        *SendLimiter
	ConnectTimeout time.Duration
	// Base outlives requests; sessions are bound to it.
	Base context.Context
}

type openRequest struct {
	Room     string `json:"room"`
	Identity string `json:"identity"`
	Role     string `json:"role"`
	Name     string `json:"name"`
}

type messageRequest struct {
	Text string `json:"text"`
}

func clientID(c *gin.Context) app.ClientID {
	return app.ClientID(c.GetString("client_token"))
}

func (ctl *SessionController) session(c *gin.Context) (Session, bool) {
	sess, _, ok := ctl.bound(c)
	return sess, ok
}

// bound also returns the context that ends with the session's binding.
func (ctl *SessionController) bound(c *gin.Context) (Session, context.Context, bool) {
	s, ctx, ok := ctl.Registry.Bound(clientID(c))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return nil, nil, false
	}
	sess, ok := s.(Session)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session does not accept commands"})
		return nil, nil, false
	}
	return sess, ctx, true
}

// Open creates the client's session, replacing any previous one, and
// connects it. Partial success is reported through the snapshot.
func (ctl *SessionController) Open(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	params := host.Params{
		Room:        domain.RoomID(strings.TrimSpace(req.Room)),
		Identity:    strings.TrimSpace(req.Identity),
		Role:        role,
		DisplayName: strings.TrimSpace(req.Name),
	}
	sess, err := ctl.NewSession(params)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": domain.Describe(err)})
		return
	}

	cid := clientID(c)
	base := ctl.Base
	if base == nil {
		base = context.Background()
	}
	bound := ctl.Registry.Open(base, cid, sess)
	ctx := bound
	if ctl.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(bound, ctl.ConnectTimeout)
		defer cancel()
	}

	saveProfile(c, req)

	err = sess.Connect(ctx)
	snap := sess.Snapshot()
	logger := log.With().Str("module", "adapters.http").Str("cid", string(cid)).Logger()
	switch {
	case bound.Err() != nil:
		// replaced or closed while connecting
		c.JSON(http.StatusConflict, gin.H{"error": "session was replaced"})
	case err == nil:
		logger.Info().Str("room", string(params.Room)).Msg("session opened")
		c.JSON(http.StatusOK, snap)
	case snap.IsReady || snap.ChatReady:
		logger.Warn().Err(err).Msg("session partially opened")
		c.JSON(http.StatusOK, snap)
	default:
		logger.Warn().Err(err).Msg("session failed")
		ctl.Registry.Release(cid, sess)
		c.JSON(http.StatusBadGateway, snap)
	}
}

func (ctl *SessionController) Snapshot(c *gin.Context) {
	sess, ok := ctl.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess.Snapshot())
}

func (ctl *SessionController) ToggleAudio(c *gin.Context) {
	sess, ok := ctl.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess.ToggleAudio())
}

func (ctl *SessionController) ToggleVideo(c *gin.Context) {
	sess, ok := ctl.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess.ToggleVideo())
}

func (ctl *SessionController) SendMessage(c *gin.Context) {
	sess, ok := ctl.session(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if !ctl.Limiter.Allow(clientID(c)) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many messages"})
		return
	}
	if err := sess.SendMessage(c.Request.Context(), req.Text); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": domain.Describe(err)})
		return
	}
	c.Status(http.StatusNoContent)
}

func (ctl *SessionController) Close(c *gin.Context) {
	cid := clientID(c)
	ctl.Registry.Close(cid)
	ctl.Limiter.Forget(cid)
	c.Status(http.StatusNoContent)
}

// Profile returns what the client last joined with, so a reload can rejoin.
func (ctl *SessionController) Profile(c *gin.Context) {
	s := sessions.Default(c)
	room, _ := s.Get("room").(string)
	if room == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no profile"})
		return
	}
	identity, _ := s.Get("identity").(string)
	role, _ := s.Get("role").(string)
	name, _ := s.Get("name").(string)
	c.JSON(http.StatusOK, openRequest{Room: room, Identity: identity, Role: role, Name: name})
}

func saveProfile(c *gin.Context, req openRequest) {
	s := sessions.Default(c)
	s.Set("room", req.Room)
	s.Set("identity", req.Identity)
	s.Set("role", req.Role)
	s.Set("name", req.Name)
	if err := s.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("save profile")
	}
}

// Render upgrades to a websocket that receives the frames of one track.
// identity is empty for the local participant.
func (ctl *SessionController) Render(c *gin.Context) {
	sess, bound, ok := ctl.bound(c)
	if !ok {
		return
	}
	kind := domain.TrackKind(c.Query("kind"))
	if kind != domain.TrackAudio && kind != domain.TrackVideo {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid kind"})
		return
	}
	identity := c.Query("identity")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	logger := log.With().
		Str("module", "adapters.http").
		Str("cid", string(clientID(c))).
		Str("identity", identity).
		Str("kind", string(kind)).
		Logger()
	target := newRenderTarget(uuid.NewString(), ws, logger)
	if err := sess.Attach(identity, kind, target); err != nil {
		logger.Warn().Err(err).Msg("attach")
		target.closeWith(websocket.CloseGoingAway, err.Error())
		return
	}
	stop := context.AfterFunc(bound, func() {
		target.closeWith(websocket.CloseGoingAway, "session closed")
	})
	go target.writePump()
	go func() {
		target.readPump()
		stop()
		sess.Detach(identity, kind, target)
	}()
}
