package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/engine"
)

// Verifier authenticates a connection's credentials.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// ProjectRepository is the membership lookup collaborator. Membership is
// re-evaluated on every join request, never cached from connection start.
type ProjectRepository interface {
	FindProject(ctx context.Context, projectID string) (domain.Project, error)
	IsMember(ctx context.Context, projectID, userID string) (bool, error)
}

// CardService is the mutating surface of the ordering engine.
type CardService interface {
	CreateCard(ctx context.Context, actorID, projectID, columnID string, fields domain.CardFields) (engine.Result, error)
	MoveCard(ctx context.Context, actorID, projectID, cardID, destColumnID string, destIndex int) (engine.Result, error)
	UpdateCard(ctx context.Context, actorID, projectID, cardID string, fields domain.CardFields) (engine.Result, error)
	DeleteCard(ctx context.Context, actorID, projectID, cardID string) (engine.Result, error)
}

// Gateway owns the websocket endpoint: origin gating, connect-time
// authentication, session lifecycle and event dispatch.
type Gateway struct {
	auth     Verifier
	projects ProjectRepository
	registry *Registry
	cards    CardService
	logger   *log.Logger
	origins  []string
	upgrader websocket.Upgrader
}

// NewGateway wires a Gateway. allowedOrigins is the configuration-provided
// allow list; connections from other origins are rejected before any
// session state exists.
func NewGateway(auth Verifier, projects ProjectRepository, registry *Registry, cards CardService, allowedOrigins []string, logger *log.Logger) *Gateway {
	g := &Gateway{
		auth:     auth,
		projects: projects,
		registry: registry,
		cards:    cards,
		logger:   logger,
		origins:  allowedOrigins,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return g.originAllowed(r.Header.Get("Origin")) },
	}
	return g
}

func (g *Gateway) originAllowed(origin string) bool {
	if origin == "" {
		return true // non-browser client
	}
	for _, allowed := range g.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Handle upgrades the request to a websocket session. An unverifiable
// identity terminates the handshake; nothing else is recoverable at this
// stage.
func (g *Gateway) Handle(c echo.Context) error {
	req := c.Request()
	if !g.originAllowed(req.Header.Get("Origin")) {
		return c.NoContent(http.StatusForbidden)
	}

	token := req.URL.Query().Get("token")
	if token == "" {
		if h := req.Header.Get(echo.HeaderAuthorization); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	identity, err := g.auth.Verify(token)
	if err != nil {
		return c.String(http.StatusUnauthorized, domain.ErrUnauthorized.Error())
	}

	conn, err := g.upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		return err
	}

	sess := newSession(identity.UserID, conn)
	// The private room name comes from the verified identity only; a
	// client can never subscribe to another user's private room.
	g.registry.Subscribe(sess, domain.RoomUser(identity.UserID))
	go sess.writePump()

	g.logger.WithFields(log.Fields{"session": sess.ID, "user": sess.UserID}).Debug("session connected")
	g.readLoop(req.Context(), sess, conn)

	g.registry.Remove(sess)
	sess.close()
	g.logger.WithFields(log.Fields{"session": sess.ID, "user": sess.UserID}).Debug("session disconnected")
	return nil
}

func (g *Gateway) readLoop(ctx context.Context, sess *Session, conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		g.dispatch(ctx, sess, data)
	}
}

type joinRoomRequest struct {
	ProjectID string `json:"projectId"`
}

type createCardRequest struct {
	ProjectID   string `json:"projectId"`
	ColumnID    string `json:"columnId"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type moveCardRequest struct {
	ProjectID string `json:"projectId"`
	CardID    string `json:"cardId"`
	ColumnID  string `json:"columnId"`
	Index     int    `json:"index"`
}

type updateCardRequest struct {
	ProjectID   string `json:"projectId"`
	CardID      string `json:"cardId"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type deleteCardRequest struct {
	ProjectID string `json:"projectId"`
	CardID    string `json:"cardId"`
}

func (g *Gateway) dispatch(ctx context.Context, sess *Session, data []byte) {
	var frame clientFrame
	if err := sonic.ConfigStd.Unmarshal(data, &frame); err != nil {
		g.sendError(sess, domain.ErrInvalidRequest)
		return
	}

	// A committed mutation must survive the requester disconnecting
	// mid-request, so the mutation path runs on a detached context.
	opCtx := context.WithoutCancel(ctx)

	switch frame.Event {
	case EvJoinRoom:
		var req joinRoomRequest
		if decode(frame.Data, &req) != nil || req.ProjectID == "" {
			g.sendError(sess, domain.ErrInvalidRequest)
			return
		}
		g.handleJoin(ctx, sess, req.ProjectID)
	case EvLeaveRoom:
		var req joinRoomRequest
		if decode(frame.Data, &req) != nil || req.ProjectID == "" {
			g.sendError(sess, domain.ErrInvalidRequest)
			return
		}
		g.registry.Unsubscribe(sess, domain.RoomProject(req.ProjectID))
	case EvCreateCard:
		var req createCardRequest
		if decode(frame.Data, &req) != nil || req.ProjectID == "" || req.ColumnID == "" || req.Title == "" {
			g.sendError(sess, domain.ErrInvalidRequest)
			return
		}
		if !g.requireRoom(sess, req.ProjectID) {
			return
		}
		fields := domain.CardFields{Title: req.Title, Description: req.Description}
		if _, err := g.cards.CreateCard(opCtx, sess.UserID, req.ProjectID, req.ColumnID, fields); err != nil {
			g.sendError(sess, err)
		}
	case EvMoveCard:
		var req moveCardRequest
		if decode(frame.Data, &req) != nil || req.ProjectID == "" || req.CardID == "" || req.ColumnID == "" {
			g.sendError(sess, domain.ErrInvalidRequest)
			return
		}
		if !g.requireRoom(sess, req.ProjectID) {
			return
		}
		if _, err := g.cards.MoveCard(opCtx, sess.UserID, req.ProjectID, req.CardID, req.ColumnID, req.Index); err != nil {
			g.sendError(sess, err)
		}
	case EvUpdateCard:
		var req updateCardRequest
		if decode(frame.Data, &req) != nil || req.ProjectID == "" || req.CardID == "" || req.Title == "" {
			g.sendError(sess, domain.ErrInvalidRequest)
			return
		}
		if !g.requireRoom(sess, req.ProjectID) {
			return
		}
		fields := domain.CardFields{Title: req.Title, Description: req.Description}
		if _, err := g.cards.UpdateCard(opCtx, sess.UserID, req.ProjectID, req.CardID, fields); err != nil {
			g.sendError(sess, err)
		}
	case EvDeleteCard:
		var req deleteCardRequest
		if decode(frame.Data, &req) != nil || req.ProjectID == "" || req.CardID == "" {
			g.sendError(sess, domain.ErrInvalidRequest)
			return
		}
		if !g.requireRoom(sess, req.ProjectID) {
			return
		}
		if _, err := g.cards.DeleteCard(opCtx, sess.UserID, req.ProjectID, req.CardID); err != nil {
			g.sendError(sess, err)
		}
	default:
		g.sendError(sess, domain.ErrInvalidRequest)
	}
}

// handleJoin gates the project room on membership, looked up at join time.
// Failures are reported to the requesting session only.
func (g *Gateway) handleJoin(ctx context.Context, sess *Session, projectID string) {
	if _, err := g.projects.FindProject(ctx, projectID); err != nil {
		g.sendError(sess, domain.ErrNotFound)
		return
	}
	ok, err := g.projects.IsMember(ctx, projectID, sess.UserID)
	if err != nil {
		g.sendError(sess, err)
		return
	}
	if !ok {
		g.sendError(sess, domain.ErrForbidden)
		return
	}
	g.registry.Subscribe(sess, domain.RoomProject(projectID))
	g.sendFrame(sess, EvProjectJoined, joinRoomRequest{ProjectID: projectID})
}

// requireRoom rejects mutations from sessions that have not joined the
// project room.
func (g *Gateway) requireRoom(sess *Session, projectID string) bool {
	if g.registry.InRoom(sess, domain.RoomProject(projectID)) {
		return true
	}
	g.sendError(sess, domain.ErrForbidden)
	return false
}

type errorPayload struct {
	Message string `json:"message"`
}

func (g *Gateway) sendError(sess *Session, err error) {
	msg := "internal error"
	switch {
	case errors.Is(err, domain.ErrForbidden):
		msg = "Access denied to project"
	case errors.Is(err, domain.ErrNotFound):
		msg = "not found"
	case errors.Is(err, domain.ErrCapacityExceeded):
		msg = domain.ErrCapacityExceeded.Error()
	case errors.Is(err, domain.ErrInvalidRequest):
		msg = domain.ErrInvalidRequest.Error()
	default:
		g.logger.WithFields(log.Fields{"session": sess.ID, "user": sess.UserID}).Errorf("request failed: %v", err)
	}
	g.sendFrame(sess, EvError, errorPayload{Message: msg})
}

func (g *Gateway) sendFrame(sess *Session, event string, data any) {
	frame, err := Frame(event, data)
	if err != nil {
		g.logger.Errorf("encode %s frame: %v", event, err)
		return
	}
	sess.Send(frame)
}

func decode(data []byte, v any) error {
	if len(data) == 0 {
		return domain.ErrInvalidRequest
	}
	return sonic.ConfigStd.Unmarshal(data, v)
}
