package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/broadcast"
	"boardsync/domain"
	"boardsync/engine"
	"boardsync/storage"
	"boardsync/ws"
)

const gatewaySecret = "gateway-test-secret"

type fixture struct {
	store *storage.Memory
	url   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("AUTH0_TEST_MODE", "1")
	t.Setenv("TEST_JWT_SECRET", gatewaySecret)

	store := storage.NewMemory()
	store.PutProject(domain.Project{ID: "p1", OwnerID: "owner", Members: []string{"member"}})
	store.PutProject(domain.Project{ID: "p2", OwnerID: "other"})
	store.PutBoard(domain.Board{ID: "b1", ProjectID: "p1"})
	store.PutColumn(domain.Column{ID: "todo", BoardID: "b1", Title: "To do", Position: 0, WIPLimit: 2})
	store.PutColumn(domain.Column{ID: "backlog", BoardID: "b1", Title: "Backlog", Position: 1})
	store.PutCard(domain.Card{ID: "x", ColumnID: "todo", Position: 0, Title: "X"})
	store.PutCard(domain.Card{ID: "y", ColumnID: "todo", Position: 1, Title: "Y"})
	store.PutCard(domain.Card{ID: "z", ColumnID: "backlog", Position: 0, Title: "Z"})

	logger := log.New()
	registry := ws.NewRegistry()
	router := broadcast.NewRouter(registry, nil, nil, logger)
	eng := engine.New(store, router)
	auth := ws.NewAuth(nil, "", "")
	gateway := ws.NewGateway(auth, store, registry, eng, []string{"https://board.example.com"}, logger)

	e := echo.New()
	e.GET("/ws", gateway.Handle)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return &fixture{store: store, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(gatewaySecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (f *fixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url+"?token="+token(t, userID), nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		t.Fatalf("send %s: %v", event, err)
	}
}

func recvFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var f frame
	if err := conn.ReadJSON(&f); err == nil {
		t.Fatalf("expected no frame, got %s", f.Event)
	}
}

func expectError(t *testing.T, conn *websocket.Conn, message string) {
	t.Helper()
	f := recvFrame(t, conn)
	if f.Event != "error" {
		t.Fatalf("expected error frame, got %s", f.Event)
	}
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Message != message {
		t.Fatalf("error message = %q, want %q", payload.Message, message)
	}
}

func joinProject(t *testing.T, conn *websocket.Conn, projectID string) {
	t.Helper()
	send(t, conn, "join-room", map[string]string{"projectId": projectID})
	f := recvFrame(t, conn)
	if f.Event != "project-joined" {
		t.Fatalf("expected project-joined, got %s", f.Event)
	}
}

func TestConnectRejectsMissingToken(t *testing.T) {
	f := newFixture(t)
	_, resp, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err == nil {
		t.Fatal("expected handshake to fail without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestConnectRejectsDisallowedOrigin(t *testing.T) {
	f := newFixture(t)
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(f.url+"?token="+token(t, "owner"), header)
	if err == nil {
		t.Fatal("expected handshake to fail for disallowed origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}

func TestConnectAcceptsAllowedOrigin(t *testing.T) {
	f := newFixture(t)
	header := http.Header{"Origin": []string{"https://board.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(f.url+"?token="+token(t, "owner"), header)
	if err != nil {
		t.Fatalf("dial with allowed origin: %v", err)
	}
	_ = conn.Close()
}

func TestJoinRoomNonMemberDenied(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "owner") // owner of p1, not a member of p2

	send(t, conn, "join-room", map[string]string{"projectId": "p2"})
	expectError(t, conn, "Access denied to project")

	// A later mutation in p2's scope must never reach this session. The
	// membership check also keeps the session from mutating p2 itself.
	send(t, conn, "move-card", map[string]any{"projectId": "p2", "cardId": "z", "columnId": "todo", "index": 0})
	expectError(t, conn, "Access denied to project")
	expectNoFrame(t, conn)
}

func TestJoinRoomUnknownProject(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "owner")
	send(t, conn, "join-room", map[string]string{"projectId": "ghost"})
	expectError(t, conn, "not found")
}

func TestCardCreateBroadcastsToProjectRoom(t *testing.T) {
	f := newFixture(t)
	owner := f.dial(t, "owner")
	member := f.dial(t, "member")
	joinProject(t, owner, "p1")
	joinProject(t, member, "p1")

	send(t, member, "create-card", map[string]string{"projectId": "p1", "columnId": "backlog", "title": "New card"})

	for _, conn := range []*websocket.Conn{owner, member} {
		fr := recvFrame(t, conn)
		if fr.Event != "card-created" {
			t.Fatalf("expected card-created, got %s", fr.Event)
		}
		var env struct {
			Type        string `json:"type"`
			ActorUserID string `json:"actorUserId"`
			ProjectID   string `json:"projectId"`
			Timestamp   int64  `json:"timestamp"`
			Payload     struct {
				Card domain.Card `json:"card"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(fr.Data, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Type != "card-created" || env.ActorUserID != "member" || env.ProjectID != "p1" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
		if env.Payload.Card.Title != "New card" || env.Payload.Card.Position != 1 {
			t.Fatalf("unexpected card payload: %+v", env.Payload.Card)
		}
		if env.Timestamp == 0 {
			t.Fatal("expected a timestamp")
		}
	}
}

func TestMoveCapacityRejectedOnlyRequesterNotified(t *testing.T) {
	f := newFixture(t)
	owner := f.dial(t, "owner")
	member := f.dial(t, "member")
	joinProject(t, owner, "p1")
	joinProject(t, member, "p1")

	// todo has wipLimit=2 and holds [x y]; moving z into it must fail.
	send(t, owner, "move-card", map[string]any{"projectId": "p1", "cardId": "z", "columnId": "todo", "index": 0})
	expectError(t, owner, "column capacity exceeded")
	expectNoFrame(t, member)

	// Board state must be exactly the pre-request state.
	view, err := f.store.FetchBoard(context.Background(), "p1")
	if err != nil {
		t.Fatalf("fetch board: %v", err)
	}
	for _, col := range view.Columns {
		switch col.ID {
		case "todo":
			if len(col.Cards) != 2 || col.Cards[0].ID != "x" || col.Cards[1].ID != "y" {
				t.Fatalf("todo changed: %+v", col.Cards)
			}
		case "backlog":
			if len(col.Cards) != 1 || col.Cards[0].ID != "z" || col.Cards[0].Position != 0 {
				t.Fatalf("backlog changed: %+v", col.Cards)
			}
		}
	}
}

func TestMoveBroadcastsAuthoritativeRecord(t *testing.T) {
	f := newFixture(t)
	owner := f.dial(t, "owner")
	joinProject(t, owner, "p1")

	// Stale index well past the end must be clamped, and the broadcast
	// must carry the clamped position, not the requested one.
	send(t, owner, "move-card", map[string]any{"projectId": "p1", "cardId": "x", "columnId": "backlog", "index": 50})
	fr := recvFrame(t, owner)
	if fr.Event != "card-moved" {
		t.Fatalf("expected card-moved, got %s", fr.Event)
	}
	var env struct {
		Payload struct {
			Card domain.Card `json:"card"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(fr.Data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Payload.Card.ColumnID != "backlog" || env.Payload.Card.Position != 1 {
		t.Fatalf("expected clamped position 1 in backlog, got %+v", env.Payload.Card)
	}
}

func TestLeaveRoomStopsDelivery(t *testing.T) {
	f := newFixture(t)
	owner := f.dial(t, "owner")
	member := f.dial(t, "member")
	joinProject(t, owner, "p1")
	joinProject(t, member, "p1")

	send(t, member, "leave-room", map[string]string{"projectId": "p1"})
	// leave-room has no ack; give the server a moment to process it.
	time.Sleep(100 * time.Millisecond)

	send(t, owner, "delete-card", map[string]string{"projectId": "p1", "cardId": "z"})
	fr := recvFrame(t, owner)
	if fr.Event != "card-deleted" {
		t.Fatalf("expected card-deleted, got %s", fr.Event)
	}
	// The envelope carries the record as it was before deletion.
	var env struct {
		Payload struct {
			Card domain.Card `json:"card"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(fr.Data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Payload.Card.ID != "z" || env.Payload.Card.ColumnID != "backlog" {
		t.Fatalf("unexpected deleted card payload: %+v", env.Payload.Card)
	}
	expectNoFrame(t, member)
}

func TestMutationRequiresJoinedRoom(t *testing.T) {
	f := newFixture(t)
	member := f.dial(t, "member") // member of p1 but has not joined the room

	send(t, member, "create-card", map[string]string{"projectId": "p1", "columnId": "todo", "title": "sneak"})
	expectError(t, member, "Access denied to project")
}

func TestMalformedFrameReportsInvalidRequest(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "owner")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectError(t, conn, "invalid request")

	send(t, conn, "join-room", map[string]string{})
	expectError(t, conn, "invalid request")

	send(t, conn, "no-such-event", map[string]string{})
	expectError(t, conn, "invalid request")
}

func TestUpdateCardBroadcasts(t *testing.T) {
	f := newFixture(t)
	owner := f.dial(t, "owner")
	joinProject(t, owner, "p1")

	send(t, owner, "update-card", map[string]string{"projectId": "p1", "cardId": "x", "title": "Renamed"})
	fr := recvFrame(t, owner)
	if fr.Event != "card-updated" {
		t.Fatalf("expected card-updated, got %s", fr.Event)
	}
}
