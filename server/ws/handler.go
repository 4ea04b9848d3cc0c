// Package ws is the websocket transport: it upgrades connections, assigns
// connection ids, verifies optional identity tokens, and relays client
// events into the chat orchestrator.
package ws

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/lithammer/shortuuid/v4"

	"github.com/kt3v/EtherialSoul-Server/internal/ratelimit"
	"github.com/kt3v/EtherialSoul-Server/server/chat"
)

// Dispatcher is the orchestrator surface the transport needs.
type Dispatcher interface {
	Connect(userID string, channel chat.Channel, authUserID string)
	UserMessage(userID, text string)
	TypingStatus(userID string, isTyping bool)
	Stop(userID string)
	EndChat(userID string)
	Disconnect(userID string)
	SetChatMode(userID string, mode chat.ChatMode, initialMessage string)
}

// clientEvent is the envelope for every client-to-server frame. The
// user_message body lives in "message"; "text" is accepted as an alias.
type clientEvent struct {
	Type           string `json:"type"`
	Message        string `json:"message,omitempty"`
	Text           string `json:"text,omitempty"`
	IsTyping       bool   `json:"isTyping,omitempty"`
	Mode           string `json:"mode,omitempty"`
	InitialMessage string `json:"initialMessage,omitempty"`
}

const (
	clientUserMessage  = "user_message"
	clientTypingStatus = "typing_status"
	clientStop         = "stop_ai_response"
	clientEndChat      = "end_chat"
	clientSetChatMode  = "set_chat_mode"
)

// errorFrame mirrors the orchestrator's error event for transport-level
// failures (rate limits, malformed frames).
type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Handler upgrades and serves chat websocket connections.
type Handler struct {
	dispatcher Dispatcher
	limiter    *ratelimit.Limiter
	jwtSecret  string
	upgrader   websocket.Upgrader
}

// NewHandler creates the websocket handler. jwtSecret may be empty; all
// connections are then anonymous.
func NewHandler(dispatcher Dispatcher, limiter *ratelimit.Limiter, jwtSecret string) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		limiter:    limiter,
		jwtSecret:  jwtSecret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins; identity comes
			// from the token, not the origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS serves GET /ws. The connection id is fresh per socket; two tabs
// are two independent conversations.
func (h *Handler) HandleWS(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	userID := "conn-" + shortuuid.New()
	authUserID := h.verifyToken(c.QueryParam("token"))

	conn := newConn(ws)
	h.dispatcher.Connect(userID, conn, authUserID)
	defer func() {
		conn.close()
		h.dispatcher.Disconnect(userID)
		h.limiter.Remove(userID)
	}()

	h.readLoop(userID, ws, conn)
	return nil
}

func (h *Handler) readLoop(userID string, ws *websocket.Conn, conn *Conn) {
	for {
		var ev clientEvent
		if err := ws.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("ws: read failed", "user_id", userID, "error", err)
			}
			return
		}
		if !h.dispatch(userID, conn, ev) {
			return
		}
	}
}

// dispatch routes one client frame. Returns false when the connection
// should close.
func (h *Handler) dispatch(userID string, conn *Conn, ev clientEvent) bool {
	switch ev.Type {
	case clientUserMessage:
		text := ev.Message
		if text == "" {
			text = ev.Text
		}
		if text == "" {
			return true
		}
		if !h.limiter.Allow(userID) {
			slog.Warn("ws: message rate limit exceeded", "user_id", userID)
			_ = conn.Send(errorFrame{Type: "error", Message: "You're sending messages too quickly"})
			return true
		}
		h.dispatcher.UserMessage(userID, text)

	case clientTypingStatus:
		h.dispatcher.TypingStatus(userID, ev.IsTyping)

	case clientStop:
		h.dispatcher.Stop(userID)

	case clientEndChat:
		h.dispatcher.EndChat(userID)
		return false

	case clientSetChatMode:
		h.dispatcher.SetChatMode(userID, chat.ChatMode(ev.Mode), ev.InitialMessage)

	default:
		slog.Debug("ws: unknown event type", "user_id", userID, "type", ev.Type)
		_ = conn.Send(errorFrame{Type: "error", Message: "unknown event type: " + ev.Type})
	}
	return true
}

// verifyToken extracts the subject of an HMAC-signed token. Invalid or
// absent tokens degrade to an anonymous connection.
func (h *Handler) verifyToken(token string) string {
	if token == "" || h.jwtSecret == "" {
		return ""
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(h.jwtSecret), nil
	})
	if err != nil || !parsed.Valid {
		slog.Warn("ws: token verification failed", "error", err)
		return ""
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}
