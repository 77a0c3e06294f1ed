// Package websocket pushes notifications to the browser sessions of the user
// they are addressed to. A Hub is a notification.Publisher: once the
// dispatcher has stored a notification, every open session of its recipient
// receives it as an Event.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/klinik/clinic/internal/platform/auth"
	"github.com/klinik/clinic/internal/platform/notification"
)

const (
	sendBuffer = 32
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Event is the frame written to a session.
type Event struct {
	Type      string                     `json:"type"`
	Timestamp time.Time                  `json:"timestamp"`
	Data      *notification.Notification `json:"data"`
}

// session is one open connection of a user.
type session struct {
	id     string
	userID uuid.UUID
	send   chan []byte
}

// Hub tracks open sessions per user. All methods are safe for concurrent use.
type Hub struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]map[*session]struct{}
	logger   zerolog.Logger
	now      func() time.Time
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		sessions: make(map[uuid.UUID]map[*session]struct{}),
		logger:   logger.With().Str("component", "websocket").Logger(),
		now:      time.Now,
	}
}

func (h *Hub) register(userID uuid.UUID) *session {
	s := &session{id: uuid.NewString(), userID: userID, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[userID] == nil {
		h.sessions[userID] = make(map[*session]struct{})
	}
	h.sessions[userID][s] = struct{}{}
	return s
}

// unregister drops s and closes its send channel. Calling it twice is a
// no-op.
func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[s.userID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.sessions, s.userID)
	}
	close(s.send)
}

// Publish writes n to every session of its recipient. A session whose buffer
// is full misses the event; the notification stays in the store either way.
func (h *Hub) Publish(_ context.Context, n *notification.Notification) error {
	data, err := json.Marshal(Event{Type: "notification", Timestamp: h.now().UTC(), Data: n})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions[n.UserID] {
		select {
		case s.send <- data:
		default:
			h.logger.Warn().Str("session", s.id).Str("user_id", n.UserID.String()).Msg("session buffer full, event dropped")
		}
	}
	return nil
}

// Sessions returns how many sessions userID has open.
func (h *Hub) Sessions(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

// ConnectedUsers returns how many users have at least one open session.
func (h *Hub) ConnectedUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler accepts connections from origins. An empty list accepts any
// origin.
func NewHandler(hub *Hub, origins []string) *Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || origin == "" || allowed[origin]
			},
		},
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/notifications/stream", h.Connect)
}

// Connect upgrades the request and streams the caller's notifications until
// the client goes away.
func (h *Handler) Connect(c echo.Context) error {
	actor, err := auth.ActorFrom(c)
	if err != nil {
		return err
	}
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	s := h.hub.register(actor.UserID)
	h.hub.logger.Debug().Str("session", s.id).Str("user_id", actor.UserID.String()).Msg("session opened")

	go h.writePump(s, ws)
	go h.readPump(s, ws)
	return nil
}

// readPump only watches for the close; clients have nothing to say.
func (h *Handler) readPump(s *session, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.unregister(s)
		ws.Close()
		h.hub.logger.Debug().Str("session", s.id).Msg("session closed")
	}()

	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(s *session, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
