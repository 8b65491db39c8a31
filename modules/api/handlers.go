package api

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	domain "github.com/example/roomsync-demo/domain/room"
	"github.com/example/roomsync-demo/events"
	"github.com/example/roomsync-demo/modules/presence"
	"github.com/example/roomsync-demo/modules/session"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

const rosterSnapshotTimeout = 5 * time.Second

// setupRoutes configures all HTTP routes.
func (m *APIModule) setupRoutes() {
	// Health check
	m.app.Get("/health", m.healthHandler)

	// WebSocket endpoint
	m.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	m.app.Get("/ws", websocket.New(m.handleWebSocket))

	// REST API v1
	api := m.app.Group("/api/v1")
	api.Get("/rooms/:room/users", m.roomUsers)
}

// healthHandler handles GET /health.
func (m *APIModule) healthHandler(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status: "healthy",
		Details: map[string]any{
			"module":          "api",
			"active_sessions": atomic.LoadInt64(&m.sessions),
		},
	})
}

// roomUsers handles GET /api/v1/rooms/:room/users. It opens a
// short-lived store connection and returns the first roster snapshot.
func (m *APIModule) roomUsers(c *fiber.Ctx) error {
	room := domain.CanonicalRoom(c.Params("room"))
	if err := domain.ValidateRoom(room); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
	}

	conn, err := m.store.Store().Connect(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{
			Error:   "store_unavailable",
			Message: "Failed to reach the backend",
		})
	}
	defer conn.Close()

	snapshots := make(chan domain.Roster, 1)
	unsub, err := presence.NewTracker(conn).Roster(room, func(r domain.Roster) {
		select {
		case snapshots <- r:
		default:
		}
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "roster_failed",
			Message: "Failed to read the roster",
		})
	}
	defer unsub()

	select {
	case roster := <-snapshots:
		users := roster.Nicks()
		return c.JSON(RosterResponse{Room: room, Users: users, Count: len(users)})
	case <-time.After(rosterSnapshotTimeout):
		return c.Status(fiber.StatusGatewayTimeout).JSON(ErrorResponse{
			Error:   "timeout",
			Message: "Roster snapshot did not arrive in time",
		})
	}
}

// wsWriter serializes writes from the read loop and the session
// callbacks onto one socket.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) send(frame WSFrame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteJSON(frame); err != nil {
		log.Printf("[api] WebSocket write failed: %v", err)
	}
}

func (w *wsWriter) sendError(message string) {
	w.send(WSFrame{Type: WSTypeError, Message: message})
}

// handleWebSocket handles WebSocket connections at /ws. One socket is
// one participant: the session lives exactly as long as the socket, and
// closing the socket without a leave frame drops the store connection
// so the backend's disconnect cleanup removes the presence record.
func (m *APIModule) handleWebSocket(c *websocket.Conn) {
	room := c.Query("room")
	nick := c.Query("nick")
	probe := c.Query("probe") != ""
	w := &wsWriter{conn: c}

	conn, err := m.store.Store().Connect(context.Background())
	if err != nil {
		log.Printf("[api] store connect failed: %v", err)
		w.sendError("Backend unavailable")
		return
	}
	defer conn.Close()

	sess, err := session.New(conn, m.moderation.Filter(), room, nick, session.Listener{
		OnMessage: func(key string, msg domain.Message) {
			w.send(WSFrame{
				Type:      WSTypeMessage,
				Key:       key,
				Nick:      msg.Nick,
				Text:      msg.Text,
				Timestamp: msg.Timestamp,
				Diag:      msg.Diag,
			})
		},
		OnRoster: func(r domain.Roster) {
			w.send(WSFrame{Type: WSTypeRoster, Users: r.Nicks()})
		},
		OnStatus: func(st session.Status) {
			w.send(WSFrame{Type: WSTypeStatus, Severity: st.Severity.String(), Line: st.Line})
		},
	}, session.Options{ConnectionProbe: probe})
	if err != nil {
		w.sendError(err.Error())
		return
	}

	if err := sess.Join(context.Background()); err != nil {
		log.Printf("[api] join failed for %s/%s: %v", sess.Room(), sess.Nick(), err)
		w.sendError("Failed to join room")
		return
	}

	atomic.AddInt64(&m.sessions, 1)
	defer atomic.AddInt64(&m.sessions, -1)
	log.Printf("[api] WebSocket session opened: %s in %s", sess.Nick(), sess.Room())

	m.publishJoined(sess)
	orderly := false
	defer func() {
		m.publishLeft(sess, orderly)
		log.Printf("[api] WebSocket session ended: %s in %s (orderly=%v)", sess.Nick(), sess.Room(), orderly)
	}()

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[api] client %s closed the socket", sess.Nick())
			} else {
				log.Printf("[api] read error from %s: %v", sess.Nick(), err)
			}
			return
		}

		var frame WSFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			w.sendError("Invalid frame")
			continue
		}

		switch frame.Type {
		case WSTypeMessage:
			m.handleSend(w, sess, frame.Content)
		case WSTypeLeave:
			if err := sess.Leave(context.Background()); err != nil {
				log.Printf("[api] leave failed for %s: %v", sess.Nick(), err)
			}
			orderly = true
			w.send(WSFrame{Type: WSTypeClosed})
			return
		default:
			w.sendError("Unknown frame type: " + frame.Type)
		}
	}
}

func (m *APIModule) handleSend(w *wsWriter, sess *session.Session, content string) {
	err := sess.Send(context.Background(), content)
	switch {
	case err == nil:
		if pubErr := events.MessageAcceptedV1.Publish(m.eventBus, events.MessageAcceptedEvent{
			Room:      sess.Room(),
			Nick:      sess.Nick(),
			Length:    len([]rune(content)),
			Timestamp: time.Now(),
		}, nil); pubErr != nil {
			log.Printf("[api] failed to publish MessageAccepted event: %v", pubErr)
		}
	case session.IsModerationBlocked(err):
		// The session already emitted the status line.
		if pubErr := events.ModerationBlockedV1.Publish(m.eventBus, events.ModerationBlockedEvent{
			Room:      sess.Room(),
			Nick:      sess.Nick(),
			Length:    len([]rune(content)),
			Timestamp: time.Now(),
		}, nil); pubErr != nil {
			log.Printf("[api] failed to publish ModerationBlocked event: %v", pubErr)
		}
	default:
		log.Printf("[api] send failed for %s: %v", sess.Nick(), err)
	}
}

func (m *APIModule) publishJoined(sess *session.Session) {
	if err := events.ParticipantJoinedV1.Publish(m.eventBus, events.ParticipantJoinedEvent{
		Room:      sess.Room(),
		Nick:      sess.Nick(),
		Degraded:  sess.State() == session.StateDegraded,
		Timestamp: time.Now(),
	}, nil); err != nil {
		log.Printf("[api] failed to publish ParticipantJoined event: %v", err)
	}
}

func (m *APIModule) publishLeft(sess *session.Session, orderly bool) {
	if err := events.ParticipantLeftV1.Publish(m.eventBus, events.ParticipantLeftEvent{
		Room:      sess.Room(),
		Nick:      sess.Nick(),
		Orderly:   orderly,
		Timestamp: time.Now(),
	}, nil); err != nil {
		log.Printf("[api] failed to publish ParticipantLeft event: %v", err)
	}
}
