package server

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loomdocs/loom/backend/internal/collab"
	"github.com/loomdocs/loom/backend/internal/session"
)

var socketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browsers cannot set custom headers on websocket handshakes, so origin
	// enforcement lives with the deployment proxy, matching the wide-open
	// CORS policy on the REST surface.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla websocket connection to the session.Conn interface.
// Gorilla connections allow only one concurrent writer, so every outbound
// frame goes through the mutex.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) SendBinary(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsConn) SendJSON(value interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(value)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

// handleCollabSocket upgrades the request and attaches the caller to the
// document room. Admission failures after the upgrade are reported as a
// JSON error message before the socket closes, so clients can distinguish
// rejection from a network fault.
func (h *httpHandler) handleCollabSocket(c *gin.Context) {
	socket, err := socketUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	// Frames above the mergeable-update limit could never be persisted; cap
	// reads before any payload is buffered (2 bytes cover the frame header).
	socket.SetReadLimit(session.MaxUpdateLength + 2)
	conn := &wsConn{conn: socket}

	client, err := h.broker.Connect(c.Request.Context(), session.ConnectRequest{
		UserID:      c.GetString(userIDContextKey),
		DisplayName: c.GetString(displayNameContextKey),
		DocumentID:  c.Param("documentId"),
		ProjectID:   c.Query("project_id"),
		Conn:        conn,
	})
	if err != nil {
		message := "connection rejected"
		if errors.Is(err, collab.ErrNoRole) {
			message = "no role in project"
		} else if errors.Is(err, collab.ErrProjectNotFound) {
			message = "project not found"
		}
		_ = conn.SendJSON(session.ControlMessage{Type: session.ControlError, Message: message})
		_ = conn.Close()
		if !errors.Is(err, session.ErrAdmission) {
			h.logger.Error("collab admission failed", zap.Error(err))
		}
		return
	}

	// The request context ends with the hijacked connection, so the final
	// persist on disconnect runs against a background context.
	defer h.broker.Disconnect(context.Background(), client)
	for {
		messageType, data, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket closed unexpectedly",
					zap.String("document_id", c.Param("documentId")),
					zap.Error(err))
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		h.broker.HandleMessage(client, data)
	}
}
