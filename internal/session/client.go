package session

import (
	"github.com/loomdocs/loom/backend/internal/collab"
)

// Conn is the transport handed to the core by the surrounding application: a
// bidirectional, long-lived, authenticated connection.
type Conn interface {
	// SendBinary delivers one protocol frame to the peer.
	SendBinary(data []byte) error
	// SendJSON delivers one out-of-band control message to the peer.
	SendJSON(v interface{}) error
	// Close tears the connection down.
	Close() error
}

// Client is the live handle for one connection to a document. Role
// capabilities are resolved once at admission and carried here, so message
// handlers never re-derive them from the raw tag.
type Client struct {
	UserID      string
	DisplayName string
	DocumentID  collab.DocumentID
	ProjectID   collab.ProjectID
	Role        collab.Role
	Color       string

	conn Conn
	room *Room
}

func (c *Client) send(frame []byte) error {
	return c.conn.SendBinary(frame)
}

func (c *Client) sendControl(message ControlMessage) {
	// Control delivery is best-effort: a dead peer is reaped by the
	// transport-level disconnect, not here.
	_ = c.conn.SendJSON(message)
}

func (c *Client) sendPermissionDenied(reason string) {
	c.sendControl(ControlMessage{Type: ControlPermissionDenied, Message: reason})
}
