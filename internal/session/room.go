package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomdocs/loom/backend/internal/collab"
)

// Room is the live, in-memory session for one document: the shared state, the
// connected clients, the ephemeral presence table, and the debounced persist
// timer. All message handling for a document is serialized through the room
// mutex, so clients observe state updates in the exact order they were
// applied; rooms for different documents run independently.
type Room struct {
	documentID collab.DocumentID
	projectID  collab.ProjectID

	mu       sync.Mutex
	clients  map[string]*Client
	presence map[string][]byte
	state    *State
	draining bool

	store        Storage
	logger       *zap.Logger
	clock        func() time.Time
	persistDelay time.Duration

	persistTimer  *time.Timer
	lastPersisted time.Time
}

func newRoom(documentID collab.DocumentID, projectID collab.ProjectID, state *State, store Storage, logger *zap.Logger, clock func() time.Time, persistDelay time.Duration) *Room {
	return &Room{
		documentID:   documentID,
		projectID:    projectID,
		clients:      make(map[string]*Client),
		presence:     make(map[string][]byte),
		state:        state,
		store:        store,
		logger:       logger,
		clock:        clock,
		persistDelay: persistDelay,
	}
}

// DocumentID returns the document this room coordinates.
func (r *Room) DocumentID() collab.DocumentID {
	return r.documentID
}

// ClientCount returns the number of attached clients.
func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// attach registers a client and replays the peers' last known awareness
// payloads so the newcomer sees who is already present. It reports false when
// the room is draining; the caller must obtain a fresh room instead.
func (r *Room) attach(client *Client) bool {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return false
	}
	r.clients[client.UserID] = client
	replay := make([][]byte, 0, len(r.presence))
	for userID, payload := range r.presence {
		if userID == client.UserID {
			continue
		}
		replay = append(replay, payload)
	}
	r.mu.Unlock()

	for _, payload := range replay {
		if err := client.send(AwarenessFrame(payload)); err != nil {
			break
		}
	}
	return true
}

// detach removes a client and reports whether the room is now empty.
func (r *Room) detach(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, userID)
	delete(r.presence, userID)
	return len(r.clients) == 0
}

// HandleMessage dispatches one wire frame from a client. Frames are processed
// one at a time per room, in arrival order.
func (r *Room) HandleMessage(client *Client, data []byte) {
	if len(data) == 0 {
		client.sendControl(ControlMessage{Type: ControlError, Message: "empty frame"})
		return
	}
	switch data[0] {
	case MessageKindSync:
		r.handleSync(client, data)
	case MessageKindAwareness:
		r.handleAwareness(client, data)
	case MessageKindEvent:
		r.handleEvent(client, data[1:])
	default:
		r.logger.Warn("unknown message kind",
			zap.String("document_id", r.documentID.String()),
			zap.Uint8("kind", data[0]))
		client.sendControl(ControlMessage{Type: ControlError, Message: "unknown message kind"})
	}
}

func (r *Room) handleSync(client *Client, frame []byte) {
	if len(frame) < 2 {
		client.sendControl(ControlMessage{Type: ControlError, Message: "short sync frame"})
		return
	}
	switch frame[1] {
	case SyncRequest:
		// Bootstrap: reply with the full authoritative state.
		_ = client.send(SyncFrame(SyncUpdate, r.state.Encode()))
	case SyncUpdate:
		if !client.Role.CanWrite() {
			client.sendPermissionDenied("role cannot edit this document")
			return
		}
		update := frame[2:]
		if len(update) > MaxUpdateLength {
			// An update over the limit would persist but never decode,
			// bricking the stored state; reject it at the door.
			client.sendControl(ControlMessage{Type: ControlError, Message: "update too large"})
			return
		}
		r.mu.Lock()
		fresh := r.state.Apply(update)
		if fresh {
			// Broadcast is synchronous with application so every peer
			// observes updates in application order, byte-exact.
			r.broadcastLocked(client.UserID, frame)
			r.schedulePersistLocked()
		}
		r.mu.Unlock()
	default:
		client.sendControl(ControlMessage{Type: ControlError, Message: "unknown sync frame"})
	}
}

func (r *Room) handleAwareness(client *Client, frame []byte) {
	payload := frame[1:]
	r.mu.Lock()
	stored := make([]byte, len(payload))
	copy(stored, payload)
	r.presence[client.UserID] = stored
	r.broadcastLocked(client.UserID, frame)
	r.mu.Unlock()

	var decoded AwarenessPayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		// Awareness payloads are opaque to the relay; only decodable
		// cursors feed durable presence.
		return
	}
	if len(decoded.Cursor) == 0 {
		return
	}
	go func() {
		userID, err := collab.NewUserID(client.UserID)
		if err != nil {
			return
		}
		documentID := client.DocumentID
		if err := r.store.UpdatePresence(context.Background(), collab.PresenceUpdate{
			ProjectID:  client.ProjectID,
			UserID:     userID,
			DocumentID: &documentID,
			Status:     collab.PresenceOnline,
			CursorJSON: string(decoded.Cursor),
			Color:      client.Color,
		}); err != nil {
			r.logger.Warn("presence update failed",
				zap.String("document_id", r.documentID.String()),
				zap.String("user_id", client.UserID),
				zap.Error(err))
		}
	}()
}

func (r *Room) handleEvent(client *Client, payload []byte) {
	var event EventPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		r.logger.Warn("malformed custom event",
			zap.String("document_id", r.documentID.String()),
			zap.Error(err))
		client.sendControl(ControlMessage{Type: ControlError, Message: "malformed event payload"})
		return
	}
	switch event.Type {
	case EventCommentAdd, EventCommentResolve:
		if !client.Role.CanComment() {
			client.sendPermissionDenied("role cannot comment on this document")
			return
		}
		// Comment results go to every connected client, the author included.
		r.mu.Lock()
		r.broadcastAllLocked(EventFrame(payload))
		r.mu.Unlock()
	case EventPing:
		pong, _ := json.Marshal(EventPayload{Type: EventPong})
		_ = client.send(EventFrame(pong))
	default:
		client.sendControl(ControlMessage{Type: ControlError, Message: "unknown event type"})
	}
}

// broadcastLocked sends a frame verbatim to every client except the sender.
// Callers hold r.mu.
func (r *Room) broadcastLocked(senderID string, frame []byte) {
	for userID, peer := range r.clients {
		if userID == senderID {
			continue
		}
		if err := peer.send(frame); err != nil {
			r.logger.Warn("broadcast send failed",
				zap.String("document_id", r.documentID.String()),
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}
}

// broadcastAllLocked sends a frame to every connected client. Callers hold r.mu.
func (r *Room) broadcastAllLocked(frame []byte) {
	for userID, peer := range r.clients {
		if err := peer.send(frame); err != nil {
			r.logger.Warn("broadcast send failed",
				zap.String("document_id", r.documentID.String()),
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}
}

// schedulePersistLocked resets the single debounce timer: a persist happens
// only after persistDelay elapses with no further updates. Callers hold r.mu.
func (r *Room) schedulePersistLocked() {
	if r.persistTimer != nil {
		r.persistTimer.Stop()
	}
	r.persistTimer = time.AfterFunc(r.persistDelay, func() {
		r.persist(context.Background())
	})
}

// persist writes the current encoded state. Failures are logged, never
// surfaced to clients; the next debounce cycle retries implicitly.
func (r *Room) persist(ctx context.Context) {
	encoded := r.state.EncodeBase64()
	if err := r.store.SaveState(ctx, r.documentID, r.projectID, encoded); err != nil {
		r.logger.Error("document persist failed",
			zap.String("document_id", r.documentID.String()),
			zap.Error(err))
		return
	}
	r.mu.Lock()
	r.lastPersisted = r.clock().UTC()
	r.mu.Unlock()
	r.logger.Debug("document persisted",
		zap.String("document_id", r.documentID.String()),
		zap.Int("updates", r.state.Len()))
}

// flush cancels any pending debounce and persists synchronously.
func (r *Room) flush(ctx context.Context) {
	r.mu.Lock()
	if r.persistTimer != nil {
		r.persistTimer.Stop()
		r.persistTimer = nil
	}
	r.mu.Unlock()
	r.persist(ctx)
}

// closeAll closes every attached connection.
func (r *Room) closeAll() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	r.clients = make(map[string]*Client)
	r.presence = make(map[string][]byte)
	r.mu.Unlock()
	for _, client := range clients {
		_ = client.conn.Close()
	}
}
