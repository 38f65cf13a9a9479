package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomdocs/loom/backend/internal/collab"
)

const defaultPersistDelay = 5 * time.Second

// ErrAdmission wraps every failure that is fatal to a connection: missing
// parameters, an unresolvable project, or a user with no role.
var ErrAdmission = errors.New("session: connection rejected")

// Storage is the persistence contract the broker requires from the
// surrounding application.
type Storage interface {
	LoadState(ctx context.Context, documentID collab.DocumentID) (string, bool, error)
	SaveState(ctx context.Context, documentID collab.DocumentID, projectID collab.ProjectID, stateB64 string) error
	ResolveRole(ctx context.Context, projectID collab.ProjectID, userID collab.UserID) (collab.Role, error)
	UpdatePresence(ctx context.Context, update collab.PresenceUpdate) error
}

// BrokerConfig describes the dependencies required by the broker.
type BrokerConfig struct {
	Store        Storage
	Clock        func() time.Time
	Logger       *zap.Logger
	PersistDelay time.Duration
}

// Broker owns the set of active rooms for this process. It admits and evicts
// connections, routes protocol messages to rooms, and drains everything on
// shutdown. Construct one per process and pass it to connection handlers.
type Broker struct {
	store        Storage
	clock        func() time.Time
	logger       *zap.Logger
	persistDelay time.Duration

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewBroker validates the configuration and returns a Broker.
func NewBroker(cfg BrokerConfig) (*Broker, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session: broker requires a store")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	persistDelay := cfg.PersistDelay
	if persistDelay <= 0 {
		persistDelay = defaultPersistDelay
	}
	return &Broker{
		store:        cfg.Store,
		clock:        clock,
		logger:       logger,
		persistDelay: persistDelay,
		rooms:        make(map[string]*Room),
	}, nil
}

// ConnectRequest carries the verified identity and target the surrounding
// application supplies before handing over the connection.
type ConnectRequest struct {
	UserID      string
	DisplayName string
	DocumentID  string
	ProjectID   string
	Conn        Conn
}

// Connect admits a connection: it resolves the user's role, attaches the
// client to the document's room (creating the room from persisted state when
// absent), and sends the connected notice followed by a sync request so the
// client bootstraps from the authoritative state.
func (b *Broker) Connect(ctx context.Context, request ConnectRequest) (*Client, error) {
	if request.Conn == nil {
		return nil, fmt.Errorf("%w: missing connection", ErrAdmission)
	}
	userID, err := collab.NewUserID(request.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdmission, err)
	}
	documentID, err := collab.NewDocumentID(request.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdmission, err)
	}
	projectID, err := collab.NewProjectID(request.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdmission, err)
	}

	role, err := b.store.ResolveRole(ctx, projectID, userID)
	if err != nil {
		if errors.Is(err, collab.ErrProjectNotFound) || errors.Is(err, collab.ErrNoRole) {
			return nil, fmt.Errorf("%w: %w", ErrAdmission, err)
		}
		return nil, fmt.Errorf("%w: role lookup failed: %v", ErrAdmission, err)
	}

	room, err := b.roomFor(ctx, documentID, projectID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdmission, err)
	}

	client := &Client{
		UserID:      userID.String(),
		DisplayName: request.DisplayName,
		DocumentID:  documentID,
		ProjectID:   projectID,
		Role:        role,
		Color:       ColorForUser(userID.String()),
		conn:        request.Conn,
		room:        room,
	}

	client.sendControl(ControlMessage{
		Type:       ControlConnected,
		DocumentID: documentID.String(),
		Role:       role.String(),
		Color:      client.Color,
	})
	if err := client.send(SyncFrame(SyncRequest, nil)); err != nil {
		return nil, fmt.Errorf("%w: handshake send failed: %v", ErrAdmission, err)
	}
	// A room can start draining between roomFor and attach; drained rooms are
	// already unmapped, so the retry observes a fresh one.
	for !room.attach(client) {
		room, err = b.roomFor(ctx, documentID, projectID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAdmission, err)
		}
		client.room = room
	}

	go b.markPresence(projectID, userID, &documentID, collab.PresenceOnline, client.Color)

	b.logger.Info("client connected",
		zap.String("document_id", documentID.String()),
		zap.String("user_id", userID.String()),
		zap.String("role", role.String()))
	return client, nil
}

// HandleMessage routes one inbound frame to the client's room.
func (b *Broker) HandleMessage(client *Client, data []byte) {
	client.room.HandleMessage(client, data)
}

// Disconnect detaches a client. Departing writers and the last departure
// trigger a best-effort persist; an emptied room is evicted unless a client
// joined during the flush. Presence is marked offline regardless of role.
func (b *Broker) Disconnect(ctx context.Context, client *Client) {
	room := client.room
	empty := room.detach(client.UserID)

	if client.Role.CanWrite() || empty {
		room.flush(ctx)
	}
	evicted := false
	if empty {
		// The flush may have taken long enough for another client to join;
		// eviction re-checks emptiness so the room is never pulled out from
		// under a live connection.
		evicted = b.evictIfEmpty(room)
	}

	userID, err := collab.NewUserID(client.UserID)
	if err == nil {
		go b.markPresence(client.ProjectID, userID, nil, collab.PresenceOffline, client.Color)
	}

	b.logger.Info("client disconnected",
		zap.String("document_id", room.documentID.String()),
		zap.String("user_id", client.UserID),
		zap.Bool("room_evicted", evicted))
}

// Shutdown persists every open room and closes every connection.
func (b *Broker) Shutdown(ctx context.Context) {
	b.mu.Lock()
	rooms := make([]*Room, 0, len(b.rooms))
	for _, room := range b.rooms {
		room.mu.Lock()
		room.draining = true
		room.mu.Unlock()
		rooms = append(rooms, room)
	}
	b.rooms = make(map[string]*Room)
	b.mu.Unlock()

	for _, room := range rooms {
		room.flush(ctx)
		room.closeAll()
	}
	b.logger.Info("broker drained", zap.Int("rooms", len(rooms)))
}

// RoomCount returns the number of currently open rooms.
func (b *Broker) RoomCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms)
}

// roomFor returns the open room for a document, creating it from persisted
// state on first connection.
func (b *Broker) roomFor(ctx context.Context, documentID collab.DocumentID, projectID collab.ProjectID) (*Room, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room, ok := b.rooms[documentID.String()]; ok {
		return room, nil
	}

	state := NewState()
	stored, found, err := b.store.LoadState(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if found {
		state, err = DecodeStateBase64(stored)
		if err != nil {
			// A corrupt blob must not brick the document: start empty and
			// let the next persist overwrite it.
			b.logger.Error("persisted state unreadable, starting empty",
				zap.String("document_id", documentID.String()),
				zap.Error(err))
			state = NewState()
		}
	}

	room := newRoom(documentID, projectID, state, b.store, b.logger, b.clock, b.persistDelay)
	b.rooms[documentID.String()] = room
	b.logger.Info("room opened",
		zap.String("document_id", documentID.String()),
		zap.Bool("restored", found))
	return room, nil
}

// evictIfEmpty removes the room from the registry, but only while it still has
// no clients. Marking the room draining and unmapping it happen under b.mu, so
// roomFor can never hand out a draining room.
func (b *Broker) evictIfEmpty(room *Room) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	room.mu.Lock()
	if len(room.clients) > 0 {
		room.mu.Unlock()
		return false
	}
	room.draining = true
	room.mu.Unlock()
	if current, ok := b.rooms[room.documentID.String()]; ok && current == room {
		delete(b.rooms, room.documentID.String())
	}
	b.logger.Info("room evicted", zap.String("document_id", room.documentID.String()))
	return true
}

func (b *Broker) markPresence(projectID collab.ProjectID, userID collab.UserID, documentID *collab.DocumentID, status collab.PresenceStatus, color string) {
	if err := b.store.UpdatePresence(context.Background(), collab.PresenceUpdate{
		ProjectID:  projectID,
		UserID:     userID,
		DocumentID: documentID,
		Status:     status,
		Color:      color,
	}); err != nil {
		b.logger.Warn("presence update failed",
			zap.String("project_id", projectID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}
