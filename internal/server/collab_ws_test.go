package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomdocs/loom/backend/internal/collab"
	"github.com/loomdocs/loom/backend/internal/session"
)

func dialCollab(t *testing.T, server *httptest.Server, token, documentID, projectID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") +
		"/documents/" + documentID + "/collab?project_id=" + projectID + "&token=" + token
	conn, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if response != nil {
			status = response.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readControl(t *testing.T, conn *websocket.Conn) session.ControlMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var message session.ControlMessage
	if err := conn.ReadJSON(&message); err != nil {
		t.Fatalf("read control message: %v", err)
	}
	return message
}

func readBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if messageType == websocket.BinaryMessage {
			return data
		}
	}
}

func TestCollabSocketHandshakeAndSync(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t, "project-1", "owner-1")
	env.seedMember(t, "project-1", "editor-1", collab.RoleEditor)

	server := httptest.NewServer(env.handler)
	defer server.Close()
	defer env.broker.Shutdown(context.Background())

	conn := dialCollab(t, server, env.token(t, "editor-1"), "doc-1", "project-1")

	connected := readControl(t, conn)
	if connected.Type != session.ControlConnected || connected.Role != "editor" || connected.DocumentID != "doc-1" {
		t.Fatalf("unexpected connected notice: %+v", connected)
	}

	handshake := readBinary(t, conn)
	if handshake[0] != session.MessageKindSync || handshake[1] != session.SyncRequest {
		t.Fatalf("expected sync request, got % x", handshake)
	}

	// Requesting the state of a fresh document yields an empty sync update.
	if err := conn.WriteMessage(websocket.BinaryMessage, session.SyncFrame(session.SyncRequest, nil)); err != nil {
		t.Fatalf("write sync request: %v", err)
	}
	reply := readBinary(t, conn)
	if reply[0] != session.MessageKindSync || reply[1] != session.SyncUpdate || len(reply) != 2 {
		t.Fatalf("expected empty sync update, got % x", reply)
	}
}

func TestCollabSocketRelaysUpdatesBetweenClients(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t, "project-1", "owner-1")
	env.seedMember(t, "project-1", "editor-1", collab.RoleEditor)
	env.seedMember(t, "project-1", "reader-1", collab.RoleReader)

	server := httptest.NewServer(env.handler)
	defer server.Close()
	defer env.broker.Shutdown(context.Background())

	editor := dialCollab(t, server, env.token(t, "editor-1"), "doc-1", "project-1")
	readControl(t, editor)
	readBinary(t, editor)

	reader := dialCollab(t, server, env.token(t, "reader-1"), "doc-1", "project-1")
	readControl(t, reader)
	readBinary(t, reader)

	update := session.SyncFrame(session.SyncUpdate, []byte("live edit"))
	if err := editor.WriteMessage(websocket.BinaryMessage, update); err != nil {
		t.Fatalf("write update: %v", err)
	}

	relayed := readBinary(t, reader)
	if string(relayed) != string(update) {
		t.Fatalf("update not relayed verbatim: % x", relayed)
	}

	// The state survives disconnect and a fresh session bootstraps from it.
	editor.Close()
	reader.Close()
	waitForCondition(t, 2*time.Second, func() bool { return env.broker.RoomCount() == 0 })

	late := dialCollab(t, server, env.token(t, "editor-1"), "doc-1", "project-1")
	readControl(t, late)
	readBinary(t, late)
	if err := late.WriteMessage(websocket.BinaryMessage, session.SyncFrame(session.SyncRequest, nil)); err != nil {
		t.Fatalf("write sync request: %v", err)
	}
	state := readBinary(t, late)
	if len(state) <= 2 {
		t.Fatalf("persisted state not restored, got % x", state)
	}
}

func TestCollabSocketRejectsReadOnlyWrites(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t, "project-1", "owner-1")
	env.seedMember(t, "project-1", "reader-1", collab.RoleReader)

	server := httptest.NewServer(env.handler)
	defer server.Close()
	defer env.broker.Shutdown(context.Background())

	reader := dialCollab(t, server, env.token(t, "reader-1"), "doc-1", "project-1")
	readControl(t, reader)
	readBinary(t, reader)

	if err := reader.WriteMessage(websocket.BinaryMessage, session.SyncFrame(session.SyncUpdate, []byte("nope"))); err != nil {
		t.Fatalf("write update: %v", err)
	}
	denied := readControl(t, reader)
	if denied.Type != session.ControlPermissionDenied {
		t.Fatalf("expected permission denied, got %+v", denied)
	}
}

func TestCollabSocketRejectsUsersWithoutRole(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t, "project-1", "owner-1")

	server := httptest.NewServer(env.handler)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") +
		"/documents/doc-1/collab?project_id=project-1&token=" + env.token(t, "stranger")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("handshake should succeed before admission: %v", err)
	}
	defer conn.Close()

	notice := readControl(t, conn)
	if notice.Type != session.ControlError {
		t.Fatalf("expected error notice, got %+v", notice)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the socket to close after rejection")
	}
}

func TestCollabSocketRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t, "project-1", "owner-1")

	server := httptest.NewServer(env.handler)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/documents/doc-1/collab?project_id=project-1"
	_, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected handshake rejection without token")
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %+v", response)
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
