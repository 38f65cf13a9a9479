package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/loomdocs/loom/backend/internal/auth"
	"github.com/loomdocs/loom/backend/internal/collab"
	"github.com/loomdocs/loom/backend/internal/server"
	"github.com/loomdocs/loom/backend/internal/session"
)

const (
	integrationSecret  = "integration-secret"
	integrationProject = "project-1"
	integrationDoc     = "doc-1"
	ownerUser          = "owner-1"
	editorUser         = "editor-1"
)

// TestCollabAndHistoryFlow drives the full stack: two authenticated websocket
// sessions exchanging live updates, a persisted document state, and the
// branch/merge lifecycle over REST against the same database.
func TestCollabAndHistoryFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:integration_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	defer sqlDB.Close()

	if err := db.AutoMigrate(
		&collab.Project{}, &collab.ProjectMember{}, &collab.DocumentState{},
		&collab.Branch{}, &collab.Version{}, &collab.MergeEvent{}, &collab.PresenceRecord{},
	); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	store, err := collab.NewStore(collab.StoreConfig{
		Database:   db,
		IDProvider: collab.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	merger, err := collab.NewMerger(collab.MergerConfig{Store: store, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build merger: %v", err)
	}
	broker, err := session.NewBroker(session.BrokerConfig{
		Store:        store,
		Logger:       zap.NewNop(),
		PersistDelay: 20 * time.Millisecond,
	})
	if err != nil {
		testContext.Fatalf("failed to build broker: %v", err)
	}
	defer broker.Shutdown(context.Background())

	tokenManager := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(integrationSecret),
		Issuer:        "loom-auth",
		Audience:      "loom-api",
		TokenTTL:      15 * time.Minute,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Store:        store,
		Merger:       merger,
		Broker:       broker,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	seedMembership(testContext, db)
	ownerToken := mustIssueToken(testContext, tokenManager, ownerUser)
	editorToken := mustIssueToken(testContext, tokenManager, editorUser)

	// Live session: the editor's update reaches the owner verbatim.
	ownerSocket := dialSocket(testContext, testServer, ownerToken)
	drainHandshake(testContext, ownerSocket)
	editorSocket := dialSocket(testContext, testServer, editorToken)
	drainHandshake(testContext, editorSocket)

	update := session.SyncFrame(session.SyncUpdate, []byte("shared paragraph"))
	if err := editorSocket.WriteMessage(websocket.BinaryMessage, update); err != nil {
		testContext.Fatalf("write update: %v", err)
	}
	relayed := readBinaryFrame(testContext, ownerSocket)
	if !bytes.Equal(relayed, update) {
		testContext.Fatalf("update not relayed verbatim: % x", relayed)
	}

	editorSocket.Close()
	ownerSocket.Close()
	waitForEviction(testContext, broker)

	stored, found, err := store.LoadState(context.Background(), mustDocumentID(testContext))
	if err != nil || !found {
		testContext.Fatalf("expected persisted state: found=%v err=%v", found, err)
	}
	state, err := session.DecodeStateBase64(stored)
	if err != nil || state.Len() != 1 {
		testContext.Fatalf("persisted state unreadable: err=%v", err)
	}

	// History: checkpoint main, fork, diverge, conflict, resolve.
	mainID := fetchMainBranchID(testContext, testServer, ownerToken)
	postJSON(testContext, testServer, ownerToken,
		"/branches/"+mainID+"/versions", map[string]string{"content": "Hello"}, http.StatusCreated)

	draft := postJSON(testContext, testServer, ownerToken,
		"/documents/"+integrationDoc+"/branches",
		map[string]interface{}{"name": "draft", "parent_branch_id": mainID}, http.StatusCreated)
	draftID := draft["branch_id"].(string)

	postJSON(testContext, testServer, editorToken,
		"/branches/"+draftID+"/versions", map[string]string{"content": "Hello world"}, http.StatusCreated)
	postJSON(testContext, testServer, ownerToken,
		"/branches/"+mainID+"/versions", map[string]string{"content": "Hello there"}, http.StatusCreated)

	merge := postJSON(testContext, testServer, editorToken,
		"/documents/"+integrationDoc+"/merges",
		map[string]string{"source_branch_id": draftID, "target_branch_id": mainID}, http.StatusOK)
	event := merge["merge"].(map[string]interface{})
	if event["status"] != "conflicted" {
		testContext.Fatalf("expected conflicted merge, got %v", event["status"])
	}

	resolved := postJSON(testContext, testServer, ownerToken,
		"/merges/"+event["merge_id"].(string)+"/resolve",
		map[string]string{"content": "Hello there, world"}, http.StatusOK)
	resolvedEvent := resolved["merge"].(map[string]interface{})
	if resolvedEvent["status"] != "completed" {
		testContext.Fatalf("expected completed merge, got %v", resolvedEvent["status"])
	}
	version := resolved["version"].(map[string]interface{})
	if version["content"] != "Hello there, world" {
		testContext.Fatalf("unexpected resolution content: %v", version["content"])
	}
}

func seedMembership(testContext *testing.T, db *gorm.DB) {
	testContext.Helper()
	project := collab.Project{ProjectID: integrationProject, OwnerID: ownerUser, Name: "Integration", CreatedAtSeconds: time.Now().Unix()}
	if err := db.Create(&project).Error; err != nil {
		testContext.Fatalf("seed project: %v", err)
	}
	member := collab.ProjectMember{ProjectID: integrationProject, UserID: editorUser, Role: collab.RoleEditor.String()}
	if err := db.Create(&member).Error; err != nil {
		testContext.Fatalf("seed member: %v", err)
	}
}

func mustIssueToken(testContext *testing.T, tokenManager *auth.TokenManager, userID string) string {
	testContext.Helper()
	token, _, err := tokenManager.IssueToken(context.Background(), userID, "User "+userID)
	if err != nil {
		testContext.Fatalf("issue token: %v", err)
	}
	return token
}

func mustDocumentID(testContext *testing.T) collab.DocumentID {
	testContext.Helper()
	documentID, err := collab.NewDocumentID(integrationDoc)
	if err != nil {
		testContext.Fatalf("document id: %v", err)
	}
	return documentID
}

func dialSocket(testContext *testing.T, testServer *httptest.Server, token string) *websocket.Conn {
	testContext.Helper()
	url := "ws" + strings.TrimPrefix(testServer.URL, "http") +
		"/documents/" + integrationDoc + "/collab?project_id=" + integrationProject + "&token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		testContext.Fatalf("dial websocket: %v", err)
	}
	return conn
}

// drainHandshake consumes the connected notice and the server's sync request.
func drainHandshake(testContext *testing.T, conn *websocket.Conn) {
	testContext.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var notice session.ControlMessage
	if err := conn.ReadJSON(&notice); err != nil {
		testContext.Fatalf("read connected notice: %v", err)
	}
	if notice.Type != session.ControlConnected {
		testContext.Fatalf("expected connected notice, got %+v", notice)
	}
	readBinaryFrame(testContext, conn)
}

func readBinaryFrame(testContext *testing.T, conn *websocket.Conn) []byte {
	testContext.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			testContext.Fatalf("read frame: %v", err)
		}
		if messageType == websocket.BinaryMessage {
			return data
		}
	}
}

func waitForEviction(testContext *testing.T, broker *session.Broker) {
	testContext.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if broker.RoomCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	testContext.Fatalf("rooms not evicted after disconnects")
}

func fetchMainBranchID(testContext *testing.T, testServer *httptest.Server, token string) string {
	testContext.Helper()
	request, err := http.NewRequest(http.MethodGet,
		testServer.URL+"/documents/"+integrationDoc+"/branches?project_id="+integrationProject, http.NoBody)
	if err != nil {
		testContext.Fatalf("build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := testServer.Client().Do(request)
	if err != nil {
		testContext.Fatalf("list branches: %v", err)
	}
	defer response.Body.Close()
	var listing struct {
		Branches []map[string]interface{} `json:"branches"`
	}
	if err := json.NewDecoder(response.Body).Decode(&listing); err != nil {
		testContext.Fatalf("decode branches: %v", err)
	}
	for _, branch := range listing.Branches {
		if branch["name"] == "main" {
			return branch["branch_id"].(string)
		}
	}
	testContext.Fatalf("main branch missing: %+v", listing.Branches)
	return ""
}

func postJSON(testContext *testing.T, testServer *httptest.Server, token, path string, body interface{}, wantStatus int) map[string]interface{} {
	testContext.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		testContext.Fatalf("encode body: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost,
		testServer.URL+path+"?project_id="+integrationProject, bytes.NewReader(encoded))
	if err != nil {
		testContext.Fatalf("build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Content-Type", "application/json")

	response, err := testServer.Client().Do(request)
	if err != nil {
		testContext.Fatalf("POST %s: %v", path, err)
	}
	defer response.Body.Close()
	var decoded map[string]interface{}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		testContext.Fatalf("decode response for %s: %v", path, err)
	}
	if response.StatusCode != wantStatus {
		testContext.Fatalf("POST %s: status %d, want %d (%v)", path, response.StatusCode, wantStatus, decoded)
	}
	return decoded
}
