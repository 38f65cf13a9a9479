package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loomdocs/loom/backend/internal/auth"
	"github.com/loomdocs/loom/backend/internal/collab"
	"github.com/loomdocs/loom/backend/internal/session"
)

const (
	userIDContextKey      = "loom_user_id"
	displayNameContextKey = "loom_display_name"
)

var (
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingStore        = errors.New("store dependency required")
	errMissingMerger       = errors.New("merger dependency required")
	errMissingBroker       = errors.New("broker dependency required")
	errInvalidAuthHeader   = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to a verified identity.
type TokenValidator interface {
	ValidateToken(token string) (auth.Identity, error)
}

// Dependencies wires the collaboration core into the HTTP surface.
type Dependencies struct {
	TokenManager TokenValidator
	Store        *collab.Store
	Merger       *collab.Merger
	Broker       *session.Broker
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin handler exposing the document collaboration
// endpoint and the branch/version/merge API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Merger == nil {
		return nil, errMissingMerger
	}
	if deps.Broker == nil {
		return nil, errMissingBroker
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens: deps.TokenManager,
		store:  deps.Store,
		merger: deps.Merger,
		broker: deps.Broker,
		logger: logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/documents/:documentId/collab", handler.handleCollabSocket)
	protected.POST("/documents/:documentId/branches", handler.handleCreateBranch)
	protected.GET("/documents/:documentId/branches", handler.handleListBranches)
	protected.DELETE("/branches/:branchId", handler.handleDeleteBranch)
	protected.GET("/branches/:branchId/versions", handler.handleListVersions)
	protected.POST("/branches/:branchId/versions", handler.handleCreateVersion)
	protected.POST("/branches/:branchId/rollback", handler.handleRollback)
	protected.POST("/documents/:documentId/merges", handler.handleMerge)
	protected.GET("/documents/:documentId/merges", handler.handleListMerges)
	protected.POST("/merges/:mergeId/resolve", handler.handleResolveMerge)
	protected.GET("/projects/:projectId/presence", handler.handleListPresence)

	return router, nil
}

type httpHandler struct {
	tokens TokenValidator
	store  *collab.Store
	merger *collab.Merger
	broker *session.Broker
	logger *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthHeader.Error()})
		return
	}
	identity, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, identity.UserID)
	c.Set(displayNameContextKey, identity.DisplayName)
	c.Next()
}

// bearerToken extracts the session token from the Authorization header, or
// from the token query parameter for websocket clients that cannot set headers.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("token"))
}

// resolveRole authenticates the caller against the project named in the
// request and returns the resolved ids and role. It writes the error response
// itself and reports false when the caller is not admitted.
func (h *httpHandler) resolveRole(c *gin.Context) (collab.ProjectID, collab.UserID, collab.Role, bool) {
	userID, err := collab.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", "", false
	}
	projectID, err := collab.NewProjectID(c.Query("project_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project_id is required"})
		return "", "", "", false
	}
	role, err := h.store.ResolveRole(c.Request.Context(), projectID, userID)
	if err != nil {
		if errors.Is(err, collab.ErrProjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project_not_found"})
			return "", "", "", false
		}
		if errors.Is(err, collab.ErrNoRole) {
			c.JSON(http.StatusForbidden, gin.H{"error": "no_role"})
			return "", "", "", false
		}
		h.logger.Error("role resolution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "role_resolution_failed"})
		return "", "", "", false
	}
	return projectID, userID, role, true
}

func requireWrite(c *gin.Context, role collab.Role) bool {
	if !role.CanWrite() {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
		return false
	}
	return true
}

type branchPayload struct {
	BranchID         string  `json:"branch_id"`
	DocumentID       string  `json:"document_id"`
	Name             string  `json:"name"`
	Description      string  `json:"description,omitempty"`
	ParentBranchID   *string `json:"parent_branch_id,omitempty"`
	ForkVersionID    *string `json:"fork_version_id,omitempty"`
	CreatedBy        string  `json:"created_by"`
	CreatedAtSeconds int64   `json:"created_at_s"`
}

func branchToPayload(branch collab.Branch) branchPayload {
	return branchPayload{
		BranchID:         branch.BranchID,
		DocumentID:       branch.DocumentID,
		Name:             branch.Name,
		Description:      branch.Description,
		ParentBranchID:   branch.ParentBranchID,
		ForkVersionID:    branch.ForkVersionID,
		CreatedBy:        branch.CreatedBy,
		CreatedAtSeconds: branch.CreatedAtSeconds,
	}
}

type versionPayload struct {
	VersionID        string `json:"version_id"`
	BranchID         string `json:"branch_id"`
	DocumentID       string `json:"document_id"`
	Content          string `json:"content"`
	StateB64         string `json:"state_b64,omitempty"`
	WordCount        int    `json:"word_count"`
	CreatedBy        string `json:"created_by"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func versionToPayload(version collab.Version) versionPayload {
	return versionPayload{
		VersionID:        version.VersionID,
		BranchID:         version.BranchID,
		DocumentID:       version.DocumentID,
		Content:          version.Content,
		StateB64:         version.StateB64,
		WordCount:        version.WordCount,
		CreatedBy:        version.CreatedBy,
		CreatedAtSeconds: version.CreatedAtSeconds,
	}
}

type mergeEventPayload struct {
	MergeID           string  `json:"merge_id"`
	DocumentID        string  `json:"document_id"`
	SourceBranchID    string  `json:"source_branch_id"`
	TargetBranchID    string  `json:"target_branch_id"`
	Status            string  `json:"status"`
	ConflictJSON      string  `json:"conflict,omitempty"`
	MergedVersionID   *string `json:"merged_version_id,omitempty"`
	InitiatedBy       string  `json:"initiated_by"`
	ResolvedBy        string  `json:"resolved_by,omitempty"`
	CreatedAtSeconds  int64   `json:"created_at_s"`
	ResolvedAtSeconds int64   `json:"resolved_at_s,omitempty"`
}

func mergeEventToPayload(event collab.MergeEvent) mergeEventPayload {
	return mergeEventPayload{
		MergeID:           event.MergeID,
		DocumentID:        event.DocumentID,
		SourceBranchID:    event.SourceBranchID,
		TargetBranchID:    event.TargetBranchID,
		Status:            event.Status,
		ConflictJSON:      event.ConflictJSON,
		MergedVersionID:   event.MergedVersionID,
		InitiatedBy:       event.InitiatedBy,
		ResolvedBy:        event.ResolvedBy,
		CreatedAtSeconds:  event.CreatedAtSeconds,
		ResolvedAtSeconds: event.ResolvedAtSeconds,
	}
}

type createBranchRequest struct {
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	ParentBranchID *string `json:"parent_branch_id"`
}

func (h *httpHandler) handleCreateBranch(c *gin.Context) {
	_, userID, role, ok := h.resolveRole(c)
	if !ok || !requireWrite(c, role) {
		return
	}
	documentID, err := collab.NewDocumentID(c.Param("documentId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	var request createBranchRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	name, err := collab.NewBranchName(request.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_branch_name"})
		return
	}

	if _, err := h.store.EnsureMainBranch(c.Request.Context(), documentID, userID); err != nil {
		h.logger.Error("main branch bootstrap failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "branch_create_failed"})
		return
	}
	if name.IsMain() {
		c.JSON(http.StatusConflict, gin.H{"error": "branch_exists"})
		return
	}

	branchRequest := collab.BranchRequest{
		DocumentID:  documentID,
		Name:        name,
		Description: request.Description,
		CreatedBy:   userID,
	}
	if request.ParentBranchID != nil {
		parentID, err := collab.NewBranchID(*request.ParentBranchID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_parent_branch_id"})
			return
		}
		branchRequest.ParentBranchID = &parentID
	}

	branch, err := h.store.CreateBranch(c.Request.Context(), branchRequest)
	if err != nil {
		if errors.Is(err, collab.ErrDuplicateBranch) {
			c.JSON(http.StatusConflict, gin.H{"error": "branch_exists"})
			return
		}
		h.logger.Error("branch create failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "branch_create_failed"})
		return
	}
	c.JSON(http.StatusCreated, branchToPayload(branch))
}

func (h *httpHandler) handleListBranches(c *gin.Context) {
	_, userID, _, ok := h.resolveRole(c)
	if !ok {
		return
	}
	documentID, err := collab.NewDocumentID(c.Param("documentId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	if _, err := h.store.EnsureMainBranch(c.Request.Context(), documentID, userID); err != nil {
		h.logger.Error("main branch bootstrap failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "branch_list_failed"})
		return
	}
	branches, err := h.store.ListBranches(c.Request.Context(), documentID)
	if err != nil {
		h.logger.Error("branch list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "branch_list_failed"})
		return
	}
	payload := make([]branchPayload, 0, len(branches))
	for _, branch := range branches {
		payload = append(payload, branchToPayload(branch))
	}
	c.JSON(http.StatusOK, gin.H{"branches": payload})
}

func (h *httpHandler) handleDeleteBranch(c *gin.Context) {
	_, _, role, ok := h.resolveRole(c)
	if !ok || !requireWrite(c, role) {
		return
	}
	branchID, err := collab.NewBranchID(c.Param("branchId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_branch_id"})
		return
	}
	if err := h.store.DeleteBranch(c.Request.Context(), branchID); err != nil {
		switch {
		case errors.Is(err, collab.ErrBranchNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "branch_not_found"})
		case errors.Is(err, collab.ErrProtectedBranch):
			c.JSON(http.StatusConflict, gin.H{"error": "main_branch_protected"})
		default:
			h.logger.Error("branch delete failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "branch_delete_failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": branchID.String()})
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	_, _, _, ok := h.resolveRole(c)
	if !ok {
		return
	}
	branchID, err := collab.NewBranchID(c.Param("branchId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_branch_id"})
		return
	}
	versions, err := h.store.ListVersions(c.Request.Context(), branchID)
	if err != nil {
		h.logger.Error("version list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "version_list_failed"})
		return
	}
	payload := make([]versionPayload, 0, len(versions))
	for _, version := range versions {
		payload = append(payload, versionToPayload(version))
	}
	c.JSON(http.StatusOK, gin.H{"versions": payload})
}

type createVersionRequest struct {
	Content   string `json:"content"`
	StateB64  string `json:"state_b64"`
	WordCount int    `json:"word_count"`
}

func (h *httpHandler) handleCreateVersion(c *gin.Context) {
	_, userID, role, ok := h.resolveRole(c)
	if !ok || !requireWrite(c, role) {
		return
	}
	branchID, err := collab.NewBranchID(c.Param("branchId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_branch_id"})
		return
	}
	var request createVersionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	version, err := h.store.CreateVersion(c.Request.Context(), collab.VersionRequest{
		BranchID:  branchID,
		Content:   request.Content,
		StateB64:  request.StateB64,
		CreatedBy: userID,
		WordCount: request.WordCount,
	})
	if err != nil {
		if errors.Is(err, collab.ErrBranchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "branch_not_found"})
			return
		}
		h.logger.Error("version create failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "version_create_failed"})
		return
	}
	c.JSON(http.StatusCreated, versionToPayload(version))
}

type rollbackRequest struct {
	TargetVersionID string `json:"target_version_id"`
}

func (h *httpHandler) handleRollback(c *gin.Context) {
	_, userID, role, ok := h.resolveRole(c)
	if !ok || !requireWrite(c, role) {
		return
	}
	branchID, err := collab.NewBranchID(c.Param("branchId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_branch_id"})
		return
	}
	var request rollbackRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	targetVersionID, err := collab.NewVersionID(request.TargetVersionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_target_version_id"})
		return
	}
	version, err := h.store.Rollback(c.Request.Context(), branchID, targetVersionID, userID)
	if err != nil {
		switch {
		case errors.Is(err, collab.ErrVersionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "version_not_found"})
		case errors.Is(err, collab.ErrVersionOutsideBranch):
			c.JSON(http.StatusBadRequest, gin.H{"error": "version_outside_branch"})
		default:
			h.logger.Error("rollback failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "rollback_failed"})
		}
		return
	}
	c.JSON(http.StatusCreated, versionToPayload(version))
}

type mergeRequest struct {
	SourceBranchID string `json:"source_branch_id"`
	TargetBranchID string `json:"target_branch_id"`
}

type mergeResponse struct {
	Event    mergeEventPayload      `json:"merge"`
	Version  *versionPayload        `json:"version,omitempty"`
	Conflict *collab.ConflictPayload `json:"conflict,omitempty"`
}

func (h *httpHandler) handleMerge(c *gin.Context) {
	_, userID, role, ok := h.resolveRole(c)
	if !ok || !requireWrite(c, role) {
		return
	}
	documentID, err := collab.NewDocumentID(c.Param("documentId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	var request mergeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	sourceBranchID, err := collab.NewBranchID(request.SourceBranchID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_source_branch_id"})
		return
	}
	targetBranchID, err := collab.NewBranchID(request.TargetBranchID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_target_branch_id"})
		return
	}

	outcome, err := h.merger.Merge(c.Request.Context(), documentID, sourceBranchID, targetBranchID, userID)
	if err != nil {
		switch {
		case errors.Is(err, collab.ErrBranchNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "branch_not_found"})
		case errors.Is(err, collab.ErrNothingToMerge):
			c.JSON(http.StatusBadRequest, gin.H{"error": "no_versions_to_merge"})
		case errors.Is(err, collab.ErrMergeCrossDocument):
			c.JSON(http.StatusBadRequest, gin.H{"error": "cross_document_merge"})
		default:
			h.logger.Error("merge failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "merge_failed"})
		}
		return
	}
	c.JSON(http.StatusOK, mergeOutcomeToResponse(outcome))
}

func mergeOutcomeToResponse(outcome collab.MergeOutcome) mergeResponse {
	response := mergeResponse{
		Event:    mergeEventToPayload(outcome.Event),
		Conflict: outcome.Conflict,
	}
	if outcome.Version != nil {
		version := versionToPayload(*outcome.Version)
		response.Version = &version
	}
	return response
}

func (h *httpHandler) handleListMerges(c *gin.Context) {
	_, _, _, ok := h.resolveRole(c)
	if !ok {
		return
	}
	documentID, err := collab.NewDocumentID(c.Param("documentId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	events, err := h.store.ListMergeEvents(c.Request.Context(), documentID)
	if err != nil {
		h.logger.Error("merge list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "merge_list_failed"})
		return
	}
	payload := make([]mergeEventPayload, 0, len(events))
	for _, event := range events {
		payload = append(payload, mergeEventToPayload(event))
	}
	c.JSON(http.StatusOK, gin.H{"merges": payload})
}

type resolveMergeRequest struct {
	Content   string `json:"content"`
	StateB64  string `json:"state_b64"`
	WordCount int    `json:"word_count"`
}

func (h *httpHandler) handleResolveMerge(c *gin.Context) {
	_, userID, role, ok := h.resolveRole(c)
	if !ok || !requireWrite(c, role) {
		return
	}
	mergeID, err := collab.NewMergeID(c.Param("mergeId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_merge_id"})
		return
	}
	var request resolveMergeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	outcome, err := h.merger.Resolve(c.Request.Context(), mergeID, collab.Resolution{
		Content:   request.Content,
		StateB64:  request.StateB64,
		WordCount: request.WordCount,
	}, userID)
	if err != nil {
		switch {
		case errors.Is(err, collab.ErrMergeNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "merge_not_found"})
		case errors.Is(err, collab.ErrMergeNotConflicted):
			c.JSON(http.StatusConflict, gin.H{"error": "merge_not_conflicted"})
		default:
			h.logger.Error("merge resolve failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "merge_resolve_failed"})
		}
		return
	}
	c.JSON(http.StatusOK, mergeOutcomeToResponse(outcome))
}

func (h *httpHandler) handleListPresence(c *gin.Context) {
	userID, err := collab.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	projectID, err := collab.NewProjectID(c.Param("projectId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_project_id"})
		return
	}
	if _, err := h.store.ResolveRole(c.Request.Context(), projectID, userID); err != nil {
		if errors.Is(err, collab.ErrProjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project_not_found"})
			return
		}
		if errors.Is(err, collab.ErrNoRole) {
			c.JSON(http.StatusForbidden, gin.H{"error": "no_role"})
			return
		}
		h.logger.Error("role resolution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "role_resolution_failed"})
		return
	}
	records, err := h.store.ListPresence(c.Request.Context(), projectID)
	if err != nil {
		h.logger.Error("presence list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"presence": records})
}
