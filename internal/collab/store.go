package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrProjectNotFound indicates the project does not exist.
	ErrProjectNotFound = errors.New("collab: project not found")
	// ErrNoRole indicates the user has neither ownership nor a stored role.
	ErrNoRole = errors.New("collab: no role in project")
	// ErrBranchNotFound indicates the branch does not exist.
	ErrBranchNotFound = errors.New("collab: branch not found")
	// ErrVersionNotFound indicates the version does not exist.
	ErrVersionNotFound = errors.New("collab: version not found")
	// ErrMergeNotFound indicates the merge event does not exist.
	ErrMergeNotFound = errors.New("collab: merge event not found")
	// ErrProtectedBranch indicates an attempt to delete the main branch.
	ErrProtectedBranch = errors.New("collab: main branch cannot be deleted")
	// ErrDuplicateBranch indicates the document already has a branch with that name.
	ErrDuplicateBranch = errors.New("collab: branch name already in use")
	// ErrVersionOutsideBranch indicates a rollback target outside the branch.
	ErrVersionOutsideBranch = errors.New("collab: version does not belong to branch")
)

// StoreError carries an operation.reason code alongside the underlying cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier for the failure.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

const (
	opStoreNew      = "collab.store.new"
	opLoadState     = "collab.load_state"
	opSaveState     = "collab.save_state"
	opGetProject    = "collab.get_project"
	opResolveRole   = "collab.resolve_role"
	opUpdatePres    = "collab.update_presence"
	opCleanupPres   = "collab.cleanup_presence"
	fieldDocumentID = "document_id"
	fieldProjectID  = "project_id"
	fieldUserID     = "user_id"
	fieldBranchID   = "branch_id"
)

// IDProvider issues identifiers for newly created records.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig describes the dependencies required by the store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store owns durable document state, branch/version history, merge events,
// presence, and role lookups.
type Store struct {
	db          *gorm.DB
	clock       func() time.Time
	idProvider  IDProvider
	logger      *zap.Logger
	branchLocks *branchLocks
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:          cfg.Database,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		logger:      logger,
		branchLocks: newBranchLocks(),
	}, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("collab store error", attrs...)
}

// LoadState returns the last persisted shared state blob for a document. The
// second return value reports whether a persisted state exists.
func (s *Store) LoadState(ctx context.Context, documentID DocumentID) (string, bool, error) {
	var record DocumentState
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		s.logError(opLoadState, "query_failed", err, zap.String(fieldDocumentID, documentID.String()))
		return "", false, newStoreError(opLoadState, "query_failed", err)
	}
	return record.StateB64, true, nil
}

// SaveState upserts the persisted shared state blob for a document.
func (s *Store) SaveState(ctx context.Context, documentID DocumentID, projectID ProjectID, stateB64 string) error {
	record := DocumentState{
		DocumentID:     documentID.String(),
		ProjectID:      projectID.String(),
		StateB64:       stateB64,
		SavedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"project_id", "state_b64", "saved_at_s"}),
	}).Create(&record).Error
	if err != nil {
		s.logError(opSaveState, "upsert_failed", err, zap.String(fieldDocumentID, documentID.String()))
		return newStoreError(opSaveState, "upsert_failed", err)
	}
	return nil
}

// GetProject returns the project record for the provided identifier.
func (s *Store) GetProject(ctx context.Context, projectID ProjectID) (Project, error) {
	var project Project
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID.String()).
		Take(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Project{}, ErrProjectNotFound
	}
	if err != nil {
		s.logError(opGetProject, "query_failed", err, zap.String(fieldProjectID, projectID.String()))
		return Project{}, newStoreError(opGetProject, "query_failed", err)
	}
	return project, nil
}

// ResolveRole resolves the role a user holds in a project: project ownership
// yields RoleOwner, otherwise the stored membership role, otherwise ErrNoRole.
func (s *Store) ResolveRole(ctx context.Context, projectID ProjectID, userID UserID) (Role, error) {
	project, err := s.GetProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	if project.OwnerID == userID.String() {
		return RoleOwner, nil
	}

	var member ProjectMember
	err = s.db.WithContext(ctx).
		Where("project_id = ? AND user_id = ?", projectID.String(), userID.String()).
		Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNoRole
	}
	if err != nil {
		s.logError(opResolveRole, "query_failed", err,
			zap.String(fieldProjectID, projectID.String()),
			zap.String(fieldUserID, userID.String()))
		return "", newStoreError(opResolveRole, "query_failed", err)
	}
	return ParseRole(member.Role)
}

// PresenceUpdate describes one durable presence write.
type PresenceUpdate struct {
	ProjectID  ProjectID
	UserID     UserID
	DocumentID *DocumentID
	Status     PresenceStatus
	CursorJSON string
	Color      string
}

// UpdatePresence upserts the durable presence record for a user in a project.
func (s *Store) UpdatePresence(ctx context.Context, update PresenceUpdate) error {
	record := PresenceRecord{
		ProjectID:        update.ProjectID.String(),
		UserID:           update.UserID.String(),
		Status:           string(update.Status),
		CursorJSON:       update.CursorJSON,
		Color:            update.Color,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	if update.DocumentID != nil {
		documentID := update.DocumentID.String()
		record.DocumentID = &documentID
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"document_id", "status", "cursor_json", "color", "updated_at_s"}),
	}).Create(&record).Error
	if err != nil {
		s.logError(opUpdatePres, "upsert_failed", err,
			zap.String(fieldProjectID, update.ProjectID.String()),
			zap.String(fieldUserID, update.UserID.String()))
		return newStoreError(opUpdatePres, "upsert_failed", err)
	}
	return nil
}

// ListPresence returns the presence records stored for a project.
func (s *Store) ListPresence(ctx context.Context, projectID ProjectID) ([]PresenceRecord, error) {
	var records []PresenceRecord
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID.String()).
		Find(&records).Error; err != nil {
		s.logError(opUpdatePres, "query_failed", err, zap.String(fieldProjectID, projectID.String()))
		return nil, newStoreError(opUpdatePres, "query_failed", err)
	}
	return records, nil
}

// CleanupStalePresence marks online presence rows offline once they have not
// been refreshed within the provided TTL. It returns the number of rows aged out.
func (s *Store) CleanupStalePresence(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := s.clock().UTC().Add(-ttl).Unix()
	result := s.db.WithContext(ctx).
		Model(&PresenceRecord{}).
		Where("status = ? AND updated_at_s < ?", string(PresenceOnline), cutoff).
		Updates(map[string]interface{}{
			"status":      string(PresenceOffline),
			"document_id": nil,
		})
	if result.Error != nil {
		s.logError(opCleanupPres, "update_failed", result.Error)
		return 0, newStoreError(opCleanupPres, "update_failed", result.Error)
	}
	return result.RowsAffected, nil
}
