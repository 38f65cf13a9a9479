package collab

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opEnsureMain    = "collab.ensure_main_branch"
	opCreateBranch  = "collab.create_branch"
	opGetBranch     = "collab.get_branch"
	opListBranches  = "collab.list_branches"
	opDeleteBranch  = "collab.delete_branch"
	opCreateVersion = "collab.create_version"
	opGetVersion    = "collab.get_version"
	opBranchHead    = "collab.get_branch_head"
	opListVersions  = "collab.list_versions"
	opRollback      = "collab.rollback"
	opLineage       = "collab.find_common_ancestor"
)

// BranchRequest describes the inputs for creating a branch.
type BranchRequest struct {
	DocumentID     DocumentID
	Name           BranchName
	Description    string
	ParentBranchID *BranchID
	CreatedBy      UserID
}

// EnsureMainBranch guarantees the document has exactly one branch named main,
// creating it on first use. It returns the main branch either way.
func (s *Store) EnsureMainBranch(ctx context.Context, documentID DocumentID, createdBy UserID) (Branch, error) {
	var existing Branch
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND name = ?", documentID.String(), MainBranchName.String()).
		Take(&existing).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opEnsureMain, "query_failed", err, zap.String(fieldDocumentID, documentID.String()))
		return Branch{}, newStoreError(opEnsureMain, "query_failed", err)
	}
	return s.CreateBranch(ctx, BranchRequest{
		DocumentID: documentID,
		Name:       MainBranchName,
		CreatedBy:  createdBy,
	})
}

// CreateBranch appends a new branch record. No content is copied: a branch has
// no versions until the first edit or checkpoint creates one. When a parent is
// named, the parent's current head is recorded as the fork point so
// common-ancestor search stays correct after the parent advances.
func (s *Store) CreateBranch(ctx context.Context, request BranchRequest) (Branch, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Branch{}).
		Where("document_id = ? AND name = ?", request.DocumentID.String(), request.Name.String()).
		Count(&count).Error; err != nil {
		s.logError(opCreateBranch, "query_failed", err, zap.String(fieldDocumentID, request.DocumentID.String()))
		return Branch{}, newStoreError(opCreateBranch, "query_failed", err)
	}
	if count > 0 {
		return Branch{}, ErrDuplicateBranch
	}

	branchID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateBranch, "id_generation_failed", err)
		return Branch{}, newStoreError(opCreateBranch, "id_generation_failed", err)
	}
	branch := Branch{
		BranchID:         branchID,
		DocumentID:       request.DocumentID.String(),
		Name:             request.Name.String(),
		Description:      request.Description,
		CreatedBy:        request.CreatedBy.String(),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if request.ParentBranchID != nil {
		parent := request.ParentBranchID.String()
		branch.ParentBranchID = &parent
		parentHead, err := s.GetBranchHead(ctx, *request.ParentBranchID)
		if err != nil {
			return Branch{}, err
		}
		if parentHead != nil {
			forkVersionID := parentHead.VersionID
			branch.ForkVersionID = &forkVersionID
		}
	}
	if err := s.db.WithContext(ctx).Create(&branch).Error; err != nil {
		s.logError(opCreateBranch, "insert_failed", err, zap.String(fieldDocumentID, request.DocumentID.String()))
		return Branch{}, newStoreError(opCreateBranch, "insert_failed", err)
	}
	return branch, nil
}

// GetBranch returns the branch record for the provided identifier.
func (s *Store) GetBranch(ctx context.Context, branchID BranchID) (Branch, error) {
	var branch Branch
	err := s.db.WithContext(ctx).
		Where("branch_id = ?", branchID.String()).
		Take(&branch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Branch{}, ErrBranchNotFound
	}
	if err != nil {
		s.logError(opGetBranch, "query_failed", err, zap.String(fieldBranchID, branchID.String()))
		return Branch{}, newStoreError(opGetBranch, "query_failed", err)
	}
	return branch, nil
}

// ListBranches returns every branch of a document, oldest first.
func (s *Store) ListBranches(ctx context.Context, documentID DocumentID) ([]Branch, error) {
	var branches []Branch
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID.String()).
		Order("created_at_s ASC").
		Find(&branches).Error; err != nil {
		s.logError(opListBranches, "query_failed", err, zap.String(fieldDocumentID, documentID.String()))
		return nil, newStoreError(opListBranches, "query_failed", err)
	}
	return branches, nil
}

// DeleteBranch removes a branch record. The main branch is protected. Version
// rows are left in place: history is never destroyed.
func (s *Store) DeleteBranch(ctx context.Context, branchID BranchID) error {
	branch, err := s.GetBranch(ctx, branchID)
	if err != nil {
		return err
	}
	if BranchName(branch.Name).IsMain() {
		return ErrProtectedBranch
	}
	if err := s.db.WithContext(ctx).
		Where("branch_id = ?", branchID.String()).
		Delete(&Branch{}).Error; err != nil {
		s.logError(opDeleteBranch, "delete_failed", err, zap.String(fieldBranchID, branchID.String()))
		return newStoreError(opDeleteBranch, "delete_failed", err)
	}
	return nil
}

// VersionRequest describes the inputs for appending a version.
type VersionRequest struct {
	BranchID  BranchID
	Content   string
	StateB64  string
	CreatedBy UserID
	WordCount int
}

// CreateVersion appends an immutable version to a branch. Existing rows are
// never rewritten. A zero word count is derived from the content.
func (s *Store) CreateVersion(ctx context.Context, request VersionRequest) (Version, error) {
	branch, err := s.GetBranch(ctx, request.BranchID)
	if err != nil {
		return Version{}, err
	}
	versionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateVersion, "id_generation_failed", err)
		return Version{}, newStoreError(opCreateVersion, "id_generation_failed", err)
	}
	wordCount := request.WordCount
	if wordCount <= 0 {
		wordCount = WordCount(request.Content)
	}
	version := Version{
		VersionID:        versionID,
		BranchID:         branch.BranchID,
		DocumentID:       branch.DocumentID,
		Content:          request.Content,
		StateB64:         request.StateB64,
		WordCount:        wordCount,
		CreatedBy:        request.CreatedBy.String(),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&version).Error; err != nil {
		s.logError(opCreateVersion, "insert_failed", err, zap.String(fieldBranchID, request.BranchID.String()))
		return Version{}, newStoreError(opCreateVersion, "insert_failed", err)
	}
	return version, nil
}

// GetVersion returns the version record for the provided identifier.
func (s *Store) GetVersion(ctx context.Context, versionID VersionID) (Version, error) {
	var version Version
	err := s.db.WithContext(ctx).
		Where("version_id = ?", versionID.String()).
		Take(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Version{}, ErrVersionNotFound
	}
	if err != nil {
		s.logError(opGetVersion, "query_failed", err)
		return Version{}, newStoreError(opGetVersion, "query_failed", err)
	}
	return version, nil
}

// GetBranchHead returns the most recently created version of a branch, or nil
// when the branch has no versions yet.
func (s *Store) GetBranchHead(ctx context.Context, branchID BranchID) (*Version, error) {
	var version Version
	err := s.db.WithContext(ctx).
		Where("branch_id = ?", branchID.String()).
		Order("seq DESC").
		Take(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opBranchHead, "query_failed", err, zap.String(fieldBranchID, branchID.String()))
		return nil, newStoreError(opBranchHead, "query_failed", err)
	}
	return &version, nil
}

// ListVersions returns the append-only version log of a branch, oldest first.
func (s *Store) ListVersions(ctx context.Context, branchID BranchID) ([]Version, error) {
	var versions []Version
	if err := s.db.WithContext(ctx).
		Where("branch_id = ?", branchID.String()).
		Order("seq ASC").
		Find(&versions).Error; err != nil {
		s.logError(opListVersions, "query_failed", err, zap.String(fieldBranchID, branchID.String()))
		return nil, newStoreError(opListVersions, "query_failed", err)
	}
	return versions, nil
}

// Rollback appends a new version whose content equals the target version's
// content. History is preserved, not truncated. The target must belong to the
// branch being rolled back.
func (s *Store) Rollback(ctx context.Context, branchID BranchID, targetVersionID VersionID, actor UserID) (Version, error) {
	unlock := s.lockBranch(branchID)
	defer unlock()

	target, err := s.GetVersion(ctx, targetVersionID)
	if err != nil {
		return Version{}, err
	}
	if target.BranchID != branchID.String() {
		return Version{}, ErrVersionOutsideBranch
	}
	version, err := s.CreateVersion(ctx, VersionRequest{
		BranchID:  branchID,
		Content:   target.Content,
		StateB64:  target.StateB64,
		CreatedBy: actor,
		WordCount: target.WordCount,
	})
	if err != nil {
		s.logError(opRollback, "append_failed", err, zap.String(fieldBranchID, branchID.String()))
		return Version{}, err
	}
	return version, nil
}

// branchLink is one step of a branch's parent chain: the branch itself plus
// the version of its parent it forked from.
type branchLink struct {
	branchID      string
	forkVersionID *string
}

// FindCommonAncestor returns the most recent version both branches are based
// on: the fork point where their histories last agreed. It returns nil when
// the branches share no version.
func (s *Store) FindCommonAncestor(ctx context.Context, branchA, branchB BranchID) (*Version, error) {
	chainA, err := s.parentChain(ctx, branchA)
	if err != nil {
		return nil, err
	}
	chainB, err := s.parentChain(ctx, branchB)
	if err != nil {
		return nil, err
	}

	indexA := make(map[string]int, len(chainA))
	for i, link := range chainA {
		indexA[link.branchID] = i
	}
	sharedA, sharedB := -1, -1
	for i, link := range chainB {
		if j, ok := indexA[link.branchID]; ok {
			sharedA, sharedB = j, i
			break
		}
	}
	if sharedA < 0 {
		return nil, nil
	}

	// Each chain sees the shared branch's history only up to the fork where
	// it departed; a chain that IS the shared branch sees all of it. The
	// common ancestor is the earlier of the two fork points.
	boundA, emptyA := departureFork(chainA, sharedA)
	boundB, emptyB := departureFork(chainB, sharedB)
	if emptyA || emptyB {
		// One side forked before the shared branch had any version.
		return nil, nil
	}
	if boundA == nil && boundB == nil {
		return s.GetBranchHead(ctx, BranchID(chainA[sharedA].branchID))
	}

	var candidates []*Version
	for _, bound := range []*string{boundA, boundB} {
		if bound == nil {
			continue
		}
		version, err := s.GetVersion(ctx, VersionID(*bound))
		if err != nil {
			if errors.Is(err, ErrVersionNotFound) {
				s.logError(opLineage, "fork_version_missing", err)
				return nil, nil
			}
			return nil, err
		}
		candidates = append(candidates, &version)
	}
	ancestor := candidates[0]
	for _, candidate := range candidates[1:] {
		if candidate.Seq < ancestor.Seq {
			ancestor = candidate
		}
	}
	return ancestor, nil
}

// departureFork returns the fork version bounding a chain's view of the
// shared branch at sharedIndex. A nil bound with empty=false means the chain
// is the shared branch itself and sees its whole history; empty=true means
// the chain departed before the shared branch had any version.
func departureFork(chain []branchLink, sharedIndex int) (bound *string, empty bool) {
	if sharedIndex == 0 {
		return nil, false
	}
	child := chain[sharedIndex-1]
	if child.forkVersionID == nil {
		return nil, true
	}
	return child.forkVersionID, false
}

// parentChain walks a branch's parent pointers to the root, leaf first.
func (s *Store) parentChain(ctx context.Context, branchID BranchID) ([]branchLink, error) {
	var chain []branchLink
	visited := make(map[string]struct{})
	current := branchID.String()
	for current != "" {
		if _, seen := visited[current]; seen {
			break
		}
		visited[current] = struct{}{}
		branch, err := s.GetBranch(ctx, BranchID(current))
		if err != nil {
			if errors.Is(err, ErrBranchNotFound) {
				break
			}
			return nil, err
		}
		chain = append(chain, branchLink{branchID: branch.BranchID, forkVersionID: branch.ForkVersionID})
		if branch.ParentBranchID == nil {
			break
		}
		current = *branch.ParentBranchID
	}
	return chain, nil
}
