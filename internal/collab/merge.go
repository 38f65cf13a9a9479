package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrNothingToMerge indicates that one of the branches has no versions.
	ErrNothingToMerge = errors.New("collab: no versions to merge")
	// ErrMergeNotConflicted indicates a resolution attempt on a merge that is
	// not awaiting resolution.
	ErrMergeNotConflicted = errors.New("collab: merge event is not conflicted")
	// ErrMergeCrossDocument indicates the branches belong to different documents.
	ErrMergeCrossDocument = errors.New("collab: branches belong to different documents")
)

const (
	opMerge        = "collab.merge"
	opResolveMerge = "collab.resolve_merge"
)

// ConflictPayload captures the three contents a human needs to resolve a
// diverged merge.
type ConflictPayload struct {
	AncestorContent string `json:"ancestor_content"`
	SourceContent   string `json:"source_content"`
	TargetContent   string `json:"target_content"`
}

// MergeOutcome reports the result of one merge attempt.
type MergeOutcome struct {
	Event    MergeEvent
	Version  *Version
	Conflict *ConflictPayload
}

// Resolution carries the human-supplied content that settles a conflicted merge.
type Resolution struct {
	Content   string
	StateB64  string
	WordCount int
}

// Merger implements three-way merges between branches of a document. Conflict
// detection compares whole-document content against the common ancestor: if
// both heads diverged from the ancestor the merge is conflicted, otherwise it
// fast-forwards the target.
type Merger struct {
	store  *Store
	logger *zap.Logger
}

// MergerConfig describes the dependencies required by the merge engine.
type MergerConfig struct {
	Store  *Store
	Logger *zap.Logger
}

// NewMerger validates the configuration and returns a Merger.
func NewMerger(cfg MergerConfig) (*Merger, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("collab: merger requires a store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Merger{store: cfg.Store, logger: logger}, nil
}

// Merge attempts to merge the source branch into the target branch. Both
// branches must carry at least one version. The returned outcome holds the
// recorded merge event, the appended version on a clean merge, and the
// conflict payload when resolution is required.
func (m *Merger) Merge(ctx context.Context, documentID DocumentID, sourceBranchID, targetBranchID BranchID, actor UserID) (MergeOutcome, error) {
	unlock := m.store.lockBranch(targetBranchID)
	defer unlock()

	sourceBranch, err := m.store.GetBranch(ctx, sourceBranchID)
	if err != nil {
		return MergeOutcome{}, err
	}
	targetBranch, err := m.store.GetBranch(ctx, targetBranchID)
	if err != nil {
		return MergeOutcome{}, err
	}
	if sourceBranch.DocumentID != targetBranch.DocumentID || sourceBranch.DocumentID != documentID.String() {
		return MergeOutcome{}, ErrMergeCrossDocument
	}

	sourceHead, err := m.store.GetBranchHead(ctx, sourceBranchID)
	if err != nil {
		return MergeOutcome{}, err
	}
	targetHead, err := m.store.GetBranchHead(ctx, targetBranchID)
	if err != nil {
		return MergeOutcome{}, err
	}
	if sourceHead == nil || targetHead == nil {
		return MergeOutcome{}, ErrNothingToMerge
	}

	ancestorContent := ""
	ancestor, err := m.store.FindCommonAncestor(ctx, sourceBranchID, targetBranchID)
	if err != nil {
		return MergeOutcome{}, err
	}
	if ancestor != nil {
		ancestorContent = ancestor.Content
	}

	event, err := m.store.CreateMergeEvent(ctx, MergeEventRequest{
		DocumentID:     documentID,
		SourceBranchID: sourceBranchID,
		TargetBranchID: targetBranchID,
		InitiatedBy:    actor,
	})
	if err != nil {
		return MergeOutcome{}, err
	}

	sourceDiverged := sourceHead.Content != ancestorContent
	targetDiverged := targetHead.Content != ancestorContent

	// Identical heads never conflict, whatever the ancestor says: repeating
	// a merge that already converged the branches stays clean.
	if sourceDiverged && targetDiverged && sourceHead.Content != targetHead.Content {
		conflict := ConflictPayload{
			AncestorContent: ancestorContent,
			SourceContent:   sourceHead.Content,
			TargetContent:   targetHead.Content,
		}
		conflictJSON, marshalErr := json.Marshal(conflict)
		if marshalErr != nil {
			m.logger.Error("merge conflict payload encode failed",
				zap.String("operation", opMerge), zap.Error(marshalErr))
			return MergeOutcome{}, newStoreError(opMerge, "conflict_encode_failed", marshalErr)
		}
		event, err = m.store.UpdateMergeEvent(ctx, MergeID(event.MergeID), MergeEventUpdate{
			Status:       MergeStatusConflicted,
			ConflictJSON: string(conflictJSON),
		})
		if err != nil {
			return MergeOutcome{}, err
		}
		m.logger.Info("merge conflicted",
			zap.String(fieldDocumentID, documentID.String()),
			zap.String("source_branch_id", sourceBranchID.String()),
			zap.String("target_branch_id", targetBranchID.String()))
		return MergeOutcome{Event: event, Conflict: &conflict}, nil
	}

	// Clean merge: fast-forward the target to the source head content. When
	// only the target diverged this repeats the target head, never losing it.
	mergedContent := sourceHead.Content
	mergedState := sourceHead.StateB64
	mergedWords := sourceHead.WordCount
	if !sourceDiverged && targetDiverged {
		mergedContent = targetHead.Content
		mergedState = targetHead.StateB64
		mergedWords = targetHead.WordCount
	}
	version, err := m.store.CreateVersion(ctx, VersionRequest{
		BranchID:  targetBranchID,
		Content:   mergedContent,
		StateB64:  mergedState,
		CreatedBy: actor,
		WordCount: mergedWords,
	})
	if err != nil {
		return MergeOutcome{}, err
	}
	mergedVersionID := version.VersionID
	event, err = m.store.UpdateMergeEvent(ctx, MergeID(event.MergeID), MergeEventUpdate{
		Status:          MergeStatusCompleted,
		MergedVersionID: &mergedVersionID,
		ResolvedBy:      actor.String(),
	})
	if err != nil {
		return MergeOutcome{}, err
	}
	m.logger.Info("merge completed",
		zap.String(fieldDocumentID, documentID.String()),
		zap.String("merged_version_id", version.VersionID))
	return MergeOutcome{Event: event, Version: &version}, nil
}

// Resolve settles a conflicted merge with human-supplied content. Exactly one
// version is appended to the target branch and the event flips to completed.
// Resolving a merge that is not conflicted is rejected.
func (m *Merger) Resolve(ctx context.Context, mergeID MergeID, resolution Resolution, resolver UserID) (MergeOutcome, error) {
	event, err := m.store.GetMergeEvent(ctx, mergeID)
	if err != nil {
		return MergeOutcome{}, err
	}

	targetBranchID := BranchID(event.TargetBranchID)
	unlock := m.store.lockBranch(targetBranchID)
	defer unlock()

	// Re-read under the branch lock: a concurrent resolve may have completed
	// the event between the first read and lock acquisition, and passing a
	// stale conflicted status here would append a second version.
	event, err = m.store.GetMergeEvent(ctx, mergeID)
	if err != nil {
		return MergeOutcome{}, err
	}
	if MergeStatus(event.Status) != MergeStatusConflicted {
		return MergeOutcome{}, ErrMergeNotConflicted
	}

	version, err := m.store.CreateVersion(ctx, VersionRequest{
		BranchID:  targetBranchID,
		Content:   resolution.Content,
		StateB64:  resolution.StateB64,
		CreatedBy: resolver,
		WordCount: resolution.WordCount,
	})
	if err != nil {
		return MergeOutcome{}, err
	}
	mergedVersionID := version.VersionID
	event, err = m.store.UpdateMergeEvent(ctx, mergeID, MergeEventUpdate{
		Status:          MergeStatusCompleted,
		MergedVersionID: &mergedVersionID,
		ResolvedBy:      resolver.String(),
	})
	if err != nil {
		return MergeOutcome{}, err
	}
	m.logger.Info("merge resolved",
		zap.String("merge_id", mergeID.String()),
		zap.String("merged_version_id", version.VersionID))
	return MergeOutcome{Event: event, Version: &version}, nil
}
