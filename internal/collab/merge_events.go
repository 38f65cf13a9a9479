package collab

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCreateMergeEvent = "collab.create_merge_event"
	opUpdateMergeEvent = "collab.update_merge_event"
	opGetMergeEvent    = "collab.get_merge_event"
	opListMergeEvents  = "collab.list_merge_events"
)

// MergeEventRequest describes the inputs for recording a merge attempt.
type MergeEventRequest struct {
	DocumentID     DocumentID
	SourceBranchID BranchID
	TargetBranchID BranchID
	InitiatedBy    UserID
}

// MergeEventUpdate describes a lifecycle transition on a merge event.
type MergeEventUpdate struct {
	Status          MergeStatus
	ConflictJSON    string
	MergedVersionID *string
	ResolvedBy      string
}

// CreateMergeEvent records a pending merge attempt.
func (s *Store) CreateMergeEvent(ctx context.Context, request MergeEventRequest) (MergeEvent, error) {
	mergeID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateMergeEvent, "id_generation_failed", err)
		return MergeEvent{}, newStoreError(opCreateMergeEvent, "id_generation_failed", err)
	}
	event := MergeEvent{
		MergeID:          mergeID,
		DocumentID:       request.DocumentID.String(),
		SourceBranchID:   request.SourceBranchID.String(),
		TargetBranchID:   request.TargetBranchID.String(),
		Status:           string(MergeStatusPending),
		InitiatedBy:      request.InitiatedBy.String(),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		s.logError(opCreateMergeEvent, "insert_failed", err, zap.String(fieldDocumentID, request.DocumentID.String()))
		return MergeEvent{}, newStoreError(opCreateMergeEvent, "insert_failed", err)
	}
	return event, nil
}

// UpdateMergeEvent applies a lifecycle transition and returns the stored event.
func (s *Store) UpdateMergeEvent(ctx context.Context, mergeID MergeID, update MergeEventUpdate) (MergeEvent, error) {
	event, err := s.GetMergeEvent(ctx, mergeID)
	if err != nil {
		return MergeEvent{}, err
	}
	event.Status = string(update.Status)
	if update.ConflictJSON != "" {
		event.ConflictJSON = update.ConflictJSON
	}
	if update.MergedVersionID != nil {
		event.MergedVersionID = update.MergedVersionID
	}
	if update.ResolvedBy != "" {
		event.ResolvedBy = update.ResolvedBy
		event.ResolvedAtSeconds = s.clock().UTC().Unix()
	}
	if err := s.db.WithContext(ctx).Save(&event).Error; err != nil {
		s.logError(opUpdateMergeEvent, "save_failed", err, zap.String("merge_id", mergeID.String()))
		return MergeEvent{}, newStoreError(opUpdateMergeEvent, "save_failed", err)
	}
	return event, nil
}

// GetMergeEvent returns the merge event for the provided identifier.
func (s *Store) GetMergeEvent(ctx context.Context, mergeID MergeID) (MergeEvent, error) {
	var event MergeEvent
	err := s.db.WithContext(ctx).
		Where("merge_id = ?", mergeID.String()).
		Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return MergeEvent{}, ErrMergeNotFound
	}
	if err != nil {
		s.logError(opGetMergeEvent, "query_failed", err, zap.String("merge_id", mergeID.String()))
		return MergeEvent{}, newStoreError(opGetMergeEvent, "query_failed", err)
	}
	return event, nil
}

// ListMergeEvents returns the merge events recorded for a document, newest first.
func (s *Store) ListMergeEvents(ctx context.Context, documentID DocumentID) ([]MergeEvent, error) {
	var events []MergeEvent
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID.String()).
		Order("created_at_s DESC").
		Find(&events).Error; err != nil {
		s.logError(opListMergeEvents, "query_failed", err, zap.String(fieldDocumentID, documentID.String()))
		return nil, newStoreError(opListMergeEvents, "query_failed", err)
	}
	return events, nil
}
