package collab

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("collab: invalid document id")
	// ErrInvalidProjectID indicates that a project identifier is empty or exceeds storage bounds.
	ErrInvalidProjectID = errors.New("collab: invalid project id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("collab: invalid user id")
	// ErrInvalidBranchID indicates that a branch identifier is empty or exceeds storage bounds.
	ErrInvalidBranchID = errors.New("collab: invalid branch id")
	// ErrInvalidBranchName indicates that a branch name is empty or exceeds storage bounds.
	ErrInvalidBranchName = errors.New("collab: invalid branch name")
	// ErrInvalidVersionID indicates that a version identifier is empty or exceeds storage bounds.
	ErrInvalidVersionID = errors.New("collab: invalid version id")
	// ErrInvalidMergeID indicates that a merge identifier is empty or exceeds storage bounds.
	ErrInvalidMergeID = errors.New("collab: invalid merge id")
	// ErrInvalidRole indicates that a role tag is not one of the known roles.
	ErrInvalidRole = errors.New("collab: invalid role")
)

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidDocumentID)
	if err != nil {
		return "", err
	}
	return DocumentID(value), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// ProjectID represents a validated project identifier.
type ProjectID string

// NewProjectID validates raw input and returns a ProjectID.
func NewProjectID(rawInput string) (ProjectID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidProjectID)
	if err != nil {
		return "", err
	}
	return ProjectID(value), nil
}

// String returns the underlying string identifier.
func (id ProjectID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidUserID)
	if err != nil {
		return "", err
	}
	return UserID(value), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// BranchID represents a validated branch identifier.
type BranchID string

// NewBranchID validates raw input and returns a BranchID.
func NewBranchID(rawInput string) (BranchID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidBranchID)
	if err != nil {
		return "", err
	}
	return BranchID(value), nil
}

// String returns the underlying string identifier.
func (id BranchID) String() string {
	return string(id)
}

// VersionID represents a validated version identifier.
type VersionID string

// NewVersionID validates raw input and returns a VersionID.
func NewVersionID(rawInput string) (VersionID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidVersionID)
	if err != nil {
		return "", err
	}
	return VersionID(value), nil
}

// String returns the underlying string identifier.
func (id VersionID) String() string {
	return string(id)
}

// MergeID represents a validated merge event identifier.
type MergeID string

// NewMergeID validates raw input and returns a MergeID.
func NewMergeID(rawInput string) (MergeID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidMergeID)
	if err != nil {
		return "", err
	}
	return MergeID(value), nil
}

// String returns the underlying string identifier.
func (id MergeID) String() string {
	return string(id)
}

// BranchName represents a validated branch name.
type BranchName string

// MainBranchName is the protected default branch every document carries.
const MainBranchName BranchName = "main"

// NewBranchName validates raw input and returns a BranchName.
func NewBranchName(rawInput string) (BranchName, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidBranchName)
	if err != nil {
		return "", err
	}
	return BranchName(value), nil
}

// String returns the underlying branch name.
func (name BranchName) String() string {
	return string(name)
}

// IsMain reports whether the name refers to the protected default branch.
func (name BranchName) IsMain() bool {
	return name == MainBranchName
}

// Role enumerates the project roles a connected user may hold.
type Role string

const (
	// RoleOwner is held by the project owner and grants every capability.
	RoleOwner Role = "owner"
	// RoleEditor grants document write access.
	RoleEditor Role = "editor"
	// RoleReviewer grants commenting but not document writes.
	RoleReviewer Role = "reviewer"
	// RoleReader grants read-only access.
	RoleReader Role = "reader"
)

// ParseRole validates a raw role tag against the closed role set.
func ParseRole(rawInput string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(rawInput))) {
	case RoleOwner:
		return RoleOwner, nil
	case RoleEditor:
		return RoleEditor, nil
	case RoleReviewer:
		return RoleReviewer, nil
	case RoleReader:
		return RoleReader, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, rawInput)
	}
}

// String returns the role tag.
func (role Role) String() string {
	return string(role)
}

// CanWrite reports whether the role may apply document state updates.
func (role Role) CanWrite() bool {
	return role == RoleOwner || role == RoleEditor
}

// CanComment reports whether the role may add or resolve comments.
func (role Role) CanComment() bool {
	return role == RoleOwner || role == RoleEditor || role == RoleReviewer
}

// MergeStatus enumerates merge event lifecycle states.
type MergeStatus string

const (
	// MergeStatusPending marks a merge attempt that has not been decided yet.
	MergeStatusPending MergeStatus = "pending"
	// MergeStatusCompleted marks a merge that produced a version on the target branch.
	MergeStatusCompleted MergeStatus = "completed"
	// MergeStatusConflicted marks a merge awaiting explicit resolution.
	MergeStatusConflicted MergeStatus = "conflicted"
)

// String returns the status tag.
func (status MergeStatus) String() string {
	return string(status)
}

// PresenceStatus enumerates the durable presence states.
type PresenceStatus string

const (
	// PresenceOnline marks a user with a live document connection.
	PresenceOnline PresenceStatus = "online"
	// PresenceOffline marks a user whose connections have all closed.
	PresenceOffline PresenceStatus = "offline"
)

// WordCount computes the stored word count for version content.
func WordCount(content string) int {
	return len(strings.Fields(content))
}
