package collab

// Project anchors ownership and membership for a set of documents.
type Project struct {
	ProjectID        string `gorm:"column:project_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index"`
	Name             string `gorm:"column:name;size:320;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Project) TableName() string {
	return "projects"
}

// ProjectMember stores the per-project role granted to a non-owner user.
type ProjectMember struct {
	ProjectID string `gorm:"column:project_id;primaryKey;size:190;not null"`
	UserID    string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Role      string `gorm:"column:role;size:32;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ProjectMember) TableName() string {
	return "project_members"
}

// DocumentState stores the last persisted shared state blob for a document.
type DocumentState struct {
	DocumentID     string `gorm:"column:document_id;primaryKey;size:190;not null"`
	ProjectID      string `gorm:"column:project_id;size:190;not null;index"`
	StateB64       string `gorm:"column:state_b64;type:text;not null"`
	SavedAtSeconds int64  `gorm:"column:saved_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentState) TableName() string {
	return "document_states"
}

// Branch names an independent line of version history for a document.
// Parent pointers form a tree used to seed common-ancestor search.
type Branch struct {
	BranchID         string  `gorm:"column:branch_id;primaryKey;size:190;not null"`
	DocumentID       string  `gorm:"column:document_id;size:190;not null;index:idx_branches_document,priority:1"`
	Name             string  `gorm:"column:name;size:190;not null;index:idx_branches_document,priority:2"`
	Description      string  `gorm:"column:description;type:text;not null;default:''"`
	ParentBranchID   *string `gorm:"column:parent_branch_id;size:190"`
	ForkVersionID    *string `gorm:"column:fork_version_id;size:190"`
	CreatedBy        string  `gorm:"column:created_by;size:190;not null"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Branch) TableName() string {
	return "branches"
}

// Version is an immutable appended snapshot of branch content. Rows are never
// updated or deleted; the branch head is the row with the highest sequence.
type Version struct {
	Seq              int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	VersionID        string `gorm:"column:version_id;size:190;not null;uniqueIndex"`
	BranchID         string `gorm:"column:branch_id;size:190;not null;index:idx_versions_branch_seq,priority:1"`
	DocumentID       string `gorm:"column:document_id;size:190;not null;index"`
	Content          string `gorm:"column:content;type:text;not null"`
	StateB64         string `gorm:"column:state_b64;type:text;not null;default:''"`
	WordCount        int    `gorm:"column:word_count;not null;default:0"`
	CreatedBy        string `gorm:"column:created_by;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_versions_branch_seq,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Version) TableName() string {
	return "versions"
}

// MergeEvent records one merge attempt between two branches of a document and
// its resolution lifecycle.
type MergeEvent struct {
	MergeID           string  `gorm:"column:merge_id;primaryKey;size:190;not null"`
	DocumentID        string  `gorm:"column:document_id;size:190;not null;index"`
	SourceBranchID    string  `gorm:"column:source_branch_id;size:190;not null"`
	TargetBranchID    string  `gorm:"column:target_branch_id;size:190;not null"`
	Status            string  `gorm:"column:status;size:32;not null"`
	ConflictJSON      string  `gorm:"column:conflict_json;type:text;not null;default:''"`
	MergedVersionID   *string `gorm:"column:merged_version_id;size:190"`
	InitiatedBy       string  `gorm:"column:initiated_by;size:190;not null"`
	ResolvedBy        string  `gorm:"column:resolved_by;size:190;not null;default:''"`
	CreatedAtSeconds  int64   `gorm:"column:created_at_s;not null"`
	ResolvedAtSeconds int64   `gorm:"column:resolved_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (MergeEvent) TableName() string {
	return "merge_events"
}

// PresenceRecord stores durable presence so collaborators can be queried
// out-of-band from the live connection.
type PresenceRecord struct {
	ProjectID        string  `gorm:"column:project_id;primaryKey;size:190;not null"`
	UserID           string  `gorm:"column:user_id;primaryKey;size:190;not null"`
	DocumentID       *string `gorm:"column:document_id;size:190"`
	Status           string  `gorm:"column:status;size:32;not null"`
	CursorJSON       string  `gorm:"column:cursor_json;type:text;not null;default:''"`
	Color            string  `gorm:"column:color;size:16;not null;default:''"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PresenceRecord) TableName() string {
	return "presence"
}
