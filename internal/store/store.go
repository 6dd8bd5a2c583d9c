// Package store declares the record types, filter criteria, and repository
// contracts for progress updates and their comments. Implementations live in
// internal/storage.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrInvalidInput signals a request that fails field-level validation.
var ErrInvalidInput = errors.New("invalid input")

// ProgressCannotDecreaseError reports a write that would lower a project's
// recorded percentage below the maximum already stored for it.
type ProgressCannotDecreaseError struct {
	// MinAllowed is the highest percentage currently stored for the project.
	MinAllowed int
	// Provided is the rejected candidate percentage.
	Provided int
}

func (e *ProgressCannotDecreaseError) Error() string {
	return fmt.Sprintf("progress percentage cannot decrease: minimum allowed %d, provided %d", e.MinAllowed, e.Provided)
}

// CheckMonotonic validates a candidate percentage against the stored maximum
// for its project. Both storage backends call this inside their write-side
// critical section so concurrent writers cannot race past the check.
func CheckMonotonic(minAllowed, provided int) error {
	if provided < minAllowed {
		return &ProgressCannotDecreaseError{MinAllowed: minAllowed, Provided: provided}
	}
	return nil
}

// ProgressUpdate is one reported progress snapshot for a project/contract.
type ProgressUpdate struct {
	// ID is assigned by the store on creation and immutable afterwards.
	ID int64
	// ProjectID, ContractID and FreelancerID are opaque references to
	// entities owned by other services; no referential integrity here.
	ProjectID    int64
	ContractID   int64
	FreelancerID int64
	// Title is required short text.
	Title string
	// Description is optional free text; nil means none was provided.
	Description *string
	// ProgressPercentage is in [0,100] and never decreases per project.
	ProgressPercentage int
	// CreatedAt is set once at creation.
	CreatedAt time.Time
	// UpdatedAt is set at creation and on every mutation.
	UpdatedAt time.Time
}

// NewProgressUpdate carries the caller-supplied fields for a create or a
// full update. The store assigns id and timestamps.
type NewProgressUpdate struct {
	ProjectID          int64
	ContractID         int64
	FreelancerID       int64
	Title              string
	Description        *string
	ProgressPercentage int
}

// Validate enforces field-level constraints before any storage work.
func (n NewProgressUpdate) Validate() error {
	if n.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if n.ProgressPercentage < 0 || n.ProgressPercentage > 100 {
		return fmt.Errorf("%w: progress percentage must be between 0 and 100", ErrInvalidInput)
	}
	return nil
}

// ProgressComment is a remark attached to a ProgressUpdate. Comments are
// owned by their update and are removed when it is deleted.
type ProgressComment struct {
	ID               int64
	ProgressUpdateID int64
	// UserID is the author, validated against the identity service at
	// creation time.
	UserID    int64
	Message   string
	CreatedAt time.Time
}

// NewProgressComment carries the caller-supplied fields for a comment.
type NewProgressComment struct {
	ProgressUpdateID int64
	UserID           int64
	Message          string
}

// Validate enforces field-level constraints.
func (n NewProgressComment) Validate() error {
	if n.Message == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	return nil
}

// SortField names a sortable ProgressUpdate column.
type SortField string

// Sortable fields accepted by List.
const (
	SortByID        SortField = "id"
	SortByCreatedAt SortField = "createdAt"
	SortByUpdatedAt SortField = "updatedAt"
	SortByProgress  SortField = "progressPercentage"
	SortByTitle     SortField = "title"
)

// ValidSortField reports whether f is one of the sortable columns.
func ValidSortField(f SortField) bool {
	switch f {
	case SortByID, SortByCreatedAt, SortByUpdatedAt, SortByProgress, SortByTitle:
		return true
	}
	return false
}

// SortSpec pairs a sortable field with a direction.
type SortSpec struct {
	Field SortField
	Desc  bool
}

// DefaultSort orders by creation time, newest first.
func DefaultSort() SortSpec {
	return SortSpec{Field: SortByCreatedAt, Desc: true}
}

// PageRequest is a zero-based page index plus a page size.
type PageRequest struct {
	Page int
	Size int
}

// Page size bounds applied by Normalize.
const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// Normalize clamps the request to sane bounds: page >= 0, size defaulting to
// DefaultPageSize and capped at MaxPageSize.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 0 {
		p.Page = 0
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// UpdatePage is one page of progress updates plus total-count metadata.
type UpdatePage struct {
	Updates    []ProgressUpdate
	TotalCount int64
	Page       int
	Size       int
}

// ProjectLastUpdate is a typed group-by row: a project and the most recent
// updated_at across its updates. Used for staleness detection.
type ProjectLastUpdate struct {
	ProjectID     int64
	LastUpdatedAt time.Time
}

// ActivityCount is a typed group-by row: an entity id and its update count.
type ActivityCount struct {
	ID    int64
	Count int64
}

// DashboardTotals is the full-table aggregate over progress updates.
// AverageProgress is nil when the table is empty.
type DashboardTotals struct {
	TotalUpdates        int64
	AverageProgress     *float64
	DistinctProjects    int64
	DistinctFreelancers int64
}

// UpdateRepository persists progress updates.
//
// Create and Update enforce the monotonic-progress invariant inside their
// own critical section (advisory lock in Postgres, mutex in memory) and
// return *ProgressCannotDecreaseError on violation. Delete cascades to the
// update's comments. All "latest" selections and rankings break ties
// deterministically: equal timestamps resolve to the higher id, equal counts
// to the lower entity id.
type UpdateRepository interface {
	Create(ctx context.Context, in NewProgressUpdate) (ProgressUpdate, error)
	// Update overwrites all mutable fields and updated_at. Returns
	// ErrNotFound when no record has the given id.
	Update(ctx context.Context, id int64, in NewProgressUpdate) (ProgressUpdate, error)
	// Delete removes the update and, by cascade, its comments.
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (ProgressUpdate, error)

	// List applies the conjunctive criteria, sorts, and returns one page
	// plus the total match count.
	List(ctx context.Context, c Criteria, sort SortSpec, page PageRequest) (UpdatePage, error)
	ListByProject(ctx context.Context, projectID int64) ([]ProgressUpdate, error)
	ListByContract(ctx context.Context, contractID int64) ([]ProgressUpdate, error)
	ListByFreelancer(ctx context.Context, freelancerID int64) ([]ProgressUpdate, error)
	// ListProjectCreatedBetween returns a project's updates whose created_at
	// falls in [from, to], ordered by (created_at, id) ascending.
	ListProjectCreatedBetween(ctx context.Context, projectID int64, from, to time.Time) ([]ProgressUpdate, error)

	// ProjectLastUpdates returns, per project, the maximum updated_at.
	ProjectLastUpdates(ctx context.Context) ([]ProjectLastUpdate, error)
	// GetByProjectAndUpdatedAt finds the update recorded at exactly the
	// given updated_at for the project, preferring the highest id.
	GetByProjectAndUpdatedAt(ctx context.Context, projectID int64, at time.Time) (ProgressUpdate, error)

	// CountByFreelancer returns up to limit freelancers ordered by update
	// count descending, id ascending.
	CountByFreelancer(ctx context.Context, limit int) ([]ActivityCount, error)
	// CountByProject is the project variant with an optional inclusive
	// created_at window; nil bounds mean unbounded.
	CountByProject(ctx context.Context, from, to *time.Time, limit int) ([]ActivityCount, error)
	DashboardTotals(ctx context.Context) (DashboardTotals, error)
}

// CommentRepository persists progress comments. Method names carry the
// Comment qualifier so a single store type can satisfy both repository
// interfaces.
type CommentRepository interface {
	// CreateComment persists a comment; the parent update must exist
	// (ErrNotFound otherwise).
	CreateComment(ctx context.Context, in NewProgressComment) (ProgressComment, error)
	GetComment(ctx context.Context, id int64) (ProgressComment, error)
	// UpdateCommentMessage changes only the message text.
	UpdateCommentMessage(ctx context.Context, id int64, message string) (ProgressComment, error)
	DeleteComment(ctx context.Context, id int64) error
	ListCommentsByUpdate(ctx context.Context, progressUpdateID int64) ([]ProgressComment, error)

	// CountCommentsByUpdateIDs counts comments whose parent is in ids.
	CountCommentsByUpdateIDs(ctx context.Context, ids []int64) (int64, error)
	// CountCommentsByFreelancer counts comments on updates submitted by
	// the given freelancer.
	CountCommentsByFreelancer(ctx context.Context, freelancerID int64) (int64, error)
	CountComments(ctx context.Context) (int64, error)
}
