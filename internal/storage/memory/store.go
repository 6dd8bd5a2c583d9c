// Package memory provides an in-memory store implementation for tests and
// local development. It mirrors the Postgres store's semantics, including
// the monotonic-progress check and cascade deletion of comments.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/freelancehub/progress-service/internal/clock"
	"github.com/freelancehub/progress-service/internal/store"
)

// Store keeps progress updates and comments in maps guarded by one mutex.
// Holding the lock across the max-percentage read and the write gives the
// same serialization the Postgres store gets from its advisory lock.
type Store struct {
	mu            sync.RWMutex
	clk           clock.Clock
	updates       map[int64]store.ProgressUpdate
	comments      map[int64]store.ProgressComment
	nextUpdateID  int64
	nextCommentID int64
}

// NewStore constructs an empty Store. A nil clock falls back to system time.
func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Store{
		clk:      clk,
		updates:  make(map[int64]store.ProgressUpdate),
		comments: make(map[int64]store.ProgressComment),
	}
}

var (
	_ store.UpdateRepository  = (*Store)(nil)
	_ store.CommentRepository = (*Store)(nil)
)

// Create stores a new update after the monotonic check.
func (s *Store) Create(_ context.Context, in store.NewProgressUpdate) (store.ProgressUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := store.CheckMonotonic(s.maxProgressLocked(in.ProjectID), in.ProgressPercentage); err != nil {
		return store.ProgressUpdate{}, err
	}

	s.nextUpdateID++
	now := s.clk.Now()
	u := store.ProgressUpdate{
		ID:                 s.nextUpdateID,
		ProjectID:          in.ProjectID,
		ContractID:         in.ContractID,
		FreelancerID:       in.FreelancerID,
		Title:              in.Title,
		Description:        cloneStringPtr(in.Description),
		ProgressPercentage: in.ProgressPercentage,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	s.updates[u.ID] = u
	return u, nil
}

// Update overwrites the mutable fields of an existing record.
func (s *Store) Update(_ context.Context, id int64, in store.NewProgressUpdate) (store.ProgressUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.updates[id]
	if !ok {
		return store.ProgressUpdate{}, store.ErrNotFound
	}
	if err := store.CheckMonotonic(s.maxProgressLocked(in.ProjectID), in.ProgressPercentage); err != nil {
		return store.ProgressUpdate{}, err
	}

	u.ProjectID = in.ProjectID
	u.ContractID = in.ContractID
	u.FreelancerID = in.FreelancerID
	u.Title = in.Title
	u.Description = cloneStringPtr(in.Description)
	u.ProgressPercentage = in.ProgressPercentage
	u.UpdatedAt = s.clk.Now()
	s.updates[id] = u
	return u, nil
}

// Delete removes the update and all comments that reference it.
func (s *Store) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.updates[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.updates, id)
	for cid, c := range s.comments {
		if c.ProgressUpdateID == id {
			delete(s.comments, cid)
		}
	}
	return nil
}

// Get loads a single update or returns store.ErrNotFound.
func (s *Store) Get(_ context.Context, id int64) (store.ProgressUpdate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.updates[id]
	if !ok {
		return store.ProgressUpdate{}, store.ErrNotFound
	}
	return u, nil
}

// List filters, sorts, and paginates.
func (s *Store) List(_ context.Context, c store.Criteria, sortSpec store.SortSpec, page store.PageRequest) (store.UpdatePage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !store.ValidSortField(sortSpec.Field) {
		sortSpec = store.DefaultSort()
	}
	page = page.Normalize()

	var matched []store.ProgressUpdate
	for _, u := range s.updates {
		if c.Matches(u) {
			matched = append(matched, u)
		}
	}
	sortUpdates(matched, sortSpec)

	total := int64(len(matched))
	start := page.Page * page.Size
	if start > len(matched) {
		start = len(matched)
	}
	end := start + page.Size
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]store.ProgressUpdate, end-start)
	copy(out, matched[start:end])

	return store.UpdatePage{Updates: out, TotalCount: total, Page: page.Page, Size: page.Size}, nil
}

// ListByProject returns all updates for a project ordered by creation.
func (s *Store) ListByProject(_ context.Context, projectID int64) ([]store.ProgressUpdate, error) {
	return s.listWhere(func(u store.ProgressUpdate) bool { return u.ProjectID == projectID }), nil
}

// ListByContract returns all updates for a contract ordered by creation.
func (s *Store) ListByContract(_ context.Context, contractID int64) ([]store.ProgressUpdate, error) {
	return s.listWhere(func(u store.ProgressUpdate) bool { return u.ContractID == contractID }), nil
}

// ListByFreelancer returns all updates by a freelancer ordered by creation.
func (s *Store) ListByFreelancer(_ context.Context, freelancerID int64) ([]store.ProgressUpdate, error) {
	return s.listWhere(func(u store.ProgressUpdate) bool { return u.FreelancerID == freelancerID }), nil
}

// ListProjectCreatedBetween returns a project's updates created in [from, to].
func (s *Store) ListProjectCreatedBetween(_ context.Context, projectID int64, from, to time.Time) ([]store.ProgressUpdate, error) {
	return s.listWhere(func(u store.ProgressUpdate) bool {
		return u.ProjectID == projectID && !u.CreatedAt.Before(from) && !u.CreatedAt.After(to)
	}), nil
}

// ProjectLastUpdates returns the max updated_at per project, ordered by
// project id.
func (s *Store) ProjectLastUpdates(_ context.Context) ([]store.ProjectLastUpdate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	last := make(map[int64]time.Time)
	for _, u := range s.updates {
		if cur, ok := last[u.ProjectID]; !ok || u.UpdatedAt.After(cur) {
			last[u.ProjectID] = u.UpdatedAt
		}
	}
	out := make([]store.ProjectLastUpdate, 0, len(last))
	for id, at := range last {
		out = append(out, store.ProjectLastUpdate{ProjectID: id, LastUpdatedAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}

// GetByProjectAndUpdatedAt finds the update recorded at exactly at, highest
// id winning among duplicates.
func (s *Store) GetByProjectAndUpdatedAt(_ context.Context, projectID int64, at time.Time) (store.ProgressUpdate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best store.ProgressUpdate
	found := false
	for _, u := range s.updates {
		if u.ProjectID == projectID && u.UpdatedAt.Equal(at) && (!found || u.ID > best.ID) {
			best = u
			found = true
		}
	}
	if !found {
		return store.ProgressUpdate{}, store.ErrNotFound
	}
	return best, nil
}

// CountByFreelancer ranks freelancers by update count.
func (s *Store) CountByFreelancer(_ context.Context, limit int) ([]store.ActivityCount, error) {
	return s.countBy(func(u store.ProgressUpdate) (int64, bool) { return u.FreelancerID, true }, limit), nil
}

// CountByProject ranks projects by update count within an optional window.
func (s *Store) CountByProject(_ context.Context, from, to *time.Time, limit int) ([]store.ActivityCount, error) {
	return s.countBy(func(u store.ProgressUpdate) (int64, bool) {
		if from != nil && u.CreatedAt.Before(*from) {
			return 0, false
		}
		if to != nil && u.CreatedAt.After(*to) {
			return 0, false
		}
		return u.ProjectID, true
	}, limit), nil
}

// DashboardTotals computes the full-table aggregate.
func (s *Store) DashboardTotals(_ context.Context) (store.DashboardTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := store.DashboardTotals{TotalUpdates: int64(len(s.updates))}
	projects := make(map[int64]struct{})
	freelancers := make(map[int64]struct{})
	sum := 0
	for _, u := range s.updates {
		projects[u.ProjectID] = struct{}{}
		freelancers[u.FreelancerID] = struct{}{}
		sum += u.ProgressPercentage
	}
	totals.DistinctProjects = int64(len(projects))
	totals.DistinctFreelancers = int64(len(freelancers))
	if totals.TotalUpdates > 0 {
		avg := float64(sum) / float64(totals.TotalUpdates)
		totals.AverageProgress = &avg
	}
	return totals, nil
}

// CreateComment persists a comment after verifying the parent update exists.
func (s *Store) CreateComment(_ context.Context, in store.NewProgressComment) (store.ProgressComment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.updates[in.ProgressUpdateID]; !ok {
		return store.ProgressComment{}, store.ErrNotFound
	}
	s.nextCommentID++
	c := store.ProgressComment{
		ID:               s.nextCommentID,
		ProgressUpdateID: in.ProgressUpdateID,
		UserID:           in.UserID,
		Message:          in.Message,
		CreatedAt:        s.clk.Now(),
	}
	s.comments[c.ID] = c
	return c, nil
}

// GetComment loads a single comment or returns store.ErrNotFound.
func (s *Store) GetComment(_ context.Context, id int64) (store.ProgressComment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.comments[id]
	if !ok {
		return store.ProgressComment{}, store.ErrNotFound
	}
	return c, nil
}

// UpdateCommentMessage replaces the message of an existing comment.
func (s *Store) UpdateCommentMessage(_ context.Context, id int64, message string) (store.ProgressComment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.comments[id]
	if !ok {
		return store.ProgressComment{}, store.ErrNotFound
	}
	c.Message = message
	s.comments[id] = c
	return c, nil
}

// DeleteComment removes a single comment.
func (s *Store) DeleteComment(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.comments[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.comments, id)
	return nil
}

// ListCommentsByUpdate returns all comments on one update, oldest first.
func (s *Store) ListCommentsByUpdate(_ context.Context, progressUpdateID int64) ([]store.ProgressComment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.ProgressComment
	for _, c := range s.comments {
		if c.ProgressUpdateID == progressUpdateID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CountCommentsByUpdateIDs counts comments whose parent is in ids.
func (s *Store) CountCommentsByUpdateIDs(_ context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		members[id] = struct{}{}
	}
	var n int64
	for _, c := range s.comments {
		if _, ok := members[c.ProgressUpdateID]; ok {
			n++
		}
	}
	return n, nil
}

// CountCommentsByFreelancer counts comments on a freelancer's updates.
func (s *Store) CountCommentsByFreelancer(_ context.Context, freelancerID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, c := range s.comments {
		if u, ok := s.updates[c.ProgressUpdateID]; ok && u.FreelancerID == freelancerID {
			n++
		}
	}
	return n, nil
}

// CountComments returns the total number of comments.
func (s *Store) CountComments(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.comments)), nil
}

func (s *Store) listWhere(pred func(store.ProgressUpdate) bool) []store.ProgressUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.ProgressUpdate
	for _, u := range s.updates {
		if pred(u) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) countBy(key func(store.ProgressUpdate) (int64, bool), limit int) []store.ActivityCount {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[int64]int64)
	for _, u := range s.updates {
		if id, ok := key(u); ok {
			counts[id]++
		}
	}
	out := make([]store.ActivityCount, 0, len(counts))
	for id, n := range counts {
		out = append(out, store.ActivityCount{ID: id, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ID < out[j].ID
	})
	if limit >= 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

func sortUpdates(updates []store.ProgressUpdate, spec store.SortSpec) {
	sort.Slice(updates, func(i, j int) bool {
		c := compareField(updates[i], updates[j], spec.Field)
		if spec.Desc {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
		// Ties resolve by id ascending so pagination is stable.
		return updates[i].ID < updates[j].ID
	})
}

func compareField(a, b store.ProgressUpdate, field store.SortField) int {
	switch field {
	case store.SortByID:
		return compareInt64(a.ID, b.ID)
	case store.SortByUpdatedAt:
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case store.SortByProgress:
		return compareInt64(int64(a.ProgressPercentage), int64(b.ProgressPercentage))
	case store.SortByTitle:
		return strings.Compare(a.Title, b.Title)
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (s *Store) maxProgressLocked(projectID int64) int {
	maxPct := 0
	for _, u := range s.updates {
		if u.ProjectID == projectID && u.ProgressPercentage > maxPct {
			maxPct = u.ProgressPercentage
		}
	}
	return maxPct
}

func cloneStringPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
