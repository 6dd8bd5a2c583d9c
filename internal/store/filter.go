package store

import (
	"strings"
	"time"
)

// Criteria is a set of independently-optional filters over progress updates.
// Nil pointer fields and a blank Search contribute no constraint; every
// present field contributes one conjunct. The same struct drives both the
// in-memory predicate (Matches) and the SQL WHERE clause built by the
// Postgres store.
type Criteria struct {
	ProjectID    *int64
	FreelancerID *int64
	ContractID   *int64
	// ProgressMin/ProgressMax bound progress_percentage inclusively.
	ProgressMin *int
	ProgressMax *int
	// DateFrom/DateTo are calendar dates compared inclusively against
	// created_at after normalization to full-day boundaries.
	DateFrom *time.Time
	DateTo   *time.Time
	// Search matches case-insensitively as a substring of title or of a
	// non-nil description. Blank or whitespace-only means absent.
	Search string
}

// DayStart normalizes t to 00:00:00.000000000 of its calendar day.
func DayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DayEnd normalizes t to 23:59:59.999999999 of its calendar day.
func DayEnd(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 999_999_999, t.Location())
}

// HasSearch reports whether the free-text criterion is present.
func (c Criteria) HasSearch() bool {
	return strings.TrimSpace(c.Search) != ""
}

// Matches evaluates the conjunction of all present criteria against u.
// With zero criteria present it accepts every record. Pure function, safe
// for concurrent use.
func (c Criteria) Matches(u ProgressUpdate) bool {
	if c.ProjectID != nil && u.ProjectID != *c.ProjectID {
		return false
	}
	if c.FreelancerID != nil && u.FreelancerID != *c.FreelancerID {
		return false
	}
	if c.ContractID != nil && u.ContractID != *c.ContractID {
		return false
	}
	if c.ProgressMin != nil && u.ProgressPercentage < *c.ProgressMin {
		return false
	}
	if c.ProgressMax != nil && u.ProgressPercentage > *c.ProgressMax {
		return false
	}
	if c.DateFrom != nil && u.CreatedAt.Before(DayStart(*c.DateFrom)) {
		return false
	}
	if c.DateTo != nil && u.CreatedAt.After(DayEnd(*c.DateTo)) {
		return false
	}
	if c.HasSearch() {
		needle := strings.ToLower(strings.TrimSpace(c.Search))
		if !strings.Contains(strings.ToLower(u.Title), needle) &&
			(u.Description == nil || !strings.Contains(strings.ToLower(*u.Description), needle)) {
			return false
		}
	}
	return true
}
