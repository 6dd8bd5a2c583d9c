package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/freelancehub/progress-service/internal/cache"
	"github.com/freelancehub/progress-service/internal/clock"
	"github.com/freelancehub/progress-service/internal/identity"
	"github.com/freelancehub/progress-service/internal/metrics"
	"github.com/freelancehub/progress-service/internal/store"
)

const dashboardCacheKey = "stats:dashboard"

// AnalyticsOptions carries the tunable defaults for the aggregate queries.
type AnalyticsOptions struct {
	// StalledDays is the default staleness horizon for StalledProjects.
	StalledDays int
	// TrendDays is the default trend window when no bounds are given.
	TrendDays int
	// RankingLimit is the default entry cap for the ranking queries.
	RankingLimit int
	// CacheTTL bounds how long dashboard statistics may be served stale.
	CacheTTL time.Duration
}

func (o AnalyticsOptions) withDefaults() AnalyticsOptions {
	if o.StalledDays <= 0 {
		o.StalledDays = 7
	}
	if o.TrendDays <= 0 {
		o.TrendDays = 30
	}
	if o.RankingLimit <= 0 {
		o.RankingLimit = 10
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 30 * time.Second
	}
	return o
}

// Analytics answers the aggregate questions: trends, per-entity statistics,
// dashboard totals, staleness detection, and activity rankings.
type Analytics struct {
	updates  store.UpdateRepository
	comments store.CommentRepository
	users    identity.Lookup
	cache    cache.Cache
	clk      clock.Clock
	log      *zap.Logger
	opts     AnalyticsOptions
}

// NewAnalytics wires the repositories and collaborators into an Analytics.
// users and statsCache may be nil; ranking enrichment and dashboard caching
// degrade accordingly.
func NewAnalytics(
	updates store.UpdateRepository,
	comments store.CommentRepository,
	users identity.Lookup,
	statsCache cache.Cache,
	clk clock.Clock,
	log *zap.Logger,
	opts AnalyticsOptions,
) (*Analytics, error) {
	if updates == nil || comments == nil {
		return nil, fmt.Errorf("update and comment repositories are required")
	}
	if statsCache == nil {
		statsCache = cache.Nop{}
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Analytics{
		updates:  updates,
		comments: comments,
		users:    users,
		cache:    statsCache,
		clk:      clk,
		log:      log,
		opts:     opts.withDefaults(),
	}, nil
}

// TrendPoint is one day of a project's progress curve.
type TrendPoint struct {
	Date               string `json:"date"`
	ProgressPercentage int    `json:"progressPercentage"`
}

// Trend returns a project's progress per day over [from, to], ascending.
// Each day contributes the percentage of its last write; days without
// writes are absent. Nil bounds default to to=today, from=to minus the
// configured trend window. A project with no updates yields an empty slice.
func (a *Analytics) Trend(ctx context.Context, projectID int64, from, to *time.Time) ([]TrendPoint, error) {
	end := a.clk.Now()
	if to != nil {
		end = *to
	}
	start := end.AddDate(0, 0, -a.opts.TrendDays)
	if from != nil {
		start = *from
	}
	if start.After(end) {
		return nil, fmt.Errorf("%w: from must not be after to", store.ErrInvalidInput)
	}

	updates, err := a.updates.ListProjectCreatedBetween(ctx, projectID, store.DayStart(start), store.DayEnd(end))
	if err != nil {
		return nil, err
	}

	// Updates arrive ordered by (created_at, id) ascending, so overwriting
	// per day leaves the last write of each day.
	byDay := make(map[string]int, len(updates))
	var days []string
	for _, u := range updates {
		day := u.CreatedAt.UTC().Format("2006-01-02")
		if _, seen := byDay[day]; !seen {
			days = append(days, day)
		}
		byDay[day] = u.ProgressPercentage
	}

	points := make([]TrendPoint, 0, len(days))
	for _, day := range days {
		points = append(points, TrendPoint{Date: day, ProgressPercentage: byDay[day]})
	}
	return points, nil
}

// EntityStats is the shared per-entity aggregate shape.
type EntityStats struct {
	UpdateCount               int64      `json:"updateCount"`
	CommentCount              int64      `json:"commentCount"`
	CurrentProgressPercentage *int       `json:"currentProgressPercentage"`
	AverageProgressPercentage *float64   `json:"averageProgressPercentage"`
	FirstUpdateAt             *time.Time `json:"firstUpdateAt"`
	LastUpdateAt              *time.Time `json:"lastUpdateAt"`
}

// FreelancerStats extends EntityStats with a trailing-activity window.
type FreelancerStats struct {
	FreelancerID int64 `json:"freelancerId"`
	EntityStats
	UpdatesLast30Days int64 `json:"updatesLast30Days"`
}

// ProjectStats are the per-project aggregates.
type ProjectStats struct {
	ProjectID int64 `json:"projectId"`
	EntityStats
}

// ContractStats are the per-contract aggregates.
type ContractStats struct {
	ContractID int64 `json:"contractId"`
	EntityStats
}

// FreelancerStats aggregates one freelancer's activity. Unknown freelancers
// yield zero-valued stats, not an error.
func (a *Analytics) FreelancerStats(ctx context.Context, freelancerID int64) (FreelancerStats, error) {
	updates, err := a.updates.ListByFreelancer(ctx, freelancerID)
	if err != nil {
		return FreelancerStats{}, err
	}
	commentCount, err := a.comments.CountCommentsByFreelancer(ctx, freelancerID)
	if err != nil {
		return FreelancerStats{}, err
	}

	// A record counts as recent when it was written or last mutated inside
	// the trailing window.
	cutoff := a.clk.Now().AddDate(0, 0, -30)
	var recent int64
	for _, u := range updates {
		if !u.UpdatedAt.Before(cutoff) {
			recent++
		}
	}

	return FreelancerStats{
		FreelancerID:      freelancerID,
		EntityStats:       summarize(updates, commentCount),
		UpdatesLast30Days: recent,
	}, nil
}

// ProjectStats aggregates one project's activity.
func (a *Analytics) ProjectStats(ctx context.Context, projectID int64) (ProjectStats, error) {
	updates, err := a.updates.ListByProject(ctx, projectID)
	if err != nil {
		return ProjectStats{}, err
	}
	commentCount, err := a.commentCountFor(ctx, updates)
	if err != nil {
		return ProjectStats{}, err
	}
	return ProjectStats{ProjectID: projectID, EntityStats: summarize(updates, commentCount)}, nil
}

// ContractStats aggregates one contract's activity.
func (a *Analytics) ContractStats(ctx context.Context, contractID int64) (ContractStats, error) {
	updates, err := a.updates.ListByContract(ctx, contractID)
	if err != nil {
		return ContractStats{}, err
	}
	commentCount, err := a.commentCountFor(ctx, updates)
	if err != nil {
		return ContractStats{}, err
	}
	return ContractStats{ContractID: contractID, EntityStats: summarize(updates, commentCount)}, nil
}

func (a *Analytics) commentCountFor(ctx context.Context, updates []store.ProgressUpdate) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	ids := make([]int64, len(updates))
	for i, u := range updates {
		ids[i] = u.ID
	}
	return a.comments.CountCommentsByUpdateIDs(ctx, ids)
}

// summarize folds an ordered update list into the shared aggregate shape.
// The input is ordered by (created_at, id) ascending. The current state is
// the most recently touched record, which is not necessarily the last
// element: a mutation advances updated_at without moving created_at.
func summarize(updates []store.ProgressUpdate, commentCount int64) EntityStats {
	stats := EntityStats{
		UpdateCount:  int64(len(updates)),
		CommentCount: commentCount,
	}
	if len(updates) == 0 {
		return stats
	}

	var sum int
	latest := updates[0]
	for _, u := range updates {
		sum += u.ProgressPercentage
		// Max updated_at wins; ties go to the higher id.
		if u.UpdatedAt.After(latest.UpdatedAt) ||
			(u.UpdatedAt.Equal(latest.UpdatedAt) && u.ID > latest.ID) {
			latest = u
		}
	}
	avg := float64(sum) / float64(len(updates))
	current := latest.ProgressPercentage
	first := updates[0].CreatedAt
	last := latest.UpdatedAt

	stats.CurrentProgressPercentage = &current
	stats.AverageProgressPercentage = &avg
	stats.FirstUpdateAt = &first
	stats.LastUpdateAt = &last
	return stats
}

// DashboardStats are the service-wide totals.
type DashboardStats struct {
	TotalUpdates        int64    `json:"totalUpdates"`
	TotalComments       int64    `json:"totalComments"`
	AverageProgress     *float64 `json:"averageProgress"`
	DistinctProjects    int64    `json:"distinctProjects"`
	DistinctFreelancers int64    `json:"distinctFreelancers"`
}

// Dashboard returns the service-wide totals, served from cache when a
// fresh-enough copy exists. Cache failures degrade to recomputation.
func (a *Analytics) Dashboard(ctx context.Context) (DashboardStats, error) {
	if payload, ok := a.cache.Get(ctx, dashboardCacheKey); ok {
		var stats DashboardStats
		if err := json.Unmarshal(payload, &stats); err == nil {
			metrics.ObserveCacheRequest("hit")
			return stats, nil
		}
		a.log.Warn("discarding undecodable dashboard cache entry")
	}
	metrics.ObserveCacheRequest("miss")

	totals, err := a.updates.DashboardTotals(ctx)
	if err != nil {
		return DashboardStats{}, err
	}
	commentTotal, err := a.comments.CountComments(ctx)
	if err != nil {
		return DashboardStats{}, err
	}

	stats := DashboardStats{
		TotalUpdates:        totals.TotalUpdates,
		TotalComments:       commentTotal,
		AverageProgress:     totals.AverageProgress,
		DistinctProjects:    totals.DistinctProjects,
		DistinctFreelancers: totals.DistinctFreelancers,
	}
	if payload, err := json.Marshal(stats); err == nil {
		a.cache.Set(ctx, dashboardCacheKey, payload, a.opts.CacheTTL)
	}
	return stats, nil
}

// StalledProject reports a project whose most recent write predates the
// staleness horizon. LastProgressPercentage is nil when the update behind
// the timestamp could not be resolved.
type StalledProject struct {
	ProjectID              int64     `json:"projectId"`
	LastUpdateAt           time.Time `json:"lastUpdateAt"`
	LastProgressPercentage *int      `json:"lastProgressPercentage"`
}

// StalledProjects returns every project whose most recent write is older
// than days, with the percentage recorded at that write. days <= 0 falls
// back to the configured default horizon.
func (a *Analytics) StalledProjects(ctx context.Context, days int) ([]StalledProject, error) {
	if days <= 0 {
		days = a.opts.StalledDays
	}
	cutoff := a.clk.Now().AddDate(0, 0, -days)

	lastUpdates, err := a.updates.ProjectLastUpdates(ctx)
	if err != nil {
		return nil, err
	}

	stalled := make([]StalledProject, 0)
	for _, row := range lastUpdates {
		if !row.LastUpdatedAt.Before(cutoff) {
			continue
		}
		entry := StalledProject{ProjectID: row.ProjectID, LastUpdateAt: row.LastUpdatedAt}
		u, err := a.updates.GetByProjectAndUpdatedAt(ctx, row.ProjectID, row.LastUpdatedAt)
		switch {
		case err == nil:
			pct := u.ProgressPercentage
			entry.LastProgressPercentage = &pct
		case errors.Is(err, store.ErrNotFound):
			// The update vanished between the two reads; the project is
			// still stalled, only its percentage is unknown.
			a.log.Warn("stalled project lost its last update between reads",
				zap.Int64("projectId", row.ProjectID),
			)
		default:
			return nil, err
		}
		stalled = append(stalled, entry)
	}
	return stalled, nil
}

// FreelancerRanking is one row of the freelancer activity leaderboard.
type FreelancerRanking struct {
	FreelancerID int64  `json:"freelancerId"`
	DisplayName  string `json:"displayName,omitempty"`
	UpdateCount  int64  `json:"updateCount"`
	CommentCount int64  `json:"commentCount"`
}

// FreelancerRankings ranks freelancers by update count. Display names come
// from the identity service on a best-effort basis; lookups that fail leave
// the name empty rather than failing the ranking.
func (a *Analytics) FreelancerRankings(ctx context.Context, limit int) ([]FreelancerRanking, error) {
	if limit <= 0 {
		limit = a.opts.RankingLimit
	}
	counts, err := a.updates.CountByFreelancer(ctx, limit)
	if err != nil {
		return nil, err
	}

	rankings := make([]FreelancerRanking, 0, len(counts))
	for _, row := range counts {
		commentCount, err := a.comments.CountCommentsByFreelancer(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		rankings = append(rankings, FreelancerRanking{
			FreelancerID: row.ID,
			DisplayName:  a.displayName(ctx, row.ID),
			UpdateCount:  row.Count,
			CommentCount: commentCount,
		})
	}
	return rankings, nil
}

func (a *Analytics) displayName(ctx context.Context, freelancerID int64) string {
	if a.users == nil {
		return ""
	}
	user, err := a.users.Lookup(ctx, freelancerID)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrUserNotFound):
			metrics.ObserveIdentityLookup("not_found")
		default:
			metrics.ObserveIdentityLookup("error")
			a.log.Warn("identity enrichment failed",
				zap.Int64("freelancerId", freelancerID),
				zap.Error(err),
			)
		}
		return ""
	}
	metrics.ObserveIdentityLookup("ok")
	return user.DisplayName()
}

// ProjectRanking is one row of the project activity leaderboard.
type ProjectRanking struct {
	ProjectID   int64 `json:"projectId"`
	UpdateCount int64 `json:"updateCount"`
}

// ProjectRankings ranks projects by update count, optionally restricted to
// an inclusive day-normalized [from, to] window.
func (a *Analytics) ProjectRankings(ctx context.Context, limit int, from, to *time.Time) ([]ProjectRanking, error) {
	if limit <= 0 {
		limit = a.opts.RankingLimit
	}
	var lo, hi *time.Time
	if from != nil {
		t := store.DayStart(*from)
		lo = &t
	}
	if to != nil {
		t := store.DayEnd(*to)
		hi = &t
	}
	if lo != nil && hi != nil && lo.After(*hi) {
		return nil, fmt.Errorf("%w: from must not be after to", store.ErrInvalidInput)
	}

	counts, err := a.updates.CountByProject(ctx, lo, hi, limit)
	if err != nil {
		return nil, err
	}
	rankings := make([]ProjectRanking, 0, len(counts))
	for _, row := range counts {
		rankings = append(rankings, ProjectRanking{ProjectID: row.ID, UpdateCount: row.Count})
	}
	return rankings, nil
}
