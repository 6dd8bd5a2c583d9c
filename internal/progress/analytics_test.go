package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/freelancehub/progress-service/internal/cache"
	"github.com/freelancehub/progress-service/internal/identity"
	"github.com/freelancehub/progress-service/internal/storage/memory"
	"github.com/freelancehub/progress-service/internal/store"
)

// mapCache is an in-process cache.Cache for exercising the dashboard path.
type mapCache struct {
	data map[string][]byte
}

func newMapCache() *mapCache {
	return &mapCache{data: make(map[string][]byte)}
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool) {
	v, ok := c.data[key]
	return v, ok
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) {
	c.data[key] = value
}

func newTestAnalytics(t *testing.T, s *memory.Store, users identity.Lookup, clk *adjustableClock, statsCache *mapCache) *Analytics {
	t.Helper()
	var cc cache.Cache
	if statsCache != nil {
		cc = statsCache
	}
	a, err := NewAnalytics(s, s, users, cc, clk, nil, AnalyticsOptions{})
	require.NoError(t, err)
	return a
}

func mustCreate(t *testing.T, s *memory.Store, in store.NewProgressUpdate) store.ProgressUpdate {
	t.Helper()
	u, err := s.Create(context.Background(), in)
	require.NoError(t, err)
	return u
}

func TestTrendLastWriteOfDayWins(t *testing.T) {
	t.Parallel()

	clk := newAdjustableClock(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	s := memory.NewStore(clk)

	clk.SetTo(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	mustCreate(t, s, newUpdate(1, 1, 1, "morning", 10))
	clk.SetTo(time.Date(2026, 5, 1, 17, 0, 0, 0, time.UTC))
	mustCreate(t, s, newUpdate(1, 1, 1, "evening", 25))
	clk.SetTo(time.Date(2026, 5, 3, 11, 0, 0, 0, time.UTC))
	mustCreate(t, s, newUpdate(1, 1, 1, "later", 60))
	// A different project never leaks into the trend.
	mustCreate(t, s, newUpdate(2, 2, 2, "other", 99))

	clk.SetTo(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	a := newTestAnalytics(t, s, nil, clk, nil)

	points, err := a.Trend(context.Background(), 1, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []TrendPoint{
		{Date: "2026-05-01", ProgressPercentage: 25},
		{Date: "2026-05-03", ProgressPercentage: 60},
	}, points)
}

func TestTrendHonorsExplicitWindow(t *testing.T) {
	t.Parallel()

	clk := newAdjustableClock(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	s := memory.NewStore(clk)

	clk.SetTo(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	mustCreate(t, s, newUpdate(1, 1, 1, "early", 10))
	clk.SetTo(time.Date(2026, 5, 5, 9, 0, 0, 0, time.UTC))
	mustCreate(t, s, newUpdate(1, 1, 1, "mid", 40))

	a := newTestAnalytics(t, s, nil, clk, nil)

	from := time.Date(2026, 5, 3, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 5, 9, 0, 0, 0, 0, time.UTC)
	points, err := a.Trend(context.Background(), 1, &from, &to)
	require.NoError(t, err)
	require.Equal(t, []TrendPoint{{Date: "2026-05-05", ProgressPercentage: 40}}, points)

	_, err = a.Trend(context.Background(), 1, &to, &from)
	require.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestTrendUnknownProjectIsEmpty(t *testing.T) {
	t.Parallel()

	clk := newAdjustableClock(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	a := newTestAnalytics(t, memory.NewStore(clk), nil, clk, nil)

	points, err := a.Trend(context.Background(), 404, nil, nil)
	require.NoError(t, err)
	require.Empty(t, points)
}

func TestFreelancerStats(t *testing.T) {
	t.Parallel()

	clk := newAdjustableClock(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	s := memory.NewStore(clk)

	clk.SetTo(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	old := mustCreate(t, s, newUpdate(1, 1, 7, "old work", 20))
	clk.SetTo(time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC))
	mustCreate(t, s, newUpdate(2, 2, 7, "recent work", 60))

	_, err := s.CreateComment(context.Background(), store.NewProgressComment{
		ProgressUpdateID: old.ID, UserID: 99, Message: "keep going",
	})
	require.NoError(t, err)

	clk.SetTo(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	a := newTestAnalytics(t, s, nil, clk, nil)

	stats, err := a.FreelancerStats(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, int64(7), stats.FreelancerID)
	require.Equal(t, int64(2), stats.UpdateCount)
	require.Equal(t, int64(1), stats.CommentCount)
	require.Equal(t, int64(1), stats.UpdatesLast30Days)
	require.NotNil(t, stats.AverageProgressPercentage)
	require.InDelta(t, 40.0, *stats.AverageProgressPercentage, 0.001)
	require.NotNil(t, stats.CurrentProgressPercentage)
	require.Equal(t, 60, *stats.CurrentProgressPercentage)
	require.NotNil(t, stats.FirstUpdateAt)
	require.Equal(t, time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC), *stats.FirstUpdateAt)
}

func TestFreelancerStatsCountMutationsAsRecentActivity(t *testing.T) {
	t.Parallel()

	clk := newAdjustableClock(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	s := memory.NewStore(clk)

	clk.SetTo(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	u := mustCreate(t, s, newUpdate(1, 1, 7, "early work", 10))

	// Created outside the window, mutated inside it.
	clk.SetTo(time.Date(2026, 5, 5, 9, 0, 0, 0, time.UTC))
	_, err := s.Update(context.Background(), u.ID, newUpdate(1, 1, 7, "early work revised", 30))
	require.NoError(t, err)

	clk.SetTo(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	a := newTestAnalytics(t, s, nil, clk, nil)

	stats, err := a.FreelancerStats(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.UpdatesLast30Days)
}

func TestProjectStatsTrackLatestMutation(t *testing.T) {
	t.Parallel()

	clk := newAdjustableClock(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	s := memory.NewStore(clk)

	clk.SetTo(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	older := mustCreate(t, s, newUpdate(1, 1, 7, "groundwork", 10))
	clk.SetTo(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	mustCreate(t, s, newUpdate(1, 1, 7, "framing", 20))

	// Mutating the older record makes it the most recently touched one.
	mutatedAt := time.Date(2026, 5, 5, 9, 0, 0, 0, time.UTC)
	clk.SetTo(mutatedAt)
	_, err := s.Update(context.Background(), older.ID, newUpdate(1, 1, 7, "groundwork redone", 30))
	require.NoError(t, err)

	clk.SetTo(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	a := newTestAnalytics(t, s, nil, clk, nil)

	stats, err := a.ProjectStats(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.UpdateCount)
	require.NotNil(t, stats.CurrentProgressPercentage)
	require.Equal(t, 30, *stats.CurrentProgressPercentage)
	require.NotNil(t, stats.LastUpdateAt)
	require.Equal(t, mutatedAt, *stats.LastUpdateAt)
	require.NotNil(t, stats.FirstUpdateAt)
	require.Equal(t, time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC), *stats.FirstUpdateAt)
}

func TestProjectStatsEmptyEntity(t *testing.T) {
	t.Parallel()

	clk := newAdjustableClock(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	a := newTestAnalytics(t, memory.NewStore(clk), nil, clk, nil)

	stats, err := a.ProjectStats(context.Background(), 404)
	require.NoError(t, err)
	require.Zero(t, stats.UpdateCount)
	require.Zero(t, stats.CommentCount)
	require.Nil(t, stats.AverageProgressPercentage)
	require.Nil(t, stats.CurrentProgressPercentage)
	require.Nil(t, stats.FirstUpdateAt)
	require.Nil(t, stats.LastUpdateAt)
}

func TestContractStats(t *testing.T) {
	t.Parallel()

	clk := newAdjustableClock(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	s := memory.NewStore(clk)
	u := mustCreate(t, s, newUpdate(1, 5, 7, "contract work", 30))
	_, err := s.CreateComment(context.Background(), store.NewProgressComment{
		ProgressUpdateID: u.ID, UserID: 3, Message: "ok",
	})
	require.NoError(t, err)

	a := newTestAnalytics(t, s, nil, clk, nil)
	stats, err := a.ContractStats(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), stats.ContractID)
	require.Equal(t, int64(1), stats.UpdateCount)
	require.Equal(t, int64(1), stats.CommentCount)
}

func TestDashboardUsesCache(t *testing.T) {
	t.Parallel()

	clk := newAdjustableClock(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	s := memory.NewStore(clk)
	mustCreate(t, s, newUpdate(1, 1, 7, "one", 10))
	mustCreate(t, s, newUpdate(2, 2, 8, "two", 30))

	c := newMapCache()
	a := newTestAnalytics(t, s, nil, clk, c)

	first, err := a.Dashboard(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), first.TotalUpdates)
	require.Equal(t, int64(2), first.DistinctProjects)
	require.Equal(t, int64(2), first.DistinctFreelancers)
	require.NotNil(t, first.AverageProgress)
	require.InDelta(t, 20.0, *first.AverageProgress, 0.001)

	// New writes are invisible until the cached copy expires.
	mustCreate(t, s, newUpdate(3, 3, 9, "three", 50))
	second, err := a.Dashboard(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), second.TotalUpdates)
}

func TestStalledProjects(t *testing.T) {
	t.Parallel()

	clk := newAdjustableClock(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	s := memory.NewStore(clk)

	clk.SetTo(time.Date(2026, 4, 20, 9, 0, 0, 0, time.UTC))
	stale := mustCreate(t, s, newUpdate(1, 1, 7, "stale project", 40))
	clk.SetTo(time.Date(2026, 5, 9, 9, 0, 0, 0, time.UTC))
	mustCreate(t, s, newUpdate(2, 2, 8, "active project", 70))

	clk.SetTo(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	a := newTestAnalytics(t, s, nil, clk, nil)

	stalled, err := a.StalledProjects(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	require.Equal(t, int64(1), stalled[0].ProjectID)
	require.Equal(t, stale.UpdatedAt, stalled[0].LastUpdateAt)
	require.NotNil(t, stalled[0].LastProgressPercentage)
	require.Equal(t, 40, *stalled[0].LastProgressPercentage)

	// A wide horizon reports nothing.
	stalled, err = a.StalledProjects(context.Background(), 60)
	require.NoError(t, err)
	require.Empty(t, stalled)
}

// vanishingUpdates simulates the last update of a project disappearing
// between the group-by read and the follow-up lookup.
type vanishingUpdates struct {
	*memory.Store
}

func (vanishingUpdates) GetByProjectAndUpdatedAt(context.Context, int64, time.Time) (store.ProgressUpdate, error) {
	return store.ProgressUpdate{}, store.ErrNotFound
}

func TestStalledProjectsReportUnknownPercentage(t *testing.T) {
	t.Parallel()

	clk := newAdjustableClock(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	s := memory.NewStore(clk)

	clk.SetTo(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	stale := mustCreate(t, s, newUpdate(1, 1, 7, "stale project", 40))

	clk.SetTo(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	a, err := NewAnalytics(vanishingUpdates{s}, s, nil, nil, clk, nil, AnalyticsOptions{})
	require.NoError(t, err)

	stalled, err := a.StalledProjects(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	require.Equal(t, int64(1), stalled[0].ProjectID)
	require.Equal(t, stale.UpdatedAt, stalled[0].LastUpdateAt)
	require.Nil(t, stalled[0].LastProgressPercentage)
}

func TestFreelancerRankingsEnrichesBestEffort(t *testing.T) {
	t.Parallel()

	clk := newAdjustableClock(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	s := memory.NewStore(clk)
	u1 := mustCreate(t, s, newUpdate(1, 1, 7, "a", 10))
	mustCreate(t, s, newUpdate(2, 2, 7, "b", 20))
	mustCreate(t, s, newUpdate(3, 3, 8, "c", 30))
	_, err := s.CreateComment(context.Background(), store.NewProgressComment{
		ProgressUpdateID: u1.ID, UserID: 5, Message: "nice",
	})
	require.NoError(t, err)

	users := &stubLookup{users: map[int64]identity.User{
		7: {ID: 7, Username: "ada"},
		// 8 is unknown to the identity service.
	}}
	a := newTestAnalytics(t, s, users, clk, nil)

	rankings, err := a.FreelancerRankings(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, rankings, 2)
	require.Equal(t, FreelancerRanking{FreelancerID: 7, DisplayName: "ada", UpdateCount: 2, CommentCount: 1}, rankings[0])
	require.Equal(t, FreelancerRanking{FreelancerID: 8, UpdateCount: 1}, rankings[1])
}

func TestFreelancerRankingsSurviveIdentityOutage(t *testing.T) {
	t.Parallel()

	clk := newAdjustableClock(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	s := memory.NewStore(clk)
	mustCreate(t, s, newUpdate(1, 1, 7, "a", 10))

	a := newTestAnalytics(t, s, &stubLookup{err: identity.ErrUnavailable}, clk, nil)

	rankings, err := a.FreelancerRankings(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, rankings, 1)
	require.Empty(t, rankings[0].DisplayName)
}

func TestProjectRankingsWindow(t *testing.T) {
	t.Parallel()

	clk := newAdjustableClock(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	s := memory.NewStore(clk)

	clk.SetTo(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	mustCreate(t, s, newUpdate(1, 1, 7, "april", 10))
	clk.SetTo(time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC))
	mustCreate(t, s, newUpdate(1, 1, 7, "may", 20))
	mustCreate(t, s, newUpdate(2, 2, 8, "other may", 30))

	a := newTestAnalytics(t, s, nil, clk, nil)

	from := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 5, 31, 0, 0, 0, 0, time.UTC)
	rankings, err := a.ProjectRankings(context.Background(), 10, &from, &to)
	require.NoError(t, err)
	require.Equal(t, []ProjectRanking{
		{ProjectID: 1, UpdateCount: 1},
		{ProjectID: 2, UpdateCount: 1},
	}, rankings)

	all, err := a.ProjectRankings(context.Background(), 10, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []ProjectRanking{
		{ProjectID: 1, UpdateCount: 2},
		{ProjectID: 2, UpdateCount: 1},
	}, all)

	_, err = a.ProjectRankings(context.Background(), 10, &to, &from)
	require.ErrorIs(t, err, store.ErrInvalidInput)
}
