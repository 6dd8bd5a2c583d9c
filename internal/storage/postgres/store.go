// Package postgres provides the Postgres-backed store implementation.
// The expected schema lives in schema.sql next to this file.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/freelancehub/progress-service/internal/clock"
	"github.com/freelancehub/progress-service/internal/store"
)

// foreignKeyViolation is the Postgres error code raised when a comment
// references a missing parent update.
const foreignKeyViolation = "23503"

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// dbPool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it
// in tests.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store implements store.UpdateRepository and store.CommentRepository on
// Postgres. Writes that touch the monotonic invariant take a per-project
// advisory lock inside their transaction, so the max-percentage read and
// the subsequent write cannot interleave with another writer for the same
// project.
type Store struct {
	pool dbPool
	clk  clock.Clock
}

var (
	_ store.UpdateRepository  = (*Store)(nil)
	_ store.CommentRepository = (*Store)(nil)
)

// NewStore connects a pool using the provided config.
func NewStore(ctx context.Context, cfg Config, clk clock.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewStoreWithPool(pool, clk)
}

// NewStoreWithPool constructs a store from an existing pool (primarily for
// testing with pgxmock).
func NewStoreWithPool(pool dbPool, clk clock.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Store{pool: pool, clk: clk}, nil
}

// Ping verifies the database is reachable. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const updateColumns = "id, project_id, contract_id, freelancer_id, title, description, progress_percentage, created_at, updated_at"

// Create inserts a new progress update, enforcing the monotonic invariant
// under a per-project advisory lock.
func (s *Store) Create(ctx context.Context, in store.NewProgressUpdate) (store.ProgressUpdate, error) {
	now := s.clk.Now()
	u := store.ProgressUpdate{
		ProjectID:          in.ProjectID,
		ContractID:         in.ContractID,
		FreelancerID:       in.FreelancerID,
		Title:              in.Title,
		Description:        in.Description,
		ProgressPercentage: in.ProgressPercentage,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err := s.withProjectLock(ctx, in.ProjectID, in.ProgressPercentage, func(tx pgx.Tx) error {
		query := `
			INSERT INTO progress_updates (project_id, contract_id, freelancer_id, title, description, progress_percentage, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id;
		`
		row := tx.QueryRow(ctx, query,
			in.ProjectID,
			in.ContractID,
			in.FreelancerID,
			in.Title,
			in.Description,
			in.ProgressPercentage,
			now,
			now,
		)
		if err := row.Scan(&u.ID); err != nil {
			return fmt.Errorf("insert progress update: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.ProgressUpdate{}, err
	}
	return u, nil
}

// Update overwrites the mutable fields of an existing update.
func (s *Store) Update(ctx context.Context, id int64, in store.NewProgressUpdate) (store.ProgressUpdate, error) {
	now := s.clk.Now()
	u := store.ProgressUpdate{
		ID:                 id,
		ProjectID:          in.ProjectID,
		ContractID:         in.ContractID,
		FreelancerID:       in.FreelancerID,
		Title:              in.Title,
		Description:        in.Description,
		ProgressPercentage: in.ProgressPercentage,
		UpdatedAt:          now,
	}

	err := s.withProjectLock(ctx, in.ProjectID, in.ProgressPercentage, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT created_at FROM progress_updates WHERE id = $1 FOR UPDATE;`, id)
		if err := row.Scan(&u.CreatedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrNotFound
			}
			return fmt.Errorf("lock progress update: %w", err)
		}
		query := `
			UPDATE progress_updates
			SET project_id = $1, contract_id = $2, freelancer_id = $3, title = $4, description = $5, progress_percentage = $6, updated_at = $7
			WHERE id = $8;
		`
		if _, err := tx.Exec(ctx, query,
			in.ProjectID,
			in.ContractID,
			in.FreelancerID,
			in.Title,
			in.Description,
			in.ProgressPercentage,
			now,
			id,
		); err != nil {
			return fmt.Errorf("update progress update: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.ProgressUpdate{}, err
	}
	return u, nil
}

// withProjectLock runs fn inside a transaction that holds the project's
// advisory lock and has already passed the monotonic check.
func (s *Store) withProjectLock(ctx context.Context, projectID int64, candidate int, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('progress_updates:' || $1::text));`, projectID); err != nil {
		return fmt.Errorf("acquire project lock: %w", err)
	}

	var minAllowed int
	row := tx.QueryRow(ctx, `SELECT COALESCE(MAX(progress_percentage), 0) FROM progress_updates WHERE project_id = $1;`, projectID)
	if err := row.Scan(&minAllowed); err != nil {
		return fmt.Errorf("read max progress: %w", err)
	}
	if err := store.CheckMonotonic(minAllowed, candidate); err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Delete removes an update; the comments FK cascade removes its comments.
func (s *Store) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM progress_updates WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete progress update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Get loads one update by id.
func (s *Store) Get(ctx context.Context, id int64) (store.ProgressUpdate, error) {
	query := `SELECT ` + updateColumns + ` FROM progress_updates WHERE id = $1;`
	u, err := scanUpdate(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ProgressUpdate{}, store.ErrNotFound
		}
		return store.ProgressUpdate{}, fmt.Errorf("get progress update: %w", err)
	}
	return u, nil
}

// List applies the criteria as WHERE conjuncts, counts the matches, and
// returns one sorted page.
func (s *Store) List(ctx context.Context, c store.Criteria, sortSpec store.SortSpec, page store.PageRequest) (store.UpdatePage, error) {
	if !store.ValidSortField(sortSpec.Field) {
		sortSpec = store.DefaultSort()
	}
	page = page.Normalize()

	where, args := buildWhere(c)

	var total int64
	countQuery := `SELECT COUNT(*) FROM progress_updates` + where + `;`
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return store.UpdatePage{}, fmt.Errorf("count progress updates: %w", err)
	}

	dir := "ASC"
	if sortSpec.Desc {
		dir = "DESC"
	}
	listQuery := fmt.Sprintf(
		`SELECT %s FROM progress_updates%s ORDER BY %s %s, id ASC LIMIT $%d OFFSET $%d;`,
		updateColumns, where, sortColumn(sortSpec.Field), dir, len(args)+1, len(args)+2,
	)
	args = append(args, page.Size, page.Page*page.Size)

	updates, err := s.queryUpdates(ctx, listQuery, args...)
	if err != nil {
		return store.UpdatePage{}, fmt.Errorf("list progress updates: %w", err)
	}
	return store.UpdatePage{Updates: updates, TotalCount: total, Page: page.Page, Size: page.Size}, nil
}

// ListByProject returns all updates for a project, oldest first.
func (s *Store) ListByProject(ctx context.Context, projectID int64) ([]store.ProgressUpdate, error) {
	query := `SELECT ` + updateColumns + ` FROM progress_updates WHERE project_id = $1 ORDER BY created_at ASC, id ASC;`
	return s.queryUpdates(ctx, query, projectID)
}

// ListByContract returns all updates for a contract, oldest first.
func (s *Store) ListByContract(ctx context.Context, contractID int64) ([]store.ProgressUpdate, error) {
	query := `SELECT ` + updateColumns + ` FROM progress_updates WHERE contract_id = $1 ORDER BY created_at ASC, id ASC;`
	return s.queryUpdates(ctx, query, contractID)
}

// ListByFreelancer returns all updates by a freelancer, oldest first.
func (s *Store) ListByFreelancer(ctx context.Context, freelancerID int64) ([]store.ProgressUpdate, error) {
	query := `SELECT ` + updateColumns + ` FROM progress_updates WHERE freelancer_id = $1 ORDER BY created_at ASC, id ASC;`
	return s.queryUpdates(ctx, query, freelancerID)
}

// ListProjectCreatedBetween returns a project's updates created in [from, to].
func (s *Store) ListProjectCreatedBetween(ctx context.Context, projectID int64, from, to time.Time) ([]store.ProgressUpdate, error) {
	query := `SELECT ` + updateColumns + ` FROM progress_updates WHERE project_id = $1 AND created_at >= $2 AND created_at <= $3 ORDER BY created_at ASC, id ASC;`
	return s.queryUpdates(ctx, query, projectID, from, to)
}

// ProjectLastUpdates returns (project_id, max(updated_at)) rows.
func (s *Store) ProjectLastUpdates(ctx context.Context) ([]store.ProjectLastUpdate, error) {
	query := `SELECT project_id, MAX(updated_at) FROM progress_updates GROUP BY project_id ORDER BY project_id ASC;`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list project last updates: %w", err)
	}
	defer rows.Close()

	var out []store.ProjectLastUpdate
	for rows.Next() {
		var row store.ProjectLastUpdate
		if err := rows.Scan(&row.ProjectID, &row.LastUpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project last update: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project last updates: %w", err)
	}
	return out, nil
}

// GetByProjectAndUpdatedAt finds the update recorded at exactly at for the
// project; among duplicates the highest id wins.
func (s *Store) GetByProjectAndUpdatedAt(ctx context.Context, projectID int64, at time.Time) (store.ProgressUpdate, error) {
	query := `SELECT ` + updateColumns + ` FROM progress_updates WHERE project_id = $1 AND updated_at = $2 ORDER BY id DESC LIMIT 1;`
	u, err := scanUpdate(s.pool.QueryRow(ctx, query, projectID, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ProgressUpdate{}, store.ErrNotFound
		}
		return store.ProgressUpdate{}, fmt.Errorf("get progress update by timestamp: %w", err)
	}
	return u, nil
}

// CountByFreelancer ranks freelancers by update count.
func (s *Store) CountByFreelancer(ctx context.Context, limit int) ([]store.ActivityCount, error) {
	query := `
		SELECT freelancer_id, COUNT(*) AS update_count
		FROM progress_updates
		GROUP BY freelancer_id
		ORDER BY update_count DESC, freelancer_id ASC
		LIMIT $1;
	`
	return s.queryCounts(ctx, query, limit)
}

// CountByProject ranks projects by update count within an optional
// inclusive created_at window.
func (s *Store) CountByProject(ctx context.Context, from, to *time.Time, limit int) ([]store.ActivityCount, error) {
	query := `
		SELECT project_id, COUNT(*) AS update_count
		FROM progress_updates
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at <= $2)
		GROUP BY project_id
		ORDER BY update_count DESC, project_id ASC
		LIMIT $3;
	`
	return s.queryCounts(ctx, query, from, to, limit)
}

// DashboardTotals computes the full-table aggregate in a single query.
func (s *Store) DashboardTotals(ctx context.Context) (store.DashboardTotals, error) {
	query := `
		SELECT COUNT(*), AVG(progress_percentage), COUNT(DISTINCT project_id), COUNT(DISTINCT freelancer_id)
		FROM progress_updates;
	`
	var totals store.DashboardTotals
	err := s.pool.QueryRow(ctx, query).Scan(
		&totals.TotalUpdates,
		&totals.AverageProgress,
		&totals.DistinctProjects,
		&totals.DistinctFreelancers,
	)
	if err != nil {
		return store.DashboardTotals{}, fmt.Errorf("dashboard totals: %w", err)
	}
	return totals, nil
}

// CreateComment inserts a comment; a missing parent surfaces as ErrNotFound
// via the foreign-key violation.
func (s *Store) CreateComment(ctx context.Context, in store.NewProgressComment) (store.ProgressComment, error) {
	now := s.clk.Now()
	c := store.ProgressComment{
		ProgressUpdateID: in.ProgressUpdateID,
		UserID:           in.UserID,
		Message:          in.Message,
		CreatedAt:        now,
	}
	query := `
		INSERT INTO progress_comments (progress_update_id, user_id, message, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id;
	`
	err := s.pool.QueryRow(ctx, query, in.ProgressUpdateID, in.UserID, in.Message, now).Scan(&c.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return store.ProgressComment{}, store.ErrNotFound
		}
		return store.ProgressComment{}, fmt.Errorf("insert progress comment: %w", err)
	}
	return c, nil
}

// GetComment loads one comment by id.
func (s *Store) GetComment(ctx context.Context, id int64) (store.ProgressComment, error) {
	query := `SELECT id, progress_update_id, user_id, message, created_at FROM progress_comments WHERE id = $1;`
	var c store.ProgressComment
	err := s.pool.QueryRow(ctx, query, id).Scan(&c.ID, &c.ProgressUpdateID, &c.UserID, &c.Message, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ProgressComment{}, store.ErrNotFound
		}
		return store.ProgressComment{}, fmt.Errorf("get progress comment: %w", err)
	}
	return c, nil
}

// UpdateCommentMessage replaces the message of an existing comment.
func (s *Store) UpdateCommentMessage(ctx context.Context, id int64, message string) (store.ProgressComment, error) {
	query := `
		UPDATE progress_comments
		SET message = $1
		WHERE id = $2
		RETURNING id, progress_update_id, user_id, message, created_at;
	`
	var c store.ProgressComment
	err := s.pool.QueryRow(ctx, query, message, id).Scan(&c.ID, &c.ProgressUpdateID, &c.UserID, &c.Message, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ProgressComment{}, store.ErrNotFound
		}
		return store.ProgressComment{}, fmt.Errorf("update progress comment: %w", err)
	}
	return c, nil
}

// DeleteComment removes a single comment.
func (s *Store) DeleteComment(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM progress_comments WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete progress comment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListCommentsByUpdate returns one update's comments, oldest first.
func (s *Store) ListCommentsByUpdate(ctx context.Context, progressUpdateID int64) ([]store.ProgressComment, error) {
	query := `SELECT id, progress_update_id, user_id, message, created_at FROM progress_comments WHERE progress_update_id = $1 ORDER BY created_at ASC, id ASC;`
	rows, err := s.pool.Query(ctx, query, progressUpdateID)
	if err != nil {
		return nil, fmt.Errorf("list progress comments: %w", err)
	}
	defer rows.Close()

	var out []store.ProgressComment
	for rows.Next() {
		var c store.ProgressComment
		if err := rows.Scan(&c.ID, &c.ProgressUpdateID, &c.UserID, &c.Message, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan progress comment: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress comments: %w", err)
	}
	return out, nil
}

// CountCommentsByUpdateIDs counts comments whose parent is in ids.
func (s *Store) CountCommentsByUpdateIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM progress_comments WHERE progress_update_id = ANY($1);`, ids).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count comments by update ids: %w", err)
	}
	return n, nil
}

// CountCommentsByFreelancer counts comments on a freelancer's updates.
func (s *Store) CountCommentsByFreelancer(ctx context.Context, freelancerID int64) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM progress_comments c
		JOIN progress_updates u ON u.id = c.progress_update_id
		WHERE u.freelancer_id = $1;
	`
	var n int64
	if err := s.pool.QueryRow(ctx, query, freelancerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count comments by freelancer: %w", err)
	}
	return n, nil
}

// CountComments returns the total number of comments.
func (s *Store) CountComments(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM progress_comments;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count comments: %w", err)
	}
	return n, nil
}

func (s *Store) queryUpdates(ctx context.Context, query string, args ...any) ([]store.ProgressUpdate, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query progress updates: %w", err)
	}
	defer rows.Close()

	var out []store.ProgressUpdate
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan progress update: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress updates: %w", err)
	}
	return out, nil
}

func (s *Store) queryCounts(ctx context.Context, query string, args ...any) ([]store.ActivityCount, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity counts: %w", err)
	}
	defer rows.Close()

	var out []store.ActivityCount
	for rows.Next() {
		var row store.ActivityCount
		if err := rows.Scan(&row.ID, &row.Count); err != nil {
			return nil, fmt.Errorf("scan activity count: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity counts: %w", err)
	}
	return out, nil
}

func scanUpdate(row pgx.Row) (store.ProgressUpdate, error) {
	var u store.ProgressUpdate
	err := row.Scan(
		&u.ID,
		&u.ProjectID,
		&u.ContractID,
		&u.FreelancerID,
		&u.Title,
		&u.Description,
		&u.ProgressPercentage,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	return u, err
}

// buildWhere renders the present criteria as one WHERE clause. The returned
// string is empty when no criterion is present.
func buildWhere(c store.Criteria) (string, []any) {
	var conds []string
	var args []any
	add := func(format string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(format, len(args)))
	}

	if c.ProjectID != nil {
		add("project_id = $%d", *c.ProjectID)
	}
	if c.FreelancerID != nil {
		add("freelancer_id = $%d", *c.FreelancerID)
	}
	if c.ContractID != nil {
		add("contract_id = $%d", *c.ContractID)
	}
	if c.ProgressMin != nil {
		add("progress_percentage >= $%d", *c.ProgressMin)
	}
	if c.ProgressMax != nil {
		add("progress_percentage <= $%d", *c.ProgressMax)
	}
	if c.DateFrom != nil {
		add("created_at >= $%d", store.DayStart(*c.DateFrom))
	}
	if c.DateTo != nil {
		add("created_at <= $%d", store.DayEnd(*c.DateTo))
	}
	if c.HasSearch() {
		pattern := "%" + strings.ToLower(strings.TrimSpace(c.Search)) + "%"
		args = append(args, pattern)
		conds = append(conds, fmt.Sprintf(
			"(LOWER(title) LIKE $%d OR (description IS NOT NULL AND LOWER(description) LIKE $%d))",
			len(args), len(args),
		))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func sortColumn(f store.SortField) string {
	switch f {
	case store.SortByID:
		return "id"
	case store.SortByUpdatedAt:
		return "updated_at"
	case store.SortByProgress:
		return "progress_percentage"
	case store.SortByTitle:
		return "title"
	default:
		return "created_at"
	}
}
