// Package progress holds the domain services: the write/read path for
// progress updates, the aggregation engine, and comment linkage.
package progress

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/freelancehub/progress-service/internal/metrics"
	"github.com/freelancehub/progress-service/internal/store"
)

// Service is the CRUD and listing surface for progress updates.
type Service struct {
	updates store.UpdateRepository
	log     *zap.Logger
}

// NewService wires the update repository into a Service.
func NewService(updates store.UpdateRepository, log *zap.Logger) (*Service, error) {
	if updates == nil {
		return nil, fmt.Errorf("update repository is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{updates: updates, log: log}, nil
}

// Create validates and persists a new progress update.
func (s *Service) Create(ctx context.Context, in store.NewProgressUpdate) (store.ProgressUpdate, error) {
	if err := in.Validate(); err != nil {
		return store.ProgressUpdate{}, err
	}
	u, err := s.updates.Create(ctx, in)
	if err != nil {
		s.observeWriteFailure("create", in, err)
		return store.ProgressUpdate{}, err
	}
	metrics.ObserveUpdate("created")
	s.log.Info("progress update created",
		zap.Int64("id", u.ID),
		zap.Int64("projectId", u.ProjectID),
		zap.Int("progressPercentage", u.ProgressPercentage),
	)
	return u, nil
}

// Update validates and overwrites an existing progress update.
func (s *Service) Update(ctx context.Context, id int64, in store.NewProgressUpdate) (store.ProgressUpdate, error) {
	if err := in.Validate(); err != nil {
		return store.ProgressUpdate{}, err
	}
	u, err := s.updates.Update(ctx, id, in)
	if err != nil {
		s.observeWriteFailure("update", in, err)
		return store.ProgressUpdate{}, err
	}
	metrics.ObserveUpdate("updated")
	s.log.Info("progress update modified",
		zap.Int64("id", u.ID),
		zap.Int64("projectId", u.ProjectID),
		zap.Int("progressPercentage", u.ProgressPercentage),
	)
	return u, nil
}

// Delete removes an update and its comments.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.updates.Delete(ctx, id); err != nil {
		return err
	}
	metrics.ObserveUpdate("deleted")
	s.log.Info("progress update deleted", zap.Int64("id", id))
	return nil
}

// Get loads a single update.
func (s *Service) Get(ctx context.Context, id int64) (store.ProgressUpdate, error) {
	return s.updates.Get(ctx, id)
}

// List applies the filter criteria and returns one page.
func (s *Service) List(ctx context.Context, c store.Criteria, sort store.SortSpec, page store.PageRequest) (store.UpdatePage, error) {
	return s.updates.List(ctx, c, sort, page)
}

// ListByProject returns all of a project's updates, oldest first.
func (s *Service) ListByProject(ctx context.Context, projectID int64) ([]store.ProgressUpdate, error) {
	return s.updates.ListByProject(ctx, projectID)
}

// ListByContract returns all of a contract's updates, oldest first.
func (s *Service) ListByContract(ctx context.Context, contractID int64) ([]store.ProgressUpdate, error) {
	return s.updates.ListByContract(ctx, contractID)
}

// ListByFreelancer returns all of a freelancer's updates, oldest first.
func (s *Service) ListByFreelancer(ctx context.Context, freelancerID int64) ([]store.ProgressUpdate, error) {
	return s.updates.ListByFreelancer(ctx, freelancerID)
}

func (s *Service) observeWriteFailure(operation string, in store.NewProgressUpdate, err error) {
	var decrease *store.ProgressCannotDecreaseError
	if errors.As(err, &decrease) {
		metrics.ObserveInvariantViolation()
		s.log.Warn("rejected decreasing progress write",
			zap.String("operation", operation),
			zap.Int64("projectId", in.ProjectID),
			zap.Int("minAllowed", decrease.MinAllowed),
			zap.Int("provided", decrease.Provided),
		)
	}
}
