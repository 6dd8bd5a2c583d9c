package progress

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/freelancehub/progress-service/internal/identity"
	"github.com/freelancehub/progress-service/internal/metrics"
	"github.com/freelancehub/progress-service/internal/store"
)

// CommentService manages comments attached to progress updates. Creation
// verifies both the parent update and the author's identity; the latter is
// a hard dependency, an unreachable identity service fails the write.
type CommentService struct {
	comments store.CommentRepository
	users    identity.Lookup
	log      *zap.Logger
}

// NewCommentService wires the comment repository and identity lookup.
func NewCommentService(comments store.CommentRepository, users identity.Lookup, log *zap.Logger) (*CommentService, error) {
	if comments == nil {
		return nil, fmt.Errorf("comment repository is required")
	}
	if users == nil {
		return nil, fmt.Errorf("identity lookup is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CommentService{comments: comments, users: users, log: log}, nil
}

// Create validates the payload, confirms the author exists, and persists
// the comment. identity.ErrUserNotFound and identity.ErrUnavailable pass
// through for the API layer to translate.
func (s *CommentService) Create(ctx context.Context, in store.NewProgressComment) (store.ProgressComment, error) {
	if err := in.Validate(); err != nil {
		return store.ProgressComment{}, err
	}

	if _, err := s.users.Lookup(ctx, in.UserID); err != nil {
		metrics.ObserveIdentityLookup(lookupOutcome(err))
		return store.ProgressComment{}, fmt.Errorf("verify comment author %d: %w", in.UserID, err)
	}
	metrics.ObserveIdentityLookup("ok")

	c, err := s.comments.CreateComment(ctx, in)
	if err != nil {
		return store.ProgressComment{}, err
	}
	metrics.ObserveComment("created")
	s.log.Info("comment created",
		zap.Int64("id", c.ID),
		zap.Int64("progressUpdateId", c.ProgressUpdateID),
		zap.Int64("userId", c.UserID),
	)
	return c, nil
}

// Get loads one comment.
func (s *CommentService) Get(ctx context.Context, id int64) (store.ProgressComment, error) {
	return s.comments.GetComment(ctx, id)
}

// UpdateMessage edits a comment's message text.
func (s *CommentService) UpdateMessage(ctx context.Context, id int64, message string) (store.ProgressComment, error) {
	if err := (store.NewProgressComment{Message: message}).Validate(); err != nil {
		return store.ProgressComment{}, err
	}
	c, err := s.comments.UpdateCommentMessage(ctx, id, message)
	if err != nil {
		return store.ProgressComment{}, err
	}
	metrics.ObserveComment("updated")
	return c, nil
}

// Delete removes one comment.
func (s *CommentService) Delete(ctx context.Context, id int64) error {
	if err := s.comments.DeleteComment(ctx, id); err != nil {
		return err
	}
	metrics.ObserveComment("deleted")
	return nil
}

// ListByUpdate returns an update's comments, oldest first.
func (s *CommentService) ListByUpdate(ctx context.Context, progressUpdateID int64) ([]store.ProgressComment, error) {
	return s.comments.ListCommentsByUpdate(ctx, progressUpdateID)
}

func lookupOutcome(err error) string {
	if errors.Is(err, identity.ErrUserNotFound) {
		return "not_found"
	}
	return "error"
}
