package api

import (
	"context"
	"net/http"
	"time"

	"github.com/freelancehub/progress-service/internal/store"
)

type commentRequest struct {
	UserID  int64  `json:"userId"`
	Message string `json:"message"`
}

type commentDTO struct {
	ID               int64     `json:"id"`
	ProgressUpdateID int64     `json:"progressUpdateId"`
	UserID           int64     `json:"userId"`
	Message          string    `json:"message"`
	CreatedAt        time.Time `json:"createdAt"`
}

func toCommentDTO(c store.ProgressComment) commentDTO {
	return commentDTO{
		ID:               c.ID,
		ProgressUpdateID: c.ProgressUpdateID,
		UserID:           c.UserID,
		Message:          c.Message,
		CreatedAt:        c.CreatedAt,
	}
}

func toCommentDTOs(in []store.ProgressComment) []commentDTO {
	out := make([]commentDTO, 0, len(in))
	for _, c := range in {
		out = append(out, toCommentDTO(c))
	}
	return out
}

// createComment handles POST /v1/progress-updates/{id}/comments.
func (s *Server) createComment(w http.ResponseWriter, r *http.Request) {
	updateID, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req commentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	c, err := s.comments.Create(ctx, store.NewProgressComment{
		ProgressUpdateID: updateID,
		UserID:           req.UserID,
		Message:          req.Message,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCommentDTO(c))
}

// listComments handles GET /v1/progress-updates/{id}/comments.
func (s *Server) listComments(w http.ResponseWriter, r *http.Request) {
	updateID, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	comments, err := s.comments.ListByUpdate(ctx, updateID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": toCommentDTOs(comments)})
}

func (s *Server) getComment(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "commentId")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	c, err := s.comments.Get(ctx, id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommentDTO(c))
}

// replaceCommentMessage handles PUT /v1/progress-comments/{commentId}; only
// the message text is editable.
func (s *Server) replaceCommentMessage(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "commentId")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req commentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	c, err := s.comments.UpdateMessage(ctx, id, req.Message)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommentDTO(c))
}

func (s *Server) deleteComment(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "commentId")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	if err := s.comments.Delete(ctx, id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
