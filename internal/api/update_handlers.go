package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/freelancehub/progress-service/internal/identity"
	"github.com/freelancehub/progress-service/internal/store"
)

type updateRequest struct {
	ProjectID          int64   `json:"projectId"`
	ContractID         int64   `json:"contractId"`
	FreelancerID       int64   `json:"freelancerId"`
	Title              string  `json:"title"`
	Description        *string `json:"description"`
	ProgressPercentage int     `json:"progressPercentage"`
}

func (r updateRequest) toNew() store.NewProgressUpdate {
	return store.NewProgressUpdate{
		ProjectID:          r.ProjectID,
		ContractID:         r.ContractID,
		FreelancerID:       r.FreelancerID,
		Title:              r.Title,
		Description:        r.Description,
		ProgressPercentage: r.ProgressPercentage,
	}
}

type updateDTO struct {
	ID                 int64     `json:"id"`
	ProjectID          int64     `json:"projectId"`
	ContractID         int64     `json:"contractId"`
	FreelancerID       int64     `json:"freelancerId"`
	Title              string    `json:"title"`
	Description        *string   `json:"description,omitempty"`
	ProgressPercentage int       `json:"progressPercentage"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

func toUpdateDTO(u store.ProgressUpdate) updateDTO {
	return updateDTO{
		ID:                 u.ID,
		ProjectID:          u.ProjectID,
		ContractID:         u.ContractID,
		FreelancerID:       u.FreelancerID,
		Title:              u.Title,
		Description:        u.Description,
		ProgressPercentage: u.ProgressPercentage,
		CreatedAt:          u.CreatedAt,
		UpdatedAt:          u.UpdatedAt,
	}
}

func toUpdateDTOs(in []store.ProgressUpdate) []updateDTO {
	out := make([]updateDTO, 0, len(in))
	for _, u := range in {
		out = append(out, toUpdateDTO(u))
	}
	return out
}

func (s *Server) createUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	u, err := s.updates.Create(ctx, req.toNew())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUpdateDTO(u))
}

func (s *Server) getUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	u, err := s.updates.Get(ctx, id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUpdateDTO(u))
}

func (s *Server) replaceUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req updateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	u, err := s.updates.Update(ctx, id, req.toNew())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUpdateDTO(u))
}

func (s *Server) deleteUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	if err := s.updates.Delete(ctx, id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listUpdates handles GET /v1/progress-updates with the full filter,
// sort, and pagination surface.
func (s *Server) listUpdates(w http.ResponseWriter, r *http.Request) {
	criteria, err := parseCriteria(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sortSpec, err := parseSort(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	result, err := s.updates.List(ctx, criteria, sortSpec, page)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"updates":    toUpdateDTOs(result.Updates),
		"totalCount": result.TotalCount,
		"page":       result.Page,
		"size":       result.Size,
	})
}

func (s *Server) listByProject(w http.ResponseWriter, r *http.Request) {
	s.listByEntity(w, r, "projectId", s.updates.ListByProject)
}

func (s *Server) listByContract(w http.ResponseWriter, r *http.Request) {
	s.listByEntity(w, r, "contractId", s.updates.ListByContract)
}

func (s *Server) listByFreelancer(w http.ResponseWriter, r *http.Request) {
	s.listByEntity(w, r, "freelancerId", s.updates.ListByFreelancer)
}

func (s *Server) listByEntity(
	w http.ResponseWriter,
	r *http.Request,
	param string,
	list func(context.Context, int64) ([]store.ProgressUpdate, error),
) {
	id, err := parseIDParam(r, param)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	updates, err := list(ctx, id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updates": toUpdateDTOs(updates)})
}

// writeDomainError translates domain errors into HTTP responses. The
// monotonicity rejection carries its bounds so clients can display what
// would have been accepted.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var decrease *store.ProgressCannotDecreaseError
	switch {
	case errors.As(err, &decrease):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"message":    "progress percentage cannot decrease",
			"minAllowed": decrease.MinAllowed,
			"provided":   decrease.Provided,
		})
	case errors.Is(err, store.ErrInvalidInput):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, identity.ErrUserNotFound):
		writeError(w, http.StatusUnprocessableEntity, "unknown user")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, identity.ErrUnavailable):
		writeError(w, http.StatusBadGateway, "identity service unavailable")
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func parseIDParam(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

func parseCriteria(r *http.Request) (store.Criteria, error) {
	q := r.URL.Query()
	var c store.Criteria
	var err error

	if c.ProjectID, err = queryInt64Ptr(q.Get("projectId"), "projectId"); err != nil {
		return store.Criteria{}, err
	}
	if c.FreelancerID, err = queryInt64Ptr(q.Get("freelancerId"), "freelancerId"); err != nil {
		return store.Criteria{}, err
	}
	if c.ContractID, err = queryInt64Ptr(q.Get("contractId"), "contractId"); err != nil {
		return store.Criteria{}, err
	}
	if c.ProgressMin, err = queryIntPtr(q.Get("progressMin"), "progressMin"); err != nil {
		return store.Criteria{}, err
	}
	if c.ProgressMax, err = queryIntPtr(q.Get("progressMax"), "progressMax"); err != nil {
		return store.Criteria{}, err
	}
	if c.DateFrom, err = queryDatePtr(q.Get("dateFrom"), "dateFrom"); err != nil {
		return store.Criteria{}, err
	}
	if c.DateTo, err = queryDatePtr(q.Get("dateTo"), "dateTo"); err != nil {
		return store.Criteria{}, err
	}
	c.Search = q.Get("search")
	return c, nil
}

func parseSort(r *http.Request) (store.SortSpec, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("sort"))
	if raw == "" {
		return store.DefaultSort(), nil
	}
	parts := strings.SplitN(raw, ",", 2)
	field := store.SortField(strings.TrimSpace(parts[0]))
	if !store.ValidSortField(field) {
		return store.SortSpec{}, fmt.Errorf("invalid sort field %q", parts[0])
	}
	spec := store.SortSpec{Field: field}
	if len(parts) == 2 {
		switch strings.ToLower(strings.TrimSpace(parts[1])) {
		case "asc":
		case "desc":
			spec.Desc = true
		default:
			return store.SortSpec{}, fmt.Errorf("invalid sort direction %q", parts[1])
		}
	}
	return spec, nil
}

func parsePage(r *http.Request) (store.PageRequest, error) {
	q := r.URL.Query()
	var page store.PageRequest
	if raw := q.Get("page"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 0 {
			return store.PageRequest{}, fmt.Errorf("invalid page")
		}
		page.Page = val
	}
	if raw := q.Get("size"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return store.PageRequest{}, fmt.Errorf("invalid size")
		}
		page.Size = val
	}
	return page.Normalize(), nil
}

func queryInt64Ptr(raw, name string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s", name)
	}
	return &val, nil
}

func queryIntPtr(raw, name string) (*int, error) {
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s", name)
	}
	return &val, nil
}

func queryDatePtr(raw, name string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseInLocation("2006-01-02", raw, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("invalid %s, expected yyyy-mm-dd", name)
	}
	return &val, nil
}
