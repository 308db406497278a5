package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/poiplane/poiplane/internal/domain"
)

// credView is the admin wire shape of a credential. The raw key never leaves
// the server; only the masked form does.
type credView struct {
	ID          int64                  `json:"id"`
	MaskedKey   string                 `json:"masked_key"`
	Active      bool                   `json:"active"`
	Description string                 `json:"description"`
	LastReset   *string                `json:"last_reset"`
	Usage       domain.CredentialUsage `json:"usage"`
	CreatedAt   string                 `json:"created_at"`
}

func credToView(c domain.Credential) credView {
	v := credView{
		ID:          c.ID,
		MaskedKey:   c.MaskedKey(),
		Active:      c.Active,
		Description: c.Description,
		Usage:       c.UsageSnapshot(),
		CreatedAt:   c.CreatedAt.Format(timeLayout),
	}
	if c.LastReset != nil {
		lr := c.LastReset.Format(timeLayout)
		v.LastReset = &lr
	}
	return v
}

// ListKeysHandler lists all credentials with usage snapshots.
func (s *Server) ListKeysHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creds, err := s.Creds.List(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]credView, 0, len(creds))
		for _, c := range creds {
			views = append(views, credToView(c))
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": views, "count": len(views)})
	}
}

type kindLimits struct {
	Keyword *int `json:"keyword" validate:"omitempty,min=0"`
	Around  *int `json:"around" validate:"omitempty,min=0"`
	Polygon *int `json:"polygon" validate:"omitempty,min=0"`
}

func (k *kindLimits) toDomain() *domain.CredentialLimits {
	if k == nil {
		return nil
	}
	return &domain.CredentialLimits{Keyword: k.Keyword, Around: k.Around, Polygon: k.Polygon}
}

type createKeyRequest struct {
	Key         string      `json:"key" validate:"required,min=10"`
	Description string      `json:"description" validate:"max=500"`
	Limits      *kindLimits `json:"limits"`
	QPS         *kindLimits `json:"qps"`
}

// CreateKeyHandler adds a credential to the pool.
func (s *Server) CreateKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		c := domain.Credential{Key: req.Key, Active: true, Description: req.Description}
		if l := req.Limits.toDomain(); l != nil {
			c.KeywordLimit, c.AroundLimit, c.PolygonLimit = l.Keyword, l.Around, l.Polygon
		}
		if q := req.QPS.toDomain(); q != nil {
			c.KeywordQPS, c.AroundQPS, c.PolygonQPS = q.Keyword, q.Around, q.Polygon
		}
		created, err := s.Creds.Create(r.Context(), c)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, credToView(created))
	}
}

type updateKeyRequest struct {
	Active      *bool       `json:"active"`
	Description *string     `json:"description" validate:"omitempty,max=500"`
	Limits      *kindLimits `json:"limits"`
	QPS         *kindLimits `json:"qps"`
}

// UpdateKeyHandler applies a partial update to a credential.
func (s *Server) UpdateKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := credIDParam(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req updateKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		updated, err := s.Creds.Update(r.Context(), id, domain.CredentialUpdate{
			Active:      req.Active,
			Description: req.Description,
			Limits:      req.Limits.toDomain(),
			QPS:         req.QPS.toDomain(),
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, credToView(updated))
	}
}

// DeleteKeyHandler removes a credential.
func (s *Server) DeleteKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := credIDParam(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Creds.Delete(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
	}
}

// KeyUsageHandler returns the per-kind usage snapshot for one credential.
func (s *Server) KeyUsageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := credIDParam(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		usage, err := s.Pool.GetUsage(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":    id,
			"date":  time.Now().Format("2006-01-02"),
			"usage": usage,
		})
	}
}

func credIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "keyID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: key id must be a positive integer", domain.ErrInvalidArgument)
	}
	return id, nil
}
