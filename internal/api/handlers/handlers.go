package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dvloznov/transit-tracker/internal/api/middleware"
	"github.com/dvloznov/transit-tracker/internal/cards"
	"github.com/dvloznov/transit-tracker/internal/domain"
	"github.com/dvloznov/transit-tracker/internal/jobs"
	"github.com/dvloznov/transit-tracker/internal/logger"
	"github.com/go-chi/chi/v5"
)

// RunsHandler handles ingestion run endpoints. A run is an ingestion job.
type RunsHandler struct {
	publisher jobs.Publisher
	store     jobs.JobStore
	now       func() time.Time
}

// NewRunsHandler creates a new runs handler.
func NewRunsHandler(publisher jobs.Publisher, store jobs.JobStore) *RunsHandler {
	return &RunsHandler{publisher: publisher, store: store, now: time.Now}
}

// CreateRun handles POST /api/runs. Without start and end it ingests the
// previous calendar month.
func (h *RunsHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserIDs []string `json:"user_ids"`
		Start   string   `json:"start"`
		End     string   `json:"end"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	dr := domain.LastMonth(h.now())
	if req.Start != "" || req.End != "" {
		var err error
		dr, err = domain.ParseDateRange(req.Start, req.End)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ctx := r.Context()
	log := logger.FromContext(ctx)

	job := &jobs.IngestionJob{UserIDs: req.UserIDs, Range: dr}
	if err := h.publisher.PublishIngestion(ctx, job); err != nil {
		log.Error().Err(err).Msg("Failed to enqueue ingestion job")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue ingestion job")
		return
	}

	log.Info().Str("job_id", job.JobID).Str("range", dr.String()).Msg("Ingestion job enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.JobID,
		"range":  dr.String(),
		"status": string(jobs.JobStatusPending),
	})
}

// GetRun handles GET /api/runs/{id}
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	job, err := h.store.GetJob(r.Context(), jobID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "Run not found")
		return
	}
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Str("job_id", jobID).Msg("Failed to get run")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get run")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListRuns handles GET /api/runs
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := jobs.JobFilter{
		UserID: query.Get("user_id"),
		Status: jobs.JobStatus(query.Get("status")),
	}
	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}
	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = offset
		}
	}

	runs, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("Failed to list runs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// CardManager links and unlinks cards. *cards.Service implements it.
type CardManager interface {
	Link(ctx context.Context, card *domain.Card, cred *domain.Credential) error
	Rotate(ctx context.Context, userID, cardID string, cred domain.Credential) error
	Remove(ctx context.Context, cardID string) error
	List(ctx context.Context, userID string) ([]domain.Card, error)
}

// CardsHandler handles card endpoints.
type CardsHandler struct {
	cards CardManager
}

// NewCardsHandler creates a new cards handler.
func NewCardsHandler(cards CardManager) *CardsHandler {
	return &CardsHandler{cards: cards}
}

// ListCards handles GET /api/cards
func (h *CardsHandler) ListCards(w http.ResponseWriter, r *http.Request) {
	list, err := h.cards.List(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		writeCardError(w, r, err, "Failed to list cards")
		return
	}
	if list == nil {
		list = []domain.Card{}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"cards": list,
		"count": len(list),
	})
}

// CreateCard handles POST /api/cards. The credential is optional.
func (h *CardsHandler) CreateCard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"user_id"`
		Serial   string `json:"serial"`
		Nickname string `json:"nickname"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	card := &domain.Card{UserID: req.UserID, Serial: req.Serial, Nickname: req.Nickname}
	var cred *domain.Credential
	if req.Username != "" || req.Password != "" {
		cred = &domain.Credential{Username: req.Username, Password: req.Password}
	}

	if err := h.cards.Link(r.Context(), card, cred); err != nil {
		writeCardError(w, r, err, "Failed to link card")
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, card)
}

// RotateCredential handles PUT /api/cards/{id}/credentials
func (h *CardsHandler) RotateCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"user_id"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	cred := domain.Credential{Username: req.Username, Password: req.Password}
	if err := h.cards.Rotate(r.Context(), req.UserID, chi.URLParam(r, "id"), cred); err != nil {
		writeCardError(w, r, err, "Failed to rotate credential")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteCard handles DELETE /api/cards/{id}
func (h *CardsHandler) DeleteCard(w http.ResponseWriter, r *http.Request) {
	if err := h.cards.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeCardError(w, r, err, "Failed to remove card")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeCardError(w http.ResponseWriter, r *http.Request, err error, message string) {
	switch {
	case errors.Is(err, cards.ErrInvalid):
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrCardNotFound):
		middleware.WriteError(w, http.StatusNotFound, "Card not found")
	case errors.Is(err, domain.ErrCardExists):
		middleware.WriteError(w, http.StatusConflict, "Card already linked")
	default:
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg(message)
		middleware.WriteError(w, http.StatusInternalServerError, message)
	}
}

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}
