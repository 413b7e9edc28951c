package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/medremind/internal/db"
	"github.com/lalithlochan/medremind/internal/worker"
)

// Store defines the database operations behind the user API.
type Store interface {
	ListRemindersByUser(ctx context.Context, userID uuid.UUID) ([]*db.Reminder, error)
	GetReminder(ctx context.Context, id, userID uuid.UUID) (*db.Reminder, error)
	CreateReminders(ctx context.Context, reminders []*db.Reminder) error
	DeleteReminder(ctx context.Context, id, userID uuid.UUID) error
	GetMedication(ctx context.Context, id, userID uuid.UUID) (*db.Medication, error)
	ListDeliveryAttempts(ctx context.Context, reminderID, userID uuid.UUID, limit, offset int) ([]*db.DeliveryAttempt, error)
	CreateAdherence(ctx context.Context, entry *db.AdherenceLog) error
	ListAdherence(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]*db.AdherenceLog, error)
}

// EnableRemindersRequest is the body of POST /v1/medications/{id}/reminders.
// Times defaults to the medication's own schedule.
type EnableRemindersRequest struct {
	Times    []string `json:"times,omitempty"`
	Type     string   `json:"type"`
	Timezone string   `json:"timezone,omitempty"`
	Active   *bool    `json:"active,omitempty"`
}

// AdherenceRequest is the body of POST /v1/adherence.
type AdherenceRequest struct {
	MedicationID string     `json:"medication_id"`
	ReminderID   string     `json:"reminder_id,omitempty"`
	Status       string     `json:"status"`
	TakenAt      *time.Time `json:"taken_at,omitempty"`
	Notes        string     `json:"notes,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger     *zap.Logger
	store      Store
	runner     worker.CycleRunner // nil disables the manual trigger
	defaultLoc *time.Location
	now        func() time.Time
}

// NewHandler creates a new API handler. defaultLoc interprets reminder
// times when a request names no timezone.
func NewHandler(logger *zap.Logger, store Store, runner worker.CycleRunner, defaultLoc *time.Location) *Handler {
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	return &Handler{
		logger:     logger,
		store:      store,
		runner:     runner,
		defaultLoc: defaultLoc,
		now:        time.Now,
	}
}

// ListReminders handles GET /v1/reminders
func (h *Handler) ListReminders(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	reminders, err := h.store.ListRemindersByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list reminders", zap.Error(err), zap.String("user_id", userID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list reminders", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  reminders,
		"count": len(reminders),
	})
}

// EnableReminders handles POST /v1/medications/{id}/reminders. It creates
// one reminder per time of day, each first due at the next local
// occurrence of that time.
func (h *Handler) EnableReminders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	medID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid medication ID", "ID must be a valid UUID")
		return
	}

	var req EnableRemindersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if !db.ValidChannel(req.Type) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid type", "type must be email, whatsapp, or sms")
		return
	}

	loc := h.defaultLoc
	if req.Timezone != "" {
		if loc, err = time.LoadLocation(req.Timezone); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid timezone", err.Error())
			return
		}
	}

	med, err := h.store.GetMedication(ctx, medID, userID)
	if err != nil {
		h.writeStoreError(w, err, "Medication not found", "failed to get medication")
		return
	}

	times := req.Times
	if len(times) == 0 {
		times = med.Times
	}
	if len(times) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "No reminder times",
			"the medication has no times; pass times explicitly")
		return
	}

	status := db.StatusActive
	if req.Active != nil && !*req.Active {
		status = db.StatusInactive
	}

	now := h.now()
	seen := make(map[string]bool, len(times))
	reminders := make([]*db.Reminder, 0, len(times))
	for _, hhmm := range times {
		if seen[hhmm] {
			continue
		}
		seen[hhmm] = true

		first, err := worker.FirstOccurrence(now, hhmm, loc)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid time", err.Error())
			return
		}

		reminders = append(reminders, &db.Reminder{
			ID:           uuid.New(),
			UserID:       userID,
			MedicationID: med.ID,
			ReminderTime: first.UTC(),
			Type:         req.Type,
			Status:       status,
			Dosage:       med.Dosage,
			Frequency:    med.Frequency,
		})
	}

	if err := h.store.CreateReminders(ctx, reminders); err != nil {
		h.logger.Error("failed to create reminders",
			zap.Error(err),
			zap.String("medication_id", med.ID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create reminders", "")
		return
	}

	h.logger.Info("reminders enabled",
		zap.String("user_id", userID.String()),
		zap.String("medication_id", med.ID.String()),
		zap.String("type", req.Type),
		zap.Int("count", len(reminders)),
	)

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"data":  reminders,
		"count": len(reminders),
	})
}

// DeleteReminder handles DELETE /v1/reminders/{id}
func (h *Handler) DeleteReminder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	id, ok := h.reminderID(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteReminder(r.Context(), id, userID); err != nil {
		h.writeStoreError(w, err, "Reminder not found", "failed to delete reminder")
		return
	}

	h.logger.Info("reminder deleted", zap.String("id", id.String()))
	w.WriteHeader(http.StatusNoContent)
}

// ListDeliveries handles GET /v1/reminders/{id}/deliveries?limit=20&offset=0
func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	id, ok := h.reminderID(w, r)
	if !ok {
		return
	}

	if _, err := h.store.GetReminder(ctx, id, userID); err != nil {
		h.writeStoreError(w, err, "Reminder not found", "failed to get reminder")
		return
	}

	limit, offset := pagination(r)
	attempts, err := h.store.ListDeliveryAttempts(ctx, id, userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list delivery attempts", zap.Error(err), zap.String("reminder_id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list deliveries", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   attempts,
		"limit":  limit,
		"offset": offset,
		"count":  len(attempts),
	})
}

// LogAdherence handles POST /v1/adherence
func (h *Handler) LogAdherence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req AdherenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	switch req.Status {
	case db.AdherenceTaken, db.AdherenceMissed, db.AdherenceSkipped:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status", "status must be taken, missed, or skipped")
		return
	}

	medID, err := uuid.Parse(req.MedicationID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid medication_id", "medication_id must be a valid UUID")
		return
	}

	entry := &db.AdherenceLog{
		ID:           uuid.New(),
		UserID:       userID,
		MedicationID: medID,
		Status:       req.Status,
		TakenAt:      h.now().UTC(),
		Notes:        req.Notes,
	}
	if req.TakenAt != nil {
		entry.TakenAt = req.TakenAt.UTC()
	}

	if req.ReminderID != "" {
		remID, err := uuid.Parse(req.ReminderID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid reminder_id", "reminder_id must be a valid UUID")
			return
		}
		if _, err := h.store.GetReminder(ctx, remID, userID); err != nil {
			h.writeStoreError(w, err, "Reminder not found", "failed to get reminder")
			return
		}
		entry.ReminderID = &remID
	}

	if _, err := h.store.GetMedication(ctx, medID, userID); err != nil {
		h.writeStoreError(w, err, "Medication not found", "failed to get medication")
		return
	}

	if err := h.store.CreateAdherence(ctx, entry); err != nil {
		h.logger.Error("failed to log adherence", zap.Error(err), zap.String("user_id", userID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to log adherence", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, entry)
}

// ListAdherence handles GET /v1/adherence?from=...&to=... (RFC 3339). The
// default range is the last seven days.
func (h *Handler) ListAdherence(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	to := h.now().UTC()
	from := to.AddDate(0, 0, -7)

	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid to", "to must be an RFC 3339 timestamp")
			return
		}
		to = t
		from = to.AddDate(0, 0, -7)
	}
	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid from", "from must be an RFC 3339 timestamp")
			return
		}
		from = t
	}
	if !from.Before(to) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid range", "from must be before to")
		return
	}

	entries, err := h.store.ListAdherence(r.Context(), userID, from, to)
	if err != nil {
		h.logger.Error("failed to list adherence", zap.Error(err), zap.String("user_id", userID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list adherence", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  entries,
		"from":  from,
		"to":    to,
		"count": len(entries),
	})
}

// RunCycle handles POST /internal/cycles
func (h *Handler) RunCycle(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Cycle runner not configured", "")
		return
	}

	result, err := h.runner.RunCycle(r.Context())
	if errors.Is(err, worker.ErrCycleInProgress) {
		h.writeError(w, http.StatusConflict, "cycle_in_progress", "A cycle is already running", "")
		return
	}
	if err != nil {
		h.logger.Error("manual cycle failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "cycle_failed", "Cycle failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := UserIDFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing user", "")
	}
	return userID, ok
}

func (h *Handler) reminderID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid reminder ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error, notFoundTitle, logMsg string) {
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", notFoundTitle, "")
		return
	}
	h.logger.Error(logMsg, zap.Error(err))
	h.writeError(w, http.StatusInternalServerError, "database_error", "Database error", "")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// Mount registers the user API under /v1 and the manual cycle trigger
// under /internal. limiter may be nil.
func (h *Handler) Mount(r chi.Router, jwtSecret, adminToken string, limiter Limiter) {
	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(jwtSecret, h.logger))
		r.Use(RateLimitMiddleware(limiter, h.logger, "user", UserKeyFunc))

		r.Get("/reminders", h.ListReminders)
		r.Delete("/reminders/{id}", h.DeleteReminder)
		r.Get("/reminders/{id}/deliveries", h.ListDeliveries)
		r.Post("/medications/{id}/reminders", h.EnableReminders)
		r.Post("/adherence", h.LogAdherence)
		r.Get("/adherence", h.ListAdherence)
	})

	// Limit by client IP ahead of the token check so guesses are counted.
	r.With(
		RateLimitMiddleware(limiter, h.logger, "ip", IPKeyFunc),
		AdminMiddleware(adminToken),
	).Post("/internal/cycles", h.RunCycle)
}
