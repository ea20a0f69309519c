package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/goclaw/eventmesh/pkg/api/middleware"
	"github.com/goclaw/eventmesh/pkg/api/models"
	"github.com/goclaw/eventmesh/pkg/api/response"
	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/saga"
	"github.com/goclaw/eventmesh/pkg/transport"
)

// SagaService is the part of the coordinator the HTTP API drives.
type SagaService interface {
	Start(ctx context.Context, eventName string, payload map[string]any, headers map[string]string) (string, error)
	HandleEvent(ctx context.Context, sagaID, eventName string, payload map[string]any, headers map[string]string) error
	GetSagaStatus(ctx context.Context, sagaID string) (*saga.Status, error)
}

// SagaHandler handles saga endpoints.
type SagaHandler struct {
	sagas     SagaService
	logger    logger.Logger
	validator *validator.Validate
}

// NewSagaHandler creates a saga handler.
func NewSagaHandler(sagas SagaService, log logger.Logger) *SagaHandler {
	if log == nil {
		log = logger.Global()
	}
	return &SagaHandler{
		sagas:     sagas,
		logger:    log.With("component", "api.sagas"),
		validator: validator.New(),
	}
}

// StartSaga handles POST /api/v1/sagas.
// @Summary Start a saga
// @Description Generates a saga instance id, records the first event and publishes it with the X-Saga-Instance-Id header
// @Tags sagas
// @Accept json
// @Produce json
// @Param saga body models.StartSagaRequest true "First event of the saga"
// @Success 201 {object} models.StartSagaResponse "Saga started"
// @Header 201 {string} X-Saga-Instance-Id "Generated saga instance id"
// @Failure 400 {object} response.ErrorResponse "Invalid request body or validation error"
// @Failure 503 {object} response.ErrorResponse "Publish or storage failure"
// @Router /api/v1/sagas [post]
func (h *SagaHandler) StartSaga(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.StartSagaRequest
	if !h.decode(w, r, &req) {
		return
	}
	transport.NormalizeNumbers(req.Payload)

	id, err := h.sagas.Start(ctx, req.EventName, req.Payload, req.Headers)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to start saga", "event_name", req.EventName, "error", err)
		response.HandleError(w, err, middleware.GetRequestID(ctx))
		return
	}
	middleware.SetSagaInstanceID(ctx, id)
	w.Header().Set(saga.HeaderSagaInstanceID, id)
	response.JSON(w, http.StatusCreated, models.StartSagaResponse{SagaInstanceID: id})
}

// GetSaga handles GET /api/v1/sagas/{id}.
// @Summary Get saga status
// @Description Aggregates the recorded steps of one saga instance
// @Tags sagas
// @Produce json
// @Param id path string true "Saga instance ID"
// @Success 200 {object} models.SagaStatusResponse "Saga status"
// @Failure 404 {object} response.ErrorResponse "Saga not found"
// @Failure 500 {object} response.ErrorResponse "Storage failure"
// @Router /api/v1/sagas/{id} [get]
func (h *SagaHandler) GetSaga(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if id == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "Saga instance ID is required", middleware.GetRequestID(ctx))
		return
	}
	middleware.SetSagaInstanceID(ctx, id)

	status, err := h.sagas.GetSagaStatus(ctx, id)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to load saga", "saga_instance_id", id, "error", err)
		response.HandleError(w, err, middleware.GetRequestID(ctx))
		return
	}
	response.JSON(w, http.StatusOK, toStatusResponse(status))
}

// HandleEvent handles POST /api/v1/sagas/{id}/events and returns the
// saga status after the event has been applied.
// @Summary Deliver a saga event
// @Description Runs the step handler registered for the event. A handler error counts as a failed attempt and the compensation runs once retries are exhausted
// @Tags sagas
// @Accept json
// @Produce json
// @Param id path string true "Saga instance ID"
// @Param event body models.HandleEventRequest true "Saga event"
// @Success 200 {object} models.SagaStatusResponse "Saga status after the event"
// @Failure 400 {object} response.ErrorResponse "Invalid request body or validation error"
// @Failure 500 {object} response.ErrorResponse "Storage failure"
// @Router /api/v1/sagas/{id}/events [post]
func (h *SagaHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if id == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "Saga instance ID is required", middleware.GetRequestID(ctx))
		return
	}
	middleware.SetSagaInstanceID(ctx, id)

	var req models.HandleEventRequest
	if !h.decode(w, r, &req) {
		return
	}
	transport.NormalizeNumbers(req.Payload)

	if err := h.sagas.HandleEvent(ctx, id, req.EventName, req.Payload, req.Headers); err != nil {
		h.logger.ErrorContext(ctx, "failed to handle saga event",
			"saga_instance_id", id, "event_name", req.EventName, "error", err)
		response.HandleError(w, err, middleware.GetRequestID(ctx))
		return
	}

	status, err := h.sagas.GetSagaStatus(ctx, id)
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(ctx))
		return
	}
	response.JSON(w, http.StatusOK, toStatusResponse(status))
}

// decode reads the request body into dst. Numbers in untyped fields stay
// json.Number until the caller normalizes them.
func (h *SagaHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	reqID := middleware.GetRequestID(r.Context())
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "Invalid request body", reqID)
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), reqID)
		return false
	}
	return true
}

func toStatusResponse(s *saga.Status) models.SagaStatusResponse {
	out := models.SagaStatusResponse{
		SagaInstanceID: s.SagaInstanceID,
		Status:         s.Status,
		Steps:          make([]models.SagaStep, 0, len(s.Steps)),
	}
	for _, st := range s.Steps {
		out.Steps = append(out.Steps, models.SagaStep{
			EventName:           st.EventName,
			Status:              st.Status,
			RetryCount:          st.RetryCount,
			ErrorMessage:        st.ErrorMessage,
			CompensationHandler: st.CompensationHandler,
			ProcessedAt:         st.ProcessedAt,
			CreatedAt:           st.CreatedAt,
			UpdatedAt:           st.UpdatedAt,
		})
	}
	return out
}
