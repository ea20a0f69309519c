package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/goclaw/eventmesh/pkg/api/events"
	"github.com/goclaw/eventmesh/pkg/api/middleware"
	"github.com/goclaw/eventmesh/pkg/api/models"
	"github.com/goclaw/eventmesh/pkg/api/response"
	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/saga"
	"github.com/goclaw/eventmesh/pkg/transport"
)

// PublishHandler is the receiving end of the HTTP transport driver.
type PublishHandler struct {
	deliverer   transport.Deliverer
	broadcaster *events.Broadcaster
	logger      logger.Logger
	validator   *validator.Validate
}

// NewPublishHandler creates a publish handler. broadcaster may be nil.
func NewPublishHandler(deliverer transport.Deliverer, broadcaster *events.Broadcaster, log logger.Logger) *PublishHandler {
	if log == nil {
		log = logger.Global()
	}
	return &PublishHandler{
		deliverer:   deliverer,
		broadcaster: broadcaster,
		logger:      log.With("component", "api.publish"),
		validator:   validator.New(),
	}
}

// Publish handles POST /api/v1/publish.
// @Summary Publish an event
// @Description Delivers an event to the local subscribers of its topic. Remote HTTP transport drivers post here
// @Tags events
// @Accept json
// @Produce json
// @Param event body models.PublishRequest true "Event to deliver"
// @Success 200 {object} models.PublishResponse "Number of handlers reached"
// @Failure 400 {object} response.ErrorResponse "Invalid request body or validation error"
// @Router /api/v1/publish [post]
func (h *PublishHandler) Publish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetRequestID(ctx)

	var req models.PublishRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "Invalid request body", reqID)
		return
	}
	transport.NormalizeNumbers(req.Payload)
	if err := h.validator.Struct(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), reqID)
		return
	}

	msg := transport.NewMessage(req.Topic, req.Payload, req.Headers)
	delivered := h.deliverer.Deliver(ctx, msg)
	if h.broadcaster != nil {
		h.broadcaster.BroadcastEventReceived(req.Topic, "http", saga.SagaInstanceID(msg.Headers))
	}
	h.logger.DebugContext(ctx, "published event delivered", "topic", req.Topic, "handlers", delivered)
	response.JSON(w, http.StatusOK, models.PublishResponse{Status: "ok", Delivered: delivered})
}
