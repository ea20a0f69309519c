package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goclaw/eventmesh/pkg/api/events"
	"github.com/goclaw/eventmesh/pkg/api/middleware"
	"github.com/goclaw/eventmesh/pkg/api/response"
	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/saga"
	"github.com/goclaw/eventmesh/pkg/transport"
)

// TopicHeader names the webhook topic.
const TopicHeader = middleware.TopicHeader

const maxWebhookBody = 1 << 20

// WebhookHandler turns inbound HTTP posts into local deliveries.
type WebhookHandler struct {
	deliverer   transport.Deliverer
	broadcaster *events.Broadcaster
	logger      logger.Logger
}

// NewWebhookHandler creates a webhook handler. broadcaster may be nil.
func NewWebhookHandler(deliverer transport.Deliverer, broadcaster *events.Broadcaster, log logger.Logger) *WebhookHandler {
	if log == nil {
		log = logger.Global()
	}
	return &WebhookHandler{
		deliverer:   deliverer,
		broadcaster: broadcaster,
		logger:      log.With("component", "api.webhook"),
	}
}

// ServeHTTP handles POST on the webhook path.
// @Summary Receive a webhook event
// @Description Delivers the JSON body to local subscribers of the topic named by X-EventMesh-Topic. The path is configurable
// @Tags events
// @Accept json
// @Produce plain
// @Param X-EventMesh-Topic header string true "Topic of the event"
// @Param X-Saga-Instance-Id header string false "Saga instance the event belongs to"
// @Param payload body object false "Event payload"
// @Success 200 {string} string "Event received"
// @Failure 400 {string} string "Missing topic header or invalid JSON body"
// @Router /eventmesh/webhook [post]
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.ErrorContext(ctx, "webhook processing failed", "error", fmt.Sprint(rec))
			response.Text(w, http.StatusInternalServerError, "Internal server error")
		}
	}()

	headers := flattenHeaders(r.Header)
	topic := r.Header.Get(TopicHeader)
	if topic == "" {
		h.logger.ErrorContext(ctx, "webhook received without topic", "headers", headers)
		response.Text(w, http.StatusBadRequest, "Missing topic header")
		return
	}

	payload, err := readObject(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.logger.WarnContext(ctx, "webhook body rejected", "topic", topic, "error", err)
		response.Text(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	msg := transport.NewMessage(topic, payload, headers)
	delivered := h.deliverer.Deliver(ctx, msg)
	if h.broadcaster != nil {
		h.broadcaster.BroadcastEventReceived(topic, "webhook", saga.SagaInstanceID(msg.Headers))
	}
	h.logger.DebugContext(ctx, "webhook event dispatched", "topic", topic, "handlers", delivered)
	response.Text(w, http.StatusOK, "Event received")
}

// readObject decodes a JSON object. An empty body is an empty object.
func readObject(r io.Reader) (map[string]any, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return transport.DecodePayload(raw)
}

// flattenHeaders keeps the first value of every header under its
// lower-cased name.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}
