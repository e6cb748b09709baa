package esim

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	apperrors "github.com/simdesk/server/internal/shared/errors"
	"github.com/simdesk/server/internal/shared/response"
	"go.uber.org/zap"
)

// WebhookTokenHeader carries the shared secret of provider pushes.
const WebhookTokenHeader = "X-Webhook-Token"

const maxPushBody = 1 << 20

var webhookErrorMappings = []response.ErrorMapping{
	{Err: ErrMissingOrderNo, Status: http.StatusBadRequest, Code: "MISSING_ORDER_NO"},
	{Err: ErrEsimNotFound, Status: http.StatusNotFound, Code: "ESIM_NOT_FOUND", Message: "No eSIM found for order"},
}

// WebhookHandler receives provider push notifications.
type WebhookHandler struct {
	service *Service
	token   string
	logger  *zap.Logger
}

// NewWebhookHandler creates a new provider webhook handler.
// An empty token disables the shared-secret check.
func NewWebhookHandler(service *Service, token string, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{
		service: service,
		token:   token,
		logger:  logger.Named("esim-webhook"),
	}
}

// RegisterRoutes registers the webhook routes.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/esim", h.HandleProviderWebhook)
}

// HandleProviderWebhook applies one provider push.
func (h *WebhookHandler) HandleProviderWebhook(c *gin.Context) {
	if h.token != "" && subtle.ConstantTimeCompare([]byte(c.GetHeader(WebhookTokenHeader)), []byte(h.token)) != 1 {
		h.service.metrics.RecordWebhook("unauthorized")
		response.Error(c, apperrors.Unauthorized(ErrWebhookTokenMismatch.Error()))
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPushBody))
	if err != nil {
		h.service.metrics.RecordWebhook("bad_request")
		response.Error(c, apperrors.BadRequest("failed to read body"))
		return
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.service.metrics.RecordWebhook("bad_request")
		response.Error(c, apperrors.BadRequest("invalid JSON payload"))
		return
	}
	payload.Raw = body

	outcome, err := h.service.HandleProviderPush(c.Request.Context(), &payload)
	if err != nil {
		fields := []zap.Field{zap.String("order_no", payload.OrderNo), zap.Error(err)}
		if isClientError(err) {
			h.service.metrics.RecordWebhook("rejected")
			h.logger.Warn("provider push rejected", fields...)
		} else {
			h.service.metrics.RecordWebhook("error")
			h.logger.Error("provider push failed", fields...)
		}

		var details map[string]any
		if payload.OrderNo != "" {
			details = map[string]any{"orderId": payload.OrderNo}
		}
		response.HandleError(c, err, webhookErrorMappings, details)
		return
	}

	h.service.metrics.RecordWebhook(string(outcome))
	h.logger.Debug("provider push handled",
		zap.String("order_no", payload.OrderNo),
		zap.String("esim_status", payload.EsimStatus),
		zap.String("outcome", string(outcome)),
	)
	c.JSON(http.StatusOK, gin.H{"success": true})
}
