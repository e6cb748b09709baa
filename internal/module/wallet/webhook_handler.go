package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const maxWebhookBody = 65536

// WebhookHandler books Stripe card top-ups into company wallets.
type WebhookHandler struct {
	service *Service
	secret  string
	logger  *zap.Logger
}

// NewWebhookHandler creates a new Stripe webhook handler.
func NewWebhookHandler(service *Service, webhookSecret string, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{
		service: service,
		secret:  webhookSecret,
		logger:  logger.Named("stripe-webhook"),
	}
}

// RegisterRoutes registers the webhook routes.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/stripe", h.HandleStripeWebhook)
}

// HandleStripeWebhook handles incoming Stripe webhook events.
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.secret)
	if err != nil {
		h.logger.Warn("invalid webhook signature", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrInvalidSignature.Error()})
		return
	}

	switch event.Type {
	case "payment_intent.succeeded":
		status, err := h.handlePaymentIntentSucceeded(c.Request.Context(), &event)
		if err != nil {
			h.logger.Error("failed to process webhook event",
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": status})
	default:
		h.logger.Debug("unhandled webhook event type", zap.String("type", string(event.Type)))
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	}
}

func (h *WebhookHandler) handlePaymentIntentSucceeded(ctx context.Context, event *stripe.Event) (string, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return "", fmt.Errorf("unmarshal payment intent: %w", err)
	}

	companyID, err := strconv.ParseInt(pi.Metadata["company_id"], 10, 64)
	if err != nil {
		// Not a wallet top-up.
		h.logger.Info("payment intent without company", zap.String("payment_intent_id", pi.ID))
		return "ignored", nil
	}

	fee := decimal.Zero
	if raw := pi.Metadata["stripe_fee"]; raw != "" {
		if fee, err = decimal.NewFromString(raw); err != nil {
			h.logger.Warn("unparseable stripe fee", zap.String("payment_intent_id", pi.ID), zap.String("stripe_fee", raw))
			fee = decimal.Zero
		}
	}

	credited, err := h.service.CreditTopUp(ctx, TopUp{
		PaymentIntentID: pi.ID,
		CompanyID:       companyID,
		Amount:          decimal.New(pi.Amount, -2),
		Fee:             fee,
	})
	if err != nil {
		return "", err
	}
	if !credited {
		return "already_processed", nil
	}

	h.logger.Info("wallet topped up",
		zap.String("payment_intent_id", pi.ID),
		zap.Int64("company_id", companyID),
		zap.Int64("amount", pi.Amount),
	)
	return "processed", nil
}
