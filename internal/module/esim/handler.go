package esim

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/simdesk/server/internal/module/employee"
	"github.com/simdesk/server/internal/module/provider"
	apperrors "github.com/simdesk/server/internal/shared/errors"
	"github.com/simdesk/server/internal/shared/response"
)

var errorMappings = []response.ErrorMapping{
	{Err: ErrEsimNotFound, Status: http.StatusNotFound, Code: "ESIM_NOT_FOUND"},
	{Err: ErrCannotCancelActivated, Status: http.StatusConflict, Code: "ESIM_ACTIVATED", Message: "Cannot cancel activated eSIM"},
	{Err: ErrProviderCancelFailed, Status: http.StatusBadGateway, Code: "PROVIDER_CANCEL_FAILED"},
	{Err: ErrReclassifyNotAllowed, Status: http.StatusConflict, Code: "RECLASSIFY_NOT_ALLOWED"},
	{Err: ErrInvalidStatus, Status: http.StatusBadRequest, Code: "INVALID_STATUS"},
	{Err: ErrStaleRecord, Status: http.StatusConflict, Code: "CONCURRENT_UPDATE"},
	{Err: employee.ErrNoCompany, Status: http.StatusUnprocessableEntity, Code: "NO_COMPANY"},
	{Err: provider.ErrProviderUnavailable, Status: http.StatusBadGateway, Code: "PROVIDER_UNAVAILABLE"},
}

// Handler exposes the admin eSIM operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new eSIM admin handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes registers eSIM routes that require an admin token.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	esims := r.Group("/esims")
	{
		esims.GET("/stuck", h.ListStuck)
		esims.POST("/fix-stuck", h.FixStuck)
		esims.POST("/sync", h.ForceSync)
		esims.POST("/check-depletion", h.CheckDepletion)
		esims.POST("/retry-refunds", h.RetryRefunds)
		esims.GET("/:id", h.GetEsim)
		esims.POST("/:id/cancel", h.Cancel)
		esims.POST("/:id/reclassify", h.Reclassify)
	}
}

// GetEsim returns one eSIM.
func (h *Handler) GetEsim(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	e, err := h.service.GetEsim(c.Request.Context(), id)
	if err != nil {
		response.HandleError(c, err, errorMappings, nil)
		return
	}
	c.JSON(http.StatusOK, ToResponse(e))
}

// ListStuck reports eSIMs stuck in a transient status.
func (h *Handler) ListStuck(c *gin.Context) {
	stuck, err := h.service.FindStuck(c.Request.Context(), h.service.clock.Now())
	if err != nil {
		response.HandleError(c, err, errorMappings, nil)
		return
	}

	items := make([]*StuckEsimResponse, 0, len(stuck))
	for _, st := range stuck {
		items = append(items, &StuckEsimResponse{
			EsimResponse: ToResponse(st.Esim),
			Reason:       st.Reason,
			AgeMinutes:   int64(st.Age.Minutes()),
		})
	}
	c.JSON(http.StatusOK, gin.H{"stuck": items, "count": len(items)})
}

// FixStuck re-checks stuck eSIMs with the provider.
func (h *Handler) FixStuck(c *gin.Context) {
	fixed, err := h.service.FixStuckEsims(c.Request.Context())
	if err != nil {
		response.HandleError(c, err, errorMappings, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fixed": fixed})
}

// ForceSync reconciles every non-terminal eSIM with the provider.
func (h *Handler) ForceSync(c *gin.Context) {
	synced, err := h.service.ForceSync(c.Request.Context())
	if err != nil {
		response.HandleError(c, err, errorMappings, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"synced": synced})
}

// CheckDepletion runs the depletion check on every eSIM in use.
func (h *Handler) CheckDepletion(c *gin.Context) {
	summary, err := h.service.CheckAllActiveEsims(c.Request.Context())
	if err != nil {
		response.HandleError(c, err, errorMappings, nil)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// RetryRefunds retries refunds left pending.
func (h *Handler) RetryRefunds(c *gin.Context) {
	retried, err := h.service.RetryPendingRefunds(c.Request.Context())
	if err != nil {
		response.HandleError(c, err, errorMappings, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": retried})
}

// Cancel cancels and refunds one eSIM.
func (h *Handler) Cancel(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req CancelEsimRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, apperrors.BadRequest(err.Error()))
			return
		}
	}

	result, err := h.service.Cancel(c.Request.Context(), CancelRequest{
		EsimID:         id,
		Reason:         req.Reason,
		APIManagedPlan: req.APIManagedPlan,
		PlanID:         req.PlanID,
	})
	if err != nil {
		var details map[string]any
		if result != nil && result.OrderID != "" {
			details = map[string]any{"orderId": result.OrderID}
		}
		response.HandleError(c, err, errorMappings, details)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Reclassify moves a misclassified cancelled eSIM back to another status.
func (h *Handler) Reclassify(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req ReclassifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperrors.BadRequest(err.Error()))
		return
	}

	e, err := h.service.Reclassify(c.Request.Context(), id, Status(req.Status))
	if err != nil {
		response.HandleError(c, err, errorMappings, nil)
		return
	}
	c.JSON(http.StatusOK, ToResponse(e))
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.Error(c, apperrors.BadRequest("invalid esim id"))
		return 0, false
	}
	return id, true
}

// isClientError reports whether err should be answered with a 4xx.
func isClientError(err error) bool {
	return errors.Is(err, ErrMissingOrderNo) || errors.Is(err, ErrEsimNotFound)
}
