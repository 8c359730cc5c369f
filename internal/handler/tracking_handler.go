package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Sreyas62/AffiHub/internal/apperr"
	"github.com/Sreyas62/AffiHub/internal/middleware"
	"github.com/Sreyas62/AffiHub/internal/model"
	"github.com/Sreyas62/AffiHub/internal/tracking"
	"github.com/Sreyas62/AffiHub/internal/worker"
	"github.com/Sreyas62/AffiHub/pkg/logger"
	"github.com/Sreyas62/AffiHub/prometheus"
)

// ConversionRequest defines the structure for conversion reports.
type ConversionRequest struct {
	ClickID  *uint   `json:"click_id"`
	OrderID  string  `json:"order_id"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Notes    string  `json:"notes"`
}

// TrackingHandler serves the public redirect endpoint and the
// conversion reporting API.
type TrackingHandler struct {
	db   *gorm.DB
	svc  *tracking.Service
	pool *worker.ClickPool
}

func NewTrackingHandler(db *gorm.DB, svc *tracking.Service, pool *worker.ClickPool) *TrackingHandler {
	return &TrackingHandler{db: db, svc: svc, pool: pool}
}

// TrackClick resolves a tracking code, enqueues the click for
// background persistence and redirects the visitor. The redirect never
// waits on the write.
func (h *TrackingHandler) TrackClick(c echo.Context) error {
	log := logger.FromContext(c)
	code := c.Param("code")

	res, err := h.svc.ResolveClick(
		c.Request().Context(),
		code,
		c.RealIP(),
		c.Request().UserAgent(),
		c.Request().Referer(),
	)
	if err != nil {
		return respondError(c, err)
	}

	if !h.pool.Enqueue(res.Event) {
		log.Warn("Click buffer full, dropping event",
			zap.Uint("link_id", res.Link.ID),
			zap.String("code", code))
	}

	log.Info("Click tracked",
		zap.String("code", code),
		zap.Uint("link_id", res.Link.ID),
		zap.String("device_type", string(res.Event.DeviceType)),
		zap.String("redirect_url", res.RedirectURL))
	return c.Redirect(http.StatusFound, res.RedirectURL)
}

// Convert records a conversion against a tracking code. The caller must
// be the product's merchant or an admin.
func (h *TrackingHandler) Convert(c echo.Context) error {
	log := logger.FromContext(c)

	user, ok := middleware.CurrentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	var req ConversionRequest
	if err := c.Bind(&req); err != nil {
		log.Error("Invalid conversion request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}

	conversion, err := h.svc.RecordConversion(c.Request().Context(), tracking.RecordConversionInput{
		Code:     c.Param("code"),
		Actor:    user,
		ClickID:  req.ClickID,
		OrderID:  req.OrderID,
		Amount:   req.Amount,
		Currency: req.Currency,
		Notes:    req.Notes,
	})
	if err != nil {
		return respondError(c, err)
	}

	prometheus.IncConversions()
	log.Info("Conversion recorded",
		zap.Uint("conversion_id", conversion.ID),
		zap.Uint("link_id", conversion.LinkID),
		zap.Float64("amount", conversion.Amount),
		zap.Float64("commission", conversion.CommissionAmount))
	return c.JSON(http.StatusCreated, conversion)
}

// VerifyConversion flips a conversion's verified flag. Product merchant
// or admin only.
func (h *TrackingHandler) VerifyConversion(c echo.Context) error {
	log := logger.FromContext(c)

	user, ok := middleware.CurrentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	var req struct {
		Verified *bool `json:"verified"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	verified := true
	if req.Verified != nil {
		verified = *req.Verified
	}

	conversion, err := h.svc.SetConversionVerified(c.Request().Context(), id, user, verified)
	if err != nil {
		return respondError(c, err)
	}

	log.Info("Conversion verification updated",
		zap.Uint("conversion_id", conversion.ID),
		zap.Bool("verified", conversion.Verified))
	return c.JSON(http.StatusOK, conversion)
}

// ListConversions lists conversions visible to the caller: affiliates
// see conversions on their links, merchants conversions on their
// products, admins everything.
func (h *TrackingHandler) ListConversions(c echo.Context) error {
	log := logger.FromContext(c)

	user, ok := middleware.CurrentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	query := h.db.WithContext(c.Request().Context()).Model(&model.Conversion{})
	query, err := h.scopeByLink(query, user)
	if err != nil {
		return respondError(c, err)
	}

	if linkID := c.QueryParam("link_id"); linkID != "" {
		query = query.Where("link_id = ?", linkID)
	}
	if verified := c.QueryParam("verified"); verified != "" {
		query = query.Where("verified = ?", verified == "true")
	}

	defer prometheus.TrackDBOperation("query")(time.Now())
	var conversions []model.Conversion
	if result := query.Order("id DESC").Find(&conversions); result.Error != nil {
		log.Error("Failed to list conversions", zap.Error(result.Error))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to retrieve conversions"})
	}

	return c.JSON(http.StatusOK, conversions)
}

// ListClicks lists click events visible to the caller, newest first.
// Read-only; the click log is append-only.
func (h *TrackingHandler) ListClicks(c echo.Context) error {
	log := logger.FromContext(c)

	user, ok := middleware.CurrentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	query := h.db.WithContext(c.Request().Context()).Model(&model.Click{})
	query, err := h.scopeByLink(query, user)
	if err != nil {
		return respondError(c, err)
	}

	if linkID := c.QueryParam("link_id"); linkID != "" {
		query = query.Where("link_id = ?", linkID)
	}
	if deviceType := c.QueryParam("device_type"); deviceType != "" {
		query = query.Where("device_type = ?", deviceType)
	}

	limit := queryInt(c, "limit", 100)
	if limit < 1 || limit > 1000 {
		limit = 100
	}

	defer prometheus.TrackDBOperation("query")(time.Now())
	var clicks []model.Click
	if result := query.Order("id DESC").Limit(limit).Find(&clicks); result.Error != nil {
		log.Error("Failed to list clicks", zap.Error(result.Error))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to retrieve clicks"})
	}

	return c.JSON(http.StatusOK, clicks)
}

// scopeByLink restricts an event query to links the user may see.
func (h *TrackingHandler) scopeByLink(query *gorm.DB, user *model.User) (*gorm.DB, error) {
	if user.IsAdmin {
		return query, nil
	}
	switch user.Role {
	case model.RoleAffiliate:
		return query.Where("link_id IN (?)",
			h.db.Model(&model.AffiliateLink{}).Select("id").Where("affiliate_id = ?", user.ID)), nil
	case model.RoleMerchant:
		return query.Where("link_id IN (?)",
			h.db.Model(&model.AffiliateLink{}).Select("id").Where("product_id IN (?)",
				h.db.Model(&model.Product{}).Select("id").Where("merchant_id = ?", user.ID))), nil
	}
	return nil, apperr.Permission("access denied")
}
