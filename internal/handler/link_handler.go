package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Sreyas62/AffiHub/internal/analytics"
	"github.com/Sreyas62/AffiHub/internal/middleware"
	"github.com/Sreyas62/AffiHub/internal/model"
	"github.com/Sreyas62/AffiHub/internal/tracking"
	"github.com/Sreyas62/AffiHub/pkg/logger"
	"github.com/Sreyas62/AffiHub/prometheus"
)

// LinkRequest defines the structure for link creation requests. The
// code is always server-generated; only presentation fields are
// client-supplied.
type LinkRequest struct {
	ProductID  uint       `json:"product_id"`
	CustomSlug string     `json:"custom_slug"`
	LandingURL string     `json:"landing_url"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

// linkView is the JSON shape for an affiliate link, with the full
// tracking URL assembled from the configured base URL.
type linkView struct {
	model.AffiliateLink
	TrackingURL string `json:"tracking_url"`
}

// LinkHandler serves affiliate link management.
type LinkHandler struct {
	db      *gorm.DB
	svc     *tracking.Service
	agg     *analytics.Aggregator
	baseURL string
}

func NewLinkHandler(db *gorm.DB, svc *tracking.Service, agg *analytics.Aggregator, baseURL string) *LinkHandler {
	return &LinkHandler{db: db, svc: svc, agg: agg, baseURL: baseURL}
}

func (h *LinkHandler) view(link *model.AffiliateLink) linkView {
	return linkView{
		AffiliateLink: *link,
		TrackingURL:   h.baseURL + "/r/" + link.Code,
	}
}

func (h *LinkHandler) views(links []model.AffiliateLink) []linkView {
	out := make([]linkView, len(links))
	for i := range links {
		out[i] = h.view(&links[i])
	}
	return out
}

// CreateLink issues a new tracking link for the authenticated
// affiliate.
func (h *LinkHandler) CreateLink(c echo.Context) error {
	log := logger.FromContext(c)

	user, ok := middleware.CurrentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}
	if user.Role != model.RoleAffiliate {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "only affiliates can create links"})
	}

	var req LinkRequest
	if err := c.Bind(&req); err != nil {
		log.Error("Invalid link request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	if req.ProductID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "product_id is required"})
	}

	link, err := h.svc.CreateLink(c.Request().Context(), tracking.CreateLinkInput{
		AffiliateID: user.ID,
		ProductID:   req.ProductID,
		CustomSlug:  req.CustomSlug,
		LandingURL:  req.LandingURL,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		return respondError(c, err)
	}

	log.Info("Affiliate link created",
		zap.Uint("link_id", link.ID),
		zap.String("code", link.Code),
		zap.Uint("affiliate_id", user.ID),
		zap.Uint("product_id", req.ProductID))
	return c.JSON(http.StatusCreated, h.view(link))
}

// ListLinks lists links visible to the caller: affiliates see their
// own, merchants see links pointing at their products, admins see all.
func (h *LinkHandler) ListLinks(c echo.Context) error {
	log := logger.FromContext(c)

	user, ok := middleware.CurrentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	query := h.db.WithContext(c.Request().Context()).Model(&model.AffiliateLink{})
	switch {
	case user.IsAdmin:
	case user.Role == model.RoleAffiliate:
		query = query.Where("affiliate_id = ?", user.ID)
	case user.Role == model.RoleMerchant:
		query = query.Where("product_id IN (?)",
			h.db.Model(&model.Product{}).Select("id").Where("merchant_id = ?", user.ID))
	default:
		return c.JSON(http.StatusForbidden, echo.Map{"error": "access denied"})
	}

	if productID := c.QueryParam("product_id"); productID != "" {
		query = query.Where("product_id = ?", productID)
	}
	if isActive := c.QueryParam("is_active"); isActive != "" {
		query = query.Where("is_active = ?", isActive == "true")
	}

	defer prometheus.TrackDBOperation("query")(time.Now())
	var links []model.AffiliateLink
	if result := query.Preload("Product").Order("id").Find(&links); result.Error != nil {
		log.Error("Failed to list links", zap.Error(result.Error))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to retrieve links"})
	}

	return c.JSON(http.StatusOK, h.views(links))
}

// MyLinks lists the authenticated affiliate's own links.
func (h *LinkHandler) MyLinks(c echo.Context) error {
	log := logger.FromContext(c)

	user, ok := middleware.CurrentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	defer prometheus.TrackDBOperation("query")(time.Now())
	var links []model.AffiliateLink
	result := h.db.WithContext(c.Request().Context()).
		Preload("Product").
		Where("affiliate_id = ?", user.ID).
		Order("id").
		Find(&links)
	if result.Error != nil {
		log.Error("Failed to list affiliate links", zap.Error(result.Error))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to retrieve links"})
	}

	return c.JSON(http.StatusOK, h.views(links))
}

// GetLink retrieves a single link. Owner or admin only; expired links
// remain visible to their owner.
func (h *LinkHandler) GetLink(c echo.Context) error {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	link, err := h.svc.GetLink(c.Request().Context(), id, user)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, h.view(link))
}

// UpdateLink edits a link's custom slug, landing URL, expiry or active
// flag. The code and the (affiliate, product) pair never change.
func (h *LinkHandler) UpdateLink(c echo.Context) error {
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
		CustomSlug *string    `json:"custom_slug"`
		LandingURL *string    `json:"landing_url"`
		ExpiresAt  *time.Time `json:"expires_at"`
		IsActive   *bool      `json:"is_active"`
	}
	if err := c.Bind(&req); err != nil {
		log.Error("Invalid link update request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}

	link, err := h.svc.UpdateLink(c.Request().Context(), id, user, tracking.UpdateLinkInput{
		CustomSlug: req.CustomSlug,
		LandingURL: req.LandingURL,
		ExpiresAt:  req.ExpiresAt,
		IsActive:   req.IsActive,
	})
	if err != nil {
		return respondError(c, err)
	}

	log.Info("Link updated",
		zap.Uint("link_id", link.ID),
		zap.String("code", link.Code))
	return c.JSON(http.StatusOK, h.view(link))
}

// DeactivateLink turns a link off without deleting its history.
func (h *LinkHandler) DeactivateLink(c echo.Context) error {
	log := logger.FromContext(c)

	user, ok := middleware.CurrentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	link, err := h.svc.DeactivateLink(c.Request().Context(), id, user)
	if err != nil {
		return respondError(c, err)
	}

	log.Info("Link deactivated",
		zap.Uint("link_id", link.ID),
		zap.String("code", link.Code))
	return c.JSON(http.StatusOK, h.view(link))
}

// DeleteLink removes a link and, through the store's cascade rules, its
// click and conversion history. The (affiliate, product) pair becomes
// available again.
func (h *LinkHandler) DeleteLink(c echo.Context) error {
	log := logger.FromContext(c)

	user, ok := middleware.CurrentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	if err := h.svc.DeleteLink(c.Request().Context(), id, user); err != nil {
		return respondError(c, err)
	}

	log.Info("Link deleted", zap.Uint("link_id", id))
	return c.JSON(http.StatusOK, echo.Map{"message": "link deleted"})
}

// LinkAnalytics returns click and conversion aggregates for one link.
func (h *LinkHandler) LinkAnalytics(c echo.Context) error {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	link, err := h.svc.GetLink(c.Request().Context(), id, user)
	if err != nil {
		return respondError(c, err)
	}

	days := analytics.ClampDays(queryInt(c, "days", 30))
	report, err := h.agg.ForLink(c.Request().Context(), link, days)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

// UserAnalytics returns the caller's role-scoped performance rollup.
func (h *LinkHandler) UserAnalytics(c echo.Context) error {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	days := analytics.ClampDays(queryInt(c, "days", 30))
	report, err := h.agg.ForUser(c.Request().Context(), user, days)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}
