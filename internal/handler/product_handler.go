package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Sreyas62/AffiHub/internal/analytics"
	"github.com/Sreyas62/AffiHub/internal/middleware"
	"github.com/Sreyas62/AffiHub/internal/model"
	"github.com/Sreyas62/AffiHub/pkg/logger"
	"github.com/Sreyas62/AffiHub/prometheus"
)

// ProductRequest defines the structure for product creation/update requests.
type ProductRequest struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Price          *float64 `json:"price"`
	CategoryID     *uint    `json:"category_id"`
	CommissionRate *float64 `json:"commission_rate"`
	ImageURL       string   `json:"image_url"`
	ExternalURL    string   `json:"external_url"`
	SKU            string   `json:"sku"`
	IsActive       *bool    `json:"is_active"`
}

// productView is the JSON shape for a product, with the commission
// amount computed from the current price and rate.
type productView struct {
	model.Product
	CommissionAmount float64 `json:"commission_amount"`
}

func viewProduct(p *model.Product) productView {
	return productView{Product: *p, CommissionAmount: p.CommissionAmount()}
}

func viewProducts(products []model.Product) []productView {
	views := make([]productView, len(products))
	for i := range products {
		views[i] = viewProduct(&products[i])
	}
	return views
}

// ProductHandler serves the product catalog.
type ProductHandler struct {
	db  *gorm.DB
	agg *analytics.Aggregator
}

func NewProductHandler(db *gorm.DB, agg *analytics.Aggregator) *ProductHandler {
	return &ProductHandler{db: db, agg: agg}
}

// ListProducts handles retrieving products with optional filtering.
func (h *ProductHandler) ListProducts(c echo.Context) error {
	log := logger.FromContext(c)

	query := h.db.WithContext(c.Request().Context()).Model(&model.Product{})

	if isActive := c.QueryParam("is_active"); isActive != "" {
		active, err := strconv.ParseBool(isActive)
		if err == nil {
			query = query.Where("is_active = ?", active)
		} else {
			log.Warn("Invalid is_active parameter", zap.String("value", isActive))
		}
	}
	if categoryID := c.QueryParam("category_id"); categoryID != "" {
		query = query.Where("category_id = ?", categoryID)
	}
	if merchantID := c.QueryParam("merchant_id"); merchantID != "" {
		query = query.Where("merchant_id = ?", merchantID)
	}
	if minPrice := c.QueryParam("min_price"); minPrice != "" {
		if v, err := strconv.ParseFloat(minPrice, 64); err == nil {
			query = query.Where("price >= ?", v)
		}
	}
	if maxPrice := c.QueryParam("max_price"); maxPrice != "" {
		if v, err := strconv.ParseFloat(maxPrice, 64); err == nil {
			query = query.Where("price <= ?", v)
		}
	}
	if minCommission := c.QueryParam("min_commission"); minCommission != "" {
		if v, err := strconv.ParseFloat(minCommission, 64); err == nil {
			query = query.Where("commission_rate >= ?", v)
		}
	}
	if search := strings.TrimSpace(c.QueryParam("search")); search != "" {
		pattern := "%" + strings.ToLower(search) + "%"
		query = query.Where("LOWER(name) LIKE ? OR LOWER(description) LIKE ?", pattern, pattern)
	}

	defer prometheus.TrackDBOperation("query")(time.Now())
	var products []model.Product
	if result := query.Preload("Category").Order("id").Find(&products); result.Error != nil {
		log.Error("Failed to list products", zap.Error(result.Error))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to retrieve products"})
	}

	return c.JSON(http.StatusOK, viewProducts(products))
}

// GetProduct handles retrieving a single product by ID.
func (h *ProductHandler) GetProduct(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	var product model.Product
	result := h.db.WithContext(c.Request().Context()).Preload("Category").First(&product, id)
	if result.Error != nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "product not found"})
	}

	return c.JSON(http.StatusOK, viewProduct(&product))
}

// CreateProduct handles creating a new product. Merchants only; the
// product is owned by the caller.
func (h *ProductHandler) CreateProduct(c echo.Context) error {
	log := logger.FromContext(c)

	user, ok := middleware.CurrentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}
	if user.Role != model.RoleMerchant && !user.IsAdmin {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "only merchants can create products"})
	}

	var req ProductRequest
	if err := c.Bind(&req); err != nil {
		log.Error("Invalid product request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "name is required"})
	}
	if req.Price == nil || *req.Price <= 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "price must be greater than zero"})
	}

	product := model.Product{
		Name:        req.Name,
		Description: req.Description,
		Price:       *req.Price,
		CategoryID:  req.CategoryID,
		MerchantID:  user.ID,
		ImageURL:    req.ImageURL,
		ExternalURL: req.ExternalURL,
		SKU:         req.SKU,
		IsActive:    true,
	}
	if req.CommissionRate != nil {
		if *req.CommissionRate < 0 || *req.CommissionRate > 100 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "commission rate must be between 0 and 100"})
		}
		product.CommissionRate = *req.CommissionRate
	} else {
		product.CommissionRate = 10
	}
	if req.IsActive != nil {
		product.IsActive = *req.IsActive
	}

	if req.CategoryID != nil {
		var category model.Category
		if result := h.db.WithContext(c.Request().Context()).First(&category, *req.CategoryID); result.Error != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "unknown category"})
		}
	}

	defer prometheus.TrackDBOperation("insert")(time.Now())
	if result := h.db.WithContext(c.Request().Context()).Create(&product); result.Error != nil {
		log.Error("Failed to create product", zap.Error(result.Error))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to create product"})
	}

	log.Info("Product created",
		zap.Uint("product_id", product.ID),
		zap.String("name", product.Name),
		zap.Uint("merchant_id", product.MerchantID))
	return c.JSON(http.StatusCreated, viewProduct(&product))
}

// UpdateProduct handles updating a product. Owner or admin only.
func (h *ProductHandler) UpdateProduct(c echo.Context) error {
	log := logger.FromContext(c)

	user, ok := middleware.CurrentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	var product model.Product
	if result := h.db.WithContext(c.Request().Context()).First(&product, id); result.Error != nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "product not found"})
	}

	if product.MerchantID != user.ID && !user.IsAdmin {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "not the product owner"})
	}

	var req ProductRequest
	if err := c.Bind(&req); err != nil {
		log.Error("Invalid product request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}

	if name := strings.TrimSpace(req.Name); name != "" {
		product.Name = name
	}
	if req.Description != "" {
		product.Description = req.Description
	}
	if req.Price != nil {
		if *req.Price <= 0 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "price must be greater than zero"})
		}
		product.Price = *req.Price
	}
	if req.CommissionRate != nil {
		if *req.CommissionRate < 0 || *req.CommissionRate > 100 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "commission rate must be between 0 and 100"})
		}
		product.CommissionRate = *req.CommissionRate
	}
	if req.CategoryID != nil {
		var category model.Category
		if result := h.db.WithContext(c.Request().Context()).First(&category, *req.CategoryID); result.Error != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "unknown category"})
		}
		product.CategoryID = req.CategoryID
	}
	if req.ImageURL != "" {
		product.ImageURL = req.ImageURL
	}
	if req.ExternalURL != "" {
		product.ExternalURL = req.ExternalURL
	}
	if req.SKU != "" {
		product.SKU = req.SKU
	}
	if req.IsActive != nil {
		product.IsActive = *req.IsActive
	}

	defer prometheus.TrackDBOperation("update")(time.Now())
	if result := h.db.WithContext(c.Request().Context()).Save(&product); result.Error != nil {
		log.Error("Failed to update product", zap.Error(result.Error))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to update product"})
	}

	log.Info("Product updated", zap.Uint("product_id", product.ID))
	return c.JSON(http.StatusOK, viewProduct(&product))
}

// DeleteProduct removes a product and, through the store's cascade
// rules, its affiliate links and their events. Owner or admin only.
func (h *ProductHandler) DeleteProduct(c echo.Context) error {
	log := logger.FromContext(c)

	user, ok := middleware.CurrentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	var product model.Product
	if result := h.db.WithContext(c.Request().Context()).First(&product, id); result.Error != nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "product not found"})
	}

	if product.MerchantID != user.ID && !user.IsAdmin {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "not the product owner"})
	}

	defer prometheus.TrackDBOperation("delete")(time.Now())
	if result := h.db.WithContext(c.Request().Context()).Delete(&product); result.Error != nil {
		log.Error("Failed to delete product", zap.Error(result.Error))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to delete product"})
	}

	log.Info("Product deleted",
		zap.Uint("product_id", product.ID),
		zap.String("name", product.Name))
	return c.JSON(http.StatusOK, echo.Map{"message": "product deleted"})
}

// MyProducts lists the authenticated merchant's own products.
func (h *ProductHandler) MyProducts(c echo.Context) error {
	log := logger.FromContext(c)

	user, ok := middleware.CurrentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	defer prometheus.TrackDBOperation("query")(time.Now())
	var products []model.Product
	result := h.db.WithContext(c.Request().Context()).
		Preload("Category").
		Where("merchant_id = ?", user.ID).
		Order("id").
		Find(&products)
	if result.Error != nil {
		log.Error("Failed to list merchant products", zap.Error(result.Error))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to retrieve products"})
	}

	return c.JSON(http.StatusOK, viewProducts(products))
}

// HighCommission lists active products ordered by commission rate,
// highest first.
func (h *ProductHandler) HighCommission(c echo.Context) error {
	log := logger.FromContext(c)

	limit := queryInt(c, "limit", 10)
	if limit < 1 || limit > 100 {
		limit = 10
	}

	defer prometheus.TrackDBOperation("query")(time.Now())
	var products []model.Product
	result := h.db.WithContext(c.Request().Context()).
		Where("is_active = ?", true).
		Order("commission_rate DESC").
		Limit(limit).
		Find(&products)
	if result.Error != nil {
		log.Error("Failed to list high-commission products", zap.Error(result.Error))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to retrieve products"})
	}

	return c.JSON(http.StatusOK, viewProducts(products))
}

// Popular lists active products ranked by how many affiliates link to
// them, most linked first.
func (h *ProductHandler) Popular(c echo.Context) error {
	log := logger.FromContext(c)

	limit := queryInt(c, "limit", 10)
	if limit < 1 || limit > 100 {
		limit = 10
	}

	defer prometheus.TrackDBOperation("query")(time.Now())
	var products []model.Product
	result := h.db.WithContext(c.Request().Context()).
		Model(&model.Product{}).
		Select("products.*").
		Joins("LEFT JOIN affiliate_links ON affiliate_links.product_id = products.id").
		Where("products.is_active = ?", true).
		Group("products.id").
		Order("COUNT(affiliate_links.id) DESC, products.id").
		Limit(limit).
		Find(&products)
	if result.Error != nil {
		log.Error("Failed to list popular products", zap.Error(result.Error))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to retrieve products"})
	}

	return c.JSON(http.StatusOK, viewProducts(products))
}

// CatalogStats returns catalog-wide aggregates, scoped to the caller's
// own products for merchants.
func (h *ProductHandler) CatalogStats(c echo.Context) error {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	stats, err := h.agg.Catalog(c.Request().Context(), user)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// ProductAnalytics returns click and conversion aggregates for one
// product across all of its links.
func (h *ProductHandler) ProductAnalytics(c echo.Context) error {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	var product model.Product
	if result := h.db.WithContext(c.Request().Context()).First(&product, id); result.Error != nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "product not found"})
	}

	if product.MerchantID != user.ID && !user.IsAdmin {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "not the product owner"})
	}

	days := analytics.ClampDays(queryInt(c, "days", 30))
	report, err := h.agg.ForProduct(c.Request().Context(), &product, days)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}
