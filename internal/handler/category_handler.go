package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Sreyas62/AffiHub/internal/middleware"
	"github.com/Sreyas62/AffiHub/internal/model"
	"github.com/Sreyas62/AffiHub/internal/tracking"
	"github.com/Sreyas62/AffiHub/pkg/logger"
	"github.com/Sreyas62/AffiHub/prometheus"
)

// CategoryRequest defines the structure for category creation/update requests.
type CategoryRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsActive    *bool  `json:"is_active"`
}

// CategoryHandler serves category CRUD.
type CategoryHandler struct {
	db *gorm.DB
}

func NewCategoryHandler(db *gorm.DB) *CategoryHandler {
	return &CategoryHandler{db: db}
}

// ListCategories retrieves all categories.
func (h *CategoryHandler) ListCategories(c echo.Context) error {
	log := logger.FromContext(c)

	query := h.db.WithContext(c.Request().Context())
	if isActive := c.QueryParam("is_active"); isActive != "" {
		query = query.Where("is_active = ?", isActive == "true")
	}

	defer prometheus.TrackDBOperation("query")(time.Now())
	var categories []model.Category
	if result := query.Order("name").Find(&categories); result.Error != nil {
		log.Error("Failed to retrieve categories", zap.Error(result.Error))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to retrieve categories"})
	}

	return c.JSON(http.StatusOK, categories)
}

// GetCategory retrieves a specific category by ID.
func (h *CategoryHandler) GetCategory(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	var category model.Category
	result := h.db.WithContext(c.Request().Context()).First(&category, id)
	if result.Error != nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "category not found"})
	}

	return c.JSON(http.StatusOK, category)
}

// CreateCategory creates a new category. Admin only.
func (h *CategoryHandler) CreateCategory(c echo.Context) error {
	log := logger.FromContext(c)

	user, ok := middleware.CurrentUser(c)
	if !ok || !user.IsAdmin {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "admin access required"})
	}

	var req CategoryRequest
	if err := c.Bind(&req); err != nil {
		log.Error("Invalid category request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "name is required"})
	}

	category := model.Category{
		Name:        req.Name,
		Description: req.Description,
		IsActive:    true,
	}
	if req.IsActive != nil {
		category.IsActive = *req.IsActive
	}

	defer prometheus.TrackDBOperation("insert")(time.Now())
	if result := h.db.WithContext(c.Request().Context()).Create(&category); result.Error != nil {
		if tracking.IsDuplicateKey(result.Error) {
			return c.JSON(http.StatusConflict, echo.Map{"error": "category with this name already exists"})
		}
		log.Error("Failed to create category", zap.Error(result.Error))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to create category"})
	}

	log.Info("Category created",
		zap.Uint("category_id", category.ID),
		zap.String("name", category.Name))
	return c.JSON(http.StatusCreated, category)
}

// UpdateCategory updates an existing category. Admin only.
func (h *CategoryHandler) UpdateCategory(c echo.Context) error {
	log := logger.FromContext(c)

	user, ok := middleware.CurrentUser(c)
	if !ok || !user.IsAdmin {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "admin access required"})
	}

	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	var category model.Category
	if result := h.db.WithContext(c.Request().Context()).First(&category, id); result.Error != nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "category not found"})
	}

	var req CategoryRequest
	if err := c.Bind(&req); err != nil {
		log.Error("Invalid category request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}

	if name := strings.TrimSpace(req.Name); name != "" {
		category.Name = name
	}
	if req.Description != "" {
		category.Description = req.Description
	}
	if req.IsActive != nil {
		category.IsActive = *req.IsActive
	}

	defer prometheus.TrackDBOperation("update")(time.Now())
	if result := h.db.WithContext(c.Request().Context()).Save(&category); result.Error != nil {
		if tracking.IsDuplicateKey(result.Error) {
			return c.JSON(http.StatusConflict, echo.Map{"error": "category with this name already exists"})
		}
		log.Error("Failed to update category", zap.Error(result.Error))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to update category"})
	}

	log.Info("Category updated", zap.Uint("category_id", category.ID))
	return c.JSON(http.StatusOK, category)
}

// DeleteCategory removes a category. Admin only. Products keep existing
// with their category reference cleared.
func (h *CategoryHandler) DeleteCategory(c echo.Context) error {
	log := logger.FromContext(c)

	user, ok := middleware.CurrentUser(c)
	if !ok || !user.IsAdmin {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "admin access required"})
	}

	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	var category model.Category
	if result := h.db.WithContext(c.Request().Context()).First(&category, id); result.Error != nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "category not found"})
	}

	defer prometheus.TrackDBOperation("delete")(time.Now())
	if result := h.db.WithContext(c.Request().Context()).Delete(&category); result.Error != nil {
		log.Error("Failed to delete category", zap.Error(result.Error))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to delete category"})
	}

	log.Info("Category deleted",
		zap.Uint("category_id", category.ID),
		zap.String("name", category.Name))
	return c.JSON(http.StatusOK, echo.Map{"message": "category deleted"})
}
