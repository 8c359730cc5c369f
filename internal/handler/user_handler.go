package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/Sreyas62/AffiHub/internal/middleware"
	"github.com/Sreyas62/AffiHub/internal/model"
	"github.com/Sreyas62/AffiHub/internal/tracking"
	"github.com/Sreyas62/AffiHub/pkg/logger"
	"github.com/Sreyas62/AffiHub/prometheus"
)

// UserHandler serves user listing and profile management.
type UserHandler struct {
	db *gorm.DB
}

func NewUserHandler(db *gorm.DB) *UserHandler {
	return &UserHandler{db: db}
}

// ListUsers handles retrieving users with optional role and search filters.
func (h *UserHandler) ListUsers(c echo.Context) error {
	log := logger.FromContext(c)

	query := h.db.WithContext(c.Request().Context()).Model(&model.User{})

	if role := c.QueryParam("role"); role != "" {
		if !model.Role(role).Valid() {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "unknown role"})
		}
		query = query.Where("role = ?", role)
	}

	if search := strings.TrimSpace(c.QueryParam("search")); search != "" {
		pattern := "%" + strings.ToLower(search) + "%"
		query = query.Where("LOWER(username) LIKE ? OR LOWER(email) LIKE ?", pattern, pattern)
	}

	defer prometheus.TrackDBOperation("query")(time.Now())
	var users []model.User
	if result := query.Order("id").Find(&users); result.Error != nil {
		log.Error("Failed to list users", zap.Error(result.Error))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to retrieve users"})
	}

	return c.JSON(http.StatusOK, users)
}

// ListAffiliates returns all affiliate accounts.
func (h *UserHandler) ListAffiliates(c echo.Context) error {
	return h.listByRole(c, model.RoleAffiliate)
}

// ListMerchants returns all merchant accounts.
func (h *UserHandler) ListMerchants(c echo.Context) error {
	return h.listByRole(c, model.RoleMerchant)
}

func (h *UserHandler) listByRole(c echo.Context, role model.Role) error {
	log := logger.FromContext(c)

	defer prometheus.TrackDBOperation("query")(time.Now())
	var users []model.User
	result := h.db.WithContext(c.Request().Context()).
		Where("role = ?", role).
		Order("id").
		Find(&users)
	if result.Error != nil {
		log.Error("Failed to list users by role",
			zap.String("role", string(role)),
			zap.Error(result.Error))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to retrieve users"})
	}

	return c.JSON(http.StatusOK, users)
}

// GetUser handles retrieving a single user by ID.
func (h *UserHandler) GetUser(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	var user model.User
	result := h.db.WithContext(c.Request().Context()).First(&user, id)
	if result.Error != nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "user not found"})
	}

	return c.JSON(http.StatusOK, user)
}

// UpdateProfile lets the authenticated user change their own profile
// fields. Role and admin status are not editable here.
func (h *UserHandler) UpdateProfile(c echo.Context) error {
	log := logger.FromContext(c)

	user, ok := middleware.CurrentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	var req struct {
		Username *string `json:"username"`
		Email    *string `json:"email"`
		Phone    *string `json:"phone"`
		Bio      *string `json:"bio"`
		Website  *string `json:"website"`
	}
	if err := c.Bind(&req); err != nil {
		log.Error("Failed to parse profile update", zap.Error(err))
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}

	updates := map[string]interface{}{}
	if req.Username != nil {
		username := strings.TrimSpace(*req.Username)
		if username == "" {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "username cannot be empty"})
		}
		updates["username"] = username
	}
	if req.Email != nil {
		email := strings.TrimSpace(strings.ToLower(*req.Email))
		if email == "" {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "email cannot be empty"})
		}
		updates["email"] = email
	}
	if req.Phone != nil {
		updates["phone"] = *req.Phone
	}
	if req.Bio != nil {
		updates["bio"] = *req.Bio
	}
	if req.Website != nil {
		updates["website"] = *req.Website
	}

	if len(updates) == 0 {
		return c.JSON(http.StatusOK, echo.Map{"user": user})
	}

	defer prometheus.TrackDBOperation("update")(time.Now())
	result := h.db.WithContext(c.Request().Context()).Model(user).Updates(updates)
	if result.Error != nil {
		if tracking.IsDuplicateKey(result.Error) {
			return c.JSON(http.StatusConflict, echo.Map{"error": "username or email already taken"})
		}
		log.Error("Failed to update profile", zap.Error(result.Error))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to update profile"})
	}

	log.Info("Profile updated", zap.Uint("user_id", user.ID))
	return c.JSON(http.StatusOK, echo.Map{"user": user})
}

// ChangePassword verifies the current password before setting a new one.
func (h *UserHandler) ChangePassword(c echo.Context) error {
	log := logger.FromContext(c)

	user, ok := middleware.CurrentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := c.Bind(&req); err != nil {
		log.Error("Failed to parse password change", zap.Error(err))
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}

	if req.NewPassword == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "new password is required"})
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.CurrentPassword)); err != nil {
		prometheus.RecordAuthError("invalid_password")
		return c.JSON(http.StatusForbidden, echo.Map{"error": "current password is incorrect"})
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		log.Error("Failed to hash password", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to change password"})
	}

	defer prometheus.TrackDBOperation("update")(time.Now())
	result := h.db.WithContext(c.Request().Context()).
		Model(user).
		Update("password", string(hashed))
	if result.Error != nil {
		log.Error("Failed to update password", zap.Error(result.Error))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to change password"})
	}

	log.Info("Password changed", zap.Uint("user_id", user.ID))
	return c.JSON(http.StatusOK, echo.Map{"message": "password updated"})
}
