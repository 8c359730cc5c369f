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
	"github.com/Sreyas62/AffiHub/pkg/jwtutil"
	"github.com/Sreyas62/AffiHub/pkg/logger"
	"github.com/Sreyas62/AffiHub/prometheus"
)

// AuthHandler serves registration, login and the current-user endpoint.
type AuthHandler struct {
	db *gorm.DB
}

func NewAuthHandler(db *gorm.DB) *AuthHandler {
	return &AuthHandler{db: db}
}

// Register creates a new affiliate or merchant account.
func (h *AuthHandler) Register(c echo.Context) error {
	log := logger.FromContext(c)

	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Role     string `json:"role"`
		Phone    string `json:"phone,omitempty"`
		Bio      string `json:"bio,omitempty"`
		Website  string `json:"website,omitempty"`
	}

	if err := c.Bind(&req); err != nil {
		log.Error("Failed to parse registration request", zap.Error(err))
		prometheus.RecordAuthError("invalid_request")
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}

	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	if req.Username == "" || req.Email == "" || req.Password == "" {
		log.Error("Invalid registration data",
			zap.String("username", req.Username),
			zap.String("email", req.Email),
			zap.Bool("password_provided", req.Password != ""))
		prometheus.RecordAuthError("incomplete_registration")
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "username, email and password are required"})
	}

	role := model.Role(req.Role)
	if !role.Valid() {
		log.Error("Invalid role in registration", zap.String("role", req.Role))
		prometheus.RecordAuthError("invalid_role")
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "role must be affiliate or merchant"})
	}

	// Check for an existing account first for a friendly error; the
	// unique indexes on username and email stay authoritative.
	defer prometheus.TrackDBOperation("query")(time.Now())
	var existing model.User
	result := h.db.WithContext(c.Request().Context()).
		Where("email = ? OR username = ?", req.Email, req.Username).
		First(&existing)
	if result.Error == nil {
		log.Error("User already exists",
			zap.String("email", req.Email),
			zap.String("username", req.Username))
		prometheus.RecordAuthError("account_already_exists")
		return c.JSON(http.StatusConflict, echo.Map{"error": "username or email already registered"})
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		log.Error("Failed to hash password", zap.Error(err))
		prometheus.RecordAuthError("password_hash_failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "registration failed"})
	}

	user := model.User{
		Username: req.Username,
		Email:    req.Email,
		Password: string(hashedPassword),
		Role:     role,
		Phone:    req.Phone,
		Bio:      req.Bio,
		Website:  req.Website,
	}

	defer prometheus.TrackDBOperation("insert")(time.Now())
	if result := h.db.WithContext(c.Request().Context()).Create(&user); result.Error != nil {
		if tracking.IsDuplicateKey(result.Error) {
			prometheus.RecordAuthError("account_already_exists")
			return c.JSON(http.StatusConflict, echo.Map{"error": "username or email already registered"})
		}
		log.Error("Failed to create user", zap.Error(result.Error))
		prometheus.RecordAuthError("user_creation_failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "registration failed"})
	}

	log.Info("User registered",
		zap.String("username", user.Username),
		zap.String("role", string(user.Role)))
	return c.JSON(http.StatusCreated, echo.Map{
		"message": "registered successfully",
		"user":    user,
	})
}

// Login verifies credentials and issues a JWT.
func (h *AuthHandler) Login(c echo.Context) error {
	log := logger.FromContext(c)

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	if err := c.Bind(&req); err != nil {
		log.Error("Failed to parse login request", zap.Error(err))
		prometheus.RecordAuthError("invalid_request")
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}

	defer prometheus.TrackDBOperation("query")(time.Now())
	var user model.User
	result := h.db.WithContext(c.Request().Context()).
		Where("email = ?", strings.TrimSpace(strings.ToLower(req.Email))).
		First(&user)
	if result.Error != nil {
		log.Error("User not found", zap.String("email", req.Email))
		prometheus.RecordAuthError("user_not_found")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		log.Error("Invalid password", zap.String("email", req.Email))
		prometheus.RecordAuthError("invalid_password")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}

	token, err := jwtutil.GenerateToken(&user)
	if err != nil {
		log.Error("Failed to generate token", zap.Error(err))
		prometheus.RecordAuthError("token_generation_failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "token error"})
	}

	log.Info("User logged in",
		zap.String("email", user.Email),
		zap.String("role", string(user.Role)))
	return c.JSON(http.StatusOK, echo.Map{
		"token": token,
		"user":  user,
	})
}

// Me returns the authenticated user's profile.
func (h *AuthHandler) Me(c echo.Context) error {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}
	return c.JSON(http.StatusOK, echo.Map{"user": user})
}
