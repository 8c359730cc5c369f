package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Sreyas62/AffiHub/internal/model"
	"github.com/Sreyas62/AffiHub/pkg/jwtutil"
	"github.com/Sreyas62/AffiHub/pkg/logger"
	"github.com/Sreyas62/AffiHub/prometheus"
)

const currentUserKey = "current_user"

// Auth validates the bearer token and loads the authenticated user
// from the database. Authorization always works from this re-read
// state, never from token claims alone or any cache.
func Auth(db *gorm.DB) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			log := logger.FromContext(c)

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				log.Warn("Missing Authorization header")
				prometheus.RecordAuthError("missing_token")
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing authorization token"})
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				log.Warn("Invalid Authorization header format")
				prometheus.RecordAuthError("invalid_header")
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid authorization format, expected Bearer token"})
			}

			claims, err := jwtutil.ValidateToken(parts[1])
			if err != nil {
				log.Warn("Invalid JWT token", zap.Error(err))
				prometheus.RecordAuthError("invalid_token")
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid or expired token"})
			}

			var user model.User
			if err := db.WithContext(c.Request().Context()).First(&user, claims.UserID).Error; err != nil {
				log.Warn("Token user no longer exists", zap.Uint("user_id", claims.UserID))
				prometheus.RecordAuthError("user_gone")
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid or expired token"})
			}

			c.Set(currentUserKey, &user)
			return next(c)
		}
	}
}

// CurrentUser retrieves the authenticated user placed in the context
// by Auth.
func CurrentUser(c echo.Context) (*model.User, bool) {
	user, ok := c.Get(currentUserKey).(*model.User)
	return user, ok
}

// SetCurrentUser stores the user in the context. Exposed for handler
// tests that bypass the Auth middleware.
func SetCurrentUser(c echo.Context, user *model.User) {
	c.Set(currentUserKey, user)
}
