package handler

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Sreyas62/AffiHub/internal/middleware"
	"github.com/Sreyas62/AffiHub/internal/model"
	"github.com/Sreyas62/AffiHub/internal/tracking"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	// A named in-memory database so all pooled connections see the
	// same data, capped at one open connection to avoid write locks.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&model.User{},
		&model.Category{},
		&model.Product{},
		&model.AffiliateLink{},
		&model.Click{},
		&model.Conversion{},
	); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

type apiFixture struct {
	db        *gorm.DB
	svc       *tracking.Service
	echo      *echo.Echo
	affiliate *model.User
	merchant  *model.User
	admin     *model.User
	product   *model.Product
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	db := newTestDB(t)
	f := &apiFixture{
		db:   db,
		svc:  tracking.NewService(db, 0),
		echo: echo.New(),
	}

	f.affiliate = seedUser(t, db, "alice", model.RoleAffiliate, false)
	f.merchant = seedUser(t, db, "bob", model.RoleMerchant, false)
	f.admin = seedUser(t, db, "root", model.RoleMerchant, true)
	f.product = seedProduct(t, db, f.merchant.ID, 50.00, 10.00)
	return f
}

func seedUser(t *testing.T, db *gorm.DB, username string, role model.Role, admin bool) *model.User {
	t.Helper()
	user := &model.User{
		Username: username,
		Email:    username + "@example.com",
		Password: "x",
		Role:     role,
		IsAdmin:  admin,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed to seed user %s: %v", username, err)
	}
	return user
}

func seedProduct(t *testing.T, db *gorm.DB, merchantID uint, price, rate float64) *model.Product {
	t.Helper()
	product := &model.Product{
		Name:           "Widget",
		Price:          price,
		MerchantID:     merchantID,
		CommissionRate: rate,
		IsActive:       true,
	}
	if err := db.Create(product).Error; err != nil {
		t.Fatalf("failed to seed product: %v", err)
	}
	return product
}

// request builds an echo context for invoking a handler directly. The
// optional user is attached the same way the auth middleware would.
func (f *apiFixture) request(t *testing.T, method, target string, body interface{}, user *model.User) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()

	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}

	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := f.echo.NewContext(req, rec)
	if user != nil {
		middleware.SetCurrentUser(c, user)
	}
	return c, rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("failed to decode response body %q: %v", rec.Body.String(), err)
	}
}

func wantStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body: %s)", rec.Code, want, rec.Body.String())
	}
}
