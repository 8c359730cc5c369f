package tracking

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Sreyas62/AffiHub/internal/apperr"
	"github.com/Sreyas62/AffiHub/internal/model"
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

type fixture struct {
	db        *gorm.DB
	svc       *Service
	affiliate *model.User
	merchant  *model.User
	admin     *model.User
	product   *model.Product
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := newTestDB(t)
	f := &fixture{db: db, svc: NewService(db, 0)}

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
		Description:    "a widget",
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

func TestCreateLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link, err := f.svc.CreateLink(ctx, CreateLinkInput{
		AffiliateID: f.affiliate.ID,
		ProductID:   f.product.ID,
	})
	if err != nil {
		t.Fatalf("create link failed: %v", err)
	}
	if link.Code == "" {
		t.Fatalf("expected a generated code")
	}
	if len(link.Code) != 22 {
		t.Fatalf("expected 22-char base64url code, got %d chars: %q", len(link.Code), link.Code)
	}
	if !link.IsActive {
		t.Fatalf("new link should be active")
	}
}

func TestCreateLinkInactiveProduct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.db.Model(f.product).Update("is_active", false).Error; err != nil {
		t.Fatalf("failed to deactivate product: %v", err)
	}

	_, err := f.svc.CreateLink(ctx, CreateLinkInput{AffiliateID: f.affiliate.ID, ProductID: f.product.ID})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for inactive product, got %v", err)
	}
}

func TestCreateLinkUnknownProduct(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateLink(context.Background(), CreateLinkInput{AffiliateID: f.affiliate.ID, ProductID: 9999})
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestCreateLinkDuplicatePair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreateLink(ctx, CreateLinkInput{AffiliateID: f.affiliate.ID, ProductID: f.product.ID}); err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	_, err := f.svc.CreateLink(ctx, CreateLinkInput{AffiliateID: f.affiliate.ID, ProductID: f.product.ID})
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestCreateLinkPairConstraintIsStorageLevel(t *testing.T) {
	f := newFixture(t)

	// Bypass the service pre-check entirely: the composite unique
	// index must reject the second insert on its own.
	first := &model.AffiliateLink{Code: "code-one-aaaaaaaaaaaaa", AffiliateID: f.affiliate.ID, ProductID: f.product.ID, IsActive: true}
	if err := f.db.Create(first).Error; err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	second := &model.AffiliateLink{Code: "code-two-bbbbbbbbbbbbb", AffiliateID: f.affiliate.ID, ProductID: f.product.ID, IsActive: true}
	err := f.db.Create(second).Error
	if err == nil {
		t.Fatalf("expected unique violation from the storage layer")
	}
	if !IsDuplicateKey(err) {
		t.Fatalf("expected duplicate-key error, got %v", err)
	}
}

func TestResolveLinkUnknownCode(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ResolveLink(context.Background(), "does-not-exist")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResolveClickExpiredLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	link, err := f.svc.CreateLink(ctx, CreateLinkInput{
		AffiliateID: f.affiliate.ID,
		ProductID:   f.product.ID,
		ExpiresAt:   &past,
	})
	if err != nil {
		t.Fatalf("create link failed: %v", err)
	}

	_, err = f.svc.ResolveClick(ctx, link.Code, "1.2.3.4", "Mozilla/5.0", "")
	if apperr.KindOf(err) != apperr.KindExpired {
		t.Fatalf("expected expired error, got %v", err)
	}

	// The link stays retrievable by its owner for management.
	got, err := f.svc.GetLink(ctx, link.ID, f.affiliate)
	if err != nil {
		t.Fatalf("owner should still retrieve an expired link: %v", err)
	}
	if got.Code != link.Code {
		t.Fatalf("retrieved wrong link")
	}
}

func TestResolveClickInactiveLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link, err := f.svc.CreateLink(ctx, CreateLinkInput{AffiliateID: f.affiliate.ID, ProductID: f.product.ID})
	if err != nil {
		t.Fatalf("create link failed: %v", err)
	}
	if _, err := f.svc.DeactivateLink(ctx, link.ID, f.affiliate); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}

	_, err = f.svc.ResolveClick(ctx, link.Code, "1.2.3.4", "Mozilla/5.0", "")
	if apperr.KindOf(err) != apperr.KindExpired {
		t.Fatalf("expected expired error for inactive link, got %v", err)
	}
}

func TestResolveClickRedirectPrecedence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link, err := f.svc.CreateLink(ctx, CreateLinkInput{
		AffiliateID: f.affiliate.ID,
		ProductID:   f.product.ID,
		LandingURL:  "https://landing.example.com/deal",
	})
	if err != nil {
		t.Fatalf("create link failed: %v", err)
	}

	// Landing URL wins over everything.
	res, err := f.svc.ResolveClick(ctx, link.Code, "1.2.3.4", "Mozilla/5.0 iPhone", "https://ref.example.com")
	if err != nil {
		t.Fatalf("resolve click failed: %v", err)
	}
	if res.RedirectURL != "https://landing.example.com/deal" {
		t.Fatalf("expected landing URL, got %q", res.RedirectURL)
	}
	if res.Event.DeviceType != model.DeviceMobile {
		t.Fatalf("expected mobile device, got %q", res.Event.DeviceType)
	}
	if res.Event.Referrer != "https://ref.example.com" {
		t.Fatalf("referrer not carried through")
	}

	// Without a landing URL the product's external URL is next.
	if err := f.db.Model(link).Update("landing_url", "").Error; err != nil {
		t.Fatalf("failed to clear landing url: %v", err)
	}
	if err := f.db.Model(f.product).Update("external_url", "https://shop.example.com/widget").Error; err != nil {
		t.Fatalf("failed to set external url: %v", err)
	}
	res, err = f.svc.ResolveClick(ctx, link.Code, "1.2.3.4", "Mozilla/5.0", "")
	if err != nil {
		t.Fatalf("resolve click failed: %v", err)
	}
	if res.RedirectURL != "https://shop.example.com/widget" {
		t.Fatalf("expected external URL, got %q", res.RedirectURL)
	}

	// With neither, fall back to the internal product page.
	if err := f.db.Model(f.product).Update("external_url", "").Error; err != nil {
		t.Fatalf("failed to clear external url: %v", err)
	}
	res, err = f.svc.ResolveClick(ctx, link.Code, "1.2.3.4", "Mozilla/5.0", "")
	if err != nil {
		t.Fatalf("resolve click failed: %v", err)
	}
	want := fmt.Sprintf("/api/products/%d", f.product.ID)
	if res.RedirectURL != want {
		t.Fatalf("expected %q, got %q", want, res.RedirectURL)
	}
}

func TestRecordClick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link, err := f.svc.CreateLink(ctx, CreateLinkInput{AffiliateID: f.affiliate.ID, ProductID: f.product.ID})
	if err != nil {
		t.Fatalf("create link failed: %v", err)
	}

	ev := model.ClickEvent{
		LinkID:     link.ID,
		IPAddress:  "203.0.113.7",
		UserAgent:  "Mozilla/5.0 (iPad)",
		Referrer:   "https://blog.example.com",
		DeviceType: model.DeviceTablet,
		OccurredAt: time.Now(),
	}
	if err := f.svc.RecordClick(ctx, ev); err != nil {
		t.Fatalf("record click failed: %v", err)
	}

	var click model.Click
	if err := f.db.Where("link_id = ?", link.ID).First(&click).Error; err != nil {
		t.Fatalf("click not persisted: %v", err)
	}
	if click.DeviceType != model.DeviceTablet {
		t.Fatalf("expected tablet, got %q", click.DeviceType)
	}
	if click.IPAddress != "203.0.113.7" {
		t.Fatalf("ip not persisted")
	}
}

func TestRecordConversionSnapshotsCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link, err := f.svc.CreateLink(ctx, CreateLinkInput{AffiliateID: f.affiliate.ID, ProductID: f.product.ID})
	if err != nil {
		t.Fatalf("create link failed: %v", err)
	}

	conversion, err := f.svc.RecordConversion(ctx, RecordConversionInput{
		Code:    link.Code,
		Actor:   f.merchant,
		OrderID: "ORD-1001",
		Amount:  50.00,
	})
	if err != nil {
		t.Fatalf("record conversion failed: %v", err)
	}
	if conversion.CommissionAmount != 5.00 {
		t.Fatalf("expected commission 5.00 (50 at 10%%), got %v", conversion.CommissionAmount)
	}
	if conversion.Verified {
		t.Fatalf("new conversion must not be verified")
	}
	if conversion.Currency != "USD" {
		t.Fatalf("expected default currency USD, got %q", conversion.Currency)
	}

	// Changing the product's rate later must not touch the snapshot.
	if err := f.db.Model(f.product).Update("commission_rate", 50.0).Error; err != nil {
		t.Fatalf("failed to change rate: %v", err)
	}
	var stored model.Conversion
	if err := f.db.First(&stored, conversion.ID).Error; err != nil {
		t.Fatalf("failed to reload conversion: %v", err)
	}
	if stored.CommissionAmount != 5.00 {
		t.Fatalf("commission snapshot changed after rate edit: %v", stored.CommissionAmount)
	}

	// New conversions pick up the new rate.
	second, err := f.svc.RecordConversion(ctx, RecordConversionInput{
		Code:   link.Code,
		Actor:  f.merchant,
		Amount: 50.00,
	})
	if err != nil {
		t.Fatalf("second conversion failed: %v", err)
	}
	if second.CommissionAmount != 25.00 {
		t.Fatalf("expected commission 25.00 at the new rate, got %v", second.CommissionAmount)
	}
}

func TestRecordConversionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link, err := f.svc.CreateLink(ctx, CreateLinkInput{AffiliateID: f.affiliate.ID, ProductID: f.product.ID})
	if err != nil {
		t.Fatalf("create link failed: %v", err)
	}

	_, err = f.svc.RecordConversion(ctx, RecordConversionInput{Code: link.Code, Actor: f.merchant, Amount: 0})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for zero amount, got %v", err)
	}

	_, err = f.svc.RecordConversion(ctx, RecordConversionInput{Code: link.Code, Actor: f.merchant, Amount: -3})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for negative amount, got %v", err)
	}

	_, err = f.svc.RecordConversion(ctx, RecordConversionInput{Code: "missing", Actor: f.merchant, Amount: 10})
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found for unknown code, got %v", err)
	}
}

func TestRecordConversionAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link, err := f.svc.CreateLink(ctx, CreateLinkInput{AffiliateID: f.affiliate.ID, ProductID: f.product.ID})
	if err != nil {
		t.Fatalf("create link failed: %v", err)
	}

	// The affiliate cannot record conversions.
	_, err = f.svc.RecordConversion(ctx, RecordConversionInput{Code: link.Code, Actor: f.affiliate, Amount: 10})
	if apperr.KindOf(err) != apperr.KindPermission {
		t.Fatalf("expected permission error for affiliate, got %v", err)
	}

	// Another merchant cannot either.
	other := seedUser(t, f.db, "carol", model.RoleMerchant, false)
	_, err = f.svc.RecordConversion(ctx, RecordConversionInput{Code: link.Code, Actor: other, Amount: 10})
	if apperr.KindOf(err) != apperr.KindPermission {
		t.Fatalf("expected permission error for other merchant, got %v", err)
	}

	// Admins can record for any product.
	if _, err := f.svc.RecordConversion(ctx, RecordConversionInput{Code: link.Code, Actor: f.admin, Amount: 10}); err != nil {
		t.Fatalf("admin conversion failed: %v", err)
	}
}

func TestRecordConversionWithClick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link, err := f.svc.CreateLink(ctx, CreateLinkInput{AffiliateID: f.affiliate.ID, ProductID: f.product.ID})
	if err != nil {
		t.Fatalf("create link failed: %v", err)
	}
	if err := f.svc.RecordClick(ctx, model.ClickEvent{LinkID: link.ID, OccurredAt: time.Now()}); err != nil {
		t.Fatalf("record click failed: %v", err)
	}
	var click model.Click
	if err := f.db.Where("link_id = ?", link.ID).First(&click).Error; err != nil {
		t.Fatalf("click not found: %v", err)
	}

	conversion, err := f.svc.RecordConversion(ctx, RecordConversionInput{
		Code: link.Code, Actor: f.merchant, Amount: 20, ClickID: &click.ID,
	})
	if err != nil {
		t.Fatalf("conversion with click failed: %v", err)
	}
	if conversion.ClickID == nil || *conversion.ClickID != click.ID {
		t.Fatalf("click reference not stored")
	}

	// A click from a different link is rejected.
	otherProduct := seedProduct(t, f.db, f.merchant.ID, 10, 5)
	otherLink, err := f.svc.CreateLink(ctx, CreateLinkInput{AffiliateID: f.affiliate.ID, ProductID: otherProduct.ID})
	if err != nil {
		t.Fatalf("second link failed: %v", err)
	}
	_, err = f.svc.RecordConversion(ctx, RecordConversionInput{
		Code: otherLink.Code, Actor: f.merchant, Amount: 20, ClickID: &click.ID,
	})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for mismatched click, got %v", err)
	}
}

func TestSetConversionVerified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link, err := f.svc.CreateLink(ctx, CreateLinkInput{AffiliateID: f.affiliate.ID, ProductID: f.product.ID})
	if err != nil {
		t.Fatalf("create link failed: %v", err)
	}
	conversion, err := f.svc.RecordConversion(ctx, RecordConversionInput{Code: link.Code, Actor: f.merchant, Amount: 30})
	if err != nil {
		t.Fatalf("record conversion failed: %v", err)
	}

	// The affiliate may not verify.
	if _, err := f.svc.SetConversionVerified(ctx, conversion.ID, f.affiliate, true); apperr.KindOf(err) != apperr.KindPermission {
		t.Fatalf("expected permission error, got %v", err)
	}

	updated, err := f.svc.SetConversionVerified(ctx, conversion.ID, f.merchant, true)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !updated.Verified {
		t.Fatalf("conversion should be verified")
	}

	var stored model.Conversion
	if err := f.db.First(&stored, conversion.ID).Error; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !stored.Verified {
		t.Fatalf("verified flag not persisted")
	}
}

func TestDeactivateLinkPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link, err := f.svc.CreateLink(ctx, CreateLinkInput{AffiliateID: f.affiliate.ID, ProductID: f.product.ID})
	if err != nil {
		t.Fatalf("create link failed: %v", err)
	}

	// The product's merchant does not own the link.
	if _, err := f.svc.DeactivateLink(ctx, link.ID, f.merchant); apperr.KindOf(err) != apperr.KindPermission {
		t.Fatalf("expected permission error for merchant, got %v", err)
	}

	// Another affiliate does not either.
	other := seedUser(t, f.db, "dave", model.RoleAffiliate, false)
	if _, err := f.svc.DeactivateLink(ctx, link.ID, other); apperr.KindOf(err) != apperr.KindPermission {
		t.Fatalf("expected permission error for other affiliate, got %v", err)
	}

	// The owner can.
	updated, err := f.svc.DeactivateLink(ctx, link.ID, f.affiliate)
	if err != nil {
		t.Fatalf("owner deactivate failed: %v", err)
	}
	if updated.IsActive {
		t.Fatalf("link should be inactive")
	}
}

func TestDeleteLinkKeepsOtherLinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link, err := f.svc.CreateLink(ctx, CreateLinkInput{AffiliateID: f.affiliate.ID, ProductID: f.product.ID})
	if err != nil {
		t.Fatalf("create link failed: %v", err)
	}

	if err := f.svc.DeleteLink(ctx, link.ID, f.affiliate); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := f.svc.ResolveLink(ctx, link.Code); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("deleted link should not resolve, got %v", err)
	}

	// The pair is free again after deletion.
	if _, err := f.svc.CreateLink(ctx, CreateLinkInput{AffiliateID: f.affiliate.ID, ProductID: f.product.ID}); err != nil {
		t.Fatalf("recreate after delete failed: %v", err)
	}
}

func TestGenerateCodeUniqueness(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("generate code failed: %v", err)
		}
		if len(code) != 22 {
			t.Fatalf("unexpected code length %d", len(code))
		}
		if strings.ContainsAny(code, "+/=") {
			t.Fatalf("code %q is not URL-safe", code)
		}
		if seen[code] {
			t.Fatalf("duplicate code generated: %q", code)
		}
		seen[code] = true
	}
}

func TestStorageDeadlineIsUnavailable(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := f.svc.ResolveLink(ctx, "any-code")
	if err == nil {
		t.Fatal("expected an error from an expired context")
	}
	if kind := apperr.KindOf(err); kind != apperr.KindUnavailable {
		t.Fatalf("expected KindUnavailable, got %v (%v)", kind, err)
	}

	_, err = f.svc.CreateLink(ctx, CreateLinkInput{
		AffiliateID: f.affiliate.ID,
		ProductID:   f.product.ID,
	})
	if kind := apperr.KindOf(err); kind != apperr.KindUnavailable {
		t.Fatalf("expected KindUnavailable from CreateLink, got %v (%v)", kind, err)
	}
}
