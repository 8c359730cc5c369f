package handler

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Sreyas62/AffiHub/internal/model"
	"github.com/Sreyas62/AffiHub/internal/tracking"
	"github.com/Sreyas62/AffiHub/internal/worker"
)

func newTrackingHandler(t *testing.T, f *apiFixture) (*TrackingHandler, *worker.ClickPool) {
	t.Helper()
	pool := worker.StartClickPool(1, 16, f.svc, zap.NewNop())
	return NewTrackingHandler(f.db, f.svc, pool), pool
}

func createLink(t *testing.T, f *apiFixture, in tracking.CreateLinkInput) *model.AffiliateLink {
	t.Helper()
	link, err := f.svc.CreateLink(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateLink failed: %v", err)
	}
	return link
}

func TestTrackClickRedirectsAndRecords(t *testing.T) {
	f := newAPIFixture(t)
	h, pool := newTrackingHandler(t, f)

	link := createLink(t, f, tracking.CreateLinkInput{
		AffiliateID: f.affiliate.ID,
		ProductID:   f.product.ID,
		LandingURL:  "https://example.com/landing",
	})

	c, rec := f.request(t, http.MethodGet, "/r/"+link.Code, nil, nil)
	c.SetParamNames("code")
	c.SetParamValues(link.Code)
	c.Request().Header.Set("User-Agent", "Mozilla/5.0 (iPad; CPU OS 16_0)")
	c.Request().Header.Set("Referer", "https://blog.example.com/post")

	if err := h.TrackClick(c); err != nil {
		t.Fatalf("TrackClick returned error: %v", err)
	}
	wantStatus(t, rec, http.StatusFound)
	if got := rec.Header().Get("Location"); got != "https://example.com/landing" {
		t.Fatalf("Location = %q, want landing URL", got)
	}

	// Drain the pool so the click insert is visible.
	pool.Stop()

	var clicks []model.Click
	if err := f.db.Find(&clicks).Error; err != nil {
		t.Fatalf("failed to load clicks: %v", err)
	}
	if len(clicks) != 1 {
		t.Fatalf("recorded %d clicks, want 1", len(clicks))
	}
	if clicks[0].DeviceType != model.DeviceTablet {
		t.Errorf("device type = %q, want %q", clicks[0].DeviceType, model.DeviceTablet)
	}
	if clicks[0].Referrer != "https://blog.example.com/post" {
		t.Errorf("referrer = %q", clicks[0].Referrer)
	}
}

func TestTrackClickUnknownCode(t *testing.T) {
	f := newAPIFixture(t)
	h, pool := newTrackingHandler(t, f)
	defer pool.Stop()

	c, rec := f.request(t, http.MethodGet, "/r/nosuchcode", nil, nil)
	c.SetParamNames("code")
	c.SetParamValues("nosuchcode")

	if err := h.TrackClick(c); err != nil {
		t.Fatalf("TrackClick returned error: %v", err)
	}
	wantStatus(t, rec, http.StatusNotFound)
}

func TestTrackClickExpiredLink(t *testing.T) {
	f := newAPIFixture(t)
	h, pool := newTrackingHandler(t, f)

	past := time.Now().Add(-time.Hour)
	link := createLink(t, f, tracking.CreateLinkInput{
		AffiliateID: f.affiliate.ID,
		ProductID:   f.product.ID,
		ExpiresAt:   &past,
	})

	c, rec := f.request(t, http.MethodGet, "/r/"+link.Code, nil, nil)
	c.SetParamNames("code")
	c.SetParamValues(link.Code)

	if err := h.TrackClick(c); err != nil {
		t.Fatalf("TrackClick returned error: %v", err)
	}
	wantStatus(t, rec, http.StatusGone)

	// An expired hit must leave no trace in the click log.
	pool.Stop()
	var count int64
	f.db.Model(&model.Click{}).Count(&count)
	if count != 0 {
		t.Fatalf("expired link recorded %d clicks", count)
	}
}

func TestConvertAsMerchant(t *testing.T) {
	f := newAPIFixture(t)
	h, pool := newTrackingHandler(t, f)
	defer pool.Stop()

	link := createLink(t, f, tracking.CreateLinkInput{
		AffiliateID: f.affiliate.ID,
		ProductID:   f.product.ID,
	})

	body := ConversionRequest{OrderID: "ORD-1", Amount: 50.00}
	c, rec := f.request(t, http.MethodPost, "/api/convert/"+link.Code, body, f.merchant)
	c.SetParamNames("code")
	c.SetParamValues(link.Code)

	if err := h.Convert(c); err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}
	wantStatus(t, rec, http.StatusCreated)

	var conversion model.Conversion
	decodeBody(t, rec, &conversion)
	if conversion.CommissionAmount != 5.00 {
		t.Errorf("commission = %v, want 5.00", conversion.CommissionAmount)
	}
	if conversion.Verified {
		t.Error("new conversion should not be verified")
	}
	if conversion.Currency != "USD" {
		t.Errorf("currency = %q, want USD default", conversion.Currency)
	}
}

func TestConvertRejectsAffiliate(t *testing.T) {
	f := newAPIFixture(t)
	h, pool := newTrackingHandler(t, f)
	defer pool.Stop()

	link := createLink(t, f, tracking.CreateLinkInput{
		AffiliateID: f.affiliate.ID,
		ProductID:   f.product.ID,
	})

	body := ConversionRequest{Amount: 50.00}
	c, rec := f.request(t, http.MethodPost, "/api/convert/"+link.Code, body, f.affiliate)
	c.SetParamNames("code")
	c.SetParamValues(link.Code)

	if err := h.Convert(c); err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}
	wantStatus(t, rec, http.StatusForbidden)
}

func TestConvertValidatesAmount(t *testing.T) {
	f := newAPIFixture(t)
	h, pool := newTrackingHandler(t, f)
	defer pool.Stop()

	link := createLink(t, f, tracking.CreateLinkInput{
		AffiliateID: f.affiliate.ID,
		ProductID:   f.product.ID,
	})

	body := ConversionRequest{Amount: 0}
	c, rec := f.request(t, http.MethodPost, "/api/convert/"+link.Code, body, f.merchant)
	c.SetParamNames("code")
	c.SetParamValues(link.Code)

	if err := h.Convert(c); err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}
	wantStatus(t, rec, http.StatusBadRequest)
}

func TestConvertUnknownCode(t *testing.T) {
	f := newAPIFixture(t)
	h, pool := newTrackingHandler(t, f)
	defer pool.Stop()

	body := ConversionRequest{Amount: 50.00}
	c, rec := f.request(t, http.MethodPost, "/api/convert/missing", body, f.merchant)
	c.SetParamNames("code")
	c.SetParamValues("missing")

	if err := h.Convert(c); err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}
	wantStatus(t, rec, http.StatusNotFound)
}

func TestVerifyConversion(t *testing.T) {
	f := newAPIFixture(t)
	h, pool := newTrackingHandler(t, f)
	defer pool.Stop()

	link := createLink(t, f, tracking.CreateLinkInput{
		AffiliateID: f.affiliate.ID,
		ProductID:   f.product.ID,
	})
	conversion, err := f.svc.RecordConversion(context.Background(), tracking.RecordConversionInput{
		Code:   link.Code,
		Actor:  f.merchant,
		Amount: 30.00,
	})
	if err != nil {
		t.Fatalf("RecordConversion failed: %v", err)
	}

	c, rec := f.request(t, http.MethodPatch, "/api/conversions/1/verify", map[string]bool{"verified": true}, f.merchant)
	c.SetParamNames("id")
	c.SetParamValues(itoa(conversion.ID))

	if err := h.VerifyConversion(c); err != nil {
		t.Fatalf("VerifyConversion returned error: %v", err)
	}
	wantStatus(t, rec, http.StatusOK)

	var updated model.Conversion
	decodeBody(t, rec, &updated)
	if !updated.Verified {
		t.Error("conversion should be verified")
	}
}

func TestListConversionsScopedByRole(t *testing.T) {
	f := newAPIFixture(t)
	h, pool := newTrackingHandler(t, f)
	defer pool.Stop()

	link := createLink(t, f, tracking.CreateLinkInput{
		AffiliateID: f.affiliate.ID,
		ProductID:   f.product.ID,
	})
	if _, err := f.svc.RecordConversion(context.Background(), tracking.RecordConversionInput{
		Code:   link.Code,
		Actor:  f.merchant,
		Amount: 30.00,
	}); err != nil {
		t.Fatalf("RecordConversion failed: %v", err)
	}

	// A merchant with no products sees nothing.
	other := seedUser(t, f.db, "carol", model.RoleMerchant, false)

	cases := []struct {
		name string
		user *model.User
		want int
	}{
		{"affiliate sees own link conversions", f.affiliate, 1},
		{"merchant sees own product conversions", f.merchant, 1},
		{"unrelated merchant sees none", other, 0},
		{"admin sees all", f.admin, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, rec := f.request(t, http.MethodGet, "/api/conversions", nil, tc.user)
			if err := h.ListConversions(c); err != nil {
				t.Fatalf("ListConversions returned error: %v", err)
			}
			wantStatus(t, rec, http.StatusOK)

			var conversions []model.Conversion
			decodeBody(t, rec, &conversions)
			if len(conversions) != tc.want {
				t.Fatalf("got %d conversions, want %d", len(conversions), tc.want)
			}
		})
	}
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
