// Package tracking implements the click-to-conversion attribution
// core: affiliate link issuance, click resolution, and commission
// recording.
package tracking

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/Sreyas62/AffiHub/internal/apperr"
	"github.com/Sreyas62/AffiHub/internal/model"
	"github.com/Sreyas62/AffiHub/internal/useragent"
)

// codeBytes sets the entropy of generated link codes: 16 random bytes
// encode to 22 base64url characters.
const codeBytes = 16

// createRetries bounds code-collision retries on insert.
const createRetries = 3

// defaultQueryTimeout bounds storage calls when no explicit timeout is
// configured.
const defaultQueryTimeout = 5 * time.Second

// Service holds the attribution business logic over the durable store.
// Every storage call is bounded by queryTimeout; a deadline hit
// surfaces as a retryable unavailable error, never an indefinite hang.
type Service struct {
	db           *gorm.DB
	queryTimeout time.Duration
}

// NewService creates a tracking Service backed by db. queryTimeout
// bounds each storage operation; zero selects the default.
func NewService(db *gorm.DB, queryTimeout time.Duration) *Service {
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &Service{db: db, queryTimeout: queryTimeout}
}

// opCtx derives the bounded context used for a single operation.
func (s *Service) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

// GenerateCode returns a new URL-safe, unguessable link code.
func GenerateCode() (string, error) {
	buf := make([]byte, codeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate link code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// CreateLinkInput carries the affiliate's link creation request.
type CreateLinkInput struct {
	AffiliateID uint
	ProductID   uint
	CustomSlug  string
	LandingURL  string
	ExpiresAt   *time.Time
}

// CreateLink issues a new affiliate link for an active product. At most
// one link may exist per (affiliate, product) pair; the composite
// unique index is the authority, so concurrent creators resolve
// deterministically no matter what the pre-check saw.
func (s *Service) CreateLink(ctx context.Context, in CreateLinkInput) (*model.AffiliateLink, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var product model.Product
	if err := s.db.WithContext(ctx).First(&product, in.ProductID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("product not found")
		}
		return nil, storeError("failed to load product", err)
	}

	if !product.IsActive {
		return nil, apperr.Validation("cannot create links for inactive products")
	}

	// Pre-check for a friendly error on the common path. The unique
	// index below still decides races.
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.AffiliateLink{}).
		Where("affiliate_id = ? AND product_id = ?", in.AffiliateID, in.ProductID).
		Count(&count).Error; err != nil {
		return nil, storeError("failed to check existing links", err)
	}
	if count > 0 {
		return nil, apperr.Conflict("an affiliate link already exists for this product")
	}

	for attempt := 0; attempt < createRetries; attempt++ {
		code, err := GenerateCode()
		if err != nil {
			return nil, err
		}

		link := &model.AffiliateLink{
			Code:        code,
			AffiliateID: in.AffiliateID,
			ProductID:   in.ProductID,
			CustomSlug:  in.CustomSlug,
			LandingURL:  in.LandingURL,
			ExpiresAt:   in.ExpiresAt,
			IsActive:    true,
		}

		err = s.db.WithContext(ctx).Create(link).Error
		if err == nil {
			link.Product = &product
			return link, nil
		}
		if !IsDuplicateKey(err) {
			return nil, storeError("failed to create affiliate link", err)
		}

		// Duplicate key: either we lost a race on the (affiliate,
		// product) pair, or the fresh code collided. Re-check the pair
		// to tell the two apart; a code collision just retries.
		var again int64
		if checkErr := s.db.WithContext(ctx).Model(&model.AffiliateLink{}).
			Where("affiliate_id = ? AND product_id = ?", in.AffiliateID, in.ProductID).
			Count(&again).Error; checkErr == nil && again > 0 {
			return nil, apperr.Conflict("an affiliate link already exists for this product")
		}
	}

	return nil, apperr.Unavailable("failed to generate a unique link code", nil)
}

// ResolveLink looks up a link by its public code, with its product
// preloaded. Resolution is anonymous; no owner check happens here.
func (s *Service) ResolveLink(ctx context.Context, code string) (*model.AffiliateLink, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var link model.AffiliateLink
	err := s.db.WithContext(ctx).Preload("Product").Where("code = ?", code).First(&link).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("affiliate link not found")
		}
		return nil, storeError("failed to resolve link", err)
	}
	return &link, nil
}

// ClickResolution is the outcome of resolving a tracking code for a
// visitor: where to send them, and the click event to persist.
type ClickResolution struct {
	Link        *model.AffiliateLink
	RedirectURL string
	Event       model.ClickEvent
}

// ResolveClick validates a visitor hit on a tracking code and derives
// the click metadata. It performs no writes: the caller enqueues the
// returned event and redirects regardless of whether the insert
// later succeeds.
func (s *Service) ResolveClick(ctx context.Context, code, ipAddress, userAgent, referrer string) (*ClickResolution, error) {
	link, err := s.ResolveLink(ctx, code)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if !link.IsActive || link.Expired(now) {
		return nil, apperr.Expired("this affiliate link is no longer active")
	}

	res := &ClickResolution{
		Link:        link,
		RedirectURL: redirectTarget(link),
		Event: model.ClickEvent{
			LinkID:     link.ID,
			IPAddress:  ipAddress,
			UserAgent:  userAgent,
			Referrer:   referrer,
			DeviceType: useragent.DetectDevice(userAgent),
			OccurredAt: now,
		},
	}
	return res, nil
}

// redirectTarget applies the redirect precedence: link landing URL,
// then product external URL, then the internal product page.
func redirectTarget(link *model.AffiliateLink) string {
	if link.LandingURL != "" {
		return link.LandingURL
	}
	if link.Product != nil && link.Product.ExternalURL != "" {
		return link.Product.ExternalURL
	}
	return fmt.Sprintf("/api/products/%d", link.ProductID)
}

// RecordClick persists a click event. Pure insert, no read-modify-write,
// so concurrent clicks on the same link never contend.
func (s *Service) RecordClick(ctx context.Context, ev model.ClickEvent) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	click := &model.Click{
		LinkID:     ev.LinkID,
		IPAddress:  ev.IPAddress,
		UserAgent:  ev.UserAgent,
		Referrer:   ev.Referrer,
		DeviceType: ev.DeviceType,
		Country:    ev.Country,
		CreatedAt:  ev.OccurredAt,
	}
	if err := s.db.WithContext(ctx).Create(click).Error; err != nil {
		return storeError("failed to record click", err)
	}
	return nil
}

// RecordConversionInput carries a merchant's conversion report.
type RecordConversionInput struct {
	Code     string
	Actor    *model.User
	ClickID  *uint
	OrderID  string
	Amount   float64
	Currency string
	Notes    string
}

// RecordConversion records a purchase against a link. The commission is
// snapshotted from the product's rate at this instant and never
// recomputed, even if the rate changes later.
func (s *Service) RecordConversion(ctx context.Context, in RecordConversionInput) (*model.Conversion, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	link, err := s.ResolveLink(ctx, in.Code)
	if err != nil {
		return nil, err
	}
	if !link.IsActive {
		// For conversions an inactive link behaves as absent; only the
		// click path distinguishes expired from unknown.
		return nil, apperr.NotFound("affiliate link not found")
	}

	if err := authorizeMerchantAction(in.Actor, link); err != nil {
		return nil, err
	}

	if in.Amount <= 0 {
		return nil, apperr.Validation("conversion amount must be greater than 0")
	}

	if in.ClickID != nil {
		var click model.Click
		if err := s.db.WithContext(ctx).First(&click, *in.ClickID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperr.Validation("originating click not found")
			}
			return nil, storeError("failed to load click", err)
		}
		if click.LinkID != link.ID {
			return nil, apperr.Validation("originating click does not belong to this link")
		}
	}

	currency := in.Currency
	if currency == "" {
		currency = "USD"
	}

	conversion := &model.Conversion{
		LinkID:           link.ID,
		ClickID:          in.ClickID,
		OrderID:          in.OrderID,
		Amount:           in.Amount,
		Currency:         currency,
		CommissionAmount: in.Amount * link.Product.CommissionRate / 100,
		Verified:         false,
		Notes:            in.Notes,
	}

	if err := s.db.WithContext(ctx).Create(conversion).Error; err != nil {
		return nil, storeError("failed to record conversion", err)
	}
	conversion.Link = link
	return conversion, nil
}

// SetConversionVerified flips the verified flag on a conversion. Only
// the product's merchant or an admin may do so.
func (s *Service) SetConversionVerified(ctx context.Context, conversionID uint, actor *model.User, verified bool) (*model.Conversion, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var conversion model.Conversion
	err := s.db.WithContext(ctx).Preload("Link.Product").First(&conversion, conversionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("conversion not found")
		}
		return nil, storeError("failed to load conversion", err)
	}

	if err := authorizeMerchantAction(actor, conversion.Link); err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Model(&conversion).Update("verified", verified).Error; err != nil {
		return nil, storeError("failed to update conversion", err)
	}
	conversion.Verified = verified
	return &conversion, nil
}

// DeactivateLink stops further click resolution for a link's code.
// Historical clicks and conversions remain untouched.
func (s *Service) DeactivateLink(ctx context.Context, linkID uint, actor *model.User) (*model.AffiliateLink, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	link, err := s.ownedLink(ctx, linkID, actor)
	if err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Model(link).Update("is_active", false).Error; err != nil {
		return nil, storeError("failed to deactivate link", err)
	}
	link.IsActive = false
	return link, nil
}

// UpdateLinkInput carries the mutable link fields. The code, affiliate
// and product are immutable for a link's lifetime; nil fields are left
// unchanged.
type UpdateLinkInput struct {
	CustomSlug *string
	LandingURL *string
	ExpiresAt  *time.Time
	IsActive   *bool
}

// UpdateLink edits a link's presentation fields. Owner or admin only.
func (s *Service) UpdateLink(ctx context.Context, linkID uint, actor *model.User, in UpdateLinkInput) (*model.AffiliateLink, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	link, err := s.ownedLink(ctx, linkID, actor)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if in.CustomSlug != nil {
		updates["custom_slug"] = *in.CustomSlug
		link.CustomSlug = *in.CustomSlug
	}
	if in.LandingURL != nil {
		updates["landing_url"] = *in.LandingURL
		link.LandingURL = *in.LandingURL
	}
	if in.ExpiresAt != nil {
		updates["expires_at"] = *in.ExpiresAt
		link.ExpiresAt = in.ExpiresAt
	}
	if in.IsActive != nil {
		updates["is_active"] = *in.IsActive
		link.IsActive = *in.IsActive
	}
	if len(updates) == 0 {
		return link, nil
	}

	if err := s.db.WithContext(ctx).Model(link).Updates(updates).Error; err != nil {
		return nil, storeError("failed to update link", err)
	}
	return link, nil
}

// DeleteLink removes a link. The schema cascades the delete to its
// clicks and conversions; this is deliberate and mirrors the constraint
// declarations on those models.
func (s *Service) DeleteLink(ctx context.Context, linkID uint, actor *model.User) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	link, err := s.ownedLink(ctx, linkID, actor)
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Delete(link).Error; err != nil {
		return storeError("failed to delete link", err)
	}
	return nil
}

// GetLink loads a link by id for its owner or an admin. Expired and
// inactive links stay retrievable here for management.
func (s *Service) GetLink(ctx context.Context, linkID uint, actor *model.User) (*model.AffiliateLink, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return s.ownedLink(ctx, linkID, actor)
}

// ownedLink loads a link and verifies the actor may manage it.
func (s *Service) ownedLink(ctx context.Context, linkID uint, actor *model.User) (*model.AffiliateLink, error) {
	var link model.AffiliateLink
	err := s.db.WithContext(ctx).Preload("Product").First(&link, linkID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("affiliate link not found")
		}
		return nil, storeError("failed to load link", err)
	}

	if actor.IsAdmin {
		return &link, nil
	}
	switch actor.Role {
	case model.RoleAffiliate:
		if link.AffiliateID == actor.ID {
			return &link, nil
		}
	case model.RoleMerchant:
		// Merchants do not manage affiliate links, not even for their
		// own products.
	}
	return nil, apperr.Permission("you can only manage your own affiliate links")
}

// authorizeMerchantAction checks that actor may record or verify
// conversions for the given link's product.
func authorizeMerchantAction(actor *model.User, link *model.AffiliateLink) error {
	if actor == nil {
		return apperr.Permission("authentication required")
	}
	if actor.IsAdmin {
		return nil
	}
	switch actor.Role {
	case model.RoleMerchant:
		if link != nil && link.Product != nil && link.Product.MerchantID == actor.ID {
			return nil
		}
	case model.RoleAffiliate:
		// Affiliates never record conversions.
	}
	return apperr.Permission("only the product's merchant can perform this action")
}

// IsDuplicateKey reports whether err is a unique-constraint violation
// from either supported driver.
func IsDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// storeError classifies a storage failure: deadline/cancellation
// surfaces as a retryable Unavailable, anything else is wrapped as-is
// for the 500 path.
func storeError(msg string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Unavailable(msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
