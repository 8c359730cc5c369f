package model

import (
	"time"
)

// AffiliateLink is a trackable referral link. The code is the public
// token visitors hit; it is generated server-side and never
// client-supplied. At most one link exists per (affiliate, product)
// pair, enforced by the composite unique index.
type AffiliateLink struct {
	ID          uint       `json:"id" gorm:"primaryKey"`
	Code        string     `json:"code" gorm:"type:varchar(32);uniqueIndex;not null"`
	AffiliateID uint       `json:"affiliate_id" gorm:"not null;uniqueIndex:idx_links_affiliate_product"`
	Affiliate   *User      `json:"affiliate,omitempty" gorm:"foreignKey:AffiliateID;constraint:OnDelete:CASCADE"`
	ProductID   uint       `json:"product_id" gorm:"not null;uniqueIndex:idx_links_affiliate_product"`
	Product     *Product   `json:"product,omitempty" gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE"`
	CustomSlug  string     `json:"custom_slug,omitempty" gorm:"type:varchar(100)"`
	LandingURL  string     `json:"landing_url,omitempty" gorm:"type:varchar(500)"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	IsActive    bool       `json:"is_active" gorm:"default:true"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Expired reports whether the link's expiry, if set, has passed.
func (l *AffiliateLink) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}
