package model

import (
	"time"
)

// Conversion is a purchase attributed to a tracking link. The
// commission amount is snapshotted from the product's rate at creation
// time and never recomputed; only the verified flag may change
// afterwards.
type Conversion struct {
	ID               uint           `json:"id" gorm:"primaryKey"`
	LinkID           uint           `json:"link_id" gorm:"index;not null"`
	Link             *AffiliateLink `json:"link,omitempty" gorm:"foreignKey:LinkID;constraint:OnDelete:CASCADE"`
	ClickID          *uint          `json:"click_id,omitempty" gorm:"index"`
	Click            *Click         `json:"click,omitempty" gorm:"foreignKey:ClickID;constraint:OnDelete:SET NULL"`
	OrderID          string         `json:"order_id,omitempty" gorm:"type:varchar(100)"`
	Amount           float64        `json:"amount" gorm:"not null"`
	Currency         string         `json:"currency" gorm:"type:varchar(3);default:'USD'"`
	CommissionAmount float64        `json:"commission_amount" gorm:"not null"`
	Verified         bool           `json:"verified" gorm:"default:false"`
	Notes            string         `json:"notes,omitempty" gorm:"type:text"`
	CreatedAt        time.Time      `json:"created_at" gorm:"index"`
}
