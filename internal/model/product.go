package model

import (
	"time"
)

// Category groups products for browsing and filtering.
type Category struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	Name        string    `json:"name" gorm:"type:varchar(100);uniqueIndex;not null"`
	Description string    `json:"description" gorm:"type:text"`
	IsActive    bool      `json:"is_active" gorm:"default:true"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Product is an item a merchant offers for affiliate promotion. The
// commission amount is always computed from the current price and rate,
// never stored.
type Product struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	Name           string    `json:"name" gorm:"type:varchar(200);not null"`
	Description    string    `json:"description" gorm:"type:text"`
	Price          float64   `json:"price" gorm:"not null"`
	CategoryID     *uint     `json:"category_id,omitempty" gorm:"index"`
	Category       *Category `json:"category,omitempty" gorm:"foreignKey:CategoryID;constraint:OnDelete:SET NULL"`
	MerchantID     uint      `json:"merchant_id" gorm:"index;not null"`
	Merchant       *User     `json:"merchant,omitempty" gorm:"foreignKey:MerchantID;constraint:OnDelete:CASCADE"`
	CommissionRate float64   `json:"commission_rate" gorm:"not null;default:10"`
	ImageURL       string    `json:"image_url,omitempty" gorm:"type:varchar(500)"`
	ExternalURL    string    `json:"external_url,omitempty" gorm:"type:varchar(500)"`
	SKU            string    `json:"sku,omitempty" gorm:"type:varchar(100)"`
	IsActive       bool      `json:"is_active" gorm:"default:true;index"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CommissionAmount is the commission owed per sale at the current price
// and rate.
func (p *Product) CommissionAmount() float64 {
	return p.Price * p.CommissionRate / 100
}
