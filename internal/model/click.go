package model

import (
	"time"
)

// DeviceType is the device classification derived from the user agent.
type DeviceType string

const (
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceDesktop DeviceType = "desktop"
	DeviceUnknown DeviceType = "unknown"
)

// Click is an append-only record of a visit through a tracking link.
// Clicks are never updated or deleted by normal flow; they go away only
// when their link is deleted (cascade).
type Click struct {
	ID         uint           `json:"id" gorm:"primaryKey"`
	LinkID     uint           `json:"link_id" gorm:"index;not null"`
	Link       *AffiliateLink `json:"link,omitempty" gorm:"foreignKey:LinkID;constraint:OnDelete:CASCADE"`
	IPAddress  string         `json:"ip_address" gorm:"type:varchar(64)"`
	UserAgent  string         `json:"user_agent" gorm:"type:varchar(1024)"`
	Referrer   string         `json:"referrer" gorm:"type:varchar(1024)"`
	DeviceType DeviceType     `json:"device_type" gorm:"type:varchar(16);index"`
	Country    string         `json:"country,omitempty" gorm:"type:varchar(64)"`
	CreatedAt  time.Time      `json:"created_at" gorm:"index"`
}

// ClickEvent is the lightweight payload passed to the click worker
// pool. The visitor's redirect never waits on the insert built from it.
type ClickEvent struct {
	LinkID     uint
	IPAddress  string
	UserAgent  string
	Referrer   string
	DeviceType DeviceType
	Country    string
	OccurredAt time.Time
}
