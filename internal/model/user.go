package model

import (
	"time"
)

// Role is the closed set of user roles. Authorization points switch on
// this type exhaustively; an unknown role always denies.
type Role string

const (
	RoleAffiliate Role = "affiliate"
	RoleMerchant  Role = "merchant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAffiliate, RoleMerchant:
		return true
	}
	return false
}

// User represents a platform account. Affiliates promote products and
// earn commission; merchants own products and record conversions.
type User struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	Username   string    `json:"username" gorm:"type:varchar(150);uniqueIndex;not null"`
	Email      string    `json:"email" gorm:"type:varchar(100);uniqueIndex;not null"`
	Password   string    `json:"-" gorm:"type:varchar(255);not null"`
	Role       Role      `json:"role" gorm:"type:varchar(20);not null;index"`
	IsAdmin    bool      `json:"is_admin" gorm:"default:false"`
	IsVerified bool      `json:"is_verified" gorm:"default:false"`
	Phone      string    `json:"phone,omitempty" gorm:"type:varchar(20)"`
	Bio        string    `json:"bio,omitempty" gorm:"type:text"`
	Website    string    `json:"website,omitempty" gorm:"type:varchar(255)"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
