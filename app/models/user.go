package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	STATUS_ACTIVE   = "active"
	STATUS_INACTIVE = "inactive"
	STATUS_DISABLED = "disabled"
)

// Membership tiers as stored on the user row.
const (
	MembershipFree         = "free"
	MembershipBasic        = "basic"
	MembershipProfessional = "professional"
)

// User is owned by the account service. Billing only reads the identity
// columns and writes the two membership columns.
type User struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	Name             string     `gorm:"type:varchar(150)" json:"name" validate:"max=150"`
	Phone            string     `gorm:"type:varchar(32);index" json:"-"`
	Status           string     `gorm:"type:varchar(50);default:'active'" json:"status" validate:"oneof=active inactive disabled"`
	MembershipTier   string     `gorm:"type:varchar(20);not null;default:'free';index:idx_users_membership,priority:1" json:"membership_tier" validate:"oneof=free basic professional"`
	MembershipExpiry *time.Time `gorm:"type:timestamp;default:null;index:idx_users_membership,priority:2" json:"membership_expiry,omitempty"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

// HasPaidTier reports whether the user currently carries a non-free tier,
// regardless of whether it has lapsed.
func (u *User) HasPaidTier() bool {
	return u.MembershipTier != "" && u.MembershipTier != MembershipFree
}
