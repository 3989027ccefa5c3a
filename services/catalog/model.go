package catalog

import (
	"time"

	"connectreward/services/tier"
)

// Service is a tenant's offering. A referral linked to it is worth
// PointsValue when won.
type Service struct {
	ID          string    `gorm:"column:id;primaryKey" json:"id"`
	TenantID    string    `gorm:"column:tenant_id;index;not null" json:"tenant_id"`
	Name        string    `gorm:"column:name;not null" json:"name"`
	PointsValue int64     `gorm:"column:points_value;not null" json:"points_value"`
	Active      bool      `gorm:"column:active;not null" json:"active"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// Reward is a catalog item customers redeem points for. A nil QuantityLeft
// means unlimited stock.
type Reward struct {
	ID           string    `gorm:"column:id;primaryKey" json:"id"`
	TenantID     string    `gorm:"column:tenant_id;index;not null" json:"tenant_id"`
	Name         string    `gorm:"column:name;not null" json:"name"`
	Description  string    `gorm:"column:description" json:"description,omitempty"`
	PointsCost   int64     `gorm:"column:points_cost;not null" json:"points_cost"`
	MinTier      tier.Tier `gorm:"column:min_tier;type:varchar(16);not null" json:"min_tier"`
	Active       bool      `gorm:"column:active;not null" json:"active"`
	QuantityLeft *int64    `gorm:"column:quantity_left" json:"quantity_left,omitempty"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at" json:"updated_at"`
}

type RedemptionStatus string

const (
	RedemptionPending   RedemptionStatus = "pending"
	RedemptionFulfilled RedemptionStatus = "fulfilled"
	RedemptionCancelled RedemptionStatus = "cancelled"
)

type Redemption struct {
	ID         string           `gorm:"column:id;primaryKey" json:"id"`
	TenantID   string           `gorm:"column:tenant_id;index;not null" json:"tenant_id"`
	AccountID  string           `gorm:"column:account_id;index;not null" json:"account_id"`
	RewardID   string           `gorm:"column:reward_id;index;not null" json:"reward_id"`
	Code       string           `gorm:"column:code;uniqueIndex" json:"code"`
	PointsCost int64            `gorm:"column:points_cost;not null" json:"points_cost"`
	Status     RedemptionStatus `gorm:"column:status;type:varchar(16);not null" json:"status"`
	EntryID    string           `gorm:"column:entry_id" json:"entry_id"`
	CreatedAt  time.Time        `gorm:"column:created_at" json:"created_at"`
}

type TeamMember struct {
	ID        string    `gorm:"column:id;primaryKey" json:"id"`
	TenantID  string    `gorm:"column:tenant_id;uniqueIndex:idx_team_member_email,priority:1;not null" json:"tenant_id"`
	Email     string    `gorm:"column:email;uniqueIndex:idx_team_member_email,priority:2;not null" json:"email"`
	Name      string    `gorm:"column:name" json:"name,omitempty"`
	Role      string    `gorm:"column:role;not null" json:"role"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

func Models() []any {
	return []any{&Service{}, &Reward{}, &Redemption{}, &TeamMember{}}
}
