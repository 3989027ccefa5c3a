package notification

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindReferralUpdate Kind = "referral_update"
	KindAchievement    Kind = "achievement"
	KindRewardEarned   Kind = "reward_earned"
	KindRedemption     Kind = "redemption"
	KindPointsExpired  Kind = "points_expired"
	KindTierChange     Kind = "tier_change"
)

// Event is one ledger-affecting outcome worth telling the account holder
// about. ID is stable across redeliveries of the same event.
type Event struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	AccountID string    `json:"account_id"`
	Amount    int64     `json:"amount"`
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func NewEvent(tenantID, accountID string, amount int64, kind Kind, title, body string) Event {
	return Event{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		AccountID: accountID,
		Amount:    amount,
		Kind:      kind,
		Title:     title,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
}

// Notification is the stored copy of an Event, read by the delivery side.
type Notification struct {
	ID        string     `gorm:"column:id;primaryKey" json:"id"`
	TenantID  string     `gorm:"column:tenant_id;index;not null" json:"tenant_id"`
	AccountID string     `gorm:"column:account_id;index;not null" json:"account_id"`
	Kind      Kind       `gorm:"column:kind;type:varchar(32);not null" json:"kind"`
	Amount    int64      `gorm:"column:amount" json:"amount"`
	Title     string     `gorm:"column:title" json:"title"`
	Body      string     `gorm:"column:body" json:"body"`
	ReadAt    *time.Time `gorm:"column:read_at" json:"read_at,omitempty"`
	CreatedAt time.Time  `gorm:"column:created_at" json:"created_at"`
}

func Models() []any {
	return []any{&Notification{}}
}
