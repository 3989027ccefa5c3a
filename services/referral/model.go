package referral

import (
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusContacted Status = "contacted"
	StatusQuoted    Status = "quoted"
	StatusWon       Status = "won"
	StatusLost      Status = "lost"
	StatusExpired   Status = "expired"
)

// transitions lists every allowed move. Open referrals may skip ahead along
// the pipeline or close as lost or expired; terminal states have no exits.
var transitions = map[Status][]Status{
	StatusPending:   {StatusContacted, StatusQuoted, StatusWon, StatusLost, StatusExpired},
	StatusContacted: {StatusQuoted, StatusWon, StatusLost, StatusExpired},
	StatusQuoted:    {StatusWon, StatusLost, StatusExpired},
	StatusWon:       nil,
	StatusLost:      nil,
	StatusExpired:   nil,
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransition reports whether a referral in status from may move to to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Label() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusContacted:
		return "Contacted"
	case StatusQuoted:
		return "Quoted"
	case StatusWon:
		return "Complete"
	case StatusLost:
		return "Lost"
	case StatusExpired:
		return "Expired"
	}
	return string(s)
}

// Referral is a lead submitted by a customer. PointsAwarded is zero until the
// referral is won and is never changed afterwards.
type Referral struct {
	ID                string     `gorm:"column:id;primaryKey" json:"id"`
	TenantID          string     `gorm:"column:tenant_id;index;not null" json:"tenant_id"`
	ReferrerAccountID string     `gorm:"column:referrer_account_id;index;not null" json:"referrer_account_id"`
	RefereeName       string     `gorm:"column:referee_name;not null" json:"referee_name"`
	RefereeEmail      string     `gorm:"column:referee_email" json:"referee_email,omitempty"`
	RefereePhone      string     `gorm:"column:referee_phone" json:"referee_phone,omitempty"`
	ServiceID         string     `gorm:"column:service_id" json:"service_id,omitempty"`
	Notes             string     `gorm:"column:notes" json:"notes,omitempty"`
	Status            Status     `gorm:"column:status;type:varchar(16);index;not null" json:"status"`
	PointsAwarded     int64      `gorm:"column:points_awarded;not null;default:0" json:"points_awarded"`
	WonAt             *time.Time `gorm:"column:won_at" json:"won_at,omitempty"`
	CreatedAt         time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func Models() []any {
	return []any{&Referral{}}
}
