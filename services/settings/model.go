package settings

import (
	"fmt"
	"time"

	"connectreward/pkg/errutil"
	"connectreward/services/ledger"
	"connectreward/services/plan"
	"connectreward/services/tier"

	"gorm.io/datatypes"
)

const (
	DefaultPointsPerReferral  int64 = 500
	DefaultMilestoneBonus     int64 = 500
	DefaultMilestoneThreshold int64 = 5
	DefaultReviewPoints       int64 = 25
	DefaultPhotoReviewBonus   int64 = 10
)

// AllowedExpirationMonths lists the accepted points_expiration_months values.
// Zero means points never expire.
var AllowedExpirationMonths = []int{0, 6, 12, 24}

type Tenant struct {
	ID        string                             `gorm:"column:id;primaryKey" json:"id"`
	Name      string                             `gorm:"column:name;not null" json:"name"`
	Plan      plan.Plan                          `gorm:"column:plan;type:varchar(16);not null;default:'free'" json:"plan"`
	Settings  datatypes.JSONType[TenantSettings] `gorm:"column:settings" json:"settings"`
	CreatedAt time.Time                          `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time                          `gorm:"column:updated_at" json:"updated_at"`
}

// TenantSettings is the per-tenant award configuration. It is validated on
// write and handed to the award code by value.
type TenantSettings struct {
	PointsPerReferral      int64            `json:"points_per_referral"`
	MilestoneBonus         int64            `json:"milestone_bonus"`
	MilestoneThreshold     int64            `json:"milestone_threshold"`
	ReviewPoints           int64            `json:"review_points"`
	PhotoReviewBonus       int64            `json:"photo_review_bonus"`
	PointsExpirationMonths int              `json:"points_expiration_months"`
	TierThresholds         *tier.Thresholds `json:"tier_thresholds,omitempty"`
}

func Defaults() TenantSettings {
	return TenantSettings{
		PointsPerReferral:  DefaultPointsPerReferral,
		MilestoneBonus:     DefaultMilestoneBonus,
		MilestoneThreshold: DefaultMilestoneThreshold,
		ReviewPoints:       DefaultReviewPoints,
		PhotoReviewBonus:   DefaultPhotoReviewBonus,
	}
}

func (s TenantSettings) Validate() error {
	var details []errutil.Detail
	nonNegative := map[string]int64{
		"points_per_referral": s.PointsPerReferral,
		"milestone_bonus":     s.MilestoneBonus,
		"milestone_threshold": s.MilestoneThreshold,
		"review_points":       s.ReviewPoints,
		"photo_review_bonus":  s.PhotoReviewBonus,
	}
	for _, field := range []string{"points_per_referral", "milestone_bonus", "milestone_threshold", "review_points", "photo_review_bonus"} {
		if nonNegative[field] < 0 {
			details = append(details, errutil.Detail{Field: field, Message: "must not be negative"})
		}
	}

	allowed := false
	for _, m := range AllowedExpirationMonths {
		if s.PointsExpirationMonths == m {
			allowed = true
			break
		}
	}
	if !allowed {
		details = append(details, errutil.Detail{
			Field:   "points_expiration_months",
			Message: fmt.Sprintf("must be one of %v", AllowedExpirationMonths),
		})
	}

	if len(details) > 0 {
		return ledger.ValidationError("invalid tenant settings", details...)
	}

	if s.TierThresholds != nil {
		return s.TierThresholds.Validate()
	}
	return nil
}

func (s TenantSettings) Thresholds() tier.Thresholds {
	if s.TierThresholds == nil {
		return tier.Default
	}
	return *s.TierThresholds
}

// MilestoneReached reports whether the wonCount-th completed referral earns
// the milestone bonus.
func (s TenantSettings) MilestoneReached(wonCount int64) bool {
	return s.MilestoneThreshold > 0 && s.MilestoneBonus > 0 && wonCount > 0 && wonCount%s.MilestoneThreshold == 0
}

// ExpiryCutoff returns the creation time before which credits expire, and
// false when the tenant never expires points.
func (s TenantSettings) ExpiryCutoff(now time.Time) (time.Time, bool) {
	if s.PointsExpirationMonths <= 0 {
		return time.Time{}, false
	}
	return now.AddDate(0, -s.PointsExpirationMonths, 0), true
}

func Models() []any {
	return []any{&Tenant{}}
}
