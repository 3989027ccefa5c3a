// Package tier maps point balances to loyalty tiers.
package tier

import (
	"errors"
	"fmt"
	"strings"

	"connectreward/pkg/errutil"
)

type Tier string

const (
	Bronze   Tier = "bronze"
	Silver   Tier = "silver"
	Gold     Tier = "gold"
	Platinum Tier = "platinum"
)

// Ordered lists tiers from lowest to highest.
var Ordered = [...]Tier{Bronze, Silver, Gold, Platinum}

var ErrInvalidThresholds = errors.New("invalid tier thresholds")

// Rank returns the position of t in Ordered, or -1 for an unknown tier.
func (t Tier) Rank() int {
	for i, o := range Ordered {
		if o == t {
			return i
		}
	}
	return -1
}

func (t Tier) AtLeast(other Tier) bool {
	return t.Rank() >= other.Rank()
}

func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

func (t Tier) String() string {
	return string(t)
}

// Label is the display name, e.g. "Gold".
func (t Tier) Label() string {
	if t == "" {
		return ""
	}
	return strings.ToUpper(string(t[:1])) + string(t[1:])
}

func Parse(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", errutil.ValidationFailed(fmt.Sprintf("unknown tier %q", s), nil)
	}
	return t, nil
}

// Thresholds holds the minimum balance for each tier, indexed like Ordered.
type Thresholds [len(Ordered)]int64

var Default = Thresholds{0, 1000, 3000, 7500}

// Validate rejects sequences that do not start at zero or are not strictly
// increasing.
func (th Thresholds) Validate() error {
	if th[0] != 0 {
		return errutil.ValidationFailed("tier thresholds must start at 0", ErrInvalidThresholds,
			errutil.WithDetails(errutil.Detail{Field: "tier_thresholds[0]", Message: "must be 0"}))
	}
	for i := 1; i < len(th); i++ {
		if th[i] <= th[i-1] {
			field := fmt.Sprintf("tier_thresholds[%d]", i)
			return errutil.ValidationFailed("tier thresholds must be strictly increasing", ErrInvalidThresholds,
				errutil.WithDetails(errutil.Detail{
					Field:   field,
					Message: fmt.Sprintf("must be greater than %d", th[i-1]),
				}))
		}
	}
	return nil
}

// Of returns the highest tier whose threshold is at or below balance.
// Negative balances classify as the lowest tier.
func (th Thresholds) Of(balance int64) Tier {
	idx := th.index(balance)
	return Ordered[idx]
}

func (th Thresholds) index(balance int64) int {
	idx := 0
	for i := 1; i < len(th); i++ {
		if balance >= th[i] {
			idx = i
		}
	}
	return idx
}

// Next returns the tier above balance's tier and the points still missing.
// ok is false at the top tier.
func (th Thresholds) Next(balance int64) (next Tier, pointsNeeded int64, ok bool) {
	idx := th.index(balance)
	if idx == len(Ordered)-1 {
		return "", 0, false
	}
	if balance < 0 {
		balance = 0
	}
	return Ordered[idx+1], th[idx+1] - balance, true
}

// Progress is the percentage of the current tier band already covered, in
// [0, 100]. The top tier always reports 100.
func (th Thresholds) Progress(balance int64) float64 {
	idx := th.index(balance)
	if idx == len(Ordered)-1 {
		return 100
	}
	if balance < 0 {
		balance = 0
	}

	lo, hi := th[idx], th[idx+1]
	pct := float64(balance-lo) / float64(hi-lo) * 100
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}

func TierOf(balance int64) Tier {
	return Default.Of(balance)
}

func NextTier(balance int64) (Tier, int64, bool) {
	return Default.Next(balance)
}

func ProgressPercent(balance int64) float64 {
	return Default.Progress(balance)
}

// Summary is the read model returned alongside a balance.
type Summary struct {
	Tier            Tier    `json:"tier"`
	NextTier        Tier    `json:"next_tier,omitempty"`
	PointsToNext    int64   `json:"points_to_next,omitempty"`
	ProgressPercent float64 `json:"progress_percent"`
}

func (th Thresholds) Summarize(balance int64) Summary {
	s := Summary{
		Tier:            th.Of(balance),
		ProgressPercent: th.Progress(balance),
	}
	if next, need, ok := th.Next(balance); ok {
		s.NextTier = next
		s.PointsToNext = need
	}
	return s
}
