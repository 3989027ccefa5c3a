package plan

import (
	"fmt"
	"strings"

	"connectreward/pkg/errutil"
)

type Plan string

const (
	Free    Plan = "free"
	Starter Plan = "starter"
	Growth  Plan = "growth"
	Pro     Plan = "pro"
)

type Resource string

const (
	Customers   Resource = "customers"
	Rewards     Resource = "rewards"
	Referrals   Resource = "referrals"
	TeamMembers Resource = "team_members"
)

// Unlimited marks a limit that never trips.
const Unlimited int64 = -1

var limits = map[Plan]map[Resource]int64{
	Free: {
		Customers:   50,
		Rewards:     3,
		Referrals:   25,
		TeamMembers: 1,
	},
	Starter: {
		Customers:   200,
		Rewards:     10,
		Referrals:   100,
		TeamMembers: 3,
	},
	Growth: {
		Customers:   1000,
		Rewards:     25,
		Referrals:   500,
		TeamMembers: 10,
	},
	Pro: {
		Customers:   Unlimited,
		Rewards:     Unlimited,
		Referrals:   Unlimited,
		TeamMembers: Unlimited,
	},
}

func (p Plan) Valid() bool {
	_, ok := limits[p]
	return ok
}

func Parse(s string) (Plan, error) {
	p := Plan(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", errutil.ValidationFailed(fmt.Sprintf("unknown plan %q", s), nil)
	}
	return p, nil
}

// Limit returns the configured limit for resource on plan. Unknown plans
// fall back to the free plan.
func Limit(p Plan, r Resource) int64 {
	table, ok := limits[p]
	if !ok {
		table = limits[Free]
	}
	limit, ok := table[r]
	if !ok {
		return Unlimited
	}
	return limit
}

// IsAtLimit reports whether count already uses up the plan's allowance, so
// creating one more resource must be refused.
func IsAtLimit(p Plan, r Resource, count int64) bool {
	limit := Limit(p, r)
	if limit == Unlimited {
		return false
	}
	return count >= limit
}

// CanRedeem reports whether customers of a tenant on p may redeem rewards.
func CanRedeem(p Plan) bool {
	return p.Valid() && p != Free
}
