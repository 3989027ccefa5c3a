package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"connectreward/pkg/db/pagination"
	"connectreward/pkg/errutil"
	"connectreward/services/award"
	"connectreward/services/catalog"
	"connectreward/services/ledger"
	"connectreward/services/plan"
	"connectreward/services/referral"
	"connectreward/services/settings"
	"connectreward/services/tier"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

type Handler struct {
	settings  *settings.Service
	catalog   *catalog.Catalog
	referrals *referral.Service
	engine    *award.Engine
	projector *ledger.Projector
}

type HandlerParams struct {
	fx.In
	Settings  *settings.Service
	Catalog   *catalog.Catalog
	Referrals *referral.Service
	Engine    *award.Engine
	Projector *ledger.Projector
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		settings:  p.Settings,
		catalog:   p.Catalog,
		referrals: p.Referrals,
		engine:    p.Engine,
		projector: p.Projector,
	}
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return false
	}
	return true
}

func respond(c *gin.Context, code int, v any, err error) {
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(code, v)
}

type BalanceResponse struct {
	AccountID     string    `json:"account_id"`
	TenantID      string    `json:"tenant_id"`
	Balance       int64     `json:"balance"`
	Tier          tier.Tier `json:"tier"`
	NextTier      tier.Tier `json:"next_tier,omitempty"`
	PointsToNext  int64     `json:"points_to_next"`
	ProgressPct   float64   `json:"progress_percent"`
	LedgerVersion int64     `json:"version"`
}

func (h *Handler) CreateTenant(c *gin.Context) {
	var req settings.CreateTenantParams
	if !bind(c, &req) {
		return
	}
	t, err := h.settings.CreateTenant(c.Request.Context(), req)
	respond(c, http.StatusCreated, t, err)
}

func (h *Handler) GetSettings(c *gin.Context) {
	ts, err := h.settings.GetSettings(c.Request.Context(), c.Param("tenant_id"))
	respond(c, http.StatusOK, ts, err)
}

func (h *Handler) UpdateSettings(c *gin.Context) {
	var req settings.TenantSettings
	if !bind(c, &req) {
		return
	}
	ts, err := h.settings.UpdateSettings(c.Request.Context(), c.Param("tenant_id"), req)
	respond(c, http.StatusOK, ts, err)
}

func (h *Handler) UpdatePlan(c *gin.Context) {
	var req struct {
		Plan string `json:"plan" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	p, err := plan.Parse(req.Plan)
	if err != nil {
		_ = c.Error(err)
		return
	}
	err = h.settings.UpdatePlan(c.Request.Context(), c.Param("tenant_id"), p)
	respond(c, http.StatusOK, gin.H{"tenant_id": c.Param("tenant_id"), "plan": p}, err)
}

func (h *Handler) CreateAccount(c *gin.Context) {
	var req catalog.CreateAccountParams
	if !bind(c, &req) {
		return
	}
	req.TenantID = c.Param("tenant_id")
	acc, err := h.catalog.CreateAccount(c.Request.Context(), req)
	respond(c, http.StatusCreated, acc, err)
}

func (h *Handler) CreateService(c *gin.Context) {
	var req catalog.CreateServiceParams
	if !bind(c, &req) {
		return
	}
	req.TenantID = c.Param("tenant_id")
	svc, err := h.catalog.CreateService(c.Request.Context(), req)
	respond(c, http.StatusCreated, svc, err)
}

func (h *Handler) CreateReward(c *gin.Context) {
	var req catalog.CreateRewardParams
	if !bind(c, &req) {
		return
	}
	req.TenantID = c.Param("tenant_id")
	r, err := h.catalog.CreateReward(c.Request.Context(), req)
	respond(c, http.StatusCreated, r, err)
}

func (h *Handler) AddTeamMember(c *gin.Context) {
	var req catalog.AddTeamMemberParams
	if !bind(c, &req) {
		return
	}
	req.TenantID = c.Param("tenant_id")
	m, err := h.catalog.AddTeamMember(c.Request.Context(), req)
	respond(c, http.StatusCreated, m, err)
}

func (h *Handler) CreateReferral(c *gin.Context) {
	var req referral.CreateParams
	if !bind(c, &req) {
		return
	}
	req.TenantID = c.Param("tenant_id")
	r, err := h.referrals.CreateReferral(c.Request.Context(), req)
	respond(c, http.StatusCreated, r, err)
}

func (h *Handler) TransitionReferral(c *gin.Context) {
	var req struct {
		Status referral.Status `json:"status" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	res, err := h.engine.TransitionReferral(c.Request.Context(), c.Param("referral_id"), req.Status)
	respond(c, http.StatusOK, res, err)
}

func (h *Handler) balance(ctx context.Context, accountID string) (*BalanceResponse, error) {
	acc, err := h.projector.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	th, err := h.projector.ThresholdsFor(ctx, acc.TenantID)
	if err != nil {
		return nil, err
	}
	sum := th.Summarize(acc.Balance)
	return &BalanceResponse{
		AccountID:     acc.ID,
		TenantID:      acc.TenantID,
		Balance:       acc.Balance,
		Tier:          sum.Tier,
		NextTier:      sum.NextTier,
		PointsToNext:  sum.PointsToNext,
		ProgressPct:   sum.ProgressPercent,
		LedgerVersion: acc.Version,
	}, nil
}

func (h *Handler) GetBalance(c *gin.Context) {
	res, err := h.balance(c.Request.Context(), c.Param("account_id"))
	respond(c, http.StatusOK, res, err)
}

func (h *Handler) ListEntries(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	accountID := c.Param("account_id")
	if _, err := h.projector.Account(c.Request.Context(), accountID); err != nil {
		_ = c.Error(err)
		return
	}

	entries, info, err := h.projector.Store().ListPage(c.Request.Context(), accountID, page)
	respond(c, http.StatusOK, gin.H{"entries": entries, "page_info": info}, err)
}

func (h *Handler) Reconcile(c *gin.Context) {
	res, err := h.projector.Reconcile(c.Request.Context(), c.Param("account_id"))
	respond(c, http.StatusOK, res, err)
}

func (h *Handler) VerifyChain(c *gin.Context) {
	accountID := c.Param("account_id")
	if _, err := h.projector.Account(c.Request.Context(), accountID); err != nil {
		_ = c.Error(err)
		return
	}
	ok, err := h.projector.Store().VerifyChain(c.Request.Context(), accountID)
	respond(c, http.StatusOK, gin.H{"account_id": accountID, "valid": ok}, err)
}

func (h *Handler) AdjustPoints(c *gin.Context) {
	var req award.AdjustParams
	if !bind(c, &req) {
		return
	}
	req.AccountID = c.Param("account_id")
	out, err := h.engine.AdjustPoints(c.Request.Context(), req)
	respond(c, http.StatusOK, out, err)
}

func (h *Handler) VerifyReview(c *gin.Context) {
	var req award.ReviewParams
	if !bind(c, &req) {
		return
	}
	req.AccountID = c.Param("account_id")
	out, err := h.engine.VerifyReview(c.Request.Context(), req)
	respond(c, http.StatusOK, out, err)
}

func (h *Handler) Redeem(c *gin.Context) {
	var req award.RedeemParams
	if !bind(c, &req) {
		return
	}
	req.AccountID = c.Param("account_id")
	out, err := h.engine.Redeem(c.Request.Context(), req)
	respond(c, http.StatusCreated, out, err)
}

// ClassifyTier answers tier questions for a raw balance, using the tenant's
// thresholds when tenant_id is given.
func (h *Handler) ClassifyTier(c *gin.Context) {
	balance, err := strconv.ParseInt(c.Query("balance"), 10, 64)
	if err != nil || balance < 0 {
		_ = c.Error(ledger.ValidationError("balance must be a non-negative integer",
			errutil.Detail{Field: "balance", Message: "invalid"}))
		return
	}

	th := tier.Default
	if tenantID := c.Query("tenant_id"); tenantID != "" {
		if th, err = h.settings.Thresholds(c.Request.Context(), tenantID); err != nil {
			_ = c.Error(err)
			return
		}
	}
	c.JSON(http.StatusOK, th.Summarize(balance))
}
