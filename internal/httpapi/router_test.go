package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"connectreward/pkg/health"
	"connectreward/services/award"
	"connectreward/services/catalog"
	"connectreward/services/ledger"
	"connectreward/services/plan"
	"connectreward/services/referral"
	"connectreward/services/settings"
	"connectreward/services/testutil"
	"connectreward/services/tier"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	models := []any{&settings.Tenant{}, &plan.AdmissionSlot{}}
	models = append(models, ledger.Models()...)
	models = append(models, referral.Models()...)
	models = append(models, catalog.Models()...)
	db := testutil.NewTestDB(t, models...)
	node := testutil.NewNode(t)

	st := settings.NewService(settings.Params{DB: db, Node: node})
	guard := plan.NewGuard(plan.GuardParams{DB: db, Plans: st})
	projector := ledger.NewProjector(ledger.ProjectorParams{DB: db, Store: ledger.NewStore(db, node), Thresholds: st})
	refs := referral.NewService(referral.Params{DB: db, Node: node, Guard: guard})
	cat := catalog.New(catalog.Params{DB: db, Node: node, Guard: guard})
	engine := award.NewEngine(award.Params{Projector: projector, Settings: st, Referrals: refs, Catalog: cat})

	return NewRouter(RouterParams{
		Handler: NewHandler(HandlerParams{
			Settings:  st,
			Catalog:   cat,
			Referrals: refs,
			Engine:    engine,
			Projector: projector,
		}),
		Health: health.ProvideHealth(health.HealthParams{DB: db}),
	})
}

func do(t *testing.T, h http.Handler, method, path string, body any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestLedgerFlow(t *testing.T) {
	h := newTestRouter(t)

	var tenant settings.Tenant
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/v1/tenants", map[string]any{"name": "Acme", "plan": "growth"}, &tenant))

	var acc ledger.Account
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/v1/tenants/"+tenant.ID+"/accounts", map[string]any{"name": "Jane"}, &acc))

	var ref referral.Referral
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/v1/tenants/"+tenant.ID+"/referrals",
		map[string]any{"referrer_account_id": acc.ID, "referee_name": "Bob"}, &ref))

	var tr award.TransitionResult
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/referrals/"+ref.ID+"/status", map[string]any{"status": "won"}, &tr))
	require.NotNil(t, tr.Completion)
	require.EqualValues(t, 500, tr.Completion.Balance)

	var out award.Outcome
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/accounts/"+acc.ID+"/adjustments",
		map[string]any{"amount": 700, "reason": "welcome"}, &out))
	require.EqualValues(t, 1200, out.Balance)
	require.Equal(t, tier.Silver, out.Tier)

	var bal BalanceResponse
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/accounts/"+acc.ID+"/balance", nil, &bal))
	require.EqualValues(t, 1200, bal.Balance)
	require.Equal(t, tier.Gold, bal.NextTier)
	require.EqualValues(t, 1800, bal.PointsToNext)

	var page struct {
		Entries  []*ledger.PointTransaction `json:"entries"`
		PageInfo struct {
			NextCursor string `json:"next_cursor"`
			HasMore    bool   `json:"has_more"`
		} `json:"page_info"`
	}
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/accounts/"+acc.ID+"/entries?limit=1", nil, &page))
	require.Len(t, page.Entries, 1)
	require.True(t, page.PageInfo.HasMore)

	var verify struct {
		Valid bool `json:"valid"`
	}
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/accounts/"+acc.ID+"/verify", nil, &verify))
	require.True(t, verify.Valid)

	var reward catalog.Reward
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/v1/tenants/"+tenant.ID+"/rewards",
		map[string]any{"name": "TV", "points_cost": 5000}, &reward))
	require.Equal(t, http.StatusUnprocessableEntity, do(t, h, http.MethodPost, "/v1/accounts/"+acc.ID+"/redemptions",
		map[string]any{"reward_id": reward.ID}, nil))

	var rec ledger.Reconciliation
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/accounts/"+acc.ID+"/reconcile", nil, &rec))
	require.False(t, rec.Corrected)
	require.EqualValues(t, 1200, rec.Balance)
}

func TestErrorMapping(t *testing.T) {
	h := newTestRouter(t)

	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/accounts/missing/balance", nil, nil))
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/tenants", "not an object", nil))
	require.Equal(t, http.StatusUnprocessableEntity, do(t, h, http.MethodPost, "/v1/tenants", map[string]any{"name": ""}, nil))

	var tenant settings.Tenant
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/v1/tenants", map[string]any{"name": "Acme"}, &tenant))

	bad := settings.Defaults()
	bad.PointsExpirationMonths = 3
	require.Equal(t, http.StatusUnprocessableEntity, do(t, h, http.MethodPut, "/v1/tenants/"+tenant.ID+"/settings", bad, nil))

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/v1/tenants/"+tenant.ID+"/rewards",
			map[string]any{"name": "Mug", "points_cost": 10}, nil))
	}
	require.Equal(t, http.StatusForbidden, do(t, h, http.MethodPost, "/v1/tenants/"+tenant.ID+"/rewards",
		map[string]any{"name": "Mug", "points_cost": 10}, nil))
}

func TestClassifyTier(t *testing.T) {
	h := newTestRouter(t)

	var sum tier.Summary
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/tiers/classify?balance=3000", nil, &sum))
	require.Equal(t, tier.Gold, sum.Tier)
	require.Equal(t, tier.Platinum, sum.NextTier)

	require.Equal(t, http.StatusUnprocessableEntity, do(t, h, http.MethodGet, "/v1/tiers/classify?balance=-1", nil, nil))
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/tiers/classify?balance=1&tenant_id=nope", nil, nil))
}

func TestHealthEndpoints(t *testing.T) {
	h := newTestRouter(t)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", nil, nil))
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", nil, nil))
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics", nil, nil))
}

func TestBalanceFollowsThresholdChange(t *testing.T) {
	h := newTestRouter(t)

	var tenant settings.Tenant
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/v1/tenants", map[string]any{"name": "Acme", "plan": "growth"}, &tenant))

	var acc ledger.Account
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/v1/tenants/"+tenant.ID+"/accounts", map[string]any{"name": "Jane"}, &acc))
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/accounts/"+acc.ID+"/adjustments",
		map[string]any{"amount": 1200, "reason": "opening"}, nil))

	// The cached tier stays silver until the next write; the response follows
	// the thresholds in force now.
	ts := settings.Defaults()
	ts.TierThresholds = &tier.Thresholds{0, 500, 1000, 2000}
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPut, "/v1/tenants/"+tenant.ID+"/settings", ts, nil))

	var bal BalanceResponse
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/accounts/"+acc.ID+"/balance", nil, &bal))
	require.EqualValues(t, 1200, bal.Balance)
	require.Equal(t, tier.Gold, bal.Tier)
	require.Equal(t, tier.Platinum, bal.NextTier)
	require.EqualValues(t, 800, bal.PointsToNext)

	require.Equal(t, http.StatusUnprocessableEntity, do(t, h, http.MethodPost, "/v1/accounts/"+acc.ID+"/redemptions",
		map[string]any{}, nil))
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/accounts/"+acc.ID+"/balance", nil, &bal))
	require.EqualValues(t, 1200, bal.Balance)
}
