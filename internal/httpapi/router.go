package httpapi

import (
	"net/http"
	"time"

	"connectreward/pkg/config"
	"connectreward/pkg/health"
	"connectreward/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		NewHandler,
		NewRouter,
	),
)

type RouterParams struct {
	fx.In
	Config  *config.Config `optional:"true"`
	Handler *Handler
	Health  health.HealthService `optional:"true"`
}

// NewRouter builds the gin engine serving the ledger API.
func NewRouter(p RouterParams) http.Handler {
	if p.Config != nil && p.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), middleware.Error())

	if p.Health != nil {
		r.GET("/healthz", p.Health.Liveness)
		r.GET("/readyz", p.Health.Readiness)
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := p.Handler
	v1 := r.Group("/v1")
	{
		tenants := v1.Group("/tenants")
		tenants.POST("", h.CreateTenant)
		tenants.GET("/:tenant_id/settings", h.GetSettings)
		tenants.PUT("/:tenant_id/settings", h.UpdateSettings)
		tenants.PUT("/:tenant_id/plan", h.UpdatePlan)
		tenants.POST("/:tenant_id/accounts", h.CreateAccount)
		tenants.POST("/:tenant_id/services", h.CreateService)
		tenants.POST("/:tenant_id/rewards", h.CreateReward)
		tenants.POST("/:tenant_id/referrals", h.CreateReferral)
		tenants.POST("/:tenant_id/team-members", h.AddTeamMember)

		accounts := v1.Group("/accounts/:account_id")
		accounts.GET("/balance", h.GetBalance)
		accounts.GET("/entries", h.ListEntries)
		accounts.POST("/reconcile", h.Reconcile)
		accounts.GET("/verify", h.VerifyChain)
		accounts.POST("/adjustments", h.AdjustPoints)
		accounts.POST("/reviews", h.VerifyReview)
		accounts.POST("/redemptions", h.Redeem)

		v1.POST("/referrals/:referral_id/status", h.TransitionReferral)
		v1.GET("/tiers/classify", h.ClassifyTier)
	}

	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		zap.L().Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
