package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	apikeydomain "github.com/smallbiznis/rentflow/internal/apikey/domain"
	auditdomain "github.com/smallbiznis/rentflow/internal/audit/domain"
	"github.com/smallbiznis/rentflow/internal/authorization"
	"github.com/smallbiznis/rentflow/internal/config"
	"github.com/smallbiznis/rentflow/internal/observability"
	obslogger "github.com/smallbiznis/rentflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/rentflow/internal/observability/metrics"
	obstracing "github.com/smallbiznis/rentflow/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/rentflow/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/rentflow/internal/payout/domain"
	"github.com/smallbiznis/rentflow/internal/ratelimit"
	reconcilerdomain "github.com/smallbiznis/rentflow/internal/reconciler/domain"
	"github.com/smallbiznis/rentflow/internal/remittance"
	transferdomain "github.com/smallbiznis/rentflow/internal/transfer/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.Middleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// RunHTTP serves the engine for the lifetime of the application.
func RunHTTP(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	apiKeySvc     apikeydomain.Service
	authzSvc      authorization.Service
	auditSvc      auditdomain.Service
	paymentSvc    paymentdomain.Service
	transferSvc   transferdomain.Service
	payoutSvc     payoutdomain.Service
	reconciler    reconcilerdomain.Service
	remittance    *remittance.Service
	authFailures  *ratelimit.AuthFailureTracker
	sweeperMetric *obsmetrics.SweeperMetrics
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Log          *zap.Logger
	APIKeySvc    apikeydomain.Service
	AuthzSvc     authorization.Service
	AuditSvc     auditdomain.Service
	PaymentSvc   paymentdomain.Service
	TransferSvc  transferdomain.Service
	PayoutSvc    payoutdomain.Service
	Reconciler   reconcilerdomain.Service
	Remittance   *remittance.Service           `optional:"true"`
	AuthFailures *ratelimit.AuthFailureTracker `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http.server"),
		apiKeySvc:     p.APIKeySvc,
		authzSvc:      p.AuthzSvc,
		auditSvc:      p.AuditSvc,
		paymentSvc:    p.PaymentSvc,
		transferSvc:   p.TransferSvc,
		payoutSvc:     p.PayoutSvc,
		reconciler:    p.Reconciler,
		remittance:    p.Remittance,
		authFailures:  p.AuthFailures,
		sweeperMetric: obsmetrics.Sweeper(),
	}

	s.registerWebhookRoutes()
	s.registerAPIRoutes()
	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/gateway", s.HandleGatewayWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.APIKeyRequired())

	// -------- Views --------
	api.GET("/payments/:id", s.authorize(authorization.ObjectPayment, authorization.ActionView), s.GetPayment)
	api.GET("/payments/:id/history", s.authorize(authorization.ObjectPayment, authorization.ActionView), s.GetPaymentHistory)
	api.GET("/payments/:id/transfers", s.authorize(authorization.ObjectTransfer, authorization.ActionView), s.ListPaymentTransfers)
	api.GET("/renters/:id/payments", s.authorize(authorization.ObjectPayment, authorization.ActionView), s.ListRenterPayments)
	api.GET("/owners/:id/payments", s.authorize(authorization.ObjectPayment, authorization.ActionView), s.ListOwnerPayments)
	api.GET("/transfers/:id", s.authorize(authorization.ObjectTransfer, authorization.ActionView), s.GetTransfer)
	api.GET("/transfers/:id/remittance", s.authorize(authorization.ObjectTransfer, authorization.ActionView), s.GetRemittanceAdvice)

	// -------- Charge intake --------
	api.POST("/payments", s.authorize(authorization.ObjectPayment, authorization.ActionInitiate), s.InitiatePayment)
	api.POST("/payments/:id/invoice", s.authorize(authorization.ObjectPayment, authorization.ActionInitiate), s.AttachInvoice)

	// -------- Operator actions --------
	api.POST("/payments/:id/poll", s.authorize(authorization.ObjectPayment, authorization.ActionPoll), s.PollPayment)
	api.POST("/payments/:id/payout", s.authorize(authorization.ObjectPayment, authorization.ActionPayout), s.SchedulePayout)
	api.POST("/payments/:id/resolve-review", s.authorize(authorization.ObjectPayment, authorization.ActionResolve), s.ResolveReview)
	api.POST("/transfers/:id/cancel", s.authorize(authorization.ObjectTransfer, authorization.ActionCancel), s.CancelTransfer)

	// -------- Administration --------
	api.GET("/audit-logs", s.authorize(authorization.ObjectAuditLog, authorization.ActionView), s.ListAuditLogs)
	api.GET("/api-keys", s.authorize(authorization.ObjectAPIKey, authorization.ActionView), s.ListAPIKeys)
	api.POST("/api-keys", s.authorize(authorization.ObjectAPIKey, authorization.ActionCreate), s.CreateAPIKey)
	api.POST("/api-keys/:key_id/revoke", s.authorize(authorization.ObjectAPIKey, authorization.ActionRevoke), s.RevokeAPIKey)
}
