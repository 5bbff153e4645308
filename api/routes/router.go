package routes

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"chanpass/api/controllers"
	webhookcontrollers "chanpass/api/controllers/webhooks"
	"chanpass/api/middleware"
	"chanpass/internal/settlement"
	"chanpass/pkg/config"
	"chanpass/pkg/db/models"
	"chanpass/pkg/logger"
	"chanpass/pkg/nowpayments"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type ipnService interface {
	Handle(ctx context.Context, rawBody []byte, signature string) (*settlement.Result, error)
}

type settlementService interface {
	CreatePendingTransaction(ctx context.Context, input settlement.CreatePendingInput) (*models.Transaction, *nowpayments.Invoice, error)
	ManualOverride(ctx context.Context, transactionID, adminID uuid.UUID) (*settlement.Result, error)
}

type accessLogLister interface {
	ListAccessLog(ctx context.Context, subscriberID uuid.UUID, limit int) ([]models.AccessLogEntry, error)
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP pinger,
	redisP pinger,
	ipnSvc ipnService,
	settlementSvc settlementService,
	accessLog accessLogLister,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisP))
	})

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/nowpayments", webhookcontrollers.PaymentIPN(ipnSvc, logg))
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(
			middleware.CORS(cfg.App.CORSOrigins),
			middleware.AdminAuth(cfg.JWT, logg),
		)
		r.Post("/transactions", controllers.CreateTransaction(settlementSvc, logg))
		r.Post("/transactions/{id}/override", controllers.OverrideTransaction(settlementSvc, logg))
		r.Get("/subscribers/{id}/access-log", controllers.SubscriberAccessLog(accessLog, logg))
	})

	return r
}
