package routes

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/rampledger/api/controllers"
	paymentcontrollers "github.com/angelmondragon/rampledger/api/controllers/payments"
	txcontrollers "github.com/angelmondragon/rampledger/api/controllers/transactions"
	webhookcontrollers "github.com/angelmondragon/rampledger/api/controllers/webhooks"
	"github.com/angelmondragon/rampledger/api/middleware"
	"github.com/angelmondragon/rampledger/internal/admin"
	"github.com/angelmondragon/rampledger/internal/payments"
	"github.com/angelmondragon/rampledger/pkg/config"
	"github.com/angelmondragon/rampledger/pkg/enums"
	"github.com/angelmondragon/rampledger/pkg/logger"
)

// Deps carries everything the HTTP surface needs. Payments and Gatherer are optional.
type Deps struct {
	Config       *config.Config
	Logger       *logger.Logger
	Ready        map[string]controllers.Pinger
	CoinPayments webhookcontrollers.Deps
	Mercuryo     webhookcontrollers.Deps
	Admin        admin.Service
	Payments     payments.Service
	Gatherer     prometheus.Gatherer
}

func NewRouter(deps Deps) (http.Handler, error) {
	cfg := deps.Config
	logg := deps.Logger
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}

	allowList, err := middleware.ParseAllowList(cfg.Webhooks.AllowedCIDRs)
	if err != nil {
		return nil, fmt.Errorf("webhook allow list: %w", err)
	}

	r := chi.NewRouter()
	if cfg.Webhooks.TrustProxy {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSAllowedOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps.Ready))
	})

	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/public", func(r chi.Router) {
		r.Get("/ping", controllers.PublicPing())
	})

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Use(middleware.IPAllowList(allowList, logg))
		r.Post("/coinpayments", webhookcontrollers.ProviderWebhook(withLogger(deps.CoinPayments, logg)))
		r.Post("/mercuryo", webhookcontrollers.ProviderWebhook(withLogger(deps.Mercuryo, logg)))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))

		r.Get("/ping", controllers.OperatorPing())

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(logg, enums.OperatorRoleAdmin))

			r.Get("/transactions", txcontrollers.List(deps.Admin, logg))
			r.Route("/tx/{id}", func(r chi.Router) {
				r.Get("/", txcontrollers.Get(deps.Admin, logg))
				r.Post("/approve", txcontrollers.Approve(deps.Admin, logg))
				r.Post("/freeze", txcontrollers.Freeze(deps.Admin, logg))
				r.Post("/unfreeze", txcontrollers.Unfreeze(deps.Admin, logg))
				r.Post("/refund", txcontrollers.Refund(deps.Admin, logg))
				r.Post("/toggle-flag", txcontrollers.ToggleFlag(deps.Admin, logg))
			})
		})

		if deps.Payments != nil {
			r.With(middleware.RequireRole(logg, enums.OperatorRoleAdmin, enums.OperatorRoleMerchant)).
				Post("/v1/payments/coinpayments", paymentcontrollers.CreateCoinPayments(deps.Payments, logg))
		}
	})

	return r, nil
}

func withLogger(d webhookcontrollers.Deps, logg *logger.Logger) webhookcontrollers.Deps {
	if d.Logger == nil {
		d.Logger = logg
	}
	return d
}
