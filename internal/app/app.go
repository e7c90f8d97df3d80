package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/angelmondragon/rampledger/internal/admin"
	"github.com/angelmondragon/rampledger/internal/fees"
	"github.com/angelmondragon/rampledger/internal/ledger"
	"github.com/angelmondragon/rampledger/internal/notifications"
	"github.com/angelmondragon/rampledger/internal/payments"
	"github.com/angelmondragon/rampledger/internal/providers/coinpayments"
	"github.com/angelmondragon/rampledger/internal/providers/mercuryo"
	"github.com/angelmondragon/rampledger/internal/reconciliation"
	"github.com/angelmondragon/rampledger/internal/transactions"
	"github.com/angelmondragon/rampledger/internal/webhooks"
	"github.com/angelmondragon/rampledger/pkg/config"
	"github.com/angelmondragon/rampledger/pkg/db"
	"github.com/angelmondragon/rampledger/pkg/enums"
	"github.com/angelmondragon/rampledger/pkg/logger"
	"github.com/angelmondragon/rampledger/pkg/metrics"
	"github.com/angelmondragon/rampledger/pkg/migrate"
	"github.com/angelmondragon/rampledger/pkg/pubsub"
	"github.com/angelmondragon/rampledger/pkg/redis"
)

// App holds the wired domain services shared by the api and cron-worker binaries.
// Infrastructure handles are nil when the corresponding backend is not configured.
type App struct {
	Config *config.Config
	Logger *logger.Logger

	DB     *db.Client
	Redis  *redis.Client
	PubSub *pubsub.Client

	Store    ledger.Store
	Machine  *transactions.Machine
	Engine   *reconciliation.Engine
	Admin    admin.Service
	Payments payments.Service

	CoinPaymentsVerifier *webhooks.Verifier
	MercuryoVerifier     *webhooks.Verifier
	Normalizers          webhooks.Normalizers
	Guard                *webhooks.DeliveryGuard

	closers []func() error
}

// New connects the configured backends and builds the services. On error everything opened so
// far is closed.
func New(ctx context.Context, cfg *config.Config, logg *logger.Logger, reg prometheus.Registerer) (_ *App, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	a := &App{Config: cfg, Logger: logg}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Close())
		}
	}()

	if err := a.openLedger(ctx); err != nil {
		return nil, err
	}
	if err := a.openRedis(ctx); err != nil {
		return nil, err
	}
	notifier, err := a.openNotifier(ctx)
	if err != nil {
		return nil, err
	}

	recMetrics := metrics.NewReconciliationMetrics(reg)
	feeCalc := fees.NewCalculator(fees.DefaultRate)

	withdrawers := reconciliation.Withdrawers{}
	refunders := transactions.Refunders{}
	var cpClient *coinpayments.Client
	if cfg.CoinPayments.PublicKey != "" && cfg.CoinPayments.PrivateKey != "" {
		cpClient, err = coinpayments.NewClient(cfg.CoinPayments.PublicKey, cfg.CoinPayments.PrivateKey,
			coinpayments.WithBaseURL(cfg.CoinPayments.BaseURL),
			coinpayments.WithIPNURL(ipnURL(cfg.App.BaseURL)),
		)
		if err != nil {
			return nil, fmt.Errorf("coinpayments client: %w", err)
		}
		withdrawers[enums.ProviderCoinPayments] = cpClient
	} else {
		logg.Warn(ctx, "coinpayments api keys not set; checkouts disabled and settlement deferred")
	}
	if cfg.Mercuryo.APIKey != "" {
		mqClient, err := mercuryo.NewClient(cfg.Mercuryo.APIKey, mercuryo.WithBaseURL(cfg.Mercuryo.BaseURL))
		if err != nil {
			return nil, fmt.Errorf("mercuryo client: %w", err)
		}
		withdrawers[enums.ProviderMercuryo] = mqClient
		refunders[enums.ProviderMercuryo] = mqClient
	} else {
		logg.Warn(ctx, "mercuryo api key not set; refunds disabled and settlement deferred")
	}

	a.Machine, err = transactions.NewMachine(transactions.MachineParams{
		Store:         a.Store,
		Refunder:      refunders,
		Logger:        logg,
		Metrics:       recMetrics,
		MaxRetries:    cfg.Ledger.MaxCASRetries,
		RefundTimeout: cfg.Settlement.Timeout,
	})
	if err != nil {
		return nil, err
	}

	a.Engine, err = reconciliation.NewEngine(reconciliation.EngineParams{
		Store:             a.Store,
		Machine:           a.Machine,
		Fees:              feeCalc,
		Withdrawer:        withdrawers,
		Notifier:          notifier,
		ColdWallet:        cfg.Settlement.ColdWalletAddress,
		MerchantEmail:     cfg.Notifications.MerchantEmail,
		SettlementTimeout: cfg.Settlement.Timeout,
		NotifyTimeout:     cfg.Notifications.Timeout,
		Logger:            logg,
		Metrics:           recMetrics,
	})
	if err != nil {
		return nil, err
	}

	a.Admin, err = admin.NewService(admin.ServiceParams{
		Store:   a.Store,
		Machine: a.Machine,
		Settler: a.Engine,
		Logger:  logg,
	})
	if err != nil {
		return nil, err
	}
	if cpClient != nil {
		a.Payments, err = payments.NewService(payments.ServiceParams{Store: a.Store, Client: cpClient, Fees: feeCalc, Logger: logg})
		if err != nil {
			return nil, err
		}
	}

	a.CoinPaymentsVerifier, err = webhooks.NewCoinPaymentsVerifier(cfg.CoinPayments.IPNSecret)
	if err != nil {
		return nil, fmt.Errorf("coinpayments verifier: %w", err)
	}
	a.MercuryoVerifier, err = webhooks.NewMercuryoVerifier(cfg.Mercuryo.WebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("mercuryo verifier: %w", err)
	}
	a.Normalizers = webhooks.Normalizers{
		enums.ProviderCoinPayments: webhooks.CoinPaymentsNormalizer{MerchantID: cfg.CoinPayments.MerchantID},
		enums.ProviderMercuryo:     webhooks.MercuryoNormalizer{},
	}

	return a, nil
}

func (a *App) openLedger(ctx context.Context) error {
	if !a.Config.Ledger.UsesSQL() {
		a.Logger.Warn(ctx, "using in-memory ledger; records are lost on restart")
		a.Store = ledger.NewMemoryStore()
		return nil
	}
	client, err := db.New(ctx, a.Config.DB, a.Logger)
	if err != nil {
		return fmt.Errorf("bootstrap database: %w", err)
	}
	a.DB = client
	a.closers = append(a.closers, client.Close)

	if err := migrate.MaybeRunDev(ctx, a.Config, a.Logger, client); err != nil {
		return fmt.Errorf("dev migrations: %w", err)
	}
	store, err := ledger.NewRepository(client)
	if err != nil {
		return err
	}
	a.Store = store
	return nil
}

func (a *App) openRedis(ctx context.Context) error {
	if strings.TrimSpace(a.Config.Redis.URL) == "" && strings.TrimSpace(a.Config.Redis.Address) == "" {
		a.Logger.Warn(ctx, "redis not configured; delivery dedupe cache disabled")
		return nil
	}
	client, err := redis.New(ctx, a.Config.Redis, a.Logger)
	if err != nil {
		return fmt.Errorf("bootstrap redis: %w", err)
	}
	a.Redis = client
	a.closers = append(a.closers, client.Close)

	guard, err := webhooks.NewDeliveryGuard(client, a.Config.Webhooks.DedupeTTL)
	if err != nil {
		return err
	}
	a.Guard = guard
	return nil
}

func (a *App) openNotifier(ctx context.Context) (notifications.Notifier, error) {
	if a.Config.GCP.ProjectID == "" || a.Config.Notifications.Topic == "" {
		a.Logger.Warn(ctx, "pubsub not configured; merchant notifications are logged only")
		return notifications.NewLogNotifier(a.Logger), nil
	}
	client, err := pubsub.NewClient(ctx, a.Config.GCP, a.Config.Notifications, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap pubsub: %w", err)
	}
	a.PubSub = client
	a.closers = append(a.closers, client.Close)

	publisher := client.NotificationPublisher()
	if publisher != nil {
		a.closers = append(a.closers, func() error {
			publisher.Stop()
			return nil
		})
	}
	return notifications.NewPubSubNotifier(publisher, a.Logger)
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

func ipnURL(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return ""
	}
	return base + "/api/v1/webhooks/coinpayments"
}
