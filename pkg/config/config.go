package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App           AppConfig
	Service       ServiceConfig
	DB            DBConfig
	Redis         RedisConfig
	JWT           JWTConfig
	FeatureFlags  FeatureFlagsConfig
	Ledger        LedgerConfig
	CoinPayments  CoinPaymentsConfig
	Mercuryo      MercuryoConfig
	Settlement    SettlementConfig
	Notifications NotificationsConfig
	Webhooks      WebhooksConfig
	GCP           GCPConfig
	Cron          CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Ledger.UsesSQL() {
		if err := cfg.DB.ensureDSN(); err != nil {
			return nil, err
		}
	}
	if err := cfg.Ledger.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"RAMPLEDGER_APP_ENV" required:"true"`
	Port         string `envconfig:"RAMPLEDGER_APP_PORT" required:"true"`
	BaseURL      string `envconfig:"RAMPLEDGER_APP_BASE_URL"`
	LogLevel     string `envconfig:"RAMPLEDGER_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"RAMPLEDGER_LOG_WARN_STACK" default:"false"`

	CORSAllowedOrigins []string `envconfig:"RAMPLEDGER_CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"RAMPLEDGER_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"RAMPLEDGER_DB_DSN"`
	Driver string `envconfig:"RAMPLEDGER_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"RAMPLEDGER_DB_HOST"`
	LegacyPort     int    `envconfig:"RAMPLEDGER_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"RAMPLEDGER_DB_USER"`
	LegacyPassword string `envconfig:"RAMPLEDGER_DB_PASSWORD"`
	LegacyName     string `envconfig:"RAMPLEDGER_DB_NAME"`
	LegacySSLMode  string `envconfig:"RAMPLEDGER_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"RAMPLEDGER_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"RAMPLEDGER_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"RAMPLEDGER_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"RAMPLEDGER_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"RAMPLEDGER_REDIS_URL"`
	Address      string        `envconfig:"RAMPLEDGER_REDIS_ADDR"`
	Password     string        `envconfig:"RAMPLEDGER_REDIS_PASSWORD"`
	DB           int           `envconfig:"RAMPLEDGER_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"RAMPLEDGER_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"RAMPLEDGER_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"RAMPLEDGER_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"RAMPLEDGER_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"RAMPLEDGER_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"RAMPLEDGER_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"RAMPLEDGER_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"RAMPLEDGER_JWT_EXPIRATION_MINUTES" default:"60"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"RAMPLEDGER_AUTO_MIGRATE" default:"false"`
}

// LedgerConfig selects the ledger backend and the CAS retry bound.
type LedgerConfig struct {
	Driver        string `envconfig:"RAMPLEDGER_LEDGER_DRIVER" default:"sql"`
	MaxCASRetries int    `envconfig:"RAMPLEDGER_LEDGER_MAX_CAS_RETRIES" default:"3"`
}

func (l LedgerConfig) UsesSQL() bool {
	return !strings.EqualFold(strings.TrimSpace(l.Driver), LedgerDriverMemory)
}

func (l LedgerConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(l.Driver)) {
	case LedgerDriverSQL, LedgerDriverMemory:
	default:
		return fmt.Errorf("%s must be %q or %q", EnvLedgerDriver, LedgerDriverSQL, LedgerDriverMemory)
	}
	if l.MaxCASRetries <= 0 {
		return fmt.Errorf("%s must be positive", EnvLedgerMaxCASRetries)
	}
	return nil
}

type CoinPaymentsConfig struct {
	PublicKey  string `envconfig:"RAMPLEDGER_COINPAYMENTS_PUBLIC_KEY"`
	PrivateKey string `envconfig:"RAMPLEDGER_COINPAYMENTS_PRIVATE_KEY"`
	IPNSecret  string `envconfig:"RAMPLEDGER_COINPAYMENTS_IPN_SECRET" required:"true"`
	MerchantID string `envconfig:"RAMPLEDGER_COINPAYMENTS_MERCHANT_ID"`
	BaseURL    string `envconfig:"RAMPLEDGER_COINPAYMENTS_BASE_URL" default:"https://www.coinpayments.net/api.php"`
}

type MercuryoConfig struct {
	APIKey        string `envconfig:"RAMPLEDGER_MERCURYO_API_KEY"`
	WebhookSecret string `envconfig:"RAMPLEDGER_MERCURYO_WEBHOOK_SECRET" required:"true"`
	BaseURL       string `envconfig:"RAMPLEDGER_MERCURYO_BASE_URL" default:"https://api.mercuryo.io/v1.6"`
}

type SettlementConfig struct {
	ColdWalletAddress string        `envconfig:"RAMPLEDGER_COLD_WALLET_ADDRESS" required:"true"`
	Timeout           time.Duration `envconfig:"RAMPLEDGER_SETTLEMENT_TIMEOUT" default:"10s"`
}

type NotificationsConfig struct {
	MerchantEmail string        `envconfig:"RAMPLEDGER_MERCHANT_NOTIFICATION_EMAIL"`
	Topic         string        `envconfig:"RAMPLEDGER_PUBSUB_NOTIFICATION_TOPIC"`
	Timeout       time.Duration `envconfig:"RAMPLEDGER_NOTIFICATION_TIMEOUT" default:"10s"`
}

type WebhooksConfig struct {
	AllowedCIDRs []string      `envconfig:"RAMPLEDGER_WEBHOOK_ALLOWED_CIDRS"`
	DedupeTTL    time.Duration `envconfig:"RAMPLEDGER_WEBHOOK_DEDUPE_TTL" default:"24h"`
	// TrustProxy reads the caller address from X-Forwarded-For / X-Real-IP.
	TrustProxy bool `envconfig:"RAMPLEDGER_WEBHOOK_TRUST_PROXY" default:"false"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"RAMPLEDGER_GCP_PROJECT_ID"`
}

type CronConfig struct {
	Interval  time.Duration `envconfig:"RAMPLEDGER_CRON_INTERVAL" default:"5m"`
	BatchSize int           `envconfig:"RAMPLEDGER_CRON_BATCH_SIZE" default:"50"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}

// ProcessSection loads a single config block, for tools that need only part of the environment.
func ProcessSection(section any) error {
	if err := envconfig.Process(EnvPrefix, section); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}
