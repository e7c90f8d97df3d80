package config

const EnvPrefix = "RAMPLEDGER"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	LedgerDriverSQL    = "sql"
	LedgerDriverMemory = "memory"
)

const (
	EnvAppEnv  = "RAMPLEDGER_APP_ENV"
	EnvPort    = "RAMPLEDGER_APP_PORT"
	EnvBaseURL = "RAMPLEDGER_APP_BASE_URL"
	EnvCORS    = "RAMPLEDGER_CORS_ALLOWED_ORIGINS"

	EnvDBDSN    = "RAMPLEDGER_DB_DSN"
	EnvDBDriver = "RAMPLEDGER_DB_DRIVER"
	EnvDBHost   = "RAMPLEDGER_DB_HOST"
	EnvDBUser   = "RAMPLEDGER_DB_USER"
	EnvDBName   = "RAMPLEDGER_DB_NAME"

	EnvRedisURL = "RAMPLEDGER_REDIS_URL"

	EnvJWTSecret  = "RAMPLEDGER_JWT_SECRET"
	EnvJWTIssuer  = "RAMPLEDGER_JWT_ISSUER"
	EnvJWTExpMins = "RAMPLEDGER_JWT_EXPIRATION_MINUTES"

	EnvLedgerDriver        = "RAMPLEDGER_LEDGER_DRIVER"
	EnvLedgerMaxCASRetries = "RAMPLEDGER_LEDGER_MAX_CAS_RETRIES"

	EnvCoinPaymentsIPNSecret = "RAMPLEDGER_COINPAYMENTS_IPN_SECRET"
	EnvMercuryoWebhookSecret = "RAMPLEDGER_MERCURYO_WEBHOOK_SECRET"
	EnvColdWalletAddress     = "RAMPLEDGER_COLD_WALLET_ADDRESS"
	EnvWebhookAllowedCIDRs   = "RAMPLEDGER_WEBHOOK_ALLOWED_CIDRS"
	EnvSettlementTimeout     = "RAMPLEDGER_SETTLEMENT_TIMEOUT"
	EnvNotificationTopic     = "RAMPLEDGER_PUBSUB_NOTIFICATION_TOPIC"
	EnvMerchantNotifyEmail   = "RAMPLEDGER_MERCHANT_NOTIFICATION_EMAIL"
	EnvGCPProjectID          = "RAMPLEDGER_GCP_PROJECT_ID"
	EnvCronInterval          = "RAMPLEDGER_CRON_INTERVAL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
