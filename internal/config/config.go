package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mr-tron/base58"
)

// Config holds all configuration for the application
type Config struct {
	Server      ServerConfig
	Proxy       ProxyConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Logging     LoggingConfig
	Monitoring  MonitoringConfig
	CORS        CORSConfig
	Auth        AuthConfig
	Admin       AdminConfig
	Credentials CredentialsConfig
	Pricing     PricingConfig
	Solana      SolanaConfig
	Deposits    DepositsConfig
	Usage       UsageConfig
	RateLimit   RateLimitConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type ProxyConfig struct {
	Port            int
	UpstreamURL     string
	DefaultModel    string
	RequestTimeout  time.Duration
	StreamTimeout   time.Duration
	MaxAttempts     int
	MaxRequestBytes int64
}

// DatabaseConfig points at the optional Postgres audit mirror. Empty URL disables it.
type DatabaseConfig struct {
	URL string
}

type RedisConfig struct {
	URL string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type MonitoringConfig struct {
	PrometheusEnabled bool
	MetricsPort       int
}

type CORSConfig struct {
	AllowedOrigins []string
}

// AuthConfig controls wallet signature verification.
type AuthConfig struct {
	Namespace       string
	MaxSignatureAge time.Duration
	MaxFutureSkew   time.Duration
}

// AdminConfig holds the HMAC secret for operator bearer tokens.
type AdminConfig struct {
	JWTSecret string
	Issuer    string
}

type CredentialsConfig struct {
	Keys                 []string
	MaxRequestsPerMinute int
	RateLimitCooldown    time.Duration
	MaxErrors            int
}

type PricingConfig struct {
	RateTTL         time.Duration
	OracleTimeout   time.Duration
	SolUSDURL       string
	JupiterQuoteURL string
	DexScreenerURL  string
	DefaultSolUSD   float64
	DefaultTokenSOL float64
	RefreshEnabled  bool
	CreditsPerToken float64
}

type SolanaConfig struct {
	RPCURL          string
	TreasuryAddress string
	TokenMint       string
	TokenDecimals   int
}

type DepositsConfig struct {
	ClaimTTL time.Duration
}

type UsageConfig struct {
	Retention  time.Duration
	HistoryCap int64
}

type RateLimitConfig struct {
	WalletRequests      int
	WalletWindow        time.Duration
	IPRequestsPerSecond float64
	IPBurst             int
}

// Load loads configuration from environment variables. A .env file in the
// working directory is read first when present; real environment wins.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvInt("API_PORT", 8080),
			Env:  getEnv("APP_ENV", "development"),
		},
		Proxy: ProxyConfig{
			Port:            getEnvInt("PROXY_PORT", 8081),
			UpstreamURL:     getEnv("XAI_API_URL", "https://api.x.ai/v1/chat/completions"),
			DefaultModel:    getEnv("DEFAULT_MODEL", "grok-4-1-fast-reasoning"),
			RequestTimeout:  getEnvDuration("PROXY_TIMEOUT", 120*time.Second),
			StreamTimeout:   getEnvDuration("PROXY_STREAM_TIMEOUT", 10*time.Minute),
			MaxAttempts:     getEnvInt("PROXY_MAX_ATTEMPTS", 2),
			MaxRequestBytes: int64(getEnvInt("PROXY_MAX_REQUEST_BYTES", 4<<20)),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Monitoring: MonitoringConfig{
			PrometheusEnabled: getEnvBool("PROMETHEUS_ENABLED", true),
			MetricsPort:       getEnvInt("METRICS_PORT", 9090),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Auth: AuthConfig{
			Namespace:       getEnv("AUTH_NAMESPACE", "slashbot"),
			MaxSignatureAge: getEnvDuration("AUTH_MAX_SIGNATURE_AGE", 5*time.Minute),
			MaxFutureSkew:   getEnvDuration("AUTH_MAX_FUTURE_SKEW", 60*time.Second),
		},
		Admin: AdminConfig{
			JWTSecret: getEnv("ADMIN_JWT_SECRET", getEnv("CRON_SECRET", "")),
			Issuer:    getEnv("ADMIN_JWT_ISSUER", "slashbot-web"),
		},
		Credentials: CredentialsConfig{
			Keys:                 LoadCredentialKeys(),
			MaxRequestsPerMinute: getEnvInt("XAI_MAX_RPM", 60),
			RateLimitCooldown:    getEnvDuration("XAI_RATE_LIMIT_COOLDOWN", 60*time.Second),
			MaxErrors:            getEnvInt("XAI_MAX_ERRORS", 5),
		},
		Pricing: PricingConfig{
			RateTTL:         getEnvDuration("RATES_TTL", 15*time.Minute),
			OracleTimeout:   getEnvDuration("RATES_ORACLE_TIMEOUT", 10*time.Second),
			SolUSDURL:       getEnv("COINGECKO_URL", "https://api.coingecko.com/api/v3/simple/price?ids=solana&vs_currencies=usd"),
			JupiterQuoteURL: getEnv("JUPITER_QUOTE_URL", "https://quote-api.jup.ag/v6/quote"),
			DexScreenerURL:  getEnv("DEXSCREENER_URL", "https://api.dexscreener.com/latest/dex/tokens/"),
			DefaultSolUSD:   getEnvFloat("DEFAULT_SOL_USD", 150),
			DefaultTokenSOL: getEnvFloat("DEFAULT_TOKEN_SOL", 0.000001),
			RefreshEnabled:  getEnvBool("RATES_REFRESH_ENABLED", true),
			CreditsPerToken: getEnvFloat("CREDITS_PER_TOKEN", 1),
		},
		Solana: SolanaConfig{
			RPCURL:          getEnv("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com"),
			TreasuryAddress: getEnv("TREASURY_ADDRESS", "DVGjCZVJ3jMw8gsHAQjuYFMj8xQJyVf17qKrciYCS9u7"),
			TokenMint:       getEnv("TOKEN_MINT", "AtiFyHm6UMNLXCWJGLqhxSwvr3n3MgFKxppkKWUoBAGS"),
			TokenDecimals:   getEnvInt("TOKEN_DECIMALS", 9),
		},
		Deposits: DepositsConfig{
			ClaimTTL: getEnvDuration("DEPOSIT_CLAIM_TTL", 10*time.Minute),
		},
		Usage: UsageConfig{
			Retention:  getEnvDuration("USAGE_RETENTION", 90*24*time.Hour),
			HistoryCap: int64(getEnvInt("USAGE_HISTORY_CAP", 1000)),
		},
		RateLimit: RateLimitConfig{
			WalletRequests:      getEnvInt("RATE_LIMIT_WALLET_REQUESTS", 120),
			WalletWindow:        getEnvDuration("RATE_LIMIT_WALLET_WINDOW", time.Minute),
			IPRequestsPerSecond: getEnvFloat("RATE_LIMIT_IP_RPS", 5),
			IPBurst:             getEnvInt("RATE_LIMIT_IP_BURST", 20),
		},
	}

	// Validate required configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present
func (c *Config) Validate() error {
	if !isAddress(c.Solana.TreasuryAddress) {
		return fmt.Errorf("TREASURY_ADDRESS is not a valid base58 public key")
	}
	if c.Proxy.MaxAttempts < 1 {
		return fmt.Errorf("PROXY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Server.Env == "production" {
		if c.Admin.JWTSecret == "" {
			return fmt.Errorf("ADMIN_JWT_SECRET is required in production")
		}
		if len(c.Credentials.Keys) == 0 {
			return fmt.Errorf("at least one XAI_API_KEY or GROK_API_KEY is required in production")
		}
	}
	return nil
}

// IsProduction reports whether the service runs with production defaults.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// LoadCredentialKeys collects upstream keys from the numbered env variables,
// dropping blanks and duplicates while keeping the first-seen order.
func LoadCredentialKeys() []string {
	names := []string{"GROK_API_KEY"}
	for i := 1; i <= 5; i++ {
		names = append(names, fmt.Sprintf("GROK_API_KEY_%d", i))
	}
	names = append(names, "XAI_API_KEY", "XAI_API_KEY_1", "XAI_API_KEY_2")

	var raw []string
	for _, name := range names {
		raw = append(raw, os.Getenv(name))
	}
	raw = append(raw, getEnvList("XAI_API_KEYS", nil)...)

	seen := make(map[string]struct{}, len(raw))
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}

func isAddress(s string) bool {
	b, err := base58.Decode(s)
	return err == nil && len(b) == 32
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s") or bare seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
