package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment        string
	Addr               string
	StoreBackend       string
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	TokenEncryptionKey string

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	DeployRateLimit    int
	DeployRateWindow   time.Duration

	GitHubAPIURL       string
	GitHubTemplateOrg  string
	VercelAPIURL       string
	VercelTeamID       string
	VercelFramework    string
	HostingDomain      string
	ProviderRPS        int
	ProviderTimeout    time.Duration
	PollAttempts       int
	PollInterval       time.Duration
	StaleDeploymentAge time.Duration
	MaxPollers         int
	ShutdownTimeout    time.Duration
	LogLevel           string
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		StoreBackend:       GetString("STORE_BACKEND", "postgres"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://launchpad:launchpad@db:5432/launchpad?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", ""),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		TokenEncryptionKey: GetString("TOKEN_ENCRYPTION_KEY", "supersecuresecret"),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		DeployRateLimit:    GetInt("DEPLOY_RATE_LIMIT", 5),
		DeployRateWindow:   time.Duration(GetInt("DEPLOY_RATE_WINDOW_SECONDS", 3600)) * time.Second,
		GitHubAPIURL:       GetString("GITHUB_API_URL", "https://api.github.com/"),
		GitHubTemplateOrg:  GetString("GITHUB_TEMPLATE_ORG", ""),
		VercelAPIURL:       GetString("VERCEL_API_URL", "https://api.vercel.com"),
		VercelTeamID:       GetString("VERCEL_TEAM_ID", ""),
		VercelFramework:    GetString("VERCEL_FRAMEWORK", "nextjs"),
		HostingDomain:      GetString("HOSTING_DOMAIN", "vercel.app"),
		ProviderRPS:        GetInt("PROVIDER_REQUESTS_PER_SECOND", 10),
		ProviderTimeout:    time.Duration(GetInt("PROVIDER_TIMEOUT_SECONDS", 30)) * time.Second,
		PollAttempts:       GetInt("POLL_ATTEMPTS", 20),
		PollInterval:       time.Duration(GetInt("POLL_INTERVAL_SECONDS", 3)) * time.Second,
		StaleDeploymentAge: time.Duration(GetInt("STALE_DEPLOYMENT_MINUTES", 10)) * time.Minute,
		MaxPollers:         GetInt("MAX_CONCURRENT_POLLERS", 64),
		ShutdownTimeout:    GetDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:           GetString("LOG_LEVEL", "info"),
	}
}
