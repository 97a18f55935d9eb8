package config

import (
	"time"

	"github.com/gamma-omg/gatekeeper/internal/pkg/env"
)

const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	App      appConfig
	HTTP     httpConfig
	JWT      jwtConfig
	DB       dbConfig
	IdP      idpConfig
	Fallback fallbackConfig
	Redis    redisConfig
	Cache    cacheConfig
	Credits  creditsConfig
}

type appConfig struct {
	Env        string
	Production bool
}

type httpConfig struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type jwtConfig struct {
	Secret    string
	Issuer    string
	Algorithm string
	TTL       time.Duration
}

type dbConfig struct {
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	Path     string
}

type idpConfig struct {
	IssuerURL    string
	TokenURL     string
	ProfileURL   string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
}

type fallbackConfig struct {
	Email        string
	Secret       string
	FailureDelay time.Duration
}

type redisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
	CodeTTL  time.Duration
}

// cacheConfig enables the per-process user cache. Other instances never invalidate it.
type cacheConfig struct {
	Enabled bool
	MaxKeys int64
	TTL     time.Duration
}

type creditsConfig struct {
	Default int64
}

// FromEnv reads the configuration from the environment. An APP_ENV that is missing or not
// recognized is treated as production.
func FromEnv() Config {
	appEnv := env.OneOf("APP_ENV", EnvProduction, EnvProduction, EnvStaging, EnvDevelopment, EnvTest)
	redisHost := env.String("REDIS_HOST", "")

	return Config{
		App: appConfig{
			Env:        appEnv,
			Production: appEnv == EnvProduction,
		},
		HTTP: httpConfig{
			ListenAddr:      env.String("HTTP_LISTEN_ADDR", ":8080"),
			ReadTimeout:     env.Duration("HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    env.Duration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     env.Duration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: env.Duration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		JWT: jwtConfig{
			Secret:    env.RequireString("JWT_SECRET"),
			Issuer:    env.String("JWT_ISSUER", "gatekeeper"),
			Algorithm: env.OneOf("JWT_ALGORITHM", "HS256", "HS256", "HS384", "HS512"),
			TTL:       env.Duration("JWT_TTL", 15*time.Minute),
		},
		DB: dbConfig{
			Driver:   env.OneOf("DB_DRIVER", DriverPostgres, DriverPostgres, DriverSQLite, DriverMemory),
			Host:     env.String("DB_HOST", "localhost"),
			Port:     env.String("DB_PORT", "5432"),
			User:     env.String("DB_USER", "gatekeeper"),
			Password: env.String("DB_PASSWORD", ""),
			Name:     env.String("DB_NAME", "gatekeeper"),
			SSLMode:  env.String("DB_SSLMODE", "disable"),
			Path:     env.String("DB_PATH", "data/gatekeeper.db"),
		},
		IdP: idpConfig{
			IssuerURL:    env.String("IDP_ISSUER_URL", ""),
			TokenURL:     env.String("IDP_TOKEN_URL", ""),
			ProfileURL:   env.String("IDP_PROFILE_URL", ""),
			ClientID:     env.String("IDP_CLIENT_ID", ""),
			ClientSecret: env.String("IDP_CLIENT_SECRET", ""),
			Scopes:       env.Strings("IDP_SCOPES", nil),
			Timeout:      env.Duration("IDP_TIMEOUT", 5*time.Second),
		},
		Fallback: fallbackConfig{
			Email:        env.String("FALLBACK_EMAIL", ""),
			Secret:       env.String("FALLBACK_SECRET", ""),
			FailureDelay: env.Duration("FALLBACK_FAILURE_DELAY", time.Second),
		},
		Redis: redisConfig{
			Enabled:  redisHost != "",
			Host:     redisHost,
			Port:     env.String("REDIS_PORT", "6379"),
			Password: env.String("REDIS_PASSWORD", ""),
			DB:       env.Int("REDIS_DB", 0),
			CodeTTL:  env.Duration("REDIS_CODE_TTL", time.Minute),
		},
		Cache: cacheConfig{
			Enabled: env.Bool("CACHE_ENABLED", false),
			MaxKeys: env.Int64("CACHE_MAX_KEYS", 10_000),
			TTL:     env.Duration("CACHE_TTL", 30*time.Second),
		},
		Credits: creditsConfig{
			Default: env.Int64("CREDITS_DEFAULT", 5),
		},
	}
}

// RemoteEnabled reports whether enough is configured to reach the identity provider.
func (c Config) RemoteEnabled() bool {
	return c.IdP.IssuerURL != "" || (c.IdP.TokenURL != "" && c.IdP.ProfileURL != "")
}
