package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port       string `env:"PORT" envDefault:"8080"`
	DBAdapter  string `env:"DB_ADAPTER" envDefault:"postgres"`
	SQLiteFile string `env:"SQLITE_FILE" envDefault:"./data/sso.db"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	Env        string `env:"ENV"`
	// PostgreSQL connection settings
	PostgresDSN      string `env:"POSTGRES_DSN"`
	PostgresHost     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER" envDefault:"sso"`
	PostgresPassword string `env:"POSTGRES_PASSWORD"`
	PostgresDB       string `env:"POSTGRES_DB" envDefault:"sso"`
	PostgresSSLMode  string `env:"POSTGRES_SSLMODE" envDefault:"disable"`
	MigrationsDir    string `env:"MIGRATIONS_DIR" envDefault:"./migrations"`

	// Token signing. The previous key only verifies, and only for KeyOverlap after startup.
	JwtSecret         string        `env:"JWT_SECRET" envDefault:"change-me"`
	JwtKeyID          string        `env:"JWT_KEY_ID" envDefault:"k1"`
	JwtPreviousSecret string        `env:"JWT_PREVIOUS_SECRET"`
	JwtPreviousKeyID  string        `env:"JWT_PREVIOUS_KEY_ID" envDefault:"k0"`
	KeyOverlap        time.Duration `env:"JWT_KEY_OVERLAP"`
	Issuer            string        `env:"ISSUER" envDefault:"sso-portal"`

	AccessTokenTTL       time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL      time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`
	AuthorizationCodeTTL time.Duration `env:"AUTHORIZATION_CODE_TTL" envDefault:"90s"`
	FirstPartyClientID   string        `env:"FIRST_PARTY_CLIENT_ID" envDefault:"sso-portal"`

	SessionBackend string        `env:"SESSION_BACKEND" envDefault:"memory"`
	SessionTTL     time.Duration `env:"SESSION_TTL" envDefault:"12h"`
	CookieSecure   bool          `env:"COOKIE_SECURE" envDefault:"true"`
	LoginURL       string        `env:"LOGIN_URL" envDefault:"/portal/"`
	RedisAddr      string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword  string        `env:"REDIS_PASSWORD"`
	RedisDB        int           `env:"REDIS_DB" envDefault:"0"`
	RedisKeyPrefix string        `env:"REDIS_KEY_PREFIX" envDefault:"sso:session:"`

	CleanupInterval    time.Duration `env:"CLEANUP_INTERVAL" envDefault:"10m"`
	RateLimitPerMinute int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"60"`
	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	// If DSN is provided directly, use it
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}
	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)
	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}
	return dsn, nil
}

// Production reports whether ENV names a production deployment.
func (c *Config) Production() bool {
	env := strings.ToLower(c.Env)
	return env == "production" || env == "prod"
}

// New loads the configuration from the process environment.
func New() (*Config, error) {
	return Parse(env.Options{})
}

// Parse loads the configuration with explicit options. Tests pass Environment.
func Parse(opts env.Options) (*Config, error) {
	c := &Config{}
	if err := env.ParseWithOptions(c, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if c.KeyOverlap == 0 {
		c.KeyOverlap = c.AccessTokenTTL
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	switch c.SessionBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported SESSION_BACKEND: %s (supported: memory, redis)", c.SessionBackend)
	}

	if c.Production() && (c.JwtSecret == "" || c.JwtSecret == "change-me") {
		return errors.New("JWT_SECRET must be set in production")
	}
	if len(c.JwtSecret) < 8 {
		return errors.New("JWT_SECRET must be at least 8 bytes")
	}
	if c.JwtPreviousSecret != "" && c.JwtPreviousKeyID == c.JwtKeyID {
		return errors.New("JWT_PREVIOUS_KEY_ID must differ from JWT_KEY_ID")
	}

	if c.AuthorizationCodeTTL < time.Minute || c.AuthorizationCodeTTL > 2*time.Minute {
		return fmt.Errorf("AUTHORIZATION_CODE_TTL must be between 60s and 120s, got %s", c.AuthorizationCodeTTL)
	}
	if c.AccessTokenTTL < time.Minute || c.AccessTokenTTL > time.Hour {
		return fmt.Errorf("ACCESS_TOKEN_TTL must be between 1m and 60m, got %s", c.AccessTokenTTL)
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		return errors.New("REFRESH_TOKEN_TTL must exceed ACCESS_TOKEN_TTL")
	}
	if c.FirstPartyClientID == "" {
		return errors.New("FIRST_PARTY_CLIENT_ID must be set")
	}
	if !strings.HasPrefix(c.LoginURL, "/") {
		return fmt.Errorf("LOGIN_URL must be an absolute path: %s", c.LoginURL)
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %d", c.RateLimitPerMinute)
	}

	// normalize port
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid PORT: %s", c.Port)
	}
	return nil
}
