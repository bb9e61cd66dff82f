package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/adapters/authority"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/fiscal"
)

// AppConfig encapsulates all runtime configuration knobs.
type AppConfig struct {
	App         AppSettings
	HTTP        HTTPSettings
	Auth        AuthSettings
	Log         LogSettings
	Database    DatabaseSettings
	Authority   AuthoritySettings
	Emission    EmissionSettings
	Contingency ContingencySettings
}

type AppSettings struct {
	Name        string
	Version     string
	Environment string
}

type HTTPSettings struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type AuthSettings struct {
	Enabled     bool
	IssuerURI   string
	JWKSetURI   string
	ClockSkew   time.Duration
	BypassPaths []string
}

type LogSettings struct {
	Level string
}

type DatabaseSettings struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// AuthoritySettings parameterizes the SOAP transport: the environment, the
// request timeout and one endpoint set per send mode. Endpoint URLs come
// from AUTHORITY_<MODE>_<SERVICE>_URL variables, where MODE is NORMAL,
// SVC_AN or SVC_RS.
type AuthoritySettings struct {
	Environment     fiscal.Environment
	Timeout         time.Duration
	SchemaDir       string
	SoftwareVersion string
	Endpoints       map[fiscal.EmissionMode]authority.Endpoints
}

// EmissionSettings tunes the synchronous emission pipeline.
type EmissionSettings struct {
	PollInterval time.Duration
	PollAttempts int
}

// ContingencySettings tunes the background resend worker.
type ContingencySettings struct {
	Interval          time.Duration
	BatchSize         int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	UnexpectedBackoff time.Duration
	RejectionBackoff  time.Duration
	// MaxAttempts parks an entry as FAILED once reached; zero retries forever.
	MaxAttempts  int
	PollInterval time.Duration
	PollAttempts int
}

// Load resolves the application configuration from environment variables.
// It first attempts to load variables from a .env file if it exists.
// Environment variables set in the system take precedence over .env file values.
func Load() (AppConfig, error) {
	_ = godotenv.Load()

	cfg := AppConfig{
		App: AppSettings{
			Name:        getEnv("APP_NAME", "nfe_emission_core"),
			Version:     getEnv("APP_VERSION", "0.1.0"),
			Environment: getEnv("APP_ENV", "local"),
		},
		HTTP: HTTPSettings{
			Port:            getEnvAsInt("APP_PORT", 8080),
			ReadTimeout:     getEnvAsDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvAsDuration("HTTP_WRITE_TIMEOUT", 2*time.Minute),
			IdleTimeout:     getEnvAsDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Auth: AuthSettings{
			Enabled:     getEnvAsBool("AUTH_ENABLED", true),
			IssuerURI:   strings.TrimSpace(os.Getenv("JWT_ISSUER_URI")),
			JWKSetURI:   strings.TrimSpace(os.Getenv("JWT_JWK_SET_URI")),
			ClockSkew:   getEnvAsDuration("AUTH_CLOCK_SKEW", 2*time.Minute),
			BypassPaths: getEnvAsCSV("AUTH_BYPASS_PATHS", []string{"/health"}),
		},
		Log: LogSettings{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseSettings{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5433),
			Database:        getEnv("DB_NAME", "nfe_emission_core"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Authority: AuthoritySettings{
			Environment:     fiscal.Environment(getEnv("AUTHORITY_ENVIRONMENT", "2")),
			Timeout:         getEnvAsDuration("AUTHORITY_TIMEOUT", 30*time.Second),
			SchemaDir:       strings.TrimSpace(os.Getenv("AUTHORITY_SCHEMA_DIR")),
			SoftwareVersion: getEnv("AUTHORITY_SOFTWARE_VERSION", "S3E-1.0"),
			Endpoints: map[fiscal.EmissionMode]authority.Endpoints{
				fiscal.EmissionNormal: loadEndpoints("AUTHORITY_NORMAL"),
				fiscal.EmissionSVCAN:  loadEndpoints("AUTHORITY_SVC_AN"),
				fiscal.EmissionSVCRS:  loadEndpoints("AUTHORITY_SVC_RS"),
			},
		},
		Emission: EmissionSettings{
			PollInterval: getEnvAsDuration("EMISSION_POLL_INTERVAL", 2*time.Second),
			PollAttempts: getEnvAsInt("EMISSION_POLL_ATTEMPTS", 15),
		},
		Contingency: ContingencySettings{
			Interval:          getEnvAsDuration("CONTINGENCY_INTERVAL", 30*time.Second),
			BatchSize:         getEnvAsInt("CONTINGENCY_BATCH_SIZE", 10),
			BaseBackoff:       getEnvAsDuration("CONTINGENCY_BASE_BACKOFF", time.Minute),
			MaxBackoff:        getEnvAsDuration("CONTINGENCY_MAX_BACKOFF", time.Hour),
			UnexpectedBackoff: getEnvAsDuration("CONTINGENCY_UNEXPECTED_BACKOFF", 10*time.Minute),
			RejectionBackoff:  getEnvAsDuration("CONTINGENCY_REJECTION_BACKOFF", 30*time.Minute),
			MaxAttempts:       getEnvAsInt("CONTINGENCY_MAX_ATTEMPTS", 0),
			PollInterval:      getEnvAsDuration("CONTINGENCY_POLL_INTERVAL", 2*time.Second),
			PollAttempts:      getEnvAsInt("CONTINGENCY_POLL_ATTEMPTS", 5),
		},
	}

	if cfg.Authority.Environment != fiscal.EnvironmentProduction &&
		cfg.Authority.Environment != fiscal.EnvironmentHomologation {
		return cfg, errors.New("invalid config: AUTHORITY_ENVIRONMENT must be '1' (production) or '2' (homologation)")
	}
	if cfg.Contingency.MaxAttempts < 0 {
		return cfg, errors.New("invalid config: CONTINGENCY_MAX_ATTEMPTS must not be negative")
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.IssuerURI == "" {
			return cfg, errors.New("invalid config: JWT_ISSUER_URI is required when AUTH_ENABLED=true")
		}
		if cfg.Auth.JWKSetURI == "" {
			return cfg, errors.New("invalid config: JWT_JWK_SET_URI is required when AUTH_ENABLED=true")
		}
	}

	return cfg, nil
}

// loadEndpoints reads one endpoint set from <prefix>_<SERVICE>_URL variables.
func loadEndpoints(prefix string) authority.Endpoints {
	return authority.Endpoints{
		Authorization:  strings.TrimSpace(os.Getenv(prefix + "_AUTHORIZATION_URL")),
		ReceiptQuery:   strings.TrimSpace(os.Getenv(prefix + "_RECEIPT_QUERY_URL")),
		ProtocolQuery:  strings.TrimSpace(os.Getenv(prefix + "_PROTOCOL_QUERY_URL")),
		StatusService:  strings.TrimSpace(os.Getenv(prefix + "_STATUS_SERVICE_URL")),
		Invalidation:   strings.TrimSpace(os.Getenv(prefix + "_INVALIDATION_URL")),
		EventReception: strings.TrimSpace(os.Getenv(prefix + "_EVENT_RECEPTION_URL")),
	}
}

// Address returns the HTTP listen address in host:port form.
func (h HTTPSettings) Address() string {
	return fmt.Sprintf(":%d", h.Port)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsCSV(key string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	if len(values) == 0 {
		return fallback
	}
	return values
}
