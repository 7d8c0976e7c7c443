package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"imagegen-payment-api/database"
	"imagegen-payment-api/services/email"
)

type Config struct {
	Database database.DatabaseConfig
	Proxy    ProxyConfig
	SDK      SDKConfig
	SMTP     email.SMTPConfig
	Server   ServerConfig
	Redis    RedisConfig
	Session  SessionConfig
	JWT      JWTConfig
	ThreeDS  ThreeDSConfig
	Log      LogConfig
}

// ProxyConfig points at the PHP payment proxy and the subscription manager.
type ProxyConfig struct {
	BaseURL       string
	ActivationURL string
	AppID         string
	Timeout       time.Duration
}

type SDKConfig struct {
	PublicID     string
	PublicKeyURL string
	LoadTimeout  time.Duration
}

type ServerConfig struct {
	Port           string
	AllowedOrigins []string
	// TrustedProxies lists the IPs or CIDRs whose forwarding headers are
	// believed when rate limiting.
	TrustedProxies []string
}

type RedisConfig struct {
	URL               string
	WorkerConcurrency int
	FollowUpDelay     time.Duration
}

type SessionConfig struct {
	Secret   string
	Domain   string
	MaxAge   int
	Secure   bool
	HttpOnly bool
}

type JWTConfig struct {
	Secret string
	Issuer string
}

type ThreeDSConfig struct {
	// CallbackURL is the absolute TermUrl handed to the ACS.
	CallbackURL      string
	ProfileURL       string
	RelayOrigin      string
	SubmitDelay      time.Duration
	FormCheckDelay   time.Duration
	RetryDelay       time.Duration
	PopupCloseDelay  time.Duration
	PendingMaxAge    time.Duration
	ResultTTL        time.Duration
	CountdownSeconds int
}

type LogConfig struct {
	Level       string
	Development bool
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	workerConcurrency := getEnvAsInt("WORKER_CONCURRENCY", 2)

	cfg := &Config{
		Database: database.DatabaseConfig{
			Host:     os.Getenv("DB_HOST"),
			User:     os.Getenv("DB_USER"),
			Password: os.Getenv("DB_PASSWORD"),
			DBName:   os.Getenv("DB_NAME"),
		},
		Proxy: ProxyConfig{
			BaseURL:       strings.TrimSuffix(os.Getenv("PROXY_BASE_URL"), "/"),
			ActivationURL: getEnv("PROXY_ACTIVATION_URL", ""),
			AppID:         os.Getenv("PROXY_APP_ID"),
			Timeout:       getEnvAsDuration("PROXY_TIMEOUT", 30*time.Second),
		},
		SDK: SDKConfig{
			PublicID:     os.Getenv("SDK_PUBLIC_ID"),
			PublicKeyURL: getEnv("SDK_PUBLIC_KEY_URL", "https://api.cloudpayments.ru/payments/publickey"),
			LoadTimeout:  getEnvAsDuration("SDK_LOAD_TIMEOUT", 5*time.Second),
		},
		SMTP: email.SMTPConfig{
			Host:         os.Getenv("SMTP_HOST"),
			Port:         getEnv("SMTP_PORT", "587"),
			Username:     os.Getenv("SMTP_USER"),
			Password:     os.Getenv("SMTP_PASSWORD"),
			From:         getEnv("SMTP_FROM", "no-reply@imagegen.app"),
			SupportEmail: getEnv("SUPPORT_EMAIL", "support@imagegen.app"),
		},
		Server: ServerConfig{
			Port:           getEnv("SERVER_PORT", "8080"),
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
			TrustedProxies: getEnvAsList("TRUSTED_PROXIES"),
		},
		Redis: RedisConfig{
			URL:               os.Getenv("REDIS_URL"),
			WorkerConcurrency: workerConcurrency,
			FollowUpDelay:     getEnvAsDuration("ACTIVATION_FOLLOWUP_DELAY", 30*time.Second),
		},
		Session: SessionConfig{
			Secret:   os.Getenv("SESSION_SECRET"),
			Domain:   os.Getenv("SESSION_DOMAIN"),
			MaxAge:   getEnvAsInt("SESSION_MAX_AGE", 3600),
			Secure:   getEnvAsBool("SESSION_SECURE", true),
			HttpOnly: getEnvAsBool("SESSION_HTTP_ONLY", true),
		},
		JWT: JWTConfig{
			Secret: os.Getenv("JWT_SECRET"),
			Issuer: getEnv("JWT_ISSUER", "imagegen"),
		},
		ThreeDS: ThreeDSConfig{
			CallbackURL:      os.Getenv("THREEDS_CALLBACK_URL"),
			ProfileURL:       getEnv("THREEDS_PROFILE_URL", "/profile"),
			RelayOrigin:      getEnv("THREEDS_RELAY_ORIGIN", "*"),
			SubmitDelay:      getEnvAsDuration("THREEDS_SUBMIT_DELAY", 500*time.Millisecond),
			FormCheckDelay:   getEnvAsDuration("THREEDS_FORM_CHECK_DELAY", 500*time.Millisecond),
			RetryDelay:       getEnvAsDuration("THREEDS_RETRY_DELAY", 800*time.Millisecond),
			PopupCloseDelay:  getEnvAsDuration("THREEDS_POPUP_CLOSE_DELAY", 2*time.Second),
			PendingMaxAge:    getEnvAsDuration("THREEDS_PENDING_MAX_AGE", 30*time.Minute),
			ResultTTL:        getEnvAsDuration("THREEDS_RESULT_TTL", time.Hour),
			CountdownSeconds: getEnvAsInt("THREEDS_COUNTDOWN_SECONDS", 10),
		},
		Log: LogConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Development: getEnvAsBool("LOG_DEVELOPMENT", false),
		},
	}

	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379/0"
		log.Printf("Warning: REDIS_URL not set, using default: %s", cfg.Redis.URL)
	}
	if cfg.Proxy.ActivationURL == "" && cfg.Proxy.BaseURL != "" {
		cfg.Proxy.ActivationURL = cfg.Proxy.BaseURL + "/api/subscribe/manage.php"
	}

	return cfg
}

// Validate reports settings the service cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.Proxy.BaseURL == "" {
		errs = append(errs, errors.New("PROXY_BASE_URL is required"))
	}
	if c.ThreeDS.CallbackURL == "" {
		errs = append(errs, errors.New("THREEDS_CALLBACK_URL is required"))
	}
	if c.Session.Secret == "" {
		errs = append(errs, errors.New("SESSION_SECRET is required"))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}
