package main

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/campusauth/internal/apperrors"
	"github.com/nkiryanov/campusauth/internal/handlers/gate"
	"github.com/nkiryanov/campusauth/internal/logger"
	"github.com/nkiryanov/campusauth/internal/service/auth/tokencodec"
	"github.com/nkiryanov/campusauth/internal/service/captcha"
	"github.com/nkiryanov/campusauth/internal/service/fingerprint"
	"github.com/nkiryanov/campusauth/internal/service/verifycache"
)

const (
	defaultListenAddr   = "localhost:8000"
	defaultLoggingLevel = logger.LevelInfo
	defaultEnvironment  = logger.EnvProduction
	defaultSessionStore = storePostgres
	defaultRedisAddr    = "localhost:6379"
	defaultGateMode     = gate.ModeFull
)

// Where sessions, refresh markers and token versions live
const (
	storePostgres = "postgres"
	storeRedis    = "redis"
)

type Config struct {
	// Default logging level
	LogLevel string

	// Address on which the service will be run
	ListenAddr string

	// Database to connect to, users are always stored there
	DatabaseDSN string

	// Secret key
	// Signs JWT tokens and keys the verification cache, at least 32 characters
	SecretKey string

	// Environment (dev, prod). Cookies are Secure in prod.
	Environment string

	// Session store: postgres or redis
	SessionStore string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// hCaptcha secret, captcha is not checked if empty
	HCaptchaSecret    string
	HCaptchaVerifyURL string

	// Route gate checker: edge or full
	GateMode string

	CacheMaxItems int64

	// Reverse proxies (addresses or CIDR) whose forwarding headers are trusted
	TrustedProxies []string
}

func NewConfig() *Config {
	return &Config{
		LogLevel:          defaultLoggingLevel,
		ListenAddr:        defaultListenAddr,
		Environment:       defaultEnvironment,
		SessionStore:      defaultSessionStore,
		RedisAddr:         defaultRedisAddr,
		HCaptchaVerifyURL: captcha.DefaultVerifyURL,
		GateMode:          defaultGateMode,
		CacheMaxItems:     verifycache.DefaultMaxItems,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}
	setList := func(o *[]string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = strings.Split(value, ",")
			}
			return nil
		}
	}
	setInt := func(key string, set func(int64)) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return &apperrors.ConfigError{Field: key, Reason: "must be an integer"}
			}
			set(n)
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"RUN_ADDRESS":         setString(&c.ListenAddr),
		"DATABASE_URI":        setString(&c.DatabaseDSN),
		"SECRET_KEY":          setString(&c.SecretKey),
		"LOG_LEVEL":           setString(&c.LogLevel),
		"ENVIRONMENT":         setString(&c.Environment),
		"SESSION_STORE":       setString(&c.SessionStore),
		"REDIS_ADDR":          setString(&c.RedisAddr),
		"REDIS_PASSWORD":      setString(&c.RedisPassword),
		"REDIS_DB":            setInt("REDIS_DB", func(n int64) { c.RedisDB = int(n) }),
		"HCAPTCHA_SECRET":     setString(&c.HCaptchaSecret),
		"HCAPTCHA_VERIFY_URL": setString(&c.HCaptchaVerifyURL),
		"GATE_MODE":           setString(&c.GateMode),
		"CACHE_MAX_ITEMS":     setInt("CACHE_MAX_ITEMS", func(n int64) { c.CacheMaxItems = n }),
		"TRUSTED_PROXIES":     setList(&c.TrustedProxies),
	}

	var errs []error
	for key, parseFn := range envMap {
		errs = append(errs, parseFn(getenv(key)))
	}
	return errors.Join(errs...)
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("campusauth", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVarP(&c.SecretKey, "secret-key", "s", c.SecretKey, "Secret key")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")
	fs.StringVar(&c.SessionStore, "session-store", c.SessionStore, "Session store (postgres, redis)")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Redis address")
	fs.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "Redis database number")
	fs.StringVar(&c.HCaptchaSecret, "hcaptcha-secret", c.HCaptchaSecret, "hCaptcha secret, captcha is off if empty")
	fs.StringVar(&c.HCaptchaVerifyURL, "hcaptcha-verify-url", c.HCaptchaVerifyURL, "hCaptcha siteverify endpoint")
	fs.StringVarP(&c.GateMode, "gate-mode", "g", c.GateMode, "Route gate mode (edge, full)")
	fs.Int64Var(&c.CacheMaxItems, "cache-max-items", c.CacheMaxItems, "Verification cache capacity")
	fs.StringSliceVar(&c.TrustedProxies, "trusted-proxies", c.TrustedProxies, "Reverse proxies trusted to set X-Forwarded-For (addresses or CIDR)")

	return fs.Parse(args)
}

// Validate reports the first setting the service can't start with
func (c *Config) Validate() error {
	switch {
	case len(c.SecretKey) < tokencodec.MinSecretLength:
		return &apperrors.ConfigError{Field: "SECRET_KEY", Reason: "must be at least 32 characters"}
	case c.DatabaseDSN == "":
		return &apperrors.ConfigError{Field: "DATABASE_URI", Reason: "is required"}
	case c.SessionStore != storePostgres && c.SessionStore != storeRedis:
		return &apperrors.ConfigError{Field: "SESSION_STORE", Reason: "must be postgres or redis"}
	case c.GateMode != gate.ModeEdge && c.GateMode != gate.ModeFull:
		return &apperrors.ConfigError{Field: "GATE_MODE", Reason: "must be edge or full"}
	case c.CacheMaxItems <= 0:
		return &apperrors.ConfigError{Field: "CACHE_MAX_ITEMS", Reason: "must be positive"}
	}
	if _, err := fingerprint.ParseProxies(c.TrustedProxies); err != nil {
		return &apperrors.ConfigError{Field: "TRUSTED_PROXIES", Reason: err.Error()}
	}
	return nil
}
