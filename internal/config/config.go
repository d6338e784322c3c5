package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/forge/internal/model"
)

const (
	defaultEngineURL            = "http://localhost:8080/engine-rest"
	defaultAsyncResponseTimeout = 20 * time.Second
	defaultLockDuration         = 10 * time.Second
	defaultMaxTasks             = 1
	defaultShutdownGrace        = 10 * time.Second
	defaultBackoffMax           = 30 * time.Second
	defaultListenAddr           = ":8081"
	defaultDBPath               = "forge.db"
	defaultProbeURL             = "https://httpbin.org/get"
	defaultRPAExecutable        = "UiRobot"
	defaultSMTPAddr             = "localhost:25"
	defaultSMTPFrom             = "forge@localhost"

	envEngineURL            = "FORGE_ENGINE_URL"
	envEngineUser           = "FORGE_ENGINE_USER"
	envEnginePassword       = "FORGE_ENGINE_PASSWORD"
	envWorkerID             = "FORGE_WORKER_ID"
	envAsyncResponseTimeout = "FORGE_ASYNC_RESPONSE_TIMEOUT"
	envLockDuration         = "FORGE_LOCK_DURATION"
	envMaxTasks             = "FORGE_MAX_TASKS"
	envWorkerPoolSize       = "FORGE_WORKER_POOL_SIZE"
	envHandlerTimeout       = "FORGE_HANDLER_TIMEOUT"
	envShutdownGrace        = "FORGE_SHUTDOWN_GRACE"
	envFetchInterval        = "FORGE_FETCH_INTERVAL"
	envBackoffMax           = "FORGE_BACKOFF_MAX"
	envUsePriority          = "FORGE_USE_PRIORITY"
	envListenAddr           = "FORGE_LISTEN_ADDR"
	envDBPath               = "FORGE_DB_PATH"
	envLogLevel             = "FORGE_LOG_LEVEL"
	envSubscriptionsFile    = "FORGE_SUBSCRIPTIONS_FILE"
	envProbeDefaultURL      = "FORGE_PROBE_DEFAULT_URL"
	envRPAExecutable        = "FORGE_RPA_EXECUTABLE"
	envRPAPackage           = "FORGE_RPA_PACKAGE"
	envSMTPAddr             = "FORGE_SMTP_ADDR"
	envSMTPFrom             = "FORGE_SMTP_FROM"
	envSMTPUser             = "FORGE_SMTP_USER"
	envSMTPPassword         = "FORGE_SMTP_PASSWORD"
	envRedisURL             = "FORGE_REDIS_URL"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	// Engine connection.
	EngineURL      string
	EngineUser     string
	EnginePassword string
	WorkerID       string

	// Worker loop.
	AsyncResponseTimeout time.Duration
	LockDuration         time.Duration
	MaxTasks             int
	WorkerPoolSize       int
	HandlerTimeout       time.Duration
	ShutdownGrace        time.Duration
	FetchInterval        time.Duration
	BackoffMax           time.Duration
	UsePriority          bool

	// Ops surface.
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	SubscriptionsFile string

	// Handler settings. These are opaque to the worker core.
	ProbeDefaultURL string
	RPAExecutable   string
	RPAPackage      string
	SMTPAddr        string
	SMTPFrom        string
	SMTPUser        string
	SMTPPassword    string
	RedisURL        string
}

// Load reads configuration from environment variables with sensible
// defaults. Every malformed value is reported in the returned error.
func Load() (Config, error) {
	cfg := Config{
		EngineURL:            defaultEngineURL,
		AsyncResponseTimeout: defaultAsyncResponseTimeout,
		LockDuration:         defaultLockDuration,
		MaxTasks:             defaultMaxTasks,
		ShutdownGrace:        defaultShutdownGrace,
		BackoffMax:           defaultBackoffMax,
		UsePriority:          true,
		ListenAddr:           defaultListenAddr,
		DBPath:               defaultDBPath,
		LogLevel:             slog.LevelInfo,
		ProbeDefaultURL:      defaultProbeURL,
		RPAExecutable:        defaultRPAExecutable,
		SMTPAddr:             defaultSMTPAddr,
		SMTPFrom:             defaultSMTPFrom,
	}

	var errs []error
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setDuration := func(dst *time.Duration, key string) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative", key))
			return
		}
		*dst = d
	}
	setInt := func(dst *int, key string) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	setBool := func(dst *bool, key string) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}

	setString(&cfg.EngineURL, envEngineURL)
	setString(&cfg.EngineUser, envEngineUser)
	setString(&cfg.EnginePassword, envEnginePassword)
	setString(&cfg.WorkerID, envWorkerID)
	setDuration(&cfg.AsyncResponseTimeout, envAsyncResponseTimeout)
	setDuration(&cfg.LockDuration, envLockDuration)
	setInt(&cfg.MaxTasks, envMaxTasks)
	setInt(&cfg.WorkerPoolSize, envWorkerPoolSize)
	setDuration(&cfg.HandlerTimeout, envHandlerTimeout)
	setDuration(&cfg.ShutdownGrace, envShutdownGrace)
	setDuration(&cfg.FetchInterval, envFetchInterval)
	setDuration(&cfg.BackoffMax, envBackoffMax)
	setBool(&cfg.UsePriority, envUsePriority)
	setString(&cfg.ListenAddr, envListenAddr)
	setString(&cfg.DBPath, envDBPath)
	setString(&cfg.SubscriptionsFile, envSubscriptionsFile)
	setString(&cfg.ProbeDefaultURL, envProbeDefaultURL)
	setString(&cfg.RPAExecutable, envRPAExecutable)
	setString(&cfg.RPAPackage, envRPAPackage)
	setString(&cfg.SMTPAddr, envSMTPAddr)
	setString(&cfg.SMTPFrom, envSMTPFrom)
	setString(&cfg.SMTPUser, envSMTPUser)
	setString(&cfg.SMTPPassword, envSMTPPassword)
	setString(&cfg.RedisURL, envRedisURL)
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	if cfg.MaxTasks <= 0 {
		errs = append(errs, fmt.Errorf("%s: must be positive, got %d", envMaxTasks, cfg.MaxTasks))
	}
	if cfg.WorkerPoolSize < 0 {
		errs = append(errs, fmt.Errorf("%s: must not be negative, got %d", envWorkerPoolSize, cfg.WorkerPoolSize))
	}
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = cfg.MaxTasks
	}
	if cfg.LockDuration < time.Millisecond {
		errs = append(errs, fmt.Errorf("%s: must be at least 1ms", envLockDuration))
	}
	if u, err := url.Parse(cfg.EngineURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("%s: %q is not an http(s) URL", envEngineURL, cfg.EngineURL))
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}

	return cfg, errors.Join(errs...)
}

func defaultWorkerID() string {
	host, _ := os.Hostname()
	return model.NewWorkerID(host)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
