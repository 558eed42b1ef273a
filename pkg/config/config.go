// Package config loads service configuration from the environment, with an
// optional .env file layered underneath.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// DefaultEnvFile is read by Load when no file is given. A missing default
// file is not an error.
const DefaultEnvFile = ".env"

// envKeys lists every variable fromEnv reads.
var envKeys = []string{
	"RTP_LISTEN_ADDR", "RECORDING_DIR", "METRICS_ADDR", "LOG_LEVEL", "LOG_FORMAT",
	"CN_PAYLOAD_TYPE", "CN_SDP_OFFER", "CN_STRICT_SID", "CN_FRAME_INTERVAL",
	"SESSION_IDLE_TIMEOUT", "RECORDING_RETENTION", "RECORDING_CLEANUP_SCHEDULE",
	"OTEL_EXPORTER_ENDPOINT",
}

// Config holds the runtime settings of cngd.
type Config struct {
	RTPListenAddr string
	RecordingDir  string
	MetricsAddr   string

	LogLevel  string
	LogFormat string

	CNPayloadType      uint8
	CNSDPOffer         string
	StrictSID          bool
	FrameInterval      time.Duration
	SessionIdleTimeout time.Duration

	RecordingRetention       time.Duration
	RecordingCleanupSchedule string

	OTelEndpoint string
}

// Load reads envFile (if present) and then the process environment. Values
// already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	explicit := envFile != ""
	if !explicit {
		envFile = DefaultEnvFile
	}
	// godotenv.Load keeps any variable that is set, even to "". Blank values
	// count as unset here, so drop them and let the file fill them in.
	unsetBlank()
	if err := godotenv.Load(envFile); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}
	return fromEnv()
}

func fromEnv() (*Config, error) {
	cfg := &Config{
		RTPListenAddr:            getEnv("RTP_LISTEN_ADDR", ":4000"),
		RecordingDir:             getEnv("RECORDING_DIR", "./recordings"),
		MetricsAddr:              getEnv("METRICS_ADDR", ":9090"),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		LogFormat:                getEnv("LOG_FORMAT", "text"),
		RecordingCleanupSchedule: getEnv("RECORDING_CLEANUP_SCHEDULE", "@every 10m"),
		OTelEndpoint:             getEnv("OTEL_EXPORTER_ENDPOINT", ""),
		CNSDPOffer:               getEnv("CN_SDP_OFFER", ""),
	}

	var errs []error
	pt, err := strconv.ParseUint(getEnv("CN_PAYLOAD_TYPE", "13"), 10, 7)
	if err != nil {
		errs = append(errs, fmt.Errorf("CN_PAYLOAD_TYPE: %w", err))
	}
	cfg.CNPayloadType = uint8(pt)

	if cfg.StrictSID, err = strconv.ParseBool(getEnv("CN_STRICT_SID", "false")); err != nil {
		errs = append(errs, fmt.Errorf("CN_STRICT_SID: %w", err))
	}
	if cfg.FrameInterval, err = time.ParseDuration(getEnv("CN_FRAME_INTERVAL", "80ms")); err != nil {
		errs = append(errs, fmt.Errorf("CN_FRAME_INTERVAL: %w", err))
	}
	if cfg.SessionIdleTimeout, err = time.ParseDuration(getEnv("SESSION_IDLE_TIMEOUT", "30s")); err != nil {
		errs = append(errs, fmt.Errorf("SESSION_IDLE_TIMEOUT: %w", err))
	}
	if cfg.RecordingRetention, err = time.ParseDuration(getEnv("RECORDING_RETENTION", "0s")); err != nil {
		errs = append(errs, fmt.Errorf("RECORDING_RETENTION: %w", err))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.RTPListenAddr == "" {
		errs = append(errs, errors.New("RTP_LISTEN_ADDR must not be empty"))
	}
	if c.RecordingDir == "" {
		errs = append(errs, errors.New("RECORDING_DIR must not be empty"))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT: unknown format %q", c.LogFormat))
	}
	if c.CNPayloadType > 127 {
		errs = append(errs, fmt.Errorf("CN_PAYLOAD_TYPE: %d is not a valid RTP payload type", c.CNPayloadType))
	}
	if c.FrameInterval <= 0 {
		errs = append(errs, errors.New("CN_FRAME_INTERVAL must be positive"))
	}
	if c.SessionIdleTimeout <= 0 {
		errs = append(errs, errors.New("SESSION_IDLE_TIMEOUT must be positive"))
	}
	if c.RecordingRetention < 0 {
		errs = append(errs, errors.New("RECORDING_RETENTION must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ConfigureLogger applies level and format to logger.
func (c *Config) ConfigureLogger(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger.SetLevel(level)
	if strings.EqualFold(c.LogFormat, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func unsetBlank() {
	for _, key := range envKeys {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) == "" {
			os.Unsetenv(key)
		}
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}
