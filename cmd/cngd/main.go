// Command cngd receives RTP streams, synthesizes RFC 3389 comfort noise
// during silence periods and records each stream as a WAV file.
//
// Usage:
//
//	cngd [-env .env]
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cng-server/pkg/config"
	"cng-server/pkg/media"
	"cng-server/pkg/metrics"
	"cng-server/pkg/telemetry/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

func main() {
	envFile := flag.String("env", "", "Path to a .env file (default: ./.env if present)")
	flag.Parse()

	logger := logrus.New()
	cfg, err := config.Load(*envFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.ConfigureLogger(logger); err != nil {
		logger.WithError(err).Fatal("Failed to configure logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "cngd", cfg.OTelEndpoint)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Failed to flush traces")
		}
	}()

	cnType, err := resolveCNPayloadType(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to negotiate comfort noise payload type")
	}

	metricsServer := startMetricsServer(cfg.MetricsAddr, logger)

	janitor := media.NewRecordingJanitor(cfg.RecordingDir, cfg.RecordingRetention, logger)
	if err := janitor.Start(cfg.RecordingCleanupSchedule); err != nil {
		logger.WithError(err).Fatal("Failed to start recording janitor")
	}
	defer janitor.Stop()

	listener := media.NewListener(media.ListenerConfig{
		CNPayloadType: cnType,
		StrictSID:     cfg.StrictSID,
		FrameInterval: cfg.FrameInterval,
		IdleTimeout:   cfg.SessionIdleTimeout,
	}, media.WAVSinkFactory(cfg.RecordingDir), logger)

	if path := watchedEnvFile(*envFile); path != "" {
		go func() {
			err := config.Watch(ctx, path, logger, func(next *config.Config) {
				if err := next.ConfigureLogger(logger); err != nil {
					logger.WithError(err).Warn("Ignoring log settings from reload")
				}
				listener.SetStrictSID(next.StrictSID)
				if next.CNSDPOffer == "" {
					listener.SetCNPayloadType(next.CNPayloadType)
				}
			})
			if err != nil {
				logger.WithError(err).Warn("Configuration watcher stopped")
			}
		}()
	}

	logger.WithFields(logrus.Fields{
		"rtp_addr":        cfg.RTPListenAddr,
		"recording_dir":   cfg.RecordingDir,
		"cn_payload_type": cnType,
		"strict_sid":      cfg.StrictSID,
	}).Info("Starting comfort noise service")

	if err := listener.ListenAndServe(ctx, cfg.RTPListenAddr); err != nil {
		logger.WithError(err).Error("RTP listener failed")
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Failed to stop metrics server")
		}
	}
	logger.Info("Comfort noise service stopped")
}

// resolveCNPayloadType prefers the payload type found in CN_SDP_OFFER.
func resolveCNPayloadType(cfg *config.Config, logger *logrus.Logger) (uint8, error) {
	if cfg.CNSDPOffer == "" {
		return cfg.CNPayloadType, nil
	}
	offer, err := os.ReadFile(cfg.CNSDPOffer)
	if err != nil {
		return 0, err
	}
	pt, err := media.NegotiateComfortNoise(offer)
	if err != nil {
		return 0, err
	}
	logger.WithFields(logrus.Fields{
		"sdp_offer":    cfg.CNSDPOffer,
		"payload_type": pt,
	}).Info("Comfort noise payload type negotiated from SDP offer")
	return pt, nil
}

func startMetricsServer(addr string, logger *logrus.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Init(reg); err != nil {
		logger.WithError(err).Fatal("Failed to register metrics")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()
	logger.WithField("addr", addr).Info("Metrics server listening")
	return srv
}

func watchedEnvFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if _, err := os.Stat(config.DefaultEnvFile); err == nil {
		return config.DefaultEnvFile
	}
	return ""
}
