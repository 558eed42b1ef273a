package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Watch reloads envFile whenever it changes and passes the new configuration
// to apply. Values from the file override the environment on reload, so an
// operator can change LOG_LEVEL or CN_STRICT_SID without a restart. Invalid
// reloads are logged and skipped. Watch blocks until ctx is done.
func Watch(ctx context.Context, envFile string, logger *logrus.Logger, apply func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer watcher.Close()

	target, err := filepath.Abs(envFile)
	if err != nil {
		return fmt.Errorf("config: resolve %s: %w", envFile, err)
	}
	// Watch the directory so editors that replace the file are picked up.
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("config: watch %s: %w", envFile, err)
	}

	logger.WithField("file", target).Info("Watching configuration file")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := godotenv.Overload(target); err != nil {
				logger.WithError(err).WithField("file", target).Warn("Failed to read configuration file")
				continue
			}
			cfg, err := fromEnv()
			if err != nil {
				logger.WithError(err).WithField("file", target).Warn("Ignoring invalid configuration reload")
				continue
			}
			logger.WithFields(logrus.Fields{
				"file":       target,
				"log_level":  cfg.LogLevel,
				"strict_sid": cfg.StrictSID,
			}).Info("Configuration reloaded")
			apply(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("Configuration watcher error")
		}
	}
}
