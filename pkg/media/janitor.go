package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// RecordingJanitor deletes recordings older than the retention period on a
// cron schedule. A zero retention keeps everything.
type RecordingJanitor struct {
	dir       string
	retention time.Duration
	cron      *cron.Cron
	logger    *logrus.Logger
	now       func() time.Time
}

// NewRecordingJanitor creates a janitor for dir.
func NewRecordingJanitor(dir string, retention time.Duration, logger *logrus.Logger) *RecordingJanitor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RecordingJanitor{
		dir:       dir,
		retention: retention,
		cron:      cron.New(),
		logger:    logger,
		now:       time.Now,
	}
}

// Start schedules Sweep using a standard cron spec or a descriptor such as
// "@every 10m".
func (j *RecordingJanitor) Start(schedule string) error {
	if j.retention <= 0 {
		j.logger.WithField("dir", j.dir).Info("Recording retention disabled, janitor not scheduled")
		return nil
	}
	if _, err := j.cron.AddFunc(schedule, func() {
		if _, err := j.Sweep(); err != nil {
			j.logger.WithError(err).WithField("dir", j.dir).Warn("Recording cleanup incomplete")
		}
	}); err != nil {
		return fmt.Errorf("media: schedule recording cleanup %q: %w", schedule, err)
	}
	j.cron.Start()
	j.logger.WithFields(logrus.Fields{
		"dir":       j.dir,
		"retention": j.retention.String(),
		"schedule":  schedule,
	}).Info("Recording janitor started")
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (j *RecordingJanitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep removes expired .wav files and returns how many were deleted.
func (j *RecordingJanitor) Sweep() (int, error) {
	if j.retention <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("media: read recording dir: %w", err)
	}

	cutoff := j.now().Add(-j.retention)
	var (
		removed int
		errs    []error
	)
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.EqualFold(filepath.Ext(entry.Name()), ".wav") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(j.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		j.logger.WithFields(logrus.Fields{
			"path":     path,
			"modified": info.ModTime().Format(time.RFC3339),
		}).Debug("Removed expired recording")
	}

	if removed > 0 {
		j.logger.WithFields(logrus.Fields{
			"dir":     j.dir,
			"removed": removed,
		}).Info("Recording cleanup completed")
	}
	return removed, errors.Join(errs...)
}
