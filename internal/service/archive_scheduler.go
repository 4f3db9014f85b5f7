package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// ArchiveConfig tunes the archive scheduler.
type ArchiveConfig struct {
	Interval time.Duration
	// Window is the width of one archive object; windows are aligned to
	// multiples of Window since the zero time, so 24h means UTC days.
	Window time.Duration
	// Lookback is how many closed windows each pass revisits. Windows that
	// were already exported are skipped by the archiver.
	Lookback int
}

// ArchiveScheduler exports closed windows of the trade journal and audit
// log to cold storage.
type ArchiveScheduler struct {
	archiver domain.Archiver
	cfg      ArchiveConfig
	now      func() time.Time
	logger   *slog.Logger
}

// NewArchiveScheduler creates an ArchiveScheduler.
func NewArchiveScheduler(archiver domain.Archiver, cfg ArchiveConfig, logger *slog.Logger) *ArchiveScheduler {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 3
	}
	return &ArchiveScheduler{
		archiver: archiver,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "archiver")),
	}
}

// Run archives once immediately and then on every tick until ctx is
// cancelled.
func (s *ArchiveScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "archiver: pass failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce archives the last Lookback closed windows and returns the number
// of rows exported. A failing window does not stop the others.
func (s *ArchiveScheduler) RunOnce(ctx context.Context) (int64, error) {
	end := s.now().UTC().Truncate(s.cfg.Window)
	var (
		total int64
		errs  []error
	)
	for i := s.cfg.Lookback; i >= 1; i-- {
		since := end.Add(-time.Duration(i) * s.cfg.Window)
		until := since.Add(s.cfg.Window)

		n, err := s.archiver.ArchiveTrades(ctx, since, until)
		if err != nil {
			errs = append(errs, fmt.Errorf("trades %s: %w", since.Format(time.RFC3339), err))
		}
		total += n

		n, err = s.archiver.ArchiveAudit(ctx, since, until)
		if err != nil {
			errs = append(errs, fmt.Errorf("audit %s: %w", since.Format(time.RFC3339), err))
		}
		total += n
	}
	if total > 0 {
		s.logger.InfoContext(ctx, "archiver: exported rows", slog.Int64("rows", total))
	}
	if err := errors.Join(errs...); err != nil {
		return total, fmt.Errorf("archiver: %w", err)
	}
	return total, nil
}
