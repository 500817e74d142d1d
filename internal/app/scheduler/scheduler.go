package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/meridianws/identity/internal/models"
	"github.com/meridianws/identity/internal/services"
	"github.com/meridianws/identity/pkg/logger"
)

const defaultSyncSpec = "@hourly"

// Scheduler runs periodic directory syncs for every active provider that can
// serve a directory pull. Logins never wait on it: a provider that was never
// synced still authenticates users one at a time.
type Scheduler struct {
	providers *services.ProviderService
	sync      *services.SyncService
	cron      *cron.Cron
	log       *zap.Logger

	schedule string
	enabled  bool
}

// Option customises the Scheduler.
type Option func(*Scheduler)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithSchedule overrides the cron specification for sync runs.
func WithSchedule(spec string) Option {
	return func(s *Scheduler) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

// WithEnabled toggles the scheduler without unwiring it.
func WithEnabled(enabled bool) Option {
	return func(s *Scheduler) {
		s.enabled = enabled
	}
}

// New constructs a Scheduler with sensible defaults.
func New(providers *services.ProviderService, sync *services.SyncService, opts ...Option) *Scheduler {
	s := &Scheduler{
		providers: providers,
		sync:      sync,
		schedule:  defaultSyncSpec,
		enabled:   true,
		log:       logger.WithModule("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	if s.providers == nil || s.sync == nil {
		s.enabled = false
	}
	return s
}

// Start registers the sync job and launches the scheduler.
func (s *Scheduler) Start() error {
	if !s.enabled {
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.RunOnce(context.Background()); err != nil {
			s.log.Warn("scheduled directory sync failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any running sync to complete.
func (s *Scheduler) Stop() context.Context {
	if s.cron == nil {
		return context.Background()
	}
	return s.cron.Stop()
}

// RunOnce syncs every eligible provider sequentially. A failing provider does
// not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	providers, err := s.providers.List(ctx)
	if err != nil {
		return err
	}

	var errs error
	for i := range providers {
		provider := &providers[i]
		if provider.Status != models.ProviderStatusActive || !services.Syncable(provider) {
			continue
		}
		result, err := s.sync.SyncDirectory(ctx, provider.ID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		s.log.Info("provider synced",
			zap.String("provider_id", provider.ID),
			zap.Int("users", result.Users),
			zap.Int("failures", len(result.Errors)))
	}
	return errs
}
