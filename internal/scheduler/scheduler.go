package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/noiseuploader/internal/pipeline"
)

// DefaultRunTimeout bounds a single scheduled run.
const DefaultRunTimeout = 2 * time.Minute

// Runner executes one pipeline cycle.
type Runner interface {
	Run(ctx context.Context) (pipeline.Outcome, error)
}

// RunHook is called after every scheduled run.
type RunHook func(outcome pipeline.Outcome, err error)

// Scheduler triggers runs on a cron schedule. A trigger that fires while the
// previous run is still going is skipped, so runs never overlap.
type Scheduler struct {
	ctx        context.Context
	runner     Runner
	logger     *logrus.Logger
	cron       *cron.Cron
	runTimeout time.Duration
	hooks      []RunHook
}

func NewScheduler(ctx context.Context, runner Runner, logger *logrus.Logger, hooks ...RunHook) *Scheduler {
	cronLogger := cron.PrintfLogger(logger.WithField("component", "cron"))
	return &Scheduler{
		ctx:        ctx,
		runner:     runner,
		logger:     logger,
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger)), cron.WithLogger(cronLogger)),
		runTimeout: DefaultRunTimeout,
		hooks:      hooks,
	}
}

// Start the scheduler
func (s *Scheduler) Start(spec string) error {
	_, err := s.cron.AddFunc(spec, s.collectData)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// collectData runs one pipeline cycle and reports it to the hooks
func (s *Scheduler) collectData() {
	ctx, cancel := context.WithTimeout(s.ctx, s.runTimeout)
	defer cancel()

	outcome, err := s.runner.Run(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Scheduled run failed")
	}
	for _, hook := range s.hooks {
		hook(outcome, err)
	}
}

// Stop the scheduler and wait for a running job to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
