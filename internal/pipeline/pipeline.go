// Package pipeline runs one search, fetch, flatten and deliver cycle.
package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/noiseuploader/internal/database"
	"github.com/tejusbharadwaj/noiseuploader/internal/delivery"
	"github.com/tejusbharadwaj/noiseuploader/internal/logging"
	"github.com/tejusbharadwaj/noiseuploader/internal/metrics"
	"github.com/tejusbharadwaj/noiseuploader/internal/models"
	"github.com/tejusbharadwaj/noiseuploader/internal/window"
)

// Outcome is how a run ended.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeDelivered
	// OutcomeNoData means the vendor returned an empty body for the window.
	OutcomeNoData
	// OutcomeInsufficientData means too few intervals came back to upload.
	OutcomeInsufficientData
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeNoData:
		return "no_data"
	case OutcomeInsufficientData:
		return "insufficient_data"
	default:
		return "failed"
	}
}

type Searcher interface {
	Search(ctx context.Context, w models.TimeWindow, deviceID string) (models.SearchHandle, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, handle models.SearchHandle) (*models.MeasurementPayload, error)
}

type Flattener interface {
	Flatten(payload *models.MeasurementPayload, deviceID string) (*models.OutputDocument, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, doc *models.OutputDocument, filename string, dest delivery.Destination, creds delivery.Credentials) (delivery.Result, error)
}

// Config is the per-process run configuration. It is built once at startup
// and never read from globals.
type Config struct {
	DeviceID    string
	Lookback    time.Duration
	Filename    string
	Destination delivery.Destination
	Credentials delivery.Credentials
}

// Deps are the stage implementations. Archive, Metrics and Clock are optional.
type Deps struct {
	Searcher  Searcher
	Fetcher   Fetcher
	Flattener Flattener
	Deliverer Deliverer
	Archive   database.IntervalArchive
	Metrics   *metrics.Metrics
	Clock     func() time.Time
}

type Pipeline struct {
	cfg    Config
	deps   Deps
	logger logrus.FieldLogger
}

func New(cfg Config, deps Deps, logger logrus.FieldLogger) *Pipeline {
	if cfg.Lookback <= 0 {
		cfg.Lookback = window.DefaultLookback
	}
	if cfg.Filename == "" {
		cfg.Filename = delivery.DefaultFilename
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Pipeline{cfg: cfg, deps: deps, logger: logger}
}

// Run executes one cycle. Stage errors are returned unchanged; an empty
// payload or too few intervals end the run early with a nil error.
func (p *Pipeline) Run(ctx context.Context) (Outcome, error) {
	ctx, _ = logging.WithRunID(ctx)
	logger := logging.FromContext(ctx, p.logger).WithField("device_id", p.cfg.DeviceID)

	outcome, err := p.run(ctx, logger)
	p.deps.Metrics.RecordRun(outcome.String(), p.deps.Clock())
	if err != nil {
		logger.WithError(err).Error("Run failed")
		return OutcomeFailed, err
	}

	logger.WithField("outcome", outcome.String()).Info("Finished")
	return outcome, nil
}

func (p *Pipeline) run(ctx context.Context, logger logrus.FieldLogger) (Outcome, error) {
	w := window.Calculate(p.deps.Clock(), p.cfg.Lookback)
	logger.WithFields(logrus.Fields{
		"start": w.Start.Format(time.RFC3339),
		"end":   w.End.Format(time.RFC3339),
	}).Info("Starting run")

	start := time.Now()
	handle, err := p.deps.Searcher.Search(ctx, w, p.cfg.DeviceID)
	p.deps.Metrics.ObserveStage("search", start)
	if err != nil {
		return OutcomeFailed, err
	}

	start = time.Now()
	payload, err := p.deps.Fetcher.Fetch(ctx, handle)
	p.deps.Metrics.ObserveStage("fetch", start)
	if err != nil {
		return OutcomeFailed, err
	}
	if payload.Empty() {
		logger.Info("No data for window")
		return OutcomeNoData, nil
	}

	start = time.Now()
	doc, err := p.deps.Flattener.Flatten(payload, p.cfg.DeviceID)
	p.deps.Metrics.ObserveStage("flatten", start)
	if err != nil {
		return OutcomeFailed, err
	}
	if doc == nil {
		return OutcomeInsufficientData, nil
	}

	start = time.Now()
	_, err = p.deps.Deliverer.Deliver(ctx, doc, p.cfg.Filename, p.cfg.Destination, p.cfg.Credentials)
	p.deps.Metrics.ObserveStage("deliver", start)
	if err != nil {
		return OutcomeFailed, err
	}
	p.deps.Metrics.RecordDelivered(len(doc.Rows))

	p.archive(ctx, logger, doc)
	return OutcomeDelivered, nil
}

// archive stores the delivered rows. The file is already on the destination,
// so a failure here is reported but does not fail the run.
func (p *Pipeline) archive(ctx context.Context, logger logrus.FieldLogger, doc *models.OutputDocument) {
	if p.deps.Archive == nil {
		return
	}
	start := time.Now()
	err := p.deps.Archive.BatchInsertIntervals(ctx, p.cfg.DeviceID, doc.Rows)
	p.deps.Metrics.ObserveStage("archive", start)
	if err != nil {
		p.deps.Metrics.RecordArchiveError()
		logger.WithError(err).Warn("Failed to archive intervals")
	}
}
