package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/tejusbharadwaj/noiseuploader/internal/api"
	"github.com/tejusbharadwaj/noiseuploader/internal/config"
	"github.com/tejusbharadwaj/noiseuploader/internal/database"
	"github.com/tejusbharadwaj/noiseuploader/internal/delivery"
	"github.com/tejusbharadwaj/noiseuploader/internal/health"
	"github.com/tejusbharadwaj/noiseuploader/internal/logging"
	"github.com/tejusbharadwaj/noiseuploader/internal/metrics"
	"github.com/tejusbharadwaj/noiseuploader/internal/pipeline"
	"github.com/tejusbharadwaj/noiseuploader/internal/scheduler"
	"github.com/tejusbharadwaj/noiseuploader/internal/transform"
)

// Command noiseuploader fetches recent noise-sensor intervals from the Sigicom
// API, flattens them into CSV and uploads the file over FTP.
//
// By default it performs a single run and exits 0 on success (including runs
// with no data) or 1 on any failure. With -schedule it keeps running and
// triggers a run on the given cron schedule, never overlapping runs.
//
// Usage:
//
//	noiseuploader [flags]
//
// The flags are:
//
//	-config string
//	      path to config file (default "config.yaml")
//	-schedule string
//	      cron spec for repeated runs, e.g. "*/15 * * * *" (default: run once)
//	-health-port int
//	      gRPC health port while scheduled, 0 disables (default 8081)
func main() {
	os.Exit(run())
}

type Flags struct {
	ConfigPath string
	Schedule   string
	HealthPort int
}

func parseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "config.yaml", "Path to config file")
	flag.StringVar(&f.Schedule, "schedule", "", "Cron spec for repeated runs; empty runs once")
	flag.IntVar(&f.HealthPort, "health-port", 8081, "gRPC health port while scheduled, 0 disables")

	flag.Parse()

	return f
}

func run() int {
	flags := parseFlags()

	// Load configuration
	appConfig, err := config.Load(flags.ConfigPath)
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		return 1
	}
	if err := appConfig.Validate(); err != nil {
		log.Printf("Invalid configuration: %v", err)
		return 1
	}

	// Initialize structured logger
	logger, closer, err := logging.New(logging.Options{
		Level:      appConfig.Logging.Level,
		Format:     appConfig.Logging.Format,
		File:       appConfig.Logging.File,
		MaxSizeMB:  appConfig.Logging.MaxSizeMB,
		MaxBackups: appConfig.Logging.MaxBackups,
	})
	if err != nil {
		log.Printf("Failed to create logger: %v", err)
		return 1
	}
	defer closer.Close()

	p, m, cleanup, err := buildPipeline(appConfig, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to build pipeline")
		return 1
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if flags.Schedule == "" {
		return runOnce(ctx, p, m, appConfig, logger)
	}
	return runScheduled(ctx, p, m, appConfig, flags, logger)
}

func buildPipeline(appConfig *config.Config, logger *logrus.Logger) (*pipeline.Pipeline, *metrics.Metrics, func(), error) {
	loc, err := time.LoadLocation(appConfig.API.Timezone)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load timezone: %w", err)
	}

	client := api.NewSigicomClient(api.ClientConfig{
		BaseURL:           appConfig.API.URL,
		UserID:            appConfig.API.UserID,
		UserToken:         appConfig.API.UserToken,
		Location:          loc,
		Timeout:           appConfig.API.Timeout,
		RequestsPerSecond: appConfig.API.RequestsPerSecond,
	}, logger)

	m := metrics.New()
	deps := pipeline.Deps{
		Searcher:  client,
		Fetcher:   client,
		Flattener: transform.NewFlattener(logger),
		Deliverer: delivery.NewFTPUploader(delivery.DialFTP, appConfig.Delivery.Timeout, logger),
		Metrics:   m,
		Clock:     func() time.Time { return time.Now().In(loc) },
	}

	cleanup := func() {}
	if appConfig.Archive.Enabled {
		repo, err := database.NewPostgresRepo(appConfig.Archive.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect archive: %w", err)
		}
		deps.Archive = repo
		cleanup = func() { repo.Close() }
	}

	p := pipeline.New(pipeline.Config{
		DeviceID:    appConfig.API.DeviceID,
		Lookback:    appConfig.Pipeline.Lookback,
		Filename:    appConfig.Delivery.Filename,
		Destination: delivery.Destination{Host: appConfig.Delivery.Host},
		Credentials: delivery.Credentials{
			Username: appConfig.Delivery.Username,
			Password: appConfig.Delivery.Password,
		},
	}, deps, logger)

	return p, m, cleanup, nil
}

func runOnce(ctx context.Context, p *pipeline.Pipeline, m *metrics.Metrics, appConfig *config.Config, logger *logrus.Logger) int {
	_, err := p.Run(ctx)
	pushMetrics(ctx, m, appConfig, logger)
	if err != nil {
		// Already logged with run context by the pipeline.
		return 1
	}
	return 0
}

func runScheduled(ctx context.Context, p *pipeline.Pipeline, m *metrics.Metrics, appConfig *config.Config, flags *Flags, logger *logrus.Logger) int {
	checker := health.NewHealthChecker()
	checker.SetServingStatus(health.ServiceProcess, grpc_health_v1.HealthCheckResponse_SERVING)

	errChan := make(chan error, 1)

	if flags.HealthPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", flags.HealthPort))
		if err != nil {
			logger.WithError(err).Error("Failed to listen")
			return 1
		}
		srv := health.NewServer(checker)
		defer srv.GracefulStop()

		logger.WithFields(logrus.Fields{
			"port": flags.HealthPort,
		}).Info("Starting gRPC health server")

		go func() {
			if err := srv.Serve(lis); err != nil {
				errChan <- fmt.Errorf("health server error: %w", err)
			}
		}()
	}

	sched := scheduler.NewScheduler(ctx, p, logger,
		func(_ pipeline.Outcome, err error) { checker.ReportRun(err) },
		func(pipeline.Outcome, error) { pushMetrics(ctx, m, appConfig, logger) },
	)
	if err := sched.Start(flags.Schedule); err != nil {
		logger.WithError(err).Error("Failed to start scheduler")
		return 1
	}
	logger.WithField("schedule", flags.Schedule).Info("Scheduler started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	code := 0
	select {
	case sig := <-sigChan:
		logger.Printf("Received signal %v, initiating shutdown", sig)
	case err := <-errChan:
		logger.WithError(err).Error("Service error")
		code = 1
	}

	checker.Shutdown()
	sched.Stop()
	logger.Println("Scheduler stopped")
	return code
}

func pushMetrics(ctx context.Context, m *metrics.Metrics, appConfig *config.Config, logger *logrus.Logger) {
	if appConfig.Metrics.PushgatewayURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := m.Push(ctx, appConfig.Metrics.PushgatewayURL, appConfig.Metrics.Job); err != nil {
		logger.WithError(err).Warn("Failed to push metrics")
	}
}
