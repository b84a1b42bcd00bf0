// Package noiseuploader implements a periodic noise-sensor export job.
//
// # Architecture
//
// Each run moves data strictly left to right through these packages:
//   - window: derives the [now-2h, now) range, truncated to the minute
//   - api: Sigicom search and data-fetch client
//   - transform: flattens interval records into fixed-column CSV rows
//   - delivery: stores the CSV on an FTP host and verifies the 226 reply
//   - pipeline: orchestrates one run and reports its outcome
//
// Supporting packages:
//   - config: YAML + environment configuration
//   - logging: logrus setup with optional file rotation, run ids
//   - metrics: Prometheus collectors, optional Pushgateway push
//   - database: optional write-only TimescaleDB archive of delivered rows
//   - scheduler, health: cron-driven mode with a gRPC health endpoint
//
// Key Features
//
//   - Stateless runs:
//     Nothing is carried from one run to the next; the window is always a
//     fixed look-back from the current time.
//
//   - Fail fast:
//     Search, fetch, flatten and delivery errors abort the run with no retry.
//     An empty response or two intervals or fewer end the run successfully
//     without uploading.
//
//   - Verified delivery:
//     A run only succeeds when the FTP server answers the upload with 226.
//
// Example Usage
//
//	p := pipeline.New(cfg, pipeline.Deps{
//	    Searcher:  client,
//	    Fetcher:   client,
//	    Flattener: transform.NewFlattener(logger),
//	    Deliverer: delivery.NewFTPUploader(delivery.DialFTP, 10*time.Second, logger),
//	}, logger)
//	outcome, err := p.Run(ctx)
package noiseuploader
