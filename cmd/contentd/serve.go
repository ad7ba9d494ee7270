package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/groblegark/contentd/internal/archive"
	"github.com/groblegark/contentd/internal/config"
	"github.com/groblegark/contentd/internal/content"
	"github.com/groblegark/contentd/internal/eventlog"
	"github.com/groblegark/contentd/internal/messaging"
	"github.com/groblegark/contentd/internal/model"
	"github.com/groblegark/contentd/internal/outbox"
	"github.com/groblegark/contentd/internal/projection"
	"github.com/groblegark/contentd/internal/scheduler"
	"github.com/groblegark/contentd/internal/snapshot"
	"github.com/groblegark/contentd/internal/store/postgres"
	"github.com/groblegark/contentd/internal/trigger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the content engine workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		st, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer st.Close()

		log := eventlog.New(st)
		contentSnapshots := snapshot.NewStore[content.State](st, content.SnapshotKind)
		schemaSnapshots := snapshot.NewStore[content.Schema](st, content.SchemaSnapshotKind)
		checkpoints := snapshot.NewStore[projection.Checkpoint](st, projection.CheckpointKind)
		contents := content.NewService(log, contentSnapshots, logger)

		var publisher messaging.Publisher
		if cfg.NATSURL != "" {
			pub, err := messaging.NewNATSPublisher(cfg.NATSURL)
			if err != nil {
				return err
			}
			publisher = pub
			logger.Info("bus enabled", "nats_url", cfg.NATSURL)
		} else {
			publisher = &messaging.NoopPublisher{}
			logger.Info("bus disabled (CONTENTD_NATS_URL not set)")
		}
		defer publisher.Close()

		// Read-model and outbox projections, each behind its own checkpoint.
		contentRunner := projection.NewRunner(log, checkpoints,
			projection.NewContentProjector(st, schemaSnapshots), cfg.ProjectionInterval, logger)
		contentRunner.Start()
		defer contentRunner.Stop()

		outboxRunner := projection.NewRunner(log, checkpoints,
			outbox.NewProjector(st), cfg.ProjectionInterval, logger)
		outboxRunner.Start()
		defer outboxRunner.Stop()

		// Due-time pollers.
		retry := scheduler.RetryPolicy{
			BaseDelay: cfg.RetryBaseDelay,
			MaxDelay:  cfg.RetryMaxDelay,
			MaxCalls:  cfg.RetryMaxCalls,
		}

		publishWorker := scheduler.NewWorker(
			scheduler.NewPublishPoller(st, contents, 0, logger), cfg.ScheduleInterval, logger)
		publishWorker.Start()
		defer publishWorker.Stop()

		flowWorker := scheduler.NewWorker(
			scheduler.NewFlowPoller(st, flowRunner(publisher), retry, cfg.Partition, cfg.Partitions, 0, logger),
			cfg.FlowInterval, logger)
		flowWorker.Start()
		defer flowWorker.Stop()

		relay := outbox.NewRelay(st, publisher, logger)
		relayWorker := scheduler.NewWorker(relay, cfg.RelayInterval, logger)
		relayWorker.Start()
		defer relayWorker.Stop()

		// Maintenance runs on the cron table so only one replica does it.
		cron := scheduler.NewCronPoller(st, 0, logger)
		cron.Register("outbox-sweep", scheduler.CronHandlerFunc(
			func(ctx context.Context, job *model.CronJob) (time.Time, bool, error) {
				n, err := relay.SweepExpired(ctx)
				if err != nil {
					return time.Time{}, false, err
				}
				if n > 0 {
					logger.Info("swept expired messages", "count", n)
				}
				return time.Now().UTC().Add(time.Hour), false, nil
			}))
		cron.Register("position-repair", scheduler.CronHandlerFunc(
			func(ctx context.Context, job *model.CronJob) (time.Time, bool, error) {
				n, err := log.RepairPositions(ctx, 100)
				if err != nil {
					return time.Time{}, false, err
				}
				if n > 0 {
					logger.Warn("repaired commit positions", "count", n)
				}
				return time.Now().UTC().Add(time.Minute), false, nil
			}))
		if err := seedCronJobs(cmd.Context(), st); err != nil {
			return err
		}
		cronWorker := scheduler.NewWorker(cron, cfg.CronInterval, logger)
		cronWorker.Start()
		defer cronWorker.Stop()

		// Event archival to S3, if configured.
		var archiver *archive.Archiver
		if cfg.ArchiveInterval > 0 && cfg.ArchiveS3Bucket != "" {
			dest, err := archive.NewS3Destination(context.Background(),
				cfg.ArchiveS3Bucket, cfg.ArchiveS3Prefix, cfg.ArchiveS3Region, cfg.ArchiveS3Endpoint)
			if err != nil {
				logger.Error("failed to create archive destination", "err", err)
			} else {
				archiver = archive.NewArchiver(log, checkpoints, dest,
					cfg.ArchiveInterval, cfg.ArchiveBatchSize, logger)
				archiver.Start()
				defer archiver.Stop()
				logger.Info("archiver started", "bucket", cfg.ArchiveS3Bucket, "prefix", cfg.ArchiveS3Prefix)
			}
		}

		// Flow trigger subscriber, if the bus is available.
		var triggerCancel context.CancelFunc
		if cfg.NATSURL != "" {
			sub, err := messaging.NewNATSSubscriber(cfg.NATSURL)
			if err != nil {
				logger.Error("failed to create trigger subscriber", "err", err)
			} else {
				handler := trigger.NewHandler(st, logger)
				var triggerCtx context.Context
				triggerCtx, triggerCancel = context.WithCancel(context.Background())
				go func() {
					if err := handler.StartSubscriber(triggerCtx, sub); err != nil {
						logger.Error("trigger subscriber error", "err", err)
					}
					sub.Close()
				}()
			}
		}

		logger.Info("contentd started",
			"partition", cfg.Partition,
			"partitions", cfg.Partitions,
		)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		if triggerCancel != nil {
			triggerCancel()
		}
		// Deferred Stops drain the workers in reverse start order.
		return nil
	},
}

// seedCronJobs registers the maintenance jobs due immediately. A boot
// forcing one early sweep is harmless, and racing replicas just overwrite
// each other with the same row.
func seedCronJobs(ctx context.Context, st *postgres.PostgresStore) error {
	now := time.Now().UTC()
	for _, id := range []string{"outbox-sweep", "position-repair"} {
		if err := st.UpsertCronJob(ctx, &model.CronJob{ID: id, DueTime: now}); err != nil {
			return err
		}
	}
	return nil
}

// flowRunner hands each claimed flow to its owner over the bus and leaves it
// dormant. The owner resumes or completes it with a trigger event; a publish
// failure goes through the retry policy.
func flowRunner(publisher messaging.Publisher) scheduler.FlowRunner {
	return scheduler.FlowRunnerFunc(func(ctx context.Context, f *model.Flow) (scheduler.FlowResult, error) {
		if err := publisher.Publish(ctx, trigger.SubjectFlowRun, f); err != nil {
			return scheduler.FlowResult{}, err
		}
		return scheduler.FlowResult{}, nil
	})
}
