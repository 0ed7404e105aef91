package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"sensorflow/baseline"
	"sensorflow/config"
	"sensorflow/dispatcher"
	"sensorflow/drift"
	"sensorflow/internal/channel"
	"sensorflow/logger"
	"sensorflow/reader"
	"sensorflow/scorer"
	"sensorflow/validator"
	"sensorflow/writer"
)

type component struct {
	name  string
	start func(context.Context) error
	stop  func()
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Sensorflow.Name,
		"version": cfg.Sensorflow.Version,
	}).Info("starting sensorflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Storage.S3.Enabled {
		logger.InitCloudWatch(cfg.Storage.S3.Region, "SensorFlow", cfg.Sensorflow.Name)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(
		cfg.Channels.RawBuffer,
		cfg.Channels.ResultBuffer,
		cfg.Channels.EventBuffer,
	)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx)

	store := baseline.NewStore(cfg)

	v, err := validator.NewValidator(cfg, store, channels)
	if err != nil {
		log.WithError(err).Error("failed to build validator")
		os.Exit(1)
	}

	qualityScorer := scorer.NewScorer(cfg, channels)
	detector := drift.NewDetector(cfg, store, channels, qualityScorer)

	sinks := []dispatcher.Sink{dispatcher.NewLogSink()}

	if cfg.Dispatcher.Kafka.Enabled {
		kafkaSink, err := dispatcher.NewKafkaSink(cfg)
		if err != nil {
			log.WithError(err).Error("failed to build kafka sink")
			os.Exit(1)
		}
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}

	var archive *writer.ArchiveSink
	if cfg.Archive.Enabled {
		archive, err = writer.NewArchiveSink(cfg)
		if err != nil {
			log.WithError(err).Error("failed to build archive sink")
			os.Exit(1)
		}
		sinks = append(sinks, archive)
	}

	d, err := dispatcher.NewDispatcher(cfg, channels, sinks...)
	if err != nil {
		log.WithError(err).Error("failed to build dispatcher")
		os.Exit(1)
	}

	var snapshotter *writer.Snapshotter
	if cfg.Storage.Snapshot.Enabled {
		var persister writer.SnapshotPersister
		if cfg.Storage.S3.Enabled {
			persister, err = writer.NewS3SnapshotStore(cfg)
		} else {
			persister, err = writer.NewFileSnapshotStore(cfg.Storage.Snapshot.Dir)
		}
		if err != nil {
			log.WithError(err).Error("failed to build snapshot store")
			os.Exit(1)
		}

		snapshotter = writer.NewSnapshotter(cfg, persister, store, v.Cache())
		if err := snapshotter.Restore(ctx); err != nil {
			log.WithError(err).Warn("snapshot restore failed, starting cold")
		}
	}

	components := []component{
		{"baseline store", store.Start, store.Stop},
		{"dispatcher", d.Start, d.Stop},
		{"quality scorer", qualityScorer.Start, qualityScorer.Stop},
		{"drift detector", detector.Start, detector.Stop},
		{"validator", v.Start, v.Stop},
	}
	if archive != nil {
		components = append(components, component{"archive sink", archive.Start, archive.Stop})
	}
	if snapshotter != nil {
		components = append(components, component{"snapshotter", snapshotter.Start, snapshotter.Stop})
	}
	if cfg.Ingest.File.Enabled {
		fileReader := reader.NewFileReader(cfg, channels)
		components = append(components, component{"file reader", fileReader.Start, fileReader.Stop})
	}
	if cfg.Ingest.Websocket.Enabled {
		wsReader := reader.NewWebsocketReader(cfg, channels)
		components = append(components, component{"websocket reader", wsReader.Start, wsReader.Stop})
	}

	for _, c := range components {
		if err := c.start(ctx); err != nil {
			log.WithError(err).WithFields(logger.Fields{"component": c.name}).Error("failed to start component")
			os.Exit(1)
		}
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		// Stop in reverse start order so producers drain before consumers.
		for i := len(components) - 1; i >= 0; i-- {
			log.WithFields(logger.Fields{"component": components[i].name}).Info("stopping component")
			components[i].stop()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("sensorflow stopped")
}
