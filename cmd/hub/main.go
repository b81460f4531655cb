package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/your-org/streamhub/internal/archive"
	"github.com/your-org/streamhub/internal/catalog"
	"github.com/your-org/streamhub/internal/clock"
	"github.com/your-org/streamhub/internal/distribute"
	"github.com/your-org/streamhub/internal/events"
	"github.com/your-org/streamhub/internal/frame"
	"github.com/your-org/streamhub/internal/gateway"
	"github.com/your-org/streamhub/internal/hub"
	"github.com/your-org/streamhub/internal/ingest"
	"github.com/your-org/streamhub/internal/normalize"
	"github.com/your-org/streamhub/internal/source"
	"github.com/your-org/streamhub/internal/subscription"
	"github.com/your-org/streamhub/internal/timesync"
	"github.com/your-org/streamhub/pkg/config"
	"github.com/your-org/streamhub/pkg/kafka"
	"github.com/your-org/streamhub/pkg/logger"
	"github.com/your-org/streamhub/pkg/metrics"
	"github.com/your-org/streamhub/pkg/ringbuf"
	"github.com/your-org/streamhub/pkg/storage/objectstore"
	"github.com/your-org/streamhub/pkg/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logr, err := logger.New(logger.Options{
		Level:       cfg.App.LogLevel,
		Service:     cfg.App.Name,
		Version:     cfg.App.Version,
		Environment: cfg.App.Environment,
	})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	traceShutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		Attributes:     tracing.ParseAttributes(cfg.Tracing.ResourceAttr),
		ServiceName:    cfg.App.Name,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
	})
	if err != nil {
		logr.Fatal("init tracing", zap.Error(err))
	}
	defer traceShutdown(context.Background()) //nolint:errcheck

	refClock, err := clock.NewSystem()
	if err != nil {
		logr.Fatal("init reference clock", zap.Error(err))
	}

	m := metrics.New()
	sources := source.NewRegistry(source.Params{Logger: logr, Metrics: m})

	policy, err := ringbuf.ParsePolicy(cfg.Distribute.DropPolicy)
	if err != nil {
		logr.Fatal("parse drop policy", zap.Error(err))
	}
	subs := subscription.NewRegistry(subscription.Params{
		Defaults: subscription.QueueOptions{
			Capacity:     cfg.Distribute.QueueCapacity,
			Policy:       policy,
			BlockTimeout: cfg.Distribute.BlockTimeout,
			EvictAfter:   cfg.Distribute.EvictAfter,
		},
		Logger:  logr,
		Metrics: m,
	})

	syncr, err := timesync.New(timesync.Params{
		Clock: refClock,
		Config: timesync.Config{
			CalibrationSamples: cfg.Sync.CalibrationSamples,
			Alpha:              cfg.Sync.Alpha,
			ResyncThreshold:    cfg.Sync.ResyncThreshold,
		},
		Logger:  logr,
		Metrics: m,
	})
	if err != nil {
		logr.Fatal("init synchronizer", zap.Error(err))
	}

	var (
		feeds ingest.Feeds
		push  *ingest.PushFeeds
		natsF *ingest.NATSFeeds
	)
	switch cfg.Ingest.Driver {
	case "nats":
		natsF, err = ingest.ConnectNATS(ingest.NATSConfig{
			URL:           cfg.NATS.URL,
			Name:          cfg.App.Name,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
			Buffer:        cfg.Ingest.FeedBuffer,
		}, logr, m)
		if err != nil {
			logr.Fatal("init nats feeds", zap.Error(err))
		}
		feeds = natsF
	default:
		push = ingest.NewPushFeeds(cfg.Ingest.FeedBuffer, m)
		feeds = push
	}

	dist := distribute.New(distribute.Params{Subscriptions: subs, Logger: logr, Metrics: m})

	gw := gateway.New(gateway.Params{
		Subscriptions: subs,
		Config: gateway.Config{
			HandshakeTimeout:  cfg.Gateway.HandshakeTimeout,
			HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
			HeartbeatMisses:   cfg.Gateway.HeartbeatMisses,
			DrainGrace:        cfg.Gateway.DrainGrace,
			WriteTimeout:      cfg.Gateway.WriteTimeout,
			MaxQueueCapacity:  cfg.Gateway.MaxQueueCapacity,
			AcceptRate:        cfg.Gateway.AcceptRate,
			AcceptBurst:       cfg.Gateway.AcceptBurst,
			ReadLimit:         cfg.Gateway.ReadLimit,
		},
		Logger:  logr,
		Metrics: m,
	})

	h := hub.New(hub.Params{
		Sources:      sources,
		Feeds:        feeds,
		Synchronizer: syncr,
		Normalizer: normalize.New(normalize.Config{
			AudioSampleRate: cfg.Normalize.AudioSampleRate,
			AudioChannels:   cfg.Normalize.AudioChannels,
			VideoMaxHeight:  cfg.Normalize.VideoMaxHeight,
		}),
		Distributor: dist,
		Ingest: ingest.Config{
			QueueCapacity: cfg.Ingest.QueueCapacity,
			BackoffBase:   cfg.Ingest.BackoffBase,
			BackoffCap:    cfg.Ingest.BackoffCap,
			DegradedAfter: cfg.Ingest.DegradedAfter,
			StaleTimeout:  cfg.Ingest.StaleTimeout,
		},
		Logger:  logr,
		Metrics: m,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := h.Run(ctx); err != nil {
			logr.Error("hub stopped", zap.Error(err))
		}
	}()

	var producer *kafka.Producer
	if cfg.Kafka.Enabled() {
		producer, err = kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.EventsTopic,
			ClientID:     cfg.Kafka.ClientID,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			Compression:  kafka.CompressionFromString(cfg.Kafka.CompressionCodec),
			RequiredAcks: kafka.AcksFromInt(cfg.Kafka.Acks),
			MaxAttempts:  cfg.Kafka.Retries,
		})
		if err != nil {
			logr.Fatal("init kafka producer", zap.Error(err))
		}
		emitter := events.NewEmitter(events.Params{
			Publisher: producer,
			Config:    events.Config{Buffer: cfg.Kafka.EventBuffer},
			Logger:    logr,
			Metrics:   m,
		})
		sources.AddListener(emitter.Listen)
		wg.Add(1)
		go func() {
			defer wg.Done()
			emitter.Run(ctx)
		}()
	}

	var store objectstore.Client
	if cfg.Archive.Enabled {
		store, err = objectstore.New(objectstore.Config{
			Provider:  cfg.Storage.Provider,
			Endpoint:  cfg.Storage.Endpoint,
			Region:    cfg.Storage.Region,
			Bucket:    cfg.Storage.Bucket,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
		})
		if err != nil {
			logr.Fatal("init object store", zap.Error(err))
		}
		types := make([]frame.StreamType, 0, len(cfg.Archive.StreamTypes))
		for _, raw := range cfg.Archive.StreamTypes {
			st := frame.StreamType(raw)
			if !st.Valid() {
				logr.Fatal("invalid archive stream type", zap.String("stream_type", raw))
			}
			types = append(types, st)
		}
		sink := archive.New(archive.Params{
			Subscriptions: subs,
			Store:         store,
			Config: archive.Config{
				StreamTypes:     types,
				SegmentFrames:   cfg.Archive.SegmentFrames,
				SegmentInterval: cfg.Archive.SegmentInterval,
				QueueCapacity:   cfg.Archive.QueueCapacity,
				UploadTimeout:   cfg.Archive.UploadTimeout,
			},
			Logger:  logr,
			Metrics: m,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sink.Run(ctx); err != nil {
				logr.Error("archive sink stopped", zap.Error(err))
			}
		}()
	}

	if cfg.Catalog.Path != "" {
		watcher := catalog.NewWatcher(catalog.WatcherParams{Path: cfg.Catalog.Path, Registry: sources, Logger: logr})
		if cfg.Catalog.Watch {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := watcher.Run(ctx); err != nil {
					logr.Error("catalog watcher stopped", zap.Error(err))
				}
			}()
		} else if err := watcher.Bootstrap(ctx); err != nil {
			logr.Fatal("load catalog", zap.Error(err))
		}
	}

	handler := hub.NewHTTPHandler(hub.HTTPParams{
		Hub:           h,
		Sources:       sources,
		Subscriptions: subs,
		Synchronizer:  syncr,
		Distributor:   dist,
		Gateway:       gw,
		Push:          push,
		MaxFrameBytes: cfg.HTTP.MaxFrameBytes,
		Logger:        logr,
	})

	// No WriteTimeout: agent websockets are long lived.
	server := &http.Server{
		Addr:        cfg.HTTP.Addr,
		Handler:     handler.Router(),
		ReadTimeout: cfg.HTTP.ReadTimeout,
		IdleTimeout: cfg.HTTP.IdleTimeout,
	}

	metricsServer := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Error("metrics server failed", zap.Error(err))
		}
	}()

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	grpcLis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		logr.Fatal("listen grpc", zap.Error(err))
	}
	go func() {
		if err := grpcServer.Serve(grpcLis); err != nil {
			logr.Error("grpc server failed", zap.Error(err))
		}
	}()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		healthSrv.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logr.Error("http server shutdown failed", zap.Error(err))
		}
		if err := gw.Close(shutdownCtx); err != nil {
			logr.Error("gateway shutdown failed", zap.Error(err))
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logr.Error("metrics server shutdown failed", zap.Error(err))
		}
		grpcServer.GracefulStop()
	}()

	logr.Info("stream hub starting",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("ingest_driver", cfg.Ingest.Driver),
		zap.Bool("events", cfg.Kafka.Enabled()),
		zap.Bool("archive", cfg.Archive.Enabled))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logr.Fatal("http server failed", zap.Error(err))
	}

	<-shutdownDone
	wg.Wait()
	if producer != nil {
		if err := producer.Close(); err != nil {
			logr.Error("kafka producer close failed", zap.Error(err))
		}
	}
	if store != nil {
		if err := store.Close(); err != nil {
			logr.Error("object store close failed", zap.Error(err))
		}
	}
	if natsF != nil {
		if err := natsF.Close(); err != nil {
			logr.Error("nats close failed", zap.Error(err))
		}
	}
	logr.Info("stream hub stopped")
}
