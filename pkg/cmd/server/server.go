package server

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // by design
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	otlpruntime "go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/mpapenbr/tirewatch-backend-go/log"
	"github.com/mpapenbr/tirewatch-backend-go/pkg/broadcast"
	"github.com/mpapenbr/tirewatch-backend-go/pkg/buffer"
	"github.com/mpapenbr/tirewatch-backend-go/pkg/config"
	"github.com/mpapenbr/tirewatch-backend-go/pkg/db/postgres"
	"github.com/mpapenbr/tirewatch-backend-go/pkg/endpoints/public"
	"github.com/mpapenbr/tirewatch-backend-go/pkg/ingest"
	"github.com/mpapenbr/tirewatch-backend-go/pkg/model"
	"github.com/mpapenbr/tirewatch-backend-go/pkg/processing/stress"
	"github.com/mpapenbr/tirewatch-backend-go/pkg/repository/insight"
	"github.com/mpapenbr/tirewatch-backend-go/pkg/stream"
	"github.com/mpapenbr/tirewatch-backend-go/pkg/utils"
)

//nolint:funlen // by design
func NewServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "starts the tirewatch backend server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return startServer()
		},
	}
	cmd.Flags().StringVarP(&config.ServerAddr,
		"addr",
		"a",
		"localhost:8080",
		"listen address for the HTTP server")
	cmd.Flags().StringVar(&config.LogLevel,
		"log-level",
		"info",
		"controls the log level (debug, info, warn, error, fatal)")
	cmd.Flags().StringVar(&config.SQLLogLevel,
		"sql-log-level",
		"warn",
		"controls the log level for sql methods")
	cmd.Flags().StringVar(&config.LogFormat,
		"log-format",
		"json",
		"controls the log output format")
	cmd.Flags().BoolVar(&config.EnableTelemetry,
		"enable-telemetry",
		false,
		"enables telemetry")
	cmd.Flags().StringVar(&config.TelemetryEndpoint,
		"telemetry-endpoint",
		"localhost:4317",
		"endpoint that receives open telemetry data")
	cmd.Flags().IntVar(&config.ProfilingPort,
		"profiling-port",
		0,
		"port to use for providing profiling data")
	cmd.Flags().StringVar(&config.S3Endpoint,
		"s3-endpoint",
		"",
		"custom endpoint for S3 compatible object stores")
	cmd.Flags().StringVar(&config.S3Region,
		"s3-region",
		"us-east-1",
		"region of the object store")
	cmd.Flags().StringVar(&config.S3Bucket,
		"s3-bucket",
		"tirewatch-telemetry",
		"bucket holding the telemetry exports")
	cmd.Flags().StringVar(&config.S3Prefix,
		"s3-prefix",
		"telemetry/",
		"key prefix to poll for telemetry exports")
	cmd.Flags().StringVar(&config.S3AccessKey,
		"s3-access-key",
		"",
		"static access key (empty: default credential chain)")
	cmd.Flags().StringVar(&config.S3SecretKey,
		"s3-secret-key",
		"",
		"static secret key")
	cmd.Flags().StringVar(&config.PollInterval,
		"poll-interval",
		"30s",
		"interval between object store polls")
	cmd.Flags().IntVar(&config.BufferCapacity,
		"buffer-capacity",
		10000,
		"capacity of the sample buffer")
	cmd.Flags().IntVar(&config.BatchSize,
		"batch-size",
		500,
		"max samples per aggregation batch")
	cmd.Flags().StringVar(&config.FlushInterval,
		"flush-interval",
		"5s",
		"interval between aggregation batches")
	cmd.Flags().IntVar(&config.AggregateWorkers,
		"aggregate-workers",
		2,
		"number of aggregation workers")
	cmd.Flags().StringVar(&config.ReadBlockTimeout,
		"read-block-timeout",
		"2s",
		"bounded wait of a result log read")
	cmd.Flags().IntVar(&config.ReadMaxCount,
		"read-max-count",
		100,
		"max records per result log read")
	cmd.Flags().StringVar(&config.BackoffDelay,
		"backoff-delay",
		"1s",
		"delay after consecutive result log read errors")
	cmd.Flags().Int64Var(&config.BackpressureThreshold,
		"backpressure-threshold",
		broadcast.DefaultBackpressureThreshold,
		"outbound byte limit per live subscriber")
	cmd.Flags().Float64Var(&config.TrackLengthM,
		"track-length",
		model.DefaultTrackLengthM,
		"fallback track length for tracks without a sector table")
	cmd.Flags().StringVar(&config.SectorTableFile,
		"sector-table-file",
		"",
		"path to a json file with per-track sector tables")
	return cmd
}

func parseLogLevel(l string, defaultVal log.Level) log.Level {
	level, err := log.ParseLevel(l)
	if err != nil {
		return defaultVal
	}
	return level
}

func parseDuration(value string, defaultVal time.Duration) time.Duration {
	ret, err := time.ParseDuration(value)
	if err != nil {
		return defaultVal
	}
	return ret
}

//nolint:funlen,cyclop // by design
func startServer() error {
	var logger *log.Logger
	var sqlLogger *log.Logger
	var telemetry *config.Telemetry
	switch config.LogFormat {
	case "json":
		logger = log.New(
			os.Stderr,
			parseLogLevel(config.LogLevel, log.InfoLevel),
			log.WithCaller(true),
			log.AddCallerSkip(1))
		sqlLogger = log.New(
			os.Stderr,
			parseLogLevel(config.SQLLogLevel, log.InfoLevel),
			log.WithCaller(true),
			log.AddCallerSkip(1))
	default:
		logger = log.DevLogger(
			os.Stderr,
			parseLogLevel(config.LogLevel, log.DebugLevel),
			log.WithCaller(true),
			log.AddCallerSkip(1))
		sqlLogger = log.DevLogger(
			os.Stderr,
			parseLogLevel(config.SQLLogLevel, log.InfoLevel),
			log.WithCaller(true),
			log.AddCallerSkip(1))
	}

	log.ResetDefault(logger)

	log.Debug("Config:",
		log.String("db", config.DB),
		log.String("nats", config.NatsURL),
		log.String("bucket", config.S3Bucket),
		log.String("prefix", config.S3Prefix),
	)

	if config.ProfilingPort > 0 {
		log.Info("Starting profiling server on port",
			log.Int("port", config.ProfilingPort))
		go func() {
			//nolint:gosec // by design
			err := http.ListenAndServe(
				fmt.Sprintf("localhost:%d", config.ProfilingPort),
				nil)
			if err != nil {
				log.Error("Profiling server stopped", log.ErrorField(err))
			}
		}()
	}

	waitForRequiredServices()

	if config.EnableTelemetry {
		log.Info("Enabling telemetry")
		var err error
		if telemetry, err = config.SetupTelemetry(context.Background()); err != nil {
			log.Warn("Could not setup telemetry", log.ErrorField(err))
		}
		err = otlpruntime.Start(
			otlpruntime.WithMinimumReadMemStatsInterval(time.Second))
		if err != nil {
			log.Warn("Could not start runtime metrics", log.ErrorField(err))
		}
	}

	log.Info("Starting server")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.InitWithURL(config.DB, postgres.WithTracer(sqlLogger))
	if err != nil {
		log.Error("could not connect database", log.ErrorField(err))
		return err
	}
	defer pool.Close()

	nc, err := nats.Connect(config.NatsURL)
	if err != nil {
		log.Error("could not connect nats", log.ErrorField(err))
		return err
	}
	defer nc.Close()

	resultLog, err := stream.NewJetStreamLog(ctx, nc)
	if err != nil {
		log.Error("could not setup result log", log.ErrorField(err))
		return err
	}

	hub := broadcast.NewHub(
		broadcast.WithBackpressureThreshold(config.BackpressureThreshold))
	defer hub.Close()

	if err = startPipeline(ctx, resultLog); err != nil {
		return err
	}
	startConsumer(ctx, resultLog, pool, hub)

	mux := http.NewServeMux()
	public.InitPublicEndpoints(pool, hub).RegisterRoutes(mux)
	server := &http.Server{
		Addr:              config.ServerAddr,
		Handler:           newCORS().Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("Starting HTTP server", log.String("addr", config.ServerAddr))
		if srvErr := server.ListenAndServe(); srvErr != nil &&
			srvErr != http.ErrServerClosed {
			log.Fatal("server could not be started", log.ErrorField(srvErr))
		}
	}()

	log.Info("Server started")
	setupGoRoutinesDump()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	v := <-sigChan
	log.Debug("Got signal ", log.Any("signal", v))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(), 10*time.Second)
	defer shutdownCancel()
	//nolint:errcheck // shutdown is best effort
	server.Shutdown(shutdownCtx)
	if telemetry != nil {
		telemetry.Shutdown()
	}

	log.Info("Server terminated")
	return nil
}

// startPipeline wires object store polling, sample buffering and aggregation
// together: poller fills the buffer, the drain loop submits batches to the
// aggregation workers and appends the resulting insights to the result log.
func startPipeline(ctx context.Context, resultLog stream.ResultLog) error {
	store, err := createObjectStore(ctx)
	if err != nil {
		log.Error("could not setup object store", log.ErrorField(err))
		return err
	}
	buf := buffer.NewBounded(config.BufferCapacity)
	poller := ingest.NewPoller(store, buf,
		ingest.WithPrefix(config.S3Prefix),
		ingest.WithPollInterval(
			parseDuration(config.PollInterval, ingest.DefaultPollInterval)))
	go poller.Run(ctx)

	proc, err := createStressProcessor()
	if err != nil {
		return err
	}
	disp := stress.NewDispatcher(proc, stress.WithWorkers(config.AggregateWorkers))
	disp.Start(ctx)

	flushInterval := parseDuration(config.FlushInterval, 5*time.Second)
	go func() {
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				disp.Wait()
				return
			case <-ticker.C:
				samples := buf.Drain(config.BatchSize)
				if len(samples) == 0 {
					continue
				}
				insights, ok := <-disp.Submit(ctx, samples)
				if !ok {
					continue
				}
				appendInsights(ctx, resultLog, insights)
			}
		}
	}()
	return nil
}

//nolint:whitespace // editor/linter issue
func appendInsights(
	ctx context.Context, resultLog stream.ResultLog,
	insights []*model.TireStressInsight,
) {
	for _, item := range insights {
		payload, err := model.EncodeInsightRecord(item)
		if err != nil {
			log.Error("could not encode insight", log.ErrorField(err))
			continue
		}
		if _, err := resultLog.Append(ctx, payload); err != nil {
			log.Warn("could not append insight to result log",
				log.ErrorField(err))
		}
	}
}

// startConsumer tails the result log. Every insight record is persisted
// before it is fanned out to the live subscribers.
//nolint:whitespace // editor/linter issue
func startConsumer(
	ctx context.Context, resultLog stream.ResultLog,
	pool *pgxpool.Pool, hub *broadcast.Hub,
) {
	handler := func(rec *model.ResultRecord) {
		if rec.Type == model.MTInsightUpdate && rec.Insight != nil {
			item := &model.DbInsight{ID: rec.ID, Data: *rec.Insight}
			if err := insight.Upsert(ctx, pool, item); err != nil {
				log.Warn("could not persist insight",
					log.Uint64("id", rec.ID), log.ErrorField(err))
			}
		}
		hub.Publish(rec)
	}
	cons := stream.NewConsumer(resultLog, handler,
		stream.WithBlockTimeout(
			parseDuration(config.ReadBlockTimeout, stream.DefaultBlockTimeout)),
		stream.WithBackoffDelay(
			parseDuration(config.BackoffDelay, stream.DefaultBackoffDelay)),
		stream.WithReadMax(config.ReadMaxCount))
	go func() {
		if err := cons.Run(ctx); err != nil {
			log.Fatal("result log consumer failed", log.ErrorField(err))
		}
	}()
}

func createObjectStore(ctx context.Context) (ingest.ObjectStore, error) {
	opts := []ingest.S3Option{ingest.WithRegion(config.S3Region)}
	if config.S3Endpoint != "" {
		opts = append(opts, ingest.WithEndpoint(config.S3Endpoint))
	}
	if config.S3AccessKey != "" {
		opts = append(opts,
			ingest.WithStaticCredentials(config.S3AccessKey, config.S3SecretKey))
	}
	return ingest.NewS3Store(ctx, config.S3Bucket, opts...)
}

func createStressProcessor() (*stress.StressProcessor, error) {
	opts := []stress.StressProcessorOption{
		stress.WithDefaultTrackLength(config.TrackLengthM),
	}
	if config.SectorTableFile != "" {
		tables, err := model.LoadSectorTables(config.SectorTableFile)
		if err != nil {
			log.Error("could not load sector tables",
				log.String("file", config.SectorTableFile), log.ErrorField(err))
			return nil, err
		}
		log.Info("loaded sector tables", log.Int("tracks", len(tables)))
		opts = append(opts, stress.WithSectorTables(tables))
	}
	return stress.NewStressProcessor(opts...), nil
}

func setupGoRoutinesDump() {
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGQUIT)
		buf := make([]byte, 1<<20)
		for {
			<-sigs
			stacklen := runtime.Stack(buf, true)
			fmt.Printf("=== received SIGQUIT ===\n*** goroutine dump...\n%s\n*** end\n",
				buf[:stacklen])
		}
	}()
}

func waitForRequiredServices() {
	timeout, err := time.ParseDuration(config.WaitForServices)
	if err != nil {
		log.Warn("Invalid duration value. Setting default 60s", log.ErrorField(err))
		timeout = 60 * time.Second
	}

	wg := sync.WaitGroup{}
	checkTCP := func(addr string) {
		if err = utils.WaitForTCP(addr, timeout); err != nil {
			log.Fatal("required services not ready", log.ErrorField(err))
		}
		wg.Done()
	}

	if postgresAddr := utils.ExtractFromDBURL(config.DB); postgresAddr != "" {
		wg.Add(1)
		go checkTCP(postgresAddr)
	}
	if natsAddr := utils.ExtractFromNatsURL(config.NatsURL); natsAddr != "" {
		wg.Add(1)
		go checkTCP(natsAddr)
	}
	log.Debug("Waiting for connection checks to return")
	wg.Wait()
	log.Debug("Required services are available")
}

func newCORS() *cors.Cors {
	// permissive setup so browser frontends can use the API directly
	return cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowOriginFunc: func(origin string) bool {
			return true
		},
		AllowedHeaders: []string{"*"},
		MaxAge:         int(2 * time.Hour / time.Second),
	})
}
