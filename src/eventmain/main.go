package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otellogrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdk_trace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/jiaming2012/risk-daemon/src/dbutils"
	"github.com/jiaming2012/risk-daemon/src/eventconsumers"
	"github.com/jiaming2012/risk-daemon/src/eventmodels"
	"github.com/jiaming2012/risk-daemon/src/eventproducers"
	"github.com/jiaming2012/risk-daemon/src/eventproducers/opsapi"
	"github.com/jiaming2012/risk-daemon/src/eventpubsub"
	"github.com/jiaming2012/risk-daemon/src/eventservices"
	"github.com/jiaming2012/risk-daemon/src/projectx"
	"github.com/jiaming2012/risk-daemon/src/riskengine"
	"github.com/jiaming2012/risk-daemon/src/utils"
)

func main() {
	run()
}

// setupOTelSDK bootstraps the OpenTelemetry pipeline.
// If it does not return an error, make sure to call shutdown for proper cleanup.
func setupOTelSDK(ctx context.Context) (shutdown func(context.Context) error, err error) {
	var shutdownFuncs []func(context.Context) error

	shutdown = func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	handleErr := func(inErr error) {
		err = errors.Join(inErr, shutdown(ctx))
	}

	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)

	traceExporter, err := otlptrace.New(ctx, otlptracehttp.NewClient())
	if err != nil {
		return nil, err
	}

	res, _ := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", "risk-daemon")))

	tracerProvider := sdk_trace.NewTracerProvider(
		sdk_trace.WithBatcher(traceExporter),
		sdk_trace.WithResource(res),
	)
	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	metricExporter, err := otlpmetrichttp.New(ctx)
	if err != nil {
		handleErr(err)
		return
	}

	meterProvider := metric.NewMeterProvider(metric.WithReader(metric.NewPeriodicReader(metricExporter)))
	shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	if err = runtime.Start(runtime.WithMinimumReadMemStatsInterval(time.Second)); err != nil {
		handleErr(err)
		return
	}

	return
}

func earliestLastReset(state *eventservices.StateManager, accountIDs []string) time.Time {
	var earliest time.Time

	for i, id := range accountIDs {
		lastReset := state.LastResetAt(id)

		if i == 0 || lastReset.Before(earliest) {
			earliest = lastReset
		}
	}

	return earliest
}

func run() {
	if err := utils.InitEnvironmentVariables(); err != nil {
		log.Fatalf("failed to init environment: %v", err)
	}

	log.SetOutput(os.Stdout)

	if levelEnv := os.Getenv("LOG_LEVEL"); levelEnv != "" {
		level, err := log.ParseLevel(levelEnv)
		if err != nil {
			log.Fatalf("invalid LOG_LEVEL %q: %v", levelEnv, err)
		}

		log.SetLevel(level)
	}

	log.Infof("Log level set to %v", log.GetLevel())

	ctx, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}

	eventpubsub.Init()

	configFile, err := utils.GetEnv("RISK_DAEMON_CONFIG")
	if err != nil {
		log.Fatalf("$RISK_DAEMON_CONFIG not set: %v", err)
	}

	config, err := eventmodels.NewRiskDaemonConfigFromFile(configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	projectXUserName, err := utils.GetEnv("PROJECTX_USERNAME")
	if err != nil {
		log.Fatalf("$PROJECTX_USERNAME not set: %v", err)
	}

	projectXApiKey, err := utils.GetEnv("PROJECTX_API_KEY")
	if err != nil {
		log.Fatalf("$PROJECTX_API_KEY not set: %v", err)
	}

	// Set up Telemetry
	log.AddHook(otellogrus.NewHook(otellogrus.WithLevels(
		log.PanicLevel,
		log.FatalLevel,
		log.ErrorLevel,
		log.WarnLevel,
		log.InfoLevel,
	)))

	telemetryEnabled := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
	if telemetryEnabled {
		otelShutdown, err := setupOTelSDK(ctx)
		if err != nil {
			log.Fatalf("failed to setup otel sdk: %v", err)
		}

		defer func() {
			if err := otelShutdown(context.Background()); err != nil {
				log.Errorf("failed to shutdown otel sdk: %v", err)
			}
		}()
	}

	db, err := dbutils.InitSQLite(config.Daemon.DatabasePath)
	if err != nil {
		log.Fatalf("failed to init db: %v", err)
	}

	loc, err := config.Session.Location()
	if err != nil {
		log.Fatalf("failed to load session timezone: %v", err)
	}

	boundaryHour, boundaryMinute, err := config.Session.BoundaryClock()
	if err != nil {
		log.Fatalf("failed to parse session boundary: %v", err)
	}

	accountIDs := make([]string, 0, len(config.Accounts))
	for _, account := range config.Accounts {
		accountIDs = append(accountIDs, account.ID)
	}

	log.Infof("Main: monitoring %d accounts, session boundary %02d:%02d %s", len(accountIDs), boundaryHour, boundaryMinute, config.Session.Timezone)

	// Broker gateway
	client := projectx.NewClient(config.Broker.BaseURL, projectXUserName, projectXApiKey)
	broker := projectx.NewBrokerAdapter(client)

	if err := broker.Connect(ctx); err != nil {
		log.Fatalf("failed to connect to broker: %v", err)
	}

	// Shared caches and state
	prices := eventservices.NewPriceCache(config.Daemon.PriceMaxAge.ToDuration())
	instruments := eventservices.NewInstrumentCache(broker)
	tracker := eventservices.NewRealizedPnLTracker(boundaryHour, boundaryMinute, loc)
	state := eventservices.NewStateManager(db, tracker, prices, instruments, accountIDs)

	if err := state.LoadFromStore(); err != nil {
		log.Fatalf("failed to restore state: %v", err)
	}

	metrics := eventservices.NewMetricsRecorder(&wg, db, config.Daemon.MetricsFlushInterval.ToDuration())
	metrics.Start(ctx)

	// Startup sweep against broker truth: whatever happened while the
	// daemon was down is repaired before the first event is processed.
	reconciler := eventconsumers.NewStateReconciler(broker, state, metrics)
	if err := reconciler.ReconcileAll(ctx, accountIDs); err != nil {
		log.Errorf("Main: startup reconciliation failed, cached state may drift until the next reconnect: %v", err)
	}

	overflowPolicy, err := eventmodels.ParseOverflowPolicy(config.Daemon.QueueOverflowPolicy)
	if err != nil {
		log.Fatalf("failed to parse overflow policy: %v", err)
	}

	queue := eventmodels.NewEventQueue(config.Daemon.QueueCapacity, overflowPolicy)
	normalizer := eventservices.NewEventNormalizer(prices, instruments, accountIDs)
	engine := riskengine.NewRuleEngineFromConfig(&config.Rules)

	// Start event clients
	eventconsumers.NewAlertNotifier(&wg, config.Notifier.WebhookURL, config.Notifier.Timeout.ToDuration()).Start(ctx)
	eventconsumers.NewEnforcementExecutor(&wg, broker, state, db, metrics).Start(ctx)
	eventconsumers.NewQueueDispatcher(&wg, queue, state, engine, instruments, reconciler, metrics, accountIDs).Start(ctx)
	eventconsumers.NewStopLossMonitor(&wg, broker, state, accountIDs, config.Daemon.StopLossPollInterval.ToDuration()).Start(ctx)

	stream := projectx.NewStream(&wg, config.Broker.StreamURL, client.Token, accountIDs)
	eventconsumers.NewStreamConsumer(&wg, stream, normalizer, queue, metrics).Start(ctx)
	stream.Start(ctx)

	eventproducers.NewSessionTimer(&wg, queue, boundaryHour, boundaryMinute, loc, earliestLastReset(state, accountIDs)).Start(ctx)
	eventproducers.NewClockTicker(&wg, queue, config.Daemon.TimeTickInterval.ToDuration()).Start(ctx)

	// Ops surface
	router := mux.NewRouter()
	opsapi.SetupHandler(router, state, metrics, db)

	var opsHandler http.Handler = router
	if telemetryEnabled {
		opsHandler = otelhttp.NewHandler(router, "ops")
	}

	srv := &http.Server{
		Handler: opsHandler,
		Addr:    config.Daemon.OpsAddr,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		log.Infof("ops server listening on %s", config.Daemon.OpsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to start ops server: %v", err)
		}
	}()

	// Create channel for shutdown signals.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	signal.Notify(stop, syscall.SIGTERM)

	log.Info("Main: init complete")

	// Block here until program is shut down
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("failed to shutdown ops server: %v", err)
	}

	// Cancelling stops the stream, which closes the queue, which lets the
	// dispatcher drain whatever is still buffered before exiting.
	cancel()

	wg.Wait()

	metrics.LogSummaries(time.Now().UTC().Add(-24 * time.Hour))

	if err := broker.Disconnect(context.Background()); err != nil {
		log.Errorf("failed to disconnect broker: %v", err)
	}

	log.Info("Main: gracefully stopped!")
}
