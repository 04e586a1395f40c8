package main

import (
	"context"
	"errors"
	"net/http"
	_ "net/http/pprof"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/provenance-agent/pkg/auditreader"
	auditreaderv1 "github.com/kubescape/provenance-agent/pkg/auditreader/v1"
	"github.com/kubescape/provenance-agent/pkg/config"
	"github.com/kubescape/provenance-agent/pkg/exporters"
	"github.com/kubescape/provenance-agent/pkg/healthmanager"
	"github.com/kubescape/provenance-agent/pkg/metricsmanager"
	metricprometheus "github.com/kubescape/provenance-agent/pkg/metricsmanager/prometheus"
	"github.com/kubescape/provenance-agent/pkg/provenance/engine"
	"github.com/kubescape/provenance-agent/pkg/provenance/event"
	"github.com/kubescape/provenance-agent/pkg/provenance/process"
	"github.com/kubescape/provenance-agent/pkg/utils"
	"github.com/spf13/afero"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configDir := "/etc/config"
	if envPath := os.Getenv("CONFIG_DIR"); envPath != "" {
		configDir = envPath
	}

	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		logger.L().Ctx(ctx).Fatal("load config error", helpers.Error(err))
	}

	hostname, _ := os.Hostname()

	// to enable otel, set OTEL_COLLECTOR_SVC=otel-collector:4317
	if otelHost, present := os.LookupEnv("OTEL_COLLECTOR_SVC"); present {
		ctx = logger.InitOtel("provenance-agent",
			os.Getenv("RELEASE"),
			"",
			hostname,
			url.URL{Host: otelHost})
		defer logger.ShutdownOtel(ctx)
	}

	if _, present := os.LookupEnv("ENABLE_PROFILER"); present {
		logger.L().Info("starting profiler on port 6060")
		go func() {
			_ = http.ListenAndServe("localhost:6060", nil)
		}()
	}

	if pyroscopeServerSvc, present := os.LookupEnv("PYROSCOPE_SERVER_SVC"); present {
		logger.L().Info("starting pyroscope profiler")

		if os.Getenv("APPLICATION_NAME") == "" {
			os.Setenv("APPLICATION_NAME", "provenance-agent")
		}

		_, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: os.Getenv("APPLICATION_NAME"),
			ServerAddress:   pyroscopeServerSvc,
			Logger:          pyroscope.StandardLogger,
			Tags:            map[string]string{"node": hostname, "app": "provenance-agent", "mode": cfg.Mode},
		})

		if err != nil {
			logger.L().Ctx(ctx).Error("error starting pyroscope", helpers.Error(err))
		}
	}

	// Create Prometheus metrics exporter
	var prometheusExporter metricsmanager.MetricsManager
	if cfg.EnablePrometheusExporter {
		prometheusExporter = metricprometheus.NewPrometheusMetric(cfg.PrometheusPort)
	} else {
		prometheusExporter = metricsmanager.NewMetricsMock()
	}
	prometheusExporter.Start()
	defer prometheusExporter.Destroy()

	fs := afero.NewOsFs()
	exporterBus, err := exporters.InitExporters(cfg.Exporters, fs, prometheusExporter)
	if err != nil {
		logger.L().Ctx(ctx).Fatal("error creating exporters", helpers.Error(err))
	}

	var resolver process.NamespaceResolver
	if cfg.Live() && cfg.HandleNamespaces {
		procfsResolver, err := process.NewProcfsNamespaceResolver(cfg.ProcfsPath)
		if err != nil {
			logger.L().Ctx(ctx).Warning("namespaces will not be resolved from procfs", helpers.Error(err))
		} else {
			resolver = procfsResolver
		}
	}
	provenanceEngine := engine.New(cfg.EngineConfig(), exporterBus, prometheusExporter, resolver)

	var reader auditreader.Reader
	if cfg.Live() {
		reader = auditreaderv1.NewLiveReader(cfg.LiveReaderConfig(os.Getpid()), prometheusExporter)
	} else {
		reader = auditreaderv1.NewReplayReader(fs, cfg.AuditLogPath, cfg.Arch, prometheusExporter)
	}

	// Start the health manager
	healthManager := healthmanager.NewHealthManager(cfg.HealthPort)
	healthManager.SetReader(reader)
	healthManager.Start(ctx)

	if err := reader.Start(ctx); err != nil {
		logger.L().Ctx(ctx).Error("error starting the audit reader", helpers.Error(err))
		os.Exit(utils.ExitCodeAuditUnavailable)
	}
	logger.L().Info("audit reader started",
		helpers.String("mode", cfg.Mode),
		helpers.String("sessionId", exporterBus.SessionID()))

	if cfg.Live() && cfg.SeedProcesses {
		seedProcesses(provenanceEngine, cfg)
	}

	// Wait for shutdown signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-shutdown:
			logger.L().Info("received signal, stopping", helpers.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	exitCode := utils.ExitCodeSuccess
	runErr := provenanceEngine.Run(ctx, reader.Events())
	if err := reader.Stop(); err != nil {
		logger.L().Warning("error stopping the audit reader", helpers.Error(err))
	}
	if runErr == nil {
		runErr = reader.Err()
	}
	if runErr != nil {
		logger.L().Ctx(ctx).Error("audit stream failed", helpers.Error(runErr))
		var fatal *event.FatalStreamError
		if errors.As(runErr, &fatal) {
			exitCode = utils.ExitCodeStreamFailure
		} else {
			exitCode = utils.ExitCodeError
		}
	}

	status := reader.GetStatus()
	logger.L().Info("audit reader stopped",
		helpers.Interface("eventsTotal", status.EventsTotal),
		helpers.Interface("eventsErrors", status.EventsErrors),
		helpers.Interface("eventsLost", status.EventsLost),
		helpers.Interface("linesSkipped", status.LinesSkipped))

	if err := exporterBus.Close(); err != nil {
		logger.L().Warning("error closing exporters", helpers.Error(err))
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := healthManager.Stop(shutdownCtx); err != nil {
		logger.L().Warning("error stopping the health manager", helpers.Error(err))
	}

	if exitCode != utils.ExitCodeSuccess {
		os.Exit(exitCode)
	}
}

// seedProcesses registers the processes that were running before auditing
// started, so that their first events attach to a known lineage.
func seedProcesses(provenanceEngine *engine.Engine, cfg config.Config) {
	seeder, err := process.NewSeeder(cfg.ProcfsPath, cfg.HandleNamespaces)
	if err != nil {
		logger.L().Warning("running processes will not be seeded", helpers.Error(err))
		return
	}
	seenTime := event.FormatTime(time.Now())
	snapshots, err := seeder.Scan(seenTime)
	if err != nil {
		logger.L().Warning("failed to scan running processes", helpers.Error(err))
		return
	}
	provenanceEngine.Seed(snapshots, seenTime)
}
