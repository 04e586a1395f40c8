package exporters

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/provenance-agent/pkg/metricsmanager"
	"github.com/kubescape/provenance-agent/pkg/provenance/graph"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

const defaultDedupCacheSize = 100000

type ExportersConfig struct {
	StdoutExporter     *bool               `mapstructure:"stdoutExporter"`
	HTTPExporterConfig *HTTPExporterConfig `mapstructure:"httpExporterConfig"`
	SyslogExporter     string              `mapstructure:"syslogExporterURL"`
	CsvVertexPath      string              `mapstructure:"csvVertexExporterPath"`
	CsvEdgePath        string              `mapstructure:"csvEdgeExporterPath"`

	// DedupCacheSize bounds the number of vertex keys remembered for
	// deduplication; DedupTTL expires them (zero keeps them until evicted).
	DedupCacheSize int           `mapstructure:"dedupCacheSize"`
	DedupTTL       time.Duration `mapstructure:"dedupTTL"`

	ExcludeMemory       bool     `mapstructure:"excludeMemory"`
	ExcludePathPrefixes []string `mapstructure:"excludePathPrefixes"`
}

// ExporterBus is the single point of contact for all exporters. It is the
// graph sink of the engine.
type ExporterBus struct {
	exporters []Exporter
	filters   []Filter
	sessionID string

	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

var _ graph.Sink = (*ExporterBus)(nil)

// InitExporters initializes all exporters.
func InitExporters(config ExportersConfig, fs afero.Fs, metrics metricsmanager.MetricsManager) (*ExporterBus, error) {
	if metrics == nil {
		metrics = metricsmanager.NewMetricsMock()
	}
	sessionID := uuid.New().String()

	var exporters []Exporter
	stdoutExp := InitStdoutExporter(config.StdoutExporter, sessionID)
	if stdoutExp != nil {
		exporters = append(exporters, stdoutExp)
	}
	syslogExp := InitSyslogExporter(config.SyslogExporter, sessionID)
	if syslogExp != nil {
		exporters = append(exporters, syslogExp)
	}
	csvExp, err := InitCsvExporter(fs, config.CsvVertexPath, config.CsvEdgePath, sessionID)
	if err != nil {
		return nil, err
	}
	if csvExp != nil {
		exporters = append(exporters, csvExp)
	}
	if config.HTTPExporterConfig == nil {
		if httpURL := os.Getenv("HTTP_ENDPOINT_URL"); httpURL != "" {
			config.HTTPExporterConfig = &HTTPExporterConfig{URL: httpURL}
		}
	}
	if config.HTTPExporterConfig != nil {
		httpExp, err := InitHTTPExporter(*config.HTTPExporterConfig, sessionID, metrics)
		if err != nil {
			logger.L().Error("failed to initialize http exporter", helpers.Error(err))
		} else {
			exporters = append(exporters, httpExp)
		}
	}

	if len(exporters) == 0 {
		return nil, fmt.Errorf("no exporters were initialized")
	}

	var filters []Filter
	if config.ExcludeMemory {
		filters = append(filters, MemoryFilter{})
	}
	if len(config.ExcludePathPrefixes) > 0 {
		filters = append(filters, NewPathPrefixFilter(config.ExcludePathPrefixes))
	}

	logger.L().Info("exporters initialized",
		helpers.Int("exporters", len(exporters)),
		helpers.Int("filters", len(filters)),
		helpers.String("sessionId", sessionID))

	bus := NewExporterBus(exporters, filters...)
	bus.sessionID = sessionID
	if config.DedupCacheSize > 0 || config.DedupTTL > 0 {
		bus.seen = newDedupCache(config.DedupCacheSize, config.DedupTTL)
	}
	return bus, nil
}

func newDedupCache(size int, ttl time.Duration) *expirable.LRU[string, struct{}] {
	if size <= 0 {
		size = defaultDedupCacheSize
	}
	return expirable.NewLRU[string, struct{}](size, nil, ttl)
}

// NewExporterBus creates a bus over the given exporters.
func NewExporterBus(exporters []Exporter, filters ...Filter) *ExporterBus {
	return &ExporterBus{
		exporters: exporters,
		filters:   filters,
		sessionID: uuid.New().String(),
		seen:      newDedupCache(defaultDedupCacheSize, 0),
	}
}

// SessionID identifies the records of this run.
func (e *ExporterBus) SessionID() string {
	return e.sessionID
}

func (e *ExporterBus) allowed(v graph.Vertex) bool {
	for _, f := range e.filters {
		if !f.AllowVertex(v) {
			return false
		}
	}
	return true
}

func (e *ExporterBus) PutVertex(v graph.Vertex) {
	e.mu.Lock()
	if e.seen.Contains(v.Key) {
		e.mu.Unlock()
		return
	}
	e.seen.Add(v.Key, struct{}{})
	e.mu.Unlock()
	if !e.allowed(v) {
		return
	}

	for _, exporter := range e.exporters {
		exporter.SendVertex(v)
	}
}

func (e *ExporterBus) PutEdge(edge graph.Edge) {
	if !e.allowed(edge.Source) || !e.allowed(edge.Destination) {
		return
	}

	for _, exporter := range e.exporters {
		exporter.SendEdge(edge)
	}
}

// Close flushes and closes every exporter that holds resources.
func (e *ExporterBus) Close() error {
	var errs error
	for _, exporter := range e.exporters {
		if closer, ok := exporter.(io.Closer); ok {
			errs = multierr.Append(errs, closer.Close())
		}
	}
	return errs
}
