package exporters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/provenance-agent/pkg/metricsmanager"
	"github.com/kubescape/provenance-agent/pkg/provenance/graph"
)

const httpExporterName = "http"

type HTTPExporterConfig struct {
	// URL is the URL to send the HTTP request to
	URL string `json:"url" mapstructure:"url"`
	// Headers is a map of headers to send in the HTTP request
	Headers map[string]string `json:"headers" mapstructure:"headers"`
	// Timeout is the timeout for the HTTP request
	TimeoutSeconds int `json:"timeoutSeconds" mapstructure:"timeoutSeconds"`
	// Method is the HTTP method to use for the HTTP request
	Method string `json:"method" mapstructure:"method"`
	// BatchSize is the number of records sent in one request
	BatchSize       int `json:"batchSize" mapstructure:"batchSize"`
	FlushIntervalMs int `json:"flushIntervalMs" mapstructure:"flushIntervalMs"`
	// QueueSize bounds the number of batches waiting to be sent
	QueueSize  int `json:"queueSize" mapstructure:"queueSize"`
	MaxRetries int `json:"maxRetries" mapstructure:"maxRetries"`
}

type HTTPGraphBatch struct {
	Kind       string             `json:"kind"`
	APIVersion string             `json:"apiVersion"`
	Spec       HTTPGraphBatchSpec `json:"spec"`
}

type HTTPGraphBatchSpec struct {
	SessionID string         `json:"sessionId"`
	Vertices  []VertexRecord `json:"vertices"`
	Edges     []EdgeRecord   `json:"edges"`
}

func (config *HTTPExporterConfig) Validate() error {
	if config.Method == "" {
		config.Method = "POST"
	} else if config.Method != "POST" && config.Method != "PUT" {
		return fmt.Errorf("method must be POST or PUT")
	}
	if config.TimeoutSeconds == 0 {
		config.TimeoutSeconds = 5
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if config.FlushIntervalMs == 0 {
		config.FlushIntervalMs = 1000
	}
	if config.QueueSize == 0 {
		config.QueueSize = 1000
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.Headers == nil {
		config.Headers = make(map[string]string)
	}
	if config.URL == "" {
		return fmt.Errorf("URL is required")
	}
	return nil
}

// HTTPExporter batches records and posts them from a single worker so that
// batches arrive in order.
type HTTPExporter struct {
	config     HTTPExporterConfig
	sessionID  string
	httpClient *http.Client
	metrics    metricsmanager.MetricsManager

	mu      sync.Mutex
	pending HTTPGraphBatchSpec
	count   int

	sendQueue chan HTTPGraphBatchSpec
	stopChan  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// InitHTTPExporter initializes an HTTPExporter and starts its workers
func InitHTTPExporter(config HTTPExporterConfig, sessionID string, metrics metricsmanager.MetricsManager) (*HTTPExporter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = metricsmanager.NewMetricsMock()
	}

	exporter := &HTTPExporter{
		config:    config,
		sessionID: sessionID,
		httpClient: &http.Client{
			Timeout: time.Duration(config.TimeoutSeconds) * time.Second,
		},
		metrics:   metrics,
		pending:   HTTPGraphBatchSpec{SessionID: sessionID},
		sendQueue: make(chan HTTPGraphBatchSpec, config.QueueSize),
		stopChan:  make(chan struct{}),
	}
	exporter.wg.Add(2)
	go exporter.backgroundFlush()
	go exporter.sendWorker()
	return exporter, nil
}

func (exporter *HTTPExporter) SendVertex(v graph.Vertex) {
	exporter.mu.Lock()
	exporter.pending.Vertices = append(exporter.pending.Vertices, newVertexRecord(exporter.sessionID, v))
	batch, full := exporter.takeIfFull()
	exporter.mu.Unlock()
	if full {
		exporter.enqueue(batch)
	}
}

func (exporter *HTTPExporter) SendEdge(e graph.Edge) {
	exporter.mu.Lock()
	exporter.pending.Edges = append(exporter.pending.Edges, newEdgeRecord(exporter.sessionID, e))
	batch, full := exporter.takeIfFull()
	exporter.mu.Unlock()
	if full {
		exporter.enqueue(batch)
	}
}

// takeIfFull must be called with mu held
func (exporter *HTTPExporter) takeIfFull() (HTTPGraphBatchSpec, bool) {
	exporter.count++
	if exporter.count < exporter.config.BatchSize {
		return HTTPGraphBatchSpec{}, false
	}
	return exporter.take(), true
}

// take must be called with mu held
func (exporter *HTTPExporter) take() HTTPGraphBatchSpec {
	batch := exporter.pending
	exporter.pending = HTTPGraphBatchSpec{SessionID: exporter.sessionID}
	exporter.count = 0
	return batch
}

func (exporter *HTTPExporter) flush() {
	exporter.mu.Lock()
	if exporter.count == 0 {
		exporter.mu.Unlock()
		return
	}
	batch := exporter.take()
	exporter.mu.Unlock()
	exporter.enqueue(batch)
}

func (exporter *HTTPExporter) enqueue(batch HTTPGraphBatchSpec) {
	// Try to enqueue with timeout to prevent blocking
	select {
	case exporter.sendQueue <- batch:
	case <-time.After(time.Second):
		logger.L().Error("failed to enqueue graph batch, queue full or blocked",
			helpers.Int("records", len(batch.Vertices)+len(batch.Edges)),
			helpers.Int("queueSize", exporter.config.QueueSize))
		exporter.metrics.ReportExportFailure(httpExporterName)
	}
}

// backgroundFlush sends partial batches periodically
func (exporter *HTTPExporter) backgroundFlush() {
	defer exporter.wg.Done()

	ticker := time.NewTicker(time.Duration(exporter.config.FlushIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			exporter.flush()
		case <-exporter.stopChan:
			return
		}
	}
}

// sendWorker processes batches from the send queue
func (exporter *HTTPExporter) sendWorker() {
	defer exporter.wg.Done()

	for {
		select {
		case batch := <-exporter.sendQueue:
			exporter.sendWithRetry(batch)
		case <-exporter.stopChan:
			exporter.drainSendQueue()
			return
		}
	}
}

func (exporter *HTTPExporter) sendWithRetry(batch HTTPGraphBatchSpec) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-exporter.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, exporter.sendHTTPRequest(ctx, batch)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(exporter.config.MaxRetries)+1))
	if err != nil {
		logger.L().Error("graph batch send failed after retries",
			helpers.Int("records", len(batch.Vertices)+len(batch.Edges)),
			helpers.Error(err))
		exporter.metrics.ReportExportFailure(httpExporterName)
	}
}

// drainSendQueue sends what is left once, without retries
func (exporter *HTTPExporter) drainSendQueue() {
	exporter.flush()
	timeout := time.After(30 * time.Second)
	for {
		select {
		case batch := <-exporter.sendQueue:
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(exporter.config.TimeoutSeconds)*time.Second)
			if err := exporter.sendHTTPRequest(ctx, batch); err != nil {
				logger.L().Warning("failed to send graph batch during drain", helpers.Error(err))
				exporter.metrics.ReportExportFailure(httpExporterName)
			}
			cancel()
		case <-timeout:
			logger.L().Warning("timeout draining send queue",
				helpers.Int("remainingItems", len(exporter.sendQueue)))
			return
		default:
			return
		}
	}
}

func (exporter *HTTPExporter) sendHTTPRequest(ctx context.Context, batch HTTPGraphBatchSpec) error {
	bodyBytes, err := json.Marshal(HTTPGraphBatch{
		Kind:       "ProvenanceGraph",
		APIVersion: "kubescape.io/v1",
		Spec:       batch,
	})
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to marshal graph batch: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, exporter.config.Method,
		exporter.config.URL+"/v1/provenance", bytes.NewReader(bodyBytes))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range exporter.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := exporter.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	// discard the body
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		logger.L().Debug("failed to clear response body", helpers.Error(err))
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return backoff.Permanent(fmt.Errorf("received status code %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("received status code %d", resp.StatusCode)
	}
	logger.L().Debug("sent graph batch",
		helpers.Int("vertices", len(batch.Vertices)),
		helpers.Int("edges", len(batch.Edges)),
		helpers.String("size", humanize.Bytes(uint64(len(bodyBytes)))))
	return nil
}

// Close flushes pending records and stops the workers
func (exporter *HTTPExporter) Close() error {
	exporter.closeOnce.Do(func() {
		close(exporter.stopChan)
		exporter.wg.Wait()
	})
	return nil
}
