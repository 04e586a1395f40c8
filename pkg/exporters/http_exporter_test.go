package exporters

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func graphServer(t *testing.T, status func(attempt int32) int) (*httptest.Server, chan HTTPGraphBatch, *atomic.Int32) {
	bodyChan := make(chan HTTPGraphBatch, 10)
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/provenance", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		n := attempts.Add(1)
		code := status(n)
		w.WriteHeader(code)
		if code != http.StatusOK {
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("Failed to read request body: %v", err)
			return
		}
		var batch HTTPGraphBatch
		if err := json.Unmarshal(body, &batch); err != nil {
			t.Errorf("Failed to unmarshal request body: %v", err)
			return
		}
		bodyChan <- batch
	}))
	return server, bodyChan, &attempts
}

func waitBatch(t *testing.T, bodyChan chan HTTPGraphBatch) HTTPGraphBatch {
	select {
	case batch := <-bodyChan:
		return batch
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for request body")
	}
	return HTTPGraphBatch{}
}

func TestHTTPExporterSendsFullBatch(t *testing.T) {
	server, bodyChan, _ := graphServer(t, func(int32) int { return http.StatusOK })
	defer server.Close()

	exporter, err := InitHTTPExporter(HTTPExporterConfig{
		URL:             server.URL,
		BatchSize:       3,
		FlushIntervalMs: 60000,
	}, "session", nil)
	require.NoError(t, err)
	defer exporter.Close()

	p := testProcess("10")
	f := testFile("/etc/hosts")
	exporter.SendVertex(p)
	exporter.SendVertex(f)
	exporter.SendEdge(testUsed(p, f))

	batch := waitBatch(t, bodyChan)
	assert.Equal(t, "ProvenanceGraph", batch.Kind)
	assert.Equal(t, "kubescape.io/v1", batch.APIVersion)
	assert.Equal(t, "session", batch.Spec.SessionID)
	require.Len(t, batch.Spec.Vertices, 2)
	require.Len(t, batch.Spec.Edges, 1)
	assert.Equal(t, "pid=10", batch.Spec.Vertices[0].Key)
	assert.Equal(t, f.Key, batch.Spec.Edges[0].Destination)
	assert.Equal(t, "read", batch.Spec.Edges[0].Annotations["operation"])
}

func TestHTTPExporterFlushesOnClose(t *testing.T) {
	server, bodyChan, _ := graphServer(t, func(int32) int { return http.StatusOK })
	defer server.Close()

	exporter, err := InitHTTPExporter(HTTPExporterConfig{
		URL:             server.URL,
		FlushIntervalMs: 60000,
	}, "session", nil)
	require.NoError(t, err)

	exporter.SendVertex(testProcess("10"))
	require.NoError(t, exporter.Close())

	batch := waitBatch(t, bodyChan)
	assert.Len(t, batch.Spec.Vertices, 1)
	assert.Empty(t, batch.Spec.Edges)
}

func TestHTTPExporterRetries(t *testing.T) {
	tests := []struct {
		name         string
		status       func(attempt int32) int
		wantAttempts int32
		wantBatch    bool
	}{
		{
			name: "server error is retried",
			status: func(attempt int32) int {
				if attempt == 1 {
					return http.StatusServiceUnavailable
				}
				return http.StatusOK
			},
			wantAttempts: 2,
			wantBatch:    true,
		},
		{
			name:         "client error is not retried",
			status:       func(int32) int { return http.StatusBadRequest },
			wantAttempts: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, bodyChan, attempts := graphServer(t, tt.status)
			defer server.Close()

			exporter, err := InitHTTPExporter(HTTPExporterConfig{
				URL:             server.URL,
				BatchSize:       1,
				FlushIntervalMs: 60000,
			}, "session", nil)
			require.NoError(t, err)
			defer exporter.Close()

			exporter.SendVertex(testProcess("10"))
			if tt.wantBatch {
				waitBatch(t, bodyChan)
			} else {
				assert.Eventually(t, func() bool { return attempts.Load() >= tt.wantAttempts }, 5*time.Second, 10*time.Millisecond)
				time.Sleep(100 * time.Millisecond)
			}
			assert.Equal(t, tt.wantAttempts, attempts.Load())
		})
	}
}

func TestHTTPExporterConfigValidate(t *testing.T) {
	config := HTTPExporterConfig{URL: "http://localhost:8080"}
	require.NoError(t, config.Validate())
	assert.Equal(t, "POST", config.Method)
	assert.Equal(t, 5, config.TimeoutSeconds)
	assert.Equal(t, 100, config.BatchSize)
	assert.NotNil(t, config.Headers)

	config = HTTPExporterConfig{URL: "http://localhost:8080", Method: "DELETE"}
	assert.Error(t, config.Validate())

	config = HTTPExporterConfig{}
	assert.Error(t, config.Validate())
}
