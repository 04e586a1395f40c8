package exporters

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/kubescape/provenance-agent/pkg/provenance/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitStdoutExporter(t *testing.T) {
	// Test when useStdout is true
	useStdout := new(bool)
	*useStdout = true
	exporter := InitStdoutExporter(useStdout, "session")
	assert.NotNil(t, exporter)
	assert.NotNil(t, exporter.logger)

	// Test when useStdout is false
	*useStdout = false
	exporter = InitStdoutExporter(useStdout, "session")
	assert.Nil(t, exporter)

	// Test when STDOUT_ENABLED environment variable is set to "false"
	t.Setenv("STDOUT_ENABLED", "false")
	exporter = InitStdoutExporter(nil, "session")
	assert.Nil(t, exporter)

	// Test when STDOUT_ENABLED environment variable is set to "true"
	t.Setenv("STDOUT_ENABLED", "true")
	exporter = InitStdoutExporter(nil, "session")
	assert.NotNil(t, exporter)
}

func TestStdoutExporterSendRecords(t *testing.T) {
	useStdout := true
	exporter := InitStdoutExporter(&useStdout, "session")
	require.NotNil(t, exporter)
	var buf bytes.Buffer
	exporter.logger.SetOutput(&buf)

	p := testProcess("10")
	f := testFile("/etc/hosts")
	exporter.SendVertex(p)
	exporter.SendEdge(testUsed(p, f))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var vertex map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &vertex))
	assert.Equal(t, string(graph.VertexProcess), vertex["msg"])
	assert.Equal(t, "pid=10", vertex["key"])
	assert.Equal(t, "session", vertex["sessionId"])

	var edge map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[1], &edge))
	assert.Equal(t, string(graph.Used), edge["msg"])
	assert.Equal(t, f.Key, edge["destination"])
	assert.Equal(t, "read", edge["annotations"].(map[string]interface{})[graph.AnnotationOperation])
}
