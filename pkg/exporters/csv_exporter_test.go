package exporters

import (
	"encoding/csv"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readCsv(t *testing.T, fs afero.Fs, path string) [][]string {
	f, err := fs.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCsvExporter(t *testing.T) {
	fs := afero.NewMemMapFs()
	csvExporter, err := InitCsvExporter(fs, "/tmp/vertices.csv", "/tmp/edges.csv", "session")
	require.NoError(t, err)
	require.NotNil(t, csvExporter)

	p := testProcess("10")
	f := testFile("/etc/hosts")
	csvExporter.SendVertex(p)
	csvExporter.SendVertex(f)
	csvExporter.SendEdge(testUsed(p, f))
	require.NoError(t, csvExporter.Close())

	vertices := readCsv(t, fs, "/tmp/vertices.csv")
	require.Len(t, vertices, 3)
	assert.Equal(t, vertexHeaders, vertices[0])
	assert.Equal(t, []string{"session", "Process", "pid=10", "name=cat;pid=10"}, vertices[1])
	assert.Equal(t, f.Key, vertices[2][2])

	edges := readCsv(t, fs, "/tmp/edges.csv")
	require.Len(t, edges, 2)
	assert.Equal(t, edgeHeaders, edges[0])
	assert.Equal(t, []string{"session", "Used", "pid=10", f.Key, "read", "1700000000.123", "42"}, edges[1][:7])
}

func TestCsvExporterAppends(t *testing.T) {
	fs := afero.NewMemMapFs()
	for i := 0; i < 2; i++ {
		csvExporter, err := InitCsvExporter(fs, "/tmp/vertices.csv", "/tmp/edges.csv", "session")
		require.NoError(t, err)
		csvExporter.SendVertex(testProcess("10"))
		require.NoError(t, csvExporter.Close())
	}

	// one header, two rows
	assert.Len(t, readCsv(t, fs, "/tmp/vertices.csv"), 3)
	assert.Len(t, readCsv(t, fs, "/tmp/edges.csv"), 1)
}

func TestInitCsvExporterPaths(t *testing.T) {
	t.Setenv("EXPORTER_CSV_VERTEX_PATH", "")
	t.Setenv("EXPORTER_CSV_EDGE_PATH", "")
	fs := afero.NewMemMapFs()

	csvExporter, err := InitCsvExporter(fs, "", "", "session")
	assert.NoError(t, err)
	assert.Nil(t, csvExporter)

	_, err = InitCsvExporter(fs, "/tmp/vertices.csv", "", "session")
	assert.Error(t, err)

	t.Setenv("EXPORTER_CSV_VERTEX_PATH", "/env/vertices.csv")
	t.Setenv("EXPORTER_CSV_EDGE_PATH", "/env/edges.csv")
	csvExporter, err = InitCsvExporter(fs, "", "", "session")
	require.NoError(t, err)
	assert.Equal(t, "/env/edges.csv", csvExporter.CsvEdgePath)
	require.NoError(t, csvExporter.Close())
}
