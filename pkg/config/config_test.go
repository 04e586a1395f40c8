package config

import (
	"testing"
	"time"

	"github.com/kubescape/provenance-agent/pkg/exporters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	b := true
	want := Config{
		Exporters: exporters.ExportersConfig{
			StdoutExporter:      &b,
			CsvVertexPath:       "/tmp/vertices.csv",
			CsvEdgePath:         "/tmp/edges.csv",
			DedupTTL:            10 * time.Minute,
			ExcludeMemory:       true,
			ExcludePathPrefixes: []string{"/proc", "/sys"},
			HTTPExporterConfig: &exporters.HTTPExporterConfig{
				URL:       "http://synchronizer:8089",
				BatchSize: 50,
			},
		},
		Mode:                     ModeReplay,
		AuditLogPath:             "/var/log/audit/audit.log",
		Arch:                     "x86_64",
		AuditUID:                 -1,
		ProcfsPath:               "/proc",
		SeedProcesses:            true,
		UseReadWrite:             true,
		Simplify:                 true,
		HandleRootFS:             true,
		UseMemorySyscalls:        true,
		ReportKill:               true,
		Control:                  true,
		IgnoredProcesses:         []string{"auditd", "kauditd"},
		StatsInterval:            30 * time.Second,
		EnablePrometheusExporter: true,
		PrometheusPort:           8080,
		HealthPort:               7888,
	}

	got, err := LoadConfig("testdata")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "live",
			config: Config{Mode: ModeLive, Arch: "x86_64", AuditUID: -1},
		},
		{
			name:    "unknown mode",
			config:  Config{Mode: "tail", Arch: "x86_64"},
			wantErr: true,
		},
		{
			name:    "replay without log",
			config:  Config{Mode: ModeReplay, Arch: "x86_64"},
			wantErr: true,
		},
		{
			name:    "unknown arch",
			config:  Config{Mode: ModeLive, Arch: "vax"},
			wantErr: true,
		},
		{
			name:    "ignored uid without uid",
			config:  Config{Mode: ModeLive, Arch: "x86_64", AuditUID: -1, IgnoreAuditUID: true},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDerivedConfigs(t *testing.T) {
	km := true
	c := Config{
		Mode:         ModeLive,
		Arch:         "x86_64",
		HandleRootFS: true,
		KernelModule: &km,
		AuditUID:     1000,
	}

	e := c.EngineConfig()
	assert.True(t, e.Live)
	assert.True(t, e.HandleChdir)
	assert.True(t, *e.KernelModule)

	r := c.LiveReaderConfig(42)
	assert.Equal(t, "x86_64", r.Arch)
	assert.True(t, r.Rules.HandleChdir)
	assert.True(t, r.Rules.KernelModule)
	assert.Equal(t, 1000, r.Rules.UID)
	assert.Equal(t, []int{42}, r.Rules.IgnorePIDs)
}
