package config

import (
	"fmt"
	"slices"
	"time"

	"github.com/elastic/go-libaudit/v2/auparse"
	auditreaderv1 "github.com/kubescape/provenance-agent/pkg/auditreader/v1"
	"github.com/kubescape/provenance-agent/pkg/exporters"
	"github.com/kubescape/provenance-agent/pkg/provenance/engine"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

const (
	ModeLive   = "live"
	ModeReplay = "replay"
)

type Config struct {
	Exporters exporters.ExportersConfig `mapstructure:"exporters"`

	// reader
	Mode               string `mapstructure:"mode"`
	AuditLogPath       string `mapstructure:"auditLogPath"`
	Arch               string `mapstructure:"arch"`
	UnicastAuditClient bool   `mapstructure:"unicastAuditClient"`
	LoadAuditRules     bool   `mapstructure:"loadAuditRules"`
	AuditUID           int    `mapstructure:"auditUID"`
	IgnoreAuditUID     bool   `mapstructure:"ignoreAuditUID"`
	ProcfsPath         string `mapstructure:"procfsPath"`
	SeedProcesses      bool   `mapstructure:"seedProcesses"`

	// graph shape
	UseReadWrite      bool     `mapstructure:"fileIO"`
	UseSockSendRecv   bool     `mapstructure:"netIO"`
	Simplify          bool     `mapstructure:"simplify"`
	HandleChdir       bool     `mapstructure:"cwd"`
	HandleRootFS      bool     `mapstructure:"rootFS"`
	HandleNamespaces  bool     `mapstructure:"namespaces"`
	UseMemorySyscalls bool     `mapstructure:"memorySyscalls"`
	AnonymousMmap     bool     `mapstructure:"anonymousMmap"`
	ReportKill        bool     `mapstructure:"reportKill"`
	Control           bool     `mapstructure:"control"`
	UnixSockets       bool     `mapstructure:"unixSockets"`
	KernelModule      *bool    `mapstructure:"kernelModule"`
	IgnoredProcesses  []string `mapstructure:"ignoredProcesses"`

	StatsInterval            time.Duration `mapstructure:"statsInterval"`
	EnablePrometheusExporter bool          `mapstructure:"prometheusExporterEnabled"`
	PrometheusPort           int           `mapstructure:"prometheusPort"`
	HealthPort               int           `mapstructure:"healthPort"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("mode", ModeLive)
	viper.SetDefault("auditLogPath", "/var/log/audit/audit.log")
	viper.SetDefault("arch", "x86_64")
	viper.SetDefault("auditUID", -1)
	viper.SetDefault("procfsPath", "/proc")
	viper.SetDefault("seedProcesses", true)
	viper.SetDefault("simplify", true)
	viper.SetDefault("memorySyscalls", true)
	viper.SetDefault("reportKill", true)
	viper.SetDefault("control", true)
	viper.SetDefault("statsInterval", time.Minute)
	viper.SetDefault("prometheusPort", 8080)
	viper.SetDefault("healthPort", 7888)

	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		return Config{}, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return Config{}, err
	}
	return config, config.Validate()
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs error
	if !slices.Contains([]string{ModeLive, ModeReplay}, c.Mode) {
		errs = multierr.Append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}
	if c.Mode == ModeReplay && c.AuditLogPath == "" {
		errs = multierr.Append(errs, fmt.Errorf("auditLogPath is required in %s mode", ModeReplay))
	}
	if _, ok := auparse.AuditSyscalls[c.Arch]; !ok {
		errs = multierr.Append(errs, fmt.Errorf("unsupported arch %q", c.Arch))
	}
	if c.IgnoreAuditUID && c.AuditUID < 0 {
		errs = multierr.Append(errs, fmt.Errorf("ignoreAuditUID requires auditUID"))
	}
	if c.StatsInterval < 0 {
		errs = multierr.Append(errs, fmt.Errorf("statsInterval must not be negative"))
	}
	return errs
}

func (c *Config) Live() bool {
	return c.Mode == ModeLive
}

// EngineConfig returns the switches of the provenance engine.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		UseReadWrite:      c.UseReadWrite,
		UseSockSendRecv:   c.UseSockSendRecv,
		Simplify:          c.Simplify,
		HandleChdir:       c.HandleChdir || c.HandleRootFS,
		HandleRootFS:      c.HandleRootFS,
		HandleNamespaces:  c.HandleNamespaces,
		UseMemorySyscalls: c.UseMemorySyscalls,
		AnonymousMmap:     c.AnonymousMmap,
		ReportKill:        c.ReportKill,
		Control:           c.Control,
		UnixSockets:       c.UnixSockets,
		Live:              c.Live(),
		KernelModule:      c.KernelModule,
		IgnoredProcesses:  c.IgnoredProcesses,
		StatsInterval:     c.StatsInterval,
	}
}

// LiveReaderConfig returns the settings of the live audit reader. ignorePIDs
// are never audited, typically the agent itself.
func (c *Config) LiveReaderConfig(ignorePIDs ...int) auditreaderv1.LiveConfig {
	return auditreaderv1.LiveConfig{
		Arch:      c.Arch,
		Unicast:   c.UnicastAuditClient,
		LoadRules: c.LoadAuditRules,
		Rules: auditreaderv1.RuleOptions{
			UseReadWrite:      c.UseReadWrite,
			UseSockSendRecv:   c.UseSockSendRecv,
			UseMemorySyscalls: c.UseMemorySyscalls,
			Simplify:          c.Simplify,
			HandleChdir:       c.HandleChdir || c.HandleRootFS,
			HandleRootFS:      c.HandleRootFS,
			HandleNamespaces:  c.HandleNamespaces,
			KernelModule:      c.KernelModule != nil && *c.KernelModule,
			UID:               c.AuditUID,
			IgnoreUID:         c.IgnoreAuditUID,
			IgnorePIDs:        ignorePIDs,
		},
	}
}
