package main

import (
	"fmt"
	"os"

	"github.com/elastic/go-libaudit/v2/rule"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	auditreaderv1 "github.com/kubescape/provenance-agent/pkg/auditreader/v1"
	"github.com/kubescape/provenance-agent/pkg/config"
	"github.com/kubescape/provenance-agent/pkg/utils"
)

// auditrules prints the audit rules the agent needs, in auditctl syntax, for
// hosts where rules are provisioned through auditd instead of by the agent.
func main() {
	configDir := "/etc/config"
	if envPath := os.Getenv("CONFIG_DIR"); envPath != "" {
		configDir = envPath
	}

	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		logger.L().Fatal("load config error", helpers.Error(err))
	}

	exitCode := utils.ExitCodeSuccess
	for _, auditRule := range auditreaderv1.BuildRules(cfg.LiveReaderConfig().Rules) {
		wireFormat, err := auditRule.WireFormat()
		if err != nil {
			logger.L().Error("invalid audit rule", helpers.String("rule", auditRule.RawRule), helpers.Error(err))
			exitCode = utils.ExitCodeError
			continue
		}

		// Convert back to command line representation
		cmdLine, err := rule.ToCommandLine(wireFormat, true)
		if err != nil {
			logger.L().Warning("could not convert rule back to command line", helpers.Error(err))
			cmdLine = auditRule.RawRule
		}
		fmt.Println(cmdLine)
	}
	os.Exit(exitCode)
}
