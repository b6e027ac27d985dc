package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/sharma-sourabh3435/buildfarm/internal/agent"
	"github.com/sharma-sourabh3435/buildfarm/pkg/utils"
)

func main() {
	if err := run(); err != nil {
		utils.Fatal("%v", err)
	}
}

func run() error {
	// Parse command-line flags
	flagSet := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	var (
		configPath = flagSet.StringP("config", "c", "", "YAML configuration file")
		name       = flagSet.String("name", "", "Agent name, used in logs")
		listen     = flagSet.String("listen", "", "Listen mode: address the scheduler dials (host:port)")
		serverURL  = flagSet.String("server", "", "Dial-in mode: scheduler URL (wss://host:port)")
		maxJobs    = flagSet.Int("max-jobs", 0, "Maximum concurrent builds")
		workDir    = flagSet.String("work-dir", "", "Directory for job workspaces")
		buildTool  = flagSet.String("build-tool", "", "Build tool executable")
		sdkDir     = flagSet.String("sdk-dir", "", "Directory of installed SDKs")
		logLevel   = flagSet.String("log-level", "", "Log level (DEBUG, INFO, WARN, ERROR)")
	)
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := utils.LoadAgentConfig(*configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("name") {
		cfg.Name = *name
	}
	if flagSet.Changed("listen") {
		cfg.ListenAddr = *listen
	}
	if flagSet.Changed("server") {
		cfg.ServerURL = *serverURL
	}
	if flagSet.Changed("max-jobs") {
		cfg.MaxJobs = *maxJobs
	}
	if flagSet.Changed("work-dir") {
		cfg.WorkDir = *workDir
	}
	if flagSet.Changed("build-tool") {
		cfg.BuildTool = *buildTool
	}
	if flagSet.Changed("sdk-dir") {
		cfg.SdkDir = *sdkDir
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}

	// Set log level
	utils.SetDefaultLogLevel(utils.ParseLogLevel(cfg.LogLevel))

	logger := utils.NewLogger("executor", utils.INFO)
	a, err := agent.NewAgent(*cfg, agent.NewCommandExecutor(cfg.BuildTool, logger))
	if err != nil {
		return err
	}

	utils.Info("Starting agent %s", cfg.Name)
	utils.Info("Build tool: %s", cfg.BuildTool)
	utils.Info("Work directory: %s", cfg.WorkDir)

	if err := a.Start(); err != nil {
		return err
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	utils.Info("Received shutdown signal")

	a.Stop()
	return nil
}
