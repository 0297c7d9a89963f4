// Package main is the entry point for the runplane node agent.
// The agent registers with the controller, pulls leases over the node
// protocol, executes runs through the configured harness, and reports
// resolutions back.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"runplane/internal/config"
	"runplane/internal/logger"
	"runplane/internal/node"
	"runplane/internal/node/runner"
	"runplane/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	if cfg.NodeID == "" {
		log.Error("node_id is required (env: RUNPLANE_NODE_ID)")
		os.Exit(1)
	}
	if len(cfg.RunnerCommand) == 0 {
		log.Error("runner_command is required (env: RUNPLANE_RUNNER_COMMAND)")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "runplane-node", cfg.OTELEndpoint)
	if err != nil {
		log.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	rn := runner.NewExecRunner(cfg.RunnerCommand, cfg.RunnerWorkDir)
	log.Info("using exec runner", "command", cfg.RunnerCommand[0], "workdir", rn.WorkDir)

	client := node.NewClient(cfg.ControllerURL, cfg.NodeAPIKey)
	agent := node.New(client, rn, node.AgentConfig{
		NodeID:             cfg.NodeID,
		Slots:              cfg.NodeSlots,
		Region:             cfg.NodeRegion,
		Labels:             cfg.NodeLabels,
		RegistrationSecret: cfg.RegistrationSecret,
		HeartbeatInterval:  cfg.NodeHeartbeatInterval,
		RunTimeout:         cfg.NodeRunTimeout,
	}, log)

	agentErr := make(chan error, 1)
	go func() {
		agentErr <- agent.Run(ctx)
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Error("failed to init metrics", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("failed to shutdown metrics", "error", err)
		}
	}()

	// Dedicated metrics server so scrapes survive controller outages.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		log.Info("node metrics listening on :6162")
		if err := http.ListenAndServe(":6162", mux); err != nil {
			log.Warn("metrics server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("shutting down node agent, draining runs")
		cancel()
		<-agent.Done()
	case err := <-agentErr:
		// The agent stopped on its own, likely a failed registration.
		if err != nil && ctx.Err() == nil {
			log.Error("node agent exited", "error", err)
			os.Exit(1)
		}
	}
}
