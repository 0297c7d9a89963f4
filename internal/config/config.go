// Package config handles configuration loading for the controller and the
// node agent: an optional YAML file, overridden by RUNPLANE_ environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values for the application.
type Config struct {
	// Database connection string. The memory:// scheme selects the
	// in-memory store; anything else is handed to the postgres driver.
	DatabaseURL string

	// HTTP server port for the controller
	HTTPPort int

	// Grants per run before a run is dead-lettered
	MaxDeliveryCount int

	// Default lease visibility window applied at grant and ack time
	VisibilityWindow time.Duration

	// Heartbeat silence after which a node is marked disconnected
	HeartbeatTimeout time.Duration

	// Upper bound on outstanding leases per node, independent of slots
	MaxLeasesPerNode int

	// How often the sweeper scans for due leases and stale nodes
	SweepInterval time.Duration

	// Top-up tick for the lease pull stream
	PullPollInterval time.Duration

	// Path of the JSONL audit log. Empty disables audit logging.
	AuditLogPath string

	// Shared secret required to register new nodes. Empty leaves
	// registration open, for local development.
	RegistrationSecret string

	// Per-node token-bucket limit on the node protocol surface.
	// NodeAPIRate <= 0 disables limiting.
	NodeAPIRate  float64
	NodeAPIBurst int

	// Node agent: URL of the controller (e.g., "http://localhost:6161")
	ControllerURL string

	// Node agent identity and capacity
	NodeID                string
	NodeSlots             int
	NodeRegion            string
	NodeLabels            map[string]string
	NodeAPIKey            string
	NodeHeartbeatInterval time.Duration

	// Hard cap on one run's execution time on the node
	NodeRunTimeout time.Duration

	// Harness argv the node spawns per run
	RunnerCommand []string

	// Working directory for run execution. Empty means a temp dir per run.
	RunnerWorkDir string

	// OTLP collector endpoint for traces
	OTELEndpoint string

	// Log level: debug, info, warn or error
	LogLevel string
}

// fileConfig mirrors Config for YAML decoding. Durations are strings so
// values like "30s" go through time.ParseDuration.
type fileConfig struct {
	DatabaseURL           string            `yaml:"database_url"`
	HTTPPort              int               `yaml:"http_port"`
	MaxDeliveryCount      int               `yaml:"max_delivery_count"`
	VisibilityWindow      string            `yaml:"visibility_window"`
	HeartbeatTimeout      string            `yaml:"heartbeat_timeout"`
	MaxLeasesPerNode      int               `yaml:"max_leases_per_node"`
	SweepInterval         string            `yaml:"sweep_interval"`
	PullPollInterval      string            `yaml:"pull_poll_interval"`
	AuditLogPath          string            `yaml:"audit_log_path"`
	RegistrationSecret    string            `yaml:"registration_secret"`
	NodeAPIRate           float64           `yaml:"node_api_rate"`
	NodeAPIBurst          int               `yaml:"node_api_burst"`
	ControllerURL         string            `yaml:"controller_url"`
	NodeID                string            `yaml:"node_id"`
	NodeSlots             int               `yaml:"node_slots"`
	NodeRegion            string            `yaml:"node_region"`
	NodeLabels            map[string]string `yaml:"node_labels"`
	NodeAPIKey            string            `yaml:"node_api_key"`
	NodeHeartbeatInterval string            `yaml:"node_heartbeat_interval"`
	NodeRunTimeout        string            `yaml:"node_run_timeout"`
	RunnerCommand         []string          `yaml:"runner_command"`
	RunnerWorkDir         string            `yaml:"runner_workdir"`
	OTELEndpoint          string            `yaml:"otel_endpoint"`
	LogLevel              string            `yaml:"log_level"`
}

// Load reads configuration with the following precedence: defaults, then the
// YAML file at path (if path is non-empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := &Config{
		HTTPPort:              6161,
		MaxDeliveryCount:      3,
		VisibilityWindow:      30 * time.Second,
		HeartbeatTimeout:      45 * time.Second,
		MaxLeasesPerNode:      16,
		SweepInterval:         1 * time.Second,
		PullPollInterval:      1 * time.Second,
		NodeAPIRate:           50,
		NodeAPIBurst:          100,
		ControllerURL:         "http://localhost:6161",
		NodeSlots:             4,
		NodeHeartbeatInterval: 15 * time.Second,
		NodeRunTimeout:        30 * time.Minute,
		OTELEndpoint:          "localhost:4317",
		LogLevel:              "info",
	}

	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MemoryStore reports whether the database URL selects the in-memory store.
func (c *Config) MemoryStore() bool {
	return strings.HasPrefix(c.DatabaseURL, "memory://")
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.DatabaseURL, fc.DatabaseURL)
	setInt(&c.HTTPPort, fc.HTTPPort)
	setInt(&c.MaxDeliveryCount, fc.MaxDeliveryCount)
	setInt(&c.MaxLeasesPerNode, fc.MaxLeasesPerNode)
	setInt(&c.NodeSlots, fc.NodeSlots)
	setString(&c.AuditLogPath, fc.AuditLogPath)
	setString(&c.RegistrationSecret, fc.RegistrationSecret)
	setString(&c.ControllerURL, fc.ControllerURL)
	if fc.NodeAPIRate != 0 {
		c.NodeAPIRate = fc.NodeAPIRate
	}
	setInt(&c.NodeAPIBurst, fc.NodeAPIBurst)
	setString(&c.NodeID, fc.NodeID)
	setString(&c.NodeRegion, fc.NodeRegion)
	setString(&c.NodeAPIKey, fc.NodeAPIKey)
	setString(&c.RunnerWorkDir, fc.RunnerWorkDir)
	setString(&c.OTELEndpoint, fc.OTELEndpoint)
	setString(&c.LogLevel, fc.LogLevel)
	if len(fc.NodeLabels) > 0 {
		c.NodeLabels = fc.NodeLabels
	}
	if len(fc.RunnerCommand) > 0 {
		c.RunnerCommand = fc.RunnerCommand
	}

	durations := []struct {
		dst  *time.Duration
		raw  string
		name string
	}{
		{&c.VisibilityWindow, fc.VisibilityWindow, "visibility_window"},
		{&c.HeartbeatTimeout, fc.HeartbeatTimeout, "heartbeat_timeout"},
		{&c.SweepInterval, fc.SweepInterval, "sweep_interval"},
		{&c.PullPollInterval, fc.PullPollInterval, "pull_poll_interval"},
		{&c.NodeHeartbeatInterval, fc.NodeHeartbeatInterval, "node_heartbeat_interval"},
		{&c.NodeRunTimeout, fc.NodeRunTimeout, "node_run_timeout"},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.raw, d.name); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.DatabaseURL, os.Getenv("RUNPLANE_DATABASE_URL"))
	setString(&c.AuditLogPath, os.Getenv("RUNPLANE_AUDIT_LOG"))
	setString(&c.RegistrationSecret, os.Getenv("RUNPLANE_REGISTRATION_SECRET"))
	setString(&c.ControllerURL, os.Getenv("RUNPLANE_CONTROLLER_URL"))
	setString(&c.NodeID, os.Getenv("RUNPLANE_NODE_ID"))
	setString(&c.NodeRegion, os.Getenv("RUNPLANE_NODE_REGION"))
	setString(&c.NodeAPIKey, os.Getenv("RUNPLANE_NODE_API_KEY"))
	setString(&c.RunnerWorkDir, os.Getenv("RUNPLANE_RUNNER_WORKDIR"))
	setString(&c.LogLevel, os.Getenv("RUNPLANE_LOG_LEVEL"))
	// Standard OTel variable name, not prefixed.
	setString(&c.OTELEndpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))

	ints := []struct {
		dst *int
		key string
	}{
		{&c.HTTPPort, "RUNPLANE_HTTP_PORT"},
		{&c.MaxDeliveryCount, "RUNPLANE_MAX_DELIVERY_COUNT"},
		{&c.MaxLeasesPerNode, "RUNPLANE_MAX_LEASES_PER_NODE"},
		{&c.NodeAPIBurst, "RUNPLANE_NODE_API_BURST"},
		{&c.NodeSlots, "RUNPLANE_NODE_SLOTS"},
	}
	for _, iv := range ints {
		if err := setIntEnv(iv.dst, iv.key); err != nil {
			return err
		}
	}

	if v := os.Getenv("RUNPLANE_NODE_API_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid RUNPLANE_NODE_API_RATE: %w", err)
		}
		c.NodeAPIRate = f
	}

	durations := []struct {
		dst *time.Duration
		key string
	}{
		{&c.VisibilityWindow, "RUNPLANE_VISIBILITY_WINDOW"},
		{&c.HeartbeatTimeout, "RUNPLANE_HEARTBEAT_TIMEOUT"},
		{&c.SweepInterval, "RUNPLANE_SWEEP_INTERVAL"},
		{&c.PullPollInterval, "RUNPLANE_PULL_POLL_INTERVAL"},
		{&c.NodeHeartbeatInterval, "RUNPLANE_NODE_HEARTBEAT_INTERVAL"},
		{&c.NodeRunTimeout, "RUNPLANE_NODE_RUN_TIMEOUT"},
	}
	for _, dv := range durations {
		if err := setDurationEnv(dv.dst, dv.key); err != nil {
			return err
		}
	}

	if raw := os.Getenv("RUNPLANE_NODE_LABELS"); raw != "" {
		labels, err := parseLabels(raw)
		if err != nil {
			return err
		}
		c.NodeLabels = labels
	}
	if raw := os.Getenv("RUNPLANE_RUNNER_COMMAND"); raw != "" {
		c.RunnerCommand = strings.Fields(raw)
	}
	return nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (env: RUNPLANE_DATABASE_URL)")
	}
	if c.MaxDeliveryCount < 1 {
		return fmt.Errorf("max_delivery_count must be at least 1, got %d", c.MaxDeliveryCount)
	}
	if c.MaxLeasesPerNode < 1 {
		return fmt.Errorf("max_leases_per_node must be at least 1, got %d", c.MaxLeasesPerNode)
	}
	if c.VisibilityWindow <= 0 {
		return fmt.Errorf("visibility_window must be positive, got %v", c.VisibilityWindow)
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat_timeout must be positive, got %v", c.HeartbeatTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %v", c.SweepInterval)
	}
	if c.PullPollInterval <= 0 {
		return fmt.Errorf("pull_poll_interval must be positive, got %v", c.PullPollInterval)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q (want debug, info, warn or error)", c.LogLevel)
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, raw, name string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = d
	return nil
}

func setIntEnv(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDurationEnv(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

// parseLabels parses "key=value,key=value" pairs from the environment.
func parseLabels(raw string) (map[string]string, error) {
	labels := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid node label %q (want key=value)", pair)
		}
		labels[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return labels, nil
}
