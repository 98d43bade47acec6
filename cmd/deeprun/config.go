package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deeprun/deeprun/internal/model"
)

// workerConfig is the strict-decoded worker configuration file.
type workerConfig struct {
	DSN                 string         `yaml:"dsn"`
	NodeID              string         `yaml:"node_id"`
	Role                string         `yaml:"role"`
	Capabilities        map[string]any `yaml:"capabilities"`
	LeaseSeconds        int            `yaml:"lease_seconds"`
	PollIntervalMS      int            `yaml:"poll_interval_ms"`
	HeartbeatIntervalMS int            `yaml:"heartbeat_interval_ms"`
	WorkspaceRoot       string         `yaml:"workspace_root"`
	MetricsAddr         string         `yaml:"metrics_addr"`
	LogLevel            string         `yaml:"log_level"`
}

func loadWorkerConfig(path string) (workerConfig, error) {
	var cfg workerConfig
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg.withDefaults()
}

func (c workerConfig) withDefaults() (workerConfig, error) {
	if c.DSN == "" {
		c.DSN = os.Getenv("DEEPRUN_DATABASE_URL")
	}
	if c.DSN == "" {
		return c, fmt.Errorf("dsn is required (config or DEEPRUN_DATABASE_URL)")
	}
	if c.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			return c, fmt.Errorf("node_id unset and hostname unavailable: %w", err)
		}
		c.NodeID = host
	}
	if c.Role == "" {
		c.Role = string(model.RoleCompute)
	}
	switch model.WorkerRole(c.Role) {
	case model.RoleCompute, model.RoleEval:
	default:
		return c, fmt.Errorf("invalid role %q (compute|eval)", c.Role)
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = "/var/lib/deeprun/workspaces"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return c, nil
}

func (c workerConfig) pollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c workerConfig) heartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}
