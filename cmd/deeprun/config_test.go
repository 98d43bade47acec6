package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadWorkerConfig(t *testing.T) {
	path := writeConfig(t, `
dsn: postgres://deeprun@localhost/deeprun
node_id: worker-a
role: compute
lease_seconds: 45
poll_interval_ms: 500
heartbeat_interval_ms: 5000
workspace_root: /srv/deeprun
metrics_addr: ":9091"
capabilities:
  docker: true
`)
	cfg, err := loadWorkerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeID != "worker-a" || cfg.LeaseSeconds != 45 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.pollInterval() != 500*time.Millisecond {
		t.Fatalf("poll interval = %v", cfg.pollInterval())
	}
	if cfg.Capabilities["docker"] != true {
		t.Fatalf("capabilities = %v", cfg.Capabilities)
	}
}

func TestLoadWorkerConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
dsn: postgres://deeprun@localhost/deeprun
lease_secs: 45
`)
	if _, err := loadWorkerConfig(path); err == nil {
		t.Fatalf("unknown field must be rejected")
	}
}

func TestLoadWorkerConfigRejectsBadRole(t *testing.T) {
	path := writeConfig(t, `
dsn: postgres://deeprun@localhost/deeprun
role: gpu
`)
	if _, err := loadWorkerConfig(path); err == nil {
		t.Fatalf("invalid role must be rejected")
	}
}

func TestLoadWorkerConfigRequiresDSN(t *testing.T) {
	t.Setenv("DEEPRUN_DATABASE_URL", "")
	path := writeConfig(t, `
node_id: worker-a
`)
	if _, err := loadWorkerConfig(path); err == nil {
		t.Fatalf("missing dsn must be rejected")
	}
}
