package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCzarDefaults(t *testing.T) {
	cfg, err := LoadCzar("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Pool.Size < 1 || len(cfg.Pool.MinRunning) == 0 {
		t.Errorf("pool defaults missing: %+v", cfg.Pool)
	}
	if cfg.MaxActivePulls < 1 {
		t.Errorf("max active pulls default missing")
	}
	if cfg.ResultDb.Database == "" {
		t.Errorf("result db default missing")
	}
}

func TestLoadCzarFromYAMLWithEnv(t *testing.T) {
	t.Setenv("TEST_RESULT_DSN", "qserv:secret@tcp(db:3306)/qservResult")
	dir := t.TempDir()
	path := filepath.Join(dir, "czar.yaml")
	body := `
czar_id: 3
http_addr: ":9090"
engine: innodb
result_db:
  dsn: ${TEST_RESULT_DSN}
  database: qservResult
  max_connections: 8
pool:
  size: 20
  min_running: [4, 2, 2, 1]
max_active_pulls: 6
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadCzar(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.CzarId != 3 || cfg.HTTPAddr != ":9090" {
		t.Errorf("fields not loaded: %+v", cfg)
	}
	if cfg.ResultDb.DSN != "qserv:secret@tcp(db:3306)/qservResult" {
		t.Errorf("env expansion failed: %q", cfg.ResultDb.DSN)
	}
	if cfg.Pool.Size != 20 || len(cfg.Pool.MinRunning) != 4 {
		t.Errorf("pool not loaded: %+v", cfg.Pool)
	}
	if cfg.ResultEngine().String() != "InnoDB" {
		t.Errorf("engine mapping wrong: %v", cfg.ResultEngine())
	}
}

func TestLoadWorkerDefaults(t *testing.T) {
	cfg, err := LoadWorker("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.PoolSize < 1 || cfg.MaxSqlConns < 1 {
		t.Errorf("worker defaults missing: %+v", cfg)
	}
	if cfg.MaxScanSqlConns > cfg.MaxSqlConns {
		t.Errorf("scan cap exceeds total cap")
	}
	if cfg.Sched.FastMaxRating >= cfg.Sched.MediumMaxRating ||
		cfg.Sched.MediumMaxRating >= cfg.Sched.SlowMaxRating {
		t.Errorf("tier bounds not ordered: %+v", cfg.Sched)
	}
	if cfg.Examine.BootBudget() <= 0 || cfg.Examine.Interval() <= 0 {
		t.Errorf("examine defaults missing")
	}
}
