// Package config loads the czar and worker daemon configuration from
// YAML with environment-variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lsst/qserv/internal/rproc"
)

// DbConfig points at one MySQL database.
type DbConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`
	Database       string `json:"database" yaml:"database"`
	MaxConnections int    `json:"max_connections" yaml:"max_connections"`
}

// PoolConfig sizes the czar dispatch pool. MinRunning holds the
// starvation floor per priority class, index 0 being the most urgent.
type PoolConfig struct {
	Size       int   `json:"size" yaml:"size"`
	MinRunning []int `json:"min_running" yaml:"min_running"`
}

// CzarConfig configures the coordinator daemon.
type CzarConfig struct {
	CzarId   uint32 `json:"czar_id" yaml:"czar_id"`
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`

	ResultDb DbConfig   `json:"result_db" yaml:"result_db"`
	Pool     PoolConfig `json:"pool" yaml:"pool"`

	// MaxActivePulls bounds concurrent response-data pulls.
	MaxActivePulls int `json:"max_active_pulls" yaml:"max_active_pulls"`

	// Engine is the merge-table engine: myisam, innodb or memory.
	Engine string `json:"engine" yaml:"engine"`

	MaxResultTableSizeMB int64 `json:"max_result_table_size_mb" yaml:"max_result_table_size_mb"`
	MaxTableSizeMB       int64 `json:"max_table_size_mb" yaml:"max_table_size_mb"`

	// QueryTimeoutSec squashes queries running past the limit; zero
	// disables the timer.
	QueryTimeoutSec int `json:"query_timeout_sec" yaml:"query_timeout_sec"`

	LogLevel string `json:"log_level" yaml:"log_level"`
}

// ResultEngine maps the configured engine name.
func (c *CzarConfig) ResultEngine() rproc.DbEngine {
	switch c.Engine {
	case "innodb":
		return rproc.InnoDB
	case "memory":
		return rproc.Memory
	default:
		return rproc.MyISAM
	}
}

// Normalize applies defaults.
func (c *CzarConfig) Normalize() {
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":4040"
	}
	if c.ResultDb.Database == "" {
		c.ResultDb.Database = "qservResult"
	}
	if c.ResultDb.MaxConnections < 1 {
		c.ResultDb.MaxConnections = 4
	}
	if c.Pool.Size < 1 {
		c.Pool.Size = 16
	}
	if len(c.Pool.MinRunning) == 0 {
		c.Pool.MinRunning = []int{3, 3, 2, 2}
	}
	if c.MaxActivePulls < 1 {
		c.MaxActivePulls = 10
	}
	if c.MaxResultTableSizeMB <= 0 {
		c.MaxResultTableSizeMB = 5120
	}
	if c.MaxTableSizeMB <= 0 {
		c.MaxTableSizeMB = 5120
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// SchedTierConfig sizes one scan tier.
type SchedTierConfig struct {
	MaxInFlight int `json:"max_in_flight" yaml:"max_in_flight"`
}

// SchedConfig sizes the worker schedulers.
type SchedConfig struct {
	Interactive SchedTierConfig `json:"interactive" yaml:"interactive"`
	Fast        SchedTierConfig `json:"fast" yaml:"fast"`
	Medium      SchedTierConfig `json:"medium" yaml:"medium"`
	Slow        SchedTierConfig `json:"slow" yaml:"slow"`
	Snail       SchedTierConfig `json:"snail" yaml:"snail"`

	FastMaxRating   int `json:"fast_max_rating" yaml:"fast_max_rating"`
	MediumMaxRating int `json:"medium_max_rating" yaml:"medium_max_rating"`
	SlowMaxRating   int `json:"slow_max_rating" yaml:"slow_max_rating"`
}

// ExamineConfig tunes the over-budget task sweep.
type ExamineConfig struct {
	BootBudgetSec  int     `json:"boot_budget_sec" yaml:"boot_budget_sec"`
	MaxBootedTasks int     `json:"max_booted_tasks" yaml:"max_booted_tasks"`
	IntervalSec    int     `json:"interval_sec" yaml:"interval_sec"`
	WeightAvg      float64 `json:"weight_avg" yaml:"weight_avg"`
	WeightNew      float64 `json:"weight_new" yaml:"weight_new"`
}

// BootBudget converts the examine config to a duration.
func (c *ExamineConfig) BootBudget() time.Duration {
	if c.BootBudgetSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.BootBudgetSec) * time.Second
}

// Interval converts the examine config to a duration.
func (c *ExamineConfig) Interval() time.Duration {
	if c.IntervalSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.IntervalSec) * time.Second
}

// WorkerConfig configures a worker daemon.
type WorkerConfig struct {
	Name       string `json:"name" yaml:"name"`
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	HTTPAddr   string `json:"http_addr" yaml:"http_addr"`

	MySQL     DbConfig `json:"mysql" yaml:"mysql"`
	ScratchDb string   `json:"scratch_db" yaml:"scratch_db"`

	PoolSize         int `json:"pool_size" yaml:"pool_size"`
	MaxSqlConns      int `json:"max_sql_conns" yaml:"max_sql_conns"`
	MaxScanSqlConns  int `json:"max_scan_sql_conns" yaml:"max_scan_sql_conns"`
	MaxTransmits     int `json:"max_transmits" yaml:"max_transmits"`
	MaxScanTransmits int `json:"max_scan_transmits" yaml:"max_scan_transmits"`

	TransmitRateBytesPerSec int64 `json:"transmit_rate_bytes_per_sec" yaml:"transmit_rate_bytes_per_sec"`

	MemTotalMB     int64 `json:"mem_total_mb" yaml:"mem_total_mb"`
	BytesPerScanMB int64 `json:"bytes_per_scan_mb" yaml:"bytes_per_scan_mb"`

	ResultsDir       string `json:"results_dir" yaml:"results_dir"`
	ResultsBaseURL   string `json:"results_base_url" yaml:"results_base_url"`
	FileResultRating int    `json:"file_result_rating" yaml:"file_result_rating"`

	Sched   SchedConfig   `json:"sched" yaml:"sched"`
	Examine ExamineConfig `json:"examine" yaml:"examine"`

	LogLevel string `json:"log_level" yaml:"log_level"`
}

// Normalize applies defaults.
func (c *WorkerConfig) Normalize() {
	if c.Name == "" {
		host, _ := os.Hostname()
		c.Name = host
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":7070"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":7080"
	}
	if c.ScratchDb == "" {
		c.ScratchDb = "qservScratch"
	}
	if c.PoolSize < 1 {
		c.PoolSize = 8
	}
	if c.MaxSqlConns < 1 {
		c.MaxSqlConns = 12
	}
	if c.MaxScanSqlConns < 1 {
		c.MaxScanSqlConns = 8
	}
	if c.MaxTransmits < 1 {
		c.MaxTransmits = 6
	}
	if c.MaxScanTransmits < 1 {
		c.MaxScanTransmits = 4
	}
	if c.MemTotalMB <= 0 {
		c.MemTotalMB = 4096
	}
	if c.BytesPerScanMB <= 0 {
		c.BytesPerScanMB = 128
	}
	if c.Sched.Interactive.MaxInFlight < 1 {
		c.Sched.Interactive.MaxInFlight = 4
	}
	if c.Sched.Fast.MaxInFlight < 1 {
		c.Sched.Fast.MaxInFlight = 3
	}
	if c.Sched.Medium.MaxInFlight < 1 {
		c.Sched.Medium.MaxInFlight = 2
	}
	if c.Sched.Slow.MaxInFlight < 1 {
		c.Sched.Slow.MaxInFlight = 2
	}
	if c.Sched.Snail.MaxInFlight < 1 {
		c.Sched.Snail.MaxInFlight = 1
	}
	if c.Sched.FastMaxRating <= 0 {
		c.Sched.FastMaxRating = 10
	}
	if c.Sched.MediumMaxRating <= 0 {
		c.Sched.MediumMaxRating = 20
	}
	if c.Sched.SlowMaxRating <= 0 {
		c.Sched.SlowMaxRating = 30
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with environment values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// LoadCzar reads and normalizes a czar config file.
func LoadCzar(path string) (*CzarConfig, error) {
	cfg := &CzarConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.Normalize()
	return cfg, nil
}

// LoadWorker reads and normalizes a worker config file.
func LoadWorker(path string) (*WorkerConfig, error) {
	cfg := &WorkerConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.Normalize()
	return cfg, nil
}
