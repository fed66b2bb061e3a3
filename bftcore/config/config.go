// Package config loads and validates replica configuration. Layout
// mirrors the teacher's nested Config struct (internal/cerera/config)
// but the load path uses viper so file, environment, and default
// values compose the way the rest of the pack (skaffold) does it.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ReplicaConfig identifies this replica within the static cluster.
type ReplicaConfig struct {
	ID         uint32
	IP         string
	Port       int
	RegionID   uint32
	ReplicaNum uint32 // N = 3f+1
}

// BatchConfig controls how the primary batches client requests.
type BatchConfig struct {
	BatchTransactionNum int           // B, default 100
	FlushTimeout        time.Duration // time-based flush if batch is partial
}

// CheckpointConfig controls the checkpoint/GC loop.
type CheckpointConfig struct {
	WaterMark         uint64 // W, default 10000
	LogWindowFactor   uint64 // L = WaterMark * LogWindowFactor, default 2
	CommitTimeout     time.Duration
}

// ViewChangeConfig controls the view-change state machine.
type ViewChangeConfig struct {
	Enabled        bool
	CommitTimeout  time.Duration // viewchange_commit_timeout_ms
}

// WorkerConfig sizes the thread/goroutine pools (§5).
type WorkerConfig struct {
	WorkerNum       int
	InputWorkerNum  int
	OutputWorkerNum int
	TCPBatchNum     int
}

// RecoveryConfig controls WAL durability and replay.
type RecoveryConfig struct {
	Enabled           bool
	Path              string
	BufferSize        int
	CheckpointTimeS   int
}

// CryptoConfig toggles signature verification, for tests.
type CryptoConfig struct {
	SignatureVerifierEnabled bool
	NotNeedSignature         bool
}

// Config is the full set of recognized knobs from spec.md §6.
type Config struct {
	Replica        ReplicaConfig
	Batch          BatchConfig
	Checkpoint     CheckpointConfig
	ViewChange     ViewChangeConfig
	Worker         WorkerConfig
	Recovery       RecoveryConfig
	Crypto         CryptoConfig
	HeartBeatEnabled bool
	IsTestMode       bool
	PerformanceRunning bool
}

// QuorumSize returns 2f+1 for the configured replica count, the
// single source of truth CheckpointKeeper and ViewChange both consult
// (grounded on resdb_poc_config.h's GetMinDataReceiveNum).
func (c *Config) QuorumSize() uint32 {
	f := c.MaxFaulty()
	return 2*f + 1
}

// MaxFaulty returns f for N = 3f+1.
func (c *Config) MaxFaulty() uint32 {
	if c.Replica.ReplicaNum == 0 {
		return 0
	}
	return (c.Replica.ReplicaNum - 1) / 3
}

// Primary returns the replica id that is primary for the given view.
// primary = (view-1) mod N + 1.
func (c *Config) Primary(view uint64) uint32 {
	n := uint64(c.Replica.ReplicaNum)
	if n == 0 {
		return 0
	}
	return uint32((view-1)%n) + 1
}

// HighWaterMark returns low + L for a given stable checkpoint seq.
func (c *Config) HighWaterMark(stableSeq uint64) uint64 {
	factor := c.Checkpoint.LogWindowFactor
	if factor == 0 {
		factor = 2
	}
	return stableSeq + c.Checkpoint.WaterMark*factor
}

// Default returns the baseline configuration used when no file or
// environment override is present, matching the teacher's
// GenerageConfig fallback pattern.
func Default() *Config {
	return &Config{
		Replica: ReplicaConfig{ID: 1, Port: 6116, ReplicaNum: 4},
		Batch: BatchConfig{
			BatchTransactionNum: 100,
			FlushTimeout:        50 * time.Millisecond,
		},
		Checkpoint: CheckpointConfig{
			WaterMark:       10000,
			LogWindowFactor: 2,
			CommitTimeout:   60 * time.Second,
		},
		ViewChange: ViewChangeConfig{
			Enabled:       true,
			CommitTimeout: 60 * time.Second,
		},
		Worker: WorkerConfig{
			WorkerNum:       16,
			InputWorkerNum:  16,
			OutputWorkerNum: 4,
			TCPBatchNum:     32,
		},
		Recovery: RecoveryConfig{
			Enabled:         true,
			Path:            "./recovery",
			BufferSize:      1 << 20,
			CheckpointTimeS: 600,
		},
		Crypto: CryptoConfig{SignatureVerifierEnabled: true},
	}
}

// Load builds a Config from a JSON/YAML/TOML file (if present) layered
// with BFTCORE_-prefixed environment overrides, falling back to
// Default() for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BFTCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	setDefaults(v, def)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("replica", def.Replica)
	v.SetDefault("batch", def.Batch)
	v.SetDefault("checkpoint", def.Checkpoint)
	v.SetDefault("viewchange", def.ViewChange)
	v.SetDefault("worker", def.Worker)
	v.SetDefault("recovery", def.Recovery)
	v.SetDefault("crypto", def.Crypto)
	v.SetDefault("heartbeatenabled", def.HeartBeatEnabled)
	v.SetDefault("istestmode", def.IsTestMode)
	v.SetDefault("performancerunning", def.PerformanceRunning)
}

// Validate checks the invariants the rest of the core assumes hold.
func (c *Config) Validate() error {
	if c.Replica.ReplicaNum < 4 {
		return fmt.Errorf("config: replica_num must be >= 4 (3f+1 with f>=1), got %d", c.Replica.ReplicaNum)
	}
	if (c.Replica.ReplicaNum-1)%3 != 0 {
		return fmt.Errorf("config: replica_num %d is not of the form 3f+1", c.Replica.ReplicaNum)
	}
	if c.Replica.ID == 0 || c.Replica.ID > c.Replica.ReplicaNum {
		return fmt.Errorf("config: replica id %d out of range [1,%d]", c.Replica.ID, c.Replica.ReplicaNum)
	}
	if c.Checkpoint.WaterMark == 0 {
		return fmt.Errorf("config: checkpoint_water_mark must be > 0")
	}
	if c.Batch.BatchTransactionNum <= 0 {
		return fmt.Errorf("config: batch_transaction_num must be > 0")
	}
	return nil
}
