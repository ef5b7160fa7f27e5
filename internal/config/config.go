// Package config is the YAML configuration surface of the meta
// service. Every field carries a default so the service starts with no
// config file at all.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/singularity-data/hummock/pkg/compaction"
	"github.com/singularity-data/hummock/pkg/vacuum"
)

type Config struct {
	Logger     LoggerConfig     `yaml:"logger"`
	Server     ServerConfig     `yaml:"http-server"`
	MetaStore  MetaStoreConfig  `yaml:"metastore"`
	ObjStore   ObjStoreConfig   `yaml:"objstore"`
	Compaction CompactionConfig `yaml:"compaction"`
	Vacuum     VacuumConfig     `yaml:"vacuum"`
	Storage    StorageConfig    `yaml:"storage"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type MetaStoreConfig struct {
	// Backend is "memory" or "zookeeper".
	Backend   string          `yaml:"backend"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
}

type ZookeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	RootPath       string        `yaml:"root_path"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

type ObjStoreConfig struct {
	// Backend is "memory" or "s3".
	Backend string   `yaml:"backend"`
	DataDir string   `yaml:"data_dir"`
	S3      S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

type CompactionConfig struct {
	// DispatchInterval paces the dispatcher's fallback sweep over all
	// groups; wake signals cover the common case.
	DispatchInterval            time.Duration `yaml:"dispatch_interval"`
	MaxLevel                    int           `yaml:"max_level"`
	Level0TierCompactFileNumber int           `yaml:"level0_tier_compact_file_number"`
	MaxBytesForLevelBase        uint64        `yaml:"max_bytes_for_level_base"`
	MaxBytesForLevelMultiplier  uint64        `yaml:"max_bytes_for_level_multiplier"`
	MaxCompactionBytes          uint64        `yaml:"max_compaction_bytes"`
	SubLevelMaxCompactionBytes  uint64        `yaml:"sub_level_max_compaction_bytes"`
	MaxSubCompaction            int           `yaml:"max_sub_compaction"`
	TargetFileSizeBase          uint64        `yaml:"target_file_size_base"`
	CompressionAlgorithms       []string      `yaml:"compression_algorithms"`
}

type VacuumConfig struct {
	Interval              time.Duration `yaml:"interval"`
	OrphanCreateRetention time.Duration `yaml:"orphan_create_retention"`
	OrphanDeleteRetention time.Duration `yaml:"orphan_delete_retention"`
}

type StorageConfig struct {
	SstableCapacity uint64 `yaml:"sstable_capacity"`
	DefaultGroup    uint64 `yaml:"default_group"`
}

// Default returns a baseline development config: in-memory backends,
// one compaction group, text logging.
func Default() Config {
	cc := compaction.DefaultConfig()
	vc := vacuum.DefaultConfig()
	return Config{
		Logger: LoggerConfig{Level: "INFO", JSON: false},
		Server: ServerConfig{
			Port:              8690,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		MetaStore: MetaStoreConfig{
			Backend: "memory",
			Zookeeper: ZookeeperConfig{
				Servers:        []string{"127.0.0.1:2181"},
				RootPath:       "/hummock",
				SessionTimeout: 10 * time.Second,
			},
		},
		ObjStore: ObjStoreConfig{
			Backend: "memory",
			DataDir: "hummock_001",
			S3:      S3Config{Region: "us-east-1"},
		},
		Compaction: CompactionConfig{
			DispatchInterval:            10 * time.Second,
			MaxLevel:                    cc.MaxLevel,
			Level0TierCompactFileNumber: cc.Level0TierCompactFileNumber,
			MaxBytesForLevelBase:        cc.MaxBytesForLevelBase,
			MaxBytesForLevelMultiplier:  cc.MaxBytesForLevelMultiplier,
			MaxCompactionBytes:          cc.MaxCompactionBytes,
			SubLevelMaxCompactionBytes:  cc.SubLevelMaxCompactionBytes,
			MaxSubCompaction:            cc.MaxSubCompaction,
			TargetFileSizeBase:          cc.TargetFileSizeBase,
			CompressionAlgorithms:       cc.CompressionAlgorithms,
		},
		Vacuum: VacuumConfig{
			Interval:              vc.Interval,
			OrphanCreateRetention: vc.OrphanCreateRetention,
			OrphanDeleteRetention: vc.OrphanDeleteRetention,
		},
		Storage: StorageConfig{
			SstableCapacity: 32 << 20,
			DefaultGroup:    1,
		},
	}
}

// Load reads the YAML config at path on top of the defaults. A missing
// file is not an error: the defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// CompactionSettings converts to the compaction package's tuning struct.
func (c Config) CompactionSettings() compaction.Config {
	return compaction.Config{
		MaxLevel:                    c.Compaction.MaxLevel,
		Level0TierCompactFileNumber: c.Compaction.Level0TierCompactFileNumber,
		MaxBytesForLevelBase:        c.Compaction.MaxBytesForLevelBase,
		MaxBytesForLevelMultiplier:  c.Compaction.MaxBytesForLevelMultiplier,
		MaxCompactionBytes:          c.Compaction.MaxCompactionBytes,
		SubLevelMaxCompactionBytes:  c.Compaction.SubLevelMaxCompactionBytes,
		MaxSubCompaction:            c.Compaction.MaxSubCompaction,
		TargetFileSizeBase:          c.Compaction.TargetFileSizeBase,
		CompressionAlgorithms:       c.Compaction.CompressionAlgorithms,
	}
}

// VacuumSettings converts to the vacuum package's tuning struct.
func (c Config) VacuumSettings() vacuum.Config {
	return vacuum.Config{
		Interval:              c.Vacuum.Interval,
		OrphanCreateRetention: c.Vacuum.OrphanCreateRetention,
		OrphanDeleteRetention: c.Vacuum.OrphanDeleteRetention,
	}
}
