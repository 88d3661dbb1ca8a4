package config

import "time"

// Config is the root configuration of a log server process.
// yaml and validate tags describe parsing and validation.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger" validate:"required"`
	Server    ServerConfig    `yaml:"http-server" validate:"required"`
	Storage   StorageConfig   `yaml:"storage" validate:"required"`
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
	Knobs     Knobs           `yaml:"knobs" validate:"required"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type StorageConfig struct {
	DataDir string `yaml:"path" validate:"required,dir"`
}

// ZooKeeperConfig points at the znode the cluster controller publishes db info to.
// With no servers the process runs with a static, empty db info.
type ZooKeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	DBInfoPath     string        `yaml:"db_info_path"`
}

// Knobs are the tunables of the commit, spill and peek paths.
type Knobs struct {
	// HardLimitBytes blocks commits while unflushed bytes exceed it.
	HardLimitBytes int64 `yaml:"tlog_hard_limit_bytes" validate:"required,min=1"`
	// MaxQueueCommitBytes lets a physical commit start without waiting for the one in flight.
	MaxQueueCommitBytes int64 `yaml:"max_queue_commit_bytes" validate:"required,min=1"`

	MessageBlockBytes          int     `yaml:"tlog_message_block_bytes" validate:"required,min=1"`
	MessageBlockOverheadFactor float64 `yaml:"tlog_message_block_overhead_factor" validate:"required,gte=1"`
	// VersionMessagesEntryOverhead approximates the index memory of one buffered entry.
	VersionMessagesEntryOverhead int64 `yaml:"version_messages_entry_bytes_with_overhead" validate:"min=0"`
	MaxMessageSize               int   `yaml:"max_message_size" validate:"required,min=1"`

	MaxStorageCommitTime time.Duration `yaml:"max_storage_commit_time" validate:"required"`

	SpillThreshold         int64         `yaml:"tlog_spill_threshold" validate:"required,min=1"`
	UpdateStorageByteLimit int64         `yaml:"update_storage_byte_limit" validate:"required,min=1"`
	UpdateStorageInterval  time.Duration `yaml:"update_storage_interval" validate:"required"`

	DesiredTotalBytes int           `yaml:"desired_total_bytes" validate:"required,min=1"`
	PeekMaxWait       time.Duration `yaml:"peek_max_wait" validate:"required"`

	CommitWaitWarningInterval   time.Duration `yaml:"commit_wait_warning_interval" validate:"required"`
	BackpressurePollInterval    time.Duration `yaml:"backpressure_poll_interval" validate:"required"`
	BackpressureWarningInterval time.Duration `yaml:"backpressure_warning_interval" validate:"required"`

	DiskQueueSegmentBytes int64         `yaml:"disk_queue_segment_bytes" validate:"required,min=1"`
	PopDisableTimeout     time.Duration `yaml:"pop_disable_timeout" validate:"required"`
}

// DefaultKnobs returns knob values suited to a single development process.
func DefaultKnobs() Knobs {
	return Knobs{
		HardLimitBytes:               3000 << 20,
		MaxQueueCommitBytes:          15 << 20,
		MessageBlockBytes:            10 << 20,
		MessageBlockOverheadFactor:   1.0,
		VersionMessagesEntryOverhead: 40,
		MaxMessageSize:               120_100,
		MaxStorageCommitTime:         120 * time.Second,
		SpillThreshold:               1500 << 20,
		UpdateStorageByteLimit:       1 << 20,
		UpdateStorageInterval:        100 * time.Millisecond,
		DesiredTotalBytes:            150_000,
		PeekMaxWait:                  time.Second,
		CommitWaitWarningInterval:    100 * time.Millisecond,
		BackpressurePollInterval:     5 * time.Millisecond,
		BackpressureWarningInterval:  time.Second,
		DiskQueueSegmentBytes:        64 << 20,
		PopDisableTimeout:            300 * time.Second,
	}
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              4500,
			ReadHeaderTimeout: time.Second,
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		ZooKeeper: ZooKeeperConfig{
			SessionTimeout: 10 * time.Second,
			DBInfoPath:     "/tlogd/dbinfo",
		},
		Knobs: DefaultKnobs(),
	}
}
