// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import "time"

// Config is the fully resolved runtime configuration of a vid2sub process.
// Precedence: environment > config file > defaults.
type Config struct {
	Version string

	LogLevel  string
	LogFormat string // "json" or "console"

	// Listen is the bind address of the ops HTTP server
	// (healthz, readyz, metrics, version).
	Listen string

	// StoreBackend selects the context store: redis, sqlite, badger, memory.
	// StoreAddress is a redis address/URL or a database path depending on it.
	StoreBackend string
	StoreAddress string

	// BrokerAddress is the Redis address of the task broker. Empty selects
	// the in-process broker (single-binary runs and tests).
	BrokerAddress string

	// SharedStorageRoot is the filesystem tree all workers can reach.
	// Artifact and context dumps live under it.
	SharedStorageRoot string

	// Capabilities lists the node names this worker consumes tasks for.
	// The scheduler capability "workflow.run" is implied for schedulers.
	Capabilities []string

	MaxAttemptsPerStage  int
	StageDeadlineDefault time.Duration
	CacheReuseEnabled    bool

	GPU       GPUConfig
	Inference InferenceConfig
	Telemetry TelemetryConfig
}

// GPUConfig drives the device lease arbiter.
type GPUConfig struct {
	// Devices are the CUDA device indices managed by this deployment.
	Devices []int

	LeaseTTL       time.Duration
	RenewInterval  time.Duration
	AcquireMaxWait time.Duration
}

// InferenceConfig drives the Python subprocess bridge.
type InferenceConfig struct {
	PythonBin      string
	ScriptDir      string
	StartupTimeout time.Duration
}

// TelemetryConfig drives the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled      bool
	ExporterType string // "grpc", "http", or "noop"
	Endpoint     string
	Environment  string
	SamplingRate float64
}

// FileConfig is the YAML configuration structure. Pointer fields distinguish
// "absent" from zero values so the file only overrides what it names.
type FileConfig struct {
	LogLevel  string `yaml:"logLevel,omitempty"`
	LogFormat string `yaml:"logFormat,omitempty"`
	Listen    string `yaml:"listen,omitempty"`

	Store struct {
		Backend string `yaml:"backend,omitempty"`
		Address string `yaml:"address,omitempty"`
	} `yaml:"store,omitempty"`

	Broker struct {
		Address string `yaml:"address,omitempty"`
	} `yaml:"broker,omitempty"`

	SharedStorageRoot string   `yaml:"sharedStorageRoot,omitempty"`
	Capabilities      []string `yaml:"capabilities,omitempty"`

	MaxAttemptsPerStage  *int   `yaml:"maxAttemptsPerStage,omitempty"`
	StageDeadlineDefault string `yaml:"stageDeadlineDefault,omitempty"` // e.g. "30m"
	CacheReuseEnabled    *bool  `yaml:"cacheReuseEnabled,omitempty"`

	GPU struct {
		Devices        string `yaml:"devices,omitempty"` // e.g. "0,1" or "0..3"
		LeaseTTL       string `yaml:"leaseTTL,omitempty"`
		RenewInterval  string `yaml:"renewInterval,omitempty"`
		AcquireMaxWait string `yaml:"acquireMaxWait,omitempty"`
	} `yaml:"gpu,omitempty"`

	Inference struct {
		PythonBin      string `yaml:"pythonBin,omitempty"`
		ScriptDir      string `yaml:"scriptDir,omitempty"`
		StartupTimeout string `yaml:"startupTimeout,omitempty"`
	} `yaml:"inference,omitempty"`

	Telemetry struct {
		Enabled      *bool    `yaml:"enabled,omitempty"`
		ExporterType string   `yaml:"exporterType,omitempty"`
		Endpoint     string   `yaml:"endpoint,omitempty"`
		Environment  string   `yaml:"environment,omitempty"`
		SamplingRate *float64 `yaml:"samplingRate,omitempty"`
	} `yaml:"telemetry,omitempty"`
}
