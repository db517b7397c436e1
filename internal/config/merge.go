// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"fmt"
	"time"
)

func setDefaults(cfg *Config) {
	cfg.LogLevel = "info"
	cfg.LogFormat = "json"
	cfg.Listen = ":8099"
	cfg.StoreBackend = "redis"
	cfg.StoreAddress = "localhost:6379"
	cfg.BrokerAddress = "" // in-process broker
	cfg.SharedStorageRoot = "./data"
	cfg.MaxAttemptsPerStage = 3
	cfg.StageDeadlineDefault = 30 * time.Minute
	cfg.CacheReuseEnabled = true

	cfg.GPU.Devices = []int{0}
	cfg.GPU.LeaseTTL = 30 * time.Second
	cfg.GPU.RenewInterval = 10 * time.Second
	cfg.GPU.AcquireMaxWait = 5 * time.Minute

	cfg.Inference.PythonBin = "python3"
	cfg.Inference.ScriptDir = "./scripts"
	cfg.Inference.StartupTimeout = 120 * time.Second

	cfg.Telemetry.Enabled = false
	cfg.Telemetry.ExporterType = "noop"
	cfg.Telemetry.Environment = "development"
	cfg.Telemetry.SamplingRate = 1.0
}

// mergeFileConfig overlays file values onto cfg. Only fields the file names
// are touched; duration strings are parsed strictly.
func mergeFileConfig(cfg *Config, file *FileConfig) error {
	if file.LogLevel != "" {
		cfg.LogLevel = file.LogLevel
	}
	if file.LogFormat != "" {
		cfg.LogFormat = file.LogFormat
	}
	if file.Listen != "" {
		cfg.Listen = file.Listen
	}
	if file.Store.Backend != "" {
		cfg.StoreBackend = file.Store.Backend
	}
	if file.Store.Address != "" {
		cfg.StoreAddress = file.Store.Address
	}
	if file.Broker.Address != "" {
		cfg.BrokerAddress = file.Broker.Address
	}
	if file.SharedStorageRoot != "" {
		cfg.SharedStorageRoot = file.SharedStorageRoot
	}
	if len(file.Capabilities) > 0 {
		cfg.Capabilities = append([]string(nil), file.Capabilities...)
	}
	if file.MaxAttemptsPerStage != nil {
		cfg.MaxAttemptsPerStage = *file.MaxAttemptsPerStage
	}
	if file.CacheReuseEnabled != nil {
		cfg.CacheReuseEnabled = *file.CacheReuseEnabled
	}
	if err := mergeDuration(&cfg.StageDeadlineDefault, file.StageDeadlineDefault, "stageDeadlineDefault"); err != nil {
		return err
	}

	if file.GPU.Devices != "" {
		devices, err := ParseDeviceList(file.GPU.Devices)
		if err != nil {
			return fmt.Errorf("gpu.devices: %w", err)
		}
		cfg.GPU.Devices = devices
	}
	if err := mergeDuration(&cfg.GPU.LeaseTTL, file.GPU.LeaseTTL, "gpu.leaseTTL"); err != nil {
		return err
	}
	if err := mergeDuration(&cfg.GPU.RenewInterval, file.GPU.RenewInterval, "gpu.renewInterval"); err != nil {
		return err
	}
	if err := mergeDuration(&cfg.GPU.AcquireMaxWait, file.GPU.AcquireMaxWait, "gpu.acquireMaxWait"); err != nil {
		return err
	}

	if file.Inference.PythonBin != "" {
		cfg.Inference.PythonBin = file.Inference.PythonBin
	}
	if file.Inference.ScriptDir != "" {
		cfg.Inference.ScriptDir = file.Inference.ScriptDir
	}
	if err := mergeDuration(&cfg.Inference.StartupTimeout, file.Inference.StartupTimeout, "inference.startupTimeout"); err != nil {
		return err
	}

	if file.Telemetry.Enabled != nil {
		cfg.Telemetry.Enabled = *file.Telemetry.Enabled
	}
	if file.Telemetry.ExporterType != "" {
		cfg.Telemetry.ExporterType = file.Telemetry.ExporterType
	}
	if file.Telemetry.Endpoint != "" {
		cfg.Telemetry.Endpoint = file.Telemetry.Endpoint
	}
	if file.Telemetry.Environment != "" {
		cfg.Telemetry.Environment = file.Telemetry.Environment
	}
	if file.Telemetry.SamplingRate != nil {
		cfg.Telemetry.SamplingRate = *file.Telemetry.SamplingRate
	}
	return nil
}

func mergeDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	*dst = d
	return nil
}

// mergeEnvConfig overlays V2S_* environment variables onto cfg.
func (l *Loader) mergeEnvConfig(cfg *Config) error {
	cfg.LogLevel = l.envString("V2S_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = l.envString("V2S_LOG_FORMAT", cfg.LogFormat)
	cfg.Listen = l.envString("V2S_LISTEN", cfg.Listen)
	cfg.StoreBackend = l.envString("V2S_STORE_BACKEND", cfg.StoreBackend)
	cfg.StoreAddress = l.envString("V2S_STORE_ADDRESS", cfg.StoreAddress)
	cfg.BrokerAddress = l.envString("V2S_BROKER_ADDRESS", cfg.BrokerAddress)
	cfg.SharedStorageRoot = l.envString("V2S_SHARED_STORAGE_ROOT", cfg.SharedStorageRoot)
	cfg.Capabilities = l.envStringSlice("V2S_CAPABILITIES", cfg.Capabilities)
	cfg.MaxAttemptsPerStage = l.envInt("V2S_MAX_ATTEMPTS_PER_STAGE", cfg.MaxAttemptsPerStage)
	cfg.StageDeadlineDefault = l.envDuration("V2S_STAGE_DEADLINE_DEFAULT", cfg.StageDeadlineDefault)
	cfg.CacheReuseEnabled = l.envBool("V2S_CACHE_REUSE_ENABLED", cfg.CacheReuseEnabled)

	if raw, ok := l.envLookup("V2S_GPU_DEVICES"); ok {
		devices, err := ParseDeviceList(raw)
		if err != nil {
			return fmt.Errorf("V2S_GPU_DEVICES: %w", err)
		}
		cfg.GPU.Devices = devices
	}
	cfg.GPU.LeaseTTL = l.envDuration("V2S_GPU_LEASE_TTL", cfg.GPU.LeaseTTL)
	cfg.GPU.RenewInterval = l.envDuration("V2S_GPU_LEASE_RENEW_INTERVAL", cfg.GPU.RenewInterval)
	cfg.GPU.AcquireMaxWait = l.envDuration("V2S_GPU_ACQUIRE_MAX_WAIT", cfg.GPU.AcquireMaxWait)

	cfg.Inference.PythonBin = l.envString("V2S_PYTHON_BIN", cfg.Inference.PythonBin)
	cfg.Inference.ScriptDir = l.envString("V2S_SCRIPT_DIR", cfg.Inference.ScriptDir)
	cfg.Inference.StartupTimeout = l.envDuration("V2S_SUBPROCESS_STARTUP_TIMEOUT", cfg.Inference.StartupTimeout)

	cfg.Telemetry.Enabled = l.envBool("V2S_OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.ExporterType = l.envString("V2S_OTEL_EXPORTER", cfg.Telemetry.ExporterType)
	cfg.Telemetry.Endpoint = l.envString("V2S_OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.Environment = l.envString("V2S_OTEL_ENVIRONMENT", cfg.Telemetry.Environment)
	cfg.Telemetry.SamplingRate = l.envFloat("V2S_OTEL_SAMPLING_RATE", cfg.Telemetry.SamplingRate)
	return nil
}
