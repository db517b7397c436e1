// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"strings"
	"time"

	platformnet "github.com/ManuGH/vid2sub/internal/platform/net"
	"github.com/ManuGH/vid2sub/internal/validate"
)

// Validate validates a Config using the centralized validation package.
func Validate(cfg Config) error {
	v := validate.New()

	if _, err := validate.ParseLogLevel(cfg.LogLevel); err != nil {
		v.AddError("LogLevel", err.Error(), cfg.LogLevel)
	}
	v.OneOf("LogFormat", cfg.LogFormat, []string{"json", "console"})

	v.NotEmpty("Listen", cfg.Listen)

	v.OneOf("StoreBackend", cfg.StoreBackend, []string{"redis", "sqlite", "badger", "memory"})
	switch cfg.StoreBackend {
	case "redis":
		v.Custom("StoreAddress", cfg.StoreAddress, func(val interface{}) error {
			_, err := platformnet.NormalizeEndpoint(val.(string))
			return err
		})
	case "sqlite", "badger":
		v.NotEmpty("StoreAddress", cfg.StoreAddress)
	}

	if strings.TrimSpace(cfg.BrokerAddress) != "" {
		v.Custom("BrokerAddress", cfg.BrokerAddress, func(val interface{}) error {
			_, err := platformnet.NormalizeEndpoint(val.(string))
			return err
		})
	}

	v.Directory("SharedStorageRoot", cfg.SharedStorageRoot, false)

	v.Range("MaxAttemptsPerStage", cfg.MaxAttemptsPerStage, 1, 10)
	v.MinDuration("StageDeadlineDefault", cfg.StageDeadlineDefault, time.Second)

	if len(cfg.GPU.Devices) == 0 {
		v.AddError("GPU.Devices", "at least one device index required", cfg.GPU.Devices)
	}
	for _, d := range cfg.GPU.Devices {
		v.NonNegative("GPU.Devices", d)
	}
	v.MinDuration("GPU.LeaseTTL", cfg.GPU.LeaseTTL, time.Second)
	v.MinDuration("GPU.RenewInterval", cfg.GPU.RenewInterval, 100*time.Millisecond)
	v.MinDuration("GPU.AcquireMaxWait", cfg.GPU.AcquireMaxWait, time.Second)
	if cfg.GPU.RenewInterval >= cfg.GPU.LeaseTTL {
		v.AddError("GPU.RenewInterval",
			"renew interval must be shorter than the lease TTL", cfg.GPU.RenewInterval)
	}

	v.NotEmpty("Inference.PythonBin", cfg.Inference.PythonBin)
	v.MinDuration("Inference.StartupTimeout", cfg.Inference.StartupTimeout, time.Second)

	if cfg.Telemetry.Enabled {
		v.OneOf("Telemetry.ExporterType", cfg.Telemetry.ExporterType, []string{"grpc", "http", "noop"})
		if cfg.Telemetry.ExporterType != "noop" {
			v.NotEmpty("Telemetry.Endpoint", cfg.Telemetry.Endpoint)
		}
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			v.AddError("Telemetry.SamplingRate",
				"sampling rate must be between 0.0 and 1.0", cfg.Telemetry.SamplingRate)
		}
	}

	for _, c := range cfg.Capabilities {
		v.NotEmpty("Capabilities", c)
	}

	return v.Err()
}
