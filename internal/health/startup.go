// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ManuGH/vid2sub/internal/config"
	"github.com/ManuGH/vid2sub/internal/log"
	"github.com/rs/zerolog"
)

// PerformStartupChecks validates the environment and dependencies before the
// worker starts taking tasks.
func PerformStartupChecks(ctx context.Context, cfg config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("Running pre-flight startup checks...")

	// 1. Shared storage root
	if err := checkStorageRoot(logger, cfg.SharedStorageRoot); err != nil {
		return fmt.Errorf("shared storage check failed: %w", err)
	}

	// 2. Ops listen address
	if err := checkListenAddr(logger, cfg.Listen); err != nil {
		return fmt.Errorf("listen address check failed: %w", err)
	}

	// 3. Inference toolchain for the served capabilities
	if err := checkInferenceDeps(logger, cfg); err != nil {
		return fmt.Errorf("inference dependency check failed: %w", err)
	}

	// 4. Persistence warnings (non-fatal)
	warnPersistence(logger, cfg)

	logger.Info().Msg("✅ All startup checks passed")
	return nil
}

func checkStorageRoot(logger zerolog.Logger, root string) error {
	if root == "" {
		return fmt.Errorf("shared storage root is not configured")
	}

	info, err := os.Stat(root)
	switch {
	case err == nil:
		if !info.IsDir() {
			return fmt.Errorf("path is not a directory: %s", root)
		}
	case os.IsNotExist(err):
		if err := os.MkdirAll(root, 0750); err != nil {
			return fmt.Errorf("failed to create storage root %s: %w", root, err)
		}
		logger.Info().Str("path", root).Msg("created shared storage root")
	default:
		return err
	}

	// Check write permissions by creating a temp file
	testFile := filepath.Join(root, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", root, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str("path", root).Msg("✓ Shared storage root is writable")
	return nil
}

func checkListenAddr(logger zerolog.Logger, addr string) error {
	if addr == "" {
		return nil
	}

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}

	logger.Info().Str("addr", addr).Msg("✓ Listen address is valid")
	return nil
}

// checkInferenceDeps verifies the external tooling the served capabilities
// will spawn. A daemon with no capabilities only schedules and needs none.
func checkInferenceDeps(logger zerolog.Logger, cfg config.Config) error {
	if len(cfg.Capabilities) == 0 {
		logger.Info().Msg("no capabilities configured; skipping inference dependency checks")
		return nil
	}

	pythonBin := strings.TrimSpace(cfg.Inference.PythonBin)
	if pythonBin == "" {
		pythonBin = "python3"
	}
	if _, err := exec.LookPath(pythonBin); err != nil {
		return fmt.Errorf("python interpreter not found (%s): %w", pythonBin, err)
	}

	for _, capability := range cfg.Capabilities {
		if strings.HasPrefix(capability, "ffmpeg.") {
			if _, err := exec.LookPath("ffmpeg"); err != nil {
				return fmt.Errorf("ffmpeg binary not found: %w", err)
			}
			break
		}
	}

	if dir := strings.TrimSpace(cfg.Inference.ScriptDir); dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("script dir %s: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("script dir is not a directory: %s", dir)
		}
	}

	logger.Info().Str("python", pythonBin).Msg("✓ Inference dependencies available")
	return nil
}

func warnPersistence(logger zerolog.Logger, cfg config.Config) {
	if strings.EqualFold(cfg.StoreBackend, "memory") {
		logger.Warn().
			Str("store_backend", cfg.StoreBackend).
			Msg("memory store keeps workflow state in process; records are lost on restart")
	}

	if strings.TrimSpace(cfg.BrokerAddress) == "" {
		logger.Info().Msg("no broker address configured; tasks stay on the in-process broker")
	}

	tempDir := filepath.Clean(os.TempDir())
	storageRoot := filepath.Clean(cfg.SharedStorageRoot)
	if tempDir != "." && (storageRoot == tempDir || strings.HasPrefix(storageRoot, tempDir+string(filepath.Separator))) {
		logger.Warn().
			Str("storage_root", cfg.SharedStorageRoot).
			Msg("shared storage root is under temp; artifacts may be lost on reboot")
	}
}
