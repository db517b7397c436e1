// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package fs confines filesystem access to a workflow's shared storage and
// provides durable atomic writes for stage artifacts. Every path a stage
// reads or writes passes through here; traversal and symlink escapes fail
// closed.
package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConfineRelPath joins root and relTarget and verifies the result stays
// physically under the resolved root. relTarget must be relative; the
// returned path is absolute with symlinks resolved.
func ConfineRelPath(root, relTarget string) (string, error) {
	if strings.Contains(relTarget, `\`) {
		return "", fmt.Errorf("path contains backslash: %s", relTarget)
	}
	clean := filepath.Clean(relTarget)
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("target path must be relative: %s", relTarget)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal attempt: %s", relTarget)
	}

	realRoot, err := resolveRoot(root)
	if err != nil {
		return "", err
	}
	return confine(realRoot, filepath.Join(realRoot, clean))
}

// ConfineAbsPath verifies that the absolute target lies physically under
// the resolved root. Used for paths arriving through stage inputs, which
// are absolute by convention.
func ConfineAbsPath(root, targetAbs string) (string, error) {
	if strings.Contains(targetAbs, `\`) {
		return "", fmt.Errorf("path contains backslash: %s", targetAbs)
	}
	if !filepath.IsAbs(targetAbs) {
		return "", fmt.Errorf("target path must be absolute: %s", targetAbs)
	}

	realRoot, err := resolveRoot(root)
	if err != nil {
		return "", err
	}
	return confine(realRoot, filepath.Clean(targetAbs))
}

// IsRegularFile reports an error unless path exists and is a regular file.
func IsRegularFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", path)
	}
	return nil
}

func resolveRoot(root string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid root path: %w", err)
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return "", err
		}
		return absRoot, nil
	}
	return realRoot, nil
}

// confine resolves candidate's symlinks and verifies the result is under
// realRoot. Missing leaves are allowed when their parent directory resolves;
// everything else fails closed.
func confine(realRoot, candidate string) (string, error) {
	var real string
	if _, err := os.Lstat(candidate); err == nil {
		real, err = filepath.EvalSymlinks(candidate)
		if err != nil {
			return "", fmt.Errorf("failed to resolve path: %w", err)
		}
	} else {
		parent := filepath.Dir(candidate)
		realParent, evalErr := filepath.EvalSymlinks(parent)
		switch {
		case evalErr == nil:
			real = filepath.Join(realParent, filepath.Base(candidate))
		default:
			if _, statErr := os.Stat(parent); statErr == nil {
				return "", fmt.Errorf("failed to resolve parent path: %v", evalErr)
			}
			// Parent missing too; the relative check below still applies.
			real = candidate
		}
	}

	rel, err := filepath.Rel(realRoot, real)
	if err != nil {
		return "", fmt.Errorf("rel computation failed: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %s", real)
	}
	return real, nil
}
