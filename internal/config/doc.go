// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config loads, validates and hot-reloads the vid2sub runtime
// configuration. Precedence is ENV > file > defaults; the file is parsed
// strictly so typos fail startup instead of silently using defaults.
package config
