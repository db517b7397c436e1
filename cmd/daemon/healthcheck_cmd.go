// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ManuGH/vid2sub/internal/config"
)

// runHealthcheckCLI probes the ops endpoint of a daemon on this host. It is
// the container HEALTHCHECK entrypoint, so it never needs store or broker
// credentials, just the ops listener.
func runHealthcheckCLI(args []string) int {
	fs := flag.NewFlagSet("healthcheck", flag.ExitOnError)
	mode := fs.String("mode", "ready", "healthcheck mode: ready (default) or live")
	addr := fs.String("addr", "", "ops address to check (default: V2S_LISTEN or :8099)")
	timeout := fs.Duration("timeout", 5*time.Second, "check timeout")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing healthcheck flags: %v\n", err)
		return 1
	}

	target := strings.TrimSpace(*addr)
	if target == "" {
		target = config.ParseString("V2S_LISTEN", ":8099")
	}
	if strings.HasPrefix(target, ":") {
		target = "localhost" + target
	}

	path := "/healthz"
	if *mode == "ready" {
		path = "/readyz"
	}

	client := http.Client{Timeout: *timeout}
	resp, err := client.Get(fmt.Sprintf("http://%s%s", target, path))
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed (network): %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "healthcheck failed (status): %d %s\n", resp.StatusCode, resp.Status)
		return 1
	}

	fmt.Printf("healthcheck successful (%s)\n", *mode)
	return 0
}
