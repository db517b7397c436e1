// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package net normalizes the network endpoints vid2sub dials: Redis store and
// broker addresses from config, in host:port or redis:// URL form.
package net

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// NormalizeHost validates and normalizes a host for comparison.
func NormalizeHost(raw string) (string, error) {
	host := strings.TrimSpace(raw)
	if host == "" {
		return "", fmt.Errorf("host is empty")
	}
	if strings.Contains(host, "://") {
		return "", fmt.Errorf("host must not include scheme: %s", raw)
	}
	if strings.Contains(host, "/") {
		return "", fmt.Errorf("host must not include path: %s", raw)
	}
	if strings.Contains(host, "@") {
		return "", fmt.Errorf("host must not include userinfo: %s", raw)
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	}
	if strings.Contains(host, ":") && net.ParseIP(host) == nil {
		return "", fmt.Errorf("host must not include port: %s", raw)
	}
	if strings.Contains(host, "%") {
		return "", fmt.Errorf("host must not include zone: %s", raw)
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", fmt.Errorf("host is empty")
	}
	if ip := net.ParseIP(host); ip != nil {
		return strings.ToLower(ip.String()), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", raw, err)
	}
	return strings.ToLower(ascii), nil
}

// NormalizeEndpoint validates a dialable endpoint and returns it in canonical
// form. Accepted inputs: "host:port", "[v6]:port", and redis:// or rediss://
// URLs (credentials and db path are preserved, the host is normalized).
func NormalizeEndpoint(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("endpoint is empty")
	}

	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return "", fmt.Errorf("invalid endpoint url: %w", err)
		}
		scheme := strings.ToLower(u.Scheme)
		if scheme != "redis" && scheme != "rediss" {
			return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
		}
		if u.Host == "" {
			return "", fmt.Errorf("endpoint url missing host")
		}
		host, err := NormalizeHost(u.Hostname())
		if err != nil {
			return "", err
		}
		if p := u.Port(); p != "" {
			if _, err := strconv.Atoi(p); err != nil {
				return "", fmt.Errorf("invalid endpoint port %q: %w", p, err)
			}
		}
		u.Scheme = scheme
		u.Host = joinHostPort(host, u.Port())
		return u.String(), nil
	}

	host, portStr, err := net.SplitHostPort(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", raw, err)
	}
	if _, err := strconv.Atoi(portStr); err != nil {
		return "", fmt.Errorf("invalid endpoint port %q: %w", portStr, err)
	}
	normalized, err := NormalizeHost(host)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(normalized, portStr), nil
}

func joinHostPort(host, port string) string {
	if port == "" {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, port)
}
