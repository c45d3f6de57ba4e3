// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

//go:build windows

package config

import "log/slog"

// WarnInsecurePermissions is a no-op on Windows, where access is governed
// by ACLs rather than mode bits.
func WarnInsecurePermissions(logger *slog.Logger, path string) bool {
	if logger == nil {
		logger = slog.Default()
	}
	if path != "" {
		logger.Debug("config permission check not implemented on Windows", "path", path)
	}
	return false
}
