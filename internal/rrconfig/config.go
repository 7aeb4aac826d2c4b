// Copyright 2024 The RR-Go Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rrconfig holds the session/daemon configuration and the
// syscall classification policy that the core components (pkg/wrappers,
// pkg/diversion) load at startup, per SPEC_FULL's ambient/domain stack.
package rrconfig

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the top-level session configuration, decoded from a TOML
// file passed to cmd/rr.
type Config struct {
	// TraceDir is where the (out-of-scope) trace stream serializer
	// writes its files.
	TraceDir string `toml:"trace_dir"`
	// LogLevel is one of "debug", "info", "warning", "error".
	LogLevel string `toml:"log_level"`
	// SyscallBuf holds the syscall buffer ring tuning.
	SyscallBuf SyscallBufConfig `toml:"syscallbuf"`
	// PolicyFile points at the YAML syscall classification document; empty
	// means use the built-in defaults.
	PolicyFile string `toml:"policy_file"`
	// Metrics enables optional diagnostic counters.
	Metrics MetricsConfig `toml:"metrics"`
}

// SyscallBufConfig tunes the per-thread ring buffer (spec.md §3).
type SyscallBufConfig struct {
	// BufferSize is SYSCALLBUF_BUFFER_SIZE: a policy choice, not a
	// protocol constant. Defaults to 64 KiB per spec.md §3.
	BufferSize int `toml:"buffer_size"`
}

// MetricsConfig toggles optional diagnostics.
type MetricsConfig struct {
	DeschedStats bool `toml:"desched_stats"`
}

// Default returns the built-in configuration used when no file is given.
func Default() Config {
	return Config{
		TraceDir:   "/var/lib/rr/traces",
		LogLevel:   "info",
		SyscallBuf: SyscallBufConfig{BufferSize: 64 * 1024},
	}
}

// Load reads and validates a TOML config file, filling in defaults for
// unset fields.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("rrconfig: decoding %s: %w", path, err)
	}
	if cfg.SyscallBuf.BufferSize <= 0 {
		return Config{}, fmt.Errorf("rrconfig: syscallbuf.buffer_size must be positive, got %d", cfg.SyscallBuf.BufferSize)
	}
	return cfg, nil
}
