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

package rrconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/replaycore/rr/pkg/wrappers"
)

// DiversionAction is what the diversion controller does with a syscall
// made inside a diversion session (spec.md §4.6, §9).
type DiversionAction string

// Diversion syscall classifications.
const (
	// ActionForward executes the syscall against the real kernel.
	ActionForward DiversionAction = "forward"
	// ActionDrop silently succeeds the syscall with return = 0.
	ActionDrop DiversionAction = "drop"
	// ActionEmulate answers the syscall without touching the kernel
	// (used for the desched-counter ioctl, per spec.md §4.6).
	ActionEmulate DiversionAction = "emulate"
)

// Policy is the syscall classification document referenced by spec.md §9
// ("centralised in one classifier"). It is shared by pkg/wrappers (which
// syscalls are buffered) and pkg/diversion (how a syscall made inside a
// diversion is handled).
type Policy struct {
	// BufferedSyscalls names the closed set of buffered syscalls
	// (spec.md §4.4). Nil means use the reference set.
	BufferedSyscalls []string `yaml:"buffered_syscalls,omitempty"`
	// DiversionRules maps a syscall name to its diversion action.
	// Syscalls not listed default to ActionForward, except the
	// minimum drop set, which defaults to ActionDrop; an entry here
	// naming one of those syscalls overrides that default (see
	// pkg/diversion).
	DiversionRules map[string]DiversionAction `yaml:"diversion_rules,omitempty"`
}

// LoadPolicy reads a YAML policy document. An empty path returns the
// zero Policy, which callers interpret as "use built-in defaults".
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return Policy{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("rrconfig: reading policy %s: %w", path, err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("rrconfig: parsing policy %s: %w", path, err)
	}
	for name, action := range p.DiversionRules {
		switch action {
		case ActionForward, ActionDrop, ActionEmulate:
		default:
			return Policy{}, fmt.Errorf("rrconfig: policy %s: unknown diversion action %q for syscall %q", path, action, name)
		}
	}
	if _, err := wrappers.BuildActiveTable(p.BufferedSyscalls); err != nil {
		return Policy{}, fmt.Errorf("rrconfig: policy %s: %w", path, err)
	}
	return p, nil
}
