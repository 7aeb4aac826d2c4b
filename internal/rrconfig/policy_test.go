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
	"os"
	"path/filepath"
	"testing"
)

func writePolicy(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadPolicyEmptyPath(t *testing.T) {
	p, err := LoadPolicy("")
	if err != nil {
		t.Fatalf("LoadPolicy(\"\") returned error: %v", err)
	}
	if p.BufferedSyscalls != nil || p.DiversionRules != nil {
		t.Fatalf("LoadPolicy(\"\") = %+v, want zero value", p)
	}
}

func TestLoadPolicyValid(t *testing.T) {
	path := writePolicy(t, `
buffered_syscalls:
  - read
  - write
  - recvmsg
diversion_rules:
  ptrace: drop
  ioctl: emulate
`)
	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if len(p.BufferedSyscalls) != 3 {
		t.Errorf("BufferedSyscalls = %v, want 3 entries", p.BufferedSyscalls)
	}
	if p.DiversionRules["ptrace"] != ActionDrop {
		t.Errorf("DiversionRules[ptrace] = %v, want drop", p.DiversionRules["ptrace"])
	}
}

func TestLoadPolicyRejectsUnknownDiversionAction(t *testing.T) {
	path := writePolicy(t, `
diversion_rules:
  ptrace: quarantine
`)
	if _, err := LoadPolicy(path); err == nil {
		t.Fatal("LoadPolicy accepted an unknown diversion action")
	}
}

func TestLoadPolicyRejectsUnknownBufferedSyscall(t *testing.T) {
	path := writePolicy(t, `
buffered_syscalls:
  - read
  - frobnicate
`)
	if _, err := LoadPolicy(path); err == nil {
		t.Fatal("LoadPolicy accepted a buffered_syscalls entry outside the known set")
	}
}
