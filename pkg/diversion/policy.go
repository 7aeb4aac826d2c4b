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

package diversion

import (
	"golang.org/x/sys/unix"

	"github.com/replaycore/rr/internal/rrconfig"
)

// defaultDropSyscalls is the minimum-safe set of syscalls a diversion
// must never let a tracee actually perform: anything that could kill
// the tracee, another process, or leak state through interprocess
// signaling out from under the replay (spec.md §4.6, §8 scenario 6).
//
// The historical "ipc" multiplex syscall (semget/msgget/shmget/...
// bundled behind one number) is a 32-bit-only ABI artifact: amd64
// exposes each of those as its own syscall number, so there is no
// single SYS_IPC to drop here. Those individual syscalls are left at
// the default forward action; an operator wanting to drop them adds
// them to internal/rrconfig.Policy.DiversionRules by name.
var defaultDropSyscalls = map[uintptr]bool{
	unix.SYS_KILL:              true,
	unix.SYS_TKILL:             true,
	unix.SYS_TGKILL:            true,
	unix.SYS_RT_SIGQUEUEINFO:   true,
	unix.SYS_RT_TGSIGQUEUEINFO: true,
}

// Classifier decides, for one syscall encountered during a diversion,
// whether it should run against the real kernel, be dropped (return an
// innocuous value without running), or be emulated (return a value the
// classifier computes itself). Backed by internal/rrconfig.Policy per
// spec.md §9's "a policy knob, not a fixed list".
type Classifier struct {
	names map[uintptr]string
	rules rrconfig.Policy
}

// NewClassifier builds a Classifier from names (syscall number to
// name, e.g. wrappers.DefaultTable's keys) and an optional policy
// overriding the default drop set. An empty policy uses only the
// built-in defaults.
func NewClassifier(names map[uintptr]string, policy rrconfig.Policy) *Classifier {
	return &Classifier{names: names, rules: policy}
}

// Action reports what a diversion should do with sysno.
func (c *Classifier) Action(sysno uintptr) rrconfig.DiversionAction {
	if name, ok := c.names[sysno]; ok {
		if action, ok := c.rules.DiversionRules[name]; ok {
			return action
		}
	}
	if defaultDropSyscalls[sysno] {
		return rrconfig.ActionDrop
	}
	return rrconfig.ActionForward
}
