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
	"os/exec"
	"syscall"
	"testing"

	"github.com/replaycore/rr/pkg/task"
)

// TestDiversionSuppressesKillOfLiveProcess drives a real child process
// through the exact guard a signal handler would use around
// task.Task.Kill: while a diversion is active, a fatal signal must
// never actually reach the tracee; once the diversion has ended, the
// same fatal condition is free to kill it.
// This is the kill-suppression half of the diversion-safety contract:
// a SIGSEGV or similar fault taken during speculative execution must
// not be allowed to tear down the process being replayed.
func TestDiversionSuppressesKillOfLiveProcess(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("could not start a child process in this environment: %v", err)
	}
	pid := cmd.Process.Pid
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()

	tk := task.New(pid, pid)
	sess := NewSession(tk)
	sess.IncRef()

	killIfNotSuppressed := func(fatal bool) error {
		if KillSuppressed(fatal, sess) {
			return nil
		}
		return tk.Kill()
	}

	if err := killIfNotSuppressed(true); err != nil {
		t.Fatalf("suppressed kill still returned an error: %v", err)
	}
	if err := cmd.Process.Signal(syscall.Signal(0)); err != nil {
		t.Fatalf("child process should still be alive after a suppressed kill: %v", err)
	}

	sess.DecRef()
	if !sess.Ended() {
		t.Fatal("session should have ended once its only reference was released")
	}

	if err := killIfNotSuppressed(true); err != nil {
		t.Fatalf("unsuppressed kill: %v", err)
	}
	state, err := cmd.Process.Wait()
	if err != nil {
		t.Fatalf("waiting for the killed child: %v", err)
	}
	if state.Success() {
		t.Fatal("child process should have been killed, not exited successfully")
	}
}
