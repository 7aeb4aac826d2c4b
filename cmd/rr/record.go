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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"github.com/replaycore/rr/internal/rrconfig"
	"github.com/replaycore/rr/pkg/arbiter"
	"github.com/replaycore/rr/pkg/desched"
	"github.com/replaycore/rr/pkg/rrlog"
	"github.com/replaycore/rr/pkg/seccompfilter"
	"github.com/replaycore/rr/pkg/syscallbuf"
	"github.com/replaycore/rr/pkg/task"
	"github.com/replaycore/rr/pkg/trace"
	"github.com/replaycore/rr/pkg/wrappers"
)

var recordLog = rrlog.For("cmd/record")

// recordCmd implements subcommands.Command for "record".
type recordCmd struct {
	configPath string
	traceDir   string
}

func (*recordCmd) Name() string     { return "record" }
func (*recordCmd) Synopsis() string { return "record a traced program's execution" }
func (*recordCmd) Usage() string {
	return `record [flags] -- <program> [args...]
Records a program's syscalls and signals into a trace that can be replayed later.
`
}

func (r *recordCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configPath, "config", "", "path to a TOML session config file")
	f.StringVar(&r.traceDir, "trace-dir", "", "directory to write the trace into (overrides config)")
}

func (r *recordCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg := rrconfig.Default()
	if r.configPath != "" {
		loaded, err := rrconfig.Load(r.configPath)
		if err != nil {
			recordLog.Errorf("load config: %v", err)
			return subcommands.ExitFailure
		}
		cfg = loaded
	}
	if r.traceDir != "" {
		cfg.TraceDir = r.traceDir
	}
	policy, err := rrconfig.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		recordLog.Errorf("load policy: %v", err)
		return subcommands.ExitFailure
	}
	activeTable, err := wrappers.BuildActiveTable(policy.BufferedSyscalls)
	if err != nil {
		recordLog.Errorf("build active syscall table: %v", err)
		return subcommands.ExitFailure
	}

	buf, err := syscallbuf.New(make([]byte, cfg.SyscallBuf.BufferSize))
	if err != nil {
		recordLog.Errorf("allocate syscallbuf: %v", err)
		return subcommands.ExitFailure
	}
	dc, err := desched.Open(1)
	if err != nil {
		recordLog.Errorf("open desched counter: %v", err)
		return subcommands.ExitFailure
	}
	defer dc.Close()

	// engine is what the traced program's own copy of pkg/wrappers
	// constructs over the same shared-memory buffer; the tracer never
	// calls its typed wrapper methods directly, but it does own the
	// buffered-syscall table built from the policy document, which is
	// why policy validation happens here rather than solely inside the
	// tracee.
	engine := wrappers.NewEngine(buf, dc, wrappers.ModeRecord, activeTable)
	_ = engine

	recordingID := trace.NewRecordingID()
	writer, err := trace.CreateFile(cfg.TraceDir, recordingID)
	if err != nil {
		recordLog.Errorf("create trace: %v", err)
		return subcommands.ExitFailure
	}
	defer writer.Close()
	if err := trace.SaveCmdline(cfg.TraceDir, f.Args()); err != nil {
		recordLog.Errorf("save cmdline: %v", err)
		return subcommands.ExitFailure
	}

	// TODO: the filter belongs on the traced child's own OS thread,
	// installed right after PTRACE_TRACEME and before its exec, the way
	// createStub installs stub state before calling stubCall
	// (subprocess_linux.go); os/exec has no pre-exec hook for that, so
	// this only demonstrates the install path against the tracer's own
	// thread until the fork/exec path is replaced with a raw clone.
	if err := seccompfilter.InstallFilter(wrappers.UntracedEntryIP()); err != nil {
		recordLog.Errorf("install seccomp filter: %v", err)
		return subcommands.ExitFailure
	}

	cmd := exec.CommandContext(ctx, f.Arg(0), f.Args()[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.SysProcAttr = &unix.SysProcAttr{Ptrace: true}
	if err := cmd.Start(); err != nil {
		recordLog.Errorf("start traced program: %v", err)
		return subcommands.ExitFailure
	}

	t := task.New(cmd.Process.Pid, cmd.Process.Pid)
	if _, err := t.Wait(); err != nil {
		recordLog.Errorf("wait for initial stop: %v", err)
		return subcommands.ExitFailure
	}
	if err := t.SetOptions(); err != nil {
		recordLog.Errorf("set ptrace options: %v", err)
		return subcommands.ExitFailure
	}

	driver := arbiter.NewDriver(t, dc, unix.SIGIO, buf)
	recorder := arbiter.NewRecorder(driver, writer)
	payload := func(class arbiter.StopClass, reason task.StopReason, sig unix.Signal) []byte {
		// Register capture is an external, unspecified collaborator
		// (spec.md §1); ClassBufferFlush stops carry the buffer's own
		// bytes instead of a payload built here (see Recorder.RunOnce),
		// so this only needs to leave enough behind for a human reading
		// the trace back to tell stops apart.
		return []byte(fmt.Sprintf("reason=%v sig=%v", reason, sig))
	}
	for {
		reason, err := recorder.RunOnce(payload)
		if err != nil {
			recordLog.Errorf("step tid %d: %v", t.TID, err)
			return subcommands.ExitFailure
		}
		recordLog.Debugf("tid %d stop reason=%v", t.TID, reason)
		if reason == task.StopExited {
			break
		}
	}

	if err := cmd.Wait(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			recordLog.Errorf("wait for traced program: %v", err)
			return subcommands.ExitFailure
		}
	}
	fmt.Fprintf(os.Stdout, "recorded to %s (recording id %s)\n", cfg.TraceDir, recordingID)
	return subcommands.ExitSuccess
}
