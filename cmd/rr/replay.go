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

var replayLog = rrlog.For("cmd/replay")

// replayCmd implements subcommands.Command for "replay".
type replayCmd struct {
	configPath string
	traceDir   string
}

func (*replayCmd) Name() string     { return "replay" }
func (*replayCmd) Synopsis() string { return "replay a previously recorded trace" }
func (*replayCmd) Usage() string {
	return `replay [flags] <trace-dir>
Replays a trace produced by "rr record" to completion, without interactive control.
For interactive replay with a debugger, use "rr attach".
`
}

func (r *replayCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configPath, "config", "", "path to a TOML session config file")
}

func (r *replayCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	r.traceDir = f.Arg(0)

	cfg := rrconfig.Default()
	if r.configPath != "" {
		loaded, err := rrconfig.Load(r.configPath)
		if err != nil {
			replayLog.Errorf("load config: %v", err)
			return subcommands.ExitFailure
		}
		cfg = loaded
	}
	cfg.TraceDir = r.traceDir

	driver, reader, cleanup, status := setUpReplay(ctx, cfg)
	if status != subcommands.ExitSuccess {
		return status
	}
	defer cleanup()

	replayer := arbiter.NewReplayer(driver, reader)
	describe := func(class arbiter.StopClass) string {
		return fmt.Sprintf("class=%v tid=%d", class, driver.Task.TID)
	}
	for {
		reason, err := replayer.RunOnce(describe)
		if err != nil {
			if _, ok := err.(*arbiter.DivergenceError); ok {
				replayLog.Errorf("replay diverged: %v", err)
				return subcommands.ExitFailure
			}
			replayLog.Errorf("step tid %d: %v", driver.Task.TID, err)
			return subcommands.ExitFailure
		}
		replayLog.Debugf("tid %d stop reason=%v", driver.Task.TID, reason)
		if reason == task.StopExited {
			break
		}
	}

	fmt.Fprintf(os.Stdout, "replay of %s complete\n", cfg.TraceDir)
	return subcommands.ExitSuccess
}

// setUpReplay re-executes the recorded program under ptrace, exactly
// as record.go did while recording it, and wires an arbiter.Driver
// against a trace.Reader opened from cfg.TraceDir. Replay does not
// reproduce determinism itself (that guarantee lives in the buffered
// syscall wrappers and the arbiter's refill step); it only needs a
// live thread to drive stop-by-stop against the recorded event
// sequence.
func setUpReplay(ctx context.Context, cfg rrconfig.Config) (*arbiter.Driver, trace.Reader, func(), subcommands.ExitStatus) {
	argv, err := trace.LoadCmdline(cfg.TraceDir)
	if err != nil {
		replayLog.Errorf("load recorded command line: %v", err)
		return nil, nil, nil, subcommands.ExitFailure
	}
	if len(argv) == 0 {
		replayLog.Errorf("trace %s has no recorded command line", cfg.TraceDir)
		return nil, nil, nil, subcommands.ExitFailure
	}

	reader, err := trace.OpenFile(cfg.TraceDir)
	if err != nil {
		replayLog.Errorf("open trace: %v", err)
		return nil, nil, nil, subcommands.ExitFailure
	}

	buf, err := syscallbuf.New(make([]byte, cfg.SyscallBuf.BufferSize))
	if err != nil {
		reader.Close()
		replayLog.Errorf("allocate syscallbuf: %v", err)
		return nil, nil, nil, subcommands.ExitFailure
	}
	dc, err := desched.Open(1)
	if err != nil {
		reader.Close()
		replayLog.Errorf("open desched counter: %v", err)
		return nil, nil, nil, subcommands.ExitFailure
	}

	if err := seccompfilter.InstallFilter(wrappers.UntracedEntryIP()); err != nil {
		dc.Close()
		reader.Close()
		replayLog.Errorf("install seccomp filter: %v", err)
		return nil, nil, nil, subcommands.ExitFailure
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.SysProcAttr = &unix.SysProcAttr{Ptrace: true}
	if err := cmd.Start(); err != nil {
		dc.Close()
		reader.Close()
		replayLog.Errorf("start replayed program: %v", err)
		return nil, nil, nil, subcommands.ExitFailure
	}

	t := task.New(cmd.Process.Pid, cmd.Process.Pid)
	if _, err := t.Wait(); err != nil {
		dc.Close()
		reader.Close()
		replayLog.Errorf("wait for initial stop: %v", err)
		return nil, nil, nil, subcommands.ExitFailure
	}
	if err := t.SetOptions(); err != nil {
		dc.Close()
		reader.Close()
		replayLog.Errorf("set ptrace options: %v", err)
		return nil, nil, nil, subcommands.ExitFailure
	}

	driver := arbiter.NewDriver(t, dc, unix.SIGIO, buf)
	cleanup := func() {
		dc.Close()
		reader.Close()
		if err := cmd.Wait(); err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				replayLog.Errorf("wait for replayed program: %v", err)
			}
		}
	}
	return driver, reader, cleanup, subcommands.ExitSuccess
}
