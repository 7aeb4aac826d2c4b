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
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"golang.org/x/term"

	"github.com/replaycore/rr/internal/rrconfig"
	"github.com/replaycore/rr/pkg/arbiter"
	"github.com/replaycore/rr/pkg/diversion"
	"github.com/replaycore/rr/pkg/rrlog"
	"github.com/replaycore/rr/pkg/task"
)

var attachLog = rrlog.For("cmd/attach")

// attachCmd implements subcommands.Command for "attach": interactive
// replay under debugger control, with diversion sessions available for
// speculative forward execution (C6).
type attachCmd struct {
	configPath string
}

func (*attachCmd) Name() string     { return "attach" }
func (*attachCmd) Synopsis() string { return "interactively replay a trace under debugger control" }
func (*attachCmd) Usage() string {
	return `attach [flags] <trace-dir>
Replays a trace interactively, pausing for debugger requests (continue, step,
breakpoints, diversion) instead of running to completion.
`
}

func (a *attachCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&a.configPath, "config", "", "path to a TOML session config file")
}

func (a *attachCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	traceDir := f.Arg(0)

	cfg := rrconfig.Default()
	if a.configPath != "" {
		loaded, err := rrconfig.Load(a.configPath)
		if err != nil {
			attachLog.Errorf("load config: %v", err)
			return subcommands.ExitFailure
		}
		cfg = loaded
	}
	cfg.TraceDir = traceDir

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		attachLog.Warningf("stdin is not a terminal, debugger commands must come from a pipe or script")
		return a.runNonInteractive(ctx, cfg)
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		attachLog.Errorf("put terminal into raw mode: %v", err)
		return subcommands.ExitFailure
	}
	defer term.Restore(fd, oldState)

	return a.runNonInteractive(ctx, cfg)
}

// runNonInteractive replays cfg.TraceDir to its first signal stop, then
// opens a diversion.Session/Controller over the replayed tracee and
// serves debugger requests read line-by-line from stdin until the
// diversion ends. Each line is one whitespace-separated command:
//
//	continue | step | restart | readsiginfo | break <hex-addr> | rmbreak <hex-addr> | quit
//
// This line protocol is a placeholder for the terminal-facing
// debugger encoding spec.md §1 names as an external, unspecified
// collaborator; pkg/diversion.Controller is what actually serves each
// request once a real front end decodes it.
func (a *attachCmd) runNonInteractive(ctx context.Context, cfg rrconfig.Config) subcommands.ExitStatus {
	driver, reader, cleanup, status := setUpReplay(ctx, cfg)
	if status != subcommands.ExitSuccess {
		return status
	}
	defer cleanup()

	replayer := arbiter.NewReplayer(driver, reader)
	describe := func(class arbiter.StopClass) string {
		return fmt.Sprintf("class=%v tid=%d", class, driver.Task.TID)
	}
	var reason task.StopReason
	for {
		var err error
		reason, err = replayer.RunOnce(describe)
		if err != nil {
			attachLog.Errorf("replay to first diversion point: %v", err)
			return subcommands.ExitFailure
		}
		if reason == task.StopExited || reason == task.StopSignal {
			break
		}
	}
	if reason == task.StopExited {
		attachLog.Infof("trace ended before any diversion point was reached")
		fmt.Fprintf(os.Stdout, "attach session over %s ended (trace exhausted)\n", cfg.TraceDir)
		return subcommands.ExitSuccess
	}

	sess := diversion.NewSession(driver.Task)
	ctrl := diversion.NewController(sess)
	attachLog.Infof("attached to trace at %s, tid %d diverted", cfg.TraceDir, driver.Task.TID)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		req, ok := parseDiversionCommand(scanner.Text())
		if !ok {
			continue
		}
		resp := ctrl.Handle(req)
		if resp.Err != nil {
			fmt.Fprintf(os.Stdout, "error: %v\n", resp.Err)
		} else if resp.SigInfo != nil {
			fmt.Fprintf(os.Stdout, "siginfo: signo=%d code=%d\n", resp.SigInfo.Signo, resp.SigInfo.Code)
		} else {
			fmt.Fprintln(os.Stdout, "ok")
		}
		if resp.EndDiversion {
			break
		}
	}

	fmt.Fprintf(os.Stdout, "attach session over %s ended\n", cfg.TraceDir)
	return subcommands.ExitSuccess
}

// parseDiversionCommand decodes one line of the placeholder debugger
// protocol runNonInteractive documents into a diversion.Request.
func parseDiversionCommand(line string) (diversion.Request, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return diversion.Request{}, false
	}
	switch fields[0] {
	case "continue":
		return diversion.Request{Kind: diversion.ReqContinue}, true
	case "step":
		return diversion.Request{Kind: diversion.ReqStep}, true
	case "restart":
		return diversion.Request{Kind: diversion.ReqRestart}, true
	case "readsiginfo":
		return diversion.Request{Kind: diversion.ReqReadSigInfo}, true
	case "break":
		if len(fields) != 2 {
			return diversion.Request{}, false
		}
		addr, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return diversion.Request{}, false
		}
		return diversion.Request{Kind: diversion.ReqSetBreakpoint, Addr: uintptr(addr)}, true
	case "rmbreak":
		if len(fields) != 2 {
			return diversion.Request{}, false
		}
		addr, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return diversion.Request{}, false
		}
		return diversion.Request{Kind: diversion.ReqRemoveBreakpoint, Addr: uintptr(addr)}, true
	case "quit":
		return diversion.Request{Kind: diversion.ReqRestart}, true
	default:
		return diversion.Request{}, false
	}
}
