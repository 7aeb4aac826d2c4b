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
	"testing"

	"golang.org/x/sys/unix"

	"github.com/replaycore/rr/internal/rrconfig"
	"github.com/replaycore/rr/pkg/task"
)

func TestSessionRefCounting(t *testing.T) {
	s := NewSession(task.New(1, 1))
	s.IncRef()
	s.IncRef()
	if s.Ended() {
		t.Fatal("session ended with outstanding references")
	}
	s.DecRef()
	if s.Ended() {
		t.Fatal("session ended with one reference still outstanding")
	}
	s.DecRef()
	if !s.Ended() {
		t.Fatal("session should end once the last reference is released")
	}
}

func TestKillSuppressedOnlyWhileActive(t *testing.T) {
	s := NewSession(task.New(1, 1))
	s.IncRef()
	if !KillSuppressed(true, s) {
		t.Error("a fatal signal during an active diversion must be suppressed")
	}
	if KillSuppressed(false, s) {
		t.Error("a non-fatal signal must never be suppressed")
	}
	s.End()
	if KillSuppressed(true, s) {
		t.Error("a fatal signal after the diversion ended must not be suppressed")
	}
	if KillSuppressed(true, nil) {
		t.Error("a fatal signal with no diversion in progress must not be suppressed")
	}
}

func TestControllerBreakpointLifecycle(t *testing.T) {
	sess := NewSession(task.New(1, 1))
	c := NewController(sess)
	const addr = uintptr(0x400000)

	if c.AtBreakpoint(addr) {
		t.Fatal("breakpoint reported set before it was")
	}
	if resp := c.Handle(Request{Kind: ReqSetBreakpoint, Addr: addr}); resp.Err != nil {
		t.Fatalf("ReqSetBreakpoint: %v", resp.Err)
	}
	if !c.AtBreakpoint(addr) {
		t.Fatal("breakpoint not recorded as set")
	}
	if resp := c.Handle(Request{Kind: ReqRemoveBreakpoint, Addr: addr}); resp.Err != nil {
		t.Fatalf("ReqRemoveBreakpoint: %v", resp.Err)
	}
	if c.AtBreakpoint(addr) {
		t.Fatal("breakpoint still reported set after removal")
	}
}

func TestControllerRestartEndsSession(t *testing.T) {
	sess := NewSession(task.New(1, 1))
	c := NewController(sess)
	if resp := c.Handle(Request{Kind: ReqRestart}); resp.Err != nil {
		t.Fatalf("ReqRestart: %v", resp.Err)
	}
	if !sess.Ended() {
		t.Fatal("ReqRestart should end the diversion session")
	}
}

func TestReadSigInfoAloneDoesNotEndSession(t *testing.T) {
	sess := NewSession(task.New(1, 1))
	c := NewController(sess)
	if sess.Ended() {
		t.Fatal("freshly created session must not start dying")
	}
	// GetSigInfo will fail against tid 1 (not actually ptraced by this
	// test), but the diversion_ref it takes must still land regardless
	// of that error, and nothing unrefs it until a matching
	// ReqWriteSigInfo arrives.
	c.Handle(Request{Kind: ReqReadSigInfo})
	if sess.Ended() {
		t.Fatal("a lone ReqReadSigInfo must not end the session; only a matching ReqWriteSigInfo may")
	}
	c.Handle(Request{Kind: ReqWriteSigInfo, SigInfo: &unix.Siginfo{}})
	if !sess.Ended() {
		t.Fatal("session should be dying once the ReqReadSigInfo/ReqWriteSigInfo bracket completes")
	}
}

func TestDyingSessionBreakpointRequestReturnsWithoutActing(t *testing.T) {
	sess := NewSession(task.New(1, 1))
	c := NewController(sess)
	sess.IncRef()
	sess.DecRef() // drives the session dying without touching sig-info
	if !sess.Ended() {
		t.Fatal("setup: session should be dying")
	}
	const addr = uintptr(0x401000)
	resp := c.Handle(Request{Kind: ReqSetBreakpoint, Addr: addr})
	if !resp.EndDiversion {
		t.Fatal("a breakpoint request against a dying session must report EndDiversion")
	}
	if c.AtBreakpoint(addr) {
		t.Fatal("a dying session must not act on a breakpoint request")
	}
}

func TestDyingSessionResumeRequestEndsDiversion(t *testing.T) {
	sess := NewSession(task.New(1, 1))
	c := NewController(sess)
	sess.IncRef()
	sess.DecRef() // drives the session dying without touching sig-info
	if !sess.Ended() {
		t.Fatal("setup: session should be dying")
	}
	resp := c.Handle(Request{Kind: ReqStep})
	if !resp.EndDiversion {
		t.Fatal("a resume-execution request against a dying session must report EndDiversion")
	}
}

func TestClassifierDefaultsAndOverrides(t *testing.T) {
	names := map[uintptr]string{
		unix.SYS_KILL:  "kill",
		unix.SYS_WRITE: "write",
	}
	c := NewClassifier(names, rrconfig.Policy{})
	if got := c.Action(unix.SYS_KILL); got != rrconfig.ActionDrop {
		t.Errorf("Action(kill) = %v, want ActionDrop", got)
	}
	if got := c.Action(unix.SYS_WRITE); got != rrconfig.ActionForward {
		t.Errorf("Action(write) = %v, want ActionForward", got)
	}

	overridden := NewClassifier(names, rrconfig.Policy{
		DiversionRules: map[string]rrconfig.DiversionAction{"kill": rrconfig.ActionEmulate},
	})
	if got := overridden.Action(unix.SYS_KILL); got != rrconfig.ActionEmulate {
		t.Errorf("Action(kill) with override = %v, want ActionEmulate", got)
	}
}
