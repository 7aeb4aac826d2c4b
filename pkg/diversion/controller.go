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
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/replaycore/rr/pkg/task"
)

// RequestKind enumerates the debugger requests a Controller serves
// while a diversion is active. Named after the vocabulary
// other_examples/go-delve-delve__gdbserver.go's resume/step/breakpoint
// request loop uses (continue, single-step, restart, siginfo
// read/write, thread selection, breakpoint set/remove), generalized to
// this core's own request/response shape rather than the gdb remote
// serial protocol's wire encoding.
type RequestKind int

const (
	ReqContinue RequestKind = iota
	ReqStep
	ReqRestart
	ReqReadSigInfo
	ReqWriteSigInfo
	ReqSetQueryThread
	ReqSetBreakpoint
	ReqRemoveBreakpoint
)

// Request is one debugger request against a diversion Controller.
type Request struct {
	Kind    RequestKind
	Addr    uintptr    // ReqSetBreakpoint / ReqRemoveBreakpoint
	SigInfo *unix.Siginfo // ReqWriteSigInfo
	TID     int        // ReqSetQueryThread
	Sig     unix.Signal // ReqContinue / ReqStep
}

// Response is a Controller's reply to one Request.
type Response struct {
	Err     error
	SigInfo *unix.Siginfo // ReqReadSigInfo
	// EndDiversion reports that this request was the diversion's last:
	// the caller must tear the Controller down and let the underlying
	// replay resume (spec.md §4.6, §9).
	EndDiversion bool
}

// Controller serves a stream of debugger Requests against a diversion
// Session. Restart ends the session and reports EndDiversion; the
// Controller itself saves and restores no register or memory state.
type Controller struct {
	session     *Session
	breakpoints map[uintptr][]byte // breakpoint addresses; values are always nil
	current     *task.Task
}

// NewController returns a Controller serving requests against sess.
func NewController(sess *Session) *Controller {
	return &Controller{session: sess, breakpoints: make(map[uintptr][]byte), current: sess.Task}
}

// Handle dispatches one Request and returns its Response. ReqReadSigInfo
// acquires a reference (diversion_ref) that only a later ReqWriteSigInfo
// releases (diversion_unref); every other request kind is unref'd
// neither. Per spec.md §4.6/§9, once the session has gone dying (every
// diversion_ref this controller took has been matched by a
// diversion_unref, dropping the count to zero), a breakpoint set/remove
// request is read as "the user is done, let the replay resume" and a
// resume-execution request (continue/step) both ends the diversion and
// reports EndDiversion; in that state a caller must stop issuing
// requests against this Controller.
func (c *Controller) Handle(req Request) Response {
	if c.session.Ended() {
		switch req.Kind {
		case ReqSetBreakpoint, ReqRemoveBreakpoint:
			return Response{EndDiversion: true}
		case ReqContinue, ReqStep:
			c.session.End()
			return Response{EndDiversion: true}
		}
	}

	switch req.Kind {
	case ReqContinue:
		return Response{Err: c.current.Cont(req.Sig)}
	case ReqStep:
		return Response{Err: c.current.SingleStep(req.Sig)}
	case ReqRestart:
		// Ending the session tells the replay driver this diversion is
		// abandoned; a fresh diversion must be started from the
		// checkpoint the replay driver kept for this purpose.
		c.session.End()
		return Response{EndDiversion: true}
	case ReqReadSigInfo:
		// The debugger enters a read-of-signal-info bracket by
		// diversion_ref(); it leaves the bracket later with an explicit
		// ReqWriteSigInfo's diversion_unref(), not here.
		c.session.IncRef()
		si, err := c.current.GetSigInfo()
		return Response{SigInfo: si, Err: err}
	case ReqWriteSigInfo:
		c.session.DecRef()
		if req.SigInfo == nil {
			return Response{Err: fmt.Errorf("diversion: WRITE_SIGINFO with nil siginfo")}
		}
		return Response{Err: c.current.SetSigInfo(req.SigInfo)}
	case ReqSetQueryThread:
		if req.TID != c.current.TID {
			return Response{Err: fmt.Errorf("diversion: unknown query thread %d", req.TID)}
		}
		return Response{}
	case ReqSetBreakpoint:
		if _, exists := c.breakpoints[req.Addr]; exists {
			return Response{}
		}
		c.breakpoints[req.Addr] = nil // only the address is tracked; no trap byte is written to the tracee
		return Response{}
	case ReqRemoveBreakpoint:
		delete(c.breakpoints, req.Addr)
		return Response{}
	default:
		return Response{Err: fmt.Errorf("diversion: unknown request kind %v", req.Kind)}
	}
}

// AtBreakpoint reports whether addr has an active breakpoint, mirroring
// gdbserver.go's own pc-lookup-in-breakpoint-map check before deciding
// whether a stop was caused by one.
func (c *Controller) AtBreakpoint(addr uintptr) bool {
	_, ok := c.breakpoints[addr]
	return ok
}
