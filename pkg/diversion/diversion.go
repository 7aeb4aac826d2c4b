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

// Package diversion implements speculative, non-recorded forward
// execution during interactive replay (C6): a debugger attached to a
// paused replay can step a tracee forward past its recorded trace
// (evaluating a function call, say) without corrupting the replay, as
// long as the tracee is eventually rolled back or the diversion is
// abandoned entirely.
//
// Grounded on pkg/sentry/platform/systrap/shared_context.go's
// reference-counted sharedContext (IncRef on acquire,
// DecRef(release) on release) for the ref-counting discipline; the
// debugger request vocabulary (CONTINUE/STEP/RESTART/READ_SIGINFO/
// WRITE_SIGINFO/SET_QUERY_THREAD/breakpoint set-remove) is grounded on
// other_examples/go-delve-delve__gdbserver.go's resume/step/breakpoint
// request loop, referenced only for that vocabulary — delve is not the
// teacher.
package diversion

import (
	"fmt"
	"sync/atomic"

	"github.com/replaycore/rr/pkg/rrlog"
	"github.com/replaycore/rr/pkg/task"
)

var log = rrlog.For("diversion")

// Session is one diversion: a reference-counted handle on a paused
// replay's tracee, held open for as long as at least one debugger
// request is in flight against it.
type Session struct {
	Task *task.Task

	refs   atomic.Int32
	active atomic.Bool
}

// NewSession starts a diversion over t. The replay driver must not
// resume t through the ordinary replay path while a Session holds a
// reference to it (spec.md §4.6's "diversion sessions never advance
// the recorded event stream").
func NewSession(t *task.Task) *Session {
	s := &Session{Task: t}
	s.active.Store(true)
	return s
}

// IncRef acquires a reference, following shared_context.go's
// getSharedContext/IncRef pairing: a caller must not use the session
// after a corresponding DecRef.
func (s *Session) IncRef() {
	s.refs.Add(1)
}

// DecRef releases a reference. Once the count returns to zero, the
// session is no longer active and Ended reports true.
func (s *Session) DecRef() {
	if s.refs.Add(-1) == 0 {
		s.active.Store(false)
	}
}

// Ended reports whether every reference to this diversion has been
// released.
func (s *Session) Ended() bool {
	return !s.active.Load()
}

// End force-ends the diversion regardless of outstanding references,
// used when the diversion must be abandoned because the tracee misbehaved
// (spec.md §4.6's "kill-suppression": a diversion that would otherwise
// kill the tracee must instead only end the diversion).
func (s *Session) End() {
	s.active.Store(false)
}

// KillSuppressed reports whether sig, delivered while diverted, must be
// suppressed rather than allowed to kill the tracee (spec.md §8
// scenario 6: a SIGSEGV or similar fatal signal raised during
// speculative execution must not be allowed to actually terminate the
// process being replayed).
func KillSuppressed(fatal bool, s *Session) bool {
	return fatal && s != nil && !s.Ended()
}

func (s *Session) String() string {
	return fmt.Sprintf("diversion(tid=%d, refs=%d, active=%v)", s.Task.TID, s.refs.Load(), s.active.Load())
}
