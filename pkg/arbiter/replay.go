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

package arbiter

import (
	"fmt"

	"github.com/replaycore/rr/pkg/task"
	"github.com/replaycore/rr/pkg/trace"
)

// DivergenceError reports that a live stop during replay did not match
// what the trace recorded next, per spec.md §7 ("replay divergence is
// fatal to the replay").
type DivergenceError struct {
	TID          int
	WantKind     trace.Kind
	GotKind      trace.Kind
	WantSeq      uint64
	ObservedDesc string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("arbiter: replay divergence on tid %d at seq %d: expected kind %v, observed %v (%s)",
		e.TID, e.WantSeq, e.WantKind, e.GotKind, e.ObservedDesc)
}

// Replayer drives one Driver forward by consuming events from a
// trace.Reader instead of writing new ones: each live stop is checked
// against the next recorded event before the driver is allowed to
// continue, so any mismatch surfaces immediately as a DivergenceError
// rather than silently diverging further.
type Replayer struct {
	driver *Driver
	reader trace.Reader
}

// NewReplayer returns a Replayer stepping d against events read from r.
func NewReplayer(d *Driver, r trace.Reader) *Replayer {
	return &Replayer{driver: d, reader: r}
}

// RunOnce steps the driver once, reads the next recorded event, and
// verifies the live stop matches it. For a ClassBufferFlush stop, the
// recorded event's payload is refilled into the thread's syscall
// buffer before the driver is allowed to continue (spec.md §4.5:
// "before releasing the tracee"), so its buffered wrapper calls read
// back the same bytes recorded, not whatever the real kernel would
// return now. describe formats the live stop for a DivergenceError's
// diagnostic message. It returns task.StopExited, with no event
// lookup, when the thread has exited, mirroring Recorder.RunOnce which
// never wrote an event for that stop either.
func (r *Replayer) RunOnce(describe func(StopClass) string) (task.StopReason, error) {
	class, reason, _, err := r.driver.Step()
	if err != nil {
		return reason, err
	}
	if reason == task.StopExited {
		return reason, nil
	}
	ev, ok, err := r.reader.ReadEvent()
	if err != nil {
		return reason, fmt.Errorf("arbiter: read next event for tid %d: %w", r.driver.Task.TID, err)
	}
	gotKind := EventFromStop(0, r.driver.Task.TID, class, nil).Kind
	if !ok {
		return reason, &DivergenceError{TID: r.driver.Task.TID, GotKind: gotKind, ObservedDesc: describe(class)}
	}
	if ev.Kind != gotKind {
		return reason, &DivergenceError{TID: r.driver.Task.TID, WantKind: ev.Kind, WantSeq: ev.Seq, GotKind: gotKind, ObservedDesc: describe(class)}
	}
	if class == ClassBufferFlush && r.driver.Buf != nil {
		if err := r.driver.Buf.Refill(ev.Data); err != nil {
			return reason, fmt.Errorf("arbiter: refill buffer for tid %d seq %d: %w", r.driver.Task.TID, ev.Seq, err)
		}
	}
	return reason, nil
}
