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

	"golang.org/x/sys/unix"

	"github.com/replaycore/rr/pkg/task"
	"github.com/replaycore/rr/pkg/trace"
)

// Recorder appends every classified stop of one Driver to a
// trace.Writer, in the order they occur (spec.md §6's ordered event
// stream).
type Recorder struct {
	driver *Driver
	writer trace.Writer
	seq    uint64
}

// NewRecorder returns a Recorder writing d's stops to w.
func NewRecorder(d *Driver, w trace.Writer) *Recorder {
	return &Recorder{driver: d, writer: w}
}

// RunOnce steps the driver once and, unless the thread exited, writes
// the resulting event. For a ClassBufferFlush stop it drains the
// thread's syscall buffer itself (spec.md §4.5) rather than asking
// payload for data, since the flushed bytes, not a register snapshot,
// are what replay must refill. It returns task.StopExited when the
// thread has exited so the caller can stop calling RunOnce for this
// driver.
func (r *Recorder) RunOnce(payload func(StopClass, task.StopReason, unix.Signal) []byte) (task.StopReason, error) {
	class, reason, sig, err := r.driver.Step()
	if err != nil {
		return reason, err
	}
	if reason == task.StopExited {
		return reason, nil
	}
	var data []byte
	if class == ClassBufferFlush && r.driver.Buf != nil {
		data = r.driver.Buf.DrainForFlush()
	} else {
		data = payload(class, reason, sig)
	}
	ev := EventFromStop(r.seq, r.driver.Task.TID, class, data)
	r.seq++
	if err := r.writer.WriteEvent(ev); err != nil {
		return reason, fmt.Errorf("arbiter: write event tid %d seq %d: %w", r.driver.Task.TID, ev.Seq, err)
	}
	return reason, nil
}
