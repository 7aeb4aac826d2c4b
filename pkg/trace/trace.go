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

// Package trace defines the narrow interface between pkg/arbiter and
// the on-disk trace format. The wire format itself is out of scope
// (spec.md §1 lists it as an external, unspecified collaborator); this
// package only fixes the vocabulary of what gets written and read, so
// pkg/arbiter can be built and tested against it now and a concrete
// format plugged in later without touching the record/replay drivers.
package trace

import "github.com/google/uuid"

// Kind identifies the four record kinds spec.md §6 names.
type Kind int

const (
	// KindSyscallBufFlush carries a flushed syscallbuf byte range
	// (pkg/syscallbuf.Buffer.DrainForFlush's output).
	KindSyscallBufFlush Kind = iota
	// KindTracedSyscall marks one traced (unbuffered) syscall stop; its
	// Data is the payload the recorder supplied for that stop.
	KindTracedSyscall
	// KindSignal carries a signal delivery observed at a stop.
	KindSignal
	// KindDeschedStat marks a desched-signal stop
	// (pkg/arbiter.ClassDeschedSignal); its Data is the payload the
	// recorder supplied. Replay checks it like every other kind.
	KindDeschedStat
)

// Event is one entry in the trace stream, tagged with the thread and
// a monotonically increasing sequence number so KindSyscallBufFlush
// batches replay in the same order they were recorded (spec.md §4.5).
type Event struct {
	Seq  uint64
	TID  int
	Kind Kind
	Data []byte
}

// RecordingID names one record/replay session. Generated once at the
// start of recording and carried through to every replay of it.
type RecordingID uuid.UUID

// NewRecordingID mints a fresh recording identity.
func NewRecordingID() RecordingID {
	return RecordingID(uuid.New())
}

func (id RecordingID) String() string {
	return uuid.UUID(id).String()
}

// Writer appends events to a trace during recording.
type Writer interface {
	WriteEvent(Event) error
	Close() error
}

// Reader replays events from a trace in commit order.
type Reader interface {
	// ReadEvent returns the next event, or ok=false at end of trace.
	ReadEvent() (ev Event, ok bool, err error)
	Close() error
}
