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

// Package arbiter drives the tracer-side wait loop (C5): classify each
// stop, decide what to do with it, and hand the resulting event to a
// trace.Writer (recording) or pull the next expected stop from a
// trace.Reader (replay).
//
// Grounded on pkg/sentry/platform/ptrace's wait/attach/PTRACE_SYSCALL
// loop (subprocess_linux.go) generalized from "step the sentry's own
// sandboxed guest" to "step one recorded tracee and classify every
// stop against spec.md §5's four-way split".
package arbiter

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/replaycore/rr/pkg/desched"
	"github.com/replaycore/rr/pkg/rrlog"
	"github.com/replaycore/rr/pkg/syscallbuf"
	"github.com/replaycore/rr/pkg/task"
	"github.com/replaycore/rr/pkg/trace"
)

var log = rrlog.For("arbiter")

// StopClass is the four-way split spec.md §5 requires the arbiter to
// make at every stop.
type StopClass int

const (
	// ClassBufferFlush is a stop caused by the tracee hitting the
	// syscallbuf high-water sentinel and trapping to flush.
	ClassBufferFlush StopClass = iota
	// ClassDeschedSignal is a stop caused by a desched notification
	// (SIGIO from pkg/desched) arriving mid-syscall.
	ClassDeschedSignal
	// ClassOrdinarySyscall is a traced (unbuffered) syscall entry or
	// exit.
	ClassOrdinarySyscall
	// ClassSignalOrBreakpoint is any other signal delivery, including
	// one injected for a debugger breakpoint.
	ClassSignalOrBreakpoint
)

// Classify maps a task.StopReason plus the delivered signal (if any)
// to a StopClass. deschedSig is the SIGIO-class signal number
// pkg/desched.Counter was configured to raise. bufDirty reports
// whether the thread's syscallbuf holds unflushed records (spec.md
// §4.5): a syscall-entry stop with a dirty buffer is the tracee
// trapping to flush at the high-water sentinel, not an ordinary traced
// syscall.
func Classify(reason task.StopReason, sig unix.Signal, deschedSig unix.Signal, bufDirty bool) StopClass {
	switch reason {
	case task.StopSyscallEntry:
		if bufDirty {
			return ClassBufferFlush
		}
		return ClassOrdinarySyscall
	case task.StopSyscallExit:
		return ClassOrdinarySyscall
	case task.StopSignal:
		if sig == deschedSig {
			return ClassDeschedSignal
		}
		return ClassSignalOrBreakpoint
	default:
		return ClassSignalOrBreakpoint
	}
}

// Ticks is a retired-instruction count, the same stuck-tracee
// diagnostic original_source/src/task.cc's tick_count()/set_tick_count
// bookkeeping and RecordSession.cc's use of Flags::max_ticks provide:
// if a tracee's ticks stop advancing across repeated stops, something
// is wedged rather than merely slow.
type Ticks uint64

// MaxTicks bounds how many ticks may elapse between two stops of the
// same thread before the arbiter treats it as stuck and reports an
// error instead of waiting forever, mirroring Flags::max_ticks.
const MaxTicks Ticks = 4_000_000_000

// StuckTraceeError is returned by Driver.Step when a thread's ticks
// exceed MaxTicks between stops without making progress.
type StuckTraceeError struct {
	TID   int
	Ticks Ticks
}

func (e *StuckTraceeError) Error() string {
	return fmt.Sprintf("arbiter: tid %d exceeded %d ticks without a stop, tracee is stuck", e.TID, e.Ticks)
}

// Driver runs one thread's wait/classify/act loop.
type Driver struct {
	Task       *task.Task
	Desched    *desched.Counter
	DeschedSig unix.Signal
	// Buf is this thread's syscall buffer, consulted at every
	// syscall-entry stop to distinguish an ordinary traced syscall from
	// a buffer-flush trap (spec.md §4.5). Nil disables buffer-flush
	// classification for threads that never link pkg/wrappers.
	Buf *syscallbuf.Buffer

	lastTicks        Ticks
	ticks            *ticksCounter
	ticksUnavailable bool
}

// NewDriver returns a Driver for t, with dc's signal used to recognize
// desched stops (nil dc means this thread never uses buffered
// may-block syscalls). buf is this thread's syscall buffer, or nil if
// it has none.
func NewDriver(t *task.Task, dc *desched.Counter, deschedSig unix.Signal, buf *syscallbuf.Buffer) *Driver {
	return &Driver{Task: t, Desched: dc, DeschedSig: deschedSig, Buf: buf}
}

// Step resumes the thread, waits for its next stop, classifies it, and
// returns the classification plus the reason/signal task.Task recorded.
// It also samples the thread's retired-instruction count and reports a
// StuckTraceeError if it advances by more than MaxTicks between two
// consecutive stops without the thread otherwise making progress
// (original_source's Flags::max_ticks stuck-tracee diagnostic).
func (d *Driver) Step() (StopClass, task.StopReason, unix.Signal, error) {
	if err := d.Task.Cont(0); err != nil {
		return 0, task.StopUnknown, 0, fmt.Errorf("arbiter: cont tid %d: %w", d.Task.TID, err)
	}
	reason, err := d.Task.Wait()
	if err != nil {
		return 0, reason, 0, err
	}
	sig := d.Task.LastSignal()
	bufDirty := reason == task.StopSyscallEntry && d.Buf != nil && d.Buf.NumRecBytes() > 0
	class := Classify(reason, sig, d.DeschedSig, bufDirty)
	if class == ClassDeschedSignal {
		if d.Desched != nil {
			d.Desched.NoteFired()
		}
		if d.Buf != nil {
			// The tracer will re-execute this call as a traced
			// entry/exit pair; the tracee's in-flight buffer
			// reservation, if it made one before being descheduled,
			// must not also commit.
			d.Buf.AbortFromTracer()
		}
	}

	if reason != task.StopExited {
		if stuckErr := d.checkTicks(); stuckErr != nil {
			return class, reason, sig, stuckErr
		}
	}
	return class, reason, sig, nil
}

// checkTicks samples the thread's tick counter, opening it on first
// use. perf_event_open can fail under restrictive
// /proc/sys/kernel/perf_event_paranoid settings or sandboxing; when it
// does, tick-based stuck detection is simply disabled rather than
// treated as fatal, since it is a diagnostic, not part of the
// record/replay protocol itself.
func (d *Driver) checkTicks() error {
	if d.ticksUnavailable {
		return nil
	}
	if d.ticks == nil {
		tc, err := openTicksCounter(d.Task.TID)
		if err != nil {
			log.Warningf("tick counter unavailable for tid %d, stuck-tracee detection disabled: %v", d.Task.TID, err)
			d.ticksUnavailable = true
			return nil
		}
		d.ticks = tc
	}
	cur, err := d.ticks.Read()
	if err != nil {
		log.Warningf("reading tick counter for tid %d: %v", d.Task.TID, err)
		return nil
	}
	if d.lastTicks != 0 && cur > d.lastTicks && cur-d.lastTicks > MaxTicks {
		return &StuckTraceeError{TID: d.Task.TID, Ticks: cur - d.lastTicks}
	}
	d.lastTicks = cur
	return nil
}

// RunAll drives every Driver in group concurrently until ctx is
// cancelled or one returns an error, using errgroup to propagate the
// first failure and cancel the rest — the same fan-out/fan-in shape
// the pack uses for concurrent per-connection work (see
// runsc/boot/portforward's errgroup.Group use for a parallel
// accept/read pair).
func RunAll(ctx context.Context, drivers []*Driver, onStop func(*Driver, StopClass, task.StopReason, unix.Signal) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, d := range drivers {
		d := d
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				class, reason, sig, err := d.Step()
				if err != nil {
					return err
				}
				if reason == task.StopExited {
					return nil
				}
				if err := onStop(d, class, reason, sig); err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}

// EventFromStop builds the trace.Event a recording driver appends for
// one classified stop. Concrete payload encoding (register capture,
// syscallbuf flush bytes) is supplied by the caller as data, since the
// trace wire format is an external, unspecified collaborator
// (spec.md §1, §6).
func EventFromStop(seq uint64, tid int, class StopClass, data []byte) trace.Event {
	kind := trace.KindTracedSyscall
	switch class {
	case ClassBufferFlush:
		kind = trace.KindSyscallBufFlush
	case ClassDeschedSignal:
		kind = trace.KindDeschedStat
	case ClassSignalOrBreakpoint:
		kind = trace.KindSignal
	}
	return trace.Event{Seq: seq, TID: tid, Kind: kind, Data: data}
}
