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

// Package desched implements the per-thread desched notifier (C2):
// a software context-switch performance counter, armed only across a
// may-block untraced call, that raises SIGIO when the calling thread is
// involuntarily descheduled. See spec.md §3 and §4.2.
//
// There is no vendored perf_event wrapper in the retrieval pack; the
// raw perf_event_open(2) calling convention here follows the pattern in
// other_examples/noodled-capsule8__monitor.go's perfEventOpen, adapted
// to the single fixed attr spec.md §3 requires.
package desched

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/replaycore/rr/pkg/rrlog"
)

var log = rrlog.For("desched")

// bit positions within unix.PerfEventAttr.Bits (see <linux/perf_event.h>
// struct perf_event_attr's bitfield; golang.org/x/sys/unix exposes the
// backing word as a plain uint64 with no named accessors).
const (
	bitDisabled = 1 << 0
)

// Counter is one per-thread desched notification source. It must be
// opened, armed, and disarmed from the same OS thread throughout its
// lifetime (spec.md §5: "owned by the owning thread").
type Counter struct {
	fd          int
	tid         int
	nrDescheds  uint64
	armCount    uint64
	fireCount   uint64
	timeArmedNs int64
}

// Open creates a disabled desched counter for the calling thread's TID,
// configured to fire after nrDescheds context switches (spec.md §3:
// "nr_descheds = 1 in use"). The counter delivers SIGIO to the opening
// thread asynchronously.
//
// Precondition: the calling goroutine must have called
// runtime.LockOSThread.
func Open(nrDescheds uint64) (*Counter, error) {
	tid := unix.Gettid()

	attr := unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_SOFTWARE,
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config: unix.PERF_COUNT_SW_CONTEXT_SWITCHES,
		Sample: nrDescheds,
		Bits:   bitDisabled,
	}

	fd, _, errno := unix.Syscall6(unix.SYS_PERF_EVENT_OPEN,
		uintptr(unsafe.Pointer(&attr)),
		uintptr(tid),   // pid: this thread
		uintptr(^uint32(0)), // cpu: any (-1)
		uintptr(^uint32(0)), // group_fd: none (-1)
		0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("desched: perf_event_open: %w", errno)
	}
	c := &Counter{fd: int(fd), tid: tid, nrDescheds: nrDescheds}

	if err := unix.IoctlSetInt(c.fd, unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
		unix.Close(c.fd)
		return nil, fmt.Errorf("desched: initial disable: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(c.fd), unix.F_SETOWN, tid); err != nil {
		unix.Close(c.fd)
		return nil, fmt.Errorf("desched: F_SETOWN: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(c.fd), unix.F_SETSIG, int(unix.SIGIO)); err != nil {
		unix.Close(c.fd)
		return nil, fmt.Errorf("desched: F_SETSIG: %w", err)
	}
	flags, err := unix.FcntlInt(uintptr(c.fd), unix.F_GETFL, 0)
	if err != nil {
		unix.Close(c.fd)
		return nil, fmt.Errorf("desched: F_GETFL: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(c.fd), unix.F_SETFL, flags|unix.O_ASYNC); err != nil {
		unix.Close(c.fd)
		return nil, fmt.Errorf("desched: F_SETFL O_ASYNC: %w", err)
	}

	log.Debugf("opened desched counter fd=%d tid=%d nr_descheds=%d", c.fd, tid, nrDescheds)
	return c, nil
}

// FD returns the counter's file descriptor, used by pkg/arbiter to match
// an incoming SIGIO's siginfo against the counter that raised it.
func (c *Counter) FD() int { return c.fd }

// Arm enables the counter for exactly one desched event (spec.md §3:
// "armed only across a may-block untraced call"). It is invoked through
// the untraced callsite by the wrapper, per spec.md §4.4 step 4, so
// arming itself never causes a ptrace stop.
func (c *Counter) Arm() error {
	if err := unix.IoctlSetInt(c.fd, unix.PERF_EVENT_IOC_REFRESH, 1); err != nil {
		return fmt.Errorf("desched: arm: %w", err)
	}
	atomic.AddUint64(&c.armCount, 1)
	return nil
}

// Disarm disables the counter and resets its overflow count so the next
// Arm starts from zero. Invoked through the untraced callsite, per
// spec.md §4.4 step 6.
func (c *Counter) Disarm() error {
	if err := unix.IoctlSetInt(c.fd, unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
		return fmt.Errorf("desched: disarm: %w", err)
	}
	if err := unix.IoctlSetInt(c.fd, unix.PERF_EVENT_IOC_RESET, 0); err != nil {
		return fmt.Errorf("desched: reset: %w", err)
	}
	return nil
}

// Close releases the counter's file descriptor.
func (c *Counter) Close() error {
	return unix.Close(c.fd)
}

// NoteFired records that this counter's SIGIO was observed by the
// tracer, for the optional desched_stats diagnostic
// (internal/rrconfig.MetricsConfig.DeschedStats).
func (c *Counter) NoteFired() {
	atomic.AddUint64(&c.fireCount, 1)
}

// Stat is a snapshot of desched activity for one counter: how often it
// was armed and how often its signal was observed. No code path in this
// module logs it, whatever metrics.desched_stats is set to.
type Stat struct {
	TID        int
	ArmCount   uint64
	FireCount  uint64
	NrDescheds uint64
}

// Stat returns a snapshot of this counter's activity.
func (c *Counter) Stat() Stat {
	return Stat{
		TID:        c.tid,
		ArmCount:   atomic.LoadUint64(&c.armCount),
		FireCount:  atomic.LoadUint64(&c.fireCount),
		NrDescheds: c.nrDescheds,
	}
}
