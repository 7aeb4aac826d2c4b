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

package wrappers

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// RecvFrom buffers recvfrom(2), the accept-and-receive path exercised
// by spec.md §8's Unix-socket end-to-end scenario. buf receives the
// payload; addr and addrlen (if non-nil) receive the sender.
func (e *Engine) RecvFrom(fd int, buf []byte, flags int, addr []byte, addrlen *uint32) (int64, unix.Errno, Outcome) {
	slots := make([]outSlot, 0, 3)
	if len(buf) > 0 {
		slots = append(slots, outSlot{
			userPtr: uintptr(unsafe.Pointer(&buf[0])),
			size:    len(buf),
			truncate: func(ret int64) int {
				if ret < 0 {
					return 0
				}
				return int(ret)
			},
		})
	}
	if len(addr) > 0 {
		slots = append(slots, outSlot{userPtr: uintptr(unsafe.Pointer(&addr[0])), size: len(addr), copyIn: true})
	}
	if addrlen != nil {
		slots = append(slots, outSlot{userPtr: uintptr(unsafe.Pointer(addrlen)), size: 4, copyIn: true})
	}
	var args [6]uintptr
	args[0] = uintptr(fd)
	if len(buf) > 0 {
		args[1] = uintptr(unsafe.Pointer(&buf[0]))
	}
	args[2] = uintptr(len(buf))
	args[3] = uintptr(flags)
	if len(addr) > 0 {
		args[4] = uintptr(unsafe.Pointer(&addr[0]))
	}
	if addrlen != nil {
		args[5] = uintptr(unsafe.Pointer(addrlen))
	}
	return e.call(unix.SYS_RECVFROM, args, slots)
}

// SendTo buffers sendto(2). buf and addr are both read-only from the
// kernel's perspective.
func (e *Engine) SendTo(fd int, buf []byte, flags int, addr []byte) (int64, unix.Errno, Outcome) {
	var args [6]uintptr
	args[0] = uintptr(fd)
	if len(buf) > 0 {
		args[1] = uintptr(unsafe.Pointer(&buf[0]))
	}
	args[2] = uintptr(len(buf))
	args[3] = uintptr(flags)
	if len(addr) > 0 {
		args[4] = uintptr(unsafe.Pointer(&addr[0]))
	}
	args[5] = uintptr(len(addr))
	return e.call(unix.SYS_SENDTO, args, nil)
}

// Accept buffers accept(2).
func (e *Engine) Accept(fd int, addr []byte, addrlen *uint32) (int64, unix.Errno, Outcome) {
	slots := make([]outSlot, 0, 2)
	if len(addr) > 0 {
		slots = append(slots, outSlot{userPtr: uintptr(unsafe.Pointer(&addr[0])), size: len(addr), copyIn: true})
	}
	if addrlen != nil {
		slots = append(slots, outSlot{userPtr: uintptr(unsafe.Pointer(addrlen)), size: 4, copyIn: true})
	}
	var args [6]uintptr
	args[0] = uintptr(fd)
	if len(addr) > 0 {
		args[1] = uintptr(unsafe.Pointer(&addr[0]))
	}
	if addrlen != nil {
		args[2] = uintptr(unsafe.Pointer(addrlen))
	}
	return e.call(unix.SYS_ACCEPT, args, slots)
}

// Accept4 buffers accept4(2), the flags-taking variant used by most
// modern servers instead of accept+fcntl.
func (e *Engine) Accept4(fd int, addr []byte, addrlen *uint32, flags int) (int64, unix.Errno, Outcome) {
	slots := make([]outSlot, 0, 2)
	if len(addr) > 0 {
		slots = append(slots, outSlot{userPtr: uintptr(unsafe.Pointer(&addr[0])), size: len(addr), copyIn: true})
	}
	if addrlen != nil {
		slots = append(slots, outSlot{userPtr: uintptr(unsafe.Pointer(addrlen)), size: 4, copyIn: true})
	}
	var args [6]uintptr
	args[0] = uintptr(fd)
	if len(addr) > 0 {
		args[1] = uintptr(unsafe.Pointer(&addr[0]))
	}
	if addrlen != nil {
		args[2] = uintptr(unsafe.Pointer(addrlen))
	}
	args[3] = uintptr(flags)
	return e.call(unix.SYS_ACCEPT4, args, slots)
}

// RecvMsg buffers recvmsg(2). This wrapper handles the common
// single-iovec case: the payload iovec's data, the name buffer, and
// the control buffer are all captured through the buffer's shadow
// storage so replay reproduces the same bytes, while msg's own
// Namelen/Controllen/Flags are copied back through the struct pointer
// itself, the same inout-struct shape GetSockName/Accept already use.
func (e *Engine) RecvMsg(fd int, msg *unix.Msghdr, flags int) (int64, unix.Errno, Outcome) {
	msgSlot := outSlot{userPtr: uintptr(unsafe.Pointer(msg)), size: int(unsafe.Sizeof(*msg)), copyIn: true}
	slots := []outSlot{msgSlot}
	if msg.Name != nil && msg.Namelen > 0 {
		slots = append(slots, outSlot{userPtr: uintptr(unsafe.Pointer(msg.Name)), size: int(msg.Namelen), copyIn: true})
	}
	if msg.Iov != nil && msg.Iov.Base != nil && msg.Iov.Len > 0 {
		iovLen := msg.Iov.Len
		slots = append(slots, outSlot{
			userPtr: uintptr(unsafe.Pointer(msg.Iov.Base)),
			size:    int(iovLen),
			truncate: func(ret int64) int {
				if ret < 0 {
					return 0
				}
				if uint64(ret) < iovLen {
					return int(ret)
				}
				return int(iovLen)
			},
		})
	}
	if msg.Control != nil && msg.Controllen > 0 {
		slots = append(slots, outSlot{userPtr: uintptr(unsafe.Pointer(msg.Control)), size: int(msg.Controllen), copyIn: true})
	}
	var args [6]uintptr
	args[0] = uintptr(fd)
	args[1] = msgSlot.userPtr
	args[2] = uintptr(flags)
	return e.call(unix.SYS_RECVMSG, args, slots)
}

// SendMsg buffers sendmsg(2). Every buffer msg points to is read-only
// from the kernel's perspective and sendmsg never writes msg's own
// fields back, so no shadow is needed.
func (e *Engine) SendMsg(fd int, msg *unix.Msghdr, flags int) (int64, unix.Errno, Outcome) {
	var args [6]uintptr
	args[0] = uintptr(fd)
	if msg != nil {
		args[1] = uintptr(unsafe.Pointer(msg))
	}
	args[2] = uintptr(flags)
	return e.call(unix.SYS_SENDMSG, args, nil)
}

// Waitpid buffers wait4(2) (there is no separate waitpid syscall on
// amd64; libc's waitpid is a thin wrapper over it).
func (e *Engine) Waitpid(pid int, status *uint32, options int) (int64, unix.Errno, Outcome) {
	slots := make([]outSlot, 0, 1)
	if status != nil {
		slots = append(slots, outSlot{userPtr: uintptr(unsafe.Pointer(status)), size: 4})
	}
	var args [6]uintptr
	args[0] = uintptr(pid)
	if status != nil {
		args[1] = uintptr(unsafe.Pointer(status))
	}
	args[2] = uintptr(options)
	return e.call(unix.SYS_WAIT4, args, slots)
}
