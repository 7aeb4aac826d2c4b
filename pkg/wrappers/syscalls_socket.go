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

// invokeNoOutparam runs a buffered syscall with no memory outparam:
// socket, bind, listen, shutdown all fit this shape. Whether the call
// may block is looked up from the Engine's table by Engine.call, not
// passed in here.
func (e *Engine) invokeNoOutparam(sysno uintptr, args [6]uintptr) (int64, unix.Errno, Outcome) {
	return e.call(sysno, args, nil)
}

// outparamSlots builds the outSlot list shared by getsockname,
// getpeername and getsockopt's (buffer, *socklen_t) inout pair. Their
// argument positions differ (getsockopt has a level/optname prefix
// getsockname/getpeername don't), so each caller places buf/addrlen
// into its own args array itself rather than through a shared
// arg-setter.
func outparamSlots(buf []byte, addrlen *uint32) []outSlot {
	slots := make([]outSlot, 0, 2)
	if len(buf) > 0 {
		slots = append(slots, outSlot{userPtr: uintptr(unsafe.Pointer(&buf[0])), size: len(buf), copyIn: true})
	}
	if addrlen != nil {
		slots = append(slots, outSlot{userPtr: uintptr(unsafe.Pointer(addrlen)), size: 4, copyIn: true})
	}
	return slots
}

// Socket buffers socket(2).
func (e *Engine) Socket(domain, typ, proto int) (int64, unix.Errno, Outcome) {
	var args [6]uintptr
	args[0], args[1], args[2] = uintptr(domain), uintptr(typ), uintptr(proto)
	return e.invokeNoOutparam(unix.SYS_SOCKET, args)
}

// Bind buffers bind(2). addr is read-only from the kernel's
// perspective, so it needs no shadow.
func (e *Engine) Bind(fd int, addr []byte) (int64, unix.Errno, Outcome) {
	var args [6]uintptr
	args[0] = uintptr(fd)
	if len(addr) > 0 {
		args[1] = uintptr(unsafe.Pointer(&addr[0]))
	}
	args[2] = uintptr(len(addr))
	return e.invokeNoOutparam(unix.SYS_BIND, args)
}

// Listen buffers listen(2).
func (e *Engine) Listen(fd, backlog int) (int64, unix.Errno, Outcome) {
	var args [6]uintptr
	args[0], args[1] = uintptr(fd), uintptr(backlog)
	return e.invokeNoOutparam(unix.SYS_LISTEN, args)
}

// Connect buffers connect(2). Unlike bind, connect can block
// (unconnected stream sockets), so it arms the desched counter.
func (e *Engine) Connect(fd int, addr []byte) (int64, unix.Errno, Outcome) {
	var args [6]uintptr
	args[0] = uintptr(fd)
	if len(addr) > 0 {
		args[1] = uintptr(unsafe.Pointer(&addr[0]))
	}
	args[2] = uintptr(len(addr))
	return e.invokeNoOutparam(unix.SYS_CONNECT, args)
}

// Shutdown buffers shutdown(2).
func (e *Engine) Shutdown(fd, how int) (int64, unix.Errno, Outcome) {
	var args [6]uintptr
	args[0], args[1] = uintptr(fd), uintptr(how)
	return e.invokeNoOutparam(unix.SYS_SHUTDOWN, args)
}

// GetSockName buffers getsockname(2). addr and addrlen are an inout
// pair: addrlen bounds the write and is itself overwritten with the
// address's true length.
func (e *Engine) GetSockName(fd int, addr []byte, addrlen *uint32) (int64, unix.Errno, Outcome) {
	var args [6]uintptr
	args[0] = uintptr(fd)
	if len(addr) > 0 {
		args[1] = uintptr(unsafe.Pointer(&addr[0]))
	}
	if addrlen != nil {
		args[2] = uintptr(unsafe.Pointer(addrlen))
	}
	return e.call(unix.SYS_GETSOCKNAME, args, outparamSlots(addr, addrlen))
}

// GetPeerName buffers getpeername(2).
func (e *Engine) GetPeerName(fd int, addr []byte, addrlen *uint32) (int64, unix.Errno, Outcome) {
	var args [6]uintptr
	args[0] = uintptr(fd)
	if len(addr) > 0 {
		args[1] = uintptr(unsafe.Pointer(&addr[0]))
	}
	if addrlen != nil {
		args[2] = uintptr(unsafe.Pointer(addrlen))
	}
	return e.call(unix.SYS_GETPEERNAME, args, outparamSlots(addr, addrlen))
}

// GetSockOpt buffers getsockopt(2). optval and optlen sit past the
// level/optname prefix, at args[3]/args[4].
func (e *Engine) GetSockOpt(fd, level, optname int, optval []byte, optlen *uint32) (int64, unix.Errno, Outcome) {
	var args [6]uintptr
	args[0], args[1], args[2] = uintptr(fd), uintptr(level), uintptr(optname)
	if len(optval) > 0 {
		args[3] = uintptr(unsafe.Pointer(&optval[0]))
	}
	if optlen != nil {
		args[4] = uintptr(unsafe.Pointer(optlen))
	}
	return e.call(unix.SYS_GETSOCKOPT, args, outparamSlots(optval, optlen))
}

// SetSockOpt buffers setsockopt(2). optval is read-only from the
// kernel's perspective.
func (e *Engine) SetSockOpt(fd, level, optname int, optval []byte) (int64, unix.Errno, Outcome) {
	var args [6]uintptr
	args[0], args[1], args[2] = uintptr(fd), uintptr(level), uintptr(optname)
	if len(optval) > 0 {
		args[3] = uintptr(unsafe.Pointer(&optval[0]))
	}
	args[4] = uintptr(len(optval))
	return e.invokeNoOutparam(unix.SYS_SETSOCKOPT, args)
}
