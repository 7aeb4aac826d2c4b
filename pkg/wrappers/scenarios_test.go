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
	"encoding/binary"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/replaycore/rr/pkg/desched"
)

// sockaddrUnBytes marshals a filesystem-path AF_UNIX address the way
// the kernel expects it on the wire: a little-endian family followed
// by the path, NUL-terminated.
func sockaddrUnBytes(path string) []byte {
	buf := make([]byte, 2+len(path)+1)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(unix.AF_UNIX))
	copy(buf[2:], path)
	return buf
}

// TestUnixSocketAcceptRecvFromRoundTrip drives a real Unix-domain
// listener through the buffered socket/bind/listen/accept/recvfrom
// path during record, then replays the identical call sequence off
// the same buffer and checks that replay reproduces the recorded
// bytes and return values without touching the kernel again.
func TestUnixSocketAcceptRecvFromRoundTrip(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "rr-test.sock")
	addr := sockaddrUnBytes(sockPath)

	e := newRecordEngine(t)

	sfd, errno, outcome := e.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if outcome != OutcomeBuffered || errno != 0 {
		t.Fatalf("Socket: outcome=%v errno=%v, want OutcomeBuffered/0", outcome, errno)
	}
	defer unix.Close(int(sfd))

	if _, errno, outcome = e.Bind(int(sfd), addr); outcome != OutcomeBuffered || errno != 0 {
		t.Fatalf("Bind: outcome=%v errno=%v, want OutcomeBuffered/0", outcome, errno)
	}
	if _, errno, outcome = e.Listen(int(sfd), 1); outcome != OutcomeBuffered || errno != 0 {
		t.Fatalf("Listen: outcome=%v errno=%v, want OutcomeBuffered/0", outcome, errno)
	}

	cfd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("client Socket: %v", err)
	}
	defer unix.Close(cfd)
	clientPath := filepath.Join(filepath.Dir(sockPath), "rr-client.sock")
	if err := unix.Bind(cfd, &unix.SockaddrUnix{Name: clientPath}); err != nil {
		t.Fatalf("client Bind: %v", err)
	}
	if err := unix.Connect(cfd, &unix.SockaddrUnix{Name: sockPath}); err != nil {
		t.Fatalf("client Connect: %v", err)
	}

	aret, errno, outcome := e.Accept(int(sfd), nil, nil)
	if outcome != OutcomeBuffered || errno != 0 || aret < 0 {
		t.Fatalf("Accept: ret=%d outcome=%v errno=%v, want a valid fd/OutcomeBuffered/0", aret, outcome, errno)
	}
	acceptedFD := int(aret)
	defer unix.Close(acceptedFD)

	payload := []byte("hello-rr")
	if n, err := unix.Write(cfd, payload); err != nil || n != len(payload) {
		t.Fatalf("client Write: n=%d err=%v", n, err)
	}

	// cfd was bound to clientPath before connecting, so the kernel
	// reports it back as a named AF_UNIX peer: sa_family set and
	// sun_path holding clientPath. An unbound peer would come back with
	// addrlen 0. This is a real value coming out of the kernel's own
	// recvfrom(2) call (rather than the NULL/NULL a caller gets from an
	// unwired addr argument), which is what this assertion is checking for.
	recvBuf := make([]byte, 32)
	peerAddr := make([]byte, unix.SizeofSockaddrUnix)
	peerAddrlen := uint32(len(peerAddr))
	rret, errno, outcome := e.RecvFrom(acceptedFD, recvBuf, 0, peerAddr, &peerAddrlen)
	if outcome != OutcomeBuffered || errno != 0 {
		t.Fatalf("RecvFrom: outcome=%v errno=%v, want OutcomeBuffered/0", outcome, errno)
	}
	if rret != int64(len(payload)) || string(recvBuf[:rret]) != string(payload) {
		t.Fatalf("RecvFrom returned %q (%d bytes), want %q", recvBuf[:rret], rret, payload)
	}
	if peerAddrlen < 2 {
		t.Fatalf("RecvFrom left addrlen=%d, want at least sizeof(sa_family_t)", peerAddrlen)
	}
	if gotFamily := binary.LittleEndian.Uint16(peerAddr[0:2]); gotFamily != unix.AF_UNIX {
		t.Fatalf("RecvFrom peer sa_family = %d, want AF_UNIX (%d)", gotFamily, unix.AF_UNIX)
	}

	// Everything above went through the real kernel and left a record
	// for each call in e.buf. Replay the same five calls off that same
	// buffer and confirm every result is reproduced from the recorded
	// bytes, not from a fresh syscall (the sockets are still open here,
	// but a live Socket call would return a new fd rather than sfd).
	dc := &desched.Counter{}
	replay := NewEngine(e.buf, dc, ModeReplay, nil)

	rsfd, rerrno, routcome := replay.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if routcome != OutcomeBuffered || rsfd != sfd || rerrno != errno {
		t.Fatalf("replay Socket = (%d, %v, %v), want (%d, 0, OutcomeBuffered)", rsfd, rerrno, routcome, sfd)
	}
	if _, _, routcome = replay.Bind(int(rsfd), addr); routcome != OutcomeBuffered {
		t.Fatalf("replay Bind outcome = %v, want OutcomeBuffered", routcome)
	}
	if _, _, routcome = replay.Listen(int(rsfd), 1); routcome != OutcomeBuffered {
		t.Fatalf("replay Listen outcome = %v, want OutcomeBuffered", routcome)
	}
	raccept, _, routcome := replay.Accept(int(rsfd), nil, nil)
	if routcome != OutcomeBuffered || raccept != aret {
		t.Fatalf("replay Accept = (%d, %v), want (%d, OutcomeBuffered)", raccept, routcome, aret)
	}
	replayBuf := make([]byte, 32)
	replayPeerAddr := make([]byte, unix.SizeofSockaddrUnix)
	replayPeerAddrlen := uint32(len(replayPeerAddr))
	rn, _, routcome := replay.RecvFrom(int(raccept), replayBuf, 0, replayPeerAddr, &replayPeerAddrlen)
	if routcome != OutcomeBuffered {
		t.Fatalf("replay RecvFrom outcome = %v, want OutcomeBuffered", routcome)
	}
	if rn != rret || string(replayBuf[:rn]) != string(payload) {
		t.Fatalf("replay RecvFrom returned %q (%d bytes), want %q", replayBuf[:rn], rn, payload)
	}
	if replayPeerAddrlen != peerAddrlen || string(replayPeerAddr[:replayPeerAddrlen]) != string(peerAddr[:peerAddrlen]) {
		t.Fatalf("replay RecvFrom reproduced peer addr (%q, len %d), want (%q, len %d) from the recorded call, not a fresh kernel call",
			replayPeerAddr[:replayPeerAddrlen], replayPeerAddrlen, peerAddr[:peerAddrlen], peerAddrlen)
	}
}

// TestSchedSetaffinityRecordOnly checks that record performs a real
// sched_setaffinity(2) and that replay reproduces its result without
// calling the kernel at all, per the buffered contract for a call
// with no memory outparam: only the return value is worth recording.
func TestSchedSetaffinityRecordOnly(t *testing.T) {
	var orig unix.CPUSet
	if err := unix.SchedGetaffinity(0, &orig); err != nil {
		t.Skipf("sched_getaffinity unavailable in this environment: %v", err)
	}
	defer unix.SchedSetaffinity(0, &orig)

	e := newRecordEngine(t)
	var mask unix.CPUSet
	mask.Zero()
	mask.Set(0)
	ret, errno, outcome := e.SchedSetaffinity(0, &mask)
	if outcome != OutcomeBuffered {
		t.Fatalf("record outcome = %v, want OutcomeBuffered (errno %v)", outcome, errno)
	}
	if ret != 0 || errno != 0 {
		t.Fatalf("sched_setaffinity(pid=0) returned (%d, %v), want (0, 0)", ret, errno)
	}

	dc := &desched.Counter{}
	replay := NewEngine(e.buf, dc, ModeReplay, nil)
	var bogus unix.CPUSet
	bogus.Zero()
	bogus.Set(8191) // out of range: a live call here would fail with EINVAL
	rret, rerrno, routcome := replay.SchedSetaffinity(0, &bogus)
	if routcome != OutcomeBuffered {
		t.Fatalf("replay outcome = %v, want OutcomeBuffered", routcome)
	}
	if rret != ret || rerrno != errno {
		t.Fatalf("replay returned (%d, %v), want the recorded (%d, %v) rather than a fresh kernel call", rret, rerrno, ret, errno)
	}
}
