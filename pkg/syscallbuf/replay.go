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

package syscallbuf

// ReplayCursor walks a buffer's records in commit order. It is used by
// pkg/wrappers during replay, after pkg/arbiter has refilled the buffer
// with a previously recorded batch (spec.md §4.5): each buffered-syscall
// wrapper call consumes exactly the next record instead of performing
// the untraced kernel call, reproducing the recorded effect byte for
// byte (spec.md §4.4 step 7).
type ReplayCursor struct {
	buf *Buffer
	off int
}

// NewReplayCursor returns a cursor over b's currently refilled records.
func (b *Buffer) NewReplayCursor() *ReplayCursor {
	return &ReplayCursor{buf: b}
}

// Next returns the next record, or ok=false once every refilled record
// has been consumed. A caller seeing ok=false when it still expects a
// buffered call is observing a replay divergence (spec.md §7): the trace
// is corrupted, or the tracee is behaving nondeterministically through
// an unrecorded channel.
func (c *ReplayCursor) Next() (Record, bool) {
	limit := int(c.buf.numRecBytes.Load())
	if c.off >= limit {
		return Record{}, false
	}
	base := headerSize + c.off
	hdr := getRecordHeader(c.buf.mem[base:])
	rec := Record{
		Syscall: hdr.Syscall,
		Ret:     hdr.Ret,
		Desched: hdr.IsDesched(),
		Data:    c.buf.mem[base+recordHeaderSize : base+int(hdr.Size)],
	}
	c.off += int(hdr.Size)
	return rec, true
}

// Remaining reports how many bytes of refilled records this cursor has
// not yet consumed, for divergence diagnostics.
func (c *ReplayCursor) Remaining() int {
	return int(c.buf.numRecBytes.Load()) - c.off
}
