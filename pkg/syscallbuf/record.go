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

import "fmt"

// record is one packed entry in the buffer: syscall number, stored size
// (including this header), signed return value, and the desched flag
// (spec.md §3).
type record struct {
	Syscall uint32
	Size    uint32
	Ret     int64
	Desched uint32
}

// IsDesched reports whether this record was interrupted by a desched
// notification and re-recorded as a normal traced entry/exit pair — per
// spec.md §3, such a record must not be replayed from the buffer.
func (r record) IsDesched() bool { return r.Desched != 0 }

func putRecordHeader(dst []byte, r record) {
	byteOrder.PutUint32(dst[0:4], r.Syscall)
	byteOrder.PutUint32(dst[4:8], r.Size)
	byteOrder.PutUint64(dst[8:16], uint64(r.Ret))
	byteOrder.PutUint32(dst[16:20], r.Desched)
	// dst[20:24] is alignment padding, left zero.
}

func getRecordHeader(src []byte) record {
	return record{
		Syscall: byteOrder.Uint32(src[0:4]),
		Size:    byteOrder.Uint32(src[4:8]),
		Ret:     int64(byteOrder.Uint64(src[8:16])),
		Desched: byteOrder.Uint32(src[16:20]),
	}
}

// Record is the tracer/wrapper-visible view of one buffered syscall
// record: its header plus the outparam bytes the wrapper wrote after it.
type Record struct {
	Syscall uint32
	Ret     int64
	Desched bool
	Data    []byte
}

// ParseRecords decodes a flushed byte range (as produced by
// Buffer.DrainForFlush, or read back from a trace's syscallbuf-flush
// event) into individual records, in commit order.
func ParseRecords(data []byte) ([]Record, error) {
	var out []Record
	off := 0
	for off < len(data) {
		if off+recordHeaderSize > len(data) {
			return nil, fmt.Errorf("syscallbuf: truncated record header at offset %d", off)
		}
		hdr := getRecordHeader(data[off:])
		if hdr.Size < recordHeaderSize {
			return nil, fmt.Errorf("syscallbuf: record at offset %d has implausible size %d", off, hdr.Size)
		}
		if off+int(hdr.Size) > len(data) {
			return nil, fmt.Errorf("syscallbuf: record at offset %d (size %d) overruns %d-byte flush", off, hdr.Size, len(data))
		}
		out = append(out, Record{
			Syscall: hdr.Syscall,
			Ret:     hdr.Ret,
			Desched: hdr.IsDesched(),
			Data:    data[off+recordHeaderSize : off+int(hdr.Size)],
		})
		off += int(hdr.Size)
	}
	return out, nil
}
