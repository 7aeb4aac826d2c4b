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

package trace

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// eventsFile is the name of the single event-stream file within a
// trace directory. Splitting metadata (a RecordingID marker) from the
// event stream itself leaves room for a real wire format's framing and
// indexing to replace this file later without touching pkg/arbiter's
// Writer/Reader usage.
const eventsFile = "events.gob"

// idFile records the RecordingID a trace directory belongs to.
const idFile = "recording-id"

// cmdlineFile records the argv the traced program was launched with,
// one argument per line, so replay can re-exec the same binary without
// the caller having to repeat the command line by hand.
const cmdlineFile = "cmdline"

// SaveCmdline records argv alongside a trace directory created by
// CreateFile.
func SaveCmdline(dir string, argv []string) error {
	if err := os.WriteFile(filepath.Join(dir, cmdlineFile), []byte(strings.Join(argv, "\n")), 0o644); err != nil {
		return fmt.Errorf("trace: writing cmdline: %w", err)
	}
	return nil
}

// LoadCmdline reads back the argv SaveCmdline recorded for dir.
func LoadCmdline(dir string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, cmdlineFile))
	if err != nil {
		return nil, fmt.Errorf("trace: reading cmdline: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return strings.Split(string(data), "\n"), nil
}

// fileWriter is a minimal concrete trace.Writer: one gob-encoded
// stream of Events per trace directory. The wire format itself is out
// of scope (spec.md §1, §6); this exists so cmd/rr's record and replay
// paths have something concrete to drive pkg/arbiter against.
type fileWriter struct {
	f   *os.File
	enc *gob.Encoder
}

// CreateFile creates dir (if needed) and opens it for writing a fresh
// trace under RecordingID id.
func CreateFile(dir string, id RecordingID) (Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("trace: mkdir %s: %w", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, idFile), []byte(id.String()), 0o644); err != nil {
		return nil, fmt.Errorf("trace: writing recording id: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, eventsFile))
	if err != nil {
		return nil, fmt.Errorf("trace: creating event stream: %w", err)
	}
	return &fileWriter{f: f, enc: gob.NewEncoder(f)}, nil
}

func (w *fileWriter) WriteEvent(ev Event) error {
	if err := w.enc.Encode(&ev); err != nil {
		return fmt.Errorf("trace: encoding event: %w", err)
	}
	return nil
}

func (w *fileWriter) Close() error {
	return w.f.Close()
}

// fileReader is the fileWriter format's counterpart Reader.
type fileReader struct {
	f   *os.File
	dec *gob.Decoder
}

// OpenFile opens an existing trace directory written by CreateFile for
// replay.
func OpenFile(dir string) (Reader, error) {
	f, err := os.Open(filepath.Join(dir, eventsFile))
	if err != nil {
		return nil, fmt.Errorf("trace: opening event stream: %w", err)
	}
	return &fileReader{f: f, dec: gob.NewDecoder(f)}, nil
}

func (r *fileReader) ReadEvent() (Event, bool, error) {
	var ev Event
	if err := r.dec.Decode(&ev); err != nil {
		if err == io.EOF {
			return Event{}, false, nil
		}
		return Event{}, false, fmt.Errorf("trace: decoding event: %w", err)
	}
	return ev, true, nil
}

func (r *fileReader) Close() error {
	return r.f.Close()
}
