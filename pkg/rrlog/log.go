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

// Package rrlog provides the leveled, component-tagged logger used by
// every package in this module. It is a thin façade over logrus so call
// sites read the same way as the teacher's glog-style logging
// (Debugf/Infof/Warningf) while the actual formatting and output
// backend is a real third-party logger.
package rrlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// base is the process-wide logrus instance. Tests may swap its output.
var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.InfoLevel)
}

// SetLevel adjusts the minimum severity that is emitted. name must be one
// of "debug", "info", "warning", "error".
func SetLevel(name string) error {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return err
	}
	base.SetLevel(lvl)
	return nil
}

// Logger is a component-tagged logger, e.g. rrlog.For("arbiter").
type Logger struct {
	entry *logrus.Entry
}

// For returns a Logger tagged with the given component name.
func For(component string) *Logger {
	return &Logger{entry: base.WithField("component", component)}
}

// With returns a derived Logger with an additional structured field.
func (l *Logger) With(key string, value any) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// Debugf logs at debug severity.
func (l *Logger) Debugf(format string, args ...any) {
	l.entry.Debugf(format, args...)
}

// Infof logs at info severity.
func (l *Logger) Infof(format string, args ...any) {
	l.entry.Infof(format, args...)
}

// Warningf logs at warning severity.
func (l *Logger) Warningf(format string, args ...any) {
	l.entry.Warnf(format, args...)
}

// Errorf logs at error severity.
func (l *Logger) Errorf(format string, args ...any) {
	l.entry.Errorf(format, args...)
}
