/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package logging provides the leveled, colored logger used across the bridge.
// Loggers are explicit values handed to constructors; there is no package-wide
// default instance.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"
)

// Levels, lowest first.
const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

// EnvLogLevel overrides the default level when set to an integer level.
const EnvLogLevel = "SHMNODE_LOG_LEVEL"

var (
	magenta = string([]byte{27, 91, 57, 53, 109}) // Trace
	green   = string([]byte{27, 91, 57, 50, 109}) // Debug
	blue    = string([]byte{27, 91, 57, 52, 109}) // Info
	yellow  = string([]byte{27, 91, 57, 51, 109}) // Warn
	red     = string([]byte{27, 91, 57, 49, 109}) // Error
	reset   = string([]byte{27, 91, 48, 109})

	colors = []string{
		magenta,
		green,
		blue,
		yellow,
		red,
	}

	levelName = []string{
		"Trace",
		"Debug",
		"Info",
		"Warn",
		"Error",
	}
)

// Logger writes leveled lines to an io.Writer. It is safe for concurrent use.
type Logger struct {
	name      string
	out       io.Writer
	level     int
	callDepth int
	mu        sync.Mutex
}

// New returns a logger named name writing to out at the given level.
// A nil out writes to os.Stdout.
func New(name string, out io.Writer, level int) *Logger {
	if out == nil {
		out = os.Stdout
	}
	if level < LevelTrace || level > LevelNoPrint {
		level = LevelWarn
	}
	return &Logger{
		name:      name,
		out:       out,
		level:     level,
		callDepth: 3,
	}
}

// Default returns a logger at the level taken from SHMNODE_LOG_LEVEL,
// falling back to LevelWarn.
func Default(name string) *Logger {
	return New(name, os.Stdout, LevelFromEnv(LevelWarn))
}

// Nop returns a logger that prints nothing.
func Nop() *Logger {
	return New("", io.Discard, LevelNoPrint)
}

// LevelFromEnv parses SHMNODE_LOG_LEVEL, returning def when unset or invalid.
func LevelFromEnv(def int) int {
	v := os.Getenv(EnvLogLevel)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < LevelTrace || n > LevelNoPrint {
		return def
	}
	return n
}

// ParseLevel accepts a level name such as "info" or its integer value.
func ParseLevel(s string) (int, error) {
	for i, name := range levelName {
		if strings.EqualFold(s, name) {
			return i, nil
		}
	}
	if strings.EqualFold(s, "none") {
		return LevelNoPrint, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < LevelTrace || n > LevelNoPrint {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return n, nil
}

// Named returns a copy of l with a different name and the same output and level.
func (l *Logger) Named(name string) *Logger {
	return &Logger{name: name, out: l.out, level: l.level, callDepth: l.callDepth}
}

// SetLevel changes the minimum printed level.
func (l *Logger) SetLevel(level int) {
	if level >= LevelTrace && level <= LevelNoPrint {
		l.mu.Lock()
		l.level = level
		l.mu.Unlock()
	}
}

// Enabled reports whether lines at level would be printed.
func (l *Logger) Enabled(level int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return level >= l.level
}

func (l *Logger) Errorf(format string, a ...interface{}) { l.printf(LevelError, format, a...) }
func (l *Logger) Warnf(format string, a ...interface{})  { l.printf(LevelWarn, format, a...) }
func (l *Logger) Infof(format string, a ...interface{})  { l.printf(LevelInfo, format, a...) }
func (l *Logger) Debugf(format string, a ...interface{}) { l.printf(LevelDebug, format, a...) }
func (l *Logger) Tracef(format string, a ...interface{}) { l.printf(LevelTrace, format, a...) }

func (l *Logger) printf(level int, format string, a ...interface{}) {
	if l == nil || !l.Enabled(level) {
		return
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	l.prefix(buf, level)
	_, _ = fmt.Fprintf(buf, format, a...)
	_, _ = buf.WriteString(reset)
	_ = buf.WriteByte('\n')

	l.mu.Lock()
	_, err := l.out.Write(buf.B)
	l.mu.Unlock()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger write failed: %v\n", err)
	}
}

func (l *Logger) prefix(buf *bytebufferpool.ByteBuffer, level int) {
	_, _ = buf.WriteString(colors[level])
	_, _ = buf.WriteString(levelName[level])
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(time.Now().Format("2006-01-02 15:04:05.999999"))
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.location())
	_ = buf.WriteByte(' ')
	if l.name != "" {
		_, _ = buf.WriteString(l.name)
		_ = buf.WriteByte(' ')
	}
}

func (l *Logger) location() string {
	_, file, line, ok := runtime.Caller(l.callDepth + 1)
	if !ok {
		file = "???"
		line = 0
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}
