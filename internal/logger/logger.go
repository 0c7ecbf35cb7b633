/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

// Package logger wraps sirupsen/logrus with the field-injection style used
// throughout the engine: every long-lived component is handed a FuncLog
// rather than a bare Logger, so a session, stream or pool can swap loggers
// (or fall back to a process-wide default) without a package-level global.
package logger

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the subset of logrus's entry API the engine depends on.
type Logger interface {
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// FuncLog returns a Logger lazily; components store this instead of a bare
// Logger so the caller can rebind logging output/level after construction.
type FuncLog func() Logger

type entry struct {
	e *logrus.Entry
}

func (l entry) WithField(key string, value interface{}) Logger {
	return entry{e: l.e.WithField(key, value)}
}

func (l entry) WithFields(fields map[string]interface{}) Logger {
	return entry{e: l.e.WithFields(logrus.Fields(fields))}
}

func (l entry) WithError(err error) Logger {
	return entry{e: l.e.WithError(err)}
}

func (l entry) Debug(args ...interface{})                 { l.e.Debug(args...) }
func (l entry) Info(args ...interface{})                  { l.e.Info(args...) }
func (l entry) Warn(args ...interface{})                  { l.e.Warn(args...) }
func (l entry) Error(args ...interface{})                 { l.e.Error(args...) }
func (l entry) Debugf(format string, args ...interface{}) { l.e.Debugf(format, args...) }
func (l entry) Infof(format string, args ...interface{})  { l.e.Infof(format, args...) }
func (l entry) Warnf(format string, args ...interface{})  { l.e.Warnf(format, args...) }
func (l entry) Errorf(format string, args ...interface{}) { l.e.Errorf(format, args...) }

// New builds a Logger around a fresh logrus.Logger writing to out at level.
func New(out io.Writer, level logrus.Level, component string) Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return entry{e: l.WithField("component", component)}
}

var (
	defaultOnce sync.Once
	defaultLog  Logger
)

// Default returns the process-wide fallback logger (stderr, info level),
// used when a component's FuncLog is nil or returns nil, mirroring the
// teacher's liblog.GetDefault() escape hatch.
func Default() Logger {
	defaultOnce.Do(func() {
		defaultLog = New(os.Stderr, logrus.InfoLevel, "tunnel")
	})
	return defaultLog
}

// Resolve calls fn and falls back to Default() if fn is nil or returns nil.
func Resolve(fn FuncLog) Logger {
	if fn == nil {
		return Default()
	}
	if l := fn(); l != nil {
		return l
	}
	return Default()
}
