// Copyright 2023 Kami
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

package reactor

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the logging collaborator the core delegates to. It is
// explicitly out of scope for this package to decide on a log sink (see
// spec.md §1); this interface is the seam applications and the default
// zap-backed implementation below both satisfy.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// Fatalf logs the message and then invokes the process-termination
	// policy (os.Exit(1) by default). Used only for the fatal-bootstrap
	// and fatal-invariant-violation paths in §7.
	Fatalf(format string, args ...interface{})
}

type zapLogger struct {
	l       *zap.SugaredLogger
	onFatal func()
}

// NewZapLogger returns a Logger backed by l's zap.SugaredLogger; when l is
// nil it uses zap.NewProduction, which writes to stderr. Its Fatalf logs at
// error level with a "FATAL: " prefix before exiting. Matches the teacher's
// indirect zap dependency (pulled
// in today via gnet/layer4); here it is wired directly since this module
// owns the log call sites gnet used to own internally.
func NewZapLogger(l *zap.Logger) Logger {
	if l == nil {
		l, _ = zap.NewProduction()
	}
	return &zapLogger{l: l.Sugar(), onFatal: func() { os.Exit(1) }}
}

// NewProductionLogger builds a zap.Logger whose core writes JSON lines to a
// lumberjack-rotated file at path, rotating at maxSizeMB megabytes and
// keeping maxBackups old files. This is the on-disk counterpart to
// NewZapLogger's stderr default.
func NewProductionLogger(path string, maxSizeMB, maxBackups int) Logger {
	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	})
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	core := zapcore.NewCore(enc, sink, zapcore.InfoLevel)
	return NewZapLogger(zap.New(core))
}

func (z *zapLogger) Debugf(format string, args ...interface{}) { z.l.Debugf(format, args...) }
func (z *zapLogger) Infof(format string, args ...interface{})  { z.l.Infof(format, args...) }
func (z *zapLogger) Warnf(format string, args ...interface{})  { z.l.Warnf(format, args...) }
func (z *zapLogger) Errorf(format string, args ...interface{}) { z.l.Errorf(format, args...) }
func (z *zapLogger) Fatalf(format string, args ...interface{}) {
	z.l.Errorf("FATAL: "+format, args...)
	if z.onFatal != nil {
		z.onFatal()
	}
}

// nopLogger discards everything; used as the package-level default only
// until an application installs one via SetDefaultLogger, and in tests.
type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Fatalf(string, ...interface{}) { os.Exit(1) }

var defaultLogger Logger = nopLogger{}

// SetDefaultLogger installs the Logger used by components constructed
// without an explicit WithLogger option.
func SetDefaultLogger(l Logger) {
	if l == nil {
		l = nopLogger{}
	}
	defaultLogger = l
}
