// Copyright 2012 Google Inc. All Rights Reserved.
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

// This file contains the logging helpers used throughout the rest of the library.

package pcapcarver

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	logError    int = 1
	logWarning      = 2
	logInfo         = 3
	logDebug        = 4
	logPedantic     = 5
)

var (
	logMu  sync.RWMutex
	logger = newDiscardLogger()
)

// The library logs nothing until SetLogger is called.
func newDiscardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

// SetLogger sets the logger the library writes to.  Passing nil silences the
// library again.
func SetLogger(l *logrus.Logger) {
	if l == nil {
		l = newDiscardLogger()
	}
	logMu.Lock()
	logger = l
	logMu.Unlock()
}

// Logger returns the logger the library currently writes to.
func Logger() *logrus.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

func logrusLevel(level int) logrus.Level {
	switch level {
	case logError:
		return logrus.ErrorLevel
	case logWarning:
		return logrus.WarnLevel
	case logInfo:
		return logrus.InfoLevel
	case logDebug:
		return logrus.DebugLevel
	}
	return logrus.TraceLevel
}

// A simple leveled logging function.
func cvlog(level int, v ...interface{}) {
	Logger().Log(logrusLevel(level), v...)
}

// A simple leveled logging function with structured fields.
func cvlogf(level int, fields logrus.Fields, format string, v ...interface{}) {
	Logger().WithFields(fields).Logf(logrusLevel(level), format, v...)
}
