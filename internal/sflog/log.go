// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package sflog provides the signal finder's logging idiom: a thin wrapper
// around the standard library's log.Logger with level prefixes, matching the
// teacher's own fmt.Printf/log.Printf style rather than pulling in a
// structured logging library the teacher never used.
package sflog

import (
	"log"
	"os"
	"sync/atomic"
)

// Level controls which messages reach the output.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "?"
	}
}

var (
	std      = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
	minLevel atomic.Int32
)

// SetLevel sets the minimum level that will be printed.
func SetLevel(l Level) { minLevel.Store(int32(l)) }

func enabled(l Level) bool { return int32(l) >= minLevel.Load() }

// Debugf logs at debug level.
func Debugf(format string, args ...any) { logf(LevelDebug, format, args...) }

// Infof logs at info level.
func Infof(format string, args ...any) { logf(LevelInfo, format, args...) }

// Warnf logs at warn level.
func Warnf(format string, args ...any) { logf(LevelWarn, format, args...) }

// Errorf logs at error level.
func Errorf(format string, args ...any) { logf(LevelError, format, args...) }

func logf(l Level, format string, args ...any) {
	if !enabled(l) {
		return
	}
	std.Printf("["+l.String()+"] "+format, args...)
}
