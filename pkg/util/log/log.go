// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package log exposes a process-wide leveled logger backed by seelog.
// The watcher runs as a daemon, so everything goes through a single
// logger configured once at startup; before Setup is called messages
// fall back to seelog's default logger so early errors are not lost.
package log

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

var (
	mu     sync.RWMutex
	logger seelog.LoggerInterface = seelog.Default
	level  seelog.LogLevel        = seelog.InfoLvl
)

// Setup replaces the default logger with one writing to the console at
// the given level. Unknown levels fall back to info.
func Setup(lvl string) error {
	cfg := fmt.Sprintf(
		`<seelog minlevel=%q>
  <outputs formatid="common"><console/></outputs>
  <formats><format id="common" format="%%Date(2006-01-02 15:04:05 MST) | %%LEVEL | %%Msg%%n"/></formats>
</seelog>`, strings.ToLower(lvl))

	l, err := seelog.LoggerFromConfigAsString(cfg)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	logger = l
	if parsed, ok := seelog.LogLevelFromString(strings.ToLower(lvl)); ok {
		level = parsed
	} else {
		level = seelog.InfoLvl
	}
	return nil
}

func shouldLog(lvl seelog.LogLevel) bool {
	return lvl >= level
}

// Debugf formats message according to format specifier and logs it with debug level.
func Debugf(format string, params ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if shouldLog(seelog.DebugLvl) {
		logger.Debugf(format, params...)
	}
}

// Infof formats message according to format specifier and logs it with info level.
func Infof(format string, params ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if shouldLog(seelog.InfoLvl) {
		logger.Infof(format, params...)
	}
}

// Warnf formats message according to format specifier and logs it with warn level.
func Warnf(format string, params ...interface{}) error {
	mu.RLock()
	defer mu.RUnlock()
	if shouldLog(seelog.WarnLvl) {
		return logger.Warnf(format, params...)
	}
	return fmt.Errorf(format, params...)
}

// Errorf formats message according to format specifier and logs it with error level.
func Errorf(format string, params ...interface{}) error {
	mu.RLock()
	defer mu.RUnlock()
	if shouldLog(seelog.ErrorLvl) {
		return logger.Errorf(format, params...)
	}
	return fmt.Errorf(format, params...)
}

// Flush flushes the underlying logger. Called on process exit.
func Flush() {
	mu.RLock()
	defer mu.RUnlock()
	logger.Flush()
}
