package main

import (
	"fmt"
	"time"
)

// Log levels, lower values are more verbose.
const (
	logLevelTrace = iota
	logLevelDebug
	logLevelInfo
	logLevelWarn
	logLevelError
)

// logLevelNames maps log levels to their string representations
var logLevelNames = map[int]string{
	logLevelTrace: "TRACE",
	logLevelDebug: "DEBUG",
	logLevelInfo:  "INFO",
	logLevelWarn:  "WARN",
	logLevelError: "ERROR",
}

// verbosePrint writes a log line if the configured verbosity allows it.
func verbosePrint(level int, format string, args ...interface{}) {
	if *verbose > level {
		return
	}

	levelName, ok := logLevelNames[level]
	if !ok {
		levelName = "ERROR"
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	fmt.Printf("[%s][%s] "+format+"\n", append([]interface{}{timestamp, levelName}, args...)...)
}

func logTrace(format string, args ...interface{}) { verbosePrint(logLevelTrace, format, args...) }
func logDebug(format string, args ...interface{}) { verbosePrint(logLevelDebug, format, args...) }
func logInfo(format string, args ...interface{})  { verbosePrint(logLevelInfo, format, args...) }
func logWarn(format string, args ...interface{})  { verbosePrint(logLevelWarn, format, args...) }
func logError(format string, args ...interface{}) { verbosePrint(logLevelError, format, args...) }
