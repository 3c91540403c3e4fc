package logger

import (
	"log"
	"os"
	"strings"
)

// LogLevel represents the logging level
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

var currentLevel = levelFromEnv()

func init() {
	log.SetFlags(log.Ldate | log.Ltime)
}

func levelFromEnv() LogLevel {
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Debug logs a debug message (only shown when LOG_LEVEL=DEBUG)
func Debug(format string, v ...interface{}) {
	if currentLevel <= LevelDebug {
		log.Printf("[DEBUG] "+format, v...)
	}
}

// Info logs an info message
func Info(format string, v ...interface{}) {
	if currentLevel <= LevelInfo {
		log.Printf("[INFO] "+format, v...)
	}
}

// Warn logs a warning message
func Warn(format string, v ...interface{}) {
	if currentLevel <= LevelWarn {
		log.Printf("[WARN] "+format, v...)
	}
}

// Error logs an error message
func Error(format string, v ...interface{}) {
	if currentLevel <= LevelError {
		log.Printf("[ERROR] "+format, v...)
	}
}

// Fatal logs a fatal message and exits the program
func Fatal(format string, v ...interface{}) {
	log.Fatalf("[FATAL] "+format, v...)
}

// Component returns a logger whose messages carry a subsystem prefix,
// e.g. Component("collab").Info("room %s opened", name).
type ComponentLogger struct {
	prefix string
}

func Component(name string) *ComponentLogger {
	return &ComponentLogger{prefix: name + ": "}
}

func (c *ComponentLogger) Debug(format string, v ...interface{}) { Debug(c.prefix+format, v...) }
func (c *ComponentLogger) Info(format string, v ...interface{})  { Info(c.prefix+format, v...) }
func (c *ComponentLogger) Warn(format string, v ...interface{})  { Warn(c.prefix+format, v...) }
func (c *ComponentLogger) Error(format string, v ...interface{}) { Error(c.prefix+format, v...) }
