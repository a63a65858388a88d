// Package common provides centralized logging infrastructure for the Climatoology platform.
// This package implements log output routing that automatically directs error
// messages to stderr while sending other log levels to stdout, enabling proper
// stream separation for containerized and scripted environments.
//
// The logging system is built on logrus for structured logging capabilities with
// custom output handling that supports both development workflows and production
// deployment patterns. All platform components (gateway, sender, worker hosts)
// log through entries derived from the instances this package provides.
//
// Key Features:
//   - Automatic output stream routing based on log level
//   - Structured logging with JSON and text format support
//   - Container-friendly output separation for log aggregation
//   - Global logger instance for consistent usage patterns
//
// Output Routing Strategy:
//
//	Error-level messages are directed to stderr (for immediate attention and
//	error handling) while info, debug, and warning messages go to stdout
//	(for general log processing).
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter implements log output routing based on log content analysis.
// This custom writer examines log messages and directs them to appropriate
// output streams (stdout vs stderr) based on their severity level.
//
// Routing Logic:
//   - Error messages (containing "level=error") → stderr
//   - All other messages (info, debug, warn) → stdout
//
// Docker and Kubernetes environments capture stdout and stderr independently,
// enabling log processing pipelines where errors trigger notifications while
// info logs are processed for analytics and debugging.
type OutputSplitter struct{}

// Write implements the io.Writer interface for the OutputSplitter.
// It analyzes incoming log data and routes it to the appropriate output
// stream based on content analysis.
//
// Uses byte searching to identify error-level messages without complex
// parsing. The pattern matching works with logrus's standard output format
// across both the text and JSON formatters.
//
// Returns the number of bytes written and any error from the underlying
// stream. Safe for concurrent use; it only reads the input data and writes
// to thread-safe OS streams.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	// Analyze log content for error level indicators
	if bytes.Contains(p, []byte("level=error")) {
		// Route error messages to stderr for immediate attention
		return os.Stderr.Write(p)
	}
	// Route non-error messages to stdout for general processing
	return os.Stdout.Write(p)
}

// Logger provides the global logger instance for the Climatoology platform.
// This logger is pre-configured with the OutputSplitter for stream routing
// and serves as the default logging facility when a component is not handed
// a dedicated logger.
//
// Example Usage:
//
//	// Simple logging
//	Logger.Info("Service started")
//	Logger.Error("Database connection failed")
//
//	// Structured logging with fields
//	Logger.WithFields(logrus.Fields{
//	    "correlation_uuid": id,
//	    "plugin_key":       key,
//	}).Info("Computation registered")
//
// The logger is safe for concurrent use across multiple goroutines.
var Logger = logrus.New()

// init initializes the global logger with the OutputSplitter for stream routing.
func init() {
	// Configure the global logger with output routing
	Logger.SetOutput(&OutputSplitter{})
}
