package logger

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// ObservabilityLogger provides structured, component/category-tagged
// logging backed by logrus, JSON-formatted for downstream log
// aggregation. It implements the LogEmitter contract config.Manager and
// circuitbreaker.HealthManager log through.
type ObservabilityLogger struct {
	logger *logrus.Logger
	file   *os.File
}

// Component constants identify which part of the pipeline emitted a log entry.
const (
	ComponentProxy          = "proxy_core"
	ComponentAuth           = "authenticator"
	ComponentInjector       = "prompt_injector"
	ComponentRouter         = "router"
	ComponentCircuitBreaker = "circuit_breaker"
	ComponentParser         = "response_parser"
	ComponentConfig         = "configuration"
)

// Category constants classify the nature of a log entry within its component.
const (
	CategoryRequest        = "request"
	CategoryTransformation  = "transformation"
	CategorySuccess        = "success"
	CategoryWarning        = "warning"
	CategoryError          = "error"
	CategoryHealth         = "health"
	CategoryFailover       = "failover"
	CategoryValidation     = "validation"
	CategoryDebug          = "debug"
)

// LogEmitter is the structured logging contract the core depends on.
// Its concrete implementation (a file sink, stdout, or a remote
// aggregator) is an external collaborator outside the core's scope.
type LogEmitter interface {
	Debug(component, category, requestID, message string, fields map[string]interface{})
	Info(component, category, requestID, message string, fields map[string]interface{})
	Warn(component, category, requestID, message string, fields map[string]interface{})
	Error(component, category, requestID, message string, fields map[string]interface{})
}

// NewObservabilityLogger creates a logrus-backed LogEmitter writing
// newline-delimited JSON to <logDir>/toolcall-proxy.jsonl.
func NewObservabilityLogger(logDir string) (*ObservabilityLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}

	logPath := filepath.Join(logDir, "toolcall-proxy.jsonl")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	base := logrus.New()
	base.SetOutput(file)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	base.SetLevel(logrus.InfoLevel)
	base = base.WithField("service", "toolcall-proxy").Logger

	return &ObservabilityLogger{logger: base, file: file}, nil
}

// Close flushes and closes the underlying log file.
func (o *ObservabilityLogger) Close() error {
	if o.file != nil {
		return o.file.Close()
	}
	return nil
}

func (o *ObservabilityLogger) entry(component, category, requestID string, fields map[string]interface{}) *logrus.Entry {
	e := o.logger.WithFields(logrus.Fields{
		"component": component,
		"category":  category,
	})
	if requestID != "" {
		e = e.WithField("request_id", requestID)
	}
	if fields != nil {
		e = e.WithFields(fields)
	}
	return e
}

// Debug logs a debug-level structured entry.
func (o *ObservabilityLogger) Debug(component, category, requestID, message string, fields map[string]interface{}) {
	o.entry(component, category, requestID, fields).Debug(message)
}

// Info logs an info-level structured entry.
func (o *ObservabilityLogger) Info(component, category, requestID, message string, fields map[string]interface{}) {
	o.entry(component, category, requestID, fields).Info(message)
}

// Warn logs a warn-level structured entry.
func (o *ObservabilityLogger) Warn(component, category, requestID, message string, fields map[string]interface{}) {
	o.entry(component, category, requestID, fields).Warn(message)
}

// Error logs an error-level structured entry.
func (o *ObservabilityLogger) Error(component, category, requestID, message string, fields map[string]interface{}) {
	o.entry(component, category, requestID, fields).Error(message)
}
