package errors

import (
	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger with structured error logging
type Logger struct {
	*logrus.Logger
}

// FromLogrus wraps an existing logger.
func FromLogrus(l *logrus.Logger) *Logger {
	return &Logger{Logger: l}
}

// Entry builds a log entry carrying the code, retryability and context of
// every AppError in err's chain. Outer context wins on key collisions.
func Entry(l logrus.FieldLogger, err error) *logrus.Entry {
	entry := l.WithError(err)
	appErr, ok := As(err)
	if !ok {
		return entry
	}

	entry = entry.WithFields(logrus.Fields{
		"error_code": appErr.Code,
		"retryable":  appErr.Retryable,
	})

	fields := logrus.Fields{}
	for cur := appErr; cur != nil; {
		for k, v := range cur.Context {
			if _, seen := fields[k]; !seen {
				fields[k] = v
			}
		}
		next, ok := As(cur.Cause)
		if !ok {
			break
		}
		cur = next
	}
	return entry.WithFields(fields)
}

// LogError logs an error with structured context
func (l *Logger) LogError(err error, message string, fields ...logrus.Fields) {
	entry := Entry(l.Logger, err)
	for _, field := range fields {
		entry = entry.WithFields(field)
	}
	entry.Error(message)
}

// LogWarn logs a warning with structured context
func (l *Logger) LogWarn(err error, message string, fields ...logrus.Fields) {
	entry := Entry(l.Logger, err)
	for _, field := range fields {
		entry = entry.WithFields(field)
	}
	entry.Warn(message)
}

// LogRetryableError logs a retryable error at warn level, non-retryable at error level
func (l *Logger) LogRetryableError(err error, message string, fields ...logrus.Fields) {
	if IsRetryable(err) {
		l.LogWarn(err, message, fields...)
	} else {
		l.LogError(err, message, fields...)
	}
}
