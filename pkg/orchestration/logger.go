package orchestration

import (
	"fmt"
	"sort"
	"strings"

	grovelogging "github.com/mattsolo1/grove-core/logging"
	"github.com/sirupsen/logrus"
)

// Logger defines the logging interface.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// defaultLogger writes structured records through logrus and echoes info,
// warning and error records to the pretty logger.
type defaultLogger struct {
	prettyLog     *grovelogging.PrettyLogger
	structuredLog *logrus.Entry
}

// NewDefaultLogger returns the grove-core backed logger.
func NewDefaultLogger() Logger {
	return &defaultLogger{
		prettyLog:     grovelogging.NewPrettyLogger(),
		structuredLog: grovelogging.NewLogger("grove-narrative"),
	}
}

func toFields(keysAndValues []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}

func prettyMessage(msg string, fields logrus.Fields) string {
	if len(fields) == 0 {
		return msg
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, fields[k])
	}
	return fmt.Sprintf("%s [%s]", msg, strings.Join(parts, " "))
}

func (l *defaultLogger) Info(msg string, keysAndValues ...interface{}) {
	fields := toFields(keysAndValues)
	l.structuredLog.WithFields(fields).Info(msg)
	l.prettyLog.InfoPretty(prettyMessage(msg, fields))
}

func (l *defaultLogger) Warn(msg string, keysAndValues ...interface{}) {
	fields := toFields(keysAndValues)
	l.structuredLog.WithFields(fields).Warn(msg)
	l.prettyLog.WarnPretty(prettyMessage(msg, fields))
}

func (l *defaultLogger) Error(msg string, keysAndValues ...interface{}) {
	fields := toFields(keysAndValues)
	l.structuredLog.WithFields(fields).Error(msg)
	l.prettyLog.ErrorPretty(prettyMessage(msg, fields), nil)
}

func (l *defaultLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.structuredLog.WithFields(toFields(keysAndValues)).Debug(msg)
}

// runLogger prefixes every record with the run id.
type runLogger struct {
	next  Logger
	runID string
}

func (l runLogger) with(kv []interface{}) []interface{} {
	return append([]interface{}{"run_id", l.runID}, kv...)
}

func (l runLogger) Info(msg string, kv ...interface{})  { l.next.Info(msg, l.with(kv)...) }
func (l runLogger) Warn(msg string, kv ...interface{})  { l.next.Warn(msg, l.with(kv)...) }
func (l runLogger) Error(msg string, kv ...interface{}) { l.next.Error(msg, l.with(kv)...) }
func (l runLogger) Debug(msg string, kv ...interface{}) { l.next.Debug(msg, l.with(kv)...) }
