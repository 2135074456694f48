package coretxns

import "github.com/couchbase/gocbcore/v9"

// noopLogger discards all log output. It stands in for a no-op default
// since gocbcore does not export one.
type noopLogger struct{}

func (noopLogger) Log(level gocbcore.LogLevel, offset int, format string, v ...interface{}) error {
	return nil
}

// globalLogger is the sink for this package's diagnostic output. The
// engine has no logging backend of its own to configure; it rides
// whatever gocbcore.Logger the application already wired up for its KV
// client, via SetLogger.
var globalLogger gocbcore.Logger = noopLogger{}

// SetLogger installs the logger used for this package's diagnostic
// output. Passing nil restores the no-op default.
func SetLogger(logger gocbcore.Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	globalLogger = logger
}

func logAt(level gocbcore.LogLevel, format string, v ...interface{}) {
	_ = globalLogger.Log(level, 0, "[txns] "+format, v...)
}

func logSchedf(format string, v ...interface{}) {
	logAt(gocbcore.LogSched, format, v...)
}

func logDebugf(format string, v ...interface{}) {
	logAt(gocbcore.LogDebug, format, v...)
}

func logInfof(format string, v ...interface{}) {
	logAt(gocbcore.LogInfo, format, v...)
}

func logWarnf(format string, v ...interface{}) {
	logAt(gocbcore.LogWarn, format, v...)
}
