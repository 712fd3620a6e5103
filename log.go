package secmgr

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the logging surface the security manager writes to. The
// default implementation is logrus-backed; embedders may install their
// own with SetLogger.
type Logger interface {
	Info(...interface{})
	Debug(...interface{})
	Error(...interface{})
	Warn(...interface{})

	Infof(string, ...interface{})
	Debugf(string, ...interface{})
	Errorf(string, ...interface{})
	Warnf(string, ...interface{})

	ChildLogger(tags map[string]interface{}) Logger
}

var logger Logger
var loggerMu sync.Mutex

// SetLogLevelDebug raises the default logger to debug output. PDU
// payloads carrying key material are never logged at any level.
func SetLogLevelDebug() {
	l := GetLogger()

	if lg, ok := l.(*defaultLogger); ok {
		lg.Entry.Logger.SetLevel(logrus.DebugLevel)
	} else {
		l.Error("non-default logger, don't know how to set level")
	}
}

func SetLogger(l Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = l
}

func GetLogger() Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if logger == nil {
		logger = newDefaultLogger()
	}

	return logger
}

type defaultLogger struct {
	*logrus.Entry
}

func newDefaultLogger() Logger {
	l := &logrus.Logger{
		Formatter: &logrus.TextFormatter{DisableTimestamp: true},
		Level:     logrus.InfoLevel,
		Out:       os.Stderr,
		Hooks:     make(logrus.LevelHooks),
	}

	return &defaultLogger{Entry: l.WithFields(map[string]interface{}{})}
}

func (d *defaultLogger) ChildLogger(tags map[string]interface{}) Logger {
	return &defaultLogger{d.Entry.WithFields(tags)}
}
