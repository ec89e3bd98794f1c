package xlog

import (
	"errors"

	"github.com/sirupsen/logrus"

	nova "github.com/proerror77/Nova-sub005"
)

var (
	errNotEvenFields = errors.New("number of log fields is not even")
	errFieldType     = errors.New("log field key is not a string")
)

// LogrusAdapter makes a logrus.Logger usable as nova.Logger, mapping the
// key/value pairs onto logrus fields. Crit maps to Fatal.
type LogrusAdapter struct {
	*logrus.Entry
}

func NewLogrusAdapter(logger *logrus.Logger) nova.Logger {
	return &LogrusAdapter{Entry: logrus.NewEntry(logger)}
}

func toFields(fields ...interface{}) (logrus.Fields, error) {
	if len(fields)%2 != 0 {
		return nil, errNotEvenFields
	}
	fs := logrus.Fields{}
	for i := 0; i < len(fields); i += 2 {
		k, ok := fields[i].(string)
		if !ok {
			return nil, errFieldType
		}
		fs[k] = fields[i+1]
	}
	return fs, nil
}

func (l *LogrusAdapter) log(level logrus.Level, msg string, fields ...interface{}) {
	fs, err := toFields(fields...)
	if err != nil {
		l.WithFields(logrus.Fields{"origMsg": msg}).Error(err)
		return
	}
	l.WithFields(fs).Log(level, msg)
}

func (l *LogrusAdapter) Debug(msg string, fields ...interface{}) {
	l.log(logrus.DebugLevel, msg, fields...)
}

func (l *LogrusAdapter) Info(msg string, fields ...interface{}) {
	l.log(logrus.InfoLevel, msg, fields...)
}

func (l *LogrusAdapter) Warn(msg string, fields ...interface{}) {
	l.log(logrus.WarnLevel, msg, fields...)
}

func (l *LogrusAdapter) Error(msg string, fields ...interface{}) {
	l.log(logrus.ErrorLevel, msg, fields...)
}

func (l *LogrusAdapter) Crit(msg string, fields ...interface{}) {
	fs, err := toFields(fields...)
	if err != nil {
		l.WithFields(logrus.Fields{"origMsg": msg}).Error(err)
		return
	}
	l.WithFields(fs).Fatal(msg)
}

func (l *LogrusAdapter) New(fields ...interface{}) nova.Logger {
	fs, err := toFields(fields...)
	if err != nil {
		l.WithFields(logrus.Fields{"err": err}).
			Error("Logger.New() with invalid fields")
		return &LogrusAdapter{Entry: logrus.NewEntry(l.Entry.Logger)}
	}
	return &LogrusAdapter{
		Entry: logrus.NewEntry(l.Entry.Logger).WithFields(fs),
	}
}
