// Package xlog adapts third-party logging libraries to the nova.Logger
// key/value interface.
package xlog

import (
	log15 "github.com/inconshreveable/log15"

	nova "github.com/proerror77/Nova-sub005"
)

// Log15Adapter makes a log15.Logger usable as nova.Logger. log15's native
// method set already matches; only New needs wrapping.
type Log15Adapter struct {
	log15.Logger
}

func NewLog15Adapter(logger log15.Logger) nova.Logger {
	return &Log15Adapter{Logger: logger}
}

func (l *Log15Adapter) New(fields ...interface{}) nova.Logger {
	return &Log15Adapter{Logger: l.Logger.New(fields...)}
}
