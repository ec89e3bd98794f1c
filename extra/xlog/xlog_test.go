package xlog

import (
	"testing"

	log15 "github.com/inconshreveable/log15"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog15Adapter_NewKeepsType(t *testing.T) {
	base := log15.New()
	base.SetHandler(log15.DiscardHandler())

	l := NewLog15Adapter(base)
	child := l.New("component", "pool")
	assert.IsType(t, &Log15Adapter{}, child)
	// Must not panic on any level.
	child.Debug("d", "k", 1)
	child.Info("i")
	child.Warn("w", "err", assert.AnError)
	child.Error("e")
}

func TestLogrusAdapter_Fields(t *testing.T) {
	logger, hook := logrustest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	l := NewLogrusAdapter(logger)
	l.Info("hello", "streamID", "s1", "viewers", 3)

	require.Len(t, hook.Entries, 1)
	e := hook.LastEntry()
	assert.Equal(t, logrus.InfoLevel, e.Level)
	assert.Equal(t, "hello", e.Message)
	assert.Equal(t, "s1", e.Data["streamID"])
	assert.Equal(t, 3, e.Data["viewers"])
}

func TestLogrusAdapter_ChildCarriesFields(t *testing.T) {
	logger, hook := logrustest.NewNullLogger()

	child := NewLogrusAdapter(logger).New("component", "breaker")
	child.Warn("tripped")

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "breaker", hook.LastEntry().Data["component"])
}

func TestLogrusAdapter_UnevenFields(t *testing.T) {
	logger, hook := logrustest.NewNullLogger()

	l := NewLogrusAdapter(logger)
	l.Info("oops", "only-a-key")

	require.Len(t, hook.Entries, 1)
	e := hook.LastEntry()
	assert.Equal(t, logrus.ErrorLevel, e.Level)
	assert.Equal(t, "oops", e.Data["origMsg"])
}
