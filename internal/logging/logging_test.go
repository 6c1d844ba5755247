package logging

import (
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	logger := New("debug", "json")
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	logger = New("nonsense", "text")
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}

func TestWatermillAdapter(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.TraceLevel)

	var adapter watermill.LoggerAdapter = NewWatermillAdapter(logger)
	adapter = adapter.With(watermill.LogFields{"topic": "redemptions.Conf2024"})

	adapter.Info("published", watermill.LogFields{"uuid": "t-1:1"})
	adapter.Error("publish failed", errors.New("boom"), nil)

	require.Len(t, hook.AllEntries(), 2)

	first := hook.AllEntries()[0]
	assert.Equal(t, logrus.InfoLevel, first.Level)
	assert.Equal(t, "redemptions.Conf2024", first.Data["topic"])
	assert.Equal(t, "t-1:1", first.Data["uuid"])
	assert.Equal(t, "watermill", first.Data["component"])

	last := hook.LastEntry()
	assert.Equal(t, logrus.ErrorLevel, last.Level)
	assert.EqualError(t, last.Data[logrus.ErrorKey].(error), "boom")
}
