package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingLogger struct {
	debugCalls int
	warnCalls  int
}

func (r *recordingLogger) Debug(string, ...interface{}) { r.debugCalls++ }
func (r *recordingLogger) Info(string, ...interface{})  {}
func (r *recordingLogger) Warn(string, ...interface{})  { r.warnCalls++ }
func (r *recordingLogger) Error(string, ...interface{}) {}

func TestLatencyLoggerRecordsFastOperationAtDebug(t *testing.T) {
	rec := &recordingLogger{}
	l := NewLatencyLoggerFrom(rec)

	l.Record("op", 10*time.Millisecond)

	assert.Equal(t, 1, rec.debugCalls)
	assert.Equal(t, 0, rec.warnCalls)
}

func TestLatencyLoggerRecordsSlowOperationAtWarn(t *testing.T) {
	rec := &recordingLogger{}
	l := NewLatencyLoggerFrom(rec)

	l.Record("op", 3*time.Second)

	assert.Equal(t, 1, rec.warnCalls)
	assert.Equal(t, 0, rec.debugCalls)
}

func TestLatencyLoggerTrackRunsFnAndRecordsDuration(t *testing.T) {
	rec := &recordingLogger{}
	l := NewLatencyLoggerFrom(rec)
	ran := false

	l.Track("op", func() { ran = true })

	assert.True(t, ran)
	assert.Equal(t, 1, rec.debugCalls)
}

func TestNilLatencyLoggerRecordIsNoop(t *testing.T) {
	var l *LatencyLogger
	assert.NotPanics(t, func() { l.Record("op", time.Second) })
}
