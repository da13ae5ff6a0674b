package felk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeLogger struct {
	records []Record
	errs    []error
}

func (f *fakeLogger) Write(_ context.Context, rec Record) (WriteResult, error) {
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return WriteResult{}, err
		}
	}
	f.records = append(f.records, rec)
	return WriteResult{StatusCode: 201, Result: "created"}, nil
}

func testConfig() Config {
	return Config{
		AppName:             "FooApp",
		Environment:         "production",
		EnabledEnvironments: []string{"production", "staging"},
	}
}

func newTestRecorder(t *testing.T, cfg Config, logger Logger) *Recorder {
	t.Helper()
	rec, err := NewRecorder(cfg, logger)
	require.NoError(t, err)
	return rec
}

func TestTerminateWritesExactlyOneRequestLog(t *testing.T) {
	backend := &fakeLogger{}
	rec := newTestRecorder(t, testConfig(), backend)

	logged, err := rec.Terminate(context.Background(), sampleTransaction())
	require.NoError(t, err)
	assert.True(t, logged)
	require.Len(t, backend.records, 1)

	evt, ok := backend.records[0].(*Event)
	require.True(t, ok)
	assert.Equal(t, "production", evt.Environment)
	assert.Equal(t, "GET", evt.Method)
	assert.GreaterOrEqual(t, evt.ResponseTimeMS, int64(0))
}

func TestTerminateSkipsDisabledEnvironment(t *testing.T) {
	backend := &fakeLogger{}
	cfg := testConfig()
	cfg.Environment = "local"
	rec := newTestRecorder(t, cfg, backend)

	logged, err := rec.Terminate(context.Background(), sampleTransaction())
	require.NoError(t, err)
	assert.False(t, logged)
	assert.Empty(t, backend.records)
}

func TestTerminateSkipsHealthChecker(t *testing.T) {
	backend := &fakeLogger{}
	rec := newTestRecorder(t, testConfig(), backend)

	tx := sampleTransaction()
	tx.RequestHeaders["User-Agent"] = []string{"ELB-HealthChecker/1.0"}

	logged, err := rec.Terminate(context.Background(), tx)
	require.NoError(t, err)
	assert.False(t, logged)
	assert.Empty(t, backend.records)

	// The probe signature match is case-sensitive.
	tx.RequestHeaders["User-Agent"] = []string{"elb-healthchecker/1.0"}
	logged, err = rec.Terminate(context.Background(), tx)
	require.NoError(t, err)
	assert.True(t, logged)
	assert.Len(t, backend.records, 1)
}

func TestTerminateContainsBackendFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg := testConfig()
	cfg.Diagnostics = zap.New(core)

	backend := &fakeLogger{errs: []error{errors.New("backend down")}}
	rec := newTestRecorder(t, cfg, backend)

	logged, err := rec.Terminate(context.Background(), sampleTransaction())
	require.NoError(t, err)
	assert.False(t, logged)
	assert.Empty(t, backend.records)

	// The suppressed error still reaches the diagnostics channel.
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "request log failed", logs.All()[0].Message)
}

func TestTerminateSurfacesErrorsWhenForceSafeOff(t *testing.T) {
	forceSafe := false
	cfg := testConfig()
	cfg.ForceSafe = &forceSafe

	backend := &fakeLogger{errs: []error{errors.New("backend down")}}
	rec := newTestRecorder(t, cfg, backend)

	logged, err := rec.Terminate(context.Background(), sampleTransaction())
	require.Error(t, err)
	assert.False(t, logged)
}

func TestTerminateWritesQueryLogIndependently(t *testing.T) {
	backend := &fakeLogger{}
	cfg := testConfig()
	cfg.DBProfiler.EnabledEnvironments = []string{"production"}
	rec := newTestRecorder(t, cfg, backend)

	prof := rec.NewProfiler()
	require.NotNil(t, prof)
	prof.Record("SELECT 1", 3*time.Millisecond)

	ctx := WithProfiler(context.Background(), prof)
	logged, err := rec.Terminate(ctx, sampleTransaction())
	require.NoError(t, err)
	assert.True(t, logged)

	require.Len(t, backend.records, 2)
	_, ok := backend.records[0].(*Event)
	assert.True(t, ok)
	profEvt, ok := backend.records[1].(*ProfileEvent)
	require.True(t, ok)
	assert.Equal(t, 1, profEvt.QueryCount)
	assert.Equal(t, "production", profEvt.Environment)
}

func TestQueryLogAttemptedWhenRequestLogFails(t *testing.T) {
	backend := &fakeLogger{errs: []error{errors.New("first write fails")}}
	cfg := testConfig()
	cfg.DBProfiler.EnabledEnvironments = []string{"production"}
	rec := newTestRecorder(t, cfg, backend)

	ctx := WithProfiler(context.Background(), rec.NewProfiler())
	logged, err := rec.Terminate(ctx, sampleTransaction())
	require.NoError(t, err)
	assert.False(t, logged)

	require.Len(t, backend.records, 1)
	_, ok := backend.records[0].(*ProfileEvent)
	assert.True(t, ok)
}

func TestNewProfilerScopedToEnvironment(t *testing.T) {
	cfg := testConfig()
	cfg.DBProfiler.EnabledEnvironments = []string{"staging"}
	rec := newTestRecorder(t, cfg, &fakeLogger{})

	assert.Nil(t, rec.NewProfiler())

	cfg.Environment = "staging"
	rec = newTestRecorder(t, cfg, &fakeLogger{})
	assert.NotNil(t, rec.NewProfiler())
}

func TestResponseTimeZeroWithoutStartMarker(t *testing.T) {
	backend := &fakeLogger{}
	rec := newTestRecorder(t, testConfig(), backend)
	rec.start = time.Time{}

	logged, err := rec.Terminate(context.Background(), sampleTransaction())
	require.NoError(t, err)
	require.True(t, logged)

	evt := backend.records[0].(*Event)
	assert.Equal(t, int64(0), evt.ResponseTimeMS)
}

func TestRequestIDTakenVerbatimFromResponseHeader(t *testing.T) {
	backend := &fakeLogger{}
	rec := newTestRecorder(t, testConfig(), backend)

	tx := sampleTransaction()
	tx.ResponseHeaders["X-Request-Id"] = []string{"req-42"}

	_, err := rec.Terminate(context.Background(), tx)
	require.NoError(t, err)

	evt := backend.records[0].(*Event)
	require.NotNil(t, evt.RequestID)
	assert.Equal(t, "req-42", *evt.RequestID)

	// Present-but-empty stays distinguishable from absent.
	backend.records = nil
	tx.ResponseHeaders["X-Request-Id"] = []string{""}
	_, err = rec.Terminate(context.Background(), tx)
	require.NoError(t, err)
	evt = backend.records[0].(*Event)
	require.NotNil(t, evt.RequestID)
	assert.Equal(t, "", *evt.RequestID)
}

func TestNewRecorderValidation(t *testing.T) {
	_, err := NewRecorder(testConfig(), nil)
	require.EqualError(t, err, "logger required")

	_, err = NewRecorder(Config{Environment: "production"}, &fakeLogger{})
	require.EqualError(t, err, "appName is required")
}
