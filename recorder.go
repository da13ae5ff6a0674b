package felk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"go.uber.org/zap"
)

const (
	healthCheckUserAgent = "ELB-HealthChecker/1.0"
	requestIDHeader      = "X-Request-Id"
)

// Recorder turns finished transactions into backend writes. It owns the
// terminate-phase policy: environment allow-lists, health-check filtering,
// and failure containment.
type Recorder struct {
	cfg       Config
	logger    Logger
	diag      *zap.Logger
	forceSafe bool

	// start is the process-start marker for response time estimates.
	// Zero means no marker is available.
	start time.Time
}

// NewRecorder wires a recorder to an injected Logger. The process-start
// marker is captured here.
func NewRecorder(cfg Config, logger Logger) (*Recorder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, errors.New("logger required")
	}

	diag := cfg.Diagnostics
	if diag == nil {
		diag = zap.NewNop()
	}

	return &Recorder{
		cfg:       cfg,
		logger:    logger,
		diag:      diag,
		forceSafe: cfg.forceSafe(),
		start:     time.Now(),
	}, nil
}

// NewProfiler returns a fresh query profiler when profiling is enabled for
// the current environment, else nil. Adapters bind the profiler into
// request-scoped state before passing control downstream; the pre phase
// must not alter or short-circuit the request.
func (r *Recorder) NewProfiler() *QueryProfiler {
	if !slices.Contains(r.cfg.DBProfiler.EnabledEnvironments, r.cfg.Environment) {
		return nil
	}
	return NewQueryProfiler()
}

// Terminate runs after the response is finalized. It attempts the request
// log write and, when a profiler was installed, an independent query log
// write; failure of one never blocks the other. With force-safe on (the
// default) every failure is recorded on the diagnostics logger and
// converted to a not-logged outcome; the returned error is always nil.
func (r *Recorder) Terminate(ctx context.Context, tx Transaction) (bool, error) {
	logged, reqErr := r.logRequest(ctx, tx)
	if reqErr != nil {
		r.diag.Warn("request log failed", zap.Error(reqErr))
	}

	dbErr := r.logQueries(ctx)
	if dbErr != nil {
		r.diag.Warn("query log failed", zap.Error(dbErr))
	}

	if r.forceSafe {
		return logged, nil
	}
	return logged, errors.Join(reqErr, dbErr)
}

func (r *Recorder) logRequest(ctx context.Context, tx Transaction) (logged bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logged = false
			err = fmt.Errorf("request log panic: %v", rec)
		}
	}()

	if !slices.Contains(r.cfg.EnabledEnvironments, r.cfg.Environment) {
		return false, nil
	}
	if tx.userAgent() == healthCheckUserAgent {
		return false, nil
	}

	var requestID *string
	if value, ok := tx.responseHeader(requestIDHeader); ok {
		requestID = &value
	}

	now := time.Now()
	evt, err := NewEvent(tx, r.cfg.Environment, r.responseTimeMS(now), now.Unix(), requestID)
	if err != nil {
		return false, err
	}

	res, err := r.logger.Write(ctx, evt)
	if err != nil {
		return false, err
	}

	r.diag.Debug("request logged",
		zap.String("event_id", evt.UniqueID()),
		zap.Int("backend_status", res.StatusCode),
	)
	return true, nil
}

func (r *Recorder) logQueries(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("query log panic: %v", rec)
		}
	}()

	prof, ok := ProfilerFrom(ctx)
	if !ok {
		return nil
	}

	evt := prof.Flush(r.cfg.Environment, time.Now().Unix())
	if _, err := r.logger.Write(ctx, evt); err != nil {
		return err
	}
	return nil
}

// responseTimeMS estimates wall-clock duration from the process-start
// marker, not per request: in long-lived processes the value is inflated
// by earlier request handling, plus whatever elapses between response
// transmission and the terminate call. No marker means 0.
func (r *Recorder) responseTimeMS(now time.Time) int64 {
	if r.start.IsZero() {
		return 0
	}
	ms := int64(math.Round(now.Sub(r.start).Seconds() * 1000))
	if ms < 0 {
		return 0
	}
	return ms
}
