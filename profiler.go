package felk

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueryProfiler accumulates database query timing over one request's
// lifetime. Safe for concurrent use within the request.
type QueryProfiler struct {
	mu      sync.Mutex
	queries []QueryRecord
	total   time.Duration
}

// QueryRecord is one observed query.
type QueryRecord struct {
	SQL    string `json:"sql"`
	TimeMS int64  `json:"time_ms"`
}

func NewQueryProfiler() *QueryProfiler {
	return &QueryProfiler{}
}

// Record adds one query observation.
func (p *QueryProfiler) Record(sql string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries = append(p.queries, QueryRecord{SQL: sql, TimeMS: d.Milliseconds()})
	p.total += d
}

// Observe starts timing a query and returns the stop function:
//
//	defer prof.Observe("SELECT ...")()
func (p *QueryProfiler) Observe(sql string) func() {
	start := time.Now()
	return func() {
		p.Record(sql, time.Since(start))
	}
}

// Count returns the number of recorded queries.
func (p *QueryProfiler) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queries)
}

// Flush snapshots the accumulated timings into a loggable event. The query
// list is flattened into a JSON-encoded string field, like the event
// model's header fields.
func (p *QueryProfiler) Flush(environment string, timestamp int64) *ProfileEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	queries := p.queries
	if queries == nil {
		queries = []QueryRecord{}
	}
	raw, _ := json.Marshal(queries)

	return &ProfileEvent{
		Timestamp:   timestamp,
		Environment: environment,
		QueryCount:  len(queries),
		TotalTimeMS: p.total.Milliseconds(),
		Queries:     string(raw),
		id:          uuid.NewString(),
	}
}

// ProfileEvent is the accumulated query timing record for one request.
type ProfileEvent struct {
	Timestamp   int64
	Environment string
	QueryCount  int
	TotalTimeMS int64
	Queries     string

	id string
}

func (e *ProfileEvent) UniqueID() string {
	return e.id
}

func (e *ProfileEvent) Document() map[string]any {
	return map[string]any{
		"timestamp":     e.Timestamp,
		"environment":   e.Environment,
		"query_count":   e.QueryCount,
		"total_time_ms": e.TotalTimeMS,
		"queries":       e.Queries,
	}
}

type profilerKey struct{}

// WithProfiler binds a profiler to the request context. The context owns
// the profiler reference for that request's duration only; there is no
// process-wide registry.
func WithProfiler(ctx context.Context, p *QueryProfiler) context.Context {
	return context.WithValue(ctx, profilerKey{}, p)
}

// ProfilerFrom retrieves the profiler bound by WithProfiler, if any.
func ProfilerFrom(ctx context.Context) (*QueryProfiler, bool) {
	p, ok := ctx.Value(profilerKey{}).(*QueryProfiler)
	return p, ok
}
