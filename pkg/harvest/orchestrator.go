package harvest

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/GeoCodable/grale/pkg/cache"
	"github.com/GeoCodable/grale/pkg/esri"
	"github.com/GeoCodable/grale/pkg/logging"
	"github.com/GeoCodable/grale/pkg/requestlog"
	"github.com/GeoCodable/grale/pkg/session"
)

// Prometheus metrics for harvest operations.
var (
	harvestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grale_harvests_total",
		Help: "Total harvest runs started",
	})

	chunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grale_harvest_chunks_total",
		Help: "Total harvest chunks by outcome",
	}, []string{"outcome"}) // "success", "failed", "skipped"

	featuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grale_harvest_features_total",
		Help: "Total features returned across all harvests",
	})

	harvestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "grale_harvest_duration_seconds",
		Help:    "End-to-end harvest duration in seconds",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
	})
)

// defaultMaxWorkers preserves headroom for I/O bound chunks without
// over-provisioning many-core machines.
func defaultMaxWorkers() int {
	n := runtime.NumCPU() + 4
	if n > 32 {
		n = 32
	}
	return n
}

// Request describes one harvest run.
type Request struct {
	// URL is the feature layer endpoint
	// (.../rest/services/<svc>/FeatureServer/<layer>).
	URL string

	// Query is the base query configuration applied to every chunk.
	Query esri.QueryConfig

	// ChunkSize caps records per request. The effective page size is the
	// lesser of ChunkSize and the service's maxRecordCount; zero defers
	// to the service limit alone.
	ChunkSize int

	// MaxWorkers bounds concurrently in-flight requests. Zero selects
	// min(32, NumCPU+4), computed once per run.
	MaxWorkers int

	// LowMemory spills chunk payloads to gzip artifacts instead of
	// holding them in memory.
	LowMemory bool

	// SpillDir is the parent directory for spill artifacts (system temp
	// directory when empty). Ignored unless LowMemory is set.
	SpillDir string

	// Cleanup removes spill artifacts after merge.
	Cleanup bool

	// Log receives the run's request lineage. Nil selects the
	// process-wide default log.
	Log *requestlog.Log
}

// Report summarizes a completed harvest run.
type Report struct {
	PPID             string
	TotalRecords     int
	RequestedRecords int
	ReturnedFeatures int
	PlannedChunks    int
	Succeeded        int
	Failed           int
	Skipped          int
}

// Summary renders the user-facing completion line.
func (r Report) Summary() string {
	return fmt.Sprintf("%d of %d features returned", r.ReturnedFeatures, r.RequestedRecords)
}

// Result is a completed harvest run: every successful chunk payload is held
// by Sink, every attempt is recorded in Log under PPID.
type Result struct {
	PPID  string
	Layer *esri.LayerInfo

	// Chunks is the full plan in offset order.
	Chunks []Chunk

	// ChunkResults holds the successful deliveries, in completion order.
	ChunkResults []ChunkResult

	// Skipped lists chunks never dispatched because of cancellation.
	Skipped []Chunk

	Sink Sink
	Log  *requestlog.Log

	// Cleanup is carried from the request for Merge to honor.
	Cleanup bool

	Report Report
}

// Orchestrator runs harvests: probe, plan, dispatch under a bounded worker
// pool, and deliver chunk payloads to a sink.
type Orchestrator struct {
	session  *session.Session
	cache    *cache.Manager
	cacheTTL time.Duration
	logger   zerolog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMetadataCache serves probe metadata from m within ttl.
func WithMetadataCache(m *cache.Manager, ttl time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.cache = m
		o.cacheTTL = ttl
	}
}

// NewOrchestrator creates an Orchestrator on top of sess.
func NewOrchestrator(sess *session.Session, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		session: sess,
		logger:  logging.NewLogger("harvest"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one harvest. A failure before any chunk is planned (probe
// failure, invalid plan inputs) aborts immediately with no log entries; a
// failure after planning is isolated to its chunk and reported through the
// log and the completion report.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	harvestsTotal.Inc()

	if req.URL == "" {
		return nil, fmt.Errorf("layer url is required")
	}
	log := req.Log
	if log == nil {
		log = requestlog.Default()
	}

	// The probe is not part of the per-chunk lineage: if it fails, the
	// harvest aborts before any chunk, task, or log entry exists.
	var probeOpts []esri.Option
	if o.cache != nil {
		probeOpts = append(probeOpts, esri.WithCache(o.cache, o.cacheTTL))
	}
	probe := esri.NewService(o.session, probeOpts...)

	info, err := probe.LayerInfo(ctx, req.URL)
	if err != nil {
		return nil, fmt.Errorf("probe layer metadata: %w", err)
	}
	total, err := probe.RecordCount(ctx, req.URL, req.Query.Where)
	if err != nil {
		return nil, fmt.Errorf("probe record count: %w", err)
	}

	pageSize := info.MaxRecordCount
	if req.ChunkSize > 0 && (pageSize <= 0 || req.ChunkSize < pageSize) {
		pageSize = req.ChunkSize
	}

	ppid := uuid.NewString()
	chunks, err := Plan(total, req.Query.ResultOffset, req.Query.Limit, pageSize, ppid)
	if err != nil {
		return nil, err
	}

	requested := 0
	for _, c := range chunks {
		requested += c.Limit
	}

	var sink Sink
	if req.LowMemory {
		spill, err := NewSpillSink(req.SpillDir, info.Name)
		if err != nil {
			return nil, err
		}
		sink = spill
	} else {
		sink = NewMemorySink()
	}

	result := &Result{
		PPID:    ppid,
		Layer:   info,
		Chunks:  chunks,
		Sink:    sink,
		Log:     log,
		Cleanup: req.Cleanup,
		Report: Report{
			PPID:             ppid,
			TotalRecords:     total,
			RequestedRecords: requested,
			PlannedChunks:    len(chunks),
		},
	}

	o.logger.Info().
		Str("ppid", ppid).
		Str("layer", info.Name).
		Int("total_records", total).
		Int("requested_records", requested).
		Int("chunks", len(chunks)).
		Int("page_size", pageSize).
		Msg("harvest planned")

	if len(chunks) == 0 {
		return result, nil
	}

	workers := req.MaxWorkers
	if workers <= 0 {
		workers = defaultMaxWorkers()
	}
	if workers > len(chunks) {
		workers = len(chunks)
	}

	queryURL := strings.TrimRight(req.URL, "/") + "/query"
	jobs := make(chan Chunk)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range jobs {
				res, features, ok := o.runChunk(ctx, queryURL, req.Query, chunk, log, sink)
				mu.Lock()
				if ok {
					result.ChunkResults = append(result.ChunkResults, res)
					result.Report.Succeeded++
					result.Report.ReturnedFeatures += features
				} else {
					result.Report.Failed++
				}
				mu.Unlock()
			}
		}()
	}

dispatch:
	for i := range chunks {
		select {
		case jobs <- chunks[i]:
		case <-ctx.Done():
			result.Skipped = append(result.Skipped, chunks[i:]...)
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	result.Report.Skipped = len(result.Skipped)
	for _, c := range result.Skipped {
		chunksTotal.WithLabelValues("skipped").Inc()
		o.logger.Warn().
			Str("ppid", ppid).
			Int("offset", c.Offset).
			Int("limit", c.Limit).
			Msg("chunk skipped: harvest cancelled before dispatch")
	}

	if spill, ok := sink.(*SpillSink); ok {
		uncompressed, compressed := spill.CompressionStats()
		o.logger.Info().
			Str("ppid", ppid).
			Int64("uncompressed_bytes", uncompressed).
			Int64("compressed_bytes", compressed).
			Msg("spill compression")
	}

	harvestDuration.Observe(time.Since(start).Seconds())
	o.logger.Info().
		Str("ppid", ppid).
		Int("succeeded", result.Report.Succeeded).
		Int("failed", result.Report.Failed).
		Int("skipped", result.Report.Skipped).
		Str("summary", result.Report.Summary()).
		Msg("harvest complete")

	return result, nil
}

// runChunk executes one chunk end to end: log entry, request, outcome
// classification, finalize, sink delivery. A false return means the chunk
// failed; its siblings are unaffected.
func (o *Orchestrator) runChunk(ctx context.Context, queryURL string, q esri.QueryConfig, chunk Chunk, log *requestlog.Log, sink Sink) (ChunkResult, int, bool) {
	params := q.PageValues(chunk.Offset, chunk.Limit)

	pid, err := log.Create(chunk.ParentID, params, queryURL)
	if err != nil {
		chunksTotal.WithLabelValues("failed").Inc()
		o.logger.Error().Err(err).Int("offset", chunk.Offset).Msg("log create failed")
		return ChunkResult{}, 0, false
	}

	// Cancellation stops dispatch, never an in-flight call: once a chunk
	// is running its request completes or times out on its own terms.
	resp, execErr := o.session.Execute(context.WithoutCancel(ctx), queryURL+"?"+params.Encode())

	status, results, size := session.Classify(resp, execErr)
	var elapsed time.Duration
	if resp != nil {
		elapsed = resp.Elapsed
	}
	if err := log.Finalize(pid, status, results, elapsed, size); err != nil {
		chunksTotal.WithLabelValues("failed").Inc()
		o.logger.Error().Err(err).Str("pid", pid).Msg("log finalize failed")
		return ChunkResult{}, 0, false
	}

	if status != session.StatusSuccess {
		chunksTotal.WithLabelValues("failed").Inc()
		o.logger.Warn().
			Str("ppid", chunk.ParentID).
			Str("pid", pid).
			Int("offset", chunk.Offset).
			Int("limit", chunk.Limit).
			Str("status", status).
			Msg("chunk request failed")
		return ChunkResult{}, 0, false
	}

	var fc esri.FeatureCollection
	if err := json.Unmarshal(resp.Body, &fc); err != nil {
		chunksTotal.WithLabelValues("failed").Inc()
		o.logger.Warn().Err(err).Str("pid", pid).Int("offset", chunk.Offset).Msg("chunk payload unparseable")
		return ChunkResult{}, 0, false
	}

	res, err := sink.Put(chunk, pid, resp.Body)
	if err != nil {
		chunksTotal.WithLabelValues("failed").Inc()
		o.logger.Error().Err(err).Str("pid", pid).Int("offset", chunk.Offset).Msg("sink put failed")
		return ChunkResult{}, 0, false
	}

	chunksTotal.WithLabelValues("success").Inc()
	featuresTotal.Add(float64(len(fc.Features)))
	o.logger.Debug().
		Str("ppid", chunk.ParentID).
		Str("pid", pid).
		Int("offset", chunk.Offset).
		Int("features", len(fc.Features)).
		Msg("chunk delivered")

	return res, len(fc.Features), true
}
