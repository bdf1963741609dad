package harvest

import (
	"context"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/GeoCodable/grale/internal/testutil"
	"github.com/GeoCodable/grale/pkg/requestlog"
	"github.com/GeoCodable/grale/pkg/session"
)

func testSession(t *testing.T) *session.Session {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.MaxRetries = 1
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.Timeout = 5 * time.Second
	s, err := session.New(cfg)
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	return s
}

func TestRun_EndToEnd(t *testing.T) {
	mock := testutil.NewMockArcGIS("Parks", 3050, 1000)
	defer mock.Close()

	o := NewOrchestrator(testSession(t))
	log := requestlog.New()

	result, err := o.Run(context.Background(), Request{URL: mock.LayerURL(), Log: log})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Report.PlannedChunks != 4 {
		t.Errorf("planned chunks = %d, want 4", result.Report.PlannedChunks)
	}
	if result.Report.Succeeded != 4 || result.Report.Failed != 0 {
		t.Errorf("succeeded/failed = %d/%d, want 4/0", result.Report.Succeeded, result.Report.Failed)
	}
	if result.Report.ReturnedFeatures != 3050 {
		t.Errorf("returned features = %d, want 3050", result.Report.ReturnedFeatures)
	}
	if log.Len() != 4 {
		t.Errorf("log entries = %d, want 4 (probe is unlogged)", log.Len())
	}
	for _, entry := range log.Snapshot() {
		if entry.PPID != result.PPID {
			t.Errorf("entry ppid = %q, want %q", entry.PPID, result.PPID)
		}
		if entry.Status != session.StatusSuccess {
			t.Errorf("entry status = %q, want Success", entry.Status)
		}
	}

	merged, err := Merge(result)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if len(merged.Features) != 3050 {
		t.Errorf("merged features = %d, want 3050", len(merged.Features))
	}
	if len(merged.RequestLogging) != 4 {
		t.Errorf("request_logging = %d, want 4", len(merged.RequestLogging))
	}
	if len(merged.RequestMetadata) != 1 {
		t.Errorf("request_metadata = %d, want 1", len(merged.RequestMetadata))
	}
}

func TestRun_PartialFailure(t *testing.T) {
	mock := testutil.NewMockArcGIS("Parks", 3050, 1000)
	defer mock.Close()
	mock.FailOffsetWithServiceError(3000, 400)

	o := NewOrchestrator(testSession(t))
	log := requestlog.New()

	result, err := o.Run(context.Background(), Request{URL: mock.LayerURL(), Log: log})
	if err != nil {
		t.Fatalf("Run() error = %v, partial failure must not abort the run", err)
	}

	if result.Report.Succeeded != 3 || result.Report.Failed != 1 {
		t.Errorf("succeeded/failed = %d/%d, want 3/1", result.Report.Succeeded, result.Report.Failed)
	}
	if got := result.Report.Summary(); got != "3000 of 3050 features returned" {
		t.Errorf("summary = %q, want %q", got, "3000 of 3050 features returned")
	}

	var successes, failures int
	for _, entry := range log.Snapshot() {
		switch entry.Status {
		case session.StatusSuccess:
			successes++
		case "Error:(400)":
			failures++
		default:
			t.Errorf("unexpected status %q", entry.Status)
		}
	}
	if successes != 3 || failures != 1 {
		t.Errorf("log statuses = %d success / %d error, want 3/1", successes, failures)
	}

	merged, err := Merge(result)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if len(merged.Features) != 3000 {
		t.Errorf("merged features = %d, want 3000", len(merged.Features))
	}
	if len(merged.RequestLogging) != 4 {
		t.Errorf("request_logging = %d, want 4", len(merged.RequestLogging))
	}
}

func TestRun_ProbeFailureAbortsWithEmptyLog(t *testing.T) {
	mock := testutil.NewMockArcGIS("Parks", 3050, 1000)
	defer mock.Close()
	mock.SetResponse("/rest/services/Parks/FeatureServer/0", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"error":{"code":499,"message":"Token Required"}}`,
	})

	o := NewOrchestrator(testSession(t))
	log := requestlog.New()

	_, err := o.Run(context.Background(), Request{URL: mock.LayerURL(), Log: log})
	if err == nil {
		t.Fatal("Run() should fail when the probe fails")
	}
	if log.Len() != 0 {
		t.Errorf("log entries = %d, want 0 (probe failure precedes any chunk)", log.Len())
	}
}

func TestRun_ProbeTimeoutAbortsWithEmptyLog(t *testing.T) {
	mock := testutil.NewMockArcGIS("Parks", 3050, 1000)
	defer mock.Close()
	mock.SetResponse("/rest/services/Parks/FeatureServer/0", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"id":0}`,
		Delay:      500 * time.Millisecond,
	})

	cfg := session.DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.MaxRetries = 0
	sess, err := session.New(cfg)
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}

	o := NewOrchestrator(sess)
	log := requestlog.New()

	_, err = o.Run(context.Background(), Request{URL: mock.LayerURL(), Log: log})
	if err == nil {
		t.Fatal("Run() should fail when the probe times out")
	}
	if log.Len() != 0 {
		t.Errorf("log entries = %d, want 0", log.Len())
	}
}

func TestRun_ZeroRecords(t *testing.T) {
	mock := testutil.NewMockArcGIS("Empty", 0, 1000)
	defer mock.Close()

	o := NewOrchestrator(testSession(t))
	log := requestlog.New()

	result, err := o.Run(context.Background(), Request{URL: mock.LayerURL(), Log: log})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Report.PlannedChunks != 0 {
		t.Errorf("planned chunks = %d, want 0", result.Report.PlannedChunks)
	}
	if log.Len() != 0 {
		t.Errorf("log entries = %d, want 0", log.Len())
	}

	merged, err := Merge(result)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if len(merged.Features) != 0 {
		t.Errorf("merged features = %d, want 0", len(merged.Features))
	}
}

func TestRun_ChunkSizeCappedByService(t *testing.T) {
	mock := testutil.NewMockArcGIS("Parks", 100, 25)
	defer mock.Close()

	o := NewOrchestrator(testSession(t))

	// A requested chunk size above maxRecordCount is capped at 25.
	result, err := o.Run(context.Background(), Request{
		URL:       mock.LayerURL(),
		ChunkSize: 1000,
		Log:       requestlog.New(),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Report.PlannedChunks != 4 {
		t.Errorf("planned chunks = %d, want 4", result.Report.PlannedChunks)
	}
}

func TestRun_LowMemorySpill(t *testing.T) {
	mock := testutil.NewMockArcGIS("Parks", 250, 100)
	defer mock.Close()

	o := NewOrchestrator(testSession(t))
	spillDir := t.TempDir()

	result, err := o.Run(context.Background(), Request{
		URL:       mock.LayerURL(),
		LowMemory: true,
		SpillDir:  spillDir,
		Log:       requestlog.New(),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	spill, ok := result.Sink.(*SpillSink)
	if !ok {
		t.Fatalf("sink type = %T, want *SpillSink", result.Sink)
	}
	entries, err := os.ReadDir(spill.Dir())
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("artifacts = %d, want 3", len(entries))
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".geojson.gz") {
			t.Errorf("artifact %q is not gzip geojson", e.Name())
		}
	}

	merged, err := Merge(result)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if len(merged.Features) != 250 {
		t.Errorf("merged features = %d, want 250", len(merged.Features))
	}
}

func TestRun_LowMemoryCleanup(t *testing.T) {
	mock := testutil.NewMockArcGIS("Parks", 250, 100)
	defer mock.Close()

	o := NewOrchestrator(testSession(t))

	result, err := o.Run(context.Background(), Request{
		URL:       mock.LayerURL(),
		LowMemory: true,
		SpillDir:  t.TempDir(),
		Cleanup:   true,
		Log:       requestlog.New(),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if _, err := Merge(result); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	spill := result.Sink.(*SpillSink)
	if _, err := os.Stat(spill.Dir()); !os.IsNotExist(err) {
		t.Error("spill directory survived cleanup merge")
	}
}

func TestRun_CancellationSkipsUnstartedChunks(t *testing.T) {
	mock := testutil.NewMockArcGIS("Parks", 50, 10)
	defer mock.Close()
	mock.QueryDelay = 150 * time.Millisecond

	o := NewOrchestrator(testSession(t))
	log := requestlog.New()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	result, err := o.Run(ctx, Request{URL: mock.LayerURL(), MaxWorkers: 1, Log: log})
	if err != nil {
		t.Fatalf("Run() error = %v, cancellation must return accumulated results", err)
	}

	report := result.Report
	if report.Succeeded+report.Failed+report.Skipped != 5 {
		t.Errorf("succeeded(%d)+failed(%d)+skipped(%d) != 5",
			report.Succeeded, report.Failed, report.Skipped)
	}
	if report.Skipped == 0 {
		t.Error("expected at least one skipped chunk")
	}
	if report.Succeeded == 0 {
		t.Error("expected at least one dispatched chunk to finish")
	}
	// Dispatched chunks are logged; skipped chunks never are.
	if log.Len() != report.Succeeded+report.Failed {
		t.Errorf("log entries = %d, want %d", log.Len(), report.Succeeded+report.Failed)
	}

	merged, err := Merge(result)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if len(merged.Features) != report.Succeeded*10 {
		t.Errorf("merged features = %d, want %d", len(merged.Features), report.Succeeded*10)
	}
}

func TestRun_DefaultLogWhenNil(t *testing.T) {
	mock := testutil.NewMockArcGIS("Parks", 10, 10)
	defer mock.Close()

	o := NewOrchestrator(testSession(t))
	before := requestlog.Default().Len()

	result, err := o.Run(context.Background(), Request{URL: mock.LayerURL()})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Log != requestlog.Default() {
		t.Error("nil request log should fall back to the process default")
	}
	if requestlog.Default().Len() != before+1 {
		t.Errorf("default log grew by %d entries, want 1", requestlog.Default().Len()-before)
	}
}
