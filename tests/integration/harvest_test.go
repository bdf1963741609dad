package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/GeoCodable/grale/internal/testutil"
	"github.com/GeoCodable/grale/pkg/cache"
	"github.com/GeoCodable/grale/pkg/esri"
	"github.com/GeoCodable/grale/pkg/harvest"
	"github.com/GeoCodable/grale/pkg/requestlog"
	"github.com/GeoCodable/grale/pkg/session"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

func testSession(t *testing.T) *session.Session {
	t.Helper()

	cfg := session.DefaultConfig()
	cfg.UserAgent = "grale-integration/1.0"
	cfg.Timeout = 10 * time.Second
	cfg.MaxRetries = 1
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond

	sess, err := session.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	return sess
}

// TestHarvestWithMetadataCache runs the same harvest twice against a live
// Redis cache: the second probe serves layer metadata from Redis, so only
// the record count and the query pages hit the service again.
func TestHarvestWithMetadataCache(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockArcGIS("parks", 250, 100)
	defer mock.Close()

	manager := cache.NewManager(redisClient)
	orch := harvest.NewOrchestrator(testSession(t),
		harvest.WithMetadataCache(manager, 15*time.Minute))

	ctx := context.Background()

	runOnce := func(label string) *harvest.Result {
		result, err := orch.Run(ctx, harvest.Request{
			URL:     mock.LayerURL(),
			Cleanup: true,
			Log:     requestlog.New(),
		})
		if err != nil {
			t.Fatalf("%s harvest failed: %v", label, err)
		}
		if result.Report.ReturnedFeatures != 250 {
			t.Errorf("%s harvest returned %d features, want 250", label, result.Report.ReturnedFeatures)
		}
		return result
	}

	// First run: metadata + count + 3 query pages.
	runOnce("first")
	afterFirst := mock.GetRequestCount()
	if afterFirst != 5 {
		t.Errorf("After first harvest: service requests = %d, want 5", afterFirst)
	}

	// Second run: metadata comes from Redis, count + 3 query pages remain.
	runOnce("second")
	afterSecond := mock.GetRequestCount()
	if afterSecond-afterFirst != 4 {
		t.Errorf("Second harvest made %d service requests, want 4 (cached metadata)", afterSecond-afterFirst)
	}
}

// TestCatalogWalkCached walks a small service directory twice; the second
// walk is served entirely from Redis.
func TestCatalogWalkCached(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockArcGIS("parks", 100, 100)
	defer mock.Close()

	mock.SetResponse("/rest/services", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"folders": [], "services": [{"name": "Parks", "type": "FeatureServer"}]}`,
	})
	mock.SetResponse("/rest/services/Parks/FeatureServer", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"layers": [{"id": 0, "name": "Parks"}], "tables": []}`,
	})

	manager := cache.NewManager(redisClient)
	svc := esri.NewService(testSession(t), esri.WithCache(manager, 15*time.Minute))

	ctx := context.Background()
	rootURL := mock.URL() + "/rest"

	walk := func(label string) {
		services, err := svc.Services(ctx, rootURL, nil, nil)
		if err != nil {
			t.Fatalf("%s walk failed: %v", label, err)
		}
		if len(services) != 1 {
			t.Fatalf("%s walk found %d services, want 1", label, len(services))
		}
		sources, err := svc.DataSources(services)
		if err != nil {
			t.Fatalf("%s data source extraction failed: %v", label, err)
		}
		wantKey := fmt.Sprintf("%s/services/Parks/FeatureServer/0", rootURL)
		if _, ok := sources[wantKey]; !ok {
			t.Errorf("%s walk missing data source %s", label, wantKey)
		}
	}

	// First walk: directory listing + one service definition.
	walk("first")
	afterFirst := mock.GetRequestCount()
	if afterFirst != 2 {
		t.Errorf("After first walk: service requests = %d, want 2", afterFirst)
	}

	// Second walk: everything cached.
	walk("second")
	if got := mock.GetRequestCount(); got != afterFirst {
		t.Errorf("Second walk made %d service requests, want 0", got-afterFirst)
	}
}

// TestHarvestLineageSurvivesMerge verifies an end-to-end run against Redis
// keeps the ppid/pid lineage intact through the merged document.
func TestHarvestLineageSurvivesMerge(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockArcGIS("trails", 150, 50)
	defer mock.Close()

	manager := cache.NewManager(redisClient)
	orch := harvest.NewOrchestrator(testSession(t),
		harvest.WithMetadataCache(manager, 15*time.Minute))

	rlog := requestlog.New()
	result, err := orch.Run(context.Background(), harvest.Request{
		URL:     mock.LayerURL(),
		Cleanup: true,
		Log:     rlog,
	})
	if err != nil {
		t.Fatalf("Harvest failed: %v", err)
	}

	merged, err := harvest.Merge(result)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	if len(merged.Features) != 150 {
		t.Errorf("Merged features = %d, want 150", len(merged.Features))
	}
	if len(merged.RequestLogging) != 3 {
		t.Errorf("Request log views = %d, want 3", len(merged.RequestLogging))
	}

	for i, f := range merged.Features {
		uuid, _ := f.Properties["grale_uuid"].(string)
		if uuid == "" {
			t.Fatalf("Feature %d missing grale_uuid tag", i)
		}
	}

	// The merged document must round-trip as valid JSON.
	data, err := json.Marshal(merged)
	if err != nil {
		t.Fatalf("Marshal merged output: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Merged output is not valid JSON: %v", err)
	}
}
