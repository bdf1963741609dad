// Command grale harvests GeoJSON from record-count-limited feature services.
//
// Usage:
//
//	grale [flags] <layer-url>
//	grale -catalog [flags] <server-root-url>
//
// The default mode harvests a single feature layer and writes one merged
// GeoJSON document. With -files, one lineage-bearing document is written per
// chunk instead. With -catalog, the server's service directory is walked and
// the discovered data sources are printed as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/GeoCodable/grale/internal/config"
	"github.com/GeoCodable/grale/pkg/cache"
	"github.com/GeoCodable/grale/pkg/esri"
	"github.com/GeoCodable/grale/pkg/harvest"
	"github.com/GeoCodable/grale/pkg/logging"
	"github.com/GeoCodable/grale/pkg/session"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file")
		catalog    = flag.Bool("catalog", false, "walk a server's service directory instead of harvesting")
		files      = flag.Bool("files", false, "write one document per chunk instead of a single merged file")
		out        = flag.String("out", "", "output file (merged mode) or directory (-files mode)")
		where      = flag.String("where", esri.DefaultWhere, "attribute filter")
		outFields  = flag.String("out-fields", esri.DefaultOutFields, "comma-separated output fields")
		outSR      = flag.String("out-sr", esri.DefaultOutSR, "output spatial reference WKID")
		offset     = flag.Int("offset", 0, "record offset to start harvesting from")
		limit      = flag.Int("limit", 0, "maximum records to harvest (0 = all)")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: grale [flags] <url>")
		flag.Usage()
		os.Exit(2)
	}
	targetURL := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := session.New(cfg.SessionConfig())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create session")
	}

	var manager *cache.Manager
	if cfg.Cache.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Cache.Addr).Msg("failed to connect to redis")
		}
		manager = cache.NewManager(redisClient)
		logger.Info().Str("addr", cfg.Cache.Addr).Msg("metadata cache enabled")
	}

	if cfg.Server.Enabled {
		go serveAdmin(cfg.Server.Port, logger)
	}

	if *catalog {
		if err := runCatalog(ctx, sess, manager, cfg, targetURL, *out); err != nil {
			logger.Fatal().Err(err).Msg("catalog walk failed")
		}
		return
	}

	query := esri.QueryConfig{
		Where:        *where,
		OutFields:    *outFields,
		OutSR:        *outSR,
		ResultOffset: *offset,
		Limit:        *limit,
	}
	if err := runHarvest(ctx, sess, manager, cfg, targetURL, query, *files, *out, logger); err != nil {
		logger.Fatal().Err(err).Msg("harvest failed")
	}
}

// serveAdmin exposes liveness and Prometheus metrics for long harvests.
func serveAdmin(port int, logger zerolog.Logger) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	r.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info().Str("addr", addr).Msg("admin server listening")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error().Err(err).Msg("admin server stopped")
	}
}

func runHarvest(ctx context.Context, sess *session.Session, manager *cache.Manager, cfg config.Config, layerURL string, query esri.QueryConfig, perChunk bool, out string, logger zerolog.Logger) error {
	var opts []harvest.OrchestratorOption
	if manager != nil {
		opts = append(opts, harvest.WithMetadataCache(manager, cfg.CacheTTL()))
	}
	orch := harvest.NewOrchestrator(sess, opts...)

	result, err := orch.Run(ctx, harvest.Request{
		URL:        layerURL,
		Query:      query,
		ChunkSize:  cfg.Harvest.ChunkSize,
		MaxWorkers: cfg.Harvest.MaxWorkers,
		LowMemory:  cfg.Harvest.LowMemory,
		SpillDir:   cfg.Harvest.SpillDir,
		Cleanup:    cfg.Harvest.Cleanup,
	})
	if err != nil {
		return err
	}

	if perChunk {
		outDir := out
		if outDir == "" {
			outDir = cfg.Harvest.OutDir
		}
		paths, err := harvest.WriteFiles(result, outDir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Println(p)
		}
	} else {
		outPath := out
		if outPath == "" {
			name := harvest.SanitizeFileName(result.Layer.Name)
			outPath = filepath.Join(cfg.Harvest.OutDir, name+".geojson")
		}
		if err := harvest.WriteMerged(result, outPath); err != nil {
			return err
		}
		fmt.Println(outPath)
	}

	logger.Info().Str("ppid", result.PPID).Msg(result.Report.Summary())
	return nil
}

// runCatalog walks the service directory under rootURL and prints (or writes)
// the discovered data source definitions as a JSON object keyed by URL.
func runCatalog(ctx context.Context, sess *session.Session, manager *cache.Manager, cfg config.Config, rootURL, out string) error {
	var opts []esri.Option
	if manager != nil {
		opts = append(opts, esri.WithCache(manager, cfg.CacheTTL()))
	}
	svc := esri.NewService(sess, opts...)

	services, err := svc.Services(ctx, rootURL, nil, nil)
	if err != nil {
		return err
	}
	sources, err := svc.DataSources(services)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(sources, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal data sources: %w", err)
	}
	if out != "" {
		return os.WriteFile(out, data, 0o644)
	}
	fmt.Println(string(data))
	return nil
}
