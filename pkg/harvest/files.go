package harvest

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/GeoCodable/grale/pkg/esri"
	"github.com/GeoCodable/grale/pkg/requestlog"
)

// WriteFiles writes one lineage-bearing document per successful chunk into
// outDir, in offset order. Each document carries the chunk's tagged
// features, its own log entry, and the layer metadata. Low-memory runs
// write gzip artifacts; otherwise plain indented GeoJSON. When the run
// asked for cleanup, the sink's spill artifacts are removed afterwards.
func WriteFiles(r *Result, outDir string) ([]string, error) {
	info, err := os.Stat(outDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("output directory %s does not exist", outDir)
	}

	results := make([]ChunkResult, len(r.ChunkResults))
	copy(results, r.ChunkResults)
	sort.Slice(results, func(i, j int) bool {
		return results[i].Chunk.Offset < results[j].Chunk.Offset
	})

	_, compressed := r.Sink.(*SpillSink)
	layerName := ""
	var layerRaw json.RawMessage
	if r.Layer != nil {
		layerName = r.Layer.Name
		layerRaw = r.Layer.Raw
	}

	var paths []string
	for _, res := range results {
		payload, err := r.Sink.Fetch(res)
		if err != nil {
			return nil, fmt.Errorf("fetch chunk at offset %d: %w", res.Chunk.Offset, err)
		}
		var fc esri.FeatureCollection
		if err := json.Unmarshal(payload, &fc); err != nil {
			return nil, fmt.Errorf("parse chunk at offset %d: %w", res.Chunk.Offset, err)
		}
		entry, ok := r.Log.Get(res.PID)
		if !ok {
			return nil, fmt.Errorf("log entry %s missing for chunk at offset %d", res.PID, res.Chunk.Offset)
		}
		tagFeatures(fc.Features, entry)

		doc := MergedOutput{
			Type:            "FeatureCollection",
			Features:        fc.Features,
			RequestLogging:  []requestlog.View{entry.View()},
			RequestMetadata: []json.RawMessage{},
		}
		if len(layerRaw) > 0 {
			doc.RequestMetadata = append(doc.RequestMetadata, layerRaw)
		}

		name := ArtifactName(layerName, entry.UTCTimestamp, res.Chunk.Offset+res.Chunk.Limit, r.PPID, res.PID)
		ext := ".geojson"
		if compressed {
			ext = ".geojson.gz"
		}
		path := sequencedPath(filepath.Join(outDir, name+ext))

		if err := writeDocument(path, doc, compressed); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}

	if r.Cleanup {
		if err := r.Sink.Cleanup(); err != nil {
			return nil, fmt.Errorf("cleanup after write: %w", err)
		}
	}
	return paths, nil
}

// WriteMerged merges the run and writes the single combined document to
// outPath.
func WriteMerged(r *Result, outPath string) error {
	merged, err := Merge(r)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(merged, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal merged output: %w", err)
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("write merged output: %w", err)
	}
	return nil
}

func writeDocument(path string, doc MergedOutput, compressed bool) error {
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal chunk document: %w", err)
	}

	if !compressed {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	zw := gzip.NewWriter(f)
	if _, err := zw.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close %s: %w", path, err)
	}
	return f.Close()
}

// sequencedPath returns path, or path with a numeric suffix when a file
// already exists there.
func sequencedPath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	base := path
	ext := ""
	if i := strings.Index(filepath.Base(path), "."); i >= 0 {
		dir := filepath.Dir(path)
		name := filepath.Base(path)
		base = filepath.Join(dir, name[:i])
		ext = name[i:]
	}

	for seq := 1; ; seq++ {
		candidate := fmt.Sprintf("%s_%d%s", base, seq, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
