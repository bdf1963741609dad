package harvest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMemorySink_PutFetch(t *testing.T) {
	sink := NewMemorySink()
	chunk := Chunk{Offset: 0, Limit: 100, ParentID: "run-1", ID: "chunk-1"}

	res, err := sink.Put(chunk, "pid-1", []byte(`{"features":[]}`))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if res.PID != "pid-1" || res.Chunk.ID != "chunk-1" {
		t.Errorf("result = %+v", res)
	}
	if res.Path != "" {
		t.Errorf("memory result Path = %q, want empty", res.Path)
	}

	payload, err := sink.Fetch(res)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(payload) != `{"features":[]}` {
		t.Errorf("payload = %s", payload)
	}
}

func TestMemorySink_NoOverwrite(t *testing.T) {
	sink := NewMemorySink()
	chunk := Chunk{ID: "chunk-1"}

	if _, err := sink.Put(chunk, "pid-1", []byte("a")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := sink.Put(chunk, "pid-2", []byte("b")); err == nil {
		t.Error("second Put() for same chunk should fail")
	}
}

func TestSpillSink_RoundTrip(t *testing.T) {
	sink, err := NewSpillSink(t.TempDir(), "Parks")
	if err != nil {
		t.Fatalf("NewSpillSink() error = %v", err)
	}

	chunk := Chunk{Offset: 2000, Limit: 1000, ParentID: "ppid-1", ID: "chunk-1"}
	payload := []byte(`{"type":"FeatureCollection","features":[{"type":"Feature"}]}`)

	res, err := sink.Put(chunk, "pid-1", payload)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if res.Path == "" {
		t.Fatal("spill result has no path")
	}

	name := filepath.Base(res.Path)
	if !strings.HasSuffix(name, ".geojson.gz") {
		t.Errorf("artifact name %q lacks .geojson.gz", name)
	}
	// Lineage segments: layer, timestamp, end offset, ppid, pid.
	parts := strings.Split(strings.TrimSuffix(name, ".geojson.gz"), NameDelim)
	if len(parts) != 5 {
		t.Fatalf("artifact name %q has %d segments, want 5", name, len(parts))
	}
	if parts[0] != "parks" {
		t.Errorf("layer segment = %q, want parks", parts[0])
	}
	if parts[2] != "3000" {
		t.Errorf("end offset segment = %q, want 3000", parts[2])
	}
	if parts[3] != "ppid-1" || parts[4] != "pid-1" {
		t.Errorf("lineage segments = %q, %q", parts[3], parts[4])
	}

	got, err := sink.Fetch(res)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("Fetch() = %s, want %s", got, payload)
	}

	uncompressed, compressed := sink.CompressionStats()
	if uncompressed != int64(len(payload)) {
		t.Errorf("uncompressed = %d, want %d", uncompressed, len(payload))
	}
	if compressed <= 0 {
		t.Errorf("compressed = %d, want > 0", compressed)
	}
}

func TestSpillSink_NoOverwrite(t *testing.T) {
	sink, err := NewSpillSink(t.TempDir(), "Parks")
	if err != nil {
		t.Fatalf("NewSpillSink() error = %v", err)
	}

	chunk := Chunk{ID: "chunk-1", ParentID: "p"}
	if _, err := sink.Put(chunk, "pid-1", []byte("a")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := sink.Put(chunk, "pid-2", []byte("b")); err == nil {
		t.Error("second Put() for same chunk should fail")
	}
}

func TestSpillSink_Cleanup(t *testing.T) {
	base := t.TempDir()
	sink, err := NewSpillSink(base, "Parks")
	if err != nil {
		t.Fatalf("NewSpillSink() error = %v", err)
	}

	for i, id := range []string{"a", "b", "c"} {
		chunk := Chunk{Offset: i * 10, Limit: 10, ParentID: "p", ID: id}
		if _, err := sink.Put(chunk, "pid-"+id, []byte("{}")); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	entries, err := os.ReadDir(sink.Dir())
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("spill dir has %d artifacts, want 3", len(entries))
	}

	if err := sink.Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if _, err := os.Stat(sink.Dir()); !os.IsNotExist(err) {
		t.Error("spill directory still exists after Cleanup()")
	}
}

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Parks", "parks"},
		{"Parks & Rec / Fields", "parks-rec-fields"},
		{"road:network*?", "roadnetwork"},
		{"  spaced   out  ", "spaced-out"},
		{"under_score_._kept", "under_score_._kept"},
	}
	for _, tt := range tests {
		if got := SanitizeFileName(tt.in); got != tt.want {
			t.Errorf("SanitizeFileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if got := SanitizeFileName("***"); got == "" {
		t.Error("fully stripped name should fall back to a uuid")
	}
	long := strings.Repeat("a", 300)
	if got := SanitizeFileName(long); len(got) != 255 {
		t.Errorf("len = %d, want 255", len(SanitizeFileName(long)))
	}
}

func TestArtifactName(t *testing.T) {
	ts := time.Date(2026, 8, 27, 14, 30, 45, 0, time.UTC)
	name := ArtifactName("Parks", ts, 3000, "ppid-1", "pid-1")

	parts := strings.Split(name, NameDelim)
	if len(parts) != 5 {
		t.Fatalf("name %q has %d segments, want 5", name, len(parts))
	}
	if parts[1] != "2026-08-27t14-30-45" {
		t.Errorf("timestamp segment = %q", parts[1])
	}
}
