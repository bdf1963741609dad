package harvest

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var spillBytes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "grale_spill_bytes_total",
	Help: "Total bytes written to spill artifacts",
}, []string{"kind"}) // "uncompressed", "compressed"

// NameDelim separates the lineage segments of a spill artifact name:
// <layer>_._<utcToSeconds>_._<endOffset>_._<ppid>_._<pid>.
const NameDelim = "_._"

// ChunkResult is a delivered chunk payload reference.
type ChunkResult struct {
	Chunk Chunk

	// PID is the log entry id of the request that produced the payload.
	PID string

	// Path is the spill artifact location; empty for in-memory payloads.
	Path string
}

// Sink stores successful chunk payloads until merge. Implementations must
// be safe for concurrent Put calls and must never let one chunk overwrite
// another's slot.
type Sink interface {
	Put(chunk Chunk, pid string, payload []byte) (ChunkResult, error)
	Fetch(res ChunkResult) ([]byte, error)
	Cleanup() error
}

// MemorySink holds chunk payloads in memory, keyed by chunk id.
type MemorySink struct {
	mu       sync.Mutex
	payloads map[string][]byte
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{payloads: make(map[string][]byte)}
}

// Put stores payload under the chunk's id.
func (s *MemorySink) Put(chunk Chunk, pid string, payload []byte) (ChunkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.payloads[chunk.ID]; exists {
		return ChunkResult{}, fmt.Errorf("chunk %s already stored", chunk.ID)
	}
	s.payloads[chunk.ID] = payload
	return ChunkResult{Chunk: chunk, PID: pid}, nil
}

// Fetch returns the payload stored for the result's chunk.
func (s *MemorySink) Fetch(res ChunkResult) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, ok := s.payloads[res.Chunk.ID]
	if !ok {
		return nil, fmt.Errorf("chunk %s not found", res.Chunk.ID)
	}
	return payload, nil
}

// Cleanup discards all stored payloads.
func (s *MemorySink) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = make(map[string][]byte)
	return nil
}

// SpillSink writes chunk payloads gzip-compressed to a per-harvest
// temporary directory. Artifact names carry the full request lineage, so a
// directory listing alone reconstructs which run and request produced each
// file.
type SpillSink struct {
	dir       string
	layerName string

	mu           sync.Mutex
	paths        map[string]string
	uncompressed int64
	compressed   int64
}

// NewSpillSink creates a spill directory under baseDir (the system temp
// directory when empty).
func NewSpillSink(baseDir, layerName string) (*SpillSink, error) {
	dir, err := os.MkdirTemp(baseDir, "grale-spill-*")
	if err != nil {
		return nil, fmt.Errorf("create spill directory: %w", err)
	}
	return &SpillSink{
		dir:       dir,
		layerName: layerName,
		paths:     make(map[string]string),
	}, nil
}

// Dir returns the spill directory path.
func (s *SpillSink) Dir() string {
	return s.dir
}

// Put compresses payload into a uniquely named artifact and returns a path
// reference to it.
func (s *SpillSink) Put(chunk Chunk, pid string, payload []byte) (ChunkResult, error) {
	s.mu.Lock()
	if _, exists := s.paths[chunk.ID]; exists {
		s.mu.Unlock()
		return ChunkResult{}, fmt.Errorf("chunk %s already stored", chunk.ID)
	}
	// Reserve the slot before releasing the lock for file I/O.
	s.paths[chunk.ID] = ""
	s.mu.Unlock()

	fail := func(err error) (ChunkResult, error) {
		s.mu.Lock()
		delete(s.paths, chunk.ID)
		s.mu.Unlock()
		return ChunkResult{}, err
	}

	name := ArtifactName(s.layerName, time.Now().UTC(), chunk.Offset+chunk.Limit, chunk.ParentID, pid)
	path := filepath.Join(s.dir, name+".geojson.gz")

	f, err := os.Create(path)
	if err != nil {
		return fail(fmt.Errorf("create spill artifact: %w", err))
	}
	zw := gzip.NewWriter(f)
	if _, err := zw.Write(payload); err != nil {
		f.Close()
		return fail(fmt.Errorf("write spill artifact: %w", err))
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return fail(fmt.Errorf("close spill artifact: %w", err))
	}
	if err := f.Close(); err != nil {
		return fail(fmt.Errorf("close spill artifact: %w", err))
	}

	info, err := os.Stat(path)
	if err != nil {
		return fail(fmt.Errorf("stat spill artifact: %w", err))
	}

	s.mu.Lock()
	s.paths[chunk.ID] = path
	s.uncompressed += int64(len(payload))
	s.compressed += info.Size()
	s.mu.Unlock()

	spillBytes.WithLabelValues("uncompressed").Add(float64(len(payload)))
	spillBytes.WithLabelValues("compressed").Add(float64(info.Size()))

	return ChunkResult{Chunk: chunk, PID: pid, Path: path}, nil
}

// Fetch decompresses and reads back the artifact for the result's chunk.
func (s *SpillSink) Fetch(res ChunkResult) ([]byte, error) {
	s.mu.Lock()
	path, ok := s.paths[res.Chunk.ID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("chunk %s not found", res.Chunk.ID)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open spill artifact: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("read spill artifact: %w", err)
	}
	defer zr.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, zr); err != nil {
		return nil, fmt.Errorf("decompress spill artifact: %w", err)
	}
	return buf.Bytes(), nil
}

// Cleanup removes the spill directory and every artifact in it.
func (s *SpillSink) Cleanup() error {
	s.mu.Lock()
	s.paths = make(map[string]string)
	s.mu.Unlock()
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove spill directory: %w", err)
	}
	return nil
}

// CompressionStats returns the total uncompressed and compressed byte
// counts written so far.
func (s *SpillSink) CompressionStats() (uncompressed, compressed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uncompressed, s.compressed
}

// ArtifactName builds a lineage-bearing artifact base name:
// <layer>_._<utcToSeconds>_._<endOffset>_._<ppid>_._<pid>, sanitized for
// the filesystem.
func ArtifactName(layerName string, ts time.Time, endOffset int, ppid, pid string) string {
	stamp := ts.Format("2006-01-02T15-04-05")
	raw := strings.Join([]string{
		layerName,
		stamp,
		fmt.Sprintf("%d", endOffset),
		ppid,
		pid,
	}, NameDelim)
	return SanitizeFileName(raw)
}

var (
	invalidNameChars = regexp.MustCompile(`[^\.\w\s-]`)
	nameSeparators   = regexp.MustCompile(`[-\s]+`)
)

// SanitizeFileName lowercases name, strips characters not allowed in file
// names, collapses whitespace runs to single dashes, and caps the length at
// 255. An empty result is replaced with a fresh uuid.
func SanitizeFileName(name string) string {
	name = strings.ToLower(name)
	name = invalidNameChars.ReplaceAllString(name, "")
	name = nameSeparators.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-_")
	if name == "" {
		name = uuid.NewString()
	}
	if len(name) > 255 {
		name = name[:255]
	}
	return name
}
