package gigavector

import (
	"os"
	"path/filepath"

	"github.com/hupe1980/gigavector/distance"
	"github.com/hupe1980/gigavector/index/flat"
	"github.com/hupe1980/gigavector/index/hnsw"
	"github.com/hupe1980/gigavector/index/ivfflat"
	"github.com/hupe1980/gigavector/index/ivfpq"
	"github.com/hupe1980/gigavector/index/kdtree"
	"github.com/hupe1980/gigavector/index/lsh"
	"github.com/hupe1980/gigavector/index/pq"
	"github.com/hupe1980/gigavector/index/sparse"
	"github.com/hupe1980/gigavector/persistence"
	"github.com/hupe1980/gigavector/resource"
)

// Environment variables resolving relative data paths. GV_DATA_DIR names
// the directory for snapshots, GV_WAL_DIR the directory for WAL files.
const (
	EnvDataDir = "GV_DATA_DIR"
	EnvWALDir  = "GV_WAL_DIR"
)

// Options configures the database facade.
type Options struct {
	// Metric selects the distance function for the hosted index.
	Metric distance.Metric

	// ExactSearchThreshold diverts searches to an exact scan while the
	// live count is below it. Zero disables the diversion.
	ExactSearchThreshold int

	// ForceExactSearch always scans exactly, regardless of count.
	ForceExactSearch bool

	// Codec compresses snapshot payloads.
	Codec persistence.Codec

	// Logger receives structured operation logs. Nil disables logging.
	Logger *Logger

	// WALPath overrides the derived WAL location. Ignored when the
	// database is opened without a path.
	WALPath string

	// DisableWAL turns off write-ahead logging even when a path is set.
	DisableWAL bool

	// Resource configures insert/memory/concurrency caps. Nil means
	// unlimited.
	Resource []func(o *resource.Options)

	// Per-kind index tuning. Only the functions matching the opened
	// kind apply; the facade sets Metric on top of them.
	Flat    []func(o *flat.Options)
	KDTree  []func(o *kdtree.Options)
	LSH     []func(o *lsh.Options)
	HNSW    []func(o *hnsw.Options)
	IVFFlat []func(o *ivfflat.Options)
	IVFPQ   []func(o *ivfpq.Options)
	PQ      []func(o *pq.Options)
	Sparse  []func(o *sparse.Options)
}

// DefaultOptions holds the default facade options.
var DefaultOptions = Options{
	Metric:               distance.MetricEuclidean,
	ExactSearchThreshold: 1000,
	Codec:                persistence.CodecNone,
}

func applyOptions(optFns []func(o *Options)) Options {
	opts := DefaultOptions
	for _, fn := range optFns {
		if fn != nil {
			fn(&opts)
		}
	}
	if opts.Logger == nil {
		opts.Logger = NoopLogger()
	}
	return opts
}

// resolveDataPath places a relative snapshot path under GV_DATA_DIR when
// the variable is set. Absolute paths are used as-is.
func resolveDataPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return filepath.Join(dir, path)
	}
	return path
}

// resolveWALPath derives the WAL location from the resolved snapshot path.
// GV_WAL_DIR redirects the file into its own directory; otherwise the log
// sits next to the snapshot with a ".wal" suffix.
func resolveWALPath(opts *Options, snapshotPath string) string {
	if opts.WALPath != "" {
		if filepath.IsAbs(opts.WALPath) {
			return opts.WALPath
		}
		if dir := os.Getenv(EnvWALDir); dir != "" {
			return filepath.Join(dir, opts.WALPath)
		}
		return opts.WALPath
	}
	if dir := os.Getenv(EnvWALDir); dir != "" {
		return filepath.Join(dir, filepath.Base(snapshotPath)+".wal")
	}
	return snapshotPath + ".wal"
}
