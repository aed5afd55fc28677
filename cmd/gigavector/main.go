// Command gigavector runs a demo ingest and query against a chosen index
// kind. It exists to exercise the engine end to end from the shell; the
// library API is the real surface.
package main

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/gigavector"
	"github.com/hupe1980/gigavector/distance"
	"github.com/hupe1980/gigavector/index"
	"github.com/hupe1980/gigavector/index/hnsw"
	"github.com/hupe1980/gigavector/index/ivfflat"
	"github.com/hupe1980/gigavector/index/ivfpq"
	"github.com/hupe1980/gigavector/index/lsh"
	"github.com/hupe1980/gigavector/metadata"
	"github.com/hupe1980/gigavector/persistence"
)

var flags struct {
	indexKind string
	dim       int
	metric    string
	count     int
	k         int
	seed      int64
	path      string
	dataDir   string
	walDir    string
	codec     string

	efConstruction int
	efSearch       int
	m              int
	nlists         int
	nprobe         int
	subspaces      int
	nbits          int
	tables         int
	hyperplanes    int
}

var rootCmd = &cobra.Command{
	Use:           "gigavector",
	Short:         "Embeddable vector-search engine demo",
	Long:          "Ingests random vectors into the chosen index kind and runs a nearest-neighbour query.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.indexKind, "index", "flat", "index kind (flat|kdtree|lsh|hnsw|ivfflat|ivfpq|pq)")
	f.IntVar(&flags.dim, "dim", 32, "vector dimensionality")
	f.StringVar(&flags.metric, "metric", "euclidean", "distance metric (euclidean|cosine|dot|manhattan)")
	f.IntVar(&flags.count, "count", 1000, "number of demo vectors to ingest")
	f.IntVar(&flags.k, "k", 10, "neighbours to retrieve")
	f.Int64Var(&flags.seed, "seed", 1, "demo vector RNG seed")
	f.StringVar(&flags.path, "path", "", "snapshot path; empty keeps the database in memory")
	f.StringVar(&flags.dataDir, "data-dir", "", "directory for relative snapshot paths")
	f.StringVar(&flags.walDir, "wal-dir", "", "directory for WAL files")
	f.StringVar(&flags.codec, "codec", "none", "snapshot compression (none|zstd|lz4)")

	f.IntVar(&flags.efConstruction, "ef-construction", 0, "HNSW construction beam width (0 = default)")
	f.IntVar(&flags.efSearch, "ef-search", 0, "HNSW search beam width (0 = default)")
	f.IntVar(&flags.m, "m", 0, "HNSW max neighbours per node (0 = default)")
	f.IntVar(&flags.nlists, "nlists", 0, "IVF partition count (0 = default)")
	f.IntVar(&flags.nprobe, "nprobe", 0, "IVF partitions probed per query (0 = default)")
	f.IntVar(&flags.subspaces, "subspaces", 0, "PQ subspace count (0 = default)")
	f.IntVar(&flags.nbits, "nbits", 0, "PQ bits per code (0 = default)")
	f.IntVar(&flags.tables, "tables", 0, "LSH table count (0 = default)")
	f.IntVar(&flags.hyperplanes, "hyperplanes", 0, "LSH hyperplanes per table (0 = default)")
}

func buildOptions(metric distance.Metric, codec persistence.Codec) func(o *gigavector.Options) {
	return func(o *gigavector.Options) {
		o.Metric = metric
		o.Codec = codec
		o.HNSW = append(o.HNSW, func(ho *hnsw.Options) {
			if flags.efConstruction > 0 {
				ho.EfConstruction = flags.efConstruction
			}
			if flags.efSearch > 0 {
				ho.EfSearch = flags.efSearch
			}
			if flags.m > 0 {
				ho.M = flags.m
			}
		})
		o.IVFFlat = append(o.IVFFlat, func(vo *ivfflat.Options) {
			if flags.nlists > 0 {
				vo.NLists = flags.nlists
			}
			if flags.nprobe > 0 {
				vo.NProbe = flags.nprobe
			}
		})
		o.IVFPQ = append(o.IVFPQ, func(vo *ivfpq.Options) {
			if flags.nlists > 0 {
				vo.NLists = flags.nlists
			}
			if flags.nprobe > 0 {
				vo.NProbe = flags.nprobe
			}
			if flags.subspaces > 0 {
				vo.Subspaces = flags.subspaces
			}
			if flags.nbits > 0 {
				vo.NBits = flags.nbits
			}
		})
		o.LSH = append(o.LSH, func(lo *lsh.Options) {
			if flags.tables > 0 {
				lo.Tables = flags.tables
			}
			if flags.hyperplanes > 0 {
				lo.Hyperplanes = flags.hyperplanes
			}
		})
	}
}

func run(cmd *cobra.Command, args []string) error {
	kind, err := index.ParseKind(flags.indexKind)
	if err != nil {
		return err
	}
	metric, err := distance.ParseMetric(flags.metric)
	if err != nil {
		return err
	}
	codec, err := persistence.ParseCodec(flags.codec)
	if err != nil {
		return err
	}
	if flags.dim <= 0 || flags.count <= 0 || flags.k <= 0 {
		return fmt.Errorf("dim, count and k must be positive")
	}
	if flags.dataDir != "" {
		if err := os.Setenv(gigavector.EnvDataDir, flags.dataDir); err != nil {
			return err
		}
	}
	if flags.walDir != "" {
		if err := os.Setenv(gigavector.EnvWALDir, flags.walDir); err != nil {
			return err
		}
	}

	db, err := gigavector.Open(flags.path, flags.dim, kind, buildOptions(metric, codec))
	if err != nil {
		return err
	}
	defer db.Close()

	rng := rand.New(rand.NewSource(flags.seed))
	vectors := make([]float32, 0, flags.count*flags.dim)
	for i := 0; i < flags.count*flags.dim; i++ {
		vectors = append(vectors, rng.Float32()*2-1)
	}

	if !db.Trained() {
		if err := db.Train(vectors); err != nil {
			return err
		}
	}

	for i := 0; i < flags.count; i++ {
		vec := vectors[i*flags.dim : (i+1)*flags.dim]
		if _, err := db.Insert(vec, metadata.Metadata{"n": fmt.Sprint(i)}); err != nil {
			return err
		}
	}

	query := vectors[:flags.dim]
	hits, err := db.Search(query, flags.k, nil)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		return fmt.Errorf("no results for k=%d over %d vectors", flags.k, flags.count)
	}

	if flags.path != "" {
		if err := db.Save(); err != nil {
			return err
		}
	}

	fmt.Printf("gigavector: index=%s dim=%d metric=%s ingested=%d hits=%d nearest=%d dist=%.4f\n",
		kind, flags.dim, flags.metric, flags.count, len(hits), hits[0].ID, hits[0].Distance)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gigavector:", err)
		os.Exit(1)
	}
}
