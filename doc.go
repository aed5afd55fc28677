// Package gigavector is an embeddable vector-search engine. It stores
// dense float32 vectors with string metadata and serves exact and
// approximate nearest-neighbour queries under pluggable distance metrics.
//
// The root package exposes the database facade: one index (flat, KD-tree,
// LSH, HNSW, IVF-Flat, IVF-PQ or PQ) behind a write-ahead log and atomic
// snapshots. Subsystems live in their own packages: distance kernels,
// the SoA vector store, the metadata filter engine, the index
// implementations, quantization, WAL, persistence, the ranking expression
// language, the multi-phase query pipeline and the resource controller.
//
// Basic usage:
//
//	db, err := gigavector.Open("vectors.gv", 128, index.KindHNSW)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	id, _ := db.Insert(vec, metadata.Metadata{"title": "example"})
//	hits, _ := db.Search(query, 10, nil)
//	_ = db.Save()
package gigavector
