// Package pipeline executes multi-phase candidate refinement: an ANN phase
// seeds a candidate list that later phases rerank, diversify or filter,
// with per-phase statistics recorded for each execution.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/hupe1980/gigavector/distance"
	"github.com/hupe1980/gigavector/index"
	"github.com/hupe1980/gigavector/metadata"
	"github.com/hupe1980/gigavector/ranking"
)

// MaxPhases bounds the number of phases in one pipeline.
const MaxPhases = 8

// DefaultANNOutputK is the ANN fetch size when a phase specifies none.
const DefaultANNOutputK = 100

// DefaultMMRLambda balances relevance against diversity.
const DefaultMMRLambda = 0.7

var (
	// ErrTooManyPhases is returned when adding a phase beyond MaxPhases.
	ErrTooManyPhases = errors.New("pipeline: too many phases")

	// ErrFirstPhaseANN is returned when the first phase is not ANN.
	ErrFirstPhaseANN = errors.New("pipeline: first phase must be ANN")

	// ErrNoPhases is returned by Execute on an empty pipeline.
	ErrNoPhases = errors.New("pipeline: no phases configured")
)

// PhaseKind discriminates phase configurations.
type PhaseKind uint8

const (
	PhaseANN PhaseKind = iota
	PhaseRerankExpr
	PhaseRerankMMR
	PhaseRerankCallback
	PhaseFilter
)

// String implements fmt.Stringer.
func (k PhaseKind) String() string {
	switch k {
	case PhaseANN:
		return "ann"
	case PhaseRerankExpr:
		return "rerank_expr"
	case PhaseRerankMMR:
		return "rerank_mmr"
	case PhaseRerankCallback:
		return "rerank_callback"
	case PhaseFilter:
		return "filter"
	default:
		return fmt.Sprintf("phase(%d)", uint8(k))
	}
}

// Candidate is one entry carried between phases. Score starts as the ANN
// distance and takes whatever meaning the last touching phase assigned;
// PhaseID names that phase.
type Candidate struct {
	ID      uint32
	Score   float64
	PhaseID int
}

// RerankFunc rescores one candidate. Higher results rank earlier.
type RerankFunc func(id uint32, score float64) float64

// Database is the search surface a pipeline runs against.
type Database interface {
	Dimension() int
	Metric() distance.Metric
	Search(q []float32, k int, opts *index.SearchOptions) ([]index.SearchResult, error)
	Vector(id uint32) ([]float32, bool)
	Metadata(id uint32) (metadata.Metadata, bool)
}

// PhaseStats records one phase of the most recent execution.
type PhaseStats struct {
	Kind    PhaseKind
	Input   int
	Output  int
	Latency time.Duration
}

// Stats is a snapshot of the most recent execution.
type Stats struct {
	Phases []PhaseStats
	Total  time.Duration
}

type phase struct {
	kind     PhaseKind
	outputK  int // 0 keeps all candidates
	expr     *ranking.Expr
	lambda   float64
	callback RerankFunc
	filter   *metadata.Filter
}

// Pipeline is a configured phase sequence bound to one database. A single
// mutex serializes Execute and phase mutation; the database itself handles
// concurrent searches.
type Pipeline struct {
	mu     sync.Mutex
	db     Database
	phases []phase
	stats  []PhaseStats
	total  time.Duration
}

// New creates an empty pipeline over db.
func New(db Database) *Pipeline {
	return &Pipeline{db: db}
}

func (p *Pipeline) addPhase(ph phase) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.phases) >= MaxPhases {
		return 0, ErrTooManyPhases
	}
	if len(p.phases) == 0 && ph.kind != PhaseANN {
		return 0, ErrFirstPhaseANN
	}
	p.phases = append(p.phases, ph)
	return len(p.phases) - 1, nil
}

// AddANN appends the seeding retrieval phase. outputK 0 fetches
// DefaultANNOutputK candidates.
func (p *Pipeline) AddANN(outputK int) (int, error) {
	return p.addPhase(phase{kind: PhaseANN, outputK: outputK})
}

// AddRerankExpr appends an expression reranking phase. The current score is
// bound to _score and numeric metadata values are exposed as signals.
func (p *Pipeline) AddRerankExpr(expression string, outputK int) (int, error) {
	expr, err := ranking.Parse(expression)
	if err != nil {
		return 0, err
	}
	return p.addPhase(phase{kind: PhaseRerankExpr, outputK: outputK, expr: expr})
}

// AddRerankMMR appends a maximal-marginal-relevance diversity phase.
// lambda 1 is pure relevance, 0 pure diversity; out-of-range values clamp.
func (p *Pipeline) AddRerankMMR(lambda float64, outputK int) (int, error) {
	if lambda < 0 {
		lambda = 0
	}
	if lambda > 1 {
		lambda = 1
	}
	return p.addPhase(phase{kind: PhaseRerankMMR, outputK: outputK, lambda: lambda})
}

// AddRerankCallback appends a caller-supplied rescoring phase.
func (p *Pipeline) AddRerankCallback(fn RerankFunc, outputK int) (int, error) {
	if fn == nil {
		return 0, errors.New("pipeline: nil rerank callback")
	}
	return p.addPhase(phase{kind: PhaseRerankCallback, outputK: outputK, callback: fn})
}

// AddFilter appends a metadata filter phase compiled from a predicate
// expression.
func (p *Pipeline) AddFilter(expression string, outputK int) (int, error) {
	filter, err := metadata.CompileFilter(expression)
	if err != nil {
		return 0, err
	}
	return p.addPhase(phase{kind: PhaseFilter, outputK: outputK, filter: filter})
}

// PhaseCount returns the number of configured phases.
func (p *Pipeline) PhaseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.phases)
}

// ClearPhases removes all phases and statistics.
func (p *Pipeline) ClearPhases() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phases = nil
	p.stats = nil
	p.total = 0
}

// Stats returns a snapshot of the most recent execution.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Phases: slices.Clone(p.stats), Total: p.total}
}

// Execute runs the phases in order and returns at most finalK candidates.
func (p *Pipeline) Execute(ctx context.Context, query []float32, finalK int) ([]Candidate, error) {
	if finalK <= 0 {
		return nil, index.ErrInvalidK
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.phases) == 0 {
		return nil, ErrNoPhases
	}
	if len(query) != p.db.Dimension() {
		return nil, &index.ErrDimensionMismatch{Expected: p.db.Dimension(), Actual: len(query)}
	}

	p.stats = make([]PhaseStats, 0, len(p.phases))
	p.total = 0

	var candidates []Candidate
	for id, ph := range p.phases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		input := len(candidates)
		start := time.Now()

		var err error
		switch ph.kind {
		case PhaseANN:
			candidates, err = p.runANN(ph, query)
			input = 0
		case PhaseRerankExpr:
			candidates = p.runRerankExpr(ph, id, candidates)
		case PhaseRerankMMR:
			candidates = p.runMMR(ph, id, query, candidates)
		case PhaseRerankCallback:
			candidates = p.runCallback(ph, id, candidates)
		case PhaseFilter:
			candidates = p.runFilter(ph, id, candidates)
		}

		latency := time.Since(start)
		p.stats = append(p.stats, PhaseStats{
			Kind:    ph.kind,
			Input:   input,
			Output:  len(candidates),
			Latency: latency,
		})
		p.total += latency
		if err != nil {
			return nil, err
		}
	}

	if len(candidates) > finalK {
		candidates = candidates[:finalK]
	}
	return candidates, nil
}

func (p *Pipeline) runANN(ph phase, query []float32) ([]Candidate, error) {
	fetchK := ph.outputK
	if fetchK <= 0 {
		fetchK = DefaultANNOutputK
	}
	results, err := p.db.Search(query, fetchK, nil)
	if err != nil {
		return nil, err
	}
	candidates := make([]Candidate, len(results))
	for i, r := range results {
		candidates[i] = Candidate{ID: r.ID, Score: float64(r.Distance)}
	}
	return candidates, nil
}

// signalsFor exposes the numeric metadata values of a candidate to ranking
// expressions.
func (p *Pipeline) signalsFor(id uint32) ranking.Signals {
	meta, ok := p.db.Metadata(id)
	if !ok || len(meta) == 0 {
		return nil
	}
	signals := make(ranking.Signals, len(meta))
	for key, value := range meta {
		if num, err := strconv.ParseFloat(value, 64); err == nil {
			signals[key] = num
		}
	}
	return signals
}

func sortDescending(candidates []Candidate) {
	slices.SortStableFunc(candidates, func(a, b Candidate) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})
}

func truncate(candidates []Candidate, outputK int) []Candidate {
	if outputK > 0 && len(candidates) > outputK {
		return candidates[:outputK]
	}
	return candidates
}

func (p *Pipeline) runRerankExpr(ph phase, phaseID int, candidates []Candidate) []Candidate {
	for i := range candidates {
		candidates[i].Score = ph.expr.Eval(candidates[i].Score, p.signalsFor(candidates[i].ID))
		candidates[i].PhaseID = phaseID
	}
	sortDescending(candidates)
	return truncate(candidates, ph.outputK)
}

func (p *Pipeline) runCallback(ph phase, phaseID int, candidates []Candidate) []Candidate {
	for i := range candidates {
		candidates[i].Score = ph.callback(candidates[i].ID, candidates[i].Score)
		candidates[i].PhaseID = phaseID
	}
	sortDescending(candidates)
	return truncate(candidates, ph.outputK)
}

func (p *Pipeline) runFilter(ph phase, phaseID int, candidates []Candidate) []Candidate {
	kept := candidates[:0]
	for _, c := range candidates {
		meta, _ := p.db.Metadata(c.ID)
		if ph.filter.Matches(meta) {
			c.PhaseID = phaseID
			kept = append(kept, c)
		}
	}
	return truncate(kept, ph.outputK)
}
