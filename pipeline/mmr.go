package pipeline

import (
	"math"

	"github.com/hupe1980/gigavector/distance"
)

// similarityFromDistance maps a metric's ascending-is-better distance into
// [0, 1]. Cosine distances are 1−cos, so the underlying similarity is
// recovered first; negated dot products go through a sigmoid; unbounded
// metrics use 1/(1+d).
func similarityFromDistance(d float64, metric distance.Metric) float64 {
	switch metric {
	case distance.MetricCosine:
		cos := 1 - d
		return (cos + 1) / 2
	case distance.MetricDot:
		return 1 / (1 + math.Exp(d))
	default:
		if d < 0 {
			d = 0
		}
		return 1 / (1 + d)
	}
}

// normalizeScores min-max scales into [0, 1]; a degenerate range maps
// everything to 1.
func normalizeScores(scores []float64) {
	if len(scores) == 0 {
		return
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
	}
	if hi-lo < 1e-12 {
		for i := range scores {
			scores[i] = 1
		}
		return
	}
	for i := range scores {
		scores[i] = (scores[i] - lo) / (hi - lo)
	}
}

// runMMR greedily selects candidates maximizing
// lambda*relevance − (1−lambda)*maxSimilarity to the already selected set.
// Candidate scores become the MMR value of the step that picked them.
func (p *Pipeline) runMMR(ph phase, phaseID int, query []float32, candidates []Candidate) []Candidate {
	if len(candidates) == 0 {
		return candidates
	}

	keep := ph.outputK
	if keep <= 0 || keep > len(candidates) {
		keep = len(candidates)
	}

	metric := p.db.Metric()
	dist, err := distance.Provider(metric)
	if err != nil {
		return candidates
	}

	vectors := make([][]float32, len(candidates))
	relevance := make([]float64, len(candidates))
	for i, c := range candidates {
		vec, ok := p.db.Vector(c.ID)
		if !ok {
			vec = nil
		}
		vectors[i] = vec
		relevance[i] = similarityFromDistance(c.Score, metric)
	}
	normalizeScores(relevance)

	pairSim := func(i, j int) float64 {
		if vectors[i] == nil || vectors[j] == nil {
			return 0
		}
		return similarityFromDistance(float64(dist(vectors[i], vectors[j])), metric)
	}

	selected := make([]Candidate, 0, keep)
	picked := make([]bool, len(candidates))
	pickedIdx := make([]int, 0, keep)
	for len(selected) < keep {
		best := -1
		bestMMR := math.Inf(-1)
		for i := range candidates {
			if picked[i] {
				continue
			}
			maxSim := 0.0
			for _, j := range pickedIdx {
				maxSim = math.Max(maxSim, pairSim(i, j))
			}
			mmr := ph.lambda*relevance[i] - (1-ph.lambda)*maxSim
			if mmr > bestMMR {
				bestMMR = mmr
				best = i
			}
		}
		if best < 0 {
			break
		}
		picked[best] = true
		pickedIdx = append(pickedIdx, best)
		selected = append(selected, Candidate{
			ID:      candidates[best].ID,
			Score:   bestMMR,
			PhaseID: phaseID,
		})
	}
	return selected
}
