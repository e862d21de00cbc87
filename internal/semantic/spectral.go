package semantic

import (
	"context"
	"math"
	"sort"
)

const (
	defaultSimilarityFloor = 0.55
	maxCandidatePairs      = 256
	connectivityScale      = 0.5
	contradictionPenalty   = 0.7
	neutralStability       = 0.5
)

// edge is one weighted unit-graph edge. The graph is small and ephemeral:
// units form an arena indexed by position, edges an adjacency list of index
// pairs.
type edge struct {
	i, j        int
	weight      float64
	conflicting bool
}

type candidatePair struct {
	i, j   int
	cosine float64
}

// candidatePairs lists unit pairs whose embedding cosine clears the floor,
// capped deterministically (highest cosine first, then index order) so the
// NLI batch stays bounded.
func candidatePairs(units []SemanticUnit, floor float64) []candidatePair {
	var pairs []candidatePair
	for i := 0; i < len(units); i++ {
		for j := i + 1; j < len(units); j++ {
			cos := Cosine(units[i].Embedding, units[j].Embedding)
			if cos < floor {
				continue
			}
			pairs = append(pairs, candidatePair{i: i, j: j, cosine: cos})
		}
	}
	if len(pairs) > maxCandidatePairs {
		sort.Slice(pairs, func(a, b int) bool {
			if pairs[a].cosine != pairs[b].cosine {
				return pairs[a].cosine > pairs[b].cosine
			}
			if pairs[a].i != pairs[b].i {
				return pairs[a].i < pairs[b].i
			}
			return pairs[a].j < pairs[b].j
		})
		pairs = pairs[:maxCandidatePairs]
	}
	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a].i != pairs[b].i {
			return pairs[a].i < pairs[b].i
		}
		return pairs[a].j < pairs[b].j
	})
	return pairs
}

// classifyEdges turns candidate pairs into polarized edges: entailment
// reinforces, contradiction conflicts, neutral drops the pair. Edge weight
// is cosine times classifier confidence. A classifier failure degrades the
// whole batch to neutral rather than failing the turn.
func classifyEdges(ctx context.Context, classifier NLIClassifier, units []SemanticUnit, pairs []candidatePair) []edge {
	if len(pairs) == 0 || classifier == nil {
		return nil
	}
	nliPairs := make([]NLIPair, len(pairs))
	for idx, pair := range pairs {
		nliPairs[idx] = NLIPair{
			Premise:    truncateRunes(units[pair.i].Text, maxFragmentRunes),
			Hypothesis: truncateRunes(units[pair.j].Text, maxFragmentRunes),
		}
	}
	results, err := classifier.ClassifyBatch(ctx, nliPairs)
	if err != nil || len(results) != len(pairs) {
		return nil
	}
	var edges []edge
	for idx, pair := range pairs {
		res := results[idx]
		weight := pair.cosine * clamp01(res.Confidence)
		if weight <= 0 {
			continue
		}
		switch res.Label {
		case NLIEntailment:
			edges = append(edges, edge{i: pair.i, j: pair.j, weight: weight})
		case NLIContradiction:
			edges = append(edges, edge{i: pair.i, j: pair.j, weight: weight, conflicting: true})
		}
	}
	return edges
}

// Lambda2 is the algebraic connectivity: the second-smallest eigenvalue of
// the weighted Laplacian over the reinforcing edges. Zero for graphs with
// fewer than two nodes.
func Lambda2(n int, edges []edge) float64 {
	if n < 2 {
		return 0
	}
	laplacian := make([][]float64, n)
	for i := range laplacian {
		laplacian[i] = make([]float64, n)
	}
	for _, e := range edges {
		if e.conflicting {
			continue
		}
		laplacian[e.i][e.j] -= e.weight
		laplacian[e.j][e.i] -= e.weight
		laplacian[e.i][e.i] += e.weight
		laplacian[e.j][e.j] += e.weight
	}
	eig := jacobiEigenvalues(laplacian)
	if len(eig) < 2 {
		return 0
	}
	if eig[1] < 0 {
		return 0
	}
	return eig[1]
}

// jacobiEigenvalues runs cyclic Jacobi rotations on a small symmetric
// matrix and returns its eigenvalues sorted ascending. Graphs here stay tiny,
// so the O(n^3) sweep cost is irrelevant.
func jacobiEigenvalues(matrix [][]float64) []float64 {
	n := len(matrix)
	m := make([][]float64, n)
	for i := range matrix {
		m[i] = append([]float64(nil), matrix[i]...)
	}
	for sweep := 0; sweep < 100; sweep++ {
		off := 0.0
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				off += m[i][j] * m[i][j]
			}
		}
		if off < 1e-18 {
			break
		}
		for p := 0; p < n; p++ {
			for q := p + 1; q < n; q++ {
				if math.Abs(m[p][q]) < 1e-15 {
					continue
				}
				theta := (m[q][q] - m[p][p]) / (2 * m[p][q])
				t := math.Copysign(1, theta) / (math.Abs(theta) + math.Sqrt(theta*theta+1))
				c := 1 / math.Sqrt(t*t+1)
				s := t * c
				for k := 0; k < n; k++ {
					mkp, mkq := m[k][p], m[k][q]
					m[k][p] = c*mkp - s*mkq
					m[k][q] = s*mkp + c*mkq
				}
				for k := 0; k < n; k++ {
					mpk, mqk := m[p][k], m[q][k]
					m[p][k] = c*mpk - s*mqk
					m[q][k] = s*mpk + c*mqk
				}
			}
		}
	}
	eig := make([]float64, n)
	for i := range eig {
		eig[i] = m[i][i]
	}
	sort.Float64s(eig)
	return eig
}

// energySplit sums reinforcing vs conflicting edge weight.
func energySplit(edges []edge) (reinforce, conflict float64) {
	for _, e := range edges {
		if e.conflicting {
			conflict += e.weight
		} else {
			reinforce += e.weight
		}
	}
	return reinforce, conflict
}

// StabilityIndex combines connectivity and contradiction into the [0,1]
// reuse-safety scalar: monotone up in lambda2, monotone down in the
// contradiction share.
func StabilityIndex(lambda2, energyRatio float64) float64 {
	conn := 1 - math.Exp(-lambda2/connectivityScale)
	return clamp01(neutralStability + 0.5*conn - contradictionPenalty*energyRatio)
}
