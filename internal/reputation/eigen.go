package reputation

import (
	"github.com/nmxmxh/cortex-grid/internal/identity"
)

const (
	eigenEpsilon       = 0.001
	eigenMaxIterations = 20
	eigenAlpha         = 0.1
)

// Recompute runs the EigenTrust power iteration over the full rating
// history and writes the resulting scores back into the global trust map
// (§4.5). It is idempotent: running it twice with no new ratings since the
// last run yields the same scores to within eigenEpsilon.
func (g *Graph) Recompute() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recomputeLocked()
}

func (g *Graph) recomputeLocked() {
	nodes := g.collectNodesLocked()
	n := len(nodes)
	if n == 0 {
		return
	}
	index := make(map[identity.NodeID]int, n)
	for i, id := range nodes {
		index[id] = i
	}

	// local[i][j] = sum of ratings from i about j (unweighted; only the
	// sign/magnitude of raw history matters for the matrix build, per
	// §4.5 step 2: "L[rater][ratee] = max(0, sum ratings)").
	local := make([][]float64, n)
	for i := range local {
		local[i] = make([]float64, n)
	}
	for _, r := range g.history {
		ri, ok1 := index[r.Rater]
		ti, ok2 := index[r.Ratee]
		if !ok1 || !ok2 {
			continue
		}
		local[ri][ti] += float64(r.Value)
	}

	// Row-normalize into C; only positive trust propagates.
	c := make([][]float64, n)
	for i := range c {
		c[i] = make([]float64, n)
		sum := 0.0
		for j := range local[i] {
			if local[i][j] < 0 {
				local[i][j] = 0
			}
			sum += local[i][j]
		}
		if sum > 0 {
			for j := range local[i] {
				c[i][j] = local[i][j] / sum
			}
		}
	}

	// Bias vector p: uniform over pre-trusted if any, else uniform over all.
	p := make([]float64, n)
	preTrustedCount := 0
	for _, id := range nodes {
		if g.preTrusted[id] {
			preTrustedCount++
		}
	}
	if preTrustedCount > 0 {
		for i, id := range nodes {
			if g.preTrusted[id] {
				p[i] = 1.0 / float64(preTrustedCount)
			}
		}
	} else {
		for i := range p {
			p[i] = 1.0 / float64(n)
		}
	}

	t := append([]float64(nil), p...)
	for iter := 0; iter < eigenMaxIterations; iter++ {
		next := make([]float64, n)
		for j := 0; j < n; j++ {
			sum := 0.0
			for i := 0; i < n; i++ {
				sum += c[i][j] * t[i]
			}
			next[j] = (1-eigenAlpha)*sum + eigenAlpha*p[j]
		}
		delta := l1Distance(t, next)
		t = next
		if delta < eigenEpsilon {
			break
		}
	}

	for i, id := range nodes {
		score := clampScore(float32(t[i] * float64(n)))
		if g.preTrusted[id] && score < 0.9 {
			score = 0.9
		}
		g.globalTrust[id] = score
	}
}

func (g *Graph) collectNodesLocked() []identity.NodeID {
	seen := make(map[identity.NodeID]struct{})
	for _, r := range g.history {
		seen[r.Rater] = struct{}{}
		seen[r.Ratee] = struct{}{}
	}
	for id := range g.preTrusted {
		seen[id] = struct{}{}
	}
	out := make([]identity.NodeID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

func l1Distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum
}
