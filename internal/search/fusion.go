package search

import "sort"

// fusedCandidate is one chunk after RRF fusion of the BM25 and vector
// lists. Ranks are 1-based; 0 means absent from that list.
type fusedCandidate struct {
	id       int64
	bm25Rank int
	vecRank  int
	rrfScore float64
}

// fuseRRF merges two ranked id lists with Reciprocal Rank Fusion:
// RRF(d) = Σᵢ wᵢ/(k+rankᵢ(d)), where a list d is absent from
// contributes nothing. Sorted descending by score; ties prefer the
// lower combined rank, then the lower id.
func fuseRRF(bm25IDs, vecIDs []int64, bm25Weight, vecWeight float64) []fusedCandidate {
	byID := make(map[int64]*fusedCandidate, len(bm25IDs)+len(vecIDs))

	get := func(id int64) *fusedCandidate {
		c, ok := byID[id]
		if !ok {
			c = &fusedCandidate{id: id}
			byID[id] = c
		}
		return c
	}

	for i, id := range bm25IDs {
		c := get(id)
		c.bm25Rank = i + 1
		c.rrfScore += bm25Weight / float64(RRFConstant+c.bm25Rank)
	}
	for i, id := range vecIDs {
		c := get(id)
		c.vecRank = i + 1
		c.rrfScore += vecWeight / float64(RRFConstant+c.vecRank)
	}

	// Absence counts as one past the end of that list, so on equal
	// scores a chunk present in both lists sorts first.
	combined := func(c *fusedCandidate) int {
		sum := 0
		if c.bm25Rank > 0 {
			sum += c.bm25Rank
		} else {
			sum += len(bm25IDs) + 1
		}
		if c.vecRank > 0 {
			sum += c.vecRank
		} else {
			sum += len(vecIDs) + 1
		}
		return sum
	}

	fused := make([]fusedCandidate, 0, len(byID))
	for _, c := range byID {
		fused = append(fused, *c)
	}
	sort.Slice(fused, func(a, b int) bool {
		if fused[a].rrfScore != fused[b].rrfScore {
			return fused[a].rrfScore > fused[b].rrfScore
		}
		ca, cb := combined(&fused[a]), combined(&fused[b])
		if ca != cb {
			return ca < cb
		}
		return fused[a].id < fused[b].id
	})
	return fused
}
