package index

import (
	"sort"

	"TileServer/internal/domain"
)

type seed struct {
	q    int // offset in the oriented query
	t    int
	diag int
}

type chainKey struct {
	target uint32
	strand domain.Strand
}

// block is an ungapped stretch on one diagonal.
type block struct {
	q, t, length int
}

func (b block) diag() int { return b.t - b.q }
func (b block) qEnd() int { return b.q + b.length }
func (b block) tEnd() int { return b.t + b.length }

// Search finds alignment hits of query against the index.
func Search(query domain.Sequence, ix *TileIndex, params domain.IndexParameters) ([]domain.AlignmentHit, error) {
	return ix.Search(query, params)
}

func (ix *TileIndex) Search(query domain.Sequence, params domain.IndexParameters) ([]domain.AlignmentHit, error) {
	packed, err := domain.Encode(query)
	if err != nil {
		return nil, err
	}
	return ix.SearchPacked(packed, params), nil
}

// SearchPacked tiles the query at every offset, chains seeds that share a
// target, strand and nearby diagonal, and scores each chain. Only
// request-local state is written. The query must already be validated.
func (ix *TileIndex) SearchPacked(packed domain.PackedSequence, params domain.IndexParameters) []domain.AlignmentHit {
	k := ix.params.TileSize
	forward := packed.Codes()
	n := len(forward)
	if n < k {
		return []domain.AlignmentHit{}
	}
	reverse := make([]uint8, n)
	for i, c := range forward {
		if c == domain.InvalidCode {
			reverse[n-1-i] = c
		} else {
			reverse[n-1-i] = 3 - c
		}
	}

	groups := make(map[chainKey][]seed)
	for q := 0; q+k <= n; q++ {
		fwd, rev, ok := tileKeys(forward, q, k)
		if !ok {
			continue
		}
		key, queryStrand := canonical(fwd, rev)
		for _, occ := range ix.tiles[key] {
			s := seed{q: q, t: int(occ.Offset)}
			strand := domain.StrandForward
			if occ.Strand != queryStrand {
				strand = domain.StrandReverse
				s.q = n - q - k
			}
			s.diag = s.t - s.q
			ck := chainKey{target: occ.SeqID, strand: strand}
			groups[ck] = append(groups[ck], s)
		}
	}

	hits := []domain.AlignmentHit{}
	for ck, seeds := range groups {
		oriented := forward
		if ck.strand == domain.StrandReverse {
			oriented = reverse
		}
		target := ix.sequences[ck.target]
		for _, chain := range splitChains(seeds, params.DiagonalTolerance) {
			if len(chain) < params.MinMatch {
				continue
			}
			blocks := buildBlocks(chain, k)
			extendEnds(blocks, oriented, target)
			hit, ok := scoreChain(blocks, oriented, target, params)
			if !ok {
				continue
			}
			hit.TargetName = target.Name
			hit.Strand = ck.strand
			if ck.strand == domain.StrandReverse {
				hit.QueryStart, hit.QueryEnd = uint32(n)-hit.QueryEnd, uint32(n)-hit.QueryStart
			}
			hits = append(hits, hit)
		}
	}
	domain.SortHits(hits)
	return hits
}

// splitChains sorts seeds by diagonal and cuts wherever two neighbouring
// diagonals are further apart than tolerance.
func splitChains(seeds []seed, tolerance int) [][]seed {
	sort.Slice(seeds, func(i, j int) bool {
		if seeds[i].diag != seeds[j].diag {
			return seeds[i].diag < seeds[j].diag
		}
		return seeds[i].q < seeds[j].q
	})
	var chains [][]seed
	start := 0
	for i := 1; i <= len(seeds); i++ {
		if i == len(seeds) || seeds[i].diag-seeds[i-1].diag > tolerance {
			chains = append(chains, seeds[start:i])
			start = i
		}
	}
	return chains
}

// buildBlocks walks a chain in query order. Seeds on the current diagonal
// grow the current block; a new diagonal starts a block trimmed so that
// blocks never overlap in either sequence.
func buildBlocks(chain []seed, k int) []block {
	ordered := make([]seed, len(chain))
	copy(ordered, chain)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].q != ordered[j].q {
			return ordered[i].q < ordered[j].q
		}
		return ordered[i].t < ordered[j].t
	})

	cur := block{q: ordered[0].q, t: ordered[0].t, length: k}
	var blocks []block
	for _, s := range ordered[1:] {
		if s.diag == cur.diag() {
			if end := s.q + k; end > cur.qEnd() {
				cur.length = end - cur.q
			}
			continue
		}
		trim := max(cur.qEnd()-s.q, cur.tEnd()-s.t, 0)
		if trim >= k {
			continue
		}
		blocks = append(blocks, cur)
		cur = block{q: s.q + trim, t: s.t + trim, length: k - trim}
	}
	return append(blocks, cur)
}

func basesMatch(q uint8, target domain.PackedSequence, t int) bool {
	if q == domain.InvalidCode {
		return false
	}
	c, ok := target.Code(uint32(t))
	return ok && c == q
}

// extendEnds grows the outer blocks while the bases keep matching exactly.
func extendEnds(blocks []block, query []uint8, target domain.PackedSequence) {
	first := &blocks[0]
	for first.q > 0 && first.t > 0 && basesMatch(query[first.q-1], target, first.t-1) {
		first.q--
		first.t--
		first.length++
	}
	last := &blocks[len(blocks)-1]
	tLen := int(target.Length)
	for last.qEnd() < len(query) && last.tEnd() < tLen && basesMatch(query[last.qEnd()], target, last.tEnd()) {
		last.length++
	}
}

func scoreChain(blocks []block, query []uint8, target domain.PackedSequence,
	params domain.IndexParameters) (domain.AlignmentHit, bool) {
	var matches, mismatches, penalty int
	for i, b := range blocks {
		for j := 0; j < b.length; j++ {
			if basesMatch(query[b.q+j], target, b.t+j) {
				matches++
			} else {
				mismatches++
			}
		}
		if i > 0 {
			delta := b.diag() - blocks[i-1].diag()
			if delta < 0 {
				delta = -delta
			}
			if delta > params.MaxGap {
				penalty += delta
			}
		}
	}
	score := matches - mismatches - penalty
	if score < params.MinScore {
		return domain.AlignmentHit{}, false
	}
	first, last := blocks[0], blocks[len(blocks)-1]
	return domain.AlignmentHit{
		TargetStart: uint32(first.t),
		TargetEnd:   uint32(last.tEnd()),
		QueryStart:  uint32(first.q),
		QueryEnd:    uint32(last.qEnd()),
		Score:       int32(score),
		Matches:     uint32(matches),
		Mismatches:  uint32(mismatches),
	}, true
}
