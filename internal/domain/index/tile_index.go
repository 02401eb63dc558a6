package index

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"TileServer/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Occurrence is one place a canonical tile was seen in the reference set.
type Occurrence struct {
	SeqID  uint32
	Offset uint32
	// Strand is the orientation that produced the canonical key.
	Strand domain.Strand
}

type Stats struct {
	Sequences          int    `json:"sequences"`
	TotalBases         uint64 `json:"total_bases"`
	IndexedTiles       uint64 `json:"indexed_tiles"`
	DistinctTiles      uint64 `json:"distinct_tiles"`
	DroppedTiles       uint64 `json:"dropped_tiles"`
	DroppedOccurrences uint64 `json:"dropped_occurrences"`
}

// TileIndex maps canonical tiles to their reference occurrences. It is never
// modified after construction, so concurrent readers need no locking.
type TileIndex struct {
	params    domain.IndexParameters
	sequences []domain.PackedSequence
	tiles     map[uint64][]Occurrence
	stats     Stats
}

// New assembles an index from already-built parts, as read back from disk.
func New(params domain.IndexParameters, sequences []domain.PackedSequence,
	tiles map[uint64][]Occurrence, stats Stats) *TileIndex {
	return &TileIndex{
		params:    params,
		sequences: sequences,
		tiles:     tiles,
		stats:     stats,
	}
}

func (ix *TileIndex) Params() domain.IndexParameters {
	return ix.params
}

func (ix *TileIndex) Stats() Stats {
	return ix.stats
}

func (ix *TileIndex) Sequences() []domain.PackedSequence {
	return ix.sequences
}

func (ix *TileIndex) Lookup(key uint64) []Occurrence {
	return ix.tiles[key]
}

// TileCount is the number of distinct tiles kept in the index.
func (ix *TileIndex) TileCount() int {
	return len(ix.tiles)
}

// ForEachTile visits every tile in ascending key order.
func (ix *TileIndex) ForEachTile(fn func(key uint64, occ []Occurrence) error) error {
	keys := make([]uint64, 0, len(ix.tiles))
	for k := range ix.tiles {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		if err := fn(k, ix.tiles[k]); err != nil {
			return err
		}
	}
	return nil
}

// tileKeys computes the forward and reverse-complement keys of the tile at
// codes[start:start+k]. ok is false when the tile holds a non-ACGT base.
func tileKeys(codes []uint8, start, k int) (fwd, rev uint64, ok bool) {
	for j := 0; j < k; j++ {
		c := codes[start+j]
		if c == domain.InvalidCode {
			return 0, 0, false
		}
		fwd = fwd<<2 | uint64(c)
		rev |= uint64(3-c) << (2 * uint(j))
	}
	return fwd, rev, true
}

func canonical(fwd, rev uint64) (uint64, domain.Strand) {
	if fwd <= rev {
		return fwd, domain.StrandForward
	}
	return rev, domain.StrandReverse
}

type tileRecord struct {
	key    uint64
	offset uint32
	strand domain.Strand
}

func extractTiles(ctx context.Context, codes []uint8, params domain.IndexParameters) ([]tileRecord, error) {
	k := params.TileSize
	records := make([]tileRecord, 0, len(codes)/params.StepSize+1)
	for start := 0; start+k <= len(codes); start += params.StepSize {
		if start%(1<<20) == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		fwd, rev, ok := tileKeys(codes, start, k)
		if !ok {
			continue
		}
		key, strand := canonical(fwd, rev)
		records = append(records, tileRecord{key: key, offset: uint32(start), strand: strand})
	}
	return records, nil
}

// Build packs the references and indexes every StepSize-spaced tile. Tiles
// seen more than MaxRepeat times are left out of the index.
func Build(ctx context.Context, refs []domain.Sequence, params domain.IndexParameters) (*TileIndex, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIndexBuild, err)
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: no reference sequences", domain.ErrIndexBuild)
	}

	var total uint64
	shortest := refs[0]
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if _, dup := seen[ref.Name()]; dup {
			return nil, fmt.Errorf("%w: duplicate sequence name %q", domain.ErrIndexBuild, ref.Name())
		}
		seen[ref.Name()] = struct{}{}
		total += uint64(ref.Len())
		if ref.Len() < shortest.Len() {
			shortest = ref
		}
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: total reference length is zero", domain.ErrIndexBuild)
	}
	if params.TileSize > shortest.Len() {
		return nil, fmt.Errorf("%w: tile size %d exceeds sequence %q of length %d",
			domain.ErrIndexBuild, params.TileSize, shortest.Name(), shortest.Len())
	}
	if uint64(len(refs)) > uint64(^uint32(0)) {
		return nil, fmt.Errorf("%w: too many sequences", domain.ErrIndexBuild)
	}

	packed := make([]domain.PackedSequence, len(refs))
	perSeq := make([][]tileRecord, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range refs {
		g.Go(func() error {
			p, err := domain.Encode(refs[i])
			if err != nil {
				return err
			}
			records, err := extractTiles(gctx, p.Codes(), params)
			if err != nil {
				return err
			}
			packed[i] = p
			perSeq[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrIndexBuild, err)
	}

	stats := Stats{Sequences: len(refs), TotalBases: total}
	tiles := make(map[uint64][]Occurrence)
	for id, records := range perSeq {
		for _, r := range records {
			tiles[r.key] = append(tiles[r.key], Occurrence{SeqID: uint32(id), Offset: r.offset, Strand: r.strand})
		}
	}
	for key, occ := range tiles {
		if len(occ) > params.MaxRepeat {
			stats.DroppedTiles++
			stats.DroppedOccurrences += uint64(len(occ))
			delete(tiles, key)
			continue
		}
		stats.IndexedTiles += uint64(len(occ))
	}
	stats.DistinctTiles = uint64(len(tiles))

	return New(params, packed, tiles, stats), nil
}
