package domain

import (
	"fmt"
	"sort"
)

type Strand byte

const (
	StrandForward Strand = '+'
	StrandReverse Strand = '-'
)

func (s Strand) Valid() bool {
	return s == StrandForward || s == StrandReverse
}

func (s Strand) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid strand %q", byte(s))
	}
	return []byte{byte(s)}, nil
}

func (s *Strand) UnmarshalText(text []byte) error {
	if len(text) != 1 || !Strand(text[0]).Valid() {
		return fmt.Errorf("invalid strand %q", text)
	}
	*s = Strand(text[0])
	return nil
}

// AlignmentHit uses 0-based half-open coordinates on the forward strand of
// both the target and the query.
type AlignmentHit struct {
	TargetName  string `json:"target"`
	TargetStart uint32 `json:"target_start"`
	TargetEnd   uint32 `json:"target_end"`
	QueryStart  uint32 `json:"query_start"`
	QueryEnd    uint32 `json:"query_end"`
	Strand      Strand `json:"strand"`
	Score       int32  `json:"score"`
	Matches     uint32 `json:"matches"`
	Mismatches  uint32 `json:"mismatches"`
}

func (h AlignmentHit) Span() uint32 {
	return h.TargetEnd - h.TargetStart
}

func (h AlignmentHit) String() string {
	return fmt.Sprintf("%s:%d-%d %c query:%d-%d score=%d match=%d mismatch=%d",
		h.TargetName, h.TargetStart, h.TargetEnd, h.Strand, h.QueryStart, h.QueryEnd,
		h.Score, h.Matches, h.Mismatches)
}

// HitLess orders hits by descending score, then longer span, then target
// name, then target start. Strand and query start only separate otherwise
// identical hits.
func HitLess(a, b AlignmentHit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Span() != b.Span() {
		return a.Span() > b.Span()
	}
	if a.TargetName != b.TargetName {
		return a.TargetName < b.TargetName
	}
	if a.TargetStart != b.TargetStart {
		return a.TargetStart < b.TargetStart
	}
	if a.Strand != b.Strand {
		return a.Strand == StrandForward
	}
	return a.QueryStart < b.QueryStart
}

func SortHits(hits []AlignmentHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		return HitLess(hits[i], hits[j])
	})
}
