package domain

import (
	"fmt"
	"math"
	"sort"
)

// InvalidCode marks a base that has no 2-bit representation.
const InvalidCode = 4

const codeLetters = "ACGT"

var (
	twoBit      [256]uint8
	validSymbol [256]bool
)

func init() {
	for i := range twoBit {
		twoBit[i] = InvalidCode
	}
	for code, c := range codeLetters {
		twoBit[c] = uint8(code)
		twoBit[c+('a'-'A')] = uint8(code)
	}
	for _, c := range "ACGTUNRYKMSWBDHV" {
		validSymbol[c] = true
		validSymbol[c+('a'-'A')] = true
	}
}

// ExceptionRun is a run of identical symbols that are not uppercase ACGT.
type ExceptionRun struct {
	Start  uint32
	Length uint32
	Symbol byte
}

func (r ExceptionRun) end() uint32 {
	return r.Start + r.Length
}

// PackedSequence stores four bases per byte, first base in the high bits.
// Symbols other than uppercase ACGT are kept in Exceptions so that decoding
// is exact; lowercase acgt also keep their 2-bit code in Bits.
type PackedSequence struct {
	Name       string
	Length     uint32
	Bits       []byte
	Exceptions []ExceptionRun
}

func packedLen(n uint32) int {
	return int((uint64(n) + 3) / 4)
}

// Encode packs seq into its 2-bit form.
func Encode(seq Sequence) (PackedSequence, error) {
	bases := seq.Bases()
	if len(bases) == 0 {
		return PackedSequence{}, fmt.Errorf("%w: sequence %q is empty", ErrInvalidSequence, seq.Name())
	}
	if uint64(len(bases)) > math.MaxUint32 {
		return PackedSequence{}, fmt.Errorf("%w: sequence %q is longer than %d bases",
			ErrInvalidSequence, seq.Name(), uint32(math.MaxUint32))
	}
	n := uint32(len(bases))
	packed := PackedSequence{
		Name:   seq.Name(),
		Length: n,
		Bits:   make([]byte, packedLen(n)),
	}
	for i, b := range bases {
		if !validSymbol[b] {
			return PackedSequence{}, fmt.Errorf("%w: sequence %q has symbol %q at position %d",
				ErrInvalidSequence, seq.Name(), b, i)
		}
		code := twoBit[b]
		if code != InvalidCode {
			packed.Bits[i>>2] |= code << (6 - 2*uint(i&3))
		}
		if code != InvalidCode && b < 'a' {
			continue
		}
		pos := uint32(i)
		last := len(packed.Exceptions) - 1
		if last >= 0 && packed.Exceptions[last].Symbol == b && packed.Exceptions[last].end() == pos {
			packed.Exceptions[last].Length++
			continue
		}
		packed.Exceptions = append(packed.Exceptions, ExceptionRun{Start: pos, Length: 1, Symbol: b})
	}
	return packed, nil
}

// Validate checks the structural invariants Decode relies on.
func (p PackedSequence) Validate() error {
	if p.Length == 0 {
		return fmt.Errorf("%w: packed sequence %q is empty", ErrInvalidSequence, p.Name)
	}
	if len(p.Bits) != packedLen(p.Length) {
		return fmt.Errorf("%w: packed sequence %q has %d bytes for %d bases",
			ErrInvalidSequence, p.Name, len(p.Bits), p.Length)
	}
	var prevEnd uint64
	for i, r := range p.Exceptions {
		end := uint64(r.Start) + uint64(r.Length)
		switch {
		case r.Length == 0:
			return fmt.Errorf("%w: exception %d of %q is empty", ErrInvalidSequence, i, p.Name)
		case !validSymbol[r.Symbol]:
			return fmt.Errorf("%w: exception %d of %q has symbol %q", ErrInvalidSequence, i, p.Name, r.Symbol)
		case uint64(r.Start) < prevEnd:
			return fmt.Errorf("%w: exception %d of %q overlaps its predecessor", ErrInvalidSequence, i, p.Name)
		case end > uint64(p.Length):
			return fmt.Errorf("%w: exception %d of %q exceeds length %d", ErrInvalidSequence, i, p.Name, p.Length)
		}
		prevEnd = end
	}
	return nil
}

// Decode restores the original sequence from its packed form.
func Decode(p PackedSequence) (Sequence, error) {
	if err := p.Validate(); err != nil {
		return Sequence{}, err
	}
	out := make([]byte, p.Length)
	for i := range out {
		out[i] = codeLetters[p.code(uint32(i))]
	}
	for _, r := range p.Exceptions {
		for i := r.Start; i < r.end(); i++ {
			out[i] = r.Symbol
		}
	}
	return Sequence{name: p.Name, bases: out}, nil
}

func (p PackedSequence) code(i uint32) uint8 {
	return (p.Bits[i>>2] >> (6 - 2*(i&3))) & 3
}

func (p PackedSequence) exceptionAt(i uint32) (byte, bool) {
	idx := sort.Search(len(p.Exceptions), func(j int) bool {
		return p.Exceptions[j].end() > i
	})
	if idx < len(p.Exceptions) && p.Exceptions[idx].Start <= i {
		return p.Exceptions[idx].Symbol, true
	}
	return 0, false
}

// Code returns the 2-bit code of base i. ok is false when the base is not
// one of ACGT in either case.
func (p PackedSequence) Code(i uint32) (uint8, bool) {
	if sym, found := p.exceptionAt(i); found && twoBit[sym] == InvalidCode {
		return 0, false
	}
	return p.code(i), true
}

// Base returns the original symbol at position i.
func (p PackedSequence) Base(i uint32) byte {
	if sym, found := p.exceptionAt(i); found {
		return sym
	}
	return codeLetters[p.code(i)]
}

// Codes unpacks every base into its 2-bit code, InvalidCode for non-ACGT.
func (p PackedSequence) Codes() []uint8 {
	out := make([]uint8, p.Length)
	for i := range out {
		out[i] = p.code(uint32(i))
	}
	for _, r := range p.Exceptions {
		if twoBit[r.Symbol] != InvalidCode {
			continue
		}
		for i := r.Start; i < r.end(); i++ {
			out[i] = InvalidCode
		}
	}
	return out
}

// Codes2Bit maps raw symbols to 2-bit codes without packing them.
func Codes2Bit(bases []byte) []uint8 {
	out := make([]uint8, len(bases))
	for i, b := range bases {
		out[i] = twoBit[b]
	}
	return out
}
