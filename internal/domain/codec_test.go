package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const extendedAlphabet = "ACGTNacgtnRYKMSWBDHVUryk"

func genBases(t *rapid.T) []byte {
	symbol := rapid.SampledFrom([]byte(extendedAlphabet))
	return rapid.SliceOfN(symbol, 1, 300).Draw(t, "bases")
}

func TestCodec_RoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		seq := NewSequence(rapid.StringMatching(`[a-z0-9]{1,12}`).Draw(rt, "name"), genBases(rt))

		packed, err := Encode(seq)
		if err != nil {
			rt.Fatalf("encode: %v", err)
		}
		decoded, err := Decode(packed)
		if err != nil {
			rt.Fatalf("decode: %v", err)
		}
		if decoded.Name() != seq.Name() || decoded.String() != seq.String() {
			rt.Fatalf("round trip mismatch: %q -> %q", seq.String(), decoded.String())
		}
		for i := range seq.Bases() {
			if packed.Base(uint32(i)) != seq.Bases()[i] {
				rt.Fatalf("Base(%d) = %q, want %q", i, packed.Base(uint32(i)), seq.Bases()[i])
			}
		}
	})
}

func TestEncode_PacksFourBasesPerByte(t *testing.T) {
	packed, err := Encode(NewSequence("s", []byte("ACGTT")))
	require.NoError(t, err)

	assert.Equal(t, uint32(5), packed.Length)
	assert.Equal(t, []byte{0x1B, 0xC0}, packed.Bits)
	assert.Empty(t, packed.Exceptions)
}

func TestEncode_CollapsesExceptionRuns(t *testing.T) {
	packed, err := Encode(NewSequence("s", []byte("ANNNNacgNRR")))
	require.NoError(t, err)

	assert.Equal(t, []ExceptionRun{
		{Start: 1, Length: 4, Symbol: 'N'},
		{Start: 5, Length: 1, Symbol: 'a'},
		{Start: 6, Length: 1, Symbol: 'c'},
		{Start: 7, Length: 1, Symbol: 'g'},
		{Start: 8, Length: 1, Symbol: 'N'},
		{Start: 9, Length: 2, Symbol: 'R'},
	}, packed.Exceptions)

	code, ok := packed.Code(6)
	assert.True(t, ok, "lowercase bases keep their code")
	assert.Equal(t, uint8(1), code)
	_, ok = packed.Code(2)
	assert.False(t, ok)
	assert.Equal(t, []uint8{0, 4, 4, 4, 4, 0, 1, 2, 4, 4, 4}, packed.Codes())
}

func TestEncode_RejectsEmptyAndForeignSymbols(t *testing.T) {
	_, err := Encode(NewSequence("empty", nil))
	assert.True(t, errors.Is(err, ErrInvalidSequence))

	_, err = Encode(NewSequence("digits", []byte("ACG7T")))
	assert.True(t, errors.Is(err, ErrInvalidSequence))
	assert.Contains(t, err.Error(), "position 3")
}

func TestDecode_RejectsCorruptPackedSequences(t *testing.T) {
	valid, err := Encode(NewSequence("s", []byte("ACGTNNACGT")))
	require.NoError(t, err)

	short := valid
	short.Bits = valid.Bits[:1]
	_, err = Decode(short)
	assert.True(t, errors.Is(err, ErrInvalidSequence))

	outOfRange := valid
	outOfRange.Exceptions = []ExceptionRun{{Start: 9, Length: 4, Symbol: 'N'}}
	_, err = Decode(outOfRange)
	assert.True(t, errors.Is(err, ErrInvalidSequence))

	overlapping := valid
	overlapping.Exceptions = []ExceptionRun{{Start: 2, Length: 3, Symbol: 'N'}, {Start: 3, Length: 1, Symbol: 'N'}}
	_, err = Decode(overlapping)
	assert.True(t, errors.Is(err, ErrInvalidSequence))
}

func TestReverseComplement(t *testing.T) {
	assert.Equal(t, "NACGT", string(ReverseComplement([]byte("ACGTN"))))
	assert.Equal(t, "acgYR", string(ReverseComplement([]byte("YRcgt"))))
}
