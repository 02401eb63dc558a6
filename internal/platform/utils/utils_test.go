package utils

import (
	"bytes"
	"errors"
	"io"
	"os"
	"reflect"
	"testing"

	"TileServer/internal/domain"
	"TileServer/internal/domain/index"
)

func TestAppendPackedSequenceAndRead(t *testing.T) {
	var buf bytes.Buffer

	seq, err := domain.Encode(domain.NewSequence("chrM", []byte("ACGTNNNNacgtRYacgt")))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := AppendPackedSequence(&buf, seq); err != nil {
		t.Fatalf("AppendPackedSequence failed: %v", err)
	}

	read, err := ReadPackedSequence(&buf)
	if err != nil {
		t.Fatalf("ReadPackedSequence failed: %v", err)
	}
	if !reflect.DeepEqual(read, seq) {
		t.Errorf("sequence does not match:\nexpected: %+v\ngot: %+v", seq, read)
	}
	decoded, err := domain.Decode(read)
	if err != nil || decoded.String() != "ACGTNNNNacgtRYacgt" {
		t.Errorf("decoded %q, %v", decoded.String(), err)
	}
}

func TestReadPackedSequence_Truncated(t *testing.T) {
	var buf bytes.Buffer
	seq, _ := domain.Encode(domain.NewSequence("x", []byte("ACGTACGT")))
	if err := AppendPackedSequence(&buf, seq); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	for cut := 1; cut < len(raw); cut++ {
		if _, err := ReadPackedSequence(bytes.NewReader(raw[:cut])); err == nil {
			t.Fatalf("cut at %d: expected error", cut)
		}
	}
}

func TestTileRecordsInFile(t *testing.T) {
	tmpFile, err := os.CreateTemp(t.TempDir(), "tiles")
	if err != nil {
		t.Fatalf("could not create temp file: %v", err)
	}
	defer tmpFile.Close()

	expected := map[uint64][]index.Occurrence{
		0x1F:  {{SeqID: 0, Offset: 11, Strand: domain.StrandForward}},
		0xABC: {{SeqID: 1, Offset: 0, Strand: domain.StrandReverse}, {SeqID: 2, Offset: 99, Strand: domain.StrandForward}},
	}
	for _, key := range []uint64{0x1F, 0xABC} {
		if err := AppendTileRecord(tmpFile, key, expected[key]); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("seek failed: %v", err)
	}
	got := map[uint64][]index.Occurrence{}
	for {
		key, occ, err := ReadTileRecord(tmpFile)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		got[key] = occ
	}
	if !reflect.DeepEqual(expected, got) {
		t.Errorf("tiles do not match:\nexpected: %+v\ngot: %+v", expected, got)
	}
}

func TestReadTileRecord_RejectsBadStrand(t *testing.T) {
	var buf bytes.Buffer
	if err := AppendTileRecord(&buf, 7, []index.Occurrence{{Strand: 'x'}}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ReadTileRecord(&buf); err == nil {
		t.Fatal("expected bad strand error")
	}
}
