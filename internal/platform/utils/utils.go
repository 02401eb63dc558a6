package utils

import (
	"encoding/binary"
	"fmt"
	"io"

	"TileServer/internal/domain"
	"TileServer/internal/domain/index"
)

var order = binary.LittleEndian

// readExactly reads n bytes without trusting n for the allocation, so a
// corrupt length fails at end of input instead of exhausting memory.
func readExactly(r io.Reader, n uint64) ([]byte, error) {
	buf, err := io.ReadAll(io.LimitReader(r, int64(n)))
	if err != nil {
		return nil, err
	}
	if uint64(len(buf)) != n {
		return nil, io.ErrUnexpectedEOF
	}
	return buf, nil
}

// AppendPackedSequence writes name, length, packed bits and exception runs.
func AppendPackedSequence(w io.Writer, seq domain.PackedSequence) error {
	name := []byte(seq.Name)
	if len(name) > 0xFFFF {
		return fmt.Errorf("sequence name of %d bytes too long", len(name))
	}
	if err := binary.Write(w, order, uint16(len(name))); err != nil {
		return err
	}
	if _, err := w.Write(name); err != nil {
		return err
	}
	if err := binary.Write(w, order, seq.Length); err != nil {
		return err
	}
	if _, err := w.Write(seq.Bits); err != nil {
		return err
	}
	if err := binary.Write(w, order, uint32(len(seq.Exceptions))); err != nil {
		return err
	}
	for _, run := range seq.Exceptions {
		if err := binary.Write(w, order, run); err != nil {
			return err
		}
	}
	return nil
}

func ReadPackedSequence(r io.Reader) (domain.PackedSequence, error) {
	var seq domain.PackedSequence

	var nameLen uint16
	if err := binary.Read(r, order, &nameLen); err != nil {
		return seq, err
	}
	name, err := readExactly(r, uint64(nameLen))
	if err != nil {
		return seq, err
	}
	seq.Name = string(name)

	if err := binary.Read(r, order, &seq.Length); err != nil {
		return seq, err
	}
	if seq.Bits, err = readExactly(r, (uint64(seq.Length)+3)/4); err != nil {
		return seq, err
	}

	var runs uint32
	if err := binary.Read(r, order, &runs); err != nil {
		return seq, err
	}
	// Runs never outnumber bases.
	if runs > seq.Length {
		return seq, fmt.Errorf("sequence %q: %d exception runs for %d bases", seq.Name, runs, seq.Length)
	}
	if runs > 0 {
		seq.Exceptions = make([]domain.ExceptionRun, runs)
		if err := binary.Read(r, order, seq.Exceptions); err != nil {
			return seq, err
		}
	}
	return seq, seq.Validate()
}

// AppendTileRecord writes one tile key with its occurrence list.
func AppendTileRecord(w io.Writer, key uint64, occurrences []index.Occurrence) error {
	if err := binary.Write(w, order, key); err != nil {
		return err
	}
	if err := binary.Write(w, order, uint32(len(occurrences))); err != nil {
		return err
	}
	buf := make([]byte, 0, 9*len(occurrences))
	for _, occ := range occurrences {
		buf = order.AppendUint32(buf, occ.SeqID)
		buf = order.AppendUint32(buf, occ.Offset)
		buf = append(buf, byte(occ.Strand))
	}
	_, err := w.Write(buf)
	return err
}

func ReadTileRecord(r io.Reader) (uint64, []index.Occurrence, error) {
	var key uint64
	if err := binary.Read(r, order, &key); err != nil {
		return 0, nil, err
	}
	var n uint32
	if err := binary.Read(r, order, &n); err != nil {
		return 0, nil, err
	}
	raw, err := readExactly(r, 9*uint64(n))
	if err != nil {
		return 0, nil, err
	}
	occurrences := make([]index.Occurrence, n)
	for i := range occurrences {
		rec := raw[9*i:]
		occurrences[i] = index.Occurrence{
			SeqID:  order.Uint32(rec),
			Offset: order.Uint32(rec[4:]),
			Strand: domain.Strand(rec[8]),
		}
		if !occurrences[i].Strand.Valid() {
			return 0, nil, fmt.Errorf("tile %#x: bad strand %q", key, rec[8])
		}
	}
	return key, occurrences, nil
}
