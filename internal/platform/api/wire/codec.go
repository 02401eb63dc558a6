package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"TileServer/internal/domain"
)

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) { e.buf = binary.BigEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.BigEndian.AppendUint64(e.buf, v) }
func (e *encoder) bytes(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *encoder) str(s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("%w: string of %d bytes does not fit a u16 length", domain.ErrProtocol, len(s))
	}
	e.u16(uint16(len(s)))
	e.bytes([]byte(s))
	return nil
}

// decoder reads big-endian fields; the first short read sticks in err.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n > len(d.buf) {
		d.err = fmt.Errorf("%w: payload truncated, need %d bytes, have %d", domain.ErrProtocol, n, len(d.buf))
		return nil
	}
	out := d.buf[:n]
	d.buf = d.buf[n:]
	return out
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) str() string {
	n := d.u16()
	return string(d.take(int(n)))
}

func (d *decoder) remaining() int {
	return len(d.buf)
}

func (d *decoder) finish() error {
	if d.err == nil && len(d.buf) != 0 {
		d.err = fmt.Errorf("%w: %d trailing bytes", domain.ErrProtocol, len(d.buf))
	}
	return d.err
}

func encodePacked(e *encoder, p domain.PackedSequence) error {
	if err := e.str(p.Name); err != nil {
		return err
	}
	e.u32(p.Length)
	e.bytes(p.Bits)
	e.u32(uint32(len(p.Exceptions)))
	for _, r := range p.Exceptions {
		e.u32(r.Start)
		e.u32(r.Length)
		e.u8(r.Symbol)
	}
	return nil
}

func decodePacked(d *decoder) (domain.PackedSequence, error) {
	p := domain.PackedSequence{Name: d.str(), Length: d.u32()}
	p.Bits = append([]byte(nil), d.take(int((uint64(p.Length)+3)/4))...)
	count := d.u32()
	if d.err == nil && uint64(count)*9 > uint64(d.remaining()) {
		return p, fmt.Errorf("%w: %d exception runs do not fit the payload", domain.ErrProtocol, count)
	}
	if count > 0 {
		p.Exceptions = make([]domain.ExceptionRun, count)
	}
	for i := range p.Exceptions {
		p.Exceptions[i] = domain.ExceptionRun{Start: d.u32(), Length: d.u32(), Symbol: d.u8()}
	}
	if d.err != nil {
		return p, d.err
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("%w: %w", domain.ErrProtocol, err)
	}
	return p, nil
}

func encodeHit(e *encoder, h domain.AlignmentHit) error {
	if err := e.str(h.TargetName); err != nil {
		return err
	}
	e.u32(h.TargetStart)
	e.u32(h.TargetEnd)
	e.u32(h.QueryStart)
	e.u32(h.QueryEnd)
	e.u8(byte(h.Strand))
	e.u32(uint32(h.Score))
	e.u32(h.Matches)
	e.u32(h.Mismatches)
	return nil
}

func decodeHit(d *decoder) (domain.AlignmentHit, error) {
	h := domain.AlignmentHit{
		TargetName:  d.str(),
		TargetStart: d.u32(),
		TargetEnd:   d.u32(),
		QueryStart:  d.u32(),
		QueryEnd:    d.u32(),
		Strand:      domain.Strand(d.u8()),
		Score:       int32(d.u32()),
		Matches:     d.u32(),
		Mismatches:  d.u32(),
	}
	if d.err != nil {
		return h, d.err
	}
	if !h.Strand.Valid() {
		return h, fmt.Errorf("%w: strand byte %q", domain.ErrProtocol, byte(h.Strand))
	}
	return h, nil
}
