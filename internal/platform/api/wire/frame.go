package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"TileServer/internal/domain"
)

type Command byte

const (
	CmdQuery       Command = 0x01
	CmdStatus      Command = 0x02
	CmdStop        Command = 0x03
	CmdResult      Command = 0x81
	CmdStatusReply Command = 0x82
	CmdError       Command = 0xFF
)

func (c Command) String() string {
	switch c {
	case CmdQuery:
		return "QUERY"
	case CmdStatus:
		return "STATUS"
	case CmdStop:
		return "STOP"
	case CmdResult:
		return "RESULT"
	case CmdStatusReply:
		return "STATUS_REPLY"
	case CmdError:
		return "ERROR"
	}
	return fmt.Sprintf("0x%02x", byte(c))
}

const (
	ProtocolVersion uint8 = 1

	headerSize   = 4
	maxPayloadMB = 64
	// MaxFrameSize bounds the length field: command byte plus payload.
	MaxFrameSize = maxPayloadMB * 1024 * 1024
)

// Frame is one protocol message:
// [4B big-endian length][1B command][payload], length counting command and payload.
type Frame struct {
	Command Command
	Payload []byte
}

// WriteFrame writes the frame with a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	size := 1 + len(f.Payload)
	if size > MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds %dMB limit", domain.ErrProtocol, size, maxPayloadMB)
	}
	buf := make([]byte, headerSize+size)
	binary.BigEndian.PutUint32(buf[:headerSize], uint32(size))
	buf[headerSize] = byte(f.Command)
	copy(buf[headerSize+1:], f.Payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame. A clean end of stream before the first header
// byte is reported as io.EOF; anything malformed wraps domain.ErrProtocol.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: truncated frame header", domain.ErrProtocol)
		}
		return Frame{}, fmt.Errorf("read header: %w", err)
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size == 0 {
		return Frame{}, fmt.Errorf("%w: frame without command byte", domain.ErrProtocol)
	}
	if size > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: frame length %d exceeds %dMB limit", domain.ErrProtocol, size, maxPayloadMB)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: truncated frame body", domain.ErrProtocol)
		}
		return Frame{}, fmt.Errorf("read body: %w", err)
	}
	return Frame{Command: Command(body[0]), Payload: body[1:]}, nil
}
