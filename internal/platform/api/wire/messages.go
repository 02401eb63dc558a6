package wire

import (
	"errors"
	"fmt"
	"math"

	"TileServer/internal/domain"
)

// Request is the closed set of client-to-server messages.
type Request interface {
	Command() Command
	isRequest()
}

// Response is the closed set of server-to-client messages.
type Response interface {
	Command() Command
	isResponse()
}

const (
	flagMinScore uint8 = 1 << iota
	flagMinMatch
	flagMaxHits
)

type QueryRequest struct {
	Version   uint8
	Sequence  domain.PackedSequence
	Overrides domain.SearchOverrides
}

type StatusRequest struct{}

type StopRequest struct{}

func (QueryRequest) Command() Command  { return CmdQuery }
func (StatusRequest) Command() Command { return CmdStatus }
func (StopRequest) Command() Command   { return CmdStop }
func (QueryRequest) isRequest()        {}
func (StatusRequest) isRequest()       {}
func (StopRequest) isRequest()         {}

type ResultResponse struct {
	Hits []domain.AlignmentHit
}

// StatusReply is the liveness handshake answer. Fields after ActiveSessions
// are an extension older readers may ignore.
type StatusReply struct {
	State           domain.ServerState `json:"state"`
	ActiveSessions  uint32             `json:"active_sessions"`
	ProtocolVersion uint8              `json:"protocol_version"`
	QueriesServed   uint64             `json:"queries_served"`
	Sequences       uint32             `json:"sequences"`
	IndexedTiles    uint64             `json:"indexed_tiles"`
}

// Compatible reports whether the replying server speaks our protocol.
func (s StatusReply) Compatible() bool {
	return s.ProtocolVersion == ProtocolVersion
}

type ErrorCode uint16

const (
	CodeProtocol ErrorCode = iota + 1
	CodeInvalidSequence
	CodeServerStopping
	CodeVersionMismatch
	CodeNotReady
	CodeInternal
)

// ClosesSession reports whether the server hangs up after sending this code.
func (c ErrorCode) ClosesSession() bool {
	switch c {
	case CodeProtocol, CodeServerStopping, CodeVersionMismatch:
		return true
	}
	return false
}

type ErrorReply struct {
	Code    ErrorCode
	Message string
}

func (ResultResponse) Command() Command { return CmdResult }
func (StatusReply) Command() Command    { return CmdStatusReply }
func (ErrorReply) Command() Command     { return CmdError }
func (ResultResponse) isResponse()      {}
func (StatusReply) isResponse()         {}
func (ErrorReply) isResponse()          {}

func (e ErrorReply) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// Unwrap maps the error code onto the matching domain sentinel.
func (e ErrorReply) Unwrap() error {
	switch e.Code {
	case CodeProtocol, CodeVersionMismatch:
		return domain.ErrProtocol
	case CodeInvalidSequence:
		return domain.ErrInvalidSequence
	case CodeServerStopping:
		return domain.ErrServerStopping
	case CodeNotReady:
		return domain.ErrNotReady
	}
	return nil
}

// ErrorReplyFor picks the wire code for a server-side failure.
func ErrorReplyFor(err error) ErrorReply {
	code := CodeInternal
	switch {
	case errors.Is(err, domain.ErrInvalidSequence):
		code = CodeInvalidSequence
	case errors.Is(err, domain.ErrServerStopping):
		code = CodeServerStopping
	case errors.Is(err, domain.ErrNotReady):
		code = CodeNotReady
	case errors.Is(err, domain.ErrProtocol):
		code = CodeProtocol
	}
	return ErrorReply{Code: code, Message: err.Error()}
}

func EncodeRequest(req Request) (Frame, error) {
	e := &encoder{}
	switch r := req.(type) {
	case QueryRequest:
		e.u8(r.Version)
		var flags uint8
		if r.Overrides.MinScore != nil {
			flags |= flagMinScore
		}
		if r.Overrides.MinMatch != nil {
			flags |= flagMinMatch
		}
		if r.Overrides.MaxHits > 0 {
			flags |= flagMaxHits
		}
		e.u8(flags)
		if r.Overrides.MinScore != nil {
			e.u32(uint32(int32(*r.Overrides.MinScore)))
		}
		if r.Overrides.MinMatch != nil {
			e.u32(uint32(*r.Overrides.MinMatch))
		}
		if r.Overrides.MaxHits > 0 {
			e.u32(uint32(r.Overrides.MaxHits))
		}
		if err := encodePacked(e, r.Sequence); err != nil {
			return Frame{}, err
		}
	case StatusRequest, StopRequest:
	default:
		return Frame{}, fmt.Errorf("%w: unknown request %T", domain.ErrProtocol, req)
	}
	return Frame{Command: req.Command(), Payload: e.buf}, nil
}

func DecodeRequest(f Frame) (Request, error) {
	d := &decoder{buf: f.Payload}
	switch f.Command {
	case CmdQuery:
		r := QueryRequest{Version: d.u8()}
		flags := d.u8()
		if flags&flagMinScore != 0 {
			v := int(int32(d.u32()))
			r.Overrides.MinScore = &v
		}
		if flags&flagMinMatch != 0 {
			v := int(d.u32())
			r.Overrides.MinMatch = &v
		}
		if flags&flagMaxHits != 0 {
			r.Overrides.MaxHits = int(min(d.u32(), math.MaxInt32))
		}
		if d.err != nil {
			return nil, d.err
		}
		seq, err := decodePacked(d)
		if err != nil {
			return nil, err
		}
		r.Sequence = seq
		return r, d.finish()
	case CmdStatus:
		return StatusRequest{}, d.finish()
	case CmdStop:
		return StopRequest{}, d.finish()
	}
	return nil, fmt.Errorf("%w: unexpected request command %s", domain.ErrProtocol, f.Command)
}

func EncodeResponse(resp Response) (Frame, error) {
	e := &encoder{}
	switch r := resp.(type) {
	case ResultResponse:
		e.u32(uint32(len(r.Hits)))
		for _, h := range r.Hits {
			if err := encodeHit(e, h); err != nil {
				return Frame{}, err
			}
		}
	case StatusReply:
		e.u8(uint8(r.State))
		e.u32(r.ActiveSessions)
		e.u8(r.ProtocolVersion)
		e.u64(r.QueriesServed)
		e.u32(r.Sequences)
		e.u64(r.IndexedTiles)
	case ErrorReply:
		e.u16(uint16(r.Code))
		msg := r.Message
		if len(msg) > math.MaxUint16 {
			msg = msg[:math.MaxUint16]
		}
		if err := e.str(msg); err != nil {
			return Frame{}, err
		}
	default:
		return Frame{}, fmt.Errorf("%w: unknown response %T", domain.ErrProtocol, resp)
	}
	return Frame{Command: resp.Command(), Payload: e.buf}, nil
}

func DecodeResponse(f Frame) (Response, error) {
	d := &decoder{buf: f.Payload}
	switch f.Command {
	case CmdResult:
		count := d.u32()
		// Each record holds at least 31 bytes.
		if d.err == nil && uint64(count)*31 > uint64(d.remaining()) {
			return nil, fmt.Errorf("%w: %d hits do not fit the payload", domain.ErrProtocol, count)
		}
		hits := make([]domain.AlignmentHit, 0, count)
		for i := uint32(0); i < count; i++ {
			h, err := decodeHit(d)
			if err != nil {
				return nil, err
			}
			hits = append(hits, h)
		}
		return ResultResponse{Hits: hits}, d.finish()
	case CmdStatusReply:
		r := StatusReply{State: domain.ServerState(d.u8()), ActiveSessions: d.u32()}
		if d.err == nil && d.remaining() > 0 {
			r.ProtocolVersion = d.u8()
			r.QueriesServed = d.u64()
			r.Sequences = d.u32()
			r.IndexedTiles = d.u64()
		}
		if d.err == nil && !r.State.Valid() {
			return nil, fmt.Errorf("%w: unknown server state %d", domain.ErrProtocol, r.State)
		}
		return r, d.finish()
	case CmdError:
		r := ErrorReply{Code: ErrorCode(d.u16()), Message: d.str()}
		return r, d.finish()
	}
	return nil, fmt.Errorf("%w: unexpected response command %s", domain.ErrProtocol, f.Command)
}
