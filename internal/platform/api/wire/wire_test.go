package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"TileServer/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFrame_LayoutIsLengthCommandPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Command: CmdStatus}))
	assert.Equal(t, []byte{0, 0, 0, 1, 0x02}, buf.Bytes())

	buf.Reset()
	require.NoError(t, WriteFrame(&buf, Frame{Command: CmdError, Payload: []byte{9, 8}}))
	assert.Equal(t, []byte{0, 0, 0, 3, 0xFF, 9, 8}, buf.Bytes())

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, CmdError, f.Command)
	assert.Equal(t, []byte{9, 8}, f.Payload)

	_, err = ReadFrame(&buf)
	assert.Equal(t, io.EOF, err, "clean end of stream")
}

func TestReadFrame_RejectsMalformedInput(t *testing.T) {
	cases := map[string][]byte{
		"zero length":      {0, 0, 0, 0},
		"oversized":        binary.BigEndian.AppendUint32(nil, MaxFrameSize+1),
		"truncated header": {0, 0},
		"truncated body":   {0, 0, 0, 9, 0x01, 1, 2},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(raw))
			assert.True(t, errors.Is(err, domain.ErrProtocol), "got %v", err)
		})
	}
}

func genQuery(t *rapid.T) QueryRequest {
	bases := rapid.SliceOfN(rapid.SampledFrom([]byte("ACGTNacgtRY")), 1, 200).Draw(t, "bases")
	packed, err := domain.Encode(domain.NewSequence(rapid.StringMatching(`[A-Za-z0-9_]{0,20}`).Draw(t, "name"), bases))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	req := QueryRequest{Version: ProtocolVersion, Sequence: packed}
	if rapid.Bool().Draw(t, "withScore") {
		v := rapid.IntRange(-1000, 1000).Draw(t, "minScore")
		req.Overrides.MinScore = &v
	}
	if rapid.Bool().Draw(t, "withMatch") {
		v := rapid.IntRange(1, 100).Draw(t, "minMatch")
		req.Overrides.MinMatch = &v
	}
	req.Overrides.MaxHits = rapid.IntRange(0, 50).Draw(t, "maxHits")
	return req
}

func TestQueryRequest_SurvivesTheWire(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		req := genQuery(rt)
		var buf bytes.Buffer
		frame, err := EncodeRequest(req)
		if err != nil {
			rt.Fatalf("encode: %v", err)
		}
		if err := WriteFrame(&buf, frame); err != nil {
			rt.Fatalf("write: %v", err)
		}
		read, err := ReadFrame(&buf)
		if err != nil {
			rt.Fatalf("read: %v", err)
		}
		decoded, err := DecodeRequest(read)
		if err != nil {
			rt.Fatalf("decode: %v", err)
		}
		got := decoded.(QueryRequest)
		seq, err := domain.Decode(got.Sequence)
		if err != nil {
			rt.Fatalf("decode sequence: %v", err)
		}
		want, _ := domain.Decode(req.Sequence)
		if seq.String() != want.String() || seq.Name() != want.Name() {
			rt.Fatalf("sequence mismatch %q != %q", seq.String(), want.String())
		}
		if got.Overrides.MaxHits != req.Overrides.MaxHits ||
			(got.Overrides.MinScore == nil) != (req.Overrides.MinScore == nil) ||
			(got.Overrides.MinMatch == nil) != (req.Overrides.MinMatch == nil) {
			rt.Fatalf("overrides mismatch: %+v vs %+v", got.Overrides, req.Overrides)
		}
		if req.Overrides.MinScore != nil && *got.Overrides.MinScore != *req.Overrides.MinScore {
			rt.Fatalf("min score %d != %d", *got.Overrides.MinScore, *req.Overrides.MinScore)
		}
	})
}

func TestDecodeRequest_RejectsCorruptPayloads(t *testing.T) {
	packed, err := domain.Encode(domain.NewSequence("q", []byte("ACGTACGTNN")))
	require.NoError(t, err)
	frame, err := EncodeRequest(QueryRequest{Version: ProtocolVersion, Sequence: packed})
	require.NoError(t, err)

	truncated := Frame{Command: CmdQuery, Payload: frame.Payload[:len(frame.Payload)-3]}
	_, err = DecodeRequest(truncated)
	assert.True(t, errors.Is(err, domain.ErrProtocol))

	trailing := Frame{Command: CmdStatus, Payload: []byte{1}}
	_, err = DecodeRequest(trailing)
	assert.True(t, errors.Is(err, domain.ErrProtocol))

	_, err = DecodeRequest(Frame{Command: CmdResult})
	assert.True(t, errors.Is(err, domain.ErrProtocol), "responses are not requests")

	_, err = DecodeRequest(Frame{Command: 0x42})
	assert.True(t, errors.Is(err, domain.ErrProtocol))
}

func TestResultResponse_RecordLayout(t *testing.T) {
	hit := domain.AlignmentHit{
		TargetName: "chr1", TargetStart: 123, TargetEnd: 173, QueryStart: 0, QueryEnd: 50,
		Strand: domain.StrandForward, Score: -7, Matches: 50, Mismatches: 2,
	}
	frame, err := EncodeResponse(ResultResponse{Hits: []domain.AlignmentHit{hit}})
	require.NoError(t, err)

	expected := []byte{0, 0, 0, 1, 0, 4, 'c', 'h', 'r', '1'}
	for _, v := range []uint32{123, 173, 0, 50} {
		expected = binary.BigEndian.AppendUint32(expected, v)
	}
	expected = append(expected, '+')
	expected = binary.BigEndian.AppendUint32(expected, uint32(0xFFFFFFF9))
	expected = binary.BigEndian.AppendUint32(expected, 50)
	expected = binary.BigEndian.AppendUint32(expected, 2)
	assert.Equal(t, expected, frame.Payload)

	decoded, err := DecodeResponse(frame)
	require.NoError(t, err)
	assert.Equal(t, ResultResponse{Hits: []domain.AlignmentHit{hit}}, decoded)
}

func TestResultResponse_EmptyAndBogusCounts(t *testing.T) {
	frame, err := EncodeResponse(ResultResponse{})
	require.NoError(t, err)
	decoded, err := DecodeResponse(frame)
	require.NoError(t, err)
	assert.Empty(t, decoded.(ResultResponse).Hits)

	_, err = DecodeResponse(Frame{Command: CmdResult, Payload: []byte{0xFF, 0xFF, 0xFF, 0xFF}})
	assert.True(t, errors.Is(err, domain.ErrProtocol))
}

func TestStatusReply_ReadsShortFormFromOlderServers(t *testing.T) {
	full := StatusReply{State: domain.StateServing, ActiveSessions: 3, ProtocolVersion: ProtocolVersion,
		QueriesServed: 99, Sequences: 2, IndexedTiles: 1 << 40}
	frame, err := EncodeResponse(full)
	require.NoError(t, err)
	decoded, err := DecodeResponse(frame)
	require.NoError(t, err)
	assert.Equal(t, full, decoded)
	assert.True(t, decoded.(StatusReply).Compatible())

	short := Frame{Command: CmdStatusReply, Payload: []byte{byte(domain.StateReady), 0, 0, 0, 0}}
	decoded, err = DecodeResponse(short)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, decoded.(StatusReply).State)
	assert.False(t, decoded.(StatusReply).Compatible())

	_, err = DecodeResponse(Frame{Command: CmdStatusReply, Payload: []byte{42, 0, 0, 0, 0}})
	assert.True(t, errors.Is(err, domain.ErrProtocol))
}

func TestErrorReply_MapsToDomainErrors(t *testing.T) {
	reply := ErrorReplyFor(domain.ErrServerStopping)
	assert.Equal(t, CodeServerStopping, reply.Code)

	frame, err := EncodeResponse(reply)
	require.NoError(t, err)
	decoded, err := DecodeResponse(frame)
	require.NoError(t, err)

	var asErr error = decoded.(ErrorReply)
	assert.True(t, errors.Is(asErr, domain.ErrServerStopping))
	assert.Contains(t, asErr.Error(), "server stopping")

	assert.Equal(t, CodeInvalidSequence, ErrorReplyFor(domain.ErrInvalidSequence).Code)
	assert.Equal(t, CodeInternal, ErrorReplyFor(errors.New("boom")).Code)
}
