package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"TileServer/internal/domain"
	"TileServer/internal/platform/api/wire"
	"github.com/sirupsen/logrus"
)

// RetryPolicy bounds how Connect backs off between dial attempts.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		Multiplier:     2,
		MaxBackoff:     2 * time.Second,
	}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return min(d, p.MaxBackoff)
}

type QueryOptions struct {
	MinScore *int
	MinMatch *int
	MaxHits  int
}

// ServerError is an ERROR frame returned by the server.
type ServerError struct {
	Reply wire.ErrorReply
}

func (e *ServerError) Error() string {
	return e.Reply.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Reply
}

// Session is one connection to an index server. Calls are serialised.
type Session struct {
	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	addr    string
	closed  bool
	version uint8
	log     *logrus.Entry
}

// Connect dials the server, backing off between attempts, and performs a
// STATUS handshake.
func Connect(ctx context.Context, host string, port int, policy RetryPolicy, log *logrus.Logger) (*Session, error) {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	entry := log.WithField("address", addr)

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			s := &Session{conn: conn, reader: bufio.NewReader(conn), addr: addr, log: entry}
			status, err := s.handshake(ctx)
			if err == nil {
				s.version = status.ProtocolVersion
				entry.WithFields(logrus.Fields{"state": status.State, "attempt": attempt}).Debug("connected")
				return s, nil
			}
			_ = conn.Close()
			// A server that answers but refuses us will not change its mind.
			var serverErr *ServerError
			if errors.As(err, &serverErr) || errors.Is(err, domain.ErrProtocol) {
				return nil, fmt.Errorf("%w: %s: %w", domain.ErrConnection, addr, err)
			}
			lastErr = err
		} else {
			lastErr = err
		}
		if attempt == policy.MaxAttempts {
			break
		}
		wait := policy.backoff(attempt)
		entry.WithError(lastErr).WithFields(logrus.Fields{"attempt": attempt, "backoff": wait}).Debug("connect failed, retrying")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", domain.ErrConnection, addr, ctx.Err())
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", domain.ErrConnection, addr, policy.MaxAttempts, lastErr)
}

func (s *Session) handshake(ctx context.Context) (wire.StatusReply, error) {
	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	resp, err := s.roundTrip(wire.StatusRequest{}, deadline)
	if err != nil {
		return wire.StatusReply{}, err
	}
	status, ok := resp.(wire.StatusReply)
	if !ok {
		return wire.StatusReply{}, fmt.Errorf("%w: handshake answered with %s", domain.ErrProtocol, resp.Command())
	}
	if !status.Compatible() {
		return wire.StatusReply{}, fmt.Errorf("%w: server speaks protocol %d, client %d",
			domain.ErrProtocol, status.ProtocolVersion, wire.ProtocolVersion)
	}
	return status, nil
}

func (s *Session) Address() string {
	return s.addr
}

// roundTrip writes one request and reads its response. ERROR frames come
// back as *ServerError.
func (s *Session) roundTrip(req wire.Request, deadline time.Time) (wire.Response, error) {
	frame, err := wire.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	_ = s.conn.SetDeadline(deadline)
	defer s.conn.SetDeadline(time.Time{})
	if err := wire.WriteFrame(s.conn, frame); err != nil {
		return nil, err
	}
	reply, err := wire.ReadFrame(s.reader)
	if err != nil {
		return nil, err
	}
	resp, err := wire.DecodeResponse(reply)
	if err != nil {
		return nil, err
	}
	if e, ok := resp.(wire.ErrorReply); ok {
		return nil, &ServerError{Reply: e}
	}
	return resp, nil
}

// call runs a request under the session lock. A timeout or an ERROR after
// which the server hangs up invalidates the session; the connection is closed.
func (s *Session) call(ctx context.Context, req wire.Request, timeout time.Duration) (wire.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: session closed", domain.ErrConnection)
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetDeadline(time.Now()) })
	defer stop()

	resp, err := s.roundTrip(req, deadline)
	if err == nil {
		return resp, nil
	}
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		if serverErr.Reply.Code.ClosesSession() {
			_ = s.closeLocked()
		}
		return nil, err
	}
	_ = s.closeLocked()
	var netErr net.Error
	switch {
	case ctx.Err() != nil:
		return nil, fmt.Errorf("%w: %w", domain.ErrConnection, ctx.Err())
	case errors.As(err, &netErr) && netErr.Timeout():
		return nil, fmt.Errorf("%w after %s", domain.ErrQueryTimeout, timeout)
	case errors.Is(err, domain.ErrProtocol):
		return nil, err
	}
	return nil, fmt.Errorf("%w: %w", domain.ErrConnection, err)
}

// Query sends one sequence and waits up to timeout for its hits.
func (s *Session) Query(ctx context.Context, seq domain.Sequence, timeout time.Duration, opts QueryOptions) ([]domain.AlignmentHit, error) {
	packed, err := domain.Encode(seq)
	if err != nil {
		return nil, err
	}
	req := wire.QueryRequest{
		Version:  wire.ProtocolVersion,
		Sequence: packed,
		Overrides: domain.SearchOverrides{
			MinScore: opts.MinScore,
			MinMatch: opts.MinMatch,
			MaxHits:  opts.MaxHits,
		},
	}
	started := time.Now()
	resp, err := s.call(ctx, req, timeout)
	if err != nil {
		return nil, err
	}
	result, ok := resp.(wire.ResultResponse)
	if !ok {
		return nil, fmt.Errorf("%w: query answered with %s", domain.ErrProtocol, resp.Command())
	}
	s.log.WithFields(logrus.Fields{"query": seq.Name(), "hits": len(result.Hits), "elapsed": time.Since(started)}).Debug("query done")
	return result.Hits, nil
}

func (s *Session) Status(ctx context.Context, timeout time.Duration) (wire.StatusReply, error) {
	resp, err := s.call(ctx, wire.StatusRequest{}, timeout)
	if err != nil {
		return wire.StatusReply{}, err
	}
	status, ok := resp.(wire.StatusReply)
	if !ok {
		return wire.StatusReply{}, fmt.Errorf("%w: status answered with %s", domain.ErrProtocol, resp.Command())
	}
	return status, nil
}

// Stop asks the server to shut down. The server closes the session after
// replying, so this session is closed too.
func (s *Session) Stop(ctx context.Context, timeout time.Duration) (wire.StatusReply, error) {
	resp, err := s.call(ctx, wire.StopRequest{}, timeout)
	defer s.Close()
	if err != nil {
		return wire.StatusReply{}, err
	}
	status, ok := resp.(wire.StatusReply)
	if !ok {
		return wire.StatusReply{}, fmt.Errorf("%w: stop answered with %s", domain.ErrProtocol, resp.Command())
	}
	return status, nil
}

// Close is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
