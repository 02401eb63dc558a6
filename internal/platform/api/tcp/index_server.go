package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"TileServer/internal/domain"
	"TileServer/internal/domain/index"
	"TileServer/internal/platform/api/wire"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Params      domain.IndexParameters
	Workers     int
	IdleTimeout time.Duration
	GracePeriod time.Duration
}

// IndexLoader produces the tile index while the server is Indexing.
type IndexLoader func(ctx context.Context) (*index.TileIndex, error)

type searchFunc func(ix *index.TileIndex, query domain.PackedSequence, params domain.IndexParameters) []domain.AlignmentHit

// EventPublisher receives every server state transition.
type EventPublisher interface {
	PublishTransition(t domain.StateTransition) error
}

type Job struct {
	Request   wire.QueryRequest
	Response  chan<- wire.Response
	SessionID string
}

// IndexServer owns the tile index and serves the binary protocol. Searches
// run on a bounded worker pool; each session handles one request at a time.
type IndexServer struct {
	opts    Options
	log     *logrus.Logger
	machine *domain.StateMachine
	index   atomic.Pointer[index.TileIndex]
	search  searchFunc

	mu       sync.Mutex
	listener net.Listener
	sessions map[string]*Session
	closing  bool

	jobs      chan Job
	ctx       context.Context
	cancel    context.CancelFunc
	workersWG sync.WaitGroup
	liveWG    sync.WaitGroup
	forced    chan struct{}
	done      chan struct{}
	doneOnce  sync.Once

	totalSessions atomic.Uint64
	queriesServed atomic.Uint64
	queryErrors   atomic.Uint64
}

func NewIndexServer(opts Options, log *logrus.Logger, publisher EventPublisher) *IndexServer {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &IndexServer{
		opts:     opts,
		log:      log,
		machine:  domain.NewStateMachine(),
		search:   (*index.TileIndex).SearchPacked,
		sessions: make(map[string]*Session),
		jobs:     make(chan Job, opts.Workers*4),
		ctx:      ctx,
		cancel:   cancel,
		forced:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	if publisher != nil {
		go s.forwardEvents(s.machine.Subscribe(), publisher)
	}
	return s
}

func (s *IndexServer) forwardEvents(events <-chan domain.StateTransition, publisher EventPublisher) {
	publish := func(t domain.StateTransition) {
		if err := publisher.PublishTransition(t); err != nil {
			s.log.WithError(err).WithField("state", t.To).Warn("publish state event")
		}
	}
	for {
		select {
		case t := <-events:
			publish(t)
		case <-s.done:
			for {
				select {
				case t := <-events:
					publish(t)
				default:
					return
				}
			}
		}
	}
}

func (s *IndexServer) State() domain.ServerState {
	return s.machine.State()
}

// Events delivers every state transition from now on.
func (s *IndexServer) Events() <-chan domain.StateTransition {
	return s.machine.Subscribe()
}

// Done is closed once the server reaches Stopped.
func (s *IndexServer) Done() <-chan struct{} {
	return s.done
}

func (s *IndexServer) Index() *index.TileIndex {
	return s.index.Load()
}

func (s *IndexServer) Status() wire.StatusReply {
	reply := wire.StatusReply{
		State:           s.machine.State(),
		ActiveSessions:  uint32(s.machine.ActiveSessions()),
		ProtocolVersion: wire.ProtocolVersion,
		QueriesServed:   s.queriesServed.Load(),
	}
	if ix := s.index.Load(); ix != nil {
		reply.Sequences = uint32(ix.Stats().Sequences)
		reply.IndexedTiles = ix.Stats().IndexedTiles
	}
	return reply
}

func (s *IndexServer) QueryErrors() uint64 {
	return s.queryErrors.Load()
}

func (s *IndexServer) TotalSessions() uint64 {
	return s.totalSessions.Load()
}

func (s *IndexServer) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Start runs the Unstarted -> Indexing -> Ready part of the lifecycle. A
// loader failure leaves the server Stopped and is returned to the caller.
func (s *IndexServer) Start(ctx context.Context, load IndexLoader) error {
	if err := s.machine.Transition(domain.StateIndexing); err != nil {
		return err
	}
	started := time.Now()
	ix, err := load(ctx)
	if err == nil && ix == nil {
		err = fmt.Errorf("%w: loader returned no index", domain.ErrIndexBuild)
	}
	if err != nil {
		_ = s.machine.Transition(domain.StateStopped)
		s.abort()
		return err
	}
	s.index.Store(ix)
	for i := 0; i < s.opts.Workers; i++ {
		s.workersWG.Add(1)
		go s.workerRoutine()
	}
	s.log.WithFields(logrus.Fields{
		"sequences": ix.Stats().Sequences,
		"tiles":     ix.Stats().IndexedTiles,
		"workers":   s.opts.Workers,
		"elapsed":   time.Since(started).Round(time.Millisecond),
	}).Info("index ready")
	return s.machine.Transition(domain.StateReady)
}

// Serve accepts connections until the server stops. It may be called before
// Start so that the port answers STATUS while the index is built. It returns
// nil when the listener was closed by Stop.
func (s *IndexServer) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closing || !s.machine.State().Listening() {
		s.mu.Unlock()
		return fmt.Errorf("serve: %w", domain.ErrNotReady)
	}
	s.listener = l
	s.mu.Unlock()
	s.log.WithField("address", l.Addr().String()).Info("index server listening")

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConnection(conn)
	}
}

func (s *IndexServer) reject(conn net.Conn, err error) {
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	if frame, encErr := wire.EncodeResponse(wire.ErrorReplyFor(err)); encErr == nil {
		_ = wire.WriteFrame(conn, frame)
	}
	_ = conn.Close()
}

func (s *IndexServer) handleConnection(conn net.Conn) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.reject(conn, domain.ErrServerStopping)
		return
	}
	if err := s.machine.SessionOpened(); err != nil {
		s.mu.Unlock()
		s.reject(conn, err)
		return
	}
	sess := newSession(conn)
	s.sessions[sess.ID] = sess
	s.liveWG.Add(1)
	s.mu.Unlock()
	s.totalSessions.Add(1)

	log := s.log.WithFields(logrus.Fields{"session": sess.ID, "remote": sess.RemoteAddr()})
	log.Debug("session opened")
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.ID)
		s.mu.Unlock()
		_ = conn.Close()
		s.machine.SessionClosed()
		s.liveWG.Done()
		log.Debug("session closed")
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		if s.isClosing() {
			s.write(sess, wire.ErrorReplyFor(domain.ErrServerStopping))
			return
		}
		frame, err := wire.ReadFrame(sess.reader)
		if err != nil {
			s.handleReadError(sess, log, err)
			return
		}
		sess.touch()
		if !s.markBusy(sess, true) {
			s.write(sess, s.reply(frame, wire.ErrorReplyFor(domain.ErrServerStopping)))
			return
		}
		resp, keep := s.dispatch(sess, frame)
		ok := s.write(sess, s.reply(frame, resp))
		s.markBusy(sess, false)
		if !ok || !keep {
			return
		}
	}
}

func (s *IndexServer) handleReadError(sess *Session, log *logrus.Entry, err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
	case errors.Is(err, domain.ErrProtocol):
		log.WithError(err).Warn("malformed frame, closing session")
		s.write(sess, wire.ErrorReplyFor(err))
	case errors.As(err, &netErr) && netErr.Timeout():
		if !s.isClosing() {
			log.Info("session idle timeout")
			return
		}
		// The read was cut by a stop; a request may have been half sent.
		log.Debug("session closed by stop")
		s.write(sess, wire.ErrorReplyFor(domain.ErrServerStopping))
	default:
		log.WithError(err).Debug("session read failed")
	}
}

func (s *IndexServer) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// markBusy flags a session as running a request. Entering busy fails once
// the server is closing.
func (s *IndexServer) markBusy(sess *Session, busy bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if busy && s.closing {
		return false
	}
	sess.busy = busy
	return true
}

func (s *IndexServer) write(sess *Session, resp wire.Response) bool {
	frame, err := wire.EncodeResponse(resp)
	if err != nil {
		s.log.WithError(err).Error("encode response")
		frame, _ = wire.EncodeResponse(wire.ErrorReply{Code: wire.CodeInternal, Message: err.Error()})
	}
	_ = sess.conn.SetWriteDeadline(time.Now().Add(s.opts.IdleTimeout))
	if err := wire.WriteFrame(sess.conn, frame); err != nil {
		s.log.WithError(err).WithField("session", sess.ID).Debug("write response failed")
		return false
	}
	return true
}

// reply counts ERROR replies sent for QUERY frames.
func (s *IndexServer) reply(frame wire.Frame, resp wire.Response) wire.Response {
	if _, failed := resp.(wire.ErrorReply); failed && frame.Command == wire.CmdQuery {
		s.queryErrors.Add(1)
	}
	return resp
}

// dispatch runs one request. keep reports whether the session stays open.
func (s *IndexServer) dispatch(sess *Session, frame wire.Frame) (wire.Response, bool) {
	req, err := wire.DecodeRequest(frame)
	if err != nil {
		return wire.ErrorReplyFor(err), false
	}
	switch r := req.(type) {
	case wire.QueryRequest:
		if err := s.notServing(); err != nil {
			return wire.ErrorReplyFor(err), true
		}
		if r.Version != wire.ProtocolVersion {
			return wire.ErrorReply{
				Code:    wire.CodeVersionMismatch,
				Message: fmt.Sprintf("protocol version %d not supported, server speaks %d", r.Version, wire.ProtocolVersion),
			}, false
		}
		sess.ProtocolVersion = r.Version
		return s.submit(sess, r), true
	case wire.StatusRequest:
		return s.Status(), true
	case wire.StopRequest:
		if err := s.notServing(); err != nil {
			return wire.ErrorReplyFor(err), true
		}
		s.log.WithField("session", sess.ID).Info("stop requested by client")
		s.RequestStop()
		return s.Status(), false
	}
	return wire.ErrorReplyFor(fmt.Errorf("%w: unhandled request %T", domain.ErrProtocol, req)), false
}

// notServing explains why queries are refused in the current state.
func (s *IndexServer) notServing() error {
	switch st := s.machine.State(); {
	case st.Accepting():
		return nil
	case st.Listening():
		return fmt.Errorf("%w: server is %s", domain.ErrNotReady, st)
	default:
		return domain.ErrServerStopping
	}
}

func (s *IndexServer) submit(sess *Session, req wire.QueryRequest) wire.Response {
	respCh := make(chan wire.Response, 1)
	job := Job{Request: req, Response: respCh, SessionID: sess.ID}
	select {
	case s.jobs <- job:
	case <-s.forced:
		return wire.ErrorReplyFor(domain.ErrServerStopping)
	}
	select {
	case resp := <-respCh:
		return resp
	case <-s.forced:
		return wire.ErrorReplyFor(domain.ErrServerStopping)
	}
}

func (s *IndexServer) workerRoutine() {
	defer s.workersWG.Done()
	for {
		select {
		case job := <-s.jobs:
			job.Response <- s.processQuery(job)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *IndexServer) processQuery(job Job) (resp wire.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(logrus.Fields{"session": job.SessionID, "panic": r}).Error("search panicked")
			resp = wire.ErrorReply{Code: wire.CodeInternal, Message: fmt.Sprint("search failed: ", r)}
		}
	}()
	params := s.opts.Params.WithOverrides(job.Request.Overrides)
	started := time.Now()
	hits := s.search(s.index.Load(), job.Request.Sequence, params)
	if limit := job.Request.Overrides.MaxHits; limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	s.queriesServed.Add(1)
	s.log.WithFields(logrus.Fields{
		"session": job.SessionID,
		"query":   job.Request.Sequence.Name,
		"length":  job.Request.Sequence.Length,
		"hits":    len(hits),
		"elapsed": time.Since(started),
	}).Debug("query served")
	return wire.ResultResponse{Hits: hits}
}

// RequestStop starts a cooperative stop with the configured grace period
// and returns at once. It reports false if the server was not running.
func (s *IndexServer) RequestStop() bool {
	if !s.machine.BeginStop() {
		return false
	}
	go s.drain(s.opts.GracePeriod)
	return true
}

// Stop moves the server to Stopping, waits up to grace for in-flight
// requests and then closes what is left. It blocks until Stopped.
func (s *IndexServer) Stop(grace time.Duration) error {
	switch s.machine.State() {
	case domain.StateUnstarted:
		if err := s.machine.Transition(domain.StateStopped); err == nil {
			s.abort()
			return nil
		}
	case domain.StateIndexing:
		return fmt.Errorf("stop during indexing: %w", domain.ErrNotReady)
	}
	if s.machine.BeginStop() {
		s.drain(grace)
	}
	<-s.done
	return nil
}

// abort tears down a server that never became Ready: the listener is closed
// and open sessions are cut without waiting for them.
func (s *IndexServer) abort() {
	s.mu.Lock()
	s.closing = true
	l := s.listener
	for _, sess := range s.sessions {
		_ = sess.conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()
	if l != nil {
		_ = l.Close()
	}
	s.cancel()
	s.finish()
}

func (s *IndexServer) drain(grace time.Duration) {
	s.mu.Lock()
	s.closing = true
	l := s.listener
	for _, sess := range s.sessions {
		if !sess.busy {
			_ = sess.conn.SetReadDeadline(time.Now())
		}
	}
	active := len(s.sessions)
	s.mu.Unlock()
	s.log.WithField("sessions", active).Info("stopping index server")

	if l != nil {
		_ = l.Close()
	}
	drained := make(chan struct{})
	go func() {
		s.liveWG.Wait()
		close(drained)
	}()
	forced := false
	select {
	case <-drained:
	case <-time.After(grace):
		forced = true
		s.log.WithField("grace", grace).Warn("grace period elapsed, closing remaining sessions")
		close(s.forced)
		s.mu.Lock()
		for _, sess := range s.sessions {
			_ = sess.conn.Close()
		}
		s.mu.Unlock()
		<-drained
	}
	s.cancel()
	// A forced stop does not wait for searches still running.
	if !forced {
		s.workersWG.Wait()
	}
	if err := s.machine.Transition(domain.StateStopped); err != nil {
		s.log.WithError(err).Error("stop transition")
	}
	s.log.WithField("queries", s.queriesServed.Load()).Info("index server stopped")
	s.finish()
}
