package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"time"

	"TileServer/internal/domain"
	"TileServer/internal/domain/index"
	"TileServer/internal/platform/api/tcp"
	"TileServer/internal/platform/api/wire"
	"TileServer/internal/platform/config"
	"TileServer/internal/platform/messaging/zeromq/publisher"
	"TileServer/internal/platform/portmanager"
	"TileServer/internal/platform/server"
	"TileServer/internal/platform/server/handler/status"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// IndexStore persists built indexes between runs. A cache built from other
// reference files than the ones given loads as domain.ErrIndexFormat.
type IndexStore interface {
	Load(path string, want domain.IndexParameters, references []string) (*index.TileIndex, error)
	Save(path string, ix *index.TileIndex, references []string) error
}

type StartServerService struct {
	cfg        config.Config
	references domain.ReferenceRepository
	store      IndexStore
	log        *logrus.Logger
}

func NewStartServerService(cfg config.Config, references domain.ReferenceRepository,
	store IndexStore, log *logrus.Logger) *StartServerService {
	return &StartServerService{
		cfg:        cfg,
		references: references,
		store:      store,
		log:        log,
	}
}

// StartServerResult describes either a server started by this process or a
// compatible one that was already running.
type StartServerResult struct {
	Address  string
	Attached bool
	Status   wire.StatusReply
	Server   *tcp.IndexServer

	admin     *server.Server
	publisher *publisher.ZeroMQStatePublisher
}

// Wait blocks until the server stops or ctx ends; in the latter case it
// stops the server with the configured grace period.
func (r *StartServerResult) Wait(ctx context.Context, grace time.Duration) error {
	if r.Server == nil {
		return nil
	}
	var err error
	select {
	case <-r.Server.Done():
	case <-ctx.Done():
		err = r.Server.Stop(grace)
	}
	if r.admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = r.admin.Shutdown(shutdownCtx)
		cancel()
	}
	if r.publisher != nil {
		_ = r.publisher.Close()
	}
	return err
}

func (s *StartServerService) Execute(ctx context.Context) (*StartServerResult, error) {
	binding, err := portmanager.BindWithRetry(ctx, s.cfg.Host, s.cfg.Port, s.cfg.MaxPortRetries,
		portmanager.BindOptions{Attach: s.cfg.Attach, ProbeTimeout: s.cfg.ProbeTimeout, Logger: s.log})
	if err != nil {
		return nil, err
	}
	address := binding.Address(s.cfg.Host)
	if binding.Attached {
		s.log.WithFields(logrus.Fields{"address": address, "state": binding.Status.State}).Info("reusing running index server")
		return &StartServerResult{Address: address, Attached: true, Status: binding.Status}, nil
	}

	result := &StartServerResult{Address: address}
	var events tcp.EventPublisher
	if s.cfg.EventsPort > 0 {
		pub := publisher.NewZeroMQStatePublisher(s.cfg.Host, s.cfg.EventsPort, address, s.log)
		if err := pub.Initialize(); err != nil {
			_ = binding.Listener.Close()
			return nil, err
		}
		result.publisher, events = pub, pub
	}

	srv := tcp.NewIndexServer(tcp.Options{
		Params:      s.cfg.Params,
		Workers:     s.cfg.Workers,
		IdleTimeout: s.cfg.IdleTimeout,
		GracePeriod: s.cfg.GracePeriod,
	}, s.log, events)
	// The port answers STATUS while indexing so a second start can attach.
	served := make(chan error, 1)
	go func() { served <- srv.Serve(binding.Listener) }()
	if err := srv.Start(ctx, s.loadIndex); err != nil {
		_ = binding.Listener.Close()
		if result.publisher != nil {
			_ = result.publisher.Close()
		}
		return nil, err
	}
	go func() {
		if err := <-served; err != nil {
			s.log.WithError(err).Error("index server accept loop failed")
			_ = srv.Stop(s.cfg.GracePeriod)
		}
	}()
	result.Server = srv
	result.Status = srv.Status()

	if s.cfg.AdminPort > 0 {
		result.admin = server.NewServer(s.cfg.Host, s.cfg.AdminPort, status.NewStatusHandler(srv), s.log)
		go func() {
			if err := result.admin.Run(); err != nil {
				s.log.WithError(err).Error("admin server failed")
			}
		}()
	}
	return result, nil
}

// loadIndex prefers the cache and falls back to building from the reference
// files. A stale or unreadable cache is rebuilt and rewritten.
func (s *StartServerService) loadIndex(ctx context.Context) (*index.TileIndex, error) {
	if s.cfg.IndexCache != "" {
		started := time.Now()
		ix, err := s.store.Load(s.cfg.IndexCache, s.cfg.Params, s.cfg.References)
		switch {
		case err == nil:
			s.logIndex(ix, "index loaded from cache", started)
			return ix, nil
		case len(s.cfg.References) == 0 && errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("%w: no index cache and no reference files: %w", domain.ErrIndexBuild, err)
		case len(s.cfg.References) == 0:
			return nil, err
		case errors.Is(err, fs.ErrNotExist):
			s.log.WithField("cache", s.cfg.IndexCache).Info("no index cache, building")
		case errors.Is(err, domain.ErrIndexFormat):
			s.log.WithError(err).Warn("index cache unusable, rebuilding")
		default:
			return nil, err
		}
	}

	started := time.Now()
	refs, err := s.references.Load(ctx, s.cfg.References)
	if err != nil {
		return nil, err
	}
	ix, err := index.Build(ctx, refs, s.cfg.Params)
	if err != nil {
		return nil, err
	}
	s.logIndex(ix, "index built", started)

	if s.cfg.IndexCache != "" {
		if err := s.store.Save(s.cfg.IndexCache, ix, s.cfg.References); err != nil {
			s.log.WithError(err).WithField("cache", s.cfg.IndexCache).Warn("could not write index cache")
		} else {
			s.log.WithField("cache", s.cfg.IndexCache).Info("index cache written")
		}
	}
	return ix, nil
}

func (s *StartServerService) logIndex(ix *index.TileIndex, msg string, started time.Time) {
	st := ix.Stats()
	s.log.WithFields(logrus.Fields{
		"sequences": st.Sequences,
		"bases":     humanize.Comma(int64(st.TotalBases)),
		"tiles":     humanize.Comma(int64(st.IndexedTiles)),
		"dropped":   humanize.Comma(int64(st.DroppedTiles)),
		"elapsed":   time.Since(started).Round(time.Millisecond),
	}).Info(msg)
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
