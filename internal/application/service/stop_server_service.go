package service

import (
	"context"
	"fmt"
	"time"

	"TileServer/internal/domain"
	"TileServer/internal/platform/api/wire"
	"TileServer/internal/platform/client"
	"TileServer/internal/platform/config"
	"TileServer/internal/platform/portmanager"
	"github.com/sirupsen/logrus"
)

type StopServerService struct {
	cfg config.Config
	log *logrus.Logger
}

func NewStopServerService(cfg config.Config, log *logrus.Logger) *StopServerService {
	return &StopServerService{
		cfg: cfg,
		log: log,
	}
}

// Execute sends STOP and waits until the server no longer answers, at most
// one grace period plus the probe timeout.
func (s *StopServerService) Execute(ctx context.Context) (wire.StatusReply, error) {
	policy := retryPolicy(s.cfg)
	policy.MaxAttempts = 1
	sess, err := client.Connect(ctx, s.cfg.Host, s.cfg.Port, policy, s.log)
	if err != nil {
		return wire.StatusReply{}, err
	}
	reply, err := sess.Stop(ctx, s.cfg.ProbeTimeout)
	if err != nil {
		return wire.StatusReply{}, err
	}
	s.log.WithField("state", reply.State).Info("stop requested")

	deadline := time.Now().Add(s.cfg.GracePeriod + s.cfg.ProbeTimeout)
	for time.Now().Before(deadline) {
		if _, alive := portmanager.ProbeLiveness(ctx, s.cfg.Host, s.cfg.Port, s.cfg.ProbeTimeout); !alive {
			reply.State = domain.StateStopped
			return reply, nil
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return reply, ctx.Err()
		}
	}
	return reply, fmt.Errorf("server on %s still answering after %s", hostPort(s.cfg.Host, s.cfg.Port), s.cfg.GracePeriod)
}
