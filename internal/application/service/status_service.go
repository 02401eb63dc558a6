package service

import (
	"context"
	"fmt"

	"TileServer/internal/platform/api/wire"
	"TileServer/internal/platform/client"
	"TileServer/internal/platform/config"
	"TileServer/internal/platform/server/handler/status"
	"github.com/sirupsen/logrus"
)

type StatusService struct {
	cfg config.Config
	log *logrus.Logger
}

func NewStatusService(cfg config.Config, log *logrus.Logger) *StatusService {
	return &StatusService{
		cfg: cfg,
		log: log,
	}
}

// Execute asks the server on the binary port.
func (s *StatusService) Execute(ctx context.Context) (wire.StatusReply, error) {
	policy := retryPolicy(s.cfg)
	policy.MaxAttempts = 1
	sess, err := client.Connect(ctx, s.cfg.Host, s.cfg.Port, policy, s.log)
	if err != nil {
		return wire.StatusReply{}, err
	}
	defer sess.Close()
	return sess.Status(ctx, s.cfg.ProbeTimeout)
}

// ExecuteHTTP asks the admin endpoint, which also reports index statistics.
func (s *StatusService) ExecuteHTTP() (*status.Document, error) {
	if s.cfg.AdminPort <= 0 {
		return nil, fmt.Errorf("admin port not configured")
	}
	return client.NewAdminClient("http://" + hostPort(s.cfg.Host, s.cfg.AdminPort)).Status()
}
