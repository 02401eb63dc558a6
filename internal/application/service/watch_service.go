package service

import (
	"context"
	"fmt"

	"TileServer/internal/platform/config"
	"TileServer/internal/platform/messaging/zeromq/listener"
	"TileServer/internal/platform/messaging/zeromq/message"
	"github.com/sirupsen/logrus"
)

type WatchService struct {
	cfg config.Config
	log *logrus.Logger
}

func NewWatchService(cfg config.Config, log *logrus.Logger) *WatchService {
	return &WatchService{
		cfg: cfg,
		log: log,
	}
}

// Execute streams state events to handle until ctx ends.
func (s *WatchService) Execute(ctx context.Context, handle func(message.StateEventMessage)) error {
	if s.cfg.EventsPort <= 0 {
		return fmt.Errorf("events port not configured")
	}
	l := listener.NewZeromqStateListener(ctx, s.cfg.Host, s.cfg.EventsPort, s.log)
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	return l.Listen(handle)
}
