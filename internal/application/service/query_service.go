package service

import (
	"context"

	"TileServer/internal/domain"
	"TileServer/internal/platform/client"
	"TileServer/internal/platform/config"
	"github.com/sirupsen/logrus"
)

type QueryService struct {
	cfg config.Config
	log *logrus.Logger
}

func NewQueryService(cfg config.Config, log *logrus.Logger) *QueryService {
	return &QueryService{
		cfg: cfg,
		log: log,
	}
}

type QueryCommand struct {
	Sequences []domain.Sequence
	Options   client.QueryOptions
}

type QueryResult struct {
	Query domain.Sequence
	Hits  []domain.AlignmentHit
}

func retryPolicy(cfg config.Config) client.RetryPolicy {
	p := client.DefaultRetryPolicy()
	if cfg.ConnectAttempts > 0 {
		p.MaxAttempts = cfg.ConnectAttempts
	}
	if cfg.ConnectBackoff > 0 {
		p.InitialBackoff = cfg.ConnectBackoff
	}
	if cfg.ConnectMaxBackoff > 0 {
		p.MaxBackoff = cfg.ConnectMaxBackoff
	}
	return p
}

// Execute runs every query over one session, in order. The results gathered
// before a failure are returned with the error.
func (s *QueryService) Execute(ctx context.Context, command QueryCommand) ([]QueryResult, error) {
	sess, err := client.Connect(ctx, s.cfg.Host, s.cfg.Port, retryPolicy(s.cfg), s.log)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	results := make([]QueryResult, 0, len(command.Sequences))
	for _, seq := range command.Sequences {
		hits, err := sess.Query(ctx, seq, s.cfg.QueryTimeout, command.Options)
		if err != nil {
			return results, err
		}
		results = append(results, QueryResult{Query: seq, Hits: hits})
	}
	return results, nil
}
