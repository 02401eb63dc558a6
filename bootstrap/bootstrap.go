package bootstrap

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"TileServer/internal/application/service"
	"TileServer/internal/domain"
	"TileServer/internal/platform/config"
	"TileServer/internal/platform/logging"
	"TileServer/internal/platform/repository"
	"TileServer/internal/platform/repository/indexfile"
	"github.com/sirupsen/logrus"
	"go.uber.org/dig"
)

const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitUsage         = 2
	ExitPortExhausted = 10
	ExitIndexBuild    = 20
	ExitIndexFormat   = 21
	ExitConnection    = 30
	ExitQueryTimeout  = 31
)

// ExitCode maps an error onto the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, domain.ErrPortExhausted):
		return ExitPortExhausted
	case errors.Is(err, domain.ErrIndexFormat):
		return ExitIndexFormat
	case errors.Is(err, domain.ErrIndexBuild):
		return ExitIndexBuild
	case errors.Is(err, domain.ErrQueryTimeout):
		return ExitQueryTimeout
	case errors.Is(err, domain.ErrConnection):
		return ExitConnection
	}
	return ExitFailure
}

// NewContainer registers every component built from cfg.
func NewContainer(cfg config.Config) (*dig.Container, error) {
	container := dig.New()
	constructors := []interface{}{
		func() config.Config { return cfg },
		logging.NewLogger,
		repository.NewFastaReferenceRepository,
		func(r *repository.FastaReferenceRepository) domain.ReferenceRepository { return r },
		indexfile.NewFileStore,
		func(s *indexfile.FileStore) service.IndexStore { return s },
		service.NewStartServerService,
		service.NewQueryService,
		service.NewStatusService,
		service.NewStopServerService,
		service.NewWatchService,
	}
	for _, constructor := range constructors {
		if err := container.Provide(constructor); err != nil {
			return nil, err
		}
	}
	return container, nil
}

type command struct {
	usage string
	flags func(fs *flag.FlagSet) func(ctx context.Context, c *dig.Container, args []string, out io.Writer) error
}

var commands = map[string]command{
	"start":  {"build or load the index and serve it", startCommand},
	"stop":   {"ask a running server to stop", stopCommand},
	"status": {"show the state of a running server", statusCommand},
	"query":  {"search sequences against a running server", queryCommand},
	"watch":  {"follow server state events", watchCommand},
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "usage: tileserver <command> [flags]")
	for _, name := range []string{"start", "stop", "status", "query", "watch"} {
		fmt.Fprintf(out, "  %-7s %s\n", name, commands[name].usage)
	}
}

// Run executes one CLI invocation and returns the exit status.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return ExitUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		usage(stderr)
		return ExitUsage
	}
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	run := cmd.flags(fs)
	cfg, err := config.LoadConfig(fs, args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK
		}
		fmt.Fprintln(stderr, "configuration:", err)
		return ExitUsage
	}
	container, err := NewContainer(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return ExitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = run(ctx, container, fs.Args(), stdout)
	if err != nil {
		_ = container.Invoke(func(log *logrus.Logger) {
			log.WithError(err).Error(args[0] + " failed")
		})
		fmt.Fprintln(stderr, "error:", err)
	}
	return ExitCode(err)
}
