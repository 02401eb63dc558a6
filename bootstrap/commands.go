package bootstrap

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"TileServer/internal/application/service"
	"TileServer/internal/domain"
	"TileServer/internal/platform/client"
	"TileServer/internal/platform/config"
	"TileServer/internal/platform/messaging/zeromq/message"
	"TileServer/internal/platform/repository"
	json "github.com/json-iterator/go"
	"go.uber.org/dig"
)

type runFunc = func(ctx context.Context, c *dig.Container, args []string, out io.Writer) error

// invoke resolves a component and runs fn with it. Construction failures
// and fn's own error are both returned.
func invoke[T any](c *dig.Container, fn func(T) error) error {
	var runErr error
	if err := c.Invoke(func(component T) { runErr = fn(component) }); err != nil {
		return err
	}
	return runErr
}

func startCommand(fs *flag.FlagSet) runFunc {
	return func(ctx context.Context, c *dig.Container, _ []string, out io.Writer) error {
		return invoke(c, func(s *service.StartServerService) error {
			result, err := s.Execute(ctx)
			if err != nil {
				return err
			}
			if result.Attached {
				fmt.Fprintf(out, "attached to running server on %s (%s)\n", result.Address, result.Status.State)
				return nil
			}
			fmt.Fprintf(out, "serving on %s\n", result.Address)
			return invoke(c, func(cfg config.Config) error {
				return result.Wait(ctx, cfg.GracePeriod)
			})
		})
	}
}

func stopCommand(fs *flag.FlagSet) runFunc {
	return func(ctx context.Context, c *dig.Container, _ []string, out io.Writer) error {
		return invoke(c, func(s *service.StopServerService) error {
			reply, err := s.Execute(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "server %s after %d queries\n", reply.State, reply.QueriesServed)
			return nil
		})
	}
}

func statusCommand(fs *flag.FlagSet) runFunc {
	viaHTTP := fs.Bool("http", false, "ask the HTTP admin endpoint instead of the query port")
	return func(ctx context.Context, c *dig.Container, _ []string, out io.Writer) error {
		return invoke(c, func(s *service.StatusService) error {
			if *viaHTTP {
				doc, err := s.ExecuteHTTP()
				if err != nil {
					return err
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(doc)
			}
			st, err := s.Execute(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "state=%s active_sessions=%d protocol=%d queries=%d sequences=%d tiles=%d\n",
				st.State, st.ActiveSessions, st.ProtocolVersion, st.QueriesServed, st.Sequences, st.IndexedTiles)
			return nil
		})
	}
}

func queryCommand(fs *flag.FlagSet) runFunc {
	inline := fs.String("seq", "", "query bases given inline instead of FASTA files")
	maxHits := fs.Int("max-hits", 0, "report at most this many hits per query (0 = all)")
	asJSON := fs.Bool("json", false, "print hits as JSON")
	minScore := fs.Int("query-min-score", 0, "override the server minimum score")
	minMatch := fs.Int("query-min-match", 0, "override the server minimum seed tiles")

	return func(ctx context.Context, c *dig.Container, args []string, out io.Writer) error {
		seqs, err := querySequences(*inline, args)
		if err != nil {
			return err
		}
		opts := client.QueryOptions{MaxHits: *maxHits}
		fs.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "query-min-score":
				opts.MinScore = minScore
			case "query-min-match":
				opts.MinMatch = minMatch
			}
		})
		return invoke(c, func(s *service.QueryService) error {
			results, err := s.Execute(ctx, service.QueryCommand{Sequences: seqs, Options: opts})
			if printErr := printHits(out, results, *asJSON); printErr != nil && err == nil {
				err = printErr
			}
			return err
		})
	}
}

func querySequences(inline string, files []string) ([]domain.Sequence, error) {
	if inline != "" {
		return []domain.Sequence{domain.NewSequence("query", []byte(strings.TrimSpace(inline)))}, nil
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("query needs -seq or FASTA files (use - for stdin)")
	}
	var seqs []domain.Sequence
	for _, path := range files {
		var in io.Reader = os.Stdin
		if path != "-" {
			f, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			defer f.Close()
			in = f
		}
		read, err := repository.ReadFASTA(in)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		seqs = append(seqs, read...)
	}
	return seqs, nil
}

type hitRecord struct {
	Query string `json:"query"`
	domain.AlignmentHit
}

func printHits(out io.Writer, results []service.QueryResult, asJSON bool) error {
	if asJSON {
		records := []hitRecord{}
		for _, r := range results {
			for _, h := range r.Hits {
				records = append(records, hitRecord{Query: r.Query.Name(), AlignmentHit: h})
			}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "query\ttarget\ttStart\ttEnd\tqStart\tqEnd\tstrand\tscore\tmatches\tmismatches")
	for _, r := range results {
		for _, h := range r.Hits {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%c\t%d\t%d\t%d\n", r.Query.Name(), h.TargetName,
				h.TargetStart, h.TargetEnd, h.QueryStart, h.QueryEnd, h.Strand, h.Score, h.Matches, h.Mismatches)
		}
	}
	return w.Flush()
}

func watchCommand(fs *flag.FlagSet) runFunc {
	return func(ctx context.Context, c *dig.Container, _ []string, out io.Writer) error {
		return invoke(c, func(s *service.WatchService) error {
			return s.Execute(ctx, func(m message.StateEventMessage) {
				fmt.Fprintf(out, "%s %s %s -> %s\n", time.Unix(0, m.At).Format(time.RFC3339Nano), m.Server, m.From, m.To)
			})
		})
	}
}
