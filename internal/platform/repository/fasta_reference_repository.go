package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"TileServer/internal/domain"
	"github.com/biogo/biogo/alphabet"
	"github.com/biogo/biogo/io/seqio/fasta"
	"github.com/biogo/biogo/seq/linear"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// FastaReferenceRepository reads multi-record FASTA files.
type FastaReferenceRepository struct {
	log *logrus.Logger
}

func NewFastaReferenceRepository(log *logrus.Logger) *FastaReferenceRepository {
	return &FastaReferenceRepository{
		log: log,
	}
}

// Load reads every record of every file in order. Record names must be
// unique across files; that is checked when the index is built.
func (r *FastaReferenceRepository) Load(ctx context.Context, paths []string) ([]domain.Sequence, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no reference files given", domain.ErrIndexBuild)
	}
	var all []domain.Sequence
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		started := time.Now()
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrIndexBuild, err)
		}
		seqs, err := ReadFASTA(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", domain.ErrIndexBuild, path, err)
		}
		var bases uint64
		for _, s := range seqs {
			bases += uint64(s.Len())
		}
		r.log.WithFields(logrus.Fields{
			"file":      path,
			"sequences": len(seqs),
			"bases":     humanize.Comma(int64(bases)),
			"elapsed":   time.Since(started).Round(time.Millisecond),
		}).Info("reference file read")
		all = append(all, seqs...)
	}
	return all, nil
}

// ReadFASTA returns the records of a FASTA stream. A stream without any
// record is an error.
func ReadFASTA(in io.Reader) ([]domain.Sequence, error) {
	reader := fasta.NewReader(in, linear.NewSeq("", nil, alphabet.DNAredundant))
	var seqs []domain.Sequence
	for {
		s, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		l := s.(*linear.Seq)
		bases := make([]byte, len(l.Seq))
		for i, v := range l.Seq {
			bases[i] = byte(v)
		}
		seqs = append(seqs, domain.NewSequence(l.ID, bases))
	}
	if len(seqs) == 0 {
		return nil, errors.New("no FASTA records found")
	}
	return seqs, nil
}
