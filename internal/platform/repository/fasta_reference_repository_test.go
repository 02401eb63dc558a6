package repository

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"TileServer/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepository() *FastaReferenceRepository {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewFastaReferenceRepository(log)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadFASTA_MultiRecordWrappedLines(t *testing.T) {
	in := ">chr1 first chromosome\nACGTACGTAC\nGTNNacgt\n>chrM\nTTTTGGGGCC\n"
	seqs, err := ReadFASTA(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, seqs, 2)

	assert.Equal(t, "chr1", seqs[0].Name())
	assert.Equal(t, "ACGTACGTACGTNNacgt", seqs[0].String())
	assert.Equal(t, "chrM", seqs[1].Name())
	assert.Equal(t, "TTTTGGGGCC", seqs[1].String())
}

func TestReadFASTA_EmptyInput(t *testing.T) {
	_, err := ReadFASTA(strings.NewReader(""))
	assert.Error(t, err)
}

func TestLoad_ConcatenatesFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.fa", ">a1\nACGTACGTACGT\n>a2\nGGGGCCCCAAAA\n")
	b := writeFile(t, dir, "b.fa", ">b1\nTTTTACGTACGA\n")

	seqs, err := newRepository().Load(context.Background(), []string{a, b})
	require.NoError(t, err)
	var names []string
	for _, s := range seqs {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"a1", "a2", "b1"}, names)
}

func TestLoad_Failures(t *testing.T) {
	dir := t.TempDir()
	repo := newRepository()

	_, err := repo.Load(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrIndexBuild)

	_, err = repo.Load(context.Background(), []string{filepath.Join(dir, "missing.fa")})
	assert.ErrorIs(t, err, domain.ErrIndexBuild)
	assert.ErrorIs(t, err, os.ErrNotExist)

	empty := writeFile(t, dir, "empty.fa", "")
	_, err = repo.Load(context.Background(), []string{empty})
	assert.ErrorIs(t, err, domain.ErrIndexBuild)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = repo.Load(ctx, []string{empty})
	assert.ErrorIs(t, err, context.Canceled)
}
