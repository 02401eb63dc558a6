package indexfile

import (
	"context"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"TileServer/internal/domain"
	"TileServer/internal/domain/index"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var params = domain.IndexParameters{
	TileSize: 11, StepSize: 5, MinMatch: 2, MinScore: 20,
	MaxGap: 2, DiagonalTolerance: 8, MaxRepeat: 1024,
}

func buildIndex(t *testing.T) (*index.TileIndex, []byte) {
	t.Helper()
	r := rand.New(rand.NewSource(5))
	chr1 := make([]byte, 1500)
	for i := range chr1 {
		chr1[i] = "ACGT"[r.Intn(4)]
	}
	chr2 := append([]byte("NNNNNacgtRY"), chr1[300:700]...)
	ix, err := index.Build(context.Background(), []domain.Sequence{
		domain.NewSequence("chr1", chr1),
		domain.NewSequence("chr2", chr2),
	}, params)
	require.NoError(t, err)
	return ix, chr1
}

func TestSaveLoad_PreservesIndex(t *testing.T) {
	ix, chr1 := buildIndex(t)
	path := filepath.Join(t.TempDir(), "genome.tileidx")
	require.NoError(t, Save(path, ix, nil))

	loaded, err := Load(path, params, nil)
	require.NoError(t, err)
	assert.Equal(t, ix.Params(), loaded.Params())
	assert.Equal(t, ix.Stats(), loaded.Stats())
	assert.Equal(t, ix.Sequences(), loaded.Sequences())
	assert.Equal(t, ix.TileCount(), loaded.TileCount())

	query := domain.NewSequence("q", chr1[400:480])
	want, err := ix.Search(query, params)
	require.NoError(t, err)
	got, err := loaded.Search(query, params)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Len(t, got, 2, "chr1 and the copy in chr2")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file removed")
}

func TestLoad_RejectsForeignAndStaleFiles(t *testing.T) {
	ix, _ := buildIndex(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "genome.tileidx")
	require.NoError(t, Save(path, ix, nil))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	corrupt := func(name string, data []byte) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, data, 0o644))
		return p
	}

	badMagic := append([]byte("notanidx"), raw[8:]...)
	_, err = Load(corrupt("magic", badMagic), params, nil)
	assert.ErrorIs(t, err, domain.ErrIndexFormat)

	newer := append([]byte{}, raw...)
	newer[len(Magic)] = MajorVersion + 1
	_, err = Load(corrupt("major", newer), params, nil)
	assert.ErrorIs(t, err, domain.ErrIndexFormat)

	minor := append([]byte{}, raw...)
	minor[len(Magic)+1] = MinorVersion + 3
	_, err = Load(corrupt("minor", minor), params, nil)
	assert.NoError(t, err, "minor versions stay readable")

	_, err = Load(corrupt("truncated", raw[:len(raw)/2]), params, nil)
	assert.ErrorIs(t, err, domain.ErrIndexFormat)

	other := params
	other.TileSize = 12
	_, err = Load(path, other, nil)
	assert.ErrorIs(t, err, domain.ErrIndexFormat)

	thresholds := params
	thresholds.MinScore = 99
	_, err = Load(path, thresholds, nil)
	assert.NoError(t, err, "score thresholds are not part of the geometry")

	_, err = Load(filepath.Join(dir, "missing"), params, nil)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestLoad_RejectsCacheFromOtherReferences(t *testing.T) {
	ix, _ := buildIndex(t)
	dir := t.TempDir()
	refA := filepath.Join(dir, "a.fa")
	refB := filepath.Join(dir, "b.fa")
	require.NoError(t, os.WriteFile(refA, []byte(">chr1\nACGT\n"), 0o644))
	require.NoError(t, os.WriteFile(refB, []byte(">chrB\nACGTACGT\n"), 0o644))

	store := NewFileStore()
	path := filepath.Join(dir, "genome.tileidx")
	require.NoError(t, store.Save(path, ix, []string{refA}))

	_, err := store.Load(path, params, []string{refA})
	require.NoError(t, err)
	_, err = store.Load(path, params, nil)
	assert.NoError(t, err, "no references given, any cache is accepted")

	_, err = store.Load(path, params, []string{refB})
	assert.ErrorIs(t, err, domain.ErrIndexFormat)
	_, err = store.Load(path, params, []string{refA, refB})
	assert.ErrorIs(t, err, domain.ErrIndexFormat)

	require.NoError(t, os.WriteFile(refA, []byte(">chr1\nACGTTTTT\n"), 0o644))
	_, err = store.Load(path, params, []string{refA})
	assert.ErrorIs(t, err, domain.ErrIndexFormat, "reference rewritten since the cache was built")

	_, err = store.Load(path, params, []string{filepath.Join(dir, "gone.fa")})
	assert.ErrorIs(t, err, domain.ErrIndexBuild)
}
