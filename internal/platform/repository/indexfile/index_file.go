package indexfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"TileServer/internal/domain"
	"TileServer/internal/domain/index"
	"TileServer/internal/platform/utils"
	"github.com/klauspost/compress/zstd"
)

const (
	Magic        = ".tileidx"
	MajorVersion = 2
	MinorVersion = 0
)

var order = binary.LittleEndian

// Source identifies a reference file an index was built from.
type Source struct {
	Path    string
	Size    int64
	ModTime int64
}

// Sources stats the reference files in order.
func Sources(paths []string) ([]Source, error) {
	sources := make([]Source, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrIndexBuild, err)
		}
		sources = append(sources, Source{Path: abs, Size: info.Size(), ModTime: info.ModTime().UnixNano()})
	}
	return sources, nil
}

func sameSources(a, b []Source) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Save writes the index to path through a temporary file in the same
// directory, so readers never see a partial file.
func Save(path string, ix *index.TileIndex, sources []Source) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := Write(w, ix, sources); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Write encodes the header, the reference sources and the compressed body.
func Write(w io.Writer, ix *index.TileIndex, sources []Source) error {
	header := append([]byte(Magic), MajorVersion, MinorVersion)
	if _, err := w.Write(header); err != nil {
		return err
	}
	if err := writeSources(w, sources); err != nil {
		return err
	}
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if err := writeBody(enc, ix); err != nil {
		_ = enc.Close()
		return fmt.Errorf("write index body: %w", err)
	}
	return enc.Close()
}

func writeSources(w io.Writer, sources []Source) error {
	if err := binary.Write(w, order, uint32(len(sources))); err != nil {
		return err
	}
	for _, src := range sources {
		if len(src.Path) > 0xFFFF {
			return fmt.Errorf("reference path too long: %s", src.Path)
		}
		if err := binary.Write(w, order, uint16(len(src.Path))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, src.Path); err != nil {
			return err
		}
		if err := binary.Write(w, order, []int64{src.Size, src.ModTime}); err != nil {
			return err
		}
	}
	return nil
}

func readSources(r io.Reader) ([]Source, error) {
	var count uint32
	if err := binary.Read(r, order, &count); err != nil {
		return nil, err
	}
	var sources []Source
	for i := uint32(0); i < count; i++ {
		var n uint16
		if err := binary.Read(r, order, &n); err != nil {
			return nil, err
		}
		path := make([]byte, n)
		if _, err := io.ReadFull(r, path); err != nil {
			return nil, err
		}
		meta := make([]int64, 2)
		if err := binary.Read(r, order, meta); err != nil {
			return nil, err
		}
		sources = append(sources, Source{Path: string(path), Size: meta[0], ModTime: meta[1]})
	}
	return sources, nil
}

func writeBody(w io.Writer, ix *index.TileIndex) error {
	p := ix.Params()
	params := []uint32{
		uint32(p.TileSize), uint32(p.StepSize), uint32(p.MinMatch), uint32(int32(p.MinScore)),
		uint32(p.MaxGap), uint32(p.DiagonalTolerance), uint32(p.MaxRepeat),
	}
	if err := binary.Write(w, order, params); err != nil {
		return err
	}

	seqs := ix.Sequences()
	if err := binary.Write(w, order, uint32(len(seqs))); err != nil {
		return err
	}
	for _, seq := range seqs {
		if err := utils.AppendPackedSequence(w, seq); err != nil {
			return err
		}
	}

	if err := binary.Write(w, order, uint64(ix.TileCount())); err != nil {
		return err
	}
	if err := ix.ForEachTile(func(key uint64, occ []index.Occurrence) error {
		return utils.AppendTileRecord(w, key, occ)
	}); err != nil {
		return err
	}

	stats := ix.Stats()
	return binary.Write(w, order, []uint64{
		uint64(stats.Sequences), stats.TotalBases, stats.IndexedTiles,
		stats.DistinctTiles, stats.DroppedTiles, stats.DroppedOccurrences,
	})
}

// Load reads the index at path. A file written by another major version, a
// corrupt file, one built with a different tile geometry than want, or one
// built from other reference files than sources yields domain.ErrIndexFormat.
// Nil sources skips the reference check. A missing file yields an error
// matching fs.ErrNotExist.
func Load(path string, want domain.IndexParameters, sources []Source) (*index.TileIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ix, built, err := Read(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if sources != nil && !sameSources(built, sources) {
		return nil, fmt.Errorf("%w: %s was built from other reference files", domain.ErrIndexFormat, path)
	}
	if !ix.Params().SameGeometry(want) {
		got := ix.Params()
		return nil, fmt.Errorf("%w: %s was built with tile %d step %d repeat %d", domain.ErrIndexFormat,
			path, got.TileSize, got.StepSize, got.MaxRepeat)
	}
	return ix, nil
}

// Read decodes an index and the reference sources it was built from.
func Read(r io.Reader) (*index.TileIndex, []Source, error) {
	header := make([]byte, len(Magic)+2)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, nil, fmt.Errorf("%w: short header", domain.ErrIndexFormat)
	}
	if !bytes.Equal(header[:len(Magic)], []byte(Magic)) {
		return nil, nil, fmt.Errorf("%w: not a tile index file", domain.ErrIndexFormat)
	}
	if major := header[len(Magic)]; major != MajorVersion {
		return nil, nil, fmt.Errorf("%w: file version %d.%d, supported %d.x", domain.ErrIndexFormat,
			major, header[len(Magic)+1], MajorVersion)
	}
	sources, err := readSources(r)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: sources: %w", domain.ErrIndexFormat, err)
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", domain.ErrIndexFormat, err)
	}
	defer dec.Close()
	ix, err := readBody(bufio.NewReader(dec))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", domain.ErrIndexFormat, err)
	}
	return ix, sources, nil
}

func readBody(r io.Reader) (*index.TileIndex, error) {
	raw := make([]uint32, 7)
	if err := binary.Read(r, order, raw); err != nil {
		return nil, err
	}
	params := domain.IndexParameters{
		TileSize: int(raw[0]), StepSize: int(raw[1]), MinMatch: int(raw[2]), MinScore: int(int32(raw[3])),
		MaxGap: int(raw[4]), DiagonalTolerance: int(raw[5]), MaxRepeat: int(raw[6]),
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	var seqCount uint32
	if err := binary.Read(r, order, &seqCount); err != nil {
		return nil, err
	}
	var seqs []domain.PackedSequence
	for i := uint32(0); i < seqCount; i++ {
		seq, err := utils.ReadPackedSequence(r)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", i, err)
		}
		seqs = append(seqs, seq)
	}

	var tileCount uint64
	if err := binary.Read(r, order, &tileCount); err != nil {
		return nil, err
	}
	tiles := make(map[uint64][]index.Occurrence)
	for i := uint64(0); i < tileCount; i++ {
		key, occ, err := utils.ReadTileRecord(r)
		if err != nil {
			return nil, fmt.Errorf("tile %d: %w", i, err)
		}
		for _, o := range occ {
			if o.SeqID >= seqCount || o.Offset >= seqs[o.SeqID].Length {
				return nil, fmt.Errorf("tile %#x points outside the reference set", key)
			}
		}
		tiles[key] = occ
	}

	rawStats := make([]uint64, 6)
	if err := binary.Read(r, order, rawStats); err != nil {
		return nil, err
	}
	stats := index.Stats{
		Sequences: int(rawStats[0]), TotalBases: rawStats[1], IndexedTiles: rawStats[2],
		DistinctTiles: rawStats[3], DroppedTiles: rawStats[4], DroppedOccurrences: rawStats[5],
	}
	if _, err := r.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after stats")
	}
	return index.New(params, seqs, tiles, stats), nil
}

// FileStore exposes Load and Save to the application layer, keyed by the
// reference file paths. Loading with no references accepts any cache.
type FileStore struct{}

func NewFileStore() *FileStore {
	return &FileStore{}
}

func (FileStore) Load(path string, want domain.IndexParameters, references []string) (*index.TileIndex, error) {
	var sources []Source
	if len(references) > 0 {
		var err error
		if sources, err = Sources(references); err != nil {
			return nil, err
		}
	}
	return Load(path, want, sources)
}

func (FileStore) Save(path string, ix *index.TileIndex, references []string) error {
	sources, err := Sources(references)
	if err != nil {
		return err
	}
	return Save(path, ix, sources)
}
