package domain

import "fmt"

const (
	DefaultTileSize          = 11
	DefaultStepSize          = 11
	DefaultMinMatch          = 2
	DefaultMinScore          = 30
	DefaultMaxGap            = 2
	DefaultDiagonalTolerance = 8
	// DefaultMaxRepeat is tuned for 11-mer tiles.
	DefaultMaxRepeat = 1024

	MaxTileSize = 32
)

// IndexParameters is fixed when the server starts.
type IndexParameters struct {
	TileSize          int `yaml:"tileSize" json:"tile_size"`
	StepSize          int `yaml:"stepSize" json:"step_size"`
	MinMatch          int `yaml:"minMatch" json:"min_match"`
	MinScore          int `yaml:"minScore" json:"min_score"`
	MaxGap            int `yaml:"maxGap" json:"max_gap"`
	DiagonalTolerance int `yaml:"diagonalTolerance" json:"diagonal_tolerance"`
	// MaxRepeat drops tiles occurring more often than this across the reference set.
	MaxRepeat int `yaml:"maxRepeat" json:"max_repeat"`
}

func DefaultIndexParameters() IndexParameters {
	return IndexParameters{
		TileSize:          DefaultTileSize,
		StepSize:          DefaultStepSize,
		MinMatch:          DefaultMinMatch,
		MinScore:          DefaultMinScore,
		MaxGap:            DefaultMaxGap,
		DiagonalTolerance: DefaultDiagonalTolerance,
		MaxRepeat:         DefaultMaxRepeat,
	}
}

func (p IndexParameters) Validate() error {
	switch {
	case p.TileSize < 1 || p.TileSize > MaxTileSize:
		return fmt.Errorf("tile size %d outside [1, %d]", p.TileSize, MaxTileSize)
	case p.StepSize < 1:
		return fmt.Errorf("step size %d must be at least 1", p.StepSize)
	case p.MinMatch < 1:
		return fmt.Errorf("min match %d must be at least 1", p.MinMatch)
	case p.MaxGap < 0:
		return fmt.Errorf("max gap %d must not be negative", p.MaxGap)
	case p.DiagonalTolerance < 0:
		return fmt.Errorf("diagonal tolerance %d must not be negative", p.DiagonalTolerance)
	case p.MaxRepeat < 1:
		return fmt.Errorf("max repeat %d must be at least 1", p.MaxRepeat)
	}
	return nil
}

// SameGeometry reports whether an index built with p can serve queries made
// with other. Score thresholds may differ.
func (p IndexParameters) SameGeometry(other IndexParameters) bool {
	return p.TileSize == other.TileSize && p.StepSize == other.StepSize && p.MaxRepeat == other.MaxRepeat
}

// SearchOverrides carries per-request thresholds. Nil fields keep the server value.
type SearchOverrides struct {
	MinScore *int
	MinMatch *int
	MaxHits  int
}

func (p IndexParameters) WithOverrides(o SearchOverrides) IndexParameters {
	if o.MinScore != nil {
		p.MinScore = *o.MinScore
	}
	if o.MinMatch != nil && *o.MinMatch >= 1 {
		p.MinMatch = *o.MinMatch
	}
	return p
}
