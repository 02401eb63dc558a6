package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"TileServer/internal/domain"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const envPrefix = "TILESERVER_"

type Config struct {
	Host           string
	Port           int
	MaxPortRetries int
	Attach         bool
	References     []string
	IndexCache     string
	Params         domain.IndexParameters

	Workers      int
	IdleTimeout  time.Duration
	GracePeriod  time.Duration
	QueryTimeout time.Duration
	ProbeTimeout time.Duration

	ConnectAttempts   int
	ConnectBackoff    time.Duration
	ConnectMaxBackoff time.Duration

	// AdminPort and EventsPort are disabled when zero.
	AdminPort  int
	EventsPort int

	LogLevel  string
	LogFormat string
}

func Defaults() Config {
	return Config{
		Host:              "localhost",
		Port:              65000,
		MaxPortRetries:    10,
		Params:            domain.DefaultIndexParameters(),
		Workers:           0,
		IdleTimeout:       5 * time.Minute,
		GracePeriod:       10 * time.Second,
		QueryTimeout:      60 * time.Second,
		ProbeTimeout:      2 * time.Second,
		ConnectAttempts:   5,
		ConnectBackoff:    100 * time.Millisecond,
		ConnectMaxBackoff: 2 * time.Second,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// fileConfig is the YAML layout; durations are Go duration strings.
type fileConfig struct {
	Host           string                  `yaml:"host"`
	Port           int                     `yaml:"port"`
	MaxPortRetries int                     `yaml:"maxPortRetries"`
	Attach         *bool                   `yaml:"attach"`
	References     []string                `yaml:"references"`
	IndexCache     string                  `yaml:"indexCache"`
	Params         *domain.IndexParameters `yaml:"params"`
	Workers        int                     `yaml:"workers"`
	IdleTimeout    string                  `yaml:"idleTimeout"`
	GracePeriod    string                  `yaml:"gracePeriod"`
	QueryTimeout   string                  `yaml:"queryTimeout"`
	AdminPort      int                     `yaml:"adminPort"`
	EventsPort     int                     `yaml:"eventsPort"`
	LogLevel       string                  `yaml:"logLevel"`
	LogFormat      string                  `yaml:"logFormat"`
}

// LoadConfig registers the server flags on fs, parses args and resolves the
// configuration. Precedence: flags, environment (.env included), YAML file,
// built-in defaults.
func LoadConfig(fs *flag.FlagSet, args []string) (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Defaults()
	flags := Defaults()
	var configPath string
	var refs []string
	fs.StringVar(&configPath, "config", "", "YAML configuration file")
	fs.StringVar(&flags.Host, "host", cfg.Host, "server host")
	fs.IntVar(&flags.Port, "port", cfg.Port, "preferred server port")
	fs.IntVar(&flags.MaxPortRetries, "max-port-retries", cfg.MaxPortRetries, "number of consecutive ports to try")
	fs.BoolVar(&flags.Attach, "attach", cfg.Attach, "reuse a compatible server already running on the port")
	fs.Func("ref", "reference FASTA file (repeatable)", func(v string) error {
		refs = append(refs, v)
		return nil
	})
	fs.StringVar(&flags.IndexCache, "index-cache", cfg.IndexCache, "path of the persisted tile index")
	fs.IntVar(&flags.Params.TileSize, "tile-size", cfg.Params.TileSize, "tile (k-mer) size")
	fs.IntVar(&flags.Params.StepSize, "step-size", cfg.Params.StepSize, "spacing between indexed tiles")
	fs.IntVar(&flags.Params.MinScore, "min-score", cfg.Params.MinScore, "minimum hit score")
	fs.IntVar(&flags.Params.MinMatch, "min-match", cfg.Params.MinMatch, "minimum seed tiles per hit")
	fs.IntVar(&flags.Params.MaxGap, "max-gap", cfg.Params.MaxGap, "diagonal shift tolerated without penalty")
	fs.IntVar(&flags.Params.DiagonalTolerance, "diagonal-tolerance", cfg.Params.DiagonalTolerance, "diagonal drift allowed within one chain")
	fs.IntVar(&flags.Params.MaxRepeat, "max-repeat", cfg.Params.MaxRepeat, "drop tiles occurring more often than this")
	fs.IntVar(&flags.Workers, "workers", cfg.Workers, "search workers (0 = one per CPU)")
	fs.DurationVar(&flags.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "close sessions idle for this long")
	fs.DurationVar(&flags.GracePeriod, "grace", cfg.GracePeriod, "drain deadline on stop")
	fs.DurationVar(&flags.QueryTimeout, "query-timeout", cfg.QueryTimeout, "client query deadline")
	fs.IntVar(&flags.AdminPort, "admin-port", cfg.AdminPort, "HTTP admin port (0 disables)")
	fs.IntVar(&flags.EventsPort, "events-port", cfg.EventsPort, "ZeroMQ state event port (0 disables)")
	fs.StringVar(&flags.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVar(&flags.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if configPath == "" {
		configPath = os.Getenv(envPrefix + "CONFIG")
	}
	if configPath != "" {
		if err := applyFile(&cfg, configPath); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = flags.Host
		case "port":
			cfg.Port = flags.Port
		case "max-port-retries":
			cfg.MaxPortRetries = flags.MaxPortRetries
		case "attach":
			cfg.Attach = flags.Attach
		case "ref":
			cfg.References = refs
		case "index-cache":
			cfg.IndexCache = flags.IndexCache
		case "tile-size":
			cfg.Params.TileSize = flags.Params.TileSize
		case "step-size":
			cfg.Params.StepSize = flags.Params.StepSize
		case "min-score":
			cfg.Params.MinScore = flags.Params.MinScore
		case "min-match":
			cfg.Params.MinMatch = flags.Params.MinMatch
		case "max-gap":
			cfg.Params.MaxGap = flags.Params.MaxGap
		case "diagonal-tolerance":
			cfg.Params.DiagonalTolerance = flags.Params.DiagonalTolerance
		case "max-repeat":
			cfg.Params.MaxRepeat = flags.Params.MaxRepeat
		case "workers":
			cfg.Workers = flags.Workers
		case "idle-timeout":
			cfg.IdleTimeout = flags.IdleTimeout
		case "grace":
			cfg.GracePeriod = flags.GracePeriod
		case "query-timeout":
			cfg.QueryTimeout = flags.QueryTimeout
		case "admin-port":
			cfg.AdminPort = flags.AdminPort
		case "events-port":
			cfg.EventsPort = flags.EventsPort
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		case "log-format":
			cfg.LogFormat = flags.LogFormat
		}
	})
	if err := cfg.Params.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if fc.Host != "" {
		cfg.Host = fc.Host
	}
	if fc.Port != 0 {
		cfg.Port = fc.Port
	}
	if fc.MaxPortRetries != 0 {
		cfg.MaxPortRetries = fc.MaxPortRetries
	}
	if fc.Attach != nil {
		cfg.Attach = *fc.Attach
	}
	if len(fc.References) > 0 {
		cfg.References = fc.References
	}
	if fc.IndexCache != "" {
		cfg.IndexCache = fc.IndexCache
	}
	if fc.Params != nil {
		mergeParams(&cfg.Params, *fc.Params)
	}
	if fc.Workers != 0 {
		cfg.Workers = fc.Workers
	}
	if fc.AdminPort != 0 {
		cfg.AdminPort = fc.AdminPort
	}
	if fc.EventsPort != 0 {
		cfg.EventsPort = fc.EventsPort
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.LogFormat != "" {
		cfg.LogFormat = fc.LogFormat
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{fc.IdleTimeout, &cfg.IdleTimeout},
		{fc.GracePeriod, &cfg.GracePeriod},
		{fc.QueryTimeout, &cfg.QueryTimeout},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		*d.dst = v
	}
	return nil
}

func mergeParams(dst *domain.IndexParameters, src domain.IndexParameters) {
	for _, f := range []struct {
		v   int
		dst *int
	}{
		{src.TileSize, &dst.TileSize},
		{src.StepSize, &dst.StepSize},
		{src.MinMatch, &dst.MinMatch},
		{src.MinScore, &dst.MinScore},
		{src.MaxGap, &dst.MaxGap},
		{src.DiagonalTolerance, &dst.DiagonalTolerance},
		{src.MaxRepeat, &dst.MaxRepeat},
	} {
		if f.v != 0 {
			*f.dst = f.v
		}
	}
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(envPrefix + "HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv(envPrefix + "REFERENCES"); v != "" {
		cfg.References = strings.Split(v, ",")
	}
	if v := os.Getenv(envPrefix + "INDEX_CACHE"); v != "" {
		cfg.IndexCache = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(envPrefix + "LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv(envPrefix + "ATTACH"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sATTACH: %w", envPrefix, err)
		}
		cfg.Attach = b
	}
	ints := map[string]*int{
		"PORT":               &cfg.Port,
		"ADMIN_PORT":         &cfg.AdminPort,
		"EVENTS_PORT":        &cfg.EventsPort,
		"WORKERS":            &cfg.Workers,
		"TILE_SIZE":          &cfg.Params.TileSize,
		"STEP_SIZE":          &cfg.Params.StepSize,
		"MIN_SCORE":          &cfg.Params.MinScore,
		"MIN_MATCH":          &cfg.Params.MinMatch,
		"MAX_REPEAT":         &cfg.Params.MaxRepeat,
		"MAX_GAP":            &cfg.Params.MaxGap,
		"DIAGONAL_TOLERANCE": &cfg.Params.DiagonalTolerance,
	}
	for name, dst := range ints {
		v := os.Getenv(envPrefix + name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = n
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
