package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"

	"github.com/park285/cheese-lichess-bot/internal/board"
)

// Config is the process-wide configuration. It is built once by Load and then
// only read; components receive the sub-structs they need by value.
type Config struct {
	Token string `yaml:"token"`
	URL   string `yaml:"url"`

	// Concurrency is the maximum number of simultaneous games.
	Concurrency int `yaml:"concurrency"`
	// MoveOverheadMillis is subtracted from our clock before each engine search.
	MoveOverheadMillis int `yaml:"move_overhead"`
	// AbortTimeSec is how long an unstarted game waits before we try to abort it.
	AbortTimeSec int `yaml:"abort_time"`
	// StreamIdleSec is how long a server stream may stay silent before it is reconnected.
	StreamIdleSec int `yaml:"stream_idle_timeout"`

	Engine      EngineConfig      `yaml:"engine"`
	Books       BooksConfig       `yaml:"books"`
	Draw        DrawConfig        `yaml:"draw"`
	Resign      ResignConfig      `yaml:"resign"`
	Challenge   ChallengeConfig   `yaml:"challenge"`
	Matchmaking MatchmakingConfig `yaml:"matchmaking"`
	Log         LogConfig         `yaml:"log"`
	Notify      NotifyConfig      `yaml:"notify"`

	// MessagesDir holds optional *.yaml files overriding the result-line wording.
	MessagesDir string `yaml:"messages_dir"`
}

type EngineConfig struct {
	Path    string         `yaml:"path"`
	Options map[string]any `yaml:"options"`
}

type BooksConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Depth     int    `yaml:"depth"`
	Selection string `yaml:"selection"`
	// Paths maps a variant key to book files consulted in order.
	Paths map[string][]string `yaml:",inline"`
}

type DrawConfig struct {
	Enabled       bool `yaml:"enabled"`
	MinGameLength int  `yaml:"min_game_length"`
	Moves         int  `yaml:"moves"`
	Score         int  `yaml:"score"`
}

type ResignConfig struct {
	Enabled bool `yaml:"enabled"`
	Moves   int  `yaml:"moves"`
	Score   int  `yaml:"score"`
}

type RatingDiff struct {
	Bot   int `yaml:"bot"`
	Human int `yaml:"human"`
}

type ChallengeConfig struct {
	Enabled       bool       `yaml:"enabled"`
	Modes         []string   `yaml:"modes"`
	Variants      []string   `yaml:"variants"`
	Opponents     []string   `yaml:"opponents"`
	TimeControls  []string   `yaml:"time_controls"`
	MinInitial    int        `yaml:"min_initial"`
	MaxInitial    int        `yaml:"max_initial"`
	MinIncrement  int        `yaml:"min_increment"`
	MaxIncrement  int        `yaml:"max_increment"`
	MaxRatingDiff RatingDiff `yaml:"max_rating_diff"`
}

type MatchmakingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	TimeoutMin    int    `yaml:"timeout"`
	Rated         bool   `yaml:"rated"`
	Variant       string `yaml:"variant"`
	InitialTimes  []int  `yaml:"initial_times"`
	Increments    []int  `yaml:"increments"`
	MaxRatingDiff int    `yaml:"max_rating_diff"`
	MinGames      int    `yaml:"min_games"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
	Caller bool   `yaml:"caller"`
}

type NotifyConfig struct {
	RedisURL string `yaml:"redis_url"`
	Channel  string `yaml:"channel"`
}

func (c *Config) MoveOverhead() time.Duration {
	return time.Duration(c.MoveOverheadMillis) * time.Millisecond
}

func (c *Config) AbortTime() time.Duration {
	return time.Duration(c.AbortTimeSec) * time.Second
}

func (c *Config) StreamIdle() time.Duration {
	return time.Duration(c.StreamIdleSec) * time.Second
}

func (m MatchmakingConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutMin) * time.Minute
}

// Default returns the configuration used for keys missing from the file.
func Default() *Config {
	return &Config{
		URL:                "https://lichess.org",
		Concurrency:        1,
		MoveOverheadMillis: 100,
		AbortTimeSec:       20,
		StreamIdleSec:      20,
		Books: BooksConfig{
			Depth:     10,
			Selection: "weighted_random",
		},
		Draw: DrawConfig{
			MinGameLength: 35,
			Moves:         5,
			Score:         0,
		},
		Resign: ResignConfig{
			Moves: 3,
			Score: -1000,
		},
		Challenge: ChallengeConfig{
			Enabled:       true,
			Modes:         []string{"rated", "casual"},
			Variants:      []string{"standard"},
			Opponents:     []string{"bot", "human"},
			TimeControls:  []string{"bullet", "blitz", "rapid", "classical"},
			MinInitial:    0,
			MaxInitial:    3600,
			MinIncrement:  0,
			MaxIncrement:  60,
			MaxRatingDiff: RatingDiff{Bot: 500, Human: 1000},
		},
		Matchmaking: MatchmakingConfig{
			TimeoutMin:    10,
			Variant:       "standard",
			InitialTimes:  []int{60, 180, 300},
			Increments:    []int{0, 1, 2},
			MaxRatingDiff: 300,
			MinGames:      50,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "legacy",
		},
		Notify: NotifyConfig{
			Channel: "lichess-bot:events",
		},
	}
}

// Load reads the YAML file at path on top of Default and applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("LICHESS_BOT_TOKEN")); v != "" {
		cfg.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("LICHESS_URL")); v != "" {
		cfg.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_FILE")); v != "" {
		cfg.Log.File = v
	}
	if v := strings.TrimSpace(os.Getenv("MESSAGES_DIR")); v != "" {
		cfg.MessagesDir = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.Notify.RedisURL = v
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return errors.New("token is required (config or LICHESS_BOT_TOKEN)")
	}
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("url is required")
	}
	if strings.TrimSpace(c.Engine.Path) == "" {
		return errors.New("engine.path is required")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be > 0: %d", c.Concurrency)
	}
	switch c.Books.Selection {
	case "weighted_random", "uniform_random", "best_move":
	default:
		return fmt.Errorf("books.selection %q is not one of weighted_random, uniform_random, best_move", c.Books.Selection)
	}
	if c.Matchmaking.Enabled {
		if len(c.Matchmaking.InitialTimes) == 0 || len(c.Matchmaking.Increments) == 0 {
			return errors.New("matchmaking.initial_times and matchmaking.increments must not be empty")
		}
		if c.Matchmaking.TimeoutMin <= 0 {
			return fmt.Errorf("matchmaking.timeout must be > 0: %d", c.Matchmaking.TimeoutMin)
		}
		// an outgoing challenge carries no start position
		if v := c.Matchmaking.Variant; !board.Supported(v) || v == "fromPosition" {
			return fmt.Errorf("matchmaking.variant %q cannot be played", v)
		}
	}
	return nil
}
