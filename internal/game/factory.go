package game

import (
	"context"
	"maps"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-lichess-bot/internal/board"
	"github.com/park285/cheese-lichess-bot/internal/config"
	"github.com/park285/cheese-lichess-bot/internal/engine"
)

// Engine is the part of a UCI session a Game drives.
type Engine interface {
	Play(ctx context.Context, req engine.SearchRequest) (engine.Result, error)
	Quit(grace time.Duration) error
	Name() string
}

// EngineFactory starts a fresh engine for one game of the given variant.
type EngineFactory func(ctx context.Context, variant string) (Engine, error)

// NewEngineFactory launches cfg.Path per game with cfg.Options applied.
// Chess960 games additionally get UCI_Chess960 and engine-only variants get
// UCI_Variant.
func NewEngineFactory(cfg config.EngineConfig, logger *zap.Logger) EngineFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, variant string) (Engine, error) {
		e, err := engine.Start(ctx, cfg.Path, engineOptions(cfg.Options, variant), logger.Named("engine"))
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

// engineOptions copies base and adds the options variant needs.
func engineOptions(base map[string]any, variant string) map[string]any {
	opts := maps.Clone(base)
	if opts == nil {
		opts = make(map[string]any, 1)
	}
	if variant == "chess960" {
		opts["UCI_Chess960"] = true
	}
	if uv, ok := board.UCIVariant(variant); ok {
		opts["UCI_Variant"] = uv
	}
	return opts
}
